package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"mercator-hq/tally/pkg/accounting"
	"mercator-hq/tally/pkg/accounting/balance"
	"mercator-hq/tally/pkg/accounting/ledger"
	"mercator-hq/tally/pkg/config"
	"mercator-hq/tally/pkg/pricing"
	"mercator-hq/tally/pkg/tasks"
)

// newLogger builds the process logger from the logging configuration
// and installs it as the slog default.
func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch cfg.Logging.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// buildStores creates the configured balance and ledger backends.
func buildStores(cfg *config.Config) (balance.Store, ledger.Store, error) {
	if cfg.Storage.Backend == "memory" {
		return balance.NewMemoryStore(), ledger.NewMemoryStore(), nil
	}

	balances, err := balance.NewSQLiteStore(cfg.Storage.BalancePath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open balance store: %w", err)
	}
	txns, err := ledger.NewSQLiteStore(cfg.Storage.LedgerPath)
	if err != nil {
		_ = balances.Close()
		return nil, nil, fmt.Errorf("failed to open ledger store: %w", err)
	}
	return balances, txns, nil
}

// buildManager wires the accounting engine from configuration. The
// returned pricing table is shared with the optional hot-reload
// watcher.
func buildManager(cfg *config.Config, logger *slog.Logger) (*accounting.Manager, *pricing.Table, error) {
	table, err := pricing.LoadTable(cfg.Pricing.Path)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load pricing table: %w", err)
	}

	balances, txns, err := buildStores(cfg)
	if err != nil {
		return nil, nil, err
	}

	location, err := loadLocation(cfg.Refill.Timezone)
	if err != nil {
		return nil, nil, err
	}

	var metrics *accounting.Metrics
	if cfg.Metrics.Enabled {
		metrics = accounting.NewMetrics()
	}

	manager, err := accounting.NewManager(accounting.ManagerConfig{
		Store:               balances,
		TxStore:             txns,
		Pricing:             table,
		AlertThresholds:     cfg.Alerts.Thresholds,
		Strict:              cfg.Spend.Strict,
		SpendMaxTries:       cfg.Spend.MaxTries,
		SpendInitialBackoff: cfg.Spend.InitialBackoff,
		SpendMaxBackoff:     cfg.Spend.MaxBackoff,
		SweepSchedule:       cfg.Refill.SweepSchedule,
		SweepLocation:       location,
		Metrics:             metrics,
		Tasks: tasks.Config{
			Size:        cfg.Tasks.QueueSize,
			Workers:     cfg.Tasks.Workers,
			TaskTimeout: cfg.Tasks.TaskTimeout,
			Logger:      logger,
		},
		Logger: logger,
	})
	if err != nil {
		return nil, nil, err
	}

	return manager, table, nil
}

func loadLocation(name string) (*time.Location, error) {
	if name == "" {
		return time.UTC, nil
	}
	location, err := time.LoadLocation(name)
	if err != nil {
		return nil, fmt.Errorf("invalid refill timezone %q: %w", name, err)
	}
	return location, nil
}
