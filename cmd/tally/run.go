package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"mercator-hq/tally/pkg/config"
	"mercator-hq/tally/pkg/pricing"
)

var runFlags struct {
	metricsAddr string
	strict      bool
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the accounting daemon",
	Long: `Run starts the refill sweep scheduler and, when enabled, the
Prometheus metrics endpoint. The daemon keeps running until it
receives SIGINT or SIGTERM, then shuts down gracefully.`,
	RunE: runDaemon,
}

func init() {
	runCmd.Flags().StringVar(&runFlags.metricsAddr, "metrics-addr", "", "metrics listen address (overrides config)")
	runCmd.Flags().BoolVar(&runFlags.strict, "strict", false, "deny spends on endpoints with no configured pool")
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfigWithEnvOverrides(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if runFlags.metricsAddr != "" {
		cfg.Metrics.ListenAddress = runFlags.metricsAddr
	}
	if runFlags.strict {
		cfg.Spend.Strict = true
	}

	logger := newLogger(cfg)
	logger.Info("starting tally",
		"version", Version,
		"backend", cfg.Storage.Backend,
		"sweep_schedule", cfg.Refill.SweepSchedule,
		"strict", cfg.Spend.Strict)

	manager, table, err := buildManager(cfg, logger)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := manager.Start(ctx); err != nil {
		return fmt.Errorf("failed to start manager: %w", err)
	}

	var watcher *pricing.Watcher
	if cfg.Pricing.Watch {
		watcher = pricing.NewWatcher(table, cfg.Pricing.Path, logger)
		go func() {
			if err := watcher.Watch(ctx); err != nil {
				logger.Error("pricing watcher stopped", "error", err)
			}
		}()
	}

	var metricsServer *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
		metricsServer = &http.Server{
			Addr:              cfg.Metrics.ListenAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("metrics endpoint listening",
				"address", cfg.Metrics.ListenAddress,
				"path", cfg.Metrics.Path)
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	<-ctx.Done()
	logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if watcher != nil {
		watcher.Stop()
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", "error", err)
		}
	}
	if err := manager.Close(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown failed: %w", err)
	}

	logger.Info("shutdown complete")
	return nil
}
