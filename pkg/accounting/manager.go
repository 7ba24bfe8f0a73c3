package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mercator-hq/tally/pkg/accounting/alerts"
	"mercator-hq/tally/pkg/accounting/balance"
	"mercator-hq/tally/pkg/accounting/ledger"
	"mercator-hq/tally/pkg/accounting/refill"
	"mercator-hq/tally/pkg/accounting/spend"
	"mercator-hq/tally/pkg/pricing"
	"mercator-hq/tally/pkg/tasks"
)

// DefaultAlertThresholds are the consumed-percentage thresholds used
// when none are configured.
var DefaultAlertThresholds = []int{50, 80, 95}

// ManagerConfig configures a Manager.
type ManagerConfig struct {
	// Store holds the balance records. Default: in-memory.
	Store balance.Store

	// TxStore holds the transaction ledger. Default: in-memory.
	TxStore ledger.Store

	// Pricing resolves token-type multipliers.
	Pricing pricing.Lookup

	// Sink receives budget alert notifications. Optional; alerts are
	// logged and counted without one.
	Sink alerts.Sink

	// Reporter receives TOKEN_BALANCE violation payloads. Optional.
	Reporter spend.Reporter

	// AlertThresholds are the consumed percentages that trigger
	// notifications. Default: DefaultAlertThresholds.
	AlertThresholds []int

	// Strict denies spends that no limit governs instead of the
	// default unmetered allow.
	Strict bool

	// SpendMaxTries bounds the spend retry loop. Default: 10.
	SpendMaxTries uint

	// SpendInitialBackoff and SpendMaxBackoff shape the spend conflict
	// backoff. Defaults: 50ms and 2s.
	SpendInitialBackoff time.Duration
	SpendMaxBackoff     time.Duration

	// SweepSchedule is the cron expression driving scheduled refills.
	// Empty disables the sweeper.
	SweepSchedule string

	// SweepLocation is the schedule's timezone. Default: UTC.
	SweepLocation *time.Location

	// Tasks configures the detached-task queue for alert work.
	Tasks tasks.Config

	// Metrics receives engine metrics. Optional.
	Metrics *Metrics

	// Now is the clock, injectable for tests. Default: time.Now.
	Now func() time.Time

	Logger *slog.Logger
}

// Manager is the accounting engine's entry point. It owns the
// component wiring and the detached-task queue.
type Manager struct {
	store   balance.Store
	ledger  *ledger.Ledger
	alerts  *alerts.Engine
	refill  *refill.Engine
	spender *spend.Spender
	sweeper *refill.Sweeper
	queue   *tasks.Queue
	metrics *Metrics
	logger  *slog.Logger
}

// NewManager wires the accounting engine from its configuration.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Pricing == nil {
		return nil, fmt.Errorf("pricing lookup is required")
	}
	if cfg.Store == nil {
		cfg.Store = balance.NewMemoryStore()
	}
	if cfg.TxStore == nil {
		cfg.TxStore = ledger.NewMemoryStore()
	}
	if len(cfg.AlertThresholds) == 0 {
		cfg.AlertThresholds = DefaultAlertThresholds
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	m := &Manager{
		store:   cfg.Store,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.With("component", "accounting"),
	}

	if cfg.Tasks.Logger == nil {
		cfg.Tasks.Logger = cfg.Logger
	}
	m.queue = tasks.NewQueue(cfg.Tasks)

	m.ledger = ledger.New(cfg.TxStore, cfg.Pricing, cfg.Logger)
	m.alerts = alerts.NewEngine(cfg.Store, m.countingSink(cfg.Sink), cfg.AlertThresholds, cfg.Logger)

	m.refill = refill.NewEngine(refill.EngineConfig{
		Store:    cfg.Store,
		Ledger:   m.ledger,
		Alerts:   m.alerts,
		Queue:    m.queue,
		Now:      cfg.Now,
		OnRefill: m.recordRefill,
		Logger:   cfg.Logger,
	})

	m.spender = spend.New(spend.Config{
		Store:           cfg.Store,
		Refill:          m.refill,
		Ledger:          m.ledger,
		Alerts:          m.alerts,
		Queue:           m.queue,
		Reporter:        cfg.Reporter,
		Strict:          cfg.Strict,
		MaxTries:        cfg.SpendMaxTries,
		InitialInterval: cfg.SpendInitialBackoff,
		MaxInterval:     cfg.SpendMaxBackoff,
		Now:             cfg.Now,
		OnConflict:      m.recordConflict,
		Logger:          cfg.Logger,
	})

	m.sweeper = refill.NewSweeper(refill.SweeperConfig{
		Engine:     m.refill,
		Schedule:   cfg.SweepSchedule,
		Location:   cfg.SweepLocation,
		OnSkip:     m.recordSweepSkip,
		OnComplete: m.recordSweep,
		Logger:     cfg.Logger,
	})

	return m, nil
}

// Start arms the scheduled refill sweeper. A cancelled context stops
// it.
func (m *Manager) Start(ctx context.Context) error {
	return m.sweeper.Start(ctx)
}

// Close stops the sweeper, drains the task queue, and closes the
// balance store.
func (m *Manager) Close(ctx context.Context) error {
	m.sweeper.Stop()

	var errs []error
	if err := m.queue.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := m.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("balance store close: %w", err))
	}
	return errors.Join(errs...)
}

// Spend runs one metered spend.
func (m *Manager) Spend(ctx context.Context, req *spend.Request) (*spend.Receipt, error) {
	start := time.Now()
	receipt, err := m.spender.Spend(ctx, req)
	m.recordSpendOutcome(receipt, err, time.Since(start))
	return receipt, err
}

// Check answers whether a spend would be allowed, without committing.
func (m *Manager) Check(ctx context.Context, user, endpoint string, tokenCost int64) (*spend.CheckResult, error) {
	return m.spender.Check(ctx, user, endpoint, tokenCost)
}

// Balance returns a user's balance record.
func (m *Manager) Balance(ctx context.Context, user string) (*balance.Record, error) {
	return m.store.Get(ctx, user)
}

// Transactions returns a user's most recent ledger transactions,
// newest first. A non-positive limit returns all of them.
func (m *Manager) Transactions(ctx context.Context, user string, limit int) ([]*ledger.Transaction, error) {
	return m.ledger.ListByUser(ctx, user, limit)
}

// UpsertEndpointLimit creates or updates one endpoint limit. The limit
// is validated before it is written.
func (m *Manager) UpsertEndpointLimit(ctx context.Context, user string, limit balance.EndpointLimit) (*balance.Record, error) {
	rec, err := m.store.UpsertEndpointLimit(ctx, user, limit)
	if err != nil {
		return nil, err
	}

	m.logger.Info("endpoint limit upserted",
		"user", user,
		"endpoint", limit.Endpoint,
		"credits", limit.Credits,
		"enabled", limit.Enabled,
		"auto_refill", limit.Refill.Enabled,
	)
	return rec, nil
}

// DeleteEndpointLimit removes one endpoint limit. The endpoint becomes
// unmetered again (or strictly denied, in strict mode).
func (m *Manager) DeleteEndpointLimit(ctx context.Context, user, endpoint string) error {
	if err := m.store.DeleteEndpointLimit(ctx, user, endpoint); err != nil {
		return err
	}

	m.logger.Info("endpoint limit deleted",
		"user", user,
		"endpoint", endpoint,
	)
	return nil
}

// SetGlobal configures a user's global credit pool.
func (m *Manager) SetGlobal(ctx context.Context, user string, credits int64, enabled bool, policy balance.RefillPolicy) (*balance.Record, error) {
	rec, err := m.store.SetGlobal(ctx, user, credits, enabled, policy)
	if err != nil {
		return nil, err
	}

	m.logger.Info("global pool configured",
		"user", user,
		"credits", credits,
		"enabled", enabled,
		"auto_refill", policy.Enabled,
	)
	return rec, nil
}

// RunSweep triggers one refill sweep immediately.
func (m *Manager) RunSweep(ctx context.Context) (refill.SweepStats, error) {
	return m.sweeper.RunNow(ctx)
}

// SweepStatus returns the sweeper's current state.
func (m *Manager) SweepStatus() refill.Status {
	return m.sweeper.Status()
}

// countingSink wraps the configured notification sink with the alert
// metric. A nil sink degrades to counting and logging only.
func (m *Manager) countingSink(sink alerts.Sink) alerts.Sink {
	return alerts.SinkFunc(func(ctx context.Context, n *alerts.Notification) error {
		if m.metrics != nil {
			m.metrics.RecordAlert(string(n.Severity))
		}
		if sink == nil {
			return nil
		}
		return sink.Notify(ctx, n)
	})
}

func (m *Manager) recordSpendOutcome(receipt *spend.Receipt, err error, elapsed time.Duration) {
	if m.metrics == nil {
		return
	}

	result := "allowed"
	switch {
	case err != nil:
		result = "error"
		var insufficient *spend.InsufficientFundsError
		if errors.As(err, &insufficient) {
			result = "denied"
			m.metrics.RecordDenial(insufficient.Violation.BalanceSource)
		}
	case receipt.Unmetered:
		result = "unmetered"
	}

	m.metrics.RecordSpend(result, elapsed.Seconds())
}

func (m *Manager) recordConflict(source string) {
	if m.metrics != nil {
		m.metrics.RecordConflict(source)
	}
}

func (m *Manager) recordRefill(trigger string) {
	if m.metrics != nil {
		m.metrics.RecordRefills(trigger, 1)
	}
}

func (m *Manager) recordSweepSkip() {
	if m.metrics != nil {
		m.metrics.RecordSweepSkip()
	}
}

func (m *Manager) recordSweep(stats refill.SweepStats, elapsed time.Duration) {
	if m.metrics != nil {
		m.metrics.RecordSweep(elapsed.Seconds())
	}
}
