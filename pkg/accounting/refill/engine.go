package refill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mercator-hq/tally/pkg/accounting/alerts"
	"mercator-hq/tally/pkg/accounting/balance"
	"mercator-hq/tally/pkg/accounting/interval"
	"mercator-hq/tally/pkg/accounting/ledger"
	"mercator-hq/tally/pkg/tasks"
)

// casAttempts bounds the conflict retry loop of a single refill.
// Refills race only against spenders, so a couple of fresh reads is
// plenty.
const casAttempts = 3

// Refill triggers, passed to the OnRefill hook.
const (
	TriggerOnDemand = "on_demand"
	TriggerSweep    = "sweep"
)

// Engine performs balance refills.
type Engine struct {
	store    balance.Store
	ledger   *ledger.Ledger
	alerts   *alerts.Engine
	queue    *tasks.Queue
	now      func() time.Time
	onRefill func(trigger string)
	logger   *slog.Logger
}

// EngineConfig configures a refill engine.
type EngineConfig struct {
	Store  balance.Store
	Ledger *ledger.Ledger
	Alerts *alerts.Engine

	// Queue receives the fire-and-forget alert resets after a refill.
	Queue *tasks.Queue

	// Now is the clock, injectable for tests. Default: time.Now.
	Now func() time.Time

	// OnRefill, when set, is called once per completed refill with the
	// trigger ("on_demand" or "sweep"). Used for metrics.
	OnRefill func(trigger string)

	Logger *slog.Logger
}

// NewEngine creates a refill engine.
func NewEngine(cfg EngineConfig) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Engine{
		store:    cfg.Store,
		ledger:   cfg.Ledger,
		alerts:   cfg.Alerts,
		queue:    cfg.Queue,
		now:      cfg.Now,
		onRefill: cfg.OnRefill,
		logger:   cfg.Logger.With("component", "refill"),
	}
}

// Eligible reports whether a pool's refill interval has elapsed.
// Disabled policies and non-positive amounts are never eligible.
//
// The days unit compares UTC calendar dates: at most one refill per
// UTC day, regardless of the time elapsed. Every other unit uses the
// generic rule now >= lastRefill + interval.
func Eligible(p balance.RefillPolicy, now time.Time) bool {
	if !p.Enabled || p.Amount <= 0 {
		return false
	}
	if p.LastRefill.IsZero() {
		return true
	}
	if p.IntervalUnit == interval.UnitDays {
		return !interval.SameUTCDay(p.LastRefill, now)
	}

	next, err := interval.Add(p.LastRefill, p.IntervalValue, p.IntervalUnit)
	if err != nil {
		// Units are validated at write time; an invalid stored unit
		// means corrupted state, so never refill from it.
		return false
	}
	return !now.Before(next)
}

// TryRefillOnDemand refills one balance source if its interval has
// elapsed. Returns true if a refill was performed. Unmet preconditions
// (interval not elapsed, refill disabled, endpoint disabled, amount
// not positive) are a silent skip, not an error.
func (e *Engine) TryRefillOnDemand(ctx context.Context, user, source string) (bool, error) {
	rec, err := e.store.Get(ctx, user)
	if err != nil {
		if errors.Is(err, balance.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("refill read for user %s: %w", user, err)
	}

	if source == "" || source == balance.SourceGlobal {
		return e.refillGlobal(ctx, rec, TriggerOnDemand)
	}

	lim := rec.Limit(source)
	if lim == nil || !lim.Enabled {
		return false, nil
	}
	return e.refillEndpoint(ctx, rec.User, lim, TriggerOnDemand)
}

// refillEndpoint tops up one endpoint pool if eligible.
func (e *Engine) refillEndpoint(ctx context.Context, user string, lim *balance.EndpointLimit, trigger string) (bool, error) {
	now := e.now()
	if !Eligible(lim.Refill, now) {
		return false, nil
	}

	credits := lim.Credits
	for attempt := 0; ; attempt++ {
		_, err := e.store.CompareAndSwapEndpoint(ctx, user, lim.Endpoint,
			credits, credits+lim.Refill.Amount, &balance.Updates{LastRefill: &now})
		if err == nil {
			break
		}
		if !errors.Is(err, balance.ErrConflict) || attempt+1 >= casAttempts {
			return false, fmt.Errorf("refill write for user %s (endpoint %s): %w", user, lim.Endpoint, err)
		}

		// Lost the race against a spender: re-read and re-check.
		rec, err := e.store.Get(ctx, user)
		if err != nil {
			return false, fmt.Errorf("refill re-read for user %s: %w", user, err)
		}
		fresh := rec.Limit(lim.Endpoint)
		if fresh == nil || !fresh.Enabled || !Eligible(fresh.Refill, now) {
			// A concurrent refill already happened or the limit changed.
			return false, nil
		}
		credits = fresh.Credits
	}

	e.finishRefill(ctx, user, lim.Endpoint, lim.Refill.Amount, trigger)
	return true, nil
}

// refillGlobal tops up the global pool if eligible.
func (e *Engine) refillGlobal(ctx context.Context, rec *balance.Record, trigger string) (bool, error) {
	if !rec.GlobalEnabled {
		return false, nil
	}

	now := e.now()
	if !Eligible(rec.GlobalRefill, now) {
		return false, nil
	}

	credits := rec.GlobalCredits
	for attempt := 0; ; attempt++ {
		_, err := e.store.CompareAndSwapGlobal(ctx, rec.User,
			credits, credits+rec.GlobalRefill.Amount, &balance.Updates{LastRefill: &now})
		if err == nil {
			break
		}
		if !errors.Is(err, balance.ErrConflict) || attempt+1 >= casAttempts {
			return false, fmt.Errorf("refill write for user %s (global): %w", rec.User, err)
		}

		fresh, err := e.store.Get(ctx, rec.User)
		if err != nil {
			return false, fmt.Errorf("refill re-read for user %s: %w", rec.User, err)
		}
		if !fresh.GlobalEnabled || !Eligible(fresh.GlobalRefill, now) {
			return false, nil
		}
		credits = fresh.GlobalCredits
	}

	e.finishRefill(ctx, rec.User, balance.SourceGlobal, rec.GlobalRefill.Amount, trigger)
	return true, nil
}

// finishRefill records the ledger transaction and schedules the alert
// reset. The reset is fire-and-forget: its failure never fails the
// refill. A ledger failure after the committed top-up is logged, not
// returned, so a refill is never reported as failed once credits moved.
func (e *Engine) finishRefill(ctx context.Context, user, source string, amount int64, trigger string) {
	if e.onRefill != nil {
		e.onRefill(trigger)
	}
	if _, err := e.ledger.Record(ctx, &ledger.Entry{
		User:          user,
		TokenType:     ledger.TokenTypeCredits,
		RawAmount:     amount,
		Context:       ledger.ContextAutoRefill,
		BalanceSource: source,
	}); err != nil {
		e.logger.Error("refill transaction append failed",
			"user", user,
			"source", source,
			"amount", amount,
			"error", err,
		)
	}

	submitted := e.queue.Submit(tasks.Task{
		Name: "alerts.reset",
		Run: func(taskCtx context.Context) error {
			return e.alerts.ResetAlerts(taskCtx, user, source)
		},
	})
	if !submitted {
		e.logger.Warn("alert reset dropped, queue full",
			"user", user,
			"source", source,
		)
	}

	e.logger.Info("balance refilled",
		"user", user,
		"source", source,
		"amount", amount,
		"trigger", trigger,
	)
}

// SweepStats summarizes one sweep over all refill-enabled records.
type SweepStats struct {
	// Scanned is the number of records examined.
	Scanned int

	// Refilled is the number of pools topped up.
	Refilled int

	// Errors is the number of pools that failed; failures are isolated
	// per pool and logged.
	Errors int
}

// SweepAll scans every record with auto-refill enabled and refills each
// eligible pool. One pool's failure never aborts the sweep: it is
// logged, counted, and the sweep moves on.
func (e *Engine) SweepAll(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	records, err := e.store.ListAutoRefill(ctx)
	if err != nil {
		return stats, fmt.Errorf("refill sweep listing: %w", err)
	}

	for _, rec := range records {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Scanned++

		if rec.GlobalEnabled && rec.GlobalRefill.Enabled {
			refilled, err := e.refillGlobal(ctx, rec, TriggerSweep)
			stats.count(refilled, err)
			if err != nil {
				e.logger.Error("sweep refill failed",
					"user", rec.User,
					"source", balance.SourceGlobal,
					"error", err,
				)
			}
		}

		for i := range rec.EndpointLimits {
			lim := &rec.EndpointLimits[i]
			if !lim.Enabled || !lim.Refill.Enabled {
				continue
			}
			refilled, err := e.refillEndpoint(ctx, rec.User, lim, TriggerSweep)
			stats.count(refilled, err)
			if err != nil {
				e.logger.Error("sweep refill failed",
					"user", rec.User,
					"source", lim.Endpoint,
					"error", err,
				)
			}
		}
	}

	return stats, nil
}

func (s *SweepStats) count(refilled bool, err error) {
	if err != nil {
		s.Errors++
		return
	}
	if refilled {
		s.Refilled++
	}
}
