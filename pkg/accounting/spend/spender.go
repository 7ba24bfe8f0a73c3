package spend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"

	"mercator-hq/tally/pkg/accounting/alerts"
	"mercator-hq/tally/pkg/accounting/balance"
	"mercator-hq/tally/pkg/accounting/ledger"
	"mercator-hq/tally/pkg/accounting/refill"
	"mercator-hq/tally/pkg/tasks"
)

// ViolationTypeTokenBalance identifies a denied spend in the violation
// payload surfaced to the caller.
const ViolationTypeTokenBalance = "TOKEN_BALANCE"

// Violation is the machine-readable payload of a denied spend. It
// carries everything a client needs to render "you have X remaining,
// resets in N hours" without knowing refill mechanics.
type Violation struct {
	// Type is always ViolationTypeTokenBalance.
	Type string `json:"type"`

	// Balance is the pool's credits at denial time.
	Balance int64 `json:"balance"`

	// TokenCost is the cost of the denied spend.
	TokenCost int64 `json:"tokenCost"`

	// BalanceSource names the denying pool.
	BalanceSource string `json:"balanceSource"`

	// ResetInHours is the whole hours remaining until the next UTC
	// midnight. This is a fixed messaging convention, independent of
	// the pool's actual refill interval.
	ResetInHours int `json:"resetInHours"`
}

// InsufficientFundsError is returned when a spend is denied after the
// on-demand refill attempt.
type InsufficientFundsError struct {
	Violation Violation
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient funds: balance %d, cost %d (source %s, resets in %dh)",
		e.Violation.Balance, e.Violation.TokenCost, e.Violation.BalanceSource, e.Violation.ResetInHours)
}

// Reporter receives the violation payload of every denied spend. Its
// failure is logged, never propagated.
type Reporter interface {
	Report(ctx context.Context, v *Violation) error
}

// ReporterFunc adapts a plain function to the Reporter interface.
type ReporterFunc func(ctx context.Context, v *Violation) error

// Report implements Reporter.
func (f ReporterFunc) Report(ctx context.Context, v *Violation) error {
	return f(ctx, v)
}

// Request describes one spend. RawAmount is the positive raw token
// count; the cost in micro-credits is derived through the pricing
// lookup (or Rate when set).
type Request struct {
	User     string
	Endpoint string

	TokenType ledger.TokenType
	RawAmount int64

	// ValueKey and Model select the pricing multiplier.
	ValueKey string
	Model    string

	// Context annotates the ledger transaction. The incomplete context
	// on a completion spend triggers the cancellation surcharge.
	Context string

	// Rate, when positive, bypasses the pricing lookup.
	Rate float64
}

// Receipt is the outcome of an allowed spend.
type Receipt struct {
	// Unmetered is true when no limit governed the spend. Balance and
	// Transaction are zero in that case.
	Unmetered bool

	// Source names the debited pool.
	Source string

	// Cost is the debited micro-credit cost.
	Cost int64

	// Balance is the pool's credits after the debit.
	Balance int64

	// Transaction is the recorded ledger entry.
	Transaction *ledger.Transaction
}

// CheckResult is a read-only sufficiency answer.
type CheckResult struct {
	Allowed   bool
	Unmetered bool
	Source    string
	Balance   int64
}

// Config configures a Spender.
type Config struct {
	Store  balance.Store
	Refill *refill.Engine
	Ledger *ledger.Ledger
	Alerts *alerts.Engine

	// Queue receives the post-commit alert checks.
	Queue *tasks.Queue

	// Reporter receives denial payloads. Optional.
	Reporter Reporter

	// Strict denies spends that no limit governs, instead of the
	// default unmetered allow.
	Strict bool

	// MaxTries bounds the read-check-write cycle. Default: 10.
	MaxTries uint

	// InitialInterval, MaxInterval and RandomizationFactor shape the
	// conflict backoff. Defaults: 50ms, 2s, 0.25.
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	RandomizationFactor float64

	// Now is the clock, injectable for tests. Default: time.Now.
	Now func() time.Time

	// OnConflict, when set, is called once per lost write race with
	// the contended pool. Used for metrics.
	OnConflict func(source string)

	Logger *slog.Logger
}

// Spender performs optimistic spends against balance pools.
type Spender struct {
	store    balance.Store
	refill   *refill.Engine
	ledger   *ledger.Ledger
	alerts   *alerts.Engine
	queue    *tasks.Queue
	reporter Reporter
	strict   bool

	maxTries      uint
	initialWait   time.Duration
	maxWait       time.Duration
	randomization float64

	now        func() time.Time
	onConflict func(source string)
	logger     *slog.Logger
}

// New creates a spender.
func New(cfg Config) *Spender {
	if cfg.MaxTries == 0 {
		cfg.MaxTries = 10
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 50 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 2 * time.Second
	}
	if cfg.RandomizationFactor <= 0 {
		cfg.RandomizationFactor = 0.25
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Spender{
		store:         cfg.Store,
		refill:        cfg.Refill,
		ledger:        cfg.Ledger,
		alerts:        cfg.Alerts,
		queue:         cfg.Queue,
		reporter:      cfg.Reporter,
		strict:        cfg.Strict,
		maxTries:      cfg.MaxTries,
		initialWait:   cfg.InitialInterval,
		maxWait:       cfg.MaxInterval,
		randomization: cfg.RandomizationFactor,
		now:           cfg.Now,
		onConflict:    cfg.OnConflict,
		logger:        cfg.Logger.With("component", "spend"),
	}
}

// pool is the metered pool selected for one attempt.
type pool struct {
	source     string
	credits    int64
	refillable bool
	refillCap  int64
	alertsSent []int
}

// selectPool resolves the governing pool for an endpoint. A nil pool
// with a nil error means the spend is unmetered.
func (s *Spender) selectPool(rec *balance.Record, endpoint string) *pool {
	if rec == nil {
		return nil
	}

	if lim := rec.Limit(endpoint); lim != nil {
		if !lim.Enabled {
			return nil
		}
		return &pool{
			source:     lim.Endpoint,
			credits:    lim.Credits,
			refillable: lim.Refill.Enabled && lim.Refill.Amount > 0,
			refillCap:  lim.Refill.Amount,
			alertsSent: lim.AlertsSent,
		}
	}

	if rec.GlobalEnabled {
		return &pool{
			source:     balance.SourceGlobal,
			credits:    rec.GlobalCredits,
			refillable: rec.GlobalRefill.Enabled && rec.GlobalRefill.Amount > 0,
			refillCap:  rec.GlobalRefill.Amount,
			alertsSent: rec.GlobalAlertsSent,
		}
	}

	return nil
}

// Check answers whether a spend of tokenCost would be allowed, without
// committing anything. Under concurrency the answer can be stale by the
// time a commit runs; Spend re-validates.
func (s *Spender) Check(ctx context.Context, user, endpoint string, tokenCost int64) (*CheckResult, error) {
	rec, err := s.store.Get(ctx, user)
	if err != nil && !errors.Is(err, balance.ErrNotFound) {
		return nil, fmt.Errorf("balance read for user %s: %w", user, err)
	}

	p := s.selectPool(rec, endpoint)
	if p == nil {
		if s.strict {
			// Denied, not unmetered: strict mode meters everything.
			return &CheckResult{}, nil
		}
		return &CheckResult{Allowed: true, Unmetered: true}, nil
	}

	allowed := p.credits >= tokenCost
	if !allowed && p.refillable {
		// An eligible refill would change the answer; report the
		// optimistic one so callers do not deny a spend the commit
		// path would have refilled for.
		if refilled, err := s.refill.TryRefillOnDemand(ctx, user, p.source); err == nil && refilled {
			return s.Check(ctx, user, endpoint, tokenCost)
		}
	}

	return &CheckResult{
		Allowed: allowed,
		Source:  p.source,
		Balance: p.credits,
	}, nil
}

// Spend runs the full read-check-write cycle: derive the cost, select
// the governing pool, refill on demand when the pool would be
// exhausted, debit with a compare-and-swap pinned to the observed
// credits, and record the ledger transaction. Conflicts retry under
// exponential backoff; denial returns InsufficientFundsError.
func (s *Spender) Spend(ctx context.Context, req *Request) (*Receipt, error) {
	if req.RawAmount <= 0 {
		return nil, fmt.Errorf("raw amount must be positive, got %d", req.RawAmount)
	}

	_, tokenValue, err := s.ledger.CalculateValue(&ledger.Entry{
		User:      req.User,
		TokenType: req.TokenType,
		RawAmount: -req.RawAmount,
		ValueKey:  req.ValueKey,
		Model:     req.Model,
		Context:   req.Context,
		Rate:      req.Rate,
	})
	if err != nil {
		return nil, err
	}
	cost := -tokenValue

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = s.initialWait
	policy.Multiplier = 2
	policy.MaxInterval = s.maxWait
	policy.RandomizationFactor = s.randomization

	receipt, err := backoff.Retry(ctx,
		func() (*Receipt, error) {
			return s.attempt(ctx, req, cost)
		},
		backoff.WithBackOff(policy),
		backoff.WithMaxTries(s.maxTries),
	)
	if err != nil {
		var insufficient *InsufficientFundsError
		if errors.As(err, &insufficient) {
			s.report(ctx, &insufficient.Violation)
			return nil, insufficient
		}
		return nil, fmt.Errorf("spend for user %s (endpoint %s): %w", req.User, req.Endpoint, err)
	}

	return receipt, nil
}

// attempt is one read-check-write cycle. Only a CAS conflict is
// retryable; every other failure is permanent.
func (s *Spender) attempt(ctx context.Context, req *Request, cost int64) (*Receipt, error) {
	rec, err := s.store.Get(ctx, req.User)
	if err != nil && !errors.Is(err, balance.ErrNotFound) {
		return nil, backoff.Permanent(fmt.Errorf("balance read: %w", err))
	}

	p := s.selectPool(rec, req.Endpoint)
	if p == nil {
		if s.strict {
			return nil, backoff.Permanent(&InsufficientFundsError{Violation: Violation{
				Type:          ViolationTypeTokenBalance,
				TokenCost:     cost,
				BalanceSource: req.Endpoint,
				ResetInHours:  hoursToUTCMidnight(s.now()),
			}})
		}
		return &Receipt{Unmetered: true}, nil
	}

	if p.credits-cost <= 0 && p.refillable {
		if _, err := s.refill.TryRefillOnDemand(ctx, req.User, p.source); err != nil {
			s.logger.Warn("on-demand refill failed, continuing with current balance",
				"user", req.User,
				"source", p.source,
				"error", err,
			)
		}

		fresh, err := s.store.Get(ctx, req.User)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("balance re-read: %w", err))
		}
		if p = s.selectPool(fresh, req.Endpoint); p == nil {
			return &Receipt{Unmetered: true}, nil
		}
	}

	if p.credits < cost {
		return nil, backoff.Permanent(&InsufficientFundsError{Violation: Violation{
			Type:          ViolationTypeTokenBalance,
			Balance:       p.credits,
			TokenCost:     cost,
			BalanceSource: p.source,
			ResetInHours:  hoursToUTCMidnight(s.now()),
		}})
	}

	now := s.now()
	updates := &balance.Updates{LastUsed: &now}
	if p.source == balance.SourceGlobal {
		_, err = s.store.CompareAndSwapGlobal(ctx, req.User, p.credits, p.credits-cost, updates)
	} else {
		_, err = s.store.CompareAndSwapEndpoint(ctx, req.User, p.source, p.credits, p.credits-cost, updates)
	}
	if err != nil {
		if errors.Is(err, balance.ErrConflict) {
			if s.onConflict != nil {
				s.onConflict(p.source)
			}
			s.logger.Debug("spend lost the write race, retrying",
				"user", req.User,
				"source", p.source,
			)
			return nil, err
		}
		return nil, backoff.Permanent(fmt.Errorf("balance debit: %w", err))
	}

	return s.commit(ctx, req, p, cost)
}

// commit records the ledger transaction and enqueues the alert check.
// The debit is already durable here; a ledger failure is logged, not
// returned, so the caller never retries a committed spend.
func (s *Spender) commit(ctx context.Context, req *Request, p *pool, cost int64) (*Receipt, error) {
	remaining := p.credits - cost

	txn, err := s.ledger.Record(ctx, &ledger.Entry{
		User:          req.User,
		TokenType:     req.TokenType,
		RawAmount:     -req.RawAmount,
		ValueKey:      req.ValueKey,
		Model:         req.Model,
		Context:       req.Context,
		Rate:          req.Rate,
		BalanceSource: p.source,
	})
	if err != nil {
		s.logger.Error("spend transaction append failed",
			"user", req.User,
			"source", p.source,
			"cost", cost,
			"error", err,
		)
	}

	user, source := req.User, p.source
	initialLimit, alertsSent := p.refillCap, p.alertsSent
	submitted := s.queue.Submit(tasks.Task{
		Name: "alerts.check",
		Run: func(taskCtx context.Context) error {
			_, err := s.alerts.CheckAndAlert(taskCtx, user, source, remaining, initialLimit, alertsSent)
			return err
		},
	})
	if !submitted {
		s.logger.Warn("alert check dropped, queue full",
			"user", user,
			"source", source,
		)
	}

	s.logger.Debug("spend committed",
		"user", req.User,
		"source", p.source,
		"cost", cost,
		"remaining", remaining,
	)

	return &Receipt{
		Source:      p.source,
		Cost:        cost,
		Balance:     remaining,
		Transaction: txn,
	}, nil
}

// report delivers the violation payload. Reporter failures are logged.
func (s *Spender) report(ctx context.Context, v *Violation) {
	if s.reporter == nil {
		return
	}
	if err := s.reporter.Report(ctx, v); err != nil {
		s.logger.Error("violation report failed",
			"type", v.Type,
			"source", v.BalanceSource,
			"error", err,
		)
	}
}

// hoursToUTCMidnight returns the whole hours remaining until the next
// UTC midnight, at least 1 so "resets in 0 hours" never renders.
func hoursToUTCMidnight(now time.Time) int {
	utc := now.UTC()
	midnight := time.Date(utc.Year(), utc.Month(), utc.Day(), 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	hours := int(midnight.Sub(utc).Hours())
	if hours < 1 {
		return 1
	}
	return hours
}
