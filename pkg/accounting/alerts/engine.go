package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"mercator-hq/tally/pkg/accounting/balance"
)

// Severity classifies a budget notification.
type Severity string

const (
	// SeverityWarning is used for thresholds below 95 percent.
	SeverityWarning Severity = "warning"

	// SeverityError is used for thresholds of 95 percent and above.
	SeverityError Severity = "error"
)

// ErrorThreshold is the consumed percentage at and above which
// notifications escalate from warning to error.
const ErrorThreshold = 95

// Notification is one budget alert, consumed by an external
// notification surface.
type Notification struct {
	// User is the owning user.
	User string

	// Severity is warning or error.
	Severity Severity

	// Threshold is the configured percentage that was crossed.
	Threshold int

	// ConsumedPercent is the actual consumed percentage at check time.
	ConsumedPercent float64

	// RemainingCredits is the pool balance at check time.
	RemainingCredits int64

	// InitialLimit is the budget baseline the percentage derives from.
	InitialLimit int64

	// Source names the balance pool ("global" or an endpoint).
	Source string
}

// Sink receives notifications. Sink failures are swallowed and logged
// by the engine; they never propagate to the spend path.
type Sink interface {
	Notify(ctx context.Context, n *Notification) error
}

// SinkFunc adapts a plain function to the Sink interface.
type SinkFunc func(ctx context.Context, n *Notification) error

// Notify implements Sink.
func (f SinkFunc) Notify(ctx context.Context, n *Notification) error {
	return f(ctx, n)
}

// ConsumedPercent returns the percentage of initialLimit consumed,
// clamped to [0, 100]. A non-positive limit yields 0, and a refund that
// pushes the balance above the initial limit yields 0, never negative
// consumption.
func ConsumedPercent(initialLimit, currentBalance int64) float64 {
	if initialLimit <= 0 {
		return 0
	}
	pct := float64(initialLimit-currentBalance) / float64(initialLimit) * 100
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

// ShouldAlert reports whether a threshold crossing warrants a
// notification: the threshold is reached and not yet in the sent set.
func ShouldAlert(consumedPercent float64, threshold int, alertsSent []int) bool {
	return consumedPercent >= float64(threshold) && !slices.Contains(alertsSent, threshold)
}

// SeverityFor maps a threshold to its notification severity.
func SeverityFor(threshold int) Severity {
	if threshold >= ErrorThreshold {
		return SeverityError
	}
	return SeverityWarning
}

// Engine evaluates thresholds and emits deduplicated notifications.
type Engine struct {
	store      balance.Store
	sink       Sink
	thresholds []int
	logger     *slog.Logger
}

// NewEngine creates an alert engine. Thresholds are kept sorted
// ascending so lower severities fire before higher ones.
func NewEngine(store balance.Store, sink Sink, thresholds []int, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	sorted := slices.Clone(thresholds)
	slices.Sort(sorted)
	return &Engine{
		store:      store,
		sink:       sink,
		thresholds: sorted,
		logger:     logger.With("component", "alerts"),
	}
}

// Thresholds returns the configured thresholds, ascending.
func (e *Engine) Thresholds() []int {
	return slices.Clone(e.thresholds)
}

// CheckAndAlert evaluates every threshold in ascending order against
// the pool's consumed percentage, emits one notification per newly
// crossed threshold, and persists the grown alerts-sent set if it
// changed. The returned set is sorted ascending.
//
// A sink failure skips persistence of that threshold so the alert can
// retry on the next check; the failure is logged, not returned.
func (e *Engine) CheckAndAlert(ctx context.Context, user, source string, currentBalance, initialLimit int64, alertsSent []int) ([]int, error) {
	consumed := ConsumedPercent(initialLimit, currentBalance)

	sent := slices.Clone(alertsSent)
	slices.Sort(sent)
	changed := false

	for _, threshold := range e.thresholds {
		if !ShouldAlert(consumed, threshold, sent) {
			continue
		}

		n := &Notification{
			User:             user,
			Severity:         SeverityFor(threshold),
			Threshold:        threshold,
			ConsumedPercent:  consumed,
			RemainingCredits: currentBalance,
			InitialLimit:     initialLimit,
			Source:           source,
		}

		if err := e.sink.Notify(ctx, n); err != nil {
			e.logger.Error("notification sink failed",
				"user", user,
				"source", source,
				"threshold", threshold,
				"error", err,
			)
			continue
		}

		e.logger.Info("budget alert sent",
			"user", user,
			"source", source,
			"threshold", threshold,
			"severity", n.Severity,
			"consumed_percent", consumed,
		)

		sent = append(sent, threshold)
		changed = true
	}

	if !changed {
		return sent, nil
	}

	slices.Sort(sent)
	if err := e.store.SetAlertsSent(ctx, user, source, sent, nil); err != nil {
		return sent, fmt.Errorf("failed to persist alerts sent for user %s (source %s): %w",
			user, source, err)
	}
	return sent, nil
}

// ResetAlerts clears the alerts-sent set for one balance source (or the
// global pool when source is empty) and stamps the reset time. Called
// after every refill so the next cycle alerts afresh.
func (e *Engine) ResetAlerts(ctx context.Context, user, source string) error {
	now := time.Now()
	if err := e.store.SetAlertsSent(ctx, user, source, nil, &now); err != nil {
		return fmt.Errorf("failed to reset alerts for user %s (source %s): %w",
			user, source, err)
	}

	e.logger.Debug("alerts reset",
		"user", user,
		"source", source,
	)
	return nil
}
