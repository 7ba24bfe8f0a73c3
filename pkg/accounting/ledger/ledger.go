package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"mercator-hq/tally/pkg/pricing"
)

// Ledger records balance mutations as immutable transactions.
type Ledger struct {
	store   Store
	pricing pricing.Lookup
	logger  *slog.Logger
}

// New creates a ledger over the given store and pricing lookup.
func New(store Store, lookup pricing.Lookup, logger *slog.Logger) *Ledger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ledger{
		store:   store,
		pricing: lookup,
		logger:  logger.With("component", "ledger"),
	}
}

// CalculateValue derives the rate and signed micro-credit value for an
// entry. Incomplete completion spends carry the cancellation surcharge
// on both, with the value rounded up to the next integer magnitude.
func (l *Ledger) CalculateValue(e *Entry) (rate float64, tokenValue int64, err error) {
	rate = e.Rate
	if rate <= 0 {
		if e.TokenType == TokenTypeCredits {
			rate = 1
		} else {
			rate, err = l.pricing.Multiplier(e.ValueKey, string(e.TokenType), e.Model)
			if err != nil {
				return 0, 0, fmt.Errorf("pricing lookup for user %s: %w", e.User, err)
			}
		}
	}

	if e.TokenType == TokenTypeCompletion && e.Context == ContextIncomplete {
		rate *= CancellationSurcharge
	}

	return rate, roundAwayFromZero(float64(e.RawAmount) * rate), nil
}

// CalculateStructuredValue derives the weighted rate and value for a
// structured prompt spend. Each sub-component uses its own multiplier;
// the combined rate is the volume-weighted average.
func (l *Ledger) CalculateStructuredValue(e *StructuredEntry) (rate float64, tokenValue int64, err error) {
	total := e.InputTokens + e.CacheWriteTokens + e.CacheReadTokens
	if total <= 0 {
		return 0, 0, nil
	}

	inputRate, err := l.pricing.Multiplier(e.ValueKey, pricing.TokenTypePrompt, e.Model)
	if err != nil {
		return 0, 0, fmt.Errorf("pricing lookup for user %s: %w", e.User, err)
	}
	writeRate, err := l.pricing.Multiplier(e.ValueKey, pricing.TokenTypeCacheWrite, e.Model)
	if err != nil {
		return 0, 0, fmt.Errorf("pricing lookup for user %s: %w", e.User, err)
	}
	readRate, err := l.pricing.Multiplier(e.ValueKey, pricing.TokenTypeCacheRead, e.Model)
	if err != nil {
		return 0, 0, fmt.Errorf("pricing lookup for user %s: %w", e.User, err)
	}

	value := float64(e.InputTokens)*inputRate +
		float64(e.CacheWriteTokens)*writeRate +
		float64(e.CacheReadTokens)*readRate

	return value / float64(total), -roundAwayFromZero(value), nil
}

// Record derives the entry's value and appends one transaction.
// The returned transaction is immutable.
func (l *Ledger) Record(ctx context.Context, e *Entry) (*Transaction, error) {
	rate, tokenValue, err := l.CalculateValue(e)
	if err != nil {
		return nil, err
	}

	txn := &Transaction{
		ID:            uuid.NewString(),
		User:          e.User,
		TokenType:     e.TokenType,
		RawAmount:     e.RawAmount,
		Rate:          rate,
		TokenValue:    tokenValue,
		BalanceSource: e.BalanceSource,
		Context:       e.Context,
		Model:         e.Model,
		CreatedAt:     time.Now(),
	}

	if err := l.store.Append(ctx, txn); err != nil {
		return nil, fmt.Errorf("failed to append transaction for user %s (source %s): %w",
			e.User, e.BalanceSource, err)
	}

	l.logger.Debug("transaction recorded",
		"user", e.User,
		"token_type", e.TokenType,
		"raw_amount", e.RawAmount,
		"token_value", tokenValue,
		"source", e.BalanceSource,
		"context", e.Context,
	)

	return txn, nil
}

// RecordStructured derives a structured prompt spend and appends one
// transaction with the combined weighted rate.
func (l *Ledger) RecordStructured(ctx context.Context, e *StructuredEntry) (*Transaction, error) {
	rate, tokenValue, err := l.CalculateStructuredValue(e)
	if err != nil {
		return nil, err
	}

	total := e.InputTokens + e.CacheWriteTokens + e.CacheReadTokens
	txn := &Transaction{
		ID:            uuid.NewString(),
		User:          e.User,
		TokenType:     TokenTypePrompt,
		RawAmount:     -total,
		Rate:          rate,
		TokenValue:    tokenValue,
		BalanceSource: e.BalanceSource,
		Context:       e.Context,
		Model:         e.Model,
		CreatedAt:     time.Now(),
	}

	if err := l.store.Append(ctx, txn); err != nil {
		return nil, fmt.Errorf("failed to append structured transaction for user %s (source %s): %w",
			e.User, e.BalanceSource, err)
	}

	return txn, nil
}

// ListByUser returns the most recent transactions for a user.
func (l *Ledger) ListByUser(ctx context.Context, user string, limit int) ([]*Transaction, error) {
	return l.store.ListByUser(ctx, user, limit)
}

// roundAwayFromZero rounds v up to the next integer magnitude,
// preserving sign: spends never under-bill by a fractional credit.
func roundAwayFromZero(v float64) int64 {
	if v >= 0 {
		return int64(math.Ceil(v))
	}
	return -int64(math.Ceil(-v))
}
