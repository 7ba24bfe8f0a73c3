package ledger

import (
	"context"
	"time"
)

// TokenType classifies what a transaction meters.
type TokenType string

const (
	// TokenTypePrompt meters prompt-side tokens.
	TokenTypePrompt TokenType = "prompt"

	// TokenTypeCompletion meters completion-side tokens.
	TokenTypeCompletion TokenType = "completion"

	// TokenTypeCredits meters direct micro-credit amounts (rate 1),
	// used by refills and manual adjustments.
	TokenTypeCredits TokenType = "credits"
)

// Well-known transaction contexts.
const (
	// ContextAutoRefill marks transactions written by the refill engine.
	ContextAutoRefill = "autoRefill"

	// ContextIncomplete marks completion spends for requests cancelled
	// mid-stream. These carry the cancellation surcharge.
	ContextIncomplete = "incomplete"
)

// CancellationSurcharge is the fixed factor applied to both the rate
// and the value of an incomplete completion spend. It compensates for
// partially-billed generations.
const CancellationSurcharge = 1.15

// Transaction is one immutable ledger row.
type Transaction struct {
	// ID is a generated unique identifier.
	ID string

	// User is the owning user.
	User string

	// TokenType classifies the metered amount.
	TokenType TokenType

	// RawAmount is the signed raw token count: negative for spends,
	// positive for refills and credits.
	RawAmount int64

	// Rate is the derived multiplier applied to RawAmount.
	Rate float64

	// TokenValue is the signed micro-credit value of the transaction.
	TokenValue int64

	// BalanceSource names the pool the transaction drew from: an
	// endpoint name or "global".
	BalanceSource string

	// Context describes why the transaction exists (e.g. "autoRefill",
	// "incomplete"). Empty for ordinary spends.
	Context string

	// Model is the model that incurred the spend, when known.
	Model string

	CreatedAt time.Time
}

// Entry describes a balance mutation to be recorded.
type Entry struct {
	User          string
	TokenType     TokenType
	RawAmount     int64
	ValueKey      string
	Model         string
	Context       string
	BalanceSource string

	// Rate, when positive, bypasses the pricing lookup. Refills use
	// rate 1.
	Rate float64
}

// StructuredEntry describes a prompt spend whose cost splits into
// weighted sub-components, for pricing models that distinguish cache
// traffic from base input.
type StructuredEntry struct {
	User          string
	ValueKey      string
	Model         string
	Context       string
	BalanceSource string

	// Prompt sub-component token counts. All are non-negative; the
	// recorded RawAmount is their negated sum.
	InputTokens      int64
	CacheWriteTokens int64
	CacheReadTokens  int64
}

// Store defines the interface for transaction persistence.
// Appends are the only mutation; rows are immutable afterward.
type Store interface {
	// Append persists a transaction. Returns error on failure.
	Append(ctx context.Context, txn *Transaction) error

	// ListByUser returns the most recent transactions for a user,
	// newest first, up to limit (0 means no limit).
	ListByUser(ctx context.Context, user string, limit int) ([]*Transaction, error)

	// Close releases any resources held by the store.
	Close() error
}
