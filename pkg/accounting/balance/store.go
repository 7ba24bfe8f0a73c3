package balance

import (
	"context"
	"time"
)

// Store defines the interface for balance persistence.
// Implementations must be thread-safe and support concurrent access.
type Store interface {
	// Get retrieves the balance record for a user.
	// Returns ErrNotFound if no record exists.
	Get(ctx context.Context, user string) (*Record, error)

	// CompareAndSwapGlobal writes newCredits to the user's global pool
	// only if the stored value still equals expected at write time.
	// Returns the updated record, ErrConflict if a concurrent writer won
	// the race, or ErrNotFound if no record exists.
	CompareAndSwapGlobal(ctx context.Context, user string, expected, newCredits int64, sets *Updates) (*Record, error)

	// CompareAndSwapEndpoint is CompareAndSwapGlobal scoped to one
	// endpoint entry.
	CompareAndSwapEndpoint(ctx context.Context, user, endpoint string, expected, newCredits int64, sets *Updates) (*Record, error)

	// UpsertEndpointLimit creates the user record and/or endpoint entry
	// if absent. Zero-valued LastUsed, LastRefill, and LastAlertReset on
	// the incoming limit preserve the stored values of an existing
	// entry; a nil AlertsSent preserves the stored set.
	// The limit is validated; invalid refill policies are rejected.
	UpsertEndpointLimit(ctx context.Context, user string, limit EndpointLimit) (*Record, error)

	// DeleteEndpointLimit removes an endpoint entry.
	// Returns ErrNotFound if the user or entry does not exist.
	DeleteEndpointLimit(ctx context.Context, user, endpoint string) error

	// SetGlobal configures the user's global pool, creating the record
	// if absent. The refill policy is validated.
	SetGlobal(ctx context.Context, user string, credits int64, enabled bool, refill RefillPolicy) (*Record, error)

	// SetAlertsSent replaces the alerts-sent set for a balance source
	// (SourceGlobal or an endpoint name). A non-nil resetAt additionally
	// stamps the last-alert-reset time. This write is best-effort with
	// respect to concurrent spenders; it does not participate in the
	// compare-and-swap protocol.
	SetAlertsSent(ctx context.Context, user, source string, thresholds []int, resetAt *time.Time) error

	// ListAutoRefill returns every record with at least one pool whose
	// refill policy is enabled (global or endpoint).
	ListAutoRefill(ctx context.Context) ([]*Record, error)

	// Close releases any resources held by the store.
	Close() error
}
