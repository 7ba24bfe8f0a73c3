package balance

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"mercator-hq/tally/pkg/accounting/interval"
)

// SourceGlobal names the global balance pool as a spend source.
// Endpoint pools are named by their endpoint identifier.
const SourceGlobal = "global"

// Storage errors.
var (
	// ErrNotFound is returned when no balance record exists for a user,
	// or no endpoint limit exists for an endpoint. The spend path treats
	// this as unmetered-allow by policy, not as a failure.
	ErrNotFound = errors.New("balance record not found")

	// ErrConflict is returned when a compare-and-swap write lost the
	// race against a concurrent writer. Callers retry with a fresh read.
	ErrConflict = errors.New("balance write conflict")
)

// RefillPolicy describes how and when a balance pool is topped up.
type RefillPolicy struct {
	// Enabled turns auto-refill on for this pool.
	Enabled bool

	// Amount is the number of micro-credits added per refill.
	// Zero or negative amounts disable refilling.
	Amount int64

	// IntervalValue and IntervalUnit define the refill cadence.
	IntervalValue int64
	IntervalUnit  interval.Unit

	// LastRefill is when this pool was last topped up.
	// It only moves forward in time.
	LastRefill time.Time
}

// Validate checks the policy at the admin-mutation boundary.
// Invalid interval units are rejected here, never tolerated later.
func (p RefillPolicy) Validate() error {
	if !p.Enabled {
		return nil
	}
	if p.Amount <= 0 {
		return fmt.Errorf("refill amount must be positive, got %d", p.Amount)
	}
	if p.IntervalValue <= 0 {
		return fmt.Errorf("refill interval value must be positive, got %d", p.IntervalValue)
	}
	if !p.IntervalUnit.Valid() {
		return fmt.Errorf("unknown refill interval unit %q (valid: %v)", p.IntervalUnit, interval.Units)
	}
	return nil
}

// EndpointLimit is a per-(user, endpoint) credit pool with its own
// refill policy, independent of the global balance.
type EndpointLimit struct {
	// Endpoint identifies the pool (e.g. a provider or model family).
	// Unique per record.
	Endpoint string

	// Credits is the remaining balance in micro-credits.
	Credits int64

	// Enabled gates metering. When false the endpoint is unmetered and
	// spends are allowed unconditionally. This is a deliberate bypass,
	// not an error state.
	Enabled bool

	// Refill is the auto-refill policy for this pool.
	Refill RefillPolicy

	// LastUsed is when this pool was last debited.
	LastUsed time.Time

	// AlertsSent holds the threshold percentages already notified since
	// the last refill. It grows monotonically between refills and is
	// cleared to empty exactly on refill.
	AlertsSent []int

	// LastAlertReset is when AlertsSent was last cleared.
	LastAlertReset time.Time
}

// Validate checks the limit at the admin-mutation boundary.
func (l EndpointLimit) Validate() error {
	if l.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}
	if l.Endpoint == SourceGlobal {
		return fmt.Errorf("endpoint name %q is reserved", SourceGlobal)
	}
	if err := l.Refill.Validate(); err != nil {
		return fmt.Errorf("endpoint %q: %w", l.Endpoint, err)
	}
	return nil
}

// Record is the single per-user balance row. It is the only shared
// mutable resource in the accounting engine.
type Record struct {
	// User is an opaque user identifier.
	User string

	// GlobalCredits is the default spend pool in micro-credits.
	GlobalCredits int64

	// GlobalEnabled gates metering of the global pool. When false
	// (the default) the global pool is unmetered.
	GlobalEnabled bool

	// GlobalRefill is the auto-refill policy for the global pool.
	GlobalRefill RefillPolicy

	// GlobalAlertsSent and GlobalLastAlertReset mirror the per-endpoint
	// alert bookkeeping for the global pool.
	GlobalAlertsSent     []int
	GlobalLastAlertReset time.Time

	// EndpointLimits holds at most one entry per endpoint.
	EndpointLimits []EndpointLimit

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Limit returns the endpoint limit for the given endpoint, or nil if
// none is configured.
func (r *Record) Limit(endpoint string) *EndpointLimit {
	for i := range r.EndpointLimits {
		if r.EndpointLimits[i].Endpoint == endpoint {
			return &r.EndpointLimits[i]
		}
	}
	return nil
}

// Clone returns a deep copy of the record. Stores hand out clones so
// callers can never mutate shared state in place.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.GlobalAlertsSent = slices.Clone(r.GlobalAlertsSent)
	out.EndpointLimits = make([]EndpointLimit, len(r.EndpointLimits))
	for i, l := range r.EndpointLimits {
		l.AlertsSent = slices.Clone(l.AlertsSent)
		out.EndpointLimits[i] = l
	}
	return &out
}

// Updates carries optional field writes applied atomically with a
// compare-and-swap. Nil fields are left untouched.
type Updates struct {
	// LastRefill advances the pool's refill timestamp. Values not after
	// the stored timestamp are ignored: LastRefill only moves forward.
	LastRefill *time.Time

	// LastUsed stamps the pool's last debit time.
	LastUsed *time.Time
}
