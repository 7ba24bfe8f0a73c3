package balance

import (
	"context"
	"slices"
	"sync"
	"time"
)

// MemoryStore implements Store using in-memory storage.
// All data is lost when the process exits; it is the default store for
// tests and single-process deployments.
//
// MemoryStore is thread-safe using sync.RWMutex. Every returned record
// is a deep copy, so callers can never mutate shared state in place.
type MemoryStore struct {
	records map[string]*Record
	mu      sync.RWMutex
}

// NewMemoryStore creates a new in-memory balance store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
	}
}

// Get retrieves the balance record for a user.
func (m *MemoryStore) Get(_ context.Context, user string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.records[user]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// CompareAndSwapGlobal writes newCredits to the global pool if the
// stored value still equals expected.
func (m *MemoryStore) CompareAndSwapGlobal(_ context.Context, user string, expected, newCredits int64, sets *Updates) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[user]
	if !ok {
		return nil, ErrNotFound
	}
	if rec.GlobalCredits != expected {
		return nil, ErrConflict
	}

	rec.GlobalCredits = newCredits
	if sets != nil && sets.LastRefill != nil && sets.LastRefill.After(rec.GlobalRefill.LastRefill) {
		rec.GlobalRefill.LastRefill = *sets.LastRefill
	}
	rec.UpdatedAt = time.Now()

	return rec.Clone(), nil
}

// CompareAndSwapEndpoint writes newCredits to one endpoint pool if the
// stored value still equals expected.
func (m *MemoryStore) CompareAndSwapEndpoint(_ context.Context, user, endpoint string, expected, newCredits int64, sets *Updates) (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[user]
	if !ok {
		return nil, ErrNotFound
	}
	lim := rec.Limit(endpoint)
	if lim == nil {
		return nil, ErrNotFound
	}
	if lim.Credits != expected {
		return nil, ErrConflict
	}

	lim.Credits = newCredits
	if sets != nil {
		if sets.LastRefill != nil && sets.LastRefill.After(lim.Refill.LastRefill) {
			lim.Refill.LastRefill = *sets.LastRefill
		}
		if sets.LastUsed != nil {
			lim.LastUsed = *sets.LastUsed
		}
	}
	rec.UpdatedAt = time.Now()

	return rec.Clone(), nil
}

// UpsertEndpointLimit creates the record and/or endpoint entry if
// absent, preserving timestamps and alert state of an existing entry
// unless explicitly overwritten.
func (m *MemoryStore) UpsertEndpointLimit(_ context.Context, user string, limit EndpointLimit) (*Record, error) {
	if err := limit.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rec, ok := m.records[user]
	if !ok {
		rec = &Record{User: user, CreatedAt: now}
		m.records[user] = rec
	}

	if existing := rec.Limit(limit.Endpoint); existing != nil {
		mergeExisting(&limit, existing)
		*existing = limit
	} else {
		rec.EndpointLimits = append(rec.EndpointLimits, limit)
	}
	rec.UpdatedAt = now

	return rec.Clone(), nil
}

// DeleteEndpointLimit removes an endpoint entry.
func (m *MemoryStore) DeleteEndpointLimit(_ context.Context, user, endpoint string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[user]
	if !ok {
		return ErrNotFound
	}
	for i := range rec.EndpointLimits {
		if rec.EndpointLimits[i].Endpoint == endpoint {
			rec.EndpointLimits = slices.Delete(rec.EndpointLimits, i, i+1)
			rec.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrNotFound
}

// SetGlobal configures the user's global pool, creating the record if
// absent.
func (m *MemoryStore) SetGlobal(_ context.Context, user string, credits int64, enabled bool, refill RefillPolicy) (*Record, error) {
	if err := refill.Validate(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	rec, ok := m.records[user]
	if !ok {
		rec = &Record{User: user, CreatedAt: now}
		m.records[user] = rec
	}

	rec.GlobalCredits = credits
	rec.GlobalEnabled = enabled
	if refill.LastRefill.IsZero() {
		refill.LastRefill = rec.GlobalRefill.LastRefill
	}
	rec.GlobalRefill = refill
	rec.UpdatedAt = now

	return rec.Clone(), nil
}

// SetAlertsSent replaces the alerts-sent set for a balance source.
func (m *MemoryStore) SetAlertsSent(_ context.Context, user, source string, thresholds []int, resetAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[user]
	if !ok {
		return ErrNotFound
	}

	sent := slices.Clone(thresholds)
	slices.Sort(sent)

	if source == "" || source == SourceGlobal {
		rec.GlobalAlertsSent = sent
		if resetAt != nil {
			rec.GlobalLastAlertReset = *resetAt
		}
	} else {
		lim := rec.Limit(source)
		if lim == nil {
			return ErrNotFound
		}
		lim.AlertsSent = sent
		if resetAt != nil {
			lim.LastAlertReset = *resetAt
		}
	}
	rec.UpdatedAt = time.Now()

	return nil
}

// ListAutoRefill returns every record with at least one refill-enabled
// pool.
func (m *MemoryStore) ListAutoRefill(_ context.Context) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Record
	for _, rec := range m.records {
		if hasAutoRefill(rec) {
			out = append(out, rec.Clone())
		}
	}
	return out, nil
}

// Close releases resources. No-op for the memory store.
func (m *MemoryStore) Close() error {
	return nil
}

// hasAutoRefill reports whether any pool on the record refills.
func hasAutoRefill(rec *Record) bool {
	if rec.GlobalEnabled && rec.GlobalRefill.Enabled {
		return true
	}
	for i := range rec.EndpointLimits {
		if rec.EndpointLimits[i].Enabled && rec.EndpointLimits[i].Refill.Enabled {
			return true
		}
	}
	return false
}

// mergeExisting carries stored timestamps and alert state into an
// incoming limit when the caller did not set them explicitly.
func mergeExisting(incoming *EndpointLimit, existing *EndpointLimit) {
	if incoming.LastUsed.IsZero() {
		incoming.LastUsed = existing.LastUsed
	}
	if incoming.Refill.LastRefill.IsZero() {
		incoming.Refill.LastRefill = existing.Refill.LastRefill
	}
	if incoming.LastAlertReset.IsZero() {
		incoming.LastAlertReset = existing.LastAlertReset
	}
	if incoming.AlertsSent == nil {
		incoming.AlertsSent = slices.Clone(existing.AlertsSent)
	}
}
