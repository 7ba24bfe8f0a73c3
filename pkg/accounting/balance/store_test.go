package balance

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"mercator-hq/tally/pkg/accounting/interval"
)

// newTestStores returns one constructor per backend so every test runs
// against both implementations.
func newTestStores(t *testing.T) map[string]func(t *testing.T) Store {
	t.Helper()
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store {
			return NewMemoryStore()
		},
		"sqlite": func(t *testing.T) Store {
			store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "balances.db"))
			if err != nil {
				t.Fatalf("Failed to create SQLite store: %v", err)
			}
			return store
		},
	}
}

func testLimit(endpoint string, credits int64) EndpointLimit {
	return EndpointLimit{
		Endpoint: endpoint,
		Credits:  credits,
		Enabled:  true,
		Refill: RefillPolicy{
			Enabled:       true,
			Amount:        credits,
			IntervalValue: 1,
			IntervalUnit:  interval.UnitDays,
		},
	}
}

// ============================================================================
// Get / Upsert Tests
// ============================================================================

func TestStore_GetNotFound(t *testing.T) {
	for name, newStore := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			defer store.Close()

			_, err := store.Get(context.Background(), "missing-user")
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_UpsertCreatesLazily(t *testing.T) {
	for name, newStore := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			defer store.Close()
			ctx := context.Background()

			rec, err := store.UpsertEndpointLimit(ctx, "alice", testLimit("anthropic", 1000))
			if err != nil {
				t.Fatalf("UpsertEndpointLimit: %v", err)
			}
			if rec.User != "alice" {
				t.Errorf("Expected user alice, got %q", rec.User)
			}

			lim := rec.Limit("anthropic")
			if lim == nil {
				t.Fatal("Expected endpoint limit to exist")
			}
			if lim.Credits != 1000 {
				t.Errorf("Expected 1000 credits, got %d", lim.Credits)
			}
			if !lim.Refill.Enabled {
				t.Error("Expected refill enabled")
			}
		})
	}
}

func TestStore_UpsertPreservesTimestamps(t *testing.T) {
	for name, newStore := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			defer store.Close()
			ctx := context.Background()

			refillAt := time.Now().Add(-time.Hour).Truncate(time.Second)
			usedAt := time.Now().Add(-30 * time.Minute).Truncate(time.Second)

			first := testLimit("openai", 500)
			first.Refill.LastRefill = refillAt
			first.LastUsed = usedAt
			first.AlertsSent = []int{80}
			if _, err := store.UpsertEndpointLimit(ctx, "bob", first); err != nil {
				t.Fatalf("UpsertEndpointLimit: %v", err)
			}

			// Second upsert with zero timestamps and nil alerts must
			// preserve the stored values.
			second := testLimit("openai", 750)
			rec, err := store.UpsertEndpointLimit(ctx, "bob", second)
			if err != nil {
				t.Fatalf("UpsertEndpointLimit: %v", err)
			}

			lim := rec.Limit("openai")
			if lim.Credits != 750 {
				t.Errorf("Expected credits overwritten to 750, got %d", lim.Credits)
			}
			if !lim.Refill.LastRefill.Equal(refillAt) {
				t.Errorf("Expected LastRefill preserved at %v, got %v", refillAt, lim.Refill.LastRefill)
			}
			if !lim.LastUsed.Equal(usedAt) {
				t.Errorf("Expected LastUsed preserved at %v, got %v", usedAt, lim.LastUsed)
			}
			if len(lim.AlertsSent) != 1 || lim.AlertsSent[0] != 80 {
				t.Errorf("Expected AlertsSent preserved, got %v", lim.AlertsSent)
			}
		})
	}
}

func TestStore_UpsertRejectsInvalidUnit(t *testing.T) {
	for name, newStore := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			defer store.Close()

			bad := testLimit("anthropic", 100)
			bad.Refill.IntervalUnit = "fortnights"

			if _, err := store.UpsertEndpointLimit(context.Background(), "carol", bad); err == nil {
				t.Error("Expected invalid interval unit to be rejected")
			}
		})
	}
}

func TestStore_UpsertUniquePerEndpoint(t *testing.T) {
	for name, newStore := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			defer store.Close()
			ctx := context.Background()

			if _, err := store.UpsertEndpointLimit(ctx, "dave", testLimit("anthropic", 100)); err != nil {
				t.Fatalf("UpsertEndpointLimit: %v", err)
			}
			rec, err := store.UpsertEndpointLimit(ctx, "dave", testLimit("anthropic", 200))
			if err != nil {
				t.Fatalf("UpsertEndpointLimit: %v", err)
			}

			if len(rec.EndpointLimits) != 1 {
				t.Errorf("Expected exactly one limit per endpoint, got %d", len(rec.EndpointLimits))
			}
		})
	}
}

func TestStore_DeleteEndpointLimit(t *testing.T) {
	for name, newStore := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			defer store.Close()
			ctx := context.Background()

			if _, err := store.UpsertEndpointLimit(ctx, "erin", testLimit("openai", 100)); err != nil {
				t.Fatalf("UpsertEndpointLimit: %v", err)
			}

			if err := store.DeleteEndpointLimit(ctx, "erin", "openai"); err != nil {
				t.Fatalf("DeleteEndpointLimit: %v", err)
			}

			rec, err := store.Get(ctx, "erin")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if rec.Limit("openai") != nil {
				t.Error("Expected limit to be deleted")
			}

			if err := store.DeleteEndpointLimit(ctx, "erin", "openai"); !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound on double delete, got %v", err)
			}
		})
	}
}

// ============================================================================
// Compare-and-Swap Tests
// ============================================================================

func TestStore_CompareAndSwapEndpoint(t *testing.T) {
	for name, newStore := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			defer store.Close()
			ctx := context.Background()

			if _, err := store.UpsertEndpointLimit(ctx, "frank", testLimit("anthropic", 1000)); err != nil {
				t.Fatalf("UpsertEndpointLimit: %v", err)
			}

			now := time.Now().Truncate(time.Second)
			rec, err := store.CompareAndSwapEndpoint(ctx, "frank", "anthropic", 1000, 900, &Updates{LastUsed: &now})
			if err != nil {
				t.Fatalf("CompareAndSwapEndpoint: %v", err)
			}
			lim := rec.Limit("anthropic")
			if lim.Credits != 900 {
				t.Errorf("Expected 900 credits, got %d", lim.Credits)
			}
			if !lim.LastUsed.Equal(now) {
				t.Errorf("Expected LastUsed %v, got %v", now, lim.LastUsed)
			}

			// Stale expected value loses the race.
			_, err = store.CompareAndSwapEndpoint(ctx, "frank", "anthropic", 1000, 800, nil)
			if !errors.Is(err, ErrConflict) {
				t.Errorf("Expected ErrConflict for stale value, got %v", err)
			}

			// Missing endpoint is not a conflict.
			_, err = store.CompareAndSwapEndpoint(ctx, "frank", "mistral", 100, 50, nil)
			if !errors.Is(err, ErrNotFound) {
				t.Errorf("Expected ErrNotFound, got %v", err)
			}
		})
	}
}

func TestStore_CompareAndSwapGlobal(t *testing.T) {
	for name, newStore := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			defer store.Close()
			ctx := context.Background()

			if _, err := store.SetGlobal(ctx, "grace", 5000, true, RefillPolicy{}); err != nil {
				t.Fatalf("SetGlobal: %v", err)
			}

			rec, err := store.CompareAndSwapGlobal(ctx, "grace", 5000, 4500, nil)
			if err != nil {
				t.Fatalf("CompareAndSwapGlobal: %v", err)
			}
			if rec.GlobalCredits != 4500 {
				t.Errorf("Expected 4500 global credits, got %d", rec.GlobalCredits)
			}

			_, err = store.CompareAndSwapGlobal(ctx, "grace", 5000, 4000, nil)
			if !errors.Is(err, ErrConflict) {
				t.Errorf("Expected ErrConflict, got %v", err)
			}
		})
	}
}

func TestStore_LastRefillForwardOnly(t *testing.T) {
	for name, newStore := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			defer store.Close()
			ctx := context.Background()

			recent := time.Now().Truncate(time.Second)
			lim := testLimit("anthropic", 100)
			lim.Refill.LastRefill = recent
			if _, err := store.UpsertEndpointLimit(ctx, "heidi", lim); err != nil {
				t.Fatalf("UpsertEndpointLimit: %v", err)
			}

			// A CAS carrying an older refill timestamp must not move
			// last_refill backwards.
			stale := recent.Add(-time.Hour)
			rec, err := store.CompareAndSwapEndpoint(ctx, "heidi", "anthropic", 100, 200, &Updates{LastRefill: &stale})
			if err != nil {
				t.Fatalf("CompareAndSwapEndpoint: %v", err)
			}
			if got := rec.Limit("anthropic").Refill.LastRefill; !got.Equal(recent) {
				t.Errorf("Expected LastRefill unchanged at %v, got %v", recent, got)
			}

			forward := recent.Add(time.Hour)
			rec, err = store.CompareAndSwapEndpoint(ctx, "heidi", "anthropic", 200, 300, &Updates{LastRefill: &forward})
			if err != nil {
				t.Fatalf("CompareAndSwapEndpoint: %v", err)
			}
			if got := rec.Limit("anthropic").Refill.LastRefill; !got.Equal(forward) {
				t.Errorf("Expected LastRefill advanced to %v, got %v", forward, got)
			}
		})
	}
}

func TestStore_ConcurrentCAS_ExactDepletion(t *testing.T) {
	for name, newStore := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			defer store.Close()
			ctx := context.Background()

			if _, err := store.UpsertEndpointLimit(ctx, "ivan", testLimit("anthropic", 1000)); err != nil {
				t.Fatalf("UpsertEndpointLimit: %v", err)
			}

			// 30 workers each try to debit 100 with a full
			// read-check-write retry loop. Exactly 10 must win.
			const workers = 30
			const cost = 100

			var wg sync.WaitGroup
			var mu sync.Mutex
			successes := 0

			for i := 0; i < workers; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					for {
						rec, err := store.Get(ctx, "ivan")
						if err != nil {
							t.Errorf("Get: %v", err)
							return
						}
						credits := rec.Limit("anthropic").Credits
						if credits < cost {
							return // insufficient, give up
						}
						_, err = store.CompareAndSwapEndpoint(ctx, "ivan", "anthropic", credits, credits-cost, nil)
						if errors.Is(err, ErrConflict) {
							continue // lost the race, retry
						}
						if err != nil {
							t.Errorf("CompareAndSwapEndpoint: %v", err)
							return
						}
						mu.Lock()
						successes++
						mu.Unlock()
						return
					}
				}()
			}
			wg.Wait()

			if successes != 10 {
				t.Errorf("Expected exactly 10 successful debits, got %d", successes)
			}

			rec, err := store.Get(ctx, "ivan")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if credits := rec.Limit("anthropic").Credits; credits != 0 {
				t.Errorf("Expected final balance 0, got %d", credits)
			}
		})
	}
}

// ============================================================================
// Alerts / Listing Tests
// ============================================================================

func TestStore_SetAlertsSent(t *testing.T) {
	for name, newStore := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			defer store.Close()
			ctx := context.Background()

			if _, err := store.UpsertEndpointLimit(ctx, "judy", testLimit("openai", 100)); err != nil {
				t.Fatalf("UpsertEndpointLimit: %v", err)
			}

			if err := store.SetAlertsSent(ctx, "judy", "openai", []int{95, 80}, nil); err != nil {
				t.Fatalf("SetAlertsSent: %v", err)
			}

			rec, err := store.Get(ctx, "judy")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			sent := rec.Limit("openai").AlertsSent
			if len(sent) != 2 || sent[0] != 80 || sent[1] != 95 {
				t.Errorf("Expected sorted [80 95], got %v", sent)
			}

			// Clearing stamps the reset time.
			resetAt := time.Now().Truncate(time.Second)
			if err := store.SetAlertsSent(ctx, "judy", "openai", nil, &resetAt); err != nil {
				t.Fatalf("SetAlertsSent: %v", err)
			}

			rec, err = store.Get(ctx, "judy")
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			lim := rec.Limit("openai")
			if len(lim.AlertsSent) != 0 {
				t.Errorf("Expected cleared alert set, got %v", lim.AlertsSent)
			}
			if !lim.LastAlertReset.Equal(resetAt) {
				t.Errorf("Expected LastAlertReset %v, got %v", resetAt, lim.LastAlertReset)
			}
		})
	}
}

func TestStore_ListAutoRefill(t *testing.T) {
	for name, newStore := range newTestStores(t) {
		t.Run(name, func(t *testing.T) {
			store := newStore(t)
			defer store.Close()
			ctx := context.Background()

			// One refill-enabled endpoint user.
			if _, err := store.UpsertEndpointLimit(ctx, "refiller", testLimit("anthropic", 100)); err != nil {
				t.Fatalf("UpsertEndpointLimit: %v", err)
			}

			// One user with refill disabled.
			static := testLimit("anthropic", 100)
			static.Refill = RefillPolicy{}
			if _, err := store.UpsertEndpointLimit(ctx, "static", static); err != nil {
				t.Fatalf("UpsertEndpointLimit: %v", err)
			}

			// One global-refill user.
			globalRefill := RefillPolicy{
				Enabled: true, Amount: 50, IntervalValue: 1, IntervalUnit: interval.UnitHours,
			}
			if _, err := store.SetGlobal(ctx, "globalist", 500, true, globalRefill); err != nil {
				t.Fatalf("SetGlobal: %v", err)
			}

			records, err := store.ListAutoRefill(ctx)
			if err != nil {
				t.Fatalf("ListAutoRefill: %v", err)
			}

			users := make(map[string]bool)
			for _, rec := range records {
				users[rec.User] = true
			}
			if !users["refiller"] || !users["globalist"] {
				t.Errorf("Expected refiller and globalist in %v", users)
			}
			if users["static"] {
				t.Error("Expected static user excluded from auto-refill listing")
			}
		})
	}
}

func TestStore_CloneIsolation(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	if _, err := store.UpsertEndpointLimit(ctx, "kim", testLimit("anthropic", 100)); err != nil {
		t.Fatalf("UpsertEndpointLimit: %v", err)
	}

	rec, err := store.Get(ctx, "kim")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}

	// Mutating the returned record must not leak into the store.
	rec.Limit("anthropic").Credits = 0

	fresh, err := store.Get(ctx, "kim")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if fresh.Limit("anthropic").Credits != 100 {
		t.Error("Store state was mutated through a returned record")
	}
}
