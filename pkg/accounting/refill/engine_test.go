package refill

import (
	"context"
	"fmt"
	"testing"
	"time"

	"mercator-hq/tally/pkg/accounting/alerts"
	"mercator-hq/tally/pkg/accounting/balance"
	"mercator-hq/tally/pkg/accounting/interval"
	"mercator-hq/tally/pkg/accounting/ledger"
	"mercator-hq/tally/pkg/pricing"
	"mercator-hq/tally/pkg/tasks"
)

// ============================================================
// Test fixture
// ============================================================

type testEnv struct {
	store  *balance.MemoryStore
	txns   *ledger.MemoryStore
	ledger *ledger.Ledger
	queue  *tasks.Queue
	now    time.Time
	engine *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store: balance.NewMemoryStore(),
		txns:  ledger.NewMemoryStore(),
		now:   time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC),
	}
	env.ledger = ledger.New(env.txns, pricing.LookupFunc(
		func(valueKey, tokenType, model string) (float64, error) {
			return 1, nil
		}), nil)

	sink := alerts.SinkFunc(func(context.Context, *alerts.Notification) error {
		return nil
	})
	alertEngine := alerts.NewEngine(env.store, sink, []int{50, 80, 95}, nil)

	env.queue = tasks.NewQueue(tasks.Config{Size: 16, Workers: 1})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = env.queue.Shutdown(ctx)
	})

	env.engine = NewEngine(EngineConfig{
		Store:  env.store,
		Ledger: env.ledger,
		Alerts: alertEngine,
		Queue:  env.queue,
		Now:    func() time.Time { return env.now },
	})
	return env
}

func (env *testEnv) addEndpoint(t *testing.T, user string, lim balance.EndpointLimit) {
	t.Helper()
	if _, err := env.store.UpsertEndpointLimit(context.Background(), user, lim); err != nil {
		t.Fatalf("UpsertEndpointLimit failed: %v", err)
	}
}

func (env *testEnv) endpoint(t *testing.T, user, name string) *balance.EndpointLimit {
	t.Helper()
	rec, err := env.store.Get(context.Background(), user)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	lim := rec.Limit(name)
	if lim == nil {
		t.Fatalf("endpoint %s missing for user %s", name, user)
	}
	return lim
}

// ============================================================
// Eligibility
// ============================================================

func TestEligible(t *testing.T) {
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		policy balance.RefillPolicy
		want   bool
	}{
		{
			name:   "disabled policy never eligible",
			policy: balance.RefillPolicy{Enabled: false, Amount: 100, IntervalValue: 1, IntervalUnit: interval.UnitHours, LastRefill: now.Add(-2 * time.Hour)},
			want:   false,
		},
		{
			name:   "zero amount never eligible",
			policy: balance.RefillPolicy{Enabled: true, Amount: 0, IntervalValue: 1, IntervalUnit: interval.UnitHours},
			want:   false,
		},
		{
			name:   "negative amount never eligible",
			policy: balance.RefillPolicy{Enabled: true, Amount: -5, IntervalValue: 1, IntervalUnit: interval.UnitHours},
			want:   false,
		},
		{
			name:   "never refilled is immediately eligible",
			policy: balance.RefillPolicy{Enabled: true, Amount: 100, IntervalValue: 1, IntervalUnit: interval.UnitHours},
			want:   true,
		},
		{
			name:   "hours interval elapsed",
			policy: balance.RefillPolicy{Enabled: true, Amount: 100, IntervalValue: 1, IntervalUnit: interval.UnitHours, LastRefill: now.Add(-61 * time.Minute)},
			want:   true,
		},
		{
			name:   "hours interval not elapsed",
			policy: balance.RefillPolicy{Enabled: true, Amount: 100, IntervalValue: 1, IntervalUnit: interval.UnitHours, LastRefill: now.Add(-59 * time.Minute)},
			want:   false,
		},
		{
			name:   "interval boundary is inclusive",
			policy: balance.RefillPolicy{Enabled: true, Amount: 100, IntervalValue: 30, IntervalUnit: interval.UnitMinutes, LastRefill: now.Add(-30 * time.Minute)},
			want:   true,
		},
		{
			name:   "weeks interval not elapsed",
			policy: balance.RefillPolicy{Enabled: true, Amount: 100, IntervalValue: 1, IntervalUnit: interval.UnitWeeks, LastRefill: now.Add(-6 * 24 * time.Hour)},
			want:   false,
		},
		{
			name:   "invalid stored unit never eligible",
			policy: balance.RefillPolicy{Enabled: true, Amount: 100, IntervalValue: 1, IntervalUnit: interval.Unit("fortnights"), LastRefill: now.Add(-48 * time.Hour)},
			want:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Eligible(tt.policy, now); got != tt.want {
				t.Errorf("Eligible() = %v, want %v", got, tt.want)
			}
		})
	}
}

// The days unit grants at most one refill per UTC calendar day. Elapsed
// wall time is irrelevant: a refill at 23:59 is followed by another at
// 00:01 the next day, and none for the rest of that day.
func TestEligible_DaysCalendarRule(t *testing.T) {
	policy := balance.RefillPolicy{
		Enabled:       true,
		Amount:        1000,
		IntervalValue: 1,
		IntervalUnit:  interval.UnitDays,
		LastRefill:    time.Date(2025, 6, 15, 23, 59, 0, 0, time.UTC),
	}

	sameDay := time.Date(2025, 6, 15, 23, 59, 30, 0, time.UTC)
	if Eligible(policy, sameDay) {
		t.Error("expected no refill within the same UTC day")
	}

	nextDay := time.Date(2025, 6, 16, 0, 1, 0, 0, time.UTC)
	if !Eligible(policy, nextDay) {
		t.Error("expected refill on the next UTC day even after two minutes")
	}

	// A refill early in the day blocks the rest of that day.
	policy.LastRefill = time.Date(2025, 6, 16, 0, 1, 0, 0, time.UTC)
	lateSameDay := time.Date(2025, 6, 16, 23, 0, 0, 0, time.UTC)
	if Eligible(policy, lateSameDay) {
		t.Error("expected no second refill within the same UTC day")
	}
}

// ============================================================
// On-demand refill
// ============================================================

func TestTryRefillOnDemand_Endpoint(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addEndpoint(t, "alice", balance.EndpointLimit{
		Endpoint: "chat",
		Credits:  50,
		Enabled:  true,
		Refill: balance.RefillPolicy{
			Enabled:       true,
			Amount:        1000,
			IntervalValue: 1,
			IntervalUnit:  interval.UnitHours,
			LastRefill:    env.now.Add(-2 * time.Hour),
		},
	})

	refilled, err := env.engine.TryRefillOnDemand(ctx, "alice", "chat")
	if err != nil {
		t.Fatalf("TryRefillOnDemand failed: %v", err)
	}
	if !refilled {
		t.Fatal("expected refill to happen")
	}

	lim := env.endpoint(t, "alice", "chat")
	if lim.Credits != 1050 {
		t.Errorf("credits = %d, want 1050", lim.Credits)
	}
	if !lim.Refill.LastRefill.Equal(env.now) {
		t.Errorf("LastRefill = %v, want %v", lim.Refill.LastRefill, env.now)
	}

	txns, err := env.ledger.ListByUser(ctx, "alice", -1)
	if err != nil {
		t.Fatalf("ListByUser failed: %v", err)
	}
	if len(txns) != 1 {
		t.Fatalf("expected 1 transaction, got %d", len(txns))
	}
	txn := txns[0]
	if txn.TokenType != ledger.TokenTypeCredits {
		t.Errorf("token type = %s, want %s", txn.TokenType, ledger.TokenTypeCredits)
	}
	if txn.RawAmount != 1000 {
		t.Errorf("raw amount = %d, want 1000", txn.RawAmount)
	}
	if txn.Context != ledger.ContextAutoRefill {
		t.Errorf("context = %s, want %s", txn.Context, ledger.ContextAutoRefill)
	}
	if txn.BalanceSource != "chat" {
		t.Errorf("balance source = %s, want chat", txn.BalanceSource)
	}
}

func TestTryRefillOnDemand_IntervalNotElapsed(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addEndpoint(t, "alice", balance.EndpointLimit{
		Endpoint: "chat",
		Credits:  50,
		Enabled:  true,
		Refill: balance.RefillPolicy{
			Enabled:       true,
			Amount:        1000,
			IntervalValue: 1,
			IntervalUnit:  interval.UnitHours,
			LastRefill:    env.now.Add(-30 * time.Minute),
		},
	})

	refilled, err := env.engine.TryRefillOnDemand(ctx, "alice", "chat")
	if err != nil {
		t.Fatalf("TryRefillOnDemand failed: %v", err)
	}
	if refilled {
		t.Error("expected no refill before the interval elapses")
	}
	if lim := env.endpoint(t, "alice", "chat"); lim.Credits != 50 {
		t.Errorf("credits = %d, want 50", lim.Credits)
	}
}

func TestTryRefillOnDemand_SkipCases(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addEndpoint(t, "bob", balance.EndpointLimit{
		Endpoint: "disabled-ep",
		Credits:  0,
		Enabled:  false,
		Refill: balance.RefillPolicy{
			Enabled:       true,
			Amount:        500,
			IntervalValue: 1,
			IntervalUnit:  interval.UnitMinutes,
		},
	})
	env.addEndpoint(t, "bob", balance.EndpointLimit{
		Endpoint: "no-refill",
		Credits:  10,
		Enabled:  true,
	})

	tests := []struct {
		name   string
		user   string
		source string
	}{
		{"unknown user", "nobody", "chat"},
		{"unknown endpoint", "bob", "missing"},
		{"disabled endpoint", "bob", "disabled-ep"},
		{"refill not configured", "bob", "no-refill"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			refilled, err := env.engine.TryRefillOnDemand(ctx, tt.user, tt.source)
			if err != nil {
				t.Fatalf("TryRefillOnDemand failed: %v", err)
			}
			if refilled {
				t.Error("expected silent skip, got refill")
			}
		})
	}
}

func TestTryRefillOnDemand_Global(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.store.SetGlobal(ctx, "carol", 20, true, balance.RefillPolicy{
		Enabled:       true,
		Amount:        2000,
		IntervalValue: 1,
		IntervalUnit:  interval.UnitDays,
		LastRefill:    env.now.Add(-36 * time.Hour),
	})
	if err != nil {
		t.Fatalf("SetGlobal failed: %v", err)
	}

	// Empty source and the explicit global name both address the
	// global pool.
	for _, source := range []string{"", balance.SourceGlobal} {
		refilled, err := env.engine.TryRefillOnDemand(ctx, "carol", source)
		if err != nil {
			t.Fatalf("TryRefillOnDemand(%q) failed: %v", source, err)
		}
		if source == "" && !refilled {
			t.Fatal("expected global refill")
		}
		if source == balance.SourceGlobal && refilled {
			t.Error("expected second refill on the same UTC day to skip")
		}
	}

	rec, err := env.store.Get(ctx, "carol")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if rec.GlobalCredits != 2020 {
		t.Errorf("global credits = %d, want 2020", rec.GlobalCredits)
	}
	if !rec.GlobalRefill.LastRefill.Equal(env.now) {
		t.Errorf("global LastRefill = %v, want %v", rec.GlobalRefill.LastRefill, env.now)
	}
}

func TestTryRefillOnDemand_GlobalPoolDisabled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.store.SetGlobal(ctx, "dave", 0, false, balance.RefillPolicy{
		Enabled:       true,
		Amount:        500,
		IntervalValue: 1,
		IntervalUnit:  interval.UnitHours,
	})
	if err != nil {
		t.Fatalf("SetGlobal failed: %v", err)
	}

	refilled, err := env.engine.TryRefillOnDemand(ctx, "dave", "")
	if err != nil {
		t.Fatalf("TryRefillOnDemand failed: %v", err)
	}
	if refilled {
		t.Error("expected no refill of a disabled global pool")
	}
}

// Alert state is cleared after a refill so the thresholds can fire
// again in the new window. The reset runs off the refill path through
// the task queue.
func TestRefill_ResetsAlerts(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.addEndpoint(t, "alice", balance.EndpointLimit{
		Endpoint:   "chat",
		Credits:    100,
		Enabled:    true,
		AlertsSent: []int{50, 80},
		Refill: balance.RefillPolicy{
			Enabled:       true,
			Amount:        1000,
			IntervalValue: 1,
			IntervalUnit:  interval.UnitHours,
			LastRefill:    env.now.Add(-2 * time.Hour),
		},
	})

	refilled, err := env.engine.TryRefillOnDemand(ctx, "alice", "chat")
	if err != nil || !refilled {
		t.Fatalf("TryRefillOnDemand = (%v, %v), want refill", refilled, err)
	}

	// Drain the queue so the fire-and-forget reset has run.
	drainCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	if err := env.queue.Shutdown(drainCtx); err != nil {
		t.Fatalf("queue drain failed: %v", err)
	}

	lim := env.endpoint(t, "alice", "chat")
	if len(lim.AlertsSent) != 0 {
		t.Errorf("alerts sent = %v, want empty after refill", lim.AlertsSent)
	}
	if lim.LastAlertReset.IsZero() {
		t.Error("expected LastAlertReset to be stamped")
	}
}

// ============================================================
// Sweep
// ============================================================

func TestSweepAll(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	due := balance.RefillPolicy{
		Enabled:       true,
		Amount:        100,
		IntervalValue: 1,
		IntervalUnit:  interval.UnitHours,
		LastRefill:    env.now.Add(-2 * time.Hour),
	}
	notDue := due
	notDue.LastRefill = env.now.Add(-10 * time.Minute)

	env.addEndpoint(t, "alice", balance.EndpointLimit{Endpoint: "chat", Credits: 0, Enabled: true, Refill: due})
	env.addEndpoint(t, "alice", balance.EndpointLimit{Endpoint: "search", Credits: 0, Enabled: true, Refill: notDue})
	env.addEndpoint(t, "bob", balance.EndpointLimit{Endpoint: "chat", Credits: 5, Enabled: true, Refill: due})
	if _, err := env.store.SetGlobal(ctx, "carol", 0, true, due); err != nil {
		t.Fatalf("SetGlobal failed: %v", err)
	}

	stats, err := env.engine.SweepAll(ctx)
	if err != nil {
		t.Fatalf("SweepAll failed: %v", err)
	}
	if stats.Scanned != 3 {
		t.Errorf("scanned = %d, want 3", stats.Scanned)
	}
	if stats.Refilled != 3 {
		t.Errorf("refilled = %d, want 3 (alice/chat, bob/chat, carol/global)", stats.Refilled)
	}
	if stats.Errors != 0 {
		t.Errorf("errors = %d, want 0", stats.Errors)
	}

	if lim := env.endpoint(t, "alice", "chat"); lim.Credits != 100 {
		t.Errorf("alice/chat credits = %d, want 100", lim.Credits)
	}
	if lim := env.endpoint(t, "alice", "search"); lim.Credits != 0 {
		t.Errorf("alice/search credits = %d, want 0 (not due)", lim.Credits)
	}

	// Second sweep at the same clock refills nothing.
	stats, err = env.engine.SweepAll(ctx)
	if err != nil {
		t.Fatalf("second SweepAll failed: %v", err)
	}
	if stats.Refilled != 0 {
		t.Errorf("second sweep refilled = %d, want 0", stats.Refilled)
	}
}

// failingStore injects write failures for one user to verify error
// isolation in the sweep.
type failingStore struct {
	balance.Store
	failUser string
}

func (f *failingStore) CompareAndSwapEndpoint(ctx context.Context, user, endpoint string, expected, newCredits int64, sets *balance.Updates) (*balance.Record, error) {
	if user == f.failUser {
		return nil, fmt.Errorf("disk on fire")
	}
	return f.Store.CompareAndSwapEndpoint(ctx, user, endpoint, expected, newCredits, sets)
}

func TestSweepAll_ErrorIsolation(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	due := balance.RefillPolicy{
		Enabled:       true,
		Amount:        100,
		IntervalValue: 1,
		IntervalUnit:  interval.UnitHours,
		LastRefill:    env.now.Add(-2 * time.Hour),
	}
	env.addEndpoint(t, "broken", balance.EndpointLimit{Endpoint: "chat", Credits: 0, Enabled: true, Refill: due})
	env.addEndpoint(t, "healthy", balance.EndpointLimit{Endpoint: "chat", Credits: 0, Enabled: true, Refill: due})

	engine := NewEngine(EngineConfig{
		Store:  &failingStore{Store: env.store, failUser: "broken"},
		Ledger: env.ledger,
		Alerts: alerts.NewEngine(env.store, alerts.SinkFunc(func(context.Context, *alerts.Notification) error { return nil }), []int{50}, nil),
		Queue:  env.queue,
		Now:    func() time.Time { return env.now },
	})

	stats, err := engine.SweepAll(ctx)
	if err != nil {
		t.Fatalf("SweepAll failed: %v", err)
	}
	if stats.Errors != 1 {
		t.Errorf("errors = %d, want 1", stats.Errors)
	}
	if stats.Refilled != 1 {
		t.Errorf("refilled = %d, want 1 (healthy user proceeds)", stats.Refilled)
	}
	if lim := env.endpoint(t, "healthy", "chat"); lim.Credits != 100 {
		t.Errorf("healthy/chat credits = %d, want 100", lim.Credits)
	}
}

func TestSweepAll_ContextCancellation(t *testing.T) {
	env := newTestEnv(t)

	due := balance.RefillPolicy{
		Enabled:       true,
		Amount:        100,
		IntervalValue: 1,
		IntervalUnit:  interval.UnitHours,
		LastRefill:    env.now.Add(-2 * time.Hour),
	}
	env.addEndpoint(t, "alice", balance.EndpointLimit{Endpoint: "chat", Credits: 0, Enabled: true, Refill: due})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := env.engine.SweepAll(ctx); err == nil {
		t.Error("expected error from cancelled sweep")
	}
}
