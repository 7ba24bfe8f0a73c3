package refill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// ErrSweepRunning is returned by RunNow when a sweep is already
// executing.
var ErrSweepRunning = errors.New("sweep already running")

// Sweeper drives periodic refill sweeps on a cron schedule.
// It guarantees mutual exclusion between runs: a tick that fires while
// the previous sweep is still executing is skipped and logged, never
// queued. Start/end timestamps are exposed so a liveness check can
// detect a stuck sweep.
type Sweeper struct {
	engine     *Engine
	schedule   string
	location   *time.Location
	cron       *cron.Cron
	onSkip     func()
	onComplete func(SweepStats, time.Duration)
	logger     *slog.Logger

	mu           sync.Mutex
	started      bool
	sweeping     bool
	lastRunStart time.Time
	lastRunEnd   time.Time
	lastStats    SweepStats
	skipped      int64
}

// Status is a point-in-time view of the sweeper, for observability and
// tests.
type Status struct {
	// Started reports whether the cron schedule is active.
	Started bool

	// Sweeping reports whether a sweep is executing right now.
	Sweeping bool

	// LastRunStart and LastRunEnd bracket the most recent sweep.
	// A stale LastRunStart with a zero-or-older LastRunEnd indicates a
	// stuck sweep.
	LastRunStart time.Time
	LastRunEnd   time.Time

	// LastStats is the result of the most recent completed sweep.
	LastStats SweepStats

	// Skipped counts ticks dropped because a sweep was still running.
	Skipped int64

	// NextRun is the next scheduled tick, zero when not started.
	NextRun time.Time
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Engine *Engine

	// Schedule uses standard five-field cron syntax, e.g.
	// "*/5 * * * *" for every five minutes. Empty disables the
	// sweeper.
	Schedule string

	// Location is the schedule's timezone. Default: UTC.
	Location *time.Location

	// OnSkip, when set, is called once per tick skipped due to an
	// overlapping run. Used for metrics.
	OnSkip func()

	// OnComplete, when set, is called after every completed sweep.
	// Used for metrics.
	OnComplete func(SweepStats, time.Duration)

	Logger *slog.Logger
}

// NewSweeper creates a sweeper for the given cron schedule and
// timezone.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Sweeper{
		engine:     cfg.Engine,
		schedule:   cfg.Schedule,
		location:   cfg.Location,
		onSkip:     cfg.OnSkip,
		onComplete: cfg.OnComplete,
		logger:     cfg.Logger.With("component", "refill.sweeper"),
	}
}

// Start begins scheduled sweeping. The schedule is validated before
// the first tick is armed. An empty schedule disables the sweeper.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("sweeper already started")
	}
	if s.schedule == "" {
		s.logger.Info("sweep schedule not configured, skipping sweeper")
		return nil
	}

	if _, err := cron.ParseStandard(s.schedule); err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}

	s.cron = cron.New(cron.WithLocation(s.location))
	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.tick(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule sweep: %w", err)
	}

	s.cron.Start()
	s.started = true

	s.logger.Info("refill sweeper started",
		"schedule", s.schedule,
		"timezone", s.location.String(),
	)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()

	return nil
}

// tick runs one scheduled sweep, skipping if the previous one is still
// executing.
func (s *Sweeper) tick(ctx context.Context) {
	if _, err := s.run(ctx); errors.Is(err, ErrSweepRunning) {
		s.mu.Lock()
		s.skipped++
		n := s.skipped
		s.mu.Unlock()

		if s.onSkip != nil {
			s.onSkip()
		}
		s.logger.Warn("sweep tick skipped, previous sweep still running",
			"skipped_total", n,
		)
	}
}

// RunNow triggers one sweep immediately, outside the schedule. Used by
// tests and operational tooling. Returns ErrSweepRunning if a sweep is
// already executing.
func (s *Sweeper) RunNow(ctx context.Context) (SweepStats, error) {
	return s.run(ctx)
}

// run executes a sweep under the overlap guard.
func (s *Sweeper) run(ctx context.Context) (SweepStats, error) {
	s.mu.Lock()
	if s.sweeping {
		s.mu.Unlock()
		return SweepStats{}, ErrSweepRunning
	}
	s.sweeping = true
	start := time.Now()
	s.lastRunStart = start
	s.mu.Unlock()

	stats, err := s.engine.SweepAll(ctx)

	s.mu.Lock()
	s.sweeping = false
	s.lastRunEnd = time.Now()
	s.lastStats = stats
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("refill sweep failed",
			"error", err,
			"duration", time.Since(start),
		)
		return stats, err
	}

	if s.onComplete != nil {
		s.onComplete(stats, time.Since(start))
	}
	s.logger.Info("refill sweep completed",
		"scanned", stats.Scanned,
		"refilled", stats.Refilled,
		"errors", stats.Errors,
		"duration", time.Since(start),
	)
	return stats, nil
}

// Stop halts the schedule and waits for a running sweep to finish.
// Safe to call multiple times.
func (s *Sweeper) Stop() {
	s.mu.Lock()
	c := s.cron
	wasStarted := s.started
	s.started = false
	s.cron = nil
	s.mu.Unlock()

	if c != nil && wasStarted {
		<-c.Stop().Done() // wait for running jobs
		s.logger.Info("refill sweeper stopped")
	}
}

// Status returns the sweeper's current state.
func (s *Sweeper) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Started:      s.started,
		Sweeping:     s.sweeping,
		LastRunStart: s.lastRunStart,
		LastRunEnd:   s.lastRunEnd,
		LastStats:    s.lastStats,
		Skipped:      s.skipped,
	}
	if s.cron != nil {
		if entries := s.cron.Entries(); len(entries) > 0 {
			st.NextRun = entries[0].Next
		}
	}
	return st
}
