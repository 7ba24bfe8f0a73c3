package tasks

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Task is one unit of detached work.
type Task struct {
	// Name identifies the task in logs and metrics.
	Name string

	// Run executes the task. Errors are logged, never returned to the
	// submitter.
	Run func(ctx context.Context) error
}

// Queue executes detached tasks on a fixed worker pool.
type Queue struct {
	tasks   chan Task
	dropped atomic.Int64
	logger  *slog.Logger

	timeout  time.Duration
	stopOnce sync.Once
	stopped  bool
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// Config configures a Queue.
type Config struct {
	// Size is the queue capacity. Default: 1024.
	Size int

	// Workers is the number of draining goroutines. Default: 2.
	Workers int

	// TaskTimeout bounds each task's execution. Default: 30 seconds.
	TaskTimeout time.Duration

	// Logger receives task failures and drop warnings.
	Logger *slog.Logger
}

// NewQueue creates and starts a task queue.
func NewQueue(cfg Config) *Queue {
	if cfg.Size <= 0 {
		cfg.Size = 1024
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	q := &Queue{
		tasks:   make(chan Task, cfg.Size),
		logger:  cfg.Logger.With("component", "tasks"),
		timeout: cfg.TaskTimeout,
	}

	q.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go q.worker()
	}

	return q
}

// Submit enqueues a task without blocking. Returns false if the queue
// is full or shut down; the task is dropped and counted.
func (q *Queue) Submit(t Task) bool {
	if t.Run == nil {
		return false
	}

	// The read lock excludes Shutdown's channel close, so the send
	// below can never hit a closed channel.
	q.mu.RLock()
	defer q.mu.RUnlock()

	if q.stopped {
		q.drop(t)
		return false
	}

	select {
	case q.tasks <- t:
		return true
	default:
		q.drop(t)
		return false
	}
}

// Dropped returns the number of tasks dropped since startup.
func (q *Queue) Dropped() int64 {
	return q.dropped.Load()
}

// Shutdown stops accepting tasks and drains the queue. It returns when
// all queued tasks have finished or the context expires.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.stopOnce.Do(func() {
		q.mu.Lock()
		q.stopped = true
		close(q.tasks)
		q.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("task queue shutdown: %w", ctx.Err())
	}
}

func (q *Queue) drop(t Task) {
	n := q.dropped.Add(1)
	q.logger.Warn("detached task dropped",
		"task", t.Name,
		"dropped_total", n,
	)
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for t := range q.tasks {
		q.run(t)
	}
}

func (q *Queue) run(t Task) {
	ctx, cancel := context.WithTimeout(context.Background(), q.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("detached task panicked",
				"task", t.Name,
				"panic", r,
			)
		}
	}()

	if err := t.Run(ctx); err != nil {
		q.logger.Error("detached task failed",
			"task", t.Name,
			"error", err,
		)
	}
}
