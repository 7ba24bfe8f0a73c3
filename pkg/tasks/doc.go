// Package tasks provides a bounded queue for fire-and-forget work.
//
// # Overview
//
// Side effects that must never block or fail a spend (budget alert
// checks, alert resets after a refill) are submitted as detached tasks.
// A fixed worker pool drains a bounded channel; task failures are
// logged with the task name, never propagated to the submitter. When
// the queue is full the task is dropped and counted rather than
// blocking the hot path.
package tasks
