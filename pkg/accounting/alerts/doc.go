// Package alerts provides threshold-based budget alerting.
//
// # Overview
//
// As a balance pool drains, the engine compares the consumed percentage
// of its initial limit against configured thresholds (e.g. 80 and 95)
// and emits exactly one notification per threshold crossing per refill
// cycle. Thresholds already notified are tracked in the pool's
// alerts-sent set, which grows monotonically between refills and is
// cleared exactly when the pool refills.
//
// # Off the Hot Path
//
// Alert checks run as detached tasks after a spend commits; a sink or
// persistence failure is logged and never reaches the spender.
// Alert-state writes are best-effort under concurrency: racing spends
// may rarely duplicate a notification, which callers must tolerate.
package alerts
