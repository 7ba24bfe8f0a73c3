// Package refill provides scheduled and on-demand balance top-ups.
//
// # Overview
//
// Each balance pool carries a refill policy: an amount and a (value,
// unit) interval. A pool becomes eligible once the interval has elapsed
// since its last refill. Two entry points share one core operation:
// the spender triggers an on-demand refill synchronously when a spend
// would otherwise fail, and a cron-driven Sweeper periodically scans
// every refill-enabled record.
//
// # The Days Rule
//
// Pools with the "days" unit refill at most once per UTC calendar day,
// compared by date, not by rolling 24-hour windows. This intentionally
// diverges from the generic interval rule used by every other unit: a
// user who exhausts a daily pool at 23:50 UTC can refill again at
// 00:00 UTC.
//
// # Overlap
//
// Sweeps never overlap. If a tick fires while the previous sweep is
// still executing against slow storage, the new tick is skipped and
// logged, not queued. Per-item failures are isolated: one user's
// storage error never aborts the sweep for others.
package refill
