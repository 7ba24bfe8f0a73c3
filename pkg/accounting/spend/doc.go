// Package spend implements the optimistic spend path: read the balance,
// check sufficiency, and debit with a compare-and-swap pinned to the
// exact credits value observed in the same attempt. A lost race retries
// the whole read-check-write cycle under exponential backoff.
//
// # Metering policy
//
// Spending is unmetered by default: a user with no balance record, no
// limit for the endpoint, or an explicitly disabled limit is always
// allowed. Strict mode inverts this and denies unconfigured spends.
//
// # Refill coupling
//
// When a spend would exhaust the pool and the pool has auto-refill
// configured, the spender invokes an on-demand refill synchronously and
// re-reads before the final sufficiency decision.
package spend
