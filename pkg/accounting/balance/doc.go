// Package balance provides persistence for per-user credit balances.
//
// # Overview
//
// Each user owns a single BalanceRecord holding a global credit pool and
// a list of per-endpoint credit pools ("endpoint limits"), each with its
// own auto-refill policy and alert bookkeeping. Records are created
// lazily on the first balance-relevant mutation.
//
// # Optimistic Concurrency
//
// Balances are never read-modify-written in place. All debits and
// refills go through compare-and-swap operations that pin the exact
// credits value observed by the caller: the write succeeds only if the
// stored value still matches, otherwise ErrConflict is returned and the
// caller retries against a fresh read. The credits value itself acts as
// the version; this is sound because the write predicate pins the exact
// prior value, not merely "has changed".
//
// # Backends
//
// Two backends are provided: an in-memory store for tests and
// single-process deployments, and a SQLite store (WAL mode, prepared
// statements) for durable single-instance deployments.
package balance
