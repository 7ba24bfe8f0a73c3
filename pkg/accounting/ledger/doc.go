// Package ledger provides the append-only transaction ledger.
//
// # Overview
//
// Every balance mutation (spend or refill) produces exactly one
// Transaction: an immutable record carrying the signed raw token
// amount, the derived multiplier rate, and the signed micro-credit
// value. Transactions are created once and never updated; external
// reporting consumes them, the engine only produces them.
//
// # Value Derivation
//
// CalculateValue derives the rate from the injected pricing lookup.
// Completion spends recorded with the "incomplete" context (requests
// cancelled mid-stream) carry a fixed 1.15 cancellation surcharge on
// both the rate and the value, rounded up to the next integer
// micro-credit. CalculateStructuredValue additionally splits prompt
// cost into base-input, cache-write, and cache-read components, each
// with its own multiplier, combined into one weighted average rate
// proportional to token volume.
package ledger
