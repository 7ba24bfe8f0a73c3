// Tally is the token balance and auto-refill accounting engine of a
// multi-tenant AI-chat platform.
//
// It tracks per-user, per-endpoint spendable credit, deducts it safely
// under concurrency, tops it up on schedule or on demand, raises
// threshold alerts, and keeps an append-only transaction ledger.
//
// Usage:
//
//	# Start the refill daemon with default configuration
//	tally run
//
//	# Start with a custom configuration file
//	tally run --config /path/to/tally.yaml
//
//	# Run one refill sweep and exit
//	tally sweep
//
//	# Show version information
//	tally version
package main

func main() {
	Execute()
}
