// Package pricing provides token-to-credit multiplier lookup.
//
// # Overview
//
// Every spend converts a raw token amount into micro-credits through a
// multiplier keyed by (value key, token type, model). The accounting
// engine treats the lookup as an injected pure function; this package
// provides the production implementation: a YAML-loadable table of
// per-model rates with prompt, completion, cache-write, and cache-read
// multipliers, plus an fsnotify-based watcher that hot-reloads the
// table when the file changes.
//
// # Lookup Order
//
// Multiplier resolves the model name first, then the value key (a
// model-family alias), then the default rates. Cache-write and
// cache-read rates fall back to the prompt rate when a model does not
// distinguish them.
package pricing
