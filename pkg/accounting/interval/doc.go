// Package interval provides calendar-correct interval arithmetic for
// refill scheduling.
//
// # Overview
//
// Refill policies express their cadence as a (value, unit) pair, where
// the unit is one of seconds, minutes, hours, days, weeks, or months.
// The unit set is a closed enum: unknown units are rejected when a
// policy is written, never tolerated at evaluation time.
//
// # Calendar Semantics
//
// Sub-day units use fixed durations. Day and larger units use calendar
// arithmetic via time.AddDate, so month addition follows Go's standard
// date normalization: adding one month to Jan 31 rolls over into early
// March rather than clamping to the end of February.
package interval
