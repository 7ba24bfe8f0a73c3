package interval

import (
	"fmt"
	"strings"
	"time"
)

// Unit is a refill interval unit.
type Unit string

const (
	// UnitSeconds advances by a fixed number of seconds.
	UnitSeconds Unit = "seconds"

	// UnitMinutes advances by a fixed number of minutes.
	UnitMinutes Unit = "minutes"

	// UnitHours advances by a fixed number of hours.
	UnitHours Unit = "hours"

	// UnitDays advances by calendar days.
	UnitDays Unit = "days"

	// UnitWeeks advances by calendar weeks (7 days each).
	UnitWeeks Unit = "weeks"

	// UnitMonths advances by calendar months using standard date
	// rollover, not end-of-month clamping.
	UnitMonths Unit = "months"
)

// Units lists every valid interval unit.
var Units = []Unit{UnitSeconds, UnitMinutes, UnitHours, UnitDays, UnitWeeks, UnitMonths}

// Valid reports whether u is a member of the closed unit enum.
func (u Unit) Valid() bool {
	switch u {
	case UnitSeconds, UnitMinutes, UnitHours, UnitDays, UnitWeeks, UnitMonths:
		return true
	}
	return false
}

// ParseUnit parses a unit string. Unknown units are an error; there is
// no default unit.
func ParseUnit(s string) (Unit, error) {
	u := Unit(strings.ToLower(strings.TrimSpace(s)))
	if !u.Valid() {
		return "", fmt.Errorf("unknown interval unit %q (valid: %v)", s, Units)
	}
	return u, nil
}

// Add returns t advanced by value units. It is a pure function.
//
// Seconds, minutes, and hours are fixed durations. Days, weeks, and
// months use time.AddDate, so they respect calendar boundaries and
// normalize overflow (Jan 31 + 1 month lands in early March).
func Add(t time.Time, value int64, unit Unit) (time.Time, error) {
	switch unit {
	case UnitSeconds:
		return t.Add(time.Duration(value) * time.Second), nil
	case UnitMinutes:
		return t.Add(time.Duration(value) * time.Minute), nil
	case UnitHours:
		return t.Add(time.Duration(value) * time.Hour), nil
	case UnitDays:
		return t.AddDate(0, 0, int(value)), nil
	case UnitWeeks:
		return t.AddDate(0, 0, int(value)*7), nil
	case UnitMonths:
		return t.AddDate(0, int(value), 0), nil
	default:
		return time.Time{}, fmt.Errorf("unknown interval unit %q", unit)
	}
}

// SameUTCDay reports whether a and b fall on the same UTC calendar day.
func SameUTCDay(a, b time.Time) bool {
	ay, am, ad := a.UTC().Date()
	by, bm, bd := b.UTC().Date()
	return ay == by && am == bm && ad == bd
}
