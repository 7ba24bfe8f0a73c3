package interval

import (
	"testing"
	"time"
)

func TestParseUnit_Valid(t *testing.T) {
	tests := []struct {
		input string
		want  Unit
	}{
		{"seconds", UnitSeconds},
		{"minutes", UnitMinutes},
		{"hours", UnitHours},
		{"days", UnitDays},
		{"weeks", UnitWeeks},
		{"months", UnitMonths},
		{"  Months ", UnitMonths}, // case and whitespace tolerant
	}

	for _, tt := range tests {
		got, err := ParseUnit(tt.input)
		if err != nil {
			t.Errorf("ParseUnit(%q) unexpected error: %v", tt.input, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseUnit(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestParseUnit_Unknown(t *testing.T) {
	for _, input := range []string{"", "fortnights", "day", "monthly"} {
		if _, err := ParseUnit(input); err == nil {
			t.Errorf("ParseUnit(%q) expected error, got nil", input)
		}
	}
}

func TestAdd_FixedUnits(t *testing.T) {
	base := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		value int64
		unit  Unit
		want  time.Time
	}{
		{30, UnitSeconds, base.Add(30 * time.Second)},
		{90, UnitMinutes, base.Add(90 * time.Minute)},
		{5, UnitHours, base.Add(5 * time.Hour)},
		{3, UnitDays, time.Date(2025, 6, 18, 12, 0, 0, 0, time.UTC)},
		{2, UnitWeeks, time.Date(2025, 6, 29, 12, 0, 0, 0, time.UTC)},
		{1, UnitMonths, time.Date(2025, 7, 15, 12, 0, 0, 0, time.UTC)},
	}

	for _, tt := range tests {
		got, err := Add(base, tt.value, tt.unit)
		if err != nil {
			t.Errorf("Add(%d %s) unexpected error: %v", tt.value, tt.unit, err)
			continue
		}
		if !got.Equal(tt.want) {
			t.Errorf("Add(%d %s) = %v, want %v", tt.value, tt.unit, got, tt.want)
		}
	}
}

func TestAdd_MonthRollover(t *testing.T) {
	// Jan 31 + 1 month normalizes to Feb 31 = Mar 3 in a non-leap year.
	base := time.Date(2025, 1, 31, 0, 0, 0, 0, time.UTC)

	got, err := Add(base, 1, UnitMonths)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	want := time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Jan 31 + 1 month = %v, want %v", got, want)
	}

	// Leap year: Feb has 29 days, so Feb 31 = Mar 2.
	leapBase := time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC)
	got, err = Add(leapBase, 1, UnitMonths)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	want = time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	if !got.Equal(want) {
		t.Errorf("Jan 31 + 1 month (leap) = %v, want %v", got, want)
	}
}

func TestAdd_DayRolloverAcrossDST(t *testing.T) {
	// AddDate keeps the wall clock for day units even across a DST
	// transition in the location.
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skip("tzdata unavailable")
	}

	base := time.Date(2025, 3, 8, 12, 0, 0, 0, loc) // day before spring forward
	got, err := Add(base, 1, UnitDays)
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if got.Hour() != 12 {
		t.Errorf("expected wall clock preserved across DST, got hour %d", got.Hour())
	}
}

func TestAdd_UnknownUnit(t *testing.T) {
	if _, err := Add(time.Now(), 1, Unit("eons")); err == nil {
		t.Error("expected error for unknown unit")
	}
}

func TestSameUTCDay(t *testing.T) {
	tests := []struct {
		name string
		a, b time.Time
		want bool
	}{
		{
			name: "same day",
			a:    time.Date(2025, 6, 15, 0, 0, 1, 0, time.UTC),
			b:    time.Date(2025, 6, 15, 23, 59, 59, 0, time.UTC),
			want: true,
		},
		{
			name: "adjacent days",
			a:    time.Date(2025, 6, 15, 23, 59, 59, 0, time.UTC),
			b:    time.Date(2025, 6, 16, 0, 0, 0, 0, time.UTC),
			want: false,
		},
		{
			name: "same instant different zones",
			a:    time.Date(2025, 6, 15, 23, 0, 0, 0, time.UTC),
			b:    time.Date(2025, 6, 15, 19, 0, 0, 0, time.FixedZone("EDT", -4*3600)),
			want: true,
		},
		{
			name: "local date differs but UTC date matches",
			a:    time.Date(2025, 6, 16, 1, 0, 0, 0, time.FixedZone("CEST", 2*3600)),
			b:    time.Date(2025, 6, 15, 23, 30, 0, 0, time.UTC),
			want: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := SameUTCDay(tt.a, tt.b); got != tt.want {
				t.Errorf("SameUTCDay = %v, want %v", got, tt.want)
			}
		})
	}
}
