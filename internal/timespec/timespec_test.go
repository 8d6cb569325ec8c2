package timespec

import (
	"errors"
	"strings"
	"testing"
	"time"
)

// Reference instant for every table below: Tue 2026-09-01 10:30 UTC.
var ref = time.Date(2026, time.September, 1, 10, 30, 0, 0, time.UTC)

func TestParseAbsolute(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want time.Time
	}{
		{"now", "now", ref},
		{"iso date", "2026-12-25", time.Date(2026, 12, 25, 0, 0, 0, 0, time.UTC)},
		{"iso datetime", "2026-12-25 18:00", time.Date(2026, 12, 25, 18, 0, 0, 0, time.UTC)},
		{"iso datetime seconds", "2026-12-25T18:00:30", time.Date(2026, 12, 25, 18, 0, 30, 0, time.UTC)},
		{"rfc3339", "2026-12-25T18:00:00Z", time.Date(2026, 12, 25, 18, 0, 0, 0, time.UTC)},
		{"rfc3339 offset", "2026-12-25T18:00:00+02:00", time.Date(2026, 12, 25, 16, 0, 0, 0, time.UTC)},
		{"iso with offset suffix", "2026-12-25 18:00 +05:30", time.Date(2026, 12, 25, 12, 30, 0, 0, time.UTC)},
		{"month date future", "15 september", time.Date(2026, 9, 15, 0, 0, 0, 0, time.UTC)},
		{"month date rolls to next year", "15 august", time.Date(2027, 8, 15, 0, 0, 0, 0, time.UTC)},
		{"month first with year", "sep 15 2026 at 14:00", time.Date(2026, 9, 15, 14, 0, 0, 0, time.UTC)},
		{"ordinal day", "january 2nd 2027", time.Date(2027, 1, 2, 0, 0, 0, 0, time.UTC)},
		{"month date with clock", "15 september at 8:30pm", time.Date(2026, 9, 15, 20, 30, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tc.in, ref)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tc.in, err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("Parse(%q) = %v, want %v", tc.in, got, tc.want)
			}
			if got.Location() != time.UTC {
				t.Fatalf("Parse(%q) location = %v, want UTC", tc.in, got.Location())
			}
		})
	}
}

func TestParseRelative(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want time.Time
	}{
		{"in compact", "in 2h30m", ref.Add(2*time.Hour + 30*time.Minute)},
		{"in words", "in 2 hours 30 minutes", ref.Add(2*time.Hour + 30*time.Minute)},
		{"in days", "in 3 days", ref.Add(72 * time.Hour)},
		{"in weeks", "in 1 week", ref.Add(7 * 24 * time.Hour)},
		{"in months", "in 2 months", ref.AddDate(0, 2, 0)},
		{"ago", "3 days ago", ref.Add(-72 * time.Hour)},
		{"from now", "2 hours from now", ref.Add(2 * time.Hour)},
		{"bare duration", "45m", ref.Add(45 * time.Minute)},
		{"bare words", "2 hours", ref.Add(2 * time.Hour)},
		{"zero delay", "in 0m", ref},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tc.in, ref)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tc.in, err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("Parse(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseDayWordsAndClocks(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want time.Time
	}{
		{"tomorrow keeps wall time", "tomorrow", ref.AddDate(0, 0, 1)},
		{"tomorrow at 8am", "tomorrow at 8am", time.Date(2026, 9, 2, 8, 0, 0, 0, time.UTC)},
		{"today at noon", "today at noon", time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)},
		{"today at midnight", "today at midnight", time.Date(2026, 9, 1, 0, 0, 0, 0, time.UTC)},
		{"yesterday with clock", "yesterday at 23:15", time.Date(2026, 8, 31, 23, 15, 0, 0, time.UTC)},
		{"clock later today", "3pm", time.Date(2026, 9, 1, 15, 0, 0, 0, time.UTC)},
		{"clock already past", "8am", time.Date(2026, 9, 2, 8, 0, 0, 0, time.UTC)},
		{"24h clock", "16:45", time.Date(2026, 9, 1, 16, 45, 0, 0, time.UTC)},
		{"at-prefixed clock", "at 16:45", time.Date(2026, 9, 1, 16, 45, 0, 0, time.UTC)},
		{"12am is midnight", "tomorrow at 12am", time.Date(2026, 9, 2, 0, 0, 0, 0, time.UTC)},
		{"12pm is noon", "tomorrow at 12pm", time.Date(2026, 9, 2, 12, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tc.in, ref)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tc.in, err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("Parse(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseZones(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name string
		in   string
		want time.Time
	}{
		{"explicit utc", "tomorrow at 8am utc", time.Date(2026, 9, 2, 8, 0, 0, 0, time.UTC)},
		{"gmt alias", "tomorrow at 8am gmt", time.Date(2026, 9, 2, 8, 0, 0, 0, time.UTC)},
		{"positive offset", "tomorrow at 8am utc+5", time.Date(2026, 9, 2, 3, 0, 0, 0, time.UTC)},
		{"negative offset", "tomorrow at 8am -04:00", time.Date(2026, 9, 2, 12, 0, 0, 0, time.UTC)},
		{"offset with minutes", "15 september at 9am +05:30", time.Date(2026, 9, 15, 3, 30, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := Parse(tc.in, ref)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tc.in, err)
			}
			if !got.Equal(tc.want) {
				t.Fatalf("Parse(%q) = %v, want %v", tc.in, got, tc.want)
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		in     string
		reason string
	}{
		{"empty", "", "empty"},
		{"blank", "   ", "empty"},
		{"weekday", "friday", "day-of-week"},
		{"next weekday", "next tuesday", "day-of-week"},
		{"weekday with clock", "friday at 8pm", "day-of-week"},
		{"named zone", "tomorrow at 8am est", "unrecognized timezone"},
		{"named zone pst", "2026-12-25 18:00 pst", "unrecognized timezone"},
		{"hour out of range", "25:00", "out of range"},
		{"minute out of range", "12:75", "out of range"},
		{"bad meridiem hour", "tomorrow at 13pm", "out of range"},
		{"impossible date", "31 february", "no such date"},
		{"gibberish", "whenever you feel like it", "unrecognized time expression"},
		{"dangling in", "in", "missing duration"},
		{"bad unit", "in 3 fortnights", "unknown time unit"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := Parse(tc.in, ref)
			if err == nil {
				t.Fatalf("Parse(%q) succeeded, want error", tc.in)
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("Parse(%q) error type = %T, want *ParseError", tc.in, err)
			}
			if !strings.Contains(pe.Reason, tc.reason) {
				t.Fatalf("Parse(%q) reason = %q, want substring %q", tc.in, pe.Reason, tc.reason)
			}
		})
	}
}

func TestParseIsPure(t *testing.T) {
	t.Parallel()
	// Equal inputs against equal reference instants give equal outputs.
	a, err := Parse("in 2h30m", ref)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	b, err := Parse("in 2h30m", ref)
	if err != nil {
		t.Fatalf("Parse error: %v", err)
	}
	if !a.Equal(b) {
		t.Fatalf("repeated Parse differs: %v vs %v", a, b)
	}
	if got, want := a.Sub(ref), 2*time.Hour+30*time.Minute; got != want {
		t.Fatalf("offset = %v, want exactly %v", got, want)
	}
}
