package timespec

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestParseRecurrence(t *testing.T) {
	t.Parallel()
	until := time.Date(2026, 9, 2, 10, 30, 0, 0, time.UTC)
	cases := []struct {
		name string
		in   string
		want Recurrence
	}{
		{"plain interval", "every 1h", Recurrence{Every: time.Hour}},
		{"compact interval", "every 90m", Recurrence{Every: 90 * time.Minute}},
		{"worded interval", "every 1 hour 30 minutes", Recurrence{Every: 90 * time.Minute}},
		{"with limit", "every 1h limit 3", Recurrence{Every: time.Hour, Limit: 3}},
		{"with until", "every 1h until tomorrow", Recurrence{Every: time.Hour, Until: &until}},
		{"daily interval", "every 1 day", Recurrence{Every: 24 * time.Hour}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := ParseRecurrence(tc.in, ref, DefaultLimits())
			if err != nil {
				t.Fatalf("ParseRecurrence(%q) error: %v", tc.in, err)
			}
			if got.Every != tc.want.Every || got.Limit != tc.want.Limit {
				t.Fatalf("ParseRecurrence(%q) = %+v, want %+v", tc.in, got, tc.want)
			}
			switch {
			case tc.want.Until == nil && got.Until != nil:
				t.Fatalf("ParseRecurrence(%q) Until = %v, want nil", tc.in, got.Until)
			case tc.want.Until != nil && (got.Until == nil || !got.Until.Equal(*tc.want.Until)):
				t.Fatalf("ParseRecurrence(%q) Until = %v, want %v", tc.in, got.Until, tc.want.Until)
			}
		})
	}
}

func TestParseRecurrenceRejects(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		in      string
		lim     Limits
		invalid bool // want *InvalidRecurrenceError rather than *ParseError
		reason  string
	}{
		{"limit and until", "every 1h limit 3 until tomorrow", Limits{}, true, "mutually exclusive"},
		{"below minimum", "every 2m", Limits{}, true, "below the minimum"},
		{"above maximum", "every 1h limit 26", Limits{}, true, "exceeds the maximum"},
		{"custom minimum", "every 30s", Limits{MinInterval: time.Minute}, true, "below the minimum"},
		{"custom maximum", "every 1h limit 6", Limits{MaxRepeats: 5}, true, "exceeds the maximum"},
		{"calendar interval", "every 1 month", Limits{}, true, "calendar units"},
		{"end in the past", "every 1h until 2 hours ago", Limits{}, true, "not in the future"},
		{"missing every", "hourly", Limits{}, false, "must start with"},
		{"zero limit", "every 1h limit 0", Limits{}, false, "bad limit"},
		{"junk limit", "every 1h limit three", Limits{}, false, "bad limit"},
		{"dangling until", "every 1h until", Limits{}, false, "expected a time expression"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			_, err := ParseRecurrence(tc.in, ref, tc.lim)
			if err == nil {
				t.Fatalf("ParseRecurrence(%q) succeeded, want error", tc.in)
			}
			if tc.invalid {
				var ie *InvalidRecurrenceError
				if !errors.As(err, &ie) {
					t.Fatalf("ParseRecurrence(%q) error type = %T, want *InvalidRecurrenceError", tc.in, err)
				}
				if !strings.Contains(ie.Reason, tc.reason) {
					t.Fatalf("ParseRecurrence(%q) reason = %q, want substring %q", tc.in, ie.Reason, tc.reason)
				}
				return
			}
			var pe *ParseError
			if !errors.As(err, &pe) {
				t.Fatalf("ParseRecurrence(%q) error type = %T, want *ParseError", tc.in, err)
			}
			if !strings.Contains(pe.Reason, tc.reason) {
				t.Fatalf("ParseRecurrence(%q) reason = %q, want substring %q", tc.in, pe.Reason, tc.reason)
			}
		})
	}
}

func TestRecurrenceExhausted(t *testing.T) {
	t.Parallel()
	until := ref.Add(3 * time.Hour)
	cases := []struct {
		name    string
		rec     Recurrence
		fired   int
		prevDue time.Time
		want    bool
	}{
		{"under limit", Recurrence{Every: time.Hour, Limit: 3}, 2, ref, false},
		{"at limit", Recurrence{Every: time.Hour, Limit: 3}, 3, ref, true},
		{"unbounded never exhausts", Recurrence{Every: time.Hour}, 1000, ref, false},
		{"next before until", Recurrence{Every: time.Hour, Until: &until}, 1, ref, false},
		{"next exactly at until still fires", Recurrence{Every: time.Hour, Until: &until}, 1, ref.Add(2 * time.Hour), false},
		{"next past until", Recurrence{Every: time.Hour, Until: &until}, 1, ref.Add(3 * time.Hour), true},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.rec.Exhausted(tc.fired, tc.prevDue); got != tc.want {
				t.Fatalf("Exhausted(%d, %v) = %v, want %v", tc.fired, tc.prevDue, got, tc.want)
			}
		})
	}
}

func TestRecurrenceString(t *testing.T) {
	t.Parallel()
	until := time.Date(2026, 9, 2, 10, 30, 0, 0, time.UTC)
	cases := []struct {
		name string
		rec  Recurrence
		want string
	}{
		{"plain", Recurrence{Every: time.Hour}, "every 1h0m0s"},
		{"limited", Recurrence{Every: 90 * time.Minute, Limit: 3}, "every 1h30m0s limit 3"},
		{"bounded by time", Recurrence{Every: time.Hour, Until: &until}, "every 1h0m0s until 2026-09-02 10:30"},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.rec.String(); got != tc.want {
				t.Fatalf("String() = %q, want %q", got, tc.want)
			}
		})
	}
}
