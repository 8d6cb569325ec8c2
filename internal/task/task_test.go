package task

import (
	"strings"
	"testing"
	"time"

	"wardenbot/internal/timespec"
)

var ref = time.Date(2026, time.September, 1, 10, 0, 0, 0, time.UTC)

func TestNextDue(t *testing.T) {
	t.Parallel()
	until := ref.Add(2 * time.Hour)
	cases := []struct {
		name     string
		task     Task
		wantNext time.Time
		wantOK   bool
	}{
		{
			name:   "one-shot has no next",
			task:   Task{Due: ref},
			wantOK: false,
		},
		{
			name:     "unbounded advances by interval",
			task:     Task{Due: ref, Recur: &timespec.Recurrence{Every: time.Hour}, Fired: 7},
			wantNext: ref.Add(time.Hour),
			wantOK:   true,
		},
		{
			name:     "limited with occurrences left",
			task:     Task{Due: ref, Recur: &timespec.Recurrence{Every: time.Hour, Limit: 3}, Fired: 1},
			wantNext: ref.Add(time.Hour),
			wantOK:   true,
		},
		{
			name:   "limited series ends on last fire",
			task:   Task{Due: ref, Recur: &timespec.Recurrence{Every: time.Hour, Limit: 3}, Fired: 2},
			wantOK: false,
		},
		{
			name:     "until with room left",
			task:     Task{Due: ref, Recur: &timespec.Recurrence{Every: time.Hour, Until: &until}, Fired: 1},
			wantNext: ref.Add(time.Hour),
			wantOK:   true,
		},
		{
			name:   "until cut off",
			task:   Task{Due: ref.Add(2 * time.Hour), Recur: &timespec.Recurrence{Every: time.Hour, Until: &until}, Fired: 3},
			wantOK: false,
		},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			next, ok := tc.task.NextDue()
			if ok != tc.wantOK {
				t.Fatalf("NextDue() ok = %v, want %v", ok, tc.wantOK)
			}
			if ok && !next.Equal(tc.wantNext) {
				t.Fatalf("NextDue() = %v, want %v", next, tc.wantNext)
			}
		})
	}
}

func TestNextDueNeverDrifts(t *testing.T) {
	t.Parallel()
	// Walking a series forward always lands on due+N*interval, regardless of
	// when each occurrence actually fired.
	tk := Task{Due: ref, Recur: &timespec.Recurrence{Every: time.Hour, Limit: 5}, State: StatePending}
	for i := 0; i < 4; i++ {
		next, ok := tk.NextDue()
		if !ok {
			t.Fatalf("series ended after %d fires, want 5", i+1)
		}
		if want := ref.Add(time.Duration(i+1) * time.Hour); !next.Equal(want) {
			t.Fatalf("occurrence %d due = %v, want %v", i+1, next, want)
		}
		tk.Due = next
		tk.Fired++
	}
	tk.Fired++
	if _, ok := tk.NextDue(); ok {
		t.Fatalf("series continued past its limit")
	}
}

func TestPayloadCodec(t *testing.T) {
	t.Parallel()
	in := Payload{Kind: PayloadMessage, ChatID: -100123, Text: "drink water"}
	raw, err := EncodePayload(in)
	if err != nil {
		t.Fatalf("EncodePayload error: %v", err)
	}
	out, err := DecodePayload(raw)
	if err != nil {
		t.Fatalf("DecodePayload error: %v", err)
	}
	if out != in {
		t.Fatalf("roundtrip = %+v, want %+v", out, in)
	}
	if _, err := DecodePayload("{broken"); err == nil {
		t.Fatalf("DecodePayload accepted malformed input")
	}
}

func TestDescribe(t *testing.T) {
	t.Parallel()
	tk := Task{
		ID:      42,
		Due:     ref,
		Recur:   &timespec.Recurrence{Every: time.Hour, Limit: 3},
		Fired:   1,
		Payload: Payload{Kind: PayloadMessage, Text: "stand up"},
	}
	got := tk.Describe()
	for _, want := range []string{"#42", "every 1h0m0s", "limit 3", "(fired 1)", "stand up"} {
		if !strings.Contains(got, want) {
			t.Fatalf("Describe() = %q, missing %q", got, want)
		}
	}

	long := Task{ID: 1, Due: ref, Payload: Payload{Text: strings.Repeat("x", 100)}}
	if got := long.Describe(); !strings.Contains(got, "...") {
		t.Fatalf("Describe() did not truncate long text: %q", got)
	}
}
