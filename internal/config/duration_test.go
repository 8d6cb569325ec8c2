package config

import (
	"strings"
	"testing"
	"time"
)

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	cases := []struct {
		raw    string
		want   time.Duration
		errSub string
	}{
		{"", 0, ""},
		{"10s", 10 * time.Second, ""},
		{" 2m ", 2 * time.Minute, ""},
		{"1h30m", 90 * time.Minute, ""},
		{"soon", 0, `x: invalid duration "soon"`},
		{"-5s", 0, "x: duration must be >= 0"},
	}
	for _, tc := range cases {
		got, err := ParseDurationField("x", tc.raw)
		if tc.errSub == "" {
			if err != nil || got != tc.want {
				t.Fatalf("ParseDurationField(%q) = %v, %v, want %v", tc.raw, got, err, tc.want)
			}
			continue
		}
		if err == nil || !strings.Contains(err.Error(), tc.errSub) {
			t.Fatalf("ParseDurationField(%q) error = %v, want substring %q", tc.raw, err, tc.errSub)
		}
	}
}

func TestParseDurationOrDefault(t *testing.T) {
	t.Parallel()
	def := 42 * time.Second
	if d, err := ParseDurationOrDefault("x", "", def); err != nil || d != def {
		t.Fatalf("empty = %v, %v, want default %v", d, err, def)
	}
	if d, err := ParseDurationOrDefault("x", "0s", def); err != nil || d != def {
		t.Fatalf("explicit zero = %v, %v, want default %v", d, err, def)
	}
	if d, err := ParseDurationOrDefault("x", "3s", def); err != nil || d != 3*time.Second {
		t.Fatalf("3s = %v, %v, want 3s", d, err)
	}
	if _, err := ParseDurationOrDefault("x", "bogus", def); err == nil {
		t.Fatalf("bogus duration accepted")
	}
}
