package timespec

import (
	"fmt"
	"strings"
	"time"
)

// Recurrence describes how a task repeats after its first due time.
// At most one of Limit and Until is set: Limit caps the total number of
// occurrences, Until cuts the series off at an absolute instant. With
// neither set the series runs until cancelled.
type Recurrence struct {
	Every time.Duration
	Limit int
	Until *time.Time
}

// Bounded reports whether the series terminates on its own.
func (r Recurrence) Bounded() bool {
	return r.Limit > 0 || r.Until != nil
}

// Exhausted reports whether the series is complete after fired occurrences,
// the last of which was due at prevDue. An occurrence falling exactly on
// Until still fires; only strictly-later ones are cut off.
func (r Recurrence) Exhausted(fired int, prevDue time.Time) bool {
	if r.Limit > 0 && fired >= r.Limit {
		return true
	}
	if r.Until != nil && prevDue.Add(r.Every).After(*r.Until) {
		return true
	}
	return false
}

func (r Recurrence) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "every %s", r.Every)
	switch {
	case r.Limit > 0:
		fmt.Fprintf(&b, " limit %d", r.Limit)
	case r.Until != nil:
		fmt.Fprintf(&b, " until %s", r.Until.Format("2006-01-02 15:04"))
	}
	return b.String()
}

// Limits bounds what a recurrence clause may ask for. Zero values fall
// back to the documented defaults.
type Limits struct {
	MinInterval time.Duration
	MaxRepeats  int
}

// DefaultLimits returns the stock constraints: intervals of at least five
// minutes, at most 25 occurrences per limited series.
func DefaultLimits() Limits {
	return Limits{MinInterval: 5 * time.Minute, MaxRepeats: 25}
}

func (l Limits) minInterval() time.Duration {
	if l.MinInterval > 0 {
		return l.MinInterval
	}
	return 5 * time.Minute
}

func (l Limits) maxRepeats() int {
	if l.MaxRepeats > 0 {
		return l.MaxRepeats
	}
	return 25
}

// ParseRecurrence reads a recurrence clause of the form
//
//	every <interval> [limit <n> | until <timespec>]
//
// The interval accepts the same duration forms as Parse ("30m",
// "1 hour 30 minutes"). The clause is validated against lim; violations
// come back as *InvalidRecurrenceError, malformed input as *ParseError.
func ParseRecurrence(raw string, now time.Time, lim Limits) (Recurrence, error) {
	fields := tokenize(strings.ToLower(strings.TrimSpace(raw)))
	if len(fields) == 0 || fields[0] != "every" {
		return Recurrence{}, parseErr(raw, "recurrence must start with %q (like %q)", "every", "every 1h limit 3")
	}
	fields = fields[1:]

	limitAt, untilAt := -1, -1
	for i, f := range fields {
		switch f {
		case "limit":
			limitAt = i
		case "until":
			untilAt = i
		}
	}
	if limitAt >= 0 && untilAt >= 0 {
		return Recurrence{}, recurErr("limit and until are mutually exclusive; give one or the other")
	}

	intervalEnd := len(fields)
	if limitAt >= 0 {
		intervalEnd = limitAt
	} else if untilAt >= 0 {
		intervalEnd = untilAt
	}

	amt, err := parseAmounts(raw, fields[:intervalEnd])
	if err != nil {
		return Recurrence{}, err
	}
	if amt.years != 0 || amt.months != 0 {
		return Recurrence{}, recurErr("calendar units (months, years) are not allowed in an interval; use days or weeks")
	}
	every := amt.dur
	if every < lim.minInterval() {
		return Recurrence{}, recurErr("interval %s is below the minimum of %s", every, lim.minInterval())
	}

	rec := Recurrence{Every: every}
	switch {
	case limitAt >= 0:
		rest := fields[limitAt+1:]
		if len(rest) != 1 {
			return Recurrence{}, parseErr(raw, "expected a single number after %q", "limit")
		}
		n, convErr := parsePositiveInt(rest[0])
		if convErr != nil {
			return Recurrence{}, parseErr(raw, "bad limit %q: must be a positive number", rest[0])
		}
		if n > lim.maxRepeats() {
			return Recurrence{}, recurErr("limit %d exceeds the maximum of %d occurrences", n, lim.maxRepeats())
		}
		rec.Limit = n

	case untilAt >= 0:
		rest := fields[untilAt+1:]
		if len(rest) == 0 {
			return Recurrence{}, parseErr(raw, "expected a time expression after %q", "until")
		}
		end, parseErr2 := Parse(strings.Join(rest, " "), now)
		if parseErr2 != nil {
			return Recurrence{}, parseErr2
		}
		if !end.After(now) {
			return Recurrence{}, recurErr("end time %s is not in the future", end.Format("2006-01-02 15:04"))
		}
		rec.Until = &end
	}
	return rec, nil
}

func parsePositiveInt(tok string) (int, error) {
	n := 0
	for _, r := range tok {
		if r < '0' || r > '9' {
			return 0, fmt.Errorf("not a number")
		}
		n = n*10 + int(r-'0')
		if n > 1<<30 {
			return 0, fmt.Errorf("too large")
		}
	}
	if n == 0 {
		return 0, fmt.Errorf("zero")
	}
	return n, nil
}
