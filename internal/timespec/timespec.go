// Package timespec parses human time expressions into absolute instants.
//
// The parser is pure: the reference instant is always passed in, nothing
// here reads the wall clock. All results are returned in UTC. Expressions
// without an explicit zone are interpreted as UTC; explicit zones are
// limited to UTC, GMT, Z and numeric offsets ("UTC+5", "+05:30"). Named
// abbreviations like "EST" are rejected rather than guessed, as are
// day-of-week expressions ("friday"), which have no agreed anchor.
package timespec

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var isoLayouts = []string{
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
}

var (
	reOffset  = regexp.MustCompile(`^(?:utc|gmt)?([+-])(\d{1,2})(?::?(\d{2}))?$`)
	reClock   = regexp.MustCompile(`^(\d{1,2}):(\d{2})(am|pm)?$`)
	reClock12 = regexp.MustCompile(`^(\d{1,2})(am|pm)$`)
	reOrdinal = regexp.MustCompile(`^(\d{1,2})(?:st|nd|rd|th)?$`)
	reYear    = regexp.MustCompile(`^\d{4}$`)
	reAlpha   = regexp.MustCompile(`^[a-z]{2,5}$`)
)

var months = map[string]time.Month{
	"january": time.January, "jan": time.January,
	"february": time.February, "feb": time.February,
	"march": time.March, "mar": time.March,
	"april": time.April, "apr": time.April,
	"may":  time.May,
	"june": time.June, "jun": time.June,
	"july": time.July, "jul": time.July,
	"august": time.August, "aug": time.August,
	"september": time.September, "sept": time.September, "sep": time.September,
	"october": time.October, "oct": time.October,
	"november": time.November, "nov": time.November,
	"december": time.December, "dec": time.December,
}

var weekdays = map[string]bool{
	"monday": true, "mon": true,
	"tuesday": true, "tue": true, "tues": true,
	"wednesday": true, "wed": true,
	"thursday": true, "thu": true, "thurs": true,
	"friday": true, "fri": true,
	"saturday": true, "sat": true,
	"sunday": true, "sun": true,
}

// amount is a calendar-aware span: months and years shift by calendar
// arithmetic, everything finer is an exact duration.
type amount struct {
	years  int
	months int
	dur    time.Duration
}

func (a amount) addTo(t time.Time) time.Time {
	if a.years != 0 || a.months != 0 {
		t = t.AddDate(a.years, a.months, 0)
	}
	return t.Add(a.dur)
}

func (a amount) subFrom(t time.Time) time.Time {
	if a.years != 0 || a.months != 0 {
		t = t.AddDate(-a.years, -a.months, 0)
	}
	return t.Add(-a.dur)
}

// Parse resolves a time expression against the reference instant now.
// Recognized forms include "now", ISO dates and datetimes, RFC 3339,
// relative offsets ("in 2h30m", "3 days ago", "2 hours from now"),
// day words ("tomorrow at 8am"), month-name dates ("15 september",
// "Jan 2 2027 at 15:00") and bare clock times ("16:30", "3pm"), which
// resolve to the next occurrence. The result is always UTC.
func Parse(raw string, now time.Time) (time.Time, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, parseErr(raw, "empty time expression")
	}
	now = now.UTC()

	low := strings.ToLower(s)
	if low == "now" {
		return now, nil
	}

	// Unambiguous machine formats first.
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.UTC(), nil
	}
	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t, nil
		}
	}

	fields := tokenize(low)
	loc := time.UTC
	zoneStripped := false
	if len(fields) > 1 {
		if l, ok := parseZone(fields[len(fields)-1]); ok {
			loc = l
			fields = fields[:len(fields)-1]
			zoneStripped = true
		}
	}

	t, err := parseFields(raw, fields, now, loc)
	if err == nil {
		return t.UTC(), nil
	}

	// A trailing alphabetic token that blocks an otherwise valid parse is
	// almost always a zone abbreviation we refuse to guess at.
	if !zoneStripped && len(fields) > 1 {
		last := fields[len(fields)-1]
		if reAlpha.MatchString(last) && !isUnit(last) {
			if _, err2 := parseFields(raw, fields[:len(fields)-1], now, loc); err2 == nil {
				return time.Time{}, parseErr(raw, "unrecognized timezone %q (use UTC, GMT, or a numeric offset like +05:30)", last)
			}
		}
	}
	return time.Time{}, err
}

func tokenize(low string) []string {
	fields := strings.Fields(low)
	out := fields[:0]
	for _, f := range fields {
		f = strings.Trim(f, ",")
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func parseFields(raw string, fields []string, now time.Time, loc *time.Location) (time.Time, error) {
	if len(fields) == 0 {
		return time.Time{}, parseErr(raw, "empty time expression")
	}

	if wd := leadingWeekday(fields); wd != "" {
		return time.Time{}, parseErr(raw, "day-of-week %q is ambiguous; give a date like %q or a relative time like %q", wd, "15 september", "in 3 days")
	}

	switch {
	case fields[0] == "in":
		amt, err := parseAmounts(raw, fields[1:])
		if err != nil {
			return time.Time{}, err
		}
		return amt.addTo(now), nil

	case fields[len(fields)-1] == "ago":
		amt, err := parseAmounts(raw, fields[:len(fields)-1])
		if err != nil {
			return time.Time{}, err
		}
		return amt.subFrom(now), nil

	case len(fields) > 2 && fields[len(fields)-2] == "from" && fields[len(fields)-1] == "now":
		amt, err := parseAmounts(raw, fields[:len(fields)-2])
		if err != nil {
			return time.Time{}, err
		}
		return amt.addTo(now), nil
	}

	if t, ok, err := parseDayWord(raw, fields, now, loc); ok {
		return t, err
	}

	// ISO forms again, this time with an explicit zone stripped off.
	joined := strings.Join(fields, " ")
	for _, layout := range isoLayouts {
		if t, err := time.ParseInLocation(layout, joined, loc); err == nil {
			return t, nil
		}
	}

	if t, ok, err := parseMonthDate(raw, fields, now, loc); ok {
		return t, err
	}

	if len(fields) <= 2 {
		clockFields := fields
		if clockFields[0] == "at" {
			clockFields = clockFields[1:]
		}
		if hh, mm, ok, err := parseClock(raw, clockFields); ok {
			if err != nil {
				return time.Time{}, err
			}
			local := now.In(loc)
			t := time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, loc)
			if !t.After(now) {
				t = t.AddDate(0, 0, 1)
			}
			return t, nil
		}
	}

	// Bare offsets ("2h30m", "2 hours") read as a future delay.
	if amt, err := parseAmounts(raw, fields); err == nil {
		return amt.addTo(now), nil
	}

	return time.Time{}, parseErr(raw, "unrecognized time expression (try %q, %q, %q, or %q)",
		"in 2h30m", "2026-09-15 14:00", "tomorrow at 8am", "15 september at 14:00")
}

func leadingWeekday(fields []string) string {
	i := 0
	if fields[0] == "next" || fields[0] == "this" || fields[0] == "on" {
		if len(fields) == 1 {
			return ""
		}
		i = 1
	}
	if weekdays[fields[i]] {
		return fields[i]
	}
	return ""
}

func parseZone(tok string) (*time.Location, bool) {
	switch tok {
	case "z", "utc", "gmt":
		return time.UTC, true
	}
	m := reOffset.FindStringSubmatch(tok)
	if m == nil {
		return nil, false
	}
	hh, _ := strconv.Atoi(m[2])
	mm := 0
	if m[3] != "" {
		mm, _ = strconv.Atoi(m[3])
	}
	if hh > 14 || mm > 59 {
		return nil, false
	}
	offset := hh*3600 + mm*60
	if m[1] == "-" {
		offset = -offset
	}
	name := fmt.Sprintf("UTC%s%02d:%02d", m[1], hh, mm)
	return time.FixedZone(name, offset), true
}

// parseAmounts reads either a single Go duration token ("2h30m") or an
// alternating count/unit list ("2 hours 30 minutes", "3 days").
func parseAmounts(raw string, fields []string) (amount, error) {
	if len(fields) == 0 {
		return amount{}, parseErr(raw, "missing duration after keyword")
	}
	if len(fields) == 1 {
		if d, err := time.ParseDuration(fields[0]); err == nil {
			if d < 0 {
				return amount{}, parseErr(raw, "negative duration %q", fields[0])
			}
			return amount{dur: d}, nil
		}
	}
	if len(fields)%2 != 0 {
		return amount{}, parseErr(raw, "malformed duration %q (use pairs like %q or a compact form like %q)",
			strings.Join(fields, " "), "2 hours 30 minutes", "2h30m")
	}
	var amt amount
	for i := 0; i < len(fields); i += 2 {
		n, err := strconv.Atoi(fields[i])
		if err != nil || n < 0 {
			return amount{}, parseErr(raw, "bad count %q in duration", fields[i])
		}
		switch unitOf(fields[i+1]) {
		case "second":
			amt.dur += time.Duration(n) * time.Second
		case "minute":
			amt.dur += time.Duration(n) * time.Minute
		case "hour":
			amt.dur += time.Duration(n) * time.Hour
		case "day":
			amt.dur += time.Duration(n) * 24 * time.Hour
		case "week":
			amt.dur += time.Duration(n) * 7 * 24 * time.Hour
		case "month":
			amt.months += n
		case "year":
			amt.years += n
		default:
			return amount{}, parseErr(raw, "unknown time unit %q", fields[i+1])
		}
	}
	return amt, nil
}

func unitOf(tok string) string {
	switch tok {
	case "second", "seconds", "sec", "secs", "s":
		return "second"
	case "minute", "minutes", "min", "mins", "m":
		return "minute"
	case "hour", "hours", "hr", "hrs", "h":
		return "hour"
	case "day", "days", "d":
		return "day"
	case "week", "weeks", "w":
		return "week"
	case "month", "months", "mo":
		return "month"
	case "year", "years", "y", "yr", "yrs":
		return "year"
	}
	return ""
}

func isUnit(tok string) bool { return unitOf(tok) != "" }

func parseDayWord(raw string, fields []string, now time.Time, loc *time.Location) (time.Time, bool, error) {
	var dayShift int
	switch fields[0] {
	case "today":
		dayShift = 0
	case "tomorrow":
		dayShift = 1
	case "yesterday":
		dayShift = -1
	default:
		return time.Time{}, false, nil
	}

	rest := fields[1:]
	if len(rest) == 0 {
		// Same wall time on the shifted day.
		return now.In(loc).AddDate(0, 0, dayShift), true, nil
	}
	if rest[0] == "at" {
		rest = rest[1:]
	}
	hh, mm, ok, err := parseClock(raw, rest)
	if !ok {
		return time.Time{}, true, parseErr(raw, "expected a clock time after %q (like %q or %q)", fields[0], "8am", "15:04")
	}
	if err != nil {
		return time.Time{}, true, err
	}
	local := now.In(loc).AddDate(0, 0, dayShift)
	return time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, loc), true, nil
}

// parseClock reads "15:04", "8am", "8:30pm", "noon" or "midnight" from the
// given tokens. ok reports whether the tokens looked like a clock time at
// all; err reports a clock time with out-of-range parts.
func parseClock(raw string, fields []string) (hh, mm int, ok bool, err error) {
	if len(fields) != 1 {
		return 0, 0, false, nil
	}
	tok := fields[0]
	switch tok {
	case "noon":
		return 12, 0, true, nil
	case "midnight":
		return 0, 0, true, nil
	}
	if m := reClock.FindStringSubmatch(tok); m != nil {
		hh, _ = strconv.Atoi(m[1])
		mm, _ = strconv.Atoi(m[2])
		if m[3] != "" {
			hh, err = to24Hour(hh, m[3])
			if err != nil {
				return 0, 0, true, parseErr(raw, "%v", err)
			}
		} else if hh > 23 {
			return 0, 0, true, parseErr(raw, "hour %d out of range", hh)
		}
		if mm > 59 {
			return 0, 0, true, parseErr(raw, "minute %d out of range", mm)
		}
		return hh, mm, true, nil
	}
	if m := reClock12.FindStringSubmatch(tok); m != nil {
		hh, _ = strconv.Atoi(m[1])
		hh, err = to24Hour(hh, m[2])
		if err != nil {
			return 0, 0, true, parseErr(raw, "%v", err)
		}
		return hh, 0, true, nil
	}
	return 0, 0, false, nil
}

func to24Hour(hh int, meridiem string) (int, error) {
	if hh < 1 || hh > 12 {
		return 0, fmt.Errorf("hour %d out of range for %s", hh, meridiem)
	}
	if hh == 12 {
		hh = 0
	}
	if meridiem == "pm" {
		hh += 12
	}
	return hh, nil
}

// parseMonthDate reads "15 september", "sep 15 2026", "January 2 2027",
// each with an optional trailing clock clause. A date without a year
// resolves to the next future occurrence.
func parseMonthDate(raw string, fields []string, now time.Time, loc *time.Location) (time.Time, bool, error) {
	var (
		day      int
		month    time.Month
		year     int
		consumed int
	)

	dayTok := func(tok string) (int, bool) {
		m := reOrdinal.FindStringSubmatch(tok)
		if m == nil {
			return 0, false
		}
		n, _ := strconv.Atoi(m[1])
		return n, true
	}

	if mo, ok := months[fields[0]]; ok {
		if len(fields) < 2 {
			return time.Time{}, false, nil
		}
		d, ok := dayTok(fields[1])
		if !ok {
			return time.Time{}, false, nil
		}
		month, day, consumed = mo, d, 2
	} else if d, ok := dayTok(fields[0]); ok && len(fields) >= 2 {
		mo, ok := months[fields[1]]
		if !ok {
			return time.Time{}, false, nil
		}
		month, day, consumed = mo, d, 2
	} else {
		return time.Time{}, false, nil
	}

	if consumed < len(fields) && reYear.MatchString(fields[consumed]) {
		year, _ = strconv.Atoi(fields[consumed])
		consumed++
	}

	hh, mm := 0, 0
	rest := fields[consumed:]
	if len(rest) > 0 {
		if rest[0] == "at" {
			rest = rest[1:]
		}
		var ok bool
		var err error
		hh, mm, ok, err = parseClock(raw, rest)
		if !ok {
			return time.Time{}, true, parseErr(raw, "trailing %q after date (expected a clock time)", strings.Join(rest, " "))
		}
		if err != nil {
			return time.Time{}, true, err
		}
	}

	hadYear := year != 0
	if !hadYear {
		year = now.In(loc).Year()
	}
	t := time.Date(year, month, day, hh, mm, 0, 0, loc)
	if t.Day() != day || t.Month() != month {
		return time.Time{}, true, parseErr(raw, "no such date: %d %s %d", day, month, year)
	}
	if !hadYear && !t.After(now) {
		t = t.AddDate(1, 0, 0)
		if t.Day() != day || t.Month() != month {
			return time.Time{}, true, parseErr(raw, "no such date: %d %s %d", day, month, t.Year())
		}
	}
	return t, true, nil
}
