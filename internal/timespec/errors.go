package timespec

import "fmt"

// ParseError reports a time expression that matches no recognized grammar.
// The message is meant to be surfaced to the user verbatim.
type ParseError struct {
	Input  string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("cannot parse time %q: %s", e.Input, e.Reason)
}

func parseErr(input, format string, args ...any) error {
	return &ParseError{Input: input, Reason: fmt.Sprintf(format, args...)}
}

// InvalidRecurrenceError reports a recurrence clause that violates the
// configured interval/limit constraints.
type InvalidRecurrenceError struct {
	Reason string
}

func (e *InvalidRecurrenceError) Error() string {
	return "invalid recurrence: " + e.Reason
}

func recurErr(format string, args ...any) error {
	return &InvalidRecurrenceError{Reason: fmt.Sprintf(format, args...)}
}
