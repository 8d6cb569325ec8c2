// Package task defines the scheduled-task model shared by the store, the
// scheduler and the command surface.
package task

import (
	"encoding/json"
	"fmt"
	"time"

	"wardenbot/internal/timespec"
)

// State is the lifecycle position of a task. Pending tasks are owned by the
// scheduler; fired and cancelled are terminal.
type State string

const (
	StatePending   State = "pending"
	StateFired     State = "fired"
	StateCancelled State = "cancelled"
)

// Payload kinds.
const (
	PayloadMessage = "message"
)

// Payload is what a due occurrence delivers. Stored as JSON alongside the
// task row so new kinds don't need schema changes.
type Payload struct {
	Kind   string `json:"kind"`
	ChatID int64  `json:"chat_id"`
	Text   string `json:"text"`
}

// EncodePayload renders a payload for storage.
func EncodePayload(p Payload) (string, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encode payload: %w", err)
	}
	return string(b), nil
}

// DecodePayload parses a stored payload.
func DecodePayload(raw string) (Payload, error) {
	var p Payload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return Payload{}, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// Task is one scheduled unit of future work. IDs are store-assigned and
// monotonic, so they double as the insertion-order tie-break for tasks
// sharing a due instant. All times are UTC.
type Task struct {
	ID        int64
	Owner     int64
	Due       time.Time
	Recur     *timespec.Recurrence
	Fired     int
	Payload   Payload
	State     State
	CreatedAt time.Time
}

// NewReminder builds a pending one-shot or recurring message task.
func NewReminder(owner, chatID int64, due time.Time, text string, recur *timespec.Recurrence, now time.Time) Task {
	return Task{
		Owner:     owner,
		Due:       due.UTC(),
		Recur:     recur,
		Payload:   Payload{Kind: PayloadMessage, ChatID: chatID, Text: text},
		State:     StatePending,
		CreatedAt: now.UTC(),
	}
}

// Recurring reports whether the task re-arms after firing.
func (t *Task) Recurring() bool {
	return t.Recur != nil && t.Recur.Every > 0
}

// NextDue returns the due time of the occurrence after the current one,
// assuming the current one fires now. The next due is always prevDue+Every,
// never recomputed from the wall clock, so a delayed fire does not drift
// the series. ok is false when the series ends with the current occurrence.
func (t *Task) NextDue() (next time.Time, ok bool) {
	if !t.Recurring() {
		return time.Time{}, false
	}
	if t.Recur.Exhausted(t.Fired+1, t.Due) {
		return time.Time{}, false
	}
	return t.Due.Add(t.Recur.Every), true
}

// Describe renders a one-line human summary for list output.
func (t *Task) Describe() string {
	s := fmt.Sprintf("#%d due %s", t.ID, t.Due.Format("2006-01-02 15:04 MST"))
	if t.Recurring() {
		s += " " + t.Recur.String()
		if t.Fired > 0 {
			s += fmt.Sprintf(" (fired %d)", t.Fired)
		}
	}
	if t.Payload.Text != "" {
		text := t.Payload.Text
		if r := []rune(text); len(r) > 60 {
			text = string(r[:57]) + "..."
		}
		s += ": " + text
	}
	return s
}
