package eventbus

// Type names an event on the bus. Constants below are the full set published by
// wardenbot's own services; cogs and tests may publish ad-hoc types.
type Type string

const (
	// Scheduler / task lifecycle.
	TaskScheduled      Type = "task.scheduled"
	TaskCancelled      Type = "task.cancelled"
	TaskFired          Type = "task.fired"
	TaskExhausted      Type = "task.exhausted"
	TaskDelivered      Type = "task.delivered"
	TaskDeliveryFailed Type = "task.delivery_failed"

	// Moderation notes.
	NoteAdded         Type = "note.added"
	NoteRemoved       Type = "note.removed"
	NoteRestored      Type = "note.restored"
	NotePurged        Type = "note.purged"
	NoteExpiryChanged Type = "note.expiry_changed"

	// Enforcement passes.
	EnforcePass         Type = "enforce.pass"
	EnforceApplied      Type = "enforce.applied"
	EnforceRemoved      Type = "enforce.removed"
	EnforceActionFailed Type = "enforce.action_failed"

	// Config lifecycle.
	ConfigReloaded Type = "config.reloaded"
)

// TaskEvent is the payload for task.* events.
type TaskEvent struct {
	TaskID     int64  `json:"task_id"`
	Owner      int64  `json:"owner"`
	Occurrence string `json:"occurrence,omitempty"`
	Error      string `json:"error,omitempty"`
}

// NoteEvent is the payload for note.* events.
type NoteEvent struct {
	NoteID  int64  `json:"note_id"`
	Subject int64  `json:"subject"`
	Kind    string `json:"kind"`
}

// EnforceEvent is the payload for enforce.* events.
type EnforceEvent struct {
	Subject int64  `json:"subject,omitempty"`
	Action  string `json:"action,omitempty"`
	Reason  string `json:"reason,omitempty"`
	Applied int    `json:"applied,omitempty"`
	Removed int    `json:"removed,omitempty"`
	Failed  int    `json:"failed,omitempty"`
	Error   string `json:"error,omitempty"`
}
