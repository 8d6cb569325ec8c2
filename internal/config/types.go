package config

type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`

	// Storage is the durable backing for tasks and moderation notes.
	// The process refuses to start without a working store.
	Storage StorageConfig `json:"storage"`

	// Scheduler controls the reminder/recurring-task timeline.
	Scheduler SchedulerConfig `json:"scheduler,omitempty"`

	// Reminders controls user-facing scheduling limits.
	Reminders RemindersConfig `json:"reminders,omitempty"`

	// Enforcement controls the temporary-sanction reconciliation passes.
	Enforcement EnforcementConfig `json:"enforcement"`

	// Notify controls the outbound delivery pipeline.
	Notify NotifyConfig `json:"notify,omitempty"`

	// Pprof controls the optional profiling endpoint.
	Pprof PprofConfig `json:"pprof,omitempty"`

	// Maintenance controls periodic store housekeeping.
	Maintenance MaintenanceConfig `json:"maintenance,omitempty"`
}

type TelegramConfig struct {
	Token        string  `json:"token"`
	OwnerUserIDs []int64 `json:"owner_user_ids"`
	// PollTimeout is a Go duration string (e.g. "10s", "2m").
	PollTimeout string `json:"poll_timeout,omitempty"`
	// UpdatesBuffer sizes the incoming update channel between adapter and router.
	UpdatesBuffer int `json:"updates_buffer,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// StorageConfig selects the persistence driver.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./wardenbot.db" }
//
// The "memory" driver exists for tests and throwaway runs; it is not durable
// and loses all tasks and notes on restart.
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the task timeline.
//
// MaxBatch bounds how many due tasks a single wake-up claims before the loop
// re-evaluates; 0 means the default (64).
type SchedulerConfig struct {
	MaxBatch int `json:"max_batch,omitempty"`
}

// RemindersConfig controls user-facing scheduling limits.
//
// Defaults (when fields are omitted/zero):
//   - quota: 10 pending tasks per owner
//   - min_interval: "5m"
//   - max_repeats: 25
type RemindersConfig struct {
	Quota int `json:"quota,omitempty"`
	// MinInterval is the smallest accepted recurrence interval (Go duration string).
	MinInterval string `json:"min_interval,omitempty"`
	MaxRepeats  int    `json:"max_repeats,omitempty"`
}

// EnforcementConfig controls temporary-sanction reconciliation.
//
// GroupID is the chat where sanctions are applied. Interval defaults to "1h";
// run_on_start defaults to true (a pass runs as soon as the service is up).
type EnforcementConfig struct {
	GroupID  int64  `json:"group_id"`
	Interval string `json:"interval,omitempty"`
	// RunOnStart is a pointer so "omitted" (default true) and an explicit
	// false can be told apart.
	RunOnStart *bool `json:"run_on_start,omitempty"`
	// ActionTimeout bounds each apply/remove call (Go duration string).
	ActionTimeout string `json:"action_timeout,omitempty"`
	// TempbanFor is the default sanction length used by the tempban command
	// when no explicit expiry is given. Defaults to "168h" (7 days).
	TempbanFor string `json:"tempban_for,omitempty"`
}

// NotifyConfig controls the outbound delivery pipeline.
//
// All durations are Go duration strings. Defaults:
//   - workers: 2, queue: 256, rate_per_sec: 20, burst: 5, send_timeout: "10s"
type NotifyConfig struct {
	Workers     int    `json:"workers,omitempty"`
	QueueSize   int    `json:"queue_size,omitempty"`
	RatePerSec  int    `json:"rate_per_sec,omitempty"`
	Burst       int    `json:"burst,omitempty"`
	SendTimeout string `json:"send_timeout,omitempty"`
}

// PprofConfig controls the optional profiling HTTP endpoint.
//
// It binds to loopback by default; a non-loopback addr is only accepted
// together with a token.
type PprofConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"` // host:port, default "127.0.0.1:6060"
	Token   string `json:"token,omitempty"`
}

// MaintenanceConfig controls daily store housekeeping.
//
// RetainTerminal is how long fired/cancelled task rows are kept before the
// daily sweep deletes them (default "720h" = 30 days). DailyAt is an HH:MM
// wall-clock time, default "04:30".
type MaintenanceConfig struct {
	RetainTerminal string `json:"retain_terminal,omitempty"`
	DailyAt        string `json:"daily_at,omitempty"`
}
