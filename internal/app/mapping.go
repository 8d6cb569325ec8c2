package app

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"wardenbot/internal/enforce"
	"wardenbot/internal/notify"
	"wardenbot/internal/observability/pprof"
	"wardenbot/internal/sched"
	"wardenbot/internal/store"
	logx "wardenbot/pkg/logx"
)

func mapLogConfig(cfg *Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	}
}

func mapStoreConfig(cfg *Config) (store.Config, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	if driver == "" {
		driver = "sqlite"
	}
	path := strings.TrimSpace(cfg.Storage.Path)

	switch driver {
	case "memory":
		return store.Config{Driver: "memory"}, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return store.Config{}, fmt.Errorf("storage.path is required when storage.driver=sqlite")
		}
		busy, err := parseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
		if err != nil {
			return store.Config{}, err
		}
		return store.Config{Driver: "sqlite", Path: path, BusyTimeout: busy}, nil
	default:
		return store.Config{}, fmt.Errorf("unknown storage.driver: %s", cfg.Storage.Driver)
	}
}

func mapSchedConfig(cfg *Config) sched.Config {
	return sched.Config{
		MaxBatch: cfg.Scheduler.MaxBatch,
		Quota:    reminderQuota(cfg),
	}
}

func reminderQuota(cfg *Config) int {
	if cfg.Reminders.Quota > 0 {
		return cfg.Reminders.Quota
	}
	return 10
}

func mapNotifyConfig(cfg *Config) (notify.Config, error) {
	sendTimeout, err := parseDurationField("notify.send_timeout", cfg.Notify.SendTimeout)
	if err != nil {
		return notify.Config{}, err
	}
	return notify.Config{
		Workers:     cfg.Notify.Workers,
		QueueSize:   cfg.Notify.QueueSize,
		RatePerSec:  float64(cfg.Notify.RatePerSec),
		Burst:       cfg.Notify.Burst,
		SendTimeout: sendTimeout,
	}, nil
}

func mapEnforceConfig(cfg *Config) (enforce.Config, error) {
	actionTimeout, err := parseDurationField("enforcement.action_timeout", cfg.Enforcement.ActionTimeout)
	if err != nil {
		return enforce.Config{}, err
	}
	return enforce.Config{ActionTimeout: actionTimeout}, nil
}

func mapPprofConfig(cfg *Config) pprof.Config {
	return pprof.Config{
		Enabled: cfg.Pprof.Enabled,
		Addr:    strings.TrimSpace(cfg.Pprof.Addr),
		Token:   strings.TrimSpace(cfg.Pprof.Token),
	}
}

func enforceInterval(cfg *Config) (time.Duration, error) {
	return parseDurationOrDefault("enforcement.interval", cfg.Enforcement.Interval, time.Hour)
}

func runEnforceOnStart(cfg *Config) bool {
	if cfg.Enforcement.RunOnStart == nil {
		return true
	}
	return *cfg.Enforcement.RunOnStart
}

func maintenanceRetain(cfg *Config) (time.Duration, error) {
	return parseDurationOrDefault("maintenance.retain_terminal", cfg.Maintenance.RetainTerminal, 720*time.Hour)
}

func maintenanceDailyAt(cfg *Config) string {
	at := strings.TrimSpace(cfg.Maintenance.DailyAt)
	if at == "" {
		return "04:30"
	}
	return at
}

// validateConfig gates both the initial load and every hot reload. A config
// that fails here is never committed, so running services keep their last
// good settings.
func validateConfig(_ context.Context, cfg *Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := parseDurationField("telegram.poll_timeout", cfg.Telegram.PollTimeout); err != nil {
		return err
	}
	if cfg.Telegram.UpdatesBuffer < 0 {
		return fmt.Errorf("telegram.updates_buffer must be >= 0")
	}

	if cfg.Scheduler.MaxBatch < 0 {
		return fmt.Errorf("scheduler.max_batch must be >= 0")
	}

	if cfg.Reminders.Quota < 0 {
		return fmt.Errorf("reminders.quota must be >= 0")
	}
	if cfg.Reminders.MaxRepeats < 0 {
		return fmt.Errorf("reminders.max_repeats must be >= 0")
	}
	if d, err := parseDurationField("reminders.min_interval", cfg.Reminders.MinInterval); err != nil {
		return err
	} else if d != 0 && d < time.Minute {
		return fmt.Errorf("reminders.min_interval must be at least 1m")
	}

	if d, err := enforceInterval(cfg); err != nil {
		return err
	} else if d < time.Minute {
		return fmt.Errorf("enforcement.interval must be at least 1m")
	}
	if _, err := parseDurationField("enforcement.action_timeout", cfg.Enforcement.ActionTimeout); err != nil {
		return err
	}
	if _, err := parseDurationField("enforcement.tempban_for", cfg.Enforcement.TempbanFor); err != nil {
		return err
	}

	if cfg.Notify.Workers < 0 || cfg.Notify.QueueSize < 0 || cfg.Notify.RatePerSec < 0 || cfg.Notify.Burst < 0 {
		return fmt.Errorf("notify values must be >= 0")
	}
	if _, err := mapNotifyConfig(cfg); err != nil {
		return err
	}

	if _, err := mapStoreConfig(cfg); err != nil {
		return err
	}

	if cfg.Pprof.Enabled {
		addr := strings.TrimSpace(cfg.Pprof.Addr)
		if addr == "" {
			addr = "127.0.0.1:6060"
		}
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("pprof.addr: invalid %q (want host:port)", addr)
		}
		if !pprof.Loopback(addr) && strings.TrimSpace(cfg.Pprof.Token) == "" {
			return fmt.Errorf("pprof.addr: non-loopback bind requires pprof.token")
		}
	}

	if _, err := maintenanceRetain(cfg); err != nil {
		return err
	}
	if at := strings.TrimSpace(cfg.Maintenance.DailyAt); at != "" {
		if _, err := time.Parse("15:04", at); err != nil {
			return fmt.Errorf("maintenance.daily_at: invalid %q (want HH:MM)", at)
		}
	}
	return nil
}
