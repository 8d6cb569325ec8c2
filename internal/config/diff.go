package config

import (
	"slices"
	"strings"

	logx "wardenbot/pkg/logx"
)

// A section knows how to compare one config area across two snapshots and
// how to describe the new values for logging. describe must never expose a
// secret; tokens are reported as set/unset booleans.
type section struct {
	name     string
	differs  func(o, n *Config) bool
	describe func(n *Config) []logx.Field
}

var sections = []section{
	{
		name: "enforcement",
		differs: func(o, n *Config) bool {
			oe, ne := o.Enforcement, n.Enforcement
			return oe.GroupID != ne.GroupID ||
				trim(oe.Interval) != trim(ne.Interval) ||
				trim(oe.ActionTimeout) != trim(ne.ActionTimeout) ||
				trim(oe.TempbanFor) != trim(ne.TempbanFor) ||
				optBool(oe.RunOnStart) != optBool(ne.RunOnStart)
		},
		describe: func(n *Config) []logx.Field {
			return []logx.Field{
				logx.Bool("enforcement.group_set", n.Enforcement.GroupID != 0),
				logx.String("enforcement.interval", trim(n.Enforcement.Interval)),
				logx.String("enforcement.tempban_for", trim(n.Enforcement.TempbanFor)),
			}
		},
	},
	{
		name:    "logging",
		differs: func(o, n *Config) bool { return o.Logging != n.Logging },
		describe: func(n *Config) []logx.Field {
			return []logx.Field{
				logx.String("logx.level", n.Logging.Level),
				logx.Bool("logx.console", n.Logging.Console),
				logx.Bool("logx.file_enabled", n.Logging.File.Enabled),
			}
		},
	},
	{
		name:    "maintenance",
		differs: func(o, n *Config) bool { return o.Maintenance != n.Maintenance },
		describe: func(n *Config) []logx.Field {
			return []logx.Field{
				logx.String("maintenance.retain_terminal", trim(n.Maintenance.RetainTerminal)),
				logx.String("maintenance.daily_at", trim(n.Maintenance.DailyAt)),
			}
		},
	},
	{
		name:    "notify",
		differs: func(o, n *Config) bool { return o.Notify != n.Notify },
		describe: func(n *Config) []logx.Field {
			return []logx.Field{
				logx.Int("notify.workers", n.Notify.Workers),
				logx.Int("notify.queue_size", n.Notify.QueueSize),
				logx.Int("notify.rate_per_sec", n.Notify.RatePerSec),
			}
		},
	},
	{
		name: "pprof",
		differs: func(o, n *Config) bool {
			return o.Pprof.Enabled != n.Pprof.Enabled ||
				trim(o.Pprof.Addr) != trim(n.Pprof.Addr) ||
				(trim(o.Pprof.Token) != "") != (trim(n.Pprof.Token) != "")
		},
		describe: func(n *Config) []logx.Field {
			return []logx.Field{
				logx.Bool("pprof.enabled", n.Pprof.Enabled),
				logx.String("pprof.addr", trim(n.Pprof.Addr)),
				logx.Bool("pprof.token_set", trim(n.Pprof.Token) != ""),
			}
		},
	},
	{
		name:    "reminders",
		differs: func(o, n *Config) bool { return o.Reminders != n.Reminders },
		describe: func(n *Config) []logx.Field {
			return []logx.Field{
				logx.Int("reminders.quota", n.Reminders.Quota),
				logx.String("reminders.min_interval", trim(n.Reminders.MinInterval)),
				logx.Int("reminders.max_repeats", n.Reminders.MaxRepeats),
			}
		},
	},
	{
		name:    "scheduler",
		differs: func(o, n *Config) bool { return o.Scheduler != n.Scheduler },
		describe: func(n *Config) []logx.Field {
			return []logx.Field{logx.Int("scheduler.max_batch", n.Scheduler.MaxBatch)}
		},
	},
	{
		name:    "storage",
		differs: func(o, n *Config) bool { return o.Storage != n.Storage },
		describe: func(n *Config) []logx.Field {
			return []logx.Field{
				logx.String("storage.driver", trim(n.Storage.Driver)),
				logx.Bool("storage.path_set", trim(n.Storage.Path) != ""),
			}
		},
	},
	{
		name: "telegram",
		differs: func(o, n *Config) bool {
			return trim(o.Telegram.PollTimeout) != trim(n.Telegram.PollTimeout) ||
				o.Telegram.UpdatesBuffer != n.Telegram.UpdatesBuffer ||
				!slices.Equal(o.Telegram.OwnerUserIDs, n.Telegram.OwnerUserIDs)
		},
		describe: func(n *Config) []logx.Field {
			return []logx.Field{
				logx.String("telegram.poll_timeout", trim(n.Telegram.PollTimeout)),
				logx.Int("telegram.owner_count", len(n.Telegram.OwnerUserIDs)),
			}
		},
	},
}

// SummarizeChange compares two config snapshots and returns the names of the
// sections that differ (sorted) together with loggable fields describing the
// new values. Token values never appear in the fields.
func SummarizeChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var names []string
	var attrs []logx.Field
	for _, s := range sections {
		if !s.differs(oldCfg, newCfg) {
			continue
		}
		names = append(names, s.name)
		attrs = append(attrs, s.describe(newCfg)...)
	}
	return names, attrs
}

func trim(s string) string { return strings.TrimSpace(s) }

// optBool resolves the tri-state RunOnStart pointer; omitted means true.
func optBool(p *bool) bool {
	if p == nil {
		return true
	}
	return *p
}
