package app

import (
	"time"

	"wardenbot/internal/cog"
	"wardenbot/internal/config"
	"wardenbot/internal/runtime/supervisor"
	"wardenbot/internal/transport/telegram/router"
)

// Aliases for the subpackage types the wiring code touches on every line, so
// NewApp and Start read in one vocabulary.

type (
	Config        = config.Config
	ConfigManager = config.Manager

	Supervisor = supervisor.Supervisor

	Services       = router.Services
	CommandManager = router.CommandManager

	CogManager = cog.Manager
	CogDeps    = cog.Deps
)

var (
	NewConfigManager = config.NewManager

	NewSupervisor     = supervisor.New
	WithLogger        = supervisor.WithLogger
	WithCancelOnError = supervisor.WithCancelOnError

	NewSupervisorRegistry = router.NewSupervisorRegistry
	NewCommandManager     = router.NewCommandManager

	NewCogManager = cog.NewManager

	// SummarizeConfigChange names the config sections that differ between two
	// snapshots, plus log fields describing the visible changes.
	SummarizeConfigChange = config.SummarizeChange
)

func parseDurationField(path, raw string) (time.Duration, error) {
	return config.ParseDurationField(path, raw)
}

func parseDurationOrDefault(path, raw string, def time.Duration) (time.Duration, error) {
	return config.ParseDurationOrDefault(path, raw, def)
}
