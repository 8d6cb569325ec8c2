package router

import (
	"wardenbot/internal/config"
	"wardenbot/internal/runtime/supervisor"
)

// Aliases so command handlers and Services consumers don't have to
// import the config and supervisor packages directly.
type (
	Config        = config.Config
	ConfigManager = config.Manager
	Supervisor    = supervisor.Supervisor
	RestartOption = supervisor.RestartOption
)

var (
	NewSupervisor         = supervisor.New
	WithLogger            = supervisor.WithLogger
	WithCancelOnError     = supervisor.WithCancelOnError
	WithRestartBackoff    = supervisor.WithRestartBackoff
	WithPublishFirstError = supervisor.WithPublishFirstError
	WithStopOnCleanExit   = supervisor.WithStopOnCleanExit
)
