// Package cog hosts the bot's feature modules. A cog bundles a set of
// related commands with whatever state and background work they share;
// the Manager owns cog lifecycle and keeps the command registry in sync
// with what is running.
package cog

import (
	"context"

	"wardenbot/internal/config"
	"wardenbot/internal/eventbus"
	"wardenbot/internal/store"
	kit "wardenbot/internal/transport"
	"wardenbot/internal/transport/telegram/router"
	logx "wardenbot/pkg/logx"
)

// Cog is one feature module.
//
// Init is called once per process before the first Start and receives the
// dependencies the cog may hold onto. Start/Stop may be called repeatedly;
// Stop must be safe to call with background work already cancelled.
// Commands is called after Start to populate the command registry.
type Cog interface {
	Name() string
	Init(ctx context.Context, deps Deps) error
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Commands() []router.Command
}

// Deps is everything a cog may keep after Init.
type Deps struct {
	Logger      logx.Logger
	Adapter     kit.Adapter
	Config      *config.Manager
	Services    *router.Services
	Bus         eventbus.Bus
	Store       store.Store
	OwnerUserID []int64
}

type cogEvent struct {
	Cog    string `json:"cog"`
	Err    string `json:"err,omitempty"`
	TookMS int64  `json:"took_ms,omitempty"`
}
