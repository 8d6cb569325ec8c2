package app

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"wardenbot/internal/enforce"
	"wardenbot/internal/eventbus"
	"wardenbot/internal/jobs"
	"wardenbot/internal/notify"
	"wardenbot/internal/observability/pprof"
	"wardenbot/internal/sched"
	"wardenbot/internal/store"
	kit "wardenbot/internal/transport"
	telegram "wardenbot/internal/transport/telegram/adapter"
	logx "wardenbot/pkg/logx"
)

const (
	enforceJobName     = "enforce.pass"
	maintenanceJobName = "store.maintenance"

	// ownerAlertCooldown throttles failure alerts DMed to owners; the full
	// picture is always in the logs.
	ownerAlertCooldown = time.Minute

	// slowStopStep is the threshold above which a finished shutdown step is
	// logged at info instead of debug.
	slowStopStep = 500 * time.Millisecond
)

type App struct {
	cfgPath string

	cfgm *ConfigManager
	sup  *Supervisor

	base  logx.Logger // component loggers derive from this
	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store store.Store

	adapter *telegram.Adapter

	sched *sched.Service
	enf   *enforce.Service
	notif *notify.Service
	jobs  *jobs.Service
	pprof *pprof.Service

	cmdm *CommandManager
	cogm *CogManager

	serv *Services

	updates chan kit.Update
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(context.Background(), cfg); err != nil {
		return nil, err
	}

	logSvc, base := logx.New(mapLogConfig(cfg))
	log := base.With(logx.String("comp", "app"))

	pollTimeout, err := parseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, base.With(logx.String("comp", "telegram")))
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()

	// The store is the one hard dependency: reminders and notes survive
	// restarts only through it, so an open or migration failure aborts startup.
	sc, err := mapStoreConfig(cfg)
	if err != nil {
		return nil, err
	}
	st, err := store.Open(sc, base.With(logx.String("comp", "store")))
	if err != nil {
		return nil, err
	}
	log.Info("store opened", logx.String("driver", sc.Driver))

	ncfg, err := mapNotifyConfig(cfg)
	if err != nil {
		return nil, err
	}
	notifSvc := notify.New(ncfg, ad, base, bus)
	jobsSvc := jobs.New(jobs.Config{}, base)
	schedSvc := sched.New(mapSchedConfig(cfg), st, notifSvc, base, bus)
	pprofSvc := pprof.New(mapPprofConfig(cfg), base.With(logx.String("comp", "pprof")))

	// Enforcement is optional: without a group there is nothing to restrict.
	var enfSvc *enforce.Service
	if cfg.Enforcement.GroupID != 0 {
		ecfg, err := mapEnforceConfig(cfg)
		if err != nil {
			return nil, err
		}
		actor, err := ad.SanctionActor(cfg.Enforcement.GroupID, base)
		if err != nil {
			return nil, err
		}
		enfSvc = enforce.New(ecfg, st, actor, base, bus)
	} else {
		log.Info("enforcement disabled: enforcement.group_id not set")
	}

	serv := &Services{
		Store:              st,
		Bus:                bus,
		Scheduler:          schedSvc,
		Jobs:               jobsSvc,
		Notifier:           notifSvc,
		RuntimeSupervisors: NewSupervisorRegistry(),
	}
	// Assign only when present: a typed nil in the interface would defeat the
	// cogs' nil checks.
	if enfSvc != nil {
		serv.Enforcer = enfSvc
	}

	cmdm := NewCommandManager(base.With(logx.String("comp", "commands")),
		ad, cfgm, serv, cfg.Telegram.OwnerUserIDs)

	cogm := NewCogManager(base.With(logx.String("comp", "cogs")),
		CogDeps{
			Logger:      base,
			Adapter:     ad,
			Config:      cfgm,
			Services:    serv,
			Bus:         bus,
			Store:       st,
			OwnerUserID: cfg.Telegram.OwnerUserIDs,
		}, cmdm)

	buf := cfg.Telegram.UpdatesBuffer
	if buf <= 0 {
		buf = 64
	}

	return &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		base:    base,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   st,
		adapter: ad,
		sched:   schedSvc,
		enf:     enfSvc,
		notif:   notifSvc,
		jobs:    jobsSvc,
		pprof:   pprofSvc,
		cmdm:    cmdm,
		cogm:    cogm,
		serv:    serv,
		updates: make(chan kit.Update, buf),
	}, nil
}

func (a *App) Cogs() *CogManager { return a.cogm }

// Done is closed once the run context ends, whether through Stop or a fatal
// subsystem error.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		closed := make(chan struct{})
		close(closed)
		return closed
	}
	return a.sup.Context().Done()
}

// Err reports the first fatal error the run supervisor saw, if any.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = NewSupervisor(ctx, WithLogger(a.log), WithCancelOnError(true))
	a.serv.AppSupervisor = a.sup
	if a.serv.RuntimeSupervisors == nil {
		a.serv.RuntimeSupervisors = NewSupervisorRegistry()
	}

	// Reloads are transactional: the validator rejects a bad file before it
	// can replace the running config.
	a.cfgm.SetLogger(a.base.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validateConfig)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	if sup := a.adapter.Supervisor(); sup != nil {
		a.serv.RuntimeSupervisors.Set("telegram.adapter", sup)
	}

	a.notif.Start(a.sup.Context())
	a.jobs.Start(a.sup.Context())

	// The scheduler re-arms persisted timers on start; failing to load them
	// would mean silently dropping reminders, so it is fatal.
	if err := a.sched.Start(a.sup.Context()); err != nil {
		return err
	}

	if a.pprof.Enabled() {
		a.pprof.Start(a.sup.Context())
		if sup := a.pprof.Supervisor(); sup != nil {
			a.serv.RuntimeSupervisors.Set("pprof", sup)
		}
	}

	cfg := a.cfgm.Get()
	a.registerEnforceJob(cfg)
	a.registerMaintenanceJob(cfg)

	if a.enf != nil && runEnforceOnStart(cfg) {
		a.sup.Go0("enforce.startup", func(c context.Context) {
			if _, err := a.enf.RunPass(c, "startup"); err != nil && c.Err() == nil {
				a.log.Warn("startup enforcement pass failed", logx.Err(err))
			}
		})
	}

	if err := a.cogm.StartAll(a.sup.Context()); err != nil {
		return err
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmdm.DispatchLoop(c, a.updates)
	})

	a.watchEvents()
	a.startWatchdog()
	a.startConfigPipeline()

	a.log.Info("app started")
	return nil
}

// startConfigPipeline wires file watching to hot reload: one goroutine tails
// the config file, the other applies published snapshots to the running
// services.
func (a *App) startConfigPipeline() {
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})
}

func (a *App) reloadLoop(ctx context.Context, sub <-chan *Config) {
	applied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case cur, ok := <-sub:
			if !ok {
				return
			}
			cur = latest(sub, cur)
			a.applyReload(ctx, applied, cur)
			applied = cur
		}
	}
}

// latest drains queued configs, keeping only the newest; rapid file edits
// collapse into a single apply.
func latest(sub <-chan *Config, cur *Config) *Config {
	for {
		select {
		case c := <-sub:
			if c != nil {
				cur = c
			}
		default:
			return cur
		}
	}
}

// applyReload pushes a validated config snapshot into every service that
// supports live tuning. Fields that only bind at startup are flagged instead.
func (a *App) applyReload(ctx context.Context, old, cur *Config) {
	sections, attrs := SummarizeConfigChange(old, cur)
	if len(sections) > 0 {
		fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
		a.log.Debug("config sections changed", fields...)
	} else {
		a.log.Debug("config reload carried no visible changes")
	}

	a.warnRestartRequired(old, cur, sections)

	a.logs.Apply(mapLogConfig(cur))

	a.cmdm.SetOwners(cur.Telegram.OwnerUserIDs)
	a.cogm.SetOwnerUserIDs(cur.Telegram.OwnerUserIDs)

	a.sched.Apply(mapSchedConfig(cur))

	// Durations were parsed by the validator already; a failure here means the
	// previous tuning stays.
	if ncfg, err := mapNotifyConfig(cur); err != nil {
		a.log.Warn("invalid notify config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	a.pprof.Reconfigure(ctx, mapPprofConfig(cur))

	if a.enf != nil {
		if ecfg, err := mapEnforceConfig(cur); err != nil {
			a.log.Warn("invalid enforcement config; keeping previous", logx.Err(err))
		} else {
			a.enf.Apply(ecfg)
		}
		if strings.TrimSpace(old.Enforcement.Interval) != strings.TrimSpace(cur.Enforcement.Interval) {
			a.registerEnforceJob(cur)
		}
	}

	if old.Maintenance != cur.Maintenance {
		a.registerMaintenanceJob(cur)
	}

	if len(sections) > 0 {
		a.log.Info("config reloaded", logx.String("changed", strings.Join(sections, ",")))
	} else {
		a.log.Info("config reloaded")
	}
}

// warnRestartRequired flags config fields a running process cannot pick up.
func (a *App) warnRestartRequired(old, cur *Config, sections []string) {
	if old.Telegram.Token != cur.Telegram.Token {
		a.log.Warn("telegram.token changed; takes effect on restart")
	}
	if old.Enforcement.GroupID != cur.Enforcement.GroupID {
		a.log.Warn("enforcement.group_id changed; takes effect on restart")
	}
	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; takes effect on restart")
	}
}

// registerEnforceJob (re)binds the periodic reconciliation pass. The config
// was validated before commit, so a parse error here only means the previous
// cadence stays.
func (a *App) registerEnforceJob(cfg *Config) {
	if a.enf == nil {
		return
	}
	every, err := enforceInterval(cfg)
	if err != nil {
		a.log.Warn("invalid enforcement.interval; keeping previous", logx.Err(err))
		return
	}
	timeout := min(every, 10*time.Minute)
	a.jobs.Remove(enforceJobName)
	if err := a.jobs.AddInterval(enforceJobName, every, timeout, func(c context.Context) error {
		_, err := a.enf.RunPass(c, "interval")
		return err
	}); err != nil {
		a.log.Warn("enforcement job registration failed", logx.Err(err))
		return
	}
	a.log.Info("enforcement pass scheduled", logx.Duration("every", every))
}

func (a *App) registerMaintenanceJob(cfg *Config) {
	retain, err := maintenanceRetain(cfg)
	if err != nil {
		a.log.Warn("invalid maintenance.retain_terminal; keeping previous", logx.Err(err))
		return
	}
	at := maintenanceDailyAt(cfg)
	a.jobs.Remove(maintenanceJobName)
	if err := a.jobs.AddDaily(maintenanceJobName, at, 2*time.Minute, func(c context.Context) error {
		n, err := a.store.PurgeTerminalTasksBefore(c, time.Now().Add(-retain))
		if err != nil {
			return err
		}
		if n > 0 {
			a.log.Info("terminal tasks purged", logx.Int("count", n))
		}
		return nil
	}); err != nil {
		a.log.Warn("maintenance job registration failed", logx.Err(err))
	}
}

// watchEvents mirrors bus traffic into debug logs and forwards failures that
// need a human to the owners.
func (a *App) watchEvents() {
	if a.bus == nil {
		return
	}
	events, unsub := a.bus.Subscribe(128)
	a.sup.Go0("eventbus.watch", func(c context.Context) {
		defer unsub()
		lastAlert := map[eventbus.Type]time.Time{}
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				// Keep this debug-level to avoid noise from frequent timers.
				a.log.Debug("event", logx.String("type", string(e.Type)), logx.Time("time", e.Time))
				a.alertOwners(c, e, lastAlert)
			}
		}
	})
}

// alertOwners DMs delivery and enforcement failures to the configured owners
// so an operator hears about trouble without tailing logs. At most one alert
// per event type per cooldown window; the rest stay in the logs.
func (a *App) alertOwners(ctx context.Context, e eventbus.Event, last map[eventbus.Type]time.Time) {
	var text string
	switch e.Type {
	case eventbus.TaskDeliveryFailed:
		if ev, ok := e.Data.(eventbus.TaskEvent); ok {
			text = fmt.Sprintf("delivery failed for task #%d (owner %d): %s", ev.TaskID, ev.Owner, ev.Error)
		}
	case eventbus.EnforceActionFailed:
		if ev, ok := e.Data.(eventbus.EnforceEvent); ok {
			text = fmt.Sprintf("enforcement %s failed for subject %d: %s", ev.Action, ev.Subject, ev.Error)
		}
	}
	if text == "" {
		return
	}
	if at, ok := last[e.Type]; ok && time.Since(at) < ownerAlertCooldown {
		return
	}
	last[e.Type] = time.Now()

	cfg := a.cfgm.Get()
	if cfg == nil || a.notif == nil {
		return
	}
	for _, owner := range cfg.Telegram.OwnerUserIDs {
		if err := a.notif.Send(ctx, kit.ChatTarget{ChatID: owner}, "alert: "+text); err != nil {
			a.log.Warn("owner alert failed", logx.Int64("owner", owner), logx.Err(err))
		}
	}
}

// startWatchdog feeds the systemd watchdog when the unit asks for one.
func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil || interval <= 0 {
		return
	}
	tick := interval / 2
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(tick)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				if _, err := daemon.SdNotify(false, daemon.SdNotifyWatchdog); err != nil {
					a.log.Warn("systemd watchdog notify failed", logx.Err(err))
				}
			}
		}
	})
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", tick))
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Cancel the run context up front; every supervised loop is already
	// unwinding while the bounded steps below run.
	a.sup.Cancel()

	// Cogs first (they may still be answering commands), then the services:
	// quiesce timers before the delivery pipeline, and the pipeline before
	// the adapter it sends through. Enforcement is pass-based and has
	// nothing to stop.
	a.stopStep(ctx, "cogs", 4*time.Second, func(c context.Context) error { a.cogm.StopAll(c); return nil })
	a.stopStep(ctx, "jobs", 2*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	a.stopStep(ctx, "sched", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	a.stopStep(ctx, "notify", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.stopStep(ctx, "pprof", time.Second, func(c context.Context) error { a.pprof.Stop(c); return nil })
	a.stopStep(ctx, "adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	a.stopStep(ctx, "store", time.Second, func(c context.Context) error { return a.store.Close() })

	// Last, collect the supervised goroutines (config pipeline, dispatcher).
	a.stopStep(ctx, "supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	a.logs.Close()
	return nil
}

// stopStep runs one shutdown action under its own deadline so a stuck
// component cannot stall the rest of the sequence. The step context is also
// capped by the caller's deadline, never extended past it.
func (a *App) stopStep(ctx context.Context, name string, limit time.Duration, fn func(context.Context) error) {
	if dl, ok := ctx.Deadline(); ok {
		limit = min(limit, time.Until(dl))
	}
	stepCtx := ctx
	if limit > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	start := time.Now()
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		took := time.Since(start)
		switch {
		case err != nil:
			a.log.Warn("shutdown step failed", logx.String("step", name), logx.Err(err), logx.Duration("took", took))
		case took >= slowStopStep:
			a.log.Info("shutdown step done", logx.String("step", name), logx.Duration("took", took))
		default:
			a.log.Debug("shutdown step done", logx.String("step", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("shutdown step over deadline (continuing)",
			logx.String("step", name),
			logx.Duration("elapsed", time.Since(start)))
		// The step keeps running detached; note when it eventually returns.
		go func() {
			err := <-done
			took := time.Since(start)
			if err != nil {
				a.log.Warn("late shutdown step finished", logx.String("step", name), logx.Err(err), logx.Duration("took", took))
			} else {
				a.log.Info("late shutdown step finished", logx.String("step", name), logx.Duration("took", took))
			}
		}()
	}
}
