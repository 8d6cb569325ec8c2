package cog

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"wardenbot/internal/eventbus"
	"wardenbot/internal/transport/telegram/router"
	logx "wardenbot/pkg/logx"
)

const callTimeout = 10 * time.Second

// Manager runs a fixed set of cogs. The registry is decided at startup;
// there is no runtime enable/disable, so the manager's job is orderly
// Init/Start, bounded Stop in reverse order, and feeding the command
// registry from whatever is running.
type Manager struct {
	mu sync.Mutex

	log  logx.Logger
	deps Deps
	cmdm *router.CommandManager

	order []string // registration order; stop runs it backwards
	reg   map[string]Cog
	run   map[string]bool
	// inited tracks cogs that passed Init at least once. Init is never
	// re-called on a later Start, so a cog can safely allocate resources
	// there without leaking them across restart cycles.
	inited map[string]bool

	// Internal, long-lived base context for all cog contexts.
	// The ctx passed to StartAll may be call-scoped; it is only bridged in:
	// when it ends, baseCancel fires.
	baseCtx    context.Context
	baseCancel context.CancelFunc
	bound      bool

	// per-cog run context, cancelled on stop
	cctx    map[string]context.Context
	ccancel map[string]context.CancelFunc
}

func NewManager(log logx.Logger, deps Deps, cmdm *router.CommandManager) *Manager {
	if log.IsZero() {
		log = logx.Nop()
	}
	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Manager{
		log:        log,
		deps:       deps,
		cmdm:       cmdm,
		reg:        map[string]Cog{},
		run:        map[string]bool{},
		inited:     map[string]bool{},
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		cctx:       map[string]context.Context{},
		ccancel:    map[string]context.CancelFunc{},
	}
}

func (m *Manager) emit(typ eventbus.Type, data cogEvent) {
	bus := m.deps.Bus
	if bus == nil {
		return
	}
	bus.Publish(eventbus.Event{Type: typ, Data: data})
}

// BindContext bridges appCtx into the manager's base context. First
// non-nil bind wins. This keeps cogs alive when StartAll is called with a
// short-lived ctx.
func (m *Manager) BindContext(appCtx context.Context) {
	m.mu.Lock()
	if m.bound || appCtx == nil {
		m.mu.Unlock()
		return
	}
	m.bound = true
	baseCancel := m.baseCancel
	m.mu.Unlock()

	go func() {
		<-appCtx.Done()
		baseCancel()
	}()
}

// Register adds cogs in start order. Registering after StartAll is not
// supported; duplicate names are ignored.
func (m *Manager) Register(cogs ...Cog) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range cogs {
		if c == nil {
			continue
		}
		name := c.Name()
		if _, dup := m.reg[name]; dup {
			m.log.Warn("duplicate cog registration ignored", logx.String("cog", name))
			continue
		}
		m.reg[name] = c
		m.order = append(m.order, name)
	}
}

// StartAll initializes and starts every registered cog in registration
// order. A cog that fails Init or Start is skipped and logged; the rest
// still come up.
func (m *Manager) StartAll(ctx context.Context) error {
	m.BindContext(ctx)

	m.mu.Lock()
	names := append([]string(nil), m.order...)
	m.mu.Unlock()

	for _, name := range names {
		m.startOne(name)
	}
	m.refreshRegistry()
	return nil
}

// StopAll stops running cogs in reverse registration order. stopCtx bounds
// each Stop call; a cog that exceeds it is abandoned, not waited for.
func (m *Manager) StopAll(stopCtx context.Context) {
	m.mu.Lock()
	names := append([]string(nil), m.order...)
	m.mu.Unlock()

	for i := len(names) - 1; i >= 0; i-- {
		m.stopOne(stopCtx, names[i])
	}
	m.refreshRegistry()
}

// SetOwnerUserIDs updates the owner list handed to cogs on later Inits.
// Running cogs keep their Init-time copy; commands read owners from the
// request instead, so a hot-reload reaches them through the router.
func (m *Manager) SetOwnerUserIDs(ids []int64) {
	cp := append([]int64(nil), ids...)
	m.mu.Lock()
	m.deps.OwnerUserID = cp
	m.mu.Unlock()
}

// Running returns the names of running cogs in start order.
func (m *Manager) Running() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.order))
	for _, name := range m.order {
		if m.run[name] {
			out = append(out, name)
		}
	}
	return out
}

func (m *Manager) startOne(name string) {
	m.mu.Lock()
	c := m.reg[name]
	running := m.run[name]
	needInit := !m.inited[name]
	deps := m.deps
	m.mu.Unlock()

	if c == nil || running {
		return
	}

	// Long-lived cog ctx; Init and Start timeouts are enforced separately.
	cctx, cancel := context.WithCancel(m.baseCtx)

	if needInit {
		ictx, icancel := context.WithTimeout(cctx, callTimeout)
		err := m.safeCall("cog.init."+name, func() error { return c.Init(ictx, deps) })
		icancel()
		if err != nil {
			m.log.Error("cog init failed", logx.String("cog", name), logx.Any("err", err))
			m.emit("cog.init_failed", cogEvent{Cog: name, Err: err.Error()})
			cancel()
			return
		}
		m.mu.Lock()
		m.inited[name] = true
		m.mu.Unlock()
	}

	if err := m.startWithTimeout(name, c, cctx, cancel, callTimeout); err != nil {
		m.log.Error("cog start failed", logx.String("cog", name), logx.Any("err", err))
		m.emit("cog.start_failed", cogEvent{Cog: name, Err: err.Error()})
		cancel()
		return
	}

	m.mu.Lock()
	m.run[name] = true
	m.cctx[name] = cctx
	m.ccancel[name] = cancel
	m.mu.Unlock()

	m.log.Info("cog started", logx.String("cog", name))
	m.emit("cog.started", cogEvent{Cog: name})
}

func (m *Manager) stopOne(stopCtx context.Context, name string) {
	m.mu.Lock()
	c := m.reg[name]
	running := m.run[name]
	cancel := m.ccancel[name]
	m.mu.Unlock()

	if !running || c == nil {
		return
	}

	start := time.Now()
	m.log.Debug("stopping cog", logx.String("cog", name))

	// cancel the cog context first so background loops wind down promptly
	if cancel != nil {
		cancel()
	}

	// Stop runs with stopCtx, but a misbehaving cog must not block shutdown.
	done := make(chan struct{})
	go func() {
		_ = m.safeCall("cog.stop."+name, func() error { return c.Stop(stopCtx) })
		close(done)
	}()
	select {
	case <-done:
	case <-stopCtx.Done():
		m.log.Warn("cog stop timeout (continuing)", logx.String("cog", name), logx.String("err", stopCtx.Err().Error()))
		m.emit("cog.stop_timeout", cogEvent{Cog: name, Err: stopCtx.Err().Error()})
	}

	m.mu.Lock()
	m.run[name] = false
	delete(m.cctx, name)
	delete(m.ccancel, name)
	m.mu.Unlock()

	took := time.Since(start)
	m.emit("cog.stopped", cogEvent{Cog: name, TookMS: took.Milliseconds()})
	if took >= 500*time.Millisecond {
		m.log.Info("cog stopped", logx.String("cog", name), logx.Duration("took", took))
	} else {
		m.log.Debug("cog stopped", logx.String("cog", name), logx.Duration("took", took))
	}
}

// startWithTimeout calls Start(cctx) but enforces a deadline. On timeout the
// cog ctx is cancelled and Start gets a short grace period to return.
func (m *Manager) startWithTimeout(name string, c Cog, cctx context.Context, cancel context.CancelFunc, timeout time.Duration) error {
	done := make(chan error, 1)
	go func() {
		done <- m.safeCall("cog.start."+name, func() error { return c.Start(cctx) })
	}()

	if timeout <= 0 {
		return <-done
	}

	t := time.NewTimer(timeout)
	defer t.Stop()

	select {
	case err := <-done:
		return err
	case <-t.C:
		cancel()

		grace := time.NewTimer(2 * time.Second)
		defer grace.Stop()
		select {
		case err := <-done:
			if err != nil {
				return fmt.Errorf("start timeout (%s): %w", timeout, err)
			}
			return fmt.Errorf("start timeout (%s)", timeout)
		case <-grace.C:
			return fmt.Errorf("start timeout (%s): start did not return after cancel", timeout)
		}
	}
}

func (m *Manager) safeCall(label string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in cog call",
				logx.String("call", label),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			err = fmt.Errorf("panic in %s: %v", label, r)
		}
	}()
	return fn()
}

func (m *Manager) refreshRegistry() {
	m.mu.Lock()
	cmds := []router.Command{}
	for _, name := range m.order {
		if !m.run[name] {
			continue
		}
		for _, c := range m.safeCommands(name, m.reg[name]) {
			c.CogName = name
			cmds = append(cmds, c)
		}
	}
	m.mu.Unlock()

	if m.cmdm != nil {
		m.cmdm.SetRegistry(cmds)
	}
}

func (m *Manager) safeCommands(name string, c Cog) (out []router.Command) {
	if c == nil {
		return nil
	}
	defer func() {
		if r := recover(); r != nil {
			m.log.Error("panic in cog Commands()",
				logx.String("cog", name),
				logx.Any("panic", r),
				logx.String("stack", string(debug.Stack())),
			)
			out = nil
		}
	}()
	return c.Commands()
}
