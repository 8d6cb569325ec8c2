// Package supervisor runs named goroutines under a shared context, with
// panic recovery, first-error capture, and optional restart-with-backoff
// loops for long-running tasks.
package supervisor

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"runtime/debug"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	logx "wardenbot/pkg/logx"
)

// steadyRunTime is how long a restartable task must run before a failure
// resets its backoff window.
const steadyRunTime = 30 * time.Second

type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	log    logx.Logger

	cancelOnErr bool

	started atomic.Uint64
	active  atomic.Int64

	wg       sync.WaitGroup
	waitOnce sync.Once
	done     chan struct{}

	mu       sync.Mutex
	firstErr error
	routines map[string]*routine
}

type Option func(*Supervisor)

func WithLogger(log logx.Logger) Option {
	return func(s *Supervisor) { s.log = log }
}

// WithCancelOnError cancels the supervisor context on the first non-nil
// error from any goroutine.
func WithCancelOnError(enabled bool) Option {
	return func(s *Supervisor) { s.cancelOnErr = enabled }
}

func New(parent context.Context, opts ...Option) *Supervisor {
	ctx, cancel := context.WithCancel(parent)
	s := &Supervisor{
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		routines: map[string]*routine{},
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Supervisor) Context() context.Context { return s.ctx }

// Cancel cancels the supervisor context without waiting for goroutines to exit.
func (s *Supervisor) Cancel() { s.cancel() }

// Err returns the first error any goroutine reported, or nil.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.firstErr
}

func (s *Supervisor) setErr(err error) {
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.firstErr == nil {
		s.firstErr = err
	}
	s.mu.Unlock()
}

// Stop cancels the supervisor context and waits for all goroutines to exit.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.cancel()
	return s.Wait(ctx)
}

// Wait blocks until every goroutine has exited or ctx expires. After a full
// stop it returns the first error any goroutine reported.
func (s *Supervisor) Wait(ctx context.Context) error {
	s.waitOnce.Do(func() {
		go func() {
			s.wg.Wait()
			close(s.done)
		}()
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-s.done:
		return s.Err()
	}
}

// Go runs fn once under the supervisor context. An error return (other than
// context.Canceled) or a panic becomes the supervisor's first error and,
// with WithCancelOnError, tears the whole group down.
func (s *Supervisor) Go(name string, fn func(ctx context.Context) error) {
	if fn == nil {
		return
	}
	s.started.Add(1)
	s.active.Add(1)
	s.wg.Add(1)
	// Registered before the goroutine is scheduled, so a snapshot taken
	// right after Go returns agrees with the counters.
	began := s.trackStart(name, false)
	go func() {
		defer s.wg.Done()
		defer s.active.Add(-1)

		s.log.Debug("goroutine started", logx.String("name", name))
		err := s.runOnce(name, fn)
		if err == nil || errors.Is(err, context.Canceled) {
			s.trackStop(name, began, nil)
		} else {
			err = fmt.Errorf("%s: %w", name, err)
			s.trackStop(name, began, err)
			s.setErr(err)
			if s.cancelOnErr {
				s.cancel()
			}
		}
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// Go0 is Go for functions that don't return an error.
func (s *Supervisor) Go0(name string, fn func(ctx context.Context)) {
	if fn == nil {
		return
	}
	s.Go(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	})
}

// runOnce executes fn with panic capture; a panic is logged with its stack
// and comes back as a plain error so callers treat crashes and failures
// the same way.
func (s *Supervisor) runOnce(name string, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.trackPanic(name)
			s.log.Error("goroutine panicked",
				logx.String("name", name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return fn(s.ctx)
}

// RestartOption configures GoRestart.
type RestartOption func(*restartCfg)

type restartCfg struct {
	minBackoff      time.Duration
	maxBackoff      time.Duration
	stopOnCleanExit bool
	publishFirstErr bool
}

// WithRestartBackoff sets the exponential backoff window between restarts.
// Non-positive values keep the defaults.
func WithRestartBackoff(minWait, maxWait time.Duration) RestartOption {
	return func(c *restartCfg) {
		if minWait > 0 {
			c.minBackoff = minWait
		}
		if maxWait > 0 {
			c.maxBackoff = maxWait
		}
	}
}

// WithPublishFirstError records the first error or panic as the supervisor
// error, so it shows up in /status while the task keeps restarting.
func WithPublishFirstError(enabled bool) RestartOption {
	return func(c *restartCfg) { c.publishFirstErr = enabled }
}

// WithStopOnCleanExit stops (rather than restarts) the task when fn returns
// nil. Default is true.
func WithStopOnCleanExit(enabled bool) RestartOption {
	return func(c *restartCfg) { c.stopOnCleanExit = enabled }
}

// GoRestart runs fn and restarts it after an error or panic, with jittered
// exponential backoff, until the supervisor context is canceled. Meant for
// long-running loops (pollers, watchers, consumers) where transient failures
// should self-heal without taking the process down.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context) error, opts ...RestartOption) {
	if fn == nil {
		return
	}
	cfg := restartCfg{
		minBackoff:      250 * time.Millisecond,
		maxBackoff:      30 * time.Second,
		stopOnCleanExit: true,
	}
	for _, o := range opts {
		o(&cfg)
	}
	cfg.maxBackoff = max(cfg.maxBackoff, cfg.minBackoff)

	// The restart loop is one supervised goroutine under a derived name;
	// individual attempts are tracked under the logical task name.
	s.Go0(name+".restart", func(ctx context.Context) {
		backoff := cfg.minBackoff
		for attempt := 0; ctx.Err() == nil; attempt++ {
			began := s.trackStart(name, attempt > 0)
			err := s.runOnce(name, fn)

			// Shutdown in progress: whatever fn returned, it stopped
			// because its world was being torn down.
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				s.trackStop(name, began, nil)
				return
			}
			if err == nil {
				if cfg.stopOnCleanExit {
					s.trackStop(name, began, nil)
					return
				}
				err = errors.New("exited")
			}

			err = fmt.Errorf("%s: %w", name, err)
			s.trackStop(name, began, err)
			if cfg.publishFirstErr {
				s.setErr(err)
			}

			// A run that survived a while earns a fresh backoff window.
			if time.Since(began) >= steadyRunTime {
				backoff = cfg.minBackoff
			}
			wait := min(backoff, cfg.maxBackoff)
			wait += time.Duration(rand.Int63n(int64(wait/5 + 1))) // up to 20% jitter
			s.log.Warn("goroutine restarting",
				logx.String("name", name),
				logx.Duration("backoff", wait),
				logx.Err(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
			backoff = min(backoff*2, cfg.maxBackoff)
		}
	})
}

// GoRestart0 is GoRestart for functions that don't return an error.
func (s *Supervisor) GoRestart0(name string, fn func(ctx context.Context), opts ...RestartOption) {
	if fn == nil {
		return
	}
	s.GoRestart(name, func(ctx context.Context) error {
		fn(ctx)
		return nil
	}, opts...)
}

// Counters is a coarse view of goroutines started through the supervisor.
// Operational signal only, not a synchronization primitive.
type Counters struct {
	Active  int64
	Started uint64
}

// RoutineStats aggregates the runs of one named task. Concurrent goroutines
// sharing a name share an entry.
type RoutineStats struct {
	Name        string
	Active      int64
	Started     uint64
	Panics      uint64
	Restarts    uint64
	LastStartAt time.Time
	LastStopAt  time.Time
	LastErr     string
	LastRuntime time.Duration
}

// Snapshot is a point-in-time view of a supervisor.
type Snapshot struct {
	Counters   Counters
	FirstError string
	Routines   []RoutineStats
}

type routine struct {
	active      int64
	started     uint64
	panics      uint64
	restarts    uint64
	lastStart   time.Time
	lastStop    time.Time
	lastErr     string
	lastRuntime time.Duration
}

// CurrentCounters returns the goroutine counters for this supervisor.
func (s *Supervisor) CurrentCounters() Counters {
	if s == nil {
		return Counters{}
	}
	return Counters{Active: s.active.Load(), Started: s.started.Load()}
}

// CurrentSnapshot returns a point-in-time view of the supervisor: counters,
// the first recorded error, and per-task stats sorted with active and
// recently started tasks first.
func (s *Supervisor) CurrentSnapshot() Snapshot {
	if s == nil {
		return Snapshot{}
	}
	snap := Snapshot{Counters: s.CurrentCounters()}

	s.mu.Lock()
	if s.firstErr != nil {
		snap.FirstError = s.firstErr.Error()
	}
	snap.Routines = make([]RoutineStats, 0, len(s.routines))
	for name, r := range s.routines {
		snap.Routines = append(snap.Routines, RoutineStats{
			Name:        name,
			Active:      r.active,
			Started:     r.started,
			Panics:      r.panics,
			Restarts:    r.restarts,
			LastStartAt: r.lastStart,
			LastStopAt:  r.lastStop,
			LastErr:     r.lastErr,
			LastRuntime: r.lastRuntime,
		})
	}
	s.mu.Unlock()

	slices.SortFunc(snap.Routines, func(a, b RoutineStats) int {
		if c := cmp.Compare(b.Active, a.Active); c != 0 {
			return c
		}
		if c := b.LastStartAt.Compare(a.LastStartAt); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	return snap
}

func (s *Supervisor) routineFor(name string) *routine {
	r := s.routines[name]
	if r == nil {
		r = &routine{}
		s.routines[name] = r
	}
	return r
}

func (s *Supervisor) trackStart(name string, restart bool) time.Time {
	now := time.Now()
	s.mu.Lock()
	r := s.routineFor(name)
	r.started++
	r.active++
	if restart {
		r.restarts++
	}
	r.lastStart = now
	s.mu.Unlock()
	return now
}

func (s *Supervisor) trackStop(name string, began time.Time, err error) {
	now := time.Now()
	s.mu.Lock()
	r := s.routineFor(name)
	r.active = max(r.active-1, 0)
	r.lastStop = now
	r.lastRuntime = now.Sub(began)
	if err != nil {
		r.lastErr = err.Error()
	}
	s.mu.Unlock()
}

func (s *Supervisor) trackPanic(name string) {
	s.mu.Lock()
	s.routineFor(name).panics++
	s.mu.Unlock()
}
