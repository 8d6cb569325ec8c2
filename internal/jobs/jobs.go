// Package jobs runs named periodic jobs on cron schedules.
//
// Jobs are registered by name (re-registering a name replaces the old
// schedule, which is what a config reload wants) and run with a per-tick
// timeout, an overlap-skip guard and panic recovery. Daily specs are
// interpreted in UTC.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "wardenbot/pkg/logx"
)

type JobFunc func(ctx context.Context) error

type Config struct {
	// HistorySize bounds the kept run records. Default 100.
	HistorySize int
}

// RunRecord is one finished (or skipped) tick.
type RunRecord struct {
	Job      string
	Started  time.Time
	Duration time.Duration
	Error    string
	Skipped  bool
}

type JobInfo struct {
	Name    string
	Spec    string
	Timeout time.Duration
	Next    time.Time
	Prev    time.Time
	Runs    uint64
	Fails   uint64
	Skips   uint64
}

type Snapshot struct {
	Running bool
	Jobs    []JobInfo
	History []RunRecord
}

type jobDef struct {
	name    string
	spec    string
	timeout time.Duration
	fn      JobFunc
	entryID cron.EntryID

	running atomic.Bool
	runs    atomic.Uint64
	fails   atomic.Uint64
	skips   atomic.Uint64
}

type Service struct {
	mu   sync.Mutex
	log  logx.Logger
	c    *cron.Cron
	ctx  context.Context
	defs map[string]*jobDef

	historySize int
	hmu         sync.Mutex
	history     []RunRecord
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	size := cfg.HistorySize
	if size <= 0 {
		size = 100
	}
	return &Service{
		log:         log.With(logx.String("comp", "jobs")),
		defs:        map[string]*jobDef{},
		historySize: size,
	}
}

// Start begins triggering. Jobs registered before Start are armed now;
// jobs registered later are armed immediately. Start is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return
	}
	s.ctx = ctx
	s.c = cron.New(cron.WithLocation(time.UTC))
	for _, d := range s.defs {
		if err := s.registerLocked(d); err != nil {
			s.log.Error("job register failed", logx.String("job", d.name), logx.String("spec", d.spec), logx.Err(err))
		}
	}
	s.c.Start()
	s.log.Info("job runner started", logx.Int("jobs", len(s.defs)))
}

// Stop halts triggering and waits for in-flight ticks, bounded by ctx.
// Definitions survive and re-arm on the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("job runner stopped")
}

// AddInterval schedules fn every fixed delay, measured from the end of the
// previous tick's start (cron @every).
func (s *Service) AddInterval(name string, every, timeout time.Duration, fn JobFunc) error {
	if every <= 0 {
		return fmt.Errorf("job %q: interval must be positive", name)
	}
	return s.add(name, "@every "+every.String(), timeout, fn)
}

// AddCron schedules fn on a standard 5-field cron spec or descriptor.
func (s *Service) AddCron(name, spec string, timeout time.Duration, fn JobFunc) error {
	return s.add(name, spec, timeout, fn)
}

// AddDaily schedules fn once a day at "HH:MM" UTC.
func (s *Service) AddDaily(name, at string, timeout time.Duration, fn JobFunc) error {
	spec, err := dailySpec(at)
	if err != nil {
		return fmt.Errorf("job %q: %w", name, err)
	}
	return s.add(name, spec, timeout, fn)
}

func dailySpec(at string) (string, error) {
	t, err := time.Parse("15:04", strings.TrimSpace(at))
	if err != nil {
		return "", fmt.Errorf("bad daily time %q: want HH:MM", at)
	}
	return fmt.Sprintf("%d %d * * *", t.Minute(), t.Hour()), nil
}

func (s *Service) add(name, spec string, timeout time.Duration, fn JobFunc) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("job name required")
	}
	if fn == nil {
		return fmt.Errorf("job %q: func required", name)
	}
	// Validate up front so a bad spec fails at registration, not at Start.
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("job %q: bad spec %q: %w", name, spec, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(name)
	d := &jobDef{name: name, spec: spec, timeout: timeout, fn: fn}
	if s.c != nil {
		if err := s.registerLocked(d); err != nil {
			return fmt.Errorf("job %q: %w", name, err)
		}
	}
	s.defs[name] = d
	s.log.Debug("job registered",
		logx.String("job", name),
		logx.String("spec", spec),
		logx.Duration("timeout", timeout))
	return nil
}

// Remove unregisters the named job. False if it was not registered.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.removeLocked(name) {
		return false
	}
	s.log.Debug("job removed", logx.String("job", name))
	return true
}

func (s *Service) removeLocked(name string) bool {
	d, ok := s.defs[name]
	if !ok {
		return false
	}
	if s.c != nil && d.entryID != 0 {
		s.c.Remove(d.entryID)
	}
	delete(s.defs, name)
	return true
}

func (s *Service) registerLocked(d *jobDef) error {
	id, err := s.c.AddJob(d.spec, cron.FuncJob(func() { s.run(d) }))
	if err != nil {
		return err
	}
	d.entryID = id
	return nil
}

// run executes one tick. A tick that finds the previous run still going is
// skipped, never queued behind it.
func (s *Service) run(d *jobDef) {
	if !d.running.CompareAndSwap(false, true) {
		d.skips.Add(1)
		s.log.Warn("job tick skipped, previous run still going", logx.String("job", d.name))
		s.record(RunRecord{Job: d.name, Started: time.Now(), Skipped: true})
		return
	}
	defer d.running.Store(false)

	s.mu.Lock()
	base := s.ctx
	s.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	ctx := base
	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(base, d.timeout)
		defer cancel()
	}

	start := time.Now()
	err := s.exec(ctx, d)
	dur := time.Since(start)

	rec := RunRecord{Job: d.name, Started: start, Duration: dur}
	d.runs.Add(1)
	if err != nil {
		d.fails.Add(1)
		rec.Error = err.Error()
		s.log.Warn("job failed", logx.String("job", d.name), logx.Duration("dur", dur), logx.Err(err))
	} else if dur >= 750*time.Millisecond {
		s.log.Info("job completed", logx.String("job", d.name), logx.Duration("dur", dur))
	} else {
		s.log.Debug("job completed", logx.String("job", d.name), logx.Duration("dur", dur))
	}
	s.record(rec)
}

// exec converts a job panic into an error so one bad tick cannot take the
// runner down.
func (s *Service) exec(ctx context.Context, d *jobDef) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("job panicked",
				logx.String("job", d.name),
				logx.Any("panic", r),
				logx.Stack(string(debug.Stack())))
		}
	}()
	return d.fn(ctx)
}

func (s *Service) record(rec RunRecord) {
	s.hmu.Lock()
	s.history = append(s.history, rec)
	if len(s.history) > s.historySize {
		s.history = s.history[len(s.history)-s.historySize:]
	}
	s.hmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Running: s.c != nil}
	for _, d := range s.defs {
		info := JobInfo{
			Name:    d.name,
			Spec:    d.spec,
			Timeout: d.timeout,
			Runs:    d.runs.Load(),
			Fails:   d.fails.Load(),
			Skips:   d.skips.Load(),
		}
		if s.c != nil && d.entryID != 0 {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		snap.Jobs = append(snap.Jobs, info)
	}
	s.mu.Unlock()
	sort.Slice(snap.Jobs, func(i, j int) bool { return snap.Jobs[i].Name < snap.Jobs[j].Name })

	s.hmu.Lock()
	snap.History = append([]RunRecord(nil), s.history...)
	s.hmu.Unlock()
	return snap
}
