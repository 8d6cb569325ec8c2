// Package enforce reconciles applied sanctions with the moderation notes.
//
// The notes are the single source of truth: a pass derives the desired set
// from the store every time, probes the platform for the applied state, and
// issues only the apply/remove calls needed to close the gap. Nothing about
// a previous pass is trusted, so a pass after a crash or a missed interval
// converges the same way as a scheduled one.
package enforce

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"wardenbot/internal/eventbus"
	"wardenbot/internal/store"
	logx "wardenbot/pkg/logx"
)

// Actor applies and lifts sanctions on the platform. Apply and Remove must
// be idempotent: applying an already applied sanction (or lifting an absent
// one) is not an error.
type Actor interface {
	Sanctioned(ctx context.Context, subject int64) (bool, error)
	Apply(ctx context.Context, subject int64) error
	Remove(ctx context.Context, subject int64) error
}

type Config struct {
	// ActionTimeout bounds the probe plus action for one subject.
	// Default 10s.
	ActionTimeout time.Duration
}

func (c Config) actionTimeout() time.Duration {
	if c.ActionTimeout <= 0 {
		return 10 * time.Second
	}
	return c.ActionTimeout
}

// PassStats summarizes one reconciliation pass.
type PassStats struct {
	Checked int // candidates probed
	Applied int
	Removed int
	Failed  int // subjects skipped on probe or action error
}

// LastPass is the most recent pass outcome, kept for the status surface.
type LastPass struct {
	At     time.Time
	Reason string
	Stats  PassStats
	Err    string
}

type Service struct {
	mu    sync.Mutex // serializes passes
	log   logx.Logger
	store store.Store
	actor Actor
	bus   eventbus.Bus

	cfgMu sync.Mutex
	cfg   Config

	passes atomic.Uint64

	lastMu sync.Mutex
	last   *LastPass
}

func New(cfg Config, st store.Store, actor Actor, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		log:   log.With(logx.String("comp", "enforce")),
		store: st,
		actor: actor,
		bus:   bus,
		cfg:   cfg,
	}
}

func (s *Service) Apply(cfg Config) {
	s.cfgMu.Lock()
	s.cfg = cfg
	s.cfgMu.Unlock()
}

// RunNow forces a pass outside the schedule.
func (s *Service) RunNow(ctx context.Context) (PassStats, error) {
	return s.RunPass(ctx, "manual")
}

// RunPass reconciles every sanction candidate against the desired set.
// Passes never interleave; a forced run waits for a scheduled one to finish.
// Per-subject errors are counted and isolated, so one unreachable subject
// never blocks the rest of the pass.
func (s *Service) RunPass(ctx context.Context, reason string) (PassStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	started := time.Now()
	stats, err := s.pass(ctx, started.UTC(), reason)
	s.passes.Add(1)

	rec := LastPass{At: started, Reason: reason, Stats: stats}
	if err != nil {
		rec.Err = err.Error()
	}
	s.lastMu.Lock()
	s.last = &rec
	s.lastMu.Unlock()

	if err != nil {
		s.log.Error("enforcement pass aborted", logx.String("reason", reason), logx.Err(err))
		return stats, err
	}
	s.publish(eventbus.EnforcePass, eventbus.EnforceEvent{
		Reason:  reason,
		Applied: stats.Applied,
		Removed: stats.Removed,
		Failed:  stats.Failed,
	})
	s.log.Info("enforcement pass done",
		logx.String("reason", reason),
		logx.Int("checked", stats.Checked),
		logx.Int("applied", stats.Applied),
		logx.Int("removed", stats.Removed),
		logx.Int("failed", stats.Failed),
		logx.Duration("took", time.Since(started)))
	return stats, nil
}

func (s *Service) pass(ctx context.Context, now time.Time, reason string) (PassStats, error) {
	var stats PassStats

	active, err := s.store.ActiveSanctionSubjects(ctx, now)
	if err != nil {
		return stats, fmt.Errorf("load active sanctions: %w", err)
	}
	candidates, err := s.store.SanctionCandidates(ctx)
	if err != nil {
		return stats, fmt.Errorf("load sanction candidates: %w", err)
	}

	desired := make(map[int64]bool, len(active))
	for _, subject := range active {
		desired[subject] = true
	}

	s.cfgMu.Lock()
	timeout := s.cfg.actionTimeout()
	s.cfgMu.Unlock()

	for _, subject := range candidates {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		stats.Checked++
		s.reconcile(ctx, subject, desired[subject], timeout, reason, &stats)
	}
	return stats, nil
}

// reconcile closes the gap for one subject. The timeout covers the probe
// and the action together.
func (s *Service) reconcile(ctx context.Context, subject int64, want bool, timeout time.Duration, reason string, stats *PassStats) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	have, err := s.actor.Sanctioned(actx, subject)
	if err != nil {
		s.fail(subject, "probe", reason, err, stats)
		return
	}

	switch {
	case want && !have:
		if err := s.actor.Apply(actx, subject); err != nil {
			s.fail(subject, "apply", reason, err, stats)
			return
		}
		stats.Applied++
		s.publish(eventbus.EnforceApplied, eventbus.EnforceEvent{Subject: subject, Action: "apply", Reason: reason})
		s.log.Info("sanction applied", logx.Int64("subject", subject), logx.String("reason", reason))
	case !want && have:
		if err := s.actor.Remove(actx, subject); err != nil {
			s.fail(subject, "remove", reason, err, stats)
			return
		}
		stats.Removed++
		s.publish(eventbus.EnforceRemoved, eventbus.EnforceEvent{Subject: subject, Action: "remove", Reason: reason})
		s.log.Info("sanction removed", logx.Int64("subject", subject), logx.String("reason", reason))
	}
}

func (s *Service) fail(subject int64, action, reason string, err error, stats *PassStats) {
	stats.Failed++
	s.publish(eventbus.EnforceActionFailed, eventbus.EnforceEvent{
		Subject: subject,
		Action:  action,
		Reason:  reason,
		Error:   err.Error(),
	})
	s.log.Error("enforcement action failed",
		logx.Int64("subject", subject),
		logx.String("action", action),
		logx.Err(err))
}

// Passes reports how many passes have run since start.
func (s *Service) Passes() uint64 { return s.passes.Load() }

// Last returns the most recent pass outcome, if any pass has run.
func (s *Service) Last() (LastPass, bool) {
	s.lastMu.Lock()
	defer s.lastMu.Unlock()
	if s.last == nil {
		return LastPass{}, false
	}
	return *s.last, true
}

func (s *Service) publish(t eventbus.Type, ev eventbus.EnforceEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: t, Time: time.Now(), Data: ev})
}
