// Package sched runs the single task timeline: it sleeps until the earliest
// pending due time, claims due occurrences through the store, and hands each
// claimed occurrence to the dispatch sink.
//
// The store is the authority on task state. The in-memory heap is only a
// wake-up index: every fire is a conditional single-row claim, so a stale
// heap entry (cancelled task, duplicate after restart) loses its claim and
// is skipped. Cancel-vs-fire races therefore resolve deterministically in
// the store, whichever commits first.
package sched

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"wardenbot/internal/eventbus"
	supervisor "wardenbot/internal/runtime/supervisor"
	"wardenbot/internal/store"
	"wardenbot/internal/task"
	logx "wardenbot/pkg/logx"
)

// ErrPastDue rejects scheduling a task whose due time already passed.
var ErrPastDue = errors.New("due time is in the past")

// pastDueSlack tolerates clock skew between parsing and scheduling.
const pastDueSlack = 2 * time.Second

// claimRetryDelay re-queues an occurrence whose store claim errored (not
// lost: errored). Keeps the timeline alive through transient store trouble.
const claimRetryDelay = 5 * time.Second

type Config struct {
	// MaxBatch bounds how many due occurrences one wake-up claims before
	// re-checking for cancellation. Default 64.
	MaxBatch int
	// Quota is the per-owner pending-task cap applied on Schedule.
	// Zero or negative disables the check.
	Quota int
}

// Delivery is one claimed occurrence handed to the sink. Task is a snapshot
// at claim time with Fired already counting this occurrence.
type Delivery struct {
	Occurrence string // unique id for this dispatch, used in logs
	Task       task.Task
	Due        time.Time // the occurrence's due instant
	Final      bool      // no further occurrences follow
}

// Sink consumes claimed occurrences. Deliver must enqueue and return;
// dispatch latency must never hold up the timeline. A Deliver error is a
// delivery failure for that occurrence: logged, counted, never retried.
type Sink interface {
	Deliver(ctx context.Context, d Delivery) error
}

type Counters struct {
	Scheduled   uint64
	Cancelled   uint64
	Fired       uint64
	Rearmed     uint64
	Exhausted   uint64
	LostClaims  uint64
	ClaimErrors uint64
	SinkErrors  uint64
}

type Snapshot struct {
	Running  bool
	QueueLen int
	NextDue  *time.Time
	Counters Counters
}

type Service struct {
	mu      sync.Mutex
	log     logx.Logger
	cfg     Config
	store   store.Store
	sink    Sink
	bus     eventbus.Bus
	q       timeline
	wake    chan struct{}
	sup     *supervisor.Supervisor
	running bool

	scheduled   atomic.Uint64
	cancelled   atomic.Uint64
	fired       atomic.Uint64
	rearmed     atomic.Uint64
	exhausted   atomic.Uint64
	lostClaims  atomic.Uint64
	claimErrors atomic.Uint64
	sinkErrors  atomic.Uint64
}

func New(cfg Config, st store.Store, sink Sink, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:   log.With(logx.String("comp", "sched")),
		store: st,
		sink:  sink,
		bus:   bus,
		wake:  make(chan struct{}, 1),
	}
	s.applyLocked(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = 64
	}
	s.cfg = cfg
}

// Start loads pending tasks and runs the timeline loop. Overdue tasks fire
// on the first wake-up, once each, which is the restart catch-up path.
// Start is idempotent.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.q = nil
	s.mu.Unlock()

	pending, err := s.store.PendingTasks(ctx)
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return fmt.Errorf("load pending tasks: %w", err)
	}

	s.mu.Lock()
	// Tasks scheduled while we were loading are already on the heap;
	// the ones the load also saw become duplicates whose second claim
	// loses. Never a double fire.
	for _, tk := range pending {
		heap.Push(&s.q, tk)
	}
	sup := supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		supervisor.WithCancelOnError(false),
	)
	s.sup = sup
	s.mu.Unlock()

	sup.GoRestart("timeline", s.loop, supervisor.WithPublishFirstError(true))
	s.log.Info("scheduler started", logx.Int("pending", len(pending)))
	return nil
}

// Stop halts the timeline loop. Pending tasks stay in the store and resume
// on the next Start.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	sup := s.sup
	s.sup = nil
	s.mu.Unlock()

	if sup != nil {
		_ = sup.Stop(ctx)
	}
	s.log.Info("scheduler stopped")
}

// Schedule validates, persists and arms a task. The insert commits before
// the task is armed, so an acknowledged task survives a crash. Quota
// violations surface as *store.QuotaExceededError with nothing persisted.
func (s *Service) Schedule(ctx context.Context, tk task.Task) (task.Task, error) {
	now := time.Now().UTC()
	if tk.Due.IsZero() {
		return task.Task{}, errors.New("task has no due time")
	}
	if now.Sub(tk.Due) > pastDueSlack {
		return task.Task{}, fmt.Errorf("%s: %w", tk.Due.Format("2006-01-02 15:04:05"), ErrPastDue)
	}
	tk.Due = tk.Due.UTC()
	tk.State = task.StatePending
	if tk.CreatedAt.IsZero() {
		tk.CreatedAt = now
	}

	s.mu.Lock()
	quota := s.cfg.Quota
	s.mu.Unlock()

	if err := s.store.InsertTask(ctx, &tk, quota); err != nil {
		return task.Task{}, err
	}

	s.mu.Lock()
	if s.running {
		heap.Push(&s.q, tk)
	}
	s.mu.Unlock()
	s.scheduled.Add(1)
	s.poke()
	s.publish(eventbus.TaskScheduled, eventbus.TaskEvent{TaskID: tk.ID, Owner: tk.Owner})
	s.log.Info("task scheduled",
		logx.Int64("task_id", tk.ID),
		logx.Int64("owner", tk.Owner),
		logx.Time("due", tk.Due),
		logx.Bool("recurring", tk.Recurring()))
	return tk, nil
}

// Cancel moves a pending task to cancelled. Once Cancel returns nil the
// task will not fire: either it was unarmed here, or its in-flight claim
// already lost to this update.
func (s *Service) Cancel(ctx context.Context, owner, id int64) error {
	if err := s.store.CancelTask(ctx, id, owner); err != nil {
		return err
	}
	s.mu.Lock()
	s.q.remove(id)
	s.mu.Unlock()
	s.cancelled.Add(1)
	s.poke()
	s.publish(eventbus.TaskCancelled, eventbus.TaskEvent{TaskID: id, Owner: owner})
	s.log.Info("task cancelled", logx.Int64("task_id", id), logx.Int64("owner", owner))
	return nil
}

// CancelAll cancels every pending task of the owner.
func (s *Service) CancelAll(ctx context.Context, owner int64) (int, error) {
	n, err := s.store.CancelOwnerTasks(ctx, owner)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		// Stale heap entries lose their claims; no need to hunt them down.
		s.cancelled.Add(uint64(n))
		s.poke()
		s.publish(eventbus.TaskCancelled, eventbus.TaskEvent{Owner: owner})
		s.log.Info("tasks cleared", logx.Int64("owner", owner), logx.Int("count", n))
	}
	return n, nil
}

// List returns the owner's pending tasks in due order.
func (s *Service) List(ctx context.Context, owner int64) ([]task.Task, error) {
	return s.store.ListTasks(ctx, owner)
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{
		Running:  s.running,
		QueueLen: len(s.q),
	}
	if len(s.q) > 0 {
		d := s.q[0].Due
		snap.NextDue = &d
	}
	s.mu.Unlock()
	snap.Counters = Counters{
		Scheduled:   s.scheduled.Load(),
		Cancelled:   s.cancelled.Load(),
		Fired:       s.fired.Load(),
		Rearmed:     s.rearmed.Load(),
		Exhausted:   s.exhausted.Load(),
		LostClaims:  s.lostClaims.Load(),
		ClaimErrors: s.claimErrors.Load(),
		SinkErrors:  s.sinkErrors.Load(),
	}
	return snap
}

// poke nudges the loop to re-evaluate its deadline. Buffered so an already
// pending wake-up absorbs further pokes.
func (s *Service) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// loop is the single timeline goroutine: park when idle, sleep until the
// head is due, then claim and dispatch everything due. A poke interrupts
// the sleep so a newly scheduled earlier task is never missed.
func (s *Service) loop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		s.mu.Lock()
		var head *time.Time
		if len(s.q) > 0 {
			d := s.q[0].Due
			head = &d
		}
		s.mu.Unlock()

		if head == nil {
			select {
			case <-ctx.Done():
				return nil
			case <-s.wake:
				continue
			}
		}

		if wait := time.Until(*head); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil
			case <-s.wake:
				timer.Stop()
				continue
			case <-timer.C:
			}
		}

		s.fireDue(ctx)
	}
}

// fireDue claims and dispatches every occurrence due at or before now, in
// (due, id) order, up to MaxBatch per call.
func (s *Service) fireDue(ctx context.Context) {
	s.mu.Lock()
	maxBatch := s.cfg.MaxBatch
	s.mu.Unlock()

	now := time.Now()
	for n := 0; n < maxBatch; n++ {
		if ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		if len(s.q) == 0 || s.q[0].Due.After(now) {
			s.mu.Unlock()
			return
		}
		tk := heap.Pop(&s.q).(task.Task)
		s.mu.Unlock()

		s.fireOne(ctx, tk)
	}
}

// fireOne claims a single occurrence and hands it to the sink. Recurring
// tasks re-arm in the same claim, before dispatch, so a delivery failure
// never breaks the series.
func (s *Service) fireOne(ctx context.Context, tk task.Task) {
	next, again := tk.NextDue()

	var (
		claimed bool
		err     error
	)
	if again {
		claimed, err = s.store.RearmTask(ctx, tk.ID, tk.Due, next, tk.Fired+1)
	} else {
		claimed, err = s.store.MarkFired(ctx, tk.ID)
	}
	if err != nil {
		// Store trouble, not a lost race. Re-queue the occurrence intact
		// after a delay and keep going; the untouched due keeps the next
		// claim attempt valid.
		s.claimErrors.Add(1)
		s.log.Error("occurrence claim failed",
			logx.Int64("task_id", tk.ID), logx.Err(err))
		time.AfterFunc(claimRetryDelay, func() {
			s.mu.Lock()
			if s.running {
				heap.Push(&s.q, tk)
			}
			s.mu.Unlock()
			s.poke()
		})
		return
	}
	if !claimed {
		// Cancelled, or another entry already claimed this occurrence.
		s.lostClaims.Add(1)
		s.log.Debug("occurrence claim lost", logx.Int64("task_id", tk.ID))
		return
	}

	occurrence := uuid.NewString()
	fired := tk.Fired + 1

	if again {
		rearmed := tk
		rearmed.Due = next
		rearmed.Fired = fired
		s.mu.Lock()
		if s.running {
			heap.Push(&s.q, rearmed)
		}
		s.mu.Unlock()
		s.rearmed.Add(1)
	} else if tk.Recurring() {
		s.exhausted.Add(1)
		s.publish(eventbus.TaskExhausted, eventbus.TaskEvent{TaskID: tk.ID, Owner: tk.Owner})
	}
	s.fired.Add(1)
	s.publish(eventbus.TaskFired, eventbus.TaskEvent{TaskID: tk.ID, Owner: tk.Owner, Occurrence: occurrence})

	snap := tk
	snap.Fired = fired
	d := Delivery{
		Occurrence: occurrence,
		Task:       snap,
		Due:        tk.Due,
		Final:      !again,
	}
	if err := s.sink.Deliver(ctx, d); err != nil {
		// Fire-and-forget: the occurrence is spent whether or not the
		// sink took it.
		s.sinkErrors.Add(1)
		s.publish(eventbus.TaskDeliveryFailed, eventbus.TaskEvent{
			TaskID: tk.ID, Owner: tk.Owner, Occurrence: occurrence, Error: err.Error(),
		})
		s.log.Warn("dispatch rejected",
			logx.Int64("task_id", tk.ID),
			logx.String("occurrence", occurrence),
			logx.Err(err))
	}
}

func (s *Service) publish(t eventbus.Type, ev eventbus.TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: t, Time: time.Now(), Data: ev})
}
