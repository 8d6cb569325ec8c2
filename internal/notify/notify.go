// Package notify is the outbound delivery pipeline: a bounded queue drained
// by rate-limited workers sending through the transport adapter.
//
// Deliveries are fire-and-forget. A send failure is logged, counted, and
// published; the occurrence is spent either way and is never retried. The
// scheduler re-arms recurring tasks before dispatch, so a failed delivery
// never stalls the series.
package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"wardenbot/internal/eventbus"
	supervisor "wardenbot/internal/runtime/supervisor"
	"wardenbot/internal/sched"
	kit "wardenbot/internal/transport"
	logx "wardenbot/pkg/logx"
)

var (
	ErrQueueFull = errors.New("delivery queue full")
	ErrStopped   = errors.New("delivery pipeline stopped")
)

const historyLimit = 300

type Config struct {
	Workers     int           // default 2
	QueueSize   int           // default 256
	RatePerSec  float64       // sends per second across all workers, default 20
	Burst       int           // default 5
	SendTimeout time.Duration // per-send bound, default 10s
}

type job struct {
	target     kit.ChatTarget
	text       string
	taskID     int64
	owner      int64
	occurrence string
}

// HistoryItem is one delivered message, kept for the status surface.
type HistoryItem struct {
	At     time.Time
	ChatID int64
	Text   string
}

type Snapshot struct {
	Running  bool
	QueueLen int
	QueueCap int
	Sent     uint64
	Failed   uint64
	Dropped  uint64
	History  []HistoryItem
}

// Service is safe for concurrent use.
type Service struct {
	mu sync.Mutex

	log     logx.Logger
	adapter kit.Adapter
	bus     eventbus.Bus

	cfg     Config
	limiter *rate.Limiter

	accepting bool
	sendWG    sync.WaitGroup

	queue    chan job
	sup      *supervisor.Supervisor
	stopDone chan struct{} // non-nil while stopping

	sent    atomic.Uint64
	failed  atomic.Uint64
	dropped atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger, bus eventbus.Bus) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{
		log:     log.With(logx.String("comp", "notify")),
		adapter: adapter,
		bus:     bus,
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
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	s.cfg = cfg
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
}

// Start is idempotent. Queue size changes need a restart; rate changes
// apply live.
func (s *Service) Start(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	if s.stopDone != nil {
		// A previous Stop is still draining; wait for it.
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return
		}
		s.mu.Lock()
	}
	if s.queue != nil {
		s.mu.Unlock()
		return
	}

	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	workers := s.cfg.Workers

	s.sup = supervisor.New(ctx,
		supervisor.WithLogger(s.log),
		// Delivery is best-effort; worker trouble must not take the app down.
		supervisor.WithCancelOnError(false),
	)
	sup := s.sup
	q := s.queue
	s.mu.Unlock()

	for i := 0; i < workers; i++ {
		name := fmt.Sprintf("worker.%d", i)
		sup.GoRestart(name, func(c context.Context) error {
			s.workerLoop(c, q)
			// Clean exits happen on shutdown (queue close).
			s.mu.Lock()
			stopping := s.stopDone != nil
			s.mu.Unlock()
			if stopping {
				return context.Canceled
			}
			if c.Err() != nil {
				return c.Err()
			}
			return errors.New("delivery worker exited unexpectedly")
		}, supervisor.WithPublishFirstError(true))
	}
	s.log.Info("delivery pipeline started",
		logx.Int("workers", workers),
		logx.Int("queue", cap(q)))
}

// Stop blocks intake and drains the queue best-effort until ctx deadline,
// then force-cancels the workers.
func (s *Service) Stop(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	q := s.queue
	sup := s.sup
	if q == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	s.mu.Unlock()

	// Drain asynchronously so callers can time out without leaking state.
	go func() {
		defer close(done)
		s.sendWG.Wait()
		func() {
			defer func() { _ = recover() }()
			close(q)
		}()
		if sup != nil {
			_ = sup.Wait(context.Background())
		}

		s.mu.Lock()
		s.queue = nil
		s.stopDone = nil
		s.sup = nil
		s.mu.Unlock()
	}()

	select {
	case <-done:
		s.log.Info("delivery pipeline stopped")
	case <-ctx.Done():
		if sup != nil {
			sup.Cancel()
		}
		s.log.Warn("delivery pipeline stop timed out, queue abandoned",
			logx.Int("abandoned", len(q)))
	}
}

// Deliver implements sched.Sink: render the occurrence and enqueue it.
// Never blocks the timeline; a full queue is a delivery failure.
func (s *Service) Deliver(ctx context.Context, d sched.Delivery) error {
	target := kit.ChatTarget{ChatID: d.Task.Payload.ChatID}
	if target.ChatID == 0 {
		target.ChatID = d.Task.Owner
	}
	return s.enqueue(ctx, job{
		target:     target,
		text:       renderReminder(d),
		taskID:     d.Task.ID,
		owner:      d.Task.Owner,
		occurrence: d.Occurrence,
	})
}

// Send enqueues an arbitrary outbound message (ops alerts, announcements).
func (s *Service) Send(ctx context.Context, to kit.ChatTarget, text string) error {
	return s.enqueue(ctx, job{target: to, text: text})
}

func (s *Service) enqueue(ctx context.Context, j job) error {
	if ctx != nil {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}

	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.sendWG.Add(1)
	s.mu.Unlock()
	defer s.sendWG.Done()

	select {
	case q <- j:
		return nil
	default:
		s.dropped.Add(1)
		return ErrQueueFull
	}
}

func (s *Service) workerLoop(ctx context.Context, q <-chan job) {
	if ctx == nil {
		ctx = context.Background()
	}
	for {
		select {
		case <-ctx.Done():
			return
		case j, ok := <-q:
			if !ok {
				return
			}
			s.sendOne(ctx, j)
		}
	}
}

func (s *Service) sendOne(runCtx context.Context, j job) {
	s.mu.Lock()
	lim := s.limiter
	ad := s.adapter
	timeout := s.cfg.SendTimeout
	s.mu.Unlock()
	if ad == nil || j.text == "" {
		return
	}

	if err := lim.Wait(runCtx); err != nil {
		// Force-stopped mid-queue; the message is lost, which
		// fire-and-forget semantics allow.
		s.dropped.Add(1)
		return
	}

	cctx, cancel := context.WithTimeout(runCtx, timeout)
	_, err := ad.SendText(cctx, j.target, j.text, nil)
	cancel()

	if err == nil {
		s.sent.Add(1)
		s.appendHistory(j)
		if j.occurrence != "" {
			s.publish(eventbus.TaskDelivered, eventbus.TaskEvent{
				TaskID: j.taskID, Owner: j.owner, Occurrence: j.occurrence,
			})
		}
		s.log.Debug("delivered",
			logx.Int64("chat", j.target.ChatID),
			logx.String("occurrence", j.occurrence))
		return
	}

	s.failed.Add(1)
	if j.occurrence != "" {
		s.publish(eventbus.TaskDeliveryFailed, eventbus.TaskEvent{
			TaskID: j.taskID, Owner: j.owner, Occurrence: j.occurrence, Error: err.Error(),
		})
	}
	s.log.Warn("delivery failed",
		logx.Int64("chat", j.target.ChatID),
		logx.Int64("task_id", j.taskID),
		logx.String("occurrence", j.occurrence),
		logx.Err(err))
}

func (s *Service) appendHistory(j job) {
	s.hmu.Lock()
	s.history = append(s.history, HistoryItem{At: time.Now(), ChatID: j.target.ChatID, Text: j.text})
	if len(s.history) > historyLimit {
		s.history = s.history[len(s.history)-historyLimit:]
	}
	s.hmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Running: s.queue != nil}
	if s.queue != nil {
		snap.QueueLen = len(s.queue)
		snap.QueueCap = cap(s.queue)
	}
	s.mu.Unlock()
	snap.Sent = s.sent.Load()
	snap.Failed = s.failed.Load()
	snap.Dropped = s.dropped.Load()

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) publish(t eventbus.Type, ev eventbus.TaskEvent) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(eventbus.Event{Type: t, Time: time.Now(), Data: ev})
}

// renderReminder keeps the classic wording: tell the user when they asked
// and what they said.
func renderReminder(d sched.Delivery) string {
	text := strings.TrimSpace(d.Task.Payload.Text)
	if text == "" {
		text = "(no message)"
	}
	var b strings.Builder
	b.WriteString("⏰ At ")
	b.WriteString(d.Task.CreatedAt.UTC().Format("2006-01-02 15:04"))
	b.WriteString(" UTC you asked me to remind you: ")
	b.WriteString(text)
	if d.Task.Recurring() {
		if d.Final {
			b.WriteString("\nThis was the last occurrence.")
		} else {
			b.WriteString("\nNext: ")
			b.WriteString(d.Due.Add(d.Task.Recur.Every).UTC().Format("2006-01-02 15:04"))
			b.WriteString(" UTC")
		}
	}
	return b.String()
}
