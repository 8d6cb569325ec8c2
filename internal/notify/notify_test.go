package notify

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wardenbot/internal/eventbus"
	"wardenbot/internal/sched"
	"wardenbot/internal/task"
	"wardenbot/internal/timespec"
	kit "wardenbot/internal/transport"
	logx "wardenbot/pkg/logx"
)

type sentMsg struct {
	chat int64
	text string
}

// fakeAdapter records sends. entered signals each SendText entry; block, if
// non-nil, holds the send until released.
type fakeAdapter struct {
	mu      sync.Mutex
	sent    []sentMsg
	fail    atomic.Int32
	entered chan struct{}
	block   chan struct{}
}

func (f *fakeAdapter) Start(context.Context, chan<- kit.Update) error { return nil }
func (f *fakeAdapter) Stop(context.Context) error                     { return nil }

func (f *fakeAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, _ *kit.SendOptions) (kit.MessageRef, error) {
	if f.entered != nil {
		select {
		case f.entered <- struct{}{}:
		default:
		}
	}
	if f.block != nil {
		select {
		case <-f.block:
		case <-ctx.Done():
			return kit.MessageRef{}, ctx.Err()
		}
	}
	if f.fail.Load() > 0 {
		f.fail.Add(-1)
		return kit.MessageRef{}, errors.New("telegram: forbidden")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentMsg{to.ChatID, text})
	return kit.MessageRef{ChatID: to.ChatID, MessageID: len(f.sent)}, nil
}

func (f *fakeAdapter) messages() []sentMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentMsg(nil), f.sent...)
}

func (f *fakeAdapter) waitFor(t *testing.T, n int, timeout time.Duration) []sentMsg {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		ms := f.messages()
		if len(ms) >= n {
			return ms
		}
		if time.Now().After(deadline) {
			t.Fatalf("sent = %d, want %d within %v", len(ms), n, timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func startPipeline(t *testing.T, cfg Config, ad *fakeAdapter, bus eventbus.Bus) *Service {
	t.Helper()
	s := New(cfg, ad, logx.Nop(), bus)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func reminderDelivery(occurrence string, chatID int64, text string) sched.Delivery {
	return sched.Delivery{
		Occurrence: occurrence,
		Task: task.Task{
			ID:        1,
			Owner:     chatID,
			Payload:   task.Payload{Kind: task.PayloadMessage, ChatID: chatID, Text: text},
			CreatedAt: time.Date(2026, time.September, 1, 10, 30, 0, 0, time.UTC),
		},
		Due:   time.Date(2026, time.September, 2, 9, 0, 0, 0, time.UTC),
		Final: true,
	}
}

func TestDeliverSendsRenderedReminder(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	ad := &fakeAdapter{}
	s := startPipeline(t, Config{}, ad, bus)

	if err := s.Deliver(context.Background(), reminderDelivery("occ-1", 42, "drink water")); err != nil {
		t.Fatalf("Deliver error: %v", err)
	}
	got := ad.waitFor(t, 1, 2*time.Second)
	if got[0].chat != 42 {
		t.Fatalf("sent to chat %d, want 42", got[0].chat)
	}
	if want := "⏰ At 2026-09-01 10:30 UTC you asked me to remind you: drink water"; got[0].text != want {
		t.Fatalf("text = %q, want %q", got[0].text, want)
	}

	select {
	case ev := <-ch:
		if ev.Type != eventbus.TaskDelivered {
			t.Fatalf("event = %s, want task.delivered", ev.Type)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no task.delivered event")
	}

	snap := s.Snapshot()
	if snap.Sent != 1 || len(snap.History) != 1 {
		t.Fatalf("snapshot = %+v, want one sent with history", snap)
	}
}

func TestRenderReminder(t *testing.T) {
	t.Parallel()
	base := reminderDelivery("o", 7, "stretch")
	recur := &timespec.Recurrence{Every: time.Hour, Limit: 3}

	cases := []struct {
		name string
		mut  func(*sched.Delivery)
		want string
	}{
		{
			name: "one shot",
			mut:  func(d *sched.Delivery) {},
			want: "⏰ At 2026-09-01 10:30 UTC you asked me to remind you: stretch",
		},
		{
			name: "recurring with more to come",
			mut: func(d *sched.Delivery) {
				d.Task.Recur = recur
				d.Final = false
			},
			want: "⏰ At 2026-09-01 10:30 UTC you asked me to remind you: stretch\nNext: 2026-09-02 10:00 UTC",
		},
		{
			name: "recurring final",
			mut: func(d *sched.Delivery) {
				d.Task.Recur = recur
				d.Final = true
			},
			want: "⏰ At 2026-09-01 10:30 UTC you asked me to remind you: stretch\nThis was the last occurrence.",
		},
		{
			name: "empty message",
			mut: func(d *sched.Delivery) {
				d.Task.Payload.Text = "  "
			},
			want: "⏰ At 2026-09-01 10:30 UTC you asked me to remind you: (no message)",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			d := base
			tc.mut(&d)
			if got := renderReminder(d); got != tc.want {
				t.Fatalf("renderReminder = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestFullQueueRejectsWithoutBlocking(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{
		entered: make(chan struct{}, 1),
		block:   make(chan struct{}),
	}
	s := startPipeline(t, Config{Workers: 1, QueueSize: 1}, ad, nil)
	ctx := context.Background()

	// First delivery occupies the worker, second fills the queue.
	if err := s.Deliver(ctx, reminderDelivery("occ-1", 1, "a")); err != nil {
		t.Fatalf("Deliver 1 error: %v", err)
	}
	<-ad.entered
	if err := s.Deliver(ctx, reminderDelivery("occ-2", 1, "b")); err != nil {
		t.Fatalf("Deliver 2 error: %v", err)
	}

	start := time.Now()
	err := s.Deliver(ctx, reminderDelivery("occ-3", 1, "c"))
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("Deliver 3 = %v, want ErrQueueFull", err)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("full-queue reject took %v, must not block", elapsed)
	}

	close(ad.block)
	ad.waitFor(t, 2, 2*time.Second)
	if snap := s.Snapshot(); snap.Dropped != 1 {
		t.Fatalf("dropped = %d, want 1", snap.Dropped)
	}
}

func TestStopDrainsQueue(t *testing.T) {
	t.Parallel()
	ad := &fakeAdapter{}
	s := New(Config{Workers: 1}, ad, logx.Nop(), nil)
	s.Start(context.Background())

	ctx := context.Background()
	if err := s.Send(ctx, kit.ChatTarget{ChatID: 10}, "one"); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if err := s.Send(ctx, kit.ChatTarget{ChatID: 10}, "two"); err != nil {
		t.Fatalf("Send error: %v", err)
	}
	if err := s.Deliver(ctx, reminderDelivery("occ-1", 10, "three")); err != nil {
		t.Fatalf("Deliver error: %v", err)
	}

	sctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	s.Stop(sctx)

	if got := ad.messages(); len(got) != 3 {
		t.Fatalf("sent after drain = %d messages, want 3", len(got))
	}
	if err := s.Send(ctx, kit.ChatTarget{ChatID: 10}, "late"); !errors.Is(err, ErrStopped) {
		t.Fatalf("Send after stop = %v, want ErrStopped", err)
	}
}

func TestSendFailureIsCountedNotRetried(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	ch, unsub := bus.Subscribe(16)
	defer unsub()

	ad := &fakeAdapter{}
	ad.fail.Store(1)
	s := startPipeline(t, Config{Workers: 1}, ad, bus)

	if err := s.Deliver(context.Background(), reminderDelivery("occ-1", 5, "x")); err != nil {
		t.Fatalf("Deliver error: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for s.Snapshot().Failed < 1 {
		if time.Now().After(deadline) {
			t.Fatalf("failure never counted")
		}
		time.Sleep(5 * time.Millisecond)
	}

	select {
	case ev := <-ch:
		if ev.Type != eventbus.TaskDeliveryFailed {
			t.Fatalf("event = %s, want task.delivery_failed", ev.Type)
		}
		data, ok := ev.Data.(eventbus.TaskEvent)
		if !ok || data.Occurrence != "occ-1" || data.Error == "" {
			t.Fatalf("event data = %+v, want the failed occurrence", ev.Data)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no task.delivery_failed event")
	}

	// Fire-and-forget: the send is not attempted again.
	time.Sleep(100 * time.Millisecond)
	if got := ad.messages(); len(got) != 0 {
		t.Fatalf("messages after failure = %d, want 0 (no retry)", len(got))
	}
}
