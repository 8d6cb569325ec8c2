package sched

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"wardenbot/internal/store"
	"wardenbot/internal/task"
	"wardenbot/internal/timespec"
	logx "wardenbot/pkg/logx"
)

// captureSink records deliveries; fail rejects that many upcoming ones.
type captureSink struct {
	mu   sync.Mutex
	got  []Delivery
	fail atomic.Int32
}

func (c *captureSink) Deliver(_ context.Context, d Delivery) error {
	if c.fail.Load() > 0 {
		c.fail.Add(-1)
		return errors.New("queue full")
	}
	c.mu.Lock()
	c.got = append(c.got, d)
	c.mu.Unlock()
	return nil
}

func (c *captureSink) deliveries() []Delivery {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Delivery(nil), c.got...)
}

func (c *captureSink) waitFor(t *testing.T, n int, timeout time.Duration) []Delivery {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for {
		ds := c.deliveries()
		if len(ds) >= n {
			return ds
		}
		if time.Now().After(deadline) {
			t.Fatalf("deliveries = %d, want %d within %v", len(ds), n, timeout)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestService(t *testing.T, cfg Config) (*Service, *captureSink, store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	sink := &captureSink{}
	return New(cfg, st, sink, logx.Nop(), nil), sink, st
}

func startService(t *testing.T, svc *Service) {
	t.Helper()
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start error: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		svc.Stop(ctx)
	})
}

func reminderIn(owner int64, in time.Duration, text string, recur *timespec.Recurrence) task.Task {
	now := time.Now().UTC()
	return task.NewReminder(owner, owner, now.Add(in), text, recur, now)
}

func TestDeliversExactlyOnce(t *testing.T) {
	t.Parallel()
	svc, sink, st := newTestService(t, Config{})
	startService(t, svc)

	tk, err := svc.Schedule(context.Background(), reminderIn(1, 60*time.Millisecond, "drink water", nil))
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	if tk.ID == 0 {
		t.Fatalf("Schedule did not assign an id")
	}

	got := sink.waitFor(t, 1, 2*time.Second)
	if got[0].Task.ID != tk.ID || got[0].Occurrence == "" || !got[0].Final {
		t.Fatalf("delivery = %+v, want task %d, occurrence id, final", got[0], tk.ID)
	}
	if got[0].Task.Fired != 1 {
		t.Fatalf("delivered Fired = %d, want 1", got[0].Task.Fired)
	}

	// Nothing fires twice.
	time.Sleep(150 * time.Millisecond)
	if got := sink.deliveries(); len(got) != 1 {
		t.Fatalf("deliveries after settle = %d, want 1", len(got))
	}
	if pending, _ := st.ListTasks(context.Background(), 1); len(pending) != 0 {
		t.Fatalf("fired task still pending: %+v", pending)
	}
}

func TestRecurringFiresLimitTimesWithExactSpacing(t *testing.T) {
	t.Parallel()
	svc, sink, _ := newTestService(t, Config{})
	startService(t, svc)

	rec := &timespec.Recurrence{Every: 60 * time.Millisecond, Limit: 3}
	tk, err := svc.Schedule(context.Background(), reminderIn(1, 50*time.Millisecond, "stretch", rec))
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}

	got := sink.waitFor(t, 3, 3*time.Second)
	time.Sleep(200 * time.Millisecond)
	if got = sink.deliveries(); len(got) != 3 {
		t.Fatalf("deliveries = %d, want exactly 3", len(got))
	}

	// Each occurrence is due exactly one interval after the previous; the
	// series is never recomputed from the wall clock.
	for i, d := range got {
		if want := tk.Due.Add(time.Duration(i) * rec.Every); !d.Due.Equal(want) {
			t.Fatalf("occurrence %d due = %v, want %v", i+1, d.Due, want)
		}
		if d.Task.Fired != i+1 {
			t.Fatalf("occurrence %d Fired = %d, want %d", i+1, d.Task.Fired, i+1)
		}
	}
	if got[0].Final || got[1].Final || !got[2].Final {
		t.Fatalf("Final flags = %v %v %v, want false false true", got[0].Final, got[1].Final, got[2].Final)
	}

	snap := svc.Snapshot()
	if snap.Counters.Fired != 3 || snap.Counters.Rearmed != 2 || snap.Counters.Exhausted != 1 {
		t.Fatalf("counters = %+v, want fired 3 rearmed 2 exhausted 1", snap.Counters)
	}
}

func TestCancelBeforeDueNeverFires(t *testing.T) {
	t.Parallel()
	svc, sink, _ := newTestService(t, Config{})
	startService(t, svc)

	ctx := context.Background()
	tk, err := svc.Schedule(ctx, reminderIn(1, 150*time.Millisecond, "nope", nil))
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if err := svc.Cancel(ctx, 1, tk.ID); err != nil {
		t.Fatalf("Cancel error: %v", err)
	}
	if err := svc.Cancel(ctx, 1, tk.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("second Cancel = %v, want ErrNotFound", err)
	}

	time.Sleep(300 * time.Millisecond)
	if got := sink.deliveries(); len(got) != 0 {
		t.Fatalf("cancelled task delivered: %+v", got)
	}
}

func TestEarlierScheduleInterruptsWait(t *testing.T) {
	t.Parallel()
	svc, sink, _ := newTestService(t, Config{})
	startService(t, svc)

	ctx := context.Background()
	if _, err := svc.Schedule(ctx, reminderIn(1, 5*time.Second, "far", nil)); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	// The loop is now asleep until the far task. A nearer task must still
	// fire on time.
	near, err := svc.Schedule(ctx, reminderIn(1, 60*time.Millisecond, "near", nil))
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}

	got := sink.waitFor(t, 1, 2*time.Second)
	if got[0].Task.ID != near.ID {
		t.Fatalf("delivered task %d, want the nearer %d", got[0].Task.ID, near.ID)
	}
}

func TestTieBreakIsInsertionOrder(t *testing.T) {
	t.Parallel()
	svc, sink, _ := newTestService(t, Config{})
	startService(t, svc)

	ctx := context.Background()
	now := time.Now().UTC()
	due := now.Add(100 * time.Millisecond)
	first, err := svc.Schedule(ctx, task.NewReminder(1, 1, due, "first", nil, now))
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	second, err := svc.Schedule(ctx, task.NewReminder(2, 2, due, "second", nil, now))
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}

	got := sink.waitFor(t, 2, 2*time.Second)
	if got[0].Task.ID != first.ID || got[1].Task.ID != second.ID {
		t.Fatalf("order = [%d %d], want [%d %d]", got[0].Task.ID, got[1].Task.ID, first.ID, second.ID)
	}
}

func TestRestartFiresMissedTaskOnce(t *testing.T) {
	t.Parallel()
	svc, sink, st := newTestService(t, Config{})
	startService(t, svc)

	tk, err := svc.Schedule(context.Background(), reminderIn(1, 80*time.Millisecond, "missed", nil))
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}

	// Down before the due time, back up after it.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	svc.Stop(ctx)
	cancel()
	time.Sleep(150 * time.Millisecond)

	svc2 := New(Config{}, st, sink, logx.Nop(), nil)
	startService(t, svc2)

	got := sink.waitFor(t, 1, 2*time.Second)
	if got[0].Task.ID != tk.ID {
		t.Fatalf("delivered task %d, want %d", got[0].Task.ID, tk.ID)
	}
	time.Sleep(150 * time.Millisecond)
	if got := sink.deliveries(); len(got) != 1 {
		t.Fatalf("missed task delivered %d times, want once", len(got))
	}
}

func TestRestartCatchUpFiresEachMissedOccurrence(t *testing.T) {
	t.Parallel()
	svc, sink, st := newTestService(t, Config{})

	// Pre-seed a recurring task already two intervals overdue, plus
	// terminal rows that must stay quiet.
	now := time.Now().UTC()
	due := now.Add(-130 * time.Millisecond)
	rec := task.NewReminder(1, 1, due, "burst", &timespec.Recurrence{Every: 60 * time.Millisecond, Limit: 3}, now.Add(-time.Hour))
	if err := st.InsertTask(context.Background(), &rec, 0); err != nil {
		t.Fatalf("InsertTask error: %v", err)
	}
	done := task.NewReminder(2, 2, due, "already fired", nil, now.Add(-time.Hour))
	if err := st.InsertTask(context.Background(), &done, 0); err != nil {
		t.Fatalf("InsertTask error: %v", err)
	}
	if _, err := st.MarkFired(context.Background(), done.ID); err != nil {
		t.Fatalf("MarkFired error: %v", err)
	}

	startService(t, svc)

	got := sink.waitFor(t, 3, 3*time.Second)
	time.Sleep(200 * time.Millisecond)
	if got = sink.deliveries(); len(got) != 3 {
		t.Fatalf("deliveries = %d, want exactly 3", len(got))
	}
	// One fire per missed occurrence, each with its own original due.
	for i, d := range got {
		if d.Task.ID != rec.ID {
			t.Fatalf("occurrence %d from task %d, want %d", i+1, d.Task.ID, rec.ID)
		}
		if want := due.Add(time.Duration(i) * 60 * time.Millisecond); !d.Due.Equal(want) {
			t.Fatalf("occurrence %d due = %v, want %v", i+1, d.Due, want)
		}
	}
}

func TestScheduleValidation(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, Config{Quota: 2})
	startService(t, svc)

	ctx := context.Background()
	if _, err := svc.Schedule(ctx, reminderIn(1, -time.Minute, "too late", nil)); !errors.Is(err, ErrPastDue) {
		t.Fatalf("past due schedule = %v, want ErrPastDue", err)
	}

	for i := 0; i < 2; i++ {
		if _, err := svc.Schedule(ctx, reminderIn(7, time.Hour, "x", nil)); err != nil {
			t.Fatalf("Schedule %d error: %v", i, err)
		}
	}
	var qe *store.QuotaExceededError
	if _, err := svc.Schedule(ctx, reminderIn(7, time.Hour, "over", nil)); !errors.As(err, &qe) {
		t.Fatalf("over-quota schedule = %v, want *QuotaExceededError", err)
	}
	got, err := svc.List(ctx, 7)
	if err != nil || len(got) != 2 {
		t.Fatalf("List after rejected insert = %d tasks, %v, want 2", len(got), err)
	}
}

func TestSinkFailureDoesNotBreakRecurrence(t *testing.T) {
	t.Parallel()
	svc, sink, _ := newTestService(t, Config{})
	startService(t, svc)

	sink.fail.Store(1) // reject the first occurrence's dispatch
	rec := &timespec.Recurrence{Every: 60 * time.Millisecond, Limit: 2}
	if _, err := svc.Schedule(context.Background(), reminderIn(1, 40*time.Millisecond, "flaky", rec)); err != nil {
		t.Fatalf("Schedule error: %v", err)
	}

	// The first occurrence is spent on the failed dispatch; the second
	// still arrives because the re-arm happened before the dispatch.
	got := sink.waitFor(t, 1, 2*time.Second)
	if got[0].Task.Fired != 2 || !got[0].Final {
		t.Fatalf("delivery = %+v, want the second and final occurrence", got[0])
	}
	snap := svc.Snapshot()
	if snap.Counters.SinkErrors != 1 || snap.Counters.Fired != 2 {
		t.Fatalf("counters = %+v, want sink errors 1, fired 2", snap.Counters)
	}
}

func TestSnapshot(t *testing.T) {
	t.Parallel()
	svc, _, _ := newTestService(t, Config{})
	startService(t, svc)

	tk, err := svc.Schedule(context.Background(), reminderIn(1, time.Hour, "later", nil))
	if err != nil {
		t.Fatalf("Schedule error: %v", err)
	}
	snap := svc.Snapshot()
	if !snap.Running || snap.QueueLen != 1 {
		t.Fatalf("snapshot = %+v, want running with one queued task", snap)
	}
	if snap.NextDue == nil || !snap.NextDue.Equal(tk.Due) {
		t.Fatalf("NextDue = %v, want %v", snap.NextDue, tk.Due)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	svc.Stop(ctx)
	if snap := svc.Snapshot(); snap.Running {
		t.Fatalf("snapshot still running after Stop")
	}
}
