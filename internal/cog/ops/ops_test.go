package ops

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"wardenbot/internal/cog"
	"wardenbot/internal/config"
	"wardenbot/internal/enforce"
	"wardenbot/internal/jobs"
	"wardenbot/internal/notify"
	"wardenbot/internal/sched"
	"wardenbot/internal/task"
	kit "wardenbot/internal/transport"
	"wardenbot/internal/transport/telegram/router"
	logx "wardenbot/pkg/logx"
)

type replyAdapter struct {
	mu   sync.Mutex
	sent []string
}

func (a *replyAdapter) Start(ctx context.Context, out chan<- kit.Update) error { return nil }
func (a *replyAdapter) Stop(ctx context.Context) error                         { return nil }

func (a *replyAdapter) SendText(ctx context.Context, to kit.ChatTarget, text string, opt *kit.SendOptions) (kit.MessageRef, error) {
	a.mu.Lock()
	a.sent = append(a.sent, text)
	a.mu.Unlock()
	return kit.MessageRef{}, nil
}

func (a *replyAdapter) last(t *testing.T) string {
	t.Helper()
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sent) == 0 {
		t.Fatalf("no reply sent")
	}
	return a.sent[len(a.sent)-1]
}

type fakeSched struct{ snap sched.Snapshot }

func (f *fakeSched) Schedule(ctx context.Context, t task.Task) (task.Task, error) { return t, nil }
func (f *fakeSched) Cancel(ctx context.Context, owner, id int64) error            { return nil }
func (f *fakeSched) CancelAll(ctx context.Context, owner int64) (int, error)      { return 0, nil }
func (f *fakeSched) List(ctx context.Context, owner int64) ([]task.Task, error)   { return nil, nil }
func (f *fakeSched) Snapshot() sched.Snapshot                                     { return f.snap }

type fakeEnf struct {
	passes uint64
	last   enforce.LastPass
	lastOK bool
}

func (f *fakeEnf) RunPass(ctx context.Context, reason string) (enforce.PassStats, error) {
	return enforce.PassStats{}, nil
}
func (f *fakeEnf) Passes() uint64                 { return f.passes }
func (f *fakeEnf) Last() (enforce.LastPass, bool) { return f.last, f.lastOK }

type fakeJobs struct{ snap jobs.Snapshot }

func (f *fakeJobs) Snapshot() jobs.Snapshot { return f.snap }

type fakeNotify struct{ snap notify.Snapshot }

func (f *fakeNotify) Send(ctx context.Context, to kit.ChatTarget, text string) error { return nil }
func (f *fakeNotify) Snapshot() notify.Snapshot                                      { return f.snap }

func newStatusRequest(adapter *replyAdapter, serv *router.Services) *router.Request {
	return &router.Request{
		Chat:      kit.ChatTarget{ChatID: 100},
		FromID:    9,
		Flags:     map[string]string{},
		BoolFlags: map[string]bool{},
		Adapter:   adapter,
		Config:    &config.Config{},
		Logger:    logx.Nop(),
		Services:  serv,
	}
}

func initCog(t *testing.T) *Cog {
	t.Helper()
	c := New()
	if err := c.Init(context.Background(), cog.Deps{}); err != nil {
		t.Fatalf("Init() = %v, want nil", err)
	}
	return c
}

func TestPing(t *testing.T) {
	t.Parallel()
	c := initCog(t)

	var ping router.Command
	for _, cmd := range c.Commands() {
		if cmd.Route == "ping" {
			ping = cmd
			break
		}
	}
	if ping.Handle == nil {
		t.Fatalf("ping command not registered")
	}
	if ping.Access != router.AccessEveryone {
		t.Fatalf("ping access = %v, want everyone", ping.Access)
	}

	adapter := &replyAdapter{}
	req := newStatusRequest(adapter, &router.Services{})
	if err := ping.Handle(context.Background(), req); err != nil {
		t.Fatalf("ping handler = %v, want nil", err)
	}
	if reply := adapter.last(t); reply != "pong" {
		t.Fatalf("reply = %q, want %q", reply, "pong")
	}
}

func TestStatusAllWired(t *testing.T) {
	t.Parallel()
	c := initCog(t)

	next := time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)
	fs := &fakeSched{snap: sched.Snapshot{
		Running:  true,
		QueueLen: 2,
		NextDue:  &next,
		Counters: sched.Counters{Scheduled: 4, Fired: 3, Rearmed: 1, Cancelled: 1, LostClaims: 1},
	}}
	fe := &fakeEnf{
		passes: 7,
		lastOK: true,
		last: enforce.LastPass{
			At:     time.Date(2026, 3, 4, 14, 30, 0, 0, time.UTC),
			Reason: "<manual>",
			Stats:  enforce.PassStats{Checked: 3, Applied: 1, Removed: 1},
			Err:    "probe & retry",
		},
	}
	fj := &fakeJobs{snap: jobs.Snapshot{
		Running: true,
		Jobs: []jobs.JobInfo{{
			Name: "task purge",
			Spec: "0 0 4 * * *",
			Next: time.Date(2026, 3, 5, 4, 0, 0, 0, time.UTC),
			Runs: 12, Fails: 1,
		}},
	}}
	fn := &fakeNotify{snap: notify.Snapshot{Running: true, QueueLen: 1, QueueCap: 64, Sent: 5, Failed: 2, Dropped: 1}}

	adapter := &replyAdapter{}
	req := newStatusRequest(adapter, &router.Services{
		Scheduler: fs,
		Enforcer:  fe,
		Jobs:      fj,
		Notifier:  fn,
	})
	if err := c.handleStatus(context.Background(), req); err != nil {
		t.Fatalf("handleStatus() = %v, want nil", err)
	}
	reply := adapter.last(t)

	for _, want := range []string{
		"<b>wardenbot</b> up ",
		"<b>Scheduler</b>\nrunning, queue 2, next due 2026-03-04 15:00 UTC",
		"scheduled 4, fired 3, rearmed 1, exhausted 0, cancelled 1",
		"lost claims 1, claim errors 0, sink errors 0",
		"<b>Enforcement</b>\npasses 7; last \"&lt;manual&gt;\" at 2026-03-04 14:30 UTC: checked 3, applied 1, removed 1, failed 0",
		"last error: probe &amp; retry",
		"<b>Jobs</b>\ntask purge (0 0 4 * * *): runs 12, fails 1, skips 0, next 2026-03-05 04:00 UTC",
		"<b>Notify</b>\nrunning, queue 1/64, sent 5, failed 2, dropped 1",
	} {
		if !strings.Contains(reply, want) {
			t.Fatalf("status reply missing %q:\n%s", want, reply)
		}
	}
	if strings.Contains(reply, "<b>Supervisors</b>") {
		t.Fatalf("status reply has a supervisor section with none registered:\n%s", reply)
	}
}

func TestStatusNothingWired(t *testing.T) {
	t.Parallel()
	c := initCog(t)

	adapter := &replyAdapter{}
	req := newStatusRequest(adapter, &router.Services{})
	if err := c.handleStatus(context.Background(), req); err != nil {
		t.Fatalf("handleStatus() = %v, want nil", err)
	}
	reply := adapter.last(t)
	if got := strings.Count(reply, "not wired"); got != 4 {
		t.Fatalf("status reply has %d unwired sections, want 4:\n%s", got, reply)
	}
}

func TestStatusStoppedJobs(t *testing.T) {
	t.Parallel()
	c := initCog(t)

	adapter := &replyAdapter{}
	req := newStatusRequest(adapter, &router.Services{Jobs: &fakeJobs{snap: jobs.Snapshot{}}})
	if err := c.handleStatus(context.Background(), req); err != nil {
		t.Fatalf("handleStatus() = %v, want nil", err)
	}
	if reply := adapter.last(t); !strings.Contains(reply, "<b>Jobs</b>\nstopped") {
		t.Fatalf("reply = %q, want stopped jobs runner", reply)
	}
}

func TestSupervisorLines(t *testing.T) {
	t.Parallel()

	t.Run("empty services", func(t *testing.T) {
		t.Parallel()
		if lines := supervisorLines(&router.Services{}); len(lines) != 0 {
			t.Fatalf("supervisorLines() = %v, want empty", lines)
		}
	})

	t.Run("app plus registry sorted", func(t *testing.T) {
		t.Parallel()
		app := router.NewSupervisor(context.Background())
		defer app.Cancel()
		reg := router.NewSupervisorRegistry()
		for _, name := range []string{"scheduler", "adapter"} {
			sup := router.NewSupervisor(context.Background())
			defer sup.Cancel()
			reg.Set(name, sup)
		}

		lines := supervisorLines(&router.Services{AppSupervisor: app, RuntimeSupervisors: reg})
		if len(lines) != 3 {
			t.Fatalf("supervisorLines() = %v, want 3 lines", lines)
		}
		if !strings.HasPrefix(lines[0], "app: active 0, started 0") {
			t.Fatalf("lines[0] = %q, want app first", lines[0])
		}
		if !strings.HasPrefix(lines[1], "adapter:") || !strings.HasPrefix(lines[2], "scheduler:") {
			t.Fatalf("registry lines = %v, want sorted by name", lines[1:])
		}
	})

	t.Run("first error surfaces", func(t *testing.T) {
		t.Parallel()
		sup := router.NewSupervisor(context.Background())
		sup.Go("boom", func(ctx context.Context) error { return errors.New("kaput") })
		wctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sup.Wait(wctx); err == nil {
			t.Fatalf("Wait() = nil, want the task error")
		}

		reg := router.NewSupervisorRegistry()
		reg.Set("worker", sup)
		lines := supervisorLines(&router.Services{RuntimeSupervisors: reg})
		if len(lines) != 1 {
			t.Fatalf("supervisorLines() = %v, want 1 line", lines)
		}
		if !strings.Contains(lines[0], "first error: boom: kaput") {
			t.Fatalf("lines[0] = %q, want first error rendered", lines[0])
		}
	})
}

func TestFmtDur(t *testing.T) {
	t.Parallel()

	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0s"},
		{30 * time.Second, "30s"},
		{5*time.Minute + 10*time.Second, "5m"},
		{3*time.Hour + 2*time.Minute, "3h02m"},
		{26 * time.Hour, "26h00m"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.want, func(t *testing.T) {
			t.Parallel()
			if got := fmtDur(tt.d); got != tt.want {
				t.Fatalf("fmtDur(%v) = %q, want %q", tt.d, got, tt.want)
			}
		})
	}
}

func TestFmtTime(t *testing.T) {
	t.Parallel()

	if got := fmtTime(time.Time{}); got != "-" {
		t.Fatalf("fmtTime(zero) = %q, want %q", got, "-")
	}
	ts := time.Date(2026, 3, 4, 15, 0, 0, 0, time.UTC)
	if got := fmtTime(ts); got != "2026-03-04 15:00 UTC" {
		t.Fatalf("fmtTime() = %q, want %q", got, "2026-03-04 15:00 UTC")
	}
	if got := fmtTimePtr(nil); got != "-" {
		t.Fatalf("fmtTimePtr(nil) = %q, want %q", got, "-")
	}
	if got := fmtTimePtr(&ts); got != "2026-03-04 15:00 UTC" {
		t.Fatalf("fmtTimePtr() = %q, want %q", got, "2026-03-04 15:00 UTC")
	}
}
