// Package ops implements operational commands: a liveness ping and an
// owner-only status overview of the bot's subsystems.
package ops

import (
	"context"
	"fmt"
	"html"
	"sort"
	"strings"
	"time"

	"wardenbot/internal/cog"
	"wardenbot/internal/transport/telegram/router"
)

type Cog struct {
	deps    cog.Deps
	started time.Time
}

func New() *Cog { return &Cog{} }

func (c *Cog) Name() string { return "ops" }

func (c *Cog) Init(ctx context.Context, deps cog.Deps) error {
	c.deps = deps
	c.started = time.Now()
	return nil
}

func (c *Cog) Start(ctx context.Context) error { return nil }
func (c *Cog) Stop(ctx context.Context) error  { return nil }

func (c *Cog) Commands() []router.Command {
	return []router.Command{
		{
			Route:       "ping",
			Description: "liveness check",
			Usage:       "/ping",
			Access:      router.AccessEveryone,
			Handle: func(ctx context.Context, req *router.Request) error {
				return req.Reply(ctx, "pong")
			},
		},
		{
			Route:       "status",
			Description: "subsystem status overview",
			Usage:       "/status",
			Access:      router.AccessOwnerOnly,
			Handle:      c.handleStatus,
		},
	}
}

func (c *Cog) handleStatus(ctx context.Context, req *router.Request) error {
	var b strings.Builder
	fmt.Fprintf(&b, "🛡 <b>wardenbot</b> up %s\n", fmtDur(time.Since(c.started)))

	b.WriteString("\n<b>Scheduler</b>\n")
	if s := req.Services.Scheduler; s != nil {
		snap := s.Snapshot()
		fmt.Fprintf(&b, "%s, queue %d, next due %s\n", runningWord(snap.Running), snap.QueueLen, fmtTimePtr(snap.NextDue))
		cnt := snap.Counters
		fmt.Fprintf(&b, "scheduled %d, fired %d, rearmed %d, exhausted %d, cancelled %d\n",
			cnt.Scheduled, cnt.Fired, cnt.Rearmed, cnt.Exhausted, cnt.Cancelled)
		fmt.Fprintf(&b, "lost claims %d, claim errors %d, sink errors %d\n",
			cnt.LostClaims, cnt.ClaimErrors, cnt.SinkErrors)
	} else {
		b.WriteString("not wired\n")
	}

	b.WriteString("\n<b>Enforcement</b>\n")
	if e := req.Services.Enforcer; e != nil {
		fmt.Fprintf(&b, "passes %d", e.Passes())
		if last, ok := e.Last(); ok {
			fmt.Fprintf(&b, "; last %q at %s: checked %d, applied %d, removed %d, failed %d",
				html.EscapeString(last.Reason), fmtTime(last.At),
				last.Stats.Checked, last.Stats.Applied, last.Stats.Removed, last.Stats.Failed)
			if last.Err != "" {
				fmt.Fprintf(&b, "\nlast error: %s", html.EscapeString(last.Err))
			}
		}
		b.WriteByte('\n')
	} else {
		b.WriteString("not wired\n")
	}

	b.WriteString("\n<b>Jobs</b>\n")
	if j := req.Services.Jobs; j != nil {
		snap := j.Snapshot()
		if !snap.Running {
			b.WriteString("stopped\n")
		} else if len(snap.Jobs) == 0 {
			b.WriteString("none registered\n")
		}
		for _, job := range snap.Jobs {
			fmt.Fprintf(&b, "%s (%s): runs %d, fails %d, skips %d, next %s\n",
				html.EscapeString(job.Name), html.EscapeString(job.Spec),
				job.Runs, job.Fails, job.Skips, fmtTime(job.Next))
		}
	} else {
		b.WriteString("not wired\n")
	}

	b.WriteString("\n<b>Notify</b>\n")
	if n := req.Services.Notifier; n != nil {
		snap := n.Snapshot()
		fmt.Fprintf(&b, "%s, queue %d/%d, sent %d, failed %d, dropped %d\n",
			runningWord(snap.Running), snap.QueueLen, snap.QueueCap, snap.Sent, snap.Failed, snap.Dropped)
	} else {
		b.WriteString("not wired\n")
	}

	if sups := supervisorLines(req.Services); len(sups) > 0 {
		b.WriteString("\n<b>Supervisors</b>\n")
		for _, line := range sups {
			b.WriteString(line)
			b.WriteByte('\n')
		}
	}

	return req.ReplyHTML(ctx, strings.TrimRight(b.String(), "\n"))
}

func supervisorLines(serv *router.Services) []string {
	if serv == nil {
		return nil
	}
	type entry struct {
		name string
		sup  *router.Supervisor
	}
	var entries []entry
	if serv.AppSupervisor != nil {
		entries = append(entries, entry{"app", serv.AppSupervisor})
	}
	if serv.RuntimeSupervisors != nil {
		snap := serv.RuntimeSupervisors.Snapshot()
		names := make([]string, 0, len(snap))
		for name := range snap {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			entries = append(entries, entry{name, snap[name]})
		}
	}

	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.sup == nil {
			continue
		}
		snap := e.sup.CurrentSnapshot()
		line := fmt.Sprintf("%s: active %d, started %d", html.EscapeString(e.name), snap.Counters.Active, snap.Counters.Started)
		var restarts, panics uint64
		for _, r := range snap.Routines {
			restarts += r.Restarts
			panics += r.Panics
		}
		if restarts > 0 || panics > 0 {
			line += fmt.Sprintf(", restarts %d, panics %d", restarts, panics)
		}
		if snap.FirstError != "" {
			line += ", first error: " + html.EscapeString(snap.FirstError)
		}
		out = append(out, line)
	}
	return out
}

func runningWord(up bool) string {
	if up {
		return "running"
	}
	return "stopped"
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04 MST")
}

func fmtTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return fmtTime(*t)
}

func fmtDur(d time.Duration) string {
	d = d.Round(time.Second)
	if d < time.Minute {
		return d.String()
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	return fmt.Sprintf("%dh%02dm", int(d.Hours()), int(d.Minutes())%60)
}
