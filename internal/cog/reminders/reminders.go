// Package reminders implements the user-facing reminder commands on top of
// the scheduler: one-shot and recurring reminders, plus the owner-only
// saylater post into another chat.
package reminders

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"wardenbot/internal/cog"
	"wardenbot/internal/config"
	"wardenbot/internal/sched"
	"wardenbot/internal/store"
	"wardenbot/internal/task"
	"wardenbot/internal/timespec"
	"wardenbot/internal/transport/telegram/router"
	logx "wardenbot/pkg/logx"
)

const remindExamples = `examples:
  /remind in 2 hours: check the oven
  /remind tomorrow at 09:00: standup
  /remind 22:00 every 1h limit 3: hydrate`

type Cog struct {
	deps cog.Deps
}

func New() *Cog { return &Cog{} }

func (c *Cog) Name() string { return "reminders" }

func (c *Cog) Init(ctx context.Context, deps cog.Deps) error {
	c.deps = deps
	return nil
}

func (c *Cog) Start(ctx context.Context) error { return nil }
func (c *Cog) Stop(ctx context.Context) error  { return nil }

func (c *Cog) Commands() []router.Command {
	return []router.Command{
		{
			Route:       "remind",
			Aliases:     []string{"r"},
			Description: "schedule a reminder",
			Usage:       "/remind <when>: <message>  (add \"every <interval> limit <n>\" or \"... until <when>\" before the colon to repeat)",
			Access:      router.AccessEveryone,
			Handle:      c.handleRemind,
		},
		{
			Route:       "remind list",
			Description: "list your pending reminders",
			Usage:       "/remind list",
			Access:      router.AccessEveryone,
			Handle:      c.handleList,
		},
		{
			Route:       "remind cancel",
			Description: "cancel one reminder by id",
			Usage:       "/remind cancel <id>",
			Access:      router.AccessEveryone,
			Handle:      c.handleCancel,
		},
		{
			Route:       "remind clear",
			Description: "cancel all your pending reminders",
			Usage:       "/remind clear",
			Access:      router.AccessEveryone,
			Handle:      c.handleClear,
		},
		{
			Route:       "saylater",
			Description: "schedule a message into another chat",
			Usage:       "/saylater <chat_id> <when>: <message>",
			Access:      router.AccessOwnerOnly,
			Handle:      c.handleSayLater,
		},
	}
}

func (c *Cog) handleRemind(ctx context.Context, req *router.Request) error {
	if strings.TrimSpace(req.Rest) == "" {
		return req.Reply(ctx, "usage: /remind <when>: <message>\n"+remindExamples)
	}

	now := time.Now()
	spec, err := parseRemindSpec(req.Rest, now, limitsFrom(req.Config))
	if err != nil {
		return req.Reply(ctx, err.Error()+"\n"+remindExamples)
	}

	t := task.NewReminder(req.FromID, req.Chat.ChatID, spec.due, spec.message, spec.recur, now)
	created, err := c.schedule(ctx, req, t)
	if err != nil {
		return req.Reply(ctx, scheduleErrText(err))
	}
	return req.Reply(ctx, confirmText(&created, now))
}

func (c *Cog) handleList(ctx context.Context, req *router.Request) error {
	tasks, err := req.Services.Scheduler.List(ctx, req.FromID)
	if err != nil {
		req.Logger.Error("list reminders failed", logx.Any("err", err))
		return req.Reply(ctx, "could not load your reminders, try again")
	}
	if len(tasks) == 0 {
		return req.Reply(ctx, "no pending reminders")
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d pending:\n", len(tasks))
	for i := range tasks {
		b.WriteString(tasks[i].Describe())
		b.WriteByte('\n')
	}
	return req.Reply(ctx, strings.TrimRight(b.String(), "\n"))
}

func (c *Cog) handleCancel(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "usage: /remind cancel <id>")
	}
	id, err := parseTaskID(req.Args[0])
	if err != nil {
		return req.Reply(ctx, "bad reminder id "+strconv.Quote(req.Args[0]))
	}
	if err := req.Services.Scheduler.Cancel(ctx, req.FromID, id); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return req.Reply(ctx, fmt.Sprintf("no pending reminder #%d of yours", id))
		}
		req.Logger.Error("cancel reminder failed", logx.Int64("task_id", id), logx.Any("err", err))
		return req.Reply(ctx, "could not cancel, try again")
	}
	return req.Reply(ctx, fmt.Sprintf("reminder #%d cancelled", id))
}

func (c *Cog) handleClear(ctx context.Context, req *router.Request) error {
	n, err := req.Services.Scheduler.CancelAll(ctx, req.FromID)
	if err != nil {
		req.Logger.Error("clear reminders failed", logx.Any("err", err))
		return req.Reply(ctx, "could not clear, try again")
	}
	if n == 0 {
		return req.Reply(ctx, "no pending reminders")
	}
	return req.Reply(ctx, fmt.Sprintf("cancelled %d reminders", n))
}

func (c *Cog) handleSayLater(ctx context.Context, req *router.Request) error {
	chatTok, rest := router.CutToken(req.Rest)
	chatID, convErr := strconv.ParseInt(chatTok, 10, 64)
	if chatTok == "" || convErr != nil || rest == "" {
		return req.Reply(ctx, "usage: /saylater <chat_id> <when>: <message>")
	}

	now := time.Now()
	spec, err := parseRemindSpec(rest, now, limitsFrom(req.Config))
	if err != nil {
		return req.Reply(ctx, err.Error())
	}

	t := task.NewReminder(req.FromID, chatID, spec.due, spec.message, spec.recur, now)
	created, err := c.schedule(ctx, req, t)
	if err != nil {
		return req.Reply(ctx, scheduleErrText(err))
	}
	return req.Reply(ctx, fmt.Sprintf("message #%d queued for chat %d at %s (in %s)",
		created.ID, chatID, created.Due.Format("2006-01-02 15:04 MST"), fmtDelay(created.Due.Sub(now))))
}

func (c *Cog) schedule(ctx context.Context, req *router.Request, t task.Task) (task.Task, error) {
	created, err := req.Services.Scheduler.Schedule(ctx, t)
	if err != nil && !expectedScheduleErr(err) {
		req.Logger.Error("schedule failed",
			logx.Int64("owner", t.Owner),
			logx.Int64("chat_id", t.Payload.ChatID),
			logx.Any("err", err))
	}
	return created, err
}

// expectedScheduleErr separates user mistakes from store trouble worth an
// error log.
func expectedScheduleErr(err error) bool {
	var quota *store.QuotaExceededError
	return errors.As(err, &quota) || errors.Is(err, sched.ErrPastDue)
}

func scheduleErrText(err error) string {
	var quota *store.QuotaExceededError
	switch {
	case errors.As(err, &quota):
		return fmt.Sprintf("you already have %d pending reminders; cancel one first (/remind list)", quota.Limit)
	case errors.Is(err, sched.ErrPastDue):
		return "that time is already in the past"
	default:
		return "could not save the reminder, try again"
	}
}

type remindSpec struct {
	due     time.Time
	recur   *timespec.Recurrence
	message string
}

// parseRemindSpec reads "in 3 hours every 1h limit 3: drink water" into its
// schedule and message halves.
func parseRemindSpec(raw string, now time.Time, lim timespec.Limits) (remindSpec, error) {
	when, msg, ok := splitWhenMessage(raw)
	if !ok {
		return remindSpec{}, errors.New(`missing message: separate the time and the message with ": " or ","`)
	}
	if msg == "" {
		return remindSpec{}, errors.New("the message is empty")
	}

	tsPart, recurPart := splitRecurrence(when)
	if tsPart == "" {
		if recurPart != "" {
			return remindSpec{}, errors.New(`a recurring reminder still needs a start time, like "in 1h every 1h limit 3: stretch"`)
		}
		return remindSpec{}, errors.New(`give a time before the message, like "in 2 hours: drink water"`)
	}

	due, err := timespec.Parse(tsPart, now)
	if err != nil {
		return remindSpec{}, err
	}

	spec := remindSpec{due: due, message: msg}
	if recurPart != "" {
		rec, err := timespec.ParseRecurrence(recurPart, now, lim)
		if err != nil {
			return remindSpec{}, err
		}
		spec.recur = &rec
	}
	return spec, nil
}

// splitWhenMessage cuts raw at the first comma, or at the first colon that
// is followed by whitespace. A colon followed by anything else stays, so
// clock times like "14:30" parse as part of the schedule.
func splitWhenMessage(raw string) (when, msg string, ok bool) {
	for i := 0; i < len(raw); i++ {
		switch raw[i] {
		case ',':
			return strings.TrimSpace(raw[:i]), strings.TrimSpace(raw[i+1:]), true
		case ':':
			if i+1 < len(raw) && (raw[i+1] == ' ' || raw[i+1] == '\t') {
				return strings.TrimSpace(raw[:i]), strings.TrimSpace(raw[i+1:]), true
			}
		}
	}
	return "", "", false
}

// splitRecurrence peels an "every ..." clause off the end of the schedule
// part. The clause runs to the end of the string; ParseRecurrence owns its
// grammar from there.
func splitRecurrence(when string) (tsPart, recurPart string) {
	lower := strings.ToLower(when)
	if strings.HasPrefix(lower, "every ") || lower == "every" {
		return "", when
	}
	if i := strings.Index(lower, " every "); i >= 0 {
		return strings.TrimSpace(when[:i]), strings.TrimSpace(when[i+1:])
	}
	return strings.TrimSpace(when), ""
}

func limitsFrom(cfg *router.Config) timespec.Limits {
	lim := timespec.DefaultLimits()
	if cfg == nil {
		return lim
	}
	if d, err := config.ParseDurationField("reminders.min_interval", cfg.Reminders.MinInterval); err == nil && d > 0 {
		lim.MinInterval = d
	}
	if cfg.Reminders.MaxRepeats > 0 {
		lim.MaxRepeats = cfg.Reminders.MaxRepeats
	}
	return lim
}

func parseTaskID(tok string) (int64, error) {
	return strconv.ParseInt(strings.TrimPrefix(tok, "#"), 10, 64)
}

func confirmText(t *task.Task, now time.Time) string {
	s := fmt.Sprintf("reminder #%d set for %s (in %s)", t.ID, t.Due.Format("2006-01-02 15:04 MST"), fmtDelay(t.Due.Sub(now)))
	if t.Recurring() {
		s += ", repeats " + t.Recur.String()
	}
	return s
}

// fmtDelay renders a duration the way a person says it: at most two units,
// no zero-padding noise.
func fmtDelay(d time.Duration) string {
	if d < time.Second {
		return "moments"
	}
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0 && m > 0:
		return fmt.Sprintf("%dh%dm", h, m)
	case h > 0:
		return fmt.Sprintf("%dh", h)
	case m > 0 && s > 0:
		return fmt.Sprintf("%dm%ds", m, s)
	case m > 0:
		return fmt.Sprintf("%dm", m)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
