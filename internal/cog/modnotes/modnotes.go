// Package modnotes implements the moderation-note command set: typed notes
// per subject with soft removal and expiry, the tempban shortcut, and the
// manual enforcement trigger. Every command here is owner-only.
package modnotes

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"wardenbot/internal/cog"
	"wardenbot/internal/config"
	"wardenbot/internal/enforce"
	"wardenbot/internal/eventbus"
	"wardenbot/internal/notes"
	"wardenbot/internal/store"
	"wardenbot/internal/timespec"
	"wardenbot/internal/transport/telegram/router"
	logx "wardenbot/pkg/logx"
)

const defaultTempbanFor = 168 * time.Hour // 7 days

type Cog struct {
	deps cog.Deps
}

func New() *Cog { return &Cog{} }

func (c *Cog) Name() string { return "modnotes" }

func (c *Cog) Init(ctx context.Context, deps cog.Deps) error {
	c.deps = deps
	return nil
}

func (c *Cog) Start(ctx context.Context) error { return nil }
func (c *Cog) Stop(ctx context.Context) error  { return nil }

func (c *Cog) Commands() []router.Command {
	return []router.Command{
		{
			Route:       "notes add",
			Description: "record a note on a subject",
			Usage:       "/notes add <subject> <kind> [--expires <when>] [--timestamp <when>] [--attach <url>]... <body>\nkinds: " + notes.KindNames(),
			Access:      router.AccessOwnerOnly,
			Handle:      c.handleAdd,
		},
		{
			Route:       "notes list",
			Description: "list a subject's notes",
			Usage:       "/notes list <subject> [--all]",
			Access:      router.AccessOwnerOnly,
			Switches:    []string{"all"},
			Handle:      c.handleList,
		},
		{
			Route:       "notes removed",
			Description: "list a subject's removed notes",
			Usage:       "/notes removed <subject>",
			Access:      router.AccessOwnerOnly,
			Handle:      c.handleRemoved,
		},
		{
			Route:       "notes show",
			Description: "show one note",
			Usage:       "/notes show <id>",
			Access:      router.AccessOwnerOnly,
			Handle:      c.handleShow,
		},
		{
			Route:       "notes expires",
			Description: "change a note's expiry (no time = expire now)",
			Usage:       "/notes expires <id> [<when>|never]",
			Access:      router.AccessOwnerOnly,
			Handle:      c.handleExpires,
		},
		{
			Route:       "notes rem",
			Description: "remove a note (recoverable)",
			Usage:       "/notes rem <id>",
			Access:      router.AccessOwnerOnly,
			Handle:      c.handleRemove,
		},
		{
			Route:       "notes restore",
			Description: "restore a removed note",
			Usage:       "/notes restore <id>",
			Access:      router.AccessOwnerOnly,
			Handle:      c.handleRestore,
		},
		{
			Route:       "notes purge",
			Description: "permanently delete a removed note",
			Usage:       "/notes purge <id>",
			Access:      router.AccessOwnerOnly,
			Handle:      c.handlePurge,
		},
		{
			Route:       "tempban",
			Description: "record a temp ban and enforce it now",
			Usage:       "/tempban <subject> [--for <when>] [reason...]",
			Access:      router.AccessOwnerOnly,
			Handle:      c.handleTempban,
		},
		{
			Route:       "enforce",
			Description: "run an enforcement pass now",
			Usage:       "/enforce",
			Access:      router.AccessOwnerOnly,
			Handle:      c.handleEnforce,
		},
	}
}

func (c *Cog) handleAdd(ctx context.Context, req *router.Request) error {
	if len(req.Args) < 3 {
		return req.Reply(ctx, "usage: /notes add <subject> <kind> [--expires <when>] <body>\nkinds: "+notes.KindNames())
	}
	subject, err := parseSubject(req.Args[0])
	if err != nil {
		return req.Reply(ctx, err.Error())
	}
	kind, err := notes.ParseKind(req.Args[1])
	if err != nil {
		return req.Reply(ctx, err.Error())
	}
	body := strings.Join(req.Args[2:], " ")

	now := time.Now()
	createdAt := now
	if raw, ok := req.Flags["timestamp"]; ok {
		ts, err := timespec.Parse(raw, now)
		if err != nil {
			return req.Reply(ctx, err.Error())
		}
		createdAt = ts
	}
	var expires *time.Time
	if raw, ok := req.Flags["expires"]; ok {
		ts, err := timespec.Parse(raw, now)
		if err != nil {
			return req.Reply(ctx, err.Error())
		}
		expires = &ts
	}

	n := notes.New(subject, req.FromID, kind, body, createdAt, expires)
	n.Attachments = collectFlagValues(req.RawArgs, "attach")
	if err := req.Services.Store.InsertNote(ctx, &n); err != nil {
		req.Logger.Error("insert note failed", logx.Int64("subject", subject), logx.Any("err", err))
		return req.Reply(ctx, "could not save the note, try again")
	}

	c.publishNote(eventbus.NoteAdded, &n)
	c.passAfterChange(ctx, req, &n, "note added")
	return req.Reply(ctx, "added:\n"+n.Describe(now))
}

func (c *Cog) handleList(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "usage: /notes list <subject> [--all]")
	}
	subject, err := parseSubject(req.Args[0])
	if err != nil {
		return req.Reply(ctx, err.Error())
	}
	all := req.BoolFlags["all"]

	ns, err := req.Services.Store.ListNotes(ctx, subject, all)
	if err != nil {
		req.Logger.Error("list notes failed", logx.Int64("subject", subject), logx.Any("err", err))
		return req.Reply(ctx, "could not load notes, try again")
	}
	if len(ns) == 0 {
		return req.Reply(ctx, fmt.Sprintf("no notes for subject %d", subject))
	}
	return req.Reply(ctx, describeAll(fmt.Sprintf("%d notes for subject %d:", len(ns), subject), ns))
}

func (c *Cog) handleRemoved(ctx context.Context, req *router.Request) error {
	if len(req.Args) != 1 {
		return req.Reply(ctx, "usage: /notes removed <subject>")
	}
	subject, err := parseSubject(req.Args[0])
	if err != nil {
		return req.Reply(ctx, err.Error())
	}

	ns, err := req.Services.Store.ListRemovedNotes(ctx, subject)
	if err != nil {
		req.Logger.Error("list removed notes failed", logx.Int64("subject", subject), logx.Any("err", err))
		return req.Reply(ctx, "could not load notes, try again")
	}
	if len(ns) == 0 {
		return req.Reply(ctx, fmt.Sprintf("no removed notes for subject %d", subject))
	}
	return req.Reply(ctx, describeAll(fmt.Sprintf("%d removed notes for subject %d:", len(ns), subject), ns))
}

func (c *Cog) handleShow(ctx context.Context, req *router.Request) error {
	id, ok := requireNoteID(ctx, req, "/notes show <id>")
	if !ok {
		return nil
	}
	n, err := req.Services.Store.GetNote(ctx, id)
	if err != nil {
		return req.Reply(ctx, c.noteFail(req, "show", id, err))
	}
	return req.Reply(ctx, n.Describe(time.Now()))
}

func (c *Cog) handleExpires(ctx context.Context, req *router.Request) error {
	idTok, rest := router.CutToken(req.Rest)
	if idTok == "" {
		return req.Reply(ctx, "usage: /notes expires <id> [<when>|never]")
	}
	id, err := parseNoteID(idTok)
	if err != nil {
		return req.Reply(ctx, "bad note id "+strconv.Quote(idTok))
	}

	now := time.Now()
	var expires *time.Time
	switch {
	case rest == "":
		// no time given: expire immediately
		expires = &now
	case strings.EqualFold(rest, "never"):
		expires = nil
	default:
		ts, err := timespec.Parse(rest, now)
		if err != nil {
			return req.Reply(ctx, err.Error())
		}
		expires = &ts
	}

	if err := req.Services.Store.SetNoteExpiry(ctx, id, expires); err != nil {
		return req.Reply(ctx, c.noteFail(req, "expires", id, err))
	}

	n, err := req.Services.Store.GetNote(ctx, id)
	if err != nil {
		// expiry is saved; only the echo failed
		return req.Reply(ctx, fmt.Sprintf("note #%d expiry updated", id))
	}
	c.publishNote(eventbus.NoteExpiryChanged, &n)
	c.passAfterChange(ctx, req, &n, "expiry changed")
	return req.Reply(ctx, "updated:\n"+n.Describe(now))
}

func (c *Cog) handleRemove(ctx context.Context, req *router.Request) error {
	id, ok := requireNoteID(ctx, req, "/notes rem <id>")
	if !ok {
		return nil
	}
	if err := req.Services.Store.RemoveNote(ctx, id); err != nil {
		return req.Reply(ctx, c.noteFail(req, "remove", id, err))
	}
	n, err := req.Services.Store.GetNote(ctx, id)
	if err == nil {
		c.publishNote(eventbus.NoteRemoved, &n)
		c.passAfterChange(ctx, req, &n, "note removed")
	}
	return req.Reply(ctx, fmt.Sprintf("note #%d removed (undo with /notes restore %d)", id, id))
}

func (c *Cog) handleRestore(ctx context.Context, req *router.Request) error {
	id, ok := requireNoteID(ctx, req, "/notes restore <id>")
	if !ok {
		return nil
	}
	if err := req.Services.Store.RestoreNote(ctx, id); err != nil {
		return req.Reply(ctx, c.noteFail(req, "restore", id, err))
	}
	n, err := req.Services.Store.GetNote(ctx, id)
	if err == nil {
		c.publishNote(eventbus.NoteRestored, &n)
		c.passAfterChange(ctx, req, &n, "note restored")
	}
	return req.Reply(ctx, fmt.Sprintf("note #%d restored", id))
}

func (c *Cog) handlePurge(ctx context.Context, req *router.Request) error {
	id, ok := requireNoteID(ctx, req, "/notes purge <id>")
	if !ok {
		return nil
	}
	// read first: the event wants subject and kind, the row is gone after
	n, getErr := req.Services.Store.GetNote(ctx, id)
	if err := req.Services.Store.PurgeNote(ctx, id); err != nil {
		return req.Reply(ctx, c.noteFail(req, "purge", id, err))
	}
	if getErr == nil {
		c.publishNote(eventbus.NotePurged, &n)
	}
	return req.Reply(ctx, fmt.Sprintf("note #%d permanently deleted", id))
}

func (c *Cog) handleTempban(ctx context.Context, req *router.Request) error {
	// Checked before the note is written: a ban nobody will enforce should
	// not be half-recorded.
	if req.Services.Enforcer == nil {
		return req.Reply(ctx, "enforcement is not configured (set enforcement.group_id)")
	}
	if len(req.Args) < 1 {
		return req.Reply(ctx, "usage: /tempban <subject> [--for <when>] [reason...]")
	}
	subject, err := parseSubject(req.Args[0])
	if err != nil {
		return req.Reply(ctx, err.Error())
	}
	reason := strings.Join(req.Args[1:], " ")
	if reason == "" {
		reason = "tempban"
	}

	now := time.Now()
	var expires time.Time
	if raw, ok := req.Flags["for"]; ok {
		ts, err := timespec.Parse(raw, now)
		if err != nil {
			return req.Reply(ctx, err.Error())
		}
		if !ts.After(now) {
			return req.Reply(ctx, "the ban must end in the future")
		}
		expires = ts
	} else {
		expires = now.Add(c.tempbanFor(req.Config))
	}

	n := notes.New(subject, req.FromID, notes.KindTemp, reason, now, &expires)
	if err := req.Services.Store.InsertNote(ctx, &n); err != nil {
		req.Logger.Error("insert tempban note failed", logx.Int64("subject", subject), logx.Any("err", err))
		return req.Reply(ctx, "could not save the ban, try again")
	}
	c.publishNote(eventbus.NoteAdded, &n)

	msg := fmt.Sprintf("tempban #%d for subject %d until %s", n.ID, subject, expires.UTC().Format("2006-01-02 15:04 MST"))
	stats, perr := req.Services.Enforcer.RunPass(ctx, "tempban")
	if perr != nil {
		req.Logger.Warn("enforcement pass after tempban failed", logx.Int64("subject", subject), logx.Any("err", perr))
		msg += "\nenforcement pass failed, the periodic pass will retry: " + perr.Error()
	} else {
		msg += "\npass: " + passStatsText(stats)
	}
	return req.Reply(ctx, msg)
}

func (c *Cog) handleEnforce(ctx context.Context, req *router.Request) error {
	if req.Services.Enforcer == nil {
		return req.Reply(ctx, "enforcement is not configured (set enforcement.group_id)")
	}
	stats, err := req.Services.Enforcer.RunPass(ctx, "manual")
	if err != nil {
		req.Logger.Error("manual enforcement pass failed", logx.Any("err", err))
		return req.Reply(ctx, "enforcement pass failed: "+err.Error())
	}
	return req.Reply(ctx, "pass complete: "+passStatsText(stats))
}

// tempbanFor reads the default sanction length from config.
func (c *Cog) tempbanFor(cfg *router.Config) time.Duration {
	if cfg == nil {
		return defaultTempbanFor
	}
	d, err := config.ParseDurationOrDefault("enforcement.tempban_for", cfg.Enforcement.TempbanFor, defaultTempbanFor)
	if err != nil {
		return defaultTempbanFor
	}
	return d
}

// passAfterChange runs an immediate enforcement pass when a change touched
// a temp note, so sanction state catches up without waiting for the
// periodic sweep. Failures are logged; the periodic pass retries.
func (c *Cog) passAfterChange(ctx context.Context, req *router.Request, n *notes.Note, reason string) {
	if n.Kind != notes.KindTemp || req.Services.Enforcer == nil {
		return
	}
	if _, err := req.Services.Enforcer.RunPass(ctx, reason); err != nil {
		req.Logger.Warn("enforcement pass after note change failed",
			logx.String("reason", reason),
			logx.Int64("subject", n.Subject),
			logx.Any("err", err))
	}
}

func (c *Cog) publishNote(t eventbus.Type, n *notes.Note) {
	if c.deps.Bus == nil {
		return
	}
	c.deps.Bus.Publish(eventbus.Event{Type: t, Data: eventbus.NoteEvent{NoteID: n.ID, Subject: n.Subject, Kind: string(n.Kind)}})
}

// noteFail logs unexpected storage errors and renders a reply for all of
// them.
func (c *Cog) noteFail(req *router.Request, op string, id int64, err error) string {
	expected := errors.Is(err, store.ErrNotFound) ||
		errors.Is(err, store.ErrNoteRemoved) ||
		errors.Is(err, store.ErrNoteNotRemoved)
	if !expected {
		req.Logger.Error("note op failed", logx.String("op", op), logx.Int64("note_id", id), logx.Any("err", err))
	}
	switch {
	case errors.Is(err, store.ErrNotFound):
		return fmt.Sprintf("no note #%d", id)
	case errors.Is(err, store.ErrNoteRemoved):
		return fmt.Sprintf("note #%d is removed; /notes restore %d first", id, id)
	case errors.Is(err, store.ErrNoteNotRemoved):
		return fmt.Sprintf("note #%d is not removed (only removed notes can be restored or purged)", id)
	default:
		return "storage trouble, try again"
	}
}

func requireNoteID(ctx context.Context, req *router.Request, usage string) (int64, bool) {
	if len(req.Args) != 1 {
		_ = req.Reply(ctx, "usage: "+usage)
		return 0, false
	}
	id, err := parseNoteID(req.Args[0])
	if err != nil {
		_ = req.Reply(ctx, "bad note id "+strconv.Quote(req.Args[0]))
		return 0, false
	}
	return id, true
}

func parseNoteID(tok string) (int64, error) {
	id, err := strconv.ParseInt(strings.TrimPrefix(tok, "#"), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("bad note id %q", tok)
	}
	return id, nil
}

func parseSubject(tok string) (int64, error) {
	id, err := strconv.ParseInt(tok, 10, 64)
	if err != nil || id == 0 {
		return 0, fmt.Errorf("bad subject %q: give a numeric Telegram user id", tok)
	}
	return id, nil
}

// collectFlagValues gathers every value of a repeatable --flag from the raw
// argument list; the flag map keeps only the last one. Stops at a bare "--"
// like the flag parser does.
func collectFlagValues(raw []string, name string) []string {
	var out []string
	key := "--" + name
	for i := 0; i < len(raw); i++ {
		tok := raw[i]
		if tok == "--" {
			break
		}
		low := strings.ToLower(tok)
		if low == key {
			if i+1 < len(raw) && !strings.HasPrefix(raw[i+1], "--") {
				out = append(out, raw[i+1])
				i++
			}
			continue
		}
		if strings.HasPrefix(low, key+"=") {
			if v := tok[len(key)+1:]; v != "" {
				out = append(out, v)
			}
		}
	}
	return out
}

func describeAll(header string, ns []notes.Note) string {
	now := time.Now()
	var b strings.Builder
	b.WriteString(header)
	for i := range ns {
		b.WriteString("\n\n")
		b.WriteString(ns[i].Describe(now))
	}
	return b.String()
}

func passStatsText(st enforce.PassStats) string {
	return fmt.Sprintf("checked %d, applied %d, removed %d, failed %d", st.Checked, st.Applied, st.Removed, st.Failed)
}
