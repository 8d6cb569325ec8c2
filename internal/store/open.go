package store

import (
	"context"
	"errors"
	"strings"
	"time"

	"wardenbot/internal/notes"
	"wardenbot/internal/task"
	logx "wardenbot/pkg/logx"
)

// Config configures storage.
//
// Driver values:
//   - "sqlite": SQLite database file (production default)
//   - "memory": in-process, non-durable (tests, ephemeral runs)
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Store is the persistence API shared by the scheduler, the enforcement
// engine and the command surface. Implementations are safe for concurrent
// use; conditional updates (cancel, fire, re-arm) resolve races by letting
// the first committed single-row update win.
type Store interface {
	// InsertTask assigns the task id and persists it. When quota > 0 and
	// the owner already has quota pending tasks, it fails with
	// *QuotaExceededError and changes nothing.
	InsertTask(ctx context.Context, t *task.Task, quota int) error
	// CancelTask moves a pending task to cancelled. It fails with
	// ErrNotFound when the task is absent, terminal, or owned by another.
	CancelTask(ctx context.Context, id, owner int64) error
	// CancelOwnerTasks cancels all of an owner's pending tasks.
	CancelOwnerTasks(ctx context.Context, owner int64) (int, error)
	// ListTasks returns the owner's pending tasks in due order.
	ListTasks(ctx context.Context, owner int64) ([]task.Task, error)
	// PendingTasks returns every pending task in (due, id) order.
	PendingTasks(ctx context.Context) ([]task.Task, error)
	// MarkFired claims a pending task as fired. false means the claim lost
	// (the task was cancelled or already fired).
	MarkFired(ctx context.Context, id int64) (bool, error)
	// RearmTask claims one occurrence of a recurring task: advances the due
	// time from prev to next, records the fire count, leaves it pending.
	// The prev match makes the claim single-shot; false means the claim
	// lost (cancelled, or the occurrence was already claimed).
	RearmTask(ctx context.Context, id int64, prev, next time.Time, fired int) (bool, error)
	// NextDue returns the earliest pending due time, or nil when idle.
	NextDue(ctx context.Context) (*time.Time, error)
	// PurgeTerminalTasksBefore deletes fired/cancelled tasks due before the
	// cutoff.
	PurgeTerminalTasksBefore(ctx context.Context, cutoff time.Time) (int, error)

	// InsertNote assigns the note id and persists it.
	InsertNote(ctx context.Context, n *notes.Note) error
	GetNote(ctx context.Context, id int64) (notes.Note, error)
	// ListNotes returns the subject's notes in insertion order, hiding
	// removed ones unless includeRemoved is set.
	ListNotes(ctx context.Context, subject int64, includeRemoved bool) ([]notes.Note, error)
	ListRemovedNotes(ctx context.Context, subject int64) ([]notes.Note, error)
	// SetNoteExpiry updates the expiry of a non-removed note; nil makes it
	// indefinite.
	SetNoteExpiry(ctx context.Context, id int64, expires *time.Time) error
	// RemoveNote soft-deletes a note; RestoreNote undoes that; PurgeNote
	// permanently deletes an already-removed note (ErrNoteNotRemoved
	// otherwise).
	RemoveNote(ctx context.Context, id int64) error
	RestoreNote(ctx context.Context, id int64) error
	PurgeNote(ctx context.Context, id int64) error

	// ActiveSanctionSubjects returns the distinct subjects of non-removed
	// temp notes with no expiry or an expiry after now, ascending.
	ActiveSanctionSubjects(ctx context.Context, now time.Time) ([]int64, error)
	// SanctionCandidates returns every subject that ever held a temp note,
	// including removed and expired ones, ascending.
	SanctionCandidates(ctx context.Context) ([]int64, error)

	Close() error
}

// Open initializes the configured store. Open or migration failure is the
// one startup error the caller treats as fatal.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "memory":
		return newMemory(), nil
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
