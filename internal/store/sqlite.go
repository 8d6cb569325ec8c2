package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"wardenbot/internal/notes"
	"wardenbot/internal/task"
	"wardenbot/internal/timespec"
	logx "wardenbot/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("sqlite path is required")
	}
	path := cfg.Path
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log}

	if cfg.BusyTimeout > 0 {
		ms := cfg.BusyTimeout.Milliseconds()
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", ms))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	log.Info("sqlite store ready", logx.String("path", path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *sqliteStore) InsertTask(ctx context.Context, t *task.Task, quota int) error {
	payload, err := task.EncodePayload(t.Payload)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if quota > 0 {
		var pending int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM tasks WHERE owner = ? AND state = ?`,
			t.Owner, task.StatePending,
		).Scan(&pending)
		if err != nil {
			return err
		}
		if pending >= quota {
			return &QuotaExceededError{Owner: t.Owner, Limit: quota}
		}
	}

	every, limit, until := encodeRecur(t.Recur)
	res, err := tx.ExecContext(ctx,
		`INSERT INTO tasks(owner, due, recur_every, recur_limit, recur_until, fired, payload, state, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		t.Owner, t.Due.UnixMilli(), every, limit, until, t.Fired, payload, string(t.State), t.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	t.ID = id
	return nil
}

func (s *sqliteStore) CancelTask(ctx context.Context, id, owner int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ? WHERE id = ? AND owner = ? AND state = ?`,
		task.StateCancelled, id, owner, task.StatePending,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("pending task %d for owner %d: %w", id, owner, ErrNotFound)
	}
	return nil
}

func (s *sqliteStore) CancelOwnerTasks(ctx context.Context, owner int64) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ? WHERE owner = ? AND state = ?`,
		task.StateCancelled, owner, task.StatePending,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

const taskCols = `id, owner, due, recur_every, recur_limit, recur_until, fired, payload, state, created_at`

func (s *sqliteStore) ListTasks(ctx context.Context, owner int64) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE owner = ? AND state = ? ORDER BY due, id`,
		owner, task.StatePending,
	)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

func (s *sqliteStore) PendingTasks(ctx context.Context) ([]task.Task, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+taskCols+` FROM tasks WHERE state = ? ORDER BY due, id`,
		task.StatePending,
	)
	if err != nil {
		return nil, err
	}
	return scanTasks(rows)
}

func (s *sqliteStore) MarkFired(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, fired = fired + 1 WHERE id = ? AND state = ?`,
		task.StateFired, id, task.StatePending,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) RearmTask(ctx context.Context, id int64, prev, next time.Time, fired int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET due = ?, fired = ? WHERE id = ? AND state = ? AND due = ?`,
		next.UnixMilli(), fired, id, task.StatePending, prev.UnixMilli(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (s *sqliteStore) NextDue(ctx context.Context) (*time.Time, error) {
	var ms sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT MIN(due) FROM tasks WHERE state = ?`, task.StatePending,
	).Scan(&ms)
	if err != nil {
		return nil, err
	}
	if !ms.Valid {
		return nil, nil
	}
	t := time.UnixMilli(ms.Int64).UTC()
	return &t, nil
}

func (s *sqliteStore) PurgeTerminalTasksBefore(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM tasks WHERE state != ? AND due < ?`,
		task.StatePending, cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *sqliteStore) InsertNote(ctx context.Context, n *notes.Note) error {
	attach, err := notes.EncodeAttachments(n.Attachments)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO notes(subject, author, kind, body, attachments, created_at, expires, removed)
		 VALUES(?,?,?,?,?,?,?,?)`,
		n.Subject, n.Author, string(n.Kind), n.Body, attach,
		n.CreatedAt.UnixMilli(), nullMilli(n.Expires), n.Removed,
	)
	if err != nil {
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	n.ID = id
	return nil
}

const noteCols = `id, subject, author, kind, body, attachments, created_at, expires, removed`

func (s *sqliteStore) GetNote(ctx context.Context, id int64) (notes.Note, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+noteCols+` FROM notes WHERE id = ?`, id,
	)
	n, err := scanNote(row)
	if errors.Is(err, sql.ErrNoRows) {
		return notes.Note{}, fmt.Errorf("note %d: %w", id, ErrNotFound)
	}
	return n, err
}

func (s *sqliteStore) ListNotes(ctx context.Context, subject int64, includeRemoved bool) ([]notes.Note, error) {
	q := `SELECT ` + noteCols + ` FROM notes WHERE subject = ?`
	if !includeRemoved {
		q += ` AND removed = 0`
	}
	q += ` ORDER BY id`
	rows, err := s.db.QueryContext(ctx, q, subject)
	if err != nil {
		return nil, err
	}
	return scanNotes(rows)
}

func (s *sqliteStore) ListRemovedNotes(ctx context.Context, subject int64) ([]notes.Note, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+noteCols+` FROM notes WHERE subject = ? AND removed = 1 ORDER BY id`,
		subject,
	)
	if err != nil {
		return nil, err
	}
	return scanNotes(rows)
}

func (s *sqliteStore) SetNoteExpiry(ctx context.Context, id int64, expires *time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notes SET expires = ? WHERE id = ? AND removed = 0`,
		nullMilli(expires), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.noteMissingErr(ctx, id, false)
	}
	return nil
}

func (s *sqliteStore) RemoveNote(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notes SET removed = 1 WHERE id = ? AND removed = 0`, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.noteMissingErr(ctx, id, false)
	}
	return nil
}

func (s *sqliteStore) RestoreNote(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE notes SET removed = 0 WHERE id = ? AND removed = 1`, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.noteMissingErr(ctx, id, true)
	}
	return nil
}

func (s *sqliteStore) PurgeNote(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM notes WHERE id = ? AND removed = 1`, id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.noteMissingErr(ctx, id, true)
	}
	return nil
}

// noteMissingErr explains a zero-row conditional update: the note is either
// absent or on the wrong side of the removed flag.
func (s *sqliteStore) noteMissingErr(ctx context.Context, id int64, wantRemoved bool) error {
	var removed bool
	err := s.db.QueryRowContext(ctx, `SELECT removed FROM notes WHERE id = ?`, id).Scan(&removed)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("note %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return err
	}
	if wantRemoved && !removed {
		return fmt.Errorf("note %d: %w", id, ErrNoteNotRemoved)
	}
	return fmt.Errorf("note %d: %w", id, ErrNoteRemoved)
}

func (s *sqliteStore) ActiveSanctionSubjects(ctx context.Context, now time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT subject FROM notes
		 WHERE kind = ? AND removed = 0 AND (expires IS NULL OR expires > ?)
		 ORDER BY subject`,
		notes.KindTemp, now.UnixMilli(),
	)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func (s *sqliteStore) SanctionCandidates(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT subject FROM notes WHERE kind = ? ORDER BY subject`,
		notes.KindTemp,
	)
	if err != nil {
		return nil, err
	}
	return scanIDs(rows)
}

func encodeRecur(r *timespec.Recurrence) (every int64, limit int, until any) {
	if r == nil {
		return 0, 0, nil
	}
	every = r.Every.Milliseconds()
	limit = r.Limit
	until = nullMilli(r.Until)
	return every, limit, until
}

func decodeRecur(every int64, limit int, until sql.NullInt64) *timespec.Recurrence {
	if every <= 0 {
		return nil
	}
	r := &timespec.Recurrence{Every: time.Duration(every) * time.Millisecond, Limit: limit}
	if until.Valid {
		u := time.UnixMilli(until.Int64).UTC()
		r.Until = &u
	}
	return r
}

func nullMilli(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func scanTasks(rows *sql.Rows) ([]task.Task, error) {
	defer rows.Close()
	var out []task.Task
	for rows.Next() {
		var (
			t       task.Task
			due     int64
			every   int64
			limit   int
			until   sql.NullInt64
			payload string
			state   string
			created int64
		)
		if err := rows.Scan(&t.ID, &t.Owner, &due, &every, &limit, &until, &t.Fired, &payload, &state, &created); err != nil {
			return nil, err
		}
		t.Due = time.UnixMilli(due).UTC()
		t.CreatedAt = time.UnixMilli(created).UTC()
		t.State = task.State(state)
		t.Recur = decodeRecur(every, limit, until)
		p, err := task.DecodePayload(payload)
		if err != nil {
			return nil, fmt.Errorf("task %d: %w", t.ID, err)
		}
		t.Payload = p
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanNote(row *sql.Row) (notes.Note, error) {
	var (
		n       notes.Note
		kind    string
		attach  string
		created int64
		expires sql.NullInt64
	)
	if err := row.Scan(&n.ID, &n.Subject, &n.Author, &kind, &n.Body, &attach, &created, &expires, &n.Removed); err != nil {
		return notes.Note{}, err
	}
	n.Kind = notes.Kind(kind)
	n.CreatedAt = time.UnixMilli(created).UTC()
	if expires.Valid {
		e := time.UnixMilli(expires.Int64).UTC()
		n.Expires = &e
	}
	a, err := notes.DecodeAttachments(attach)
	if err != nil {
		return notes.Note{}, fmt.Errorf("note %d: %w", n.ID, err)
	}
	n.Attachments = a
	return n, nil
}

func scanNotes(rows *sql.Rows) ([]notes.Note, error) {
	defer rows.Close()
	var out []notes.Note
	for rows.Next() {
		var (
			n       notes.Note
			kind    string
			attach  string
			created int64
			expires sql.NullInt64
		)
		if err := rows.Scan(&n.ID, &n.Subject, &n.Author, &kind, &n.Body, &attach, &created, &expires, &n.Removed); err != nil {
			return nil, err
		}
		n.Kind = notes.Kind(kind)
		n.CreatedAt = time.UnixMilli(created).UTC()
		if expires.Valid {
			e := time.UnixMilli(expires.Int64).UTC()
			n.Expires = &e
		}
		a, err := notes.DecodeAttachments(attach)
		if err != nil {
			return nil, fmt.Errorf("note %d: %w", n.ID, err)
		}
		n.Attachments = a
		out = append(out, n)
	}
	return out, rows.Err()
}

func scanIDs(rows *sql.Rows) ([]int64, error) {
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
