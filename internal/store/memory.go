package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"wardenbot/internal/notes"
	"wardenbot/internal/task"
)

// memStore mirrors the sqlite driver's semantics in process memory. It
// exists for tests and ephemeral runs; nothing survives a restart.
type memStore struct {
	mu         sync.Mutex
	tasks      map[int64]*task.Task
	notes      map[int64]*notes.Note
	nextTaskID int64
	nextNoteID int64
}

func newMemory() *memStore {
	return &memStore{
		tasks:      make(map[int64]*task.Task),
		notes:      make(map[int64]*notes.Note),
		nextTaskID: 1,
		nextNoteID: 1,
	}
}

func (m *memStore) Close() error { return nil }

func (m *memStore) InsertTask(_ context.Context, t *task.Task, quota int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if quota > 0 {
		pending := 0
		for _, cur := range m.tasks {
			if cur.Owner == t.Owner && cur.State == task.StatePending {
				pending++
			}
		}
		if pending >= quota {
			return &QuotaExceededError{Owner: t.Owner, Limit: quota}
		}
	}
	t.ID = m.nextTaskID
	m.nextTaskID++
	cp := cloneTask(*t)
	m.tasks[t.ID] = &cp
	return nil
}

func (m *memStore) CancelTask(_ context.Context, id, owner int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.Owner != owner || t.State != task.StatePending {
		return fmt.Errorf("pending task %d for owner %d: %w", id, owner, ErrNotFound)
	}
	t.State = task.StateCancelled
	return nil
}

func (m *memStore) CancelOwnerTasks(_ context.Context, owner int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.Owner == owner && t.State == task.StatePending {
			t.State = task.StateCancelled
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListTasks(_ context.Context, owner int64) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		if t.Owner == owner && t.State == task.StatePending {
			out = append(out, cloneTask(*t))
		}
	}
	sortTasks(out)
	return out, nil
}

func (m *memStore) PendingTasks(_ context.Context) ([]task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []task.Task
	for _, t := range m.tasks {
		if t.State == task.StatePending {
			out = append(out, cloneTask(*t))
		}
	}
	sortTasks(out)
	return out, nil
}

func (m *memStore) MarkFired(_ context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.State != task.StatePending {
		return false, nil
	}
	t.State = task.StateFired
	t.Fired++
	return true, nil
}

func (m *memStore) RearmTask(_ context.Context, id int64, prev, next time.Time, fired int) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok || t.State != task.StatePending || !t.Due.Equal(prev) {
		return false, nil
	}
	t.Due = next.UTC()
	t.Fired = fired
	return true, nil
}

func (m *memStore) NextDue(_ context.Context) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var min *time.Time
	for _, t := range m.tasks {
		if t.State != task.StatePending {
			continue
		}
		if min == nil || t.Due.Before(*min) {
			d := t.Due
			min = &d
		}
	}
	return min, nil
}

func (m *memStore) PurgeTerminalTasksBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if t.State != task.StatePending && t.Due.Before(cutoff) {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

func (m *memStore) InsertNote(_ context.Context, n *notes.Note) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n.ID = m.nextNoteID
	m.nextNoteID++
	cp := cloneNote(*n)
	m.notes[n.ID] = &cp
	return nil
}

func (m *memStore) GetNote(_ context.Context, id int64) (notes.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notes[id]
	if !ok {
		return notes.Note{}, fmt.Errorf("note %d: %w", id, ErrNotFound)
	}
	return cloneNote(*n), nil
}

func (m *memStore) ListNotes(_ context.Context, subject int64, includeRemoved bool) ([]notes.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []notes.Note
	for _, n := range m.notes {
		if n.Subject != subject {
			continue
		}
		if n.Removed && !includeRemoved {
			continue
		}
		out = append(out, cloneNote(*n))
	}
	sortNotes(out)
	return out, nil
}

func (m *memStore) ListRemovedNotes(_ context.Context, subject int64) ([]notes.Note, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []notes.Note
	for _, n := range m.notes {
		if n.Subject == subject && n.Removed {
			out = append(out, cloneNote(*n))
		}
	}
	sortNotes(out)
	return out, nil
}

func (m *memStore) SetNoteExpiry(_ context.Context, id int64, expires *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notes[id]
	if !ok {
		return fmt.Errorf("note %d: %w", id, ErrNotFound)
	}
	if n.Removed {
		return fmt.Errorf("note %d: %w", id, ErrNoteRemoved)
	}
	if expires == nil {
		n.Expires = nil
		return nil
	}
	e := expires.UTC()
	n.Expires = &e
	return nil
}

func (m *memStore) RemoveNote(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notes[id]
	if !ok {
		return fmt.Errorf("note %d: %w", id, ErrNotFound)
	}
	if n.Removed {
		return fmt.Errorf("note %d: %w", id, ErrNoteRemoved)
	}
	n.Removed = true
	return nil
}

func (m *memStore) RestoreNote(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notes[id]
	if !ok {
		return fmt.Errorf("note %d: %w", id, ErrNotFound)
	}
	if !n.Removed {
		return fmt.Errorf("note %d: %w", id, ErrNoteNotRemoved)
	}
	n.Removed = false
	return nil
}

func (m *memStore) PurgeNote(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, ok := m.notes[id]
	if !ok {
		return fmt.Errorf("note %d: %w", id, ErrNotFound)
	}
	if !n.Removed {
		return fmt.Errorf("note %d: %w", id, ErrNoteNotRemoved)
	}
	delete(m.notes, id)
	return nil
}

func (m *memStore) ActiveSanctionSubjects(_ context.Context, now time.Time) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int64]bool)
	for _, n := range m.notes {
		if n.ActiveSanction(now) {
			seen[n.Subject] = true
		}
	}
	return sortedKeys(seen), nil
}

func (m *memStore) SanctionCandidates(_ context.Context) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[int64]bool)
	for _, n := range m.notes {
		if n.Kind == notes.KindTemp {
			seen[n.Subject] = true
		}
	}
	return sortedKeys(seen), nil
}

func cloneTask(t task.Task) task.Task {
	if t.Recur != nil {
		r := *t.Recur
		if r.Until != nil {
			u := *r.Until
			r.Until = &u
		}
		t.Recur = &r
	}
	return t
}

func cloneNote(n notes.Note) notes.Note {
	if n.Expires != nil {
		e := *n.Expires
		n.Expires = &e
	}
	if n.Attachments != nil {
		n.Attachments = append([]string(nil), n.Attachments...)
	}
	return n
}

func sortTasks(ts []task.Task) {
	sort.Slice(ts, func(i, j int) bool {
		if !ts[i].Due.Equal(ts[j].Due) {
			return ts[i].Due.Before(ts[j].Due)
		}
		return ts[i].ID < ts[j].ID
	})
}

func sortNotes(ns []notes.Note) {
	sort.Slice(ns, func(i, j int) bool { return ns[i].ID < ns[j].ID })
}

func sortedKeys(set map[int64]bool) []int64 {
	if len(set) == 0 {
		return nil
	}
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
