package enforce

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"wardenbot/internal/eventbus"
	"wardenbot/internal/notes"
	"wardenbot/internal/store"
	logx "wardenbot/pkg/logx"
)

// fakeActor tracks applied sanctions in memory and records every call.
type fakeActor struct {
	mu        sync.Mutex
	applied   map[int64]bool
	calls     []string
	probeErr  map[int64]error
	applyErr  map[int64]error
	removeErr map[int64]error
}

func newFakeActor() *fakeActor {
	return &fakeActor{
		applied:   map[int64]bool{},
		probeErr:  map[int64]error{},
		applyErr:  map[int64]error{},
		removeErr: map[int64]error{},
	}
}

func (f *fakeActor) Sanctioned(_ context.Context, subject int64) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("probe %d", subject))
	if err := f.probeErr[subject]; err != nil {
		return false, err
	}
	return f.applied[subject], nil
}

func (f *fakeActor) Apply(_ context.Context, subject int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("apply %d", subject))
	if err := f.applyErr[subject]; err != nil {
		return err
	}
	f.applied[subject] = true
	return nil
}

func (f *fakeActor) Remove(_ context.Context, subject int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("remove %d", subject))
	if err := f.removeErr[subject]; err != nil {
		return err
	}
	delete(f.applied, subject)
	return nil
}

func (f *fakeActor) sanctioned() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]int64, 0, len(f.applied))
	for id := range f.applied {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (f *fakeActor) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func newEnforceTest(t *testing.T, bus eventbus.Bus) (*Service, *fakeActor, store.Store) {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	actor := newFakeActor()
	svc := New(Config{ActionTimeout: time.Second}, st, actor, logx.Nop(), bus)
	return svc, actor, st
}

func addTemp(t *testing.T, st store.Store, subject int64, expires *time.Time) notes.Note {
	t.Helper()
	n := notes.New(subject, 900, notes.KindTemp, "tempban", time.Now().UTC(), expires)
	if err := st.InsertNote(context.Background(), &n); err != nil {
		t.Fatalf("InsertNote(%d) error: %v", subject, err)
	}
	return n
}

func timePtr(tm time.Time) *time.Time { return &tm }

func TestPassAppliesDesiredSanctions(t *testing.T) {
	t.Parallel()
	svc, actor, st := newEnforceTest(t, nil)
	ctx := context.Background()

	addTemp(t, st, 101, nil)                                     // indefinite
	addTemp(t, st, 102, timePtr(time.Now().Add(time.Hour)))      // still running
	addTemp(t, st, 103, timePtr(time.Now().Add(-time.Minute)))   // already over
	other := notes.New(105, 900, notes.KindWarn, "warned", time.Now().UTC(), nil)
	if err := st.InsertNote(ctx, &other); err != nil {
		t.Fatalf("InsertNote error: %v", err)
	}

	stats, err := svc.RunPass(ctx, "test")
	if err != nil {
		t.Fatalf("RunPass error: %v", err)
	}
	if stats.Checked != 3 || stats.Applied != 2 || stats.Removed != 0 || stats.Failed != 0 {
		t.Fatalf("stats = %+v, want checked 3 applied 2", stats)
	}
	got := actor.sanctioned()
	if len(got) != 2 || got[0] != 101 || got[1] != 102 {
		t.Fatalf("sanctioned = %v, want [101 102]", got)
	}
}

func TestSecondPassIssuesNoActions(t *testing.T) {
	t.Parallel()
	svc, actor, st := newEnforceTest(t, nil)
	ctx := context.Background()

	addTemp(t, st, 101, nil)
	addTemp(t, st, 102, timePtr(time.Now().Add(time.Hour)))
	if _, err := svc.RunPass(ctx, "first"); err != nil {
		t.Fatalf("first pass error: %v", err)
	}
	before := len(actor.callLog())

	stats, err := svc.RunPass(ctx, "second")
	if err != nil {
		t.Fatalf("second pass error: %v", err)
	}
	if stats.Applied != 0 || stats.Removed != 0 || stats.Failed != 0 {
		t.Fatalf("second pass stats = %+v, want no actions", stats)
	}
	for _, call := range actor.callLog()[before:] {
		if !strings.HasPrefix(call, "probe ") {
			t.Fatalf("second pass issued %q, want probes only", call)
		}
	}
}

func TestLiftedNotesRemoveSanctions(t *testing.T) {
	t.Parallel()
	svc, actor, st := newEnforceTest(t, nil)
	ctx := context.Background()

	removed := addTemp(t, st, 101, nil)
	shortened := addTemp(t, st, 102, timePtr(time.Now().Add(time.Hour)))
	if _, err := svc.RunPass(ctx, "setup"); err != nil {
		t.Fatalf("setup pass error: %v", err)
	}
	if got := actor.sanctioned(); len(got) != 2 {
		t.Fatalf("sanctioned after setup = %v, want 2 subjects", got)
	}

	// Moderator lifts one note and shortens the other into the past.
	if err := st.RemoveNote(ctx, removed.ID); err != nil {
		t.Fatalf("RemoveNote error: %v", err)
	}
	if err := st.SetNoteExpiry(ctx, shortened.ID, timePtr(time.Now().Add(-time.Second))); err != nil {
		t.Fatalf("SetNoteExpiry error: %v", err)
	}

	stats, err := svc.RunPass(ctx, "test")
	if err != nil {
		t.Fatalf("RunPass error: %v", err)
	}
	if stats.Removed != 2 || stats.Applied != 0 {
		t.Fatalf("stats = %+v, want removed 2", stats)
	}
	if got := actor.sanctioned(); len(got) != 0 {
		t.Fatalf("sanctioned after lift = %v, want none", got)
	}
}

func TestSubjectFailuresAreIsolated(t *testing.T) {
	t.Parallel()
	svc, actor, st := newEnforceTest(t, nil)
	ctx := context.Background()

	addTemp(t, st, 1, nil)
	addTemp(t, st, 2, nil)
	addTemp(t, st, 3, nil)
	actor.applyErr[2] = errors.New("subject left the group")

	stats, err := svc.RunPass(ctx, "test")
	if err != nil {
		t.Fatalf("RunPass error: %v", err)
	}
	if stats.Applied != 2 || stats.Failed != 1 {
		t.Fatalf("stats = %+v, want applied 2 failed 1", stats)
	}
	if got := actor.sanctioned(); len(got) != 2 || got[0] != 1 || got[1] != 3 {
		t.Fatalf("sanctioned = %v, want [1 3]", got)
	}

	// Once the subject is reachable again the next pass converges.
	delete(actor.applyErr, 2)
	if _, err := svc.RunPass(ctx, "retry"); err != nil {
		t.Fatalf("retry pass error: %v", err)
	}
	if got := actor.sanctioned(); len(got) != 3 {
		t.Fatalf("sanctioned after retry = %v, want all 3", got)
	}
}

func TestProbeFailureSkipsActions(t *testing.T) {
	t.Parallel()
	svc, actor, st := newEnforceTest(t, nil)
	ctx := context.Background()

	addTemp(t, st, 7, nil)
	actor.probeErr[7] = errors.New("api down")

	stats, err := svc.RunPass(ctx, "test")
	if err != nil {
		t.Fatalf("RunPass error: %v", err)
	}
	if stats.Failed != 1 || stats.Applied != 0 {
		t.Fatalf("stats = %+v, want failed 1 and no actions", stats)
	}
	for _, call := range actor.callLog() {
		if strings.HasPrefix(call, "apply ") {
			t.Fatalf("apply issued despite failed probe: %q", call)
		}
	}
}

func TestPassPublishesEventsAndRecordsLast(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	svc, _, st := newEnforceTest(t, bus)
	ctx := context.Background()

	ch, unsub := bus.Subscribe(32)
	defer unsub()

	addTemp(t, st, 42, nil)
	stats, err := svc.RunPass(ctx, "startup")
	if err != nil {
		t.Fatalf("RunPass error: %v", err)
	}

	var gotApplied, gotPass bool
	for drained := false; !drained; {
		select {
		case ev := <-ch:
			switch ev.Type {
			case eventbus.EnforceApplied:
				gotApplied = true
			case eventbus.EnforcePass:
				gotPass = true
			}
		default:
			drained = true
		}
	}
	if !gotApplied || !gotPass {
		t.Fatalf("events applied=%v pass=%v, want both", gotApplied, gotPass)
	}

	last, ok := svc.Last()
	if !ok || last.Reason != "startup" || last.Stats != stats || last.Err != "" {
		t.Fatalf("Last() = %+v %v, want the startup pass", last, ok)
	}
	if svc.Passes() != 1 {
		t.Fatalf("Passes() = %d, want 1", svc.Passes())
	}
}
