package eventbus

import (
	"sync"
	"testing"
	"time"
)

func recvOne(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(2 * time.Second):
		t.Fatalf("no event arrived")
		return Event{}
	}
}

func TestPublishFansOut(t *testing.T) {
	t.Parallel()
	b := New()

	a, unsubA := b.Subscribe(4)
	defer unsubA()
	c, unsubC := b.Subscribe(4)
	defer unsubC()

	payload := TaskEvent{TaskID: 7, Owner: 42}
	b.Publish(Event{Type: TaskFired, Data: payload})

	for _, ch := range []<-chan Event{a, c} {
		e := recvOne(t, ch)
		if e.Type != TaskFired {
			t.Fatalf("Type = %q, want %q", e.Type, TaskFired)
		}
		got, ok := e.Data.(TaskEvent)
		if !ok || got != payload {
			t.Fatalf("Data = %#v, want %#v", e.Data, payload)
		}
	}
}

func TestPublishStampsMissingTime(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(2)
	defer unsub()

	before := time.Now().Add(-time.Second)
	b.Publish(Event{Type: NoteAdded})
	if e := recvOne(t, ch); e.Time.Before(before) {
		t.Fatalf("Time = %v, want a fresh stamp", e.Time)
	}

	fixed := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	b.Publish(Event{Type: NoteAdded, Time: fixed})
	if e := recvOne(t, ch); !e.Time.Equal(fixed) {
		t.Fatalf("Time = %v, want the caller's %v", e.Time, fixed)
	}
}

func TestFullSubscriberMissesEvents(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)
	defer unsub()

	b.Publish(Event{Type: TaskScheduled})
	b.Publish(Event{Type: TaskCancelled}) // buffer full, dropped

	if e := recvOne(t, ch); e.Type != TaskScheduled {
		t.Fatalf("Type = %q, want %q", e.Type, TaskScheduled)
	}
	select {
	case e := <-ch:
		t.Fatalf("unexpected second event %q", e.Type)
	default:
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(1)

	unsub()
	unsub() // second call is a no-op

	if _, open := <-ch; open {
		t.Fatalf("channel still open after unsubscribe")
	}
	// Must not panic with no subscribers left.
	b.Publish(Event{Type: ConfigReloaded})
}

func TestDefaultBufferHoldsBurst(t *testing.T) {
	t.Parallel()
	b := New()
	ch, unsub := b.Subscribe(0)
	defer unsub()

	for i := 0; i < 8; i++ {
		b.Publish(Event{Type: EnforcePass})
	}
	if got := len(ch); got != 8 {
		t.Fatalf("buffered = %d, want 8", got)
	}
}

func TestConcurrentPublishers(t *testing.T) {
	t.Parallel()
	b := New()

	const publishers = 8
	const perPublisher = 50
	ch, unsub := b.Subscribe(publishers * perPublisher)
	defer unsub()

	var wg sync.WaitGroup
	for p := 0; p < publishers; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				b.Publish(Event{Type: TaskDelivered})
			}
		}()
	}
	wg.Wait()

	if got := len(ch); got != publishers*perPublisher {
		t.Fatalf("received = %d, want %d", got, publishers*perPublisher)
	}
}
