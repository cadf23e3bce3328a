package events

import (
	"testing"
	"time"
)

type testEvent struct {
	kind string
	id   string
}

func (e testEvent) EventType() string { return e.kind }

func (e testEvent) Attributes() map[string]string {
	return map[string]string{"escrowId": e.id}
}

func TestBus_FanOut(t *testing.T) {
	bus := NewBus()
	fixed := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	bus.now = func() time.Time { return fixed }

	first, cancelFirst := bus.Subscribe(4)
	defer cancelFirst()
	second, cancelSecond := bus.Subscribe(4)
	defer cancelSecond()

	bus.Emit(testEvent{kind: "escrow.created", id: "0"})

	for i, ch := range []<-chan Envelope{first, second} {
		select {
		case env := <-ch:
			if env.Type != "escrow.created" {
				t.Fatalf("subscriber %d: expected type escrow.created got %s", i, env.Type)
			}
			if env.Attributes["escrowId"] != "0" {
				t.Fatalf("subscriber %d: unexpected attributes %+v", i, env.Attributes)
			}
			if env.ID == "" {
				t.Fatalf("subscriber %d: expected event id", i)
			}
			if !env.Time.Equal(fixed) {
				t.Fatalf("subscriber %d: expected time %s got %s", i, fixed, env.Time)
			}
		default:
			t.Fatalf("subscriber %d: expected an event", i)
		}
	}
}

func TestBus_DropsWhenFull(t *testing.T) {
	bus := NewBus()
	var dropped int
	bus.OnDrop = func(Envelope) { dropped++ }

	ch, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Emit(testEvent{kind: "a"})
	bus.Emit(testEvent{kind: "b"})

	if dropped != 1 {
		t.Fatalf("expected 1 dropped event, got %d", dropped)
	}
	if env := <-ch; env.Type != "a" {
		t.Fatalf("expected first event to survive, got %s", env.Type)
	}
}

func TestBus_CancelIsIdempotent(t *testing.T) {
	bus := NewBus()
	ch, cancel := bus.Subscribe(0)
	if bus.Subscribers() != 1 {
		t.Fatalf("expected 1 subscriber, got %d", bus.Subscribers())
	}
	cancel()
	cancel()
	if _, ok := <-ch; ok {
		t.Fatal("expected channel to be closed")
	}
	if bus.Subscribers() != 0 {
		t.Fatalf("expected 0 subscribers, got %d", bus.Subscribers())
	}
	bus.Emit(testEvent{kind: "after-cancel"})
}

func TestRecorderAndMulti(t *testing.T) {
	var a, b Recorder
	m := Multi{&a, nil, &b}
	m.Emit(testEvent{kind: "x"})
	m.Emit(testEvent{kind: "y"})

	if got := len(a.Events()); got != 2 {
		t.Fatalf("expected 2 events, got %d", got)
	}
	if last := b.Last(); last == nil || last.EventType() != "y" {
		t.Fatalf("expected last event y, got %v", last)
	}
	a.Reset()
	if a.Last() != nil {
		t.Fatal("expected empty recorder after reset")
	}
}
