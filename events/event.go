package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event represents a structured state change emitted by the engine.
type Event interface {
	EventType() string
}

// Emitter broadcasts events to downstream subscribers (API streams, indexers).
type Emitter interface {
	Emit(Event)
}

// NoopEmitter discards every event.
type NoopEmitter struct{}

// Emit implements the Emitter interface.
func (NoopEmitter) Emit(Event) {}

// Envelope is the transport form of an event.
type Envelope struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Time       time.Time         `json:"time"`
	Attributes map[string]string `json:"attributes"`
}

// Attributer is implemented by events that can describe themselves as a flat
// attribute map.
type Attributer interface {
	Attributes() map[string]string
}

// Stamped is implemented by events that already carry an id and timestamp.
type Stamped interface {
	EventID() string
	OccurredAt() time.Time
}

// Wrap converts an event to its envelope. Stamped events keep their own id and
// time; anything else gets a fresh id and the supplied time.
func Wrap(evt Event, at time.Time) Envelope {
	env := Envelope{
		ID:   uuid.NewString(),
		Type: evt.EventType(),
		Time: at.UTC(),
	}
	if s, ok := evt.(Stamped); ok {
		env.ID = s.EventID()
		env.Time = s.OccurredAt().UTC()
	}
	if a, ok := evt.(Attributer); ok {
		env.Attributes = a.Attributes()
	}
	if env.Attributes == nil {
		env.Attributes = map[string]string{}
	}
	return env
}

// Recorder keeps every emitted event in order. Useful for tests and for
// callers that want to inspect the outcome of a single operation.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Emit implements the Emitter interface.
func (r *Recorder) Emit(evt Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Last returns the most recent event, or nil.
func (r *Recorder) Last() Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.events) == 0 {
		return nil
	}
	return r.events[len(r.events)-1]
}

// Reset drops recorded events.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

// Multi fans a single Emit out to several emitters in order.
type Multi []Emitter

// Emit implements the Emitter interface.
func (m Multi) Emit(evt Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(evt)
		}
	}
}
