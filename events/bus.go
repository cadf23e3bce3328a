package events

import (
	"sync"
	"time"
)

const defaultBuffer = 64

// Bus delivers every emitted event to all current subscribers. Delivery never
// blocks the emitter: a subscriber whose buffer is full misses the event and
// the drop is reported through OnDrop.
type Bus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Envelope
	nextID uint64
	now    func() time.Time

	// OnDrop, when set, is called once per event a subscriber missed.
	OnDrop func(Envelope)
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{
		subs: make(map[uint64]chan Envelope),
		now:  time.Now,
	}
}

// Emit implements the Emitter interface.
func (b *Bus) Emit(evt Event) {
	if evt == nil {
		return
	}
	env := Wrap(evt, b.now())

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- env:
		default:
			if b.OnDrop != nil {
				b.OnDrop(env)
			}
		}
	}
}

// Subscribe registers a subscriber with the given buffer size (defaulting when
// non-positive). The returned cancel func closes the channel and is safe to
// call more than once.
func (b *Bus) Subscribe(buffer int) (<-chan Envelope, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	ch := make(chan Envelope, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Subscribers reports the number of live subscriptions.
func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
