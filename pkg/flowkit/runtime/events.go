package runtime

import (
	"sync"
)

// EventType distinguishes runtime registrations from removals.
type EventType string

// Event types.
const (
	EventAdd    EventType = "ADD"
	EventRemove EventType = "REMOVE"
)

// Event reports a runtime joining or leaving the registry.
type Event struct {
	Type    EventType
	Runtime Runtime
}

// bus fans events out to listeners. Listeners run on the emitting
// goroutine, outside the bus lock, so a listener may unsubscribe itself.
type bus struct {
	mu        sync.Mutex
	next      int
	listeners map[int]func(Event)
}

func newBus() *bus {
	return &bus{listeners: make(map[int]func(Event))}
}

// add registers fn and returns its idempotent remover.
func (b *bus) add(fn func(Event)) func() {
	b.mu.Lock()
	id := b.next
	b.next++
	b.listeners[id] = fn
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.listeners, id)
			b.mu.Unlock()
		})
	}
}

func (b *bus) emit(ev Event) {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.listeners))
	for _, fn := range b.listeners {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		fn(ev)
	}
}

func (b *bus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.listeners)
}

// subscription delivers events to a channel. Sends never block: an event
// that does not fit in the buffer is dropped.
type subscription struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

func (s *subscription) deliver(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.ch <- ev:
	default:
	}
}

func (s *subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.ch)
	}
}
