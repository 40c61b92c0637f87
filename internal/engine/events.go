package engine

import (
	"log"
	"sync"
)

// EventType identifies a class of sync engine event.
type EventType string

const (
	// EventStatusChange fires when the engine's status transitions.
	EventStatusChange EventType = "status-change"

	// EventProgress fires after every mutation processed, and once at the
	// start of a pass with the total pending count.
	EventProgress EventType = "progress"

	// EventConflict fires when a pass detects a conflict, before the
	// resolver runs.
	EventConflict EventType = "conflict"

	// EventComplete fires when a pass finishes, carrying the SyncResult.
	EventComplete EventType = "complete"

	// EventError fires when a pass aborts on an unexpected error.
	EventError EventType = "error"
)

// Event is the payload delivered to listeners. Fields are populated
// according to the event type.
type Event struct {
	Type EventType

	// Status is set on status-change events.
	Status Status

	// Processed/Total are set on progress events.
	Processed int
	Total     int

	// Conflict is set on conflict events.
	Conflict *Conflict

	// Result is set on complete events.
	Result *SyncResult

	// Err is set on error events.
	Err error
}

// bus is a publish/subscribe registry keyed by event kind with synchronous
// delivery. A panicking listener is isolated so it cannot break delivery to
// others.
type bus struct {
	mu        sync.Mutex
	listeners map[EventType]map[int]func(Event)
	nextID    int
	logger    *log.Logger
}

func newBus(logger *log.Logger) *bus {
	return &bus{
		listeners: make(map[EventType]map[int]func(Event)),
		logger:    logger,
	}
}

// subscribe registers fn for events of type t and returns an unsubscribe
// function.
func (b *bus) subscribe(t EventType, fn func(Event)) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	if b.listeners[t] == nil {
		b.listeners[t] = make(map[int]func(Event))
	}
	b.listeners[t][id] = fn
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		delete(b.listeners[t], id)
		b.mu.Unlock()
	}
}

// emit delivers e synchronously to every listener of its type.
func (b *bus) emit(e Event) {
	b.mu.Lock()
	fns := make([]func(Event), 0, len(b.listeners[e.Type]))
	for _, fn := range b.listeners[e.Type] {
		fns = append(fns, fn)
	}
	b.mu.Unlock()

	for _, fn := range fns {
		func() {
			defer func() {
				if r := recover(); r != nil {
					b.logger.Printf("WARNING: %s listener panicked: %v", e.Type, r)
				}
			}()
			fn(e)
		}()
	}
}
