package openmemory

import (
	"sync"
	"time"
)

// EventKind is the closed set of change notifications the engine emits.
type EventKind string

const (
	EventMemoryAdded   EventKind = "MEMORY_ADDED"
	EventMemoryUpdated EventKind = "MEMORY_UPDATED"
	EventMemoryDeleted EventKind = "MEMORY_DELETED"

	EventFactCreated EventKind = "TEMPORAL_FACT_CREATED"
	EventFactUpdated EventKind = "TEMPORAL_FACT_UPDATED"
	EventFactDeleted EventKind = "TEMPORAL_FACT_DELETED"

	EventEdgeCreated EventKind = "TEMPORAL_EDGE_CREATED"
	EventEdgeUpdated EventKind = "TEMPORAL_EDGE_UPDATED"
	EventEdgeDeleted EventKind = "TEMPORAL_EDGE_DELETED"

	EventIDESuggestion    EventKind = "IDE_SUGGESTION"
	EventIDESessionUpdate EventKind = "IDE_SESSION_UPDATE"
)

// Event is one change notification. Emitted only after the durable write
// committed, so handlers may read the store and see the new state.
type Event struct {
	Kind     EventKind
	ID       string // memory, fact or edge id
	TenantID *string
	Sector   Sector // set for memory events
	At       time.Time
	Detail   map[string]any
}

type subscriber struct {
	id     int
	scope  TenantScope
	kinds  map[EventKind]bool // nil = all kinds
	handle func(Event)
}

// Bus is a synchronous in-process pub/sub for engine events. Handlers run on
// the emitting goroutine and must not block; spawn if you need to.
type Bus struct {
	mu     sync.RWMutex
	nextID int
	subs   []subscriber
}

// NewBus builds an empty bus.
func NewBus() *Bus { return &Bus{} }

// Subscribe registers a handler for events matching scope and kinds (empty
// kinds = everything). Returns an unsubscribe func.
func (b *Bus) Subscribe(scope TenantScope, kinds []EventKind, handle func(Event)) func() {
	var kindSet map[EventKind]bool
	if len(kinds) > 0 {
		kindSet = make(map[EventKind]bool, len(kinds))
		for _, k := range kinds {
			kindSet[k] = true
		}
	}

	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscriber{id: id, scope: scope, kinds: kindSet, handle: handle})
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Emit delivers the event to every matching subscriber.
func (b *Bus) Emit(ev Event) {
	b.mu.RLock()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		if s.kinds != nil && !s.kinds[ev.Kind] {
			continue
		}
		if !s.scope.Matches(ev.TenantID) {
			continue
		}
		s.handle(ev)
	}
}
