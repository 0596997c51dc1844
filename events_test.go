package openmemory

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBusTenantFiltering(t *testing.T) {
	bus := NewBus()
	alice := "alice"
	bob := "bob"

	var aliceSeen, systemSeen []EventKind
	bus.Subscribe(ScopeFor("alice"), nil, func(ev Event) {
		aliceSeen = append(aliceSeen, ev.Kind)
	})
	bus.Subscribe(SystemScope(), nil, func(ev Event) {
		systemSeen = append(systemSeen, ev.Kind)
	})

	bus.Emit(Event{Kind: EventMemoryAdded, TenantID: &alice})
	bus.Emit(Event{Kind: EventMemoryDeleted, TenantID: &bob})
	bus.Emit(Event{Kind: EventMemoryUpdated, TenantID: nil})

	assert.Equal(t, []EventKind{EventMemoryAdded}, aliceSeen)
	assert.Equal(t, []EventKind{EventMemoryUpdated}, systemSeen)
}

func TestBusKindFiltering(t *testing.T) {
	bus := NewBus()
	var seen []EventKind
	bus.Subscribe(AllTenants(), []EventKind{EventFactCreated, EventFactDeleted}, func(ev Event) {
		seen = append(seen, ev.Kind)
	})

	bus.Emit(Event{Kind: EventFactCreated})
	bus.Emit(Event{Kind: EventMemoryAdded})
	bus.Emit(Event{Kind: EventFactDeleted})

	assert.Equal(t, []EventKind{EventFactCreated, EventFactDeleted}, seen)
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus()
	count := 0
	cancel := bus.Subscribe(AllTenants(), nil, func(Event) { count++ })

	bus.Emit(Event{Kind: EventMemoryAdded})
	cancel()
	bus.Emit(Event{Kind: EventMemoryAdded})

	assert.Equal(t, 1, count)
}
