package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestBus_PublishInRegistrationOrder(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	var order []int

	bus.Subscribe(func(EventWithData) { order = append(order, 1) }, nil)
	bus.Subscribe(func(EventWithData) { order = append(order, 2) }, nil)
	bus.Subscribe(func(EventWithData) { order = append(order, 3) }, nil)

	bus.Publish(EventWithData{Type: PositionClosed})

	assert.Equal(t, []int{1, 2, 3}, order)
}

func TestBus_FilterExcludesNonMatchingEvents(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	var received []EventType

	bus.Subscribe(func(ev EventWithData) {
		received = append(received, ev.Type)
	}, func(ev EventWithData) bool {
		return ev.Type == PositionClosed || ev.Type == PositionReduced
	})

	bus.Publish(EventWithData{Type: PositionOpened})
	bus.Publish(EventWithData{Type: PositionClosed})
	bus.Publish(EventWithData{Type: PositionReduced})
	bus.Publish(EventWithData{Type: PositionUpdated})

	assert.Equal(t, []EventType{PositionClosed, PositionReduced}, received)
}

func TestBus_PanickingListenerDoesNotBlockOthers(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	var secondRan bool

	bus.Subscribe(func(EventWithData) { panic("boom") }, nil)
	bus.Subscribe(func(EventWithData) { secondRan = true }, nil)

	assert.NotPanics(t, func() {
		bus.Publish(EventWithData{Type: PositionClosed})
	})
	assert.True(t, secondRan)
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus(zerolog.Nop())
	calls := 0

	unsubscribe := bus.Subscribe(func(EventWithData) { calls++ }, nil)
	bus.Publish(EventWithData{Type: PositionClosed})
	unsubscribe()
	bus.Publish(EventWithData{Type: PositionClosed})

	assert.Equal(t, 1, calls)
}
