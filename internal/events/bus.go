package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// Filter decides whether a subscriber wants a given event. A nil filter
// matches everything.
type Filter func(EventWithData) bool

// Handler receives a published event. Handlers run sequentially, in
// registration order, for a single Publish call; a panicking handler is
// recovered, logged, and does not prevent later handlers from running.
type Handler func(EventWithData)

type subscription struct {
	id      int
	handler Handler
	filter  Filter
}

// Bus is a small in-process publish/subscribe hub. It backs the position
// tracker's listener registry (spec §4.7): listeners register with an
// optional filter predicate and are invoked sequentially, in registration
// order, for every matching event.
type Bus struct {
	mu     sync.Mutex
	subs   []*subscription
	nextID int
	log    zerolog.Logger
}

// NewBus creates an empty event bus.
func NewBus(log zerolog.Logger) *Bus {
	return &Bus{log: log.With().Str("component", "event_bus").Logger()}
}

// Subscribe registers handler to receive every event that passes filter
// (or every event, if filter is nil). It returns an unsubscribe function.
func (b *Bus) Subscribe(handler Handler, filter Filter) func() {
	b.mu.Lock()
	id := b.nextID
	b.nextID++
	sub := &subscription{id: id, handler: handler, filter: filter}
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				break
			}
		}
	}
}

// Publish delivers ev to every matching subscriber, sequentially, in
// registration order. A handler that panics is logged and swallowed; it
// never blocks subsequent handlers or the caller's future publishes.
func (b *Bus) Publish(ev EventWithData) {
	b.mu.Lock()
	subs := make([]*subscription, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()

	for _, sub := range subs {
		if sub.filter != nil && !sub.filter(ev) {
			continue
		}
		b.dispatch(sub, ev)
	}
}

func (b *Bus) dispatch(sub *subscription, ev EventWithData) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error().
				Interface("panic", r).
				Str("event_type", string(ev.Type)).
				Msg("event listener panicked, continuing")
		}
	}()
	sub.handler(ev)
}
