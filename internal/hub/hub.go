// Package hub implements the fan-out broadcast hub (spec §4.3): every
// aggregator flush is pushed to each subscribed WebSocket connection over a
// bounded, non-blocking queue so one slow reader never stalls the producer
// or other subscribers.
package hub

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// queueCapacity is the per-subscriber buffered channel size. A subscriber
// that falls this far behind is treated as slow and starts dropping frames
// rather than blocking the broadcaster.
const queueCapacity = 64

// Subscriber is a single fan-out destination: a bounded mailbox drained by
// one consumer goroutine (normally a WebSocket writer in internal/server).
type Subscriber struct {
	id      string
	queue   chan []byte
	dropped uint64
	mu      sync.Mutex
}

// ID identifies the subscriber for logging.
func (s *Subscriber) ID() string { return s.id }

// Messages returns the channel to range over for outbound frames.
func (s *Subscriber) Messages() <-chan []byte { return s.queue }

// Dropped returns the number of frames dropped because the subscriber's
// queue was full, the documented backpressure policy for this hub: rather
// than block the broadcaster, the newest frame for a saturated subscriber is
// discarded and the drop is counted.
func (s *Subscriber) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

// Hub fans broadcast payloads out to every live subscriber.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[string]*Subscriber
	log         zerolog.Logger
}

// New builds an empty hub.
func New(log zerolog.Logger) *Hub {
	return &Hub{
		subscribers: make(map[string]*Subscriber),
		log:         log.With().Str("component", "hub").Logger(),
	}
}

// Subscribe registers a new subscriber and returns it along with an
// unsubscribe function. Callers should range over Messages() until the
// channel is closed by Unsubscribe.
func (h *Hub) Subscribe() (*Subscriber, func()) {
	sub := &Subscriber{
		id:    uuid.NewString(),
		queue: make(chan []byte, queueCapacity),
	}

	h.mu.Lock()
	h.subscribers[sub.id] = sub
	count := len(h.subscribers)
	h.mu.Unlock()

	h.log.Debug().Str("subscriber", sub.id).Int("subscriber_count", count).Msg("subscriber joined")

	once := sync.Once{}
	unsubscribe := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subscribers, sub.id)
			count := len(h.subscribers)
			h.mu.Unlock()
			close(sub.queue)
			h.log.Debug().Str("subscriber", sub.id).Int("subscriber_count", count).Msg("subscriber left")
		})
	}
	return sub, unsubscribe
}

// Broadcast pushes payload to every subscriber's queue. Never blocks: a
// subscriber whose queue is full has the frame dropped for it, not for
// anyone else, and the broadcaster proceeds immediately.
func (h *Hub) Broadcast(payload []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subscribers {
		select {
		case sub.queue <- payload:
		default:
			sub.mu.Lock()
			sub.dropped++
			sub.mu.Unlock()
			h.log.Warn().Str("subscriber", sub.id).Msg("subscriber queue full, dropping frame")
		}
	}
}

// SubscriberCount returns the number of currently connected subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers)
}
