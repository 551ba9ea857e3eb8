package hub

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcastDeliversToAllSubscribers(t *testing.T) {
	h := New(zerolog.Nop())
	sub1, unsub1 := h.Subscribe()
	defer unsub1()
	sub2, unsub2 := h.Subscribe()
	defer unsub2()

	h.Broadcast([]byte("hello"))

	select {
	case msg := <-sub1.Messages():
		assert.Equal(t, "hello", string(msg))
	case <-time.After(time.Second):
		t.Fatal("subscriber 1 never received frame")
	}

	select {
	case msg := <-sub2.Messages():
		assert.Equal(t, "hello", string(msg))
	case <-time.After(time.Second):
		t.Fatal("subscriber 2 never received frame")
	}
}

func TestUnsubscribeClosesQueueAndStopsDelivery(t *testing.T) {
	h := New(zerolog.Nop())
	sub, unsubscribe := h.Subscribe()
	unsubscribe()

	_, ok := <-sub.Messages()
	assert.False(t, ok, "queue should be closed after unsubscribe")
	assert.Equal(t, 0, h.SubscriberCount())
}

func TestBroadcastDropsWhenSubscriberQueueIsFull(t *testing.T) {
	h := New(zerolog.Nop())
	sub, unsubscribe := h.Subscribe()
	defer unsubscribe()

	for i := 0; i < queueCapacity+10; i++ {
		h.Broadcast([]byte("frame"))
	}

	require.Greater(t, sub.Dropped(), uint64(0))
	assert.Equal(t, queueCapacity, len(sub.Messages()))
}

func TestBroadcastDoesNotBlockWhenNoSubscribers(t *testing.T) {
	h := New(zerolog.Nop())
	done := make(chan struct{})
	go func() {
		h.Broadcast([]byte("frame"))
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("broadcast blocked with no subscribers")
	}
}
