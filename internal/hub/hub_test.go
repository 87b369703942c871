package hub

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAttachDetachIsIdempotent(t *testing.T) {
	h := New()
	o := h.Attach()
	h.Detach(o)
	h.Detach(o) // idempotent
}

func TestBroadcastDeliversToAllAttachedObservers(t *testing.T) {
	h := New()
	a := h.Attach()
	b := h.Attach()

	h.Broadcast(1, Event{Type: "state", Payload: map[string]any{"status": "IN_PROGRESS"}})

	evA := <-a.Events()
	evB := <-b.Events()
	require.Equal(t, int64(1), evA.TaskID)
	require.Equal(t, int64(1), evB.TaskID)
}

func TestBroadcastDropsObserverWithFullQueue(t *testing.T) {
	h := New()
	o := h.Attach()

	for i := 0; i < observerQueueCapacity+10; i++ {
		h.Broadcast(1, Event{Type: "output"})
	}

	h.mu.RLock()
	_, stillAttached := h.observers[o.id]
	h.mu.RUnlock()
	require.False(t, stillAttached)
}

func TestBroadcastToManyObserversWithSomeBroken(t *testing.T) {
	h := New()
	var healthy []*Observer
	for i := 0; i < 50; i++ {
		healthy = append(healthy, h.Attach())
	}
	var broken []*Observer
	for i := 0; i < 50; i++ {
		o := h.Attach()
		// Fill the queue so the next broadcast drops it, simulating a
		// transport that never drains.
		for j := 0; j < observerQueueCapacity; j++ {
			o.ch <- Event{}
		}
		broken = append(broken, o)
	}

	h.Broadcast(42, Event{Type: "output"})

	for _, o := range healthy {
		select {
		case ev := <-o.Events():
			require.Equal(t, int64(42), ev.TaskID)
		default:
			t.Fatal("expected healthy observer to receive event")
		}
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, o := range broken {
		_, stillAttached := h.observers[o.id]
		require.False(t, stillAttached)
	}
	require.Len(t, h.observers, 50)
}
