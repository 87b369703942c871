// Package hub fans out task events to observers without ever blocking
// task execution on a slow one (spec §4.6). Grounded on
// thecybersailor-shellman's internal/localapi/ws_hub.go WSHub: the same
// copy-on-iterate snapshot under a mutex and per-write timeout, adapted
// from a single global websocket broadcaster into Attach/Detach/Broadcast
// primitives that are independently testable (spec §9 "observer fan-out
// without back-pressure on the core"), with nhooyr.io/websocket kept only
// at the transport edge (HandleWS) rather than threaded through the core.
package hub

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
)

// Event is the observer-visible payload of spec §6.2.
type Event struct {
	TaskID  int64  `json:"task_id"`
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

const observerQueueCapacity = 64

// Observer is a process-external subscriber (spec GLOSSARY). Its channel
// is bounded; Broadcast drops the observer rather than block when the
// channel is full.
type Observer struct {
	id uuid.UUID
	ch chan Event
}

func (o *Observer) Events() <-chan Event { return o.ch }

type Hub struct {
	mu        sync.RWMutex
	observers map[uuid.UUID]*Observer
}

func New() *Hub {
	return &Hub{observers: make(map[uuid.UUID]*Observer)}
}

// Attach registers a new observer and returns it so the caller can read
// from Events() and later Detach it.
func (h *Hub) Attach() *Observer {
	o := &Observer{id: uuid.New(), ch: make(chan Event, observerQueueCapacity)}
	h.mu.Lock()
	h.observers[o.id] = o
	h.mu.Unlock()
	return o
}

// Detach removes an observer if present. Idempotent (spec §4.6).
func (h *Hub) Detach(o *Observer) {
	h.mu.Lock()
	if _, ok := h.observers[o.id]; ok {
		delete(h.observers, o.id)
		close(o.ch)
	}
	h.mu.Unlock()
}

// Broadcast delivers event to every currently attached observer,
// iterating over a snapshot so concurrent Attach/Detach never invalidates
// the iteration (spec §4.6 "Concurrency requirement"). An observer whose
// queue is full is detached immediately rather than blocking the
// broadcaster (spec §4.6/§9 back-pressure policy).
func (h *Hub) Broadcast(taskID int64, event Event) {
	event.TaskID = taskID

	h.mu.RLock()
	snapshot := make([]*Observer, 0, len(h.observers))
	for _, o := range h.observers {
		snapshot = append(snapshot, o)
	}
	h.mu.RUnlock()

	for _, o := range snapshot {
		select {
		case o.ch <- event:
		default:
			h.Detach(o)
		}
	}
}

// HandleWS upgrades the request to a websocket and pumps Hub events to it
// until the connection breaks or the client disconnects, detaching the
// observer either way (spec §6.1 "observe").
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusInternalError, "")

	o := h.Attach()
	defer h.Detach(o)

	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		for {
			if _, _, err := conn.Read(r.Context()); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-readDone:
			return
		case event, ok := <-o.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(event)
			if err != nil {
				continue
			}
			ctx, cancel := context.WithTimeout(r.Context(), 500*time.Millisecond)
			writeErr := conn.Write(ctx, websocket.MessageText, payload)
			cancel()
			if writeErr != nil {
				return
			}
		}
	}
}
