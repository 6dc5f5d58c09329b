package api

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"FlowWarden/internal/events"
	"FlowWarden/internal/model"
)

// EventMessage is the JSON form of a bus event sent to stream clients.
type EventMessage struct {
	Kind     string      `json:"kind"`
	ID       uuid.UUID   `json:"id"`
	Flow     *model.Flow `json:"flow,omitempty"`
	BytesIn  *uint64     `json:"bytes_in,omitempty"`
	BytesOut *uint64     `json:"bytes_out,omitempty"`
}

func newEventMessage(e events.Event) EventMessage {
	msg := EventMessage{Kind: e.Kind().String(), ID: e.FlowID()}
	switch ev := e.(type) {
	case events.NewAllowedFlow:
		msg.Flow = &ev.Flow
	case events.NewDeniedFlow:
		msg.Flow = &ev.Flow
	case events.NewDeferredFlow:
		msg.Flow = &ev.Flow
	case events.UpdatedFlow:
		msg.BytesIn, msg.BytesOut = &ev.BytesIn, &ev.BytesOut
	}
	return msg
}

// Hub fans bus events out to stream clients. A client that falls behind
// misses events rather than slowing the bus.
type Hub struct {
	mu      sync.RWMutex
	clients map[chan []byte]struct{}
	buffer  int
}

func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 256
	}
	return &Hub{clients: make(map[chan []byte]struct{}), buffer: buffer}
}

func (h *Hub) register() chan []byte {
	ch := make(chan []byte, h.buffer)
	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unregister(ch chan []byte) {
	h.mu.Lock()
	delete(h.clients, ch)
	h.mu.Unlock()
}

// Clients returns the number of connected stream clients.
func (h *Hub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Handle implements events.Listener.
func (h *Hub) Handle(e events.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if len(h.clients) == 0 {
		return
	}
	data, err := json.Marshal(newEventMessage(e))
	if err != nil {
		return
	}
	for ch := range h.clients {
		select {
		case ch <- data:
		default:
		}
	}
}
