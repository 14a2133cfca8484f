// Package sse fans server-sent events out to connected dashboards.
package sse

import (
	"encoding/json"
	"sync"
	"sync/atomic"
)

// Event types pushed to dashboards.
const (
	EventStats  = "stats"
	EventSignal = "signal"
)

// DefaultBufferSize is the per-subscriber queue length.
const DefaultBufferSize = 10

// Event represents an SSE event with a type and payload
type Event struct {
	Type    string
	Payload []byte
}

// Hub is a minimal SSE broadcaster. Slow subscribers lose events instead of
// blocking the broadcaster.
type Hub struct {
	mu      sync.Mutex
	clients map[chan Event]struct{}
	closed  bool
	bufSize int
	dropped atomic.Uint64
}

// Option customizes a Hub.
type Option func(*Hub)

// WithBufferSize sets the per-subscriber queue length.
func WithBufferSize(n int) Option {
	return func(h *Hub) {
		if n > 0 {
			h.bufSize = n
		}
	}
}

func NewHub(opts ...Option) *Hub {
	h := &Hub{clients: make(map[chan Event]struct{}), bufSize: DefaultBufferSize}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Subscribe returns a channel for events and a cleanup function. After
// Close both are nil.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, nil
	}
	ch := make(chan Event, h.bufSize)
	h.clients[ch] = struct{}{}
	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.clients[ch]; ok {
			delete(h.clients, ch)
			close(ch)
		}
	}
}

// BroadcastEvent sends a named event to all subscribers
func (h *Hub) BroadcastEvent(eventType string, payload []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- Event{Type: eventType, Payload: payload}:
		default:
			h.dropped.Add(1)
		}
	}
}

// BroadcastJSON encodes v and sends it as a named event.
func (h *Hub) BroadcastJSON(eventType string, v any) error {
	buf, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.BroadcastEvent(eventType, buf)
	return nil
}

// ClientCount returns the number of subscribers.
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// DroppedTotal returns how many events were dropped on full queues.
func (h *Hub) DroppedTotal() uint64 {
	return h.dropped.Load()
}

// Close disconnects every subscriber and refuses new ones. It returns the
// number of subscribers closed.
func (h *Hub) Close() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	n := len(h.clients)
	for ch := range h.clients {
		close(ch)
	}
	h.clients = make(map[chan Event]struct{})
	return n
}
