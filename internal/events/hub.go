// Package events is an in-memory pub/sub for execution lifecycle events,
// with a small replay buffer so a client that connects late still sees
// recent history.
package events

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Event is one lifecycle occurrence (execution.started, execution.completed).
type Event struct {
	ID   int64           `json:"id"`
	Type string          `json:"type"`
	At   time.Time       `json:"at"`
	Data json.RawMessage `json:"data"`
}

// Hub fans events out to subscribers without ever blocking publishers.
type Hub struct {
	lastID atomic.Int64

	mu     sync.Mutex
	buf    []Event // ring, oldest at head
	head   int
	count  int
	subs   map[int]chan Event
	nextID int
}

// NewHub returns a hub that retains the last capacity events for replay.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 128
	}
	return &Hub{
		buf:  make([]Event, capacity),
		subs: make(map[int]chan Event),
	}
}

// Publish records the event and delivers it to every subscriber that can
// keep up; laggards miss events instead of stalling the supervisor.
func (h *Hub) Publish(eventType string, data any) {
	payload := json.RawMessage(`{}`)
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			payload = b
		}
	}
	ev := Event{
		ID:   h.lastID.Add(1),
		Type: eventType,
		At:   time.Now().UTC(),
		Data: payload,
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count < len(h.buf) {
		h.buf[(h.head+h.count)%len(h.buf)] = ev
		h.count++
	} else {
		h.buf[h.head] = ev
		h.head = (h.head + 1) % len(h.buf)
	}

	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Subscribe registers a listener. The returned cancel func must be called to
// release it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextID
	h.nextID++
	ch := make(chan Event, 64)
	h.subs[id] = ch

	return ch, func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if c, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(c)
		}
	}
}

// Replay returns buffered events with ID greater than afterID, oldest first.
func (h *Hub) Replay(afterID int64) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()

	out := make([]Event, 0, h.count)
	for i := 0; i < h.count; i++ {
		ev := h.buf[(h.head+i)%len(h.buf)]
		if ev.ID > afterID {
			out = append(out, ev)
		}
	}
	return out
}
