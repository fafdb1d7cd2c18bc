package notify

import (
	"encoding/json"
	"sync"
)

// Message is one serialized event ready for the wire.
type Message struct {
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Hub is an in-process Notifier that fans events out to subscribers over
// buffered channels. A subscriber that falls behind has messages dropped
// rather than blocking the publisher.
type Hub struct {
	mu   sync.RWMutex
	subs map[chan Message]struct{}
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: map[chan Message]struct{}{}}
}

// Subscribe registers a new subscriber and returns its channel plus a
// cancel function. The cancel function is idempotent.
func (h *Hub) Subscribe() (<-chan Message, func()) {
	ch := make(chan Message, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			close(ch)
			h.mu.Unlock()
		})
	}
	return ch, cancel
}

// Publish implements Notifier. Payloads that fail to serialize are dropped;
// notification is best-effort by contract.
func (h *Hub) Publish(event string, payload any) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return
	}
	msg := Message{Event: event, Payload: raw}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- msg:
		default:
			// Slow subscriber: drop rather than block the ingest path.
		}
	}
}

// Subscribers returns the current subscriber count.
func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
