// Package events carries batch progress to interested listeners.
package events

import (
	"sync"
	"time"
)

// Event types.
const (
	RunStarted  = "run.started"
	VerifyDone  = "verify.done"
	ProbeDone   = "probe.done"
	RunFinished = "run.finished"
)

// Event is one progress notification.
type Event struct {
	Type  string    `json:"type"`
	RunID string    `json:"run_id"`
	IP    string    `json:"ip,omitempty"`
	OK    bool      `json:"ok"`
	Done  int       `json:"done"`
	Total int       `json:"total"`
	Error string    `json:"error,omitempty"`
	At    time.Time `json:"at"`
}

// Sink receives events. Publish must not block the caller for long and
// never fails the batch.
type Sink interface {
	Publish(Event)
}

// Nop discards every event.
type Nop struct{}

// Publish implements Sink.
func (Nop) Publish(Event) {}

// Multi fans one event out to several sinks.
type Multi []Sink

// Publish implements Sink.
func (m Multi) Publish(e Event) {
	for _, s := range m {
		if s != nil {
			s.Publish(e)
		}
	}
}

// Hub is an in-process broadcaster. Slow subscribers lose events rather
// than stall the publisher.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	buffer int
}

// NewHub creates a hub whose subscriber channels hold buffer events.
func NewHub(buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{subs: make(map[chan Event]struct{}), buffer: buffer}
}

// Subscribe registers a listener. Call the returned func to unsubscribe;
// it closes the channel.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, h.buffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, ch)
			h.mu.Unlock()
			close(ch)
		})
	}
}

// Subscribers returns the current listener count.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Publish implements Sink.
func (h *Hub) Publish(e Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- e:
		default:
		}
	}
}
