package service

import (
	"sync"

	"github.com/devrev/tabsync/internal/metrics"
)

// Event is a notification from the sync client.
type Event interface {
	isEvent()
}

// TablesChanged reports tables modified by changes from other replicas.
type TablesChanged struct {
	Tables []string
}

// Failure reports an error that did not belong to any caller, such as a
// failed batch apply or a lost transport.
type Failure struct {
	Err error
}

func (TablesChanged) isEvent() {}
func (Failure) isEvent()       {}

// eventHub fans events out to subscribers without ever blocking the sender.
type eventHub struct {
	mu      sync.Mutex
	subs    map[int]chan Event
	next    int
	buffer  int
	metrics *metrics.Metrics
}

func newEventHub(buffer int, m *metrics.Metrics) *eventHub {
	if buffer <= 0 {
		buffer = 64
	}
	return &eventHub{subs: make(map[int]chan Event), buffer: buffer, metrics: m}
}

func (h *eventHub) subscribe() (<-chan Event, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.next
	h.next++
	ch := make(chan Event, h.buffer)
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(ch)
			}
		})
	}
}

func (h *eventHub) publish(ev Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.metrics.EventsDroppedTotal.Inc()
		}
	}
}
