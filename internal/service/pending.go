package service

import (
	"sync"

	"github.com/google/uuid"

	"github.com/devrev/tabsync/internal/metrics"
	"github.com/devrev/tabsync/internal/model"
)

type execOutcome struct {
	result model.ExecResult
	err    error
}

// pendingTable correlates exec requests with their replies. Each id is
// live at most once and never reused.
type pendingTable struct {
	mu      sync.Mutex
	entries map[string]chan execOutcome
	metrics *metrics.Metrics
}

func newPendingTable(m *metrics.Metrics) *pendingTable {
	return &pendingTable{
		entries: make(map[string]chan execOutcome),
		metrics: m,
	}
}

// register allocates a request id. The returned channel receives exactly
// one outcome unless the entry is removed first.
func (t *pendingTable) register() (string, <-chan execOutcome) {
	id := uuid.NewString()
	ch := make(chan execOutcome, 1)

	t.mu.Lock()
	t.entries[id] = ch
	n := len(t.entries)
	t.mu.Unlock()

	t.metrics.PendingRequests.Set(float64(n))
	return id, ch
}

// settle delivers an outcome. It returns false for unknown ids, which are
// late replies to requests that already timed out.
func (t *pendingTable) settle(id string, outcome execOutcome) bool {
	ch, ok := t.take(id)
	if !ok {
		t.metrics.LateRepliesTotal.Inc()
		return false
	}
	ch <- outcome
	return true
}

// remove drops the entry without settling it.
func (t *pendingTable) remove(id string) bool {
	_, ok := t.take(id)
	return ok
}

func (t *pendingTable) take(id string) (chan execOutcome, bool) {
	t.mu.Lock()
	ch, ok := t.entries[id]
	delete(t.entries, id)
	n := len(t.entries)
	t.mu.Unlock()

	t.metrics.PendingRequests.Set(float64(n))
	return ch, ok
}

// rejectAll settles every entry with err.
func (t *pendingTable) rejectAll(err error) int {
	t.mu.Lock()
	entries := t.entries
	t.entries = make(map[string]chan execOutcome)
	t.mu.Unlock()

	for _, ch := range entries {
		ch <- execOutcome{err: err}
	}
	t.metrics.PendingRequests.Set(0)
	return len(entries)
}

func (t *pendingTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
