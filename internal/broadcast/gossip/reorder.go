package gossip

import (
	"sort"
	"sync"
	"time"
)

// reorderer restores per-origin send order. Reliable sends each use their
// own connection, so two posts from one member can be handled out of order.
type reorderer struct {
	window  time.Duration
	deliver func(envelope)
	now     func() time.Time

	mu      sync.Mutex
	origins map[string]*originState
}

type originState struct {
	next    uint64
	pending map[uint64]pendingEnvelope
}

type pendingEnvelope struct {
	env     envelope
	arrived time.Time
}

func newReorderer(window time.Duration, deliver func(envelope)) *reorderer {
	return &reorderer{
		window:  window,
		deliver: deliver,
		now:     time.Now,
		origins: make(map[string]*originState),
	}
}

func (r *reorderer) push(env envelope) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.origins[env.Origin]
	if !ok {
		// First contact: accept wherever the origin currently is.
		st = &originState{next: env.Seq, pending: make(map[uint64]pendingEnvelope)}
		r.origins[env.Origin] = st
	}

	switch {
	case env.Seq < st.next:
		return
	case env.Seq > st.next:
		st.pending[env.Seq] = pendingEnvelope{env: env, arrived: r.now()}
		return
	}

	r.deliver(env)
	st.next++
	r.drain(st)
}

func (r *reorderer) drain(st *originState) {
	for {
		p, ok := st.pending[st.next]
		if !ok {
			return
		}
		delete(st.pending, st.next)
		r.deliver(p.env)
		st.next++
	}
}

// expire gives up on gaps older than the window and delivers what is buffered.
func (r *reorderer) expire(now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, st := range r.origins {
		if len(st.pending) == 0 {
			continue
		}
		seqs := make([]uint64, 0, len(st.pending))
		oldest := now
		for seq, p := range st.pending {
			seqs = append(seqs, seq)
			if p.arrived.Before(oldest) {
				oldest = p.arrived
			}
		}
		if now.Sub(oldest) < r.window {
			continue
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		st.next = seqs[0]
		r.drain(st)
	}
}

func (r *reorderer) forget(origin string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.origins, origin)
}
