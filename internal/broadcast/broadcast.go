// Package broadcast defines named broadcast channels between process contexts.
//
// A post on a Channel is delivered to every other open Channel with the same
// name on the same Transport, never back to the posting instance. Messages
// from one sender arrive in send order. Delivery never blocks the sender.
package broadcast

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/devrev/tabsync/internal/errors"
)

// Channel is one subscriber instance on a named topic.
type Channel interface {
	Name() string
	// ID identifies this instance. Posts are never delivered back to it.
	ID() string
	Post(ctx context.Context, data []byte) error
	Subscribe() (*Subscription, error)
	Close() error
}

// Transport opens channels. Each Open call returns a distinct instance.
type Transport interface {
	Open(ctx context.Context, name string) (Channel, error)
	Close() error
}

// Subscription is a stream of messages received by a Channel.
type Subscription struct {
	box    *Mailbox
	remove func()
	once   sync.Once
}

// C returns the receive stream. It is closed after Close or when the
// owning channel closes.
func (s *Subscription) C() <-chan []byte {
	return s.box.Out()
}

// Close stops delivery to this subscription.
func (s *Subscription) Close() {
	s.once.Do(func() {
		s.remove()
		s.box.Close()
	})
}

// Base carries the bookkeeping shared by every Channel implementation:
// identity, subscriptions, and closed state. Implementations embed it and
// call Deliver for each message received from other instances.
type Base struct {
	name string
	id   string

	mu     sync.Mutex
	subs   map[*Subscription]struct{}
	closed bool
}

// NewBase returns a Base with a fresh instance id.
func NewBase(name string) *Base {
	return &Base{
		name: name,
		id:   uuid.NewString(),
		subs: make(map[*Subscription]struct{}),
	}
}

func (b *Base) Name() string { return b.name }

func (b *Base) ID() string { return b.id }

// Subscribe registers a new receive stream.
func (b *Base) Subscribe() (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.Closed("broadcast channel " + b.name)
	}

	sub := &Subscription{box: NewMailbox()}
	sub.remove = func() {
		b.mu.Lock()
		delete(b.subs, sub)
		b.mu.Unlock()
	}
	b.subs[sub] = struct{}{}
	return sub, nil
}

// Deliver hands data to every live subscription.
func (b *Base) Deliver(data []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	for sub := range b.subs {
		sub.box.Push(data)
	}
}

// IsClosed reports whether MarkClosed has been called.
func (b *Base) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}

// MarkClosed closes every subscription. It reports false if the base was
// already closed.
func (b *Base) MarkClosed() bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return false
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[*Subscription]struct{})
	b.mu.Unlock()

	for sub := range subs {
		sub.box.Close()
	}
	return true
}
