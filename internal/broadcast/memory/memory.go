// Package memory implements an in-process broadcast transport on a juju
// pubsub hub. Every Channel opened on the same Transport shares the hub.
package memory

import (
	"context"
	"sync"

	"github.com/juju/pubsub/v2"
	"go.uber.org/zap"

	"github.com/devrev/tabsync/internal/broadcast"
	"github.com/devrev/tabsync/internal/errors"
	"github.com/devrev/tabsync/internal/logging"
	"github.com/devrev/tabsync/internal/metrics"
)

const transportName = "memory"

type message struct {
	sender string
	data   []byte
}

// Transport is an in-process broadcast medium.
type Transport struct {
	hub     *pubsub.SimpleHub
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	channels map[*channel]struct{}
	closed   bool
}

// New creates an in-process transport.
func New(logger *zap.Logger, m *metrics.Metrics) *Transport {
	return &Transport{
		hub:      pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{}),
		logger:   logging.OrNop(logger).Named("memory-bus"),
		metrics:  metrics.OrNew(m),
		channels: make(map[*channel]struct{}),
	}
}

// Open creates a new channel instance on name.
func (t *Transport) Open(_ context.Context, name string) (broadcast.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.Closed("memory transport")
	}

	ch := &channel{Base: broadcast.NewBase(name), transport: t}
	ch.unsub = t.hub.Subscribe(name, ch.onMessage)
	t.channels[ch] = struct{}{}
	return ch, nil
}

// Close closes every channel opened on the transport.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	channels := t.channels
	t.channels = nil
	t.mu.Unlock()

	for ch := range channels {
		_ = ch.Close()
	}
	return nil
}

func (t *Transport) forget(ch *channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.channels, ch)
}

type channel struct {
	*broadcast.Base
	transport *Transport
	unsub     func()
	closeOnce sync.Once
}

func (c *channel) onMessage(_ string, data interface{}) {
	msg, ok := data.(message)
	if !ok || msg.sender == c.ID() {
		return
	}
	c.transport.metrics.TransportMessagesTotal.WithLabelValues(transportName, "in").Inc()
	c.Deliver(msg.data)
}

func (c *channel) Post(_ context.Context, data []byte) error {
	if c.IsClosed() {
		return errors.TransportFailed("post on closed channel "+c.Name(), nil)
	}
	payload := make([]byte, len(data))
	copy(payload, data)

	_ = c.transport.hub.Publish(c.Name(), message{sender: c.ID(), data: payload})
	c.transport.metrics.TransportMessagesTotal.WithLabelValues(transportName, "out").Inc()
	return nil
}

func (c *channel) Close() error {
	c.closeOnce.Do(func() {
		c.unsub()
		c.MarkClosed()
		c.transport.forget(c)
	})
	return nil
}
