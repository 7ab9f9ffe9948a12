// Package redisbus implements a networked broadcast transport on Redis
// PUBLISH/SUBSCRIBE. Process contexts in different OS processes share a
// channel by name through a common Redis server.
package redisbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/devrev/tabsync/internal/broadcast"
	"github.com/devrev/tabsync/internal/errors"
	"github.com/devrev/tabsync/internal/logging"
	"github.com/devrev/tabsync/internal/metrics"
)

const transportName = "redis"

// Options configures the Redis transport.
type Options struct {
	Addr        string
	Password    string
	DB          int
	DialTimeout time.Duration
	KeyPrefix   string
}

// Transport publishes frames on Redis channels.
type Transport struct {
	client  *redis.Client
	prefix  string
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	channels map[*channel]struct{}
	closed   bool
}

// New connects to Redis and verifies the connection.
func New(ctx context.Context, opts Options, logger *zap.Logger, m *metrics.Metrics) (*Transport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        opts.Addr,
		Password:    opts.Password,
		DB:          opts.DB,
		DialTimeout: opts.DialTimeout,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.TransportFailed("failed to connect to Redis", err)
	}

	return NewWithClient(client, opts.KeyPrefix, logger, m), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, prefix string, logger *zap.Logger, m *metrics.Metrics) *Transport {
	return &Transport{
		client:   client,
		prefix:   prefix,
		logger:   logging.OrNop(logger).Named("redis-bus"),
		metrics:  metrics.OrNew(m),
		channels: make(map[*channel]struct{}),
	}
}

// Open subscribes a new channel instance to name. It returns once Redis has
// confirmed the subscription.
func (t *Transport) Open(ctx context.Context, name string) (broadcast.Channel, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.Closed("redis transport")
	}
	t.mu.Unlock()

	key := t.prefix + name
	ps := t.client.Subscribe(ctx, key)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, errors.TransportFailed(fmt.Sprintf("subscribe %s", key), err)
	}

	ch := &channel{
		Base:      broadcast.NewBase(name),
		transport: t,
		key:       key,
		pubsub:    ps,
		done:      make(chan struct{}),
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = ps.Close()
		return nil, errors.Closed("redis transport")
	}
	t.channels[ch] = struct{}{}
	t.mu.Unlock()

	go ch.receive()
	return ch, nil
}

// Close closes every channel and the client.
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
	return t.client.Close()
}

func (t *Transport) forget(ch *channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.channels, ch)
}

type channel struct {
	*broadcast.Base
	transport *Transport
	key       string
	pubsub    *redis.PubSub
	done      chan struct{}
	closeOnce sync.Once
}

func (c *channel) receive() {
	logger := c.transport.logger.With(zap.String("channel", c.key))
	msgs := c.pubsub.Channel()
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			frame, err := broadcast.DecodeFrame([]byte(msg.Payload))
			if err != nil {
				c.transport.metrics.CorruptFramesTotal.WithLabelValues(transportName).Inc()
				logger.Warn("Dropping corrupt frame", zap.Error(err))
				continue
			}
			if frame.Sender == c.ID() {
				continue
			}
			c.transport.metrics.TransportMessagesTotal.WithLabelValues(transportName, "in").Inc()
			c.Deliver(frame.Data)
		}
	}
}

func (c *channel) Post(ctx context.Context, data []byte) error {
	if c.IsClosed() {
		return errors.TransportFailed("post on closed channel "+c.Name(), nil)
	}
	raw, err := broadcast.EncodeFrame(c.ID(), data)
	if err != nil {
		return errors.TransportFailed("encode frame", err)
	}
	if err := c.transport.client.Publish(ctx, c.key, raw).Err(); err != nil {
		return errors.TransportFailed(fmt.Sprintf("publish %s", c.key), err)
	}
	c.transport.metrics.TransportMessagesTotal.WithLabelValues(transportName, "out").Inc()
	return nil
}

func (c *channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.pubsub.Close()
		c.MarkClosed()
		c.transport.forget(c)
	})
	return err
}
