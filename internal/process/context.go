// Package process holds the state owned by one process context: its
// broadcast transport, instance identity, and unload hooks.
package process

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/tabsync/internal/broadcast"
	"github.com/devrev/tabsync/internal/logging"
	"github.com/devrev/tabsync/internal/metrics"
)

// Context is passed explicitly to every component living in a process
// context. Nothing in tabsync keeps process-wide globals.
type Context struct {
	InstanceID string
	Transport  broadcast.Transport
	Logger     *zap.Logger
	Metrics    *metrics.Metrics

	mu       sync.Mutex
	nextHook int
	hooks    map[int]func()
	order    []int
	unloaded bool
	done     chan struct{}
}

// New creates a process context on transport.
func New(transport broadcast.Transport, logger *zap.Logger, m *metrics.Metrics) *Context {
	id := uuid.NewString()
	return &Context{
		InstanceID: id,
		Transport:  transport,
		Logger:     logging.OrNop(logger).With(zap.String("instance_id", id)),
		Metrics:    metrics.OrNew(m),
		hooks:      make(map[int]func()),
		done:       make(chan struct{}),
	}
}

// RegisterUnload adds fn to run on Unload. The returned func removes it.
// Once Unload has started, fn is not registered or run and ok is false.
func (c *Context) RegisterUnload(fn func()) (unregister func(), ok bool) {
	c.mu.Lock()
	if c.unloaded {
		c.mu.Unlock()
		return func() {}, false
	}
	id := c.nextHook
	c.nextHook++
	c.hooks[id] = fn
	c.order = append(c.order, id)
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.hooks, id)
	}, true
}

// Unload runs registered hooks, most recent first, exactly once.
func (c *Context) Unload() {
	c.mu.Lock()
	if c.unloaded {
		c.mu.Unlock()
		return
	}
	c.unloaded = true
	var fns []func()
	for i := len(c.order) - 1; i >= 0; i-- {
		if fn, ok := c.hooks[c.order[i]]; ok {
			fns = append(fns, fn)
		}
	}
	c.hooks = nil
	c.order = nil
	close(c.done)
	c.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}

// Done is closed once Unload starts.
func (c *Context) Done() <-chan struct{} {
	return c.done
}
