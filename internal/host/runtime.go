// Package host runs the shared worker inside whichever process context
// currently leads, and relays the control topic to and from it.
package host

import (
	"context"
	"sync"

	"github.com/devrev/tabsync/internal/errors"
	"github.com/devrev/tabsync/internal/model"
	"github.com/devrev/tabsync/internal/transport"
)

// Script is the worker program. OnConnect is called once per client with
// the worker's end of that client's port; the script must Start it.
type Script interface {
	OnConnect(port transport.Port)
	SiteID() model.SiteID
	Close() error
}

// Factory constructs a Script. It runs once per hosting term.
type Factory func(ctx context.Context) (Script, error)

// Runtime owns one Script and the host ends of its client ports.
type Runtime struct {
	script Script

	mu     sync.Mutex
	ports  map[string]transport.Port
	closed bool
}

// NewRuntime runs factory and wraps the resulting script.
func NewRuntime(ctx context.Context, factory Factory) (*Runtime, error) {
	script, err := factory(ctx)
	if err != nil {
		return nil, err
	}
	return &Runtime{
		script: script,
		ports:  make(map[string]transport.Port),
	}, nil
}

// SiteID is the script's site id.
func (r *Runtime) SiteID() model.SiteID {
	return r.script.SiteID()
}

// Connect creates the port pair for clientID and hands the worker end to
// the script. It returns the host end, and false if the client was
// already connected.
func (r *Runtime) Connect(clientID string) (transport.Port, bool, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, false, errors.Closed("worker runtime")
	}
	if port, ok := r.ports[clientID]; ok {
		r.mu.Unlock()
		return port, false, nil
	}
	hostEnd, workerEnd := transport.PortPair()
	r.ports[clientID] = hostEnd
	r.mu.Unlock()

	r.script.OnConnect(workerEnd)
	return hostEnd, true, nil
}

// Deliver passes a client payload to the script.
func (r *Runtime) Deliver(ctx context.Context, clientID string, payload []byte) error {
	r.mu.Lock()
	port, ok := r.ports[clientID]
	r.mu.Unlock()
	if !ok {
		return errors.InvalidArgument("unknown client "+clientID, nil)
	}
	return port.PostMessage(ctx, payload)
}

// Disconnect closes the client's port. The script sees its end close.
func (r *Runtime) Disconnect(clientID string) bool {
	r.mu.Lock()
	port, ok := r.ports[clientID]
	delete(r.ports, clientID)
	r.mu.Unlock()
	if ok {
		_ = port.Close()
	}
	return ok
}

// Clients returns the number of connected clients.
func (r *Runtime) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ports)
}

// Close disconnects every client and closes the script.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	ports := r.ports
	r.ports = nil
	r.mu.Unlock()

	for _, port := range ports {
		_ = port.Close()
	}
	return r.script.Close()
}
