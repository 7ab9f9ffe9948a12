package shim

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/devrev/tabsync/internal/host"
	"github.com/devrev/tabsync/internal/transport"
)

// NativeRegistry shares one worker per URL between every caller in the
// process. It stands in for a runtime with native shared workers.
type NativeRegistry struct {
	mu      sync.Mutex
	workers map[string]*nativeWorker
}

type nativeWorker struct {
	runtime *host.Runtime
	refs    int
}

// NewNativeRegistry creates an empty registry.
func NewNativeRegistry() *NativeRegistry {
	return &NativeRegistry{workers: make(map[string]*nativeWorker)}
}

// connect starts the worker for url on first use and connects a new client.
func (r *NativeRegistry) connect(ctx context.Context, url string, factory host.Factory) (*host.Runtime, string, transport.Port, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[url]
	if !ok {
		rt, err := host.NewRuntime(ctx, factory)
		if err != nil {
			return nil, "", nil, err
		}
		w = &nativeWorker{runtime: rt}
		r.workers[url] = w
	}

	clientID := uuid.NewString()
	port, _, err := w.runtime.Connect(clientID)
	if err != nil {
		return nil, "", nil, err
	}
	w.refs++
	return w.runtime, clientID, port, nil
}

// release disconnects the client and closes the worker after its last client.
func (r *NativeRegistry) release(url, clientID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workers[url]
	if !ok {
		return nil
	}
	w.runtime.Disconnect(clientID)
	w.refs--
	if w.refs > 0 {
		return nil
	}
	delete(r.workers, url)
	return w.runtime.Close()
}

// Workers returns the number of running workers.
func (r *NativeRegistry) Workers() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.workers)
}
