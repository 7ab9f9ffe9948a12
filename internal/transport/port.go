package transport

import (
	"context"
	"sync"

	"github.com/devrev/tabsync/internal/broadcast"
	"github.com/devrev/tabsync/internal/errors"
)

// Port is a bidirectional message endpoint. Messages received before Start
// are held and delivered, in order, once Start is called. Messages closes
// when the port closes.
type Port interface {
	PostMessage(ctx context.Context, payload []byte) error
	Messages() <-chan []byte
	Start()
	Close() error
}

// inbox implements the buffer-until-Start rule shared by port types.
type inbox struct {
	mu      sync.Mutex
	started bool
	closed  bool
	held    [][]byte
	box     *broadcast.Mailbox
}

func newInbox() *inbox {
	return &inbox{box: broadcast.NewMailbox()}
}

func (in *inbox) push(data []byte) {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return
	}
	if !in.started {
		in.held = append(in.held, data)
		return
	}
	in.box.Push(data)
}

func (in *inbox) start() {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.started || in.closed {
		return
	}
	in.started = true
	for _, data := range in.held {
		in.box.Push(data)
	}
	in.held = nil
}

func (in *inbox) close() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.closed {
		return false
	}
	in.closed = true
	in.held = nil
	in.box.Close()
	return true
}

func (in *inbox) isClosed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.closed
}

// PortPair returns two in-memory ports wired to each other. Closing either
// end closes both.
func PortPair() (Port, Port) {
	a := &memPort{in: newInbox()}
	b := &memPort{in: newInbox()}
	a.peer, b.peer = b, a
	return a, b
}

type memPort struct {
	in   *inbox
	peer *memPort
}

func (p *memPort) PostMessage(_ context.Context, payload []byte) error {
	if p.in.isClosed() {
		return errors.Closed("port")
	}
	p.peer.in.push(payload)
	return nil
}

func (p *memPort) Messages() <-chan []byte { return p.in.box.Out() }

func (p *memPort) Start() { p.in.start() }

func (p *memPort) Close() error {
	if p.in.close() {
		p.peer.in.close()
	}
	return nil
}
