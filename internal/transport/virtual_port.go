package transport

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/devrev/tabsync/internal/broadcast"
	"github.com/devrev/tabsync/internal/codec"
	"github.com/devrev/tabsync/internal/errors"
	"github.com/devrev/tabsync/internal/model"
	"github.com/devrev/tabsync/internal/process"
)

// VirtualPort is a client's Port to a worker hosted by whichever process
// context currently leads. Outbound payloads travel as ToLeader envelopes,
// inbound ones arrive as ToClient envelopes addressed to this client.
type VirtualPort struct {
	clientID string
	channel  broadcast.Channel
	sub      *broadcast.Subscription
	codec    codec.Codec
	logger   *zap.Logger
	pc       *process.Context

	in       *inbox
	unload   func()
	done     chan struct{}
	closeErr error

	mu        sync.Mutex
	hostID    string
	siteID    model.SiteID
	ready     chan struct{}
	readySeen bool
	failure   error
	closeOnce sync.Once
}

// NewVirtualPort opens the control topic on the process transport.
func NewVirtualPort(ctx context.Context, pc *process.Context, topic string, c codec.Codec) (*VirtualPort, error) {
	ch, err := pc.Transport.Open(ctx, topic)
	if err != nil {
		return nil, errors.TransportFailed("open control channel", err)
	}
	sub, err := ch.Subscribe()
	if err != nil {
		_ = ch.Close()
		return nil, errors.TransportFailed("subscribe control channel", err)
	}
	if c == nil {
		c = codec.Msgpack{}
	}

	p := &VirtualPort{
		clientID: uuid.NewString(),
		channel:  ch,
		sub:      sub,
		codec:    c,
		pc:       pc,
		in:       newInbox(),
		done:     make(chan struct{}),
		ready:    make(chan struct{}),
	}
	p.logger = pc.Logger.Named("virtual-port").With(zap.String("client_id", p.clientID), zap.String("topic", topic))
	unload, ok := pc.RegisterUnload(func() { _ = p.Close() })
	if !ok {
		p.shutdown()
		return nil, errors.Closed("process context")
	}
	p.mu.Lock()
	p.unload = unload
	p.mu.Unlock()

	go p.receive()
	return p, nil
}

// ClientID identifies this port to the leader.
func (p *VirtualPort) ClientID() string { return p.clientID }

// Connect sends hello. The leader connects the client and answers ready.
func (p *VirtualPort) Connect(ctx context.Context) error {
	return p.send(ctx, Hello{ClientID: p.clientID})
}

// Ready is closed once a host acknowledges this client.
func (p *VirtualPort) Ready() <-chan struct{} { return p.ready }

// SiteID is the worker's site id from the latest acknowledgement.
func (p *VirtualPort) SiteID() model.SiteID {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.siteID
}

// Done is closed when the port closes for any reason.
func (p *VirtualPort) Done() <-chan struct{} { return p.done }

// Err returns the transport failure that closed the port, if any.
func (p *VirtualPort) Err() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.failure
}

// PostMessage sends payload to the worker.
func (p *VirtualPort) PostMessage(ctx context.Context, payload []byte) error {
	if p.in.isClosed() {
		if err := p.Err(); err != nil {
			return err
		}
		return errors.Closed("virtual port")
	}
	return p.send(ctx, ToLeader{ClientID: p.clientID, Payload: payload})
}

func (p *VirtualPort) Messages() <-chan []byte { return p.in.box.Out() }

func (p *VirtualPort) Start() { p.in.start() }

// Close announces disconnect (best effort) and stops listening.
func (p *VirtualPort) Close() error {
	p.closeOnce.Do(func() {
		p.dropUnloadHook()
		if p.Err() == nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			if err := p.send(ctx, Disconnect{ClientID: p.clientID}); err != nil {
				p.logger.Debug("Disconnect not delivered", zap.Error(err))
			}
			cancel()
		}
		p.shutdown()
	})
	return p.closeErr
}

func (p *VirtualPort) dropUnloadHook() {
	p.mu.Lock()
	unload := p.unload
	p.unload = nil
	p.mu.Unlock()
	if unload != nil {
		unload()
	}
}

func (p *VirtualPort) shutdown() {
	p.in.close()
	p.sub.Close()
	p.closeErr = p.channel.Close()
	close(p.done)
}

func (p *VirtualPort) send(ctx context.Context, env Envelope) error {
	raw, err := Encode(p.codec, env)
	if err != nil {
		return errors.InternalError("encode envelope", err)
	}
	if err := p.channel.Post(ctx, raw); err != nil {
		return errors.TransportFailed("post envelope", err)
	}
	return nil
}

func (p *VirtualPort) receive() {
	for raw := range p.sub.C() {
		switch env := Decode(p.codec, raw).(type) {
		case ToClient:
			if env.ClientID == p.clientID {
				p.in.push(env.Payload)
			}
		case Ready:
			p.onReady(env)
		case Hello, ToLeader, Disconnect:
			// Addressed to the leader.
		case Unrecognized:
			p.logger.Warn("Ignoring unrecognized envelope", zap.String("kind", env.Tag), zap.Error(env.Err))
		}
	}

	if !p.in.isClosed() {
		p.mu.Lock()
		p.failure = errors.TransportFailed("control channel closed", nil)
		p.mu.Unlock()
		p.logger.Error("Control channel closed underneath port")
		p.closeOnce.Do(func() {
			p.dropUnloadHook()
			p.shutdown()
		})
	}
}

func (p *VirtualPort) onReady(env Ready) {
	p.mu.Lock()
	if env.ClientID == p.clientID {
		p.hostID = env.HostID
		p.siteID = env.SiteID
		first := !p.readySeen
		p.readySeen = true
		p.mu.Unlock()
		if first {
			close(p.ready)
		}
		return
	}
	stale := env.HostID != p.hostID
	p.mu.Unlock()

	if stale {
		// A host that has not acknowledged us: introduce ourselves.
		p.logger.Info("Worker host changed, reconnecting", zap.String("host_id", env.HostID))
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := p.Connect(ctx); err != nil {
			p.logger.Warn("Reconnect failed", zap.Error(err))
		}
	}
}
