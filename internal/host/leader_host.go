package host

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/devrev/tabsync/internal/broadcast"
	"github.com/devrev/tabsync/internal/codec"
	"github.com/devrev/tabsync/internal/errors"
	"github.com/devrev/tabsync/internal/metrics"
	"github.com/devrev/tabsync/internal/model"
	"github.com/devrev/tabsync/internal/process"
	"github.com/devrev/tabsync/internal/transport"
)

// Options configures a LeaderHost.
type Options struct {
	Codec codec.Codec
	// ErrorPayload encodes a worker start-up failure as a sync-plane
	// message sent to each client.
	ErrorPayload func(err error) []byte
}

// LeaderHost relays the control topic to a Runtime it starts.
type LeaderHost struct {
	hostID       string
	topic        string
	channel      broadcast.Channel
	sub          *broadcast.Subscription
	factory      Factory
	codec        codec.Codec
	errorPayload func(error) []byte
	logger       *zap.Logger
	metrics      *metrics.Metrics

	tomb    tomb.Tomb
	runtime *Runtime
	failure error
}

// Start opens the control topic and begins constructing the worker.
// Traffic that arrives before the worker exists is buffered.
func Start(ctx context.Context, pc *process.Context, topic string, factory Factory, opts Options) (*LeaderHost, error) {
	ch, err := pc.Transport.Open(ctx, topic)
	if err != nil {
		return nil, errors.TransportFailed("open control channel", err)
	}
	sub, err := ch.Subscribe()
	if err != nil {
		_ = ch.Close()
		return nil, errors.TransportFailed("subscribe control channel", err)
	}
	if opts.Codec == nil {
		opts.Codec = codec.Msgpack{}
	}
	if opts.ErrorPayload == nil {
		opts.ErrorPayload = func(err error) []byte { return []byte(err.Error()) }
	}

	h := &LeaderHost{
		hostID:       uuid.NewString(),
		topic:        topic,
		channel:      ch,
		sub:          sub,
		factory:      factory,
		codec:        opts.Codec,
		errorPayload: opts.ErrorPayload,
		metrics:      pc.Metrics,
	}
	h.logger = pc.Logger.Named("leader-host").With(zap.String("topic", topic), zap.String("host_id", h.hostID))

	h.tomb.Go(h.loop)
	return h, nil
}

// HostID identifies this hosting term in ready announcements.
func (h *LeaderHost) HostID() string { return h.hostID }

// Dead is closed once the host has stopped.
func (h *LeaderHost) Dead() <-chan struct{} { return h.tomb.Dead() }

// Err returns the fatal error that stopped the host, if any.
func (h *LeaderHost) Err() error {
	select {
	case <-h.tomb.Dying():
	default:
		return nil
	}
	if err := h.tomb.Err(); err != tomb.ErrDying {
		return err
	}
	return nil
}

// Stop shuts the worker down and leaves the control topic.
func (h *LeaderHost) Stop() error {
	h.tomb.Kill(nil)
	err := h.tomb.Wait()
	h.sub.Close()
	_ = h.channel.Close()
	h.metrics.ConnectedClients.Set(0)
	if err == tomb.ErrDying {
		return nil
	}
	return err
}

type startResult struct {
	runtime *Runtime
	err     error
}

func (h *LeaderHost) loop() error {
	ctx := h.tomb.Context(context.Background())
	started := make(chan startResult, 1)
	go func() {
		rt, err := NewRuntime(ctx, h.factory)
		started <- startResult{runtime: rt, err: err}
	}()

	var held [][]byte
	for waiting := true; waiting; {
		select {
		case <-h.tomb.Dying():
			go func() {
				if res := <-started; res.runtime != nil {
					_ = res.runtime.Close()
				}
			}()
			return tomb.ErrDying
		case raw, ok := <-h.sub.C():
			if !ok {
				return errors.TransportFailed("control channel closed", nil)
			}
			held = append(held, raw)
		case res := <-started:
			h.runtime, h.failure = res.runtime, res.err
			waiting = false
		}
	}
	defer func() {
		if h.runtime != nil {
			_ = h.runtime.Close()
		}
	}()

	var site model.SiteID
	if h.failure != nil {
		h.logger.Error("Worker failed to start", zap.Error(h.failure))
	} else {
		site = h.runtime.SiteID()
		h.logger.Info("Worker started", zap.String("site_id", site.String()))
	}
	if err := h.send(ctx, transport.Ready{HostID: h.hostID, SiteID: site}); err != nil {
		return err
	}

	for _, raw := range held {
		if err := h.handle(ctx, raw); err != nil {
			return err
		}
	}
	held = nil

	for {
		select {
		case <-h.tomb.Dying():
			return tomb.ErrDying
		case raw, ok := <-h.sub.C():
			if !ok {
				return errors.TransportFailed("control channel closed", nil)
			}
			if err := h.handle(ctx, raw); err != nil {
				return err
			}
		}
	}
}

func (h *LeaderHost) handle(ctx context.Context, raw []byte) error {
	switch env := transport.Decode(h.codec, raw).(type) {
	case transport.Hello:
		return h.connect(ctx, env.ClientID, true)

	case transport.ToLeader:
		if h.failure != nil {
			return h.sendFailure(ctx, env.ClientID)
		}
		if err := h.connect(ctx, env.ClientID, false); err != nil {
			return err
		}
		if err := h.runtime.Deliver(ctx, env.ClientID, env.Payload); err != nil {
			h.logger.Warn("Failed to deliver to worker", zap.String("client_id", env.ClientID), zap.Error(err))
		}
		return nil

	case transport.Disconnect:
		if h.runtime != nil && h.runtime.Disconnect(env.ClientID) {
			h.metrics.ConnectedClients.Set(float64(h.runtime.Clients()))
			h.logger.Debug("Client disconnected", zap.String("client_id", env.ClientID))
		}
		return nil

	case transport.Ready:
		if env.HostID != h.hostID {
			h.logger.Warn("Another host is announcing on this topic", zap.String("other_host_id", env.HostID))
		}
		return nil

	case transport.ToClient:
		return nil

	case transport.Unrecognized:
		h.logger.Warn("Ignoring unrecognized envelope", zap.String("kind", env.Tag), zap.Error(env.Err))
		return nil
	}
	return nil
}

// connect wires a client to the worker. With ack set, or when the client is
// new, the client is told the host is ready.
func (h *LeaderHost) connect(ctx context.Context, clientID string, ack bool) error {
	if h.failure != nil {
		if err := h.send(ctx, transport.Ready{HostID: h.hostID, ClientID: clientID}); err != nil {
			return err
		}
		return h.sendFailure(ctx, clientID)
	}

	port, created, err := h.runtime.Connect(clientID)
	if err != nil {
		h.logger.Warn("Cannot connect client", zap.String("client_id", clientID), zap.Error(err))
		return nil
	}
	if created {
		port.Start()
		h.tomb.Go(func() error { return h.relay(clientID, port) })
		h.metrics.ConnectedClients.Set(float64(h.runtime.Clients()))
		h.logger.Debug("Client connected", zap.String("client_id", clientID))
	}
	if !ack && !created {
		return nil
	}
	return h.send(ctx, transport.Ready{HostID: h.hostID, SiteID: h.runtime.SiteID(), ClientID: clientID})
}

func (h *LeaderHost) sendFailure(ctx context.Context, clientID string) error {
	return h.send(ctx, transport.ToClient{ClientID: clientID, Payload: h.errorPayload(h.failure)})
}

// relay forwards worker output for one client, preserving its order.
func (h *LeaderHost) relay(clientID string, port transport.Port) error {
	ctx := h.tomb.Context(context.Background())
	for {
		select {
		case <-h.tomb.Dying():
			return nil
		case payload, ok := <-port.Messages():
			if !ok {
				return nil
			}
			if err := h.send(ctx, transport.ToClient{ClientID: clientID, Payload: payload}); err != nil {
				return err
			}
		}
	}
}

func (h *LeaderHost) send(ctx context.Context, env transport.Envelope) error {
	raw, err := transport.Encode(h.codec, env)
	if err != nil {
		return errors.InternalError("encode envelope", err)
	}
	if err := h.channel.Post(ctx, raw); err != nil {
		return errors.TransportFailed("post envelope", err)
	}
	return nil
}
