package grpcbus

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/devrev/tabsync/internal/broadcast"
	"github.com/devrev/tabsync/internal/errors"
	"github.com/devrev/tabsync/internal/logging"
	"github.com/devrev/tabsync/internal/metrics"
)

const transportName = "grpc"

// Transport opens channels as streams on a remote bus Server.
type Transport struct {
	conn    *grpc.ClientConn
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu       sync.Mutex
	channels map[*channel]struct{}
	closed   bool
}

// Dial creates a client for the bus at target. Extra options are appended
// after the insecure transport credentials.
func Dial(target string, logger *zap.Logger, m *metrics.Metrics, opts ...grpc.DialOption) (*Transport, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxMessageSize),
			grpc.MaxCallSendMsgSize(maxMessageSize),
		),
	}, opts...)

	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, errors.TransportFailed(fmt.Sprintf("failed to create bus client for %s", target), err)
	}

	return &Transport{
		conn:     conn,
		logger:   logging.OrNop(logger).Named("grpc-bus-client"),
		metrics:  metrics.OrNew(m),
		channels: make(map[*channel]struct{}),
	}, nil
}

// Open joins name on the bus. It returns once the bus acknowledged the join.
func (t *Transport) Open(ctx context.Context, name string) (broadcast.Channel, error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, errors.Closed("grpc transport")
	}
	t.mu.Unlock()

	base := broadcast.NewBase(name)
	streamCtx, cancel := context.WithCancel(context.Background())
	streamCtx = metadata.AppendToOutgoingContext(streamCtx, mdTopic, name, mdSender, base.ID())
	stream, err := t.conn.NewStream(streamCtx, &serviceDesc.Streams[0], subscribeRoute)
	if err != nil {
		cancel()
		return nil, errors.TransportFailed("open bus stream", err)
	}

	ch := &channel{
		Base:      base,
		transport: t,
		stream:    stream,
		cancel:    cancel,
	}

	joined := make(chan error, 1)
	go func() {
		md, err := stream.Header()
		if err != nil {
			joined <- err
			return
		}
		if firstValue(md, mdJoined) != name {
			// A stream rejected before any header carries its status in
			// the trailer, which RecvMsg surfaces.
			if err := stream.RecvMsg(new(wrapperspb.BytesValue)); err != nil && err != io.EOF {
				joined <- err
				return
			}
			joined <- fmt.Errorf("bus did not acknowledge topic %q", name)
			return
		}
		joined <- nil
	}()

	select {
	case err = <-joined:
	case <-ctx.Done():
		err = ctx.Err()
	}
	if err != nil {
		cancel()
		return nil, errors.TransportFailed(fmt.Sprintf("join %s", name), err)
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		cancel()
		return nil, errors.Closed("grpc transport")
	}
	t.channels[ch] = struct{}{}
	t.mu.Unlock()

	go ch.receive()
	return ch, nil
}

// Close closes all channels and the connection.
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
	return t.conn.Close()
}

func (t *Transport) forget(ch *channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.channels, ch)
}

type channel struct {
	*broadcast.Base
	transport *Transport
	stream    grpc.ClientStream
	cancel    context.CancelFunc

	sendMu    sync.Mutex
	closeOnce sync.Once
}

func (c *channel) receive() {
	logger := c.transport.logger.With(zap.String("channel", c.Name()))
	for {
		msg := new(wrapperspb.BytesValue)
		if err := c.stream.RecvMsg(msg); err != nil {
			if !c.IsClosed() {
				logger.Warn("Bus stream ended", zap.Error(err))
			}
			// Subscribers observe the closed stream as a transport failure.
			_ = c.Close()
			return
		}
		frame, err := broadcast.DecodeFrame(msg.GetValue())
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

func (c *channel) Post(_ context.Context, data []byte) error {
	if c.IsClosed() {
		return errors.TransportFailed("post on closed channel "+c.Name(), nil)
	}
	raw, err := broadcast.EncodeFrame(c.ID(), data)
	if err != nil {
		return errors.TransportFailed("encode frame", err)
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if err := c.stream.SendMsg(wrapFrame(raw)); err != nil {
		return errors.TransportFailed("send on bus stream", err)
	}
	c.transport.metrics.TransportMessagesTotal.WithLabelValues(transportName, "out").Inc()
	return nil
}

func (c *channel) Close() error {
	c.closeOnce.Do(func() {
		c.MarkClosed()
		c.sendMu.Lock()
		_ = c.stream.CloseSend()
		c.sendMu.Unlock()
		c.cancel()
		c.transport.forget(c)
	})
	return nil
}
