package grpcbus

import (
	"io"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/devrev/tabsync/internal/broadcast"
	"github.com/devrev/tabsync/internal/errors"
	"github.com/devrev/tabsync/internal/logging"
	"github.com/devrev/tabsync/internal/metrics"
)

// Server relays posts between the streams joined to a topic.
type Server struct {
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu     sync.RWMutex
	topics map[string]map[*peer]struct{}
}

type peer struct {
	sender string
	box    *broadcast.Mailbox
}

// NewServer creates a bus server.
func NewServer(logger *zap.Logger, m *metrics.Metrics) *Server {
	return &Server{
		logger:  logging.OrNop(logger).Named("grpc-bus"),
		metrics: metrics.OrNew(m),
		topics:  make(map[string]map[*peer]struct{}),
	}
}

// ServerOptions returns the options a grpc.Server needs to host the bus.
func ServerOptions() []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxMessageSize),
		grpc.MaxSendMsgSize(maxMessageSize),
	}
}

// Register attaches the bus service to gs.
func (s *Server) Register(gs *grpc.Server) {
	gs.RegisterService(&serviceDesc, s)
}

// Peers returns the number of streams joined to topic.
func (s *Server) Peers(topic string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics[topic])
}

func (s *Server) subscribe(stream grpc.ServerStream) error {
	md, _ := metadata.FromIncomingContext(stream.Context())
	topic := firstValue(md, mdTopic)
	sender := firstValue(md, mdSender)
	if topic == "" {
		return errors.InvalidArgument("stream must name a topic", nil).ToGRPCStatus().Err()
	}

	p := &peer{sender: sender, box: broadcast.NewMailbox()}
	s.add(topic, p)
	defer s.remove(topic, p)

	logger := s.logger.With(zap.String("topic", topic), zap.String("sender", sender))
	logger.Debug("Peer joined")

	if err := stream.SendHeader(metadata.Pairs(mdJoined, topic)); err != nil {
		p.box.Close()
		return err
	}

	sendDone := make(chan error, 1)
	go func() {
		for data := range p.box.Out() {
			if err := stream.SendMsg(wrapFrame(data)); err != nil {
				sendDone <- err
				return
			}
			s.metrics.TransportMessagesTotal.WithLabelValues("grpc-bus", "out").Inc()
		}
		sendDone <- nil
	}()

	var recvErr error
	for {
		msg := new(wrapperspb.BytesValue)
		if err := stream.RecvMsg(msg); err != nil {
			if err != io.EOF {
				recvErr = err
			}
			break
		}
		s.metrics.TransportMessagesTotal.WithLabelValues("grpc-bus", "in").Inc()
		s.publish(topic, p, msg.GetValue())
	}

	p.box.Close()
	<-sendDone
	logger.Debug("Peer left", zap.Error(recvErr))
	return recvErr
}

func (s *Server) add(topic string, p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers, ok := s.topics[topic]
	if !ok {
		peers = make(map[*peer]struct{})
		s.topics[topic] = peers
	}
	peers[p] = struct{}{}
}

func (s *Server) remove(topic string, p *peer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	peers := s.topics[topic]
	delete(peers, p)
	if len(peers) == 0 {
		delete(s.topics, topic)
	}
}

func (s *Server) publish(topic string, from *peer, data []byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for p := range s.topics[topic] {
		if p == from {
			continue
		}
		p.box.Push(data)
	}
}
