// Package gossip implements a networked broadcast transport on a
// hashicorp/memberlist cluster. Each Transport is one cluster member; posts
// go to local channels directly and to every remote member over the
// reliable (TCP) path.
package gossip

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/memberlist"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/devrev/tabsync/internal/broadcast"
	"github.com/devrev/tabsync/internal/errors"
	"github.com/devrev/tabsync/internal/logging"
	"github.com/devrev/tabsync/internal/metrics"
)

const transportName = "gossip"

// Config holds gossip transport configuration
type Config struct {
	NodeName       string
	BindAddr       string
	BindPort       int
	Seeds          []string
	GossipInterval time.Duration
	ProbeInterval  time.Duration
	// ReorderWindow bounds how long an out-of-order message waits for the
	// gap before it to close.
	ReorderWindow time.Duration
}

// envelope is what travels between members.
type envelope struct {
	Origin string `msgpack:"o"`
	Seq    uint64 `msgpack:"q"`
	Topic  string `msgpack:"t"`
	Frame  []byte `msgpack:"f"`
}

// Transport is a memberlist-backed broadcast medium.
type Transport struct {
	config     *Config
	memberlist *memberlist.Memberlist
	nodeName   string
	logger     *zap.Logger
	metrics    *metrics.Metrics

	mu       sync.RWMutex
	topics   map[string]map[*channel]struct{}
	closed   bool
	sendMu   sync.Mutex
	seq      uint64
	inbound  *reorderer
	stopChan chan struct{}
}

// New creates the local member and joins any configured seeds.
func New(cfg *Config, logger *zap.Logger, m *metrics.Metrics) (*Transport, error) {
	logger = logging.OrNop(logger).Named("gossip-bus")
	name := cfg.NodeName
	if name == "" {
		name = uuid.NewString()
	}
	window := cfg.ReorderWindow
	if window <= 0 {
		window = time.Second
	}

	t := &Transport{
		config:   cfg,
		nodeName: name,
		logger:   logger,
		metrics:  metrics.OrNew(m),
		topics:   make(map[string]map[*channel]struct{}),
		stopChan: make(chan struct{}),
	}
	t.inbound = newReorderer(window, t.dispatch)

	mlConfig := memberlist.DefaultLocalConfig()
	mlConfig.Name = name
	if cfg.BindAddr != "" {
		mlConfig.BindAddr = cfg.BindAddr
	}
	mlConfig.BindPort = cfg.BindPort
	mlConfig.AdvertisePort = cfg.BindPort
	if cfg.GossipInterval > 0 {
		mlConfig.GossipInterval = cfg.GossipInterval
	}
	if cfg.ProbeInterval > 0 {
		mlConfig.ProbeInterval = cfg.ProbeInterval
	}
	mlConfig.Delegate = &delegate{transport: t}
	mlConfig.Events = &eventDelegate{transport: t}
	mlConfig.Logger = zap.NewStdLog(logger.Named("memberlist"))

	ml, err := memberlist.Create(mlConfig)
	if err != nil {
		return nil, errors.TransportFailed("failed to create memberlist", err)
	}
	t.memberlist = ml

	if len(cfg.Seeds) > 0 {
		if _, err := ml.Join(cfg.Seeds); err != nil {
			logger.Warn("Failed to join some seed nodes", zap.Error(err))
		}
	}

	go t.sweep(window)
	return t, nil
}

// Address returns host:port other members can join.
func (t *Transport) Address() string {
	node := t.memberlist.LocalNode()
	return fmt.Sprintf("%s:%d", node.Addr, node.Port)
}

// Join adds seed members after construction.
func (t *Transport) Join(addrs ...string) (int, error) {
	return t.memberlist.Join(addrs)
}

// NumMembers includes the local node.
func (t *Transport) NumMembers() int {
	return t.memberlist.NumMembers()
}

// Open creates a channel instance on name.
func (t *Transport) Open(_ context.Context, name string) (broadcast.Channel, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, errors.Closed("gossip transport")
	}

	ch := &channel{Base: broadcast.NewBase(name), transport: t}
	peers, ok := t.topics[name]
	if !ok {
		peers = make(map[*channel]struct{})
		t.topics[name] = peers
	}
	peers[ch] = struct{}{}
	return ch, nil
}

// Close leaves the cluster and closes every channel.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	topics := t.topics
	t.topics = make(map[string]map[*channel]struct{})
	t.mu.Unlock()

	close(t.stopChan)
	for _, peers := range topics {
		for ch := range peers {
			ch.MarkClosed()
		}
	}

	if err := t.memberlist.Leave(time.Second); err != nil {
		t.logger.Warn("Failed to leave cluster", zap.Error(err))
	}
	return t.memberlist.Shutdown()
}

func (t *Transport) forget(ch *channel) {
	t.mu.Lock()
	defer t.mu.Unlock()
	peers := t.topics[ch.Name()]
	delete(peers, ch)
	if len(peers) == 0 {
		delete(t.topics, ch.Name())
	}
}

// post fans a frame out locally and to every remote member, under one lock
// so sequence order equals send order.
func (t *Transport) post(from *channel, data []byte) error {
	raw, err := broadcast.EncodeFrame(from.ID(), data)
	if err != nil {
		return errors.TransportFailed("encode frame", err)
	}

	t.sendMu.Lock()
	defer t.sendMu.Unlock()

	t.deliverLocal(from.Name(), from.ID(), data)

	t.seq++
	msg, err := msgpack.Marshal(envelope{Origin: t.nodeName, Seq: t.seq, Topic: from.Name(), Frame: raw})
	if err != nil {
		return errors.TransportFailed("encode envelope", err)
	}

	local := t.memberlist.LocalNode()
	for _, node := range t.memberlist.Members() {
		if node.Name == local.Name {
			continue
		}
		if err := t.memberlist.SendReliable(node, msg); err != nil {
			t.logger.Warn("Failed to send to member",
				zap.String("node_id", node.Name), zap.Error(err))
			continue
		}
	}
	t.metrics.TransportMessagesTotal.WithLabelValues(transportName, "out").Inc()
	return nil
}

func (t *Transport) deliverLocal(topic, sender string, data []byte) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for ch := range t.topics[topic] {
		if ch.ID() == sender {
			continue
		}
		ch.Deliver(data)
	}
}

func (t *Transport) receive(raw []byte) {
	var env envelope
	if err := msgpack.Unmarshal(raw, &env); err != nil {
		t.metrics.CorruptFramesTotal.WithLabelValues(transportName).Inc()
		t.logger.Warn("Failed to unmarshal gossip message", zap.Error(err))
		return
	}
	t.inbound.push(env)
}

func (t *Transport) dispatch(env envelope) {
	frame, err := broadcast.DecodeFrame(env.Frame)
	if err != nil {
		t.metrics.CorruptFramesTotal.WithLabelValues(transportName).Inc()
		t.logger.Warn("Dropping corrupt frame", zap.String("node_id", env.Origin), zap.Error(err))
		return
	}
	t.metrics.TransportMessagesTotal.WithLabelValues(transportName, "in").Inc()
	t.deliverLocal(env.Topic, frame.Sender, frame.Data)
}

func (t *Transport) sweep(window time.Duration) {
	ticker := time.NewTicker(window / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			t.inbound.expire(time.Now())
		case <-t.stopChan:
			return
		}
	}
}

type channel struct {
	*broadcast.Base
	transport *Transport
	closeOnce sync.Once
}

func (c *channel) Post(_ context.Context, data []byte) error {
	if c.IsClosed() {
		return errors.TransportFailed("post on closed channel "+c.Name(), nil)
	}
	return c.transport.post(c, data)
}

func (c *channel) Close() error {
	c.closeOnce.Do(func() {
		c.MarkClosed()
		c.transport.forget(c)
	})
	return nil
}

// delegate implements memberlist.Delegate
type delegate struct {
	transport *Transport
}

func (d *delegate) NodeMeta(limit int) []byte {
	return nil
}

func (d *delegate) NotifyMsg(data []byte) {
	// memberlist may reuse the buffer after we return.
	buf := make([]byte, len(data))
	copy(buf, data)
	d.transport.receive(buf)
}

func (d *delegate) GetBroadcasts(overhead, limit int) [][]byte {
	return nil
}

func (d *delegate) LocalState(join bool) []byte {
	return nil
}

func (d *delegate) MergeRemoteState(buf []byte, join bool) {}

// eventDelegate logs membership changes
type eventDelegate struct {
	transport *Transport
}

func (d *eventDelegate) NotifyJoin(node *memberlist.Node) {
	d.transport.logger.Info("Member joined",
		zap.String("node_id", node.Name),
		zap.String("addr", node.Addr.String()))
}

func (d *eventDelegate) NotifyLeave(node *memberlist.Node) {
	d.transport.logger.Info("Member left", zap.String("node_id", node.Name))
	d.transport.inbound.forget(node.Name)
}

func (d *eventDelegate) NotifyUpdate(node *memberlist.Node) {
	d.transport.logger.Debug("Member updated", zap.String("node_id", node.Name))
}
