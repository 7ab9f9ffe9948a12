package host

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/tabsync/internal/broadcast"
	"github.com/devrev/tabsync/internal/broadcast/broadcasttest"
	"github.com/devrev/tabsync/internal/broadcast/memory"
	"github.com/devrev/tabsync/internal/codec"
	"github.com/devrev/tabsync/internal/model"
	"github.com/devrev/tabsync/internal/process"
	"github.com/devrev/tabsync/internal/transport"
)

// echoScript answers every payload with "echo:<payload>".
type echoScript struct {
	site   model.SiteID
	mu     sync.Mutex
	ports  []transport.Port
	gone   atomic.Int32
	closed atomic.Bool
}

func (s *echoScript) OnConnect(port transport.Port) {
	s.mu.Lock()
	s.ports = append(s.ports, port)
	s.mu.Unlock()
	port.Start()
	go func() {
		for msg := range port.Messages() {
			_ = port.PostMessage(context.Background(), append([]byte("echo:"), msg...))
		}
		s.gone.Add(1)
	}()
}

func (s *echoScript) SiteID() model.SiteID { return s.site }

func (s *echoScript) Close() error {
	s.closed.Store(true)
	return nil
}

type client struct {
	t   *testing.T
	ch  broadcast.Channel
	sub *broadcast.Subscription
	c   codec.Codec
}

func newClient(t *testing.T, tr broadcast.Transport) *client {
	ch, err := tr.Open(context.Background(), "topic")
	require.NoError(t, err)
	sub, err := ch.Subscribe()
	require.NoError(t, err)
	return &client{t: t, ch: ch, sub: sub, c: codec.Msgpack{}}
}

func (c *client) send(env transport.Envelope) {
	raw, err := transport.Encode(c.c, env)
	require.NoError(c.t, err)
	require.NoError(c.t, c.ch.Post(context.Background(), raw))
}

func (c *client) next() transport.Envelope {
	return transport.Decode(c.c, broadcasttest.Receive(c.t, c.sub))
}

func setup(t *testing.T) (*process.Context, *client) {
	tr := memory.New(zap.NewNop(), nil)
	t.Cleanup(func() { _ = tr.Close() })
	return process.New(tr, zap.NewNop(), nil), newClient(t, tr)
}

func TestLeaderHost_BuffersUntilWorkerStarts(t *testing.T) {
	pc, c := setup(t)
	script := &echoScript{site: model.SiteID{0xaa}}
	release := make(chan struct{})

	h, err := Start(context.Background(), pc, "topic", func(ctx context.Context) (Script, error) {
		<-release
		return script, nil
	}, Options{})
	require.NoError(t, err)
	defer h.Stop()

	c.send(transport.Hello{ClientID: "c1"})
	c.send(transport.ToLeader{ClientID: "c1", Payload: []byte("first")})
	c.send(transport.ToLeader{ClientID: "c1", Payload: []byte("second")})
	broadcasttest.AssertSilent(t, c.sub, 30*time.Millisecond)

	close(release)

	assert.Equal(t, transport.Ready{HostID: h.HostID(), SiteID: model.SiteID{0xaa}}, c.next())
	assert.Equal(t, transport.Ready{HostID: h.HostID(), SiteID: model.SiteID{0xaa}, ClientID: "c1"}, c.next())
	assert.Equal(t, transport.ToClient{ClientID: "c1", Payload: []byte("echo:first")}, c.next())
	assert.Equal(t, transport.ToClient{ClientID: "c1", Payload: []byte("echo:second")}, c.next())
}

func TestLeaderHost_DuplicateHelloConnectsOnce(t *testing.T) {
	pc, c := setup(t)
	script := &echoScript{}

	h, err := Start(context.Background(), pc, "topic", func(context.Context) (Script, error) { return script, nil }, Options{})
	require.NoError(t, err)
	defer h.Stop()
	_ = c.next() // start-up ready

	c.send(transport.Hello{ClientID: "c1"})
	c.send(transport.Hello{ClientID: "c1"})
	assert.IsType(t, transport.Ready{}, c.next())
	assert.IsType(t, transport.Ready{}, c.next())

	script.mu.Lock()
	assert.Len(t, script.ports, 1)
	script.mu.Unlock()
}

func TestLeaderHost_ImplicitConnectAndDisconnect(t *testing.T) {
	pc, c := setup(t)
	script := &echoScript{}

	h, err := Start(context.Background(), pc, "topic", func(context.Context) (Script, error) { return script, nil }, Options{})
	require.NoError(t, err)
	_ = c.next()

	// A client that said hello to a previous host just keeps talking.
	c.send(transport.ToLeader{ClientID: "c2", Payload: []byte("x")})
	assert.Equal(t, transport.Ready{HostID: h.HostID(), ClientID: "c2"}, c.next())
	assert.Equal(t, transport.ToClient{ClientID: "c2", Payload: []byte("echo:x")}, c.next())

	c.send(transport.Disconnect{ClientID: "c2"})
	assert.Eventually(t, func() bool { return script.gone.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.Stop())
	assert.True(t, script.closed.Load())
}

func TestLeaderHost_FactoryFailureStillAnnouncesReady(t *testing.T) {
	pc, c := setup(t)
	h, err := Start(context.Background(), pc, "topic", func(context.Context) (Script, error) {
		return nil, fmt.Errorf("schema bootstrap failed")
	}, Options{ErrorPayload: func(err error) []byte { return []byte("ERR " + err.Error()) }})
	require.NoError(t, err)
	defer h.Stop()

	assert.Equal(t, transport.Ready{HostID: h.HostID()}, c.next())

	c.send(transport.Hello{ClientID: "c1"})
	assert.Equal(t, transport.Ready{HostID: h.HostID(), ClientID: "c1"}, c.next())
	assert.Equal(t, transport.ToClient{ClientID: "c1", Payload: []byte("ERR schema bootstrap failed")}, c.next())

	c.send(transport.ToLeader{ClientID: "c1", Payload: []byte("exec")})
	assert.Equal(t, transport.ToClient{ClientID: "c1", Payload: []byte("ERR schema bootstrap failed")}, c.next())
}

func TestLeaderHost_StopBeforeWorkerStarts(t *testing.T) {
	pc, _ := setup(t)
	script := &echoScript{}
	release := make(chan struct{})

	h, err := Start(context.Background(), pc, "topic", func(ctx context.Context) (Script, error) {
		<-release
		return script, nil
	}, Options{})
	require.NoError(t, err)

	require.NoError(t, h.Stop())
	close(release)
	assert.Eventually(t, script.closed.Load, time.Second, 5*time.Millisecond)
}

func TestLeaderHost_TransportFailure(t *testing.T) {
	tr := memory.New(zap.NewNop(), nil)
	pc := process.New(tr, zap.NewNop(), nil)
	h, err := Start(context.Background(), pc, "topic", func(context.Context) (Script, error) { return &echoScript{}, nil }, Options{})
	require.NoError(t, err)

	require.NoError(t, tr.Close())
	select {
	case <-h.Dead():
	case <-time.After(time.Second):
		t.Fatal("host survived transport close")
	}
	assert.Error(t, h.Err())
}
