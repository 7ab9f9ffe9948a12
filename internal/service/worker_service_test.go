package service

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/tabsync/internal/broadcast"
	"github.com/devrev/tabsync/internal/broadcast/broadcasttest"
	"github.com/devrev/tabsync/internal/broadcast/memory"
	"github.com/devrev/tabsync/internal/codec"
	"github.com/devrev/tabsync/internal/process"
	"github.com/devrev/tabsync/internal/protocol"
	"github.com/devrev/tabsync/internal/store"
	"github.com/devrev/tabsync/internal/transport"
)

type workerFixture struct {
	worker   *SyncWorkerService
	store    *store.SQLiteStore
	client   transport.Port
	observer *broadcast.Subscription
	peer     broadcast.Channel
}

func newWorkerFixture(t *testing.T, prepare ...string) *workerFixture {
	t.Helper()
	ctx := context.Background()
	tr := memory.New(zap.NewNop(), nil)
	pc := process.New(tr, zap.NewNop(), nil)

	st := openTodoStore(t, "file::memory:")
	for _, q := range prepare {
		_, err := st.Execute(ctx, q)
		require.NoError(t, err)
	}

	topic := transport.TopicName(workerURL)
	w, err := NewSyncWorkerService(ctx, pc, st, WorkerConfig{Topic: topic})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	peer, err := tr.Open(ctx, transport.ChangesTopic(topic))
	require.NoError(t, err)
	t.Cleanup(func() { _ = peer.Close() })
	sub, err := peer.Subscribe()
	require.NoError(t, err)

	clientSide, workerSide := transport.PortPair()
	w.OnConnect(workerSide)
	clientSide.Start()
	t.Cleanup(func() { _ = clientSide.Close() })

	return &workerFixture{worker: w, store: st, client: clientSide, observer: sub, peer: peer}
}

func (f *workerFixture) send(t *testing.T, m protocol.Message) {
	t.Helper()
	raw, err := protocol.Encode(codec.Msgpack{}, m)
	require.NoError(t, err)
	require.NoError(t, f.client.PostMessage(context.Background(), raw))
}

func (f *workerFixture) recv(t *testing.T) protocol.Message {
	t.Helper()
	select {
	case raw := <-f.client.Messages():
		return protocol.Decode(codec.Msgpack{}, raw)
	case <-time.After(3 * time.Second):
		t.Fatal("no reply from worker")
		return nil
	}
}

func TestWorker_LastAppliedFromExistingChanges(t *testing.T) {
	f := newWorkerFixture(t,
		"INSERT INTO todo (id, title) VALUES (1, 'a')",
		"INSERT INTO todo (id, title) VALUES (2, 'b')",
	)
	assert.Equal(t, int64(2), f.worker.LastAppliedVersion())
	assert.NotEmpty(t, f.worker.SiteID())
}

func TestWorker_SyncReturnsFullLog(t *testing.T) {
	f := newWorkerFixture(t, "INSERT INTO todo (id, title) VALUES (1, 'a')")

	f.send(t, protocol.Sync{})
	data, ok := f.recv(t).(protocol.SyncData)
	require.True(t, ok)
	// One record per non-key column plus the row marker.
	assert.NotEmpty(t, data.Changes)
	for _, r := range data.Changes {
		assert.Equal(t, "todo", r.Table)
		assert.True(t, r.OriginSiteID.Equal(f.worker.SiteID()))
	}
}

func TestWorker_ExecBroadcastsAndReplies(t *testing.T) {
	f := newWorkerFixture(t)

	f.send(t, protocol.Exec{SQL: "INSERT INTO todo (id, title) VALUES (?, ?)", Args: []any{5, "bread"}, RequestID: "r-1"})

	reply, ok := f.recv(t).(protocol.ExecReply)
	require.True(t, ok)
	assert.Equal(t, "r-1", reply.RequestID)
	assert.EqualValues(t, 1, reply.Result.RowsAffected)

	applied, ok := protocol.Decode(codec.Msgpack{}, broadcasttest.Receive(t, f.observer)).(protocol.ChangesApplied)
	require.True(t, ok)
	assert.NotEmpty(t, applied.Changes)
	assert.Equal(t, f.worker.pc.InstanceID, applied.SourceTabID)
	assert.Equal(t, int64(1), f.worker.LastAppliedVersion())
}

func TestWorker_ExecErrorKeepsServing(t *testing.T) {
	f := newWorkerFixture(t)

	f.send(t, protocol.Exec{SQL: "INSERT INTO nowhere VALUES (1)", RequestID: "bad"})
	failed, ok := f.recv(t).(protocol.Error)
	require.True(t, ok)
	assert.Equal(t, "bad", failed.RequestID)
	assert.NotEmpty(t, failed.Message)

	f.send(t, protocol.Exec{SQL: "INSERT INTO todo (id, title) VALUES (1, 'x')", RequestID: "good"})
	reply, ok := f.recv(t).(protocol.ExecReply)
	require.True(t, ok)
	assert.Equal(t, "good", reply.RequestID)
}

func TestWorker_IgnoresUnrecognizedMessages(t *testing.T) {
	f := newWorkerFixture(t)

	require.NoError(t, f.client.PostMessage(context.Background(), []byte("not msgpack")))
	f.send(t, protocol.Sync{})

	_, ok := f.recv(t).(protocol.SyncData)
	assert.True(t, ok)
}

func TestWorker_AppliesAndRebroadcastsPeerChanges(t *testing.T) {
	ctx := context.Background()
	f := newWorkerFixture(t)

	tab := openTodoStore(t, "file::memory:")
	t.Cleanup(func() { tab.Close() })
	_, err := tab.Execute(ctx, "INSERT INTO todo (id, title) VALUES (9, 'jam')")
	require.NoError(t, err)
	changes, err := tab.Changes(ctx, store.ChangeFilter{})
	require.NoError(t, err)

	raw, err := protocol.Encode(codec.Msgpack{}, protocol.Changes{Changes: changes, SourceTabID: "tab-9"})
	require.NoError(t, err)
	require.NoError(t, f.peer.Post(ctx, raw))

	applied, ok := protocol.Decode(codec.Msgpack{}, broadcasttest.Receive(t, f.observer)).(protocol.ChangesApplied)
	require.True(t, ok)
	assert.Equal(t, "tab-9", applied.SourceTabID)
	assert.Len(t, applied.Changes, len(changes))

	rows, err := f.store.QueryRows(ctx, "SELECT title FROM todo WHERE id = 9")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "jam", rows[0]["title"])

	// Merged records keep their origin and do not count as the worker's own.
	assert.Equal(t, int64(0), f.worker.LastAppliedVersion())
}

func TestWorker_FactoryClosesStoreOnInitFailure(t *testing.T) {
	pc := process.New(memory.New(zap.NewNop(), nil), zap.NewNop(), nil)
	var opened *brokenCloseTracker
	factory := WorkerFactory(pc, func(context.Context) (store.Store, error) {
		opened = &brokenCloseTracker{}
		return opened, nil
	}, WorkerConfig{Topic: transport.TopicName(workerURL)})

	_, err := factory(context.Background())
	require.Error(t, err)
	require.NotNil(t, opened)
	assert.True(t, opened.closed)
}

type brokenCloseTracker struct {
	brokenStore
	closed bool
}

func (b *brokenCloseTracker) Close() error {
	b.closed = true
	return nil
}
