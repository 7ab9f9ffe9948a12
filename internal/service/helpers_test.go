package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/devrev/tabsync/internal/broadcast"
	"github.com/devrev/tabsync/internal/codec"
	"github.com/devrev/tabsync/internal/election"
	"github.com/devrev/tabsync/internal/host"
	"github.com/devrev/tabsync/internal/model"
	"github.com/devrev/tabsync/internal/process"
	"github.com/devrev/tabsync/internal/protocol"
	"github.com/devrev/tabsync/internal/shim"
	"github.com/devrev/tabsync/internal/store"
	"github.com/devrev/tabsync/internal/transport"
)

const workerURL = "/sync-worker.js"

var todoSchema = []string{
	`CREATE TABLE IF NOT EXISTS todo (id INTEGER PRIMARY KEY, title TEXT, done INTEGER DEFAULT 0)`,
}

func openTodoStore(t *testing.T, dsn string) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open(context.Background(), store.Options{
		DSN:           dsn,
		BusyTimeoutMS: 2000,
		Schema:        todoSchema,
		Tables:        []string{"todo"},
	})
	require.NoError(t, err)
	return s
}

func fastElection() election.Config {
	return election.Config{
		ResponseTime:      30 * time.Millisecond,
		HeartbeatInterval: 50 * time.Millisecond,
		LeaderTimeout:     250 * time.Millisecond,
		FallbackInterval:  100 * time.Millisecond,
	}
}

type tab struct {
	pc     *process.Context
	local  *store.SQLiteStore
	client *SyncClientService
}

// newTab builds a tab whose worker, when it leads, persists to workerDB.
func newTab(t *testing.T, tr broadcast.Transport, workerDB string, tweak ...func(*ClientConfig)) *tab {
	t.Helper()
	pc := process.New(tr, zap.NewNop(), nil)
	local := openTodoStore(t, "file::memory:")
	t.Cleanup(func() { local.Close() })

	open := func(ctx context.Context) (store.Store, error) {
		return store.Open(ctx, store.Options{
			DSN:           workerDB,
			BusyTimeoutMS: 2000,
			Schema:        todoSchema,
			Tables:        []string{"todo"},
		})
	}
	cfg := ClientConfig{
		WorkerURL:      workerURL,
		RequestTimeout: 3 * time.Second,
		Shim: shim.Options{
			Factory:      WorkerFactory(pc, open, WorkerConfig{Topic: transport.TopicName(workerURL)}),
			Election:     fastElection(),
			ReadyTimeout: 5 * time.Second,
		},
	}
	for _, fn := range tweak {
		fn(&cfg)
	}

	client := NewSyncClientService(pc, local, cfg)
	t.Cleanup(func() { _ = client.Stop(context.Background()) })
	return &tab{pc: pc, local: local, client: client}
}

func startTab(t *testing.T, tr broadcast.Transport, workerDB string, tweak ...func(*ClientConfig)) *tab {
	t.Helper()
	tb := newTab(t, tr, workerDB, tweak...)
	require.NoError(t, tb.client.Start(context.Background()))
	return tb
}

func waitTablesChanged(t *testing.T, events <-chan Event) TablesChanged {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			switch e := ev.(type) {
			case TablesChanged:
				return e
			case Failure:
				t.Fatalf("unexpected failure: %v", e.Err)
			}
		case <-timeout:
			t.Fatal("no tables-changed event")
		}
	}
}

func waitFailure(t *testing.T, events <-chan Event) Failure {
	t.Helper()
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev := <-events:
			if f, ok := ev.(Failure); ok {
				return f
			}
		case <-timeout:
			t.Fatal("no failure event")
		}
	}
}

// fakeWorker is a scripted worker for exercising the client alone.
type fakeWorker struct {
	codec  codec.Codec
	onExec func(port transport.Port, m protocol.Exec)
	mu     sync.Mutex
	syncs  int
}

func (w *fakeWorker) OnConnect(port transport.Port) {
	port.Start()
	go func() {
		for raw := range port.Messages() {
			switch m := protocol.Decode(w.codec, raw).(type) {
			case protocol.Sync:
				w.mu.Lock()
				w.syncs++
				w.mu.Unlock()
				w.reply(port, protocol.SyncData{})
			case protocol.Exec:
				if w.onExec != nil {
					w.onExec(port, m)
				}
			}
		}
	}()
}

func (w *fakeWorker) reply(port transport.Port, m protocol.Message) {
	raw, _ := protocol.Encode(w.codec, m)
	_ = port.PostMessage(context.Background(), raw)
}

func (w *fakeWorker) SiteID() model.SiteID { return model.SiteID{0xee} }
func (w *fakeWorker) Close() error         { return nil }

// newNativeTab runs a client against w in a native registry.
func newNativeTab(t *testing.T, tr broadcast.Transport, w *fakeWorker, timeout time.Duration) *tab {
	t.Helper()
	w.codec = codec.Msgpack{}
	return startTab(t, tr, "", func(cfg *ClientConfig) {
		cfg.RequestTimeout = timeout
		cfg.Shim = shim.Options{
			Native:  shim.NewNativeRegistry(),
			Factory: func(context.Context) (host.Script, error) { return w, nil },
		}
	})
}
