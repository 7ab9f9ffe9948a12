package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/devrev/tabsync/internal/broadcast"
	"github.com/devrev/tabsync/internal/codec"
	"github.com/devrev/tabsync/internal/errors"
	"github.com/devrev/tabsync/internal/host"
	"github.com/devrev/tabsync/internal/metrics"
	"github.com/devrev/tabsync/internal/model"
	"github.com/devrev/tabsync/internal/process"
	"github.com/devrev/tabsync/internal/protocol"
	"github.com/devrev/tabsync/internal/store"
	"github.com/devrev/tabsync/internal/transport"
	"github.com/devrev/tabsync/internal/util/workerpool"
	"github.com/devrev/tabsync/internal/validation"
)

// WorkerConfig configures a SyncWorkerService.
type WorkerConfig struct {
	// Topic is the control topic of the worker URL.
	Topic     string
	QueueSize int
	Codec     codec.Codec
	Clock     clock.Clock
}

// SyncWorkerService is the worker side of the sync protocol. It owns the
// persistent store and serves every connected client.
type SyncWorkerService struct {
	pc        *process.Context
	store     store.Store
	codec     codec.Codec
	validator *validation.Validator
	pool      *workerpool.Pool
	logger    *zap.Logger
	metrics   *metrics.Metrics

	changes broadcast.Channel
	sub     *broadcast.Subscription
	tomb    tomb.Tomb

	siteID      model.SiteID
	lastApplied model.VersionMark
}

// NewSyncWorkerService initializes the worker: it reads the store's site
// id and the highest version this site has produced, then starts
// listening for peer changes. Messages only reach the worker after this
// returns.
func NewSyncWorkerService(ctx context.Context, pc *process.Context, st store.Store, cfg WorkerConfig) (*SyncWorkerService, error) {
	if cfg.Codec == nil {
		cfg.Codec = codec.Msgpack{}
	}

	siteID, err := st.SiteID(ctx)
	if err != nil {
		return nil, errors.InitFailed("read worker site id", err)
	}
	own, err := st.Changes(ctx, store.ChangeFilter{SiteID: siteID})
	if err != nil {
		return nil, errors.InitFailed("read worker versions", err)
	}

	ch, err := pc.Transport.Open(ctx, transport.ChangesTopic(cfg.Topic))
	if err != nil {
		return nil, errors.TransportFailed("open changes channel", err)
	}
	sub, err := ch.Subscribe()
	if err != nil {
		_ = ch.Close()
		return nil, errors.TransportFailed("subscribe changes channel", err)
	}

	logger := pc.Logger.Named("sync-worker").With(zap.String("site_id", siteID.String()))
	w := &SyncWorkerService{
		pc:        pc,
		store:     st,
		codec:     cfg.Codec,
		validator: validation.NewValidator(),
		pool: workerpool.New(workerpool.Config{
			Name:      "sync-worker",
			Workers:   1,
			QueueSize: cfg.QueueSize,
			Logger:    logger,
			Clock:     cfg.Clock,
		}),
		logger:  logger,
		metrics: pc.Metrics,
		changes: ch,
		sub:     sub,
		siteID:  siteID,
	}
	w.lastApplied.Advance(model.MaxVersion(own, siteID))

	w.tomb.Go(w.listen)
	w.logger.Info("Sync worker initialized", zap.Int64("last_applied_version", w.lastApplied.Load()))
	return w, nil
}

// WorkerFactory builds the host.Factory that opens the persistent store
// and starts a SyncWorkerService on it.
func WorkerFactory(pc *process.Context, open func(ctx context.Context) (store.Store, error), cfg WorkerConfig) host.Factory {
	return func(ctx context.Context) (host.Script, error) {
		st, err := open(ctx)
		if err != nil {
			return nil, errors.InitFailed("open worker store", err)
		}
		w, err := NewSyncWorkerService(ctx, pc, st, cfg)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		return w, nil
	}
}

// SiteID is the persistent store's site id, published in ready.
func (w *SyncWorkerService) SiteID() model.SiteID { return w.siteID }

// LastAppliedVersion is the highest own-site version already broadcast.
func (w *SyncWorkerService) LastAppliedVersion() int64 { return w.lastApplied.Load() }

// OnConnect serves one client connection.
func (w *SyncWorkerService) OnConnect(port transport.Port) {
	port.Start()
	go w.serve(port)
}

func (w *SyncWorkerService) serve(port transport.Port) {
	connID := uuid.NewString()
	ctx := w.tomb.Context(context.Background())
	for raw := range port.Messages() {
		msg := protocol.Decode(w.codec, raw)
		task := workerpool.Task{
			ID:   connID,
			Kind: string(msg.Kind()),
			Fn:   func(ctx context.Context) error { return w.handle(ctx, port, msg) },
		}
		if err := w.pool.Submit(ctx, task); err != nil {
			w.logger.Debug("Dropping message, worker stopping", zap.String("kind", task.Kind), zap.Error(err))
			return
		}
	}
}

func (w *SyncWorkerService) handle(ctx context.Context, port transport.Port, msg protocol.Message) error {
	switch m := msg.(type) {
	case protocol.Sync:
		w.metrics.WorkerMessagesTotal.WithLabelValues(string(protocol.KindSync)).Inc()
		changes, err := w.store.Changes(ctx, store.ChangeFilter{})
		if err != nil {
			return w.reply(ctx, port, protocol.Error{Message: err.Error()})
		}
		return w.reply(ctx, port, protocol.SyncData{Changes: changes})

	case protocol.Exec:
		w.metrics.WorkerMessagesTotal.WithLabelValues(string(protocol.KindExec)).Inc()
		return w.exec(ctx, port, m)

	case protocol.Unrecognized:
		w.metrics.WorkerMessagesTotal.WithLabelValues("unrecognized").Inc()
		w.logger.Warn("Ignoring unrecognized message", zap.String("kind", m.Tag), zap.Error(m.Err))
		return nil

	default:
		w.metrics.WorkerMessagesTotal.WithLabelValues(string(msg.Kind())).Inc()
		w.logger.Warn("Ignoring unexpected message on client port", zap.String("kind", string(msg.Kind())))
		return nil
	}
}

// exec runs a statement and announces the changes it produced before
// replying to the caller.
func (w *SyncWorkerService) exec(ctx context.Context, port transport.Port, m protocol.Exec) error {
	if err := w.validator.ValidateStatement(m.SQL, m.Args); err != nil {
		return w.reply(ctx, port, protocol.Error{Message: err.Error(), RequestID: m.RequestID})
	}

	result, err := w.store.Execute(ctx, m.SQL, m.Args...)
	if err != nil {
		w.logger.Debug("Exec failed", zap.String("request_id", m.RequestID), zap.Error(err))
		return w.reply(ctx, port, protocol.Error{Message: err.Error(), RequestID: m.RequestID})
	}

	changes, err := w.store.Changes(ctx, store.ChangeFilter{
		SinceVersion: w.lastApplied.Load(),
		SiteID:       w.siteID,
	})
	if err != nil {
		return w.reply(ctx, port, protocol.Error{Message: err.Error(), RequestID: m.RequestID})
	}
	if len(changes) > 0 {
		if err := w.broadcast(ctx, protocol.ChangesApplied{Changes: changes, SourceTabID: w.pc.InstanceID}); err != nil {
			w.logger.Error("Failed to broadcast applied changes", zap.Error(err))
		}
		w.lastApplied.Advance(model.MaxVersion(changes, w.siteID))
	}

	return w.reply(ctx, port, protocol.ExecReply{Result: result, RequestID: m.RequestID})
}

// listen applies changes broadcast by clients.
func (w *SyncWorkerService) listen() error {
	ctx := w.tomb.Context(context.Background())
	for {
		select {
		case <-w.tomb.Dying():
			return nil
		case raw, ok := <-w.sub.C():
			if !ok {
				return errors.TransportFailed("changes channel closed", nil)
			}
			msg := protocol.Decode(w.codec, raw)
			w.metrics.WorkerMessagesTotal.WithLabelValues(string(msg.Kind())).Inc()
			peer, ok := msg.(protocol.Changes)
			if !ok {
				continue
			}
			task := workerpool.Task{
				ID:   peer.SourceTabID,
				Kind: string(protocol.KindChanges),
				Fn:   func(ctx context.Context) error { return w.applyPeer(ctx, peer) },
			}
			if err := w.pool.Submit(ctx, task); err != nil {
				return nil
			}
		}
	}
}

// applyPeer merges a client's changes into the persistent store and
// re-announces them. Failures are logged and the batch is dropped.
func (w *SyncWorkerService) applyPeer(ctx context.Context, m protocol.Changes) error {
	own, foreign := model.FilterOrigin(m.Changes, w.siteID)
	if len(own) > 0 {
		w.metrics.EchoDiscardedTotal.Add(float64(len(own)))
	}
	if len(foreign) == 0 {
		return nil
	}
	if err := w.validator.ValidateChanges(foreign); err != nil {
		w.metrics.ApplyFailuresTotal.WithLabelValues("worker").Inc()
		return fmt.Errorf("rejected changes from %s: %w", m.SourceTabID, err)
	}
	if _, err := store.ApplyAll(ctx, w.store, foreign); err != nil {
		w.metrics.ApplyFailuresTotal.WithLabelValues("worker").Inc()
		return errors.ApplyFailed(foreign[0].Table, err).WithDetail("source_tab_id", m.SourceTabID)
	}
	w.metrics.ChangesAppliedTotal.WithLabelValues("worker").Add(float64(len(foreign)))

	return w.broadcast(ctx, protocol.ChangesApplied{Changes: foreign, SourceTabID: m.SourceTabID})
}

func (w *SyncWorkerService) broadcast(ctx context.Context, msg protocol.Message) error {
	raw, err := protocol.Encode(w.codec, msg)
	if err != nil {
		return err
	}
	if err := w.changes.Post(ctx, raw); err != nil {
		return errors.TransportFailed("post changes", err)
	}
	if m, ok := msg.(protocol.ChangesApplied); ok {
		w.metrics.ChangesBroadcastTotal.WithLabelValues("worker").Add(float64(len(m.Changes)))
	}
	return nil
}

func (w *SyncWorkerService) reply(ctx context.Context, port transport.Port, msg protocol.Message) error {
	raw, err := protocol.Encode(w.codec, msg)
	if err != nil {
		return err
	}
	if err := port.PostMessage(ctx, raw); err != nil {
		w.logger.Debug("Client went away before reply", zap.String("kind", string(msg.Kind())), zap.Error(err))
	}
	return nil
}

// Close stops serving and closes the persistent store.
func (w *SyncWorkerService) Close() error {
	w.tomb.Kill(nil)
	_ = w.tomb.Wait()

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.pool.Stop(stopCtx); err != nil {
		w.logger.Warn("Worker queue did not drain", zap.Error(err))
	}
	w.sub.Close()
	_ = w.changes.Close()
	return w.store.Close()
}
