// Package service implements the sync protocol on both ends: the client
// every process context runs, and the worker the leader hosts.
package service

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/devrev/tabsync/internal/broadcast"
	"github.com/devrev/tabsync/internal/codec"
	"github.com/devrev/tabsync/internal/errors"
	"github.com/devrev/tabsync/internal/metrics"
	"github.com/devrev/tabsync/internal/model"
	"github.com/devrev/tabsync/internal/process"
	"github.com/devrev/tabsync/internal/protocol"
	"github.com/devrev/tabsync/internal/shim"
	"github.com/devrev/tabsync/internal/store"
	"github.com/devrev/tabsync/internal/transport"
	"github.com/devrev/tabsync/internal/validation"
)

// State is the client lifecycle state.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
)

const defaultRequestTimeout = 10 * time.Second

// ClientConfig configures a SyncClientService.
type ClientConfig struct {
	WorkerURL      string
	RequestTimeout time.Duration
	EventBuffer    int
	Shim           shim.Options
	Codec          codec.Codec
	Clock          clock.Clock
}

// Status is a snapshot of the client.
type Status struct {
	State                State  `json:"state"`
	InstanceID           string `json:"instance_id"`
	SiteID               string `json:"site_id,omitempty"`
	WorkerSiteID         string `json:"worker_site_id,omitempty"`
	ClientID             string `json:"client_id,omitempty"`
	Topic                string `json:"topic,omitempty"`
	Leader               bool   `json:"leader"`
	Native               bool   `json:"native"`
	LastBroadcastVersion int64  `json:"last_broadcast_version"`
	PendingRequests      int    `json:"pending_requests"`
}

// SyncClientService is the client side of the sync protocol. Writes go to
// the worker; the local store is a read-through replica kept current by
// the change records the worker and peers broadcast.
type SyncClientService struct {
	pc        *process.Context
	local     store.Store
	cfg       ClientConfig
	validator *validation.Validator
	logger    *zap.Logger
	metrics   *metrics.Metrics

	pending *pendingTable
	events  *eventHub

	startMu sync.Mutex
	mu      sync.Mutex
	state   State
	siteID  model.SiteID
	handle  *shim.Handle
	changes broadcast.Channel
	sub     *broadcast.Subscription
	tomb    *tomb.Tomb
	unload  func()

	syncMu      sync.Mutex
	syncWaiters []chan error

	lastBroadcast model.VersionMark
}

// NewSyncClientService creates a stopped client on the local store.
func NewSyncClientService(pc *process.Context, local store.Store, cfg ClientConfig) *SyncClientService {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.Msgpack{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Shim.Codec == nil {
		cfg.Shim.Codec = cfg.Codec
	}
	if cfg.Shim.Clock == nil {
		cfg.Shim.Clock = cfg.Clock
	}
	if cfg.Shim.ErrorPayload == nil {
		c := cfg.Codec
		cfg.Shim.ErrorPayload = func(err error) []byte { return protocol.EncodeError(c, err, "") }
	}

	return &SyncClientService{
		pc:        pc,
		local:     local,
		cfg:       cfg,
		validator: validation.NewValidator(),
		logger:    pc.Logger.Named("sync-client"),
		metrics:   pc.Metrics,
		pending:   newPendingTable(pc.Metrics),
		events:    newEventHub(cfg.EventBuffer, pc.Metrics),
		state:     StateStopped,
	}
}

// Start brings the client to running. It is a no-op when already running.
// Any failure leaves the client stopped and can be retried.
func (s *SyncClientService) Start(ctx context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.State() == StateRunning {
		return nil
	}
	s.setState(StateStarting)

	if err := s.start(ctx); err != nil {
		s.teardown(err)
		s.logger.Error("Sync client failed to start", zap.Error(err))
		return err
	}

	s.setState(StateRunning)
	s.logger.Info("Sync client running",
		zap.String("site_id", s.siteID.String()),
		zap.String("worker_site_id", s.handle.SiteID().String()),
		zap.Bool("leader", s.handle.IsLeader()),
		zap.Bool("native", s.handle.IsNative()))
	return nil
}

func (s *SyncClientService) start(ctx context.Context) error {
	select {
	case <-s.pc.Done():
		return errors.Closed("process context")
	default:
	}
	siteID, err := s.local.SiteID(ctx)
	if err != nil {
		return errors.InitFailed("resolve site id", err)
	}

	handle, err := shim.Acquire(ctx, s.pc, s.cfg.WorkerURL, s.cfg.Shim)
	if err != nil {
		return errors.InitFailed("acquire worker", err)
	}

	ch, err := s.pc.Transport.Open(ctx, transport.ChangesTopic(handle.Topic()))
	if err != nil {
		_ = handle.Terminate()
		return errors.InitFailed("open changes channel", err)
	}
	sub, err := ch.Subscribe()
	if err != nil {
		_ = ch.Close()
		_ = handle.Terminate()
		return errors.InitFailed("subscribe changes channel", err)
	}

	t := &tomb.Tomb{}
	s.mu.Lock()
	s.siteID = siteID
	s.handle = handle
	s.changes = ch
	s.sub = sub
	s.tomb = t
	s.mu.Unlock()

	t.Go(func() error { return s.run(t, handle, sub) })
	handle.Port().Start()

	if err := s.send(ctx, handle, protocol.Sync{}); err != nil {
		return errors.InitFailed("request initial sync", err)
	}
	unload, ok := s.pc.RegisterUnload(func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(stopCtx)
	})
	if !ok {
		return errors.Closed("process context")
	}
	s.unload = unload
	return nil
}

// Stop rejects pending requests and releases the worker handle.
func (s *SyncClientService) Stop(_ context.Context) error {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if s.State() == StateStopped {
		return nil
	}
	if s.unload != nil {
		s.unload()
		s.unload = nil
	}
	s.teardown(errors.Closed("sync client"))
	s.logger.Info("Sync client stopped")
	return nil
}

// teardown moves to stopped and releases everything start acquired.
func (s *SyncClientService) teardown(reason error) {
	s.mu.Lock()
	s.state = StateStopped
	handle, ch, sub, t := s.handle, s.changes, s.sub, s.tomb
	s.handle, s.changes, s.sub, s.tomb = nil, nil, nil, nil
	s.mu.Unlock()

	s.pending.rejectAll(reason)
	s.notifySync(reason)

	if t != nil {
		t.Kill(nil)
		_ = t.Wait()
	}
	if sub != nil {
		sub.Close()
	}
	if ch != nil {
		_ = ch.Close()
	}
	if handle != nil {
		if err := handle.Terminate(); err != nil {
			s.logger.Debug("Worker handle terminated with error", zap.Error(err))
		}
	}
}

// Execute runs a statement on the worker and waits for its reply. It fails
// with a timeout error after RequestTimeout; a reply arriving later is
// dropped.
func (s *SyncClientService) Execute(ctx context.Context, sql string, args ...any) (model.ExecResult, error) {
	start := s.cfg.Clock.Now()
	result, err := s.execute(ctx, sql, args)
	outcome := "ok"
	switch {
	case errors.IsTimeout(err):
		outcome = "timeout"
		s.metrics.RequestTimeoutsTotal.Inc()
	case err != nil:
		outcome = "error"
	}
	s.metrics.RequestsTotal.WithLabelValues("exec", outcome).Inc()
	s.metrics.RequestDuration.WithLabelValues("exec").Observe(s.cfg.Clock.Now().Sub(start).Seconds())
	return result, err
}

func (s *SyncClientService) execute(ctx context.Context, sql string, args []any) (model.ExecResult, error) {
	if err := s.validator.ValidateStatement(sql, args); err != nil {
		return model.ExecResult{}, err
	}
	handle, err := s.running()
	if err != nil {
		return model.ExecResult{}, err
	}

	id, replies := s.pending.register()
	if err := s.send(ctx, handle, protocol.Exec{SQL: sql, Args: args, RequestID: id}); err != nil {
		s.pending.remove(id)
		return model.ExecResult{}, err
	}

	timer := s.cfg.Clock.NewTimer(s.cfg.RequestTimeout)
	defer timer.Stop()
	select {
	case out := <-replies:
		return out.result, out.err
	case <-timer.Chan():
		if s.pending.remove(id) {
			s.logger.Warn("Request timed out", zap.String("request_id", id))
			return model.ExecResult{}, errors.Timeout(id)
		}
		out := <-replies
		return out.result, out.err
	case <-ctx.Done():
		if s.pending.remove(id) {
			return model.ExecResult{}, ctx.Err()
		}
		out := <-replies
		return out.result, out.err
	}
}

// ExecuteLocal writes to the local replica only. The change reaches peers
// on the next TriggerSync.
func (s *SyncClientService) ExecuteLocal(ctx context.Context, sql string, args ...any) (model.ExecResult, error) {
	if err := s.validator.ValidateStatement(sql, args); err != nil {
		return model.ExecResult{}, err
	}
	if _, err := s.running(); err != nil {
		return model.ExecResult{}, err
	}
	result, err := s.local.Execute(ctx, sql, args...)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.RequestsTotal.WithLabelValues("exec_local", outcome).Inc()
	return result, err
}

// Query reads from the local replica.
func (s *SyncClientService) Query(ctx context.Context, sql string, args ...any) ([]store.Row, error) {
	if err := s.validator.ValidateStatement(sql, args); err != nil {
		return nil, err
	}
	rows, err := s.local.QueryRows(ctx, sql, args...)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	s.metrics.RequestsTotal.WithLabelValues("query", outcome).Inc()
	return rows, err
}

// RequestSync asks the worker for its full change log, applies it, and
// returns once it has been applied. It is safe to repeat.
func (s *SyncClientService) RequestSync(ctx context.Context) error {
	handle, err := s.running()
	if err != nil {
		return err
	}

	done := make(chan error, 1)
	s.syncMu.Lock()
	s.syncWaiters = append(s.syncWaiters, done)
	s.syncMu.Unlock()

	if err := s.send(ctx, handle, protocol.Sync{}); err != nil {
		s.dropSyncWaiter(done)
		return err
	}
	select {
	case err := <-done:
		s.metrics.RequestsTotal.WithLabelValues("sync", outcomeOf(err)).Inc()
		return err
	case <-ctx.Done():
		s.dropSyncWaiter(done)
		return ctx.Err()
	}
}

// TriggerSync broadcasts local changes made since the last broadcast.
func (s *SyncClientService) TriggerSync(ctx context.Context) error {
	s.mu.Lock()
	ch, siteID := s.changes, s.siteID
	running := s.state == StateRunning
	s.mu.Unlock()
	if !running {
		return errors.NotRunning(string(s.State()))
	}

	changes, err := s.local.Changes(ctx, store.ChangeFilter{
		SinceVersion: s.lastBroadcast.Load(),
		SiteID:       siteID,
	})
	if err != nil {
		return err
	}
	if len(changes) == 0 {
		return nil
	}

	raw, err := protocol.Encode(s.cfg.Codec, protocol.Changes{Changes: changes, SourceTabID: s.pc.InstanceID})
	if err != nil {
		return err
	}
	if err := ch.Post(ctx, raw); err != nil {
		return errors.TransportFailed("post changes", err)
	}
	s.lastBroadcast.Advance(model.MaxVersion(changes, siteID))
	s.metrics.ChangesBroadcastTotal.WithLabelValues("client").Add(float64(len(changes)))
	s.logger.Debug("Broadcast local changes",
		zap.Int("count", len(changes)),
		zap.Int64("version", s.lastBroadcast.Load()))
	return nil
}

// Subscribe returns a channel of events and a func to stop receiving them.
func (s *SyncClientService) Subscribe() (<-chan Event, func()) {
	return s.events.subscribe()
}

// State returns the lifecycle state.
func (s *SyncClientService) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Status returns a snapshot for diagnostics.
func (s *SyncClientService) Status() Status {
	s.mu.Lock()
	st := Status{
		State:                s.state,
		InstanceID:           s.pc.InstanceID,
		SiteID:               s.siteID.String(),
		LastBroadcastVersion: s.lastBroadcast.Load(),
		PendingRequests:      s.pending.len(),
	}
	handle := s.handle
	s.mu.Unlock()

	if handle != nil {
		st.WorkerSiteID = handle.SiteID().String()
		st.ClientID = handle.ClientID()
		st.Topic = handle.Topic()
		st.Leader = handle.IsLeader()
		st.Native = handle.IsNative()
	}
	return st
}

// LastBroadcastVersion is the highest own-site version peers have seen.
func (s *SyncClientService) LastBroadcastVersion() int64 { return s.lastBroadcast.Load() }

func (s *SyncClientService) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

func (s *SyncClientService) running() (*shim.Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateRunning || s.handle == nil {
		return nil, errors.NotRunning(string(s.state))
	}
	return s.handle, nil
}

func (s *SyncClientService) send(ctx context.Context, handle *shim.Handle, msg protocol.Message) error {
	raw, err := protocol.Encode(s.cfg.Codec, msg)
	if err != nil {
		return errors.InternalError("encode message", err)
	}
	return handle.Port().PostMessage(ctx, raw)
}

// run handles worker replies and peer broadcasts on one goroutine so
// batches apply in arrival order.
func (s *SyncClientService) run(t *tomb.Tomb, handle *shim.Handle, sub *broadcast.Subscription) error {
	ctx := t.Context(context.Background())
	for {
		select {
		case <-t.Dying():
			return nil
		case <-handle.Done():
			s.fail(handle.Err())
			return nil
		case raw, ok := <-handle.Port().Messages():
			if !ok {
				s.fail(handle.Err())
				return nil
			}
			s.onWorkerMessage(ctx, protocol.Decode(s.cfg.Codec, raw))
		case raw, ok := <-sub.C():
			if !ok {
				s.fail(errors.TransportFailed("changes channel closed", nil))
				return nil
			}
			s.onBroadcast(ctx, protocol.Decode(s.cfg.Codec, raw))
		}
	}
}

// fail reports a fatal failure and stops the client in the background.
func (s *SyncClientService) fail(err error) {
	if err == nil {
		err = errors.TransportFailed("worker connection lost", nil)
	}
	s.logger.Error("Sync client lost its worker", zap.Error(err))
	s.events.publish(Failure{Err: err})
	s.pending.rejectAll(err)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	}()
}

func (s *SyncClientService) onWorkerMessage(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.ExecReply:
		s.pending.settle(m.RequestID, execOutcome{result: m.Result})
	case protocol.Error:
		if m.RequestID != "" {
			s.pending.settle(m.RequestID, execOutcome{err: errors.Remote(m.Message, m.RequestID)})
			return
		}
		// Uncorrelated errors mean the worker cannot serve anything, e.g.
		// it failed to start, so nothing in flight will be answered.
		err := errors.Remote(m.Message, "")
		s.logger.Error("Worker reported an error", zap.Error(err))
		s.events.publish(Failure{Err: err})
		s.pending.rejectAll(err)
		s.notifySync(err)
	case protocol.SyncData:
		s.notifySync(s.applySyncData(ctx, m.Changes))
	case protocol.ChangesApplied:
		s.apply(ctx, m.Changes, m.SourceTabID)
	case protocol.Unrecognized:
		s.logger.Warn("Ignoring unrecognized worker message", zap.String("kind", m.Tag), zap.Error(m.Err))
	default:
		s.logger.Warn("Ignoring unexpected worker message", zap.String("kind", string(msg.Kind())))
	}
}

func (s *SyncClientService) onBroadcast(ctx context.Context, msg protocol.Message) {
	switch m := msg.(type) {
	case protocol.Changes:
		s.apply(ctx, m.Changes, m.SourceTabID)
	case protocol.ChangesApplied:
		s.apply(ctx, m.Changes, m.SourceTabID)
	case protocol.Unrecognized:
		s.logger.Warn("Ignoring unrecognized broadcast", zap.String("kind", m.Tag), zap.Error(m.Err))
	default:
		s.logger.Debug("Ignoring broadcast", zap.String("kind", string(msg.Kind())))
	}
}

// applySyncData applies a full resync and moves LastBroadcastVersion up to
// what the worker already holds from this site.
func (s *SyncClientService) applySyncData(ctx context.Context, records []model.ChangeRecord) error {
	err := s.apply(ctx, records, "")
	if err == nil {
		s.lastBroadcast.Advance(model.MaxVersion(records, s.ownSite()))
	}
	return err
}

// apply merges foreign records atomically. Records that originated here
// are discarded.
func (s *SyncClientService) apply(ctx context.Context, records []model.ChangeRecord, source string) error {
	own, foreign := model.FilterOrigin(records, s.ownSite())
	if len(own) > 0 {
		s.metrics.EchoDiscardedTotal.Add(float64(len(own)))
	}
	if len(foreign) == 0 {
		return nil
	}

	err := s.validator.ValidateChanges(foreign)
	var tables []string
	if err == nil {
		tables, err = store.ApplyAll(ctx, s.local, foreign)
	}
	if err != nil {
		s.metrics.ApplyFailuresTotal.WithLabelValues("client").Inc()
		failure := errors.ApplyFailed(foreign[0].Table, err).WithDetail("source_tab_id", source)
		s.logger.Error("Failed to apply changes",
			zap.String("source_tab_id", source),
			zap.Int("count", len(foreign)),
			zap.Error(err))
		s.events.publish(Failure{Err: failure})
		return failure
	}

	s.metrics.ChangesAppliedTotal.WithLabelValues("client").Add(float64(len(foreign)))
	if len(tables) > 0 {
		s.events.publish(TablesChanged{Tables: tables})
	}
	return nil
}

func (s *SyncClientService) ownSite() model.SiteID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.siteID
}

func (s *SyncClientService) notifySync(err error) {
	s.syncMu.Lock()
	waiters := s.syncWaiters
	s.syncWaiters = nil
	s.syncMu.Unlock()
	for _, w := range waiters {
		w <- err
	}
}

func (s *SyncClientService) dropSyncWaiter(done chan error) {
	s.syncMu.Lock()
	defer s.syncMu.Unlock()
	for i, w := range s.syncWaiters {
		if w == done {
			s.syncWaiters = append(s.syncWaiters[:i], s.syncWaiters[i+1:]...)
			return
		}
	}
}

func outcomeOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
