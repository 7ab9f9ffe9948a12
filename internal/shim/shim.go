// Package shim hands out a Port to the shared worker for a URL. With a
// NativeRegistry the worker lives in this process. Otherwise process
// contexts elect a leader that hosts the worker, and everyone (leader
// included) talks to it through a VirtualPort over the broadcast topic.
package shim

import (
	"context"
	"sync"
	"time"

	"github.com/juju/clock"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/devrev/tabsync/internal/codec"
	"github.com/devrev/tabsync/internal/election"
	"github.com/devrev/tabsync/internal/errors"
	"github.com/devrev/tabsync/internal/host"
	"github.com/devrev/tabsync/internal/model"
	"github.com/devrev/tabsync/internal/process"
	"github.com/devrev/tabsync/internal/transport"
)

const defaultReadyTimeout = 10 * time.Second

// Options configures Acquire.
type Options struct {
	// Native, when set, bypasses election entirely.
	Native       *NativeRegistry
	Factory      host.Factory
	ReadyTimeout time.Duration
	Election     election.Config
	Codec        codec.Codec
	Clock        clock.Clock
	// ErrorPayload encodes a worker start-up failure for clients.
	ErrorPayload func(error) []byte
}

// Handle is one caller's connection to the shared worker.
type Handle struct {
	url    string
	topic  string
	pc     *process.Context
	opts   Options
	logger *zap.Logger

	port     transport.Port
	vport    *transport.VirtualPort
	elector  *election.Elector
	runtime  *host.Runtime
	clientID string

	tomb     tomb.Tomb
	started  bool
	mu       sync.Mutex
	leader   *host.LeaderHost
	termOnce sync.Once
	termErr  error
}

// Acquire connects to the worker for workerURL, starting it if nobody
// hosts it yet. It returns once the worker has acknowledged the
// connection. On failure nothing is left running and Acquire may be
// called again.
func Acquire(ctx context.Context, pc *process.Context, workerURL string, opts Options) (*Handle, error) {
	if opts.Factory == nil {
		return nil, errors.InvalidArgument("worker factory is required", nil)
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = defaultReadyTimeout
	}
	if opts.Election == (election.Config{}) {
		opts.Election = election.DefaultConfig()
	}
	if opts.Codec == nil {
		opts.Codec = codec.Msgpack{}
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}

	h := &Handle{
		url:   workerURL,
		topic: transport.TopicName(workerURL),
		pc:    pc,
		opts:  opts,
	}
	h.logger = pc.Logger.Named("shim").With(zap.String("topic", h.topic))

	if opts.Native != nil {
		if err := h.acquireNative(ctx); err != nil {
			return nil, err
		}
		return h, nil
	}
	if err := h.acquireShared(ctx); err != nil {
		_ = h.Terminate()
		return nil, err
	}
	return h, nil
}

func (h *Handle) acquireNative(ctx context.Context) error {
	rt, clientID, port, err := h.opts.Native.connect(ctx, h.url, h.opts.Factory)
	if err != nil {
		return errors.InitFailed("start native worker", err)
	}
	h.runtime = rt
	h.clientID = clientID
	h.port = port
	h.started = true
	h.tomb.Go(func() error {
		<-h.tomb.Dying()
		return nil
	})
	h.logger.Debug("Connected to native worker", zap.String("client_id", clientID))
	return nil
}

func (h *Handle) acquireShared(ctx context.Context) error {
	el, err := election.New(ctx, h.pc.Transport, transport.ElectionTopic(h.topic), h.opts.Election, election.Options{
		Clock:   h.opts.Clock,
		Codec:   h.opts.Codec,
		Logger:  h.pc.Logger,
		Metrics: h.pc.Metrics,
	})
	if err != nil {
		return err
	}
	h.elector = el

	vp, err := transport.NewVirtualPort(ctx, h.pc, h.topic, h.opts.Codec)
	if err != nil {
		return err
	}
	h.vport = vp
	h.port = vp
	h.clientID = vp.ClientID()

	h.started = true
	h.tomb.Go(h.lead)
	h.tomb.Go(h.watch)

	if err := vp.Connect(ctx); err != nil {
		return err
	}

	timer := h.opts.Clock.NewTimer(h.opts.ReadyTimeout)
	defer timer.Stop()
	interval := h.opts.Election.LeaderTimeout
	if interval <= 0 {
		interval = h.opts.ReadyTimeout / 4
	}
	recheck := h.opts.Clock.NewTimer(interval)
	defer recheck.Stop()

	for {
		select {
		case <-vp.Ready():
			h.logger.Info("Worker ready",
				zap.String("client_id", h.clientID),
				zap.Bool("leader", el.IsLeader()),
				zap.String("site_id", vp.SiteID().String()))
			return nil
		case <-vp.Done():
			if err := vp.Err(); err != nil {
				return err
			}
			return errors.Closed("virtual port")
		case <-h.tomb.Dying():
			if err := h.tomb.Err(); err != tomb.ErrDying && err != nil {
				return err
			}
			return errors.Closed("shim")
		case <-recheck.Chan():
			if err := h.provokeLeader(ctx); err != nil {
				return err
			}
			recheck.Reset(interval)
		case <-timer.Chan():
			return errors.NotReady("worker did not become ready", nil).
				WithDetail("timeout", h.opts.ReadyTimeout.String())
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// provokeLeader repeats hello when a leader exists but has not answered,
// e.g. because it started hosting after the first hello went out. With no
// leader the election loop is still campaigning and will host the worker.
func (h *Handle) provokeLeader(ctx context.Context) error {
	ok, err := h.elector.HasLeader(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	h.logger.Debug("Leader has not acknowledged, repeating hello", zap.String("client_id", h.clientID))
	return h.vport.Connect(ctx)
}

// lead keeps this handle in the election and hosts the worker whenever
// it wins.
func (h *Handle) lead() error {
	ctx := h.tomb.Context(context.Background())
	for {
		if err := h.elector.AwaitLeadership(ctx); err != nil {
			if ctx.Err() != nil {
				return tomb.ErrDying
			}
			return err
		}

		lh, err := host.Start(ctx, h.pc, h.topic, h.opts.Factory, host.Options{
			Codec:        h.opts.Codec,
			ErrorPayload: h.opts.ErrorPayload,
		})
		if err != nil {
			return err
		}
		h.setLeader(lh)
		h.logger.Info("Hosting worker", zap.String("host_id", lh.HostID()))

		select {
		case <-h.elector.Duplicates():
			h.logger.Warn("Duplicate leader detected, abdicating", zap.String("host_id", lh.HostID()))
			h.stopLeader()
			if err := h.elector.Die(ctx); err != nil && ctx.Err() == nil {
				return err
			}
		case <-lh.Dead():
			err := lh.Err()
			h.stopLeader()
			if err != nil {
				return err
			}
			if err := h.elector.Die(ctx); err != nil && ctx.Err() == nil {
				return err
			}
		case <-h.elector.Dead():
			h.stopLeader()
			return h.elector.Err()
		case <-h.tomb.Dying():
			h.stopLeader()
			return tomb.ErrDying
		}
	}
}

// watch turns a failed virtual port into a failure of the whole handle.
func (h *Handle) watch() error {
	select {
	case <-h.vport.Done():
		return h.vport.Err()
	case <-h.tomb.Dying():
		return nil
	}
}

func (h *Handle) setLeader(lh *host.LeaderHost) {
	h.mu.Lock()
	h.leader = lh
	h.mu.Unlock()
}

func (h *Handle) stopLeader() {
	h.mu.Lock()
	lh := h.leader
	h.leader = nil
	h.mu.Unlock()
	if lh == nil {
		return
	}
	if err := lh.Stop(); err != nil {
		h.logger.Warn("Worker host stopped with error", zap.Error(err))
	}
}

// Port is the caller's end of the worker connection. The caller must Start it.
func (h *Handle) Port() transport.Port { return h.port }

// ClientID identifies this connection to the worker.
func (h *Handle) ClientID() string { return h.clientID }

// SiteID is the worker's site id.
func (h *Handle) SiteID() model.SiteID {
	if h.runtime != nil {
		return h.runtime.SiteID()
	}
	return h.vport.SiteID()
}

// IsNative reports whether the worker lives in a NativeRegistry.
func (h *Handle) IsNative() bool { return h.runtime != nil }

// IsLeader reports whether this handle currently hosts the worker.
func (h *Handle) IsLeader() bool {
	if h.elector == nil {
		return false
	}
	return h.elector.IsLeader()
}

// Topic is the control topic derived from the worker URL.
func (h *Handle) Topic() string { return h.topic }

// Done is closed once the handle stops, by Terminate or a fatal failure.
func (h *Handle) Done() <-chan struct{} { return h.tomb.Dead() }

// Err returns the fatal failure that stopped the handle, if any.
func (h *Handle) Err() error {
	if h.vport != nil {
		if err := h.vport.Err(); err != nil {
			return err
		}
	}
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

// Terminate closes the port, stops hosting, and leaves the election. It
// is idempotent.
func (h *Handle) Terminate() error {
	h.termOnce.Do(func() {
		if h.vport != nil {
			_ = h.vport.Close()
		}
		if h.started {
			h.tomb.Kill(nil)
			if err := h.tomb.Wait(); err != nil && err != tomb.ErrDying {
				h.logger.Debug("Shim loop ended with error", zap.Error(err))
			}
		}
		if h.runtime != nil {
			h.termErr = h.opts.Native.release(h.url, h.clientID)
			return
		}
		if h.elector != nil {
			h.termErr = h.elector.Close()
		}
		h.logger.Debug("Terminated", zap.String("client_id", h.clientID))
	})
	return h.termErr
}
