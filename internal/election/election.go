// Package election elects at most one leader among the process contexts
// sharing a broadcast topic.
//
// Candidates announce themselves with apply and become leader if nobody
// objects within ResponseTime. The leader repeats tell every
// HeartbeatInterval and answers apply and probe with tell. Followers that
// hear no tell for LeaderTimeout apply again, so a crashed leader is
// replaced without any peer doing anything special. When two leaders hear
// each other, the one with the smaller token is told it is a duplicate and
// must Die.
package election

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/juju/clock"
	"go.uber.org/zap"
	"gopkg.in/tomb.v2"

	"github.com/devrev/tabsync/internal/broadcast"
	"github.com/devrev/tabsync/internal/codec"
	"github.com/devrev/tabsync/internal/errors"
	"github.com/devrev/tabsync/internal/logging"
	"github.com/devrev/tabsync/internal/metrics"
)

// Kind is the election control message type.
type Kind string

const (
	KindApply Kind = "apply"
	KindTell  Kind = "tell"
	KindDeath Kind = "death"
	KindProbe Kind = "probe"
)

type message struct {
	Kind  Kind   `json:"kind" msgpack:"kind"`
	Token string `json:"token" msgpack:"token"`
}

// Config holds election timing.
type Config struct {
	ResponseTime      time.Duration
	HeartbeatInterval time.Duration
	LeaderTimeout     time.Duration
	FallbackInterval  time.Duration
}

// DefaultConfig returns the timings used when none are configured.
func DefaultConfig() Config {
	return Config{
		ResponseTime:      100 * time.Millisecond,
		HeartbeatInterval: 500 * time.Millisecond,
		LeaderTimeout:     2 * time.Second,
		FallbackInterval:  time.Second,
	}
}

// Options carries optional collaborators.
type Options struct {
	Clock   clock.Clock
	Codec   codec.Codec
	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// State is a snapshot of the elector.
type State struct {
	IsLeader     bool
	HasDuplicate bool
	Token        string
}

type cmdKind int

const (
	cmdCampaign cmdKind = iota
	cmdDie
)

type command struct {
	kind  cmdKind
	reply chan error
}

// Elector participates in one election topic.
type Elector struct {
	cfg     Config
	channel broadcast.Channel
	sub     *broadcast.Subscription
	token   string
	clock   clock.Clock
	codec   codec.Codec
	logger  *zap.Logger
	metrics *metrics.Metrics

	tomb       tomb.Tomb
	cmds       chan command
	duplicates chan struct{}

	mu             sync.Mutex
	leader         bool
	duplicate      bool
	campaigning    bool
	applying       bool
	leaderToken    string
	lastLeaderSeen time.Time
	tellsSeen      uint64
	elected        chan struct{}
}

// New joins the election on topic. Failure to open the channel is fatal.
func New(ctx context.Context, transport broadcast.Transport, topic string, cfg Config, opts Options) (*Elector, error) {
	ch, err := transport.Open(ctx, topic)
	if err != nil {
		return nil, errors.TransportFailed("open election channel", err)
	}
	sub, err := ch.Subscribe()
	if err != nil {
		_ = ch.Close()
		return nil, errors.TransportFailed("subscribe election channel", err)
	}

	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}
	if opts.Codec == nil {
		opts.Codec = codec.Msgpack{}
	}

	e := &Elector{
		cfg:        cfg,
		channel:    ch,
		sub:        sub,
		token:      uuid.NewString(),
		clock:      opts.Clock,
		codec:      opts.Codec,
		metrics:    metrics.OrNew(opts.Metrics),
		cmds:       make(chan command),
		duplicates: make(chan struct{}, 1),
		elected:    make(chan struct{}),
	}
	e.logger = logging.OrNop(opts.Logger).Named("election").With(
		zap.String("topic", topic), zap.String("token", e.token))

	e.tomb.Go(e.loop)
	return e, nil
}

// Token identifies this elector in tie-breaks.
func (e *Elector) Token() string {
	return e.token
}

// AwaitLeadership blocks until this elector leads, ctx ends, or the elector
// dies. Calling it again after Die re-enters the election.
func (e *Elector) AwaitLeadership(ctx context.Context) error {
	e.mu.Lock()
	if e.leader {
		e.mu.Unlock()
		return nil
	}
	elected := e.elected
	e.mu.Unlock()

	if err := e.send(ctx, command{kind: cmdCampaign}); err != nil {
		return err
	}

	select {
	case <-elected:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.tomb.Dying():
		return e.deathErr()
	}
}

// IsLeader reports whether this elector currently leads.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// State returns a snapshot.
func (e *Elector) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return State{IsLeader: e.leader, HasDuplicate: e.duplicate, Token: e.token}
}

// HasLeader reports whether some elector (possibly this one) leads. When
// no tell was heard recently it probes and waits ResponseTime for one.
func (e *Elector) HasLeader(ctx context.Context) (bool, error) {
	e.mu.Lock()
	if e.leader || e.leaderRecentLocked() {
		e.mu.Unlock()
		return true, nil
	}
	seen := e.tellsSeen
	e.mu.Unlock()

	if err := e.post(ctx, KindProbe); err != nil {
		return false, err
	}

	select {
	case <-e.clock.After(e.cfg.ResponseTime):
	case <-ctx.Done():
		return false, ctx.Err()
	case <-e.tomb.Dying():
		return false, e.deathErr()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader || e.tellsSeen > seen, nil
}

// Duplicates fires when another leader with a larger token is heard while
// this elector leads. The receiver must call Die.
func (e *Elector) Duplicates() <-chan struct{} {
	return e.duplicates
}

// Dead is closed when the elector stops, either by Close or a transport
// failure. Err reports which.
func (e *Elector) Dead() <-chan struct{} {
	return e.tomb.Dead()
}

// Err returns the fatal error that stopped the elector, if any.
func (e *Elector) Err() error {
	select {
	case <-e.tomb.Dying():
	default:
		return nil
	}
	err := e.tomb.Err()
	if err == tomb.ErrDying {
		return nil
	}
	return err
}

// Die abdicates leadership and stops campaigning until AwaitLeadership is
// called again. It is a no-op for followers.
func (e *Elector) Die(ctx context.Context) error {
	reply := make(chan error, 1)
	if err := e.send(ctx, command{kind: cmdDie, reply: reply}); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-e.tomb.Dying():
		return e.deathErr()
	}
}

// Close abdicates if leading and leaves the election.
func (e *Elector) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.ResponseTime+time.Second)
	_ = e.Die(ctx)
	cancel()

	e.tomb.Kill(nil)
	err := e.tomb.Wait()
	e.sub.Close()
	_ = e.channel.Close()

	e.mu.Lock()
	if e.leader {
		e.leader = false
		e.metrics.IsLeader.Set(0)
	}
	e.mu.Unlock()

	if err == tomb.ErrDying {
		return nil
	}
	return err
}

func (e *Elector) send(ctx context.Context, cmd command) error {
	select {
	case e.cmds <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-e.tomb.Dying():
		return e.deathErr()
	}
}

func (e *Elector) deathErr() error {
	if err := e.Err(); err != nil {
		return err
	}
	return errors.Closed("elector")
}

func (e *Elector) post(ctx context.Context, kind Kind) error {
	data, err := e.codec.Marshal(message{Kind: kind, Token: e.token})
	if err != nil {
		return errors.InternalError("encode election message", err)
	}
	if err := e.channel.Post(ctx, data); err != nil {
		return errors.TransportFailed("post election message", err)
	}
	return nil
}

func (e *Elector) loop() error {
	timer := e.clock.NewTimer(e.cfg.FallbackInterval)
	defer timer.Stop()
	var applyDone <-chan time.Time
	ctx := e.tomb.Context(context.Background())

	for {
		select {
		case <-e.tomb.Dying():
			return tomb.ErrDying

		case raw, ok := <-e.sub.C():
			if !ok {
				return errors.TransportFailed("election channel closed", nil)
			}
			var msg message
			if err := e.codec.Unmarshal(raw, &msg); err != nil {
				e.logger.Warn("Ignoring malformed election message", zap.Error(err))
				continue
			}
			start, err := e.handle(ctx, msg)
			if err != nil {
				return err
			}
			if start {
				applyDone = e.clock.After(e.cfg.ResponseTime)
			} else if !e.isApplying() {
				applyDone = nil
			}

		case cmd := <-e.cmds:
			switch cmd.kind {
			case cmdCampaign:
				start, err := e.campaign(ctx)
				if err != nil {
					return err
				}
				if start {
					applyDone = e.clock.After(e.cfg.ResponseTime)
				}
			case cmdDie:
				err := e.die(ctx)
				cmd.reply <- err
				if err != nil {
					return err
				}
				applyDone = nil
			}

		case <-applyDone:
			applyDone = nil
			if err := e.finishApply(ctx); err != nil {
				return err
			}
			timer.Reset(e.cfg.HeartbeatInterval)

		case <-timer.Chan():
			start, err := e.tick(ctx)
			if err != nil {
				return err
			}
			if start {
				applyDone = e.clock.After(e.cfg.ResponseTime)
			}
			if e.IsLeader() {
				timer.Reset(e.cfg.HeartbeatInterval)
			} else {
				timer.Reset(e.cfg.FallbackInterval)
			}
		}
	}
}

func (e *Elector) isApplying() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.applying
}

func (e *Elector) leaderRecentLocked() bool {
	if e.leaderToken == "" {
		return false
	}
	return e.clock.Now().Sub(e.lastLeaderSeen) <= e.cfg.LeaderTimeout
}

// handle reacts to a peer message. It reports whether an application started.
func (e *Elector) handle(ctx context.Context, msg message) (bool, error) {
	if msg.Token == e.token {
		return false, nil
	}

	e.mu.Lock()
	leader := e.leader
	switch msg.Kind {
	case KindTell:
		e.tellsSeen++
		e.applying = false
		if !leader {
			e.leaderToken = msg.Token
			e.lastLeaderSeen = e.clock.Now()
		}
		if leader {
			if msg.Token > e.token {
				e.duplicate = true
				e.mu.Unlock()
				e.metrics.DuplicateLeadersTotal.Inc()
				e.logger.Warn("Another leader outranks this one", zap.String("other", msg.Token))
				select {
				case e.duplicates <- struct{}{}:
				default:
				}
				return false, nil
			}
			e.mu.Unlock()
			// Make sure the other leader hears us and steps down.
			return false, e.post(ctx, KindTell)
		}
		e.mu.Unlock()
		return false, nil

	case KindApply:
		if leader {
			e.mu.Unlock()
			return false, e.post(ctx, KindTell)
		}
		if e.applying {
			if msg.Token > e.token {
				e.applying = false
				e.mu.Unlock()
				return false, nil
			}
			e.mu.Unlock()
			return false, e.post(ctx, KindApply)
		}
		e.mu.Unlock()
		return false, nil

	case KindDeath:
		if msg.Token == e.leaderToken {
			e.leaderToken = ""
			e.lastLeaderSeen = time.Time{}
		}
		start := e.campaigning && !e.leader && !e.applying && !e.leaderRecentLocked()
		if start {
			e.applying = true
		}
		e.mu.Unlock()
		if start {
			e.logger.Debug("Leader died, applying")
			return true, e.post(ctx, KindApply)
		}
		return false, nil

	case KindProbe:
		e.mu.Unlock()
		if leader {
			return false, e.post(ctx, KindTell)
		}
		return false, nil

	default:
		e.mu.Unlock()
		e.logger.Debug("Ignoring unknown election message", zap.String("kind", string(msg.Kind)))
		return false, nil
	}
}

func (e *Elector) campaign(ctx context.Context) (bool, error) {
	e.mu.Lock()
	e.campaigning = true
	start := !e.leader && !e.applying && !e.leaderRecentLocked()
	if start {
		e.applying = true
	}
	e.mu.Unlock()

	if start {
		return true, e.post(ctx, KindApply)
	}
	return false, nil
}

func (e *Elector) tick(ctx context.Context) (bool, error) {
	e.mu.Lock()
	if e.leader {
		e.mu.Unlock()
		return false, e.post(ctx, KindTell)
	}
	start := e.campaigning && !e.applying && !e.leaderRecentLocked()
	if start {
		e.applying = true
	}
	e.mu.Unlock()

	if start {
		return true, e.post(ctx, KindApply)
	}
	return false, nil
}

func (e *Elector) finishApply(ctx context.Context) error {
	e.mu.Lock()
	if !e.applying || e.leader {
		e.mu.Unlock()
		return nil
	}
	e.applying = false
	e.leader = true
	e.duplicate = false
	e.leaderToken = e.token
	close(e.elected)
	e.mu.Unlock()

	e.metrics.ElectionsWonTotal.Inc()
	e.metrics.IsLeader.Set(1)
	e.logger.Info("Became leader")
	return e.post(ctx, KindTell)
}

func (e *Elector) die(ctx context.Context) error {
	e.mu.Lock()
	e.campaigning = false
	e.applying = false
	wasLeader := e.leader
	if wasLeader {
		e.leader = false
		e.duplicate = false
		e.leaderToken = ""
		e.elected = make(chan struct{})
	}
	e.mu.Unlock()

	select {
	case <-e.duplicates:
	default:
	}
	if !wasLeader {
		return nil
	}
	e.metrics.IsLeader.Set(0)
	e.logger.Info("Abdicating leadership")
	return e.post(ctx, KindDeath)
}
