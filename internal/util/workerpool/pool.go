// Package workerpool runs tasks on a fixed set of goroutines. A pool with
// one worker is a serial executor: tasks run one at a time in the order
// they were accepted.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/juju/clock"
	"go.uber.org/zap"

	"github.com/devrev/tabsync/internal/errors"
)

// Task is a unit of work. Kind labels it in logs.
type Task struct {
	ID   string
	Kind string
	Fn   func(context.Context) error
}

// Config configures a Pool.
type Config struct {
	Name      string
	Workers   int
	QueueSize int
	Logger    *zap.Logger
	Clock     clock.Clock
}

// Pool executes submitted tasks.
type Pool struct {
	name   string
	queue  chan Task
	logger *zap.Logger
	clock  clock.Clock

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
	stopped  chan struct{}

	active    atomic.Int32
	accepted  atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// New starts a pool. Workers defaults to 1 and QueueSize to 1024.
func New(cfg Config) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		name:    cfg.Name,
		queue:   make(chan Task, cfg.QueueSize),
		logger:  cfg.Logger.Named("pool").With(zap.String("pool", cfg.Name)),
		clock:   cfg.Clock,
		ctx:     ctx,
		cancel:  cancel,
		stopped: make(chan struct{}),
	}
	for i := 0; i < cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopped:
			return
		case task := <-p.queue:
			p.run(id, task)
		}
	}
}

func (p *Pool) run(workerID int, task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	start := p.clock.Now()
	err := p.safeRun(task)
	elapsed := p.clock.Now().Sub(start)

	if err != nil {
		p.failed.Add(1)
		p.logger.Warn("Task failed",
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.String("kind", task.Kind),
			zap.Duration("duration", elapsed),
			zap.Error(err))
		return
	}
	p.completed.Add(1)
	p.logger.Debug("Task completed",
		zap.String("task_id", task.ID),
		zap.String("kind", task.Kind),
		zap.Duration("duration", elapsed))
}

func (p *Pool) safeRun(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task.Fn(p.ctx)
}

// Submit queues task, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, task Task) error {
	select {
	case <-p.stopped:
		p.rejected.Add(1)
		return errors.Closed(fmt.Sprintf("worker pool %q", p.name))
	default:
	}

	select {
	case p.queue <- task:
		p.accepted.Add(1)
		return nil
	case <-p.stopped:
		p.rejected.Add(1)
		return errors.Closed(fmt.Sprintf("worker pool %q", p.name))
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	}
}

// Stop cancels running tasks, drops queued ones, and waits for the
// workers to return or ctx to end.
func (p *Pool) Stop(ctx context.Context) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopped)
		p.cancel()

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = fmt.Errorf("worker pool %q did not stop: %w", p.name, ctx.Err())
		}
		p.logger.Debug("Worker pool stopped", zap.Int("dropped", len(p.queue)))
	})
	return err
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Name      string
	Active    int
	Queued    int
	Accepted  uint64
	Completed uint64
	Failed    uint64
	Rejected  uint64
}

// Stats returns current counters.
func (p *Pool) Stats() Stats {
	return Stats{
		Name:      p.name,
		Active:    int(p.active.Load()),
		Queued:    len(p.queue),
		Accepted:  p.accepted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
