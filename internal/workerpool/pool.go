// Package workerpool provides the bounded goroutine pools a node uses to
// process peer messages, system messages and background work.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cerrors "github.com/devrev/pairdb/gridcache/internal/errors"
	"go.uber.org/zap"
)

// Task is a unit of work executed by a pool worker
type Task struct {
	ID  string
	Fn  func(context.Context) error
	Ctx context.Context
}

// Config holds pool sizing
type Config struct {
	Name       string
	MaxWorkers int
	QueueSize  int
	Logger     *zap.Logger
}

// Pool runs tasks on a fixed set of workers fed by a bounded queue
type Pool struct {
	name       string
	maxWorkers int
	queueSize  int
	queue      chan Task
	logger     *zap.Logger

	wg       sync.WaitGroup
	stopOnce sync.Once
	stopCh   chan struct{}

	active    atomic.Int32
	submitted atomic.Uint64
	completed atomic.Uint64
	failed    atomic.Uint64
	rejected  atomic.Uint64
}

// New starts a pool
func New(cfg Config) *Pool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	p := &Pool{
		name:       cfg.Name,
		maxWorkers: cfg.MaxWorkers,
		queueSize:  cfg.QueueSize,
		queue:      make(chan Task, cfg.QueueSize),
		logger:     cfg.Logger,
		stopCh:     make(chan struct{}),
	}
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}

	p.logger.Info("Worker pool started",
		zap.String("pool", p.name),
		zap.Int("max_workers", p.maxWorkers),
		zap.Int("queue_size", p.queueSize))
	return p
}

// Name returns the pool name
func (p *Pool) Name() string {
	return p.name
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case task := <-p.queue:
			p.run(id, task)
		}
	}
}

func (p *Pool) run(workerID int, task Task) {
	p.active.Add(1)
	defer p.active.Add(-1)

	start := time.Now()
	err := p.safeRun(task)
	if err != nil {
		p.failed.Add(1)
		p.logger.Debug("Task failed",
			zap.String("pool", p.name),
			zap.Int("worker_id", workerID),
			zap.String("task_id", task.ID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))
		return
	}
	p.completed.Add(1)
}

func (p *Pool) safeRun(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			p.logger.Error("Task panic recovered",
				zap.String("pool", p.name),
				zap.String("task_id", task.ID),
				zap.Any("panic", r))
		}
	}()

	ctx := task.Ctx
	if ctx == nil {
		ctx = context.Background()
	}
	return task.Fn(ctx)
}

func (p *Pool) stopped() bool {
	select {
	case <-p.stopCh:
		return true
	default:
		return false
	}
}

// Submit queues a task without blocking. It fails when the queue is full or
// the pool is stopped.
func (p *Pool) Submit(task Task) error {
	if p.stopped() {
		p.rejected.Add(1)
		return cerrors.Stopped("worker pool " + p.name)
	}
	select {
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	default:
		p.rejected.Add(1)
		return cerrors.InternalError(fmt.Sprintf("worker pool %s queue is full", p.name), nil)
	}
}

// SubmitWait blocks until the task is queued or ctx is done
func (p *Pool) SubmitWait(ctx context.Context, task Task) error {
	if p.stopped() {
		p.rejected.Add(1)
		return cerrors.Stopped("worker pool " + p.name)
	}
	select {
	case <-p.stopCh:
		p.rejected.Add(1)
		return cerrors.Stopped("worker pool " + p.name)
	case <-ctx.Done():
		p.rejected.Add(1)
		return ctx.Err()
	case p.queue <- task:
		p.submitted.Add(1)
		return nil
	}
}

// Do runs fn on a pool worker and waits for its result
func (p *Pool) Do(ctx context.Context, id string, fn func(context.Context) error) error {
	done := make(chan error, 1)
	err := p.SubmitWait(ctx, Task{
		ID:  id,
		Ctx: ctx,
		Fn: func(ctx context.Context) (err error) {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("task panicked: %v", r)
					panic(r)
				}
				done <- err
			}()
			return fn(ctx)
		},
	})
	if err != nil {
		return err
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop signals workers to exit once their current task finishes and waits up
// to timeout. Queued tasks that never started are dropped.
func (p *Pool) Stop(timeout time.Duration) error {
	var err error
	p.stopOnce.Do(func() {
		close(p.stopCh)

		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()

		select {
		case <-done:
			p.logger.Info("Worker pool stopped", zap.String("pool", p.name))
		case <-time.After(timeout):
			err = fmt.Errorf("worker pool %s stop timeout after %v", p.name, timeout)
			p.logger.Warn("Worker pool stop timeout", zap.String("pool", p.name))
		}
	})
	return err
}

// Stats is a point-in-time view of a pool
type Stats struct {
	Name       string `json:"name"`
	MaxWorkers int    `json:"max_workers"`
	Active     int    `json:"active"`
	QueueSize  int    `json:"queue_size"`
	Queued     int    `json:"queued"`
	Submitted  uint64 `json:"submitted"`
	Completed  uint64 `json:"completed"`
	Failed     uint64 `json:"failed"`
	Rejected   uint64 `json:"rejected"`
}

// Stats returns current counters
func (p *Pool) Stats() Stats {
	return Stats{
		Name:       p.name,
		MaxWorkers: p.maxWorkers,
		Active:     int(p.active.Load()),
		QueueSize:  p.queueSize,
		Queued:     len(p.queue),
		Submitted:  p.submitted.Load(),
		Completed:  p.completed.Load(),
		Failed:     p.failed.Load(),
		Rejected:   p.rejected.Load(),
	}
}

// QueueUtilization returns queue occupancy as a percentage
func (s Stats) QueueUtilization() float64 {
	if s.QueueSize == 0 {
		return 0
	}
	return float64(s.Queued) / float64(s.QueueSize) * 100.0
}
