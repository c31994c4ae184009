// Package worker provides the bounded goroutine pool deliveries run on and
// the per-instance in-flight guard.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/inimical023/callflow"
	"github.com/inimical023/callflow/id"
)

// Task is one unit of work. Key identifies it in logs and in the set of
// active tasks cancelled on a forced shutdown.
type Task struct {
	Key string
	Run func(ctx context.Context)
}

// Pool runs tasks on a fixed number of goroutines fed by a bounded queue.
// Submit blocks while the queue is full, which is how backpressure reaches
// publishers.
type Pool struct {
	concurrency int
	queueSize   int
	workerID    id.WorkerID
	logger      *slog.Logger

	tasks    chan Task
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	stopped  bool
	inFlight atomic.Int64

	activeMu sync.Mutex
	active   map[uint64]context.CancelFunc
	seq      atomic.Uint64
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithConcurrency sets the number of worker goroutines.
func WithConcurrency(n int) PoolOption {
	return func(p *Pool) {
		if n > 0 {
			p.concurrency = n
		}
	}
}

// WithQueueSize sets how many tasks may wait for a worker.
func WithQueueSize(n int) PoolOption {
	return func(p *Pool) {
		if n >= 0 {
			p.queueSize = n
		}
	}
}

// WithWorkerID overrides the generated worker id.
func WithWorkerID(wid id.WorkerID) PoolOption {
	return func(p *Pool) { p.workerID = wid }
}

// NewPool creates a pool. Call Start before submitting.
func NewPool(logger *slog.Logger, opts ...PoolOption) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Pool{
		concurrency: 16,
		queueSize:   256,
		workerID:    id.NewWorkerID(),
		logger:      logger,
		stopCh:      make(chan struct{}),
		active:      make(map[uint64]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.tasks = make(chan Task, p.queueSize)
	return p
}

// WorkerID returns the instance identity.
func (p *Pool) WorkerID() id.WorkerID { return p.workerID }

// InFlight returns the number of tasks currently running.
func (p *Pool) InFlight() int64 { return p.inFlight.Load() }

// Queued returns the number of tasks waiting for a worker.
func (p *Pool) Queued() int { return len(p.tasks) }

// Start launches the worker goroutines.
func (p *Pool) Start(_ context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.running {
		return nil
	}
	if p.stopped {
		return callflow.ErrPoolStopped
	}
	p.running = true

	p.logger.Info("worker pool starting",
		slog.String("worker_id", p.workerID.String()),
		slog.Int("concurrency", p.concurrency),
		slog.Int("queue_size", p.queueSize),
	)

	for range p.concurrency {
		p.wg.Add(1)
		go p.loop()
	}
	return nil
}

// Submit enqueues t, blocking while the queue is full.
func (p *Pool) Submit(ctx context.Context, t Task) error {
	p.mu.Lock()
	running := p.running
	p.mu.Unlock()
	if !running {
		return callflow.ErrPoolStopped
	}

	select {
	case p.tasks <- t:
		return nil
	case <-p.stopCh:
		return callflow.ErrPoolStopped
	case <-ctx.Done():
		return fmt.Errorf("worker: submit %s: %w", t.Key, ctx.Err())
	}
}

// Stop signals workers to exit and waits for running tasks. When ctx
// expires first, running tasks are cancelled. Queued tasks are dropped.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	p.stopped = true
	p.mu.Unlock()

	p.logger.Info("worker pool stopping", slog.String("worker_id", p.workerID.String()))
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
	case <-ctx.Done():
		p.logger.Warn("worker pool shutdown timed out, cancelling active tasks")
		p.cancelActive()
		<-done
	}

	if dropped := len(p.tasks); dropped > 0 {
		p.logger.Warn("worker pool dropped queued tasks", slog.Int("count", dropped))
	}
	return nil
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		select {
		case <-p.stopCh:
			return
		case t := <-p.tasks:
			p.run(t)
		}
	}
}

func (p *Pool) run(t Task) {
	ctx, cancel := context.WithCancel(context.Background())
	slot := p.seq.Add(1)
	p.activeMu.Lock()
	p.active[slot] = cancel
	p.activeMu.Unlock()
	p.inFlight.Add(1)

	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				slog.String("task", t.Key),
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())),
			)
		}
		p.inFlight.Add(-1)
		p.activeMu.Lock()
		delete(p.active, slot)
		p.activeMu.Unlock()
		cancel()
	}()

	t.Run(ctx)
}

func (p *Pool) cancelActive() {
	p.activeMu.Lock()
	defer p.activeMu.Unlock()
	for _, cancel := range p.active {
		cancel()
	}
}
