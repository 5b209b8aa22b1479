// Package dispatcher runs a bounded pool of workers over the task queue.
package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-crawler/internal/crawler"
	"github.com/JakeFAU/catalog-crawler/internal/metrics"
	"github.com/JakeFAU/catalog-crawler/internal/worker"
)

// Pool size bounds.
const (
	MinWorkers = 2
	MaxWorkers = 4

	defaultDepthInterval = 10 * time.Second
)

// ErrAlreadyRunning is returned by Start on a running pool.
var ErrAlreadyRunning = errors.New("worker pool already running")

// Config sizes the pool.
type Config struct {
	Workers int
	// DepthInterval is how often queue depth is exported as metrics.
	DepthInterval time.Duration
}

// Factory builds the worker with the given id.
type Factory func(id string) *worker.Worker

// WorkerStatus describes one worker.
type WorkerStatus struct {
	ID     string       `json:"id"`
	State  worker.State `json:"state"`
	TaskID string       `json:"task_id,omitempty"`
}

// Status is a snapshot of the pool.
type Status struct {
	Running bool           `json:"running"`
	Workers int            `json:"workers"`
	States  []WorkerStatus `json:"states"`
}

// Pool fans queue work out to a fixed set of workers.
type Pool struct {
	cfg     Config
	queue   crawler.TaskQueue
	factory Factory
	logger  *zap.Logger

	mu      sync.Mutex
	running bool
	workers []*worker.Worker
	done    chan struct{}
	err     error
}

// New creates a Pool. The worker count is clamped to [MinWorkers, MaxWorkers].
func New(cfg Config, queue crawler.TaskQueue, factory Factory, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg.Workers = min(max(cfg.Workers, MinWorkers), MaxWorkers)
	if cfg.DepthInterval <= 0 {
		cfg.DepthInterval = defaultDepthInterval
	}
	done := make(chan struct{})
	close(done)
	return &Pool{cfg: cfg, queue: queue, factory: factory, logger: logger, done: done}
}

// Size returns the configured worker count.
func (p *Pool) Size() int { return p.cfg.Workers }

// Start recovers tasks orphaned by a previous run and launches the workers.
// ctx bounds the pool's lifetime; Stop ends it gracefully.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyRunning
	}

	recovered, err := p.queue.RecoverProcessing(ctx)
	if err != nil {
		return fmt.Errorf("recover processing tasks: %w", err)
	}
	if recovered > 0 {
		p.logger.Info("recovered orphaned tasks", zap.Int("count", recovered))
	}

	workers := make([]*worker.Worker, 0, p.cfg.Workers)
	for i := 0; i < p.cfg.Workers; i++ {
		workers = append(workers, p.factory(fmt.Sprintf("worker-%d", i+1)))
	}

	runCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(runCtx)
	for _, w := range workers {
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	go p.reportDepth(runCtx)

	done := make(chan struct{})
	p.workers = workers
	p.running = true
	p.done = done
	p.err = nil

	go func() {
		err := g.Wait()
		cancel()
		p.mu.Lock()
		p.running = false
		p.err = err
		p.mu.Unlock()
		close(done)
		p.logger.Info("worker pool stopped")
	}()

	p.logger.Info("worker pool started", zap.Int("workers", len(workers)))
	return nil
}

// Stop asks every worker to exit after its current page. It does not wait.
func (p *Pool) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.workers {
		w.Stop()
	}
}

// Wait blocks until the workers of the last Start have exited.
func (p *Pool) Wait() error {
	p.mu.Lock()
	done := p.done
	p.mu.Unlock()
	<-done

	p.mu.Lock()
	defer p.mu.Unlock()
	return p.err
}

// Running reports whether workers are active.
func (p *Pool) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// Status returns a snapshot of the pool and its workers.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	st := Status{Running: p.running, Workers: p.cfg.Workers, States: make([]WorkerStatus, 0, len(p.workers))}
	for _, w := range p.workers {
		st.States = append(st.States, WorkerStatus{ID: w.ID(), State: w.State(), TaskID: w.CurrentTask()})
	}
	return st
}

// Submit schedules target on the underlying queue.
func (p *Pool) Submit(ctx context.Context, target crawler.TargetRef, priority crawler.Priority) (string, error) {
	return p.Enqueue(ctx, crawler.SubmitRequest{Target: target, Priority: priority})
}

// Enqueue hands a full request to the queue. On ErrTaskQueued the ID of the
// task left pending is returned alongside the error.
func (p *Pool) Enqueue(ctx context.Context, req crawler.SubmitRequest) (string, error) {
	id, err := p.queue.Submit(ctx, req)
	if err != nil {
		return id, fmt.Errorf("queue submit: %w", err)
	}
	return id, nil
}

func (p *Pool) reportDepth(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.DepthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d, err := p.queue.Depth(ctx)
			if err != nil {
				if ctx.Err() == nil {
					p.logger.Warn("queue depth failed", zap.Error(err))
				}
				continue
			}
			metrics.SetQueueDepth(d.Pending, d.Processing, d.Completed, d.Failed)
		}
	}
}
