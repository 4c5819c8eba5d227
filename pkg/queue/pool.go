package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/delvd/delv/pkg/config"
	"github.com/delvd/delv/pkg/registry"
)

// Pool manages the worker goroutines and the per-run cancel registry.
type Pool struct {
	runs     *registry.Service
	executor *RunExecutor
	cfg      config.QueueConfig

	workers  []*worker
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu         sync.RWMutex
	activeRuns map[string]context.CancelFunc
	started    bool
}

// NewPool creates a pool; Start spawns the workers.
func NewPool(runs *registry.Service, executor *RunExecutor, cfg config.QueueConfig) *Pool {
	return &Pool{
		runs:       runs,
		executor:   executor,
		cfg:        cfg,
		stopCh:     make(chan struct{}),
		activeRuns: make(map[string]context.CancelFunc),
	}
}

// Start recovers orphaned runs, then spawns the worker loop goroutines.
// Safe to call once; later calls are no-ops.
func (p *Pool) Start(ctx context.Context) {
	if p.started {
		slog.Warn("Worker pool already started, ignoring duplicate Start call")
		return
	}
	p.started = true

	if p.cfg.OrphanTimeout > 0 {
		if _, err := p.runs.RecoverOrphans(ctx, p.cfg.OrphanTimeout); err != nil {
			slog.Warn("Orphan recovery failed", "error", err)
		}
	}

	count := p.cfg.Workers
	if count <= 0 {
		count = 1
	}
	slog.Info("Starting worker pool", "workers", count)
	for i := 0; i < count; i++ {
		w := &worker{
			id:   fmt.Sprintf("worker-%d", i),
			pool: p,
		}
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		go w.run(ctx)
	}
}

// Stop signals the workers and waits for in-flight runs to finish.
func (p *Pool) Stop() {
	slog.Info("Stopping worker pool")
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	slog.Info("Worker pool stopped")
}

// Cancel aborts an in-flight run on this process. Returns false when the
// run is not executing here.
func (p *Pool) Cancel(runID string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	cancel, ok := p.activeRuns[runID]
	if ok {
		cancel()
	}
	return ok
}

func (p *Pool) register(runID string, cancel context.CancelFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activeRuns[runID] = cancel
}

func (p *Pool) unregister(runID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.activeRuns, runID)
}

// worker polls for queued runs and executes them one at a time.
type worker struct {
	id   string
	pool *Pool
}

func (w *worker) run(ctx context.Context) {
	defer w.pool.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Worker started")

	interval := w.pool.cfg.PollInterval
	if interval <= 0 {
		interval = time.Second
	}

	for {
		select {
		case <-w.pool.stopCh:
			log.Info("Worker stopped")
			return
		case <-ctx.Done():
			log.Info("Worker context cancelled")
			return
		default:
		}

		claimed := w.claimAndExecute(ctx, log)
		if claimed {
			// Drain the queue before sleeping again.
			continue
		}

		// Jittered sleep spreads claim attempts across workers.
		sleep := interval + time.Duration(rand.Int64N(int64(interval/2+1)))
		select {
		case <-time.After(sleep):
		case <-w.pool.stopCh:
			log.Info("Worker stopped")
			return
		case <-ctx.Done():
			log.Info("Worker context cancelled")
			return
		}
	}
}

func (w *worker) claimAndExecute(ctx context.Context, log *slog.Logger) bool {
	run, err := w.pool.runs.ClaimNext(ctx)
	if err != nil {
		if !errors.Is(err, registry.ErrNoQueuedRuns) {
			log.Warn("Failed to claim run", "error", err)
		}
		return false
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.pool.register(run.ID, cancel)
	defer func() {
		cancel()
		w.pool.unregister(run.ID)
	}()

	w.pool.executor.Execute(runCtx, run)
	return true
}
