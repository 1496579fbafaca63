package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/quantlab/alphaflow/internal/postgres"
	"github.com/quantlab/alphaflow/internal/sched"
	"github.com/quantlab/alphaflow/internal/simclient"
	"github.com/quantlab/alphaflow/pkg/telemetry"
)

const (
	minHealthInterval = 5 * time.Second
	maxHealthInterval = 30 * time.Second
	stopDrainTimeout  = 30 * time.Second
)

// WorkerFactory builds a fresh worker for the pool. The pool attaches
// the shared scheduler itself.
type WorkerFactory func(id string) *Worker

// Pool runs a fixed set of workers against one shared scheduler and
// keeps them alive: a worker that crashes or stops beating is stopped,
// its tasks requeued, and a replacement started in its place.
type Pool struct {
	scheduler     sched.Scheduler
	factory       WorkerFactory
	logger        *slog.Logger
	size          int
	workerTimeout time.Duration
	healthEvery   time.Duration

	mu      sync.Mutex
	workers map[string]*poolEntry
	started bool
	stopped bool

	wg     sync.WaitGroup
	cancel context.CancelFunc

	stats PoolStats
}

type poolEntry struct {
	worker  *Worker
	crashed chan struct{}
}

// PoolStats is a point-in-time snapshot of pool activity.
type PoolStats struct {
	ActiveWorkers int       `json:"active_workers"`
	InFlightTasks int       `json:"inflight_tasks"`
	Restarts      int       `json:"restarts"`
	BufferedTasks int       `json:"buffered_tasks"`
	OldestBeat    time.Time `json:"oldest_heartbeat"`
	Running       bool      `json:"running"`
}

// PoolOption configures a Pool.
type PoolOption func(*Pool)

// WithPoolSize sets how many workers the pool runs.
func WithPoolSize(n int) PoolOption { return func(p *Pool) { p.size = n } }

// WithWorkerTimeout sets how long a worker may go without a heartbeat
// before it is considered stuck.
func WithWorkerTimeout(d time.Duration) PoolOption { return func(p *Pool) { p.workerTimeout = d } }

// WithHealthInterval overrides the derived health-check cadence.
// Intended for tests.
func WithHealthInterval(d time.Duration) PoolOption { return func(p *Pool) { p.healthEvery = d } }

// WithPoolLogger sets the pool's logger.
func WithPoolLogger(l *slog.Logger) PoolOption { return func(p *Pool) { p.logger = l } }

// NewPool creates a pool of workers built by factory, sharing scheduler.
func NewPool(scheduler sched.Scheduler, factory WorkerFactory, opts ...PoolOption) (*Pool, error) {
	if scheduler == nil {
		return nil, errors.New("engine: pool requires a scheduler")
	}
	if factory == nil {
		return nil, errors.New("engine: pool requires a worker factory")
	}
	p := &Pool{
		scheduler:     scheduler,
		factory:       factory,
		logger:        slog.Default(),
		size:          3,
		workerTimeout: 5 * time.Minute,
		workers:       make(map[string]*poolEntry),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.size <= 0 {
		return nil, errors.New("engine: pool size must be positive")
	}
	if p.healthEvery == 0 {
		p.healthEvery = clampInterval(p.workerTimeout / 10)
	}
	return p, nil
}

func clampInterval(d time.Duration) time.Duration {
	if d < minHealthInterval {
		return minHealthInterval
	}
	if d > maxHealthInterval {
		return maxHealthInterval
	}
	return d
}

// DryRunPool is a convenience constructor wiring a pool whose workers
// execute against the fake backend instead of the simulation API.
func DryRunPool(provider postgres.TaskProvider, scheduler sched.Scheduler, opts ...PoolOption) (*Pool, error) {
	factory := func(id string) *Worker {
		return NewWorker(id, provider, &simclient.DryRunClient{})
	}
	return NewPool(scheduler, factory, opts...)
}

// Start launches the workers and the health monitor. It is not
// restartable; a stopped pool stays stopped.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return errors.New("engine: pool already started")
	}
	if p.stopped {
		p.mu.Unlock()
		return errors.New("engine: pool already stopped")
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	for i := 0; i < p.size; i++ {
		p.launchLocked(runCtx)
	}
	size := p.size
	p.mu.Unlock()

	p.wg.Add(1)
	go p.monitor(runCtx)

	p.logger.Info("pool started",
		slog.Int("workers", size),
		slog.Duration("worker_timeout", p.workerTimeout),
		slog.Duration("health_interval", p.healthEvery),
	)
	return nil
}

// Stop shuts the pool down gracefully: workers finish their in-flight
// batches, bounded by a drain timeout after which execution is
// cancelled and leftovers requeued.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	entries := p.snapshotLocked()
	cancel := p.cancel
	p.mu.Unlock()

	p.logger.Info("pool stopping", slog.Int("workers", len(entries)))

	done := make(chan struct{})
	go func() {
		defer close(done)
		var wg sync.WaitGroup
		for _, entry := range entries {
			wg.Add(1)
			go func(w *Worker) {
				defer wg.Done()
				w.Stop(false)
			}(entry.worker)
		}
		wg.Wait()
	}()

	select {
	case <-done:
	case <-time.After(stopDrainTimeout):
		p.logger.Warn("drain timeout exceeded, cancelling in-flight work")
		for _, entry := range entries {
			entry.worker.Stop(true)
		}
		<-done
	}

	cancel()
	p.wg.Wait()
	telemetry.PoolWorkersActive.Set(0)
	p.logger.Info("pool stopped")
}

// ScaleUp adds n workers to a running pool.
func (p *Pool) ScaleUp(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("engine: scale up by %d", n)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started || p.stopped {
		return errors.New("engine: pool is not running")
	}
	for i := 0; i < n; i++ {
		p.launchLocked(ctx)
	}
	p.size += n
	return nil
}

// ScaleDown removes up to n workers, cancelling their in-flight work
// so it is requeued for the remaining workers.
func (p *Pool) ScaleDown(n int) error {
	if n <= 0 {
		return fmt.Errorf("engine: scale down by %d", n)
	}
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return errors.New("engine: pool is not running")
	}
	var victims []*Worker
	for id, entry := range p.workers {
		if len(victims) == n || len(p.workers) == 1 {
			break
		}
		victims = append(victims, entry.worker)
		delete(p.workers, id)
	}
	p.size -= len(victims)
	p.mu.Unlock()

	for _, w := range victims {
		w.Stop(true)
	}
	telemetry.PoolWorkersActive.Sub(float64(len(victims)))
	return nil
}

// Stats returns a snapshot of the pool's current state.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	stats := p.stats
	stats.ActiveWorkers = len(p.workers)
	stats.Running = p.started && !p.stopped
	stats.BufferedTasks = p.scheduler.Len()
	for _, entry := range p.workers {
		stats.InFlightTasks += len(entry.worker.CurrentTasks())
		beat := entry.worker.LastHeartbeat()
		if stats.OldestBeat.IsZero() || beat.Before(stats.OldestBeat) {
			stats.OldestBeat = beat
		}
	}
	return stats
}

// launchLocked creates and starts one worker. Caller holds p.mu.
func (p *Pool) launchLocked(ctx context.Context) {
	id := "worker-" + uuid.NewString()[:8]
	worker := p.factory(id)
	worker.SetScheduler(p.scheduler)

	entry := &poolEntry{worker: worker, crashed: make(chan struct{})}
	p.workers[id] = entry
	telemetry.PoolWorkersActive.Inc()

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				p.logger.Error("worker panicked",
					slog.String("worker_id", id),
					slog.Any("panic", r),
					slog.String("stack", string(debug.Stack())),
				)
				close(entry.crashed)
			}
		}()
		if err := worker.Run(ctx); err != nil {
			p.logger.Error("worker exited with error",
				slog.String("worker_id", id),
				slog.String("error", err.Error()),
			)
			close(entry.crashed)
		}
	}()
}

// monitor periodically sweeps for crashed or stalled workers and
// replaces them.
func (p *Pool) monitor(ctx context.Context) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.healthEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.checkHealth(ctx)
		}
	}
}

func (p *Pool) checkHealth(ctx context.Context) {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	type sick struct {
		id     string
		entry  *poolEntry
		reason string
	}
	var unhealthy []sick
	for id, entry := range p.workers {
		select {
		case <-entry.crashed:
			unhealthy = append(unhealthy, sick{id, entry, "crashed"})
			continue
		default:
		}
		if time.Since(entry.worker.LastHeartbeat()) > p.workerTimeout {
			unhealthy = append(unhealthy, sick{id, entry, "heartbeat timeout"})
		}
	}
	for _, s := range unhealthy {
		delete(p.workers, s.id)
	}
	p.mu.Unlock()

	for _, s := range unhealthy {
		p.logger.Warn("replacing unhealthy worker",
			slog.String("worker_id", s.id),
			slog.String("reason", s.reason),
		)
		// Stuck workers get their tasks cancelled and requeued so the
		// replacement can pick them up.
		s.entry.worker.Stop(true)
		telemetry.PoolWorkersActive.Dec()
		telemetry.PoolWorkerRestartsTotal.Inc()

		p.mu.Lock()
		if !p.stopped {
			p.stats.Restarts++
			p.launchLocked(ctx)
		}
		p.mu.Unlock()
	}
}

func (p *Pool) snapshotLocked() []*poolEntry {
	entries := make([]*poolEntry, 0, len(p.workers))
	for _, entry := range p.workers {
		entries = append(entries, entry)
	}
	return entries
}
