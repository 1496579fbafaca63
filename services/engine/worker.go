package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/quantlab/alphaflow/internal/domain"
	"github.com/quantlab/alphaflow/internal/kafka"
	"github.com/quantlab/alphaflow/internal/postgres"
	redisstore "github.com/quantlab/alphaflow/internal/redis"
	"github.com/quantlab/alphaflow/internal/sched"
	"github.com/quantlab/alphaflow/internal/simclient"
	"github.com/quantlab/alphaflow/pkg/telemetry"
)

const (
	defaultJobSlots = 10
	defaultIdleWait = 3 * time.Second
)

// Worker pulls group-coherent batches from the scheduler, submits them
// to the simulation backend and settles each task from the outcome
// stream. One batch is fully drained before the next pull.
type Worker struct {
	id       string
	provider postgres.TaskProvider
	client   simclient.Client
	store    redisstore.StateStore // optional status cache
	producer kafka.Producer        // optional lifecycle events
	logger   *slog.Logger

	jobSlots int
	idleWait time.Duration

	mu         sync.Mutex
	scheduler  sched.Scheduler
	current    map[string]*domain.Task
	execCancel context.CancelFunc

	lastBeat atomic.Int64
	running  atomic.Bool

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}

	completeCallbacks  []func(task *domain.Task)
	heartbeatCallbacks []func(workerID string, at time.Time)
}

// WorkerOption configures a Worker.
type WorkerOption func(*Worker)

// WithJobSlots sets the maximum batch size pulled per cycle.
func WithJobSlots(n int) WorkerOption { return func(w *Worker) { w.jobSlots = n } }

// WithIdleWait sets how long the worker sleeps when no work is available.
func WithIdleWait(d time.Duration) WorkerOption { return func(w *Worker) { w.idleWait = d } }

// WithWorkerLogger sets the worker's logger.
func WithWorkerLogger(l *slog.Logger) WorkerOption { return func(w *Worker) { w.logger = l } }

// WithStateStore mirrors task status into Redis as it changes.
func WithStateStore(s redisstore.StateStore) WorkerOption { return func(w *Worker) { w.store = s } }

// WithEventProducer publishes a lifecycle event for every status change.
func WithEventProducer(p kafka.Producer) WorkerOption { return func(w *Worker) { w.producer = p } }

// NewWorker constructs a Worker. A scheduler must be attached with
// SetScheduler before Run.
func NewWorker(id string, provider postgres.TaskProvider, client simclient.Client, opts ...WorkerOption) *Worker {
	w := &Worker{
		id:       id,
		provider: provider,
		client:   client,
		logger:   slog.Default(),
		jobSlots: defaultJobSlots,
		idleWait: defaultIdleWait,
		current:  make(map[string]*domain.Task),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With(slog.String("worker_id", id))
	w.beat()
	return w
}

// ID returns the worker's identifier.
func (w *Worker) ID() string { return w.id }

// SetScheduler attaches the shared scheduler. Must be called before Run.
func (w *Worker) SetScheduler(s sched.Scheduler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.scheduler = s
}

// AddTaskCompleteCallback registers fn to run after each task reaches a
// terminal status. Callbacks run on the worker goroutine.
func (w *Worker) AddTaskCompleteCallback(fn func(task *domain.Task)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.completeCallbacks = append(w.completeCallbacks, fn)
}

// AddHeartbeatCallback registers fn to run on every liveness beat.
func (w *Worker) AddHeartbeatCallback(fn func(workerID string, at time.Time)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.heartbeatCallbacks = append(w.heartbeatCallbacks, fn)
}

// LastHeartbeat returns the time of the most recent liveness beat.
func (w *Worker) LastHeartbeat() time.Time {
	return time.Unix(0, w.lastBeat.Load())
}

// IsRunning reports whether the run loop is active.
func (w *Worker) IsRunning() bool { return w.running.Load() }

// CurrentTasks returns a snapshot of the in-flight batch.
func (w *Worker) CurrentTasks() []*domain.Task {
	w.mu.Lock()
	defer w.mu.Unlock()
	tasks := make([]*domain.Task, 0, len(w.current))
	for _, task := range w.current {
		tasks = append(tasks, task)
	}
	return tasks
}

// Run executes the pull/submit/settle loop until Stop is called or ctx
// is cancelled. The in-flight batch is always settled or requeued
// before Run returns.
func (w *Worker) Run(ctx context.Context) error {
	w.mu.Lock()
	scheduler := w.scheduler
	w.mu.Unlock()
	if scheduler == nil {
		return errors.New("engine: worker started without a scheduler")
	}
	if isClosed(w.stopCh) {
		return &domain.WorkerStoppedError{WorkerID: w.id}
	}

	w.running.Store(true)
	defer w.running.Store(false)
	defer close(w.done)

	w.logger.Info("worker started", slog.Int("job_slots", w.jobSlots))

	for {
		select {
		case <-w.stopCh:
			w.logger.Info("worker stopping")
			return nil
		case <-ctx.Done():
			w.logger.Info("worker context cancelled")
			return nil
		default:
		}

		w.beat()

		batch, err := scheduler.Schedule(ctx, w.jobSlots)
		if err != nil {
			w.logger.Error("schedule failed", slog.String("error", err.Error()))
			w.idle(ctx)
			continue
		}
		if len(batch) == 0 {
			w.idle(ctx)
			continue
		}

		if backoff := w.execute(ctx, scheduler, batch); backoff > 0 {
			w.logger.Info("backing off after rate limit", slog.Duration("backoff", backoff))
			w.pause(ctx, backoff)
		}
	}
}

// Stop shuts the worker down and blocks until the run loop has exited.
// With cancelTasks the in-flight submission is cancelled and its
// unfinished tasks are requeued; otherwise the current batch drains
// first.
func (w *Worker) Stop(cancelTasks bool) {
	w.stopOnce.Do(func() {
		close(w.stopCh)
	})
	if cancelTasks {
		w.mu.Lock()
		if w.execCancel != nil {
			w.execCancel()
		}
		w.mu.Unlock()
	}
	if w.running.Load() || isClosed(w.done) {
		<-w.done
	}
}

func isClosed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// execute submits one batch and settles every task in it. Tasks left
// without a terminal outcome when the stream closes go back to PENDING
// and into the scheduler buffer. Returns how long the worker should
// back off before its next pull when the backend throttled the batch.
func (w *Worker) execute(ctx context.Context, scheduler sched.Scheduler, batch []*domain.Task) (backoff time.Duration) {
	ctx, span := otel.Tracer("engine").Start(ctx, "worker.execute_batch")
	defer span.End()
	span.SetAttributes(
		attribute.String("worker.id", w.id),
		attribute.String("task.group_key", batch[0].GroupKey),
		attribute.Int("batch.size", len(batch)),
	)

	execCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	w.execCancel = cancel
	for _, task := range batch {
		w.current[task.ID] = task
	}
	w.mu.Unlock()

	settled := make(map[string]bool, len(batch))
	defer func() {
		w.mu.Lock()
		w.execCancel = nil
		w.current = make(map[string]*domain.Task)
		w.mu.Unlock()
		if r := recover(); r != nil {
			// A panic out of a callback or client must not strand the
			// unsettled part of the batch in RUNNING.
			var unsettled []*domain.Task
			for _, task := range batch {
				if !settled[task.ID] {
					unsettled = append(unsettled, task)
				}
			}
			if len(unsettled) > 0 {
				w.requeue(ctx, scheduler, unsettled)
			}
			panic(r)
		}
	}()

	byID := make(map[string]*domain.Task, len(batch))
	for _, task := range batch {
		byID[task.ID] = task
		w.setStatus(ctx, task, domain.StatusRunning, nil)
	}

	telemetry.WorkerTasksInFlight.Add(float64(len(batch)))
	defer telemetry.WorkerTasksInFlight.Sub(float64(len(batch)))

	start := time.Now()
	stream, err := w.client.Submit(execCtx, batch)
	if err != nil {
		w.logger.Error("batch submit failed, requeueing",
			slog.Int("batch_size", len(batch)),
			slog.String("error", err.Error()),
		)
		span.RecordError(err)
		span.SetStatus(codes.Error, "batch submit failed")
		w.requeue(ctx, scheduler, batch)
		return 0
	}

	throttled := false
	for outcome := range stream {
		w.beat()
		task, ok := byID[outcome.TaskID]
		if !ok {
			w.logger.Warn("outcome for unknown task", slog.String("task_id", outcome.TaskID))
			continue
		}
		switch outcome.Kind {
		case simclient.KindProgress:
			// Liveness only.
		case simclient.KindSuccess:
			w.setStatus(ctx, task, domain.StatusComplete, &domain.Outcome{
				Status: domain.StatusComplete,
				Result: outcome.Result,
			})
			settled[task.ID] = true
			telemetry.WorkerTasksProcessed.WithLabelValues(string(domain.StatusComplete)).Inc()
			w.notifyComplete(task)
		case simclient.KindFailure:
			w.setStatus(ctx, task, domain.StatusError, &domain.Outcome{
				Status: domain.StatusError,
				Error:  outcome.Message,
			})
			settled[task.ID] = true
			telemetry.WorkerTasksProcessed.WithLabelValues(string(domain.StatusError)).Inc()
			w.notifyComplete(task)
		case simclient.KindRateLimited:
			telemetry.WorkerRateLimitedTotal.Inc()
			throttled = true
			if outcome.RetryAfter > backoff {
				backoff = outcome.RetryAfter
			}
			w.logger.Info("task rate limited",
				slog.String("task_id", task.ID),
				slog.Duration("retry_after", outcome.RetryAfter),
			)
		}
	}
	if throttled && backoff == 0 {
		backoff = w.idleWait
	}

	telemetry.WorkerBatchDurationSeconds.Observe(time.Since(start).Seconds())

	var leftovers []*domain.Task
	for _, task := range batch {
		if !settled[task.ID] {
			leftovers = append(leftovers, task)
		}
	}
	if len(leftovers) > 0 {
		w.logger.Info("requeueing unfinished tasks",
			slog.Int("count", len(leftovers)),
			slog.Bool("cancelled", execCtx.Err() != nil),
		)
		w.requeue(ctx, scheduler, leftovers)
	}
	return backoff
}

// requeue flips tasks back to PENDING and returns them to the
// scheduler buffer. Uses a background-derived context so requeueing
// still lands when the run context is already cancelled.
func (w *Worker) requeue(ctx context.Context, scheduler sched.Scheduler, tasks []*domain.Task) {
	persistCtx := ctx
	if persistCtx.Err() != nil {
		var cancel context.CancelFunc
		persistCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	for _, task := range tasks {
		w.setStatus(persistCtx, task, domain.StatusPending, nil)
		telemetry.WorkerRequeuesTotal.Inc()
	}
	scheduler.AddTasks(tasks)
}

// setStatus applies a transition locally, persists it, mirrors it into
// the cache and publishes a lifecycle event. Persistence failures are
// logged, not fatal: the provider guards terminal rows on its side.
func (w *Worker) setStatus(ctx context.Context, task *domain.Task, status domain.Status, outcome *domain.Outcome) {
	if !task.Status.CanTransitionTo(status) {
		invalid := &domain.InvalidTransitionError{TaskID: task.ID, From: task.Status, To: status}
		w.logger.Error("refusing status transition", slog.String("error", invalid.Error()))
		return
	}
	task.Status = status
	now := time.Now().UTC()
	task.UpdatedAt = now
	if outcome != nil {
		task.Result = outcome.Result
		task.Error = outcome.Error
		if status.IsTerminal() {
			task.CompletedAt = &now
		}
	}

	if err := w.provider.PersistStatus(ctx, task.ID, status, outcome); err != nil {
		w.logger.Error("failed to persist status",
			slog.String("task_id", task.ID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
	if w.store != nil {
		if err := w.store.SetStatus(ctx, task.ID, status); err != nil {
			w.logger.Warn("failed to cache status",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
		if outcome != nil && len(outcome.Result) > 0 {
			_ = w.store.SetResult(ctx, task.ID, outcome.Result, 0)
		}
	}
	if w.producer != nil {
		if err := w.producer.PublishEvent(ctx, kafka.NewTaskEvent(task, w.id)); err != nil {
			w.logger.Warn("failed to publish lifecycle event",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (w *Worker) notifyComplete(task *domain.Task) {
	w.mu.Lock()
	callbacks := make([]func(*domain.Task), len(w.completeCallbacks))
	copy(callbacks, w.completeCallbacks)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(task)
	}
}

func (w *Worker) beat() {
	now := time.Now()
	w.lastBeat.Store(now.UnixNano())
	w.mu.Lock()
	callbacks := make([]func(string, time.Time), len(w.heartbeatCallbacks))
	copy(callbacks, w.heartbeatCallbacks)
	w.mu.Unlock()
	for _, fn := range callbacks {
		fn(w.id, now)
	}
}

func (w *Worker) idle(ctx context.Context) { w.pause(ctx, w.idleWait) }

// pause sleeps for d but wakes immediately on stop or cancellation.
func (w *Worker) pause(ctx context.Context, d time.Duration) {
	select {
	case <-time.After(d):
	case <-w.stopCh:
	case <-ctx.Done():
	}
}
