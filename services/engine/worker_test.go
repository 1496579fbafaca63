package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantlab/alphaflow/internal/domain"
	"github.com/quantlab/alphaflow/internal/postgres"
	redisstore "github.com/quantlab/alphaflow/internal/redis"
	"github.com/quantlab/alphaflow/internal/sched"
	"github.com/quantlab/alphaflow/internal/simclient"
)

// fakeScheduler serves canned batches and records requeued tasks. With
// recycle set, requeued tasks are served again on the next pull.
type fakeScheduler struct {
	mu       sync.Mutex
	batches  [][]*domain.Task
	requeued []*domain.Task
	recycle  bool
}

var _ sched.Scheduler = (*fakeScheduler)(nil)

func (f *fakeScheduler) Schedule(_ context.Context, _ int) ([]*domain.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.batches) == 0 {
		return nil, nil
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeScheduler) AddTasks(tasks []*domain.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requeued = append(f.requeued, tasks...)
	if f.recycle {
		f.batches = append(f.batches, tasks)
	}
}

func (f *fakeScheduler) HasTasks(context.Context) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.batches) > 0
}

func (f *fakeScheduler) Len() int { return 0 }

func (f *fakeScheduler) requeuedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	ids := make([]string, len(f.requeued))
	for i, task := range f.requeued {
		ids[i] = task.ID
	}
	return ids
}

// recordProvider records every persisted status, keyed by task.
type recordProvider struct {
	mu       sync.Mutex
	statuses map[string][]domain.Status
}

var _ postgres.TaskProvider = (*recordProvider)(nil)

func newRecordProvider() *recordProvider {
	return &recordProvider{statuses: make(map[string][]domain.Status)}
}

func (r *recordProvider) FetchPending(context.Context, int) ([]*domain.Task, error) {
	return nil, nil
}

func (r *recordProvider) PersistStatus(_ context.Context, taskID string, status domain.Status, _ *domain.Outcome) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses[taskID] = append(r.statuses[taskID], status)
	return nil
}

func (r *recordProvider) history(taskID string) []domain.Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.Status, len(r.statuses[taskID]))
	copy(out, r.statuses[taskID])
	return out
}

// scriptClient emits a fixed outcome list per submission. With hang set
// it emits progress forever until the context is cancelled.
type scriptClient struct {
	mu          sync.Mutex
	outcomes    []simclient.Outcome
	submitErr   error
	hang        bool
	submissions [][]*domain.Task
	submitted   chan struct{}
}

var _ simclient.Client = (*scriptClient)(nil)

func newScriptClient(outcomes ...simclient.Outcome) *scriptClient {
	return &scriptClient{outcomes: outcomes, submitted: make(chan struct{}, 16)}
}

func (c *scriptClient) Submit(ctx context.Context, batch []*domain.Task) (<-chan simclient.Outcome, error) {
	c.mu.Lock()
	c.submissions = append(c.submissions, batch)
	err := c.submitErr
	outcomes := c.outcomes
	hang := c.hang
	c.mu.Unlock()

	select {
	case c.submitted <- struct{}{}:
	default:
	}
	if err != nil {
		return nil, err
	}

	out := make(chan simclient.Outcome, len(outcomes)+1)
	go func() {
		defer close(out)
		if hang {
			for {
				for _, task := range batch {
					select {
					case out <- simclient.Outcome{TaskID: task.ID, Kind: simclient.KindProgress}:
					case <-ctx.Done():
						return
					}
				}
				select {
				case <-time.After(5 * time.Millisecond):
				case <-ctx.Done():
					return
				}
			}
		}
		for _, o := range outcomes {
			select {
			case out <- o:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// throttleClient answers every task in every batch with rate_limited.
type throttleClient struct {
	retryAfter time.Duration
	mu         sync.Mutex
	submits    int
	submitted  chan struct{}
}

var _ simclient.Client = (*throttleClient)(nil)

func (c *throttleClient) Submit(_ context.Context, batch []*domain.Task) (<-chan simclient.Outcome, error) {
	c.mu.Lock()
	c.submits++
	c.mu.Unlock()
	select {
	case c.submitted <- struct{}{}:
	default:
	}
	out := make(chan simclient.Outcome, len(batch))
	for _, task := range batch {
		out <- simclient.Outcome{TaskID: task.ID, Kind: simclient.KindRateLimited, RetryAfter: c.retryAfter}
	}
	close(out)
	return out, nil
}

func (c *throttleClient) submitCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.submits
}

func scheduledTask(id, groupKey string) *domain.Task {
	return &domain.Task{
		ID:       id,
		GroupKey: groupKey,
		Priority: 5,
		Status:   domain.StatusScheduled,
		Regular:  "rank(close)",
	}
}

func startWorker(t *testing.T, w *Worker) {
	t.Helper()
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(context.Background()) }()
	t.Cleanup(func() {
		w.Stop(true)
		require.NoError(t, <-errCh)
	})
}

func TestWorkerCompletesBatch(t *testing.T) {
	provider := newRecordProvider()
	client := newScriptClient(
		simclient.Outcome{TaskID: "t-1", Kind: simclient.KindProgress},
		simclient.Outcome{TaskID: "t-1", Kind: simclient.KindSuccess, Result: []byte(`{"sharpe":1.1}`)},
		simclient.Outcome{TaskID: "t-2", Kind: simclient.KindSuccess, Result: []byte(`{"sharpe":0.9}`)},
	)
	scheduler := &fakeScheduler{batches: [][]*domain.Task{
		{scheduledTask("t-1", "grp-a"), scheduledTask("t-2", "grp-a")},
	}}

	completed := make(chan *domain.Task, 2)
	w := NewWorker("w-test", provider, client, WithIdleWait(5*time.Millisecond))
	w.SetScheduler(scheduler)
	w.AddTaskCompleteCallback(func(task *domain.Task) { completed <- task })
	startWorker(t, w)

	for i := 0; i < 2; i++ {
		select {
		case task := <-completed:
			assert.Equal(t, domain.StatusComplete, task.Status)
			assert.NotNil(t, task.CompletedAt)
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for completions")
		}
	}
	assert.Equal(t, []domain.Status{domain.StatusRunning, domain.StatusComplete}, provider.history("t-1"))
	assert.Equal(t, []domain.Status{domain.StatusRunning, domain.StatusComplete}, provider.history("t-2"))
	assert.Empty(t, scheduler.requeuedIDs())
}

func TestWorkerTaskFailureIsTerminal(t *testing.T) {
	provider := newRecordProvider()
	client := newScriptClient(
		simclient.Outcome{TaskID: "t-1", Kind: simclient.KindFailure, Message: "delay mismatch"},
	)
	scheduler := &fakeScheduler{batches: [][]*domain.Task{
		{scheduledTask("t-1", "grp-a")},
	}}

	completed := make(chan *domain.Task, 1)
	w := NewWorker("w-test", provider, client, WithIdleWait(5*time.Millisecond))
	w.SetScheduler(scheduler)
	w.AddTaskCompleteCallback(func(task *domain.Task) { completed <- task })
	startWorker(t, w)

	select {
	case task := <-completed:
		assert.Equal(t, domain.StatusError, task.Status)
		assert.Equal(t, "delay mismatch", task.Error)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for failure")
	}
	assert.Equal(t, []domain.Status{domain.StatusRunning, domain.StatusError}, provider.history("t-1"))
	assert.Empty(t, scheduler.requeuedIDs(), "a backend failure must not be requeued")
}

func TestWorkerSubmitErrorRequeuesAndContinues(t *testing.T) {
	provider := newRecordProvider()
	client := newScriptClient()
	client.submitErr = errors.New("backend unreachable")
	scheduler := &fakeScheduler{batches: [][]*domain.Task{
		{scheduledTask("t-1", "grp-a")},
		{scheduledTask("t-2", "grp-b")},
	}}

	w := NewWorker("w-test", provider, client, WithIdleWait(5*time.Millisecond))
	w.SetScheduler(scheduler)
	startWorker(t, w)

	// Both batches must be attempted despite the first failing.
	for i := 0; i < 2; i++ {
		select {
		case <-client.submitted:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for submissions")
		}
	}

	require.Eventually(t, func() bool {
		return len(scheduler.requeuedIDs()) == 2
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []domain.Status{domain.StatusRunning, domain.StatusPending}, provider.history("t-1"))
}

func TestWorkerRateLimitedTaskRequeued(t *testing.T) {
	provider := newRecordProvider()
	client := newScriptClient(
		simclient.Outcome{TaskID: "t-1", Kind: simclient.KindRateLimited, RetryAfter: time.Minute},
	)
	scheduler := &fakeScheduler{batches: [][]*domain.Task{
		{scheduledTask("t-1", "grp-a")},
	}}

	w := NewWorker("w-test", provider, client, WithIdleWait(5*time.Millisecond))
	w.SetScheduler(scheduler)
	startWorker(t, w)

	require.Eventually(t, func() bool {
		return len(scheduler.requeuedIDs()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []domain.Status{domain.StatusRunning, domain.StatusPending}, provider.history("t-1"))
}

func TestWorkerBacksOffAfterRateLimit(t *testing.T) {
	provider := newRecordProvider()
	client := &throttleClient{retryAfter: time.Hour, submitted: make(chan struct{}, 16)}
	scheduler := &fakeScheduler{recycle: true, batches: [][]*domain.Task{
		{scheduledTask("t-1", "grp-a")},
	}}

	w := NewWorker("w-test", provider, client, WithIdleWait(time.Millisecond))
	w.SetScheduler(scheduler)
	startWorker(t, w)

	select {
	case <-client.submitted:
	case <-time.After(2 * time.Second):
		t.Fatal("batch never submitted")
	}

	// RetryAfter gates the next pull: the requeued batch must not be
	// resubmitted while the backoff is pending.
	select {
	case <-client.submitted:
		t.Fatal("worker resubmitted a throttled batch without backing off")
	case <-time.After(300 * time.Millisecond):
	}
	assert.Equal(t, 1, client.submitCount())
	assert.Equal(t, []string{"t-1"}, scheduler.requeuedIDs())
}

func TestWorkerPanicRequeuesUnsettledTasks(t *testing.T) {
	provider := newRecordProvider()
	client := newScriptClient(
		simclient.Outcome{TaskID: "t-1", Kind: simclient.KindSuccess, Result: []byte(`{}`)},
	)
	scheduler := &fakeScheduler{batches: [][]*domain.Task{
		{scheduledTask("t-1", "grp-a"), scheduledTask("t-2", "grp-a")},
	}}

	w := NewWorker("w-test", provider, client, WithIdleWait(5*time.Millisecond))
	w.SetScheduler(scheduler)
	w.AddTaskCompleteCallback(func(task *domain.Task) {
		if task.ID == "t-1" {
			panic("callback exploded")
		}
	})

	recovered := make(chan any, 1)
	go func() {
		defer func() { recovered <- recover() }()
		_ = w.Run(context.Background())
	}()

	select {
	case r := <-recovered:
		require.Equal(t, "callback exploded", r)
	case <-time.After(2 * time.Second):
		t.Fatal("panic never propagated")
	}

	// The settled task keeps its terminal status; the unsettled one goes
	// back to PENDING and into the scheduler buffer instead of being
	// stranded in RUNNING.
	assert.Equal(t, []string{"t-2"}, scheduler.requeuedIDs())
	assert.Equal(t, []domain.Status{domain.StatusRunning, domain.StatusComplete}, provider.history("t-1"))
	assert.Equal(t, []domain.Status{domain.StatusRunning, domain.StatusPending}, provider.history("t-2"))
}

func TestWorkerStopCancelRequeuesInFlight(t *testing.T) {
	provider := newRecordProvider()
	client := newScriptClient()
	client.hang = true
	scheduler := &fakeScheduler{batches: [][]*domain.Task{
		{scheduledTask("t-1", "grp-a"), scheduledTask("t-2", "grp-a")},
	}}

	w := NewWorker("w-test", provider, client, WithIdleWait(5*time.Millisecond))
	w.SetScheduler(scheduler)
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(context.Background()) }()

	select {
	case <-client.submitted:
	case <-time.After(2 * time.Second):
		t.Fatal("batch never submitted")
	}

	w.Stop(true)
	require.NoError(t, <-errCh)

	// Stop must not return before the interrupted batch is requeued.
	assert.ElementsMatch(t, []string{"t-1", "t-2"}, scheduler.requeuedIDs())
	for _, id := range []string{"t-1", "t-2"} {
		history := provider.history(id)
		require.NotEmpty(t, history)
		assert.Equal(t, domain.StatusPending, history[len(history)-1])
		assert.NotContains(t, history, domain.StatusError,
			"a cancelled task is interrupted, not failed")
	}
	assert.Empty(t, w.CurrentTasks())
}

func TestWorkerGracefulStopDrainsBatch(t *testing.T) {
	provider := newRecordProvider()
	client := newScriptClient(
		simclient.Outcome{TaskID: "t-1", Kind: simclient.KindSuccess, Result: []byte(`{}`)},
	)
	scheduler := &fakeScheduler{batches: [][]*domain.Task{
		{scheduledTask("t-1", "grp-a")},
	}}

	w := NewWorker("w-test", provider, client, WithIdleWait(5*time.Millisecond))
	w.SetScheduler(scheduler)
	errCh := make(chan error, 1)
	go func() { errCh <- w.Run(context.Background()) }()

	select {
	case <-client.submitted:
	case <-time.After(2 * time.Second):
		t.Fatal("batch never submitted")
	}

	w.Stop(false)
	require.NoError(t, <-errCh)
	assert.Equal(t, []domain.Status{domain.StatusRunning, domain.StatusComplete}, provider.history("t-1"))
	assert.Empty(t, scheduler.requeuedIDs())
}

func TestWorkerRunRequiresScheduler(t *testing.T) {
	w := NewWorker("w-test", newRecordProvider(), newScriptClient())
	err := w.Run(context.Background())
	require.Error(t, err)
}

func TestWorkerRunAfterStopIsRefused(t *testing.T) {
	w := NewWorker("w-test", newRecordProvider(), newScriptClient())
	w.SetScheduler(&fakeScheduler{})
	w.Stop(false)

	err := w.Run(context.Background())
	var stopped *domain.WorkerStoppedError
	require.ErrorAs(t, err, &stopped)
	assert.Equal(t, "w-test", stopped.WorkerID)
}

func TestWorkerMirrorsStatusIntoCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redisstore.NewStateStore(redisstore.NewClient(mr.Addr()))

	provider := newRecordProvider()
	client := newScriptClient(
		simclient.Outcome{TaskID: "t-1", Kind: simclient.KindSuccess, Result: []byte(`{"sharpe":1.4}`)},
	)
	scheduler := &fakeScheduler{batches: [][]*domain.Task{
		{scheduledTask("t-1", "grp-a")},
	}}

	completed := make(chan *domain.Task, 1)
	w := NewWorker("w-test", provider, client,
		WithIdleWait(5*time.Millisecond),
		WithStateStore(cache),
	)
	w.SetScheduler(scheduler)
	w.AddTaskCompleteCallback(func(task *domain.Task) { completed <- task })
	startWorker(t, w)

	select {
	case <-completed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for completion")
	}

	// The cache and the provider must agree on the terminal status.
	status, err := cache.GetStatus(context.Background(), "t-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusComplete, status)
	history := provider.history("t-1")
	assert.Equal(t, domain.StatusComplete, history[len(history)-1])

	result, err := cache.GetResult(context.Background(), "t-1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"sharpe":1.4}`, string(result))
}

func TestWorkerHeartbeats(t *testing.T) {
	beats := make(chan string, 16)
	w := NewWorker("w-test", newRecordProvider(), newScriptClient(), WithIdleWait(time.Millisecond))
	w.SetScheduler(&fakeScheduler{})
	w.AddHeartbeatCallback(func(id string, _ time.Time) {
		select {
		case beats <- id:
		default:
		}
	})
	startWorker(t, w)

	select {
	case id := <-beats:
		assert.Equal(t, "w-test", id)
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat observed")
	}
	assert.WithinDuration(t, time.Now(), w.LastHeartbeat(), time.Second)
}

func TestWorkerIDFormat(t *testing.T) {
	w := NewWorker(fmt.Sprintf("worker-%08d", 1), newRecordProvider(), newScriptClient())
	assert.Equal(t, "worker-00000001", w.ID())
}
