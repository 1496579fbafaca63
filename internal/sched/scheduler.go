// Package sched buffers pending simulation tasks and hands them to
// workers in group-coherent, priority-ordered batches.
package sched

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/quantlab/alphaflow/internal/domain"
	"github.com/quantlab/alphaflow/internal/postgres"
	"github.com/quantlab/alphaflow/pkg/telemetry"
)

const (
	defaultFetchSize            = 50
	defaultLowPriorityThreshold = 10
)

// Scheduler decides which tasks run next. Implementations must be safe
// for use by multiple workers.
type Scheduler interface {
	// Schedule returns up to batchSize tasks that all share one group
	// key, marked SCHEDULED. An empty slice means nothing is runnable
	// right now.
	Schedule(ctx context.Context, batchSize int) ([]*domain.Task, error)

	// AddTasks puts tasks back into the buffer, typically after an
	// interrupted execution. Tasks already buffered are ignored.
	AddTasks(tasks []*domain.Task)

	// HasTasks reports whether any work is buffered or fetchable.
	HasTasks(ctx context.Context) bool

	// Len returns the number of currently buffered tasks.
	Len() int
}

// PriorityScheduler buffers tasks keyed by their setting group and
// serves the group whose head task has the highest priority. Groups
// repeatedly passed over are promoted so low-priority work cannot
// starve indefinitely.
type PriorityScheduler struct {
	provider postgres.TaskProvider
	logger   *slog.Logger

	fetchSize    int
	lowThreshold int

	mu       sync.Mutex
	groups   map[string][]*domain.Task // per group, sorted by priority desc, stable
	buffered map[string]struct{}       // task IDs present in groups
	promoted map[string]int            // group key -> lifted priority floor
	waits    map[string]int            // group key -> consecutive passed-over rounds
	maxSeen  int                       // highest priority ever observed
}

// Option configures a PriorityScheduler.
type Option func(*PriorityScheduler)

// WithFetchSize sets how many tasks each provider refill requests.
func WithFetchSize(n int) Option {
	return func(s *PriorityScheduler) { s.fetchSize = n }
}

// WithLowPriorityThreshold sets how many rounds a group may be passed
// over before it is promoted to the highest observed priority.
func WithLowPriorityThreshold(n int) Option {
	return func(s *PriorityScheduler) { s.lowThreshold = n }
}

// WithLogger sets the scheduler's logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *PriorityScheduler) { s.logger = logger }
}

// NewPriorityScheduler creates a scheduler backed by the given provider.
func NewPriorityScheduler(provider postgres.TaskProvider, opts ...Option) (*PriorityScheduler, error) {
	if provider == nil {
		return nil, errors.New("sched: provider is required")
	}
	s := &PriorityScheduler{
		provider:     provider,
		logger:       slog.Default(),
		fetchSize:    defaultFetchSize,
		lowThreshold: defaultLowPriorityThreshold,
		groups:       make(map[string][]*domain.Task),
		buffered:     make(map[string]struct{}),
		promoted:     make(map[string]int),
		waits:        make(map[string]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.fetchSize <= 0 {
		return nil, errors.New("sched: fetch size must be positive")
	}
	if s.lowThreshold <= 0 {
		return nil, errors.New("sched: low priority threshold must be positive")
	}
	return s, nil
}

// Schedule refills the buffer if it is running low, applies starvation
// promotion, then pops up to batchSize tasks from the winning group.
// Popped tasks are stamped SCHEDULED through the provider before they
// are returned. A provider outage degrades to serving whatever is
// already buffered.
func (s *PriorityScheduler) Schedule(ctx context.Context, batchSize int) ([]*domain.Task, error) {
	if batchSize <= 0 {
		return nil, errors.New("sched: batch size must be positive")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.refillLocked(ctx)
	if len(s.groups) == 0 {
		return nil, nil
	}

	s.promoteLocked()
	key := s.selectGroupLocked()
	batch := s.popLocked(key, batchSize)
	s.settleWaitsLocked(key)
	s.observeDepthLocked()

	for _, task := range batch {
		task.Status = domain.StatusScheduled
		if err := s.provider.PersistStatus(ctx, task.ID, domain.StatusScheduled, nil); err != nil {
			s.logger.Warn("failed to stamp task as scheduled",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return batch, nil
}

// AddTasks re-buffers tasks, skipping any already present.
func (s *PriorityScheduler) AddTasks(tasks []*domain.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, task := range tasks {
		s.insertLocked(task)
	}
	s.observeDepthLocked()
}

// HasTasks refills from the provider if the buffer is empty and
// reports whether anything is runnable.
func (s *PriorityScheduler) HasTasks(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buffered) > 0 {
		return true
	}
	s.refillLocked(ctx)
	return len(s.buffered) > 0
}

// Len returns the number of buffered tasks.
func (s *PriorityScheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buffered)
}

func (s *PriorityScheduler) refillLocked(ctx context.Context) {
	want := s.fetchSize - len(s.buffered)
	if want <= 0 {
		return
	}
	tasks, err := s.provider.FetchPending(ctx, want)
	if err != nil {
		telemetry.SchedulerFetchErrorsTotal.Inc()
		s.logger.Warn("provider fetch failed, serving buffered tasks only",
			slog.String("error", err.Error()),
		)
		return
	}
	for _, task := range tasks {
		s.insertLocked(task)
	}
}

// insertLocked adds a task to its group slice, keeping the slice
// sorted by priority descending and stable for equal priorities.
// Duplicate IDs are dropped so a requeued task cannot be buffered
// twice when a refill races with AddTasks.
func (s *PriorityScheduler) insertLocked(task *domain.Task) {
	if task == nil {
		return
	}
	if _, ok := s.buffered[task.ID]; ok {
		return
	}
	s.buffered[task.ID] = struct{}{}
	if task.Priority > s.maxSeen {
		s.maxSeen = task.Priority
	}

	group := s.groups[task.GroupKey]
	i := sort.Search(len(group), func(i int) bool {
		return group[i].Priority < task.Priority
	})
	group = append(group, nil)
	copy(group[i+1:], group[i:])
	group[i] = task
	s.groups[task.GroupKey] = group
}

// promoteLocked lifts every group that has waited past the threshold
// to the highest priority seen so far. Promotion never lowers a
// group's standing, so applying it twice is a no-op.
func (s *PriorityScheduler) promoteLocked() {
	for key, waited := range s.waits {
		if waited < s.lowThreshold {
			continue
		}
		if s.promoted[key] >= s.maxSeen {
			continue
		}
		s.promoted[key] = s.maxSeen
		telemetry.SchedulerPromotionsTotal.Inc()
		s.logger.Info("promoting starved group",
			slog.String("group_key", key),
			slog.Int("waited_rounds", waited),
			slog.Int("lifted_to", s.maxSeen),
		)
	}
}

// headPriority is the effective priority a group competes with.
func (s *PriorityScheduler) headPriority(key string) int {
	p := s.groups[key][0].Priority
	if lifted, ok := s.promoted[key]; ok && lifted > p {
		p = lifted
	}
	return p
}

// selectGroupLocked picks the group with the highest head priority.
// Ties go to the group with more buffered tasks, then to the
// lexically smaller key so selection is deterministic.
func (s *PriorityScheduler) selectGroupLocked() string {
	var (
		best     string
		bestPrio int
		bestLen  int
	)
	for key, tasks := range s.groups {
		prio := s.headPriority(key)
		switch {
		case best == "":
		case prio < bestPrio:
			continue
		case prio == bestPrio && len(tasks) < bestLen:
			continue
		case prio == bestPrio && len(tasks) == bestLen && key > best:
			continue
		}
		best, bestPrio, bestLen = key, prio, len(tasks)
	}
	return best
}

// popLocked removes up to n tasks from the front of the group's slice.
// Tasks that do not carry the group's key indicate a corrupted buffer;
// they are dropped and logged so the next refill re-fetches them.
func (s *PriorityScheduler) popLocked(key string, n int) []*domain.Task {
	group := s.groups[key]
	batch := make([]*domain.Task, 0, n)
	for len(group) > 0 && len(batch) < n {
		task := group[0]
		group = group[1:]
		delete(s.buffered, task.ID)
		if task.GroupKey != key {
			corrupt := &domain.GroupCorruptionError{GroupKey: key, Reason: "buffered task " + task.ID + " belongs to group " + task.GroupKey}
			s.logger.Error("dropping misfiled task", slog.String("error", corrupt.Error()))
			continue
		}
		batch = append(batch, task)
	}

	if len(group) == 0 {
		delete(s.groups, key)
		delete(s.promoted, key)
		delete(s.waits, key)
	} else {
		s.groups[key] = group
	}
	return batch
}

// settleWaitsLocked resets the served group's wait counter and charges
// one passed-over round to every other buffered group.
func (s *PriorityScheduler) settleWaitsLocked(served string) {
	for key := range s.groups {
		if key == served {
			s.waits[key] = 0
			continue
		}
		s.waits[key]++
	}
}

func (s *PriorityScheduler) observeDepthLocked() {
	telemetry.SchedulerQueueDepth.Set(float64(len(s.buffered)))
	telemetry.SchedulerGroupsBuffered.Set(float64(len(s.groups)))
}
