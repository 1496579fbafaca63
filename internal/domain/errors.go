package domain

import "fmt"

// TaskNotFoundError is returned when a task ID does not exist.
type TaskNotFoundError struct {
	TaskID string
}

func (e *TaskNotFoundError) Error() string {
	return fmt.Sprintf("task not found: %s", e.TaskID)
}

// ProviderUnavailableError wraps a failure to reach the backing task
// store. Callers treat it as transient and retry on their own cadence.
type ProviderUnavailableError struct {
	Op  string
	Err error
}

func (e *ProviderUnavailableError) Error() string {
	return fmt.Sprintf("task provider unavailable during %s: %v", e.Op, e.Err)
}

func (e *ProviderUnavailableError) Unwrap() error { return e.Err }

// InvalidTransitionError is returned when a status change would violate
// the task lifecycle.
type InvalidTransitionError struct {
	TaskID string
	From   Status
	To     Status
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("task %s: illegal transition %s to %s", e.TaskID, e.From, e.To)
}

// GroupCorruptionError reports an inconsistency in a scheduler's group
// bookkeeping. The scheduler drops the offending group and refetches it
// rather than propagating a crash.
type GroupCorruptionError struct {
	GroupKey string
	Reason   string
}

func (e *GroupCorruptionError) Error() string {
	return fmt.Sprintf("scheduler group %q corrupt: %s", e.GroupKey, e.Reason)
}

// WorkerStoppedError is returned when a worker is asked to run after its
// stop sequence has already begun.
type WorkerStoppedError struct {
	WorkerID string
}

func (e *WorkerStoppedError) Error() string {
	return fmt.Sprintf("worker %s is stopped", e.WorkerID)
}

// DuplicateTaskError is returned when a task with the same signature has
// already been created.
type DuplicateTaskError struct {
	Signature string
}

func (e *DuplicateTaskError) Error() string {
	return fmt.Sprintf("task with signature %s already exists", e.Signature)
}
