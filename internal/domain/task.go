package domain

import (
	"encoding/json"
	"time"
)

// Status represents the states a simulation task can be in.
type Status string

const (
	// StatusPending marks a task waiting to be picked up by the scheduler.
	StatusPending Status = "PENDING"
	// StatusScheduled marks a task reserved for dispatch — it is either
	// buffered inside a scheduler or handed to a worker that has not
	// started executing it yet.
	StatusScheduled Status = "SCHEDULED"
	// StatusRunning marks a task whose batch is in flight at the
	// simulation endpoint.
	StatusRunning Status = "RUNNING"
	// StatusComplete, StatusError and StatusCancelled are terminal.
	StatusComplete  Status = "COMPLETE"
	StatusError     Status = "ERROR"
	StatusCancelled Status = "CANCELLED"
)

// IsTerminal returns true if no further state transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusError || s == StatusCancelled
}

// CanTransitionTo reports whether moving from s to next is a legal
// lifecycle transition. The lifecycle is monotone except for the requeue
// edges SCHEDULED/RUNNING → PENDING, taken when a batch is abandoned
// before a result was observed.
func (s Status) CanTransitionTo(next Status) bool {
	switch s {
	case StatusPending:
		return next == StatusScheduled || next == StatusCancelled
	case StatusScheduled:
		return next == StatusRunning || next == StatusPending || next == StatusCancelled
	case StatusRunning:
		return next.IsTerminal() || next == StatusPending
	default:
		return false
	}
}

// Task is the unit of schedulable simulation work. Tasks sharing a
// GroupKey carry identical simulation settings and may be submitted to
// the vendor endpoint in one batch.
type Task struct {
	ID           string          `json:"id"`
	GroupKey     string          `json:"group_key"`
	Signature    string          `json:"signature"`
	Priority     int             `json:"priority"`
	Status       Status          `json:"status"`
	Regular      string          `json:"regular"`
	Payload      json.RawMessage `json:"payload"`
	Dependencies json.RawMessage `json:"dependencies,omitempty"`
	Result       json.RawMessage `json:"result,omitempty"`
	Error        string          `json:"error,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
	ScheduledAt  *time.Time      `json:"scheduled_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// Outcome is the terminal result reported for a task after execution.
// Exactly one of Result or Error is meaningful, selected by Status.
type Outcome struct {
	Status Status          `json:"status"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
}
