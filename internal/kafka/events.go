package kafka

import (
	"encoding/json"
	"time"

	"github.com/quantlab/alphaflow/internal/domain"
)

// Topic names used across the engine.
const (
	TopicTaskSubmissions = "alphaflow.tasks.submitted"
	TopicTaskLifecycle   = "alphaflow.tasks.lifecycle"
	TopicDeadLetter      = "alphaflow.tasks.dlq"
)

// SubmitRequest is the payload accepted on the submissions topic.
// Signature and group key are derived server-side from the settings,
// so producers only send the alpha definition.
type SubmitRequest struct {
	Regular  string          `json:"regular"`
	Priority int             `json:"priority"`
	Settings json.RawMessage `json:"settings"`
}

// TaskEvent is published on every status change a worker or the
// provider persists. Consumers use it to drive dashboards and to
// trigger downstream result pipelines.
type TaskEvent struct {
	TaskID    string          `json:"task_id"`
	GroupKey  string          `json:"group_key"`
	Status    domain.Status   `json:"status"`
	WorkerID  string          `json:"worker_id,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewTaskEvent builds a lifecycle event for a task at its current status.
func NewTaskEvent(task *domain.Task, workerID string) TaskEvent {
	return TaskEvent{
		TaskID:    task.ID,
		GroupKey:  task.GroupKey,
		Status:    task.Status,
		WorkerID:  workerID,
		Result:    task.Result,
		Error:     task.Error,
		Timestamp: time.Now().UTC(),
	}
}
