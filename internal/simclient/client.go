// Package simclient talks to the alpha simulation backend. A batch of
// tasks goes in, a stream of per-task outcomes comes out.
package simclient

import (
	"context"
	"encoding/json"
	"time"

	"github.com/quantlab/alphaflow/internal/domain"
)

// Kind classifies a streamed outcome.
type Kind string

const (
	// KindProgress reports a task still running; no terminal decision yet.
	KindProgress Kind = "progress"
	// KindSuccess carries the simulation result for a finished task.
	KindSuccess Kind = "success"
	// KindFailure carries the backend's error for a failed task.
	KindFailure Kind = "failure"
	// KindRateLimited means the backend deferred the task; it should be
	// requeued and retried after RetryAfter.
	KindRateLimited Kind = "rate_limited"
)

// Terminal reports whether the kind ends a task's participation in the
// current stream.
func (k Kind) Terminal() bool {
	return k == KindSuccess || k == KindFailure
}

// Outcome is one per-task event on a submission stream.
type Outcome struct {
	TaskID     string
	Kind       Kind
	Result     json.RawMessage
	Message    string
	RetryAfter time.Duration
}

// Client submits a batch and streams outcomes until every task has a
// terminal outcome or the context is cancelled. The returned channel is
// always closed by the implementation. Tasks without a terminal outcome
// when the channel closes are the caller's to requeue.
type Client interface {
	Submit(ctx context.Context, batch []*domain.Task) (<-chan Outcome, error)
}
