package simclient

import (
	"context"
	"encoding/json"
	"math/rand"
	"time"

	"github.com/quantlab/alphaflow/internal/domain"
)

// DryRunClient fakes the simulation backend: every task succeeds after
// a short synthetic latency. It backs the pool's dry-run mode so the
// whole dispatch path can be exercised without burning API quota.
type DryRunClient struct {
	// Latency is the simulated per-task execution time. Zero means
	// a small randomized delay.
	Latency time.Duration
}

var _ Client = (*DryRunClient)(nil)

func (d *DryRunClient) Submit(ctx context.Context, batch []*domain.Task) (<-chan Outcome, error) {
	out := make(chan Outcome, len(batch)*2)
	go func() {
		defer close(out)
		for _, task := range batch {
			latency := d.Latency
			if latency == 0 {
				latency = time.Duration(10+rand.Intn(40)) * time.Millisecond
			}

			select {
			case out <- Outcome{TaskID: task.ID, Kind: KindProgress}:
			case <-ctx.Done():
				return
			}

			select {
			case <-time.After(latency):
			case <-ctx.Done():
				return
			}

			result, _ := json.Marshal(map[string]any{
				"dry_run":  true,
				"regular":  task.Regular,
				"fitness":  0,
				"sharpe":   0,
				"turnover": 0,
			})
			select {
			case out <- Outcome{TaskID: task.ID, Kind: KindSuccess, Result: result}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}
