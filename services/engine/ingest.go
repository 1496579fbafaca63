package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"

	"github.com/quantlab/alphaflow/internal/domain"
	"github.com/quantlab/alphaflow/internal/kafka"
	"github.com/quantlab/alphaflow/internal/postgres"
	redisstore "github.com/quantlab/alphaflow/internal/redis"
	"github.com/quantlab/alphaflow/pkg/telemetry"
)

// Ingest consumes submission messages and turns them into PENDING
// task rows. Malformed messages go to the dead-letter topic; duplicate
// submissions are acknowledged and skipped.
type Ingest struct {
	consumer kafka.Consumer
	producer kafka.Producer
	store    postgres.TaskStore
	cache    redisstore.StateStore // optional status cache
	logger   *slog.Logger
}

// NewIngest wires the submission consumer to the task store.
func NewIngest(consumer kafka.Consumer, producer kafka.Producer, store postgres.TaskStore, logger *slog.Logger) *Ingest {
	return &Ingest{
		consumer: consumer,
		producer: producer,
		store:    store,
		logger:   logger,
	}
}

// WithStatusCache mirrors the initial PENDING status into Redis so
// status reads can hit the cache before the task is ever scheduled.
func (in *Ingest) WithStatusCache(cache redisstore.StateStore) *Ingest {
	in.cache = cache
	return in
}

// Run blocks consuming submissions until ctx is cancelled.
func (in *Ingest) Run(ctx context.Context) error {
	return in.consumer.Subscribe(ctx, in.handle)
}

// handle converts one submission into a task. It returns nil in every
// case except a store outage, so only infrastructure failures trigger
// redelivery.
func (in *Ingest) handle(ctx context.Context, msg kafka.Message) error {
	ctx, span := otel.Tracer("engine").Start(ctx, "ingest.handle")
	defer span.End()

	var req kafka.SubmitRequest
	if err := json.Unmarshal(msg.Value, &req); err != nil {
		in.deadLetter(ctx, msg, "malformed submission: "+err.Error())
		return nil
	}
	if req.Regular == "" || len(req.Settings) == 0 {
		in.deadLetter(ctx, msg, "submission missing regular or settings")
		return nil
	}

	task, err := BuildTask(req.Regular, req.Priority, req.Settings)
	if err != nil {
		in.deadLetter(ctx, msg, "cannot derive task identity: "+err.Error())
		return nil
	}

	if err := in.store.CreateTask(ctx, task); err != nil {
		var dup *domain.DuplicateTaskError
		if errors.As(err, &dup) {
			in.logger.Info("duplicate submission skipped",
				slog.String("signature", dup.Signature),
			)
			return nil
		}
		in.logger.Error("failed to create task",
			slog.String("signature", task.Signature),
			slog.String("error", err.Error()),
		)
		return err
	}

	if in.cache != nil {
		if err := in.cache.SetStatus(ctx, task.ID, task.Status); err != nil {
			in.logger.Warn("failed to cache initial status",
				slog.String("task_id", task.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	telemetry.IngestTasksCreated.Inc()
	in.logger.Info("task created",
		slog.String("task_id", task.ID),
		slog.String("group_key", task.GroupKey),
		slog.Int("priority", task.Priority),
	)
	return nil
}

func (in *Ingest) deadLetter(ctx context.Context, msg kafka.Message, reason string) {
	in.logger.Error("dead-lettering submission", slog.String("reason", reason))
	telemetry.IngestDLQTotal.Inc()
	if err := in.producer.Publish(ctx, kafka.TopicDeadLetter, string(msg.Key), msg.Value); err != nil {
		in.logger.Error("failed to publish to DLQ", slog.String("error", err.Error()))
	}
}

// BuildTask derives a complete task from an alpha definition. The
// signature and group key come from the normalized settings so the
// same submission always maps to the same identity.
func BuildTask(regular string, priority int, settings json.RawMessage) (*domain.Task, error) {
	groupKey, err := domain.NewGroupKey(settings)
	if err != nil {
		return nil, err
	}
	signature, err := domain.NewSignature(regular, settings)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	return &domain.Task{
		ID:        uuid.NewString(),
		GroupKey:  groupKey,
		Signature: signature,
		Priority:  priority,
		Status:    domain.StatusPending,
		Regular:   regular,
		Payload:   settings,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}
