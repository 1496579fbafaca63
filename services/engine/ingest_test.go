package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantlab/alphaflow/internal/domain"
	"github.com/quantlab/alphaflow/internal/kafka"
	"github.com/quantlab/alphaflow/internal/postgres"
	redisstore "github.com/quantlab/alphaflow/internal/redis"
)

// fakeConsumer replays canned messages through the handler.
type fakeConsumer struct {
	messages []kafka.Message
}

var _ kafka.Consumer = (*fakeConsumer)(nil)

func (f *fakeConsumer) Subscribe(ctx context.Context, handler kafka.HandlerFunc) error {
	for _, msg := range f.messages {
		if err := handler(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (f *fakeConsumer) Close() error { return nil }

// fakeProducer records published messages per topic.
type fakeProducer struct {
	mu        sync.Mutex
	published map[string][][]byte
}

var _ kafka.Producer = (*fakeProducer)(nil)

func newFakeProducer() *fakeProducer {
	return &fakeProducer{published: make(map[string][][]byte)}
}

func (f *fakeProducer) Publish(_ context.Context, topic, _ string, value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published[topic] = append(f.published[topic], value)
	return nil
}

func (f *fakeProducer) PublishEvent(ctx context.Context, event kafka.TaskEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return f.Publish(ctx, kafka.TopicTaskLifecycle, event.TaskID, payload)
}

func (f *fakeProducer) Close() error { return nil }

func (f *fakeProducer) topicCount(topic string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published[topic])
}

// fakeStore implements TaskStore over a map.
type fakeStore struct {
	mu      sync.Mutex
	tasks   map[string]*domain.Task
	bySig   map[string]string
	created int
}

var _ postgres.TaskStore = (*fakeStore)(nil)

func newFakeStore() *fakeStore {
	return &fakeStore{
		tasks: make(map[string]*domain.Task),
		bySig: make(map[string]string),
	}
}

func (s *fakeStore) FetchPending(context.Context, int) ([]*domain.Task, error) { return nil, nil }

func (s *fakeStore) PersistStatus(_ context.Context, taskID string, status domain.Status, _ *domain.Outcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if task, ok := s.tasks[taskID]; ok && !task.Status.IsTerminal() {
		task.Status = status
	}
	return nil
}

func (s *fakeStore) CreateTask(_ context.Context, task *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bySig[task.Signature]; ok {
		return &domain.DuplicateTaskError{Signature: task.Signature}
	}
	s.tasks[task.ID] = task
	s.bySig[task.Signature] = task.ID
	s.created++
	return nil
}

func (s *fakeStore) GetTask(_ context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, &domain.TaskNotFoundError{TaskID: id}
	}
	return task, nil
}

func (s *fakeStore) ListByStatus(_ context.Context, status domain.Status, limit int) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Task
	for _, task := range s.tasks {
		if task.Status == status && len(out) < limit {
			out = append(out, task)
		}
	}
	return out, nil
}

func (s *fakeStore) SweepStale(context.Context, time.Duration) (int, error) {
	return 0, nil
}

func submitMessage(t *testing.T, regular string, priority int, settings string) kafka.Message {
	t.Helper()
	payload, err := json.Marshal(kafka.SubmitRequest{
		Regular:  regular,
		Priority: priority,
		Settings: json.RawMessage(settings),
	})
	require.NoError(t, err)
	return kafka.Message{Topic: kafka.TopicTaskSubmissions, Value: payload}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestIngestCreatesTask(t *testing.T) {
	store := newFakeStore()
	producer := newFakeProducer()
	consumer := &fakeConsumer{messages: []kafka.Message{
		submitMessage(t, "rank(close)", 3, `{"region":"USA","universe":"TOP3000"}`),
	}}

	ingest := NewIngest(consumer, producer, store, discardLogger())
	require.NoError(t, ingest.Run(context.Background()))

	require.Equal(t, 1, store.created)
	for _, task := range store.tasks {
		assert.Equal(t, domain.StatusPending, task.Status)
		assert.Equal(t, 3, task.Priority)
		assert.Len(t, task.GroupKey, 32, "group key is an md5 hex digest")
		assert.NotEmpty(t, task.Signature)
	}
	assert.Zero(t, producer.topicCount(kafka.TopicDeadLetter))
}

func TestIngestDuplicateSubmissionSkipped(t *testing.T) {
	store := newFakeStore()
	producer := newFakeProducer()
	msg := submitMessage(t, "rank(close)", 1, `{"region":"USA"}`)
	consumer := &fakeConsumer{messages: []kafka.Message{msg, msg}}

	ingest := NewIngest(consumer, producer, store, discardLogger())
	require.NoError(t, ingest.Run(context.Background()),
		"a duplicate must be acknowledged, not redelivered")
	assert.Equal(t, 1, store.created)
}

func TestIngestMalformedToDeadLetter(t *testing.T) {
	store := newFakeStore()
	producer := newFakeProducer()
	consumer := &fakeConsumer{messages: []kafka.Message{
		{Value: []byte(`not json`)},
		{Value: []byte(`{"priority":1,"settings":{"region":"USA"}}`)}, // missing regular
	}}

	ingest := NewIngest(consumer, producer, store, discardLogger())
	require.NoError(t, ingest.Run(context.Background()))

	assert.Zero(t, store.created)
	assert.Equal(t, 2, producer.topicCount(kafka.TopicDeadLetter))
}

func TestIngestMirrorsPendingIntoCache(t *testing.T) {
	mr := miniredis.RunT(t)
	cache := redisstore.NewStateStore(redisstore.NewClient(mr.Addr()))

	store := newFakeStore()
	producer := newFakeProducer()
	consumer := &fakeConsumer{messages: []kafka.Message{
		submitMessage(t, "rank(close)", 2, `{"region":"USA"}`),
	}}

	ingest := NewIngest(consumer, producer, store, discardLogger()).WithStatusCache(cache)
	require.NoError(t, ingest.Run(context.Background()))
	require.Equal(t, 1, store.created)

	for id := range store.tasks {
		status, err := cache.GetStatus(context.Background(), id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusPending, status)
	}
}

func TestIngestSameSettingsShareGroup(t *testing.T) {
	store := newFakeStore()
	producer := newFakeProducer()
	consumer := &fakeConsumer{messages: []kafka.Message{
		submitMessage(t, "rank(close)", 1, `{"region":"USA","delay":1}`),
		submitMessage(t, "rank(open)", 1, `{"delay":1,"region":"USA"}`),
		submitMessage(t, "rank(low)", 1, `{"region":"EUR","delay":1}`),
	}}

	ingest := NewIngest(consumer, producer, store, discardLogger())
	require.NoError(t, ingest.Run(context.Background()))
	require.Equal(t, 3, store.created)

	groups := make(map[string]int)
	for _, task := range store.tasks {
		groups[task.GroupKey]++
	}
	assert.Len(t, groups, 2, "key order must not affect the group key")
}
