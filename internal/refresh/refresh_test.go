package refresh_test

import (
	"context"
	"testing"
	"time"

	"github.com/pgvector/pgvector-go"
	"github.com/stretchr/testify/require"

	"github.com/nous-run/nous/internal/embedding"
	"github.com/nous-run/nous/internal/model"
	"github.com/nous-run/nous/internal/refresh"
	"github.com/nous-run/nous/internal/vectorindex"
)

type fakeInputs struct {
	text map[string]string
	err  map[string]error
}

func (f *fakeInputs) ImplicateText(_ context.Context, entityID string) (string, error) {
	if err, ok := f.err[entityID]; ok {
		return "", err
	}
	return f.text[entityID], nil
}

type fakeQueue struct {
	jobs         []model.RefreshJob
	acked        []int64
	retried      map[int64]float64
	deadLettered map[int64]string
}

func newFakeQueue(jobs ...model.RefreshJob) *fakeQueue {
	return &fakeQueue{jobs: jobs, retried: map[int64]float64{}, deadLettered: map[int64]string{}}
}

func (q *fakeQueue) Enqueue(context.Context, []string) (int64, error) { return 0, nil }
func (q *fakeQueue) Dequeue(_ context.Context, n int) ([]model.RefreshJob, error) {
	if len(q.jobs) == 0 {
		return nil, nil
	}
	if n > len(q.jobs) {
		n = len(q.jobs)
	}
	out := q.jobs[:n]
	q.jobs = q.jobs[n:]
	return out, nil
}
func (q *fakeQueue) Ack(_ context.Context, id int64) error {
	q.acked = append(q.acked, id)
	return nil
}
func (q *fakeQueue) Retry(_ context.Context, id int64, backoff float64) error {
	q.retried[id] = backoff
	return nil
}
func (q *fakeQueue) DeadLetter(_ context.Context, id int64, reason string) error {
	q.deadLettered[id] = reason
	return nil
}

type stubProvider struct{ dims int }

func (s *stubProvider) Embed(context.Context, string) (pgvector.Vector, error) {
	return s.embed(), nil
}
func (s *stubProvider) EmbedBatch(_ context.Context, texts []string) ([]pgvector.Vector, error) {
	out := make([]pgvector.Vector, len(texts))
	for i := range texts {
		out[i] = s.embed()
	}
	return out, nil
}
func (s *stubProvider) Dimensions() int { return s.dims }
func (s *stubProvider) embed() pgvector.Vector {
	v := make([]float32, s.dims)
	for i := range v {
		v[i] = 1
	}
	return pgvector.NewVector(v)
}

func newWorker(t *testing.T, queue *fakeQueue, inputs *fakeInputs) (*refresh.Worker, *vectorindex.SQLiteFallback) {
	t.Helper()
	store, err := vectorindex.NewSQLiteFallback(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	router := vectorindex.NewRouter(store, nil, nil)
	batcher := embedding.NewBatcher(&stubProvider{dims: 3}, embedding.BatchConfig{})
	w := refresh.New(queue, inputs, batcher, router, nil, nil, time.Hour, 10)
	return w, store
}

func TestProcessJobEmbedsAndUpsertsImplicate(t *testing.T) {
	queue := newFakeQueue(model.RefreshJob{ID: 1, EntityIDs: []string{"e1", "e2", "e1"}})
	inputs := &fakeInputs{text: map[string]string{"e1": "concept e1 text", "e2": "concept e2 text"}}
	w, store := newWorker(t, queue, inputs)

	ctx := context.Background()
	w.Start(ctx)
	drainCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	w.Drain(drainCtx)

	require.Len(t, queue.acked, 1)
	hits, err := store.Query(ctx, "implicate", []float32{1, 1, 1}, 10, model.VectorFilter{})
	require.NoError(t, err)
	require.Len(t, hits, 2)
}

func TestProcessJobRetriesOnResolveFailureWithinAttemptBudget(t *testing.T) {
	queue := newFakeQueue(model.RefreshJob{ID: 5, EntityIDs: []string{"missing"}, RetryCount: 0})
	inputs := &fakeInputs{err: map[string]error{"missing": context.DeadlineExceeded}}
	w, _ := newWorker(t, queue, inputs)

	ctx := context.Background()
	w.Start(ctx)
	drainCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	w.Drain(drainCtx)

	require.Contains(t, queue.retried, int64(5))
	require.Empty(t, queue.deadLettered)
}

func TestProcessJobDeadLettersAfterMaxAttempts(t *testing.T) {
	queue := newFakeQueue(model.RefreshJob{ID: 9, EntityIDs: []string{"missing"}, RetryCount: refresh.MaxAttempts - 1})
	inputs := &fakeInputs{err: map[string]error{"missing": context.DeadlineExceeded}}
	w, _ := newWorker(t, queue, inputs)

	ctx := context.Background()
	w.Start(ctx)
	drainCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	w.Drain(drainCtx)

	require.Contains(t, queue.deadLettered, int64(9))
}
