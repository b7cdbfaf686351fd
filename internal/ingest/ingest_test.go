package ingest_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nous-run/nous/internal/ingest"
	"github.com/nous-run/nous/internal/model"
	"github.com/nous-run/nous/internal/policy"
)

type fakeKV struct {
	entities []model.Entity
	edges    []model.Edge
	memories map[string]model.Memory
	failOn   string
}

func newFakeKV() *fakeKV { return &fakeKV{memories: map[string]model.Memory{}} }

func (f *fakeKV) InsertEntity(_ context.Context, e model.Entity) error {
	if f.failOn == "entity" {
		return errFail
	}
	f.entities = append(f.entities, e)
	return nil
}
func (f *fakeKV) InsertEdge(_ context.Context, e model.Edge) error {
	if f.failOn == "edge" {
		return errFail
	}
	f.edges = append(f.edges, e)
	return nil
}
func (f *fakeKV) UpdateMemory(_ context.Context, m model.Memory) error {
	if f.failOn == "memory" {
		return errFail
	}
	f.memories[m.ID] = m
	return nil
}

var errFail = &fakeErr{}

type fakeErr struct{}

func (*fakeErr) Error() string { return "fake failure" }

type fakeQueue struct {
	nextID   int64
	enqueued [][]string
	failNext bool
}

func (q *fakeQueue) Enqueue(_ context.Context, entityIDs []string) (int64, error) {
	if q.failNext {
		return 0, errFail
	}
	q.nextID++
	q.enqueued = append(q.enqueued, entityIDs)
	return q.nextID, nil
}
func (q *fakeQueue) Dequeue(context.Context, int) ([]model.RefreshJob, error) { return nil, nil }
func (q *fakeQueue) Ack(context.Context, int64) error                         { return nil }
func (q *fakeQueue) Retry(context.Context, int64, float64) error              { return nil }
func (q *fakeQueue) DeadLetter(context.Context, int64, string) error          { return nil }

func newTestPolicy(t *testing.T) *policy.Store {
	t.Helper()
	dir := t.TempDir()
	ingestPath := filepath.Join(dir, "ingest.yaml")
	require.NoError(t, os.WriteFile(ingestPath, []byte(`
default:
  max_concepts_per_file: 10
  max_frames_per_chunk: 10
  allowed_frame_types: ["concept", "claim"]
  write_contradictions_to_memories: true
  contradiction_tolerance: 0.5
global_limits:
  max_concepts_per_file: 5
  max_frames_per_chunk: 5
`), 0o644))
	return policy.Load(filepath.Join(dir, "missing_whitelist.json"), filepath.Join(dir, "missing_compare.yaml"), ingestPath, nil)
}

func TestCommitWritesEntitiesEdgesAndEnqueuesRefresh(t *testing.T) {
	kv := newFakeKV()
	q := &fakeQueue{}
	c := ingest.New(newTestPolicy(t), kv, q)

	out, err := c.Commit(context.Background(), []string{"general"}, ingest.Frame{
		Type:     "concept",
		Entities: []model.Entity{{ID: "e1", Type: model.EntityConcept}},
		Edges:    []model.Edge{{Src: "e1", RelType: "relates_to", Dst: "e2"}},
	})
	require.NoError(t, err)
	require.True(t, out.Committed)
	require.Equal(t, 1, out.EntitiesWritten)
	require.Equal(t, 1, out.EdgesWritten)
	require.Equal(t, int64(1), out.RefreshJobID)
	require.Len(t, q.enqueued, 1)
}

func TestCommitRejectsExternalObjects(t *testing.T) {
	kv := newFakeKV()
	q := &fakeQueue{}
	c := ingest.New(newTestPolicy(t), kv, q)

	_, err := c.Commit(context.Background(), []string{"general"}, ingest.Frame{Type: "concept", External: true})
	require.ErrorIs(t, err, ingest.ErrExternalRejected)
	require.Empty(t, kv.entities)
	require.Empty(t, q.enqueued)
}

func TestCommitClampsToGlobalLimits(t *testing.T) {
	kv := newFakeKV()
	q := &fakeQueue{}
	c := ingest.New(newTestPolicy(t), kv, q)

	entities := make([]model.Entity, 8)
	for i := range entities {
		entities[i] = model.Entity{ID: "e", Type: model.EntityConcept}
	}
	out, err := c.Commit(context.Background(), []string{"general"}, ingest.Frame{Type: "concept", Entities: entities})
	require.NoError(t, err)
	require.Equal(t, 5, out.EntitiesWritten) // clamped by global_limits.max_concepts_per_file
}

func TestCommitClampsConceptsByConfidence(t *testing.T) {
	kv := newFakeKV()
	q := &fakeQueue{}
	c := ingest.New(newTestPolicy(t), kv, q)

	entities := []model.Entity{
		{ID: "low1", Type: model.EntityConcept, Confidence: 0.1},
		{ID: "high1", Type: model.EntityConcept, Confidence: 0.9},
		{ID: "low2", Type: model.EntityConcept, Confidence: 0.2},
		{ID: "high2", Type: model.EntityConcept, Confidence: 0.8},
		{ID: "mid", Type: model.EntityConcept, Confidence: 0.5},
		{ID: "low3", Type: model.EntityConcept, Confidence: 0.05},
	}
	out, err := c.Commit(context.Background(), []string{"general"}, ingest.Frame{Type: "concept", Entities: entities})
	require.NoError(t, err)
	require.Equal(t, 5, out.EntitiesWritten) // global_limits.max_concepts_per_file == 5

	var kept []string
	for _, e := range kv.entities {
		kept = append(kept, e.ID)
	}
	require.ElementsMatch(t, []string{"high1", "high2", "mid", "low1", "low2"}, kept)
	require.NotContains(t, kept, "low3")
}

func TestCommitClampsFramesPerChunkByEntityTypeNotEdges(t *testing.T) {
	kv := newFakeKV()
	q := &fakeQueue{}
	c := ingest.New(newTestPolicy(t), kv, q)

	entities := []model.Entity{
		{ID: "c1", Type: model.EntityConcept, Confidence: 1},
		{ID: "f1", Type: model.EntityFrame, Confidence: 0.1},
		{ID: "f2", Type: model.EntityFrame, Confidence: 0.9},
		{ID: "f3", Type: model.EntityFrame, Confidence: 0.8},
		{ID: "f4", Type: model.EntityFrame, Confidence: 0.7},
		{ID: "f5", Type: model.EntityFrame, Confidence: 0.6},
		{ID: "f6", Type: model.EntityFrame, Confidence: 0.5},
	}
	edges := []model.Edge{
		{Src: "f1", RelType: "rel", Dst: "f2"},
		{Src: "f2", RelType: "rel", Dst: "f3"},
	}
	out, err := c.Commit(context.Background(), []string{"general"}, ingest.Frame{Type: "concept", Entities: entities, Edges: edges})
	require.NoError(t, err)
	// global_limits.max_frames_per_chunk == 5: the concept entity is untouched,
	// and only the 5 highest-confidence frame entities survive; edges are
	// never clamped by this cap.
	require.Equal(t, 6, out.EntitiesWritten)
	require.Equal(t, 2, out.EdgesWritten)

	var kept []string
	for _, e := range kv.entities {
		kept = append(kept, e.ID)
	}
	require.Contains(t, kept, "c1")
	require.NotContains(t, kept, "f1")
}

func TestCommitRejectsDisallowedFrameType(t *testing.T) {
	kv := newFakeKV()
	q := &fakeQueue{}
	c := ingest.New(newTestPolicy(t), kv, q)

	out, err := c.Commit(context.Background(), []string{"general"}, ingest.Frame{Type: "not_allowed"})
	require.NoError(t, err)
	require.False(t, out.Committed)
	require.NotEmpty(t, out.RejectionReason)
}

func TestCommitFiltersContradictionsByTolerance(t *testing.T) {
	kv := newFakeKV()
	q := &fakeQueue{}
	c := ingest.New(newTestPolicy(t), kv, q)

	out, err := c.Commit(context.Background(), []string{"general"}, ingest.Frame{
		Type:     "concept",
		Memories: []model.Memory{{ID: "m1"}},
		Contradictions: []ingest.ScoredContradiction{
			{MemoryID: "m1", Score: 0.9, Marker: model.ContradictionMarker{Subject: "strong", Severity: model.SeverityHigh}},
			{MemoryID: "m1", Score: 0.1, Marker: model.ContradictionMarker{Subject: "weak", Severity: model.SeverityLow}},
		},
	})
	require.NoError(t, err)
	require.Equal(t, 1, out.ContradictionsKept)
	require.Len(t, kv.memories["m1"].Contradictions, 1)
	require.Equal(t, "strong", kv.memories["m1"].Contradictions[0].Subject)
}

func TestCommitReportsCommittedWriteOnEnqueueFailure(t *testing.T) {
	kv := newFakeKV()
	q := &fakeQueue{failNext: true}
	c := ingest.New(newTestPolicy(t), kv, q)

	out, err := c.Commit(context.Background(), []string{"general"}, ingest.Frame{
		Type:     "concept",
		Entities: []model.Entity{{ID: "e1", Type: model.EntityConcept}},
	})
	require.Error(t, err)
	require.True(t, out.Committed)
	require.Equal(t, int64(0), out.RefreshJobID)
}
