package refresh_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nous-run/nous/internal/model"
	"github.com/nous-run/nous/internal/refresh"
)

type fakeGraphStore struct {
	entities map[string]model.Entity
	memories map[string][]model.Memory
}

func (f *fakeGraphStore) Neighbors(context.Context, string) ([]model.Edge, error) { return nil, nil }

func (f *fakeGraphStore) GetEntity(_ context.Context, id string) (model.Entity, error) {
	e, ok := f.entities[id]
	if !ok {
		return model.Entity{}, assert.AnError
	}
	return e, nil
}

func (f *fakeGraphStore) GetMemoriesFor(_ context.Context, entityID string, _ int) ([]model.Memory, error) {
	return f.memories[entityID], nil
}

func TestGraphImplicateResolver_ConcatenatesNameTypeAndMemories(t *testing.T) {
	store := &fakeGraphStore{
		entities: map[string]model.Entity{
			"ent-1": {ID: "ent-1", Type: model.EntityConcept, Name: "gravity"},
		},
		memories: map[string][]model.Memory{
			"ent-1": {
				{ID: "m1", Text: "gravity attracts mass"},
				{ID: "m2", Text: "gravity weakens with distance"},
			},
		},
	}
	r := refresh.NewGraphImplicateResolver(store)

	text, err := r.ImplicateText(context.Background(), "ent-1")
	require.NoError(t, err)
	assert.Contains(t, text, "gravity (concept)")
	assert.Contains(t, text, "gravity attracts mass")
	assert.Contains(t, text, "gravity weakens with distance")
}

func TestGraphImplicateResolver_DeduplicatesMemoryText(t *testing.T) {
	store := &fakeGraphStore{
		entities: map[string]model.Entity{
			"ent-2": {ID: "ent-2", Type: model.EntityConcept, Name: "inertia"},
		},
		memories: map[string][]model.Memory{
			"ent-2": {
				{ID: "m1", Text: "duplicate text"},
				{ID: "m2", Text: "duplicate text"},
				{ID: "m3", Text: ""},
			},
		},
	}
	r := refresh.NewGraphImplicateResolver(store)

	text, err := r.ImplicateText(context.Background(), "ent-2")
	require.NoError(t, err)
	assert.Equal(t, 1, countOccurrences(text, "duplicate text"))
}

func TestGraphImplicateResolver_PropagatesEntityLookupError(t *testing.T) {
	store := &fakeGraphStore{entities: map[string]model.Entity{}, memories: map[string][]model.Memory{}}
	r := refresh.NewGraphImplicateResolver(store)

	_, err := r.ImplicateText(context.Background(), "missing")
	require.Error(t, err)
}

func countOccurrences(s, substr string) int {
	count := 0
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			count++
			i += len(substr) - 1
		}
	}
	return count
}
