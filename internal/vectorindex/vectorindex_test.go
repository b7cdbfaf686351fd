package vectorindex_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nous-run/nous/internal/breaker"
	"github.com/nous-run/nous/internal/model"
	"github.com/nous-run/nous/internal/vectorindex"
)

func TestSQLiteFallbackUpsertAndQuery(t *testing.T) {
	store, err := vectorindex.NewSQLiteFallback(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	err = store.Upsert(ctx, "explicate", []model.VectorItem{
		{ID: "a", Embedding: []float32{1, 0, 0}, Metadata: map[string]any{"role_view_level": 0}},
		{ID: "b", Embedding: []float32{0, 1, 0}, Metadata: map[string]any{"role_view_level": 0}},
	})
	require.NoError(t, err)

	hits, err := store.Query(ctx, "explicate", []float32{1, 0, 0}, 1, model.VectorFilter{})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "a", hits[0].ID)
}

func TestSQLiteFallbackRespectsVisibilityFilter(t *testing.T) {
	store, err := vectorindex.NewSQLiteFallback(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, "explicate", []model.VectorItem{
		{ID: "low", Embedding: []float32{1, 0}, Metadata: map[string]any{"role_view_level": 0}},
		{ID: "high", Embedding: []float32{1, 0}, Metadata: map[string]any{"role_view_level": 2}},
	}))

	max := 0
	hits, err := store.Query(ctx, "explicate", []float32{1, 0}, 10, model.VectorFilter{RoleViewLevelMax: &max})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	require.Equal(t, "low", hits[0].ID)
}

// failingPrimary always errors its Describe call, simulating an unhealthy
// primary store to exercise Router's fallback path.
type failingPrimary struct{}

func (failingPrimary) Query(context.Context, string, []float32, int, model.VectorFilter) ([]model.VectorHit, error) {
	return nil, errors.New("should not be called")
}
func (failingPrimary) Upsert(context.Context, string, []model.VectorItem) error { return nil }
func (failingPrimary) Describe(context.Context, string) error                  { return errors.New("primary down") }

func TestRouterFallsBackWhenPrimaryUnhealthy(t *testing.T) {
	secondary, err := vectorindex.NewSQLiteFallback(":memory:")
	require.NoError(t, err)
	defer secondary.Close()

	ctx := context.Background()
	require.NoError(t, secondary.Upsert(ctx, "explicate", []model.VectorItem{
		{ID: "a", Embedding: []float32{1, 0}, Metadata: map[string]any{}},
	}))

	br := breaker.New("test", breaker.Config{FailureThreshold: 100, CooldownSeconds: 30, SuccessThreshold: 1}, nil)
	router := vectorindex.NewRouter(failingPrimary{}, secondary, br)

	res, err := router.Query(ctx, "explicate", []float32{1, 0}, model.VectorFilter{}, false)
	require.NoError(t, err)
	require.True(t, res.Fallback.Used)
	require.True(t, res.Fallback.ReducedK)
	require.Len(t, res.Hits, 1)
}

func TestRouterForceFallback(t *testing.T) {
	secondary, err := vectorindex.NewSQLiteFallback(":memory:")
	require.NoError(t, err)
	defer secondary.Close()

	br := breaker.New("test", breaker.DefaultConfig(), nil)
	router := vectorindex.NewRouter(failingPrimary{}, secondary, br)

	res, err := router.Query(context.Background(), "explicate", []float32{1, 0}, model.VectorFilter{}, true)
	require.NoError(t, err)
	require.True(t, res.Fallback.Used)
	require.Equal(t, "force_fallback", res.Fallback.Reason)
}

func TestNominalAndReducedK(t *testing.T) {
	require.Equal(t, vectorindex.NominalKExplicate, vectorindex.NominalK("explicate"))
	require.Equal(t, vectorindex.NominalKImplicate, vectorindex.NominalK("implicate"))
	require.Equal(t, vectorindex.ReducedKExplicate, vectorindex.ReducedK("explicate"))
	require.Equal(t, vectorindex.ReducedKImplicate, vectorindex.ReducedK("implicate"))
}
