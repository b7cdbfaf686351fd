package selector_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nous-run/nous/internal/breaker"
	"github.com/nous-run/nous/internal/model"
	"github.com/nous-run/nous/internal/querycache"
	"github.com/nous-run/nous/internal/selector"
	"github.com/nous-run/nous/internal/vectorindex"
)

func newTestSelector(t *testing.T) (*selector.Selector, *vectorindex.SQLiteFallback) {
	t.Helper()
	primary, err := vectorindex.NewSQLiteFallback(":memory:")
	require.NoError(t, err)
	br := breaker.New("test", breaker.DefaultConfig(), nil)
	router := vectorindex.NewRouter(primary, nil, br)
	cache := querycache.NewStores(nil)
	t.Cleanup(cache.Close)
	return selector.New(cache, router, nil, nil), primary
}

func TestSelectReturnsVisibleMemories(t *testing.T) {
	sel, store := newTestSelector(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "explicate", []model.VectorItem{
		{ID: "m1", Embedding: []float32{1, 0}, Metadata: map[string]any{"text": "hello", "role_view_level": 0}},
	}))

	res, err := sel.Select(ctx, selector.Request{
		Query:       "hi",
		Embedding:   []float32{1, 0},
		CallerRoles: []string{"general"},
	}, selector.DefaultFlags())
	require.NoError(t, err)
	require.Len(t, res.Memories, 1)
	require.Equal(t, "hello", res.Memories[0].Text)
}

func TestSelectFiltersByVisibility(t *testing.T) {
	sel, store := newTestSelector(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "explicate", []model.VectorItem{
		{ID: "restricted", Embedding: []float32{1, 0}, Metadata: map[string]any{"text": "secret", "role_view_level": 2}},
	}))

	res, err := sel.Select(ctx, selector.Request{
		Query:       "hi",
		Embedding:   []float32{1, 0},
		CallerRoles: []string{"general"},
	}, selector.DefaultFlags())
	require.NoError(t, err)
	require.Empty(t, res.Memories)
}

func TestSelectCachesAcrossCalls(t *testing.T) {
	sel, store := newTestSelector(t)
	ctx := context.Background()

	require.NoError(t, store.Upsert(ctx, "explicate", []model.VectorItem{
		{ID: "m1", Embedding: []float32{1, 0}, Metadata: map[string]any{"text": "hello", "role_view_level": 0}},
	}))

	req := selector.Request{Query: "hi", Embedding: []float32{1, 0}, CallerRoles: []string{"general"}}
	first, err := sel.Select(ctx, req, selector.DefaultFlags())
	require.NoError(t, err)

	second, err := sel.Select(ctx, req, selector.DefaultFlags())
	require.NoError(t, err)
	require.Equal(t, first.Memories, second.Memories)
	require.Contains(t, second.Trace, "cache_hit")
}

func TestSelectBypassCacheSkipsHit(t *testing.T) {
	sel, store := newTestSelector(t)
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, "explicate", []model.VectorItem{
		{ID: "m1", Embedding: []float32{1, 0}, Metadata: map[string]any{"text": "hello", "role_view_level": 0}},
	}))

	req := selector.Request{Query: "hi", Embedding: []float32{1, 0}, CallerRoles: []string{"general"}, BypassCache: true}
	_, err := sel.Select(ctx, req, selector.DefaultFlags())
	require.NoError(t, err)

	second, err := sel.Select(ctx, req, selector.DefaultFlags())
	require.NoError(t, err)
	require.NotContains(t, second.Trace, "cache_hit")
}
