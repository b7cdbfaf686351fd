package querycache_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nous-run/nous/internal/querycache"
)

func TestKeyIsRolePartitioned(t *testing.T) {
	a := querycache.Key("general", "what is go")
	b := querycache.Key("ops", "what is go")
	require.NotEqual(t, a, b)
}

func TestKeyStableForSameInputs(t *testing.T) {
	a := querycache.Key("general", "x", "y")
	b := querycache.Key("general", "x", "y")
	require.Equal(t, a, b)
}

func TestSetAndGet(t *testing.T) {
	c := querycache.New("test", time.Minute, nil)
	defer c.Close()

	key := querycache.Key("general", "q1")
	_, ok := c.Get(key)
	require.False(t, ok)

	c.Set(key, "answer", []string{"e1", "e2"})
	got, ok := c.Get(key)
	require.True(t, ok)
	require.Equal(t, "answer", got)
}

func TestExpiryMakesEntryMiss(t *testing.T) {
	c := querycache.New("test", time.Millisecond, nil)
	defer c.Close()

	key := querycache.Key("general", "q1")
	c.Set(key, "answer", nil)
	time.Sleep(5 * time.Millisecond)
	_, ok := c.Get(key)
	require.False(t, ok)
}

func TestInvalidateByEntitiesEvictsDependentEntries(t *testing.T) {
	c := querycache.New("test", time.Minute, nil)
	defer c.Close()

	k1 := querycache.Key("general", "q1")
	k2 := querycache.Key("general", "q2")
	c.Set(k1, "v1", []string{"e1"})
	c.Set(k2, "v2", []string{"e2"})

	removed := c.InvalidateByEntities([]string{"e1"})
	require.Equal(t, 1, removed)

	_, ok := c.Get(k1)
	require.False(t, ok)
	_, ok = c.Get(k2)
	require.True(t, ok)
}

func TestStoresFanOutInvalidation(t *testing.T) {
	s := querycache.NewStores(nil)
	defer s.Close()

	k := querycache.Key("general", "q")
	s.Embeddings.Set(k, "emb", []string{"e1"})
	s.Selections.Set(k, "sel", []string{"e1"})

	removed := s.InvalidateByEntities([]string{"e1"})
	require.Equal(t, 2, removed)
}

func TestSortedKeyOrderIndependent(t *testing.T) {
	a := querycache.SortedKey("general", []string{"e2", "e1"})
	b := querycache.SortedKey("general", []string{"e1", "e2"})
	require.Equal(t, a, b)
}
