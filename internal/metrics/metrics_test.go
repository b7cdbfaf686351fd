package metrics_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nous-run/nous/internal/metrics"
)

func TestIncAndSnapshot(t *testing.T) {
	s := metrics.New()
	s.Inc("selector.cache.hit", 1, nil)
	s.Inc("selector.cache.hit", 1, nil)
	s.Inc("selector.cache.miss", 1, map[string]string{"reason": "absent"})

	snap := s.Snapshot()
	require.Equal(t, float64(2), snap.Counters["selector.cache.hit"])
	require.Equal(t, float64(1), snap.Counters["selector.cache.miss,reason=absent"])
}

func TestPercentile(t *testing.T) {
	s := metrics.New()
	for i := 1; i <= 100; i++ {
		s.Observe("latency_ms", float64(i), nil)
	}
	p50, ok := s.Percentile("latency_ms", 50, nil)
	require.True(t, ok)
	require.InDelta(t, 50, p50, 2)

	_, ok = s.Percentile("nonexistent", 50, nil)
	require.False(t, ok)
}

func TestLabelOrderingIsStable(t *testing.T) {
	s := metrics.New()
	s.Inc("x", 1, map[string]string{"a": "1", "b": "2"})
	s.Inc("x", 1, map[string]string{"b": "2", "a": "1"})
	snap := s.Snapshot()
	require.Equal(t, float64(2), snap.Counters["x,a=1,b=2"])
}
