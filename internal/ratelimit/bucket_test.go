package ratelimit_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/nous-run/nous/internal/ratelimit"
)

func TestCapacityZeroAlwaysDenies(t *testing.T) {
	b := ratelimit.NewBucket(0, 10)
	require.False(t, b.Acquire(1))
}

func TestAcquireReleaseRestoresCounters(t *testing.T) {
	b := ratelimit.NewBucket(5, 0)
	before := b.Tokens()
	require.True(t, b.Acquire(3))
	b.Release(3)
	require.InDelta(t, before, b.Tokens(), 0.01)
}

func TestGlobalCheckedBeforeDomain(t *testing.T) {
	rl := ratelimit.NewRateLimiter(0, 0, 10, 10)
	defer rl.Close()
	ok, reason := rl.Acquire("example.com")
	require.False(t, ok)
	require.Equal(t, ratelimit.ReasonGlobalLimitExceeded, reason)
}

func TestDomainLimitExceededReasonIncludesHost(t *testing.T) {
	rl := ratelimit.NewRateLimiter(100, 100, 1, 0)
	defer rl.Close()
	ok, reason := rl.Acquire("Example.COM")
	require.True(t, ok)
	require.Equal(t, ratelimit.ReasonOK, reason)

	ok, reason = rl.Acquire("example.com")
	require.False(t, ok)
	require.Equal(t, ratelimit.DomainLimitExceededPrefix+"example.com", reason)
}
