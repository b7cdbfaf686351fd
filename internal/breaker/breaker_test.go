package breaker_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nous-run/nous/internal/breaker"
)

func TestOpensAfterThreshold(t *testing.T) {
	b := breaker.New("test", breaker.Config{FailureThreshold: 2, CooldownSeconds: 60, SuccessThreshold: 1}, nil)
	failing := func() error { return errors.New("boom") }

	require.Error(t, b.Call(failing))
	require.Equal(t, breaker.Closed, b.State())

	require.Error(t, b.Call(failing))
	require.Equal(t, breaker.Open, b.State())
}

func TestOpenRejectsWithoutInvoking(t *testing.T) {
	b := breaker.New("test", breaker.Config{FailureThreshold: 1, CooldownSeconds: 60, SuccessThreshold: 1}, nil)
	require.Error(t, b.Call(func() error { return errors.New("boom") }))
	require.Equal(t, breaker.Open, b.State())

	invoked := false
	err := b.Call(func() error { invoked = true; return nil })
	require.ErrorIs(t, err, breaker.ErrOpen)
	require.False(t, invoked, "f must not be invoked while Open")
}

func TestHalfOpenTwoSuccessesClose(t *testing.T) {
	b := breaker.New("test", breaker.Config{FailureThreshold: 1, CooldownSeconds: 0, SuccessThreshold: 2}, nil)
	require.Error(t, b.Call(func() error { return errors.New("boom") }))
	require.Equal(t, breaker.Open, b.State())

	// Cooldown is 0, so the very next Call's state check flips to HalfOpen.
	time.Sleep(time.Millisecond)
	require.NoError(t, b.Call(func() error { return nil }))
	require.Equal(t, breaker.HalfOpen, b.State())
	require.NoError(t, b.Call(func() error { return nil }))
	require.Equal(t, breaker.Closed, b.State())
}

func TestHalfOpenOneSuccessThenFailureReopens(t *testing.T) {
	b := breaker.New("test", breaker.Config{FailureThreshold: 1, CooldownSeconds: 0, SuccessThreshold: 2}, nil)
	require.Error(t, b.Call(func() error { return errors.New("boom") }))
	time.Sleep(time.Millisecond)

	require.NoError(t, b.Call(func() error { return nil }))
	require.Equal(t, breaker.HalfOpen, b.State())

	require.Error(t, b.Call(func() error { return errors.New("boom again") }))
	require.Equal(t, breaker.Open, b.State())
}

func TestReset(t *testing.T) {
	b := breaker.New("test", breaker.Config{FailureThreshold: 1, CooldownSeconds: 9999, SuccessThreshold: 1}, nil)
	require.Error(t, b.Call(func() error { return errors.New("boom") }))
	require.Equal(t, breaker.Open, b.State())
	b.Reset()
	require.Equal(t, breaker.Closed, b.State())
}
