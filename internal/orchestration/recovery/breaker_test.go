package recovery

import (
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"

	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/swarmerr"
)

var errBoom = errors.New("boom")

func failOnce() func() (any, error) {
	return func() (any, error) { return nil, errBoom }
}

func TestBreaker_OpensOnFirstFailureWithThresholdOne(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "db", FailureThreshold: 1, Timeout: time.Minute})

	_, err := b.Execute(failOnce())
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, gobreaker.StateOpen, b.State())

	_, err = b.Execute(func() (any, error) { return "ok", nil })
	require.Error(t, err)
	require.True(t, swarmerr.HasCode(err, swarmerr.CodeCircuitOpen),
		"open breaker must reject with CIRCUIT_OPEN")
}

func TestBreaker_ZeroTimeoutHalfOpensImmediately(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "tmux", FailureThreshold: 1, SuccessThreshold: 1, Timeout: 0})

	_, err := b.Execute(failOnce())
	require.ErrorIs(t, err, errBoom)

	// The open interval is effectively zero, so the next call is a
	// half-open probe rather than a rejection.
	time.Sleep(time.Millisecond)
	v, err := b.Execute(func() (any, error) { return "ok", nil })
	require.NoError(t, err)
	require.Equal(t, "ok", v)
	require.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreaker_HalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "git", FailureThreshold: 1, SuccessThreshold: 2, Timeout: 0})

	_, _ = b.Execute(failOnce())
	time.Sleep(time.Millisecond)

	_, err := b.Execute(failOnce())
	require.ErrorIs(t, err, errBoom)
	require.Equal(t, gobreaker.StateOpen, b.State())
}

func TestBreaker_ClosesAfterSuccessThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "db", FailureThreshold: 1, SuccessThreshold: 2, Timeout: 0})

	_, _ = b.Execute(failOnce())
	time.Sleep(time.Millisecond)

	ok := func() (any, error) { return nil, nil }
	_, err := b.Execute(ok)
	require.NoError(t, err)
	require.Equal(t, gobreaker.StateHalfOpen, b.State(), "one success is not enough to close")

	_, err = b.Execute(ok)
	require.NoError(t, err)
	require.Equal(t, gobreaker.StateClosed, b.State())
}

func TestBreaker_StaysClosedBelowThreshold(t *testing.T) {
	b := NewBreaker(BreakerConfig{Name: "db", FailureThreshold: 3, Timeout: time.Minute})

	for i := 0; i < 2; i++ {
		_, err := b.Execute(failOnce())
		require.ErrorIs(t, err, errBoom)
	}
	require.Equal(t, gobreaker.StateClosed, b.State())

	// A success resets the consecutive-failure count.
	_, err := b.Execute(func() (any, error) { return nil, nil })
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		_, _ = b.Execute(failOnce())
	}
	require.Equal(t, gobreaker.StateClosed, b.State())
}
