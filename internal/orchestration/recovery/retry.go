// Package recovery implements the failure-handling toolkit for the
// orchestrator: bounded exponential retry, circuit breakers around external
// integrations, recovery strategy selection from the error taxonomy, and
// stage checkpoints for restoring session state.
package recovery

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/cbriice/claude-swarm-sub002/internal/log"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/swarmerr"
)

// RetryConfig bounds an exponential backoff loop. MaxRetries counts the
// retries after the first attempt, so MaxRetries=0 executes exactly once.
type RetryConfig struct {
	MaxRetries     int
	InitialDelay   time.Duration
	MaxDelay       time.Duration
	Multiplier     float64
	JitterFraction float64
}

// withDefaults fills zero fields so a partially specified config is usable.
func (c RetryConfig) withDefaults() RetryConfig {
	if c.InitialDelay <= 0 {
		c.InitialDelay = 500 * time.Millisecond
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = 30 * time.Second
	}
	if c.Multiplier <= 0 {
		c.Multiplier = 2
	}
	if c.JitterFraction <= 0 {
		c.JitterFraction = 0.1
	}
	return c
}

// Named retry configs for the operations that retry.
var (
	// AgentSpawnRetry allows two attempts total at spawning a worker pane.
	AgentSpawnRetry = RetryConfig{
		MaxRetries:     1,
		InitialDelay:   time.Second,
		MaxDelay:       10 * time.Second,
		Multiplier:     2,
		JitterFraction: 0.2,
	}

	// DatabaseRetry covers transient store failures (locks, busy timeouts).
	DatabaseRetry = RetryConfig{
		MaxRetries:   3,
		InitialDelay: 200 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}

	// FilesystemRetry covers transient mailbox and worktree I/O failures.
	FilesystemRetry = RetryConfig{
		MaxRetries:   3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     time.Second,
	}

	// RoutingRetry covers a failed message delivery during routing.
	RoutingRetry = RetryConfig{
		MaxRetries:   2,
		InitialDelay: 250 * time.Millisecond,
		MaxDelay:     2 * time.Second,
	}
)

// Do runs op with bounded exponential backoff per cfg. Errors carrying a
// non-retryable or fatal taxonomy classification abort immediately; plain
// errors are treated as transient and retried.
func Do[T any](ctx context.Context, cfg RetryConfig, op func() (T, error)) (T, error) {
	cfg = cfg.withDefaults()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.InitialDelay
	b.MaxInterval = cfg.MaxDelay
	b.Multiplier = cfg.Multiplier
	b.RandomizationFactor = cfg.JitterFraction

	wrapped := func() (T, error) {
		v, err := op()
		if err == nil {
			return v, nil
		}
		var se *swarmerr.SwarmError
		if errors.As(err, &se) && (!se.Retryable || se.IsFatal()) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}

	notify := func(err error, delay time.Duration) {
		log.Debug(log.CatRecover, "retrying after failure",
			"delay", delay, "error", err)
	}

	return backoff.Retry(ctx, wrapped,
		backoff.WithBackOff(b),
		backoff.WithMaxTries(uint(cfg.MaxRetries)+1), //nolint:gosec // G115: MaxRetries is a small non-negative config value
		backoff.WithNotify(notify),
	)
}
