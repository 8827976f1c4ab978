package recovery

import (
	"errors"

	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/swarmerr"
)

// Strategy names a recovery action the orchestrator can take.
type Strategy string

const (
	// StrategyRetry re-runs the failed operation under its retry config.
	StrategyRetry Strategy = "retry"
	// StrategyRestart respawns the agent in its pane, preserving the worktree.
	StrategyRestart Strategy = "restart"
	// StrategySkip advances the workflow via the transition fallback.
	StrategySkip Strategy = "skip"
	// StrategyAbort cleans up and fails the session.
	StrategyAbort Strategy = "abort"
	// StrategyWait waits for a circuit breaker to half-open, then retries once.
	StrategyWait Strategy = "wait"
	// StrategyEscalate surfaces the error to the caller unchanged.
	StrategyEscalate Strategy = "escalate"
)

// SelectStrategy maps a failure to a recovery strategy by taxonomy code.
// Errors with no taxonomy metadata escalate.
func SelectStrategy(err error) Strategy {
	var se *swarmerr.SwarmError
	if !errors.As(err, &se) {
		return StrategyEscalate
	}

	switch se.Code {
	case swarmerr.CodeAgentTimeout,
		swarmerr.CodeRoutingFailed,
		swarmerr.CodeRateLimited,
		swarmerr.CodeDatabaseError,
		swarmerr.CodeFilesystemError:
		return StrategyRetry
	case swarmerr.CodeAgentCrashed:
		return StrategyRestart
	case swarmerr.CodeMaxIterationsExceeded:
		return StrategySkip
	case swarmerr.CodeWorkflowTimeout, swarmerr.CodePermissionDenied:
		return StrategyAbort
	case swarmerr.CodeCircuitOpen:
		return StrategyWait
	default:
		if se.Retryable {
			return StrategyRetry
		}
		if !se.Recoverable {
			return StrategyAbort
		}
		return StrategyEscalate
	}
}

// FallbackFor returns the strategy to try when the primary one fails.
// Restart's real fallback depends on whether the current step is optional;
// callers with step context should prefer skip when it is.
func FallbackFor(s Strategy) Strategy {
	switch s {
	case StrategyRetry:
		return StrategyEscalate
	case StrategyRestart:
		return StrategyAbort
	case StrategyWait:
		return StrategyRetry
	default:
		return StrategyAbort
	}
}

// Policy bounds a recovery loop.
type Policy struct {
	// MaxAttempts is the cap on recovery attempts per error.
	MaxAttempts int
}

// DefaultPolicy allows three recovery attempts per error.
var DefaultPolicy = Policy{MaxAttempts: 3}

// ShouldContinue reports whether another recovery attempt is worthwhile.
// Returns false at the attempt cap, for fatal severity, and for errors
// marked non-recoverable.
func (p Policy) ShouldContinue(err error, attemptsSoFar int) bool {
	if attemptsSoFar >= p.MaxAttempts {
		return false
	}
	var se *swarmerr.SwarmError
	if !errors.As(err, &se) {
		return false
	}
	if se.IsFatal() || !se.Recoverable {
		return false
	}
	return true
}
