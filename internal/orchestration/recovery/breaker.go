package recovery

import (
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"github.com/cbriice/claude-swarm-sub002/internal/log"
	"github.com/cbriice/claude-swarm-sub002/internal/orchestration/swarmerr"
)

// BreakerConfig shapes a circuit breaker around one external integration.
type BreakerConfig struct {
	// Name identifies the protected integration in logs and errors.
	Name string
	// FailureThreshold is the consecutive-failure count that opens the breaker.
	FailureThreshold uint32
	// SuccessThreshold is the consecutive-success count in half-open that
	// closes the breaker again.
	SuccessThreshold uint32
	// Timeout is how long the breaker stays open before half-opening.
	// Zero half-opens immediately.
	Timeout time.Duration
}

func (c BreakerConfig) withDefaults() BreakerConfig {
	if c.FailureThreshold == 0 {
		c.FailureThreshold = 5
	}
	if c.SuccessThreshold == 0 {
		c.SuccessThreshold = 2
	}
	// Timeout zero is meaningful (immediate half-open), so no default here.
	return c
}

// Breaker wraps a three-state circuit breaker and translates its sentinel
// errors into the CIRCUIT_OPEN taxonomy code.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a breaker per cfg.
func NewBreaker(cfg BreakerConfig) *Breaker {
	cfg = cfg.withDefaults()

	timeout := cfg.Timeout
	if timeout <= 0 {
		// gobreaker substitutes a long default for zero; a nanosecond keeps
		// the configured "half-open immediately" semantics.
		timeout = time.Nanosecond
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.SuccessThreshold,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info(log.CatRecover, "circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Execute runs op through the breaker. When the breaker is open (or the
// half-open probe quota is exhausted) the returned error carries CIRCUIT_OPEN.
func (b *Breaker) Execute(op func() (any, error)) (any, error) {
	v, err := b.cb.Execute(op)
	if err != nil && (errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)) {
		return v, swarmerr.Wrap(swarmerr.CodeCircuitOpen, b.cb.Name(), "circuit breaker rejected call", err)
	}
	return v, err
}

// State returns the breaker's current state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
