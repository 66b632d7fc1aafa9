package resilience

import (
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig parameterizes a circuit breaker.
type BreakerConfig struct {
	// Name labels the breaker in logs.
	Name string
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int
	// RecoveryTimeout is how long the circuit stays open before admitting
	// a single half-open probe.
	RecoveryTimeout time.Duration
}

// DefaultBreakerConfig opens after 5 consecutive failures and probes after
// 30 seconds.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
	}
}

// Breaker wraps gobreaker with the closed → open → half-open cycle the
// platform expects: one probe is admitted in half-open, success closes the
// circuit, failure re-opens it.
type Breaker struct {
	cb *gobreaker.CircuitBreaker
}

// NewBreaker creates a Breaker from cfg.
func NewBreaker(cfg BreakerConfig) *Breaker {
	threshold := uint32(cfg.FailureThreshold)
	if threshold == 0 {
		threshold = 5
	}
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1, // single half-open probe
		Timeout:     cfg.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("Circuit breaker state change",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings)}
}

// Do runs op through the breaker. When the circuit is open, op is not
// invoked and gobreaker.ErrOpenState is returned.
func (b *Breaker) Do(op func() error) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, op()
	})
	return err
}

// State returns the current breaker state string (closed, open, half-open).
func (b *Breaker) State() string {
	return b.cb.State().String()
}
