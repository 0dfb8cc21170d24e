package aggregator

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

const (
	defaultFailureThreshold = 3
	defaultCooldown         = 3 * time.Minute
)

// BreakerConfig tunes per-service circuit breaking
type BreakerConfig struct {
	// FailureThreshold is the consecutive-failure count that opens a breaker
	FailureThreshold uint32
	// Cooldown is how long a breaker stays open before a half-open probe
	Cooldown time.Duration
}

// BreakerRegistry tracks one circuit breaker per service key. Breakers open
// after FailureThreshold consecutive failures, stay open for Cooldown, then
// admit a single half-open probe: success resets the breaker, failure
// re-opens it and restarts the cooldown.
type BreakerRegistry struct {
	config BreakerConfig
	logger *zap.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
}

// NewBreakerRegistry creates a registry with the given defaults
func NewBreakerRegistry(config BreakerConfig, logger *zap.Logger) *BreakerRegistry {
	if config.FailureThreshold == 0 {
		config.FailureThreshold = defaultFailureThreshold
	}
	if config.Cooldown == 0 {
		config.Cooldown = defaultCooldown
	}
	return &BreakerRegistry{
		config:   config,
		logger:   logger,
		breakers: make(map[string]*gobreaker.TwoStepCircuitBreaker),
	}
}

func (r *BreakerRegistry) breaker(service string) *gobreaker.TwoStepCircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[service]; ok {
		return cb
	}

	threshold := r.config.FailureThreshold
	settings := gobreaker.Settings{
		Name:        service,
		MaxRequests: 1,
		Timeout:     r.config.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			r.logger.Info("Circuit breaker state changed",
				zap.String("service", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	cb := gobreaker.NewTwoStepCircuitBreaker(settings)
	r.breakers[service] = cb
	return cb
}

// Allow asks whether a call to the service may proceed. On success it
// returns a report callback that must be invoked with the call outcome; an
// error means the breaker is open and the service must be skipped.
func (r *BreakerRegistry) Allow(service string) (func(success bool), error) {
	return r.breaker(service).Allow()
}

// Available reports whether the service is currently callable
func (r *BreakerRegistry) Available(service string) bool {
	return r.breaker(service).State() != gobreaker.StateOpen
}

// State returns the breaker state for a service key
func (r *BreakerRegistry) State(service string) gobreaker.State {
	return r.breaker(service).State()
}
