package aggregator

import (
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func failTimes(t *testing.T, r *BreakerRegistry, service string, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		report, err := r.Allow(service)
		require.NoError(t, err)
		report(false)
	}
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute}, zap.NewNop())

	failTimes(t, r, "svc", 2)
	assert.Equal(t, gobreaker.StateClosed, r.State("svc"))
	assert.True(t, r.Available("svc"))

	failTimes(t, r, "svc", 1)
	assert.Equal(t, gobreaker.StateOpen, r.State("svc"))
	assert.False(t, r.Available("svc"))

	_, err := r.Allow("svc")
	assert.Error(t, err)
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute}, zap.NewNop())

	failTimes(t, r, "svc", 2)

	report, err := r.Allow("svc")
	require.NoError(t, err)
	report(true)

	// Two more failures after the success do not reach the threshold
	failTimes(t, r, "svc", 2)
	assert.Equal(t, gobreaker.StateClosed, r.State("svc"))
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 3, Cooldown: 50 * time.Millisecond}, zap.NewNop())

	failTimes(t, r, "svc", 3)
	require.Equal(t, gobreaker.StateOpen, r.State("svc"))

	time.Sleep(60 * time.Millisecond)

	t.Run("single probe admitted, second rejected", func(t *testing.T) {
		report, err := r.Allow("svc")
		require.NoError(t, err)

		_, err = r.Allow("svc")
		assert.Error(t, err)

		// Failed probe re-opens the breaker
		report(false)
		assert.Equal(t, gobreaker.StateOpen, r.State("svc"))
	})

	t.Run("successful probe closes the breaker", func(t *testing.T) {
		time.Sleep(60 * time.Millisecond)

		report, err := r.Allow("svc")
		require.NoError(t, err)
		report(true)

		assert.Equal(t, gobreaker.StateClosed, r.State("svc"))
	})
}

func TestBreakerIsolatesServices(t *testing.T) {
	r := NewBreakerRegistry(BreakerConfig{FailureThreshold: 3, Cooldown: time.Minute}, zap.NewNop())

	failTimes(t, r, "bad", 3)
	assert.False(t, r.Available("bad"))
	assert.True(t, r.Available("good"))
}
