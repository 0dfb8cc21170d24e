package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/dcaflow/dca_service/internal/domain/errors"
)

// fastPolicies mirrors the default table with millisecond delays
func fastPolicies() Policies {
	policies := DefaultPolicies()
	for kind, p := range policies {
		p.BaseDelay = time.Millisecond
		p.MaxDelay = 5 * time.Millisecond
		p.JitterFraction = 0
		policies[kind] = p
	}
	return policies
}

func TestOrchestratorSucceedsFirstTry(t *testing.T) {
	o := NewOrchestrator(fastPolicies(), zap.NewNop())

	outcome := o.Run(context.Background(), func(ctx context.Context) error {
		return nil
	}, RunOptions{})

	assert.True(t, outcome.Success)
	assert.Zero(t, outcome.RetryCount)
	assert.NoError(t, outcome.Err)
}

func TestOrchestratorRetriesTransientNetworkFailure(t *testing.T) {
	o := NewOrchestrator(fastPolicies(), zap.NewNop())

	calls := 0
	outcome := o.Run(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return apperrors.NewSwapError(apperrors.KindNetwork, "agg", errors.New("timeout"))
		}
		return nil
	}, RunOptions{})

	assert.True(t, outcome.Success)
	assert.Equal(t, 2, outcome.RetryCount)
	assert.Equal(t, 3, calls)
}

func TestOrchestratorNeverRetriesUserRejection(t *testing.T) {
	o := NewOrchestrator(fastPolicies(), zap.NewNop())

	calls := 0
	outcome := o.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return apperrors.UserRejection("walletd", errors.New("user declined"))
	}, RunOptions{})

	assert.False(t, outcome.Success)
	assert.Equal(t, 1, calls)
	assert.Zero(t, outcome.RetryCount)
}

func TestOrchestratorFailsFastOnValidation(t *testing.T) {
	o := NewOrchestrator(fastPolicies(), zap.NewNop())

	calls := 0
	outcome := o.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return apperrors.NewSwapError(apperrors.KindValidation, "agg", errors.New("bad pair"))
	}, RunOptions{})

	assert.False(t, outcome.Success)
	assert.Equal(t, 1, calls)
}

func TestOrchestratorExhaustsPerKindBudget(t *testing.T) {
	o := NewOrchestrator(fastPolicies(), zap.NewNop())

	calls := 0
	outcome := o.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return apperrors.NewSwapError(apperrors.KindProvider, "agg", errors.New("503"))
	}, RunOptions{})

	assert.False(t, outcome.Success)
	// Provider budget is 2 retries: initial call + 2 retries
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, outcome.RetryCount)
	assert.False(t, outcome.Escalated)
}

func TestOrchestratorTracksBudgetsPerKind(t *testing.T) {
	o := NewOrchestrator(fastPolicies(), zap.NewNop())

	// A network failure first must not consume the provider budget
	sequence := []error{
		apperrors.NewSwapError(apperrors.KindNetwork, "agg", errors.New("blip")),
		apperrors.NewSwapError(apperrors.KindProvider, "agg", errors.New("503")),
		apperrors.NewSwapError(apperrors.KindProvider, "agg", errors.New("503")),
		nil,
	}
	calls := 0
	outcome := o.Run(context.Background(), func(ctx context.Context) error {
		err := sequence[calls]
		calls++
		return err
	}, RunOptions{})

	assert.True(t, outcome.Success)
	assert.Equal(t, 4, calls)
	assert.Equal(t, 3, outcome.RetryCount)
}

func TestOrchestratorEscalatesExhaustedExecutionRetries(t *testing.T) {
	o := NewOrchestrator(fastPolicies(), zap.NewNop())

	var escalatedWith error
	outcome := o.Run(context.Background(), func(ctx context.Context) error {
		return apperrors.NewSwapError(apperrors.KindExecution, "walletd", errors.New("reverted"))
	}, RunOptions{
		OnExecutionExhausted: func(ctx context.Context, cause error) {
			escalatedWith = cause
		},
	})

	assert.False(t, outcome.Success)
	assert.True(t, outcome.Escalated)
	require.Error(t, escalatedWith)
	assert.Equal(t, apperrors.KindExecution, apperrors.ClassifyKind(escalatedWith))
}

func TestOrchestratorUnknownKindGetsCautiousRetries(t *testing.T) {
	o := NewOrchestrator(fastPolicies(), zap.NewNop())

	calls := 0
	outcome := o.Run(context.Background(), func(ctx context.Context) error {
		calls++
		return errors.New("completely untagged")
	}, RunOptions{})

	assert.False(t, outcome.Success)
	assert.Equal(t, 3, calls)
}

func TestOrchestratorRespectsContext(t *testing.T) {
	o := NewOrchestrator(fastPolicies(), zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome := o.Run(ctx, func(ctx context.Context) error {
		t.Fatal("operation must not run after cancellation")
		return nil
	}, RunOptions{})

	assert.ErrorIs(t, outcome.Err, context.Canceled)
}

func TestDefaultPoliciesMatchTaxonomy(t *testing.T) {
	policies := DefaultPolicies()

	for _, kind := range []apperrors.Kind{
		apperrors.KindSignatureGeneration,
		apperrors.KindRateLimit,
		apperrors.KindExecution,
		apperrors.KindNetwork,
		apperrors.KindProvider,
		apperrors.KindUnknown,
	} {
		p, ok := policies[kind]
		require.True(t, ok, "missing policy for %s", kind)
		assert.NoError(t, p.Validate())
	}

	assert.Equal(t, 5, policies[apperrors.KindRateLimit].MaxRetries)
	assert.Equal(t, 5*time.Second, policies[apperrors.KindExecution].BaseDelay)
	assert.Equal(t, 1.5, policies[apperrors.KindProvider].Multiplier)
}
