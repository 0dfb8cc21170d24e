package execution

import (
	"context"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/dcaflow/dca_service/internal/domain/errors"
	"github.com/dcaflow/dca_service/internal/infrastructure/metrics"
	"github.com/dcaflow/dca_service/pkg/retry"
)

// Policies maps an error kind to its retry policy
type Policies map[apperrors.Kind]retry.Policy

// DefaultPolicies returns the per-kind retry table
func DefaultPolicies() Policies {
	return Policies{
		apperrors.KindSignatureGeneration: {
			MaxRetries: 3, BaseDelay: 1000 * time.Millisecond,
			MaxDelay: 10 * time.Second, Multiplier: 2.0, JitterFraction: 0.1,
		},
		apperrors.KindRateLimit: {
			MaxRetries: 5, BaseDelay: 2000 * time.Millisecond,
			MaxDelay: 30 * time.Second, Multiplier: 2.0, JitterFraction: 0.1,
		},
		apperrors.KindExecution: {
			MaxRetries: 3, BaseDelay: 5000 * time.Millisecond,
			MaxDelay: 60 * time.Second, Multiplier: 2.0, JitterFraction: 0.1,
		},
		apperrors.KindNetwork: {
			MaxRetries: 4, BaseDelay: 1000 * time.Millisecond,
			MaxDelay: 15 * time.Second, Multiplier: 2.0, JitterFraction: 0.1,
		},
		apperrors.KindProvider: {
			MaxRetries: 2, BaseDelay: 3000 * time.Millisecond,
			MaxDelay: 10 * time.Second, Multiplier: 1.5, JitterFraction: 0.1,
		},
		// Untagged failures get one cautious retry round
		apperrors.KindUnknown: {
			MaxRetries: 2, BaseDelay: 1000 * time.Millisecond,
			MaxDelay: 10 * time.Second, Multiplier: 2.0, JitterFraction: 0.1,
		},
	}
}

// Outcome is the structured result every orchestrated run surfaces instead
// of an unhandled error crossing the core boundary.
type Outcome struct {
	Success      bool
	Err          error
	RetryCount   int
	FallbackUsed bool
	// Escalated is set when exhausted Execution retries requested manual
	// intervention on the order.
	Escalated bool
}

// RunOptions customizes a single orchestrated run
type RunOptions struct {
	// OnExecutionExhausted fires when Execution-kind retries run out. The
	// caller pauses the order and flags it for manual intervention; this is
	// the only error path with a state side effect.
	OnExecutionExhausted func(ctx context.Context, cause error)
}

// Orchestrator classifies failures and applies per-kind backoff policies.
// Circuit breaker accounting happens at the adapter call sites inside the
// resolvers; the orchestrator's job is pacing and escalation.
type Orchestrator struct {
	policies Policies
	backoffs map[apperrors.Kind]*retry.Backoff
	logger   *zap.Logger
}

// NewOrchestrator creates a retry orchestrator
func NewOrchestrator(policies Policies, logger *zap.Logger) *Orchestrator {
	if policies == nil {
		policies = DefaultPolicies()
	}
	backoffs := make(map[apperrors.Kind]*retry.Backoff, len(policies))
	for kind, policy := range policies {
		backoffs[kind] = retry.NewBackoff(policy)
	}
	return &Orchestrator{
		policies: policies,
		backoffs: backoffs,
		logger:   logger,
	}
}

// Run executes the operation, retrying per the failure kind's policy.
// User rejections are never retried. Validation failures fail fast.
// Retry budgets are tracked per kind so a network blip does not consume
// the execution budget.
func (o *Orchestrator) Run(ctx context.Context, operation func(ctx context.Context) error, opts RunOptions) Outcome {
	attempts := make(map[apperrors.Kind]int)
	outcome := Outcome{}

	for {
		select {
		case <-ctx.Done():
			outcome.Err = ctx.Err()
			return outcome
		default:
		}

		err := operation(ctx)
		if err == nil {
			outcome.Success = true
			return outcome
		}
		outcome.Err = err

		if apperrors.IsUserRejection(err) {
			o.logger.Info("User rejected execution, not retrying", zap.Error(err))
			return outcome
		}

		kind := apperrors.ClassifyKind(err)
		if kind == apperrors.KindValidation {
			o.logger.Debug("Validation failure, failing fast", zap.Error(err))
			return outcome
		}

		policy, ok := o.policies[kind]
		if !ok {
			policy = o.policies[apperrors.KindUnknown]
		}

		attempts[kind]++
		if attempts[kind] > policy.MaxRetries {
			o.logger.Warn("Retries exhausted",
				zap.String("kind", string(kind)),
				zap.Int("attempts", attempts[kind]),
				zap.Error(err))
			if kind == apperrors.KindExecution && opts.OnExecutionExhausted != nil {
				opts.OnExecutionExhausted(ctx, err)
				outcome.Escalated = true
			}
			return outcome
		}

		outcome.RetryCount++
		metrics.RetriesTotal.WithLabelValues(string(kind)).Inc()

		backoff := o.backoffs[kind]
		if backoff == nil {
			backoff = o.backoffs[apperrors.KindUnknown]
		}
		delay := backoff.Calculate(attempts[kind])

		o.logger.Debug("Retrying after failure",
			zap.String("kind", string(kind)),
			zap.Int("attempt", attempts[kind]),
			zap.Duration("backoff", delay),
			zap.Error(err))

		select {
		case <-ctx.Done():
			outcome.Err = ctx.Err()
			return outcome
		case <-time.After(delay):
		}
	}
}
