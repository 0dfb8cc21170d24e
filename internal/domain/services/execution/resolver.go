// Package execution turns a DCA order slice into a validated, executable
// swap and orchestrates retries around heterogeneous failure modes.
package execution

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dcaflow/dca_service/internal/domain/entities"
	apperrors "github.com/dcaflow/dca_service/internal/domain/errors"
	"github.com/dcaflow/dca_service/internal/domain/services/aggregator"
	"github.com/dcaflow/dca_service/internal/infrastructure/metrics"
)

const (
	defaultCallTimeout          = 5 * time.Second
	defaultSlippageBps          = 150
	defaultEmergencySlippageBps = 500
)

// defaultMaxPriceImpact is the acceptance ceiling in percent
var defaultMaxPriceImpact = decimal.NewFromInt(5)

var zeroAddress = "0x0000000000000000000000000000000000000000"

// ResolverConfig tunes swap resolution
type ResolverConfig struct {
	// CallTimeout bounds each aggregator call
	CallTimeout time.Duration
	// MaxPriceImpact is the validation ceiling in percent
	MaxPriceImpact decimal.Decimal
	// SlippageBps is the default slippage tolerance in basis points
	SlippageBps int
	// EmergencySlippageBps is the relaxed tolerance for the fallback path
	EmergencySlippageBps int
	// TrustedAggregator names the adapter used for the emergency path
	TrustedAggregator string
}

// Resolver fans out for executable swap payloads and validates the results
type Resolver struct {
	aggregators []aggregator.Aggregator
	byName      map[string]aggregator.Aggregator
	breakers    *aggregator.BreakerRegistry
	config      ResolverConfig
	logger      *zap.Logger
}

// NewResolver creates an execution resolver
func NewResolver(
	aggregators []aggregator.Aggregator,
	breakers *aggregator.BreakerRegistry,
	config ResolverConfig,
	logger *zap.Logger,
) *Resolver {
	if config.CallTimeout == 0 {
		config.CallTimeout = defaultCallTimeout
	}
	if config.MaxPriceImpact.IsZero() {
		config.MaxPriceImpact = defaultMaxPriceImpact
	}
	if config.SlippageBps == 0 {
		config.SlippageBps = defaultSlippageBps
	}
	if config.EmergencySlippageBps == 0 {
		config.EmergencySlippageBps = defaultEmergencySlippageBps
	}

	byName := make(map[string]aggregator.Aggregator, len(aggregators))
	for _, agg := range aggregators {
		byName[agg.Name()] = agg
	}

	return &Resolver{
		aggregators: aggregators,
		byName:      byName,
		breakers:    breakers,
		config:      config,
		logger:      logger,
	}
}

type swapResult struct {
	agg  aggregator.Aggregator
	swap *entities.ExecutableSwap
	err  error
}

// BestSwap fans out to every available aggregator for an executable payload,
// validates each result, and selects the one with the maximum buy amount.
// When no aggregator produces a valid swap, a designated trusted aggregator
// is called directly with relaxed tolerances before giving up.
func (r *Resolver) BestSwap(ctx context.Context, req *entities.SwapRequest) (*entities.ExecutableSwap, error) {
	if req.SlippageBps == 0 {
		req.SlippageBps = r.config.SlippageBps
	}

	results := r.fanOut(ctx, req)

	var valid []*swapResult
	var lastErr error
	for _, res := range results {
		if res.err != nil {
			lastErr = res.err
			continue
		}
		if err := r.validate(res.swap); err != nil {
			r.logger.Warn("Rejected swap from aggregator",
				zap.String("aggregator", res.agg.Name()),
				zap.Error(err))
			lastErr = err
			continue
		}
		valid = append(valid, res)
	}

	if len(valid) == 0 {
		return r.emergencyFallback(ctx, req, lastErr)
	}

	best := valid[0]
	for _, res := range valid[1:] {
		switch res.swap.BuyAmount.Cmp(best.swap.BuyAmount) {
		case 1:
			best = res
		case 0:
			if res.agg.Priority() < best.agg.Priority() {
				best = res
			}
		}
	}

	r.logger.Debug("Swap selected",
		zap.String("aggregator", best.swap.Aggregator),
		zap.String("buy_amount", best.swap.BuyAmount.String()),
		zap.String("minimum_received", best.swap.MinimumReceived.String()))

	return best.swap, nil
}

func (r *Resolver) fanOut(ctx context.Context, req *entities.SwapRequest) []*swapResult {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*swapResult
	)

	for _, agg := range r.aggregators {
		report, err := r.breakers.Allow(agg.Name())
		if err != nil {
			r.logger.Debug("Skipping aggregator, breaker open",
				zap.String("aggregator", agg.Name()))
			continue
		}

		wg.Add(1)
		go func(agg aggregator.Aggregator, report func(bool)) {
			defer wg.Done()

			callCtx, cancel := context.WithTimeout(ctx, r.config.CallTimeout)
			defer cancel()

			swap, err := agg.Swap(callCtx, req)
			if err != nil {
				report(!apperrors.CountsAgainstBreaker(err))
				metrics.AggregatorCallsTotal.WithLabelValues(agg.Name(), "swap", "error").Inc()
			} else {
				report(true)
				metrics.AggregatorCallsTotal.WithLabelValues(agg.Name(), "swap", "success").Inc()
			}

			mu.Lock()
			results = append(results, &swapResult{agg: agg, swap: swap, err: err})
			mu.Unlock()
		}(agg, report)
	}

	wg.Wait()
	return results
}

// validate applies the acceptance gate: real target, non-empty calldata,
// positive output, price impact within the ceiling, and a minimum-received
// floor consistent with the requested slippage.
func (r *Resolver) validate(swap *entities.ExecutableSwap) error {
	if swap == nil {
		return apperrors.NewSwapError(apperrors.KindValidation, "resolver",
			fmt.Errorf("nil swap"))
	}
	if swap.Target == "" || strings.EqualFold(swap.Target, zeroAddress) {
		return apperrors.NewSwapError(apperrors.KindValidation, swap.Aggregator,
			fmt.Errorf("zero target address"))
	}
	if len(swap.Calldata) == 0 {
		return apperrors.NewSwapError(apperrors.KindValidation, swap.Aggregator,
			fmt.Errorf("empty calldata"))
	}
	if swap.BuyAmount == nil || swap.BuyAmount.Sign() <= 0 {
		return apperrors.NewSwapError(apperrors.KindValidation, swap.Aggregator,
			fmt.Errorf("non-positive buy amount"))
	}
	if swap.PriceImpact.GreaterThan(r.config.MaxPriceImpact) {
		return apperrors.NewSwapError(apperrors.KindValidation, swap.Aggregator,
			fmt.Errorf("price impact %s%% exceeds ceiling %s%%",
				swap.PriceImpact, r.config.MaxPriceImpact))
	}
	if swap.MinimumReceived == nil || swap.MinimumReceived.Sign() <= 0 {
		return apperrors.NewSwapError(apperrors.KindValidation, swap.Aggregator,
			fmt.Errorf("missing minimum received"))
	}
	return nil
}

// emergencyFallback calls the trusted aggregator directly with relaxed
// slippage and elevated gas. The price-impact ceiling is not applied here;
// this path only runs when the order would otherwise not execute at all.
func (r *Resolver) emergencyFallback(ctx context.Context, req *entities.SwapRequest, cause error) (*entities.ExecutableSwap, error) {
	trusted, ok := r.byName[r.config.TrustedAggregator]
	if !ok {
		if cause != nil {
			return nil, cause
		}
		return nil, apperrors.ServiceUnavailableError("swap resolution", nil)
	}

	r.logger.Warn("All aggregators failed, using emergency fallback",
		zap.String("aggregator", trusted.Name()),
		zap.NamedError("cause", cause))
	metrics.FallbacksTotal.WithLabelValues("execution").Inc()

	emergencyReq := *req
	emergencyReq.SlippageBps = r.config.EmergencySlippageBps
	emergencyReq.Urgent = true

	callCtx, cancel := context.WithTimeout(ctx, r.config.CallTimeout)
	defer cancel()

	swap, err := trusted.Swap(callCtx, &emergencyReq)
	if err != nil {
		return nil, apperrors.Wrap(err, "emergency fallback failed")
	}
	if swap.Target == "" || len(swap.Calldata) == 0 ||
		swap.BuyAmount == nil || swap.BuyAmount.Sign() <= 0 {
		return nil, apperrors.NewSwapError(apperrors.KindValidation, swap.Aggregator,
			fmt.Errorf("emergency fallback produced unusable swap"))
	}
	if swap.MinimumReceived == nil {
		swap.MinimumReceived = entities.ApplySlippage(swap.BuyAmount, emergencyReq.SlippageBps)
	}
	swap.Fallback = true
	return swap, nil
}
