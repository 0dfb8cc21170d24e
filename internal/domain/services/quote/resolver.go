// Package quote fans out price discovery across liquidity aggregators and
// selects the best result.
package quote

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/dcaflow/dca_service/internal/domain/entities"
	apperrors "github.com/dcaflow/dca_service/internal/domain/errors"
	"github.com/dcaflow/dca_service/internal/domain/services/aggregator"
	"github.com/dcaflow/dca_service/internal/infrastructure/metrics"
)

// FallbackName tags quotes produced by the price oracle instead of a live
// aggregator.
const FallbackName = "price-oracle-fallback"

const defaultCallTimeout = 5 * time.Second

// fallbackPriceImpact marks oracle estimates as low-confidence
var fallbackPriceImpact = decimal.NewFromInt(5)

// PriceOracle is the last-resort reference price source
type PriceOracle interface {
	// Price returns the reference rate of one smallest unit of sellToken
	// expressed in smallest units of buyToken.
	Price(ctx context.Context, sellToken, buyToken string) (decimal.Decimal, error)
}

// Config tunes the resolver
type Config struct {
	// CallTimeout bounds each aggregator call
	CallTimeout time.Duration
}

// Resolver fans out to available aggregators and picks the best quote
type Resolver struct {
	aggregators []aggregator.Aggregator
	breakers    *aggregator.BreakerRegistry
	oracle      PriceOracle
	config      Config
	logger      *zap.Logger
}

// NewResolver creates a quote resolver
func NewResolver(
	aggregators []aggregator.Aggregator,
	breakers *aggregator.BreakerRegistry,
	oracle PriceOracle,
	config Config,
	logger *zap.Logger,
) *Resolver {
	if config.CallTimeout == 0 {
		config.CallTimeout = defaultCallTimeout
	}
	return &Resolver{
		aggregators: aggregators,
		breakers:    breakers,
		oracle:      oracle,
		config:      config,
		logger:      logger,
	}
}

type quoteResult struct {
	agg   aggregator.Aggregator
	quote *entities.Quote
	err   error
}

// BestQuote fans out to every aggregator whose breaker is closed, selects the
// quote with the maximum buy amount (ties broken by adapter priority), and
// computes savings versus the worst successful quote. When every aggregator
// fails it degrades to a price-oracle estimate before erroring out.
func (r *Resolver) BestQuote(ctx context.Context, req *entities.SwapRequest) (*entities.QuoteSelection, error) {
	results := r.fanOut(ctx, req)

	var successes []*quoteResult
	for _, res := range results {
		if res.err == nil && res.quote != nil && res.quote.Success {
			successes = append(successes, res)
		}
	}

	if len(successes) == 0 {
		r.logger.Warn("All aggregators failed, falling back to price oracle",
			zap.Int("attempted", len(results)),
			zap.String("sell_token", req.SellToken),
			zap.String("buy_token", req.BuyToken))
		return r.oracleFallback(ctx, req, len(results))
	}

	best, worst := selectQuotes(successes)

	selection := &entities.QuoteSelection{
		Best:           best.quote,
		Worst:          worst.quote,
		SavingsVsWorst: new(big.Int).Sub(best.quote.BuyAmount, worst.quote.BuyAmount),
		Attempted:      len(results),
	}
	if best.quote.BuyAmount.Sign() > 0 {
		selection.SavingsPercent = decimal.NewFromBigInt(selection.SavingsVsWorst, 0).
			Div(decimal.NewFromBigInt(best.quote.BuyAmount, 0)).
			Mul(decimal.NewFromInt(100))
	}

	r.logger.Debug("Quote selected",
		zap.String("aggregator", best.quote.Aggregator),
		zap.String("buy_amount", best.quote.BuyAmount.String()),
		zap.String("savings", selection.SavingsVsWorst.String()))

	return selection, nil
}

// fanOut issues one bounded concurrent call per available aggregator. Each
// call outcome is reported to the breaker registry; timeouts count as
// failures.
func (r *Resolver) fanOut(ctx context.Context, req *entities.SwapRequest) []*quoteResult {
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		results []*quoteResult
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

			quote, err := agg.Quote(callCtx, req)
			if err != nil {
				report(!apperrors.CountsAgainstBreaker(err))
				metrics.AggregatorCallsTotal.WithLabelValues(agg.Name(), "quote", "error").Inc()
				r.logger.Debug("Aggregator quote failed",
					zap.String("aggregator", agg.Name()),
					zap.Error(err))
			} else {
				report(true)
				metrics.AggregatorCallsTotal.WithLabelValues(agg.Name(), "quote", "success").Inc()
			}

			mu.Lock()
			results = append(results, &quoteResult{agg: agg, quote: quote, err: err})
			mu.Unlock()
		}(agg, report)
	}

	wg.Wait()
	return results
}

// oracleFallback produces a single low-confidence estimate from the
// reference price source, explicitly tagged with a 5% price impact marker.
func (r *Resolver) oracleFallback(ctx context.Context, req *entities.SwapRequest, attempted int) (*entities.QuoteSelection, error) {
	if r.oracle == nil {
		return nil, apperrors.ServiceUnavailableError("quote resolution", nil)
	}

	price, err := r.oracle.Price(ctx, req.SellToken, req.BuyToken)
	if err != nil {
		return nil, apperrors.Wrap(err, fmt.Sprintf("all %d aggregators and price oracle failed", attempted))
	}

	buyAmount := decimal.NewFromBigInt(req.SellAmount, 0).Mul(price).BigInt()

	metrics.FallbacksTotal.WithLabelValues("quote").Inc()

	fallback := &entities.Quote{
		Aggregator:  FallbackName,
		SellAmount:  new(big.Int).Set(req.SellAmount),
		BuyAmount:   buyAmount,
		PriceImpact: fallbackPriceImpact,
		Success:     true,
	}

	return &entities.QuoteSelection{
		Best:           fallback,
		Worst:          fallback,
		SavingsVsWorst: big.NewInt(0),
		FallbackUsed:   true,
		Attempted:      attempted,
	}, nil
}

// selectQuotes picks the maximum buy amount as best and the minimum as
// worst. Ties go to the adapter with the lower priority value, which keeps
// selection stable and deterministic.
func selectQuotes(successes []*quoteResult) (best, worst *quoteResult) {
	best, worst = successes[0], successes[0]
	for _, res := range successes[1:] {
		switch res.quote.BuyAmount.Cmp(best.quote.BuyAmount) {
		case 1:
			best = res
		case 0:
			if res.agg.Priority() < best.agg.Priority() {
				best = res
			}
		}
		if res.quote.BuyAmount.Cmp(worst.quote.BuyAmount) < 0 {
			worst = res
		}
	}
	return best, worst
}
