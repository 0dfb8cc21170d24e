// Package balance gates order execution on owner funds: orders whose owner
// cannot cover the next execution are parked until the balance recovers.
package balance

import (
	"context"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/dcaflow/dca_service/internal/domain/entities"
	apperrors "github.com/dcaflow/dca_service/internal/domain/errors"
	"github.com/dcaflow/dca_service/internal/infrastructure/metrics"
)

// OrderStore is the subset of persistence the guard needs
type OrderStore interface {
	ListByStatus(ctx context.Context, status entities.OrderStatus) ([]*entities.Order, error)
	Upsert(ctx context.Context, order *entities.Order) error
}

// BalanceOracle reports an owner's current token balance
type BalanceOracle interface {
	BalanceOf(ctx context.Context, owner, token string) (*big.Int, error)
}

// Guard reconciles required versus actual balances. It is an eventually
// consistent safety net; races against concurrent spends are accepted.
type Guard struct {
	store  OrderStore
	oracle BalanceOracle
	logger *zap.Logger
}

// NewGuard creates a balance guard
func NewGuard(store OrderStore, oracle BalanceOracle, logger *zap.Logger) *Guard {
	return &Guard{
		store:  store,
		oracle: oracle,
		logger: logger,
	}
}

// Report summarizes one reconciliation run
type Report struct {
	Checked   int
	Demoted   []*entities.Order
	Recovered []*entities.Order
}

// Run performs a demotion pass over active orders followed by a recovery
// pass over parked ones.
func (g *Guard) Run(ctx context.Context) (*Report, error) {
	report := &Report{}

	if err := g.reconcile(ctx, report); err != nil {
		return report, err
	}
	if err := g.recover(ctx, report); err != nil {
		return report, err
	}

	if len(report.Demoted) > 0 || len(report.Recovered) > 0 {
		g.logger.Info("Balance reconciliation finished",
			zap.Int("checked", report.Checked),
			zap.Int("demoted", len(report.Demoted)),
			zap.Int("recovered", len(report.Recovered)))
	}
	return report, nil
}

// reconcile demotes active orders whose owner cannot cover the next
// execution amount.
func (g *Guard) reconcile(ctx context.Context, report *Report) error {
	active, err := g.store.ListByStatus(ctx, entities.OrderStatusActive)
	if err != nil {
		return apperrors.Wrap(err, "list active orders")
	}

	balances := newBalanceCache(g.oracle)

	for _, order := range active {
		if order.RemainingExecutions() == 0 {
			continue
		}
		report.Checked++

		balance, err := balances.get(ctx, order.Owner, order.SourceToken)
		if err != nil {
			// Oracle trouble must not park orders; skip and retry next pass
			g.logger.Warn("Balance lookup failed, skipping order",
				zap.String("order_id", order.ID.String()),
				zap.String("owner", order.Owner),
				zap.Error(err))
			continue
		}

		required := order.PerExecutionAmount()
		if balance.Cmp(&required.Int) >= 0 {
			continue
		}

		order.Status = entities.OrderStatusInsufficientBalance
		order.UpdatedAt = time.Now().UTC()
		if err := g.store.Upsert(ctx, order); err != nil {
			g.logger.Error("Failed to park underfunded order",
				zap.String("order_id", order.ID.String()),
				zap.Error(err))
			continue
		}

		metrics.BalanceTransitionsTotal.WithLabelValues("demoted").Inc()
		report.Demoted = append(report.Demoted, order)
		g.logger.Info("Order parked, insufficient balance",
			zap.String("order_id", order.ID.String()),
			zap.String("owner", order.Owner),
			zap.String("required", required.String()),
			zap.String("balance", balance.String()))
	}

	return nil
}

// recover restores parked orders once the owner's balance covers the
// per-execution amount again.
func (g *Guard) recover(ctx context.Context, report *Report) error {
	parked, err := g.store.ListByStatus(ctx, entities.OrderStatusInsufficientBalance)
	if err != nil {
		return apperrors.Wrap(err, "list parked orders")
	}

	balances := newBalanceCache(g.oracle)

	for _, order := range parked {
		balance, err := balances.get(ctx, order.Owner, order.SourceToken)
		if err != nil {
			g.logger.Warn("Balance lookup failed during recovery",
				zap.String("order_id", order.ID.String()),
				zap.Error(err))
			continue
		}

		required := order.PerExecutionAmount()
		if balance.Cmp(&required.Int) < 0 {
			continue
		}

		order.Status = entities.OrderStatusActive
		order.UpdatedAt = time.Now().UTC()
		if err := g.store.Upsert(ctx, order); err != nil {
			g.logger.Error("Failed to restore recovered order",
				zap.String("order_id", order.ID.String()),
				zap.Error(err))
			continue
		}

		metrics.BalanceTransitionsTotal.WithLabelValues("recovered").Inc()
		report.Recovered = append(report.Recovered, order)
		g.logger.Info("Order restored, balance recovered",
			zap.String("order_id", order.ID.String()),
			zap.String("owner", order.Owner))
	}

	return nil
}

// balanceCache deduplicates oracle lookups within a single pass
type balanceCache struct {
	oracle   BalanceOracle
	balances map[string]*big.Int
}

func newBalanceCache(oracle BalanceOracle) *balanceCache {
	return &balanceCache{
		oracle:   oracle,
		balances: make(map[string]*big.Int),
	}
}

func (c *balanceCache) get(ctx context.Context, owner, token string) (*big.Int, error) {
	key := owner + ":" + token
	if b, ok := c.balances[key]; ok {
		return b, nil
	}
	b, err := c.oracle.BalanceOf(ctx, owner, token)
	if err != nil {
		return nil, err
	}
	c.balances[key] = b
	return b, nil
}
