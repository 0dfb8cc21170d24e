// Package dca owns the DCA order state machine: due-order selection,
// exclusive execution leasing, and schedule advancement.
package dca

import (
	"context"
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dcaflow/dca_service/internal/domain/entities"
	apperrors "github.com/dcaflow/dca_service/internal/domain/errors"
	"github.com/dcaflow/dca_service/internal/domain/services/execution"
	"github.com/dcaflow/dca_service/internal/infrastructure/metrics"
)

const (
	defaultLeaseTTL      = 2 * time.Minute
	defaultMaxConcurrent = 8
)

// OrderStore is the persistence contract for orders and executions
type OrderStore interface {
	Get(ctx context.Context, id uuid.UUID) (*entities.Order, error)
	ListDue(ctx context.Context, now time.Time) ([]*entities.Order, error)
	ListByStatus(ctx context.Context, status entities.OrderStatus) ([]*entities.Order, error)
	Upsert(ctx context.Context, order *entities.Order) error
	// RecordExecution persists the execution record and the advanced order
	// atomically; a partial write must not be observable.
	RecordExecution(ctx context.Context, order *entities.Order, exec *entities.Execution) error
	ListExecutions(ctx context.Context, orderID uuid.UUID, limit int) ([]*entities.Execution, error)
}

// SwapResolver produces an executable swap for an order slice
type SwapResolver interface {
	BestSwap(ctx context.Context, req *entities.SwapRequest) (*entities.ExecutableSwap, error)
}

// QuoteFinder provides indicative pricing without building a transaction
type QuoteFinder interface {
	BestQuote(ctx context.Context, req *entities.SwapRequest) (*entities.QuoteSelection, error)
}

// WalletExecutor submits a swap through the externally managed wallet.
// Signing and session-key mechanics are entirely its responsibility.
type WalletExecutor interface {
	Submit(ctx context.Context, owner, sourceToken, destToken string, amount *big.Int, swap *entities.ExecutableSwap) (*entities.SubmitResult, error)
}

// LeaseManager grants time-bounded exclusive claims on an order so
// concurrent schedulers cannot double-execute it.
type LeaseManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)
	Release(ctx context.Context, key string) error
}

// Config tunes the scheduler
type Config struct {
	// LeaseTTL bounds an execution lease so an abandoned one is reclaimable
	LeaseTTL time.Duration
	// MaxConcurrent caps parallel order executions per cycle
	MaxConcurrent int
}

// Service is the order scheduler
type Service struct {
	store        OrderStore
	resolver     SwapResolver
	quotes       QuoteFinder
	wallet       WalletExecutor
	leases       LeaseManager
	orchestrator *execution.Orchestrator
	config       Config
	logger       *zap.Logger
}

// NewService creates the order scheduler
func NewService(
	store OrderStore,
	resolver SwapResolver,
	quotes QuoteFinder,
	wallet WalletExecutor,
	leases LeaseManager,
	orchestrator *execution.Orchestrator,
	config Config,
	logger *zap.Logger,
) *Service {
	if config.LeaseTTL == 0 {
		config.LeaseTTL = defaultLeaseTTL
	}
	if config.MaxConcurrent == 0 {
		config.MaxConcurrent = defaultMaxConcurrent
	}
	return &Service{
		store:        store,
		resolver:     resolver,
		quotes:       quotes,
		wallet:       wallet,
		leases:       leases,
		orchestrator: orchestrator,
		config:       config,
		logger:       logger,
	}
}

// CreateOrderRequest describes a new DCA order
type CreateOrderRequest struct {
	Owner           string
	SourceToken     string
	DestToken       string
	TotalAmount     *entities.BigInt
	Frequency       entities.Frequency
	TotalExecutions int
}

// CreateOrder validates and persists a new order. The first execution is due
// immediately; subsequent ones advance by the frequency interval.
func (s *Service) CreateOrder(ctx context.Context, req *CreateOrderRequest) (*entities.Order, error) {
	if req.Owner == "" {
		return nil, apperrors.ValidationError("owner", "required")
	}
	if req.SourceToken == "" || req.DestToken == "" {
		return nil, apperrors.ValidationError("tokens", "source and destination required")
	}
	if req.TotalAmount == nil || req.TotalAmount.Sign() <= 0 {
		return nil, apperrors.ValidationError("total_amount", "must be positive")
	}
	if req.TotalExecutions <= 0 {
		return nil, apperrors.ValidationError("total_executions", "must be positive")
	}
	if !req.Frequency.Valid() {
		return nil, apperrors.ValidationError("frequency", fmt.Sprintf("unsupported frequency %q", req.Frequency))
	}
	if req.TotalAmount.Cmp(big.NewInt(int64(req.TotalExecutions))) < 0 {
		return nil, apperrors.ValidationError("total_amount", "below one smallest unit per execution")
	}

	now := time.Now().UTC()
	order := &entities.Order{
		ID:              uuid.New(),
		Owner:           req.Owner,
		SourceToken:     req.SourceToken,
		DestToken:       req.DestToken,
		TotalAmount:     req.TotalAmount.Clone(),
		Frequency:       req.Frequency,
		TotalExecutions: req.TotalExecutions,
		Status:          entities.OrderStatusActive,
		ExecutedAmount:  entities.NewBigInt(0),
		NextExecutionAt: now,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	if err := s.store.Upsert(ctx, order); err != nil {
		return nil, apperrors.Wrap(err, "create order")
	}

	s.logger.Info("DCA order created",
		zap.String("order_id", order.ID.String()),
		zap.String("owner", order.Owner),
		zap.String("frequency", string(order.Frequency)),
		zap.Int("total_executions", order.TotalExecutions))

	return order, nil
}

// DueOrders returns orders eligible for execution at the given instant:
// active, next execution reached, and executions still owed.
func (s *Service) DueOrders(ctx context.Context, now time.Time) ([]*entities.Order, error) {
	return s.store.ListDue(ctx, now)
}

// ProcessDueOrders executes every currently due order with bounded
// concurrency. Individual failures are logged and surfaced in the results;
// one bad order never blocks the rest of the cycle.
func (s *Service) ProcessDueOrders(ctx context.Context) ([]*ExecutionResult, error) {
	due, err := s.DueOrders(ctx, time.Now().UTC())
	if err != nil {
		return nil, apperrors.Wrap(err, "list due orders")
	}
	metrics.DueOrdersGauge.Set(float64(len(due)))
	if len(due) == 0 {
		return nil, nil
	}

	s.logger.Info("Processing due orders", zap.Int("count", len(due)))

	results := make([]*ExecutionResult, len(due))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.config.MaxConcurrent)

	for i, order := range due {
		i, order := i, order
		g.Go(func() error {
			res := s.ExecuteOrder(gctx, order)
			results[i] = res
			if !res.Success {
				s.logger.Warn("Order execution failed",
					zap.String("order_id", order.ID.String()),
					zap.Int("retries", res.RetryCount),
					zap.Error(res.Err))
			}
			return nil
		})
	}

	_ = g.Wait()
	return results, nil
}

// ExecutionResult is the structured outcome of one execution attempt
type ExecutionResult struct {
	OrderID      uuid.UUID
	Success      bool
	TxRef        string
	RetryCount   int
	FallbackUsed bool
	Escalated    bool
	Err          error
}

// ExecuteOrder runs a single order execution under an exclusive lease.
// The lease is released on every path; its TTL reclaims abandoned leases.
// On failure no counters are mutated and the next cycle retries naturally.
func (s *Service) ExecuteOrder(ctx context.Context, order *entities.Order) *ExecutionResult {
	result := &ExecutionResult{OrderID: order.ID}

	leaseKey := leaseKey(order.ID)
	acquired, err := s.leases.Acquire(ctx, leaseKey, s.config.LeaseTTL)
	if err != nil {
		result.Err = apperrors.Wrap(err, "acquire execution lease")
		return result
	}
	if !acquired {
		result.Err = apperrors.ErrOrderLeased
		return result
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.leases.Release(releaseCtx, leaseKey); err != nil {
			s.logger.Warn("Failed to release execution lease",
				zap.String("order_id", order.ID.String()),
				zap.Error(err))
		}
	}()

	// Re-read under the lease so two schedulers racing on the same due
	// snapshot cannot both execute.
	fresh, err := s.store.Get(ctx, order.ID)
	if err != nil {
		result.Err = apperrors.Wrap(err, "reload order")
		return result
	}
	if fresh == nil {
		result.Err = apperrors.NotFoundError("order")
		return result
	}
	if !s.eligible(fresh) {
		result.Err = apperrors.NewDomainError(apperrors.ErrConflict, "ORDER_NOT_DUE",
			"order no longer eligible for execution")
		return result
	}
	order = fresh

	amount := order.PerExecutionAmount()
	req := &entities.SwapRequest{
		SellToken:  order.SourceToken,
		BuyToken:   order.DestToken,
		SellAmount: &amount.Int,
		Trader:     order.Owner,
	}

	var swap *entities.ExecutableSwap
	var submitted *entities.SubmitResult

	outcome := s.orchestrator.Run(ctx, func(ctx context.Context) error {
		var err error
		swap, err = s.resolver.BestSwap(ctx, req)
		if err != nil {
			return err
		}
		submitted, err = s.wallet.Submit(ctx, order.Owner, order.SourceToken, order.DestToken, &amount.Int, swap)
		if err != nil {
			return err
		}
		if !submitted.Success {
			if submitted.Error != nil {
				return submitted.Error
			}
			return apperrors.NewSwapError(apperrors.KindExecution, "wallet-executor",
				fmt.Errorf("submission reported failure without error"))
		}
		return nil
	}, execution.RunOptions{
		OnExecutionExhausted: func(ctx context.Context, cause error) {
			s.flagForIntervention(ctx, order, cause)
		},
	})

	result.RetryCount = outcome.RetryCount
	result.Escalated = outcome.Escalated
	if swap != nil {
		result.FallbackUsed = swap.Fallback
	}

	if !outcome.Success {
		result.Err = outcome.Err
		metrics.ExecutionsTotal.WithLabelValues("failed").Inc()
		return result
	}

	if err := s.recordExecution(ctx, order, swap, submitted); err != nil {
		result.Err = err
		metrics.ExecutionsTotal.WithLabelValues("record_failed").Inc()
		return result
	}

	result.Success = true
	result.TxRef = submitted.TxRef
	metrics.ExecutionsTotal.WithLabelValues("success").Inc()
	return result
}

func (s *Service) eligible(order *entities.Order) bool {
	return order.Status == entities.OrderStatusActive &&
		order.ExecutionsCount < order.TotalExecutions &&
		!order.NextExecutionAt.After(time.Now().UTC())
}

// recordExecution appends the execution record and advances the schedule in
// lockstep: counters, cumulative amount, and the exact next execution time.
func (s *Service) recordExecution(ctx context.Context, order *entities.Order, swap *entities.ExecutableSwap, submitted *entities.SubmitResult) error {
	executedAt := time.Now().UTC()
	amount := order.PerExecutionAmount()

	exec := &entities.Execution{
		ID:         uuid.New(),
		OrderID:    order.ID,
		AmountIn:   amount,
		AmountOut:  &entities.BigInt{Int: *new(big.Int).Set(swap.BuyAmount)},
		TxRef:      submitted.TxRef,
		ExecutedAt: executedAt,
		Status:     entities.ExecutionStatusCompleted,
		CreatedAt:  executedAt,
	}
	if submitted.GasUsed != nil {
		exec.GasUsed = &entities.BigInt{Int: *new(big.Int).Set(submitted.GasUsed)}
	}
	if submitted.GasPrice != nil {
		exec.GasPrice = &entities.BigInt{Int: *new(big.Int).Set(submitted.GasPrice)}
	}

	interval, err := order.Frequency.Interval()
	if err != nil {
		return err
	}

	order.ExecutionsCount++
	order.ExecutedAmount.Add(&order.ExecutedAmount.Int, &amount.Int)
	order.LastExecutedAt = &executedAt
	order.NextExecutionAt = executedAt.Add(interval)
	order.UpdatedAt = executedAt
	if order.ExecutionsCount >= order.TotalExecutions {
		order.Status = entities.OrderStatusCompleted
	}

	if err := s.store.RecordExecution(ctx, order, exec); err != nil {
		return apperrors.Wrap(err, "record execution")
	}

	s.logger.Info("Order executed",
		zap.String("order_id", order.ID.String()),
		zap.String("tx_ref", submitted.TxRef),
		zap.Int("executions_count", order.ExecutionsCount),
		zap.String("status", string(order.Status)))

	return nil
}

// flagForIntervention pauses the order and marks it for manual review.
// Invoked only when Execution-kind retries are exhausted.
func (s *Service) flagForIntervention(ctx context.Context, order *entities.Order, cause error) {
	reason := fmt.Sprintf("execution retries exhausted: %v", cause)
	order.Status = entities.OrderStatusPaused
	order.NeedsIntervention = true
	order.InterventionReason = &reason
	order.UpdatedAt = time.Now().UTC()

	if err := s.store.Upsert(ctx, order); err != nil {
		s.logger.Error("Failed to flag order for intervention",
			zap.String("order_id", order.ID.String()),
			zap.Error(err))
		return
	}

	s.logger.Warn("Order paused for manual intervention",
		zap.String("order_id", order.ID.String()),
		zap.String("reason", reason))
}

// PauseOrder pauses an active order
func (s *Service) PauseOrder(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, "pause", func(order *entities.Order) error {
		if order.Status != entities.OrderStatusActive {
			return apperrors.InvalidTransitionError(string(order.Status), "pause")
		}
		order.Status = entities.OrderStatusPaused
		return nil
	})
}

// ResumeOrder resumes a paused order
func (s *Service) ResumeOrder(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, "resume", func(order *entities.Order) error {
		if order.Status != entities.OrderStatusPaused {
			return apperrors.InvalidTransitionError(string(order.Status), "resume")
		}
		order.Status = entities.OrderStatusActive
		order.NeedsIntervention = false
		order.InterventionReason = nil
		return nil
	})
}

// CancelOrder cancels an order unless it already reached a terminal state
func (s *Service) CancelOrder(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, "cancel", func(order *entities.Order) error {
		if order.Status.IsTerminal() {
			return apperrors.InvalidTransitionError(string(order.Status), "cancel")
		}
		order.Status = entities.OrderStatusCancelled
		return nil
	})
}

// GetOrder returns a single order
func (s *Service) GetOrder(ctx context.Context, id uuid.UUID) (*entities.Order, error) {
	order, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if order == nil {
		return nil, apperrors.NotFoundError("order")
	}
	return order, nil
}

// QuoteNextExecution returns indicative pricing for the order's next
// execution without committing to anything.
func (s *Service) QuoteNextExecution(ctx context.Context, id uuid.UUID) (*entities.QuoteSelection, error) {
	order, err := s.GetOrder(ctx, id)
	if err != nil {
		return nil, err
	}
	if order.RemainingExecutions() == 0 {
		return nil, apperrors.ValidationError("order", "no executions remaining")
	}

	amount := order.PerExecutionAmount()
	return s.quotes.BestQuote(ctx, &entities.SwapRequest{
		SellToken:  order.SourceToken,
		BuyToken:   order.DestToken,
		SellAmount: &amount.Int,
		Trader:     order.Owner,
	})
}

// ExecutionHistory returns the order's execution records, oldest first
func (s *Service) ExecutionHistory(ctx context.Context, id uuid.UUID, limit int) ([]*entities.Execution, error) {
	return s.store.ListExecutions(ctx, id, limit)
}

func (s *Service) transition(ctx context.Context, id uuid.UUID, action string, mutate func(*entities.Order) error) error {
	order, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if order == nil {
		return apperrors.NotFoundError("order")
	}
	if err := mutate(order); err != nil {
		return err
	}
	order.UpdatedAt = time.Now().UTC()
	if err := s.store.Upsert(ctx, order); err != nil {
		return apperrors.Wrap(err, action+" order")
	}

	s.logger.Info("Order transition",
		zap.String("order_id", id.String()),
		zap.String("action", action),
		zap.String("status", string(order.Status)))
	return nil
}

func leaseKey(id uuid.UUID) string {
	return "order-exec:" + id.String()
}
