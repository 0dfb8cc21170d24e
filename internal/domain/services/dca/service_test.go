package dca

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/dcaflow/dca_service/internal/domain/entities"
	apperrors "github.com/dcaflow/dca_service/internal/domain/errors"
	"github.com/dcaflow/dca_service/internal/domain/services/execution"
)

// memStore is an in-memory OrderStore
type memStore struct {
	mu         sync.Mutex
	orders     map[uuid.UUID]*entities.Order
	executions map[uuid.UUID][]*entities.Execution
	recordErr  error
}

func newMemStore() *memStore {
	return &memStore{
		orders:     make(map[uuid.UUID]*entities.Order),
		executions: make(map[uuid.UUID][]*entities.Execution),
	}
}

func (m *memStore) Get(ctx context.Context, id uuid.UUID) (*entities.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	if !ok {
		return nil, nil
	}
	cp := *order
	return &cp, nil
}

func (m *memStore) ListDue(ctx context.Context, now time.Time) ([]*entities.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*entities.Order
	for _, order := range m.orders {
		if order.Status == entities.OrderStatusActive &&
			!order.NextExecutionAt.After(now) &&
			order.ExecutionsCount < order.TotalExecutions {
			cp := *order
			due = append(due, &cp)
		}
	}
	return due, nil
}

func (m *memStore) ListByStatus(ctx context.Context, status entities.OrderStatus) ([]*entities.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entities.Order
	for _, order := range m.orders {
		if order.Status == status {
			cp := *order
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) Upsert(ctx context.Context, order *entities.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *memStore) RecordExecution(ctx context.Context, order *entities.Order, exec *entities.Execution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	// All or nothing, matching the transactional repository
	if m.recordErr != nil {
		return m.recordErr
	}
	m.executions[order.ID] = append(m.executions[order.ID], exec)
	cp := *order
	m.orders[order.ID] = &cp
	return nil
}

func (m *memStore) ListExecutions(ctx context.Context, orderID uuid.UUID, limit int) ([]*entities.Execution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.executions[orderID], nil
}

// stubResolver returns a canned swap or error
type stubResolver struct {
	swap *entities.ExecutableSwap
	err  error
}

func (s *stubResolver) BestSwap(ctx context.Context, req *entities.SwapRequest) (*entities.ExecutableSwap, error) {
	if s.err != nil {
		return nil, s.err
	}
	swap := *s.swap
	swap.SellAmount = new(big.Int).Set(req.SellAmount)
	return &swap, nil
}

// stubQuotes returns a canned selection
type stubQuotes struct {
	selection *entities.QuoteSelection
	err       error
}

func (s *stubQuotes) BestQuote(ctx context.Context, req *entities.SwapRequest) (*entities.QuoteSelection, error) {
	return s.selection, s.err
}

// stubWallet records submissions
type stubWallet struct {
	mu      sync.Mutex
	submits int
	result  *entities.SubmitResult
	err     error
}

func (s *stubWallet) Submit(ctx context.Context, owner, sourceToken, destToken string, amount *big.Int, swap *entities.ExecutableSwap) (*entities.SubmitResult, error) {
	s.mu.Lock()
	s.submits++
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

// memLeases is an in-memory LeaseManager
type memLeases struct {
	mu   sync.Mutex
	held map[string]bool
}

func newMemLeases() *memLeases {
	return &memLeases{held: make(map[string]bool)}
}

func (m *memLeases) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.held[key] {
		return false, nil
	}
	m.held[key] = true
	return true, nil
}

func (m *memLeases) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.held, key)
	return nil
}

func fastOrchestrator() *execution.Orchestrator {
	policies := execution.DefaultPolicies()
	for kind, p := range policies {
		p.BaseDelay = time.Millisecond
		p.MaxDelay = 2 * time.Millisecond
		p.JitterFraction = 0
		policies[kind] = p
	}
	return execution.NewOrchestrator(policies, zap.NewNop())
}

func goodSwap() *entities.ExecutableSwap {
	return &entities.ExecutableSwap{
		Aggregator:      "0x",
		BuyAmount:       big.NewInt(500),
		MinimumReceived: big.NewInt(492),
		Target:          "0xdef1",
		Calldata:        []byte{0x01},
		Success:         true,
	}
}

func goodSubmit() *entities.SubmitResult {
	return &entities.SubmitResult{
		Success:  true,
		TxRef:    "0xtx1",
		GasUsed:  big.NewInt(180000),
		GasPrice: big.NewInt(40000000000),
	}
}

type fixture struct {
	store    *memStore
	resolver *stubResolver
	quotes   *stubQuotes
	wallet   *stubWallet
	leases   *memLeases
	service  *Service
}

func newFixture() *fixture {
	f := &fixture{
		store:    newMemStore(),
		resolver: &stubResolver{swap: goodSwap()},
		quotes:   &stubQuotes{},
		wallet:   &stubWallet{result: goodSubmit()},
		leases:   newMemLeases(),
	}
	f.service = NewService(f.store, f.resolver, f.quotes, f.wallet, f.leases,
		fastOrchestrator(), Config{}, zap.NewNop())
	return f
}

func validCreateRequest() *CreateOrderRequest {
	return &CreateOrderRequest{
		Owner:           "0xowner",
		SourceToken:     "USDC",
		DestToken:       "WETH",
		TotalAmount:     entities.NewBigInt(1000),
		Frequency:       entities.FrequencyDaily,
		TotalExecutions: 10,
	}
}

func TestCreateOrder(t *testing.T) {
	f := newFixture()

	t.Run("persists a valid order with first execution due now", func(t *testing.T) {
		before := time.Now().UTC()
		order, err := f.service.CreateOrder(context.Background(), validCreateRequest())
		require.NoError(t, err)

		assert.Equal(t, entities.OrderStatusActive, order.Status)
		assert.Equal(t, 0, order.ExecutionsCount)
		assert.Equal(t, "100", order.PerExecutionAmount().String())
		assert.False(t, order.NextExecutionAt.Before(before))
		assert.False(t, order.NextExecutionAt.After(time.Now().UTC()))
	})

	t.Run("rejects invalid requests", func(t *testing.T) {
		tests := []struct {
			name   string
			mutate func(*CreateOrderRequest)
		}{
			{"missing owner", func(r *CreateOrderRequest) { r.Owner = "" }},
			{"missing token", func(r *CreateOrderRequest) { r.DestToken = "" }},
			{"zero amount", func(r *CreateOrderRequest) { r.TotalAmount = entities.NewBigInt(0) }},
			{"negative amount", func(r *CreateOrderRequest) { r.TotalAmount = entities.NewBigInt(-5) }},
			{"zero executions", func(r *CreateOrderRequest) { r.TotalExecutions = 0 }},
			{"bad frequency", func(r *CreateOrderRequest) { r.Frequency = "fortnightly" }},
			{"amount below execution count", func(r *CreateOrderRequest) {
				r.TotalAmount = entities.NewBigInt(5)
				r.TotalExecutions = 10
			}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				req := validCreateRequest()
				tt.mutate(req)
				_, err := f.service.CreateOrder(context.Background(), req)
				assert.Error(t, err)
			})
		}
	})
}

func TestExecuteOrderHappyPath(t *testing.T) {
	f := newFixture()
	order, err := f.service.CreateOrder(context.Background(), validCreateRequest())
	require.NoError(t, err)

	res := f.service.ExecuteOrder(context.Background(), order)
	require.NoError(t, res.Err)
	assert.True(t, res.Success)
	assert.Equal(t, "0xtx1", res.TxRef)

	stored, err := f.store.Get(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ExecutionsCount)
	assert.Equal(t, "100", stored.ExecutedAmount.String())
	assert.Equal(t, entities.OrderStatusActive, stored.Status)
	require.NotNil(t, stored.LastExecutedAt)

	// Next execution is exactly lastExecutedAt + interval
	interval, _ := entities.FrequencyDaily.Interval()
	assert.Equal(t, stored.LastExecutedAt.Add(interval), stored.NextExecutionAt)

	execs, err := f.store.ListExecutions(context.Background(), order.ID, 10)
	require.NoError(t, err)
	require.Len(t, execs, 1)
	assert.Equal(t, "100", execs[0].AmountIn.String())
	assert.Equal(t, "500", execs[0].AmountOut.String())
	assert.Equal(t, entities.ExecutionStatusCompleted, execs[0].Status)
}

func TestExecuteOrderNotReselectedWithinInterval(t *testing.T) {
	f := newFixture()
	order, err := f.service.CreateOrder(context.Background(), validCreateRequest())
	require.NoError(t, err)

	res := f.service.ExecuteOrder(context.Background(), order)
	require.True(t, res.Success)

	due, err := f.service.DueOrders(context.Background(), time.Now().UTC())
	require.NoError(t, err)
	assert.Empty(t, due)
}

func TestExecuteOrderCompletesAtFinalExecution(t *testing.T) {
	f := newFixture()
	order, err := f.service.CreateOrder(context.Background(), validCreateRequest())
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		fresh, err := f.store.Get(context.Background(), order.ID)
		require.NoError(t, err)
		// Force the order due again for the next round
		fresh.NextExecutionAt = time.Now().UTC().Add(-time.Second)
		require.NoError(t, f.store.Upsert(context.Background(), fresh))

		res := f.service.ExecuteOrder(context.Background(), fresh)
		require.True(t, res.Success, "execution %d failed: %v", i+1, res.Err)
	}

	stored, err := f.store.Get(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, entities.OrderStatusCompleted, stored.Status)
	assert.Equal(t, 10, stored.ExecutionsCount)
	assert.Equal(t, "1000", stored.ExecutedAmount.String())
	assert.Equal(t, 0, stored.RemainingExecutions())

	// A completed order is never eligible again
	fresh, _ := f.store.Get(context.Background(), order.ID)
	res := f.service.ExecuteOrder(context.Background(), fresh)
	assert.False(t, res.Success)
}

func TestExecuteOrderRejectsHeldLease(t *testing.T) {
	f := newFixture()
	order, err := f.service.CreateOrder(context.Background(), validCreateRequest())
	require.NoError(t, err)

	_, err = f.leases.Acquire(context.Background(), leaseKey(order.ID), time.Minute)
	require.NoError(t, err)

	res := f.service.ExecuteOrder(context.Background(), order)
	assert.False(t, res.Success)
	assert.ErrorIs(t, res.Err, apperrors.ErrOrderLeased)
	assert.Equal(t, 0, f.wallet.submits)
}

func TestExecuteOrderReleasesLeaseOnFailure(t *testing.T) {
	f := newFixture()
	f.resolver.err = apperrors.NewSwapError(apperrors.KindValidation, "agg", errors.New("bad"))

	order, err := f.service.CreateOrder(context.Background(), validCreateRequest())
	require.NoError(t, err)

	res := f.service.ExecuteOrder(context.Background(), order)
	assert.False(t, res.Success)

	// Lease must be reclaimable immediately
	acquired, err := f.leases.Acquire(context.Background(), leaseKey(order.ID), time.Minute)
	require.NoError(t, err)
	assert.True(t, acquired)

	// Counters untouched on failure
	stored, _ := f.store.Get(context.Background(), order.ID)
	assert.Equal(t, 0, stored.ExecutionsCount)
}

func TestExecuteOrderRecordFailureKeepsLedgerConsistent(t *testing.T) {
	f := newFixture()
	order, err := f.service.CreateOrder(context.Background(), validCreateRequest())
	require.NoError(t, err)

	f.store.recordErr = errors.New("connection reset")
	res := f.service.ExecuteOrder(context.Background(), order)
	assert.False(t, res.Success)
	assert.Error(t, res.Err)

	// The failed write leaves neither an execution row nor advanced counters
	stored, err := f.store.Get(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, stored.ExecutionsCount)
	assert.Equal(t, "0", stored.ExecutedAmount.String())
	execs, err := f.store.ListExecutions(context.Background(), order.ID, 10)
	require.NoError(t, err)
	assert.Empty(t, execs)

	// Once the store recovers the order executes again; the log and the
	// counters stay in lockstep
	f.store.recordErr = nil
	res = f.service.ExecuteOrder(context.Background(), stored)
	require.True(t, res.Success, "retry after store recovery failed: %v", res.Err)

	stored, err = f.store.Get(context.Background(), order.ID)
	require.NoError(t, err)
	execs, err = f.store.ListExecutions(context.Background(), order.ID, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.ExecutionsCount)
	require.Len(t, execs, 1)
	assert.Equal(t, 2, f.wallet.submits)
}

func TestExecuteOrderUserRejectionNotRetried(t *testing.T) {
	f := newFixture()
	f.wallet.err = apperrors.UserRejection("walletd", errors.New("declined"))

	order, err := f.service.CreateOrder(context.Background(), validCreateRequest())
	require.NoError(t, err)

	res := f.service.ExecuteOrder(context.Background(), order)
	assert.False(t, res.Success)
	assert.Equal(t, 1, f.wallet.submits)
	assert.Zero(t, res.RetryCount)
}

func TestExecuteOrderEscalatesExhaustedExecutionRetries(t *testing.T) {
	f := newFixture()
	f.wallet.err = apperrors.NewSwapError(apperrors.KindExecution, "walletd", errors.New("reverted"))

	order, err := f.service.CreateOrder(context.Background(), validCreateRequest())
	require.NoError(t, err)

	res := f.service.ExecuteOrder(context.Background(), order)
	assert.False(t, res.Success)
	assert.True(t, res.Escalated)

	stored, _ := f.store.Get(context.Background(), order.ID)
	assert.Equal(t, entities.OrderStatusPaused, stored.Status)
	assert.True(t, stored.NeedsIntervention)
	require.NotNil(t, stored.InterventionReason)
	assert.Contains(t, *stored.InterventionReason, "retries exhausted")
}

func TestProcessDueOrders(t *testing.T) {
	f := newFixture()

	for i := 0; i < 3; i++ {
		_, err := f.service.CreateOrder(context.Background(), validCreateRequest())
		require.NoError(t, err)
	}

	results, err := f.service.ProcessDueOrders(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)
	for _, res := range results {
		assert.True(t, res.Success)
	}
	assert.Equal(t, 3, f.wallet.submits)

	// Nothing due on the next cycle
	results, err = f.service.ProcessDueOrders(context.Background())
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestOrderTransitions(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	t.Run("pause and resume", func(t *testing.T) {
		order, err := f.service.CreateOrder(ctx, validCreateRequest())
		require.NoError(t, err)

		require.NoError(t, f.service.PauseOrder(ctx, order.ID))
		stored, _ := f.store.Get(ctx, order.ID)
		assert.Equal(t, entities.OrderStatusPaused, stored.Status)

		// Pausing a paused order is invalid
		assert.Error(t, f.service.PauseOrder(ctx, order.ID))

		require.NoError(t, f.service.ResumeOrder(ctx, order.ID))
		stored, _ = f.store.Get(ctx, order.ID)
		assert.Equal(t, entities.OrderStatusActive, stored.Status)

		// Resuming an active order is invalid
		assert.Error(t, f.service.ResumeOrder(ctx, order.ID))
	})

	t.Run("cancel is terminal", func(t *testing.T) {
		order, err := f.service.CreateOrder(ctx, validCreateRequest())
		require.NoError(t, err)

		require.NoError(t, f.service.CancelOrder(ctx, order.ID))
		assert.Error(t, f.service.CancelOrder(ctx, order.ID))
		assert.Error(t, f.service.ResumeOrder(ctx, order.ID))

		// Cancelled orders never execute
		stored, _ := f.store.Get(ctx, order.ID)
		res := f.service.ExecuteOrder(ctx, stored)
		assert.False(t, res.Success)
	})

	t.Run("unknown order", func(t *testing.T) {
		assert.Error(t, f.service.PauseOrder(ctx, uuid.New()))
	})
}

func TestQuoteNextExecution(t *testing.T) {
	f := newFixture()
	f.quotes.selection = &entities.QuoteSelection{
		Best: &entities.Quote{Aggregator: "0x", BuyAmount: big.NewInt(500)},
	}

	order, err := f.service.CreateOrder(context.Background(), validCreateRequest())
	require.NoError(t, err)

	sel, err := f.service.QuoteNextExecution(context.Background(), order.ID)
	require.NoError(t, err)
	assert.Equal(t, "0x", sel.Best.Aggregator)
}

func TestPerExecutionAmountIntegerDivision(t *testing.T) {
	order := &entities.Order{
		TotalAmount:     entities.NewBigInt(1000),
		TotalExecutions: 3,
	}
	// 1000 / 3 = 333; remainder stays unspent
	assert.Equal(t, "333", order.PerExecutionAmount().String())
}
