package balance

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
)

type memStore struct {
	mu     sync.Mutex
	orders map[uuid.UUID]*entities.Order
}

func newMemStore(orders ...*entities.Order) *memStore {
	m := &memStore{orders: make(map[uuid.UUID]*entities.Order)}
	for _, o := range orders {
		m.orders[o.ID] = o
	}
	return m
}

func (m *memStore) ListByStatus(ctx context.Context, status entities.OrderStatus) ([]*entities.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*entities.Order
	for _, o := range m.orders {
		if o.Status == status {
			cp := *o
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

type stubOracle struct {
	mu       sync.Mutex
	balances map[string]*big.Int
	err      error
	calls    int
}

func (s *stubOracle) BalanceOf(ctx context.Context, owner, token string) (*big.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	if b, ok := s.balances[owner+":"+token]; ok {
		return new(big.Int).Set(b), nil
	}
	return big.NewInt(0), nil
}

func testOrder(owner string, status entities.OrderStatus, total int64, executions int) *entities.Order {
	return &entities.Order{
		ID:              uuid.New(),
		Owner:           owner,
		SourceToken:     "USDC",
		DestToken:       "WETH",
		TotalAmount:     entities.NewBigInt(total),
		Frequency:       entities.FrequencyDaily,
		TotalExecutions: executions,
		Status:          status,
		ExecutedAmount:  entities.NewBigInt(0),
		NextExecutionAt: time.Now().UTC(),
		CreatedAt:       time.Now().UTC(),
		UpdatedAt:       time.Now().UTC(),
	}
}

func TestGuardDemotesUnderfundedOrders(t *testing.T) {
	// Per-execution amount is 100/10 = 10; balance of 5 cannot cover it
	order := testOrder("0xpoor", entities.OrderStatusActive, 100, 10)
	store := newMemStore(order)
	oracle := &stubOracle{balances: map[string]*big.Int{
		"0xpoor:USDC": big.NewInt(5),
	}}

	report, err := NewGuard(store, oracle, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 1, report.Checked)
	require.Len(t, report.Demoted, 1)
	assert.Empty(t, report.Recovered)

	stored, _ := store.ListByStatus(context.Background(), entities.OrderStatusInsufficientBalance)
	require.Len(t, stored, 1)
	assert.Equal(t, order.ID, stored[0].ID)
}

func TestGuardKeepsFundedOrdersActive(t *testing.T) {
	order := testOrder("0xrich", entities.OrderStatusActive, 100, 10)
	store := newMemStore(order)
	oracle := &stubOracle{balances: map[string]*big.Int{
		"0xrich:USDC": big.NewInt(10),
	}}

	report, err := NewGuard(store, oracle, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)

	assert.Empty(t, report.Demoted)
	active, _ := store.ListByStatus(context.Background(), entities.OrderStatusActive)
	assert.Len(t, active, 1)
}

func TestGuardRecoversWhenBalanceReturns(t *testing.T) {
	order := testOrder("0xback", entities.OrderStatusInsufficientBalance, 100, 10)
	store := newMemStore(order)
	oracle := &stubOracle{balances: map[string]*big.Int{
		"0xback:USDC": big.NewInt(10),
	}}

	report, err := NewGuard(store, oracle, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)

	require.Len(t, report.Recovered, 1)
	active, _ := store.ListByStatus(context.Background(), entities.OrderStatusActive)
	assert.Len(t, active, 1)
}

func TestGuardSkipsOnOracleFailure(t *testing.T) {
	order := testOrder("0xunknown", entities.OrderStatusActive, 100, 10)
	store := newMemStore(order)
	oracle := &stubOracle{err: errors.New("oracle down")}

	report, err := NewGuard(store, oracle, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)

	// Oracle trouble never parks orders
	assert.Empty(t, report.Demoted)
	active, _ := store.ListByStatus(context.Background(), entities.OrderStatusActive)
	assert.Len(t, active, 1)
}

func TestGuardIgnoresFinishedOrders(t *testing.T) {
	done := testOrder("0xdone", entities.OrderStatusActive, 100, 10)
	done.ExecutionsCount = 10
	store := newMemStore(done)
	oracle := &stubOracle{}

	report, err := NewGuard(store, oracle, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)

	assert.Zero(t, report.Checked)
	assert.Empty(t, report.Demoted)
}

func TestGuardDeduplicatesBalanceLookups(t *testing.T) {
	a := testOrder("0xsame", entities.OrderStatusActive, 100, 10)
	b := testOrder("0xsame", entities.OrderStatusActive, 200, 10)
	store := newMemStore(a, b)
	oracle := &stubOracle{balances: map[string]*big.Int{
		"0xsame:USDC": big.NewInt(1000),
	}}

	_, err := NewGuard(store, oracle, zap.NewNop()).Run(context.Background())
	require.NoError(t, err)

	// One owner+token pair means one lookup for the demotion pass
	assert.Equal(t, 1, oracle.calls)
}
