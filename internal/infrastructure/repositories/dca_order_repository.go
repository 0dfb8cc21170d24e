package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/dcaflow/dca_service/internal/domain/entities"
	apperrors "github.com/dcaflow/dca_service/internal/domain/errors"
	"github.com/dcaflow/dca_service/internal/infrastructure/database"
)

// DCAOrderRepository handles DCA order and execution database operations
type DCAOrderRepository struct {
	db *sqlx.DB
}

// NewDCAOrderRepository creates a new DCA order repository
func NewDCAOrderRepository(db *sqlx.DB) *DCAOrderRepository {
	return &DCAOrderRepository{db: db}
}

const orderColumns = `
	id, owner, source_token, dest_token, total_amount, frequency,
	total_executions, executions_count, status, executed_amount,
	next_execution_at, last_executed_at, needs_intervention,
	intervention_reason, created_at, updated_at
`

// Get retrieves an order by ID
func (r *DCAOrderRepository) Get(ctx context.Context, id uuid.UUID) (*entities.Order, error) {
	var order entities.Order
	query := `SELECT ` + orderColumns + ` FROM dca_orders WHERE id = $1`

	err := r.db.GetContext(ctx, &order, query, id)
	if err == sql.ErrNoRows {
		return nil, apperrors.NotFoundError("order")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order: %w", err)
	}

	return &order, nil
}

// ListDue returns active orders whose next execution time has passed and
// that still owe executions, oldest due first.
func (r *DCAOrderRepository) ListDue(ctx context.Context, now time.Time) ([]*entities.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM dca_orders
		WHERE status = $1
		AND next_execution_at <= $2
		AND executions_count < total_executions
		ORDER BY next_execution_at ASC
	`

	var orders []*entities.Order
	err := r.db.SelectContext(ctx, &orders, query, entities.OrderStatusActive, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due orders: %w", err)
	}

	return orders, nil
}

// ListByStatus returns all orders in the given status
func (r *DCAOrderRepository) ListByStatus(ctx context.Context, status entities.OrderStatus) ([]*entities.Order, error) {
	query := `
		SELECT ` + orderColumns + `
		FROM dca_orders
		WHERE status = $1
		ORDER BY created_at ASC
	`

	var orders []*entities.Order
	err := r.db.SelectContext(ctx, &orders, query, status)
	if err != nil {
		return nil, fmt.Errorf("failed to list orders by status: %w", err)
	}

	return orders, nil
}

const upsertOrderQuery = `
	INSERT INTO dca_orders (
		id, owner, source_token, dest_token, total_amount, frequency,
		total_executions, executions_count, status, executed_amount,
		next_execution_at, last_executed_at, needs_intervention,
		intervention_reason, created_at, updated_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	ON CONFLICT (id) DO UPDATE SET
		executions_count = EXCLUDED.executions_count,
		status = EXCLUDED.status,
		executed_amount = EXCLUDED.executed_amount,
		next_execution_at = EXCLUDED.next_execution_at,
		last_executed_at = EXCLUDED.last_executed_at,
		needs_intervention = EXCLUDED.needs_intervention,
		intervention_reason = EXCLUDED.intervention_reason,
		updated_at = EXCLUDED.updated_at
`

const insertExecutionQuery = `
	INSERT INTO dca_executions (
		id, order_id, amount_in, amount_out, tx_ref, executed_at,
		status, gas_used, gas_price, created_at
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`

func orderArgs(order *entities.Order) []interface{} {
	return []interface{}{
		order.ID,
		order.Owner,
		order.SourceToken,
		order.DestToken,
		order.TotalAmount,
		order.Frequency,
		order.TotalExecutions,
		order.ExecutionsCount,
		order.Status,
		order.ExecutedAmount,
		order.NextExecutionAt,
		order.LastExecutedAt,
		order.NeedsIntervention,
		order.InterventionReason,
		order.CreatedAt,
		order.UpdatedAt,
	}
}

func executionArgs(orderID uuid.UUID, exec *entities.Execution) []interface{} {
	return []interface{}{
		exec.ID,
		orderID,
		exec.AmountIn,
		exec.AmountOut,
		exec.TxRef,
		exec.ExecutedAt,
		exec.Status,
		exec.GasUsed,
		exec.GasPrice,
		exec.CreatedAt,
	}
}

// Upsert creates or updates an order
func (r *DCAOrderRepository) Upsert(ctx context.Context, order *entities.Order) error {
	if _, err := r.db.ExecContext(ctx, upsertOrderQuery, orderArgs(order)...); err != nil {
		return fmt.Errorf("failed to upsert order: %w", err)
	}
	return nil
}

// RecordExecution appends the execution row and advances the order schedule
// in a single transaction, so a partial write can never leave the execution
// log and the order counters disagreeing.
func (r *DCAOrderRepository) RecordExecution(ctx context.Context, order *entities.Order, exec *entities.Execution) error {
	return database.WithTransaction(ctx, r.db, func(tx *sqlx.Tx) error {
		if _, err := tx.ExecContext(ctx, insertExecutionQuery, executionArgs(order.ID, exec)...); err != nil {
			return fmt.Errorf("failed to append execution: %w", err)
		}
		if _, err := tx.ExecContext(ctx, upsertOrderQuery, orderArgs(order)...); err != nil {
			return fmt.Errorf("failed to advance order: %w", err)
		}
		return nil
	})
}

// ListExecutions returns the most recent executions for an order
func (r *DCAOrderRepository) ListExecutions(ctx context.Context, orderID uuid.UUID, limit int) ([]*entities.Execution, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, order_id, amount_in, amount_out, tx_ref, executed_at,
			status, gas_used, gas_price, created_at
		FROM dca_executions
		WHERE order_id = $1
		ORDER BY executed_at DESC
		LIMIT $2
	`

	var executions []*entities.Execution
	err := r.db.SelectContext(ctx, &executions, query, orderID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}

	return executions, nil
}
