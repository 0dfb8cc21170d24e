package entities

import (
	"fmt"
	"math/big"
	"time"

	"github.com/google/uuid"
)

// OrderStatus represents the lifecycle state of a DCA order
type OrderStatus string

const (
	OrderStatusActive              OrderStatus = "active"
	OrderStatusPaused              OrderStatus = "paused"
	OrderStatusCompleted           OrderStatus = "completed"
	OrderStatusCancelled           OrderStatus = "cancelled"
	OrderStatusInsufficientBalance OrderStatus = "insufficient_balance"
)

// IsTerminal reports whether no further transitions are allowed
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}

// Frequency is the cadence at which a DCA order executes
type Frequency string

const (
	FrequencyHourly  Frequency = "hourly"
	FrequencyDaily   Frequency = "daily"
	FrequencyWeekly  Frequency = "weekly"
	FrequencyMonthly Frequency = "monthly"
)

// frequency intervals are fixed; monthly is a flat 30 days
var frequencyIntervals = map[Frequency]time.Duration{
	FrequencyHourly:  3600 * time.Second,
	FrequencyDaily:   86400 * time.Second,
	FrequencyWeekly:  604800 * time.Second,
	FrequencyMonthly: 2592000 * time.Second,
}

// Interval returns the fixed execution interval for the frequency
func (f Frequency) Interval() (time.Duration, error) {
	d, ok := frequencyIntervals[f]
	if !ok {
		return 0, fmt.Errorf("unknown frequency: %q", f)
	}
	return d, nil
}

// Valid reports whether the frequency is one of the supported cadences
func (f Frequency) Valid() bool {
	_, ok := frequencyIntervals[f]
	return ok
}

// Order represents a recurring token purchase instruction
type Order struct {
	ID              uuid.UUID   `json:"id" db:"id"`
	Owner           string      `json:"owner" db:"owner"`
	SourceToken     string      `json:"source_token" db:"source_token"`
	DestToken       string      `json:"dest_token" db:"dest_token"`
	TotalAmount     *BigInt     `json:"total_amount" db:"total_amount"`
	Frequency       Frequency   `json:"frequency" db:"frequency"`
	TotalExecutions int         `json:"total_executions" db:"total_executions"`
	ExecutionsCount int         `json:"executions_count" db:"executions_count"`
	Status          OrderStatus `json:"status" db:"status"`
	ExecutedAmount  *BigInt     `json:"executed_amount" db:"executed_amount"`
	NextExecutionAt time.Time   `json:"next_execution_at" db:"next_execution_at"`
	LastExecutedAt  *time.Time  `json:"last_executed_at,omitempty" db:"last_executed_at"`

	// NeedsIntervention is set when execution retries are exhausted and the
	// order was paused pending manual review.
	NeedsIntervention  bool    `json:"needs_intervention" db:"needs_intervention"`
	InterventionReason *string `json:"intervention_reason,omitempty" db:"intervention_reason"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// PerExecutionAmount is TotalAmount / TotalExecutions, fixed at creation.
// Integer division; any remainder stays unspent on the final execution.
func (o *Order) PerExecutionAmount() *BigInt {
	amount := &BigInt{}
	if o.TotalAmount == nil || o.TotalExecutions <= 0 {
		return amount
	}
	amount.Div(&o.TotalAmount.Int, big.NewInt(int64(o.TotalExecutions)))
	return amount
}

// RemainingExecutions returns how many executions are still owed
func (o *Order) RemainingExecutions() int {
	remaining := o.TotalExecutions - o.ExecutionsCount
	if remaining < 0 {
		return 0
	}
	return remaining
}

// ExecutionStatus represents the settlement state of a single execution
type ExecutionStatus string

const (
	ExecutionStatusPending   ExecutionStatus = "pending"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusFailed    ExecutionStatus = "failed"
)

// Execution records a single fill of a DCA order. Immutable once recorded.
type Execution struct {
	ID         uuid.UUID       `json:"id" db:"id"`
	OrderID    uuid.UUID       `json:"order_id" db:"order_id"`
	AmountIn   *BigInt         `json:"amount_in" db:"amount_in"`
	AmountOut  *BigInt         `json:"amount_out" db:"amount_out"`
	TxRef      string          `json:"tx_ref" db:"tx_ref"`
	ExecutedAt time.Time       `json:"executed_at" db:"executed_at"`
	Status     ExecutionStatus `json:"status" db:"status"`
	GasUsed    *BigInt         `json:"gas_used,omitempty" db:"gas_used"`
	GasPrice   *BigInt         `json:"gas_price,omitempty" db:"gas_price"`
	CreatedAt  time.Time       `json:"created_at" db:"created_at"`
}
