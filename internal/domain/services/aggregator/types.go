// Package aggregator normalizes external liquidity sources into a common
// quote/swap shape. Adapters never let transport or provider failures cross
// their boundary untagged.
package aggregator

import (
	"context"

	"github.com/dcaflow/dca_service/internal/domain/entities"
)

// Aggregator is one external liquidity source
type Aggregator interface {
	// Name is the stable service key used for circuit breaking and metrics
	Name() string

	// Priority breaks ties between equal quotes; lower wins
	Priority() int

	// Quote performs price discovery without building a transaction
	Quote(ctx context.Context, req *entities.SwapRequest) (*entities.Quote, error)

	// Swap builds a fully executable transaction payload
	Swap(ctx context.Context, req *entities.SwapRequest) (*entities.ExecutableSwap, error)
}
