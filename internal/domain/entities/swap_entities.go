package entities

import (
	"math/big"

	"github.com/shopspring/decimal"
)

// SwapRequest describes a swap to quote or build. Value object, never persisted.
type SwapRequest struct {
	SellToken   string
	BuyToken    string
	SellAmount  *big.Int
	Trader      string
	SlippageBps int
	// Urgent requests elevated gas pricing; set on the emergency fallback path.
	Urgent bool
}

// Quote is a price-discovery result from one aggregator
type Quote struct {
	Aggregator  string
	SellAmount  *big.Int
	BuyAmount   *big.Int
	PriceImpact decimal.Decimal
	GasEstimate uint64
	Success     bool
	Error       error
}

// ExecutableSwap carries a ready-to-submit transaction payload on top of the
// quoted amounts.
type ExecutableSwap struct {
	Aggregator      string
	SellAmount      *big.Int
	BuyAmount       *big.Int
	MinimumReceived *big.Int
	Target          string
	Calldata        []byte
	Value           *big.Int
	GasEstimate     uint64
	GasPrice        *big.Int
	PriceImpact     decimal.Decimal
	Success         bool
	Error           error
	// Fallback is set when the swap came from the emergency high-slippage
	// path rather than normal fan-out selection.
	Fallback bool
}

// QuoteSelection is the resolver's verdict across all aggregators
type QuoteSelection struct {
	Best           *Quote
	Worst          *Quote
	SavingsVsWorst *big.Int
	// SavingsPercent is SavingsVsWorst expressed as a percentage of the
	// best quote's buy amount.
	SavingsPercent decimal.Decimal
	// FallbackUsed is set when the best quote came from the price oracle
	// instead of a live aggregator.
	FallbackUsed bool
	Attempted    int
}

// SubmitResult is the wallet executor's outcome for one swap submission
type SubmitResult struct {
	Success  bool
	TxRef    string
	GasUsed  *big.Int
	GasPrice *big.Int
	Error    error
}

// ApplySlippage computes the floor acceptable output amount:
// buyAmount * (1 - slippageBps/10000), rounded down.
func ApplySlippage(buyAmount *big.Int, slippageBps int) *big.Int {
	if buyAmount == nil {
		return nil
	}
	numerator := big.NewInt(int64(10000 - slippageBps))
	out := new(big.Int).Mul(buyAmount, numerator)
	return out.Div(out, big.NewInt(10000))
}
