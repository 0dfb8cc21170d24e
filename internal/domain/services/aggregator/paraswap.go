package aggregator

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dcaflow/dca_service/internal/domain/entities"
	apperrors "github.com/dcaflow/dca_service/internal/domain/errors"
)

const (
	paraswapName           = "paraswap"
	paraswapDefaultBaseURL = "https://apiv5.paraswap.io"
	paraswapDefaultTimeout = 5 * time.Second
)

// ParaswapConfig represents ParaSwap API configuration
type ParaswapConfig struct {
	BaseURL           string
	Timeout           time.Duration
	Priority          int
	ChainID           int
	RequestsPerSecond float64
}

// Paraswap is the ParaSwap aggregator adapter. Unlike the others it splits
// price discovery and transaction building into two endpoints.
type Paraswap struct {
	config     ParaswapConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewParaswap creates a ParaSwap adapter
func NewParaswap(config ParaswapConfig, logger *zap.Logger) *Paraswap {
	if config.BaseURL == "" {
		config.BaseURL = paraswapDefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = paraswapDefaultTimeout
	}
	if config.ChainID == 0 {
		config.ChainID = 1
	}
	rps := config.RequestsPerSecond
	if rps == 0 {
		rps = 2
	}
	return &Paraswap{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     logger,
	}
}

// Name returns the service key
func (p *Paraswap) Name() string { return paraswapName }

// Priority returns the tie-break rank
func (p *Paraswap) Priority() int { return p.config.Priority }

type paraswapPriceResponse struct {
	PriceRoute struct {
		SrcAmount  string          `json:"srcAmount"`
		DestAmount string          `json:"destAmount"`
		GasCost    string          `json:"gasCost"`
		MaxImpact  decimal.Decimal `json:"maxImpactReached,omitempty"`
	} `json:"priceRoute"`
}

type paraswapTxResponse struct {
	To       string `json:"to"`
	Data     string `json:"data"`
	Value    string `json:"value"`
	Gas      uint64 `json:"gas"`
	GasPrice string `json:"gasPrice"`
}

// Quote performs price discovery via GET /prices
func (p *Paraswap) Quote(ctx context.Context, req *entities.SwapRequest) (*entities.Quote, error) {
	price, err := p.fetchPrice(ctx, req)
	if err != nil {
		return nil, err
	}

	buyAmount, ok := new(big.Int).SetString(price.PriceRoute.DestAmount, 10)
	if !ok {
		return nil, apperrors.NewSwapError(apperrors.KindValidation, paraswapName,
			fmt.Errorf("invalid dest amount %q", price.PriceRoute.DestAmount))
	}

	return &entities.Quote{
		Aggregator:  paraswapName,
		SellAmount:  new(big.Int).Set(req.SellAmount),
		BuyAmount:   buyAmount,
		GasEstimate: parseUint(price.PriceRoute.GasCost),
		Success:     true,
	}, nil
}

// Swap fetches a price route then builds the transaction via POST /transactions
func (p *Paraswap) Swap(ctx context.Context, req *entities.SwapRequest) (*entities.ExecutableSwap, error) {
	price, err := p.fetchPrice(ctx, req)
	if err != nil {
		return nil, err
	}

	buyAmount, ok := new(big.Int).SetString(price.PriceRoute.DestAmount, 10)
	if !ok {
		return nil, apperrors.NewSwapError(apperrors.KindValidation, paraswapName,
			fmt.Errorf("invalid dest amount %q", price.PriceRoute.DestAmount))
	}
	minReceived := entities.ApplySlippage(buyAmount, req.SlippageBps)

	txReq := map[string]interface{}{
		"srcToken":    req.SellToken,
		"destToken":   req.BuyToken,
		"srcAmount":   req.SellAmount.String(),
		"destAmount":  minReceived.String(),
		"userAddress": req.Trader,
	}
	payload, err := json.Marshal(txReq)
	if err != nil {
		return nil, apperrors.NewSwapError(apperrors.KindUnknown, paraswapName, err)
	}

	body, err := p.do(ctx, http.MethodPost,
		fmt.Sprintf("/transactions/%d", p.config.ChainID), nil, payload)
	if err != nil {
		return nil, err
	}

	var tx paraswapTxResponse
	if err := json.Unmarshal(body, &tx); err != nil {
		return nil, apperrors.NewSwapError(apperrors.KindUnknown, paraswapName,
			fmt.Errorf("malformed response: %w", err))
	}

	calldata, err := hex.DecodeString(strings.TrimPrefix(tx.Data, "0x"))
	if err != nil {
		return nil, apperrors.NewSwapError(apperrors.KindValidation, paraswapName,
			fmt.Errorf("malformed calldata: %w", err))
	}

	value, _ := new(big.Int).SetString(tx.Value, 10)
	if value == nil {
		value = big.NewInt(0)
	}
	gasPrice, _ := new(big.Int).SetString(tx.GasPrice, 10)
	if gasPrice == nil {
		gasPrice = big.NewInt(0)
	}
	if req.Urgent {
		gasPrice.Div(gasPrice.Mul(gasPrice, big.NewInt(125)), big.NewInt(100))
	}

	return &entities.ExecutableSwap{
		Aggregator:      paraswapName,
		SellAmount:      new(big.Int).Set(req.SellAmount),
		BuyAmount:       buyAmount,
		MinimumReceived: minReceived,
		Target:          tx.To,
		Calldata:        calldata,
		Value:           value,
		GasEstimate:     tx.Gas,
		GasPrice:        gasPrice,
		Success:         true,
	}, nil
}

func (p *Paraswap) fetchPrice(ctx context.Context, req *entities.SwapRequest) (*paraswapPriceResponse, error) {
	params := url.Values{}
	params.Set("srcToken", req.SellToken)
	params.Set("destToken", req.BuyToken)
	params.Set("amount", req.SellAmount.String())
	params.Set("side", "SELL")
	params.Set("network", fmt.Sprintf("%d", p.config.ChainID))
	params.Set("userAddress", req.Trader)

	body, err := p.do(ctx, http.MethodGet, "/prices", params, nil)
	if err != nil {
		return nil, err
	}

	var resp paraswapPriceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.NewSwapError(apperrors.KindUnknown, paraswapName,
			fmt.Errorf("malformed response: %w", err))
	}
	return &resp, nil
}

func (p *Paraswap) do(ctx context.Context, method, path string, params url.Values, payload []byte) ([]byte, error) {
	if err := p.limiter.Wait(ctx); err != nil {
		return nil, classifyTransport(paraswapName, err)
	}

	endpoint := p.config.BaseURL + path
	if params != nil {
		endpoint += "?" + params.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		reqBody = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, apperrors.NewSwapError(apperrors.KindUnknown, paraswapName, err)
	}
	if payload != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(paraswapName, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, classifyTransport(paraswapName, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		p.logger.Debug("ParaSwap request rejected",
			zap.Int("status", httpResp.StatusCode),
			zap.String("path", path))
		return nil, classifyStatus(paraswapName, httpResp.StatusCode, body)
	}
	return body, nil
}
