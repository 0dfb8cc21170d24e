package aggregator

import (
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
	zeroExName           = "0x"
	zeroExDefaultBaseURL = "https://api.0x.org"
	zeroExDefaultTimeout = 5 * time.Second
)

// ZeroExConfig represents 0x Swap API configuration
type ZeroExConfig struct {
	APIKey   string
	BaseURL  string
	Timeout  time.Duration
	Priority int
	// RequestsPerSecond bounds outbound calls client-side so the adapter
	// does not trip the provider's rate limits under fan-out.
	RequestsPerSecond float64
}

// ZeroEx is the 0x Swap API adapter
type ZeroEx struct {
	config     ZeroExConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewZeroEx creates a 0x adapter
func NewZeroEx(config ZeroExConfig, logger *zap.Logger) *ZeroEx {
	if config.BaseURL == "" {
		config.BaseURL = zeroExDefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = zeroExDefaultTimeout
	}
	rps := config.RequestsPerSecond
	if rps == 0 {
		rps = 5
	}
	return &ZeroEx{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     logger,
	}
}

// Name returns the service key
func (z *ZeroEx) Name() string { return zeroExName }

// Priority returns the tie-break rank
func (z *ZeroEx) Priority() int { return z.config.Priority }

type zeroExQuoteResponse struct {
	SellAmount           string `json:"sellAmount"`
	BuyAmount            string `json:"buyAmount"`
	To                   string `json:"to"`
	Data                 string `json:"data"`
	Value                string `json:"value"`
	Gas                  string `json:"gas"`
	GasPrice             string `json:"gasPrice"`
	EstimatedPriceImpact string `json:"estimatedPriceImpact"`
}

// Quote performs price discovery via GET /swap/v1/price
func (z *ZeroEx) Quote(ctx context.Context, req *entities.SwapRequest) (*entities.Quote, error) {
	resp, err := z.fetch(ctx, "/swap/v1/price", req)
	if err != nil {
		return nil, err
	}

	buyAmount, sellAmount, err := z.parseAmounts(resp)
	if err != nil {
		return nil, err
	}

	return &entities.Quote{
		Aggregator:  zeroExName,
		SellAmount:  sellAmount,
		BuyAmount:   buyAmount,
		PriceImpact: parsePriceImpact(resp.EstimatedPriceImpact),
		GasEstimate: parseUint(resp.Gas),
		Success:     true,
	}, nil
}

// Swap builds an executable payload via GET /swap/v1/quote
func (z *ZeroEx) Swap(ctx context.Context, req *entities.SwapRequest) (*entities.ExecutableSwap, error) {
	resp, err := z.fetch(ctx, "/swap/v1/quote", req)
	if err != nil {
		return nil, err
	}

	buyAmount, sellAmount, err := z.parseAmounts(resp)
	if err != nil {
		return nil, err
	}

	calldata, err := hex.DecodeString(strings.TrimPrefix(resp.Data, "0x"))
	if err != nil {
		return nil, apperrors.NewSwapError(apperrors.KindValidation, zeroExName,
			fmt.Errorf("malformed calldata: %w", err))
	}

	value, _ := new(big.Int).SetString(resp.Value, 10)
	if value == nil {
		value = big.NewInt(0)
	}
	gasPrice, _ := new(big.Int).SetString(resp.GasPrice, 10)
	if gasPrice == nil {
		gasPrice = big.NewInt(0)
	}
	if req.Urgent {
		// Emergency path pays up for inclusion
		gasPrice.Div(gasPrice.Mul(gasPrice, big.NewInt(125)), big.NewInt(100))
	}

	return &entities.ExecutableSwap{
		Aggregator:      zeroExName,
		SellAmount:      sellAmount,
		BuyAmount:       buyAmount,
		MinimumReceived: entities.ApplySlippage(buyAmount, req.SlippageBps),
		Target:          resp.To,
		Calldata:        calldata,
		Value:           value,
		GasEstimate:     parseUint(resp.Gas),
		GasPrice:        gasPrice,
		PriceImpact:     parsePriceImpact(resp.EstimatedPriceImpact),
		Success:         true,
	}, nil
}

func (z *ZeroEx) fetch(ctx context.Context, path string, req *entities.SwapRequest) (*zeroExQuoteResponse, error) {
	if err := z.limiter.Wait(ctx); err != nil {
		return nil, classifyTransport(zeroExName, err)
	}

	params := url.Values{}
	params.Set("sellToken", req.SellToken)
	params.Set("buyToken", req.BuyToken)
	params.Set("sellAmount", req.SellAmount.String())
	params.Set("takerAddress", req.Trader)
	if req.SlippageBps > 0 {
		params.Set("slippagePercentage", decimal.New(int64(req.SlippageBps), -4).String())
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		z.config.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, apperrors.NewSwapError(apperrors.KindUnknown, zeroExName, err)
	}
	if z.config.APIKey != "" {
		httpReq.Header.Set("0x-api-key", z.config.APIKey)
	}

	httpResp, err := z.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(zeroExName, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, classifyTransport(zeroExName, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		z.logger.Debug("0x request rejected",
			zap.Int("status", httpResp.StatusCode),
			zap.String("path", path))
		return nil, classifyStatus(zeroExName, httpResp.StatusCode, body)
	}

	var resp zeroExQuoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.NewSwapError(apperrors.KindUnknown, zeroExName,
			fmt.Errorf("malformed response: %w", err))
	}
	return &resp, nil
}

func (z *ZeroEx) parseAmounts(resp *zeroExQuoteResponse) (buy, sell *big.Int, err error) {
	buy, ok := new(big.Int).SetString(resp.BuyAmount, 10)
	if !ok {
		return nil, nil, apperrors.NewSwapError(apperrors.KindValidation, zeroExName,
			fmt.Errorf("invalid buy amount %q", resp.BuyAmount))
	}
	sell, ok = new(big.Int).SetString(resp.SellAmount, 10)
	if !ok {
		return nil, nil, apperrors.NewSwapError(apperrors.KindValidation, zeroExName,
			fmt.Errorf("invalid sell amount %q", resp.SellAmount))
	}
	return buy, sell, nil
}

func parsePriceImpact(s string) decimal.Decimal {
	if s == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func parseUint(s string) uint64 {
	var v uint64
	fmt.Sscanf(s, "%d", &v)
	return v
}
