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
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/dcaflow/dca_service/internal/domain/entities"
	apperrors "github.com/dcaflow/dca_service/internal/domain/errors"
)

const (
	oneInchName           = "1inch"
	oneInchDefaultBaseURL = "https://api.1inch.dev/swap/v5.2/1"
	oneInchDefaultTimeout = 5 * time.Second
)

// OneInchConfig represents 1inch Swap API configuration
type OneInchConfig struct {
	APIKey            string
	BaseURL           string
	Timeout           time.Duration
	Priority          int
	RequestsPerSecond float64
}

// OneInch is the 1inch aggregation router adapter
type OneInch struct {
	config     OneInchConfig
	httpClient *http.Client
	limiter    *rate.Limiter
	logger     *zap.Logger
}

// NewOneInch creates a 1inch adapter
func NewOneInch(config OneInchConfig, logger *zap.Logger) *OneInch {
	if config.BaseURL == "" {
		config.BaseURL = oneInchDefaultBaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = oneInchDefaultTimeout
	}
	rps := config.RequestsPerSecond
	if rps == 0 {
		rps = 1 // 1inch free tier is 1 rps
	}
	return &OneInch{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(rps), 1),
		logger:     logger,
	}
}

// Name returns the service key
func (o *OneInch) Name() string { return oneInchName }

// Priority returns the tie-break rank
func (o *OneInch) Priority() int { return o.config.Priority }

type oneInchQuoteResponse struct {
	DstAmount string `json:"dstAmount"`
	Gas       uint64 `json:"gas"`
}

type oneInchSwapResponse struct {
	DstAmount string `json:"dstAmount"`
	Tx        struct {
		To       string `json:"to"`
		Data     string `json:"data"`
		Value    string `json:"value"`
		Gas      uint64 `json:"gas"`
		GasPrice string `json:"gasPrice"`
	} `json:"tx"`
}

// Quote performs price discovery via GET /quote
func (o *OneInch) Quote(ctx context.Context, req *entities.SwapRequest) (*entities.Quote, error) {
	params := url.Values{}
	params.Set("src", req.SellToken)
	params.Set("dst", req.BuyToken)
	params.Set("amount", req.SellAmount.String())

	body, err := o.get(ctx, "/quote", params)
	if err != nil {
		return nil, err
	}

	var resp oneInchQuoteResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.NewSwapError(apperrors.KindUnknown, oneInchName,
			fmt.Errorf("malformed response: %w", err))
	}

	buyAmount, ok := new(big.Int).SetString(resp.DstAmount, 10)
	if !ok {
		return nil, apperrors.NewSwapError(apperrors.KindValidation, oneInchName,
			fmt.Errorf("invalid dst amount %q", resp.DstAmount))
	}

	return &entities.Quote{
		Aggregator:  oneInchName,
		SellAmount:  new(big.Int).Set(req.SellAmount),
		BuyAmount:   buyAmount,
		GasEstimate: resp.Gas,
		Success:     true,
	}, nil
}

// Swap builds an executable payload via GET /swap
func (o *OneInch) Swap(ctx context.Context, req *entities.SwapRequest) (*entities.ExecutableSwap, error) {
	params := url.Values{}
	params.Set("src", req.SellToken)
	params.Set("dst", req.BuyToken)
	params.Set("amount", req.SellAmount.String())
	params.Set("from", req.Trader)
	params.Set("slippage", strconv.FormatFloat(float64(req.SlippageBps)/100, 'f', -1, 64))
	if req.Urgent {
		params.Set("gasPrice", "fast")
	}

	body, err := o.get(ctx, "/swap", params)
	if err != nil {
		return nil, err
	}

	var resp oneInchSwapResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.NewSwapError(apperrors.KindUnknown, oneInchName,
			fmt.Errorf("malformed response: %w", err))
	}

	buyAmount, ok := new(big.Int).SetString(resp.DstAmount, 10)
	if !ok {
		return nil, apperrors.NewSwapError(apperrors.KindValidation, oneInchName,
			fmt.Errorf("invalid dst amount %q", resp.DstAmount))
	}

	calldata, err := hex.DecodeString(strings.TrimPrefix(resp.Tx.Data, "0x"))
	if err != nil {
		return nil, apperrors.NewSwapError(apperrors.KindValidation, oneInchName,
			fmt.Errorf("malformed calldata: %w", err))
	}

	value, _ := new(big.Int).SetString(resp.Tx.Value, 10)
	if value == nil {
		value = big.NewInt(0)
	}
	gasPrice, _ := new(big.Int).SetString(resp.Tx.GasPrice, 10)
	if gasPrice == nil {
		gasPrice = big.NewInt(0)
	}

	return &entities.ExecutableSwap{
		Aggregator:      oneInchName,
		SellAmount:      new(big.Int).Set(req.SellAmount),
		BuyAmount:       buyAmount,
		MinimumReceived: entities.ApplySlippage(buyAmount, req.SlippageBps),
		Target:          resp.Tx.To,
		Calldata:        calldata,
		Value:           value,
		GasEstimate:     resp.Tx.Gas,
		GasPrice:        gasPrice,
		Success:         true,
	}, nil
}

func (o *OneInch) get(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if err := o.limiter.Wait(ctx); err != nil {
		return nil, classifyTransport(oneInchName, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet,
		o.config.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, apperrors.NewSwapError(apperrors.KindUnknown, oneInchName, err)
	}
	if o.config.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.config.APIKey)
	}

	httpResp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyTransport(oneInchName, err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, classifyTransport(oneInchName, err)
	}
	if httpResp.StatusCode != http.StatusOK {
		o.logger.Debug("1inch request rejected",
			zap.Int("status", httpResp.StatusCode),
			zap.String("path", path))
		return nil, classifyStatus(oneInchName, httpResp.StatusCode, body)
	}
	return body, nil
}
