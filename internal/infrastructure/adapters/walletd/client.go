// Package walletd is the client for the wallet execution service that holds
// session keys and signs and broadcasts swap transactions on behalf of order
// owners. This service never touches private keys itself.
package walletd

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

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/dcaflow/dca_service/internal/domain/entities"
	apperrors "github.com/dcaflow/dca_service/internal/domain/errors"
)

const (
	serviceName    = "walletd"
	defaultTimeout = 30 * time.Second
)

// Config represents wallet service configuration
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client talks to the wallet execution service
type Client struct {
	config         Config
	httpClient     *http.Client
	circuitBreaker *gobreaker.CircuitBreaker
	logger         *zap.Logger
}

// NewClient creates a new wallet service client
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	cbSettings := gobreaker.Settings{
		Name:        "WalletAPI",
		MaxRequests: 3,
		Interval:    10 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Info("Wallet circuit breaker state changed",
				zap.String("name", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
	}

	return &Client{
		config:         config,
		httpClient:     &http.Client{Timeout: config.Timeout},
		circuitBreaker: gobreaker.NewCircuitBreaker(cbSettings),
		logger:         logger,
	}
}

type submitRequest struct {
	Owner           string `json:"owner"`
	SourceToken     string `json:"source_token"`
	DestToken       string `json:"dest_token"`
	Amount          string `json:"amount"`
	Target          string `json:"target"`
	Calldata        string `json:"calldata"`
	Value           string `json:"value,omitempty"`
	GasPrice        string `json:"gas_price,omitempty"`
	MinimumReceived string `json:"minimum_received"`
}

type submitResponse struct {
	TxHash   string `json:"tx_hash"`
	Status   string `json:"status"`
	GasUsed  string `json:"gas_used"`
	GasPrice string `json:"gas_price"`
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Submit signs and broadcasts the swap through the owner's session key and
// waits for the service's synchronous confirmation.
func (c *Client) Submit(ctx context.Context, owner, sourceToken, destToken string, amount *big.Int, swap *entities.ExecutableSwap) (*entities.SubmitResult, error) {
	req := submitRequest{
		Owner:           owner,
		SourceToken:     sourceToken,
		DestToken:       destToken,
		Amount:          amount.String(),
		Target:          swap.Target,
		Calldata:        "0x" + hex.EncodeToString(swap.Calldata),
		MinimumReceived: swap.MinimumReceived.String(),
	}
	if swap.Value != nil && swap.Value.Sign() > 0 {
		req.Value = swap.Value.String()
	}
	if swap.GasPrice != nil && swap.GasPrice.Sign() > 0 {
		req.GasPrice = swap.GasPrice.String()
	}

	var resp submitResponse
	if err := c.doRequest(ctx, http.MethodPost, "/v1/swaps", req, &resp); err != nil {
		return nil, err
	}

	result := &entities.SubmitResult{
		Success: resp.Status == "confirmed",
		TxRef:   resp.TxHash,
	}
	if resp.GasUsed != "" {
		if v, ok := new(big.Int).SetString(resp.GasUsed, 10); ok {
			result.GasUsed = v
		}
	}
	if resp.GasPrice != "" {
		if v, ok := new(big.Int).SetString(resp.GasPrice, 10); ok {
			result.GasPrice = v
		}
	}

	if !result.Success {
		return nil, apperrors.NewSwapError(apperrors.KindExecution, serviceName,
			fmt.Errorf("swap reverted, tx %s", resp.TxHash))
	}

	c.logger.Info("Swap submitted",
		zap.String("owner", owner),
		zap.String("tx_hash", resp.TxHash))
	return result, nil
}

type balanceResponse struct {
	Balance string `json:"balance"`
}

// BalanceOf reports the owner's current balance of the given token
func (c *Client) BalanceOf(ctx context.Context, owner, token string) (*big.Int, error) {
	endpoint := fmt.Sprintf("/v1/accounts/%s/balances/%s",
		url.PathEscape(owner), url.PathEscape(token))

	var resp balanceResponse
	if err := c.doRequest(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}

	balance, ok := new(big.Int).SetString(resp.Balance, 10)
	if !ok {
		return nil, apperrors.NewSwapError(apperrors.KindProvider, serviceName,
			fmt.Errorf("unparseable balance %q", resp.Balance))
	}
	return balance, nil
}

func (c *Client) doRequest(ctx context.Context, method, endpoint string, body, response interface{}) error {
	_, err := c.circuitBreaker.Execute(func() (interface{}, error) {
		return nil, c.doRequestInternal(ctx, method, endpoint, body, response)
	})
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return apperrors.NewSwapError(apperrors.KindProvider, serviceName, err)
	}
	return err
}

func (c *Client) doRequestInternal(ctx context.Context, method, endpoint string, body, response interface{}) error {
	fullURL := c.config.BaseURL + endpoint

	var reqBody []byte
	if body != nil {
		var err error
		reqBody, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, fullURL, bytes.NewReader(reqBody))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.NewSwapError(apperrors.KindNetwork, serviceName, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperrors.NewSwapError(apperrors.KindNetwork, serviceName,
			fmt.Errorf("failed to read response body: %w", err))
	}

	if resp.StatusCode >= 400 {
		return c.classifyError(resp.StatusCode, respBody)
	}

	if response != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, response); err != nil {
			return apperrors.NewSwapError(apperrors.KindProvider, serviceName,
				fmt.Errorf("failed to unmarshal response: %w", err))
		}
	}

	return nil
}

// classifyError maps wallet service failures onto the retry taxonomy. The
// service reports structured codes; the code is authoritative, the HTTP
// status is the fallback.
func (c *Client) classifyError(status int, body []byte) error {
	var errResp errorResponse
	if err := json.Unmarshal(body, &errResp); err == nil && errResp.Code != "" {
		cause := fmt.Errorf("%s: %s", errResp.Code, errResp.Message)
		switch {
		case errResp.Code == "user_rejected" || errResp.Code == "session_revoked":
			return apperrors.UserRejection(serviceName, cause)
		case strings.HasPrefix(errResp.Code, "signature_"):
			return apperrors.NewSwapError(apperrors.KindSignatureGeneration, serviceName, cause)
		case errResp.Code == "execution_reverted" || errResp.Code == "out_of_gas":
			return apperrors.NewSwapError(apperrors.KindExecution, serviceName, cause)
		case errResp.Code == "rate_limited":
			return apperrors.NewSwapError(apperrors.KindRateLimit, serviceName, cause)
		case strings.HasPrefix(errResp.Code, "invalid_"):
			return apperrors.NewSwapError(apperrors.KindValidation, serviceName, cause)
		}
	}

	cause := fmt.Errorf("status %d: %s", status, truncate(body, 200))
	switch {
	case status == http.StatusTooManyRequests:
		return apperrors.NewSwapError(apperrors.KindRateLimit, serviceName, cause)
	case status >= 500:
		return apperrors.NewSwapError(apperrors.KindProvider, serviceName, cause)
	case status >= 400:
		return apperrors.NewSwapError(apperrors.KindValidation, serviceName, cause)
	}
	return apperrors.NewSwapError(apperrors.KindUnknown, serviceName, cause)
}

func truncate(b []byte, n int) string {
	if len(b) <= n {
		return string(b)
	}
	return string(b[:n]) + "..."
}
