// Package pricefeed is the client for the reference price oracle backing the
// quote fallback path.
package pricefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	apperrors "github.com/dcaflow/dca_service/internal/domain/errors"
	"github.com/dcaflow/dca_service/pkg/retry"
)

const (
	serviceName    = "pricefeed"
	defaultTimeout = 10 * time.Second
)

// Config represents price feed configuration
type Config struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// Client fetches reference token prices
type Client struct {
	config     Config
	httpClient *http.Client
	retrier    *retry.Retrier
	logger     *zap.Logger
}

// NewClient creates a new price feed client
func NewClient(config Config, logger *zap.Logger) *Client {
	if config.Timeout == 0 {
		config.Timeout = defaultTimeout
	}

	policy := retry.Policy{
		MaxRetries:     2,
		BaseDelay:      500 * time.Millisecond,
		MaxDelay:       5 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		RetryableFunc: func(err error) bool {
			kind := apperrors.ClassifyKind(err)
			return kind == apperrors.KindNetwork || kind == apperrors.KindProvider
		},
	}

	return &Client{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		retrier:    retry.NewRetrier(policy, logger),
		logger:     logger,
	}
}

type priceResponse struct {
	Price string `json:"price"`
}

// Price returns how many units of buy token one unit of sell token is worth.
// Transient feed failures are retried before the caller sees an error.
func (c *Client) Price(ctx context.Context, sellToken, buyToken string) (decimal.Decimal, error) {
	result, err := c.retrier.DoWithResult(ctx, func() (interface{}, error) {
		price, err := c.fetchPrice(ctx, sellToken, buyToken)
		if err != nil {
			return nil, err
		}
		return price, nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	return result.(decimal.Decimal), nil
}

func (c *Client) fetchPrice(ctx context.Context, sellToken, buyToken string) (decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/v1/prices?base=%s&quote=%s",
		c.config.BaseURL, url.QueryEscape(sellToken), url.QueryEscape(buyToken))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.APIKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return decimal.Zero, apperrors.NewSwapError(apperrors.KindNetwork, serviceName, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return decimal.Zero, apperrors.NewSwapError(apperrors.KindNetwork, serviceName,
			fmt.Errorf("failed to read response body: %w", err))
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return decimal.Zero, apperrors.NewSwapError(apperrors.KindRateLimit, serviceName,
			fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 500:
		return decimal.Zero, apperrors.NewSwapError(apperrors.KindProvider, serviceName,
			fmt.Errorf("status %d", resp.StatusCode))
	case resp.StatusCode >= 400:
		return decimal.Zero, apperrors.NewSwapError(apperrors.KindValidation, serviceName,
			fmt.Errorf("status %d: %s", resp.StatusCode, string(body)))
	}

	var pr priceResponse
	if err := json.Unmarshal(body, &pr); err != nil {
		return decimal.Zero, apperrors.NewSwapError(apperrors.KindProvider, serviceName,
			fmt.Errorf("failed to unmarshal response: %w", err))
	}

	price, err := decimal.NewFromString(pr.Price)
	if err != nil {
		return decimal.Zero, apperrors.NewSwapError(apperrors.KindProvider, serviceName,
			fmt.Errorf("unparseable price %q: %w", pr.Price, err))
	}
	if price.Sign() <= 0 {
		return decimal.Zero, apperrors.NewSwapError(apperrors.KindProvider, serviceName,
			fmt.Errorf("non-positive price %s", price))
	}

	return price, nil
}
