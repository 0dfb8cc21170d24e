package aggregator

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	apperrors "github.com/dcaflow/dca_service/internal/domain/errors"
)

// classifyStatus converts a non-2xx HTTP response into a tagged swap error
func classifyStatus(service string, status int, body []byte) *apperrors.SwapError {
	err := fmt.Errorf("status %d: %s", status, truncate(body, 256))

	switch {
	case status == http.StatusTooManyRequests:
		return apperrors.NewSwapError(apperrors.KindRateLimit, service, err)
	case status >= 500:
		return apperrors.NewSwapError(apperrors.KindNetwork, service, err)
	case status >= 400:
		return apperrors.NewSwapError(apperrors.KindValidation, service, err)
	default:
		return apperrors.NewSwapError(apperrors.KindUnknown, service, err)
	}
}

// classifyTransport converts a transport-level failure into a tagged swap
// error. Timeouts and connection failures are Network; everything else is
// Unknown.
func classifyTransport(service string, err error) *apperrors.SwapError {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperrors.NewSwapError(apperrors.KindNetwork, service, err)
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) {
		return apperrors.NewSwapError(apperrors.KindNetwork, service, err)
	}
	// url.Error wraps all client-side failures; treat them as network faults
	var urlErr interface{ Unwrap() error }
	if errors.As(err, &urlErr) {
		return apperrors.NewSwapError(apperrors.KindNetwork, service, err)
	}
	return apperrors.NewSwapError(apperrors.KindUnknown, service, err)
}

func truncate(b []byte, max int) string {
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
