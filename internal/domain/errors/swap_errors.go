package errors

import (
	"errors"
	"fmt"
)

// Kind classifies a swap failure for retry policy selection
type Kind string

const (
	KindSignatureGeneration Kind = "signature_generation"
	KindRateLimit           Kind = "rate_limit"
	KindExecution           Kind = "execution"
	KindNetwork             Kind = "network"
	KindProvider            Kind = "provider"
	KindValidation          Kind = "validation"
	KindUnknown             Kind = "unknown"
)

// SwapError is the tagged failure shape every aggregator adapter and the
// wallet executor return. Adapters convert all transport and provider
// failures into this type at their boundary.
type SwapError struct {
	Kind       Kind
	Service    string
	Err        error
	// UserRejected marks an explicit wallet/user rejection. Never retried
	// and never counted against the service's circuit breaker.
	UserRejected bool
}

// Error implements the error interface
func (e *SwapError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Service, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Service, e.Kind)
}

// Unwrap returns the underlying error
func (e *SwapError) Unwrap() error {
	return e.Err
}

// NewSwapError creates a tagged swap error
func NewSwapError(kind Kind, service string, err error) *SwapError {
	return &SwapError{Kind: kind, Service: service, Err: err}
}

// UserRejection creates a provider error for an explicit user rejection
func UserRejection(service string, err error) *SwapError {
	return &SwapError{Kind: KindProvider, Service: service, Err: err, UserRejected: true}
}

// ClassifyKind extracts the failure kind from an error. Errors without a
// tag classify as Unknown; nil classifies as Unknown as well since callers
// only classify failures.
func ClassifyKind(err error) Kind {
	var se *SwapError
	if errors.As(err, &se) {
		return se.Kind
	}
	return KindUnknown
}

// IsUserRejection reports whether the error is an explicit user rejection
func IsUserRejection(err error) bool {
	var se *SwapError
	return errors.As(err, &se) && se.UserRejected
}

// CountsAgainstBreaker reports whether the failure should penalize the
// service's circuit breaker. Rejection is not a service fault, and
// validation failures say nothing about service health.
func CountsAgainstBreaker(err error) bool {
	if err == nil {
		return false
	}
	if IsUserRejection(err) {
		return false
	}
	return ClassifyKind(err) != KindValidation
}
