// Package retry executes upstream calls with a per-attempt timeout, classifies
// failures, tracks per-source rate-limit state and retries with backoff.
package retry

import (
	"errors"
	"fmt"
	"time"
)

// Kind is a classified failure category.
type Kind string

const (
	KindTimeout            Kind = "timeout"
	KindRateLimited        Kind = "rate_limited"
	KindBadRequest         Kind = "bad_request"
	KindUnauthorized       Kind = "unauthorized"
	KindNotFound           Kind = "not_found"
	KindServerError        Kind = "server_error"
	KindBadGateway         Kind = "bad_gateway"
	KindServiceUnavailable Kind = "service_unavailable"
	KindGatewayTimeout     Kind = "gateway_timeout"
	KindHTTPError          Kind = "http_error"
	KindNetworkError       Kind = "network_error"
	KindInvalidResponse    Kind = "invalid_response"
	KindCanceled           Kind = "canceled"
)

var (
	// ErrTimeout matches failures where an attempt exceeded its timeout.
	ErrTimeout = errors.New("timeout")
	// ErrRateLimited matches 429 responses and local rate-limit fast-fails.
	ErrRateLimited = errors.New("rate limited")
	// ErrHTTPStatus matches every non-2xx response.
	ErrHTTPStatus = errors.New("http error")
	// ErrNetwork matches transport-level failures.
	ErrNetwork = errors.New("network error")
	// ErrInvalidResponse matches 2xx responses that could not be decoded.
	ErrInvalidResponse = errors.New("invalid response")
	// ErrCanceled matches failures caused by the caller's context.
	ErrCanceled = errors.New("canceled")
)

// ClassifiedError is the outcome of a failed call.
type ClassifiedError struct {
	Kind       Kind
	Source     string
	StatusCode int
	Retryable  bool
	// RetryAfter is the wait requested by the upstream, if any.
	RetryAfter time.Duration
	// FastFail is set when the call was refused locally without a request.
	FastFail bool
	Err      error
}

func (e *ClassifiedError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Source, e.Kind)
	if e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (status %d)", msg, e.StatusCode)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *ClassifiedError) Unwrap() error {
	return e.Err
}

// Is matches the sentinel for the error's kind. Every status-derived kind
// also matches ErrHTTPStatus.
func (e *ClassifiedError) Is(target error) bool {
	switch target {
	case ErrTimeout:
		return e.Kind == KindTimeout
	case ErrRateLimited:
		return e.Kind == KindRateLimited
	case ErrNetwork:
		return e.Kind == KindNetworkError
	case ErrInvalidResponse:
		return e.Kind == KindInvalidResponse
	case ErrCanceled:
		return e.Kind == KindCanceled
	case ErrHTTPStatus:
		return e.StatusCode != 0
	}
	return false
}

// AsClassified extracts a ClassifiedError from err.
func AsClassified(err error) (*ClassifiedError, bool) {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce, true
	}
	return nil, false
}

// InvalidResponse classifies a decode failure for a 2xx response.
func InvalidResponse(source string, err error) *ClassifiedError {
	return &ClassifiedError{
		Kind:   KindInvalidResponse,
		Source: source,
		Err:    err,
	}
}
