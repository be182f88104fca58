package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/StrathCole/oracle-client/pkg/sources"
)

// KindForStatus maps a non-2xx HTTP status to its failure kind.
func KindForStatus(status int) Kind {
	switch status {
	case 0:
		return KindNetworkError
	case http.StatusBadRequest:
		return KindBadRequest
	case http.StatusUnauthorized:
		return KindUnauthorized
	case http.StatusNotFound:
		return KindNotFound
	case http.StatusRequestTimeout:
		return KindTimeout
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusInternalServerError:
		return KindServerError
	case http.StatusBadGateway:
		return KindBadGateway
	case http.StatusServiceUnavailable:
		return KindServiceUnavailable
	case http.StatusGatewayTimeout:
		return KindGatewayTimeout
	default:
		return KindHTTPError
	}
}

// IsRetryableStatus reports whether a status is worth retrying. Status 0
// denotes a network-level failure.
func IsRetryableStatus(status int) bool {
	switch status {
	case 0,
		http.StatusRequestTimeout,
		http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}
	return false
}

// IsSuccess reports a 2xx status.
func IsSuccess(status int) bool {
	return status >= 200 && status < 300
}

// Classify turns a call result into a ClassifiedError, or nil on success.
// retryAfter is the upstream's requested wait, if known.
func Classify(source string, resp *sources.Response, err error, retryAfter time.Duration) *ClassifiedError {
	if err != nil {
		if ce, ok := AsClassified(err); ok {
			return ce
		}
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return &ClassifiedError{Kind: KindTimeout, Source: source, Retryable: true, Err: err}
		case errors.Is(err, context.Canceled):
			return &ClassifiedError{Kind: KindCanceled, Source: source, Err: err}
		}
		return &ClassifiedError{Kind: KindNetworkError, Source: source, Retryable: true, Err: err}
	}

	if resp == nil {
		return &ClassifiedError{
			Kind:   KindInvalidResponse,
			Source: source,
			Err:    fmt.Errorf("%w: empty response", ErrInvalidResponse),
		}
	}
	if IsSuccess(resp.StatusCode) {
		return nil
	}

	return &ClassifiedError{
		Kind:       KindForStatus(resp.StatusCode),
		Source:     source,
		StatusCode: resp.StatusCode,
		Retryable:  IsRetryableStatus(resp.StatusCode),
		RetryAfter: retryAfter,
		Err:        fmt.Errorf("%w: %d %s", ErrHTTPStatus, resp.StatusCode, http.StatusText(resp.StatusCode)),
	}
}
