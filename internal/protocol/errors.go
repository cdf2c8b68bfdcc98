package protocol

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrMalformed marks a request or response that could not be encoded or
	// decoded. Never retried.
	ErrMalformed = errors.New("malformed message")

	// ErrBackend marks a well-formed response whose status is "error".
	// Never retried.
	ErrBackend = errors.New("backend reported error")
)

// StatusError is a non-200 HTTP reply from a backend.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("HTTP %d", e.Code)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Code, e.Body)
}

// Retryable reports whether the status is transient (5xx or 429).
func (e *StatusError) Retryable() bool {
	return e.Code >= 500 || e.Code == http.StatusTooManyRequests
}

// IsRetryable classifies an executor error. Network-level failures and
// transient statuses are retryable; rejections, malformed messages, backend
// errors and context expiry are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrMalformed) || errors.Is(err, ErrBackend) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return true
}
