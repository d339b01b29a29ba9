package resilience

import (
	"context"
	"errors"
	"net"
	"strings"
)

// PermanentError wraps an error to mark it as non-retryable.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }

func (e *PermanentError) Unwrap() error { return e.Err }

// NewPermanentError wraps an error to indicate it should not be retried.
func NewPermanentError(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// TransientError wraps an error to mark it as retryable.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// NewTransientError wraps an error to explicitly indicate it should be retried.
func NewTransientError(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// transientSubstrings are message fragments that mark a failure as
// transient even when the error type carries no classification.
var transientSubstrings = []string{
	"connection reset",
	"connection refused",
	"timeout",
	"timed out",
	"temporarily unavailable",
	"unexpected eof",
	"broken pipe",
	"too many requests",
}

// IsTransient reports whether err looks retryable: explicitly wrapped
// transient errors, network errors, and transient-looking messages.
// Context cancellation is never retryable.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var permErr *PermanentError
	if errors.As(err, &permErr) {
		return false
	}
	var transErr *TransientError
	if errors.As(err, &transErr) {
		return true
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, s := range transientSubstrings {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}
