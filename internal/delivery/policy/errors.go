package policy

import (
	"errors"
	"fmt"
	"time"
)

// ErrorCode classifies a send failure into the recovery taxonomy.
type ErrorCode string

const (
	CodeAuthentication ErrorCode = "authentication"
	CodeRateLimit      ErrorCode = "rate_limit"
	CodeNetwork        ErrorCode = "network"
	CodeTimeout        ErrorCode = "timeout"
	CodeValidation     ErrorCode = "validation"
	CodeQuota          ErrorCode = "quota"
	CodeServer         ErrorCode = "server"
	CodeCircuitOpen    ErrorCode = "circuit_open"
)

// SendError is a classified send failure. The code drives the policy table;
// the cause keeps the raw transport error reachable via errors.Is/As.
type SendError struct {
	Code       ErrorCode
	StatusCode int
	Message    string
	RetryIn    time.Duration
	Cause      error
}

// Error implements the error interface.
func (e *SendError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s (%d): %s", e.Code, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error.
func (e *SendError) Unwrap() error {
	return e.Cause
}

// Retryable reports whether the inner retry loop may attempt again.
func (e *SendError) Retryable() bool {
	switch e.Code {
	case CodeNetwork, CodeTimeout, CodeServer, CodeRateLimit:
		return true
	}
	return false
}

// Permanent reports whether the failure can never succeed on retry at any
// layer. The dispatch queue marks such jobs failed immediately.
func (e *SendError) Permanent() bool {
	return e.Code == CodeValidation
}

// RetryAfter returns the provider-requested backoff, if any.
func (e *SendError) RetryAfter() time.Duration {
	return e.RetryIn
}

// Fast-fail gate errors. Neither represents a new provider failure.
var (
	ErrCircuitOpen     = &SendError{Code: CodeCircuitOpen, Message: "circuit breaker open"}
	ErrRateLimited     = &SendError{Code: CodeRateLimit, Message: "rate limit cooldown active"}
	ErrSendingDisabled = &SendError{Code: CodeAuthentication, Message: "sending disabled pending credential fix"}
)

// NewSendError builds a classified error wrapping a cause.
func NewSendError(code ErrorCode, statusCode int, message string, cause error) *SendError {
	return &SendError{Code: code, StatusCode: statusCode, Message: message, Cause: cause}
}

// AsSendError extracts a *SendError from err, classifying unknown errors as
// network failures so they stay retryable.
func AsSendError(err error) *SendError {
	var se *SendError
	if errors.As(err, &se) {
		return se
	}
	return &SendError{Code: CodeNetwork, Message: err.Error(), Cause: err}
}
