package types

import (
	"errors"
	"fmt"
	"net/http"
)

// ErrorCode represents a unified error code across the engine.
type ErrorCode string

// Request and configuration error codes
const (
	ErrInvalidRequest ErrorCode = "INVALID_REQUEST"
	ErrNodeConfig     ErrorCode = "NODE_CONFIG"
	ErrNotFound       ErrorCode = "NOT_FOUND"
)

// Remote agent error codes
const (
	ErrUpstreamError     ErrorCode = "UPSTREAM_ERROR"
	ErrUpstreamTimeout   ErrorCode = "UPSTREAM_TIMEOUT"
	ErrRateLimited       ErrorCode = "RATE_LIMITED"
	ErrMalformedResponse ErrorCode = "MALFORMED_RESPONSE"
	ErrCircuitOpen       ErrorCode = "CIRCUIT_OPEN"
)

// Execution error codes
const (
	ErrNodeFailed    ErrorCode = "NODE_FAILED"
	ErrLoopFailed    ErrorCode = "LOOP_FAILED"
	ErrInternalError ErrorCode = "INTERNAL_ERROR"
	ErrShuttingDown  ErrorCode = "SHUTTING_DOWN"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Cause      error     `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new Error with the given code and message.
func NewError(code ErrorCode, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WithCause adds a cause to the error.
func (e *Error) WithCause(cause error) *Error {
	e.Cause = cause
	return e
}

// WithHTTPStatus sets the HTTP status code.
func (e *Error) WithHTTPStatus(status int) *Error {
	e.HTTPStatus = status
	return e
}

// WithRetryable marks the error as retryable.
func (e *Error) WithRetryable(retryable bool) *Error {
	e.Retryable = retryable
	return e
}

// WrapError wraps err into a structured error unless it already is one.
func WrapError(err error, code ErrorCode, message string) *Error {
	if err == nil {
		return nil
	}
	if e, ok := AsError(err); ok {
		return e
	}
	return NewError(code, message).WithCause(err)
}

// AsError extracts a *Error from an error chain.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// IsErrorCode reports whether any *Error in err's chain has the given code.
func IsErrorCode(err error, code ErrorCode) bool {
	e, ok := AsError(err)
	return ok && e.Code == code
}

// IsRetryable checks if an error is retryable.
func IsRetryable(err error) bool {
	if e, ok := AsError(err); ok {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error.
func GetErrorCode(err error) ErrorCode {
	if e, ok := AsError(err); ok {
		return e.Code
	}
	return ""
}

// NewInvalidRequestError creates a non-retryable 400 error.
func NewInvalidRequestError(message string) *Error {
	return NewError(ErrInvalidRequest, message).WithHTTPStatus(http.StatusBadRequest)
}

// NewNodeConfigError creates a fatal node configuration error. It is never retried.
func NewNodeConfigError(message string) *Error {
	return NewError(ErrNodeConfig, message).WithHTTPStatus(http.StatusUnprocessableEntity)
}

// NewNotFoundError creates a 404 error.
func NewNotFoundError(message string) *Error {
	return NewError(ErrNotFound, message).WithHTTPStatus(http.StatusNotFound)
}

// NewUpstreamError classifies a failed remote call by its HTTP status.
// 429 and 5xx are retryable, other statuses are not.
func NewUpstreamError(status int, message string) *Error {
	switch {
	case status == http.StatusTooManyRequests:
		return NewError(ErrRateLimited, message).WithHTTPStatus(status).WithRetryable(true)
	case status == http.StatusGatewayTimeout || status == http.StatusRequestTimeout:
		return NewError(ErrUpstreamTimeout, message).WithHTTPStatus(status).WithRetryable(true)
	case status >= 500:
		return NewError(ErrUpstreamError, message).WithHTTPStatus(status).WithRetryable(true)
	default:
		return NewError(ErrUpstreamError, message).WithHTTPStatus(status)
	}
}
