package types

import (
	"errors"
	"fmt"
)

// ErrorCode represents a unified error code across the gateway.
type ErrorCode string

// Request and routing error codes
const (
	ErrBadRequest             ErrorCode = "BAD_REQUEST"
	ErrUnknownModel           ErrorCode = "UNKNOWN_MODEL"
	ErrUnsupportedContentPart ErrorCode = "UNSUPPORTED_CONTENT_PART"
	ErrAuthenticationFailed   ErrorCode = "AUTHENTICATION_FAILED"
	ErrUnauthorized           ErrorCode = "UNAUTHORIZED"
	ErrRateLimited            ErrorCode = "RATE_LIMITED"
)

// Upstream error codes
const (
	ErrUpstreamRateLimited ErrorCode = "UPSTREAM_RATE_LIMITED"
	ErrUpstreamUnavailable ErrorCode = "UPSTREAM_UNAVAILABLE"
	ErrUpstreamTimeout     ErrorCode = "UPSTREAM_TIMEOUT"
	ErrUpstreamProtocol    ErrorCode = "UPSTREAM_PROTOCOL"
	ErrInternalError       ErrorCode = "INTERNAL_ERROR"
)

// Session acquisition error codes
const (
	ErrCredentialsRejected ErrorCode = "CREDENTIALS_REJECTED"
	ErrChallengeUnsolved   ErrorCode = "CHALLENGE_UNSOLVED"
	ErrBrowserLaunchFailed ErrorCode = "BROWSER_LAUNCH_FAILED"
	ErrNavigationTimeout   ErrorCode = "NAVIGATION_TIMEOUT"
	ErrHarvestFailed       ErrorCode = "HARVEST_FAILED"
)

// Error represents a structured error with code, message, and metadata.
type Error struct {
	Code       ErrorCode `json:"code"`
	Message    string    `json:"message"`
	HTTPStatus int       `json:"http_status,omitempty"`
	Retryable  bool      `json:"retryable"`
	Provider   string    `json:"provider,omitempty"`
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

// WithProvider sets the provider name.
func (e *Error) WithProvider(provider string) *Error {
	e.Provider = provider
	return e
}

// IsRetryable checks if an error is retryable. Wrapped errors are searched.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// GetErrorCode extracts the error code from an error. Wrapped errors are
// searched.
func GetErrorCode(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// AsError extracts a structured *Error from err, or nil when none exists.
func AsError(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// IsAuthFailure reports whether the error is an upstream credential
// rejection that should invalidate the session and rotate the pool.
func IsAuthFailure(err error) bool {
	switch GetErrorCode(err) {
	case ErrAuthenticationFailed, ErrCredentialsRejected, ErrUnauthorized:
		return true
	}
	return false
}
