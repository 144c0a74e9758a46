package channels

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorCode categorizes channel failures for monitoring and retry decisions.
type ErrorCode string

const (
	// ErrCodeConnection indicates network or connection-related failures
	ErrCodeConnection ErrorCode = "CONNECTION_ERROR"

	// ErrCodeAuthentication indicates authentication or authorization failures
	ErrCodeAuthentication ErrorCode = "AUTH_ERROR"

	// ErrCodeRateLimit indicates the operation was rate limited by the upstream service
	ErrCodeRateLimit ErrorCode = "RATE_LIMIT_ERROR"

	// ErrCodeParse indicates the platform rejected message formatting entities
	ErrCodeParse ErrorCode = "PARSE_ERROR"

	// ErrCodeInvalidInput indicates invalid message or configuration data
	ErrCodeInvalidInput ErrorCode = "INVALID_INPUT"

	// ErrCodeTimeout indicates an operation timed out
	ErrCodeTimeout ErrorCode = "TIMEOUT_ERROR"

	// ErrCodeInternal indicates an unexpected internal error
	ErrCodeInternal ErrorCode = "INTERNAL_ERROR"

	// ErrCodeConfig indicates a configuration error
	ErrCodeConfig ErrorCode = "CONFIG_ERROR"
)

// Error is a structured channel error. RetryAfter is set only for rate
// limit errors where the platform supplied a delay.
type Error struct {
	Code       ErrorCode
	Message    string
	Err        error
	RetryAfter time.Duration
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether this failure may succeed on retry.
func (e *Error) IsRetryable() bool {
	switch e.Code {
	case ErrCodeRateLimit, ErrCodeTimeout, ErrCodeConnection:
		return true
	default:
		return false
	}
}

// NewError creates an Error with the given code and message.
func NewError(code ErrorCode, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// ErrConnection creates a connection error.
func ErrConnection(message string, err error) *Error {
	return NewError(ErrCodeConnection, message, err)
}

// ErrAuthentication creates an authentication error.
func ErrAuthentication(message string, err error) *Error {
	return NewError(ErrCodeAuthentication, message, err)
}

// ErrRateLimited creates a rate limit error carrying the platform delay.
func ErrRateLimited(message string, retryAfter time.Duration, err error) *Error {
	e := NewError(ErrCodeRateLimit, message, err)
	e.RetryAfter = retryAfter
	return e
}

// ErrInvalidInput creates an invalid input error.
func ErrInvalidInput(message string, err error) *Error {
	return NewError(ErrCodeInvalidInput, message, err)
}

// ErrTimeout creates a timeout error.
func ErrTimeout(message string, err error) *Error {
	return NewError(ErrCodeTimeout, message, err)
}

// ErrInternal creates an internal error.
func ErrInternal(message string, err error) *Error {
	return NewError(ErrCodeInternal, message, err)
}

// ErrConfig creates a configuration error.
func ErrConfig(message string, err error) *Error {
	return NewError(ErrCodeConfig, message, err)
}

// RetryAfterOf extracts the rate-limit delay from an error chain, zero
// when the error is not a rate limit.
func RetryAfterOf(err error) time.Duration {
	var chErr *Error
	if errors.As(err, &chErr) && chErr.Code == ErrCodeRateLimit {
		return chErr.RetryAfter
	}
	return 0
}

// IsRetryable reports whether the error chain contains a retryable
// channel error.
func IsRetryable(err error) bool {
	var chErr *Error
	if errors.As(err, &chErr) {
		return chErr.IsRetryable()
	}
	return false
}

// parseFailureMarkers match the platform messages for rejected
// formatting entities.
var parseFailureMarkers = []string{
	"can't parse entities",
	"can't find end of the entity",
	"unsupported parse_mode",
}

// IsParseError reports whether the error is a formatting rejection that
// warrants a plain-text resend.
func IsParseError(err error) bool {
	var chErr *Error
	if errors.As(err, &chErr) && chErr.Code == ErrCodeParse {
		return true
	}
	if err == nil {
		return false
	}
	text := strings.ToLower(err.Error())
	for _, marker := range parseFailureMarkers {
		if strings.Contains(text, marker) {
			return true
		}
	}
	return false
}
