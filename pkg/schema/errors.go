package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeInvalidInput      = "INVALID_INPUT"
	ErrCodeUnknownSession    = "UNKNOWN_SESSION"
	ErrCodeUnknownRequest    = "UNKNOWN_REQUEST"
	ErrCodeStageInvocation   = "STAGE_INVOCATION_ERROR"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeTimeout           = "TIMEOUT"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeToolUnavailable   = "TOOL_UNAVAILABLE"
	ErrCodeExpression        = "EXPRESSION_ERROR"
)

// nonRetryable lists codes for which repeating the same call cannot succeed.
var nonRetryable = map[string]bool{
	ErrCodeInvalidInput:      true,
	ErrCodeUnknownSession:    true,
	ErrCodeUnknownRequest:    true,
	ErrCodeInvalidTransition: true,
	ErrCodeConflict:          true,
	ErrCodeCircuitOpen:       true,
	ErrCodeToolUnavailable:   true,
	ErrCodeExpression:        true,
}

// GateError is the structured error type for all tradegate operations.
type GateError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Stage   string         `json:"stage,omitempty"`
	Cause   error          `json:"-"`
}

func (e *GateError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("[%s] stage %s: %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *GateError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the failed call may succeed if repeated.
// A wrapped cause that is itself a non-retryable GateError wins.
func (e *GateError) IsRetryable() bool {
	if nonRetryable[e.Code] {
		return false
	}
	var inner *GateError
	if e.Cause != nil && errors.As(e.Cause, &inner) {
		return inner.IsRetryable()
	}
	return true
}

// NewError creates a new GateError.
func NewError(code, message string) *GateError {
	return &GateError{Code: code, Message: message}
}

// NewErrorf creates a new GateError with a formatted message.
func NewErrorf(code, format string, args ...any) *GateError {
	return &GateError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStage attaches the stage name to the error.
func (e *GateError) WithStage(stage string) *GateError {
	e.Stage = stage
	return e
}

// WithCause attaches an underlying cause.
func (e *GateError) WithCause(err error) *GateError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *GateError) WithDetails(details map[string]any) *GateError {
	e.Details = details
	return e
}

// AsGateError unwraps err into a *GateError if one is in the chain.
func AsGateError(err error) (*GateError, bool) {
	var ge *GateError
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	ge, ok := AsGateError(err)
	return ok && ge.Code == code
}

// CodeOf returns the error code of err, or ErrCodeStageInvocation for
// errors that are not GateErrors.
func CodeOf(err error) string {
	if ge, ok := AsGateError(err); ok {
		return ge.Code
	}
	return ErrCodeStageInvocation
}
