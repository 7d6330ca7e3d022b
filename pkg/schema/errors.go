package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeMemberNotFound     = "MEMBER_NOT_FOUND"
	ErrCodeValidation         = "VALIDATION_ERROR"
	ErrCodeAgentExecution     = "AGENT_EXECUTION_ERROR"
	ErrCodeSuspensionPending  = "SUSPENSION_PENDING"
	ErrCodeSuspensionRejected = "SUSPENSION_REJECTED"
	ErrCodeSuspensionExpired  = "SUSPENSION_EXPIRED"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeMaxIterations      = "MAX_ITERATIONS_EXCEEDED"
	ErrCodeInternal           = "INTERNAL_ERROR"
	ErrCodeConflict           = "CONFLICT"
	ErrCodeInvalidTransition  = "INVALID_TRANSITION"
	ErrCodeCircuitOpen        = "CIRCUIT_OPEN"
	ErrCodeCancelled          = "CANCELLED"
	ErrCodeTimeout            = "TIMEOUT_ERROR"
	ErrCodeExpression         = "EXPRESSION_ERROR"
	ErrCodeAssertionFailed    = "ASSERTION_FAILED"
)

// EnsembleError is the structured error type for all ensemble operations.
type EnsembleError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	Step    string         `json:"step,omitempty"`
	Cause   error          `json:"-"`
}

func (e *EnsembleError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.Step, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *EnsembleError) Unwrap() error {
	return e.Cause
}

// NewError creates a new EnsembleError.
func NewError(code, message string) *EnsembleError {
	return &EnsembleError{Code: code, Message: message}
}

// NewErrorf creates a new EnsembleError with a formatted message.
func NewErrorf(code, format string, args ...any) *EnsembleError {
	return &EnsembleError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches the name of the failing step.
func (e *EnsembleError) WithStep(step string) *EnsembleError {
	e.Step = step
	return e
}

// WithCause attaches an underlying cause.
func (e *EnsembleError) WithCause(err error) *EnsembleError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *EnsembleError) WithDetails(details map[string]any) *EnsembleError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first EnsembleError in err's chain, or "" if none.
func CodeOf(err error) string {
	var ee *EnsembleError
	if errors.As(err, &ee) {
		return ee.Code
	}
	return ""
}

// IsCode reports whether err carries the given error code.
func IsCode(err error, code string) bool {
	return CodeOf(err) == code
}

// AsEnsembleError converts any error into an EnsembleError. Errors that are not
// already structured are wrapped as INTERNAL_ERROR.
func AsEnsembleError(err error) *EnsembleError {
	if err == nil {
		return nil
	}
	var ee *EnsembleError
	if errors.As(err, &ee) {
		return ee
	}
	return NewError(ErrCodeInternal, err.Error()).WithCause(err)
}
