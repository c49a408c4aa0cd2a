package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodePermissionDenied  = "PERMISSION_DENIED"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeCapacity          = "CAPACITY_EXCEEDED"
	ErrCodeStepFailed        = "STEP_FAILED"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeUnsupported       = "UNSUPPORTED"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeInterpolation     = "INTERPOLATION_ERROR"
	ErrCodeVault             = "VAULT_ERROR"
)

// RunwayError is the structured error type for all engine operations.
type RunwayError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *RunwayError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *RunwayError) Unwrap() error {
	return e.Cause
}

// NewError creates a new RunwayError.
func NewError(code, message string) *RunwayError {
	return &RunwayError{Code: code, Message: message}
}

// NewErrorf creates a new RunwayError with a formatted message.
func NewErrorf(code, format string, args ...any) *RunwayError {
	return &RunwayError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *RunwayError) WithStep(stepID string) *RunwayError {
	e.StepID = stepID
	return e
}

// WithCause attaches an underlying cause.
func (e *RunwayError) WithCause(err error) *RunwayError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *RunwayError) WithDetails(details map[string]any) *RunwayError {
	e.Details = details
	return e
}
