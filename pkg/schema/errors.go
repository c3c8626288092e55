package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeGraph             = "GRAPH_ERROR"
	ErrCodeDispatch          = "DISPATCH_ERROR"
	ErrCodeThrottled         = "THROTTLED"
	ErrCodeCircuitOpen       = "CIRCUIT_OPEN"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeStore             = "STORE_ERROR"
)

// OutflowError is the structured error type for all engine operations.
type OutflowError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	NodeID  string         `json:"node_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *OutflowError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("[%s] node %s: %s", e.Code, e.NodeID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *OutflowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new OutflowError.
func NewError(code, message string) *OutflowError {
	return &OutflowError{Code: code, Message: message}
}

// NewErrorf creates a new OutflowError with a formatted message.
func NewErrorf(code, format string, args ...any) *OutflowError {
	return &OutflowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithNode attaches a node ID to the error.
func (e *OutflowError) WithNode(nodeID string) *OutflowError {
	e.NodeID = nodeID
	return e
}

// WithCause attaches an underlying cause.
func (e *OutflowError) WithCause(err error) *OutflowError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *OutflowError) WithDetails(details map[string]any) *OutflowError {
	e.Details = details
	return e
}
