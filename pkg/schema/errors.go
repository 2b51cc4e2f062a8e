package schema

import (
	"errors"
	"fmt"
)

// Error codes for structured error reporting.
const (
	ErrCodeValidation      = "VALIDATION_ERROR"
	ErrCodeStepExecution   = "STEP_EXECUTION_ERROR"
	ErrCodeState           = "STATE_ERROR"
	ErrCodeTemplate        = "TEMPLATE_ERROR"
	ErrCodeWorkflow        = "WORKFLOW_ERROR"
	ErrCodeAICommunication = "AI_COMMUNICATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
)

// State operation tags carried by state errors.
const (
	OpRead  = "read"
	OpWrite = "write"
)

// FlowError is the structured error type for all stepflow operations.
type FlowError struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	StepID     string `json:"step_id,omitempty"`
	SessionID  string `json:"session_id,omitempty"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Op         string `json:"op,omitempty"`
	Cause      error  `json:"-"`
}

func (e *FlowError) Error() string {
	switch {
	case e.StepID != "":
		return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepID, e.Message)
	case e.SessionID != "":
		return fmt.Sprintf("[%s] session %s: %s", e.Code, e.SessionID, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

func (e *FlowError) Unwrap() error {
	return e.Cause
}

// NewError creates a new FlowError.
func NewError(code, message string) *FlowError {
	return &FlowError{Code: code, Message: message}
}

// NewErrorf creates a new FlowError with a formatted message.
func NewErrorf(code, format string, args ...any) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStep attaches a step ID to the error.
func (e *FlowError) WithStep(stepID string) *FlowError {
	e.StepID = stepID
	return e
}

// WithSession attaches a session ID to the error.
func (e *FlowError) WithSession(sessionID string) *FlowError {
	e.SessionID = sessionID
	return e
}

// WithWorkflow attaches a workflow ID to the error.
func (e *FlowError) WithWorkflow(workflowID string) *FlowError {
	e.WorkflowID = workflowID
	return e
}

// WithOp tags the error with the failing state operation (read or write).
func (e *FlowError) WithOp(op string) *FlowError {
	e.Op = op
	return e
}

// WithCause attaches an underlying cause.
func (e *FlowError) WithCause(err error) *FlowError {
	e.Cause = err
	return e
}

// CodeOf extracts the FlowError code from an error chain, or "" if none.
func CodeOf(err error) string {
	var fe *FlowError
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// IsNotFound reports whether the error chain contains a not-found error.
// "Not found" is a distinguished case of a read failure, not a separate
// error kind, so callers inspect the code rather than catching a type.
func IsNotFound(err error) bool {
	return CodeOf(err) == ErrCodeNotFound
}
