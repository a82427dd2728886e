package talkflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error codes
const (
	ErrCodeConfiguration   = "CONFIGURATION_ERROR"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeTimeout         = "TIMEOUT"
	ErrCodeExecutionFailed = "EXECUTION_FAILED"
	ErrCodeCancelled       = "CANCELLED"
	ErrCodeInterrupted     = "INTERRUPTED"
	ErrCodePanic           = "PANIC"
	ErrCodePersistence     = "PERSISTENCE_ERROR"
)

var (
	// ErrRunNotFound is returned when a run id is unknown to the store
	ErrRunNotFound = errors.New("workflow run not found")
	// ErrStepNotFound is returned when a step row does not exist
	ErrStepNotFound = errors.New("workflow step not found")
	// ErrStaleTransition is returned when a step is no longer in the expected status
	ErrStaleTransition = errors.New("stale step transition")
	// ErrRunTerminal is returned when mutating a run that already finished
	ErrRunTerminal = errors.New("workflow run already terminal")
	// ErrRunNotRunning is returned when a step is started on a run that was
	// cancelled or finished in the meantime
	ErrRunNotRunning = errors.New("workflow run no longer running")
	// ErrRunActive is returned when an operation needs a finished run
	ErrRunActive = errors.New("workflow run still active")
)

// WorkflowError represents an error during workflow execution
type WorkflowError struct {
	Message   string                 `json:"message"`
	Code      string                 `json:"code"`
	Step      string                 `json:"step,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface
func (e *WorkflowError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("[%s] %s (step: %s)", e.Code, e.Message, e.Step)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// NewWorkflowError creates a new workflow error
func NewWorkflowError(code, message string) *WorkflowError {
	return &WorkflowError{
		Message:   message,
		Code:      code,
		Timestamp: time.Now(),
	}
}

// NewWorkflowErrorWithStep creates a new workflow error with step context
func NewWorkflowErrorWithStep(code, message, step string) *WorkflowError {
	return &WorkflowError{
		Message:   message,
		Code:      code,
		Step:      step,
		Timestamp: time.Now(),
	}
}

// WithDetails adds details to the error
func (e *WorkflowError) WithDetails(details map[string]interface{}) *WorkflowError {
	e.Details = details
	return e
}

// StepError represents an error returned while executing a step
type StepError struct {
	Message string `json:"message"`
	Code    string `json:"code"`
	StepKey string `json:"stepKey"`
	Stack   string `json:"stack,omitempty"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *StepError) Error() string {
	return fmt.Sprintf("[%s] step %s: %s", e.Code, e.StepKey, e.Message)
}

// Unwrap exposes the underlying cause
func (e *StepError) Unwrap() error {
	return e.Err
}

// NewStepError creates a new step error
func NewStepError(code, stepKey string, err error) *StepError {
	return &StepError{
		Message: err.Error(),
		Code:    code,
		StepKey: stepKey,
		Err:     err,
	}
}

// ConfigError is raised for problems with a workflow definition that are
// detected before a step produces side effects: unresolvable template
// variables, unknown step types, malformed definitions. Never retried.
type ConfigError struct {
	Workflow string
	Step     string
	Reason   string
	Err      error
}

// Error implements the error interface
func (e *ConfigError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Workflow != "" {
		fmt.Fprintf(&b, " in workflow %s", e.Workflow)
	}
	if e.Step != "" {
		fmt.Fprintf(&b, " at step %s", e.Step)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	return b.String()
}

// Unwrap exposes the underlying cause
func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a configuration error for a step
func NewConfigError(workflow, step, reason string, err error) *ConfigError {
	return &ConfigError{Workflow: workflow, Step: step, Reason: reason, Err: err}
}

// IsConfigError reports whether err is (or wraps) a configuration error
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// IsTimeoutError checks if an error is a timeout error
func IsTimeoutError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Code == ErrCodeTimeout
	}
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Code == ErrCodeTimeout
	}
	return false
}

// ErrorCodeOf maps an error onto the closest error code
func ErrorCodeOf(err error) string {
	if err == nil {
		return ""
	}
	var se *StepError
	if errors.As(err, &se) {
		return se.Code
	}
	var we *WorkflowError
	if errors.As(err, &we) {
		return we.Code
	}
	switch {
	case IsConfigError(err):
		return ErrCodeConfiguration
	case IsTimeoutError(err):
		return ErrCodeTimeout
	case errors.Is(err, ErrRunNotFound), errors.Is(err, ErrStepNotFound):
		return ErrCodeNotFound
	}
	return ErrCodeExecutionFailed
}
