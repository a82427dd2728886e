package talkflow

import (
	"encoding/json"
	"fmt"
	"time"
)

// RunStatus represents the current state of a workflow run
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal returns true if the status is a final state
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed || s == RunStatusCancelled
}

// Valid reports whether s is a known run status
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// String returns the string representation
func (s RunStatus) String() string {
	return string(s)
}

// StepStatus represents the current state of a step within a run
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// IsTerminal returns true if the status is a final state
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// String returns the string representation
func (s StepStatus) String() string {
	return string(s)
}

// CanTransition reports whether a step may move from s to next.
func (s StepStatus) CanTransition(next StepStatus) bool {
	switch s {
	case StepStatusPending:
		return next == StepStatusRunning || next == StepStatusSkipped || next == StepStatusFailed
	case StepStatusRunning:
		return next == StepStatusCompleted || next == StepStatusFailed
	default:
		return false
	}
}

// TriggerSource records what initiated a run
type TriggerSource string

const (
	TriggerManual      TriggerSource = "manual"
	TriggerAutomatic   TriggerSource = "automatic"
	TriggerAPI         TriggerSource = "api"
	TriggerLiveCapture TriggerSource = "live-capture"
)

// Valid reports whether the trigger source is part of the known vocabulary
func (t TriggerSource) Valid() bool {
	switch t {
	case TriggerManual, TriggerAutomatic, TriggerAPI, TriggerLiveCapture:
		return true
	}
	return false
}

// RunInput is the snapshot of what a run was started against
type RunInput struct {
	Transcript string            `json:"transcript"`
	Title      string            `json:"title,omitempty"`
	Date       time.Time         `json:"date"`
	Variables  map[string]string `json:"variables,omitempty"`
}

// Context variable names seeded from the run input
const (
	VarTranscript = "TRANSCRIPT"
	VarTitle      = "TITLE"
	VarDate       = "DATE"
)

// Vars flattens the input into the initial template context.
func (in RunInput) Vars() map[string]string {
	vars := make(map[string]string, len(in.Variables)+3)
	for k, v := range in.Variables {
		vars[k] = v
	}
	vars[VarTranscript] = in.Transcript
	vars[VarTitle] = in.Title
	if !in.Date.IsZero() {
		vars[VarDate] = in.Date.Format(time.RFC3339)
	} else {
		vars[VarDate] = ""
	}
	return vars
}

// WorkflowRun is one execution of one workflow against one input
type WorkflowRun struct {
	// Identity
	ID              string `json:"id"`
	WorkflowID      string `json:"workflowId"`
	WorkflowName    string `json:"workflowName"`
	WorkflowIcon    string `json:"workflowIcon,omitempty"`
	WorkflowVersion string `json:"workflowVersion,omitempty"`

	// Status
	Status RunStatus `json:"status"`

	// Timing
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  int64      `json:"durationMs"`

	// Input/Output
	Input  RunInput          `json:"input"`
	Output map[string]string `json:"output,omitempty"`

	// Error handling
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	ErrorStack   string `json:"errorStack,omitempty"`

	// Metadata
	StepCount     int           `json:"stepCount"`
	TriggerSource TriggerSource `json:"triggerSource"`
	Backend       string        `json:"backend"`
	ParentRunID   string        `json:"parentRunId,omitempty"`
	RerunOf       string        `json:"rerunOf,omitempty"`
	DictationID   int64         `json:"dictationId,omitempty"`
}

// CheckInvariants verifies the timestamp/status coupling of a run.
func (r *WorkflowRun) CheckInvariants() error {
	if r.Status.IsTerminal() != (r.CompletedAt != nil) {
		return fmt.Errorf("run %s: completedAt must be set iff status is terminal (status=%s)", r.ID, r.Status)
	}
	if (r.Status != RunStatusPending) != (r.StartedAt != nil) {
		return fmt.Errorf("run %s: startedAt must be set iff status is not pending (status=%s)", r.ID, r.Status)
	}
	return nil
}

// LLMMetadata describes a language-model call made by a step
type LLMMetadata struct {
	Provider         string  `json:"provider"`
	Model            string  `json:"model"`
	PromptTokens     int     `json:"promptTokens,omitempty"`
	CompletionTokens int     `json:"completionTokens,omitempty"`
	CostUSD          float64 `json:"costUsd,omitempty"`
}

// WorkflowStep is one step instance within a run
type WorkflowStep struct {
	// Identity
	ID         string   `json:"id"`
	RunID      string   `json:"runId"`
	StepNumber int      `json:"stepNumber"`
	StepKey    string   `json:"stepKey"`
	StepType   StepType `json:"stepType"`

	// Configuration snapshot (unresolved, as declared)
	Config    json.RawMessage `json:"config,omitempty"`
	OutputKey string          `json:"outputKey"`
	// TimeoutMs is the declared step timeout, 0 when the step declared none
	TimeoutMs int64           `json:"timeoutMs,omitempty"`

	// Status
	Status StepStatus `json:"status"`

	// Timing
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	DurationMs  int64      `json:"durationMs"`

	// Input/Output. Input is captured after template resolution.
	Input  json.RawMessage `json:"input,omitempty"`
	Output string          `json:"output,omitempty"`

	RetryCount int          `json:"retryCount"`
	LLM        *LLMMetadata `json:"llm,omitempty"`

	// Error handling
	ErrorCode    string `json:"errorCode,omitempty"`
	ErrorMessage string `json:"errorMessage,omitempty"`
	ErrorStack   string `json:"errorStack,omitempty"`
}

// RunFilter defines filtering criteria for workflow runs
type RunFilter struct {
	WorkflowID    string
	Status        *RunStatus
	TriggerSource TriggerSource
	ParentRunID   string
	Limit         int
}
