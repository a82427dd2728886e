package talkflow

import (
	"errors"
	"fmt"
	"time"
)

// StepType is the declared kind of a workflow step
type StepType string

const (
	StepGeneration        StepType = "generation"
	StepTranscription     StepType = "transcription"
	StepDataTransform     StepType = "data-transform"
	StepConditionalBranch StepType = "conditional-branch"
	StepReminderCreation  StepType = "reminder-creation"
	StepShellExecution    StepType = "shell-execution"
	StepFileWrite         StepType = "file-write"
	StepNotifications     StepType = "notifications"
	StepIntentExtraction  StepType = "intent-extraction"
	StepSubWorkflow       StepType = "sub-workflow"
	StepWebhook           StepType = "webhook"
	StepEmail             StepType = "email"
	StepCalendar          StepType = "calendar"
	StepClipboard         StepType = "clipboard"
	StepSpeechOutput      StepType = "speech-output"
)

// StepTypes lists the fixed step vocabulary in declaration order
var StepTypes = []StepType{
	StepGeneration,
	StepTranscription,
	StepDataTransform,
	StepConditionalBranch,
	StepReminderCreation,
	StepShellExecution,
	StepFileWrite,
	StepNotifications,
	StepIntentExtraction,
	StepSubWorkflow,
	StepWebhook,
	StepEmail,
	StepCalendar,
	StepClipboard,
	StepSpeechOutput,
}

// Known reports whether t belongs to the step vocabulary
func (t StepType) Known() bool {
	for _, known := range StepTypes {
		if t == known {
			return true
		}
	}
	return false
}

// String returns the string representation
func (t StepType) String() string {
	return string(t)
}

// WorkflowDefinition is the blueprint a run is started from.
// Unknown keys are preserved in Extra so that a decode/encode cycle is lossless.
type WorkflowDefinition struct {
	Slug        string           `yaml:"slug" json:"slug" validate:"required,kebab"`
	Name        string           `yaml:"name" json:"name" validate:"required"`
	Icon        string           `yaml:"icon,omitempty" json:"icon,omitempty"`
	Version     string           `yaml:"version,omitempty" json:"version,omitempty"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Steps       []StepDefinition `yaml:"steps" json:"steps" validate:"required,min=1,dive"`

	Extra map[string]any `yaml:",inline" json:"-"`
}

// StepDefinition declares one step of a workflow
type StepDefinition struct {
	ID        string         `yaml:"id" json:"id" validate:"required,kebab"`
	Type      StepType       `yaml:"type" json:"type" validate:"required,steptype"`
	OutputKey string         `yaml:"outputKey,omitempty" json:"outputKey,omitempty"`
	Timeout   time.Duration  `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	Config    map[string]any `yaml:"config,omitempty" json:"config,omitempty"`

	Extra map[string]any `yaml:",inline" json:"-"`
}

// ResolvedOutputKey returns the key the step output is stored under
func (s StepDefinition) ResolvedOutputKey() string {
	if s.OutputKey != "" {
		return s.OutputKey
	}
	return s.ID
}

// StepIndex returns the position of the step with the given id, or -1
func (d *WorkflowDefinition) StepIndex(stepID string) int {
	for i, s := range d.Steps {
		if s.ID == stepID {
			return i
		}
	}
	return -1
}

// GetStep retrieves a step by ID
func (d *WorkflowDefinition) GetStep(stepID string) (StepDefinition, error) {
	idx := d.StepIndex(stepID)
	if idx < 0 {
		return StepDefinition{}, fmt.Errorf("step %s not found in workflow %s", stepID, d.Slug)
	}
	return d.Steps[idx], nil
}

// DisplayVersion returns the workflow version, defaulting to 1.0
func (d *WorkflowDefinition) DisplayVersion() string {
	if d.Version == "" {
		return "1.0"
	}
	return d.Version
}

// WorkflowCatalog resolves workflow slugs to definitions
type WorkflowCatalog interface {
	Get(slug string) (*WorkflowDefinition, error)
	List() []*WorkflowDefinition
}

// ErrWorkflowNotFound is returned by catalogs for unknown slugs
var ErrWorkflowNotFound = errors.New("workflow not found")
