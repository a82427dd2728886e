// Package builder constructs, decodes and validates workflow definitions and
// loads them into a catalog.
package builder

import (
	"fmt"

	"github.com/sicko7947/talkflow"
)

// WorkflowBuilder provides a fluent API for building workflow definitions
type WorkflowBuilder struct {
	def *talkflow.WorkflowDefinition
}

// NewWorkflow creates a new workflow builder
func NewWorkflow(slug, name string) *WorkflowBuilder {
	return &WorkflowBuilder{
		def: &talkflow.WorkflowDefinition{Slug: slug, Name: name},
	}
}

// WithDescription sets the workflow description
func (b *WorkflowBuilder) WithDescription(description string) *WorkflowBuilder {
	b.def.Description = description
	return b
}

// WithVersion sets the workflow version
func (b *WorkflowBuilder) WithVersion(version string) *WorkflowBuilder {
	b.def.Version = version
	return b
}

// WithIcon sets the workflow icon
func (b *WorkflowBuilder) WithIcon(icon string) *WorkflowBuilder {
	b.def.Icon = icon
	return b
}

// ThenStep appends a step after the last added step
func (b *WorkflowBuilder) ThenStep(id string, stepType talkflow.StepType, opts ...StepOption) *WorkflowBuilder {
	step := talkflow.StepDefinition{ID: id, Type: stepType}
	for _, opt := range opts {
		opt(&step)
	}
	b.def.Steps = append(b.def.Steps, step)
	return b
}

// Sequence appends several prepared steps in order
func (b *WorkflowBuilder) Sequence(steps ...talkflow.StepDefinition) *WorkflowBuilder {
	b.def.Steps = append(b.def.Steps, steps...)
	return b
}

// ThenBranch appends a conditional branch. When the predicate is false every
// step up to skipTo is skipped; an empty skipTo skips the rest of the run.
//
// Example:
//
//	builder.ThenBranch("has-date", "{{intent.date}}", "not-empty", "", "summarize")
func (b *WorkflowBuilder) ThenBranch(id, value, operator, operand, skipTo string) *WorkflowBuilder {
	config := map[string]any{"value": value, "operator": operator}
	if operand != "" {
		config["operand"] = operand
	}
	if skipTo != "" {
		config["skipTo"] = skipTo
	}
	return b.ThenStep(id, talkflow.StepConditionalBranch, WithConfig(config))
}

// ThenSubWorkflow appends a step running the workflow slug as a child run
func (b *WorkflowBuilder) ThenSubWorkflow(id, slug string, variables map[string]string, opts ...StepOption) *WorkflowBuilder {
	config := map[string]any{"workflow": slug}
	if len(variables) > 0 {
		vars := make(map[string]any, len(variables))
		for k, v := range variables {
			vars[k] = v
		}
		config["variables"] = vars
	}
	return b.ThenStep(id, talkflow.StepSubWorkflow, append([]StepOption{WithConfig(config)}, opts...)...)
}

// Build finalizes and validates the definition
func (b *WorkflowBuilder) Build() (*talkflow.WorkflowDefinition, error) {
	if err := Validate(b.def); err != nil {
		return nil, err
	}
	return b.def, nil
}

// MustBuild finalizes and validates the definition, panics on error
func (b *WorkflowBuilder) MustBuild() *talkflow.WorkflowDefinition {
	def, err := b.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to build workflow: %v", err))
	}
	return def
}
