// Package store provides persistence implementations for workflow runs.
// The RunStore interface is defined in the root talkflow package
// (../store_interface.go) to avoid import cycles between the two packages.
//
// This package contains concrete implementations:
//   - SQLiteStore: durable store shared with other local processes
//   - MemoryStore: in-memory backend for testing
package store

import (
	"encoding/json"

	"github.com/sicko7947/talkflow"
)

func cloneRun(run *talkflow.WorkflowRun) *talkflow.WorkflowRun {
	c := *run
	c.StartedAt = clonePtr(run.StartedAt)
	c.CompletedAt = clonePtr(run.CompletedAt)
	if run.Input.Variables != nil {
		c.Input.Variables = talkflow.CopyVars(run.Input.Variables)
	}
	if run.Output != nil {
		c.Output = talkflow.CopyVars(run.Output)
	}
	return &c
}

func cloneStep(step *talkflow.WorkflowStep) *talkflow.WorkflowStep {
	c := *step
	c.StartedAt = clonePtr(step.StartedAt)
	c.CompletedAt = clonePtr(step.CompletedAt)
	c.Config = cloneRaw(step.Config)
	c.Input = cloneRaw(step.Input)
	if step.LLM != nil {
		llm := *step.LLM
		c.LLM = &llm
	}
	return &c
}

// startsStep reports whether a transition puts a step to work. Those are
// only allowed while the owning run is still running.
func startsStep(from, to talkflow.StepStatus) bool {
	return from == talkflow.StepStatusPending && to == talkflow.StepStatusRunning
}

func clonePtr[T any](p *T) *T {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}

func cloneRaw(raw json.RawMessage) json.RawMessage {
	if raw == nil {
		return nil
	}
	out := make(json.RawMessage, len(raw))
	copy(out, raw)
	return out
}
