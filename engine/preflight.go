package engine

import (
	"fmt"
	"strings"

	"github.com/sicko7947/talkflow"
	"github.com/sicko7947/talkflow/template"
)

// Validate checks a definition against the registry before any run exists:
// every step type must have a backend and every placeholder must refer to
// an input variable or to a step declared earlier.
func (e *Engine) Validate(def *talkflow.WorkflowDefinition, input talkflow.RunInput) error {
	if def == nil {
		return talkflow.NewConfigError("", "", "workflow definition is required", nil)
	}
	if len(def.Steps) == 0 {
		return talkflow.NewConfigError(def.Slug, "", "workflow has no steps", nil)
	}

	available := make(map[string]bool)
	for name := range input.Vars() {
		available[name] = true
	}

	declared := make(map[string]int, len(def.Steps))
	for i, step := range def.Steps {
		if step.ID == "" {
			return talkflow.NewConfigError(def.Slug, fmt.Sprintf("#%d", i), "step id is required", nil)
		}
		if prev, dup := declared[step.ID]; dup {
			return talkflow.NewConfigError(def.Slug, step.ID, fmt.Sprintf("duplicate step id (also step #%d)", prev), nil)
		}
		declared[step.ID] = i
	}

	for i, step := range def.Steps {
		if !step.Type.Known() {
			return talkflow.NewConfigError(def.Slug, step.ID, fmt.Sprintf("unknown step type '%s'", step.Type), nil)
		}
		if step.Type != talkflow.StepConditionalBranch && !e.registry.Has(step.Type) {
			return talkflow.NewConfigError(def.Slug, step.ID, fmt.Sprintf("no backend registered for step type '%s'", step.Type), nil)
		}

		refs, err := template.References(step.Config)
		if err != nil {
			return talkflow.NewConfigError(def.Slug, step.ID, "malformed template", err)
		}
		for _, ref := range refs {
			if available[ref.Name] || available[ref.Root] {
				continue
			}
			reason := fmt.Sprintf("%s refers to unknown variable '%s'", ref.Placeholder, ref.Root)
			if at, ok := declared[ref.Root]; ok && at >= i {
				reason = fmt.Sprintf("%s refers to step '%s' which has not run yet", ref.Placeholder, ref.Root)
			}
			return talkflow.NewConfigError(def.Slug, step.ID, reason, nil)
		}

		if step.Type == talkflow.StepConditionalBranch {
			if err := validateBranch(def, i, declared); err != nil {
				return err
			}
		}

		available[step.ID] = true
		available[step.ResolvedOutputKey()] = true
	}

	return nil
}

func validateBranch(def *talkflow.WorkflowDefinition, at int, declared map[string]int) error {
	step := def.Steps[at]

	if op, ok := step.Config["operator"].(string); ok && !template.HasPlaceholders(op) && !branchOperators[op] {
		return talkflow.NewConfigError(def.Slug, step.ID, fmt.Sprintf("unknown operator '%s'", op), nil)
	}

	skipTo, _ := step.Config["skipTo"].(string)
	if skipTo == "" || template.HasPlaceholders(skipTo) {
		return nil
	}
	target, ok := declared[strings.TrimSpace(skipTo)]
	if !ok {
		return talkflow.NewConfigError(def.Slug, step.ID, fmt.Sprintf("skipTo '%s' is not a step of this workflow", skipTo), nil)
	}
	if target <= at {
		return talkflow.NewConfigError(def.Slug, step.ID, fmt.Sprintf("skipTo '%s' must name a later step", skipTo), nil)
	}
	return nil
}
