package engine

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/talkflow"
)

// Conditional branch operators
const (
	OpEquals      = "equals"
	OpNotEquals   = "not-equals"
	OpContains    = "contains"
	OpNotContains = "not-contains"
	OpMatches     = "matches"
	OpEmpty       = "empty"
	OpNotEmpty    = "not-empty"
)

var branchOperators = map[string]bool{
	OpEquals: true, OpNotEquals: true, OpContains: true, OpNotContains: true,
	OpMatches: true, OpEmpty: true, OpNotEmpty: true,
}

// Branch is a decoded `conditional-branch` configuration. When the predicate
// is false, every step after the branch up to (not including) SkipTo is
// skipped; an empty SkipTo skips the rest of the workflow.
type Branch struct {
	Value    string
	Operator string
	Operand  string
	SkipTo   string
}

func branchFrom(input map[string]any) Branch {
	str := func(key string) string {
		if v, ok := input[key]; ok && v != nil {
			return fmt.Sprint(v)
		}
		return ""
	}
	b := Branch{
		Value:    str("value"),
		Operator: str("operator"),
		Operand:  str("operand"),
		SkipTo:   strings.TrimSpace(str("skipTo")),
	}
	if b.Operator == "" {
		b.Operator = OpNotEmpty
	}
	return b
}

// Evaluate applies the operator
func (b Branch) Evaluate() (bool, error) {
	switch b.Operator {
	case OpEquals:
		return strings.TrimSpace(b.Value) == strings.TrimSpace(b.Operand), nil
	case OpNotEquals:
		return strings.TrimSpace(b.Value) != strings.TrimSpace(b.Operand), nil
	case OpContains:
		return strings.Contains(strings.ToLower(b.Value), strings.ToLower(b.Operand)), nil
	case OpNotContains:
		return !strings.Contains(strings.ToLower(b.Value), strings.ToLower(b.Operand)), nil
	case OpMatches:
		re, err := regexp.Compile(b.Operand)
		if err != nil {
			return false, fmt.Errorf("invalid pattern: %w", err)
		}
		return re.MatchString(b.Value), nil
	case OpEmpty:
		return strings.TrimSpace(b.Value) == "", nil
	case OpNotEmpty:
		return strings.TrimSpace(b.Value) != "", nil
	default:
		return false, fmt.Errorf("unknown operator '%s'", b.Operator)
	}
}

// executeBranch evaluates a conditional step that is already running. It
// never calls a backend; the output is "true" or "false".
func (e *Engine) executeBranch(ctx context.Context, step *talkflow.WorkflowStep, logger zerolog.Logger, input map[string]any) (*stepResult, error) {
	branch := branchFrom(input)
	ok, err := branch.Evaluate()

	completedAt := time.Now()
	step.CompletedAt = &completedAt
	step.DurationMs = talkflow.ElapsedMs(step.StartedAt, completedAt)

	if err != nil {
		cause := talkflow.NewConfigError("", step.StepKey, "invalid conditional branch", err)
		step.Status = talkflow.StepStatusFailed
		step.ErrorCode = talkflow.ErrCodeConfiguration
		step.ErrorMessage = cause.Error()
		if perr := e.store.TransitionStep(ctx, step, talkflow.StepStatusRunning); perr != nil {
			talkflow.LogPersistenceError(logger, step.RunID, "fail_step", perr)
		}
		talkflow.LogStepFailed(logger, step.RunID, step.StepKey, cause)
		return nil, talkflow.NewStepError(talkflow.ErrCodeConfiguration, step.StepKey, cause)
	}

	output := "false"
	if ok {
		output = "true"
	}
	step.Status = talkflow.StepStatusCompleted
	step.Output = output
	if err := e.store.TransitionStep(ctx, step, talkflow.StepStatusRunning); err != nil {
		talkflow.LogPersistenceError(logger, step.RunID, "complete_step", err)
		return nil, talkflow.NewStepError(talkflow.ErrCodePersistence, step.StepKey, err)
	}

	logger.Info().
		Str("event", talkflow.EventStepCompleted).
		Str("operator", branch.Operator).
		Bool("result", ok).
		Str("skip_to", branch.SkipTo).
		Msg("Branch evaluated")

	return &stepResult{Output: output, DurationMs: step.DurationMs, Skip: !ok, SkipTo: branch.SkipTo}, nil
}

// skipSteps marks the steps after index branchAt as skipped, stopping before
// skipTo. skipTo must name a later step.
func (e *Engine) skipSteps(
	ctx context.Context,
	run *talkflow.WorkflowRun,
	def *talkflow.WorkflowDefinition,
	steps []*talkflow.WorkflowStep,
	branchAt int,
	skipTo string,
) error {
	end := len(steps)
	if skipTo != "" {
		target := def.StepIndex(skipTo)
		if target <= branchAt {
			cause := talkflow.NewConfigError(run.WorkflowID, def.Steps[branchAt].ID,
				fmt.Sprintf("skipTo '%s' does not name a later step", skipTo), nil)
			return talkflow.NewStepError(talkflow.ErrCodeConfiguration, def.Steps[branchAt].ID, cause)
		}
		end = target
	}

	reason := "branch " + def.Steps[branchAt].ID + " evaluated false"
	for i := branchAt + 1; i < end; i++ {
		step := steps[i]
		step.Status = talkflow.StepStatusSkipped
		if err := e.store.TransitionStep(ctx, step, talkflow.StepStatusPending); err != nil {
			talkflow.LogPersistenceError(e.logger, run.ID, "skip_step", err)
			return talkflow.NewStepError(talkflow.ErrCodePersistence, step.StepKey, err)
		}
		talkflow.LogStepSkipped(e.logger, run.ID, step.StepKey, reason)
	}
	return nil
}
