package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sicko7947/talkflow"
	"github.com/sicko7947/talkflow/backend"
	"github.com/sicko7947/talkflow/template"
)

// runPlan is what executeRun needs besides the run row
type runPlan struct {
	def         *talkflow.WorkflowDefinition
	configs     []json.RawMessage
	retryCounts map[string]int
}

// stepResult holds the result of a step execution
type stepResult struct {
	Output     string
	DurationMs int64
	// Discarded is set when the run was cancelled while the step was in flight
	Discarded bool
	// Skip is set when a conditional branch evaluated false; SkipTo names the
	// first step that runs again, empty for the rest of the workflow
	Skip   bool
	SkipTo string
}

// executeRun drives a run from pending to a terminal status
func (e *Engine) executeRun(ctx context.Context, run *talkflow.WorkflowRun, plan *runPlan) error {
	runLogger := talkflow.RunLogger(e.logger, run.ID, run.WorkflowID)

	// Update status to running
	startTime := time.Now()
	run.Status = talkflow.RunStatusRunning
	run.StartedAt = &startTime

	if err := e.store.TransitionRun(ctx, run, talkflow.RunStatusPending); err != nil {
		if errors.Is(err, talkflow.ErrStaleTransition) {
			runLogger.Warn().Msg("Run changed before it started, not executing")
			return nil
		}
		talkflow.LogPersistenceError(runLogger, run.ID, "start_run", err)
		return err
	}

	talkflow.LogRunStarted(runLogger, run.ID, run.WorkflowID, run.StepCount)

	steps, err := e.materializeSteps(ctx, run, plan)
	if err != nil {
		talkflow.LogPersistenceError(runLogger, run.ID, "create_steps", err)
		return e.failRun(ctx, run, talkflow.NewStepError(talkflow.ErrCodePersistence, "", err))
	}

	vars := template.Context(run.Input.Vars())
	outputs := make(map[string]string, len(steps))

	for i := 0; i < len(steps); i++ {
		// Cancellation is observed at step boundaries only
		if cancelled, err := e.isCancelled(ctx, run.ID); err != nil {
			talkflow.LogPersistenceError(runLogger, run.ID, "check_status", err)
			return e.failRun(ctx, run, talkflow.NewStepError(talkflow.ErrCodePersistence, "", err))
		} else if cancelled {
			talkflow.LogRunCancelled(runLogger, run.ID)
			return nil
		}

		step := steps[i]
		if step.Status == talkflow.StepStatusSkipped {
			continue
		}

		stepDef := plan.def.Steps[i]
		result, err := e.executeStep(ctx, run, stepDef, step, vars)
		if err != nil {
			return e.failRun(ctx, run, err)
		}
		if result.Discarded {
			talkflow.LogRunCancelled(runLogger, run.ID)
			return nil
		}

		outputKey := stepDef.ResolvedOutputKey()
		vars[outputKey] = result.Output
		vars[stepDef.ID] = result.Output
		outputs[outputKey] = result.Output

		if result.Skip {
			if err := e.skipSteps(ctx, run, plan.def, steps, i, result.SkipTo); err != nil {
				return e.failRun(ctx, run, err)
			}
		}
	}

	return e.completeRun(ctx, run, outputs)
}

// materializeSteps writes one pending row per declared step
func (e *Engine) materializeSteps(ctx context.Context, run *talkflow.WorkflowRun, plan *runPlan) ([]*talkflow.WorkflowStep, error) {
	now := time.Now()
	steps := make([]*talkflow.WorkflowStep, len(plan.def.Steps))
	for i, def := range plan.def.Steps {
		steps[i] = &talkflow.WorkflowStep{
			ID:         uuid.New().String(),
			RunID:      run.ID,
			StepNumber: i,
			StepKey:    def.ID,
			StepType:   def.Type,
			Config:     plan.configs[i],
			OutputKey:  def.ResolvedOutputKey(),
			TimeoutMs:  def.Timeout.Milliseconds(),
			Status:     talkflow.StepStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
			RetryCount: plan.retryCounts[def.ID],
		}
	}

	if err := e.store.CreateSteps(ctx, run.ID, steps); err != nil {
		return nil, fmt.Errorf("failed to create steps: %w", err)
	}
	return steps, nil
}

// executeStep runs a single step. A returned error has already been recorded
// on the step row and must fail the run.
func (e *Engine) executeStep(
	ctx context.Context,
	run *talkflow.WorkflowRun,
	def talkflow.StepDefinition,
	step *talkflow.WorkflowStep,
	vars template.Context,
) (*stepResult, error) {
	runLogger := talkflow.RunLogger(e.logger, run.ID, run.WorkflowID)
	stepLogger := talkflow.StepLogger(runLogger, def.ID, step.StepNumber, def.Type)

	// Resolve configuration against everything produced so far
	input, err := template.ResolveConfig(def.ID, def.Config, vars)
	if err != nil {
		return nil, e.rejectStep(ctx, step, stepLogger,
			talkflow.NewConfigError(run.WorkflowID, def.ID, "unresolvable template", err))
	}

	var b backend.Backend
	if def.Type != talkflow.StepConditionalBranch {
		if b, err = e.registry.Lookup(def.Type); err != nil {
			return nil, e.rejectStep(ctx, step, stepLogger, withStep(err, run.WorkflowID, def.ID))
		}
		if err := e.registry.Validate(def.Type, input); err != nil {
			return nil, e.rejectStep(ctx, step, stepLogger, withStep(err, run.WorkflowID, def.ID))
		}
	}

	inputJSON, err := json.Marshal(input)
	if err != nil {
		return nil, e.rejectStep(ctx, step, stepLogger,
			talkflow.NewConfigError(run.WorkflowID, def.ID, "resolved input is not serializable", err))
	}

	// Update to running
	startedAt := time.Now()
	step.Status = talkflow.StepStatusRunning
	step.StartedAt = &startedAt
	step.Input = inputJSON
	if err := e.store.TransitionStep(ctx, step, talkflow.StepStatusPending); err != nil {
		if errors.Is(err, talkflow.ErrRunNotRunning) {
			// Cancelled between the boundary check and the start; the step never ran
			step.Status = talkflow.StepStatusPending
			step.StartedAt = nil
			step.Input = nil
			stepLogger.Warn().Msg("Run stopped before the step started, not executing")
			return &stepResult{Discarded: true}, nil
		}
		talkflow.LogPersistenceError(stepLogger, run.ID, "start_step", err)
		return nil, talkflow.NewStepError(talkflow.ErrCodePersistence, def.ID, err)
	}

	talkflow.LogStepStarted(stepLogger, run.ID, def.ID, step.StepNumber, def.Type)

	if def.Type == talkflow.StepConditionalBranch {
		return e.executeBranch(ctx, step, stepLogger, input)
	}

	timeout := e.stepTimeout(def, b)
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stepCtx := &talkflow.StepContext{
		Context:    execCtx,
		RunID:      run.ID,
		WorkflowID: run.WorkflowID,
		StepKey:    def.ID,
		StepNumber: step.StepNumber,
		Depth:      talkflow.DepthFrom(ctx),
		Logger:     stepLogger,
		Vars:       talkflow.CopyVars(vars),
	}

	// Execute step (with panic recovery). A backend that ignores its context
	// is abandoned at the deadline.
	type outcome struct {
		res   *backend.Result
		err   error
		stack string
	}
	done := make(chan outcome, 1)
	go func() {
		var out outcome
		defer func() {
			if r := recover(); r != nil {
				out.stack = string(debug.Stack())
				out.err = talkflow.NewStepError(talkflow.ErrCodePanic, def.ID, fmt.Errorf("step panicked: %v", r))
				stepLogger.Error().Interface("panic", r).Msg("Step panicked")
			}
			done <- out
		}()

		out.res, out.err = b.Execute(stepCtx, input)
	}()

	var out outcome
	select {
	case out = <-done:
	case <-execCtx.Done():
		out.err = execCtx.Err()
	}
	res, err, stack := out.res, out.err, out.stack

	completedAt := time.Now()
	durationMs := completedAt.Sub(startedAt).Milliseconds()

	// A cancel that landed while the backend was working wins over its result
	if cancelled, cerr := e.isCancelled(ctx, run.ID); cerr == nil && cancelled {
		step.Status = talkflow.StepStatusFailed
		step.CompletedAt = &completedAt
		step.DurationMs = durationMs
		step.ErrorCode = talkflow.ErrCodeCancelled
		step.ErrorMessage = "run cancelled while the step was in flight; result discarded"
		if err := e.store.TransitionStep(ctx, step, talkflow.StepStatusRunning); err != nil {
			talkflow.LogPersistenceError(stepLogger, run.ID, "discard_step", err)
		}
		stepLogger.Warn().
			Str("event", talkflow.EventStepDiscarded).
			Int64("duration_ms", durationMs).
			Msg("Step result discarded after cancellation")
		return &stepResult{Discarded: true, DurationMs: durationMs}, nil
	}

	if err == nil && res == nil {
		err = fmt.Errorf("backend %s returned no result", def.Type)
	}

	if err != nil {
		code := talkflow.ErrorCodeOf(err)
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			code = talkflow.ErrCodeTimeout
			err = fmt.Errorf("step timed out after %s: %w", timeout, err)
		}

		step.Status = talkflow.StepStatusFailed
		step.CompletedAt = &completedAt
		step.DurationMs = durationMs
		step.ErrorCode = code
		step.ErrorMessage = err.Error()
		step.ErrorStack = stack
		if perr := e.store.TransitionStep(ctx, step, talkflow.StepStatusRunning); perr != nil {
			talkflow.LogPersistenceError(stepLogger, run.ID, "fail_step", perr)
		}

		talkflow.LogStepFailed(stepLogger, run.ID, def.ID, err)

		stepErr := talkflow.NewStepError(code, def.ID, err)
		stepErr.Stack = stack
		return nil, stepErr
	}

	// Success
	step.Status = talkflow.StepStatusCompleted
	step.CompletedAt = &completedAt
	step.DurationMs = durationMs
	step.Output = res.Output
	step.LLM = res.LLM
	if err := e.store.TransitionStep(ctx, step, talkflow.StepStatusRunning); err != nil {
		talkflow.LogPersistenceError(stepLogger, run.ID, "complete_step", err)
		return nil, talkflow.NewStepError(talkflow.ErrCodePersistence, def.ID, err)
	}

	talkflow.LogStepCompleted(stepLogger, run.ID, def.ID, durationMs)

	return &stepResult{Output: res.Output, DurationMs: durationMs}, nil
}

// rejectStep fails a step that never started: its configuration could not
// be resolved or validated
func (e *Engine) rejectStep(ctx context.Context, step *talkflow.WorkflowStep, logger zerolog.Logger, cause error) error {
	now := time.Now()
	step.Status = talkflow.StepStatusFailed
	step.CompletedAt = &now
	step.ErrorCode = talkflow.ErrCodeConfiguration
	step.ErrorMessage = cause.Error()

	if err := e.store.TransitionStep(ctx, step, talkflow.StepStatusPending); err != nil {
		talkflow.LogPersistenceError(logger, step.RunID, "reject_step", err)
	}

	talkflow.LogStepFailed(logger, step.RunID, step.StepKey, cause)

	return talkflow.NewStepError(talkflow.ErrCodeConfiguration, step.StepKey, cause)
}

// stepTimeout picks the step override, then the backend limit, then the
// engine default
func (e *Engine) stepTimeout(def talkflow.StepDefinition, b backend.Backend) time.Duration {
	if def.Timeout > 0 {
		return def.Timeout
	}
	if t := b.Timeout(); t > 0 {
		return t
	}
	return e.config.DefaultStepTimeout
}

func (e *Engine) isCancelled(ctx context.Context, runID string) (bool, error) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return false, err
	}
	return run.Status == talkflow.RunStatusCancelled, nil
}

// completeRun marks the run as completed
func (e *Engine) completeRun(ctx context.Context, run *talkflow.WorkflowRun, outputs map[string]string) error {
	completedAt := time.Now()
	run.Status = talkflow.RunStatusCompleted
	run.CompletedAt = &completedAt
	run.DurationMs = talkflow.ElapsedMs(run.StartedAt, completedAt)
	run.Output = outputs

	if err := e.store.TransitionRun(ctx, run, talkflow.RunStatusRunning); err != nil {
		if errors.Is(err, talkflow.ErrStaleTransition) {
			talkflow.LogRunCancelled(e.logger, run.ID)
			return nil
		}
		return fmt.Errorf("failed to update run on completion: %w", err)
	}

	talkflow.LogRunCompleted(e.logger, run.ID, completedAt.Sub(*run.StartedAt))
	return nil
}

// failRun marks the run as failed. Steps after the failure stay pending.
func (e *Engine) failRun(ctx context.Context, run *talkflow.WorkflowRun, err error) error {
	completedAt := time.Now()
	run.Status = talkflow.RunStatusFailed
	run.CompletedAt = &completedAt
	run.DurationMs = talkflow.ElapsedMs(run.StartedAt, completedAt)
	run.ErrorCode = talkflow.ErrorCodeOf(err)
	run.ErrorMessage = err.Error()

	var stepErr *talkflow.StepError
	if errors.As(err, &stepErr) {
		run.ErrorStack = stepErr.Stack
	}

	if updateErr := e.store.TransitionRun(ctx, run, talkflow.RunStatusRunning); updateErr != nil {
		if errors.Is(updateErr, talkflow.ErrStaleTransition) {
			talkflow.LogRunCancelled(e.logger, run.ID)
			return err
		}
		talkflow.LogPersistenceError(e.logger, run.ID, "fail_run", updateErr)
	}

	talkflow.LogRunFailed(e.logger, run.ID, err)
	return err
}

// withStep fills in workflow and step on a configuration error from the
// registry
func withStep(err error, workflow, step string) error {
	var ce *talkflow.ConfigError
	if errors.As(err, &ce) {
		if ce.Workflow == "" {
			ce.Workflow = workflow
		}
		if ce.Step == "" {
			ce.Step = step
		}
	}
	return err
}
