package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sicko7947/talkflow"
	"github.com/sicko7947/talkflow/backend"
)

// Engine drives workflow runs: one goroutine per run, steps strictly in
// declaration order.
type Engine struct {
	store    talkflow.RunStore
	registry *backend.Registry
	catalog  talkflow.WorkflowCatalog
	logger   zerolog.Logger
	config   talkflow.EngineConfig

	sem chan struct{}
	wg  sync.WaitGroup
}

// EngineOption configures the workflow engine
type EngineOption func(*Engine)

// WithLogger sets a custom logger for the engine
func WithLogger(logger zerolog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithConfig sets a custom configuration for the engine
func WithConfig(config talkflow.EngineConfig) EngineOption {
	return func(e *Engine) {
		e.config = config
	}
}

// WithCatalog enables `sub-workflow` steps, resolving slugs through catalog
func WithCatalog(catalog talkflow.WorkflowCatalog) EngineOption {
	return func(e *Engine) {
		e.catalog = catalog
	}
}

// NewEngine creates a new workflow engine with optional configuration
// If no logger is provided, a default stdout logger with Info level is used
// If no config is provided, talkflow.DefaultEngineConfig is used
func NewEngine(store talkflow.RunStore, registry *backend.Registry, opts ...EngineOption) (*Engine, error) {
	// Default logger: pretty console output, Info level
	defaultLogger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		With().
		Timestamp().
		Logger().
		Level(zerolog.InfoLevel)

	eng := &Engine{
		store:    store,
		registry: registry,
		logger:   defaultLogger,
		config:   talkflow.DefaultEngineConfig,
	}

	// Apply options
	for _, opt := range opts {
		opt(eng)
	}

	if eng.config.MaxConcurrentRuns <= 0 {
		eng.config.MaxConcurrentRuns = talkflow.DefaultEngineConfig.MaxConcurrentRuns
	}
	if eng.config.DefaultStepTimeout <= 0 {
		eng.config.DefaultStepTimeout = talkflow.DefaultEngineConfig.DefaultStepTimeout
	}
	if eng.config.MaxSubWorkflowDepth <= 0 {
		eng.config.MaxSubWorkflowDepth = talkflow.DefaultEngineConfig.MaxSubWorkflowDepth
	}
	if eng.config.Backend == "" {
		eng.config.Backend = talkflow.DefaultEngineConfig.Backend
	}
	eng.sem = make(chan struct{}, eng.config.MaxConcurrentRuns)

	if eng.catalog != nil && !registry.Has(talkflow.StepSubWorkflow) {
		if err := registry.Register(newSubWorkflowBackend(eng)); err != nil {
			return nil, fmt.Errorf("failed to register sub-workflow backend: %w", err)
		}
	}

	return eng, nil
}

// Start validates def against the registry, creates a run and drives it.
// Configuration errors are returned before anything is persisted. Unless
// WithSynchronous is given, Start returns as soon as the run row exists.
func (e *Engine) Start(
	ctx context.Context,
	def *talkflow.WorkflowDefinition,
	input talkflow.RunInput,
	opts ...talkflow.StartOption,
) (string, error) {
	// Apply options
	options := talkflow.DefaultStartOptions()
	for _, opt := range opts {
		opt(options)
	}
	if !options.TriggerSource.Valid() {
		return "", talkflow.NewConfigError("", "", fmt.Sprintf("unknown trigger source '%s'", options.TriggerSource), nil)
	}

	if err := e.Validate(def, input); err != nil {
		return "", err
	}

	snapshots, err := snapshotConfigs(def)
	if err != nil {
		return "", err
	}

	// Create workflow run
	now := time.Now()
	run := &talkflow.WorkflowRun{
		ID:              uuid.New().String(),
		WorkflowID:      def.Slug,
		WorkflowName:    def.Name,
		WorkflowIcon:    def.Icon,
		WorkflowVersion: def.DisplayVersion(),
		Status:          talkflow.RunStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
		Input:           input,
		StepCount:       len(def.Steps),
		TriggerSource:   options.TriggerSource,
		Backend:         e.config.Backend,
		ParentRunID:     options.ParentRunID,
		RerunOf:         options.RerunOf,
		DictationID:     options.DictationID,
	}

	// Persist run
	if err := e.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("failed to create workflow run: %w", err)
	}

	e.logger.Info().
		Str("event", talkflow.EventRunCreated).
		Str("run_id", run.ID).
		Str("workflow_id", run.WorkflowID).
		Str("trigger_source", string(run.TriggerSource)).
		Str("parent_run_id", run.ParentRunID).
		Msg("Workflow run created")

	plan := &runPlan{def: def, configs: snapshots, retryCounts: options.RetryCounts}

	if options.Synchronous {
		return run.ID, e.executeRun(ctx, run, plan)
	}

	// Launch execution in background, detached from the caller's lifetime
	depth := talkflow.DepthFrom(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.sem <- struct{}{}
		defer func() { <-e.sem }()

		_ = e.executeRun(talkflow.WithDepth(context.Background(), depth), run, plan)
	}()

	return run.ID, nil
}

// Wait blocks until every background run has finished or ctx is done
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// WaitForRun polls until the run reaches a terminal status
func (e *Engine) WaitForRun(ctx context.Context, runID string, poll time.Duration) (*talkflow.WorkflowRun, error) {
	if poll <= 0 {
		poll = 50 * time.Millisecond
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return nil, err
		}
		if run.Status.IsTerminal() {
			return run, nil
		}
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetRun retrieves workflow run status
func (e *Engine) GetRun(ctx context.Context, runID string) (*talkflow.WorkflowRun, error) {
	return e.store.GetRun(ctx, runID)
}

// ListSteps retrieves the steps of a run in execution order
func (e *Engine) ListSteps(ctx context.Context, runID string) ([]*talkflow.WorkflowStep, error) {
	return e.store.ListSteps(ctx, runID)
}

// ListRuns lists workflow runs with filtering
func (e *Engine) ListRuns(ctx context.Context, filter talkflow.RunFilter) ([]*talkflow.WorkflowRun, error) {
	return e.store.ListRuns(ctx, filter)
}

// Cancel marks a run cancelled. The driving goroutine notices at the next
// step boundary; a backend call already in flight runs to completion and its
// result is discarded.
func (e *Engine) Cancel(ctx context.Context, runID string) error {
	for attempt := 0; attempt < 3; attempt++ {
		run, err := e.store.GetRun(ctx, runID)
		if err != nil {
			return fmt.Errorf("failed to get run: %w", err)
		}

		if run.Status.IsTerminal() {
			return fmt.Errorf("cannot cancel workflow in %s state: %w", run.Status, talkflow.ErrRunTerminal)
		}

		from := run.Status
		now := time.Now()
		run.Status = talkflow.RunStatusCancelled
		if run.StartedAt == nil {
			run.StartedAt = &now
		}
		run.CompletedAt = &now
		run.DurationMs = talkflow.ElapsedMs(run.StartedAt, now)
		run.ErrorCode = talkflow.ErrCodeCancelled

		err = e.store.TransitionRun(ctx, run, from)
		if errors.Is(err, talkflow.ErrStaleTransition) {
			continue
		}
		if err != nil {
			return fmt.Errorf("failed to update run on cancellation: %w", err)
		}

		talkflow.LogRunCancelled(e.logger, runID)
		return nil
	}
	return fmt.Errorf("run %s kept changing while cancelling: %w", runID, talkflow.ErrStaleTransition)
}

// Rerun starts a new run from the input and step configuration snapshots of
// a finished run. Steps that had not completed carry an incremented retry
// counter.
func (e *Engine) Rerun(ctx context.Context, runID string, opts ...talkflow.StartOption) (string, error) {
	src, err := e.store.GetRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("failed to get run: %w", err)
	}
	if !src.Status.IsTerminal() {
		return "", fmt.Errorf("cannot re-run workflow in %s state: %w", src.Status, talkflow.ErrRunActive)
	}

	steps, err := e.store.ListSteps(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("failed to list steps: %w", err)
	}

	def, err := definitionFromSnapshot(src, steps)
	if err != nil {
		return "", err
	}

	counts := make(map[string]int, len(steps))
	for _, step := range steps {
		counts[step.StepKey] = step.RetryCount
		if step.Status != talkflow.StepStatusCompleted {
			counts[step.StepKey]++
		}
	}

	startOpts := []talkflow.StartOption{
		talkflow.WithTriggerSource(src.TriggerSource),
		talkflow.WithDictation(src.DictationID),
		talkflow.WithParentRun(src.ParentRunID),
	}
	startOpts = append(startOpts, opts...)
	startOpts = append(startOpts,
		talkflow.WithRerunOf(src.ID),
		talkflow.WithRetryCounts(counts),
	)

	return e.Start(ctx, def, src.Input, startOpts...)
}

// Recover fails runs that a previous process left unfinished. They are
// never re-executed: a step may already have produced side effects.
func (e *Engine) Recover(ctx context.Context) (int, error) {
	recovered := 0
	for _, status := range []talkflow.RunStatus{talkflow.RunStatusRunning, talkflow.RunStatusPending} {
		s := status
		runs, err := e.store.ListRuns(ctx, talkflow.RunFilter{Status: &s})
		if err != nil {
			return recovered, fmt.Errorf("failed to list %s runs: %w", status, err)
		}

		for _, run := range runs {
			if err := e.interruptRun(ctx, run); err != nil {
				if errors.Is(err, talkflow.ErrStaleTransition) {
					continue
				}
				return recovered, err
			}
			recovered++
		}
	}
	return recovered, nil
}

func (e *Engine) interruptRun(ctx context.Context, run *talkflow.WorkflowRun) error {
	now := time.Now()
	const msg = "process exited while the run was in progress"

	steps, err := e.store.ListSteps(ctx, run.ID)
	if err != nil {
		return fmt.Errorf("failed to list steps of run %s: %w", run.ID, err)
	}
	for _, step := range steps {
		if step.Status != talkflow.StepStatusRunning {
			continue
		}
		step.Status = talkflow.StepStatusFailed
		step.CompletedAt = &now
		step.DurationMs = talkflow.ElapsedMs(step.StartedAt, now)
		step.ErrorCode = talkflow.ErrCodeInterrupted
		step.ErrorMessage = msg
		if err := e.store.TransitionStep(ctx, step, talkflow.StepStatusRunning); err != nil && !errors.Is(err, talkflow.ErrStaleTransition) {
			return fmt.Errorf("failed to fail interrupted step: %w", err)
		}
	}

	from := run.Status
	run.Status = talkflow.RunStatusFailed
	if run.StartedAt == nil {
		run.StartedAt = &now
	}
	run.CompletedAt = &now
	run.DurationMs = talkflow.ElapsedMs(run.StartedAt, now)
	run.ErrorCode = talkflow.ErrCodeInterrupted
	run.ErrorMessage = msg

	if err := e.store.TransitionRun(ctx, run, from); err != nil {
		return err
	}

	e.logger.Warn().
		Str("event", talkflow.EventRunRecovered).
		Str("run_id", run.ID).
		Str("previous_status", string(from)).
		Msg("Failed interrupted run")
	return nil
}

// snapshotConfigs captures each step's unresolved configuration as JSON
func snapshotConfigs(def *talkflow.WorkflowDefinition) ([]json.RawMessage, error) {
	out := make([]json.RawMessage, len(def.Steps))
	for i, step := range def.Steps {
		if step.Config == nil {
			out[i] = json.RawMessage(`{}`)
			continue
		}
		data, err := json.Marshal(step.Config)
		if err != nil {
			return nil, talkflow.NewConfigError(def.Slug, step.ID, "configuration is not serializable", err)
		}
		out[i] = data
	}
	return out, nil
}

// definitionFromSnapshot rebuilds the definition a run was started from
func definitionFromSnapshot(run *talkflow.WorkflowRun, steps []*talkflow.WorkflowStep) (*talkflow.WorkflowDefinition, error) {
	def := &talkflow.WorkflowDefinition{
		Slug:    run.WorkflowID,
		Name:    run.WorkflowName,
		Icon:    run.WorkflowIcon,
		Version: run.WorkflowVersion,
		Steps:   make([]talkflow.StepDefinition, 0, len(steps)),
	}
	for _, step := range steps {
		var config map[string]any
		if len(step.Config) > 0 {
			if err := json.Unmarshal(step.Config, &config); err != nil {
				return nil, fmt.Errorf("failed to decode configuration snapshot of step %s: %w", step.StepKey, err)
			}
		}
		def.Steps = append(def.Steps, talkflow.StepDefinition{
			ID:        step.StepKey,
			Type:      step.StepType,
			OutputKey: step.OutputKey,
			Timeout:   time.Duration(step.TimeoutMs) * time.Millisecond,
			Config:    config,
		})
	}
	if len(def.Steps) == 0 {
		return nil, fmt.Errorf("run %s has no step snapshots", run.ID)
	}
	return def, nil
}
