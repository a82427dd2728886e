package talkflow

import "context"

// RunStore defines the persistence interface for runs and their steps.
// Implementations must be safe for concurrent use by independent runs.
type RunStore interface {
	// Workflow runs
	CreateRun(ctx context.Context, run *WorkflowRun) error
	GetRun(ctx context.Context, runID string) (*WorkflowRun, error)
	UpdateRun(ctx context.Context, run *WorkflowRun) error
	ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error)
	PurgeRun(ctx context.Context, runID string) error

	// TransitionRun persists run only if the stored row is still in status
	// from. Otherwise it returns ErrStaleTransition and writes nothing.
	// Starting a step (pending to running) also needs the run to still be
	// running, or it fails with ErrRunNotRunning.
	TransitionRun(ctx context.Context, run *WorkflowRun, from RunStatus) error

	// Steps
	CreateSteps(ctx context.Context, runID string, steps []*WorkflowStep) error
	GetStep(ctx context.Context, runID string, stepNumber int) (*WorkflowStep, error)
	ListSteps(ctx context.Context, runID string) ([]*WorkflowStep, error)

	// TransitionStep persists step only if the stored row is still in status
	// from. Otherwise it returns ErrStaleTransition and writes nothing.
	TransitionStep(ctx context.Context, step *WorkflowStep, from StepStatus) error
}
