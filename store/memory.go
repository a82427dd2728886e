package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/sicko7947/talkflow"
)

// MemoryStore implements talkflow.RunStore using in-memory storage (for testing)
type MemoryStore struct {
	runs  map[string]*talkflow.WorkflowRun
	steps map[string]map[int]*talkflow.WorkflowStep // runID -> stepNumber -> step
	mu    sync.RWMutex
}

// NewMemoryStore creates a new in-memory run store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:  make(map[string]*talkflow.WorkflowRun),
		steps: make(map[string]map[int]*talkflow.WorkflowStep),
	}
}

var _ talkflow.RunStore = (*MemoryStore)(nil)

// Workflow run operations

func (s *MemoryStore) CreateRun(ctx context.Context, run *talkflow.WorkflowRun) error {
	if err := run.CheckInvariants(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; exists {
		return fmt.Errorf("workflow run %s already exists", run.ID)
	}

	s.runs[run.ID] = cloneRun(run)
	s.steps[run.ID] = make(map[int]*talkflow.WorkflowStep)

	return nil
}

func (s *MemoryStore) GetRun(ctx context.Context, runID string) (*talkflow.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, exists := s.runs[runID]
	if !exists {
		return nil, fmt.Errorf("workflow run %s: %w", runID, talkflow.ErrRunNotFound)
	}

	return cloneRun(run), nil
}

func (s *MemoryStore) UpdateRun(ctx context.Context, run *talkflow.WorkflowRun) error {
	if err := run.CheckInvariants(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[run.ID]; !exists {
		return fmt.Errorf("workflow run %s: %w", run.ID, talkflow.ErrRunNotFound)
	}

	run.UpdatedAt = time.Now()
	s.runs[run.ID] = cloneRun(run)

	return nil
}

func (s *MemoryStore) TransitionRun(ctx context.Context, run *talkflow.WorkflowRun, from talkflow.RunStatus) error {
	if err := run.CheckInvariants(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.runs[run.ID]
	if !exists {
		return fmt.Errorf("workflow run %s: %w", run.ID, talkflow.ErrRunNotFound)
	}
	if current.Status != from {
		return fmt.Errorf("workflow run %s is %s, expected %s: %w", run.ID, current.Status, from, talkflow.ErrStaleTransition)
	}

	run.UpdatedAt = time.Now()
	s.runs[run.ID] = cloneRun(run)

	return nil
}

func (s *MemoryStore) ListRuns(ctx context.Context, filter talkflow.RunFilter) ([]*talkflow.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runs := []*talkflow.WorkflowRun{}

	for _, run := range s.runs {
		// Apply filters
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && run.Status != *filter.Status {
			continue
		}
		if filter.TriggerSource != "" && run.TriggerSource != filter.TriggerSource {
			continue
		}
		if filter.ParentRunID != "" && run.ParentRunID != filter.ParentRunID {
			continue
		}

		runs = append(runs, cloneRun(run))
	}

	// Newest first
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt.Equal(runs[j].CreatedAt) {
			return runs[i].ID > runs[j].ID
		}
		return runs[i].CreatedAt.After(runs[j].CreatedAt)
	})

	// Apply limit
	if filter.Limit > 0 && len(runs) > filter.Limit {
		runs = runs[:filter.Limit]
	}

	return runs, nil
}

func (s *MemoryStore) PurgeRun(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.runs[runID]; !exists {
		return fmt.Errorf("workflow run %s: %w", runID, talkflow.ErrRunNotFound)
	}

	delete(s.runs, runID)
	delete(s.steps, runID)

	return nil
}

// Step operations

func (s *MemoryStore) CreateSteps(ctx context.Context, runID string, steps []*talkflow.WorkflowStep) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	runSteps, exists := s.steps[runID]
	if !exists {
		return fmt.Errorf("workflow run %s: %w", runID, talkflow.ErrRunNotFound)
	}

	// Validate everything before writing anything
	seen := make(map[int]bool, len(steps))
	for _, step := range steps {
		if step.RunID != runID {
			return fmt.Errorf("step %s belongs to run %s, not %s", step.StepKey, step.RunID, runID)
		}
		if _, dup := runSteps[step.StepNumber]; dup || seen[step.StepNumber] {
			return fmt.Errorf("step number %d already exists for run %s", step.StepNumber, runID)
		}
		seen[step.StepNumber] = true
	}

	for _, step := range steps {
		runSteps[step.StepNumber] = cloneStep(step)
	}

	return nil
}

func (s *MemoryStore) GetStep(ctx context.Context, runID string, stepNumber int) (*talkflow.WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	step, exists := s.steps[runID][stepNumber]
	if !exists {
		return nil, fmt.Errorf("step %d of run %s: %w", stepNumber, runID, talkflow.ErrStepNotFound)
	}

	return cloneStep(step), nil
}

func (s *MemoryStore) ListSteps(ctx context.Context, runID string) ([]*talkflow.WorkflowStep, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	runSteps := s.steps[runID]
	steps := make([]*talkflow.WorkflowStep, 0, len(runSteps))
	for _, step := range runSteps {
		steps = append(steps, cloneStep(step))
	}

	sort.Slice(steps, func(i, j int) bool {
		return steps[i].StepNumber < steps[j].StepNumber
	})

	return steps, nil
}

func (s *MemoryStore) TransitionStep(ctx context.Context, step *talkflow.WorkflowStep, from talkflow.StepStatus) error {
	if !from.CanTransition(step.Status) {
		return fmt.Errorf("invalid step transition %s -> %s", from, step.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	current, exists := s.steps[step.RunID][step.StepNumber]
	if !exists {
		return fmt.Errorf("step %d of run %s: %w", step.StepNumber, step.RunID, talkflow.ErrStepNotFound)
	}
	if current.Status != from {
		return fmt.Errorf("step %s is %s, expected %s: %w", step.StepKey, current.Status, from, talkflow.ErrStaleTransition)
	}
	if startsStep(from, step.Status) {
		if run, ok := s.runs[step.RunID]; !ok || run.Status != talkflow.RunStatusRunning {
			return fmt.Errorf("step %s of run %s: %w", step.StepKey, step.RunID, talkflow.ErrRunNotRunning)
		}
	}

	step.UpdatedAt = time.Now()
	s.steps[step.RunID][step.StepNumber] = cloneStep(step)

	return nil
}
