package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/sicko7947/talkflow"
)

func newTestRun(id string) *talkflow.WorkflowRun {
	now := time.Now()
	return &talkflow.WorkflowRun{
		ID:           id,
		WorkflowID:   "meeting-notes",
		WorkflowName: "Meeting Notes",
		Status:       talkflow.RunStatusPending,
		CreatedAt:    now,
		UpdatedAt:    now,
		Input: talkflow.RunInput{
			Transcript: "we agreed to ship friday",
			Title:      "Standup",
			Date:       now.Truncate(time.Second),
			Variables:  map[string]string{"team": "core"},
		},
		StepCount:     2,
		TriggerSource: talkflow.TriggerManual,
		Backend:       "local",
	}
}

// newRunningRun is a run that has started and may put steps to work
func newRunningRun(id string) *talkflow.WorkflowRun {
	run := newTestRun(id)
	started := run.CreatedAt
	run.Status = talkflow.RunStatusRunning
	run.StartedAt = &started
	return run
}

func newTestSteps(runID string, n int) []*talkflow.WorkflowStep {
	now := time.Now()
	steps := make([]*talkflow.WorkflowStep, n)
	for i := range steps {
		steps[i] = &talkflow.WorkflowStep{
			ID:         fmt.Sprintf("%s-step-%d", runID, i),
			RunID:      runID,
			StepNumber: i,
			StepKey:    fmt.Sprintf("step-%d", i),
			StepType:   talkflow.StepGeneration,
			Config:     json.RawMessage(`{"prompt":"{{TRANSCRIPT}}"}`),
			OutputKey:  fmt.Sprintf("out-%d", i),
			Status:     talkflow.StepStatusPending,
			CreatedAt:  now,
			UpdatedAt:  now,
		}
	}
	return steps
}

// runStoreContract exercises behavior every RunStore must share
func runStoreContract(t *testing.T, newStore func(t *testing.T) talkflow.RunStore) {
	ctx := context.Background()

	t.Run("CreateAndGetRun", func(t *testing.T) {
		store := newStore(t)
		run := newTestRun("run-1")

		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun() failed: %v", err)
		}

		got, err := store.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun() failed: %v", err)
		}
		if got.WorkflowID != run.WorkflowID || got.Status != talkflow.RunStatusPending {
			t.Errorf("GetRun() = %+v, want workflow %s pending", got, run.WorkflowID)
		}
		if got.Input.Transcript != run.Input.Transcript || got.Input.Variables["team"] != "core" {
			t.Errorf("input not round-tripped: %+v", got.Input)
		}
		if !got.Input.Date.Equal(run.Input.Date) {
			t.Errorf("input date = %v, want %v", got.Input.Date, run.Input.Date)
		}
	})

	t.Run("CreateRunDuplicate", func(t *testing.T) {
		store := newStore(t)
		run := newTestRun("run-dup")
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("first CreateRun() failed: %v", err)
		}
		if err := store.CreateRun(ctx, run); err == nil {
			t.Error("CreateRun() with duplicate ID should have failed")
		}
	})

	t.Run("GetRunNotFound", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetRun(ctx, "missing")
		if !errors.Is(err, talkflow.ErrRunNotFound) {
			t.Errorf("GetRun() error = %v, want ErrRunNotFound", err)
		}
	})

	t.Run("RejectsInvariantViolation", func(t *testing.T) {
		store := newStore(t)
		run := newTestRun("run-bad")
		run.Status = talkflow.RunStatusCompleted
		if err := store.CreateRun(ctx, run); err == nil {
			t.Error("CreateRun() with completed status and no timestamps should have failed")
		}
	})

	t.Run("UpdateRun", func(t *testing.T) {
		store := newStore(t)
		run := newTestRun("run-upd")
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun() failed: %v", err)
		}

		now := time.Now()
		run.Status = talkflow.RunStatusCompleted
		run.StartedAt = &now
		run.CompletedAt = &now
		run.DurationMs = 42
		run.Output = map[string]string{"summary": "done"}
		if err := store.UpdateRun(ctx, run); err != nil {
			t.Fatalf("UpdateRun() failed: %v", err)
		}

		got, err := store.GetRun(ctx, run.ID)
		if err != nil {
			t.Fatalf("GetRun() failed: %v", err)
		}
		if got.Status != talkflow.RunStatusCompleted || got.DurationMs != 42 {
			t.Errorf("GetRun() = %s/%d, want completed/42", got.Status, got.DurationMs)
		}
		if got.Output["summary"] != "done" {
			t.Errorf("output = %v", got.Output)
		}
		if got.CompletedAt == nil {
			t.Error("CompletedAt not persisted")
		}

		missing := newTestRun("nope")
		if err := store.UpdateRun(ctx, missing); !errors.Is(err, talkflow.ErrRunNotFound) {
			t.Errorf("UpdateRun(missing) error = %v, want ErrRunNotFound", err)
		}
	})

	t.Run("TransitionRun", func(t *testing.T) {
		store := newStore(t)
		run := newTestRun("run-cas")
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun() failed: %v", err)
		}

		now := time.Now()
		run.Status = talkflow.RunStatusRunning
		run.StartedAt = &now
		if err := store.TransitionRun(ctx, run, talkflow.RunStatusPending); err != nil {
			t.Fatalf("TransitionRun(pending->running) failed: %v", err)
		}

		// A second writer still believing the run is pending loses.
		stale := newTestRun("run-cas")
		stale.Status = talkflow.RunStatusCancelled
		stale.StartedAt = &now
		stale.CompletedAt = &now
		err := store.TransitionRun(ctx, stale, talkflow.RunStatusPending)
		if !errors.Is(err, talkflow.ErrStaleTransition) {
			t.Fatalf("TransitionRun(stale) error = %v, want ErrStaleTransition", err)
		}

		got, _ := store.GetRun(ctx, run.ID)
		if got.Status != talkflow.RunStatusRunning {
			t.Errorf("status = %s, want running", got.Status)
		}
	})

	t.Run("ListRunsFiltersAndOrders", func(t *testing.T) {
		store := newStore(t)
		base := time.Now().Add(-time.Hour)
		for i := 0; i < 4; i++ {
			run := newTestRun(fmt.Sprintf("run-%d", i))
			run.CreatedAt = base.Add(time.Duration(i) * time.Minute)
			if i%2 == 1 {
				run.WorkflowID = "other"
				run.TriggerSource = talkflow.TriggerAPI
			}
			if i == 3 {
				run.ParentRunID = "run-1"
			}
			if err := store.CreateRun(ctx, run); err != nil {
				t.Fatalf("CreateRun() failed: %v", err)
			}
		}

		all, err := store.ListRuns(ctx, talkflow.RunFilter{})
		if err != nil {
			t.Fatalf("ListRuns() failed: %v", err)
		}
		if len(all) != 4 || all[0].ID != "run-3" || all[3].ID != "run-0" {
			t.Errorf("ListRuns() order = %v, want newest first", runIDs(all))
		}

		byWorkflow, _ := store.ListRuns(ctx, talkflow.RunFilter{WorkflowID: "other"})
		if len(byWorkflow) != 2 {
			t.Errorf("ListRuns(workflow) = %v, want 2 runs", runIDs(byWorkflow))
		}

		byTrigger, _ := store.ListRuns(ctx, talkflow.RunFilter{TriggerSource: talkflow.TriggerManual})
		if len(byTrigger) != 2 {
			t.Errorf("ListRuns(trigger) = %v, want 2 runs", runIDs(byTrigger))
		}

		children, _ := store.ListRuns(ctx, talkflow.RunFilter{ParentRunID: "run-1"})
		if len(children) != 1 || children[0].ID != "run-3" {
			t.Errorf("ListRuns(parent) = %v, want [run-3]", runIDs(children))
		}

		pending := talkflow.RunStatusPending
		limited, _ := store.ListRuns(ctx, talkflow.RunFilter{Status: &pending, Limit: 3})
		if len(limited) != 3 {
			t.Errorf("ListRuns(limit) = %d runs, want 3", len(limited))
		}
	})

	t.Run("StepsLifecycle", func(t *testing.T) {
		store := newStore(t)
		run := newRunningRun("run-steps")
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun() failed: %v", err)
		}

		steps := newTestSteps(run.ID, 3)
		steps[1].TimeoutMs = 90000
		// Insert out of order; listing must still follow step number.
		steps[0], steps[2] = steps[2], steps[0]
		if err := store.CreateSteps(ctx, run.ID, steps); err != nil {
			t.Fatalf("CreateSteps() failed: %v", err)
		}

		listed, err := store.ListSteps(ctx, run.ID)
		if err != nil {
			t.Fatalf("ListSteps() failed: %v", err)
		}
		for i, s := range listed {
			if s.StepNumber != i {
				t.Fatalf("ListSteps()[%d].StepNumber = %d", i, s.StepNumber)
			}
		}

		step, err := store.GetStep(ctx, run.ID, 1)
		if err != nil {
			t.Fatalf("GetStep() failed: %v", err)
		}
		if string(step.Config) != `{"prompt":"{{TRANSCRIPT}}"}` {
			t.Errorf("config snapshot = %s", step.Config)
		}
		if step.TimeoutMs != 90000 {
			t.Errorf("timeout snapshot = %d, want 90000", step.TimeoutMs)
		}

		now := time.Now()
		step.Status = talkflow.StepStatusRunning
		step.StartedAt = &now
		step.Input = json.RawMessage(`{"prompt":"we agreed to ship friday"}`)
		if err := store.TransitionStep(ctx, step, talkflow.StepStatusPending); err != nil {
			t.Fatalf("TransitionStep(pending->running) failed: %v", err)
		}

		step.Status = talkflow.StepStatusCompleted
		step.CompletedAt = &now
		step.Output = "Ship Friday."
		step.LLM = &talkflow.LLMMetadata{Provider: "local", Model: "small", PromptTokens: 10, CompletionTokens: 3}
		if err := store.TransitionStep(ctx, step, talkflow.StepStatusRunning); err != nil {
			t.Fatalf("TransitionStep(running->completed) failed: %v", err)
		}

		got, _ := store.GetStep(ctx, run.ID, 1)
		if got.Status != talkflow.StepStatusCompleted || got.Output != "Ship Friday." {
			t.Errorf("step = %s/%q", got.Status, got.Output)
		}
		if got.LLM == nil || got.LLM.Model != "small" || got.LLM.CompletionTokens != 3 {
			t.Errorf("LLM metadata = %+v", got.LLM)
		}
		if string(got.Input) != `{"prompt":"we agreed to ship friday"}` {
			t.Errorf("input snapshot = %s", got.Input)
		}
	})

	t.Run("TransitionStepCompareAndSet", func(t *testing.T) {
		store := newStore(t)
		run := newTestRun("run-step-cas")
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun() failed: %v", err)
		}
		if err := store.CreateSteps(ctx, run.ID, newTestSteps(run.ID, 1)); err != nil {
			t.Fatalf("CreateSteps() failed: %v", err)
		}

		step, _ := store.GetStep(ctx, run.ID, 0)
		step.Status = talkflow.StepStatusSkipped
		if err := store.TransitionStep(ctx, step, talkflow.StepStatusPending); err != nil {
			t.Fatalf("TransitionStep(pending->skipped) failed: %v", err)
		}

		step.Status = talkflow.StepStatusRunning
		err := store.TransitionStep(ctx, step, talkflow.StepStatusPending)
		if !errors.Is(err, talkflow.ErrStaleTransition) {
			t.Errorf("TransitionStep(stale) error = %v, want ErrStaleTransition", err)
		}

		step.Status = talkflow.StepStatusPending
		if err := store.TransitionStep(ctx, step, talkflow.StepStatusSkipped); err == nil {
			t.Error("TransitionStep(skipped->pending) should have been rejected")
		}

		if _, err := store.GetStep(ctx, run.ID, 9); !errors.Is(err, talkflow.ErrStepNotFound) {
			t.Errorf("GetStep(missing) error = %v, want ErrStepNotFound", err)
		}
	})

	t.Run("StepStartRequiresRunningRun", func(t *testing.T) {
		store := newStore(t)
		run := newRunningRun("run-cancel-race")
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun() failed: %v", err)
		}
		if err := store.CreateSteps(ctx, run.ID, newTestSteps(run.ID, 2)); err != nil {
			t.Fatalf("CreateSteps() failed: %v", err)
		}

		// Cancelled after the engine checked the run but before the step started
		now := time.Now()
		run.Status = talkflow.RunStatusCancelled
		run.CompletedAt = &now
		if err := store.TransitionRun(ctx, run, talkflow.RunStatusRunning); err != nil {
			t.Fatalf("TransitionRun(running->cancelled) failed: %v", err)
		}

		step, _ := store.GetStep(ctx, run.ID, 0)
		step.Status = talkflow.StepStatusRunning
		step.StartedAt = &now
		err := store.TransitionStep(ctx, step, talkflow.StepStatusPending)
		if !errors.Is(err, talkflow.ErrRunNotRunning) {
			t.Fatalf("TransitionStep(pending->running) error = %v, want ErrRunNotRunning", err)
		}
		if got, _ := store.GetStep(ctx, run.ID, 0); got.Status != talkflow.StepStatusPending {
			t.Errorf("step status = %s, want pending", got.Status)
		}

		// Other transitions out of pending stay allowed on a stopped run
		other, _ := store.GetStep(ctx, run.ID, 1)
		other.Status = talkflow.StepStatusSkipped
		if err := store.TransitionStep(ctx, other, talkflow.StepStatusPending); err != nil {
			t.Errorf("TransitionStep(pending->skipped) failed: %v", err)
		}
	})

	t.Run("CreateStepsAllOrNothing", func(t *testing.T) {
		store := newStore(t)
		run := newTestRun("run-atomic")
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun() failed: %v", err)
		}

		steps := newTestSteps(run.ID, 3)
		steps[2].StepNumber = 0 // collides with steps[0]
		steps[2].ID = "distinct-id"
		if err := store.CreateSteps(ctx, run.ID, steps); err == nil {
			t.Fatal("CreateSteps() with duplicate step number should have failed")
		}

		listed, _ := store.ListSteps(ctx, run.ID)
		if len(listed) != 0 {
			t.Errorf("ListSteps() = %d steps after failed batch, want 0", len(listed))
		}

		if err := store.CreateSteps(ctx, "missing-run", newTestSteps("missing-run", 1)); !errors.Is(err, talkflow.ErrRunNotFound) {
			t.Errorf("CreateSteps(missing run) error = %v, want ErrRunNotFound", err)
		}
	})

	t.Run("PurgeRunRemovesSteps", func(t *testing.T) {
		store := newStore(t)
		run := newTestRun("run-purge")
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun() failed: %v", err)
		}
		if err := store.CreateSteps(ctx, run.ID, newTestSteps(run.ID, 2)); err != nil {
			t.Fatalf("CreateSteps() failed: %v", err)
		}

		if err := store.PurgeRun(ctx, run.ID); err != nil {
			t.Fatalf("PurgeRun() failed: %v", err)
		}
		if _, err := store.GetRun(ctx, run.ID); !errors.Is(err, talkflow.ErrRunNotFound) {
			t.Errorf("GetRun() after purge error = %v", err)
		}
		steps, _ := store.ListSteps(ctx, run.ID)
		if len(steps) != 0 {
			t.Errorf("ListSteps() after purge = %d steps", len(steps))
		}
		if err := store.PurgeRun(ctx, run.ID); !errors.Is(err, talkflow.ErrRunNotFound) {
			t.Errorf("second PurgeRun() error = %v, want ErrRunNotFound", err)
		}
	})

	t.Run("ReturnsCopies", func(t *testing.T) {
		store := newStore(t)
		run := newTestRun("run-copy")
		if err := store.CreateRun(ctx, run); err != nil {
			t.Fatalf("CreateRun() failed: %v", err)
		}

		got, _ := store.GetRun(ctx, run.ID)
		got.Input.Variables["team"] = "mutated"
		got.Status = talkflow.RunStatusFailed

		again, _ := store.GetRun(ctx, run.ID)
		if again.Input.Variables["team"] != "core" || again.Status != talkflow.RunStatusPending {
			t.Error("mutating a returned run changed the stored run")
		}
	})
}

func runIDs(runs []*talkflow.WorkflowRun) []string {
	ids := make([]string, len(runs))
	for i, r := range runs {
		ids[i] = r.ID
	}
	return ids
}

func TestMemoryStore(t *testing.T) {
	runStoreContract(t, func(t *testing.T) talkflow.RunStore {
		return NewMemoryStore()
	})
}
