package talkflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatus_IsTerminal(t *testing.T) {
	tests := []struct {
		status   RunStatus
		terminal bool
	}{
		{RunStatusPending, false},
		{RunStatusRunning, false},
		{RunStatusCompleted, true},
		{RunStatusFailed, true},
		{RunStatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			assert.Equal(t, tt.terminal, tt.status.IsTerminal())
		})
	}
}

func TestStepStatus_CanTransition(t *testing.T) {
	assert.True(t, StepStatusPending.CanTransition(StepStatusRunning))
	assert.True(t, StepStatusPending.CanTransition(StepStatusSkipped))
	assert.True(t, StepStatusRunning.CanTransition(StepStatusCompleted))
	assert.True(t, StepStatusRunning.CanTransition(StepStatusFailed))

	assert.False(t, StepStatusRunning.CanTransition(StepStatusSkipped))
	assert.False(t, StepStatusCompleted.CanTransition(StepStatusRunning))
	assert.False(t, StepStatusFailed.CanTransition(StepStatusRunning))
	assert.False(t, StepStatusSkipped.CanTransition(StepStatusCompleted))
}

func TestWorkflowRun_CheckInvariants(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		run     WorkflowRun
		wantErr bool
	}{
		{
			name: "pending without timestamps",
			run:  WorkflowRun{ID: "r", Status: RunStatusPending},
		},
		{
			name: "running with startedAt",
			run:  WorkflowRun{ID: "r", Status: RunStatusRunning, StartedAt: &now},
		},
		{
			name: "completed with both",
			run:  WorkflowRun{ID: "r", Status: RunStatusCompleted, StartedAt: &now, CompletedAt: &now},
		},
		{
			name:    "running without startedAt",
			run:     WorkflowRun{ID: "r", Status: RunStatusRunning},
			wantErr: true,
		},
		{
			name:    "failed without completedAt",
			run:     WorkflowRun{ID: "r", Status: RunStatusFailed, StartedAt: &now},
			wantErr: true,
		},
		{
			name:    "pending with completedAt",
			run:     WorkflowRun{ID: "r", Status: RunStatusPending, CompletedAt: &now},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.run.CheckInvariants()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRunInput_Vars(t *testing.T) {
	date := time.Date(2026, 3, 4, 10, 0, 0, 0, time.UTC)
	in := RunInput{
		Transcript: "Buy milk.",
		Title:      "Groceries",
		Date:       date,
		Variables:  map[string]string{"LANG": "en", VarTranscript: "shadowed"},
	}

	vars := in.Vars()
	assert.Equal(t, "Buy milk.", vars[VarTranscript])
	assert.Equal(t, "Groceries", vars[VarTitle])
	assert.Equal(t, "2026-03-04T10:00:00Z", vars[VarDate])
	assert.Equal(t, "en", vars["LANG"])

	empty := RunInput{}.Vars()
	_, ok := empty[VarDate]
	assert.True(t, ok, "DATE is always defined")
}

func TestTriggerSource_Valid(t *testing.T) {
	for _, src := range []TriggerSource{TriggerManual, TriggerAutomatic, TriggerAPI, TriggerLiveCapture} {
		assert.True(t, src.Valid(), src)
	}
	assert.False(t, TriggerSource("cron").Valid())
}

func TestToPtr(t *testing.T) {
	p := ToPtr(42)
	require.NotNil(t, p)
	assert.Equal(t, 42, *p)

	s := ToPtr("x")
	assert.Equal(t, "x", *s)
}

func TestElapsedMs(t *testing.T) {
	start := time.Now()
	assert.Equal(t, int64(1500), ElapsedMs(&start, start.Add(1500*time.Millisecond)))
	assert.Equal(t, int64(0), ElapsedMs(nil, start))
}
