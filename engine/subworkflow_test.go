package engine

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/sicko7947/talkflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngine_SubWorkflow(t *testing.T) {
	catalog := mapCatalog{
		"notes": {
			Slug: "notes",
			Name: "Notes",
			Steps: []talkflow.StepDefinition{
				{ID: "note", Type: talkflow.StepGeneration, Config: map[string]any{"prompt": "{{topic}}: {{TRANSCRIPT}}"}},
			},
		},
	}
	eng, runStore := newTestEngine(t, nil, WithCatalog(catalog))
	ctx := context.Background()

	parent := &talkflow.WorkflowDefinition{
		Slug: "parent",
		Name: "Parent",
		Steps: []talkflow.StepDefinition{
			{ID: "child", Type: talkflow.StepSubWorkflow, Config: map[string]any{
				"workflow":  "notes",
				"variables": map[string]any{"topic": "{{TITLE}}"},
			}},
			{ID: "title", Type: talkflow.StepDataTransform, Config: map[string]any{
				"input": "{{child.note}}", "operation": "uppercase",
			}},
		},
	}

	runID, err := eng.Start(ctx, parent, testInput("ship friday"), talkflow.WithSynchronous(true))
	require.NoError(t, err)

	run, err := eng.GetRun(ctx, runID)
	require.NoError(t, err)
	require.Equal(t, talkflow.RunStatusCompleted, run.Status, run.ErrorMessage)

	var childOutput map[string]string
	require.NoError(t, json.Unmarshal([]byte(run.Output["child"]), &childOutput))
	assert.Equal(t, "summary of: Standup: ship friday", childOutput["note"])
	assert.Equal(t, "SUMMARY OF: STANDUP: SHIP FRIDAY", run.Output["title"])

	children, err := runStore.ListRuns(ctx, talkflow.RunFilter{ParentRunID: runID})
	require.NoError(t, err)
	require.Len(t, children, 1)
	assert.Equal(t, "notes", children[0].WorkflowID)
	assert.Equal(t, talkflow.TriggerAutomatic, children[0].TriggerSource)
	assert.Equal(t, "ship friday", children[0].Input.Transcript)
}

func TestEngine_SubWorkflowUnknownSlug(t *testing.T) {
	eng, _ := newTestEngine(t, nil, WithCatalog(mapCatalog{}))
	ctx := context.Background()

	def := &talkflow.WorkflowDefinition{
		Slug: "parent",
		Name: "Parent",
		Steps: []talkflow.StepDefinition{
			{ID: "child", Type: talkflow.StepSubWorkflow, Config: map[string]any{"workflow": "ghost"}},
		},
	}

	runID, err := eng.Start(ctx, def, testInput("x"), talkflow.WithSynchronous(true))
	require.Error(t, err)

	run, err := eng.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, talkflow.ErrCodeConfiguration, run.ErrorCode)
	assert.Contains(t, run.ErrorMessage, "unknown workflow 'ghost'")
}

func TestEngine_SubWorkflowDepthLimit(t *testing.T) {
	catalog := mapCatalog{}
	catalog["loop"] = &talkflow.WorkflowDefinition{
		Slug: "loop",
		Name: "Loop",
		Steps: []talkflow.StepDefinition{
			{ID: "again", Type: talkflow.StepSubWorkflow, Config: map[string]any{"workflow": "loop"}},
		},
	}
	cfg := talkflow.DefaultEngineConfig
	cfg.MaxSubWorkflowDepth = 2
	eng, runStore := newTestEngine(t, nil, WithCatalog(catalog), WithConfig(cfg))
	ctx := context.Background()

	runID, err := eng.Start(ctx, catalog["loop"], testInput("x"), talkflow.WithSynchronous(true))
	require.Error(t, err)

	run, err := eng.GetRun(ctx, runID)
	require.NoError(t, err)
	assert.Equal(t, talkflow.RunStatusFailed, run.Status)
	assert.Equal(t, talkflow.ErrCodeConfiguration, run.ErrorCode)
	assert.Contains(t, run.ErrorMessage, "nesting exceeds 2 levels")

	// top-level run plus two nested levels
	all, err := runStore.ListRuns(ctx, talkflow.RunFilter{WorkflowID: "loop"})
	require.NoError(t, err)
	assert.Len(t, all, 3)
	for _, r := range all {
		assert.Equal(t, talkflow.RunStatusFailed, r.Status)
	}
}
