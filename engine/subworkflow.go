package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sicko7947/talkflow"
	"github.com/sicko7947/talkflow/backend"
)

// subWorkflowBackend runs another catalog workflow as one step. The child
// run is driven synchronously on the step's goroutine, one level deeper.
type subWorkflowBackend struct {
	engine *Engine
}

func newSubWorkflowBackend(e *Engine) backend.Backend {
	return &subWorkflowBackend{engine: e}
}

func (b *subWorkflowBackend) Type() talkflow.StepType { return talkflow.StepSubWorkflow }
func (b *subWorkflowBackend) Timeout() time.Duration  { return 10 * time.Minute }

func (b *subWorkflowBackend) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"workflow"},
		"properties": map[string]any{
			"workflow":  map[string]any{"type": "string", "minLength": 1},
			"variables": map[string]any{"type": "object"},
		},
	}
}

func (b *subWorkflowBackend) Execute(ctx *talkflow.StepContext, input map[string]any) (*backend.Result, error) {
	slug, _ := input["workflow"].(string)

	depth := ctx.Depth + 1
	if depth > b.engine.config.MaxSubWorkflowDepth {
		return nil, talkflow.NewConfigError(ctx.WorkflowID, ctx.StepKey,
			fmt.Sprintf("sub-workflow nesting exceeds %d levels", b.engine.config.MaxSubWorkflowDepth), nil)
	}

	def, err := b.engine.catalog.Get(slug)
	if err != nil {
		if errors.Is(err, talkflow.ErrWorkflowNotFound) {
			return nil, talkflow.NewConfigError(ctx.WorkflowID, ctx.StepKey, fmt.Sprintf("unknown workflow '%s'", slug), err)
		}
		return nil, err
	}

	childInput := childRunInput(ctx.Vars, input["variables"])

	runID, err := b.engine.Start(talkflow.WithDepth(ctx.Context, depth), def, childInput,
		talkflow.WithSynchronous(true),
		talkflow.WithParentRun(ctx.RunID),
		talkflow.WithTriggerSource(talkflow.TriggerAutomatic),
	)
	if err != nil {
		if runID == "" {
			return nil, err
		}
		return nil, fmt.Errorf("sub-workflow %s (run %s) failed: %w", slug, runID, err)
	}

	child, err := b.engine.store.GetRun(ctx.Context, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to read sub-workflow run %s: %w", runID, err)
	}
	if child.Status != talkflow.RunStatusCompleted {
		return nil, fmt.Errorf("sub-workflow %s (run %s) ended %s", slug, runID, child.Status)
	}

	ctx.Logger.Info().
		Str("child_run_id", runID).
		Str("child_workflow_id", slug).
		Int("depth", depth).
		Msg("Sub-workflow completed")

	output, err := json.Marshal(child.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal sub-workflow output: %w", err)
	}
	return &backend.Result{Output: string(output)}, nil
}

// childRunInput hands the parent's context down: the reserved variables
// become the child's input fields, everything else becomes a variable.
// Explicit step variables override inherited ones.
func childRunInput(vars map[string]string, explicit any) talkflow.RunInput {
	in := talkflow.RunInput{Variables: make(map[string]string, len(vars))}
	for k, v := range vars {
		switch k {
		case talkflow.VarTranscript:
			in.Transcript = v
		case talkflow.VarTitle:
			in.Title = v
		case talkflow.VarDate:
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				in.Date = t
			}
		default:
			in.Variables[k] = v
		}
	}

	if m, ok := explicit.(map[string]any); ok {
		for k, v := range m {
			s, ok := v.(string)
			if !ok {
				s = fmt.Sprint(v)
			}
			switch k {
			case talkflow.VarTranscript:
				in.Transcript = s
			case talkflow.VarTitle:
				in.Title = s
			default:
				in.Variables[k] = s
			}
		}
	}
	return in
}
