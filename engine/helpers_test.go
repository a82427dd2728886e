package engine

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/talkflow"
	"github.com/sicko7947/talkflow/backend"
	"github.com/sicko7947/talkflow/store"
	"github.com/stretchr/testify/require"
)

// funcBackend adapts a function to backend.Backend
type funcBackend struct {
	typ     talkflow.StepType
	timeout time.Duration
	fn      func(ctx *talkflow.StepContext, input map[string]any) (*backend.Result, error)
}

func (b *funcBackend) Type() talkflow.StepType { return b.typ }
func (b *funcBackend) Schema() map[string]any  { return nil }
func (b *funcBackend) Timeout() time.Duration  { return b.timeout }
func (b *funcBackend) Execute(ctx *talkflow.StepContext, input map[string]any) (*backend.Result, error) {
	return b.fn(ctx, input)
}

// echoGenerator answers every prompt with "summary of: <prompt>"
func echoGenerator() *funcBackend {
	return &funcBackend{
		typ: talkflow.StepGeneration,
		fn: func(_ *talkflow.StepContext, input map[string]any) (*backend.Result, error) {
			return &backend.Result{Output: fmt.Sprintf("summary of: %v", input["prompt"])}, nil
		},
	}
}

// mapCatalog is a fixed in-memory workflow catalog
type mapCatalog map[string]*talkflow.WorkflowDefinition

func (c mapCatalog) Get(slug string) (*talkflow.WorkflowDefinition, error) {
	def, ok := c[slug]
	if !ok {
		return nil, fmt.Errorf("%s: %w", slug, talkflow.ErrWorkflowNotFound)
	}
	return def, nil
}

func (c mapCatalog) List() []*talkflow.WorkflowDefinition {
	out := make([]*talkflow.WorkflowDefinition, 0, len(c))
	for _, def := range c {
		out = append(out, def)
	}
	return out
}

// newTestEngine builds an engine over a memory store. Backends that are not
// given explicitly default to the echo generator and the real transform.
func newTestEngine(t *testing.T, backends []backend.Backend, opts ...EngineOption) (*Engine, *store.MemoryStore) {
	t.Helper()

	registry := backend.NewRegistry()
	for _, b := range backends {
		require.NoError(t, registry.Register(b))
	}
	if !registry.Has(talkflow.StepGeneration) {
		require.NoError(t, registry.Register(echoGenerator()))
	}
	if !registry.Has(talkflow.StepDataTransform) {
		require.NoError(t, registry.Register(backend.NewTransformBackend()))
	}

	runStore := store.NewMemoryStore()
	opts = append([]EngineOption{WithLogger(zerolog.Nop())}, opts...)
	eng, err := NewEngine(runStore, registry, opts...)
	require.NoError(t, err)
	return eng, runStore
}

func testInput(transcript string) talkflow.RunInput {
	return talkflow.RunInput{
		Transcript: transcript,
		Title:      "Standup",
		Date:       time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC),
	}
}

func stepsOf(t *testing.T, eng *Engine, runID string) []*talkflow.WorkflowStep {
	t.Helper()
	steps, err := eng.ListSteps(context.Background(), runID)
	require.NoError(t, err)
	return steps
}

func containsAll(s string, parts ...string) bool {
	for _, p := range parts {
		if !strings.Contains(s, p) {
			return false
		}
	}
	return true
}
