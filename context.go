package talkflow

import (
	"context"

	"github.com/rs/zerolog"
)

// StepContext provides context to step backends
type StepContext struct {
	context.Context

	// Execution metadata
	RunID      string
	WorkflowID string
	StepKey    string
	StepNumber int
	// Depth is the sub-workflow nesting level of the run (0 for top-level runs)
	Depth int

	// Logger (enriched with step context)
	Logger zerolog.Logger

	// Vars is a read-only view of the accumulated template context
	Vars map[string]string
}

type depthKey struct{}

// WithDepth stores the sub-workflow depth on a context
func WithDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, depthKey{}, depth)
}

// DepthFrom returns the sub-workflow depth stored on ctx
func DepthFrom(ctx context.Context) int {
	if d, ok := ctx.Value(depthKey{}).(int); ok {
		return d
	}
	return 0
}
