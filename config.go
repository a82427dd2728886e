package talkflow

import "time"

// EngineConfig holds engine-level configuration
type EngineConfig struct {
	// MaxConcurrentRuns bounds how many runs are driven at once
	MaxConcurrentRuns int
	// DefaultStepTimeout applies to backends that do not declare their own
	DefaultStepTimeout time.Duration
	// MaxSubWorkflowDepth limits nested sub-workflow invocations
	MaxSubWorkflowDepth int
	// Backend identifies where runs execute; stored on every run
	Backend string
}

// DefaultEngineConfig provides engine defaults
var DefaultEngineConfig = EngineConfig{
	MaxConcurrentRuns:   10,
	DefaultStepTimeout:  30 * time.Second,
	MaxSubWorkflowDepth: 8,
	Backend:             "local",
}

// StartOption allows functional configuration of a run
type StartOption func(*StartOptions)

// StartOptions holds options for starting a run
type StartOptions struct {
	TriggerSource TriggerSource
	Synchronous   bool
	ParentRunID   string
	RerunOf       string
	DictationID   int64
	// RetryCounts carries per-step retry counters into a re-run, keyed by step id
	RetryCounts map[string]int
}

// DefaultStartOptions returns the options applied before user options
func DefaultStartOptions() *StartOptions {
	return &StartOptions{TriggerSource: TriggerManual}
}

// WithTriggerSource records what initiated the run
func WithTriggerSource(source TriggerSource) StartOption {
	return func(opts *StartOptions) {
		opts.TriggerSource = source
	}
}

// WithSynchronous drives the run on the caller's goroutine
func WithSynchronous(sync bool) StartOption {
	return func(opts *StartOptions) {
		opts.Synchronous = sync
	}
}

// WithParentRun marks the run as a sub-workflow of parentRunID
func WithParentRun(parentRunID string) StartOption {
	return func(opts *StartOptions) {
		opts.ParentRunID = parentRunID
	}
}

// WithRerunOf marks the run as an explicit re-run of runID
func WithRerunOf(runID string) StartOption {
	return func(opts *StartOptions) {
		opts.RerunOf = runID
	}
}

// WithDictation links the run to the capture that triggered it
func WithDictation(id int64) StartOption {
	return func(opts *StartOptions) {
		opts.DictationID = id
	}
}

// WithRetryCounts seeds step retry counters
func WithRetryCounts(counts map[string]int) StartOption {
	return func(opts *StartOptions) {
		opts.RetryCounts = counts
	}
}
