package talkflow

import (
	"time"

	"github.com/rs/zerolog"
)

// Log event names
const (
	// Run-level events
	EventRunCreated   = "run_created"
	EventRunStarted   = "run_started"
	EventRunCompleted = "run_completed"
	EventRunFailed    = "run_failed"
	EventRunCancelled = "run_cancelled"
	EventRunRecovered = "run_recovered"

	// Step-level events
	EventStepStarted   = "step_started"
	EventStepCompleted = "step_completed"
	EventStepFailed    = "step_failed"
	EventStepSkipped   = "step_skipped"
	EventStepDiscarded = "step_discarded"

	// Persistence events
	EventPersistenceError = "persistence_error"
)

// LogRunStarted logs when a run starts execution
func LogRunStarted(logger zerolog.Logger, runID, workflowID string, stepCount int) {
	logger.Info().
		Str("event", EventRunStarted).
		Str("run_id", runID).
		Str("workflow_id", workflowID).
		Int("step_count", stepCount).
		Msg("Run started")
}

// LogRunCompleted logs successful run completion
func LogRunCompleted(logger zerolog.Logger, runID string, duration time.Duration) {
	logger.Info().
		Str("event", EventRunCompleted).
		Str("run_id", runID).
		Dur("duration", duration).
		Msg("Run completed")
}

// LogRunFailed logs run failure
func LogRunFailed(logger zerolog.Logger, runID string, err error) {
	logger.Error().
		Str("event", EventRunFailed).
		Str("run_id", runID).
		Err(err).
		Msg("Run failed")
}

// LogRunCancelled logs run cancellation
func LogRunCancelled(logger zerolog.Logger, runID string) {
	logger.Warn().
		Str("event", EventRunCancelled).
		Str("run_id", runID).
		Msg("Run cancelled")
}

// LogStepStarted logs when a step starts execution
func LogStepStarted(logger zerolog.Logger, runID, stepKey string, stepNumber int, stepType StepType) {
	logger.Info().
		Str("event", EventStepStarted).
		Str("run_id", runID).
		Str("step_id", stepKey).
		Int("step_number", stepNumber).
		Str("step_type", string(stepType)).
		Msg("Step started")
}

// LogStepCompleted logs successful step completion
func LogStepCompleted(logger zerolog.Logger, runID, stepKey string, durationMs int64) {
	logger.Info().
		Str("event", EventStepCompleted).
		Str("run_id", runID).
		Str("step_id", stepKey).
		Int64("duration_ms", durationMs).
		Msg("Step completed")
}

// LogStepFailed logs step failure
func LogStepFailed(logger zerolog.Logger, runID, stepKey string, err error) {
	logger.Error().
		Str("event", EventStepFailed).
		Str("run_id", runID).
		Str("step_id", stepKey).
		Err(err).
		Msg("Step failed")
}

// LogStepSkipped logs when a step is short-circuited by a branch
func LogStepSkipped(logger zerolog.Logger, runID, stepKey, reason string) {
	logger.Info().
		Str("event", EventStepSkipped).
		Str("run_id", runID).
		Str("step_id", stepKey).
		Str("reason", reason).
		Msg("Step skipped")
}

// LogPersistenceError logs errors during persistence operations
func LogPersistenceError(logger zerolog.Logger, runID, operation string, err error) {
	logger.Error().
		Str("event", EventPersistenceError).
		Str("run_id", runID).
		Str("operation", operation).
		Err(err).
		Msg("Persistence error")
}

// RunLogger creates a logger enriched with run context
func RunLogger(baseLogger zerolog.Logger, runID, workflowID string) zerolog.Logger {
	return baseLogger.With().
		Str("run_id", runID).
		Str("workflow_id", workflowID).
		Logger()
}

// StepLogger creates a logger enriched with step context
func StepLogger(runLogger zerolog.Logger, stepKey string, stepNumber int, stepType StepType) zerolog.Logger {
	return runLogger.With().
		Str("step_id", stepKey).
		Int("step_number", stepNumber).
		Str("step_type", string(stepType)).
		Logger()
}
