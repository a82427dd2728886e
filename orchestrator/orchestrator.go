// Package orchestrator promotes finished dictations: into a workflow run
// (command), into a memo in the sync mirror, or out of the queue (ignored).
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/sicko7947/talkflow"
	"github.com/sicko7947/talkflow/capture"
	"github.com/sicko7947/talkflow/syncer"
)

// ErrNotTranscribed is returned when promoting a record without a transcript
var ErrNotTranscribed = errors.New("dictation has no transcript")

const titleWords = 8

// Starter starts workflow runs
type Starter interface {
	Start(ctx context.Context, def *talkflow.WorkflowDefinition, input talkflow.RunInput, opts ...talkflow.StartOption) (string, error)
}

// Orchestrator connects captures to runs and memos
type Orchestrator struct {
	engine   Starter
	catalog  talkflow.WorkflowCatalog
	captures *capture.Store
	memos    *syncer.LocalStore
	logger   zerolog.Logger
}

// Option configures the orchestrator
type Option func(*Orchestrator)

// WithLogger sets the orchestrator logger
func WithLogger(logger zerolog.Logger) Option {
	return func(o *Orchestrator) {
		o.logger = logger
	}
}

// WithMemos enables SaveMemo against the sync mirror
func WithMemos(memos *syncer.LocalStore) Option {
	return func(o *Orchestrator) {
		o.memos = memos
	}
}

// NewOrchestrator creates an orchestrator
func NewOrchestrator(engine Starter, catalog talkflow.WorkflowCatalog, captures *capture.Store, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		engine:   engine,
		catalog:  catalog,
		captures: captures,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// transcribed loads a record that is ready to be promoted
func (o *Orchestrator) transcribed(ctx context.Context, id int64) (*capture.Dictation, error) {
	d, err := o.captures.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if d.TranscriptionStatus != capture.TranscriptionSuccess || strings.TrimSpace(d.Text) == "" {
		return nil, fmt.Errorf("dictation %d: %w", id, ErrNotTranscribed)
	}
	if d.PromotionStatus != capture.PromotionNone {
		return nil, fmt.Errorf("dictation %d is already %s: %w", id, d.PromotionStatus, capture.ErrAlreadyPromoted)
	}
	return d, nil
}

// RunCommand starts workflow slug on the dictation's transcript and promotes
// the dictation to `command` with the run id as reference. The dictation is
// claimed before the run starts, so two callers cannot both start a run.
func (o *Orchestrator) RunCommand(ctx context.Context, dictationID int64, slug string, vars map[string]string) (string, error) {
	def, err := o.catalog.Get(slug)
	if err != nil {
		return "", err
	}
	d, err := o.transcribed(ctx, dictationID)
	if err != nil {
		return "", err
	}

	if err := o.captures.Promote(ctx, d.ID, capture.PromotionCommand, ""); err != nil {
		return "", err
	}

	input := talkflow.RunInput{
		Transcript: d.Text,
		Title:      Title(d),
		Date:       d.CreatedAt,
		Variables:  vars,
	}
	runID, err := o.engine.Start(ctx, def, input,
		talkflow.WithTriggerSource(talkflow.TriggerLiveCapture),
		talkflow.WithDictation(d.ID),
	)
	if err != nil {
		if resetErr := o.captures.ResetPromotion(context.WithoutCancel(ctx), d.ID); resetErr != nil {
			o.logger.Error().Err(resetErr).Int64("dictation_id", d.ID).Msg("Failed to release dictation after start failure")
		}
		return "", err
	}

	if err := o.captures.SetPromotionRef(ctx, d.ID, runID); err != nil {
		return runID, fmt.Errorf("run %s started but dictation %d was not linked: %w", runID, d.ID, err)
	}

	o.logger.Info().
		Int64("dictation_id", d.ID).
		Str("run_id", runID).
		Str("workflow_id", slug).
		Msg("Dictation promoted to command")
	return runID, nil
}

// SaveMemo writes the dictation into the mirror as a dirty memo, which the
// next sync pass pushes to the primary, and promotes it to `memo`.
func (o *Orchestrator) SaveMemo(ctx context.Context, dictationID int64, title string) (*syncer.Memo, error) {
	if o.memos == nil {
		return nil, errors.New("memo store is not configured")
	}
	d, err := o.transcribed(ctx, dictationID)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(title) == "" {
		title = Title(d)
	}

	memo := &syncer.Memo{
		ID:          uuid.New().String(),
		Title:       title,
		Transcript:  d.Text,
		DictationID: d.ID,
	}
	if err := o.captures.Promote(ctx, d.ID, capture.PromotionMemo, memo.ID); err != nil {
		return nil, err
	}
	if err := o.memos.SaveLocal(ctx, memo); err != nil {
		if resetErr := o.captures.ResetPromotion(context.WithoutCancel(ctx), d.ID); resetErr != nil {
			o.logger.Error().Err(resetErr).Int64("dictation_id", d.ID).Msg("Failed to release dictation after memo write failure")
		}
		return nil, err
	}

	o.logger.Info().
		Int64("dictation_id", d.ID).
		Str("entity_id", memo.ID).
		Msg("Dictation saved as memo")
	return memo, nil
}

// Ignore removes the dictation from the queue without acting on it
func (o *Orchestrator) Ignore(ctx context.Context, dictationID int64) error {
	if err := o.captures.Promote(ctx, dictationID, capture.PromotionIgnored, ""); err != nil {
		return err
	}
	o.logger.Info().Int64("dictation_id", dictationID).Msg("Dictation ignored")
	return nil
}

// Title derives a display title from the first words of the transcript
func Title(d *capture.Dictation) string {
	words := strings.Fields(d.Text)
	if len(words) == 0 {
		return fmt.Sprintf("Dictation %d", d.ID)
	}
	if len(words) > titleWords {
		return strings.Join(words[:titleWords], " ") + "…"
	}
	return strings.Join(words, " ")
}
