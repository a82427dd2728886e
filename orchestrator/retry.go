package orchestrator

import (
	"context"
	"errors"

	"github.com/sicko7947/talkflow/backend"
)

// RetryReport summarizes one pass over the retry queue
type RetryReport struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// RetryTranscriptions transcribes every retry-eligible dictation again, one
// at a time, oldest first. A failure is recorded on the dictation and the
// pass moves on.
func (o *Orchestrator) RetryTranscriptions(ctx context.Context, t backend.Transcriber) (*RetryReport, error) {
	if t == nil {
		return nil, errors.New("no transcriber configured")
	}
	queue, err := o.captures.RetryQueue(ctx)
	if err != nil {
		return nil, err
	}

	report := &RetryReport{}
	for _, d := range queue {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Attempted++
		logger := o.logger.With().Int64("dictation_id", d.ID).Logger()

		out, err := t.Transcribe(ctx, backend.TranscribeRequest{AudioPath: d.AudioRef})
		if err != nil {
			report.Failed++
			logger.Warn().Err(err).Msg("Transcription retry failed")
			if markErr := o.captures.MarkTranscriptionFailed(ctx, d.ID, err.Error()); markErr != nil {
				return report, markErr
			}
			continue
		}

		if err := o.captures.MarkTranscriptionSuccess(ctx, d.ID, out.Text, out.Model); err != nil {
			return report, err
		}
		report.Succeeded++
		logger.Info().Str("model", out.Model).Msg("Transcription retry succeeded")
	}
	return report, nil
}
