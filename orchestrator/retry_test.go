package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/sicko7947/talkflow/backend"
	"github.com/sicko7947/talkflow/capture"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedTranscriber map[string]error

func (s scriptedTranscriber) Transcribe(_ context.Context, req backend.TranscribeRequest) (*backend.Transcript, error) {
	if err := s[req.AudioPath]; err != nil {
		return nil, err
	}
	return &backend.Transcript{Text: "text of " + req.AudioPath, Model: "retry-model"}, nil
}

func TestRetryTranscriptions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	ok := &capture.Dictation{AudioRef: "/audio/ok.wav"}
	bad := &capture.Dictation{AudioRef: "/audio/bad.wav"}
	done := f.transcribed(t, "already there")
	require.NoError(t, f.captures.Create(ctx, ok))
	require.NoError(t, f.captures.Create(ctx, bad))
	require.NoError(t, f.captures.MarkTranscriptionFailed(ctx, ok.ID, "first attempt crashed"))

	transcriber := scriptedTranscriber{"/audio/bad.wav": errors.New("decoder error")}
	report, err := f.orch.RetryTranscriptions(ctx, transcriber)
	require.NoError(t, err)
	assert.Equal(t, &RetryReport{Attempted: 2, Succeeded: 1, Failed: 1}, report)

	got, err := f.captures.Get(ctx, ok.ID)
	require.NoError(t, err)
	assert.Equal(t, capture.TranscriptionSuccess, got.TranscriptionStatus)
	assert.Equal(t, "text of /audio/ok.wav", got.Text)
	assert.Equal(t, "retry-model", got.TranscriptionModel)
	assert.Empty(t, got.TranscriptionError)

	got, err = f.captures.Get(ctx, bad.ID)
	require.NoError(t, err)
	assert.Equal(t, capture.TranscriptionFailed, got.TranscriptionStatus)
	assert.Equal(t, "decoder error", got.TranscriptionError)

	got, err = f.captures.Get(ctx, done.ID)
	require.NoError(t, err)
	assert.Equal(t, "already there", got.Text)

	queue, err := f.captures.RetryQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, bad.ID, queue[0].ID)
}

func TestRetryTranscriptions_NoTranscriber(t *testing.T) {
	f := newFixture(t)
	_, err := f.orch.RetryTranscriptions(context.Background(), nil)
	assert.Error(t, err)
}
