package backend

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/sicko7947/talkflow/internal/shell"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func skipOnWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
}

func TestShellBackend_Execute(t *testing.T) {
	skipOnWindows(t)
	b := NewShellBackend(shell.NewExecutor(5*time.Second, 0, t.TempDir()))
	assert.Equal(t, 6*time.Second, b.Timeout())

	res, err := b.Execute(newStepContext("run-script"), map[string]any{"command": "printf 'one\\ntwo\\n'"})
	require.NoError(t, err)
	assert.Equal(t, "one\ntwo", res.Output)

	res, err = b.Execute(newStepContext("run-script"), map[string]any{
		"command": "cat",
		"args":    []any{"-"},
		"stdin":   "piped",
	})
	require.NoError(t, err)
	assert.Equal(t, "piped", res.Output)
}

func TestShellBackend_NonZeroExitFails(t *testing.T) {
	skipOnWindows(t)
	b := NewShellBackend(shell.NewExecutor(5*time.Second, 0, ""))

	_, err := b.Execute(newStepContext("run-script"), map[string]any{"command": "echo broken >&2; exit 2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 2")
	assert.Contains(t, err.Error(), "broken")
}

func TestShellBackend_BlockedCommand(t *testing.T) {
	b := NewShellBackend(shell.NewExecutor(time.Second, 0, ""))

	_, err := b.Execute(newStepContext("run-script"), map[string]any{"command": "sudo reboot"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
}

type fakeTranscriber struct {
	text string
	reqs []TranscribeRequest
}

func (f *fakeTranscriber) Transcribe(_ context.Context, req TranscribeRequest) (*Transcript, error) {
	f.reqs = append(f.reqs, req)
	return &Transcript{Text: f.text, Model: req.Model}, nil
}

func TestTranscriptionBackend_Execute(t *testing.T) {
	audio := filepath.Join(t.TempDir(), "clip.m4a")
	require.NoError(t, os.WriteFile(audio, []byte("audio"), 0o600))

	tr := &fakeTranscriber{text: "  remind me to call mum \n"}
	b := NewTranscriptionBackend(tr)

	res, err := b.Execute(newStepContext("transcribe"), map[string]any{"audioPath": audio, "language": "en"})
	require.NoError(t, err)
	assert.Equal(t, "remind me to call mum", res.Output)
	require.Len(t, tr.reqs, 1)
	assert.Equal(t, "en", tr.reqs[0].Language)
}

func TestTranscriptionBackend_MissingAudio(t *testing.T) {
	tr := &fakeTranscriber{text: "unused"}
	b := NewTranscriptionBackend(tr)

	_, err := b.Execute(newStepContext("transcribe"), map[string]any{"audioPath": filepath.Join(t.TempDir(), "gone.m4a")})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audio file unavailable")
	assert.Empty(t, tr.reqs)
}

func TestCommandTranscriber(t *testing.T) {
	skipOnWindows(t)
	c := &CommandTranscriber{
		Executor: shell.NewExecutor(5*time.Second, 0, ""),
		Command:  "sh",
		Args:     []string{"-c", `printf '%s heard %s\n' "$TALKFLOW_MODEL" "$0"`},
		Model:    "whisper-small",
	}

	tr, err := c.Transcribe(context.Background(), TranscribeRequest{AudioPath: "clip.m4a"})
	require.NoError(t, err)
	assert.Equal(t, "whisper-small heard clip.m4a", tr.Text)
	assert.Equal(t, "whisper-small", tr.Model)

	tr, err = c.Transcribe(context.Background(), TranscribeRequest{AudioPath: "b.wav", Model: "large"})
	require.NoError(t, err)
	assert.Equal(t, "large heard b.wav", tr.Text)
}
