package backend

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sicko7947/talkflow"
	"github.com/sicko7947/talkflow/internal/shell"
)

// TranscribeRequest is one speech-to-text call
type TranscribeRequest struct {
	AudioPath string
	Model     string
	Language  string
}

// Transcript is the text recovered from an audio file
type Transcript struct {
	Text  string
	Model string
}

// Transcriber converts recorded audio to text
type Transcriber interface {
	Transcribe(ctx context.Context, req TranscribeRequest) (*Transcript, error)
}

// TranscriptionBackend runs `transcription` steps
type TranscriptionBackend struct {
	t       Transcriber
	timeout time.Duration
}

// NewTranscriptionBackend creates the `transcription` backend
func NewTranscriptionBackend(t Transcriber) *TranscriptionBackend {
	return &TranscriptionBackend{t: t, timeout: 5 * time.Minute}
}

func (b *TranscriptionBackend) Type() talkflow.StepType { return talkflow.StepTranscription }
func (b *TranscriptionBackend) Timeout() time.Duration  { return b.timeout }

func (b *TranscriptionBackend) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"audioPath"},
		"properties": map[string]any{
			"audioPath": map[string]any{"type": "string", "minLength": 1},
			"model":     map[string]any{"type": "string"},
			"language":  map[string]any{"type": "string"},
		},
	}
}

func (b *TranscriptionBackend) Execute(ctx *talkflow.StepContext, input map[string]any) (*Result, error) {
	path := stringOf(input, "audioPath")
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("audio file unavailable: %w", err)
	}

	tr, err := b.t.Transcribe(ctx, TranscribeRequest{
		AudioPath: path,
		Model:     stringOf(input, "model"),
		Language:  stringOf(input, "language"),
	})
	if err != nil {
		return nil, err
	}
	return &Result{Output: strings.TrimSpace(tr.Text)}, nil
}

// CommandTranscriber runs an external speech-to-text CLI through the shell
// sandbox with the audio path appended to Args.
type CommandTranscriber struct {
	Executor *shell.Executor
	Command  string
	Args     []string
	Model    string
}

// Transcribe implements Transcriber
func (c *CommandTranscriber) Transcribe(ctx context.Context, req TranscribeRequest) (*Transcript, error) {
	model := req.Model
	if model == "" {
		model = c.Model
	}

	args := append(append([]string(nil), c.Args...), req.AudioPath)
	env := []string{"TALKFLOW_MODEL=" + model}
	if req.Language != "" {
		env = append(env, "TALKFLOW_LANGUAGE="+req.Language)
	}

	res, err := c.Executor.Run(ctx, shell.Command{Name: c.Command, Args: args, Env: env})
	if err != nil {
		return nil, fmt.Errorf("transcriber command failed: %w", err)
	}
	if res.Code != 0 {
		return nil, fmt.Errorf("transcriber command exited with code %d: %s", res.Code, strings.TrimSpace(res.Stderr))
	}
	return &Transcript{Text: strings.TrimSpace(res.Stdout), Model: model}, nil
}
