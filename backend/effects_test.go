package backend

import (
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/sicko7947/talkflow"
	"github.com/sicko7947/talkflow/internal/shell"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEffectBackend_PassesPayload(t *testing.T) {
	eff := &recordingEffector{}
	b, err := NewEffectBackend(talkflow.StepReminderCreation, eff)
	require.NoError(t, err)

	res, err := b.Execute(newStepContext("remind"), map[string]any{"title": "Call mom", "due": "2026-05-02"})
	require.NoError(t, err)

	require.Len(t, eff.effects, 1)
	e := eff.effects[0]
	assert.Equal(t, talkflow.StepReminderCreation, e.Type)
	assert.Equal(t, "run-1", e.RunID)
	assert.Equal(t, "remind", e.StepKey)
	assert.Equal(t, "Call mom", e.Payload["title"])
	assert.Equal(t, e.ID, res.Output)
}

func TestEffectBackend_RejectsNonEffectType(t *testing.T) {
	_, err := NewEffectBackend(talkflow.StepGeneration, &recordingEffector{})
	assert.Error(t, err)
}

func TestEffectTypes(t *testing.T) {
	assert.Equal(t, []talkflow.StepType{
		talkflow.StepReminderCreation,
		talkflow.StepNotifications,
		talkflow.StepEmail,
		talkflow.StepCalendar,
		talkflow.StepClipboard,
		talkflow.StepSpeechOutput,
	}, EffectTypes())
}

func TestOutboxEffector(t *testing.T) {
	path := filepath.Join(t.TempDir(), "out", "effects.jsonl")
	o := NewOutboxEffector(path)

	notify, err := NewEffectBackend(talkflow.StepNotifications, o)
	require.NoError(t, err)
	clip, err := NewEffectBackend(talkflow.StepClipboard, o)
	require.NoError(t, err)

	res, err := notify.Execute(newStepContext("notify"), map[string]any{"message": "Done"})
	require.NoError(t, err)
	assert.NotEmpty(t, res.Output)

	res, err = clip.Execute(newStepContext("copy"), map[string]any{"text": "copied text"})
	require.NoError(t, err)
	assert.Equal(t, "copied text", res.Output)

	effects, err := ReadOutbox(path)
	require.NoError(t, err)
	require.Len(t, effects, 2)
	assert.Equal(t, talkflow.StepNotifications, effects[0].Type)
	assert.Equal(t, "Done", effects[0].Payload["message"])
	assert.Equal(t, talkflow.StepClipboard, effects[1].Type)
}

func TestShellBackend(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("uses sh")
	}
	b := NewShellBackend(shell.NewExecutor(5*time.Second, 0, t.TempDir()))
	assert.Equal(t, 6*time.Second, b.Timeout())

	res, err := b.Execute(newStepContext("sh"), map[string]any{"command": "printf 'a\\nb\\n'"})
	require.NoError(t, err)
	assert.Equal(t, "a\nb", res.Output)

	_, err = b.Execute(newStepContext("sh"), map[string]any{"command": "echo bad >&2; exit 2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "code 2")
	assert.Contains(t, err.Error(), "bad")

	_, err = b.Execute(newStepContext("sh"), map[string]any{"command": "sudo ls"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "blocked")
}
