package backend

import (
	"testing"
	"time"

	"github.com/sicko7947/talkflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubBackend struct {
	t      talkflow.StepType
	schema map[string]any
}

func (s *stubBackend) Type() talkflow.StepType { return s.t }
func (s *stubBackend) Schema() map[string]any  { return s.schema }
func (s *stubBackend) Timeout() time.Duration  { return 0 }
func (s *stubBackend) Execute(*talkflow.StepContext, map[string]any) (*Result, error) {
	return &Result{Output: "ok"}, nil
}

func TestRegistry_RegisterAndLookup(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubBackend{t: talkflow.StepClipboard}))

	b, err := r.Lookup(talkflow.StepClipboard)
	require.NoError(t, err)
	assert.Equal(t, talkflow.StepClipboard, b.Type())
	assert.True(t, r.Has(talkflow.StepClipboard))
}

func TestRegistry_RejectsUnknownType(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&stubBackend{t: "teleport"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not part of the step vocabulary")
}

func TestRegistry_RejectsDuplicate(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&stubBackend{t: talkflow.StepEmail}))
	assert.Error(t, r.Register(&stubBackend{t: talkflow.StepEmail}))
}

func TestRegistry_LookupUnknownIsConfigError(t *testing.T) {
	r := NewRegistry()
	_, err := r.Lookup(talkflow.StepWebhook)
	require.Error(t, err)
	assert.True(t, talkflow.IsConfigError(err))
	assert.Contains(t, err.Error(), "webhook")
}

func TestRegistry_TypesInVocabularyOrder(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(
		&stubBackend{t: talkflow.StepSpeechOutput},
		&stubBackend{t: talkflow.StepGeneration},
		&stubBackend{t: talkflow.StepFileWrite},
	)
	assert.Equal(t, []talkflow.StepType{
		talkflow.StepGeneration,
		talkflow.StepFileWrite,
		talkflow.StepSpeechOutput,
	}, r.Types())
}

func TestRegistry_MustRegisterPanics(t *testing.T) {
	r := NewRegistry()
	assert.Panics(t, func() {
		r.MustRegister(&stubBackend{t: "bogus"})
	})
}

func TestRegistry_Validate(t *testing.T) {
	r := NewRegistry()
	r.MustRegister(&stubBackend{
		t: talkflow.StepEmail,
		schema: objectSchema([]any{"to"}, map[string]any{
			"to": stringSchema,
		}),
	})

	assert.NoError(t, r.Validate(talkflow.StepEmail, map[string]any{"to": "a@b.c"}))

	err := r.Validate(talkflow.StepEmail, map[string]any{"subject": "hi"})
	require.Error(t, err)
	assert.True(t, talkflow.IsConfigError(err))
	assert.Contains(t, err.Error(), "to")

	err = r.Validate(talkflow.StepEmail, nil)
	assert.True(t, talkflow.IsConfigError(err))

	// No schema, nothing to check.
	assert.NoError(t, r.Validate(talkflow.StepCalendar, map[string]any{"x": 1}))
}

func TestRegistry_InvalidSchema(t *testing.T) {
	r := NewRegistry()
	err := r.Register(&stubBackend{
		t:      talkflow.StepEmail,
		schema: map[string]any{"type": 42},
	})
	assert.Error(t, err)
}

func TestRegisterBuiltins(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, RegisterBuiltins(r, Collaborators{
		Generator:     &fakeGenerator{},
		Effector:      &recordingEffector{},
		FileWriteRoot: t.TempDir(),
	}))

	for _, st := range []talkflow.StepType{
		talkflow.StepGeneration,
		talkflow.StepIntentExtraction,
		talkflow.StepDataTransform,
		talkflow.StepWebhook,
		talkflow.StepFileWrite,
		talkflow.StepNotifications,
		talkflow.StepClipboard,
	} {
		assert.True(t, r.Has(st), "expected %s to be registered", st)
	}

	// No collaborator, no backend.
	assert.False(t, r.Has(talkflow.StepTranscription))
	assert.False(t, r.Has(talkflow.StepShellExecution))
	assert.False(t, r.Has(talkflow.StepSubWorkflow))
}
