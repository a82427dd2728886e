package backend

import (
	"fmt"
	"net/http"

	"github.com/sicko7947/talkflow/internal/shell"
)

// Collaborators bundles what the built-in backends delegate to. A nil
// collaborator leaves its step types unregistered, so workflows that use
// them fail preflight with a configuration error.
type Collaborators struct {
	Generator     Generator
	Transcriber   Transcriber
	Effector      Effector
	Shell         *shell.Executor
	HTTPClient    *http.Client
	FileWriteRoot string
	TokenStream   TokenFunc
}

// RegisterBuiltins registers every built-in backend the collaborators allow.
// `conditional-branch` and `sub-workflow` belong to the engine.
func RegisterBuiltins(r *Registry, c Collaborators) error {
	backends := []Backend{
		NewTransformBackend(),
		NewWebhookBackend(c.HTTPClient),
	}

	if c.Generator != nil {
		var opts []GenerationOption
		if c.TokenStream != nil {
			opts = append(opts, WithTokenStream(c.TokenStream))
		}
		backends = append(backends,
			NewGenerationBackend(c.Generator, opts...),
			NewIntentExtractionBackend(c.Generator),
		)
	}
	if c.Transcriber != nil {
		backends = append(backends, NewTranscriptionBackend(c.Transcriber))
	}
	if c.Shell != nil {
		backends = append(backends, NewShellBackend(c.Shell))
	}
	if c.FileWriteRoot != "" {
		backends = append(backends, NewFileWriteBackend(c.FileWriteRoot))
	}
	if c.Effector != nil {
		for _, t := range EffectTypes() {
			b, err := NewEffectBackend(t, c.Effector)
			if err != nil {
				return err
			}
			backends = append(backends, b)
		}
	}

	for _, b := range backends {
		if err := r.Register(b); err != nil {
			return fmt.Errorf("failed to register %s backend: %w", b.Type(), err)
		}
	}
	return nil
}
