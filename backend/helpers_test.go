package backend

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
	"github.com/sicko7947/talkflow"
)

func newStepContext(stepKey string) *talkflow.StepContext {
	return &talkflow.StepContext{
		Context: context.Background(),
		RunID:   "run-1",
		StepKey: stepKey,
		Logger:  zerolog.Nop(),
		Vars:    map[string]string{},
	}
}

type fakeGenerator struct {
	mu       sync.Mutex
	text     string
	err      error
	requests []GenerateRequest
}

func (f *fakeGenerator) Generate(_ context.Context, req GenerateRequest) (*Generation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return nil, f.err
	}
	return &Generation{
		Text: f.text,
		LLM:  talkflow.LLMMetadata{Provider: "fake", Model: req.Model, PromptTokens: len(req.Prompt)},
	}, nil
}

type fakeStreamGenerator struct {
	fakeGenerator
	tokens []string
}

func (f *fakeStreamGenerator) GenerateStream(ctx context.Context, req GenerateRequest, onToken func(string)) (*Generation, error) {
	for _, tok := range f.tokens {
		onToken(tok)
	}
	return f.Generate(ctx, req)
}

type recordingEffector struct {
	mu      sync.Mutex
	effects []Effect
}

func (r *recordingEffector) Apply(_ context.Context, e Effect) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.effects = append(r.effects, e)
	return e.ID, nil
}
