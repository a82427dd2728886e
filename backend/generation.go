package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sicko7947/talkflow"
	"github.com/sicko7947/talkflow/internal/shell"
)

// GenerateRequest is one text-generation call
type GenerateRequest struct {
	Prompt      string
	System      string
	Model       string
	Temperature float64
	MaxTokens   int
}

// Generation is the result of a text-generation call
type Generation struct {
	Text string
	LLM  talkflow.LLMMetadata
}

// Generator produces text from a prompt. Inference itself lives outside this
// module; adapters wrap a local model runner or a hosted API.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (*Generation, error)
}

// StreamGenerator is a Generator that can report tokens as they arrive
type StreamGenerator interface {
	Generator
	GenerateStream(ctx context.Context, req GenerateRequest, onToken func(token string)) (*Generation, error)
}

// TokenFunc receives streamed tokens for a running step
type TokenFunc func(runID, stepKey, token string)

// GenerationBackend runs `generation` steps
type GenerationBackend struct {
	gen     Generator
	onToken TokenFunc
	timeout time.Duration
}

// GenerationOption configures a GenerationBackend
type GenerationOption func(*GenerationBackend)

// WithTokenStream streams tokens to fn when the generator supports it
func WithTokenStream(fn TokenFunc) GenerationOption {
	return func(b *GenerationBackend) {
		b.onToken = fn
	}
}

// WithGenerationTimeout overrides the default two minute limit
func WithGenerationTimeout(d time.Duration) GenerationOption {
	return func(b *GenerationBackend) {
		b.timeout = d
	}
}

// NewGenerationBackend creates the `generation` backend
func NewGenerationBackend(gen Generator, opts ...GenerationOption) *GenerationBackend {
	b := &GenerationBackend{gen: gen, timeout: 2 * time.Minute}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *GenerationBackend) Type() talkflow.StepType { return talkflow.StepGeneration }
func (b *GenerationBackend) Timeout() time.Duration  { return b.timeout }

func (b *GenerationBackend) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"prompt"},
		"properties": map[string]any{
			"prompt":      map[string]any{"type": "string", "minLength": 1},
			"system":      map[string]any{"type": "string"},
			"model":       map[string]any{"type": "string"},
			"temperature": map[string]any{"type": "number", "minimum": 0, "maximum": 2},
			"maxTokens":   map[string]any{"type": "integer", "minimum": 1},
		},
	}
}

func (b *GenerationBackend) Execute(ctx *talkflow.StepContext, input map[string]any) (*Result, error) {
	req := requestFrom(input)
	gen, err := b.generate(ctx, req)
	if err != nil {
		return nil, err
	}
	return &Result{Output: strings.TrimSpace(gen.Text), LLM: &gen.LLM}, nil
}

func (b *GenerationBackend) generate(ctx *talkflow.StepContext, req GenerateRequest) (*Generation, error) {
	if streamer, ok := b.gen.(StreamGenerator); ok && b.onToken != nil {
		return streamer.GenerateStream(ctx, req, func(token string) {
			b.onToken(ctx.RunID, ctx.StepKey, token)
		})
	}
	return b.gen.Generate(ctx, req)
}

func requestFrom(input map[string]any) GenerateRequest {
	return GenerateRequest{
		Prompt:      stringOf(input, "prompt"),
		System:      stringOf(input, "system"),
		Model:       stringOf(input, "model"),
		Temperature: floatOf(input, "temperature"),
		MaxTokens:   intOf(input, "maxTokens"),
	}
}

// IntentExtractionBackend runs `intent-extraction` steps. The model is asked
// for a JSON object and anything else fails the step.
type IntentExtractionBackend struct {
	gen     Generator
	timeout time.Duration
}

// NewIntentExtractionBackend creates the `intent-extraction` backend
func NewIntentExtractionBackend(gen Generator) *IntentExtractionBackend {
	return &IntentExtractionBackend{gen: gen, timeout: 2 * time.Minute}
}

func (b *IntentExtractionBackend) Type() talkflow.StepType { return talkflow.StepIntentExtraction }
func (b *IntentExtractionBackend) Timeout() time.Duration  { return b.timeout }

func (b *IntentExtractionBackend) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"text"},
		"properties": map[string]any{
			"text":   map[string]any{"type": "string"},
			"prompt": map[string]any{"type": "string"},
			"fields": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"model":  map[string]any{"type": "string"},
		},
	}
}

const intentSystemPrompt = "You extract structured intent from dictated text. " +
	"Reply with a single JSON object and nothing else."

func (b *IntentExtractionBackend) Execute(ctx *talkflow.StepContext, input map[string]any) (*Result, error) {
	var prompt strings.Builder
	if p := stringOf(input, "prompt"); p != "" {
		prompt.WriteString(p)
		prompt.WriteString("\n\n")
	}
	if fields := stringsOf(input, "fields"); len(fields) > 0 {
		fmt.Fprintf(&prompt, "Return an object with the keys: %s.\n\n", strings.Join(fields, ", "))
	}
	prompt.WriteString("Text:\n")
	prompt.WriteString(stringOf(input, "text"))

	gen, err := b.gen.Generate(ctx, GenerateRequest{
		Prompt: prompt.String(),
		System: intentSystemPrompt,
		Model:  stringOf(input, "model"),
	})
	if err != nil {
		return nil, err
	}

	obj, err := ParseJSONObject(gen.Text)
	if err != nil {
		return nil, fmt.Errorf("intent extraction did not return a JSON object: %w", err)
	}
	out, err := marshalOutput(obj)
	if err != nil {
		return nil, err
	}
	return &Result{Output: out, LLM: &gen.LLM}, nil
}

// ParseJSONObject decodes model output that should be a JSON object, tolerating
// a surrounding markdown code fence.
func ParseJSONObject(text string) (map[string]any, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if nl := strings.IndexByte(text, '\n'); nl >= 0 {
			text = text[nl+1:]
		}
		text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(text), &obj); err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, fmt.Errorf("null is not an object")
	}
	return obj, nil
}

// CommandGenerator runs an external model CLI through the shell sandbox. The
// prompt goes to stdin and stdout is the generated text.
type CommandGenerator struct {
	Executor *shell.Executor
	Command  string
	Args     []string
	Provider string
	Model    string
}

// Generate implements Generator
func (g *CommandGenerator) Generate(ctx context.Context, req GenerateRequest) (*Generation, error) {
	model := req.Model
	if model == "" {
		model = g.Model
	}

	stdin := req.Prompt
	if req.System != "" {
		stdin = req.System + "\n\n" + req.Prompt
	}

	env := []string{"TALKFLOW_MODEL=" + model}
	if req.MaxTokens > 0 {
		env = append(env, fmt.Sprintf("TALKFLOW_MAX_TOKENS=%d", req.MaxTokens))
	}

	cmd := shell.Command{Name: g.Command, Args: g.Args, Stdin: stdin, Env: env}

	res, err := g.Executor.Run(ctx, cmd)
	if err != nil {
		return nil, fmt.Errorf("generator command failed: %w", err)
	}
	if res.Code != 0 {
		return nil, fmt.Errorf("generator command exited with code %d: %s", res.Code, strings.TrimSpace(res.Stderr))
	}

	return &Generation{
		Text: res.Stdout,
		LLM: talkflow.LLMMetadata{
			Provider: g.Provider,
			Model:    model,
		},
	}, nil
}
