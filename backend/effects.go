package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sicko7947/talkflow"
)

// Effect is one side effect requested by a workflow: a notification, a
// reminder, an email and so on
type Effect struct {
	ID      string            `json:"id"`
	Type    talkflow.StepType `json:"type"`
	RunID   string            `json:"runId"`
	StepKey string            `json:"stepKey"`
	Payload map[string]any    `json:"payload"`
	At      time.Time         `json:"at"`
}

// Effector performs side effects on behalf of the side-effect backends.
// Apply returns the step output, usually an identifier of what was created.
type Effector interface {
	Apply(ctx context.Context, effect Effect) (string, error)
}

// effectSchemas holds the input contract of each side-effect step type
var effectSchemas = map[talkflow.StepType]map[string]any{
	talkflow.StepNotifications: objectSchema([]any{"message"}, map[string]any{
		"title":    stringSchema,
		"subtitle": stringSchema,
		"message":  stringSchema,
		"sound":    stringSchema,
	}),
	talkflow.StepReminderCreation: objectSchema([]any{"title"}, map[string]any{
		"title": stringSchema,
		"notes": stringSchema,
		"due":   stringSchema,
		"list":  stringSchema,
	}),
	talkflow.StepEmail: objectSchema([]any{"to", "subject", "body"}, map[string]any{
		"to":      stringSchema,
		"cc":      stringSchema,
		"subject": stringSchema,
		"body":    stringSchema,
	}),
	talkflow.StepCalendar: objectSchema([]any{"title", "start"}, map[string]any{
		"title":    stringSchema,
		"start":    stringSchema,
		"end":      stringSchema,
		"location": stringSchema,
		"notes":    stringSchema,
	}),
	talkflow.StepClipboard: objectSchema([]any{"text"}, map[string]any{
		"text": stringSchema,
	}),
	talkflow.StepSpeechOutput: objectSchema([]any{"text"}, map[string]any{
		"text":  stringSchema,
		"voice": stringSchema,
		"rate":  map[string]any{"type": "number", "minimum": 0},
	}),
}

var stringSchema = map[string]any{"type": "string"}

func objectSchema(required []any, properties map[string]any) map[string]any {
	return map[string]any{
		"type":       "object",
		"required":   required,
		"properties": properties,
	}
}

// EffectTypes lists the step types served by EffectBackend
func EffectTypes() []talkflow.StepType {
	types := make([]talkflow.StepType, 0, len(effectSchemas))
	for _, t := range talkflow.StepTypes {
		if _, ok := effectSchemas[t]; ok {
			types = append(types, t)
		}
	}
	return types
}

// EffectBackend hands one side-effect step type to an Effector
type EffectBackend struct {
	stepType talkflow.StepType
	effector Effector
}

// NewEffectBackend creates a backend for one of EffectTypes
func NewEffectBackend(t talkflow.StepType, effector Effector) (*EffectBackend, error) {
	if _, ok := effectSchemas[t]; !ok {
		return nil, fmt.Errorf("step type '%s' is not a side-effect type", t)
	}
	return &EffectBackend{stepType: t, effector: effector}, nil
}

func (b *EffectBackend) Type() talkflow.StepType { return b.stepType }
func (b *EffectBackend) Timeout() time.Duration  { return 15 * time.Second }
func (b *EffectBackend) Schema() map[string]any  { return effectSchemas[b.stepType] }

func (b *EffectBackend) Execute(ctx *talkflow.StepContext, input map[string]any) (*Result, error) {
	out, err := b.effector.Apply(ctx, Effect{
		ID:      uuid.New().String(),
		Type:    b.stepType,
		RunID:   ctx.RunID,
		StepKey: ctx.StepKey,
		Payload: input,
		At:      time.Now(),
	})
	if err != nil {
		return nil, err
	}
	return &Result{Output: out}, nil
}

// OutboxEffector appends every effect as a JSON line to a file. A separate
// agent with access to the desktop delivers them.
type OutboxEffector struct {
	mu   sync.Mutex
	path string
}

// NewOutboxEffector creates an effector writing to path
func NewOutboxEffector(path string) *OutboxEffector {
	return &OutboxEffector{path: path}
}

// Apply implements Effector. Clipboard effects echo their text; all others
// return the effect id.
func (o *OutboxEffector) Apply(_ context.Context, effect Effect) (string, error) {
	line, err := json.Marshal(effect)
	if err != nil {
		return "", fmt.Errorf("failed to encode effect: %w", err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(o.path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create outbox directory: %w", err)
	}
	f, err := os.OpenFile(o.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to open outbox: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return "", fmt.Errorf("failed to append effect: %w", err)
	}

	if effect.Type == talkflow.StepClipboard {
		return stringOf(effect.Payload, "text"), nil
	}
	return effect.ID, nil
}

// ReadOutbox decodes every effect in an outbox file
func ReadOutbox(path string) ([]Effect, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var effects []Effect
	dec := json.NewDecoder(bytes.NewReader(data))
	for dec.More() {
		var e Effect
		if err := dec.Decode(&e); err != nil {
			return nil, fmt.Errorf("failed to decode outbox entry: %w", err)
		}
		effects = append(effects, e)
	}
	return effects, nil
}
