package backend

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	jsonata "github.com/blues/jsonata-go"
	"github.com/sicko7947/talkflow"
)

// Data transform operations
const (
	OpTrim         = "trim"
	OpUppercase    = "uppercase"
	OpLowercase    = "lowercase"
	OpJSONField    = "json-field"
	OpRegexReplace = "regex-replace"
	OpLines        = "lines"
	OpJSONata      = "jsonata"
)

// TransformBackend runs `data-transform` steps. It is pure: no I/O.
type TransformBackend struct{}

// NewTransformBackend creates the `data-transform` backend
func NewTransformBackend() *TransformBackend {
	return &TransformBackend{}
}

func (b *TransformBackend) Type() talkflow.StepType { return talkflow.StepDataTransform }
func (b *TransformBackend) Timeout() time.Duration  { return 5 * time.Second }

func (b *TransformBackend) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"input", "operation"},
		"properties": map[string]any{
			"input": map[string]any{"type": "string"},
			"operation": map[string]any{
				"type": "string",
				"enum": []any{OpTrim, OpUppercase, OpLowercase, OpJSONField, OpRegexReplace, OpLines, OpJSONata},
			},
			"field":       map[string]any{"type": "string"},
			"pattern":     map[string]any{"type": "string"},
			"replacement": map[string]any{"type": "string"},
			"expression":  map[string]any{"type": "string"},
		},
	}
}

func (b *TransformBackend) Execute(_ *talkflow.StepContext, input map[string]any) (*Result, error) {
	out, err := Transform(stringOf(input, "operation"), stringOf(input, "input"), input)
	if err != nil {
		return nil, err
	}
	return &Result{Output: out}, nil
}

// Transform applies one operation to text. params carries the
// operation-specific keys (field, pattern, replacement, expression).
func Transform(op, text string, params map[string]any) (string, error) {
	switch op {
	case OpTrim:
		return strings.TrimSpace(text), nil
	case OpUppercase:
		return strings.ToUpper(text), nil
	case OpLowercase:
		return strings.ToLower(text), nil
	case OpJSONField:
		return jsonField(text, stringOf(params, "field"))
	case OpRegexReplace:
		re, err := regexp.Compile(stringOf(params, "pattern"))
		if err != nil {
			return "", fmt.Errorf("invalid pattern: %w", err)
		}
		return re.ReplaceAllString(text, stringOf(params, "replacement")), nil
	case OpLines:
		lines := []string{}
		for _, line := range strings.Split(text, "\n") {
			if line = strings.TrimSpace(line); line != "" {
				lines = append(lines, line)
			}
		}
		return marshalOutput(lines)
	case OpJSONata:
		return evalJSONata(text, stringOf(params, "expression"))
	default:
		return "", fmt.Errorf("unknown transform operation '%s'", op)
	}
}

func jsonField(text, field string) (string, error) {
	if field == "" {
		return "", fmt.Errorf("json-field requires a field")
	}

	var current any
	if err := json.Unmarshal([]byte(text), &current); err != nil {
		return "", fmt.Errorf("input is not JSON: %w", err)
	}
	for _, part := range strings.Split(field, ".") {
		obj, ok := current.(map[string]any)
		if !ok {
			return "", fmt.Errorf("cannot read field '%s' of a non-object value", part)
		}
		if current, ok = obj[part]; !ok {
			return "", fmt.Errorf("unknown field '%s'", part)
		}
	}
	if s, ok := current.(string); ok {
		return s, nil
	}
	return marshalOutput(current)
}

func evalJSONata(text, expression string) (string, error) {
	if expression == "" {
		return "", fmt.Errorf("jsonata requires an expression")
	}
	expr, err := jsonata.Compile(expression)
	if err != nil {
		return "", fmt.Errorf("invalid jsonata expression: %w", err)
	}

	var data any
	if err := json.Unmarshal([]byte(text), &data); err != nil {
		// Plain text is evaluated as a JSON string.
		data = text
	}

	result, err := expr.Eval(data)
	if err != nil {
		return "", fmt.Errorf("failed to evaluate jsonata expression: %w", err)
	}
	if s, ok := result.(string); ok {
		return s, nil
	}
	return marshalOutput(result)
}
