package backend

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Helpers for reading resolved step input. Values arrive from YAML or JSON
// decoding, so numbers may be int, int64, float64 or json.Number.

func stringOf(input map[string]any, key string) string {
	switch v := input[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}

func boolOf(input map[string]any, key string) bool {
	switch v := input[key].(type) {
	case bool:
		return v
	case string:
		b, _ := strconv.ParseBool(v)
		return b
	}
	return false
}

func floatOf(input map[string]any, key string) float64 {
	switch v := input[key].(type) {
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case float64:
		return v
	case json.Number:
		f, _ := v.Float64()
		return f
	case string:
		f, _ := strconv.ParseFloat(v, 64)
		return f
	}
	return 0
}

func intOf(input map[string]any, key string) int {
	return int(floatOf(input, key))
}

func stringsOf(input map[string]any, key string) []string {
	switch v := input[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			} else {
				out = append(out, fmt.Sprint(item))
			}
		}
		return out
	case string:
		if v == "" {
			return nil
		}
		return []string{v}
	}
	return nil
}

func stringMapOf(input map[string]any, key string) map[string]string {
	raw, ok := input[key].(map[string]any)
	if !ok {
		if typed, ok := input[key].(map[string]string); ok {
			return typed
		}
		return nil
	}
	out := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		} else {
			out[k] = fmt.Sprint(v)
		}
	}
	return out
}

// marshalOutput renders a structured result as compact JSON
func marshalOutput(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal output: %w", err)
	}
	return string(data), nil
}
