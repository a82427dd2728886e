// Package template resolves {{name}} and {{step-id.field}} placeholders
// against a run context. Resolution is pure: no I/O, no shared state.
package template

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Context maps variable names and step output keys to their values
type Context map[string]string

var (
	placeholderPattern = regexp.MustCompile(`\{\{(.*?)\}\}`)
	namePattern        = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9_\-]*(\.[A-Za-z0-9_\-]+)*$`)
)

// Reference is a parsed placeholder
type Reference struct {
	// Placeholder is the literal text, braces included
	Placeholder string
	// Name is the full dotted name inside the braces
	Name string
	// Root is the part before the first dot
	Root string
	// Path holds the field names after the root, if any
	Path []string
}

// ResolutionError reports a placeholder that cannot be substituted
type ResolutionError struct {
	Placeholder string
	Name        string
	StepID      string
	Reason      string
}

// Error implements the error interface
func (e *ResolutionError) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("cannot resolve %s in step %s: %s", e.Placeholder, e.StepID, e.Reason)
	}
	return fmt.Sprintf("cannot resolve %s: %s", e.Placeholder, e.Reason)
}

func parseReference(placeholder, inner string) (Reference, error) {
	name := strings.TrimSpace(inner)
	if !namePattern.MatchString(name) {
		return Reference{}, &ResolutionError{Placeholder: placeholder, Name: name, Reason: "malformed placeholder"}
	}
	parts := strings.Split(name, ".")
	return Reference{
		Placeholder: placeholder,
		Name:        name,
		Root:        parts[0],
		Path:        parts[1:],
	}, nil
}

// Placeholders lists every placeholder in s in order of appearance.
// Malformed placeholders are reported as an error.
func Placeholders(s string) ([]Reference, error) {
	matches := placeholderPattern.FindAllStringSubmatch(s, -1)
	refs := make([]Reference, 0, len(matches))
	for _, m := range matches {
		ref, err := parseReference(m[0], m[1])
		if err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, nil
}

// HasPlaceholders reports whether s contains at least one {{...}} form
func HasPlaceholders(s string) bool {
	return placeholderPattern.MatchString(s)
}

// Resolve substitutes every placeholder in s. Unknown names and fields are
// errors; nothing is ever silently replaced with an empty string.
func Resolve(s string, ctx Context) (string, error) {
	if !HasPlaceholders(s) {
		return s, nil
	}

	var firstErr error
	out := placeholderPattern.ReplaceAllStringFunc(s, func(placeholder string) string {
		if firstErr != nil {
			return placeholder
		}
		inner := placeholder[2 : len(placeholder)-2]
		ref, err := parseReference(placeholder, inner)
		if err != nil {
			firstErr = err
			return placeholder
		}
		value, err := lookup(ref, ctx)
		if err != nil {
			firstErr = err
			return placeholder
		}
		return value
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// ResolveValue walks strings, maps and slices and resolves every string leaf.
// Non-string scalars are returned unchanged.
func ResolveValue(v any, ctx Context) (any, error) {
	switch val := v.(type) {
	case string:
		return Resolve(val, ctx)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := ResolveValue(item, ctx)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			resolved, err := ResolveValue(item, ctx)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return v, nil
	}
}

// ResolveConfig resolves a step configuration and tags any error with stepID.
func ResolveConfig(stepID string, config map[string]any, ctx Context) (map[string]any, error) {
	if config == nil {
		return map[string]any{}, nil
	}
	resolved, err := ResolveValue(config, ctx)
	if err != nil {
		if re, ok := err.(*ResolutionError); ok {
			re.StepID = stepID
		}
		return nil, err
	}
	return resolved.(map[string]any), nil
}

// References collects the placeholders found anywhere inside v.
func References(v any) ([]Reference, error) {
	var refs []Reference
	var walk func(any) error
	walk = func(item any) error {
		switch val := item.(type) {
		case string:
			found, err := Placeholders(val)
			if err != nil {
				return err
			}
			refs = append(refs, found...)
		case map[string]any:
			for _, child := range val {
				if err := walk(child); err != nil {
					return err
				}
			}
		case []any:
			for _, child := range val {
				if err := walk(child); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(v); err != nil {
		return nil, err
	}
	return refs, nil
}

func lookup(ref Reference, ctx Context) (string, error) {
	// A variable whose name itself contains dots wins over field access.
	if value, ok := ctx[ref.Name]; ok {
		return value, nil
	}

	raw, ok := ctx[ref.Root]
	if !ok {
		return "", &ResolutionError{Placeholder: ref.Placeholder, Name: ref.Name, Reason: fmt.Sprintf("unknown variable %q", ref.Root)}
	}
	if len(ref.Path) == 0 {
		return raw, nil
	}

	var current any
	if err := json.Unmarshal([]byte(raw), &current); err != nil {
		return "", &ResolutionError{Placeholder: ref.Placeholder, Name: ref.Name, Reason: fmt.Sprintf("value of %q is not a JSON object", ref.Root)}
	}
	for _, field := range ref.Path {
		obj, ok := current.(map[string]any)
		if !ok {
			return "", &ResolutionError{Placeholder: ref.Placeholder, Name: ref.Name, Reason: fmt.Sprintf("cannot read field %q of a non-object value", field)}
		}
		current, ok = obj[field]
		if !ok {
			return "", &ResolutionError{Placeholder: ref.Placeholder, Name: ref.Name, Reason: fmt.Sprintf("unknown field %q", field)}
		}
	}
	return render(current)
}

func render(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimRight(buf.String(), "\n"), nil
}
