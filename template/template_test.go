package template

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolve_TopLevelVariable(t *testing.T) {
	ctx := Context{"TRANSCRIPT": "Buy milk. Call Alice."}

	got, err := Resolve("Summarize: {{TRANSCRIPT}}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "Summarize: Buy milk. Call Alice.", got)

	got, err = Resolve("Summarize: {{ TRANSCRIPT }}", ctx)
	require.NoError(t, err)
	assert.Equal(t, "Summarize: Buy milk. Call Alice.", got)
}

func TestResolve_StepOutputAndField(t *testing.T) {
	ctx := Context{
		"summarize": "short summary",
		"intent":    `{"action":"remind","when":{"day":"monday"},"count":3,"tags":["a","b"]}`,
	}

	tests := []struct {
		in   string
		want string
	}{
		{"{{summarize}}", "short summary"},
		{"{{intent.action}}", "remind"},
		{"{{intent.when.day}}", "monday"},
		{"{{intent.count}}", "3"},
		{"{{intent.tags}}", `["a","b"]`},
		{"{{intent.when}}", `{"day":"monday"}`},
		{"{{summarize}} / {{intent.action}}", "short summary / remind"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Resolve(tt.in, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolve_DottedVariableName(t *testing.T) {
	got, err := Resolve("{{app.name}}", Context{"app.name": "Notes"})
	require.NoError(t, err)
	assert.Equal(t, "Notes", got)
}

func TestResolve_Errors(t *testing.T) {
	ctx := Context{
		"summarize": "plain text",
		"intent":    `{"action":"remind"}`,
	}

	tests := []struct {
		name   string
		in     string
		reason string
	}{
		{"unknown variable", "echo {{MISSING}}", `unknown variable "MISSING"`},
		{"field of non-json", "{{summarize.title}}", `value of "summarize" is not a JSON object`},
		{"unknown field", "{{intent.when}}", `unknown field "when"`},
		{"field of scalar", "{{intent.action.x}}", `cannot read field "x" of a non-object value`},
		{"malformed", "{{not valid}}", "malformed placeholder"},
		{"empty", "{{}}", "malformed placeholder"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Resolve(tt.in, ctx)
			require.Error(t, err)
			assert.Empty(t, got)

			var re *ResolutionError
			require.True(t, errors.As(err, &re))
			assert.Equal(t, tt.reason, re.Reason)
		})
	}
}

func TestResolve_Idempotent(t *testing.T) {
	ctx := Context{"TRANSCRIPT": "hello", "x": "y"}

	once, err := Resolve("say {{TRANSCRIPT}} and {{x}}", ctx)
	require.NoError(t, err)

	twice, err := Resolve(once, ctx)
	require.NoError(t, err)
	assert.Equal(t, once, twice)

	plain := "no placeholders { here }"
	got, err := Resolve(plain, Context{})
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestResolveConfig(t *testing.T) {
	ctx := Context{"TRANSCRIPT": "note", "DATE": "2026-01-01"}
	config := map[string]any{
		"prompt":  "Summarize: {{TRANSCRIPT}}",
		"options": map[string]any{"tag": "{{DATE}}", "temperature": 0.2},
		"list":    []any{"{{TRANSCRIPT}}", 1, true},
	}

	got, err := ResolveConfig("summarize", config, ctx)
	require.NoError(t, err)
	assert.Equal(t, "Summarize: note", got["prompt"])
	assert.Equal(t, map[string]any{"tag": "2026-01-01", "temperature": 0.2}, got["options"])
	assert.Equal(t, []any{"note", 1, true}, got["list"])

	// The declared configuration is never mutated.
	assert.Equal(t, "Summarize: {{TRANSCRIPT}}", config["prompt"])

	_, err = ResolveConfig("summarize", map[string]any{"prompt": "{{NOPE}}"}, ctx)
	var re *ResolutionError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "summarize", re.StepID)
	assert.Equal(t, "{{NOPE}}", re.Placeholder)
	assert.Contains(t, re.Error(), "in step summarize")

	empty, err := ResolveConfig("s", nil, ctx)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestPlaceholdersAndReferences(t *testing.T) {
	refs, err := Placeholders("{{a}} and {{ b.c.d }}")
	require.NoError(t, err)
	require.Len(t, refs, 2)
	assert.Equal(t, "a", refs[0].Root)
	assert.Empty(t, refs[0].Path)
	assert.Equal(t, "b", refs[1].Root)
	assert.Equal(t, []string{"c", "d"}, refs[1].Path)
	assert.Equal(t, "b.c.d", refs[1].Name)

	all, err := References(map[string]any{
		"x": "{{one}}",
		"y": []any{"{{two.f}}", 3},
	})
	require.NoError(t, err)
	roots := []string{}
	for _, r := range all {
		roots = append(roots, r.Root)
	}
	assert.ElementsMatch(t, []string{"one", "two"}, roots)

	assert.True(t, HasPlaceholders("x {{y}}"))
	assert.False(t, HasPlaceholders("x {y}"))
}
