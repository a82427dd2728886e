package builder

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/sicko7947/talkflow"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const summaryYAML = `
slug: daily-summary
name: Daily Summary
icon: doc.text
version: "1.2"
owner: ops-team
steps:
  - id: summarize
    type: generation
    timeout: 45s
    outputKey: summary
    config:
      prompt: "Summarize: {{TRANSCRIPT}}"
    retries: 2
  - id: copy
    type: clipboard
    config:
      text: "{{summary}}"
`

const notifyJSON = `{
  "slug": "notify-me",
  "name": "Notify Me",
  "steps": [
    {"id": "ping", "type": "notifications", "timeout": "5s", "config": {"title": "{{TITLE}}"}}
  ]
}`

func TestDecode_YAML(t *testing.T) {
	def, err := Decode([]byte(summaryYAML))
	require.NoError(t, err)

	assert.Equal(t, "daily-summary", def.Slug)
	assert.Equal(t, "1.2", def.Version)
	require.Len(t, def.Steps, 2)
	assert.Equal(t, 45*time.Second, def.Steps[0].Timeout)
	assert.Equal(t, "summary", def.Steps[0].ResolvedOutputKey())
	assert.Equal(t, "ops-team", def.Extra["owner"])
	assert.Equal(t, 2, def.Steps[0].Extra["retries"])
}

func TestDecode_JSON(t *testing.T) {
	def, err := Decode([]byte(notifyJSON))
	require.NoError(t, err)

	assert.Equal(t, "notify-me", def.Slug)
	assert.Equal(t, talkflow.StepNotifications, def.Steps[0].Type)
	assert.Equal(t, 5*time.Second, def.Steps[0].Timeout)
}

func TestDecode_Malformed(t *testing.T) {
	_, err := Decode([]byte("slug: [unterminated"))
	require.Error(t, err)
	assert.True(t, talkflow.IsConfigError(err))
}

func TestEncode_PreservesUnknownFields(t *testing.T) {
	def, err := Decode([]byte(summaryYAML))
	require.NoError(t, err)

	data, err := Encode(def)
	require.NoError(t, err)

	again, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, def, again)
}

func writeWorkflow(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600))
}

func TestCatalog_LoadDir(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "summary.yaml", summaryYAML)
	writeWorkflow(t, dir, "notify.json", notifyJSON)
	writeWorkflow(t, dir, "README.md", "# not a workflow")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "drafts"), 0o750))

	c := NewCatalog(zerolog.Nop())
	require.NoError(t, c.LoadDir(dir))

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "daily-summary", list[0].Slug)
	assert.Equal(t, "notify-me", list[1].Slug)

	def, err := c.Get("notify-me")
	require.NoError(t, err)
	assert.Equal(t, "Notify Me", def.Name)

	_, err = c.Get("missing")
	assert.True(t, errors.Is(err, talkflow.ErrWorkflowNotFound))
}

func TestCatalog_LoadDir_ExampleWorkflows(t *testing.T) {
	c := NewCatalog(zerolog.Nop())
	require.NoError(t, c.LoadDir(filepath.Join("..", "example", "workflows")))

	var slugs []string
	for _, def := range c.List() {
		slugs = append(slugs, def.Slug)
	}
	assert.Equal(t, []string{"daily-note", "morning-briefing", "remind-me"}, slugs)

	def, err := c.Get("daily-note")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, def.Steps[0].Timeout)
	assert.Equal(t, "summary", def.Steps[0].ResolvedOutputKey())
}

func TestCatalog_LoadDir_InvalidFile(t *testing.T) {
	dir := t.TempDir()
	writeWorkflow(t, dir, "bad.yaml", "slug: bad\nname: Bad\nsteps:\n  - id: x\n    type: teleport\n")

	c := NewCatalog(zerolog.Nop())
	err := c.LoadDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.yaml")
	assert.Empty(t, c.List())
}

func TestCatalog_Add_RejectsDuplicatesAndCycles(t *testing.T) {
	c := NewCatalog(zerolog.Nop())
	a := NewWorkflow("a", "A").ThenSubWorkflow("call", "b", nil).MustBuild()
	require.NoError(t, c.Add(a))

	dup := NewWorkflow("a", "Again").ThenStep("s", talkflow.StepGeneration).MustBuild()
	assert.Error(t, c.Add(dup))

	b := NewWorkflow("b", "B").ThenSubWorkflow("call", "a", nil).MustBuild()
	err := c.Add(b)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")

	_, err = c.Get("b")
	assert.ErrorIs(t, err, talkflow.ErrWorkflowNotFound)
}
