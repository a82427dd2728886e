package builder

import (
	"bytes"
	"fmt"
	"os"

	"github.com/sicko7947/talkflow"
	"gopkg.in/yaml.v3"
)

// Decode parses a YAML or JSON definition. JSON is read through the YAML
// decoder, so durations may be written as "30s" in both forms. Unknown keys
// land in Extra.
func Decode(data []byte) (*talkflow.WorkflowDefinition, error) {
	var def talkflow.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, talkflow.NewConfigError("", "", "malformed workflow definition", err)
	}
	if err := Validate(&def); err != nil {
		return nil, err
	}
	return &def, nil
}

// DecodeFile reads and decodes a definition file
func DecodeFile(path string) (*talkflow.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read workflow %s: %w", path, err)
	}
	def, err := Decode(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return def, nil
}

// Encode renders a definition as YAML, including preserved unknown keys
func Encode(def *talkflow.WorkflowDefinition) ([]byte, error) {
	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(def); err != nil {
		return nil, fmt.Errorf("failed to encode workflow %s: %w", def.Slug, err)
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
