package backend

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sicko7947/talkflow"
)

// FileWriteBackend runs `file-write` steps. Every path is resolved inside
// root; paths that escape it are rejected.
type FileWriteBackend struct {
	root string
}

// NewFileWriteBackend creates the `file-write` backend rooted at root
func NewFileWriteBackend(root string) *FileWriteBackend {
	return &FileWriteBackend{root: root}
}

func (b *FileWriteBackend) Type() talkflow.StepType { return talkflow.StepFileWrite }
func (b *FileWriteBackend) Timeout() time.Duration  { return 10 * time.Second }

func (b *FileWriteBackend) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"path", "content"},
		"properties": map[string]any{
			"path":    map[string]any{"type": "string", "minLength": 1},
			"content": map[string]any{"type": "string"},
			"mode":    map[string]any{"type": "string", "enum": []any{"overwrite", "append"}},
		},
	}
}

func (b *FileWriteBackend) Execute(ctx *talkflow.StepContext, input map[string]any) (*Result, error) {
	fullPath, err := b.resolve(stringOf(input, "path"))
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create directory for '%s': %w", fullPath, err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_TRUNC
	if stringOf(input, "mode") == "append" {
		flags = os.O_CREATE | os.O_WRONLY | os.O_APPEND
	}

	f, err := os.OpenFile(fullPath, flags, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open file '%s': %w", fullPath, err)
	}
	content := stringOf(input, "content")
	n, err := f.WriteString(content)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, fmt.Errorf("failed to write file '%s': %w", fullPath, err)
	}

	ctx.Logger.Debug().
		Str("path", fullPath).
		Int("bytes_written", n).
		Msg("Wrote file")

	out, err := marshalOutput(map[string]any{
		"path":         fullPath,
		"bytesWritten": n,
	})
	if err != nil {
		return nil, err
	}
	return &Result{Output: out}, nil
}

func (b *FileWriteBackend) resolve(path string) (string, error) {
	root, err := filepath.Abs(b.root)
	if err != nil {
		return "", fmt.Errorf("invalid file-write root: %w", err)
	}

	var full string
	if filepath.IsAbs(path) {
		full = filepath.Clean(path)
	} else {
		full = filepath.Join(root, path)
	}

	rel, err := filepath.Rel(root, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path '%s' is outside the writable root", path)
	}
	return full, nil
}
