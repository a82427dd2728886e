package backend

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sicko7947/talkflow"
	"github.com/sicko7947/talkflow/internal/shell"
)

// ShellBackend runs `shell-execution` steps inside the sandbox
type ShellBackend struct {
	exec *shell.Executor
}

// NewShellBackend creates the `shell-execution` backend
func NewShellBackend(exec *shell.Executor) *ShellBackend {
	return &ShellBackend{exec: exec}
}

func (b *ShellBackend) Type() talkflow.StepType { return talkflow.StepShellExecution }

// Timeout is slightly longer than the sandbox limit so the sandbox reports
// the timeout with its own message.
func (b *ShellBackend) Timeout() time.Duration {
	if b.exec.Timeout <= 0 {
		return 0
	}
	return b.exec.Timeout + time.Second
}

func (b *ShellBackend) Schema() map[string]any {
	return map[string]any{
		"type":     "object",
		"required": []any{"command"},
		"properties": map[string]any{
			"command": map[string]any{"type": "string", "minLength": 1},
			"args":    map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			"stdin":   map[string]any{"type": "string"},
		},
	}
}

func (b *ShellBackend) Execute(ctx *talkflow.StepContext, input map[string]any) (*Result, error) {
	res, err := b.exec.Run(ctx, shell.Command{
		Name:  stringOf(input, "command"),
		Args:  stringsOf(input, "args"),
		Stdin: stringOf(input, "stdin"),
	})
	if err != nil && !errors.Is(err, shell.ErrOutputTruncated) {
		return nil, err
	}
	if errors.Is(err, shell.ErrOutputTruncated) {
		ctx.Logger.Warn().Msg("Shell output truncated")
	}
	if res.Code != 0 {
		msg := strings.TrimSpace(res.Stderr)
		if msg == "" {
			msg = strings.TrimSpace(res.Stdout)
		}
		return nil, fmt.Errorf("command exited with code %d: %s", res.Code, msg)
	}
	return &Result{Output: strings.TrimRight(res.Stdout, "\n")}, nil
}
