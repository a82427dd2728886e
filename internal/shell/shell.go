// Package shell runs external commands inside a small sandbox: a command
// blocklist, a wall-clock timeout, an output cap and a fixed working directory.
package shell

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
	"time"
)

// ErrOutputTruncated is returned alongside a result whose output hit MaxOutput
var ErrOutputTruncated = errors.New("output truncated")

// DefaultBlocklist holds commands that are never run from a workflow
var DefaultBlocklist = []string{"rm", "sudo", "su", "shutdown", "reboot", "mkfs", "dd", "diskutil"}

// Result is the outcome of one command
type Result struct {
	Stdout   string
	Stderr   string
	Code     int
	Duration time.Duration
}

// Command describes one invocation. With no Args, Name is run through the
// platform shell.
type Command struct {
	Name  string
	Args  []string
	Stdin string
	Env   []string
}

// Executor runs commands with the configured limits
type Executor struct {
	Timeout    time.Duration
	MaxOutput  int
	WorkingDir string
	Blocklist  []string
}

// NewExecutor returns an executor with the default blocklist
func NewExecutor(timeout time.Duration, maxOutput int, workingDir string) *Executor {
	return &Executor{
		Timeout:    timeout,
		MaxOutput:  maxOutput,
		WorkingDir: workingDir,
		Blocklist:  append([]string(nil), DefaultBlocklist...),
	}
}

// Run executes cmd. A non-zero exit code is reported in Result.Code, not as an
// error; errors are reserved for commands that could not run at all.
func (e *Executor) Run(ctx context.Context, cmd Command) (*Result, error) {
	if strings.TrimSpace(cmd.Name) == "" {
		return nil, errors.New("command is required")
	}
	if blocked := e.blockedWord(cmd); blocked != "" {
		return nil, fmt.Errorf("command blocked: %s", blocked)
	}

	if e.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.Timeout)
		defer cancel()
	}

	var command *exec.Cmd
	if len(cmd.Args) == 0 {
		name, args := shellCommand(cmd.Name)
		command = exec.CommandContext(ctx, name, args...)
	} else {
		command = exec.CommandContext(ctx, cmd.Name, cmd.Args...)
	}
	if e.WorkingDir != "" {
		command.Dir = e.WorkingDir
	}
	if len(cmd.Env) > 0 {
		command.Env = append(command.Environ(), cmd.Env...)
	}
	if cmd.Stdin != "" {
		command.Stdin = strings.NewReader(cmd.Stdin)
	}

	stdoutBuf := &limitedBuffer{limit: e.MaxOutput}
	stderrBuf := &limitedBuffer{limit: e.MaxOutput}
	command.Stdout = stdoutBuf
	command.Stderr = stderrBuf

	start := time.Now()
	err := command.Run()
	duration := time.Since(start)

	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("command timed out after %s: %w", e.Timeout, context.DeadlineExceeded)
	}

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			return nil, err
		}
	}

	result := &Result{
		Stdout:   stdoutBuf.String(),
		Stderr:   stderrBuf.String(),
		Code:     exitCode,
		Duration: duration,
	}
	if stdoutBuf.truncated || stderrBuf.truncated {
		return result, ErrOutputTruncated
	}
	return result, nil
}

func shellCommand(command string) (string, []string) {
	switch runtime.GOOS {
	case "windows":
		return "powershell", []string{"-NoProfile", "-NonInteractive", "-Command", command}
	default:
		return "sh", []string{"-c", command}
	}
}

// blockedWord returns the first blocked command name found in cmd. Shell
// strings are checked word by word at every pipeline or list boundary.
func (e *Executor) blockedWord(cmd Command) string {
	if len(e.Blocklist) == 0 {
		return ""
	}
	candidates := []string{cmd.Name}
	if len(cmd.Args) == 0 {
		candidates = commandHeads(cmd.Name)
	}
	for _, c := range candidates {
		if e.isBlocked(c) {
			return c
		}
	}
	return ""
}

func (e *Executor) isBlocked(cmd string) bool {
	base := filepath.Base(cmd)
	for _, blocked := range e.Blocklist {
		if strings.EqualFold(blocked, cmd) || strings.EqualFold(blocked, base) {
			return true
		}
	}
	return false
}

// commandHeads returns the first word of every segment of a shell line
func commandHeads(line string) []string {
	splitter := func(r rune) bool {
		return r == '|' || r == ';' || r == '&' || r == '\n' || r == '(' || r == ')' || r == '`'
	}
	var heads []string
	for _, segment := range strings.FieldsFunc(line, splitter) {
		fields := strings.Fields(segment)
		for len(fields) > 0 && strings.Contains(fields[0], "=") {
			fields = fields[1:]
		}
		if len(fields) > 0 {
			heads = append(heads, strings.Trim(fields[0], "$"))
		}
	}
	return heads
}

type limitedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (l *limitedBuffer) Write(p []byte) (int, error) {
	if l.limit <= 0 {
		return l.buf.Write(p)
	}
	remaining := l.limit - l.buf.Len()
	if remaining <= 0 {
		l.truncated = true
		return len(p), nil
	}
	if len(p) > remaining {
		l.truncated = true
		_, _ = l.buf.Write(p[:remaining])
		return len(p), nil
	}
	return l.buf.Write(p)
}

func (l *limitedBuffer) String() string {
	return l.buf.String()
}

var _ io.Writer = (*limitedBuffer)(nil)
