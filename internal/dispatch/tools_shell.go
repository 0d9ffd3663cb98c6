package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/cortexlabs/cortex-core/internal/infra"
)

// GracePeriod is how long a shell_exec process is given to exit
// gracefully after SIGTERM before it is SIGKILLed.
const GracePeriod = 2 * time.Second

// limitedWriter caps how many bytes of process output are retained.
type limitedWriter struct {
	buf   bytes.Buffer
	limit int
}

func newLimitedWriter(limit int) *limitedWriter {
	if limit <= 0 {
		limit = 64_000
	}
	return &limitedWriter{limit: limit}
}

func (w *limitedWriter) Write(p []byte) (int, error) {
	// Retain one byte past the limit so String() sees that output was cut
	// and backs off to a rune boundary at or below the limit.
	remaining := w.limit + 1 - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	w.buf.Write(p)
	return len(p), nil
}

// String returns the captured output, trimmed to a valid UTF-8 boundary
// in case Write's byte-exact cap split a multi-byte rune.
func (w *limitedWriter) String() string {
	return infra.TruncateBytes(w.buf.String(), w.limit)
}

// ShellExecTool implements "shell_exec": runs a command through /bin/sh
// rooted at the resolved working directory, enforcing a SIGTERM-then-
// SIGKILL-after-grace-period shutdown when the tool's deadline elapses.
type ShellExecTool struct {
	MaxOutputBytes int
	Grace          time.Duration
}

func (t *ShellExecTool) Name() string { return "shell_exec" }

func (t *ShellExecTool) Description() string {
	return "Run a shell command under /bin/sh rooted at the resolved working directory."
}

func (t *ShellExecTool) Schema() json.RawMessage {
	return schemaOf(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{"type": "string"},
			"cwd":     map[string]any{"type": "string"},
		},
		"required": []string{"command"},
	})
}

func (t *ShellExecTool) MaxDuration() time.Duration { return 60 * time.Second }

func (t *ShellExecTool) Execute(ctx context.Context, ws Workspace, args json.RawMessage) (Result, error) {
	var in struct {
		Command string `json:"command"`
		Cwd     string `json:"cwd"`
	}
	if err := json.Unmarshal(args, &in); err != nil {
		return Result{}, fmt.Errorf("decode arguments: %w", err)
	}
	if in.Command == "" {
		return Result{}, fmt.Errorf("command is required")
	}

	dir := "."
	if in.Cwd != "" {
		dir = in.Cwd
	}
	resolvedDir, err := ws.Resolve(dir)
	if err != nil {
		return Result{}, err
	}

	grace := t.Grace
	if grace <= 0 {
		grace = GracePeriod
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", in.Command)
	cmd.Dir = resolvedDir
	cmd.Env = os.Environ()

	stdout := newLimitedWriter(t.MaxOutputBytes)
	stderr := newLimitedWriter(t.MaxOutputBytes)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	// On context cancellation (timeout or caller abort), send SIGTERM
	// first; WaitDelay gives the process `grace` to exit cleanly before
	// the runtime escalates to SIGKILL.
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = grace

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	exitCode := 0
	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		// exited cleanly
	case errors.As(runErr, &exitErr):
		exitCode = exitErr.ExitCode()
	case ctx.Err() != nil:
		return Result{}, fmt.Errorf("command terminated: %w", ctx.Err())
	default:
		return Result{}, runErr
	}

	structured, _ := json.Marshal(map[string]any{
		"exit_code":   exitCode,
		"duration_ms": duration.Milliseconds(),
		"stderr":      stderr.String(),
	})

	output := stdout.String()
	if exitCode != 0 {
		output += stderr.String()
	}

	return Result{Output: output, Structured: structured}, nil
}
