package reviewer

import (
	"bytes"
	"context"
	stderrors "errors"
	"os/exec"
	"time"
)

// Executor invokes the reviewer tool once and returns its stdout. Partial
// stdout must be returned even when the invocation fails, so the driver can
// classify the failure.
type Executor interface {
	Exec(ctx context.Context, prompt string) (string, error)
}

// notFoundError wraps exec.ErrNotFound for classification.
type notFoundError struct{ err error }

func (e *notFoundError) Error() string { return e.err.Error() }
func (e *notFoundError) Unwrap() error { return e.err }

// IsNotFound reports whether err means the tool binary is not installed.
func IsNotFound(err error) bool {
	var nf *notFoundError
	return stderrors.As(err, &nf) || stderrors.Is(err, exec.ErrNotFound)
}

// CLIExecutor shells out to the reviewer CLI:
//
//	<tool> exec --full-auto --sandbox read-only -C <project> <prompt>
//
// with a hard per-call timeout. The process is killed on timeout and the
// partial stdout is preserved.
type CLIExecutor struct {
	Tool       string
	ProjectDir string
	Timeout    time.Duration
}

// NewCLIExecutor creates a CLIExecutor with the default 5-minute timeout.
func NewCLIExecutor(tool, projectDir string) *CLIExecutor {
	return &CLIExecutor{Tool: tool, ProjectDir: projectDir, Timeout: 5 * time.Minute}
}

// Exec runs the tool once.
func (e *CLIExecutor) Exec(ctx context.Context, prompt string) (string, error) {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, e.Tool,
		"exec", "--full-auto", "--sandbox", "read-only", "-C", e.ProjectDir, prompt)

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = nil

	err := cmd.Run()
	out := stdout.String()
	if err != nil {
		if stderrors.Is(err, exec.ErrNotFound) {
			return out, &notFoundError{err: err}
		}
		return out, err
	}
	return out, nil
}
