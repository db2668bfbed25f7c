// Package agent invokes the LLM agent CLI for one-shot, non-interactive
// calls: planning, flow derivation, tracing subtasks, investigation.
// Prompt content is assembled by callers; this package only runs the tool.
package agent

import (
	"bytes"
	"context"
	stderrors "errors"
	"os/exec"
	"time"

	"github.com/swarm-dev/swarm/internal/errors"
)

// Caller executes one prompt and returns the agent's final text output.
type Caller interface {
	Call(ctx context.Context, prompt string) (string, error)
}

// CLICaller shells out to the agent CLI in print mode.
type CLICaller struct {
	Command    string
	ProjectDir string
	Timeout    time.Duration
	// ExtraArgs are appended after the built-in arguments, e.g. a model
	// selection.
	ExtraArgs []string
}

// NewCLICaller creates a CLICaller with a 10-minute default timeout.
func NewCLICaller(command, projectDir string) *CLICaller {
	return &CLICaller{Command: command, ProjectDir: projectDir, Timeout: 10 * time.Minute}
}

// Call runs the agent once with the prompt on stdin-free print mode.
func (c *CLICaller) Call(ctx context.Context, prompt string) (string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append([]string{"-p", prompt, "--output-format", "text"}, c.ExtraArgs...)
	cmd := exec.CommandContext(ctx, c.Command, args...)
	cmd.Dir = c.ProjectDir

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	if err := cmd.Run(); err != nil {
		if stderrors.Is(err, exec.ErrNotFound) {
			return "", errors.New(errors.CodeToolNotFound, "agent CLI not installed").
				WithFix("install " + c.Command + " or set agent_command in config")
		}
		if ctx.Err() == context.DeadlineExceeded {
			return stdout.String(), errors.Wrap(errors.CodeToolTimeout, "agent call timed out", err)
		}
		return stdout.String(), err
	}
	return stdout.String(), nil
}
