package coord

import (
	"bytes"
	"context"
	stderrors "errors"
	"os/exec"
	"strings"
	"time"
)

// CommandTestRunner runs a shell test command in the project directory. A
// non-zero exit is a test failure, not an error.
type CommandTestRunner struct {
	Command    string
	ProjectDir string
	Timeout    time.Duration
}

// NewCommandTestRunner creates a runner with a 10-minute default timeout.
func NewCommandTestRunner(command, projectDir string) *CommandTestRunner {
	return &CommandTestRunner{Command: command, ProjectDir: projectDir, Timeout: 10 * time.Minute}
}

// RunTests executes the command and returns combined output. Files are
// appended to the command to scope the run; a positive timeout overrides the
// runner's default.
func (r *CommandTestRunner) RunTests(ctx context.Context, files []string, timeout time.Duration) (bool, string, error) {
	if timeout <= 0 {
		timeout = r.Timeout
	}
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	command := r.Command
	if len(files) > 0 {
		command += " " + strings.Join(files, " ")
	}
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = r.ProjectDir

	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	if err != nil {
		var exitErr *exec.ExitError
		if stderrors.As(err, &exitErr) {
			return false, out.String(), nil
		}
		return false, out.String(), err
	}
	return true, out.String(), nil
}
