package git

import (
	"bytes"
	"os/exec"
	"strings"
)

// CommandRunner executes shell commands. The interface exists so tests can
// substitute a fake.
type CommandRunner interface {
	// Run executes a command in workDir and returns the trimmed stdout.
	// On failure the error message carries stderr (or stdout) output.
	Run(workDir string, name string, args ...string) (string, error)
}

// ExecRunner is the default CommandRunner using exec.Command.
type ExecRunner struct{}

// NewExecRunner creates a new ExecRunner.
func NewExecRunner() *ExecRunner {
	return &ExecRunner{}
}

// Run executes the command.
func (r *ExecRunner) Run(workDir, name string, args ...string) (string, error) {
	cmd := exec.Command(name, args...)
	cmd.Dir = workDir

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = strings.TrimSpace(stdout.String())
		}
		if msg == "" {
			msg = err.Error()
		}
		return msg, &CommandError{
			Command: name,
			Args:    args,
			Output:  msg,
			Err:     err,
		}
	}
	return strings.TrimSpace(stdout.String()), nil
}

// CommandError represents a command execution failure.
type CommandError struct {
	Command string
	Args    []string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if e.Output != "" {
		return e.Output
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return "command failed"
}

func (e *CommandError) Unwrap() error {
	return e.Err
}
