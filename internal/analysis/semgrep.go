// Package analysis runs the static-analysis CLI over changed files and
// converts its results into known-issue entrants.
package analysis

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os/exec"
	"strings"

	"github.com/swarm-dev/swarm/internal/errors"
	"github.com/swarm-dev/swarm/internal/issues"
	"github.com/tidwall/gjson"
)

// Finding is one static-analysis result.
type Finding struct {
	CheckID   string
	Path      string
	StartLine int
	EndLine   int
	Message   string
	Severity  string
}

// Runner invokes semgrep.
type Runner struct {
	Command    string
	Config     string
	ProjectDir string
}

// NewRunner creates a semgrep runner.
func NewRunner(command, config, projectDir string) *Runner {
	if command == "" {
		command = "semgrep"
	}
	if config == "" {
		config = "auto"
	}
	return &Runner{Command: command, Config: config, ProjectDir: projectDir}
}

// Run scans the given files. A missing binary returns a TOOL_NOT_FOUND
// error the caller downgrades to a warning. semgrep exits 1 when it finds
// results, so exit 1 with non-empty stdout is success.
func (r *Runner) Run(ctx context.Context, files []string) ([]*Finding, error) {
	if len(files) == 0 {
		return nil, nil
	}

	args := append([]string{"--json", "--config=" + r.Config}, files...)
	cmd := exec.CommandContext(ctx, r.Command, args...)
	cmd.Dir = r.ProjectDir

	var stdout bytes.Buffer
	cmd.Stdout = &stdout

	err := cmd.Run()
	out := stdout.String()
	if err != nil {
		if stderrors.Is(err, exec.ErrNotFound) {
			return nil, errors.New(errors.CodeToolNotFound, "semgrep not installed").
				WithFix("install semgrep or ignore; static analysis is optional")
		}
		var exitErr *exec.ExitError
		if !(stderrors.As(err, &exitErr) && exitErr.ExitCode() == 1 && strings.TrimSpace(out) != "") {
			return nil, fmt.Errorf("semgrep failed: %w", err)
		}
	}
	return Parse(out)
}

// Parse extracts findings from semgrep's JSON output.
func Parse(output string) ([]*Finding, error) {
	doc := gjson.Parse(output)
	results := doc.Get("results")
	if !results.Exists() {
		return nil, fmt.Errorf("semgrep output missing results array")
	}
	var out []*Finding
	results.ForEach(func(_, v gjson.Result) bool {
		out = append(out, &Finding{
			CheckID:   v.Get("check_id").String(),
			Path:      v.Get("path").String(),
			StartLine: int(v.Get("start.line").Int()),
			EndLine:   int(v.Get("end.line").Int()),
			Message:   v.Get("extra.message").String(),
			Severity:  v.Get("extra.severity").String(),
		})
		return true
	})
	return out, nil
}

// ToKnownIssues converts findings into registry entrants for a cycle.
func ToKnownIssues(findings []*Finding, cycle int) []*issues.KnownIssue {
	var out []*issues.KnownIssue
	for _, f := range findings {
		out = append(out, &issues.KnownIssue{
			Description: fmt.Sprintf("%s: %s", f.CheckID, f.Message),
			Severity:    mapSeverity(f.Severity),
			Source:      issues.SourceSemgrep,
			FilePath:    f.Path,
			CycleFound:  cycle,
		})
	}
	return out
}

// mapSeverity converts semgrep's ERROR/WARNING/INFO scale.
func mapSeverity(s string) string {
	switch strings.ToUpper(s) {
	case "ERROR":
		return "high"
	case "WARNING":
		return "medium"
	default:
		return "low"
	}
}
