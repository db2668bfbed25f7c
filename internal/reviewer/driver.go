// Package reviewer drives the external reviewer tool: invocation with a
// hard timeout, verdict parsing, and the two-attempt retry classification
// that separates rate limiting from malformed output.
package reviewer

import (
	"context"
	"log/slog"

	"github.com/swarm-dev/swarm/internal/errors"
)

// Verdict is the reviewer's structured decision, plus the internal outcomes
// this driver produces.
type Verdict string

const (
	VerdictApprove         Verdict = "APPROVE"
	VerdictNeedsDiscussion Verdict = "NEEDS_DISCUSSION"
	VerdictMajorConcerns   Verdict = "MAJOR_CONCERNS"
	VerdictNeedsFixes      Verdict = "NEEDS_FIXES"
	VerdictMajorProblems   Verdict = "MAJOR_PROBLEMS"

	// VerdictNoVerdict means the tool ran but produced unparseable output.
	VerdictNoVerdict Verdict = "NO_VERDICT"
	// VerdictRateLimited means the tool stopped responding persistently.
	VerdictRateLimited Verdict = "RATE_LIMITED"
	// VerdictError means two attempts both produced unparseable output.
	VerdictError Verdict = "ERROR"
)

// IsReal reports whether v came from the reviewer rather than from failure
// classification.
func (v Verdict) IsReal() bool {
	switch v {
	case VerdictApprove, VerdictNeedsDiscussion, VerdictMajorConcerns,
		VerdictNeedsFixes, VerdictMajorProblems:
		return true
	}
	return false
}

// Result is one logical review outcome.
type Result struct {
	Verdict Verdict
	Summary string
	// Issues are rendered as "[<severity>] <description>".
	Issues []string
	// Raw is the tool stdout of the attempt that produced the verdict,
	// kept for logs and escalation records.
	Raw string
}

// Driver runs logical reviews against an Executor.
type Driver struct {
	exec   Executor
	logger *slog.Logger
}

// NewDriver creates a Driver.
func NewDriver(exec Executor, logger *slog.Logger) *Driver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{exec: exec, logger: logger}
}

// Review performs one logical review: up to two serialized attempts, with
// the second attempt's failure mode deciding the outcome.
//
//   - Either attempt parses to a real verdict: returned immediately.
//   - Tool not installed: TOOL_NOT_FOUND error, never retried.
//   - Second attempt fails by execution (timeout, crash, empty output):
//     RATE_LIMITED — the tool stopped responding persistently.
//   - Second attempt produces output that does not parse: ERROR.
func (d *Driver) Review(ctx context.Context, prompt string) (*Result, error) {
	var last *attempt
	for i := 1; i <= 2; i++ {
		a := d.attempt(ctx, prompt)
		if a.notFound {
			return nil, errors.New(errors.CodeToolNotFound, "reviewer tool not installed").
				WithFix("install the reviewer CLI or pass --skip-codex")
		}
		if a.result != nil && a.result.Verdict.IsReal() {
			return a.result, nil
		}
		d.logger.Warn("review attempt failed",
			"attempt", i,
			"exec_failure", a.execFailure,
			"error", a.err)
		last = a
	}

	if last.execFailure {
		return &Result{Verdict: VerdictRateLimited, Raw: last.partial}, nil
	}
	return &Result{Verdict: VerdictError, Raw: last.partial}, nil
}

// attempt is the outcome of a single tool invocation.
type attempt struct {
	result      *Result
	execFailure bool
	notFound    bool
	partial     string
	err         error
}

func (d *Driver) attempt(ctx context.Context, prompt string) *attempt {
	stdout, err := d.exec.Exec(ctx, prompt)
	if err != nil {
		if IsNotFound(err) {
			return &attempt{notFound: true, err: err}
		}
		// Non-zero exit is permitted when stdout is non-empty; fall
		// through and try to parse what we got.
		if stdout == "" {
			return &attempt{execFailure: true, err: err}
		}
	}
	if stdout == "" {
		// Ran, exited zero, said nothing. Treated as an execution
		// failure, matching the rate-limit classification.
		return &attempt{execFailure: true}
	}

	res, perr := ParseVerdict(stdout)
	if perr != nil {
		return &attempt{
			result:  &Result{Verdict: VerdictNoVerdict, Raw: stdout},
			partial: stdout,
			err:     perr,
		}
	}
	return &attempt{result: res}
}
