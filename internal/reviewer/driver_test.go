package reviewer

import (
	"context"
	"fmt"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarm-dev/swarm/internal/errors"
)

const approveJSON = "```json\n{\"review_performed\": true, \"verdict\": \"APPROVE\", \"summary\": \"clean\", \"issues\": []}\n```"

// scriptExecutor replays one canned outcome per call.
type scriptExecutor struct {
	outputs []string
	errs    []error
	calls   int
}

func (s *scriptExecutor) Exec(ctx context.Context, prompt string) (string, error) {
	i := s.calls
	s.calls++
	if i >= len(s.outputs) {
		return "", fmt.Errorf("executor called %d times, only %d scripted", s.calls, len(s.outputs))
	}
	return s.outputs[i], s.errs[i]
}

func newDriver(exec Executor) *Driver {
	return NewDriver(exec, nil)
}

func TestReviewFirstAttemptSucceeds(t *testing.T) {
	ex := &scriptExecutor{outputs: []string{approveJSON}, errs: []error{nil}}
	res, err := newDriver(ex).Review(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, VerdictApprove, res.Verdict)
	assert.Equal(t, "clean", res.Summary)
	assert.Equal(t, 1, ex.calls)
}

func TestReviewRetryAfterExecFailureThenVerdict(t *testing.T) {
	ex := &scriptExecutor{
		outputs: []string{"", approveJSON},
		errs:    []error{fmt.Errorf("signal: killed"), nil},
	}
	res, err := newDriver(ex).Review(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, VerdictApprove, res.Verdict)
	assert.Equal(t, 2, ex.calls)
}

func TestReviewTwoExecFailuresMeansRateLimited(t *testing.T) {
	ex := &scriptExecutor{
		outputs: []string{"", ""},
		errs:    []error{fmt.Errorf("timeout"), fmt.Errorf("timeout")},
	}
	res, err := newDriver(ex).Review(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, VerdictRateLimited, res.Verdict)
	assert.Equal(t, 2, ex.calls)
}

func TestReviewEmptyStdoutIsExecFailure(t *testing.T) {
	// Exit zero with nothing on stdout classifies the same as a crash.
	ex := &scriptExecutor{outputs: []string{"", ""}, errs: []error{nil, nil}}
	res, err := newDriver(ex).Review(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, VerdictRateLimited, res.Verdict)
}

func TestReviewTwoUnparseableMeansError(t *testing.T) {
	ex := &scriptExecutor{
		outputs: []string{"I looked at the code, seems fine.", "still prose"},
		errs:    []error{nil, nil},
	}
	res, err := newDriver(ex).Review(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, VerdictError, res.Verdict)
	assert.Equal(t, "still prose", res.Raw)
}

func TestReviewMixedFailuresClassifyBySecond(t *testing.T) {
	// First attempt unparseable, second attempt dies: the second decides.
	ex := &scriptExecutor{
		outputs: []string{"prose", ""},
		errs:    []error{nil, fmt.Errorf("killed")},
	}
	res, err := newDriver(ex).Review(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, VerdictRateLimited, res.Verdict)
}

func TestReviewToolNotFoundNeverRetried(t *testing.T) {
	ex := &scriptExecutor{
		outputs: []string{""},
		errs:    []error{&notFoundError{err: exec.ErrNotFound}},
	}
	_, err := newDriver(ex).Review(context.Background(), "p")
	require.Error(t, err)
	assert.True(t, errors.IsCode(err, errors.CodeToolNotFound))
	assert.Equal(t, 1, ex.calls)
}

func TestReviewNonZeroExitWithParseableOutput(t *testing.T) {
	// Non-zero exit is tolerated when stdout still carries a verdict.
	ex := &scriptExecutor{
		outputs: []string{approveJSON},
		errs:    []error{fmt.Errorf("exit status 1")},
	}
	res, err := newDriver(ex).Review(context.Background(), "p")
	require.NoError(t, err)
	assert.Equal(t, VerdictApprove, res.Verdict)
}

func verdictJSON(verdict string, issues ...string) string {
	out := fmt.Sprintf("{\"review_performed\": true, \"verdict\": %q, \"summary\": \"s\", \"issues\": [", verdict)
	for i, issue := range issues {
		if i > 0 {
			out += ","
		}
		out += fmt.Sprintf("{\"severity\": \"major\", \"description\": %q}", issue)
	}
	return "```json\n" + out + "]}\n```"
}

func TestDialogueApprovesFirstRound(t *testing.T) {
	ex := &scriptExecutor{outputs: []string{approveJSON}, errs: []error{nil}}
	out, err := newDriver(ex).Dialogue(context.Background(),
		func(round int, response string) string { return "prompt" },
		nil, 5)
	require.NoError(t, err)
	assert.True(t, out.Approved)
	assert.Equal(t, 1, out.Rounds)
}

func TestDialogueFeedsInvestigatorResponse(t *testing.T) {
	ex := &scriptExecutor{
		outputs: []string{verdictJSON("NEEDS_FIXES", "missing input validation"), approveJSON},
		errs:    []error{nil, nil},
	}
	var prompts []string
	var investigated *Result
	out, err := newDriver(ex).Dialogue(context.Background(),
		func(round int, response string) string {
			p := fmt.Sprintf("round %d response %q", round, response)
			prompts = append(prompts, p)
			return p
		},
		func(ctx context.Context, round int, result *Result) (string, error) {
			investigated = result
			return "we added validation in handler.go", nil
		}, 5)
	require.NoError(t, err)
	assert.True(t, out.Approved)
	assert.Equal(t, 2, out.Rounds)
	require.NotNil(t, investigated)
	assert.Equal(t, VerdictNeedsFixes, investigated.Verdict)
	require.Len(t, prompts, 2)
	assert.Contains(t, prompts[0], `response ""`)
	assert.Contains(t, prompts[1], "we added validation in handler.go")
}

func TestDialogueRecurringIssueStopsEarly(t *testing.T) {
	same := verdictJSON("NEEDS_FIXES", "SQL injection in user filter")
	ex := &scriptExecutor{outputs: []string{same, same, same}, errs: []error{nil, nil, nil}}
	out, err := newDriver(ex).Dialogue(context.Background(),
		func(round int, response string) string { return "p" },
		func(ctx context.Context, round int, result *Result) (string, error) { return "resp", nil },
		5)
	require.NoError(t, err)
	assert.False(t, out.Approved)
	assert.Equal(t, 2, out.Rounds)
	assert.Contains(t, out.RecurringIssue, "SQL injection")
	assert.Equal(t, 2, ex.calls)
}

func TestDialogueRecurrenceIgnoresRewording(t *testing.T) {
	// Same first 80 chars, different tails, counts as the same issue.
	long := "the pagination cursor is not validated before being decoded which allows arbitrary offsets"
	ex := &scriptExecutor{
		outputs: []string{verdictJSON("NEEDS_FIXES", long+" (v1)"), verdictJSON("NEEDS_FIXES", long+" (v2)")},
		errs:    []error{nil, nil},
	}
	out, err := newDriver(ex).Dialogue(context.Background(),
		func(round int, response string) string { return "p" },
		func(ctx context.Context, round int, result *Result) (string, error) { return "resp", nil },
		5)
	require.NoError(t, err)
	assert.NotEmpty(t, out.RecurringIssue)
}

func TestDialogueMaxRounds(t *testing.T) {
	ex := &scriptExecutor{
		outputs: []string{verdictJSON("NEEDS_FIXES", "a"), verdictJSON("NEEDS_FIXES", "b")},
		errs:    []error{nil, nil},
	}
	out, err := newDriver(ex).Dialogue(context.Background(),
		func(round int, response string) string { return "p" },
		func(ctx context.Context, round int, result *Result) (string, error) { return "resp", nil },
		2)
	require.NoError(t, err)
	assert.False(t, out.Approved)
	assert.Equal(t, 2, out.Rounds)
	assert.Empty(t, out.RecurringIssue)
}

func TestDialogueRateLimitedPropagates(t *testing.T) {
	ex := &scriptExecutor{
		outputs: []string{"", "", "", ""},
		errs:    []error{fmt.Errorf("x"), fmt.Errorf("x"), fmt.Errorf("x"), fmt.Errorf("x")},
	}
	out, err := newDriver(ex).Dialogue(context.Background(),
		func(round int, response string) string { return "p" }, nil, 5)
	require.NoError(t, err)
	assert.Equal(t, VerdictRateLimited, out.Final.Verdict)
	assert.Equal(t, 1, out.Rounds)
	assert.Equal(t, 2, ex.calls)
}
