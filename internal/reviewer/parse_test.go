package reviewer

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVerdictFencedBlock(t *testing.T) {
	stdout := "Some preamble from the tool.\n\n```json\n" +
		`{"review_performed": true, "verdict": "needs_fixes", "summary": "two problems", "issues": [` +
		`{"severity": "CRITICAL", "description": "token logged in plaintext", "file": "auth.go"},` +
		`{"severity": "weird", "description": "naming"}]}` +
		"\n```\nTrailing chatter.\n"

	res, err := ParseVerdict(stdout)
	require.NoError(t, err)
	assert.Equal(t, VerdictNeedsFixes, res.Verdict)
	assert.Equal(t, "two problems", res.Summary)
	require.Len(t, res.Issues, 2)
	assert.Equal(t, "[critical] token logged in plaintext", res.Issues[0])
	// Severity outside the alphabet maps to unknown.
	assert.Equal(t, "[unknown] naming", res.Issues[1])
}

func TestParseVerdictBareJSON(t *testing.T) {
	stdout := `thinking... {"review_performed": true, "verdict": "APPROVE", "summary": "ok"} done`
	res, err := ParseVerdict(stdout)
	require.NoError(t, err)
	assert.Equal(t, VerdictApprove, res.Verdict)
}

func TestParseVerdictRepairsSloppyJSON(t *testing.T) {
	// Trailing comma, as LLMs love to emit.
	stdout := `{"review_performed": true, "verdict": "MAJOR_CONCERNS", "summary": "hm",}`
	res, err := ParseVerdict(stdout)
	require.NoError(t, err)
	assert.Equal(t, VerdictMajorConcerns, res.Verdict)
}

func TestParseVerdictSkipsUnrelatedObjects(t *testing.T) {
	stdout := `{"tool_call": "read_file"} and then {"review_performed": true, "verdict": "APPROVE"}`
	res, err := ParseVerdict(stdout)
	require.NoError(t, err)
	assert.Equal(t, VerdictApprove, res.Verdict)
}

func TestParseVerdictErrors(t *testing.T) {
	tests := []struct {
		name   string
		stdout string
	}{
		{"no json at all", "I reviewed the plan and it looks reasonable."},
		{"review not performed", `{"review_performed": false, "verdict": "APPROVE"}`},
		{"unknown verdict", `{"review_performed": true, "verdict": "LGTM"}`},
		{"missing verdict", `{"review_performed": true}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseVerdict(tt.stdout)
			assert.Error(t, err)
		})
	}
}

func TestParseVerdictIgnoresBracesInStrings(t *testing.T) {
	stdout := `{"review_performed": true, "verdict": "APPROVE", "summary": "handles {braces} fine"}`
	res, err := ParseVerdict(stdout)
	require.NoError(t, err)
	assert.Equal(t, "handles {braces} fine", res.Summary)
}

func TestParseVerdictCaseInsensitive(t *testing.T) {
	stdout := `{"review_performed": true, "verdict": "  approve  "}`
	res, err := ParseVerdict(stdout)
	require.NoError(t, err)
	assert.Equal(t, VerdictApprove, res.Verdict)
}

func TestParseVerdictSkipsIssuesWithoutDescription(t *testing.T) {
	stdout := `{"review_performed": true, "verdict": "NEEDS_DISCUSSION", "issues": [{"severity": "minor"}, {"severity": "minor", "description": "real"}]}`
	res, err := ParseVerdict(stdout)
	require.NoError(t, err)
	require.Len(t, res.Issues, 1)
	assert.Equal(t, "[minor] real", res.Issues[0])
}
