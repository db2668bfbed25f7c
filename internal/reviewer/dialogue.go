package reviewer

import (
	"context"
	"strings"
)

// Investigator produces a response document for the reviewer's issues,
// fed back to the reviewer on the next round. In production this is an
// agent call; tests stub it.
type Investigator func(ctx context.Context, round int, result *Result) (string, error)

// PromptBuilder renders the review prompt for a round. response is empty on
// round 1 and carries the investigator's document afterwards.
type PromptBuilder func(round int, response string) string

// DialogueResult summarizes a multi-round review dialogue.
type DialogueResult struct {
	Final    *Result
	Rounds   int
	Approved bool
	// RecurringIssue is set when the same issue came back twice and the
	// dialogue should escalate to the user instead of looping.
	RecurringIssue string
}

// Dialogue runs a review conversation: review, investigate, review again,
// until APPROVE, a terminal driver outcome, a recurring disagreement, or
// maxRounds.
func (d *Driver) Dialogue(ctx context.Context, buildPrompt PromptBuilder, investigate Investigator, maxRounds int) (*DialogueResult, error) {
	if maxRounds < 1 {
		maxRounds = 5
	}

	seen := make(map[string]int)
	response := ""
	var res *Result

	for round := 1; round <= maxRounds; round++ {
		var err error
		res, err = d.Review(ctx, buildPrompt(round, response))
		if err != nil {
			return nil, err
		}

		out := &DialogueResult{Final: res, Rounds: round}
		switch res.Verdict {
		case VerdictApprove:
			out.Approved = true
			return out, nil
		case VerdictRateLimited, VerdictError:
			return out, nil
		}

		for _, issue := range res.Issues {
			key := issueKey(issue)
			seen[key]++
			if seen[key] >= 2 {
				out.RecurringIssue = issue
				return out, nil
			}
		}

		if round == maxRounds {
			return out, nil
		}

		if investigate == nil {
			return out, nil
		}
		response, err = investigate(ctx, round, res)
		if err != nil {
			return nil, err
		}
	}

	return &DialogueResult{Final: res, Rounds: maxRounds}, nil
}

// issueKey normalizes an issue to its first 80 chars, lowercased, so small
// rewordings of the same complaint still count as recurrence.
func issueKey(issue string) string {
	k := strings.ToLower(strings.TrimSpace(issue))
	if len(k) > 80 {
		k = k[:80]
	}
	return k
}
