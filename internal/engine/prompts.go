package engine

import (
	"fmt"
	"strings"

	"github.com/swarm-dev/swarm/internal/flowtrace"
	"github.com/swarm-dev/swarm/internal/reviewer"
	"github.com/swarm-dev/swarm/internal/store"
	"github.com/swarm-dev/swarm/internal/util"
)

// diffPromptLimit bounds how much diff text is embedded in a review prompt.
const diffPromptLimit = 120_000

const verdictInstructions = `Respond with a fenced JSON block:
{"review_performed": true, "verdict": "APPROVE|NEEDS_DISCUSSION|MAJOR_CONCERNS|NEEDS_FIXES|MAJOR_PROBLEMS",
 "summary": "...", "issues": [{"severity": "minor|major|critical", "description": "...", "file": "..."}]}`

// planReviewPrompt builds the per-round plan review prompt. The previous
// round's investigation response is appended when present.
func (e *Engine) planReviewPrompt(st *store.RunState, planText string) reviewer.PromptBuilder {
	return func(round int, response string) string {
		var b strings.Builder
		b.WriteString("Review this implementation plan for completeness, task independence, and risk.\n")
		b.WriteString("No two concurrent tasks may modify the same file; flag any overlap.\n")
		b.WriteString(verdictInstructions + "\n\n")
		fmt.Fprintf(&b, "## Feature\n%s\n\n## Plan\n%s\n", st.Feature, planText)
		if response != "" {
			fmt.Fprintf(&b, "\n## Response to your previous concerns (round %d)\n%s\n", round-1, response)
		}
		return b.String()
	}
}

// codeReviewPrompt builds the per-round code review prompt over the diff
// from the base commit.
func (e *Engine) codeReviewPrompt(st *store.RunState, diff string, changed []string) reviewer.PromptBuilder {
	return func(round int, response string) string {
		var b strings.Builder
		b.WriteString("Review this change set for correctness, security, and consistency with the rest of the codebase.\n")
		b.WriteString(verdictInstructions + "\n\n")
		fmt.Fprintf(&b, "## Feature\n%s\n\n## Changed files\n%s\n\n## Diff\n%s\n",
			st.Feature, strings.Join(changed, "\n"), util.Tail(diff, diffPromptLimit))
		if response != "" {
			fmt.Fprintf(&b, "\n## Response to your previous concerns (round %d)\n%s\n", round-1, response)
		}
		return b.String()
	}
}

// flowDerivationPrompt asks the agent to enumerate the end-to-end flows the
// diff participates in.
func (e *Engine) flowDerivationPrompt(diff string, changed []string) string {
	var b strings.Builder
	b.WriteString("Identify the end-to-end user and system flows that pass through the changed files below.\n")
	b.WriteString(`Respond with a fenced JSON block: {"flows": [{"id", "name", "description", "entry_points", "actors", "edge_cases"}]} where entry_points are file path globs.` + "\n\n")
	fmt.Fprintf(&b, "## Changed files\n%s\n\n## Diff\n%s\n",
		strings.Join(changed, "\n"), util.Tail(diff, diffPromptLimit))
	return b.String()
}

// flowTracePrompt asks the agent to walk one flow end to end, read-only.
func (e *Engine) flowTracePrompt(flow *flowtrace.Flow, diff string) string {
	var b strings.Builder
	b.WriteString("Trace the following flow end to end through the current code. Read-only: do not modify any file.\n")
	b.WriteString("Check every actor's path and every edge case; report anything broken, insecure, or inconsistent.\n")
	b.WriteString(`Respond with a fenced JSON block: {"findings": [{"severity": "critical|high|medium|low", "actor", "title", "description", "file", "line", "cross_boundary", "edge_case"}]}` + "\n\n")
	fmt.Fprintf(&b, "## Flow: %s\n%s\n", flow.Name, flow.Description)
	if len(flow.EntryPoints) > 0 {
		fmt.Fprintf(&b, "Entry points: %s\n", strings.Join(flow.EntryPoints, ", "))
	}
	if len(flow.Actors) > 0 {
		fmt.Fprintf(&b, "Actors: %s\n", strings.Join(flow.Actors, ", "))
	}
	if len(flow.EdgeCases) > 0 {
		fmt.Fprintf(&b, "Edge cases: %s\n", strings.Join(flow.EdgeCases, ", "))
	}
	fmt.Fprintf(&b, "\n## Recent diff for context\n%s\n", util.Tail(diff, diffPromptLimit))
	return b.String()
}

// conventionsPrompt extracts the codebase's conventions once per run.
const conventionsPrompt = `Survey this codebase and summarize its conventions as JSON:
{"naming": "...", "error_handling": "...", "testing": "...", "structure": "...", "notable_libraries": ["..."]}
Keep each value to a few sentences. Respond with only the JSON object.`
