package supervisor

import (
	"fmt"
	"strings"
)

// WorkerContext is the shared context injected into every worker prompt.
type WorkerContext struct {
	Feature      string
	QATranscript string
	Conventions  string
	ProjectRules string
	ThreatModel  string
}

func buildPrompt(kind WorkerKind, sessionID, coordAddr string, wctx *WorkerContext) string {
	if wctx == nil {
		wctx = &WorkerContext{}
	}
	var b strings.Builder
	if kind == KindSentinel {
		writeSentinelHeader(&b)
	} else {
		writeExecutionHeader(&b)
	}

	fmt.Fprintf(&b, "\nYour session id is %s. The coordination API is at http://%s/api/v1.\n", sessionID, coordAddr)
	b.WriteString("Send the X-Swarm-Session header with your session id on every request.\n")
	writeAPIReference(&b, kind)

	fmt.Fprintf(&b, "\n## Feature\n%s\n", wctx.Feature)
	if wctx.QATranscript != "" {
		fmt.Fprintf(&b, "\n## Q&A transcript\n%s\n", wctx.QATranscript)
	}
	if wctx.Conventions != "" {
		fmt.Fprintf(&b, "\n## Codebase conventions\n%s\n", wctx.Conventions)
	}
	if wctx.ProjectRules != "" {
		fmt.Fprintf(&b, "\n## Project rules\n%s\n", wctx.ProjectRules)
	}
	if wctx.ThreatModel != "" {
		fmt.Fprintf(&b, "\n## Threat model\n%s\n", wctx.ThreatModel)
	}
	return b.String()
}

func writeExecutionHeader(b *strings.Builder) {
	b.WriteString("You are one of several concurrent implementation workers on a shared task board.\n")
	b.WriteString("Loop: list pending tasks, claim one, implement it, run the tests, complete it with a result summary and the files you changed, then claim the next.\n")
	b.WriteString("Register any shared interface you introduce as a contract before using it, and record non-trivial architectural choices as decisions.\n")
	b.WriteString("Poll read_updates between tasks; on a wind_down broadcast, finish your current atomic unit, commit, and exit.\n")
	b.WriteString("Exit when no claimable tasks remain.\n")
}

func writeSentinelHeader(b *strings.Builder) {
	b.WriteString("You are a read-only security sentinel. Do not modify any file.\n")
	b.WriteString("Loop: list completed tasks, read the code they changed, and broadcast any security finding as a post_update message with type \"status\" naming the file and the problem.\n")
	b.WriteString("Poll read_updates between scans; exit immediately when you observe a wind_down broadcast.\n")
}

func writeAPIReference(b *strings.Builder, kind WorkerKind) {
	b.WriteString("\n## Coordination API\n")
	b.WriteString("- GET /tasks?status=pending — list tasks\n")
	b.WriteString("- GET /updates?since=<rfc3339> — read messages addressed to you or broadcast\n")
	b.WriteString("- POST /updates {to, type, content, metadata} — post a message\n")
	if kind == KindSentinel {
		return
	}
	b.WriteString("- POST /tasks/<id>/claim — claim a pending task; the response carries completed dependencies, in-progress siblings, contracts, and decisions\n")
	b.WriteString("- POST /tasks/<id>/complete {result_summary, files_changed}\n")
	b.WriteString("- GET /sessions/<id> — another worker's status\n")
	b.WriteString("- POST /contracts {id, contract_type, specification}\n")
	b.WriteString("- GET /contracts?type=&id=\n")
	b.WriteString("- POST /decisions {task_id, category, decision, rationale}\n")
	b.WriteString("- GET /decisions?category=\n")
	b.WriteString("- POST /tests/run {files?, timeout_seconds?} — run the project test suite, optionally scoped to files; returns passed and the output tail\n")
}
