package engine

import (
	"context"
	"os"
	"strings"

	"github.com/swarm-dev/swarm/internal/analysis"
	"github.com/swarm-dev/swarm/internal/errors"
	"github.com/swarm-dev/swarm/internal/flowtrace"
	"github.com/swarm-dev/swarm/internal/issues"
	"github.com/swarm-dev/swarm/internal/reviewer"
	"github.com/swarm-dev/swarm/internal/store"
	"github.com/swarm-dev/swarm/internal/util"
)

// investigator answers reviewer concerns with an agent call whose response
// feeds the next dialogue round.
func (e *Engine) investigator(kind string) reviewer.Investigator {
	return func(ctx context.Context, round int, res *reviewer.Result) (string, error) {
		var b strings.Builder
		b.WriteString("A " + kind + " raised the following concerns. Investigate each against the actual code and respond point by point: agree and describe the fix, or disagree with evidence.\n\n")
		for _, issue := range res.Issues {
			b.WriteString("- " + issue + "\n")
		}
		if res.Summary != "" {
			b.WriteString("\nReviewer summary: " + res.Summary + "\n")
		}
		return e.agent.Call(ctx, b.String())
	}
}

// stashReviewFeedback keeps the final review outcome for the next replan.
func (e *Engine) stashReviewFeedback(res *reviewer.Result) {
	var b strings.Builder
	b.WriteString("Verdict: " + string(res.Verdict) + "\n")
	if res.Summary != "" {
		b.WriteString(res.Summary + "\n")
	}
	for _, issue := range res.Issues {
		b.WriteString("- " + issue + "\n")
	}
	e.lastReviewFeedback = b.String()
}

// registerReviewIssues folds reviewer issues into the known-issue registry.
// Issues arrive rendered as "[<severity>] <description>".
func (e *Engine) registerReviewIssues(res *reviewer.Result, cycle int) {
	var entrants []*issues.KnownIssue
	for _, issue := range res.Issues {
		severity, desc := splitRenderedIssue(issue)
		entrants = append(entrants, &issues.KnownIssue{
			Description: desc,
			Severity:    severity,
			Source:      issues.SourceCodexReview,
			CycleFound:  cycle,
		})
	}
	if len(entrants) == 0 {
		return
	}
	added, err := e.registry.Add(entrants)
	if err != nil {
		e.logger.Error("register review issues", "error", err)
		return
	}
	if added > 0 {
		e.logger.Info("review issues recorded", "added", added)
	}
}

// splitRenderedIssue undoes the "[severity] description" rendering.
func splitRenderedIssue(issue string) (severity, desc string) {
	severity, desc = "unknown", issue
	if strings.HasPrefix(issue, "[") {
		if end := strings.Index(issue, "] "); end > 0 {
			severity = issue[1:end]
			desc = issue[end+2:]
		}
	}
	return severity, desc
}

// traceFlows derives end-to-end flows for the diff, traces them with bounded
// parallelism, and persists the per-cycle report.
func (e *Engine) traceFlows(ctx context.Context, diff string, changed []string, cycle int) (*flowtrace.Report, error) {
	derivation, err := e.agent.Call(ctx, e.flowDerivationPrompt(diff, changed))
	if err != nil {
		return nil, err
	}
	flows, err := flowtrace.DeriveFromJSON(derivation, changed, e.cfg.MaxFlows)
	if err != nil {
		return nil, err
	}
	if len(flows) == 0 {
		e.logger.Info("no flows touch the changed files")
		return flowtrace.BuildReport(cycle, nil, nil), nil
	}

	tracer := flowtrace.NewTracer(func(ctx context.Context, flow *flowtrace.Flow) ([]*flowtrace.Finding, error) {
		out, err := e.agent.Call(ctx, e.flowTracePrompt(flow, diff))
		if err != nil {
			return nil, err
		}
		return flowtrace.ParseFindings(out)
	}, e.cfg.MaxFlows, e.cfg.TracerConcurrency, e.logger)

	findings, err := tracer.Trace(ctx, flows)
	if err != nil {
		return nil, err
	}

	report := flowtrace.BuildReport(cycle, flows, findings)
	if err := report.Save(e.store.FlowReportPath(cycle)); err != nil {
		e.logger.Error("save flow report", "error", err)
	}
	e.logger.Info("flow tracing finished",
		"flows", len(flows), "findings", len(findings),
		"critical", report.Summary.Critical, "high", report.Summary.High)

	e.registerFlowFindings(findings, cycle)
	return report, nil
}

func (e *Engine) registerFlowFindings(findings []*flowtrace.Finding, cycle int) {
	var entrants []*issues.KnownIssue
	for _, f := range findings {
		entrants = append(entrants, &issues.KnownIssue{
			Description: f.Title + ": " + f.Description,
			Severity:    string(f.Severity),
			Source:      issues.SourceFlowTracing,
			FilePath:    f.FilePath,
			CycleFound:  cycle,
		})
	}
	if len(entrants) == 0 {
		return
	}
	if _, err := e.registry.Add(entrants); err != nil {
		e.logger.Error("register flow findings", "error", err)
	}
}

// runSemgrep scans the changed files; a missing binary downgrades to a
// warning, never a failure.
func (e *Engine) runSemgrep(ctx context.Context, run *cycleRun, changed []string, cycle int) {
	findings, err := e.semgrep.Run(ctx, changed)
	if err != nil {
		if errors.IsCode(err, errors.CodeToolNotFound) {
			e.logger.Warn("semgrep not installed, skipping static analysis")
		} else {
			e.logger.Warn("semgrep run failed", "error", err)
		}
		return
	}
	run.semgrepRan = true
	if len(findings) == 0 {
		return
	}
	added, err := e.registry.Add(analysis.ToKnownIssues(findings, cycle))
	if err != nil {
		e.logger.Error("register semgrep findings", "error", err)
		return
	}
	e.logger.Info("static analysis recorded", "findings", len(findings), "new", added)
}

// resolveAddressedIssues closes out registry entries whose scanner ran this
// cycle and no longer reports them. Sentinel findings have no recurring
// scanner, so they stay open until an operator addresses them.
func (e *Engine) resolveAddressedIssues(run *cycleRun, cycle int) {
	scanned := map[issues.Source]bool{
		issues.SourceCodexReview:       run.reviewRan,
		issues.SourceIncrementalReview: run.reviewRan,
		issues.SourceFlowTracing:       run.flowReport != nil,
		issues.SourceSemgrep:           run.semgrepRan,
	}

	unresolved, err := e.registry.Unresolved()
	if err != nil {
		e.logger.Error("load known issues", "error", err)
		return
	}
	var ids []string
	for _, issue := range unresolved {
		if scanned[issue.Source] && issue.LastSeenCycle < cycle {
			ids = append(ids, issue.ID)
		}
	}
	if len(ids) == 0 {
		return
	}
	if err := e.registry.MarkAddressed(ids, cycle); err != nil {
		e.logger.Error("mark issues addressed", "error", err)
		return
	}
	e.logger.Info("known issues addressed", "count", len(ids), "cycle", cycle)
}

// synthesizeFixTasks turns every critical or high flow finding into a
// security fix task for the next cycle.
func (e *Engine) synthesizeFixTasks(report *flowtrace.Report, cycle int) error {
	next, err := e.store.NextTaskNum()
	if err != nil {
		return err
	}
	created := 0
	for _, f := range report.Findings {
		if f.Severity != flowtrace.SeverityCritical && f.Severity != flowtrace.SeverityHigh {
			continue
		}
		risk := store.RiskMedium
		if f.Severity == flowtrace.SeverityCritical {
			risk = store.RiskHigh
		}
		desc := f.Description
		if f.FilePath != "" {
			desc += "\n\nLocation: " + f.FilePath
		}
		_, err := e.store.CreateTask(store.TaskDef{
			Subject:     "Fix: " + f.Title,
			Description: desc,
			Type:        store.TypeSecurity,
			Risk:        risk,
			Acceptance:  []string{"the finding is resolved"},
		}, store.TaskID(next+created), nil)
		if err != nil {
			return err
		}
		created++
	}
	if created > 0 {
		e.logger.Info("fix tasks synthesized from flow findings",
			"cycle", cycle, "tasks", created)
	}
	return nil
}

// extractConventions caches the codebase's conventions once so later worker
// prompts stay consistent with the existing style. Best-effort.
func (e *Engine) extractConventions(ctx context.Context) {
	if _, err := os.Stat(e.store.ConventionsPath()); err == nil {
		return
	}
	out, err := e.agent.Call(ctx, conventionsPrompt)
	if err != nil {
		e.logger.Warn("conventions extraction failed", "error", err)
		return
	}
	if strings.TrimSpace(out) == "" {
		return
	}
	if err := util.AtomicWriteFile(e.store.ConventionsPath(), []byte(out), 0o644); err != nil {
		e.logger.Warn("write conventions", "error", err)
	}
}
