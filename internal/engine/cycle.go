package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/swarm-dev/swarm/internal/errors"
	"github.com/swarm-dev/swarm/internal/flowtrace"
	"github.com/swarm-dev/swarm/internal/planner"
	"github.com/swarm-dev/swarm/internal/reviewer"
	"github.com/swarm-dev/swarm/internal/store"
	"github.com/swarm-dev/swarm/internal/supervisor"
	"github.com/swarm-dev/swarm/internal/util"
	"golang.org/x/sync/errgroup"
)

// cycleRun carries the intermediates of one cycle.
type cycleRun struct {
	startedAt   time.Time
	planVersion int

	planApproved bool
	planRounds   int
	codeApproved bool
	codeRounds   int
	reviewRan    bool
	semgrepRan   bool

	userPause bool
	budgetHit bool

	recurringIssue string
	flowReport     *flowtrace.Report
}

// runCycle executes one plan/execute/review/checkpoint iteration and returns
// the checkpoint decision.
func (e *Engine) runCycle(ctx context.Context, st *store.RunState, coordAddr string) (NextAction, string, error) {
	run := &cycleRun{startedAt: time.Now().UTC()}
	cycle := st.CurrentCycle
	e.logger.Info("cycle starting", "cycle", cycle, "max_cycles", st.MaxCycles)

	pending, err := e.store.ListTasks(store.TaskPending)
	if err != nil {
		return "", "", err
	}
	inProgress, err := e.store.ListTasks(store.TaskInProgress)
	if err != nil {
		return "", "", err
	}

	// Resume semantics: work already on the board means planning is skipped
	// and the plan version comes from the last cycle record.
	if len(pending)+len(inProgress) == 0 {
		action, reason, err := e.planPhase(ctx, st, run)
		if err != nil || action != "" {
			return action, reason, err
		}
		pending, err = e.store.ListTasks(store.TaskPending)
		if err != nil {
			return "", "", err
		}
	} else {
		run.planVersion = lastPlanVersion(st)
		e.logger.Info("resuming with work on the board, skipping planning",
			"pending", len(pending), "in_progress", len(inProgress),
			"plan_version", run.planVersion)
	}

	if e.cfg.DryRun {
		e.logger.Info("dry run: stopping before execution",
			"tasks", len(pending), "plan_version", run.planVersion)
		return ActionComplete, ReasonAllDone, nil
	}

	if err := e.executePhase(ctx, st, coordAddr, run, len(pending)); err != nil {
		return "", "", err
	}
	if err := e.reviewPhase(ctx, st, run, cycle); err != nil {
		return "", "", err
	}
	return e.checkpointPhase(ctx, st, run, cycle)
}

// planPhase invokes the planner, optionally runs the plan-review dialogue,
// and materializes tasks. A non-empty action short-circuits the cycle.
func (e *Engine) planPhase(ctx context.Context, st *store.RunState, run *cycleRun) (NextAction, string, error) {
	if err := e.setStatus(store.RunPlanning); err != nil {
		return "", "", err
	}
	run.planVersion = lastPlanVersion(st) + 1

	req, err := e.buildPlanRequest(st, run.planVersion)
	if err != nil {
		return "", "", err
	}

	breakdown, planText, err := e.planner.Plan(ctx, req)
	if planText != "" {
		if werr := util.AtomicWriteFile(e.store.PlanPath(run.planVersion), []byte(planText), 0o644); werr != nil {
			e.logger.Warn("persist plan text", "error", werr)
		}
	}
	if err != nil {
		if errors.IsCode(err, errors.CodeNoTaskBlock) {
			// Fatal for this cycle; raise to the operator rather than loop.
			e.logger.Error("planner produced no task block", "error", err)
			return ActionEscalate, "planner produced no usable task breakdown", nil
		}
		return "", "", err
	}

	if !e.cfg.SkipReview {
		dialogue, err := e.reviews.Dialogue(ctx,
			e.planReviewPrompt(st, planText),
			e.investigator("plan review"),
			e.cfg.MaxReviewRounds)
		if err != nil {
			if errors.IsCode(err, errors.CodeToolNotFound) {
				e.logger.Warn("reviewer tool not installed, skipping plan review")
			} else {
				return "", "", err
			}
		} else {
			run.planApproved = dialogue.Approved
			run.planRounds = dialogue.Rounds
			e.recordReviewMetrics(dialogue.Final.Verdict, true)
			if dialogue.Final.Verdict == reviewer.VerdictRateLimited {
				return ActionPause, ReasonRateLimited, nil
			}
			e.logger.Info("plan review finished",
				"verdict", dialogue.Final.Verdict, "rounds", dialogue.Rounds)
		}
	}

	created, err := e.planner.Materialize(e.store, breakdown)
	if err != nil {
		return "", "", err
	}
	e.logger.Info("plan materialized",
		"version", run.planVersion, "tasks", len(created))
	return "", "", nil
}

// executePhase spawns workers against the coordination service and monitors
// the board until it drains or an interrupt breaks the cycle.
func (e *Engine) executePhase(ctx context.Context, st *store.RunState, coordAddr string, run *cycleRun, pendingCount int) error {
	if pendingCount == 0 {
		inProgress, err := e.store.ListTasks(store.TaskInProgress)
		if err != nil {
			return err
		}
		if len(inProgress) == 0 {
			return nil
		}
	}
	if err := e.setStatus(store.RunExecuting); err != nil {
		return err
	}

	sup := supervisor.New(e.store, e.cfg, coordAddr, e.projectDir, e.logger)
	wctx := e.workerContext(st)

	n := min(st.Concurrency, pendingCount)
	if n < 1 {
		n = 1
	}
	if _, err := sup.SpawnWorkers(ctx, n, wctx); err != nil {
		return err
	}
	if _, err := sup.SpawnSentinel(ctx, wctx); err != nil {
		e.logger.Warn("sentinel spawn failed", "error", err)
	}

	ticker := time.NewTicker(e.cfg.EnginePoll)
	defer ticker.Stop()

	windDownReason := ""
	for windDownReason == "" {
		select {
		case <-ctx.Done():
			sup.StopAll()
			return ctx.Err()
		case <-ticker.C:
		}

		pending, err := e.store.ListTasks(store.TaskPending)
		if err != nil {
			return err
		}
		inProgress, err := e.store.ListTasks(store.TaskInProgress)
		if err != nil {
			return err
		}
		if len(pending)+len(inProgress) == 0 {
			// Board drained; tell the sentinel (and any idling worker) the
			// cycle is over.
			windDownReason = store.WindDownCycleLimit
			break
		}

		if e.monitor != nil && (e.monitor.IsCritical() || e.monitor.IsWindDown()) {
			run.budgetHit = true
			windDownReason = store.WindDownUsageLimit
			break
		}
		if e.consumePauseSignal() {
			run.userPause = true
			windDownReason = store.WindDownUserRequested
			break
		}

		if _, err := sup.SweepOrphans(); err != nil {
			e.logger.Error("periodic orphan sweep", "error", err)
		}
		if len(pending) > 0 && sup.ExecutionCount() == 0 {
			e.logger.Info("all workers idle with pending tasks, respawning",
				"pending", len(pending))
			if _, err := sup.SpawnWorkers(ctx, min(st.Concurrency, len(pending)), wctx); err != nil {
				return err
			}
		}
	}

	var resetsAt *time.Time
	if e.monitor != nil {
		if u := e.monitor.Latest(); u != nil && !u.ResetsAt.IsZero() {
			resetsAt = &u.ResetsAt
		}
	}
	if err := sup.BroadcastWindDown(windDownReason, resetsAt); err != nil {
		e.logger.Error("wind-down broadcast", "error", err)
	}
	drained := sup.WaitForAll(ctx, e.cfg.GraceWindow)
	if !drained {
		if _, err := sup.SweepOrphans(); err != nil {
			e.logger.Error("post-grace orphan sweep", "error", err)
		}
	}
	return nil
}

// reviewPhase runs the code review dialogue and flow tracing concurrently,
// both read-only over the diff from the base commit, then folds static
// analysis findings into the registry.
func (e *Engine) reviewPhase(ctx context.Context, st *store.RunState, run *cycleRun, cycle int) error {
	if err := e.setStatus(store.RunReviewing); err != nil {
		return err
	}

	diff, err := e.git.Diff(st.BaseCommit)
	if err != nil {
		return err
	}
	changed, err := e.git.ChangedFiles(st.BaseCommit)
	if err != nil {
		return err
	}
	if diff == "" {
		e.logger.Info("no diff against base, skipping review and tracing")
		run.codeApproved = true
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)

	if !e.cfg.SkipReview {
		run.reviewRan = true
		g.Go(func() error {
			dialogue, err := e.reviews.Dialogue(gctx,
				e.codeReviewPrompt(st, diff, changed),
				e.investigator("code review"),
				e.cfg.MaxReviewRounds)
			if err != nil {
				if errors.IsCode(err, errors.CodeToolNotFound) {
					e.logger.Warn("reviewer tool not installed, skipping code review")
					run.reviewRan = false
					return nil
				}
				return err
			}
			run.codeApproved = dialogue.Approved
			run.codeRounds = dialogue.Rounds
			run.recurringIssue = dialogue.RecurringIssue
			e.recordReviewMetrics(dialogue.Final.Verdict, false)
			e.stashReviewFeedback(dialogue.Final)
			e.registerReviewIssues(dialogue.Final, cycle)
			e.logger.Info("code review finished",
				"verdict", dialogue.Final.Verdict, "rounds", dialogue.Rounds)
			return nil
		})
	} else {
		run.codeApproved = true
	}

	if !e.cfg.SkipFlowReview {
		g.Go(func() error {
			report, err := e.traceFlows(gctx, diff, changed, cycle)
			if err != nil {
				// Tracing is advisory; a failed derivation never fails the
				// cycle.
				e.logger.Warn("flow tracing failed", "error", err)
				return nil
			}
			run.flowReport = report
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	e.runSemgrep(ctx, run, changed, cycle)
	return nil
}

// checkpointPhase commits, tallies the board, applies the decision table,
// synthesizes fix tasks, and appends the cycle record.
func (e *Engine) checkpointPhase(ctx context.Context, st *store.RunState, run *cycleRun, cycle int) (NextAction, string, error) {
	if err := e.setStatus(store.RunCheckpointing); err != nil {
		return "", "", err
	}

	sha, err := e.git.Commit(fmt.Sprintf("swarm: checkpoint cycle %d", cycle))
	if err != nil {
		e.logger.Warn("checkpoint commit failed", "error", err)
	} else if sha != "" {
		e.logger.Info("checkpoint committed", "sha", sha)
	}

	completed, err := e.store.ListTasks(store.TaskCompleted)
	if err != nil {
		return "", "", err
	}
	failed, err := e.store.ListTasks(store.TaskFailed)
	if err != nil {
		return "", "", err
	}
	pending, err := e.store.ListTasks(store.TaskPending)
	if err != nil {
		return "", "", err
	}
	inProgress, err := e.store.ListTasks(store.TaskInProgress)
	if err != nil {
		return "", "", err
	}

	blocking := run.flowReport != nil && run.flowReport.Summary.HasBlocking()
	action, reason := Decide(CheckpointInput{
		UserPauseRequested: run.userPause,
		BudgetConstrained:  run.budgetHit || (e.monitor != nil && e.monitor.IsWindDown()),
		BlockingFindings:   blocking,
		ReviewRan:          run.reviewRan,
		CodeApproved:       run.codeApproved,
		Remaining:          len(pending) + len(inProgress),
		Failed:             len(failed),
		CurrentCycle:       cycle,
		MaxCycles:          st.MaxCycles,
	})

	// A disagreement the reviewer raised twice goes to the human instead of
	// looping on it.
	if run.recurringIssue != "" && action == ActionContinue {
		action, reason = ActionEscalate, "recurring review disagreement: "+run.recurringIssue
	}

	if blocking {
		if err := e.synthesizeFixTasks(run.flowReport, cycle); err != nil {
			return "", "", err
		}
	}

	e.resolveAddressedIssues(run, cycle)

	endedAt := time.Now().UTC()
	rec := store.CycleRecord{
		Index:          cycle,
		PlanVersion:    run.planVersion,
		TasksCompleted: len(completed),
		TasksFailed:    len(failed),
		PlanApproved:   run.planApproved,
		CodeApproved:   run.codeApproved,
		PlanRounds:     run.planRounds,
		CodeRounds:     run.codeRounds,
		DurationSecs:   endedAt.Sub(run.startedAt).Seconds(),
		StartedAt:      run.startedAt,
		EndedAt:        endedAt,
	}
	if run.flowReport != nil {
		rec.FlowSummary = &store.FlowSummary{
			Critical:      run.flowReport.Summary.Critical,
			High:          run.flowReport.Summary.High,
			Medium:        run.flowReport.Summary.Medium,
			Low:           run.flowReport.Summary.Low,
			CrossBoundary: run.flowReport.Summary.CrossBoundary,
		}
	}

	var usage *store.UsageSnapshot
	if e.monitor != nil {
		if u := e.monitor.Latest(); u != nil {
			usage = &store.UsageSnapshot{
				Utilization: u.Utilization,
				ResetsAt:    u.ResetsAt,
				CapturedAt:  u.CapturedAt,
			}
		}
	}
	_, err = e.store.UpdateState(func(s *store.RunState) error {
		s.Cycles = append(s.Cycles, rec)
		s.CurrentCycle++
		if usage != nil {
			s.LastUsage = usage
		}
		return nil
	})
	if err != nil {
		return "", "", err
	}

	e.extractConventions(ctx)

	e.logger.Info("checkpoint decision",
		"cycle", cycle, "action", action, "reason", reason,
		"completed", len(completed), "failed", len(failed),
		"remaining", len(pending)+len(inProgress))
	return action, reason, nil
}

// lastPlanVersion returns the plan version of the most recent cycle record,
// or zero before the first plan.
func lastPlanVersion(st *store.RunState) int {
	if len(st.Cycles) == 0 {
		return 0
	}
	return st.Cycles[len(st.Cycles)-1].PlanVersion
}

func (e *Engine) setStatus(status store.RunStatus) error {
	_, err := e.store.UpdateState(func(s *store.RunState) error {
		s.Status = status
		return nil
	})
	return err
}

func (e *Engine) recordReviewMetrics(v reviewer.Verdict, plan bool) {
	_, err := e.store.UpdateState(func(s *store.RunState) error {
		if plan {
			s.ReviewerMetrics.PlanReviews++
		} else {
			s.ReviewerMetrics.CodeReviews++
		}
		switch v {
		case reviewer.VerdictNoVerdict, reviewer.VerdictError:
			s.ReviewerMetrics.NoVerdicts++
		case reviewer.VerdictRateLimited:
			s.ReviewerMetrics.PresumedRateLimits++
		}
		return nil
	})
	if err != nil {
		e.logger.Error("record reviewer metrics", "error", err)
	}
}

// buildPlanRequest assembles the replanning context: previous plan text,
// task tallies, reviewer feedback, unresolved known issues, operator
// redirect, and the optional context file.
func (e *Engine) buildPlanRequest(st *store.RunState, planVersion int) (planner.Request, error) {
	req := planner.Request{
		Feature:  st.Feature,
		QA:       readOptional(e.store.QAPath()),
		Redirect: e.redirect,
	}
	e.redirect = ""

	if e.cfg.ContextFile != "" {
		data, err := os.ReadFile(e.cfg.ContextFile)
		if err != nil {
			return req, fmt.Errorf("read context file: %w", err)
		}
		req.ExtraContext = string(data)
	}

	if planVersion > 1 {
		req.PrevPlan = readOptional(e.store.PlanPath(planVersion - 1))
		completed, err := e.store.ListTasks(store.TaskCompleted)
		if err != nil {
			return req, err
		}
		for _, t := range completed {
			req.CompletedTasks = append(req.CompletedTasks, t.Subject)
		}
		failed, err := e.store.ListTasks(store.TaskFailed)
		if err != nil {
			return req, err
		}
		for _, t := range failed {
			req.FailedTasks = append(req.FailedTasks, t.Subject)
		}
		req.ReviewerFeedback = e.lastReviewFeedback
	}

	unresolved, err := e.registry.Unresolved()
	if err != nil {
		return req, err
	}
	for _, issue := range unresolved {
		line := fmt.Sprintf("[%s] %s", issue.Severity, issue.Description)
		if issue.FilePath != "" {
			line += " (" + issue.FilePath + ")"
		}
		req.UnresolvedIssues = append(req.UnresolvedIssues, line)
	}
	return req, nil
}

func readOptional(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(data)
}

// workerContext builds the shared context injected into worker prompts.
func (e *Engine) workerContext(st *store.RunState) *supervisor.WorkerContext {
	return &supervisor.WorkerContext{
		Feature:      st.Feature,
		QATranscript: readOptional(e.store.QAPath()),
		Conventions:  readOptional(e.store.ConventionsPath()),
		ProjectRules: readOptional(e.projectDir + "/.swarm/rules.md"),
		ThreatModel:  threatModelSummary,
	}
}

// threatModelSummary is the standing security reminder injected into every
// worker prompt; per-task requirements arrive with the claimed task.
const threatModelSummary = "Treat all external input as untrusted. Honor each task's " +
	"security requirements and record any security-relevant choice as a decision " +
	"with category auth."

func writeEscalation(path string, esc *store.Escalation) error {
	data, err := json.MarshalIndent(esc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal escalation: %w", err)
	}
	return util.AtomicWriteFile(path, data, 0o644)
}
