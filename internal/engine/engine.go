// Package engine runs the top-level cycle: plan, execute, review and trace,
// checkpoint, until the feature is complete, escalated, or paused.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/swarm-dev/swarm/internal/agent"
	"github.com/swarm-dev/swarm/internal/analysis"
	"github.com/swarm-dev/swarm/internal/budget"
	"github.com/swarm-dev/swarm/internal/config"
	"github.com/swarm-dev/swarm/internal/coord"
	"github.com/swarm-dev/swarm/internal/git"
	"github.com/swarm-dev/swarm/internal/issues"
	"github.com/swarm-dev/swarm/internal/planner"
	"github.com/swarm-dev/swarm/internal/reviewer"
	"github.com/swarm-dev/swarm/internal/store"
)

// Exit codes for the launching shell.
const (
	ExitComplete  = 0
	ExitFailed    = 1
	ExitEscalated = 2
)

// EscalationChoice is the human's answer to an interactive escalation.
type EscalationChoice struct {
	// Option is one of continue, redirect, stop.
	Option string
	// Redirect carries free text fed into the next replan when Option is
	// redirect.
	Redirect string
}

// Prompter asks the human what to do at an escalation. Only consulted in
// interactive mode.
type Prompter func(e *store.Escalation) (*EscalationChoice, error)

// Result is the run outcome.
type Result struct {
	Status   store.RunStatus
	ExitCode int
}

// Engine owns one run of the cycle loop.
type Engine struct {
	store      *store.Store
	cfg        *config.Config
	projectDir string
	logger     *slog.Logger

	git      *git.Git
	agent    agent.Caller
	planner  *planner.Planner
	reviews  *reviewer.Driver
	registry *issues.Registry
	monitor  *budget.Monitor
	semgrep  *analysis.Runner
	prompter Prompter

	// redirect is operator text from an interactive escalation, consumed by
	// the next replan.
	redirect string
	// lastReviewFeedback carries the previous cycle's review summary into
	// the next replan.
	lastReviewFeedback string
}

// New wires an Engine from configuration. monitor may be nil when no usage
// endpoint is configured; prompter may be nil in non-interactive mode.
func New(s *store.Store, cfg *config.Config, projectDir string, logger *slog.Logger,
	monitor *budget.Monitor, prompter Prompter) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	caller := agent.NewCLICaller(cfg.AgentCommand, projectDir)
	return &Engine{
		store:      s,
		cfg:        cfg,
		projectDir: projectDir,
		logger:     logger,
		git:        git.New(projectDir),
		agent:      caller,
		planner:    planner.New(caller, logger),
		reviews:    reviewer.NewDriver(newReviewExecutor(cfg, projectDir), logger),
		registry:   issues.NewRegistry(s.KnownIssuesPath()),
		monitor:    monitor,
		semgrep:    analysis.NewRunner(cfg.SemgrepCommand, cfg.SemgrepConfig, projectDir),
		prompter:   prompter,
	}
}

// Run drives cycles until a terminal status. The coordination service is
// started once and shared by every cycle's workers.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	st, err := e.store.Load()
	if err != nil {
		return nil, err
	}
	if st.Status.IsTerminal() && st.Status != store.RunPaused {
		return &Result{Status: st.Status, ExitCode: exitCode(st.Status)}, nil
	}

	server := coord.New(e.store, e.testRunner(), e.logger)
	if err := server.Start(""); err != nil {
		return nil, err
	}
	defer func() {
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutCtx)
	}()

	if e.monitor != nil {
		e.monitor.Start(ctx)
		defer e.monitor.Stop()
	}

	for {
		st, err = e.store.Load()
		if err != nil {
			return nil, err
		}

		action, reason, err := e.runCycle(ctx, st, server.Addr())
		if err != nil {
			_, _ = e.store.UpdateState(func(s *store.RunState) error {
				s.Status = store.RunFailed
				return nil
			})
			return &Result{Status: store.RunFailed, ExitCode: ExitFailed}, err
		}

		switch action {
		case ActionComplete:
			_, err = e.store.UpdateState(func(s *store.RunState) error {
				s.Status = store.RunCompleted
				return nil
			})
			if err != nil {
				return nil, err
			}
			e.logger.Info("run complete")
			return &Result{Status: store.RunCompleted, ExitCode: ExitComplete}, nil

		case ActionPause:
			if err := e.pause(reason); err != nil {
				return nil, err
			}
			return &Result{Status: store.RunPaused, ExitCode: ExitComplete}, nil

		case ActionEscalate:
			res, done, err := e.escalate(reason)
			if err != nil {
				return nil, err
			}
			if done {
				return res, nil
			}
			// Operator chose to continue or redirect; fall through into the
			// next cycle.

		case ActionContinue:
			e.logger.Info("continuing to next cycle", "reason", reason)
		}
	}
}

// pause persists the paused state. A rate-limit or usage pause gets
// resume_after from the budget reading (or the fixed pause window); a user
// pause can resume immediately.
func (e *Engine) pause(reason string) error {
	now := time.Now().UTC()
	resumeAfter := now
	if reason == ReasonUsageLimit || reason == ReasonRateLimited {
		resumeAfter = now.Add(e.cfg.RateLimitPause)
		if e.monitor != nil {
			if u := e.monitor.Latest(); u != nil && u.ResetsAt.After(now) {
				resumeAfter = u.ResetsAt
			}
		}
	}
	_, err := e.store.UpdateState(func(s *store.RunState) error {
		s.Status = store.RunPaused
		s.PausedAt = &now
		s.ResumeAfter = &resumeAfter
		s.PauseReason = reason
		return nil
	})
	if err != nil {
		return err
	}
	e.logger.Info("run paused", "reason", reason, "resume_after", resumeAfter)
	return nil
}

// escalate writes the escalation record and either exits with the
// distinguished code (non-interactive) or consults the operator.
func (e *Engine) escalate(reason string) (*Result, bool, error) {
	esc := &store.Escalation{
		Reason:    reason,
		Details:   fmt.Sprintf("cycle cap reached with work remaining (%s)", reason),
		Timestamp: time.Now().UTC(),
		Options:   []string{"continue", "redirect", "stop"},
	}
	if err := writeEscalation(e.store.EscalationPath(), esc); err != nil {
		return nil, false, err
	}

	if !e.cfg.Interactive || e.prompter == nil {
		_, err := e.store.UpdateState(func(s *store.RunState) error {
			s.Status = store.RunEscalated
			return nil
		})
		if err != nil {
			return nil, false, err
		}
		e.logger.Warn("escalated; exiting for operator input", "reason", reason)
		return &Result{Status: store.RunEscalated, ExitCode: ExitEscalated}, true, nil
	}

	choice, err := e.prompter(esc)
	if err != nil {
		return nil, false, err
	}
	switch choice.Option {
	case "redirect":
		e.redirect = choice.Redirect
		fallthrough
	case "continue":
		// Grant another cycle beyond the cap.
		_, err := e.store.UpdateState(func(s *store.RunState) error {
			s.MaxCycles = s.CurrentCycle + 2
			return nil
		})
		return nil, false, err
	default:
		// An operator stop is a deliberate end state, not a failure: commit
		// what exists and close the run out clean.
		if sha, err := e.git.Commit("swarm: operator stop at escalation"); err != nil {
			e.logger.Warn("stop commit failed", "error", err)
		} else if sha != "" {
			e.logger.Info("stop checkpoint committed", "sha", sha)
		}
		_, err := e.store.UpdateState(func(s *store.RunState) error {
			s.Status = store.RunCompleted
			return nil
		})
		if err != nil {
			return nil, false, err
		}
		e.logger.Info("operator stopped the run at escalation", "reason", reason)
		return &Result{Status: store.RunCompleted, ExitCode: ExitComplete}, true, nil
	}
}

func newReviewExecutor(cfg *config.Config, projectDir string) reviewer.Executor {
	exec := reviewer.NewCLIExecutor(cfg.ReviewerCommand, projectDir)
	if cfg.ReviewTimeout > 0 {
		exec.Timeout = cfg.ReviewTimeout
	}
	return exec
}

func (e *Engine) testRunner() coord.TestRunner {
	if e.cfg.TestCommand == "" {
		return nil
	}
	return coord.NewCommandTestRunner(e.cfg.TestCommand, e.projectDir)
}

func exitCode(status store.RunStatus) int {
	switch status {
	case store.RunEscalated:
		return ExitEscalated
	case store.RunFailed:
		return ExitFailed
	}
	return ExitComplete
}

// consumePauseSignal reports and removes the user pause signal file. The
// remove makes consumption atomic: a second check does not see it again.
func (e *Engine) consumePauseSignal() bool {
	path := e.store.PauseSignalPath()
	if _, err := os.Stat(path); err != nil {
		return false
	}
	if err := os.Remove(path); err != nil {
		e.logger.Warn("remove pause signal", "error", err)
	}
	return true
}
