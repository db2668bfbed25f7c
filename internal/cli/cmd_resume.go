package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/swarm-dev/swarm/internal/budget"
	"github.com/swarm-dev/swarm/internal/config"
	"github.com/swarm-dev/swarm/internal/engine"
	"github.com/swarm-dev/swarm/internal/store"
)

func newResumeCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue a paused or escalated run",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(projectDir)
			if err != nil {
				return err
			}
			if err := flags.apply(cmd, cfg); err != nil {
				return err
			}

			s := store.Open(projectDir, "engine")
			st, err := s.Load()
			if err != nil {
				return err
			}
			switch st.Status {
			case store.RunCompleted:
				return fmt.Errorf("run already completed; start a new feature")
			case store.RunFailed:
				color.New(color.FgYellow).Println("previous run failed; retrying from the last checkpoint")
			}

			if err := awaitBudgetReset(cmd.Context(), cfg, st); err != nil {
				return err
			}

			if _, err := s.UpdateState(func(rs *store.RunState) error {
				rs.Status = store.RunExecuting
				rs.PausedAt = nil
				rs.ResumeAfter = nil
				rs.PauseReason = ""
				// Flag overrides may widen the caps mid-run.
				if cmd.Flags().Changed("max-cycles") {
					rs.MaxCycles = cfg.MaxCycles
				}
				if cmd.Flags().Changed("concurrency") {
					rs.Concurrency = cfg.Concurrency
				}
				return nil
			}); err != nil {
				return err
			}

			logger := setupLogger(s.LogsDir())
			logger.Info("resuming run",
				"feature", st.Feature, "cycle", st.CurrentCycle)
			return runEngine(cmd.Context(), s, cfg, logger)
		},
	}
	flags.register(cmd)
	return cmd
}

// awaitBudgetReset blocks until a budget-paused run may proceed. With a usage
// endpoint configured it waits for a fresh reading below the resume
// threshold; otherwise it sleeps out the recorded resume_after window. Pauses
// the operator asked for resume immediately.
func awaitBudgetReset(ctx context.Context, cfg *config.Config, st *store.RunState) error {
	budgetPause := st.PauseReason == engine.ReasonUsageLimit ||
		st.PauseReason == engine.ReasonRateLimited
	if !budgetPause {
		return nil
	}

	if cfg.UsageEndpoint != "" {
		mon := budget.NewMonitor(
			budget.HTTPFetcher(cfg.UsageEndpoint, cfg.UsageToken, nil),
			budget.WithThresholds(budget.Thresholds{
				WindDown: cfg.WindDownThreshold,
				Critical: cfg.CriticalThreshold,
				Resume:   cfg.ResumeThreshold,
			}),
		)
		color.New(color.FgYellow).Printf(
			"waiting for usage to drop below %.0f%%\n", cfg.ResumeThreshold*100)
		return mon.WaitForReset(ctx)
	}

	if st.ResumeAfter == nil {
		return nil
	}
	wait := time.Until(*st.ResumeAfter)
	if wait <= 0 {
		return nil
	}
	color.New(color.FgYellow).Printf(
		"budget window resets at %s; waiting %s\n",
		st.ResumeAfter.Local().Format(time.Kitchen), wait.Round(time.Second))
	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
