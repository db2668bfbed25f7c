package cli

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/swarm-dev/swarm/internal/budget"
	"github.com/swarm-dev/swarm/internal/config"
	"github.com/swarm-dev/swarm/internal/engine"
	"github.com/swarm-dev/swarm/internal/flowtrace"
	"github.com/swarm-dev/swarm/internal/git"
	"github.com/swarm-dev/swarm/internal/store"
	"github.com/swarm-dev/swarm/internal/util"
)

// runFlags are the options shared by start and resume.
type runFlags struct {
	concurrency    int
	maxCycles      int
	usageThreshold float64
	skipCodex      bool
	skipFlowReview bool
	dryRun         bool
	contextFile    string
	currentBranch  bool
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "number of concurrent workers")
	cmd.Flags().IntVar(&f.maxCycles, "max-cycles", 0, "cycle cap before escalation")
	cmd.Flags().Float64Var(&f.usageThreshold, "usage-threshold", 0, "budget wind-down threshold (0,1]")
	cmd.Flags().BoolVar(&f.skipCodex, "skip-codex", false, "skip reviewer dialogues")
	cmd.Flags().BoolVar(&f.skipFlowReview, "skip-flow-review", false, "skip flow tracing")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "plan only, do not execute")
	cmd.Flags().StringVar(&f.contextFile, "context-file", "", "extra planner context file")
	cmd.Flags().BoolVar(&f.currentBranch, "current-branch", false, "work on the current branch instead of creating one")
}

// apply folds flag overrides into the loaded config.
func (f *runFlags) apply(cmd *cobra.Command, cfg *config.Config) error {
	if cmd.Flags().Changed("concurrency") {
		cfg.Concurrency = f.concurrency
	}
	if cmd.Flags().Changed("max-cycles") {
		cfg.MaxCycles = f.maxCycles
	}
	if cmd.Flags().Changed("usage-threshold") {
		cfg.WindDownThreshold = f.usageThreshold
	}
	cfg.SkipReview = cfg.SkipReview || f.skipCodex
	cfg.SkipFlowReview = cfg.SkipFlowReview || f.skipFlowReview
	cfg.DryRun = cfg.DryRun || f.dryRun
	cfg.CurrentBranch = cfg.CurrentBranch || f.currentBranch
	cfg.Verbose = cfg.Verbose || verbose
	if f.contextFile != "" {
		cfg.ContextFile = f.contextFile
	}
	cfg.Interactive = stdoutIsTTY()
	return cfg.Validate()
}

func newStartCmd() *cobra.Command {
	flags := &runFlags{}
	cmd := &cobra.Command{
		Use:   "start <feature>",
		Short: "Plan a feature and run the cycle loop",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			feature := strings.Join(args, " ")

			cfg, err := config.Load(projectDir)
			if err != nil {
				return err
			}
			if err := flags.apply(cmd, cfg); err != nil {
				return err
			}

			s := store.Open(projectDir, "engine")
			if s.Exists() {
				return fmt.Errorf("a run already exists in %s; use 'swarm resume' or remove %s",
					projectDir, s.RootDir())
			}

			branch, baseCommit, err := prepareBranch(feature, cfg)
			if err != nil {
				return err
			}
			if _, err := s.Init(feature, branch, baseCommit, store.Caps{
				MaxCycles:   cfg.MaxCycles,
				Concurrency: cfg.Concurrency,
			}); err != nil {
				return err
			}

			logger := setupLogger(s.LogsDir())
			logger.Info("run initialized",
				"feature", feature, "branch", branch, "base", baseCommit,
				"concurrency", cfg.Concurrency, "max_cycles", cfg.MaxCycles)

			if cfg.Interactive {
				if err := collectQA(s); err != nil {
					return err
				}
			}

			return runEngine(cmd.Context(), s, cfg, logger)
		},
	}
	flags.register(cmd)
	return cmd
}

// prepareBranch resolves the working branch and base commit. Without
// --current-branch a fresh swarm/<slug> branch is created; a detached HEAD
// is refused either way.
func prepareBranch(feature string, cfg *config.Config) (branch, baseCommit string, err error) {
	g := git.New(projectDir)
	detached, err := g.IsDetachedHead()
	if err != nil {
		return "", "", err
	}
	if detached {
		return "", "", fmt.Errorf("HEAD is detached; check out a branch first")
	}
	baseCommit, err = g.HeadSHA()
	if err != nil {
		return "", "", err
	}

	if cfg.CurrentBranch {
		branch, err = g.CurrentBranch()
		return branch, baseCommit, err
	}

	branch = "swarm/" + flowtrace.Slug(feature)
	if len(branch) > 60 {
		branch = branch[:60]
	}
	if err := g.CreateBranch(branch); err != nil {
		return "", "", err
	}
	return branch, baseCommit, nil
}

// collectQA gathers freeform clarifications from the operator before
// planning and persists the transcript for planner and worker prompts.
func collectQA(s *store.Store) error {
	if _, err := s.UpdateState(func(st *store.RunState) error {
		st.Status = store.RunQuestioning
		return nil
	}); err != nil {
		return err
	}

	color.New(color.Bold).Println("Any clarifications for the planner? (blank line to finish)")
	scanner := bufio.NewScanner(os.Stdin)
	var lines []string
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			break
		}
		lines = append(lines, "- "+line)
	}
	if len(lines) == 0 {
		return nil
	}
	return util.AtomicWriteFile(s.QAPath(),
		[]byte(strings.Join(lines, "\n")+"\n"), 0o644)
}

// runEngine wires the budget monitor and prompter, handles SIGINT as a
// cooperative stop, and maps the engine result onto the process exit.
func runEngine(ctx context.Context, s *store.Store, cfg *config.Config, logger *slog.Logger) error {
	runCtx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var monitor *budget.Monitor
	if cfg.UsageEndpoint != "" {
		monitor = budget.NewMonitor(
			budget.HTTPFetcher(cfg.UsageEndpoint, cfg.UsageToken, nil),
			budget.WithInterval(cfg.BudgetPoll),
			budget.WithThresholds(budget.Thresholds{
				WindDown: cfg.WindDownThreshold,
				Critical: cfg.CriticalThreshold,
				Resume:   cfg.ResumeThreshold,
			}),
		)
	}

	var prompter engine.Prompter
	if cfg.Interactive {
		prompter = promptEscalation
	}

	eng := engine.New(s, cfg, projectDir, logger, monitor, prompter)
	result, err := eng.Run(runCtx)
	if err != nil {
		return err
	}
	printOutcome(result)
	if result.ExitCode == engine.ExitEscalated {
		return ErrEscalated
	}
	return nil
}

// promptEscalation asks the operator how to proceed at an escalation.
func promptEscalation(esc *store.Escalation) (*engine.EscalationChoice, error) {
	color.New(color.FgYellow, color.Bold).Println("\nEscalation: " + esc.Reason)
	if esc.Details != "" {
		fmt.Println(esc.Details)
	}
	fmt.Println("Options: [c]ontinue one more cycle, [r]edirect with guidance, [s]top")

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("choice> ")
		if !scanner.Scan() {
			return &engine.EscalationChoice{Option: "stop"}, nil
		}
		switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
		case "c", "continue":
			return &engine.EscalationChoice{Option: "continue"}, nil
		case "r", "redirect":
			fmt.Print("guidance> ")
			if !scanner.Scan() {
				return &engine.EscalationChoice{Option: "stop"}, nil
			}
			return &engine.EscalationChoice{
				Option:   "redirect",
				Redirect: strings.TrimSpace(scanner.Text()),
			}, nil
		case "s", "stop":
			return &engine.EscalationChoice{Option: "stop"}, nil
		}
	}
}

func printOutcome(result *engine.Result) {
	switch result.Status {
	case store.RunCompleted:
		color.New(color.FgGreen, color.Bold).Println("✓ feature complete")
	case store.RunPaused:
		color.New(color.FgYellow).Println("run paused; 'swarm resume' to continue")
	case store.RunEscalated:
		color.New(color.FgYellow, color.Bold).Println("run escalated; see escalation.json")
	case store.RunFailed:
		color.New(color.FgRed, color.Bold).Println("run failed; see logs")
	}
}
