package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/swarm-dev/swarm/internal/issues"
	"github.com/swarm-dev/swarm/internal/store"
)

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "status",
		Aliases: []string{"st"},
		Short:   "Show run state, task board, and sessions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := store.Open(projectDir, "cli")
			st, err := s.Load()
			if err != nil {
				return err
			}
			return showStatus(s, st)
		},
	}
}

func showStatus(s *store.Store, st *store.RunState) error {
	bold := color.New(color.Bold)
	bold.Printf("Feature:  ")
	fmt.Println(st.Feature)
	fmt.Printf("Branch:   %s (base %.12s)\n", st.Branch, st.BaseCommit)
	fmt.Printf("Status:   %s\n", colorStatus(st.Status))
	fmt.Printf("Cycle:    %d / %d\n", st.CurrentCycle, st.MaxCycles)
	if st.ResumeAfter != nil {
		fmt.Printf("Paused:   resume after %s\n", st.ResumeAfter.Local().Format(time.RFC1123))
	}
	if st.LastUsage != nil {
		fmt.Printf("Budget:   %.0f%% used, resets %s\n",
			st.LastUsage.Utilization*100,
			st.LastUsage.ResetsAt.Local().Format(time.Kitchen))
	}
	m := st.ReviewerMetrics
	if m.PlanReviews+m.CodeReviews > 0 {
		fmt.Printf("Reviews:  %d plan, %d code (%d no-verdict, %d presumed rate limits)\n",
			m.PlanReviews, m.CodeReviews, m.NoVerdicts, m.PresumedRateLimits)
	}

	tasks, err := s.ListTasks("")
	if err != nil {
		return err
	}
	if len(tasks) > 0 {
		counts := map[store.TaskStatus]int{}
		for _, t := range tasks {
			counts[t.Status]++
		}
		fmt.Printf("\nTasks:    %d total — %d pending, %d in progress, %d completed, %d failed\n",
			len(tasks), counts[store.TaskPending], counts[store.TaskInProgress],
			counts[store.TaskCompleted], counts[store.TaskFailed])

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, t := range tasks {
			owner := t.Owner
			if owner == "" {
				owner = "-"
			}
			fmt.Fprintf(w, "  %s\t%s\t%s\t%s\n", t.ID, t.Status, owner, t.Subject)
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}

	sessions, err := s.ListSessions()
	if err != nil {
		return err
	}
	if len(sessions) > 0 {
		fmt.Println("\nSessions:")
		for _, sess := range sessions {
			line := fmt.Sprintf("  %s  %-8s", sess.SessionID, sess.State)
			if sess.CurrentTask != "" {
				line += "  " + sess.CurrentTask
			}
			fmt.Println(line)
		}
	}

	unresolved, err := issues.NewRegistry(s.KnownIssuesPath()).Unresolved()
	if err != nil {
		return err
	}
	if len(unresolved) > 0 {
		color.New(color.FgYellow).Printf("\nUnresolved issues: %d\n", len(unresolved))
		for _, issue := range unresolved {
			fmt.Printf("  [%s] %s\n", issue.Severity, issue.Description)
		}
	}
	return nil
}

func colorStatus(status store.RunStatus) string {
	switch status {
	case store.RunCompleted:
		return color.GreenString(string(status))
	case store.RunFailed, store.RunEscalated:
		return color.RedString(string(status))
	case store.RunPaused:
		return color.YellowString(string(status))
	default:
		return color.CyanString(string(status))
	}
}
