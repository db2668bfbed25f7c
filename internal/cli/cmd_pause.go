package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/swarm-dev/swarm/internal/store"
)

func newPauseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Ask a running swarm to wind down and pause",
		Long: `Writes the pause signal. The running engine consumes it on its next
poll, broadcasts a wind-down to all workers, waits for them to finish
their current work, and pauses the run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s := store.Open(projectDir, "cli")
			if !s.Exists() {
				return fmt.Errorf("no run found in %s", projectDir)
			}
			f, err := os.OpenFile(s.PauseSignalPath(), os.O_CREATE|os.O_WRONLY, 0o644)
			if err != nil {
				return fmt.Errorf("write pause signal: %w", err)
			}
			_ = f.Close()
			fmt.Println("pause requested; workers will wind down at the next poll")
			return nil
		},
	}
}
