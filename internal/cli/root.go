// Package cli implements the swarm command-line interface.
package cli

import (
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
)

// ErrEscalated signals the distinguished exit code 2: the run stopped for
// operator input and can be resumed.
var ErrEscalated = stderrors.New("run escalated, operator input required")

var (
	projectDir string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "swarm",
	Short: "Hierarchical agent orchestrator",
	Long: `swarm plans a feature into a task graph, runs concurrent agent workers
against a shared task board, reviews and flow-traces the result, and
repeats until the feature is complete.

Quick start:
  swarm start "Add rate limiting to the API"   Plan and run
  swarm status                                 Show run state
  swarm pause                                  Ask workers to wind down
  swarm resume                                 Continue a paused run`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the CLI. The caller maps ErrEscalated to exit code 2 and any
// other error to 1.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectDir, "project", ".", "project directory")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(newStartCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newResumeCmd())
	rootCmd.AddCommand(newPauseCmd())
	rootCmd.AddCommand(newLogCmd())
}

// setupLogger builds the run logger: text to stderr, plus a per-day log file
// under the state directory when it exists.
func setupLogger(logsDir string) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	w := io.Writer(os.Stderr)
	if logsDir != "" {
		if err := os.MkdirAll(logsDir, 0o755); err == nil {
			name := fmt.Sprintf("swarm-%s.log", time.Now().UTC().Format("2006-01-02"))
			f, err := os.OpenFile(filepath.Join(logsDir, name),
				os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				w = io.MultiWriter(os.Stderr, f)
			}
		}
	}

	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

// stdoutIsTTY reports whether output goes to a terminal, gating color and
// interactive prompts.
func stdoutIsTTY() bool {
	return isatty.IsTerminal(os.Stdout.Fd()) || isatty.IsCygwinTerminal(os.Stdout.Fd())
}
