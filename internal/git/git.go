// Package git is the opaque VCS facade the cycle engine drives: branch
// management, diffs against the base commit, checkpoint commits.
package git

import (
	"fmt"
	"strings"
)

// Git provides VCS operations for a single repository.
type Git struct {
	dir    string
	runner CommandRunner
}

// New creates a Git facade for the repository at dir.
func New(dir string) *Git {
	return &Git{dir: dir, runner: NewExecRunner()}
}

// NewWithRunner creates a Git facade with a custom runner, for tests.
func NewWithRunner(dir string, r CommandRunner) *Git {
	return &Git{dir: dir, runner: r}
}

// HeadSHA returns the current HEAD commit.
func (g *Git) HeadSHA() (string, error) {
	out, err := g.runner.Run(g.dir, "git", "rev-parse", "HEAD")
	if err != nil {
		return "", fmt.Errorf("resolve HEAD: %w", err)
	}
	return out, nil
}

// CurrentBranch returns the checked-out branch name, or "" on detached HEAD.
func (g *Git) CurrentBranch() (string, error) {
	out, err := g.runner.Run(g.dir, "git", "branch", "--show-current")
	if err != nil {
		return "", fmt.Errorf("current branch: %w", err)
	}
	return out, nil
}

// IsDetachedHead reports whether HEAD is detached.
func (g *Git) IsDetachedHead() (bool, error) {
	branch, err := g.CurrentBranch()
	if err != nil {
		return false, err
	}
	return branch == "", nil
}

// CreateBranch creates and checks out a new branch.
func (g *Git) CreateBranch(name string) error {
	if _, err := g.runner.Run(g.dir, "git", "checkout", "-b", name); err != nil {
		return fmt.Errorf("create branch %s: %w", name, err)
	}
	return nil
}

// Checkout switches to an existing branch.
func (g *Git) Checkout(name string) error {
	if _, err := g.runner.Run(g.dir, "git", "checkout", name); err != nil {
		return fmt.Errorf("checkout %s: %w", name, err)
	}
	return nil
}

// Diff returns the unified diff of the working tree against base.
func (g *Git) Diff(base string) (string, error) {
	out, err := g.runner.Run(g.dir, "git", "diff", base)
	if err != nil {
		return "", fmt.Errorf("diff against %s: %w", base, err)
	}
	return out, nil
}

// ChangedFiles returns paths changed since base.
func (g *Git) ChangedFiles(base string) ([]string, error) {
	out, err := g.runner.Run(g.dir, "git", "diff", "--name-only", base)
	if err != nil {
		return nil, fmt.Errorf("changed files vs %s: %w", base, err)
	}
	if out == "" {
		return nil, nil
	}
	var files []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			files = append(files, line)
		}
	}
	return files, nil
}

// HasUncommittedChanges reports whether the working tree is dirty.
func (g *Git) HasUncommittedChanges() (bool, error) {
	out, err := g.runner.Run(g.dir, "git", "status", "--porcelain")
	if err != nil {
		return false, fmt.Errorf("status: %w", err)
	}
	return out != "", nil
}

// Commit stages everything and commits with message. A clean tree is not an
// error; it returns ("", nil).
func (g *Git) Commit(message string) (string, error) {
	dirty, err := g.HasUncommittedChanges()
	if err != nil {
		return "", err
	}
	if !dirty {
		return "", nil
	}
	if _, err := g.runner.Run(g.dir, "git", "add", "-A"); err != nil {
		return "", fmt.Errorf("stage changes: %w", err)
	}
	if _, err := g.runner.Run(g.dir, "git", "commit", "-m", message); err != nil {
		return "", fmt.Errorf("commit: %w", err)
	}
	return g.HeadSHA()
}

// PullRebase rebases onto the upstream branch. Used by workers before commit
// so concurrent task commits interleave cleanly.
func (g *Git) PullRebase() error {
	if _, err := g.runner.Run(g.dir, "git", "pull", "--rebase"); err != nil {
		return fmt.Errorf("pull --rebase: %w", err)
	}
	return nil
}
