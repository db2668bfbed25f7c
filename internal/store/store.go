package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/swarm-dev/swarm/internal/errors"
	"github.com/swarm-dev/swarm/internal/lock"
	"github.com/swarm-dev/swarm/internal/util"
)

// Store is a handle on one project's durable state. It is safe for use from
// multiple processes: every mutation of a shared record happens under that
// record's advisory file lock.
type Store struct {
	root  string
	owner string
}

// Open returns a Store rooted at <projectDir>/.swarm without requiring the
// directory to exist yet. owner identifies this process in lock files.
func Open(projectDir, owner string) *Store {
	if owner == "" {
		owner = fmt.Sprintf("pid-%d", os.Getpid())
	}
	return &Store{root: Root(projectDir), owner: owner}
}

// Caps are the run limits fixed at init time.
type Caps struct {
	MaxCycles   int
	Concurrency int
}

// Init creates the directory skeleton and a fresh RunState. Fails when a run
// already exists unless resuming.
func (s *Store) Init(feature, branch, baseCommit string, caps Caps) (*RunState, error) {
	if _, err := os.Stat(s.statePath()); err == nil {
		return nil, errors.New(errors.CodeAlreadyInitialized, "run already exists").
			WithFix("use 'swarm resume' to continue, or remove " + s.root)
	}

	for _, dir := range []string{
		s.root,
		s.tasksDir(),
		s.messagesDir(),
		s.contractsDir(),
		filepath.Join(s.root, sessionsDir),
		filepath.Join(s.root, flowTracingDir),
		s.LogsDir(),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", dir, err)
		}
	}

	now := time.Now().UTC()
	st := &RunState{
		Feature:        feature,
		Branch:         branch,
		BaseCommit:     baseCommit,
		CurrentCycle:   0,
		MaxCycles:      caps.MaxCycles,
		Concurrency:    caps.Concurrency,
		Status:         RunInitializing,
		CreatedAt:      now,
		UpdatedAt:      now,
		ActiveSessions: []string{},
		Cycles:         []CycleRecord{},
	}
	if err := s.SaveState(st); err != nil {
		return nil, err
	}
	return st, nil
}

// Load reads the existing RunState. Fails when absent.
func (s *Store) Load() (*RunState, error) {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.New(errors.CodeNotInitialized, "no run found").
				WithFix("run 'swarm start <feature>' first")
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, errors.Wrap(errors.CodeStateCorrupt, "parse state.json", err)
	}
	return &st, nil
}

// SaveState persists the RunState. Any failure here is fatal for the engine;
// it never runs with unpersisted transitions.
func (s *Store) SaveState(st *RunState) error {
	st.UpdatedAt = time.Now().UTC()
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}
	return util.AtomicWriteFile(s.statePath(), data, 0o644)
}

// UpdateState rereads the RunState under its lock, applies mutate, and
// persists the result.
func (s *Store) UpdateState(mutate func(*RunState) error) (*RunState, error) {
	lk := lock.New(s.statePath(), s.owner)
	var st *RunState
	err := lk.WithLock(func() error {
		var err error
		st, err = s.Load()
		if err != nil {
			return err
		}
		if err := mutate(st); err != nil {
			return err
		}
		return s.SaveState(st)
	})
	return st, err
}

// Exists reports whether a run has been initialized for this project.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.statePath())
	return err == nil
}

// Root returns the store's root directory.
func (s *Store) RootDir() string {
	return s.root
}

// Owner returns the lock owner identity for this handle.
func (s *Store) Owner() string {
	return s.owner
}
