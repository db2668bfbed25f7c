// Package supervisor spawns and tracks worker subprocesses against the
// coordination service, delivers wind-down broadcasts, and reclaims tasks
// from dead workers.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/swarm-dev/swarm/internal/config"
	"github.com/swarm-dev/swarm/internal/store"
)

// Supervisor manages the worker pool for one run.
type Supervisor struct {
	store      *store.Store
	cfg        *config.Config
	coordAddr  string
	projectDir string
	logger     *slog.Logger

	mu      sync.RWMutex
	workers map[string]*Worker
	wg      sync.WaitGroup
}

// New creates a Supervisor. coordAddr is the bound coordination address.
func New(s *store.Store, cfg *config.Config, coordAddr, projectDir string, logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		store:      s,
		cfg:        cfg,
		coordAddr:  coordAddr,
		projectDir: projectDir,
		logger:     logger,
		workers:    make(map[string]*Worker),
	}
}

// SpawnWorkers reclaims orphans, then starts up to count execution workers.
// Returns the session ids started.
func (s *Supervisor) SpawnWorkers(ctx context.Context, count int, wctx *WorkerContext) ([]string, error) {
	if _, err := s.SweepOrphans(); err != nil {
		return nil, err
	}

	var started []string
	for i := 0; i < count; i++ {
		w, err := s.spawn(ctx, KindExecution, wctx)
		if err != nil {
			return started, err
		}
		started = append(started, w.SessionID)
	}
	return started, nil
}

// SpawnSentinel starts the per-cycle read-only sentinel.
func (s *Supervisor) SpawnSentinel(ctx context.Context, wctx *WorkerContext) (string, error) {
	w, err := s.spawn(ctx, KindSentinel, wctx)
	if err != nil {
		return "", err
	}
	return w.SessionID, nil
}

func (s *Supervisor) spawn(ctx context.Context, kind WorkerKind, wctx *WorkerContext) (*Worker, error) {
	num, err := s.store.NextSessionNum()
	if err != nil {
		return nil, err
	}
	sid := store.SessionID(num)

	if err := s.store.WriteSessionStatus(&store.SessionStatus{
		SessionID: sid,
		State:     store.SessionStarting,
	}); err != nil {
		return nil, err
	}
	_, err = s.store.UpdateState(func(st *store.RunState) error {
		st.ActiveSessions = append(st.ActiveSessions, sid)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("register session %s: %w", sid, err)
	}

	w := newWorker(sid, kind, s)
	s.mu.Lock()
	s.workers[sid] = w
	s.mu.Unlock()

	s.wg.Add(1)
	go w.run(ctx, wctx)

	s.logger.Info("worker spawned", "session", sid, "kind", kind)
	return w, nil
}

// workerExited is called from the worker goroutine as it finishes.
func (s *Supervisor) workerExited(w *Worker, runErr error) {
	defer s.wg.Done()

	state := store.SessionDone
	note := ""
	if runErr != nil {
		state = store.SessionFailed
		note = runErr.Error()
		s.logger.Warn("worker failed", "session", w.SessionID, "error", runErr)
	} else {
		s.logger.Info("worker done", "session", w.SessionID)
	}
	if err := s.store.WriteSessionStatus(&store.SessionStatus{
		SessionID: w.SessionID,
		State:     state,
		Note:      note,
	}); err != nil {
		s.logger.Error("write session status", "session", w.SessionID, "error", err)
	}

	_, err := s.store.UpdateState(func(st *store.RunState) error {
		out := st.ActiveSessions[:0]
		for _, sid := range st.ActiveSessions {
			if sid != w.SessionID {
				out = append(out, sid)
			}
		}
		st.ActiveSessions = out
		return nil
	})
	if err != nil {
		s.logger.Error("deregister session", "session", w.SessionID, "error", err)
	}

	s.mu.Lock()
	delete(s.workers, w.SessionID)
	s.mu.Unlock()

	// The dead worker may have held an in_progress task.
	if _, err := s.SweepOrphans(); err != nil {
		s.logger.Error("orphan sweep after worker exit", "error", err)
	}
}

// ActiveSessions returns the session ids of workers still tracked in-process.
func (s *Supervisor) ActiveSessions() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.workers))
	for sid := range s.workers {
		out = append(out, sid)
	}
	return out
}

// ActiveCount returns the number of live workers, the sentinel included.
func (s *Supervisor) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workers)
}

// ExecutionCount returns the number of live execution workers. The sentinel
// never claims tasks, so respawn decisions must not count it.
func (s *Supervisor) ExecutionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, w := range s.workers {
		if w.Kind == KindExecution {
			n++
		}
	}
	return n
}

// SweepOrphans resets in_progress tasks whose owner is not an active
// session. Runs before spawning and periodically during execution.
func (s *Supervisor) SweepOrphans() (int, error) {
	reset, err := s.store.ResetOrphans(s.ActiveSessions())
	if err != nil {
		return 0, err
	}
	if reset > 0 {
		s.logger.Warn("reset orphaned tasks", "count", reset)
	}
	return reset, nil
}

// BroadcastWindDown publishes the wind-down message every worker observes on
// its next poll. resetsAt is included for usage_limit so workers can report
// when capacity returns.
func (s *Supervisor) BroadcastWindDown(reason string, resetsAt *time.Time) error {
	metadata := map[string]any{"reason": reason}
	if resetsAt != nil {
		metadata["resets_at"] = resetsAt.UTC().Format(time.RFC3339)
	}
	_, err := s.store.Broadcast("engine", store.MsgWindDown,
		"wind down: finish your current atomic unit, commit, and exit", metadata)
	return err
}

// WaitForAll blocks until every worker exits or the grace window lapses.
// On timeout the stragglers are killed; their tasks are reclaimed by the
// next orphan sweep. Returns true when all workers drained in time.
func (s *Supervisor) WaitForAll(ctx context.Context, grace time.Duration) bool {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return true
	case <-ctx.Done():
	case <-timer.C:
	}

	s.logger.Warn("grace window lapsed, stopping remaining workers",
		"remaining", s.ActiveCount())
	s.StopAll()
	<-done
	return false
}

// StopAll force-terminates every live worker.
func (s *Supervisor) StopAll() {
	s.mu.RLock()
	workers := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mu.RUnlock()
	for _, w := range workers {
		w.Stop()
	}
}
