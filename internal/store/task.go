package store

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/swarm-dev/swarm/internal/errors"
	"github.com/swarm-dev/swarm/internal/lock"
	"github.com/swarm-dev/swarm/internal/util"
)

// TaskID formats a monotone task id, zero-padded for sort stability.
func TaskID(n int) string {
	return fmt.Sprintf("task-%03d", n)
}

// TaskDef is the caller-supplied part of a new task.
type TaskDef struct {
	Subject      string
	Description  string
	Type         TaskType
	Risk         RiskLevel
	SecurityReqs []string
	PerfReqs     []string
	Acceptance   []string
}

// NextTaskNum returns one past the highest existing task number.
func (s *Store) NextTaskNum() (int, error) {
	tasks, err := s.ListTasks("")
	if err != nil {
		return 0, err
	}
	max := 0
	for _, t := range tasks {
		var n int
		if _, err := fmt.Sscanf(t.ID, "task-%d", &n); err == nil && n > max {
			max = n
		}
	}
	return max + 1, nil
}

// CreateTask writes a new Task with the given id and resolved dependency
// ids, then appends the new id to each dependency's blocks edge. The reverse
// edge update runs under the dependency's lock so it linearizes against
// concurrent claims of that dependency.
func (s *Store) CreateTask(def TaskDef, id string, dependsOn []string) (*Task, error) {
	if def.Type == "" {
		def.Type = TypeGeneral
	}
	if def.Risk == "" {
		def.Risk = RiskMedium
	}
	t := &Task{
		ID:           id,
		Subject:      def.Subject,
		Description:  def.Description,
		Status:       TaskPending,
		DependsOn:    dependsOn,
		Type:         def.Type,
		SecurityReqs: def.SecurityReqs,
		PerfReqs:     def.PerfReqs,
		Acceptance:   def.Acceptance,
		Risk:         def.Risk,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.writeTask(t); err != nil {
		return nil, err
	}

	for _, dep := range dependsOn {
		_, err := s.UpdateTask(dep, func(d *Task) error {
			for _, b := range d.Blocks {
				if b == id {
					return nil
				}
			}
			d.Blocks = append(d.Blocks, id)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("update blocks on %s: %w", dep, err)
		}
	}
	return t, nil
}

// GetTask reads a single task snapshot.
func (s *Store) GetTask(id string) (*Task, error) {
	return s.readTask(id)
}

// ListTasks returns a snapshot of all tasks, optionally filtered by status,
// in deterministic id order.
func (s *Store) ListTasks(status TaskStatus) ([]*Task, error) {
	entries, err := os.ReadDir(s.tasksDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read tasks dir: %w", err)
	}

	var tasks []*Task
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".json") {
			continue
		}
		t, err := s.readTask(strings.TrimSuffix(name, ".json"))
		if err != nil {
			return nil, err
		}
		if status != "" && t.Status != status {
			continue
		}
		tasks = append(tasks, t)
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	return tasks, nil
}

// UpdateTask holds the task's exclusive lock, rereads the record from disk,
// applies mutate, and publishes atomically. The mutator sees current state
// even when another process changed the task since the caller's last read.
func (s *Store) UpdateTask(id string, mutate func(*Task) error) (*Task, error) {
	lk := lock.New(s.taskPath(id), s.owner)
	var t *Task
	err := lk.WithLock(func() error {
		var err error
		t, err = s.readTask(id)
		if err != nil {
			return err
		}
		if err := mutate(t); err != nil {
			return err
		}
		return s.writeTask(t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Claim atomically transitions a pending task to in_progress for sessionID.
// Under the task's lock it rereads the task, verifies it is pending, and
// verifies every dependency is completed (each dependency reread on the same
// flight) before publishing the new owner. Two concurrent claims of the same
// task cannot both succeed.
func (s *Store) Claim(id, sessionID string) (*Task, error) {
	lk := lock.New(s.taskPath(id), s.owner)
	var t *Task
	err := lk.WithLock(func() error {
		var err error
		t, err = s.readTask(id)
		if err != nil {
			return err
		}
		if t.Status != TaskPending {
			return errors.Newf(errors.CodeTaskNotPending,
				"not pending (current: %s)", t.Status)
		}
		for _, dep := range t.DependsOn {
			d, err := s.readTask(dep)
			if err != nil {
				return errors.Newf(errors.CodeTaskBlocked,
					"blocked by unresolved dependency %s", dep)
			}
			if d.Status != TaskCompleted {
				return errors.Newf(errors.CodeTaskBlocked,
					"blocked by unresolved dependency %s", dep)
			}
		}
		now := time.Now().UTC()
		t.Status = TaskInProgress
		t.Owner = sessionID
		t.StartedAt = &now
		return s.writeTask(t)
	})
	if err != nil {
		return nil, err
	}
	return t, nil
}

// Complete marks an in_progress task completed. Only the current owner may
// complete it.
func (s *Store) Complete(id, sessionID, summary string, filesChanged []string) (*Task, error) {
	return s.UpdateTask(id, func(t *Task) error {
		if t.Owner != sessionID {
			return errors.Newf(errors.CodeNotOwner,
				"task %s is owned by %q, not %q", id, t.Owner, sessionID)
		}
		now := time.Now().UTC()
		t.Status = TaskCompleted
		t.ResultSummary = summary
		t.FilesChanged = filesChanged
		t.CompletedAt = &now
		return nil
	})
}

// ResetOrphans resets every in_progress task whose owner is not in the
// active session set back to pending. Returns the number of tasks reset.
func (s *Store) ResetOrphans(activeSessions []string) (int, error) {
	active := make(map[string]bool, len(activeSessions))
	for _, sid := range activeSessions {
		active[sid] = true
	}

	tasks, err := s.ListTasks(TaskInProgress)
	if err != nil {
		return 0, err
	}

	reset := 0
	for _, t := range tasks {
		if active[t.Owner] {
			continue
		}
		_, err := s.UpdateTask(t.ID, func(cur *Task) error {
			// Reread may show the owner finished between the list and the
			// lock; only reset tasks still orphaned.
			if cur.Status != TaskInProgress || active[cur.Owner] {
				return nil
			}
			cur.Status = TaskPending
			cur.Owner = ""
			cur.StartedAt = nil
			reset++
			return nil
		})
		if err != nil {
			return reset, err
		}
	}
	return reset, nil
}

func (s *Store) readTask(id string) (*Task, error) {
	data, err := os.ReadFile(s.taskPath(id))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Newf(errors.CodeTaskNotFound, "task %s not found", id)
		}
		return nil, fmt.Errorf("read task %s: %w", id, err)
	}
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, errors.Wrap(errors.CodeStateCorrupt, "parse task "+id, err)
	}
	return &t, nil
}

func (s *Store) writeTask(t *Task) error {
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	return util.AtomicWriteFile(s.taskPath(t.ID), data, 0o644)
}
