package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
)

// WorkerKind distinguishes execution workers from the read-only sentinel.
type WorkerKind string

const (
	KindExecution WorkerKind = "execution"
	KindSentinel  WorkerKind = "sentinel"
)

// Worker is one agent subprocess bound to a session id.
type Worker struct {
	SessionID string
	Kind      WorkerKind

	sup    *Supervisor
	cancel context.CancelFunc

	mu  sync.Mutex
	cmd *exec.Cmd
}

func newWorker(sessionID string, kind WorkerKind, sup *Supervisor) *Worker {
	return &Worker{SessionID: sessionID, Kind: kind, sup: sup}
}

// run launches the agent subprocess and consumes its event stream until
// exit. Only result and error events are observed; tool-use events are
// debug-logged.
func (w *Worker) run(ctx context.Context, wctx *WorkerContext) {
	ctx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	defer cancel()

	prompt := buildPrompt(w.Kind, w.SessionID, w.sup.coordAddr, wctx)
	args := []string{
		"-p", prompt,
		"--output-format", "stream-json",
		"--verbose",
		"--dangerously-skip-permissions",
	}
	cmd := exec.CommandContext(ctx, w.sup.cfg.AgentCommand, args...)
	cmd.Dir = w.sup.projectDir
	cmd.Env = append(os.Environ(),
		"SWARM_PROJECT_DIR="+w.sup.projectDir,
		"SWARM_COORD_ADDR="+w.sup.coordAddr,
		"SWARM_SESSION_ID="+w.SessionID,
	)
	setProcAttr(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		w.sup.workerExited(w, fmt.Errorf("stdout pipe: %w", err))
		return
	}
	if err := cmd.Start(); err != nil {
		w.sup.workerExited(w, fmt.Errorf("start %s: %w", w.sup.cfg.AgentCommand, err))
		return
	}
	w.mu.Lock()
	w.cmd = cmd
	w.mu.Unlock()

	streamErr := w.consumeEvents(stdout)

	waitErr := cmd.Wait()
	if ctx.Err() != nil {
		// Terminated by the supervisor; child processes go with the group.
		w.killProcessGroup()
		w.sup.workerExited(w, nil)
		return
	}
	switch {
	case streamErr != nil:
		w.sup.workerExited(w, streamErr)
	case waitErr != nil:
		w.sup.workerExited(w, fmt.Errorf("worker process: %w", waitErr))
	default:
		w.sup.workerExited(w, nil)
	}
}

// consumeEvents reads the JSONL event stream. A result event with an error
// subtype, or an explicit error event, fails the worker.
func (w *Worker) consumeEvents(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)

	var streamErr error
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !gjson.Valid(line) {
			continue
		}
		event := gjson.Parse(line)
		switch event.Get("type").String() {
		case "result":
			subtype := event.Get("subtype").String()
			if strings.HasPrefix(subtype, "error") {
				streamErr = fmt.Errorf("worker result %s: %s",
					subtype, event.Get("result").String())
				w.sup.logger.Warn("worker result", "session", w.SessionID,
					"subtype", subtype)
			} else {
				w.sup.logger.Info("worker result", "session", w.SessionID,
					"subtype", subtype,
					"duration_ms", event.Get("duration_ms").Int())
			}
		case "error":
			streamErr = fmt.Errorf("worker error event: %s",
				event.Get("message").String())
			w.sup.logger.Warn("worker error", "session", w.SessionID,
				"message", event.Get("message").String())
		default:
			w.sup.logger.Debug("worker event", "session", w.SessionID,
				"type", event.Get("type").String())
		}
	}
	if err := scanner.Err(); err != nil && streamErr == nil {
		streamErr = fmt.Errorf("read event stream: %w", err)
	}
	return streamErr
}

// Stop cancels the worker and kills its process group.
func (w *Worker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.killProcessGroup()
}

func (w *Worker) killProcessGroup() {
	w.mu.Lock()
	cmd := w.cmd
	w.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return
	}
	if err := killProcessGroup(cmd.Process.Pid); err != nil {
		// ESRCH is expected when the process already exited.
		w.sup.logger.Debug("process group cleanup",
			"session", w.SessionID, "pid", cmd.Process.Pid, "error", err)
	}
}
