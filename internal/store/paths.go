package store

import (
	"fmt"
	"path/filepath"
)

// DirName is the project-scoped state directory.
const DirName = ".swarm"

// File and directory names under DirName.
const (
	stateFile       = "state.json"
	tasksDir        = "tasks"
	sessionsDir     = "sessions"
	messagesDir     = "messages"
	contractsDir    = "contracts"
	decisionsFile   = "decisions.jsonl"
	conventionsFile = "conventions.json"
	knownIssuesFile = "known-issues.json"
	escalationFile  = "escalation.json"
	pauseSignalFile = "pause.signal"
	flowTracingDir  = "flow-tracing"
	logsDir         = "logs"
)

// Root returns the .swarm directory for a project.
func Root(projectDir string) string {
	return filepath.Join(projectDir, DirName)
}

func (s *Store) statePath() string {
	return filepath.Join(s.root, stateFile)
}

func (s *Store) taskPath(id string) string {
	return filepath.Join(s.root, tasksDir, id+".json")
}

func (s *Store) tasksDir() string {
	return filepath.Join(s.root, tasksDir)
}

func (s *Store) sessionDir(sessionID string) string {
	return filepath.Join(s.root, sessionsDir, sessionID)
}

func (s *Store) sessionStatusPath(sessionID string) string {
	return filepath.Join(s.sessionDir(sessionID), "status.json")
}

func (s *Store) messagesPath(sessionID string) string {
	return filepath.Join(s.root, messagesDir, sessionID+".jsonl")
}

func (s *Store) messagesDir() string {
	return filepath.Join(s.root, messagesDir)
}

func (s *Store) contractPath(id string) string {
	return filepath.Join(s.root, contractsDir, id+".json")
}

func (s *Store) contractsDir() string {
	return filepath.Join(s.root, contractsDir)
}

func (s *Store) decisionsPath() string {
	return filepath.Join(s.root, decisionsFile)
}

// PlanPath returns the plan text path for a plan version.
func (s *Store) PlanPath(version int) string {
	return filepath.Join(s.root, fmt.Sprintf("plan-v%d.md", version))
}

// QAPath returns the clarifying Q&A transcript path.
func (s *Store) QAPath() string {
	return filepath.Join(s.root, "qa.md")
}

// ConventionsPath returns the cached codebase conventions path.
func (s *Store) ConventionsPath() string {
	return filepath.Join(s.root, conventionsFile)
}

// KnownIssuesPath returns the known-issue registry path.
func (s *Store) KnownIssuesPath() string {
	return filepath.Join(s.root, knownIssuesFile)
}

// EscalationPath returns the escalation record path.
func (s *Store) EscalationPath() string {
	return filepath.Join(s.root, escalationFile)
}

// PauseSignalPath returns the user pause signal path.
func (s *Store) PauseSignalPath() string {
	return filepath.Join(s.root, pauseSignalFile)
}

// FlowReportPath returns the flow-tracing report path for a cycle.
func (s *Store) FlowReportPath(cycle int) string {
	return filepath.Join(s.root, flowTracingDir, fmt.Sprintf("report-cycle-%d.json", cycle))
}

// LogsDir returns the logs directory.
func (s *Store) LogsDir() string {
	return filepath.Join(s.root, logsDir)
}
