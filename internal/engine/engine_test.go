package engine

import (
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/swarm-dev/swarm/internal/config"
	"github.com/swarm-dev/swarm/internal/flowtrace"
	"github.com/swarm-dev/swarm/internal/git"
	"github.com/swarm-dev/swarm/internal/issues"
	"github.com/swarm-dev/swarm/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.Store) {
	t.Helper()
	s := store.Open(t.TempDir(), "engine")
	_, err := s.Init("feature", "swarm/feature", "abc", store.Caps{MaxCycles: 5, Concurrency: 3})
	require.NoError(t, err)
	return &Engine{
		store:    s,
		cfg:      config.DefaultConfig(),
		registry: issues.NewRegistry(s.KnownIssuesPath()),
		logger:   slog.Default(),
	}, s
}

// gitRecorder fakes every git command as succeeding with a fixed output, so
// Commit sees a dirty tree and goes through stage and commit.
type gitRecorder struct {
	commands [][]string
}

func (r *gitRecorder) Run(workDir, name string, args ...string) (string, error) {
	r.commands = append(r.commands, append([]string{name}, args...))
	return "abc123", nil
}

func (r *gitRecorder) sawSubcommand(sub string) bool {
	for _, cmd := range r.commands {
		if len(cmd) > 1 && cmd[1] == sub {
			return true
		}
	}
	return false
}

func TestSplitRenderedIssue(t *testing.T) {
	tests := []struct {
		issue        string
		wantSeverity string
		wantDesc     string
	}{
		{"[critical] SQL injection in filter", "critical", "SQL injection in filter"},
		{"[minor] naming", "minor", "naming"},
		{"no brackets at all", "unknown", "no brackets at all"},
		{"[unclosed severity", "unknown", "[unclosed severity"},
	}
	for _, tt := range tests {
		severity, desc := splitRenderedIssue(tt.issue)
		assert.Equal(t, tt.wantSeverity, severity, tt.issue)
		assert.Equal(t, tt.wantDesc, desc, tt.issue)
	}
}

func TestLastPlanVersion(t *testing.T) {
	st := &store.RunState{}
	assert.Equal(t, 0, lastPlanVersion(st))

	st.Cycles = []store.CycleRecord{{PlanVersion: 1}, {PlanVersion: 2}}
	assert.Equal(t, 2, lastPlanVersion(st))
}

func TestSynthesizeFixTasks(t *testing.T) {
	e, s := newTestEngine(t)

	report := flowtrace.BuildReport(1, nil, []*flowtrace.Finding{
		{Title: "IDOR on export", Description: "any user can fetch any job", Severity: flowtrace.SeverityCritical, FilePath: "api/export.go"},
		{Title: "missing index", Severity: flowtrace.SeverityMedium},
		{Title: "token in logs", Description: "bearer token logged", Severity: flowtrace.SeverityHigh},
	})
	require.NoError(t, e.synthesizeFixTasks(report, 1))

	tasks, err := s.ListTasks(store.TaskPending)
	require.NoError(t, err)
	require.Len(t, tasks, 2)

	assert.Equal(t, "task-001", tasks[0].ID)
	assert.Equal(t, "Fix: IDOR on export", tasks[0].Subject)
	assert.Equal(t, store.TypeSecurity, tasks[0].Type)
	assert.Equal(t, store.RiskHigh, tasks[0].Risk)
	assert.Contains(t, tasks[0].Description, "Location: api/export.go")

	assert.Equal(t, "Fix: token in logs", tasks[1].Subject)
	assert.Equal(t, store.RiskMedium, tasks[1].Risk)
}

func TestSynthesizeFixTasksNothingBlocking(t *testing.T) {
	e, s := newTestEngine(t)
	report := flowtrace.BuildReport(1, nil, []*flowtrace.Finding{
		{Title: "style nit", Severity: flowtrace.SeverityLow},
	})
	require.NoError(t, e.synthesizeFixTasks(report, 1))

	tasks, err := s.ListTasks("")
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestResolveAddressedIssues(t *testing.T) {
	e, _ := newTestEngine(t)

	_, err := e.registry.Add([]*issues.KnownIssue{
		{Description: "IDOR on export", Severity: "high", Source: issues.SourceFlowTracing, FilePath: "api/export.go", CycleFound: 1},
		{Description: "token in logs", Severity: "high", Source: issues.SourceCodexReview, CycleFound: 1},
		{Description: "hardcoded secret", Severity: "critical", Source: issues.SourceSentinel, CycleFound: 1},
	})
	require.NoError(t, err)

	// Cycle 2: review and tracing both ran; only the IDOR is still reported.
	_, err = e.registry.Add([]*issues.KnownIssue{
		{Description: "IDOR on export", Severity: "high", Source: issues.SourceFlowTracing, FilePath: "api/export.go", CycleFound: 2},
	})
	require.NoError(t, err)

	run := &cycleRun{reviewRan: true, flowReport: flowtrace.BuildReport(2, nil, nil)}
	e.resolveAddressedIssues(run, 2)

	entries, err := e.registry.Load()
	require.NoError(t, err)
	require.Len(t, entries, 3)
	byDesc := make(map[string]*issues.KnownIssue, len(entries))
	for _, en := range entries {
		byDesc[en.Description] = en
	}

	// Still reported, stays open.
	assert.False(t, byDesc["IDOR on export"].Addressed)
	// The review ran and no longer reports it.
	require.True(t, byDesc["token in logs"].Addressed)
	require.NotNil(t, byDesc["token in logs"].AddressedCycle)
	assert.Equal(t, 2, *byDesc["token in logs"].AddressedCycle)
	// No scanner re-checks sentinel findings; they stay open for the operator.
	assert.False(t, byDesc["hardcoded secret"].Addressed)

	// Addressed findings stop feeding the replan context.
	st, err := e.store.Load()
	require.NoError(t, err)
	req, err := e.buildPlanRequest(st, 1)
	require.NoError(t, err)
	require.Len(t, req.UnresolvedIssues, 2)
	for _, line := range req.UnresolvedIssues {
		assert.NotContains(t, line, "token in logs")
	}
}

func TestResolveAddressedIssuesScannerSkipped(t *testing.T) {
	e, _ := newTestEngine(t)
	_, err := e.registry.Add([]*issues.KnownIssue{
		{Description: "token in logs", Severity: "high", Source: issues.SourceCodexReview, CycleFound: 1},
	})
	require.NoError(t, err)

	// The review did not run this cycle, so its absence proves nothing.
	e.resolveAddressedIssues(&cycleRun{}, 2)

	unresolved, err := e.registry.Unresolved()
	require.NoError(t, err)
	assert.Len(t, unresolved, 1)
}

func TestEscalateStopCompletesRun(t *testing.T) {
	e, s := newTestEngine(t)
	e.cfg.Interactive = true
	recorder := &gitRecorder{}
	e.git = git.NewWithRunner(t.TempDir(), recorder)
	e.prompter = func(esc *store.Escalation) (*EscalationChoice, error) {
		return &EscalationChoice{Option: "stop"}, nil
	}

	res, done, err := e.escalate(ReasonCycleLimit)
	require.NoError(t, err)
	assert.True(t, done)
	assert.Equal(t, store.RunCompleted, res.Status)
	assert.Equal(t, ExitComplete, res.ExitCode)
	assert.True(t, recorder.sawSubcommand("commit"))

	st, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, store.RunCompleted, st.Status)
}

func TestEscalateContinueGrantsAnotherCycle(t *testing.T) {
	e, s := newTestEngine(t)
	e.cfg.Interactive = true
	e.git = git.NewWithRunner(t.TempDir(), &gitRecorder{})
	e.prompter = func(esc *store.Escalation) (*EscalationChoice, error) {
		return &EscalationChoice{Option: "continue"}, nil
	}

	_, err := s.UpdateState(func(rs *store.RunState) error {
		rs.CurrentCycle = 4
		return nil
	})
	require.NoError(t, err)

	res, done, err := e.escalate(ReasonCycleLimit)
	require.NoError(t, err)
	assert.False(t, done)
	assert.Nil(t, res)

	st, err := s.Load()
	require.NoError(t, err)
	assert.Equal(t, 6, st.MaxCycles)
	assert.NotEqual(t, store.RunCompleted, st.Status)
}

func TestConsumePauseSignal(t *testing.T) {
	e, s := newTestEngine(t)
	assert.False(t, e.consumePauseSignal())

	require.NoError(t, os.WriteFile(s.PauseSignalPath(), nil, 0o644))
	assert.True(t, e.consumePauseSignal())
	// The signal is consumed, not just observed.
	assert.False(t, e.consumePauseSignal())
	_, err := os.Stat(s.PauseSignalPath())
	assert.True(t, os.IsNotExist(err))
}
