package coord

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/swarm-dev/swarm/internal/store"
)

type stubTests struct {
	passed  bool
	output  string
	files   []string
	timeout time.Duration
}

func (s *stubTests) RunTests(ctx context.Context, files []string, timeout time.Duration) (bool, string, error) {
	s.files = files
	s.timeout = timeout
	return s.passed, s.output, nil
}

func newTestServer(t *testing.T, tests TestRunner) (*Server, *store.Store, *gin.Engine) {
	t.Helper()
	s := store.Open(t.TempDir(), "engine")
	_, err := s.Init("feature", "swarm/feature", "abc", store.Caps{MaxCycles: 5, Concurrency: 3})
	require.NoError(t, err)

	srv := New(s, tests, nil)
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	srv.routes(engine)
	return srv, s, engine
}

func do(e *gin.Engine, method, path, session, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if session != "" {
		req.Header.Set(sessionHeader, session)
	}
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	e.ServeHTTP(w, req)
	return w
}

func seedTask(t *testing.T, s *store.Store, subject string, deps []string) *store.Task {
	t.Helper()
	n, err := s.NextTaskNum()
	require.NoError(t, err)
	task, err := s.CreateTask(store.TaskDef{Subject: subject}, store.TaskID(n), deps)
	require.NoError(t, err)
	return task
}

func TestMissingSessionHeader(t *testing.T) {
	_, _, e := newTestServer(t, nil)
	w := do(e, http.MethodPost, "/api/v1/tasks/task-001/claim", "", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), sessionHeader)
}

func TestListTasks(t *testing.T) {
	_, s, e := newTestServer(t, nil)
	seedTask(t, s, "one", nil)
	seedTask(t, s, "two", nil)

	w := do(e, http.MethodGet, "/api/v1/tasks", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	tasks := gjson.Get(w.Body.String(), "tasks")
	assert.Len(t, tasks.Array(), 2)

	w = do(e, http.MethodGet, "/api/v1/tasks?status=completed", "", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, gjson.Get(w.Body.String(), "tasks").Array())
}

func TestClaimHappyPath(t *testing.T) {
	_, s, e := newTestServer(t, nil)
	dep := seedTask(t, s, "dep", nil)
	_, err := s.Claim(dep.ID, "session-000")
	require.NoError(t, err)
	_, err = s.Complete(dep.ID, "session-000", "done", []string{"a.go"})
	require.NoError(t, err)

	target := seedTask(t, s, "target", []string{dep.ID})
	sibling := seedTask(t, s, "sibling", nil)
	_, err = s.Claim(sibling.ID, "session-002")
	require.NoError(t, err)

	w := do(e, http.MethodPost, "/api/v1/tasks/"+target.ID+"/claim", "session-001", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	body := w.Body.String()
	assert.Equal(t, "in_progress", gjson.Get(body, "task.status").String())
	assert.Equal(t, "session-001", gjson.Get(body, "task.owner").String())

	deps := gjson.Get(body, "dependency_context.completed_dependencies").Array()
	require.Len(t, deps, 1)
	assert.Equal(t, dep.ID, deps[0].Get("id").String())

	siblings := gjson.Get(body, "dependency_context.in_progress_siblings").Array()
	require.Len(t, siblings, 1)
	assert.Equal(t, sibling.ID, siblings[0].Get("id").String())
}

func TestClaimErrors(t *testing.T) {
	_, s, e := newTestServer(t, nil)
	claimed := seedTask(t, s, "claimed", nil)
	_, err := s.Claim(claimed.ID, "session-000")
	require.NoError(t, err)

	dep := seedTask(t, s, "dep", nil)
	blocked := seedTask(t, s, "blocked", []string{dep.ID})

	tests := []struct {
		name     string
		id       string
		wantCode int
		wantErr  string
	}{
		{"not found", "task-999", http.StatusNotFound, "TASK_NOT_FOUND"},
		{"already claimed", claimed.ID, http.StatusConflict, "TASK_NOT_PENDING"},
		{"blocked", blocked.ID, http.StatusConflict, "TASK_BLOCKED"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := do(e, http.MethodPost, "/api/v1/tasks/"+tt.id+"/claim", "session-001", "")
			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantErr, gjson.Get(w.Body.String(), "code").String())
		})
	}
}

func TestCompleteTask(t *testing.T) {
	_, s, e := newTestServer(t, nil)
	task := seedTask(t, s, "work", nil)
	_, err := s.Claim(task.ID, "session-001")
	require.NoError(t, err)

	body, _ := json.Marshal(map[string]any{
		"result_summary": "implemented",
		"files_changed":  []string{"api/export.go"},
	})

	// The wrong session cannot complete someone else's task.
	w := do(e, http.MethodPost, "/api/v1/tasks/"+task.ID+"/complete", "session-002", string(body))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "NOT_OWNER", gjson.Get(w.Body.String(), "code").String())

	w = do(e, http.MethodPost, "/api/v1/tasks/"+task.ID+"/complete", "session-001", string(body))
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "completed", gjson.Get(w.Body.String(), "task.status").String())
	assert.Equal(t, "implemented", gjson.Get(w.Body.String(), "task.result_summary").String())
}

func TestUpdatesRoundTrip(t *testing.T) {
	_, _, e := newTestServer(t, nil)

	post := `{"to": "session-002", "type": "question", "content": "what naming scheme?"}`
	w := do(e, http.MethodPost, "/api/v1/updates", "session-001", post)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	// Addressed to session-002, so session-002 sees it and session-003 does not.
	w = do(e, http.MethodGet, "/api/v1/updates", "session-002", "")
	require.Equal(t, http.StatusOK, w.Code)
	msgs := gjson.Get(w.Body.String(), "messages").Array()
	require.Len(t, msgs, 1)
	assert.Equal(t, "what naming scheme?", msgs[0].Get("content").String())

	w = do(e, http.MethodGet, "/api/v1/updates", "session-003", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, gjson.Get(w.Body.String(), "messages").Array())
}

func TestUpdatesBadSince(t *testing.T) {
	_, _, e := newTestServer(t, nil)
	w := do(e, http.MethodGet, "/api/v1/updates?since=yesterday", "session-001", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestPostUpdateRequiresType(t *testing.T) {
	_, _, e := newTestServer(t, nil)
	w := do(e, http.MethodPost, "/api/v1/updates", "session-001", `{"content": "typeless"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestContracts(t *testing.T) {
	_, _, e := newTestServer(t, nil)

	post := `{"id": "POST /api/export", "contract_type": "api_endpoint", "specification": "202 + job id"}`
	w := do(e, http.MethodPost, "/api/v1/contracts", "session-001", post)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = do(e, http.MethodGet, "/api/v1/contracts?type=api_endpoint", "session-002", "")
	require.Equal(t, http.StatusOK, w.Code)
	contracts := gjson.Get(w.Body.String(), "contracts").Array()
	require.Len(t, contracts, 1)
	assert.Equal(t, "POST /api/export", contracts[0].Get("id").String())

	// Missing required fields.
	w = do(e, http.MethodPost, "/api/v1/contracts", "session-001", `{"id": "x"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestDecisions(t *testing.T) {
	_, _, e := newTestServer(t, nil)

	post := `{"task_id": "task-001", "category": "naming", "decision": "snake_case columns", "rationale": "matches existing schema"}`
	w := do(e, http.MethodPost, "/api/v1/decisions", "session-001", post)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "session-001", gjson.Get(w.Body.String(), "decision.session_id").String())

	w = do(e, http.MethodGet, "/api/v1/decisions?category=naming", "session-002", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Len(t, gjson.Get(w.Body.String(), "decisions").Array(), 1)

	w = do(e, http.MethodGet, "/api/v1/decisions?category=auth", "session-002", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, gjson.Get(w.Body.String(), "decisions").Array())
}

func TestRunTestsNoRunner(t *testing.T) {
	_, _, e := newTestServer(t, nil)
	w := do(e, http.MethodPost, "/api/v1/tests/run", "session-001", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, gjson.Get(w.Body.String(), "passed").Bool())
	assert.Contains(t, gjson.Get(w.Body.String(), "output").String(), "no test command")
}

func TestRunTestsTailsOutput(t *testing.T) {
	long := strings.Repeat("x", testOutputTail+100)
	_, _, e := newTestServer(t, &stubTests{passed: false, output: long})

	w := do(e, http.MethodPost, "/api/v1/tests/run", "session-001", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, gjson.Get(w.Body.String(), "passed").Bool())
	assert.Len(t, gjson.Get(w.Body.String(), "output").String(), testOutputTail)
}

func TestRunTestsScopedWithTimeout(t *testing.T) {
	stub := &stubTests{passed: true, output: "ok"}
	_, _, e := newTestServer(t, stub)

	body := `{"files": ["api/export_test.go", "api/jobs_test.go"], "timeout_seconds": 90}`
	w := do(e, http.MethodPost, "/api/v1/tests/run", "session-001", body)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, gjson.Get(w.Body.String(), "passed").Bool())
	assert.Equal(t, []string{"api/export_test.go", "api/jobs_test.go"}, stub.files)
	assert.Equal(t, 90*time.Second, stub.timeout)
}

func TestRunTestsEmptyBodyRunsFullSuite(t *testing.T) {
	stub := &stubTests{passed: true, output: "ok"}
	_, _, e := newTestServer(t, stub)

	w := do(e, http.MethodPost, "/api/v1/tests/run", "session-001", "")
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Empty(t, stub.files)
	assert.Zero(t, stub.timeout)
}

func TestRunTestsBadBody(t *testing.T) {
	_, _, e := newTestServer(t, &stubTests{passed: true})
	w := do(e, http.MethodPost, "/api/v1/tests/run", "session-001", `{"files": "not a list"}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetSession(t *testing.T) {
	_, s, e := newTestServer(t, nil)
	require.NoError(t, s.WriteSessionStatus(&store.SessionStatus{
		SessionID: "session-001",
		State:     store.SessionWorking,
	}))

	w := do(e, http.MethodGet, "/api/v1/sessions/session-001", "session-002", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "working", gjson.Get(w.Body.String(), "session.state").String())

	w = do(e, http.MethodGet, "/api/v1/sessions/session-999", "session-002", "")
	assert.Equal(t, http.StatusNotFound, w.Code)
}
