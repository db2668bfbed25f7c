package coord

import (
	stderrors "errors"
	"io"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/swarm-dev/swarm/internal/errors"
	"github.com/swarm-dev/swarm/internal/store"
	"github.com/swarm-dev/swarm/internal/util"
)

// testOutputTail bounds how much test output is returned to a worker.
const testOutputTail = 5000

// DependencyContext is everything a worker needs to start a claimed task
// without re-deriving board state.
type DependencyContext struct {
	CompletedDeps      []*store.Task     `json:"completed_dependencies"`
	InProgressSiblings []*store.Task     `json:"in_progress_siblings"`
	Contracts          []*store.Contract `json:"contracts"`
	Decisions          []*store.Decision `json:"decisions"`
	Warnings           []string          `json:"warnings,omitempty"`
}

func (s *Server) handleListTasks(c *gin.Context) {
	status := store.TaskStatus(c.Query("status"))
	tasks, err := s.store.ListTasks(status)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": tasks})
}

func (s *Server) handleClaimTask(c *gin.Context) {
	sid, ok := sessionID(c)
	if !ok {
		return
	}
	id := c.Param("id")

	task, err := s.store.Claim(id, sid)
	if err != nil {
		s.claimError(c, id, err)
		return
	}

	depCtx, err := s.buildDependencyContext(task)
	if err != nil {
		s.internalError(c, err)
		return
	}
	s.logger.Info("task claimed", "task", id, "session", sid)
	c.JSON(http.StatusOK, gin.H{
		"task":               task,
		"dependency_context": depCtx,
	})
}

// claimError maps store claim failures onto structured responses so a worker
// can tell "pick another task" apart from "retry shortly".
func (s *Server) claimError(c *gin.Context, id string, err error) {
	body := gin.H{"task_id": id, "error": err.Error(), "code": string(errors.CodeOf(err))}
	switch errors.CodeOf(err) {
	case errors.CodeTaskNotFound:
		c.JSON(http.StatusNotFound, body)
	case errors.CodeTaskNotPending, errors.CodeTaskBlocked:
		c.JSON(http.StatusConflict, body)
	case errors.CodeLockContended:
		body["retry"] = true
		c.JSON(http.StatusConflict, body)
	default:
		c.JSON(http.StatusInternalServerError, body)
	}
}

func (s *Server) buildDependencyContext(task *store.Task) (*DependencyContext, error) {
	ctx := &DependencyContext{}
	for _, dep := range task.DependsOn {
		d, err := s.store.GetTask(dep)
		if err != nil {
			ctx.Warnings = append(ctx.Warnings, "dependency "+dep+" unreadable: "+err.Error())
			continue
		}
		ctx.CompletedDeps = append(ctx.CompletedDeps, d)
	}

	inProgress, err := s.store.ListTasks(store.TaskInProgress)
	if err != nil {
		return nil, err
	}
	for _, t := range inProgress {
		if t.ID != task.ID {
			ctx.InProgressSiblings = append(ctx.InProgressSiblings, t)
		}
	}

	if ctx.Contracts, err = s.store.ListContracts("", ""); err != nil {
		return nil, err
	}
	if ctx.Decisions, err = s.store.ListDecisions(""); err != nil {
		return nil, err
	}
	return ctx, nil
}

type completeRequest struct {
	ResultSummary string   `json:"result_summary"`
	FilesChanged  []string `json:"files_changed"`
}

func (s *Server) handleCompleteTask(c *gin.Context) {
	sid, ok := sessionID(c)
	if !ok {
		return
	}
	id := c.Param("id")

	var req completeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}

	task, err := s.store.Complete(id, sid, req.ResultSummary, req.FilesChanged)
	if err != nil {
		body := gin.H{"task_id": id, "error": err.Error(), "code": string(errors.CodeOf(err))}
		switch errors.CodeOf(err) {
		case errors.CodeTaskNotFound:
			c.JSON(http.StatusNotFound, body)
		case errors.CodeNotOwner:
			c.JSON(http.StatusForbidden, body)
		default:
			c.JSON(http.StatusInternalServerError, body)
		}
		return
	}
	s.logger.Info("task completed", "task", id, "session", sid,
		"files_changed", len(task.FilesChanged))
	c.JSON(http.StatusOK, gin.H{"task": task})
}

func (s *Server) handleReadUpdates(c *gin.Context) {
	sid, ok := sessionID(c)
	if !ok {
		return
	}
	var since time.Time
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.Parse(time.RFC3339Nano, raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC3339: " + err.Error()})
			return
		}
		since = parsed
	}
	msgs, err := s.store.ReadMessages(sid, since)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

type postUpdateRequest struct {
	To       string            `json:"to"`
	Type     store.MessageType `json:"type" binding:"required"`
	Content  string            `json:"content"`
	Metadata map[string]any    `json:"metadata"`
}

func (s *Server) handlePostUpdate(c *gin.Context) {
	sid, ok := sessionID(c)
	if !ok {
		return
	}
	var req postUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	msg, err := s.store.AppendMessage(&store.Message{
		From:     sid,
		To:       req.To,
		Type:     req.Type,
		Content:  req.Content,
		Metadata: req.Metadata,
	})
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": msg})
}

func (s *Server) handleGetSession(c *gin.Context) {
	st, err := s.store.ReadSessionStatus(c.Param("id"))
	if err != nil {
		s.internalError(c, err)
		return
	}
	if st == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown session " + c.Param("id")})
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": st})
}

type registerContractRequest struct {
	ID   string             `json:"id" binding:"required"`
	Type store.ContractType `json:"contract_type" binding:"required"`
	Spec string             `json:"specification" binding:"required"`
}

func (s *Server) handleRegisterContract(c *gin.Context) {
	sid, ok := sessionID(c)
	if !ok {
		return
	}
	var req registerContractRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	contract, err := s.store.PutContract(&store.Contract{
		ID:        req.ID,
		Type:      req.Type,
		Spec:      req.Spec,
		OwnerTask: c.Query("task"),
	})
	if err != nil {
		s.internalError(c, err)
		return
	}
	s.logger.Info("contract registered", "id", req.ID, "session", sid)
	c.JSON(http.StatusOK, gin.H{"contract": contract})
}

func (s *Server) handleGetContracts(c *gin.Context) {
	contracts, err := s.store.ListContracts(
		store.ContractType(c.Query("type")), c.Query("id"))
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"contracts": contracts})
}

type recordDecisionRequest struct {
	TaskID    string                 `json:"task_id"`
	Category  store.DecisionCategory `json:"category" binding:"required"`
	Decision  string                 `json:"decision" binding:"required"`
	Rationale string                 `json:"rationale"`
}

func (s *Server) handleRecordDecision(c *gin.Context) {
	sid, ok := sessionID(c)
	if !ok {
		return
	}
	var req recordDecisionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	d, err := s.store.AppendDecision(&store.Decision{
		TaskID:    req.TaskID,
		SessionID: sid,
		Category:  req.Category,
		Decision:  req.Decision,
		Rationale: req.Rationale,
	})
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decision": d})
}

func (s *Server) handleGetDecisions(c *gin.Context) {
	decisions, err := s.store.ListDecisions(store.DecisionCategory(c.Query("category")))
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"decisions": decisions})
}

type runTestsRequest struct {
	Files          []string `json:"files"`
	TimeoutSeconds int      `json:"timeout_seconds"`
}

func (s *Server) handleRunTests(c *gin.Context) {
	if _, ok := sessionID(c); !ok {
		return
	}
	// The body is optional: no body means a full-suite run.
	var req runTestsRequest
	if err := c.ShouldBindJSON(&req); err != nil && !stderrors.Is(err, io.EOF) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body: " + err.Error()})
		return
	}
	if s.tests == nil {
		c.JSON(http.StatusOK, gin.H{
			"passed": true,
			"output": "no test command configured",
		})
		return
	}
	passed, output, err := s.tests.RunTests(c.Request.Context(),
		req.Files, time.Duration(req.TimeoutSeconds)*time.Second)
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"passed": passed,
		"output": util.Tail(output, testOutputTail),
	})
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.logger.Error("coordination request failed",
		"path", c.FullPath(), "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
}
