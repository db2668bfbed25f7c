// Package coord exposes the task board to worker sessions over a local HTTP
// API. Workers identify themselves with the X-Swarm-Session header; all
// durable effects go through the store, so the service itself is stateless.
package coord

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/swarm-dev/swarm/internal/store"
)

const sessionHeader = "X-Swarm-Session"

// TestRunner executes the project's test command. A non-empty files list
// scopes the run; a positive timeout overrides the runner's default.
type TestRunner interface {
	RunTests(ctx context.Context, files []string, timeout time.Duration) (passed bool, output string, err error)
}

// Server is the coordination HTTP service.
type Server struct {
	store  *store.Store
	tests  TestRunner
	logger *slog.Logger

	httpServer *http.Server
	listener   net.Listener
}

// New creates a Server. tests may be nil when no test command is configured.
func New(s *store.Store, tests TestRunner, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{store: s, tests: tests, logger: logger}
}

// Start binds the listener and serves in a background goroutine. An empty
// addr binds an ephemeral loopback port; use Addr to discover it.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("coord listen: %w", err)
	}
	s.listener = ln

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	s.routes(engine)

	s.httpServer = &http.Server{
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Error("coordination server stopped", "error", err)
		}
	}()
	s.logger.Info("coordination server listening", "addr", s.Addr())
	return nil
}

// Addr returns the bound address, valid after Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) routes(e *gin.Engine) {
	v1 := e.Group("/api/v1")
	{
		v1.GET("/tasks", s.handleListTasks)
		v1.POST("/tasks/:id/claim", s.handleClaimTask)
		v1.POST("/tasks/:id/complete", s.handleCompleteTask)
		v1.GET("/updates", s.handleReadUpdates)
		v1.POST("/updates", s.handlePostUpdate)
		v1.GET("/sessions/:id", s.handleGetSession)
		v1.POST("/contracts", s.handleRegisterContract)
		v1.GET("/contracts", s.handleGetContracts)
		v1.POST("/decisions", s.handleRecordDecision)
		v1.GET("/decisions", s.handleGetDecisions)
		v1.POST("/tests/run", s.handleRunTests)
	}
}

// sessionID extracts the caller's session identity, aborting with 400 when
// the header is absent.
func sessionID(c *gin.Context) (string, bool) {
	sid := c.GetHeader(sessionHeader)
	if sid == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "missing " + sessionHeader + " header",
		})
		return "", false
	}
	return sid, true
}
