// Package api exposes the run registry over HTTP.
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/delvd/delv/pkg/models"
	"github.com/delvd/delv/pkg/registry"
)

// Server is the HTTP surface over the run registry.
type Server struct {
	runs   *registry.Service
	engine *gin.Engine
	http   *http.Server
}

// NewServer builds the router. addr is the listen address.
func NewServer(runs *registry.Service, addr string) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		runs:   runs,
		engine: engine,
		http: &http.Server{
			Addr:              addr,
			Handler:           engine,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}

	engine.GET("/healthz", s.Health)
	engine.POST("/runs", s.CreateRun)
	engine.GET("/runs", s.ListRuns)
	engine.GET("/runs/:run_id", s.GetRun)
	engine.GET("/runs/:run_id/report", s.GetReport)
	engine.POST("/runs/:run_id/approve", s.ApproveRun)
	engine.POST("/runs/:run_id/reject", s.RejectRun)

	return s
}

// Handler exposes the router for httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves until the listener fails or Shutdown is called.
func (s *Server) Run() error {
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

// Health reports process liveness.
func (s *Server) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type createRunRequest struct {
	Topic             string `json:"topic" binding:"required"`
	UserID            string `json:"user_id"`
	ClientTraceparent string `json:"client_traceparent"`
}

// CreateRun accepts a research topic and queues a run.
func (s *Server) CreateRun(c *gin.Context) {
	var req createRunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	traceparent := req.ClientTraceparent
	if traceparent == "" {
		traceparent = c.GetHeader("traceparent")
	}

	run, err := s.runs.CreateRun(c.Request.Context(), req.Topic, req.UserID, traceparent)
	if err != nil {
		s.mapError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, gin.H{
		"run_id": run.ID,
		"status": run.Status,
		"links": gin.H{
			"self":   "/runs/" + run.ID,
			"report": "/runs/" + run.ID + "/report",
		},
	})
}

// ListRuns returns runs newest-first, optionally filtered by ?status=.
func (s *Server) ListRuns(c *gin.Context) {
	status := models.RunStatus(c.Query("status"))
	if status != "" && !status.IsValid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status filter"})
		return
	}

	runs, err := s.runs.List(c.Request.Context(), status, 100)
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs, "count": len(runs)})
}

// GetRun returns the full run record.
func (s *Server) GetRun(c *gin.Context) {
	run, err := s.runs.Get(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, run)
}

// GetReport returns the materialized report, 409 until completed.
func (s *Server) GetReport(c *gin.Context) {
	view, err := s.runs.Report(c.Request.Context(), c.Param("run_id"))
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, view)
}

// ApproveRun resolves the first pending approval.
func (s *Server) ApproveRun(c *gin.Context) {
	err := s.runs.Approve(c.Request.Context(), c.Param("run_id"), c.Query("approver"))
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "approved"})
}

// RejectRun resolves the first pending approval.
func (s *Server) RejectRun(c *gin.Context) {
	err := s.runs.Reject(c.Request.Context(), c.Param("run_id"), c.Query("rejector"), c.Query("reason"))
	if err != nil {
		s.mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "rejected"})
}

// mapError converts registry errors to HTTP responses.
func (s *Server) mapError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrRunNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
	case errors.Is(err, registry.ErrNotReady):
		c.JSON(http.StatusConflict, gin.H{"error": "report not ready"})
	case errors.Is(err, registry.ErrNoPendingApproval):
		c.JSON(http.StatusConflict, gin.H{"error": "no pending approval"})
	case errors.Is(err, registry.ErrEmptyTopic),
		errors.Is(err, registry.ErrTopicTooLong),
		errors.Is(err, registry.ErrUserIDTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
