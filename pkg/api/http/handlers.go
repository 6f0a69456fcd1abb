package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/aescanero/taskloop/internal/application/orchestrator"
	"github.com/aescanero/taskloop/internal/application/workflow"
	"github.com/aescanero/taskloop/pkg/domain"
	"github.com/aescanero/taskloop/pkg/ports"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// MessageRequest represents a message sent to an agent
type MessageRequest struct {
	Content string `json:"content" binding:"required"`
}

// MessageResponse represents an agent's reply
type MessageResponse struct {
	AgentID string `json:"agent_id"`
	Reply   string `json:"reply"`
}

// CancelResponse represents the outcome of a cancellation request
type CancelResponse struct {
	AgentID   string `json:"agent_id"`
	Cancelled bool   `json:"cancelled"`
}

// RunAcceptedResponse is returned for asynchronous runs
type RunAcceptedResponse struct {
	ManagerID string `json:"manager_id"`
	Status    string `json:"status"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail represents error details
type ErrorDetail struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	checks := gin.H{"orchestrator": "ok"}
	status := http.StatusOK
	overall := "healthy"

	if s.health != nil {
		pool := s.health.GetStatus()
		checks["worker_pool"] = gin.H{
			"total":     pool.TotalWorkers,
			"idle":      pool.IdleWorkers,
			"busy":      pool.BusyWorkers,
			"saturated": pool.Saturated,
		}
		if pool.Stopped {
			status = http.StatusServiceUnavailable
			overall = "unhealthy"
		}
	}

	c.JSON(status, gin.H{
		"status":    overall,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"checks":    checks,
	})
}

// handleCreateAgent creates a new orchestrator agent
func (s *Server) handleCreateAgent(c *gin.Context) {
	var rec domain.AgentRecord
	if err := c.ShouldBindJSON(&rec); err != nil {
		s.badRequest(c, err)
		return
	}

	created, err := s.driver.CreateAgent(c.Request.Context(), rec)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, created)
}

// handleListAgents lists all agents
func (s *Server) handleListAgents(c *gin.Context) {
	records, err := s.driver.ListAgents(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"agents": records,
		"total":  len(records),
	})
}

// handleGetAgent returns one agent record
func (s *Server) handleGetAgent(c *gin.Context) {
	state, err := s.driver.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, state.Record())
}

// handleSendMessage appends a message to an agent's history
func (s *Server) handleSendMessage(c *gin.Context) {
	var req MessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	id := c.Param("id")
	reply, err := s.driver.SendMessage(c.Request.Context(), id, req.Content)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, MessageResponse{AgentID: id, Reply: reply})
}

// handleGetMainTask returns an agent's active main task
func (s *Server) handleGetMainTask(c *gin.Context) {
	mt, err := s.driver.ActiveMainTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, mt)
}

// handleListRules returns an agent's learned rules
func (s *Server) handleListRules(c *gin.Context) {
	learned, err := s.driver.LearnedRules(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"rules": learned,
		"total": len(learned),
	})
}

// handleCancelMainTask cancels an agent's active main task
func (s *Server) handleCancelMainTask(c *gin.Context) {
	id := c.Param("id")
	cancelled, err := s.driver.CancelMainTask(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, CancelResponse{AgentID: id, Cancelled: cancelled})
}

// handleRunWorkflow runs a workflow loop. With ?async=true the loop runs in
// the background and 202 is returned immediately.
func (s *Server) handleRunWorkflow(c *gin.Context) {
	var req domain.RunRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}

	if c.Query("async") == "true" {
		if !s.beginRun() {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{
				Error: ErrorDetail{
					Code:    "SHUTTING_DOWN",
					Message: "server is shutting down",
				},
			})
			return
		}
		go func() {
			defer s.runs.Done()
			res := s.driver.RunMainTaskLoop(s.runCtx, req)
			s.logger.Info("background run finished",
				zap.String("main_task_id", res.MainTaskID),
				zap.String("status", string(res.Status)))
		}()
		managerID := req.ManagerID
		if managerID == "" {
			managerID = s.driver.DefaultManagerID()
		}
		c.JSON(http.StatusAccepted, RunAcceptedResponse{ManagerID: managerID, Status: "accepted"})
		return
	}

	res := s.driver.RunMainTaskLoop(c.Request.Context(), req)
	c.JSON(http.StatusOK, res)
}

func (s *Server) badRequest(c *gin.Context, err error) {
	s.logger.Warn("invalid request", zap.Error(err))
	c.JSON(http.StatusBadRequest, ErrorResponse{
		Error: ErrorDetail{
			Code:    "INVALID_REQUEST",
			Message: err.Error(),
		},
	})
}

// respondError maps application errors to HTTP status codes
func (s *Server) respondError(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "INTERNAL_ERROR"

	switch {
	case errors.Is(err, ports.ErrNotFound):
		status, code = http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, orchestrator.ErrNoActiveMainTask):
		status, code = http.StatusNotFound, "NO_ACTIVE_TASK"
	case errors.Is(err, workflow.ErrAgentExists):
		status, code = http.StatusConflict, "AGENT_EXISTS"
	case errors.Is(err, workflow.ErrAgentBusy):
		status, code = http.StatusConflict, "AGENT_BUSY"
	case errors.Is(err, ports.ErrVersionConflict):
		status, code = http.StatusConflict, "VERSION_CONFLICT"
	default:
		s.logger.Error("request failed",
			zap.String("path", c.Request.URL.Path),
			zap.Error(err))
	}

	c.JSON(status, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: err.Error(),
		},
	})
}
