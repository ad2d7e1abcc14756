package server

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bosun-dev/bosun/internal/common/config"
	apperrors "github.com/bosun-dev/bosun/internal/common/errors"
	"github.com/bosun-dev/bosun/internal/quality"
	"github.com/bosun-dev/bosun/internal/workflow/models"
)

// envelope is the uniform response shape.
type envelope struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func ok(c *gin.Context, status int, data any) {
	c.JSON(status, envelope{Success: true, Data: data})
}

func fail(c *gin.Context, err error) {
	if appErr, isApp := err.(*apperrors.AppError); isApp {
		c.JSON(appErr.HTTPStatus, envelope{Success: false, Error: appErr.Message})
		return
	}
	c.JSON(http.StatusInternalServerError, envelope{Success: false, Error: err.Error()})
}

func (s *Server) handleHealth(c *gin.Context) {
	ok(c, http.StatusOK, gin.H{"status": "healthy"})
}

func (s *Server) handleHealthAI(c *gin.Context) {
	ok(c, http.StatusOK, s.engine.CheckAI(c.Request.Context()))
}

type taskRequest struct {
	Instruction string `json:"instruction"`
	ProjectID   string `json:"projectId"`
}

func (s *Server) handleSubmitTask(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperrors.ValidationError("request", err.Error()))
		return
	}

	runID, err := s.engine.SubmitTask(c.Request.Context(), req.Instruction, req.ProjectID)
	if err != nil {
		if appErr, isApp := err.(*apperrors.AppError); isApp && appErr.Code == apperrors.ErrCodeAIUnavailable {
			c.JSON(http.StatusServiceUnavailable, envelope{
				Success: false,
				Data: gin.H{
					"ollamaRunning":     false,
					"setupInstructions": appErr.Message,
				},
				Error: appErr.Message,
			})
			return
		}
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"runId": runID})
}

func (s *Server) handleGetTask(c *gin.Context) {
	status, err := s.engine.GetRun(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, status)
}

func (s *Server) handleCancelTask(c *gin.Context) {
	if err := s.engine.CancelRun(c.Param("id")); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"cancelled": true})
}

func (s *Server) handleResumeTask(c *gin.Context) {
	runID, err := s.engine.ResumeRun(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"runId": runID})
}

func (s *Server) handleCreateWorkflow(c *gin.Context) {
	var req taskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, apperrors.ValidationError("request", err.Error()))
		return
	}
	wf, err := s.engine.CreateWorkflow(c.Request.Context(), req.Instruction, req.ProjectID)
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusCreated, gin.H{"workflowId": wf.WorkflowID})
}

func (s *Server) handleListWorkflows(c *gin.Context) {
	workflows, err := s.engine.ListWorkflows(c.Query("status"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"workflows": workflows, "total": len(workflows)})
}

func (s *Server) handleGetWorkflow(c *gin.Context) {
	wf, err := s.engine.GetWorkflow(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"workflow": wf})
}

func (s *Server) handleSubmitApproval(c *gin.Context) {
	var decision models.ApprovalDecision
	if err := c.ShouldBindJSON(&decision); err != nil {
		fail(c, apperrors.ValidationError("request", err.Error()))
		return
	}
	if err := s.engine.SubmitApproval(c.Param("id"), decision); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"submitted": true})
}

func (s *Server) handlePendingApprovals(c *gin.Context) {
	pending := s.engine.PendingApprovals()
	ok(c, http.StatusOK, gin.H{"approvals": pending, "total": len(pending)})
}

func (s *Server) handlePauseAgents(c *gin.Context) {
	s.engine.PauseAgents()
	ok(c, http.StatusOK, gin.H{"paused": true})
}

func (s *Server) handleResumeAgents(c *gin.Context) {
	s.engine.ResumeAgents()
	ok(c, http.StatusOK, gin.H{"paused": false})
}

func (s *Server) handleEmergencyStop(c *gin.Context) {
	s.engine.EmergencyStop()
	s.logger.Warn("emergency stop requested via control API")
	ok(c, http.StatusOK, gin.H{"stopped": true})
}

func (s *Server) handleDashboard(c *gin.Context) {
	status := s.engine.Dashboard(s.perf)
	data := gin.H{
		"activeWorkers":   status.ActiveWorkers,
		"queueLength":     status.QueueLength,
		"activeWorkflows": status.ActiveWorkflows,
		"successRate":     status.SuccessRate,
		"paused":          status.Paused,
	}
	if c.Query("ai") == "true" {
		data["ai"] = s.engine.CheckAI(c.Request.Context())
	}
	ok(c, http.StatusOK, data)
}

func (s *Server) handleRunReport(c *gin.Context) {
	run, err := s.runs.Get(c.Param("runId"))
	if err != nil {
		fail(c, err)
		return
	}
	report, err := run.ReadReport()
	if err != nil {
		fail(c, err)
		return
	}
	c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(report))
}

func (s *Server) handleRunArtifacts(c *gin.Context) {
	run, err := s.runs.Get(c.Param("runId"))
	if err != nil {
		fail(c, err)
		return
	}
	paths, err := run.ListArtifacts()
	if err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, gin.H{"artifacts": paths, "total": len(paths)})
}

func (s *Server) handleRunQuality(c *gin.Context) {
	run, err := s.runs.Get(c.Param("runId"))
	if err != nil {
		fail(c, err)
		return
	}
	var result quality.Result
	if err := run.LoadQuality(&result); err != nil {
		fail(c, err)
		return
	}
	ok(c, http.StatusOK, result)
}

func (s *Server) handleGetConfig(c *gin.Context) {
	ok(c, http.StatusOK, s.cfg)
}

func (s *Server) handlePutConfig(c *gin.Context) {
	var next config.Config
	if err := c.ShouldBindJSON(&next); err != nil {
		fail(c, apperrors.ValidationError("config", err.Error()))
		return
	}
	if err := config.Validate(&next); err != nil {
		fail(c, apperrors.ValidationError("config", err.Error()))
		return
	}
	if s.configPath != "" {
		if err := config.Save(&next, s.configPath); err != nil {
			s.logger.Error("config persist failed", zap.Error(err))
			fail(c, apperrors.InternalError("failed to persist config", err))
			return
		}
	}
	*s.cfg = next
	ok(c, http.StatusOK, s.cfg)
}

func (s *Server) handleValidateConfig(c *gin.Context) {
	var next config.Config
	if err := c.ShouldBindJSON(&next); err != nil {
		fail(c, apperrors.ValidationError("config", err.Error()))
		return
	}
	if err := config.Validate(&next); err != nil {
		ok(c, http.StatusOK, gin.H{"valid": false, "error": err.Error()})
		return
	}
	ok(c, http.StatusOK, gin.H{"valid": true})
}
