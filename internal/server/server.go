// Package server exposes the control API over the workflow engine.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/bosun-dev/bosun/internal/common/config"
	"github.com/bosun-dev/bosun/internal/common/httpmw"
	"github.com/bosun-dev/bosun/internal/common/logger"
	"github.com/bosun-dev/bosun/internal/runs"
	"github.com/bosun-dev/bosun/internal/state"
	"github.com/bosun-dev/bosun/internal/workflow"
)

// Server is the HTTP control plane for the orchestrator.
type Server struct {
	cfg        *config.Config
	configPath string
	engine     *workflow.Engine
	runs       *runs.Manager
	perf       *state.PerformanceStore
	logger     *logger.Logger
	router     *gin.Engine
	httpServer *http.Server
}

// Options carry the collaborators the server fronts.
type Options struct {
	Config      *config.Config
	ConfigPath  string // file PUT /api/config persists to; empty disables persistence
	Engine      *workflow.Engine
	Runs        *runs.Manager
	Performance *state.PerformanceStore
}

// New creates the control API server.
func New(opts Options, log *logger.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)

	s := &Server{
		cfg:        opts.Config,
		configPath: opts.ConfigPath,
		engine:     opts.Engine,
		runs:       opts.Runs,
		perf:       opts.Performance,
		logger:     log.WithFields(zap.String("component", "control-api")),
		router:     gin.New(),
	}

	s.router.Use(httpmw.Recovery(s.logger))
	s.router.Use(httpmw.RequestLogger(s.logger, "bosun-api"))
	s.router.Use(httpmw.CORS())
	s.router.Use(httpmw.OtelTracing("bosun-api"))

	s.setupRoutes()
	return s
}

// Router returns the HTTP handler, mainly for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	api := s.router.Group("/api")
	{
		api.GET("/health", s.handleHealth)
		api.GET("/health/ai", s.handleHealthAI)

		api.POST("/tasks", s.handleSubmitTask)
		api.GET("/tasks/:id", s.handleGetTask)
		api.DELETE("/tasks/:id", s.handleCancelTask)
		api.POST("/tasks/:id/resume", s.handleResumeTask)

		api.POST("/workflows", s.handleCreateWorkflow)
		api.GET("/workflows", s.handleListWorkflows)
		api.GET("/workflows/:id", s.handleGetWorkflow)
		api.POST("/workflows/:id/approval", s.handleSubmitApproval)
		api.GET("/approvals", s.handlePendingApprovals)

		api.POST("/agents/pause", s.handlePauseAgents)
		api.POST("/agents/resume", s.handleResumeAgents)
		api.POST("/agents/emergency-stop", s.handleEmergencyStop)

		api.GET("/dashboard/status", s.handleDashboard)

		api.GET("/runs/:runId/report", s.handleRunReport)
		api.GET("/runs/:runId/artifacts", s.handleRunArtifacts)
		api.GET("/runs/:runId/quality", s.handleRunQuality)

		api.GET("/config", s.handleGetConfig)
		api.PUT("/config", s.handlePutConfig)
		api.POST("/config/validate", s.handleValidateConfig)
	}

	s.router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, envelope{Success: false, Error: "not found"})
	})
}

// Start serves until the context is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Server.Host, s.cfg.Server.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.Server.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control API listening", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(shutdownCtx)
}
