// Package workerpool runs grandchild tickets through isolated workspaces
// with a bounded number of concurrent workers. Submissions over capacity
// queue FIFO and block the submitter's context.
package workerpool

import (
	"context"
	"errors"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/bosun-dev/bosun/internal/bus"
	"github.com/bosun-dev/bosun/internal/codingagent"
	"github.com/bosun-dev/bosun/internal/common/config"
	"github.com/bosun-dev/bosun/internal/common/logger"
	"github.com/bosun-dev/bosun/internal/gitops"
	"github.com/bosun-dev/bosun/internal/llm"
	"github.com/bosun-dev/bosun/internal/project"
	"github.com/bosun-dev/bosun/internal/quality"
	"github.com/bosun-dev/bosun/internal/runs"
	"github.com/bosun-dev/bosun/internal/state"
	"github.com/bosun-dev/bosun/internal/supervisor"
	"github.com/bosun-dev/bosun/internal/workflow/models"
)

// EngineAgentID is the bus inbox workers report results to.
const EngineAgentID = "engine"

var errPoolPaused = errors.New("worker pool is paused")

// TaskRequest is one grandchild ticket submission.
type TaskRequest struct {
	RunID   string
	Ticket  *models.Ticket
	Project *project.Project

	// AdapterName selects a coding agent explicitly; empty uses the
	// configured priority order.
	AdapterName string

	// AgentInstance numbers the agent within the ticket's lane. Zero means
	// the first instance; the engine bumps it on reassignment so a retried
	// ticket runs under a different agent identity.
	AgentInstance int
}

// Deps are the collaborators a pool needs.
type Deps struct {
	Workspaces  WorkspaceProvider
	Git         *gitops.Coordinator
	Supervisor  *supervisor.Supervisor
	Agents      *codingagent.Registry
	LLM         llm.Adapter
	Quality     *quality.Gate
	Bus         bus.Bus
	Runs        *runs.Manager
	Performance *state.PerformanceStore
}

// Pool is the bounded worker pool.
type Pool struct {
	cfg    *config.Config
	deps   Deps
	sem    *semaphore.Weighted
	logger *logger.Logger

	active atomic.Int64
	queued atomic.Int64
	paused atomic.Bool
}

// New creates a pool with at most cfg.Workers.MaxWorkers concurrent tickets.
func New(cfg *config.Config, deps Deps, log *logger.Logger) *Pool {
	if log == nil {
		log = logger.Default()
	}
	maxWorkers := cfg.Workers.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	return &Pool{
		cfg:    cfg,
		deps:   deps,
		sem:    semaphore.NewWeighted(int64(maxWorkers)),
		logger: log.WithFields(zap.String("component", "workerpool")),
	}
}

// ActiveWorkers returns the number of tickets currently executing.
func (p *Pool) ActiveWorkers() int { return int(p.active.Load()) }

// QueueLength returns the number of submissions waiting for a worker slot.
func (p *Pool) QueueLength() int { return int(p.queued.Load()) }

// Pause makes subsequent submissions fail fast until Resume.
func (p *Pool) Pause() { p.paused.Store(true) }

// Resume lifts a Pause.
func (p *Pool) Resume() { p.paused.Store(false) }

// Paused reports whether the pool is accepting work.
func (p *Pool) Paused() bool { return p.paused.Load() }

// Submit runs one ticket and blocks until a worker slot is free or the
// context is cancelled. The returned result is always non-nil unless the
// submission itself never started.
func (p *Pool) Submit(ctx context.Context, req *TaskRequest) (*ExecutionResult, error) {
	if p.paused.Load() {
		return nil, errPoolPaused
	}

	p.queued.Add(1)
	err := p.sem.Acquire(ctx, 1)
	p.queued.Add(-1)
	if err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	p.active.Add(1)
	defer p.active.Add(-1)

	p.logger.Info("ticket execution started",
		zap.String("run_id", req.RunID),
		zap.String("ticket_id", req.Ticket.ID))
	result := p.executeTicket(ctx, req)
	p.logger.Info("ticket execution finished",
		zap.String("run_id", req.RunID),
		zap.String("ticket_id", req.Ticket.ID),
		zap.String("status", string(result.Status)))
	return result, nil
}
