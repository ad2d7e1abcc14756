package workflow

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bosun-dev/bosun/internal/approval"
	"github.com/bosun-dev/bosun/internal/bus"
	"github.com/bosun-dev/bosun/internal/codingagent"
	"github.com/bosun-dev/bosun/internal/common/config"
	apperrors "github.com/bosun-dev/bosun/internal/common/errors"
	"github.com/bosun-dev/bosun/internal/common/logger"
	"github.com/bosun-dev/bosun/internal/decompose"
	eventbus "github.com/bosun-dev/bosun/internal/events/bus"
	"github.com/bosun-dev/bosun/internal/llm"
	"github.com/bosun-dev/bosun/internal/meeting"
	"github.com/bosun-dev/bosun/internal/project"
	"github.com/bosun-dev/bosun/internal/quality"
	"github.com/bosun-dev/bosun/internal/runs"
	"github.com/bosun-dev/bosun/internal/state"
	"github.com/bosun-dev/bosun/internal/workerpool"
	"github.com/bosun-dev/bosun/internal/workflow/models"
)

// FacilitatorID chairs the meeting and retrospective phases.
const FacilitatorID = "planner-1"

// Deps are the collaborators the engine owns.
type Deps struct {
	Repo      *Repository
	Projects  *project.Registry
	Decompose *decompose.Decomposer
	Meetings  *meeting.Coordinator
	Approvals *approval.Gate
	Pool      *workerpool.Pool
	Bus       bus.Bus
	Events    eventbus.EventBus
	LLM       llm.Adapter
	Agents    *codingagent.Registry
	Knowledge *state.KnowledgeBase
	Runs      *runs.Manager
}

// runState tracks one live workflow run.
type runState struct {
	workflowID string
	cancel     context.CancelFunc
	done       chan struct{}
}

// Engine drives the phase state machine. It is logically single-threaded per
// workflow; distinct workflows run on independent goroutines.
type Engine struct {
	cfg         *config.Config
	deps        Deps
	recommender *quality.Recommender
	logger      *logger.Logger

	mu      sync.Mutex
	active  map[string]*runState // keyed by run id
	byWf    map[string]string    // workflow id -> run id
	stopped bool

	// escMu serializes quality escalations: the gate holds at most one
	// pending approval per workflow.
	escMu sync.Mutex
}

// NewEngine creates the workflow engine.
func NewEngine(cfg *config.Config, deps Deps, log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Default()
	}
	return &Engine{
		cfg:         cfg,
		deps:        deps,
		recommender: quality.NewRecommender(),
		logger:      log.WithFields(zap.String("component", "engine")),
		active:      make(map[string]*runState),
		byWf:        make(map[string]string),
	}
}

// AIStatus reports LLM health plus coding-agent availability.
type AIStatus struct {
	llm.HealthStatus
	CodingAgents struct {
		Available bool                    `json:"available"`
		Agents    []codingagent.AgentInfo `json:"agents"`
	} `json:"codingAgents"`
}

// CheckAI probes the LLM adapter and the coding-agent registry. A task is
// admitted when either side is available.
func (e *Engine) CheckAI(ctx context.Context) AIStatus {
	var status AIStatus
	if e.deps.LLM != nil {
		status.HealthStatus = e.deps.LLM.Health(ctx)
	} else {
		status.SetupInstructions = llm.SetupInstructions(e.cfg.Ollama.RecommendedModels)
	}
	if e.deps.Agents != nil {
		status.CodingAgents.Agents = e.deps.Agents.List(ctx)
		for _, a := range status.CodingAgents.Agents {
			if a.Available {
				status.CodingAgents.Available = true
				break
			}
		}
	}
	return status
}

// admissible reports whether execution can start: any coding agent admits
// the task even when the LLM adapter is down.
func (s AIStatus) admissible() bool {
	return s.Available || s.CodingAgents.Available
}

// SubmitTask validates AI availability, creates a workflow, and starts
// driving it. The returned run id identifies the top-level run.
func (e *Engine) SubmitTask(ctx context.Context, instruction, projectID string) (string, error) {
	if strings.TrimSpace(instruction) == "" {
		return "", apperrors.ValidationError("instruction", "instruction is required")
	}
	if strings.TrimSpace(projectID) == "" {
		return "", apperrors.ValidationError("projectId", "projectId is required")
	}

	status := e.CheckAI(ctx)
	if !status.admissible() {
		msg := status.SetupInstructions
		if msg == "" {
			msg = llm.SetupInstructions(e.cfg.Ollama.RecommendedModels)
		}
		return "", apperrors.AIUnavailable(msg)
	}

	wf, err := e.CreateWorkflow(ctx, instruction, projectID)
	if err != nil {
		return "", err
	}
	return e.StartWorkflow(wf)
}

// CreateWorkflow persists a new workflow in the meeting phase without
// starting it.
func (e *Engine) CreateWorkflow(ctx context.Context, instruction, projectID string) (*models.Workflow, error) {
	if strings.TrimSpace(instruction) == "" {
		return nil, apperrors.ValidationError("instruction", "instruction is required")
	}
	if strings.TrimSpace(projectID) == "" {
		return nil, apperrors.ValidationError("projectId", "projectId is required")
	}
	if e.deps.Projects != nil {
		if _, err := e.deps.Projects.Get(projectID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	wf := &models.Workflow{
		WorkflowID:  uuid.New().String(),
		ProjectID:   projectID,
		Instruction: instruction,
		Phase:       models.PhaseMeeting,
		CreatedAt:   now,
		UpdatedAt:   now,
		Metadata:    models.WorkflowMetadata{Priority: "normal"},
	}
	if err := e.deps.Repo.SaveWorkflow(wf); err != nil {
		return nil, err
	}
	e.publish(eventbus.SubjectWorkflowCreated, map[string]any{
		"workflowId": wf.WorkflowID,
		"projectId":  projectID,
	})
	return wf, nil
}

// StartWorkflow begins driving a persisted workflow on its own goroutine and
// returns the run id.
func (e *Engine) StartWorkflow(wf *models.Workflow) (string, error) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return "", apperrors.ServiceUnavailable("workflow engine")
	}
	if _, exists := e.byWf[wf.WorkflowID]; exists {
		e.mu.Unlock()
		return "", apperrors.Conflict(fmt.Sprintf("workflow %s is already running", wf.WorkflowID))
	}
	runID := uuid.New().String()
	ctx, cancel := context.WithCancel(context.Background())
	rs := &runState{workflowID: wf.WorkflowID, cancel: cancel, done: make(chan struct{})}
	e.active[runID] = rs
	e.byWf[wf.WorkflowID] = runID
	e.mu.Unlock()

	go func() {
		defer close(rs.done)
		defer func() {
			e.mu.Lock()
			delete(e.active, runID)
			delete(e.byWf, wf.WorkflowID)
			e.mu.Unlock()
		}()
		e.drive(ctx, runID, wf)
	}()
	return runID, nil
}

// GetWorkflow loads a workflow by id.
func (e *Engine) GetWorkflow(id string) (*models.Workflow, error) {
	return e.deps.Repo.GetWorkflow(id)
}

// ListWorkflows returns workflows, optionally filtered. The filter value
// "waiting_approval" selects workflows with a pending approval.
func (e *Engine) ListWorkflows(statusFilter string) ([]*models.Workflow, error) {
	workflows, err := e.deps.Repo.ListWorkflows()
	if err != nil {
		return nil, err
	}
	if statusFilter == "" {
		return workflows, nil
	}
	filtered := make([]*models.Workflow, 0, len(workflows))
	for _, wf := range workflows {
		switch statusFilter {
		case "waiting_approval":
			if e.deps.Approvals.IsWaitingApproval(wf.WorkflowID) {
				filtered = append(filtered, wf)
			}
		default:
			if string(wf.Phase) == statusFilter {
				filtered = append(filtered, wf)
			}
		}
	}
	return filtered, nil
}

// RunStatus describes one run for the control plane.
type RunStatus struct {
	RunID      string       `json:"runId"`
	WorkflowID string       `json:"workflowId"`
	Phase      models.Phase `json:"phase"`
	Active     bool         `json:"active"`
}

// GetRun resolves a run id to its workflow state.
func (e *Engine) GetRun(runID string) (*RunStatus, error) {
	e.mu.Lock()
	rs, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		// Terminal runs survive only through their run directory.
		run, err := e.deps.Runs.Get(runID)
		if err != nil {
			return nil, apperrors.NotFound("run", runID)
		}
		var task struct {
			WorkflowID string `json:"workflowId"`
		}
		_ = run.LoadTask(&task)
		status := &RunStatus{RunID: runID, WorkflowID: task.WorkflowID}
		if task.WorkflowID != "" {
			if wf, err := e.deps.Repo.GetWorkflow(task.WorkflowID); err == nil {
				status.Phase = wf.Phase
			}
		}
		return status, nil
	}
	status := &RunStatus{RunID: runID, WorkflowID: rs.workflowID, Active: true}
	if wf, err := e.deps.Repo.GetWorkflow(rs.workflowID); err == nil {
		status.Phase = wf.Phase
	}
	return status, nil
}

// CancelRun cancels a running workflow. Pending approvals settle with a
// cancellation; in-flight commands receive terminate then kill; partial work
// stays on disk.
func (e *Engine) CancelRun(runID string) error {
	e.mu.Lock()
	rs, ok := e.active[runID]
	e.mu.Unlock()
	if !ok {
		return apperrors.NotFound("run", runID)
	}
	e.deps.Approvals.Cancel(rs.workflowID)
	rs.cancel()
	<-rs.done
	return nil
}

// ResumeRun restarts a stopped workflow from its persisted phase.
func (e *Engine) ResumeRun(runID string) (string, error) {
	run, err := e.deps.Runs.Get(runID)
	if err != nil {
		return "", err
	}
	var task struct {
		WorkflowID string `json:"workflowId"`
	}
	if err := run.LoadTask(&task); err != nil || task.WorkflowID == "" {
		return "", apperrors.NotFound("workflow for run", runID)
	}
	wf, err := e.deps.Repo.GetWorkflow(task.WorkflowID)
	if err != nil {
		return "", err
	}
	if wf.Phase.IsTerminal() {
		return "", apperrors.Conflict(fmt.Sprintf("workflow %s already reached %s", wf.WorkflowID, wf.Phase))
	}
	return e.StartWorkflow(wf)
}

// PauseAgents stops the pool from accepting new tickets.
func (e *Engine) PauseAgents() {
	e.deps.Pool.Pause()
	e.publish(eventbus.SubjectAgentsPaused, nil)
}

// ResumeAgents lifts a pause.
func (e *Engine) ResumeAgents() {
	e.deps.Pool.Resume()
	e.publish(eventbus.SubjectAgentsResumed, nil)
}

// EmergencyStop cancels every active run and pauses the pool.
func (e *Engine) EmergencyStop() {
	e.mu.Lock()
	e.stopped = true
	states := make([]*runState, 0, len(e.active))
	for _, rs := range e.active {
		states = append(states, rs)
	}
	e.mu.Unlock()

	e.deps.Pool.Pause()
	for _, rs := range states {
		e.deps.Approvals.Cancel(rs.workflowID)
		rs.cancel()
	}
	for _, rs := range states {
		<-rs.done
	}
	e.publish(eventbus.SubjectAgentsStopped, nil)
}

// DashboardStatus is the aggregate for /api/dashboard/status.
type DashboardStatus struct {
	ActiveWorkers   int     `json:"activeWorkers"`
	QueueLength     int     `json:"queueLength"`
	ActiveWorkflows int     `json:"activeWorkflows"`
	SuccessRate     float64 `json:"successRate"`
	Paused          bool    `json:"paused"`
}

// Dashboard aggregates pool and performance state.
func (e *Engine) Dashboard(perf *state.PerformanceStore) DashboardStatus {
	e.mu.Lock()
	activeWorkflows := len(e.active)
	e.mu.Unlock()

	status := DashboardStatus{
		ActiveWorkers:   e.deps.Pool.ActiveWorkers(),
		QueueLength:     e.deps.Pool.QueueLength(),
		ActiveWorkflows: activeWorkflows,
		SuccessRate:     -1,
		Paused:          e.deps.Pool.Paused(),
	}
	if perf != nil {
		if agents, err := perf.Agents(); err == nil && len(agents) > 0 {
			total := 0.0
			counted := 0
			for _, agent := range agents {
				if rate := perf.SuccessRate(agent); rate >= 0 {
					total += rate
					counted++
				}
			}
			if counted > 0 {
				status.SuccessRate = total / float64(counted)
			}
		}
	}
	return status
}

// SubmitApproval forwards a decision to the approval gate.
func (e *Engine) SubmitApproval(workflowID string, decision models.ApprovalDecision) error {
	return e.deps.Approvals.SubmitDecision(workflowID, decision)
}

// PendingApprovals exposes the approval gate's pending set.
func (e *Engine) PendingApprovals() []approval.PendingApproval {
	return e.deps.Approvals.GetPendingApprovals()
}

func (e *Engine) publish(subject string, data map[string]any) {
	if e.deps.Events == nil {
		return
	}
	event := eventbus.NewEvent(subject, "engine", data)
	if err := e.deps.Events.Publish(context.Background(), subject, event); err != nil {
		e.logger.Debug("event publish failed", zap.String("subject", subject), zap.Error(err))
	}
}
