package workerpool

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bosun-dev/bosun/internal/bus"
	"github.com/bosun-dev/bosun/internal/codingagent"
	"github.com/bosun-dev/bosun/internal/llm"
	"github.com/bosun-dev/bosun/internal/runs"
	"github.com/bosun-dev/bosun/internal/state"
	"github.com/bosun-dev/bosun/internal/tools"
	"github.com/bosun-dev/bosun/internal/workflow/models"
)

// executeTicket is the worker lifecycle: workspace, task branch, mutation
// through a coding agent or the chat loop, commit, quality gate, report.
// It never fails the pool; every outcome is an ExecutionResult.
func (p *Pool) executeTicket(ctx context.Context, req *TaskRequest) *ExecutionResult {
	ticket := req.Ticket
	result := &ExecutionResult{
		RunID:     req.RunID,
		TicketID:  ticket.ID,
		AgentID:   agentIDFor(ticket, req.AgentInstance),
		Status:    StatusError,
		StartTime: time.Now().UTC(),
		Artifacts: []Artifact{},
		Commits:   nil,
		Errors:    []string{},
	}
	defer func() { result.EndTime = time.Now().UTC() }()

	run, err := p.deps.Runs.Create(req.RunID)
	if err != nil {
		result.addError("run directory: " + err.Error())
		return result
	}
	run.SaveTask(map[string]any{
		"runId":       req.RunID,
		"workflowId":  ticket.WorkflowID,
		"ticketId":    ticket.ID,
		"title":       ticket.Title,
		"description": ticket.Description,
		"agentId":     result.AgentID,
		"projectId":   req.Project.ID,
		"startedAt":   result.StartTime,
	})

	ws, err := p.deps.Workspaces.Create(ctx, req.Project, ticket.ID)
	if err != nil {
		result.addError("workspace: " + err.Error())
		run.AppendError(result.Errors[len(result.Errors)-1])
		p.finish(ctx, req, run, result)
		return result
	}
	defer func() {
		if err := ws.Destroy(context.Background()); err != nil {
			p.logger.Warn("workspace destroy failed",
				zap.String("ticket_id", ticket.ID), zap.Error(err))
		}
	}()

	git := p.deps.Git.WithLogDir(run.Dir())

	branch, err := git.CreateTaskBranch(ctx, ws.Path(), ticket.ID, ticket.Title, req.Project.AgentBranch)
	if err != nil {
		result.addError("task branch: " + err.Error())
		run.AppendError(result.Errors[len(result.Errors)-1])
		p.finish(ctx, req, run, result)
		return result
	}
	result.GitBranch = branch

	// Mutation step. Developer and test lanes prefer an external coding
	// agent; every lane falls back to the chat loop.
	mutErr := p.mutate(ctx, req, ws.Path(), run.Dir(), result)
	if mutErr != nil {
		result.addError("mutation: " + mutErr.Error())
		run.AppendError(result.Errors[len(result.Errors)-1])
	}
	if outcome := result.conversation; outcome != nil {
		run.SaveConversation(outcome)
	}

	if changed, err := git.HasChanges(ctx, ws.Path()); err == nil && changed {
		if _, err := git.CommitWithTicketID(ctx, ws.Path(), ticket.ID, ticket.Title); err != nil {
			result.addError("commit: " + err.Error())
			run.AppendError(result.Errors[len(result.Errors)-1])
		}
	}

	if commits, err := git.Log(ctx, ws.Path(), req.Project.AgentBranch); err == nil {
		result.Commits = commits
	}
	p.collectArtifacts(ctx, req, ws.Path(), run, result)

	qr := p.deps.Quality.Evaluate(ctx, ws.Path(), run.Dir())
	result.QualityGates = qr
	result.Errors = append(result.Errors, qr.Errors...)
	run.SaveQuality(qr)

	switch {
	case mutErr != nil:
		result.Status = StatusError
	case !qr.Success:
		result.Status = StatusQualityFailed
	case len(result.Commits) == 0:
		result.Status = StatusPartial
	default:
		result.Status = StatusSuccess
	}

	p.finish(ctx, req, run, result)
	return result
}

func (p *Pool) mutate(ctx context.Context, req *TaskRequest, workspace, logDir string, result *ExecutionResult) error {
	ticket := req.Ticket
	prompt := buildPrompt(ticket)

	if usesCodingAgent(ticket.WorkerType) {
		adapter, err := p.deps.Agents.Select(ctx, req.AdapterName)
		if err == nil {
			timeout := time.Duration(p.cfg.Agents.TimeoutSeconds) * time.Second
			res, execErr := adapter.Execute(ctx, codingagent.ExecuteRequest{
				WorkingDirectory: workspace,
				Prompt:           prompt,
				Timeout:          timeout,
			})
			if execErr != nil {
				return execErr
			}
			result.conversation = &ChatOutcome{
				Turns: 1,
				Messages: []llm.ChatMessage{
					{Role: llm.RoleUser, Content: prompt},
					{Role: llm.RoleAssistant, Content: res.Output},
				},
			}
			result.ConversationTurns = 1
			if res.TimedOut {
				return fmt.Errorf("coding agent %s timed out (exit %d)", adapter.Name(), res.ExitCode)
			}
			if res.ExitCode != 0 {
				return fmt.Errorf("coding agent %s exited %d", adapter.Name(), res.ExitCode)
			}
			return nil
		}
		p.logger.Debug("no coding agent available, using chat loop",
			zap.String("ticket_id", ticket.ID), zap.Error(err))
	}

	if p.deps.LLM == nil {
		return fmt.Errorf("no coding agent and no LLM adapter configured")
	}

	executor := tools.NewExecutor(workspace, p.deps.Supervisor, p.deps.Git, p.logger).WithLogDir(logDir)
	loop := NewChatLoop(p.deps.LLM, executor, p.cfg.Ollama.MaxTurns, p.logger)
	outcome, err := loop.Run(ctx, prompt)
	result.conversation = outcome
	result.ConversationTurns = outcome.Turns
	result.TokensUsed = outcome.TokensUsed
	if err != nil {
		return err
	}
	if !outcome.Completed {
		return fmt.Errorf("turn budget exhausted after %d turns without completion", outcome.Turns)
	}
	return nil
}

// collectArtifacts diffs the task branch against the agent branch and copies
// surviving files into the run's artifacts directory.
func (p *Pool) collectArtifacts(ctx context.Context, req *TaskRequest, workspace string, run *runs.Run, result *ExecutionResult) {
	changed, err := p.deps.Git.ChangedFiles(ctx, workspace, req.Project.AgentBranch)
	if err != nil {
		return
	}
	for path, status := range changed {
		action := artifactAction(status)
		result.Artifacts = append(result.Artifacts, Artifact{Path: path, Action: action})
		if action == "deleted" {
			continue
		}
		if err := run.CopyArtifact(filepath.Join(workspace, path), path); err != nil {
			p.logger.Warn("artifact copy failed", zap.String("path", path), zap.Error(err))
		}
	}
}

// finish records performance, writes the report, and posts the task_result
// message to the engine inbox.
func (p *Pool) finish(ctx context.Context, req *TaskRequest, run *runs.Run, result *ExecutionResult) {
	rep := &runs.Report{
		RunID:       result.RunID,
		WorkflowID:  req.Ticket.WorkflowID,
		Instruction: req.Ticket.Description,
		Status:      string(result.Status),
		Tickets:     []*models.Ticket{req.Ticket},
		Quality:     result.QualityGates,
		Commits:     result.Commits,
		Errors:      result.Errors,
	}
	if err := run.WriteReport(rep); err != nil {
		p.logger.Warn("report write failed", zap.Error(err))
	}

	if p.deps.Performance != nil {
		rec := state.PerformanceRecord{
			AgentID:      result.AgentID,
			TaskID:       result.TicketID,
			TaskCategory: taskCategory(result),
			Success:      result.Status == StatusSuccess,
			QualityScore: qualityScore(result),
			DurationMs:   result.EndTimeOrNow().Sub(result.StartTime).Milliseconds(),
			Timestamp:    time.Now().UTC(),
		}
		if len(result.Errors) > 0 {
			rec.ErrorPatterns = result.Errors
		}
		if err := p.deps.Performance.Record(rec); err != nil {
			p.logger.Warn("performance record failed", zap.Error(err))
		}
	}

	if p.deps.Bus != nil {
		msg := bus.NewMessage(bus.TypeTaskResult, result.AgentID, EngineAgentID, map[string]any{
			"runId":    result.RunID,
			"ticketId": result.TicketID,
			"status":   string(result.Status),
			"branch":   result.GitBranch,
		})
		if err := p.deps.Bus.Send(ctx, msg); err != nil {
			p.logger.Warn("task_result send failed", zap.Error(err))
		}
	}
}

// EndTimeOrNow covers the in-flight case where EndTime is not yet stamped.
func (r *ExecutionResult) EndTimeOrNow() time.Time {
	if r.EndTime.IsZero() {
		return time.Now().UTC()
	}
	return r.EndTime
}

// artifactAction maps a git status letter onto the artifact action names.
func artifactAction(status string) string {
	switch status {
	case "A":
		return "created"
	case "D":
		return "deleted"
	default:
		return "modified"
	}
}

func usesCodingAgent(lane models.WorkerType) bool {
	return lane == models.WorkerDeveloper || lane == models.WorkerTest
}

func agentIDFor(t *models.Ticket, instance int) string {
	lane := t.WorkerType
	if lane == "" {
		lane = models.WorkerDeveloper
	}
	if instance < 1 {
		instance = 1
	}
	return fmt.Sprintf("%s-%d", lane, instance)
}

func taskCategory(result *ExecutionResult) string {
	if i := strings.LastIndex(result.AgentID, "-"); i > 0 {
		return result.AgentID[:i]
	}
	return result.AgentID
}

// qualityScore maps a gate result onto [0,100].
func qualityScore(result *ExecutionResult) int {
	qr := result.QualityGates
	if qr == nil {
		return 0
	}
	score := 0
	if qr.Lint.Passed {
		score += 50
	}
	if qr.Test.Passed {
		score += 50
	}
	return score
}

func buildPrompt(t *models.Ticket) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Task %s: %s\n\n%s\n", t.ID, t.Title, t.Description)
	if len(t.AcceptanceCriteria) > 0 {
		b.WriteString("\nAcceptance criteria:\n")
		for _, c := range t.AcceptanceCriteria {
			b.WriteString("- " + c + "\n")
		}
	}
	return b.String()
}
