package workflow

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/bosun-dev/bosun/internal/bus"
	"github.com/bosun-dev/bosun/internal/decompose"
	eventbus "github.com/bosun-dev/bosun/internal/events/bus"
	"github.com/bosun-dev/bosun/internal/gitops"
	"github.com/bosun-dev/bosun/internal/project"
	"github.com/bosun-dev/bosun/internal/quality"
	"github.com/bosun-dev/bosun/internal/runs"
	"github.com/bosun-dev/bosun/internal/state"
	"github.com/bosun-dev/bosun/internal/workerpool"
	"github.com/bosun-dev/bosun/internal/workflow/models"
)

// drive runs the phase machine to a terminal phase. Workflow state persists
// between every transition so a restart resumes from the last phase.
func (e *Engine) drive(ctx context.Context, runID string, wf *models.Workflow) {
	log := e.logger.WithFields(
		zap.String("workflow_id", wf.WorkflowID),
		zap.String("run_id", runID))
	log.Info("workflow started", zap.String("phase", string(wf.Phase)))

	run, err := e.deps.Runs.Create(runID)
	if err != nil {
		log.Error("run directory creation failed", zap.Error(err))
		e.fail(wf, "run directory: "+err.Error())
		return
	}
	run.SaveTask(map[string]any{
		"runId":       runID,
		"workflowId":  wf.WorkflowID,
		"projectId":   wf.ProjectID,
		"instruction": wf.Instruction,
		"startedAt":   time.Now().UTC(),
	})

	for !wf.Phase.IsTerminal() {
		if ctx.Err() != nil {
			log.Info("workflow cancelled", zap.String("phase", string(wf.Phase)))
			run.AppendError("cancelled during phase " + string(wf.Phase))
			return
		}

		var next models.Phase
		var phaseErr error
		switch wf.Phase {
		case models.PhaseMeeting:
			next, phaseErr = e.meetingPhase(wf)
		case models.PhaseProposal:
			next, phaseErr = e.proposalPhase(wf)
		case models.PhaseApproval:
			next, phaseErr = e.approvalPhase(ctx, wf)
		case models.PhaseExecution:
			next, phaseErr = e.executionPhase(ctx, runID, run, wf)
		case models.PhaseReview:
			next, phaseErr = e.reviewPhase(ctx, wf)
		case models.PhaseDelivery:
			next, phaseErr = e.deliveryPhase(ctx, wf)
		case models.PhaseRetrospective:
			next, phaseErr = e.retrospectivePhase(wf)
		default:
			phaseErr = fmt.Errorf("unknown phase %q", wf.Phase)
		}

		if phaseErr != nil {
			if ctx.Err() != nil {
				run.AppendError("cancelled during phase " + string(wf.Phase))
				return
			}
			log.Error("phase failed", zap.String("phase", string(wf.Phase)), zap.Error(phaseErr))
			run.AppendError(string(wf.Phase) + ": " + phaseErr.Error())
			e.fail(wf, phaseErr.Error())
			break
		}
		e.transition(wf, next)
	}

	e.writeFinalReport(run, wf)
	e.publish(eventbus.SubjectRunCompleted, map[string]any{
		"runId":      runID,
		"workflowId": wf.WorkflowID,
		"phase":      string(wf.Phase),
	})
	if wf.Phase == models.PhaseCompleted {
		e.publish(eventbus.SubjectWorkflowCompleted, map[string]any{"workflowId": wf.WorkflowID})
	}
	log.Info("workflow finished", zap.String("phase", string(wf.Phase)))
}

// transition persists the phase change and publishes it.
func (e *Engine) transition(wf *models.Workflow, next models.Phase) {
	from := wf.Phase
	wf.Phase = next
	if err := e.deps.Repo.SaveWorkflow(wf); err != nil {
		e.logger.Error("workflow persist failed",
			zap.String("workflow_id", wf.WorkflowID), zap.Error(err))
	}
	e.publish(eventbus.SubjectWorkflowPhaseChanged, map[string]any{
		"workflowId": wf.WorkflowID,
		"from":       string(from),
		"to":         string(next),
	})
}

func (e *Engine) fail(wf *models.Workflow, reason string) {
	e.transition(wf, models.PhaseFailed)
	e.publish(eventbus.SubjectWorkflowFailed, map[string]any{
		"workflowId": wf.WorkflowID,
		"reason":     reason,
	})
}

func (e *Engine) meetingPhase(wf *models.Workflow) (models.Phase, error) {
	if _, err := e.deps.Meetings.ConveneMeeting(wf.WorkflowID, wf.Instruction, FacilitatorID); err != nil {
		return "", err
	}
	return models.PhaseProposal, nil
}

// proposalPhase decomposes the instruction into the ticket tree. Re-entry
// after a revision decision re-decomposes deterministically over the same
// ticket ids.
func (e *Engine) proposalPhase(wf *models.Workflow) (models.Phase, error) {
	var knowledge []*state.KnowledgeEntry
	if e.deps.Knowledge != nil {
		if entries, err := e.deps.Knowledge.Search(wf.Instruction); err == nil {
			knowledge = entries
		}
	}

	result, err := e.deps.Decompose.Decompose(wf, knowledge, decompose.Options{})
	if err != nil {
		return "", err
	}

	childIDs := make([]string, 0, len(result.Children))
	for _, child := range result.Children {
		childIDs = append(childIDs, child.ID)
		if err := e.deps.Repo.SaveTicket(child); err != nil {
			return "", err
		}
		for _, leaf := range result.Grandchildren[child.ID] {
			if err := e.deps.Repo.SaveTicket(leaf); err != nil {
				return "", err
			}
		}
	}
	wf.ChildTickets = childIDs
	if err := e.deps.Repo.SaveWorkflow(wf); err != nil {
		return "", err
	}
	return models.PhaseApproval, nil
}

// approvalPhase blocks on the plan approval gate.
func (e *Engine) approvalPhase(ctx context.Context, wf *models.Workflow) (models.Phase, error) {
	proposal, err := e.renderProposal(wf)
	if err != nil {
		return "", err
	}
	decision, err := e.awaitApproval(ctx, wf, models.PhaseApproval, proposal)
	if err != nil {
		return "", err
	}
	switch decision.Action {
	case models.ActionApprove:
		return models.PhaseExecution, nil
	case models.ActionRequestRevision:
		return models.PhaseProposal, nil
	default:
		return "", fmt.Errorf("plan rejected: %s", decision.Feedback)
	}
}

func (e *Engine) awaitApproval(ctx context.Context, wf *models.Workflow, phase models.Phase, proposal string) (*models.ApprovalDecision, error) {
	ch, err := e.deps.Approvals.RequestApproval(wf.WorkflowID, phase, proposal)
	if err != nil {
		return nil, err
	}
	e.publish(eventbus.SubjectApprovalRequested, map[string]any{
		"workflowId": wf.WorkflowID,
		"phase":      string(phase),
	})
	decision, err := e.deps.Approvals.Await(ctx, wf.WorkflowID, ch)
	if err != nil {
		return nil, err
	}
	e.publish(eventbus.SubjectApprovalDecided, map[string]any{
		"workflowId": wf.WorkflowID,
		"phase":      string(phase),
		"action":     string(decision.Action),
	})
	return decision, nil
}

func (e *Engine) renderProposal(wf *models.Workflow) (string, error) {
	children, err := e.deps.Repo.ChildTickets(wf)
	if err != nil {
		return "", err
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Plan for: %s\n\n", wf.Instruction)
	for _, child := range children {
		fmt.Fprintf(&b, "[%s] %s\n", child.WorkerType, child.Title)
		leaves, err := e.deps.Repo.Grandchildren(child)
		if err != nil {
			return "", err
		}
		for _, leaf := range leaves {
			fmt.Fprintf(&b, "  - %s: %s\n", leaf.ID, leaf.Title)
		}
	}
	return b.String(), nil
}

// executionPhase fans the grandchild tickets through the worker pool in
// dependency order. Quality failures walk the retry/reassign/escalate ladder.
func (e *Engine) executionPhase(ctx context.Context, runID string, run *runs.Run, wf *models.Workflow) (models.Phase, error) {
	proj, err := e.deps.Projects.Get(wf.ProjectID)
	if err != nil {
		return "", err
	}
	children, err := e.deps.Repo.ChildTickets(wf)
	if err != nil {
		return "", err
	}

	var leaves []*models.Ticket
	for _, child := range children {
		grandchildren, err := e.deps.Repo.Grandchildren(child)
		if err != nil {
			return "", err
		}
		leaves = append(leaves, grandchildren...)
	}

	completed := make(map[string]bool)
	for _, leaf := range leaves {
		if leaf.Status == models.StatusCompleted {
			completed[leaf.ID] = true
		}
	}

	remaining := func() []*models.Ticket {
		var out []*models.Ticket
		for _, leaf := range leaves {
			if !completed[leaf.ID] && !leaf.Status.IsTerminal() {
				out = append(out, leaf)
			}
		}
		return out
	}

	for {
		pending := remaining()
		if len(pending) == 0 {
			break
		}

		var wave []*models.Ticket
		for _, leaf := range pending {
			ready := true
			for _, dep := range leaf.DependsOn {
				if !completed[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, leaf)
			}
		}
		if len(wave) == 0 {
			return "", fmt.Errorf("dependency cycle or unmet dependency among %d pending tickets", len(pending))
		}

		type leafOutcome struct {
			ticket *models.Ticket
			err    error
		}
		outcomes := make([]leafOutcome, len(wave))
		var wg sync.WaitGroup
		for i, leaf := range wave {
			wg.Add(1)
			go func(i int, leaf *models.Ticket) {
				defer wg.Done()
				outcomes[i] = leafOutcome{ticket: leaf, err: e.executeLeaf(ctx, runID, wf, proj, leaf)}
			}(i, leaf)
		}
		wg.Wait()

		for _, o := range outcomes {
			if o.err != nil {
				return "", fmt.Errorf("ticket %s: %w", o.ticket.ID, o.err)
			}
			completed[o.ticket.ID] = true
		}
	}

	// Every grandchild done; promote the children.
	for _, child := range children {
		e.setTicketStatus(child, models.StatusCompleted)
	}
	return models.PhaseReview, nil
}

// executeLeaf runs one grandchild ticket to completion, walking the
// decision ladder on quality failures.
func (e *Engine) executeLeaf(ctx context.Context, runID string, wf *models.Workflow, proj *project.Project, leaf *models.Ticket) error {
	budget := e.cfg.Quality.RetryBudget
	if budget <= 0 {
		budget = 3
	}

	ticket := leaf
	instance := 1
	for attempt := 1; ; attempt++ {
		e.setTicketStatus(ticket, models.StatusInProgress)

		attemptRunID := fmt.Sprintf("%s-%s-a%d", runID, ticket.ID, attempt)
		result, err := e.deps.Pool.Submit(ctx, &workerpool.TaskRequest{
			RunID:         attemptRunID,
			Ticket:        ticket,
			Project:       proj,
			AgentInstance: instance,
		})
		if err != nil {
			return err
		}

		ticket.GitBranch = result.GitBranch
		ticket.Artifacts = artifactPaths(result)

		switch result.Status {
		case workerpool.StatusSuccess, workerpool.StatusPartial:
			e.recommender.RecordSuccess(ticket.ID, result.AgentID)
			e.setTicketStatus(ticket, models.StatusCompleted)
			return nil

		case workerpool.StatusQualityFailed:
			rec := e.recommender.Recommend(ticket.ID, result.AgentID, result.QualityGates)
			e.notifyQualityFailure(ctx, wf, ticket, result.AgentID, rec)

			if rec.Action == quality.DecisionEscalate || attempt > budget {
				decision, err := e.escalate(ctx, wf, ticket, result)
				if err != nil {
					return err
				}
				if decision.Action == models.ActionApprove {
					// Authority accepted the work despite the gate.
					e.setTicketStatus(ticket, models.StatusCompleted)
					return nil
				}
				e.setTicketStatus(ticket, models.StatusFailed)
				return fmt.Errorf("quality escalation not approved: %s", decision.Feedback)
			}
			if rec.Action == quality.DecisionReassign {
				// A different agent takes the next attempt.
				instance++
			}

			e.setTicketStatus(ticket, models.StatusRevisionRequired)
			ticket = retryTicket(ticket, rec)

		default: // workerpool.StatusError
			if attempt > budget {
				e.setTicketStatus(ticket, models.StatusFailed)
				return fmt.Errorf("execution failed after %d attempts: %s",
					attempt, strings.Join(result.Errors, "; "))
			}
			e.setTicketStatus(ticket, models.StatusRevisionRequired)
		}
	}
}

// retryTicket folds the retry instructions into the ticket description.
func retryTicket(t *models.Ticket, rec quality.Recommendation) *models.Ticket {
	copied := *t
	if len(rec.Instructions) > 0 {
		copied.Description = t.Description +
			"\n\nPrevious attempt failed quality gates. Fix the following:\n- " +
			strings.Join(rec.Instructions, "\n- ")
	}
	return &copied
}

// notifyQualityFailure posts the failure and, on escalation, the escalation
// message on the agent bus.
func (e *Engine) notifyQualityFailure(ctx context.Context, wf *models.Workflow, t *models.Ticket, agentID string, rec quality.Recommendation) {
	if e.deps.Bus == nil {
		return
	}
	msg := bus.NewMessage(bus.TypeQualityFailure, workerpool.EngineAgentID, agentID, map[string]any{
		"workflowId":   wf.WorkflowID,
		"ticketId":     t.ID,
		"action":       rec.Action,
		"instructions": rec.Instructions,
		"failStreak":   rec.FailStreak,
	})
	_ = e.deps.Bus.Send(ctx, msg)

	if rec.Action == quality.DecisionEscalate {
		esc := bus.NewMessage(bus.TypeEscalation, workerpool.EngineAgentID, rec.EscalateTo, map[string]any{
			"workflowId": wf.WorkflowID,
			"ticketId":   t.ID,
			"failStreak": rec.FailStreak,
		})
		_ = e.deps.Bus.Send(ctx, esc)
	}
}

// escalate blocks on the quality authority's decision for a failing ticket.
// Escalations serialize; concurrent leaves of one workflow take turns at the
// gate.
func (e *Engine) escalate(ctx context.Context, wf *models.Workflow, t *models.Ticket, result *workerpool.ExecutionResult) (*models.ApprovalDecision, error) {
	e.escMu.Lock()
	defer e.escMu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "Quality escalation to %s\n\n", quality.RoleQualityAuthority)
	fmt.Fprintf(&b, "Ticket %s (%s) failed its quality gates repeatedly.\n", t.ID, t.Title)
	if result.QualityGates != nil {
		for _, line := range quality.BuildRetryInstructions(result.QualityGates) {
			fmt.Fprintf(&b, "- %s\n", line)
		}
	}
	return e.awaitApproval(ctx, wf, models.PhaseExecution, b.String())
}

// reviewPhase merges every completed task branch into the agent branch.
// Auto-resolvable conflicts recover silently; anything else escalates.
func (e *Engine) reviewPhase(ctx context.Context, wf *models.Workflow) (models.Phase, error) {
	proj, err := e.deps.Projects.Get(wf.ProjectID)
	if err != nil {
		return "", err
	}
	repoPath := filepath.Join(e.cfg.Runtime.WorkDir, proj.ID)
	if _, statErr := os.Stat(filepath.Join(repoPath, ".git")); statErr != nil {
		e.logger.Warn("no shared checkout for review merge, skipping",
			zap.String("workflow_id", wf.WorkflowID), zap.String("repo", repoPath))
		return models.PhaseDelivery, nil
	}

	git := gitops.New(e.logger)
	children, err := e.deps.Repo.ChildTickets(wf)
	if err != nil {
		return "", err
	}
	for _, child := range children {
		leaves, err := e.deps.Repo.Grandchildren(child)
		if err != nil {
			return "", err
		}
		for _, leaf := range leaves {
			if leaf.GitBranch == "" || leaf.Status != models.StatusCompleted {
				continue
			}
			e.setTicketStatus(leaf, models.StatusReviewRequested)
			mergeResult, err := git.MergeToAgentBranch(ctx, repoPath, leaf.GitBranch, proj.AgentBranch)
			if err != nil {
				return "", err
			}
			if !mergeResult.Success {
				report := gitops.GenerateConflictReport(mergeResult.Report)
				decision, err := e.awaitApproval(ctx, wf, models.PhaseReview,
					"Merge conflict requires manual resolution\n\n"+report)
				if err != nil {
					return "", err
				}
				if decision.Action != models.ActionApprove {
					return "", fmt.Errorf("merge conflict on %s not resolved: %s", leaf.GitBranch, decision.Feedback)
				}
			}
			e.setTicketStatus(leaf, models.StatusCompleted)
		}
	}
	return models.PhaseDelivery, nil
}

// deliveryPhase blocks on the delivery approval gate.
func (e *Engine) deliveryPhase(ctx context.Context, wf *models.Workflow) (models.Phase, error) {
	summary, err := e.renderProposal(wf)
	if err != nil {
		return "", err
	}
	decision, err := e.awaitApproval(ctx, wf, models.PhaseDelivery, "Delivery summary\n\n"+summary)
	if err != nil {
		return "", err
	}
	switch decision.Action {
	case models.ActionApprove:
		return models.PhaseRetrospective, nil
	case models.ActionRequestRevision:
		return models.PhaseExecution, nil
	default:
		return "", fmt.Errorf("delivery rejected: %s", decision.Feedback)
	}
}

// retrospectivePhase convenes the closing meeting and records what was
// learned in the knowledge base.
func (e *Engine) retrospectivePhase(wf *models.Workflow) (models.Phase, error) {
	if _, err := e.deps.Meetings.ConveneMeeting(wf.WorkflowID,
		"Retrospective: "+wf.Instruction, FacilitatorID); err != nil {
		return "", err
	}
	if e.deps.Knowledge != nil {
		entry := &state.KnowledgeEntry{
			Title:            "Workflow retrospective: " + truncate(wf.Instruction, 60),
			Category:         state.CategoryProcessImprovement,
			Content:          fmt.Sprintf("Workflow %s completed all execution lanes for: %s", wf.WorkflowID, wf.Instruction),
			RelatedWorkflows: []string{wf.WorkflowID},
			AuthorAgentID:    FacilitatorID,
		}
		if err := e.deps.Knowledge.Add(entry); err != nil {
			e.logger.Warn("knowledge entry write failed", zap.Error(err))
		}
	}
	return models.PhaseCompleted, nil
}

func (e *Engine) setTicketStatus(t *models.Ticket, status models.TicketStatus) {
	t.Status = status
	if err := e.deps.Repo.SaveTicket(t); err != nil {
		e.logger.Error("ticket persist failed", zap.String("ticket_id", t.ID), zap.Error(err))
	}
	e.publish(eventbus.SubjectTicketStatusChanged, map[string]any{
		"ticketId": t.ID,
		"status":   string(status),
	})
}

func (e *Engine) writeFinalReport(run *runs.Run, wf *models.Workflow) {
	tickets, err := e.deps.Repo.AllTickets(wf)
	if err != nil {
		tickets = nil
	}
	rep := &runs.Report{
		RunID:       run.ID,
		WorkflowID:  wf.WorkflowID,
		Instruction: wf.Instruction,
		Status:      string(wf.Phase),
		Tickets:     tickets,
	}
	if err := run.WriteReport(rep); err != nil {
		e.logger.Warn("final report write failed", zap.Error(err))
	}
}

func artifactPaths(result *workerpool.ExecutionResult) []string {
	paths := make([]string, 0, len(result.Artifacts))
	for _, a := range result.Artifacts {
		paths = append(paths, a.Path)
	}
	return paths
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
