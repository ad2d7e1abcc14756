// Package approval implements the synchronous human checkpoint: a workflow
// blocks on requestApproval until an external decision arrives, exactly once.
package approval

import (
	"context"
	"fmt"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	apperrors "github.com/bosun-dev/bosun/internal/common/errors"
	"github.com/bosun-dev/bosun/internal/common/logger"
	"github.com/bosun-dev/bosun/internal/state"
	"github.com/bosun-dev/bosun/internal/workflow/models"
)

// ErrMsgNotAwaiting is returned when a decision arrives for a workflow with
// no pending approval.
const ErrMsgNotAwaiting = "承認待ちではありません (not awaiting approval)"

// PendingApproval describes one blocked workflow.
type PendingApproval struct {
	WorkflowID  string       `json:"workflowId"`
	Phase       models.Phase `json:"phase"`
	Proposal    string       `json:"proposal"`
	RequestedAt time.Time    `json:"requestedAt"`
}

// approvalHistory is the per-workflow document at approvals/<workflowId>.json.
type approvalHistory struct {
	WorkflowID string                    `json:"workflowId"`
	Decisions  []models.ApprovalDecision `json:"decisions"`
}

type pendingEntry struct {
	info PendingApproval
	ch   chan models.ApprovalDecision
}

// Gate blocks workflows on typed decisions. Decisions for one workflow never
// release another; each blocked caller resumes exactly once.
type Gate struct {
	store  *state.Store
	logger *logger.Logger

	mu      sync.Mutex
	pending map[string]*pendingEntry
}

// NewGate creates an approval gate persisting history through the store.
func NewGate(store *state.Store, log *logger.Logger) *Gate {
	if log == nil {
		log = logger.Default()
	}
	return &Gate{
		store:   store,
		logger:  log.WithFields(zap.String("component", "approval-gate")),
		pending: make(map[string]*pendingEntry),
	}
}

func historyPath(workflowID string) string {
	return path.Join(state.DirApprovals, workflowID+".json")
}

// RequestApproval registers a pending approval and returns a channel that
// receives the decision. At most one approval may be pending per workflow.
func (g *Gate) RequestApproval(workflowID string, phase models.Phase, proposal string) (<-chan models.ApprovalDecision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.pending[workflowID]; exists {
		return nil, apperrors.Conflict(fmt.Sprintf("workflow %s already has a pending approval", workflowID))
	}

	entry := &pendingEntry{
		info: PendingApproval{
			WorkflowID:  workflowID,
			Phase:       phase,
			Proposal:    proposal,
			RequestedAt: time.Now().UTC(),
		},
		// Buffered so SubmitDecision never blocks on a slow consumer.
		ch: make(chan models.ApprovalDecision, 1),
	}
	g.pending[workflowID] = entry

	g.logger.Info("approval requested",
		zap.String("workflow_id", workflowID), zap.String("phase", string(phase)))
	return entry.ch, nil
}

// Await blocks until the decision arrives or the context is cancelled. On
// cancellation the pending approval is settled with an error.
func (g *Gate) Await(ctx context.Context, workflowID string, ch <-chan models.ApprovalDecision) (*models.ApprovalDecision, error) {
	select {
	case decision := <-ch:
		return &decision, nil
	case <-ctx.Done():
		g.Cancel(workflowID)
		return nil, ctx.Err()
	}
}

// SubmitDecision releases the blocked workflow and appends the decision to
// its persisted history. Submitting for a non-pending workflow fails.
func (g *Gate) SubmitDecision(workflowID string, decision models.ApprovalDecision) error {
	g.mu.Lock()
	entry, exists := g.pending[workflowID]
	if !exists {
		g.mu.Unlock()
		return &apperrors.AppError{
			Code:       apperrors.ErrCodeNotAwaitingApproval,
			Message:    ErrMsgNotAwaiting,
			HTTPStatus: 409,
		}
	}
	delete(g.pending, workflowID)
	g.mu.Unlock()

	decision.WorkflowID = workflowID
	if decision.DecidedAt.IsZero() {
		decision.DecidedAt = time.Now().UTC()
	}

	var history approvalHistory
	_ = g.store.LoadJSON(historyPath(workflowID), &history)
	history.WorkflowID = workflowID
	history.Decisions = append(history.Decisions, decision)
	if err := g.store.SaveJSON(historyPath(workflowID), &history); err != nil {
		g.logger.Error("failed to persist approval history",
			zap.String("workflow_id", workflowID), zap.Error(err))
	}

	entry.ch <- decision
	close(entry.ch)

	g.logger.Info("approval decided",
		zap.String("workflow_id", workflowID), zap.String("action", string(decision.Action)))
	return nil
}

// Cancel settles a pending approval without a decision; the channel closes
// so a blocked caller observes the zero decision and its context error.
func (g *Gate) Cancel(workflowID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if entry, exists := g.pending[workflowID]; exists {
		delete(g.pending, workflowID)
		close(entry.ch)
	}
}

// IsWaitingApproval reports whether a workflow has a pending approval.
func (g *Gate) IsWaitingApproval(workflowID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, exists := g.pending[workflowID]
	return exists
}

// GetPendingApprovals returns the blocked workflows.
func (g *Gate) GetPendingApprovals() []PendingApproval {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]PendingApproval, 0, len(g.pending))
	for _, entry := range g.pending {
		out = append(out, entry.info)
	}
	return out
}

// GetApprovalHistory returns the persisted decisions for a workflow, oldest
// first.
func (g *Gate) GetApprovalHistory(workflowID string) ([]models.ApprovalDecision, error) {
	var history approvalHistory
	if err := g.store.LoadJSON(historyPath(workflowID), &history); err != nil {
		var appErr *apperrors.AppError
		if apperrors.As(err, &appErr) && appErr.Code == apperrors.ErrCodeNotFound {
			return []models.ApprovalDecision{}, nil
		}
		return nil, err
	}
	return history.Decisions, nil
}
