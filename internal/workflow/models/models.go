// Package models defines the workflow and ticket types shared by the engine,
// decomposer, worker pool, and control API.
package models

import (
	"time"
)

// Phase is the workflow's current position in the state machine.
type Phase string

const (
	PhaseMeeting       Phase = "meeting"
	PhaseProposal      Phase = "proposal"
	PhaseApproval      Phase = "approval"
	PhaseExecution     Phase = "execution"
	PhaseReview        Phase = "review"
	PhaseDelivery      Phase = "delivery"
	PhaseRetrospective Phase = "retrospective"
	PhaseCompleted     Phase = "completed"
	PhaseFailed        Phase = "failed"
)

// TicketStatus is the lifecycle state of a grandchild ticket.
type TicketStatus string

const (
	StatusPending          TicketStatus = "pending"
	StatusInProgress       TicketStatus = "in_progress"
	StatusReviewRequested  TicketStatus = "review_requested"
	StatusRevisionRequired TicketStatus = "revision_required"
	StatusCompleted        TicketStatus = "completed"
	StatusFailed           TicketStatus = "failed"
	StatusPRCreated        TicketStatus = "pr_created"
)

// WorkerType is a child-ticket lane.
type WorkerType string

const (
	WorkerResearch  WorkerType = "research"
	WorkerDesign    WorkerType = "design"
	WorkerDeveloper WorkerType = "developer"
	WorkerTest      WorkerType = "test"
	WorkerReviewer  WorkerType = "reviewer"
)

// WorkflowMetadata carries scheduling hints.
type WorkflowMetadata struct {
	Priority string   `json:"priority"`
	Deadline string   `json:"deadline,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// Workflow is one top-level instruction driven through the phase machine.
type Workflow struct {
	WorkflowID   string           `json:"workflowId"`
	ProjectID    string           `json:"projectId"`
	Instruction  string           `json:"instruction"`
	Phase        Phase            `json:"phase"`
	CreatedAt    time.Time        `json:"createdAt"`
	UpdatedAt    time.Time        `json:"updatedAt"`
	ChildTickets []string         `json:"childTickets"`
	Metadata     WorkflowMetadata `json:"metadata"`
}

// Ticket is a unit of work. Children carry a WorkerType lane and own
// grandchildren; grandchildren are the executable leaves.
type Ticket struct {
	ID                 string       `json:"id"`
	ParentID           string       `json:"parentId"`
	WorkflowID         string       `json:"workflowId"`
	WorkerType         WorkerType   `json:"workerType,omitempty"`
	Title              string       `json:"title"`
	Description        string       `json:"description"`
	AcceptanceCriteria []string     `json:"acceptanceCriteria"`
	Status             TicketStatus `json:"status"`
	Assignee           string       `json:"assignee,omitempty"`
	GitBranch          string       `json:"gitBranch,omitempty"`
	Artifacts          []string     `json:"artifacts"`
	ReviewResult       string       `json:"reviewResult,omitempty"`
	DependsOn          []string     `json:"dependsOn,omitempty"`
	Children           []string     `json:"children,omitempty"`
	CreatedAt          time.Time    `json:"createdAt"`
	UpdatedAt          time.Time    `json:"updatedAt"`
}

// IsTerminal reports whether a ticket status is final.
func (s TicketStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusPRCreated
}

// IsTerminal reports whether a phase is final.
func (p Phase) IsTerminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// ApprovalAction is a decision on a blocked workflow.
type ApprovalAction string

const (
	ActionApprove         ApprovalAction = "approve"
	ActionRequestRevision ApprovalAction = "request_revision"
	ActionReject          ApprovalAction = "reject"
)

// ApprovalDecision is one typed decision from an external approver.
type ApprovalDecision struct {
	WorkflowID string         `json:"workflowId"`
	Phase      Phase          `json:"phase"`
	Action     ApprovalAction `json:"action"`
	Feedback   string         `json:"feedback,omitempty"`
	DecidedAt  time.Time      `json:"decidedAt"`
}
