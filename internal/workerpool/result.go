package workerpool

import (
	"time"

	"github.com/bosun-dev/bosun/internal/gitops"
	"github.com/bosun-dev/bosun/internal/quality"
)

// Status is the terminal state of one ticket execution.
type Status string

const (
	StatusSuccess       Status = "success"
	StatusPartial       Status = "partial"
	StatusQualityFailed Status = "quality_failed"
	StatusError         Status = "error"
)

// Artifact is one file the worker changed.
type Artifact struct {
	Path   string `json:"path"`
	Action string `json:"action"` // created, modified, deleted
	Diff   string `json:"diff,omitempty"`
}

// ExecutionResult is the complete outcome of one ticket execution. Workers
// always produce one; infrastructure failures surface as Status error with
// the cause in Errors, never as a panic or a lost ticket.
type ExecutionResult struct {
	RunID             string              `json:"runId"`
	TicketID          string              `json:"ticketId"`
	AgentID           string              `json:"agentId"`
	Status            Status              `json:"status"`
	StartTime         time.Time           `json:"startTime"`
	EndTime           time.Time           `json:"endTime"`
	Artifacts         []Artifact          `json:"artifacts"`
	GitBranch         string              `json:"gitBranch,omitempty"`
	Commits           []gitops.CommitInfo `json:"commits"`
	QualityGates      *quality.Result     `json:"qualityGates,omitempty"`
	Errors            []string            `json:"errors"`
	ConversationTurns int                 `json:"conversationTurns"`
	TokensUsed        int                 `json:"tokensUsed"`

	// conversation is the transcript saved to conversation.json; not part
	// of the wire result.
	conversation *ChatOutcome
}

func (r *ExecutionResult) addError(msg string) {
	r.Errors = append(r.Errors, msg)
}
