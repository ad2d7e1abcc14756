// Package bus implements the durable agent message bus: per-agent pull-based
// inboxes with ordered delivery and exactly-once consumption.
//
// Workers never bind network ports; they poll their inbox. The file backend
// is the reference implementation; sqlite and redis are alternatives selected
// by configuration.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Message types exchanged between agents.
const (
	TypeTaskAssign       = "task_assign"
	TypeTaskResult       = "task_result"
	TypeQualityFailure   = "quality_failure"
	TypeApprovalRequest  = "approval_request"
	TypeApprovalDecision = "approval_decision"
	TypeEscalation       = "escalation"
	TypeBroadcast        = "broadcast"
)

// Message is one agent-to-agent message.
type Message struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	From      string         `json:"from"`
	To        string         `json:"to"`
	Payload   map[string]any `json:"payload"`
	Timestamp time.Time      `json:"timestamp"`
}

// NewMessage creates a message with a fresh id and the current timestamp.
func NewMessage(msgType, from, to string, payload map[string]any) *Message {
	return &Message{
		ID:        uuid.New().String(),
		Type:      msgType,
		From:      from,
		To:        to,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// RunID extracts payload.runId when present.
func (m *Message) RunID() string {
	if m.Payload == nil {
		return ""
	}
	if v, ok := m.Payload["runId"].(string); ok {
		return v
	}
	return ""
}

// Bus is the message bus capability. Implementations guarantee per-recipient
// delivery in send order and exactly-once consumption on Poll.
type Bus interface {
	// Type identifies the backend: file, sqlite, or redis.
	Type() string

	// Initialize prepares backend storage.
	Initialize(ctx context.Context) error

	// Send delivers a message to the recipient's inbox and records it in the
	// run history when payload.runId is present. Sender and recipient become
	// registered agents.
	Send(ctx context.Context, msg *Message) error

	// Poll waits up to timeout for messages, returns them in ascending
	// timestamp order, and removes them from the inbox.
	Poll(ctx context.Context, agentID string, timeout time.Duration) ([]*Message, error)

	// Broadcast fans the message out to every registered agent except the
	// sender and the given exclusions. Individual inbox failures are ignored.
	Broadcast(ctx context.Context, msg *Message, except []string) error

	// History returns every message recorded for a run, in send order.
	History(ctx context.Context, runID string) ([]*Message, error)

	// Cleanup removes messages and history older than retentionDays and,
	// opportunistically, empty inboxes.
	Cleanup(ctx context.Context, retentionDays int) error

	// Close releases backend resources.
	Close() error
}

// pollInterval is the sleep between inbox checks for backends without
// native blocking reads.
const pollInterval = 100 * time.Millisecond
