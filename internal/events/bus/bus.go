// Package bus provides the notification event bus: orchestrator components
// publish lifecycle events (phase changes, ticket updates, approvals) that
// observers such as the dashboard endpoints subscribe to. This is distinct
// from the durable agent message bus; events here are fire-and-forget.
package bus

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Well-known event subjects.
const (
	SubjectWorkflowCreated      = "workflow.created"
	SubjectWorkflowPhaseChanged = "workflow.phase_changed"
	SubjectWorkflowCompleted    = "workflow.completed"
	SubjectWorkflowFailed       = "workflow.failed"
	SubjectTicketStatusChanged  = "ticket.status_changed"
	SubjectApprovalRequested    = "approval.requested"
	SubjectApprovalDecided      = "approval.decided"
	SubjectRunCompleted         = "run.completed"
	SubjectAgentsPaused         = "agents.paused"
	SubjectAgentsResumed        = "agents.resumed"
	SubjectAgentsStopped        = "agents.emergency_stopped"
)

// Event represents a message on the event bus.
type Event struct {
	ID        string         `json:"id"`
	Type      string         `json:"type"`
	Source    string         `json:"source"` // component that produced the event
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

// NewEvent creates a new event with a UUID and current timestamp.
func NewEvent(eventType, source string, data map[string]any) *Event {
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// EventHandler is a function that handles an event.
type EventHandler func(ctx context.Context, event *Event) error

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	IsValid() bool
}

// EventBus interface for event bus operations.
type EventBus interface {
	// Publish sends an event to a subject
	Publish(ctx context.Context, subject string, event *Event) error

	// Subscribe creates a subscription to a subject pattern
	Subscribe(subject string, handler EventHandler) (Subscription, error)

	// QueueSubscribe creates a queue subscription for load balancing
	QueueSubscribe(subject, queue string, handler EventHandler) (Subscription, error)

	// Close closes the connection
	Close() error

	// IsConnected returns connection status
	IsConnected() bool
}
