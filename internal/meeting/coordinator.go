// Package meeting synthesizes multi-role meeting minutes referenced by the
// workflow's meeting and retrospective phases.
package meeting

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/bosun-dev/bosun/internal/common/logger"
	"github.com/bosun-dev/bosun/internal/decompose"
	"github.com/bosun-dev/bosun/internal/state"
	"github.com/bosun-dev/bosun/internal/workflow/models"
)

// Agenda item status.
const (
	AgendaOpen      = "open"
	AgendaConcluded = "concluded"
)

// AgendaItem is one discussion topic.
type AgendaItem struct {
	ID     string `json:"id"`
	Topic  string `json:"topic"`
	Status string `json:"status"`
}

// Statement is one participant utterance tied to an agenda item.
type Statement struct {
	ParticipantID string    `json:"participantId"`
	AgendaItemID  string    `json:"agendaItemId"`
	Content       string    `json:"content"`
	At            time.Time `json:"at"`
}

// Decision is one recorded outcome for an agenda item.
type Decision struct {
	AgendaItemID string `json:"agendaItemId"`
	Content      string `json:"content"`
}

// ActionItem is follow-up work assigned during the meeting.
type ActionItem struct {
	AssigneeID  string `json:"assigneeId"`
	Description string `json:"description"`
}

// Minutes is the full meeting artifact.
type Minutes struct {
	MeetingID    string       `json:"meetingId"`
	WorkflowID   string       `json:"workflowId"`
	Facilitator  string       `json:"facilitator"`
	Participants []string     `json:"participants"`
	Agenda       []AgendaItem `json:"agenda"`
	Statements   []Statement  `json:"statements"`
	Decisions    []Decision   `json:"decisions"`
	ActionItems  []ActionItem `json:"actionItems"`
	StartedAt    time.Time    `json:"startedAt"`
	EndedAt      time.Time    `json:"endedAt"`
}

// Coordinator convenes meetings and persists their minutes.
type Coordinator struct {
	store  *state.Store
	logger *logger.Logger
}

// New creates a coordinator.
func New(store *state.Store, log *logger.Logger) *Coordinator {
	if log == nil {
		log = logger.Default()
	}
	return &Coordinator{
		store:  store,
		logger: log.WithFields(zap.String("component", "meeting")),
	}
}

func minutesPath(workflowID, meetingID string) string {
	return path.Join(state.DirMeetings, workflowID, meetingID+".json")
}

// ConveneMeeting synthesizes minutes for a workflow instruction. The
// facilitator is always a participant; further participants are selected by
// keyword match with the developer role always present. Every non-facilitator
// participant speaks on every agenda item, the facilitator concludes each
// item with a summary, and each item gets at least one decision.
func (c *Coordinator) ConveneMeeting(workflowID, instruction, facilitatorID string) (*Minutes, error) {
	if strings.TrimSpace(instruction) == "" {
		return nil, fmt.Errorf("cannot convene a meeting with an empty instruction")
	}

	started := time.Now().UTC()
	minutes := &Minutes{
		MeetingID:   uuid.New().String(),
		WorkflowID:  workflowID,
		Facilitator: facilitatorID,
		StartedAt:   started,
	}

	// Participant selection reuses the decomposer's lane keywords so the
	// meeting roster matches the lanes that will execute the work.
	lanes := decompose.SelectLanes(instruction, decompose.Options{})
	minutes.Participants = append(minutes.Participants, facilitatorID)
	for _, lane := range lanes {
		member := string(lane) + "-1"
		if member != facilitatorID {
			minutes.Participants = append(minutes.Participants, member)
		}
	}

	minutes.Agenda = buildAgenda(minutes.MeetingID, instruction)

	turn := started
	for i := range minutes.Agenda {
		item := &minutes.Agenda[i]

		for _, participant := range minutes.Participants {
			if participant == facilitatorID {
				continue
			}
			turn = turn.Add(time.Second)
			minutes.Statements = append(minutes.Statements, Statement{
				ParticipantID: participant,
				AgendaItemID:  item.ID,
				Content: fmt.Sprintf("On %s: from the %s perspective, %s",
					item.ID, roleOf(participant), perspectiveFor(participant, instruction)),
				At: turn,
			})
		}

		turn = turn.Add(time.Second)
		minutes.Statements = append(minutes.Statements, Statement{
			ParticipantID: facilitatorID,
			AgendaItemID:  item.ID,
			Content:       fmt.Sprintf("Summary for %s: positions recorded, topic is concluded.", item.ID),
			At:            turn,
		})
		item.Status = AgendaConcluded

		minutes.Decisions = append(minutes.Decisions, Decision{
			AgendaItemID: item.ID,
			Content:      decisionFor(item.Topic),
		})
	}

	minutes.ActionItems = append(minutes.ActionItems, ActionItem{
		AssigneeID:  developerParticipant(minutes.Participants),
		Description: "Proceed with ticket decomposition for: " + truncate(instruction, 80),
	})
	minutes.EndedAt = turn.Add(time.Second)

	if err := c.store.SaveJSON(minutesPath(workflowID, minutes.MeetingID), minutes); err != nil {
		return nil, err
	}
	c.logger.Info("meeting convened",
		zap.String("workflow_id", workflowID),
		zap.String("meeting_id", minutes.MeetingID),
		zap.Int("participants", len(minutes.Participants)))
	return minutes, nil
}

// GetMinutes loads one persisted meeting.
func (c *Coordinator) GetMinutes(workflowID, meetingID string) (*Minutes, error) {
	var minutes Minutes
	if err := c.store.LoadJSON(minutesPath(workflowID, meetingID), &minutes); err != nil {
		return nil, err
	}
	return &minutes, nil
}

// ListMeetings returns the meeting ids recorded for a workflow.
func (c *Coordinator) ListMeetings(workflowID string) ([]string, error) {
	return c.store.List(path.Join(state.DirMeetings, workflowID))
}

func buildAgenda(meetingID, instruction string) []AgendaItem {
	topics := []string{
		"Scope and intent of the instruction",
		"Risks and unknowns",
		"Execution plan and lane split",
	}
	agenda := make([]AgendaItem, 0, len(topics))
	for i, topic := range topics {
		agenda = append(agenda, AgendaItem{
			ID:     fmt.Sprintf("%s-agenda-%d", meetingID, i+1),
			Topic:  topic,
			Status: AgendaOpen,
		})
	}
	return agenda
}

func roleOf(participantID string) string {
	if idx := strings.LastIndex(participantID, "-"); idx > 0 {
		return participantID[:idx]
	}
	return participantID
}

func perspectiveFor(participantID, instruction string) string {
	switch models.WorkerType(roleOf(participantID)) {
	case models.WorkerResearch:
		return "we should verify prior art before committing to an approach."
	case models.WorkerDesign:
		return "the affected interfaces need to be mapped before coding starts."
	case models.WorkerTest:
		return "acceptance criteria must be testable and covered by the suite."
	case models.WorkerReviewer:
		return "the diff should stay small enough to review in one pass."
	default:
		return "the change is implementable as described: " + truncate(instruction, 60)
	}
}

func decisionFor(topic string) string {
	return "Agreed: " + topic + " is settled for this workflow."
}

func developerParticipant(participants []string) string {
	for _, p := range participants {
		if roleOf(p) == string(models.WorkerDeveloper) {
			return p
		}
	}
	return participants[0]
}

func truncate(s string, max int) string {
	runes := []rune(strings.TrimSpace(s))
	if len(runes) <= max {
		return string(runes)
	}
	return string(runes[:max])
}
