// Package decompose turns a workflow instruction into the ticket tree: one
// child per worker lane, each with grandchild units of work. Output is
// deterministic for a fixed instruction, so re-running decomposition for the
// same workflow yields the same ids and the same tree.
package decompose

import (
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bosun-dev/bosun/internal/common/logger"
	"github.com/bosun-dev/bosun/internal/state"
	"github.com/bosun-dev/bosun/internal/workflow/models"
)

// Options tunes decomposition.
type Options struct {
	// ForceLanes adds lanes regardless of keyword matching.
	ForceLanes []models.WorkerType
}

// Result is the decomposed ticket tree.
type Result struct {
	Children      []*models.Ticket
	Grandchildren map[string][]*models.Ticket // keyed by child ticket id
}

// Decomposer builds ticket trees from instructions.
type Decomposer struct {
	logger *logger.Logger
}

// New creates a decomposer.
func New(log *logger.Logger) *Decomposer {
	if log == nil {
		log = logger.Default()
	}
	return &Decomposer{logger: log.WithFields(zap.String("component", "decomposer"))}
}

// laneKeywords selects optional lanes by instruction content. The developer
// lane is always present.
var laneKeywords = map[models.WorkerType][]string{
	models.WorkerResearch: {"research", "investigate", "explore", "compare", "evaluate", "調査"},
	models.WorkerDesign:   {"design", "architecture", "schema", "ui", "ux", "layout", "設計"},
	models.WorkerTest:     {"test", "coverage", "qa", "regression", "テスト"},
	models.WorkerReviewer: {"review", "audit", "refactor", "security", "レビュー"},
}

// laneOrder fixes output ordering.
var laneOrder = []models.WorkerType{
	models.WorkerResearch,
	models.WorkerDesign,
	models.WorkerDeveloper,
	models.WorkerTest,
	models.WorkerReviewer,
}

// SelectLanes returns the worker lanes for an instruction, in fixed order.
func SelectLanes(instruction string, opts Options) []models.WorkerType {
	selected := map[models.WorkerType]bool{models.WorkerDeveloper: true}
	lower := strings.ToLower(instruction)
	for lane, keywords := range laneKeywords {
		for _, kw := range keywords {
			if strings.Contains(lower, kw) {
				selected[lane] = true
				break
			}
		}
	}
	for _, lane := range opts.ForceLanes {
		selected[lane] = true
	}

	var lanes []models.WorkerType
	for _, lane := range laneOrder {
		if selected[lane] {
			lanes = append(lanes, lane)
		}
	}
	return lanes
}

// Decompose builds the child and grandchild layers for a workflow. Knowledge
// entries, when present, are folded into grandchild descriptions as context.
func (d *Decomposer) Decompose(wf *models.Workflow, knowledge []*state.KnowledgeEntry, opts Options) (*Result, error) {
	if strings.TrimSpace(wf.Instruction) == "" {
		return nil, fmt.Errorf("workflow %s has an empty instruction", wf.WorkflowID)
	}

	lanes := SelectLanes(wf.Instruction, opts)
	now := time.Now().UTC()

	result := &Result{Grandchildren: make(map[string][]*models.Ticket)}
	developerChildID := childID(wf.WorkflowID, models.WorkerDeveloper)

	for _, lane := range lanes {
		child := &models.Ticket{
			ID:          childID(wf.WorkflowID, lane),
			ParentID:    wf.WorkflowID,
			WorkflowID:  wf.WorkflowID,
			WorkerType:  lane,
			Title:       fmt.Sprintf("%s: %s", lane, truncate(wf.Instruction, 80)),
			Description: wf.Instruction,
			Status:      models.StatusPending,
			CreatedAt:   now,
			UpdatedAt:   now,
		}

		units := laneUnits(lane, wf.Instruction, knowledge)
		for i, unit := range units {
			gc := &models.Ticket{
				ID:                 grandchildID(child.ID, i),
				ParentID:           child.ID,
				WorkflowID:         wf.WorkflowID,
				WorkerType:         lane,
				Title:              unit.title,
				Description:        unit.description,
				AcceptanceCriteria: unit.criteria,
				Status:             models.StatusPending,
				CreatedAt:          now,
				UpdatedAt:          now,
			}
			// Verification lanes wait for the developer lane's leaves.
			if lane == models.WorkerTest || lane == models.WorkerReviewer {
				gc.DependsOn = grandchildIDsFor(developerChildID, len(laneUnits(models.WorkerDeveloper, wf.Instruction, knowledge)))
			}
			child.Children = append(child.Children, gc.ID)
			result.Grandchildren[child.ID] = append(result.Grandchildren[child.ID], gc)
		}
		result.Children = append(result.Children, child)
	}

	d.logger.Info("workflow decomposed",
		zap.String("workflow_id", wf.WorkflowID),
		zap.Int("lanes", len(result.Children)))
	return result, nil
}

func childID(workflowID string, lane models.WorkerType) string {
	return fmt.Sprintf("%s-%s", workflowID, lane)
}

func grandchildID(childTicketID string, index int) string {
	return fmt.Sprintf("%s-%d", childTicketID, index+1)
}

func grandchildIDsFor(childTicketID string, count int) []string {
	ids := make([]string, 0, count)
	for i := 0; i < count; i++ {
		ids = append(ids, grandchildID(childTicketID, i))
	}
	return ids
}

type workUnit struct {
	title       string
	description string
	criteria    []string
}

// laneUnits yields the grandchild templates for one lane.
func laneUnits(lane models.WorkerType, instruction string, knowledge []*state.KnowledgeEntry) []workUnit {
	short := truncate(instruction, 60)
	context := knowledgeContext(knowledge)

	switch lane {
	case models.WorkerResearch:
		return []workUnit{{
			title:       fmt.Sprintf("Research prior art for: %s", short),
			description: fmt.Sprintf("Survey the codebase and existing solutions relevant to the instruction.\n\nInstruction: %s%s", instruction, context),
			criteria:    []string{"Findings documented as a knowledge entry", "Open risks listed"},
		}}
	case models.WorkerDesign:
		return []workUnit{{
			title:       fmt.Sprintf("Design the change for: %s", short),
			description: fmt.Sprintf("Produce a concrete design covering affected modules and data flow.\n\nInstruction: %s%s", instruction, context),
			criteria:    []string{"Affected files identified", "Interfaces and data changes described"},
		}}
	case models.WorkerDeveloper:
		return []workUnit{
			{
				title:       fmt.Sprintf("Implement: %s", short),
				description: fmt.Sprintf("Apply the source changes required by the instruction.\n\nInstruction: %s%s", instruction, context),
				criteria:    []string{"Code compiles", "Changes committed on the task branch"},
			},
			{
				title:       "Integrate and verify the change builds",
				description: "Reconcile the implementation with the current agent branch and confirm the project builds.",
				criteria:    []string{"No uncommitted changes remain", "Build passes locally"},
			},
		}
	case models.WorkerTest:
		return []workUnit{{
			title:       fmt.Sprintf("Add tests covering: %s", short),
			description: fmt.Sprintf("Write automated tests for the implemented behavior, including failure paths.\n\nInstruction: %s%s", instruction, context),
			criteria:    []string{"New tests pass", "Existing tests still pass"},
		}}
	case models.WorkerReviewer:
		return []workUnit{{
			title:       fmt.Sprintf("Review the change for: %s", short),
			description: fmt.Sprintf("Review the committed diff for correctness, style, and regressions.\n\nInstruction: %s%s", instruction, context),
			criteria:    []string{"Review result recorded on the ticket"},
		}}
	default:
		return nil
	}
}

// knowledgeContext renders historical knowledge as a prompt appendix.
func knowledgeContext(entries []*state.KnowledgeEntry) string {
	if len(entries) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("\n\nRelevant past knowledge:\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "- [%s] %s: %s\n", e.Category, e.Title, truncate(e.Content, 120))
	}
	return b.String()
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
