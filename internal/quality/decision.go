package quality

import (
	"fmt"
	"strings"
	"sync"
)

// Decision actions.
const (
	DecisionRetry    = "retry"
	DecisionReassign = "reassign"
	DecisionEscalate = "escalate"
)

// RoleQualityAuthority receives escalations after repeated failures.
const RoleQualityAuthority = "quality_authority"

// Recommendation is the recommended next step after a gate failure. The
// engine may override it.
type Recommendation struct {
	Action       string   `json:"action"`
	EscalateTo   string   `json:"escalateTo,omitempty"`
	Instructions []string `json:"instructions,omitempty"`
	FailStreak   int      `json:"failStreak"`
}

// Recommender tracks consecutive gate failures per (ticket, agent) pair.
// Concurrent retries of the same ticket are serialized by the engine; the
// internal lock only protects the map itself.
type Recommender struct {
	mu      sync.Mutex
	streaks map[string]int
}

// NewRecommender creates a recommender.
func NewRecommender() *Recommender {
	return &Recommender{streaks: make(map[string]int)}
}

func streakKey(ticketID, agentID string) string {
	return ticketID + "\x00" + agentID
}

// RecordSuccess resets the failure streak.
func (r *Recommender) RecordSuccess(ticketID, agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.streaks, streakKey(ticketID, agentID))
}

// Recommend records one failure and returns the next action: first failure
// retries with itemized instructions, the second reassigns, and from the
// third on the ticket escalates to the quality authority.
func (r *Recommender) Recommend(ticketID, agentID string, result *Result) Recommendation {
	r.mu.Lock()
	r.streaks[streakKey(ticketID, agentID)]++
	streak := r.streaks[streakKey(ticketID, agentID)]
	r.mu.Unlock()

	rec := Recommendation{FailStreak: streak}
	switch {
	case streak <= 1:
		rec.Action = DecisionRetry
		rec.Instructions = BuildRetryInstructions(result)
	case streak == 2:
		rec.Action = DecisionReassign
		rec.Instructions = BuildRetryInstructions(result)
	default:
		rec.Action = DecisionEscalate
		rec.EscalateTo = RoleQualityAuthority
	}
	return rec
}

// BuildRetryInstructions itemizes what failed and which errors to fix.
func BuildRetryInstructions(result *Result) []string {
	var instructions []string

	if !result.Lint.Passed {
		instructions = append(instructions, "Lintエラーを修正してください")
		instructions = append(instructions, ExtractErrorLines(result.Lint.Output)...)
	}
	if result.Test.Executed && !result.Test.Passed {
		if result.TestSummary.Parsed {
			instructions = append(instructions, fmt.Sprintf(
				"テストを修正してください (%d failed / %d total)",
				result.TestSummary.Failed, result.TestSummary.Total))
		} else {
			instructions = append(instructions, "テストを修正してください")
		}
		for _, line := range strings.Split(result.Test.Output, "\n") {
			trimmed := strings.TrimSpace(line)
			if strings.HasPrefix(trimmed, "FAIL") || strings.Contains(trimmed, "AssertionError") {
				instructions = append(instructions, trimmed)
			}
		}
	}
	instructions = append(instructions, result.Errors...)
	return instructions
}
