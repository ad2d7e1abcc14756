package state

import (
	"path"
	"time"
)

// PerformanceRecord is one task outcome attributed to an agent.
type PerformanceRecord struct {
	AgentID       string    `json:"agentId"`
	TaskID        string    `json:"taskId"`
	TaskCategory  string    `json:"taskCategory"`
	Success       bool      `json:"success"`
	QualityScore  int       `json:"qualityScore"`
	DurationMs    int64     `json:"durationMs"`
	Timestamp     time.Time `json:"timestamp"`
	ErrorPatterns []string  `json:"errorPatterns,omitempty"`
}

// agentPerformance is the per-agent document at performance/<agentId>.json.
type agentPerformance struct {
	AgentID string              `json:"agentId"`
	Records []PerformanceRecord `json:"records"`
}

// PerformanceStore accumulates records per agent.
type PerformanceStore struct {
	store *Store
}

// NewPerformanceStore wraps a store.
func NewPerformanceStore(store *Store) *PerformanceStore {
	return &PerformanceStore{store: store}
}

func performancePath(agentID string) string {
	return path.Join(DirPerformance, agentID+".json")
}

// Record appends one record to the agent's history.
func (ps *PerformanceStore) Record(rec PerformanceRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	var doc agentPerformance
	_ = ps.store.LoadJSON(performancePath(rec.AgentID), &doc)
	doc.AgentID = rec.AgentID
	doc.Records = append(doc.Records, rec)
	return ps.store.SaveJSON(performancePath(rec.AgentID), &doc)
}

// Records returns the agent's full history, oldest first.
func (ps *PerformanceStore) Records(agentID string) ([]PerformanceRecord, error) {
	var doc agentPerformance
	if err := ps.store.LoadJSON(performancePath(agentID), &doc); err != nil {
		return []PerformanceRecord{}, nil
	}
	return doc.Records, nil
}

// SuccessRate returns the fraction of successful records in [0,1], or -1
// when the agent has no history.
func (ps *PerformanceStore) SuccessRate(agentID string) float64 {
	records, _ := ps.Records(agentID)
	if len(records) == 0 {
		return -1
	}
	succeeded := 0
	for _, r := range records {
		if r.Success {
			succeeded++
		}
	}
	return float64(succeeded) / float64(len(records))
}

// Agents lists every agent with recorded history.
func (ps *PerformanceStore) Agents() ([]string, error) {
	return ps.store.List(DirPerformance)
}
