package quality

import (
	"fmt"
	"path"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/bosun-dev/bosun/internal/common/errors"
	"github.com/bosun-dev/bosun/internal/state"
)

// Waivable gates.
const (
	GateLint = "lint"
	GateTest = "test"
)

// Waiver exempts one gate from blocking judgement, optionally scoped to a
// single run and bounded in time.
type Waiver struct {
	ID        string    `json:"id"`
	RunID     string    `json:"runId,omitempty"`
	Gate      string    `json:"gate"`
	Reason    string    `json:"reason"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
}

// Expired reports whether the waiver is past its expiry.
func (w *Waiver) Expired(now time.Time) bool {
	return !w.ExpiresAt.IsZero() && now.After(w.ExpiresAt)
}

// AppliesTo reports whether the waiver covers a run.
func (w *Waiver) AppliesTo(runID string) bool {
	return w.RunID == "" || w.RunID == runID
}

// WaiverStore persists waivers under state waivers/.
type WaiverStore struct {
	store *state.Store
}

// NewWaiverStore wraps a state store.
func NewWaiverStore(store *state.Store) *WaiverStore {
	return &WaiverStore{store: store}
}

func waiverPath(id string) string {
	return path.Join(state.DirWaivers, id+".json")
}

// Create validates and persists a waiver.
func (ws *WaiverStore) Create(w *Waiver) error {
	if w.Gate != GateLint && w.Gate != GateTest {
		return apperrors.ValidationError("gate", "must be lint or test")
	}
	if w.Reason == "" {
		return apperrors.ValidationError("reason", "must not be empty")
	}
	if w.ID == "" {
		w.ID = uuid.New().String()
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = time.Now().UTC()
	}
	return ws.store.SaveJSON(waiverPath(w.ID), w)
}

// Get loads one waiver.
func (ws *WaiverStore) Get(id string) (*Waiver, error) {
	var w Waiver
	if err := ws.store.LoadJSON(waiverPath(id), &w); err != nil {
		return nil, err
	}
	return &w, nil
}

// List returns every persisted waiver.
func (ws *WaiverStore) List() ([]*Waiver, error) {
	ids, err := ws.store.List(state.DirWaivers)
	if err != nil {
		return nil, err
	}
	waivers := make([]*Waiver, 0, len(ids))
	for _, id := range ids {
		w, err := ws.Get(id)
		if err != nil {
			continue
		}
		waivers = append(waivers, w)
	}
	return waivers, nil
}

// Validate checks that a waiver exists and has not expired.
func (ws *WaiverStore) Validate(id string) error {
	w, err := ws.Get(id)
	if err != nil {
		return err
	}
	if w.Expired(time.Now().UTC()) {
		return apperrors.ValidationError("waiver", fmt.Sprintf("waiver %s expired at %s", id, w.ExpiresAt.Format(time.RFC3339)))
	}
	return nil
}

// Verdict is the judged outcome of a run's quality result.
type Verdict struct {
	Passed      bool     `json:"passed"`
	WaivedGates []string `json:"waivedGates,omitempty"`
	Reasons     []string `json:"reasons,omitempty"`
}

// Judge evaluates a gate result against active waivers: a failed gate covered
// by an applicable, unexpired waiver does not block the verdict.
func Judge(runID string, result *Result, waivers []*Waiver) Verdict {
	now := time.Now().UTC()
	waived := func(gate string) *Waiver {
		for _, w := range waivers {
			if w.Gate == gate && w.AppliesTo(runID) && !w.Expired(now) {
				return w
			}
		}
		return nil
	}

	verdict := Verdict{Passed: true}

	if !result.Lint.Passed {
		if w := waived(GateLint); w != nil {
			verdict.WaivedGates = append(verdict.WaivedGates, GateLint)
			verdict.Reasons = append(verdict.Reasons, fmt.Sprintf("lint failure waived by %s: %s", w.ID, w.Reason))
		} else {
			verdict.Passed = false
			verdict.Reasons = append(verdict.Reasons, "lint failed")
		}
	}

	testFailed := result.Test.Executed && !result.Test.Passed ||
		result.Test.SkipReason == SkipReasonLintFailed
	if testFailed {
		if w := waived(GateTest); w != nil {
			verdict.WaivedGates = append(verdict.WaivedGates, GateTest)
			verdict.Reasons = append(verdict.Reasons, fmt.Sprintf("test failure waived by %s: %s", w.ID, w.Reason))
		} else if !result.Lint.Passed && waived(GateLint) == nil {
			// Already failing on lint; the skipped test adds no new reason.
		} else if result.Test.Executed {
			verdict.Passed = false
			verdict.Reasons = append(verdict.Reasons, "tests failed")
		}
	}
	return verdict
}
