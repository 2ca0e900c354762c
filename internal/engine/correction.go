package engine

import (
	"context"
	"errors"
	"time"

	"rulesmith/internal/logging"
	"rulesmith/internal/rule"
	"rulesmith/internal/store"
)

// SubmitStatus reports what a correction submission achieved.
type SubmitStatus string

const (
	// StatusLearned means at least one rule was inserted or reinforced.
	StatusLearned SubmitStatus = "learned"
	// StatusNothingToLearn means the diff yielded no usable candidate.
	StatusNothingToLearn SubmitStatus = "nothing_to_learn"
	// StatusNotYetLearned means only the audit log was written; the caller
	// should retry once storage is reachable.
	StatusNotYetLearned SubmitStatus = "not_yet_learned"
)

// SubmitResult summarizes a correction submission.
type SubmitResult struct {
	Status     SubmitStatus `json:"status"`
	Learned    []rule.Rule  `json:"learned,omitempty"`    // newly inserted rules
	Reinforced []string     `json:"reinforced,omitempty"` // ids of nudged duplicates
}

// SubmitCorrection learns from a user correction. The audit log is written
// first, unconditionally; any pending implicit-approval credit for the
// generation is cancelled (a corrected generation was not silently
// accepted); then extracted candidates are merged or inserted. Storage
// failures after the audit degrade to not-yet-learned instead of erroring.
func (e *Engine) SubmitCorrection(ctx context.Context, ev *rule.CorrectionEvent) (*SubmitResult, error) {
	timer := logging.StartTimer(logging.CategoryEngine, "Engine.SubmitCorrection")
	defer timer.Stop()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	if err := e.store.LogCorrection(ctx, ev); err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			return &SubmitResult{Status: StatusNotYetLearned}, nil
		}
		return nil, err
	}

	if e.approval != nil && ev.GenerationID != "" {
		if e.approval.Cancel(ev.GenerationID) {
			logging.EngineDebug("Cancelled pending approval credit for generation %s", ev.GenerationID)
		}
	}

	candidates := e.extractor.Extract(ev)
	if len(candidates) == 0 {
		return &SubmitResult{Status: StatusNothingToLearn}, nil
	}

	res := &SubmitResult{Status: StatusNothingToLearn}
	for i := range candidates {
		learned, inserted, err := e.learnCandidate(ctx, &candidates[i])
		if err != nil {
			if errors.Is(err, store.ErrUnavailable) {
				res.Status = StatusNotYetLearned
				return res, nil
			}
			return res, err
		}
		if inserted {
			res.Learned = append(res.Learned, *learned)
		} else {
			res.Reinforced = append(res.Reinforced, learned.ID)
		}
		res.Status = StatusLearned
	}

	e.invalidateSnapshot(ev.Context.Category, ev.Context.ScopeTag)
	logging.Engine("Correction processed: %d learned, %d reinforced",
		len(res.Learned), len(res.Reinforced))
	return res, nil
}
