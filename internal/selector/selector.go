// Package selector picks the rules worth injecting into a generation
// request: matching the request's category and scope, ranked by effective
// confidence, cut off at a floor and a budget so prompt size stays bounded.
// Selection is read-only and deterministic for a fixed store state.
package selector

import (
	"context"
	"sort"
	"time"

	"rulesmith/internal/logging"
	"rulesmith/internal/rule"
	"rulesmith/internal/scorer"
	"rulesmith/internal/store"
)

// Defaults for the selection policy.
const (
	DefaultConfidenceFloor = 0.3
	DefaultBudget          = 20
)

// Selected pairs a rule with the effective confidence it was ranked by.
type Selected struct {
	Rule                rule.Rule
	EffectiveConfidence float64
}

// Selector ranks stored rules for a request context.
type Selector struct {
	store  *store.RuleStore
	scorer *scorer.Scorer
	floor  float64
	budget int
}

// New returns a selector. Non-positive floor or budget take the defaults.
func New(st *store.RuleStore, sc *scorer.Scorer, floor float64, budget int) *Selector {
	if floor <= 0 {
		floor = DefaultConfidenceFloor
	}
	if budget <= 0 {
		budget = DefaultBudget
	}
	return &Selector{store: st, scorer: sc, floor: floor, budget: budget}
}

// Select returns the ranked rule set for the request: category rules plus
// globals, scoped to the request's tag, effective confidence at or above the
// floor, highest first. Ties go to the rule with more applications, then the
// older one, then by id so the order is stable. At most budget rules come
// back; budget <= 0 uses the configured default.
func (s *Selector) Select(ctx context.Context, rc rule.RequestContext, budget int) ([]Selected, error) {
	timer := logging.StartTimer(logging.CategorySelector, "Selector.Select")
	defer timer.Stop()

	if budget <= 0 {
		budget = s.budget
	}

	rules, err := s.store.Query(ctx, store.Filter{Category: rc.Category, ScopeTag: rc.ScopeTag})
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	ranked := make([]Selected, 0, len(rules))
	for i := range rules {
		eff := s.scorer.Effective(&rules[i], now)
		if eff < s.floor {
			continue
		}
		ranked = append(ranked, Selected{Rule: rules[i], EffectiveConfidence: eff})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := &ranked[i], &ranked[j]
		if a.EffectiveConfidence != b.EffectiveConfidence {
			return a.EffectiveConfidence > b.EffectiveConfidence
		}
		if a.Rule.AppliedCount != b.Rule.AppliedCount {
			return a.Rule.AppliedCount > b.Rule.AppliedCount
		}
		if !a.Rule.CreatedAt.Equal(b.Rule.CreatedAt) {
			return a.Rule.CreatedAt.Before(b.Rule.CreatedAt)
		}
		return a.Rule.ID < b.Rule.ID
	})

	if len(ranked) > budget {
		ranked = ranked[:budget]
	}

	logging.Selector("Selected %d/%d rules for category=%s scope=%s",
		len(ranked), len(rules), rc.Category, rc.ScopeTag)
	return ranked, nil
}
