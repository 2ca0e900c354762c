// Package scorer computes the effective confidence of a rule at read time.
// Stored confidence is the provenance prior; the projection layered on top
// decays it by age and adjusts it by the rule's track record. Nothing in
// this package mutates state, so two components scoring the same rule
// concurrently always agree.
package scorer

import (
	"math"
	"time"

	"rulesmith/internal/rule"
)

// DefaultHalfLifeDays is the confidence half-life when none is configured.
const DefaultHalfLifeDays = 30.0

// Scorer projects stored confidence to effective confidence.
type Scorer struct {
	lambda float64
}

// New returns a scorer with the given half-life in days. Non-positive values
// fall back to the default.
func New(halfLifeDays float64) *Scorer {
	if halfLifeDays <= 0 {
		halfLifeDays = DefaultHalfLifeDays
	}
	return &Scorer{lambda: math.Ln2 / halfLifeDays}
}

// Effective returns the rule's effective confidence at the given instant:
//
//	effective = stored * exp(-lambda * ageDays) * usageFactor
//
// Age is measured from the last application, or creation for rules that have
// never been applied. The result is clamped to [0, 1].
func (s *Scorer) Effective(r *rule.Rule, now time.Time) float64 {
	age := now.Sub(r.ReferenceTime())
	if age < 0 {
		age = 0
	}
	ageDays := age.Hours() / 24.0

	effective := r.Confidence * math.Exp(-s.lambda*ageDays) * UsageFactor(r)
	if effective < 0 {
		return 0
	}
	if effective > 1 {
		return 1
	}
	return effective
}

// UsageFactor rewards rules that keep working and penalizes rules the user
// keeps overriding: 0.5 + successRate, clamped to [0.5, 1.5]. A never-applied
// rule has success rate zero and sits at the neutral-low end.
func UsageFactor(r *rule.Rule) float64 {
	applied := r.AppliedCount
	if applied < 1 {
		applied = 1
	}
	factor := 0.5 + float64(r.SuccessCount)/float64(applied)
	if factor < 0.5 {
		factor = 0.5
	}
	if factor > 1.5 {
		factor = 1.5
	}
	return factor
}
