// Package merger detects near-duplicate rules so independent corrections
// worded differently do not grow the rule set without bound. Detection is a
// two-stage filter: token-set Jaccard catches candidates fast, normalized
// edit distance confirms them so pairs that merely share common words are
// rejected. The package only decides; the store applies.
package merger

import (
	"strings"

	"rulesmith/internal/logging"
	"rulesmith/internal/rule"
)

// Default thresholds. Jaccard must clear the floor and edit distance must
// stay under the ceiling for a pair to count as duplicates.
const (
	DefaultJaccardThreshold    = 0.6
	DefaultEditDistanceCeiling = 0.3
)

// Merger holds the similarity thresholds.
type Merger struct {
	jaccardThreshold    float64
	editDistanceCeiling float64
}

// Match is a detected duplicate pair.
type Match struct {
	SurvivorID string
	VictimID   string
	Similarity float64 // the Jaccard score that triggered the match
}

// New returns a merger with the given thresholds. Out-of-range values fall
// back to the defaults.
func New(jaccardThreshold, editDistanceCeiling float64) *Merger {
	if jaccardThreshold <= 0 || jaccardThreshold > 1 {
		jaccardThreshold = DefaultJaccardThreshold
	}
	if editDistanceCeiling <= 0 || editDistanceCeiling > 1 {
		editDistanceCeiling = DefaultEditDistanceCeiling
	}
	return &Merger{jaccardThreshold: jaccardThreshold, editDistanceCeiling: editDistanceCeiling}
}

// Similar reports whether two rule texts are near-duplicates, returning the
// Jaccard score alongside.
func (m *Merger) Similar(a, b string) (bool, float64) {
	na := rule.NormalizeText(a)
	nb := rule.NormalizeText(b)

	jac := Jaccard(na, nb)
	if jac < m.jaccardThreshold {
		return false, jac
	}
	// Confirm with edit distance over the normalized token stream so word
	// order and fillers still count against the match.
	ta := strings.Join(Tokenize(na), " ")
	tb := strings.Join(Tokenize(nb), " ")
	if NormalizedEditDistance(ta, tb) > m.editDistanceCeiling {
		return false, jac
	}
	return true, jac
}

// FindDuplicate scans existing rules for a near-duplicate of the candidate
// text and returns the best match, or nil when the candidate is genuinely
// new. Ties go to the rule with more evidence behind it.
func (m *Merger) FindDuplicate(candidateText string, existing []rule.Rule) *Match {
	var best *Match
	var bestApplied int64
	for i := range existing {
		ok, jac := m.Similar(candidateText, existing[i].Text)
		if !ok {
			continue
		}
		if best == nil || jac > best.Similarity ||
			(jac == best.Similarity && existing[i].AppliedCount > bestApplied) {
			best = &Match{SurvivorID: existing[i].ID, Similarity: jac}
			bestApplied = existing[i].AppliedCount
		}
	}
	if best != nil {
		logging.Merger("Candidate matched existing rule %s (jaccard=%.2f)", best.SurvivorID, best.Similarity)
	}
	return best
}

// SweepPartition pairwise-compares rules within one (category, scope)
// partition and plans merges for pairs that drifted into near-duplication.
// Each rule joins at most one merge per sweep. Quadratic in partition size;
// partitions stay small by construction.
//
// Survivor choice: higher source trust wins; then higher applied_count (more
// evidence); then the older rule.
func (m *Merger) SweepPartition(rules []rule.Rule) []Match {
	taken := make(map[string]bool, len(rules))
	var matches []Match

	for i := 0; i < len(rules); i++ {
		if taken[rules[i].ID] {
			continue
		}
		for j := i + 1; j < len(rules); j++ {
			if taken[rules[j].ID] {
				continue
			}
			ok, jac := m.Similar(rules[i].Text, rules[j].Text)
			if !ok {
				continue
			}
			survivor, victim := pickSurvivor(&rules[i], &rules[j])
			matches = append(matches, Match{SurvivorID: survivor.ID, VictimID: victim.ID, Similarity: jac})
			taken[rules[i].ID] = true
			taken[rules[j].ID] = true
			break
		}
	}

	if len(matches) > 0 {
		logging.Merger("Partition sweep planned %d merges over %d rules", len(matches), len(rules))
	}
	return matches
}

func pickSurvivor(a, b *rule.Rule) (survivor, victim *rule.Rule) {
	if a.Source.Trust() != b.Source.Trust() {
		if a.Source.Trust() > b.Source.Trust() {
			return a, b
		}
		return b, a
	}
	if a.AppliedCount != b.AppliedCount {
		if a.AppliedCount > b.AppliedCount {
			return a, b
		}
		return b, a
	}
	if b.CreatedAt.Before(a.CreatedAt) {
		return b, a
	}
	return a, b
}
