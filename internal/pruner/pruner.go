// Package pruner removes rules whose decayed confidence has fallen below the
// retention floor. Every deletion is preceded by a durable backup entry, so
// a pruning pass is always reversible, and a minimum keep count stops a pass
// from hollowing out a young rule set.
package pruner

import (
	"context"
	"fmt"
	"sort"
	"time"

	"rulesmith/internal/logging"
	"rulesmith/internal/rule"
	"rulesmith/internal/scorer"
	"rulesmith/internal/store"
)

// Defaults for the retention policy.
const (
	DefaultRetentionFloor         = 0.15
	DefaultExplicitRetentionFloor = 0.05
	DefaultGraceDays              = 14
	DefaultMinKeepCount           = 50
)

// Policy configures a pruning pass.
type Policy struct {
	RetentionFloor         float64 // effective-confidence floor for inferred rules
	ExplicitRetentionFloor float64 // lower floor for user-stated rules
	GraceDays              int     // rules applied within this window are never pruned
	MinKeepCount           int     // never shrink the store below this many rules
}

// DefaultPolicy returns the standard retention policy.
func DefaultPolicy() Policy {
	return Policy{
		RetentionFloor:         DefaultRetentionFloor,
		ExplicitRetentionFloor: DefaultExplicitRetentionFloor,
		GraceDays:              DefaultGraceDays,
		MinKeepCount:           DefaultMinKeepCount,
	}
}

// Candidate is a rule selected for deletion, with the score that doomed it.
type Candidate struct {
	Rule                rule.Rule
	EffectiveConfidence float64
}

// Result summarizes a pruning pass.
type Result struct {
	Examined   int
	Candidates []Candidate
	Deleted    int
	BackupIDs  []int64
	DryRun     bool
}

// Pruner runs retention passes against the store.
type Pruner struct {
	store  *store.RuleStore
	scorer *scorer.Scorer
	policy Policy
}

// New returns a pruner. Zero-valued policy fields take the defaults.
func New(st *store.RuleStore, sc *scorer.Scorer, policy Policy) *Pruner {
	if policy.RetentionFloor <= 0 {
		policy.RetentionFloor = DefaultRetentionFloor
	}
	if policy.ExplicitRetentionFloor <= 0 {
		policy.ExplicitRetentionFloor = DefaultExplicitRetentionFloor
	}
	if policy.GraceDays <= 0 {
		policy.GraceDays = DefaultGraceDays
	}
	if policy.MinKeepCount < 0 {
		policy.MinKeepCount = DefaultMinKeepCount
	}
	return &Pruner{store: st, scorer: sc, policy: policy}
}

// Run executes one pruning pass. Every rule's decayed confidence is
// persisted, candidates below their floor and outside the grace window are
// backed up and then deleted. With dryRun set the pass reports what it would
// delete and mutates nothing, not even stored confidence.
func (p *Pruner) Run(ctx context.Context, now time.Time, dryRun bool) (*Result, error) {
	timer := logging.StartTimer(logging.CategoryPruner, "Pruner.Run")
	defer timer.Stop()

	rules, err := p.store.All(ctx)
	if err != nil {
		return nil, fmt.Errorf("pruning pass failed to read rules: %w", err)
	}

	res := &Result{Examined: len(rules), DryRun: dryRun}
	grace := time.Duration(p.policy.GraceDays) * 24 * time.Hour

	for i := range rules {
		r := &rules[i]
		effective := p.scorer.Effective(r, now)

		if !dryRun && effective != r.Confidence {
			if err := p.store.PersistConfidence(ctx, r.ID, effective); err != nil {
				logging.Get(logging.CategoryPruner).Warn("Failed to persist decayed confidence for %s: %v", r.ID, err)
			}
		}

		floor := p.policy.RetentionFloor
		if r.Source == rule.SourceExplicit {
			floor = p.policy.ExplicitRetentionFloor
		}
		if effective >= floor {
			continue
		}
		if now.Sub(r.ReferenceTime()) < grace {
			continue
		}
		res.Candidates = append(res.Candidates, Candidate{Rule: *r, EffectiveConfidence: effective})
	}

	// The keep floor trims the candidate list, dropping the worst-scoring
	// rules first and sparing the rest.
	if keep := len(rules) - p.policy.MinKeepCount; keep < len(res.Candidates) {
		if keep < 0 {
			keep = 0
		}
		sort.Slice(res.Candidates, func(i, j int) bool {
			return res.Candidates[i].EffectiveConfidence < res.Candidates[j].EffectiveConfidence
		})
		logging.Pruner("Keep floor %d trims candidates %d -> %d",
			p.policy.MinKeepCount, len(res.Candidates), keep)
		res.Candidates = res.Candidates[:keep]
	}

	if dryRun {
		logging.Pruner("Dry run: %d/%d rules are prune candidates", len(res.Candidates), res.Examined)
		return res, nil
	}

	// Back up the whole candidate set before the first deletion.
	for i := range res.Candidates {
		c := &res.Candidates[i]
		backupID, err := p.store.Backup(ctx, &c.Rule, c.EffectiveConfidence, "below retention floor")
		if err != nil {
			return res, fmt.Errorf("backup failed, aborting pass before any deletion: %w", err)
		}
		res.BackupIDs = append(res.BackupIDs, backupID)
	}
	for i := range res.Candidates {
		if err := p.store.Delete(ctx, res.Candidates[i].Rule.ID); err != nil {
			logging.Get(logging.CategoryPruner).Error("Failed to delete rule %s: %v", res.Candidates[i].Rule.ID, err)
			continue
		}
		res.Deleted++
	}

	logging.Pruner("Pruning pass: examined=%d candidates=%d deleted=%d",
		res.Examined, len(res.Candidates), res.Deleted)
	return res, nil
}
