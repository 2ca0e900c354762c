// Package engine wires the rule store, scorer, merger, pruner, selector,
// extractor, and validator behind the surface collaborators call: select
// rules for a request, report outcomes, submit corrections, validate
// artifacts, run maintenance, and move rule sets in and out.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"rulesmith/internal/config"
	"rulesmith/internal/extractor"
	"rulesmith/internal/logging"
	"rulesmith/internal/merger"
	"rulesmith/internal/pruner"
	"rulesmith/internal/rule"
	"rulesmith/internal/scorer"
	"rulesmith/internal/selector"
	"rulesmith/internal/store"
	"rulesmith/internal/validator"
)

// Engine is the facade over the rule memory core. Safe for concurrent use:
// the store serializes row-level mutation, maintenance jobs are mutually
// exclusive, and everything else is read-only or pure.
type Engine struct {
	cfg       *config.Config
	store     *store.RuleStore
	scorer    *scorer.Scorer
	merger    *merger.Merger
	pruner    *pruner.Pruner
	selector  *selector.Selector
	extractor *extractor.Extractor
	validator *validator.Validator
	approval  *ApprovalTracker

	maintMu sync.Mutex // serializes merger sweep and pruner pass

	snapMu    sync.Mutex
	snapshots map[string]*Snapshot
	snapGroup singleflight.Group
}

// New opens the store and assembles the engine from the configuration.
func New(cfg *config.Config) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	st, err := store.Open(cfg.Store.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open rule store: %w", err)
	}

	sc := scorer.New(cfg.Scoring.HalfLifeDays)
	e := &Engine{
		cfg:       cfg,
		store:     st,
		scorer:    sc,
		merger:    merger.New(cfg.Merge.JaccardThreshold, cfg.Merge.EditDistanceCeiling),
		selector:  selector.New(st, sc, cfg.Selection.ConfidenceFloor, cfg.Selection.DefaultBudget),
		extractor: extractor.New(),
		validator: validator.New(),
		snapshots: make(map[string]*Snapshot),
	}
	e.pruner = pruner.New(st, sc, pruner.Policy{
		RetentionFloor:         cfg.Prune.RetentionFloor,
		ExplicitRetentionFloor: cfg.Prune.ExplicitRetentionFloor,
		GraceDays:              cfg.Prune.GraceDays,
		MinKeepCount:           cfg.Prune.MinKeepCount,
	})
	if cfg.Approval.Enabled {
		e.approval = NewApprovalTracker(cfg.GetApprovalWindow(), func(ruleIDs []string) {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := e.ReportOutcome(ctx, ruleIDs, true); err != nil {
				logging.Get(logging.CategoryEngine).Warn("Implicit approval credit failed: %v", err)
			}
		})
	}

	logging.Engine("Engine ready (db=%s)", cfg.Store.DatabasePath)
	return e, nil
}

// Store exposes the underlying rule store for diagnostics commands.
func (e *Engine) Store() *store.RuleStore { return e.store }

// Approval returns the implicit-approval tracker, nil when disabled.
func (e *Engine) Approval() *ApprovalTracker { return e.approval }

// Close stops background approval timers and closes the store.
func (e *Engine) Close() error {
	if e.approval != nil {
		e.approval.Close()
	}
	return e.store.Close()
}

// Select returns the ranked rules for a request context. Storage
// unavailability degrades to an empty selection so generation can proceed
// without injected rules instead of failing the request.
func (e *Engine) Select(ctx context.Context, rc rule.RequestContext) ([]selector.Selected, error) {
	selected, err := e.selector.Select(ctx, rc, 0)
	if err != nil {
		if errors.Is(err, store.ErrUnavailable) {
			logging.Get(logging.CategoryEngine).Warn("Store unavailable, selecting no rules: %v", err)
			return nil, nil
		}
		return nil, err
	}
	return selected, nil
}

// ReportOutcome credits or debits every rule that was injected into a shown
// generation. Unknown ids are reported back joined, after all known ids have
// been updated.
func (e *Engine) ReportOutcome(ctx context.Context, ruleIDs []string, accepted bool) error {
	var errs []error
	for _, id := range ruleIDs {
		if err := e.store.UpdateCounts(ctx, id, accepted); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("outcome report incomplete: %w", errors.Join(errs...))
	}
	logging.Engine("Outcome recorded for %d rules (accepted=%v)", len(ruleIDs), accepted)
	return nil
}

// TeachRule inserts a user-stated rule with full confidence. A near or
// exact duplicate reinforces the existing rule instead of growing the set.
func (e *Engine) TeachRule(ctx context.Context, text, category, scopeTag string) (*rule.Rule, error) {
	r := &rule.Rule{
		Text:       text,
		Category:   category,
		ScopeTag:   scopeTag,
		Confidence: rule.SourceExplicit.InitialConfidence(),
		Source:     rule.SourceExplicit,
		CreatedAt:  time.Now().UTC(),
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	learned, _, err := e.learnCandidate(ctx, r)
	if err != nil {
		return nil, err
	}
	e.invalidateSnapshot(category, scopeTag)
	return learned, nil
}

// learnCandidate routes one candidate rule through the merger: a detected
// near-duplicate reinforces the existing rule, anything genuinely new is
// inserted. Returns the stored rule and whether it was newly inserted.
func (e *Engine) learnCandidate(ctx context.Context, r *rule.Rule) (*rule.Rule, bool, error) {
	existing, err := e.store.Partition(ctx, r.Category, r.ScopeTag)
	if err != nil {
		return nil, false, err
	}

	if match := e.merger.FindDuplicate(r.Text, existing); match != nil {
		if err := e.store.NudgeDuplicate(ctx, match.SurvivorID, r.Confidence, r.Source); err != nil {
			return nil, false, err
		}
		stored, err := e.store.Get(ctx, match.SurvivorID)
		return stored, false, err
	}

	id, err := e.store.Insert(ctx, r)
	if errors.Is(err, store.ErrDuplicateRule) {
		// Exact-text collision the similarity pass cannot miss twice: find
		// the twin and reinforce it.
		norm := rule.NormalizeText(r.Text)
		for i := range existing {
			if rule.NormalizeText(existing[i].Text) == norm {
				if nerr := e.store.NudgeDuplicate(ctx, existing[i].ID, r.Confidence, r.Source); nerr != nil {
					return nil, false, nerr
				}
				stored, gerr := e.store.Get(ctx, existing[i].ID)
				return stored, false, gerr
			}
		}
		return nil, false, err
	}
	if err != nil {
		return nil, false, err
	}
	stored, err := e.store.Get(ctx, id)
	return stored, true, err
}
