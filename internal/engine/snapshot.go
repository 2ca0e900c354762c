package engine

import (
	"context"
	"sync/atomic"
	"time"

	"rulesmith/internal/logging"
	"rulesmith/internal/rule"
	"rulesmith/internal/selector"
	"rulesmith/internal/validator"
)

// Snapshot is an explicit handle on the rules active for one
// (category, scope) partition, with the checkable ones parsed up front.
// Validation runs against a snapshot rather than hitting the store and
// re-parsing rule text on every request.
type Snapshot struct {
	Category string
	ScopeTag string
	TakenAt  time.Time
	Selected []selector.Selected
	Checks   []validator.RuleCheck

	served atomic.Int64
}

func snapshotKey(category, scopeTag string) string {
	return category + "\x00" + scopeTag
}

// snapshot returns a current snapshot for the context, refreshing through a
// singleflight group so concurrent requests against a stale partition share
// one store read.
func (e *Engine) snapshot(ctx context.Context, rc rule.RequestContext) (*Snapshot, error) {
	key := snapshotKey(rc.Category, rc.ScopeTag)

	e.snapMu.Lock()
	snap := e.snapshots[key]
	e.snapMu.Unlock()

	if snap != nil && e.snapshotFresh(snap) {
		snap.served.Add(1)
		return snap, nil
	}

	v, err, _ := e.snapGroup.Do(key, func() (any, error) {
		selected, err := e.selector.Select(ctx, rc, 0)
		if err != nil {
			return nil, err
		}
		rules := make([]rule.Rule, len(selected))
		for i := range selected {
			rules[i] = selected[i].Rule
		}
		fresh := &Snapshot{
			Category: rc.Category,
			ScopeTag: rc.ScopeTag,
			TakenAt:  time.Now().UTC(),
			Selected: selected,
			Checks:   validator.BuildRuleChecks(rules),
		}
		e.snapMu.Lock()
		e.snapshots[key] = fresh
		e.snapMu.Unlock()

		logging.EngineDebug("Snapshot refreshed: %s/%s (%d rules, %d checks)",
			rc.Category, rc.ScopeTag, len(selected), len(fresh.Checks))
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	snap = v.(*Snapshot)
	snap.served.Add(1)
	return snap, nil
}

// snapshotFresh applies the refresh policy: a snapshot expires after the
// configured interval or after serving the configured number of requests,
// whichever comes first.
func (e *Engine) snapshotFresh(s *Snapshot) bool {
	if time.Since(s.TakenAt) > e.cfg.GetSnapshotRefreshInterval() {
		return false
	}
	if limit := e.cfg.Snapshot.RefreshRequests; limit > 0 && s.served.Load() >= int64(limit) {
		return false
	}
	return true
}

// invalidateSnapshot drops cached snapshots a mutation may have changed, so
// the next request sees the new rule set. Unscoped rules feed every scope of
// their category, and global rules feed everything, so invalidation widens
// accordingly.
func (e *Engine) invalidateSnapshot(category, scopeTag string) {
	e.snapMu.Lock()
	defer e.snapMu.Unlock()
	if category == "" {
		e.snapshots = make(map[string]*Snapshot)
		return
	}
	for key, s := range e.snapshots {
		if s.Category == category && (scopeTag == "" || s.ScopeTag == scopeTag || s.ScopeTag == "") {
			delete(e.snapshots, key)
		}
	}
}
