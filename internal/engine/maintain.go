package engine

import (
	"context"
	"fmt"
	"time"

	"rulesmith/internal/logging"
	"rulesmith/internal/merger"
	"rulesmith/internal/pruner"
)

// MaintenanceReport summarizes one maintenance run.
type MaintenanceReport struct {
	Merges []merger.Match `json:"merges"`
	Prune  *pruner.Result `json:"prune"`
	DryRun bool           `json:"dry_run"`
}

// Maintain runs the merger sweep over every partition and then a pruning
// pass. Maintenance jobs are mutually exclusive with each other; request
// traffic keeps flowing since the store mutates at row granularity. With
// dryRun set, the report lists would-merge and would-prune without touching
// anything.
func (e *Engine) Maintain(ctx context.Context, dryRun bool) (*MaintenanceReport, error) {
	e.maintMu.Lock()
	defer e.maintMu.Unlock()

	timer := logging.StartTimer(logging.CategoryMaintenance, "Engine.Maintain")
	defer timer.Stop()

	report := &MaintenanceReport{DryRun: dryRun}

	partitions, err := e.store.Partitions(ctx)
	if err != nil {
		return nil, fmt.Errorf("maintenance failed to list partitions: %w", err)
	}

	for _, part := range partitions {
		category, scope := part[0], part[1]
		rules, err := e.store.Partition(ctx, category, scope)
		if err != nil {
			return nil, fmt.Errorf("maintenance failed to read partition %s/%s: %w", category, scope, err)
		}
		matches := e.merger.SweepPartition(rules)
		report.Merges = append(report.Merges, matches...)
		if dryRun {
			continue
		}
		for _, m := range matches {
			if err := e.store.MergeInto(ctx, m.SurvivorID, m.VictimID, m.Similarity); err != nil {
				logging.Get(logging.CategoryMaintenance).Error("Merge %s <- %s failed: %v",
					m.SurvivorID, m.VictimID, err)
			}
		}
	}

	pruneRes, err := e.pruner.Run(ctx, time.Now().UTC(), dryRun)
	if err != nil {
		return report, fmt.Errorf("pruning pass failed: %w", err)
	}
	report.Prune = pruneRes

	if !dryRun {
		e.invalidateSnapshot("", "")
	}

	logging.Maintenance("Maintenance complete: %d merges, %d pruned (dry_run=%v)",
		len(report.Merges), pruneRes.Deleted, dryRun)
	return report, nil
}
