package store

import (
	"context"
	"fmt"
)

// Stats summarizes the stored rule population.
type Stats struct {
	TotalRules    int64            `json:"total_rules"`
	ByCategory    map[string]int64 `json:"by_category"`
	BySource      map[string]int64 `json:"by_source"`
	AvgConfidence float64          `json:"avg_confidence"`
	TotalApplied  int64            `json:"total_applied"`
	TotalSuccess  int64            `json:"total_success"`
	BackupCount   int64            `json:"backup_count"`
	MergeCount    int64            `json:"merge_count"`
}

// Stats aggregates counts for diagnostics and the stats command.
func (s *RuleStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	st := &Stats{
		ByCategory: make(map[string]int64),
		BySource:   make(map[string]int64),
	}

	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(AVG(confidence), 0),
		       COALESCE(SUM(applied_count), 0), COALESCE(SUM(success_count), 0)
		FROM rules
	`).Scan(&st.TotalRules, &st.AvgConfidence, &st.TotalApplied, &st.TotalSuccess)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate rule stats: %w", classify(err))
	}

	rows, err := db.QueryContext(ctx, `SELECT category, COUNT(*) FROM rules GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by category: %w", err)
	}
	for rows.Next() {
		var category string
		var n int64
		if err := rows.Scan(&category, &n); err == nil {
			if category == "" {
				category = "(global)"
			}
			st.ByCategory[category] = n
		}
	}
	rows.Close()

	rows, err = db.QueryContext(ctx, `SELECT source, COUNT(*) FROM rules GROUP BY source`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by source: %w", err)
	}
	for rows.Next() {
		var source string
		var n int64
		if err := rows.Scan(&source, &n); err == nil {
			st.BySource[source] = n
		}
	}
	rows.Close()

	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rule_backups`).Scan(&st.BackupCount); err != nil {
		return nil, fmt.Errorf("failed to count backups: %w", err)
	}
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM merge_history`).Scan(&st.MergeCount); err != nil {
		return nil, fmt.Errorf("failed to count merges: %w", err)
	}

	return st, nil
}
