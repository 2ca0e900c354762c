package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"rulesmith/internal/logging"
	"rulesmith/internal/rule"
)

// BackupEntry is a snapshot of a rule as it was at deletion time.
type BackupEntry struct {
	BackupID            int64
	Rule                rule.Rule
	EffectiveConfidence float64
	Reason              string
	DeletedAt           time.Time
}

// Backup writes a full snapshot of the rule into rule_backups and returns the
// backup id. The pruner calls this before every deletion; if the write fails
// the deletion must not go ahead.
func (s *RuleStore) Backup(ctx context.Context, r *rule.Rule, effectiveConfidence float64, reason string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.handle()
	if err != nil {
		return 0, err
	}

	var lastApplied any
	if r.LastAppliedAt != nil {
		lastApplied = *r.LastAppliedAt
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO rule_backups (rule_id, text, category, scope_tag, confidence, source,
		                          created_at, last_applied_at, applied_count, success_count,
		                          effective_confidence, reason)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Text, r.Category, r.ScopeTag, r.Confidence, string(r.Source),
		r.CreatedAt, lastApplied, r.AppliedCount, r.SuccessCount, effectiveConfidence, reason)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to back up rule %s: %v", r.ID, err)
		return 0, fmt.Errorf("failed to back up rule %s: %w", r.ID, classify(err))
	}

	backupID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to read backup id: %w", err)
	}

	logging.Store("Rule backed up: rule=%s backup=%d reason=%s", r.ID, backupID, reason)
	return backupID, nil
}

// Backups lists backup entries newest first, capped at limit (0 means all).
func (s *RuleStore) Backups(ctx context.Context, limit int) ([]BackupEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `
		SELECT id, rule_id, text, category, scope_tag, confidence, source,
		       created_at, last_applied_at, applied_count, success_count,
		       effective_confidence, reason, deleted_at
		FROM rule_backups ORDER BY id DESC`
	var args []any
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}

	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query backups: %w", classify(err))
	}
	defer rows.Close()

	var out []BackupEntry
	for rows.Next() {
		e, err := scanBackup(rows)
		if err != nil {
			continue
		}
		out = append(out, *e)
	}
	return out, rows.Err()
}

// Restore re-inserts the rule captured in a backup entry. The stored usage
// counters come back with it; restoring over a live duplicate returns
// ErrDuplicateRule.
func (s *RuleStore) Restore(ctx context.Context, backupID int64) (*rule.Rule, error) {
	s.mu.Lock()
	db, err := s.handle()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	row := db.QueryRowContext(ctx, `
		SELECT id, rule_id, text, category, scope_tag, confidence, source,
		       created_at, last_applied_at, applied_count, success_count,
		       effective_confidence, reason, deleted_at
		FROM rule_backups WHERE id = ?
	`, backupID)
	entry, err := scanBackup(row)
	s.mu.Unlock()
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: backup %d", ErrNotFound, backupID)
		}
		return nil, fmt.Errorf("failed to read backup %d: %w", backupID, err)
	}

	restored := entry.Rule
	if _, err := s.Insert(ctx, &restored); err != nil {
		return nil, err
	}

	logging.Store("Rule restored from backup %d: id=%s", backupID, restored.ID)
	return &restored, nil
}

func scanBackup(sc scanner) (*BackupEntry, error) {
	var e BackupEntry
	var source string
	var lastApplied sql.NullTime
	if err := sc.Scan(&e.BackupID, &e.Rule.ID, &e.Rule.Text, &e.Rule.Category, &e.Rule.ScopeTag,
		&e.Rule.Confidence, &source, &e.Rule.CreatedAt, &lastApplied,
		&e.Rule.AppliedCount, &e.Rule.SuccessCount, &e.EffectiveConfidence, &e.Reason, &e.DeletedAt); err != nil {
		return nil, err
	}
	e.Rule.Source = rule.Source(source)
	if lastApplied.Valid {
		t := lastApplied.Time
		e.Rule.LastAppliedAt = &t
	}
	return &e, nil
}
