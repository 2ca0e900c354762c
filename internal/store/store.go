// Package store implements durable persistence for learned rules.
// Rules are kept in a user-local SQLite database together with the
// append-only backup log the pruner writes before any deletion and the
// correction audit log.
//
// The store is the only shared mutable resource in the engine: every other
// component receives read snapshots or proposes mutations through this API.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	sqlite3 "github.com/mattn/go-sqlite3"

	"rulesmith/internal/logging"
	"rulesmith/internal/rule"
)

// RuleStore manages rule persistence. All mutating operations are
// transactional; counter updates use atomic SQL increments so concurrent
// outcome reports from different requests never lose updates.
type RuleStore struct {
	db     *sql.DB
	dbPath string
	mu     sync.RWMutex
}

// Filter narrows a Query. Zero values mean "no constraint".
type Filter struct {
	Category      string  // exact category; unscoped (global) rules are included when set
	ScopeTag      string  // exact scope; rules with no scope always match
	MinConfidence float64 // stored-confidence floor, not the decayed projection
}

// Open creates or opens the rule store at dbPath. Use ":memory:" for tests.
func Open(dbPath string) (*RuleStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	if dbPath == "" {
		return nil, fmt.Errorf("database path required")
	}

	logging.Store("Opening rule store at: %s", dbPath)

	if dbPath != ":memory:" {
		dir := filepath.Dir(dbPath)
		if err := os.MkdirAll(dir, 0755); err != nil {
			logging.Get(logging.CategoryStore).Error("Failed to create directory %s: %v", dir, err)
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_busy_timeout=5000")
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to open rule database: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	// Single connection keeps :memory: databases coherent across queries.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		logging.Get(logging.CategoryStore).Error("Failed to ping rule database: %v", err)
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	s := &RuleStore{db: db, dbPath: dbPath}
	if err := s.initializeSchema(); err != nil {
		db.Close()
		logging.Get(logging.CategoryStore).Error("Failed to initialize rule schema: %v", err)
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logging.Store("Rule store initialized")
	return s, nil
}

// initializeSchema creates all tables the engine persists into.
func (s *RuleStore) initializeSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS rules (
		id TEXT PRIMARY KEY,
		text TEXT NOT NULL,
		norm_text TEXT NOT NULL,
		category TEXT NOT NULL DEFAULT '',
		scope_tag TEXT NOT NULL DEFAULT '',
		confidence REAL NOT NULL DEFAULT 1.0,
		source TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		last_applied_at DATETIME,
		applied_count INTEGER NOT NULL DEFAULT 0,
		success_count INTEGER NOT NULL DEFAULT 0,
		UNIQUE(category, scope_tag, norm_text)
	);
	CREATE INDEX IF NOT EXISTS idx_rules_category ON rules(category);
	CREATE INDEX IF NOT EXISTS idx_rules_confidence ON rules(confidence);
	CREATE INDEX IF NOT EXISTS idx_rules_created ON rules(created_at);

	CREATE TABLE IF NOT EXISTS rule_backups (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		rule_id TEXT NOT NULL,
		text TEXT NOT NULL,
		category TEXT NOT NULL,
		scope_tag TEXT NOT NULL,
		confidence REAL NOT NULL,
		source TEXT NOT NULL,
		created_at DATETIME NOT NULL,
		last_applied_at DATETIME,
		applied_count INTEGER NOT NULL,
		success_count INTEGER NOT NULL,
		effective_confidence REAL NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		deleted_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS correction_log (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		generation_id TEXT NOT NULL DEFAULT '',
		original TEXT NOT NULL,
		corrected TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		category TEXT NOT NULL DEFAULT '',
		scope_tag TEXT NOT NULL DEFAULT '',
		received_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS merge_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		survivor_id TEXT NOT NULL,
		victim_id TEXT NOT NULL,
		similarity REAL NOT NULL DEFAULT 0,
		applied_before INTEGER NOT NULL DEFAULT 0,
		applied_after INTEGER NOT NULL DEFAULT 0,
		merged_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create tables: %w", err)
	}
	return nil
}

// Get retrieves a single rule by id.
func (s *RuleStore) Get(ctx context.Context, id string) (*rule.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx, `
		SELECT id, text, category, scope_tag, confidence, source,
		       created_at, last_applied_at, applied_count, success_count
		FROM rules WHERE id = ?
	`, id)

	r, err := scanRule(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
		}
		return nil, fmt.Errorf("failed to get rule %s: %w", id, classify(err))
	}
	return r, nil
}

// Query returns rules matching the filter, ordered by stored confidence
// descending, then created_at ascending, then id for stability.
// Unscoped rules match any requested scope; when a category is requested,
// category-less (global) rules are included.
func (s *RuleStore) Query(ctx context.Context, f Filter) ([]rule.Rule, error) {
	timer := logging.StartTimer(logging.CategoryStore, "RuleStore.Query")
	defer timer.Stop()

	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	q := `
		SELECT id, text, category, scope_tag, confidence, source,
		       created_at, last_applied_at, applied_count, success_count
		FROM rules WHERE 1=1`
	var args []any
	if f.Category != "" {
		q += ` AND (category = ? OR category = '')`
		args = append(args, f.Category)
	}
	if f.ScopeTag != "" {
		q += ` AND (scope_tag = ? OR scope_tag = '')`
		args = append(args, f.ScopeTag)
	} else {
		q += ` AND scope_tag = ''`
	}
	if f.MinConfidence > 0 {
		q += ` AND confidence >= ?`
		args = append(args, f.MinConfidence)
	}
	q += ` ORDER BY confidence DESC, created_at ASC, id ASC`

	rows, err := db.QueryContext(ctx, q, args...)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to query rules: %v", err)
		return nil, fmt.Errorf("failed to query rules: %w", classify(err))
	}
	defer rows.Close()

	var out []rule.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			logging.Get(logging.CategoryStore).Warn("Failed to scan rule row: %v", err)
			continue
		}
		out = append(out, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rules: %w", err)
	}

	logging.StoreDebug("Query returned %d rules (category=%s scope=%s)", len(out), f.Category, f.ScopeTag)
	return out, nil
}

// All returns every stored rule, for export and maintenance sweeps.
func (s *RuleStore) All(ctx context.Context) ([]rule.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, text, category, scope_tag, confidence, source,
		       created_at, last_applied_at, applied_count, success_count
		FROM rules ORDER BY category ASC, scope_tag ASC, created_at ASC, id ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rules: %w", classify(err))
	}
	defer rows.Close()

	var out []rule.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			continue
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Insert persists a new rule and returns its id. A missing id or created_at
// is filled in. Exact-text collisions within (category, scope) return
// ErrDuplicateRule.
func (s *RuleStore) Insert(ctx context.Context, r *rule.Rule) (string, error) {
	timer := logging.StartTimer(logging.CategoryStore, "RuleStore.Insert")
	defer timer.Stop()

	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now().UTC()
	}
	if err := r.Validate(); err != nil {
		return "", fmt.Errorf("invalid rule: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.handle()
	if err != nil {
		return "", err
	}

	var lastApplied any
	if r.LastAppliedAt != nil {
		lastApplied = *r.LastAppliedAt
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO rules (id, text, norm_text, category, scope_tag, confidence,
		                   source, created_at, last_applied_at, applied_count, success_count)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Text, rule.NormalizeText(r.Text), r.Category, r.ScopeTag,
		r.Confidence, string(r.Source), r.CreatedAt, lastApplied, r.AppliedCount, r.SuccessCount)
	if err != nil {
		var serr sqlite3.Error
		if errors.As(err, &serr) && serr.Code == sqlite3.ErrConstraint {
			return "", fmt.Errorf("%w: %q in %s/%s", ErrDuplicateRule, r.Text, r.Category, r.ScopeTag)
		}
		logging.Get(logging.CategoryStore).Error("Failed to insert rule: %v", err)
		return "", fmt.Errorf("failed to insert rule: %w", classify(err))
	}

	logging.Store("Rule inserted: id=%s category=%s scope=%s source=%s", r.ID, r.Category, r.ScopeTag, r.Source)
	return r.ID, nil
}

// UpdateCounts applies an outcome report: applied_count always increments by
// one, success_count increments when the caller accepted the generation, and
// last_applied_at moves forward. The increment happens inside SQL so
// concurrent reports from different requests both land.
func (s *RuleStore) UpdateCounts(ctx context.Context, id string, success bool) error {
	timer := logging.StartTimer(logging.CategoryStore, "RuleStore.UpdateCounts")
	defer timer.Stop()

	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.handle()
	if err != nil {
		return err
	}

	successInc := 0
	if success {
		successInc = 1
	}

	res, err := db.ExecContext(ctx, `
		UPDATE rules
		SET applied_count = applied_count + 1,
		    success_count = success_count + ?,
		    last_applied_at = ?
		WHERE id = ?
	`, successInc, time.Now().UTC(), id)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to update counts for %s: %v", id, err)
		return fmt.Errorf("failed to update counts: %w", classify(err))
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	logging.StoreDebug("Counts updated: id=%s success=%v", id, success)
	return nil
}

// NudgeDuplicate reinforces an existing rule when an incoming candidate was
// detected as a near-duplicate: confidence moves to the higher of the two
// values and the source is upgraded when the candidate carries more trust.
// Usage counters are left untouched.
func (s *RuleStore) NudgeDuplicate(ctx context.Context, id string, candidateConfidence float64, candidateSource rule.Source) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.handle()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	var confidence float64
	var source string
	err = tx.QueryRowContext(ctx, `SELECT confidence, source FROM rules WHERE id = ?`, id).
		Scan(&confidence, &source)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read rule %s: %w", id, err)
	}

	newConfidence := confidence
	if candidateConfidence > newConfidence {
		newConfidence = candidateConfidence
	}
	if newConfidence > 1.0 {
		newConfidence = 1.0
	}
	newSource := source
	if candidateSource.Trust() > rule.Source(source).Trust() {
		newSource = string(candidateSource)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE rules SET confidence = ?, source = ? WHERE id = ?
	`, newConfidence, newSource, id); err != nil {
		return fmt.Errorf("failed to reinforce rule %s: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit reinforcement: %w", err)
	}

	logging.StoreDebug("Duplicate reinforced: id=%s confidence=%.2f source=%s", id, newConfidence, newSource)
	return nil
}

// MergeInto folds the victim's history into the survivor and removes the
// victim, all in one transaction so a concurrent read never observes a
// half-merged pair. Counters are summed, confidence takes the max, source
// takes the higher trust, and the consolidation is recorded in merge_history.
func (s *RuleStore) MergeInto(ctx context.Context, survivorID, victimID string, similarity float64) error {
	timer := logging.StartTimer(logging.CategoryStore, "RuleStore.MergeInto")
	defer timer.Stop()

	if survivorID == victimID {
		return fmt.Errorf("cannot merge rule %s into itself", survivorID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.handle()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	survivor, err := getRuleTx(ctx, tx, survivorID)
	if err != nil {
		return err
	}
	victim, err := getRuleTx(ctx, tx, victimID)
	if err != nil {
		return err
	}

	appliedBefore := survivor.AppliedCount
	newApplied := survivor.AppliedCount + victim.AppliedCount
	newSuccess := survivor.SuccessCount + victim.SuccessCount
	newConfidence := survivor.Confidence
	if victim.Confidence > newConfidence {
		newConfidence = victim.Confidence
	}
	newSource := survivor.Source
	if victim.Source.Trust() > newSource.Trust() {
		newSource = victim.Source
	}
	var lastApplied any
	switch {
	case survivor.LastAppliedAt != nil && victim.LastAppliedAt != nil:
		latest := *survivor.LastAppliedAt
		if victim.LastAppliedAt.After(latest) {
			latest = *victim.LastAppliedAt
		}
		lastApplied = latest
	case survivor.LastAppliedAt != nil:
		lastApplied = *survivor.LastAppliedAt
	case victim.LastAppliedAt != nil:
		lastApplied = *victim.LastAppliedAt
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE rules
		SET applied_count = ?, success_count = ?, confidence = ?, source = ?, last_applied_at = ?
		WHERE id = ?
	`, newApplied, newSuccess, newConfidence, string(newSource), lastApplied, survivorID); err != nil {
		return fmt.Errorf("failed to update survivor %s: %w", survivorID, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, victimID); err != nil {
		return fmt.Errorf("failed to delete victim %s: %w", victimID, err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO merge_history (survivor_id, victim_id, similarity, applied_before, applied_after)
		VALUES (?, ?, ?, ?, ?)
	`, survivorID, victimID, similarity, appliedBefore, newApplied); err != nil {
		return fmt.Errorf("failed to record merge: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit merge: %w", err)
	}

	logging.Store("Merged rule %s into %s (similarity=%.2f, applied %d -> %d)",
		victimID, survivorID, similarity, appliedBefore, newApplied)
	return nil
}

// PersistConfidence overwrites the stored confidence. Only the pruner calls
// this, to persist the decayed value before evaluating the retention floor.
func (s *RuleStore) PersistConfidence(ctx context.Context, id string, confidence float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.handle()
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, `UPDATE rules SET confidence = ? WHERE id = ?`, confidence, id)
	if err != nil {
		return fmt.Errorf("failed to persist confidence for %s: %w", id, classify(err))
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// Delete removes a rule. Only the pruner calls this, after a backup entry
// for the rule has been durably written.
func (s *RuleStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.handle()
	if err != nil {
		return err
	}

	res, err := db.ExecContext(ctx, `DELETE FROM rules WHERE id = ?`, id)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to delete rule %s: %v", id, err)
		return fmt.Errorf("failed to delete rule: %w", classify(err))
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	logging.Store("Rule deleted: %s", id)
	return nil
}

// LogCorrection appends a correction event to the audit log. The artifacts
// themselves are not retained anywhere else.
func (s *RuleStore) LogCorrection(ctx context.Context, ev *rule.CorrectionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	db, err := s.handle()
	if err != nil {
		return err
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO correction_log (generation_id, original, corrected, reason, category, scope_tag, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, ev.GenerationID, ev.Original, ev.Corrected, ev.Reason, ev.Context.Category, ev.Context.ScopeTag, ts)
	if err != nil {
		logging.Get(logging.CategoryStore).Error("Failed to log correction: %v", err)
		return fmt.Errorf("failed to log correction: %w", classify(err))
	}
	logging.StoreDebug("Correction logged: category=%s scope=%s", ev.Context.Category, ev.Context.ScopeTag)
	return nil
}

// Partitions returns the distinct (category, scope) pairs currently stored,
// for the maintenance sweep.
func (s *RuleStore) Partitions(ctx context.Context) ([][2]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `SELECT DISTINCT category, scope_tag FROM rules ORDER BY category, scope_tag`)
	if err != nil {
		return nil, fmt.Errorf("failed to query partitions: %w", classify(err))
	}
	defer rows.Close()

	var out [][2]string
	for rows.Next() {
		var category, scope string
		if err := rows.Scan(&category, &scope); err != nil {
			continue
		}
		out = append(out, [2]string{category, scope})
	}
	return out, rows.Err()
}

// Partition returns every rule in one (category, scope) partition.
func (s *RuleStore) Partition(ctx context.Context, category, scope string) ([]rule.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.handle()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, text, category, scope_tag, confidence, source,
		       created_at, last_applied_at, applied_count, success_count
		FROM rules WHERE category = ? AND scope_tag = ?
		ORDER BY created_at ASC, id ASC
	`, category, scope)
	if err != nil {
		return nil, fmt.Errorf("failed to query partition: %w", classify(err))
	}
	defer rows.Close()

	var out []rule.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			continue
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// Count returns the total number of stored rules.
func (s *RuleStore) Count(ctx context.Context) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	db, err := s.handle()
	if err != nil {
		return 0, err
	}

	var n int64
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM rules`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count rules: %w", classify(err))
	}
	return n, nil
}

// Close closes the database connection.
func (s *RuleStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	logging.Store("Closing rule store")
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return err
		}
		s.db = nil
	}
	return nil
}

// handle returns the database or ErrUnavailable once the store is closed.
// Callers must hold s.mu.
func (s *RuleStore) handle() (*sql.DB, error) {
	if s.db == nil {
		return nil, fmt.Errorf("%w: store is closed", ErrUnavailable)
	}
	return s.db, nil
}

// classify folds connectivity and IO level failures into ErrUnavailable so
// callers can degrade instead of treating a lost database as a data error.
func classify(err error) error {
	var serr sqlite3.Error
	if errors.As(err, &serr) {
		switch serr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked, sqlite3.ErrIoErr,
			sqlite3.ErrCantOpen, sqlite3.ErrNotADB:
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}
	return err
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanRule(sc scanner) (*rule.Rule, error) {
	var r rule.Rule
	var source string
	var lastApplied sql.NullTime
	if err := sc.Scan(&r.ID, &r.Text, &r.Category, &r.ScopeTag, &r.Confidence,
		&source, &r.CreatedAt, &lastApplied, &r.AppliedCount, &r.SuccessCount); err != nil {
		return nil, err
	}
	r.Source = rule.Source(source)
	if lastApplied.Valid {
		t := lastApplied.Time
		r.LastAppliedAt = &t
	}
	return &r, nil
}

func getRuleTx(ctx context.Context, tx *sql.Tx, id string) (*rule.Rule, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT id, text, category, scope_tag, confidence, source,
		       created_at, last_applied_at, applied_count, success_count
		FROM rules WHERE id = ?
	`, id)
	r, err := scanRule(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read rule %s: %w", id, err)
	}
	return r, nil
}
