package store

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"rulesmith/internal/rule"
)

func newTestStore(t *testing.T) *RuleStore {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testRule(text, category, scope string) *rule.Rule {
	return &rule.Rule{
		Text:       text,
		Category:   category,
		ScopeTag:   scope,
		Confidence: 1.0,
		Source:     rule.SourceExplicit,
		CreatedAt:  time.Now().UTC(),
	}
}

func TestOpenInitializesSchema(t *testing.T) {
	s := newTestStore(t)

	stats, err := s.Stats(context.Background())
	if err != nil {
		t.Fatalf("Failed to get stats: %v", err)
	}
	if stats.TotalRules != 0 {
		t.Errorf("Expected empty store, got %d rules", stats.TotalRules)
	}
	if stats.BackupCount != 0 || stats.MergeCount != 0 {
		t.Errorf("Expected empty backup/merge tables, got %d/%d", stats.BackupCount, stats.MergeCount)
	}
}

func TestInsertAndGet(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := testRule("use delay_us not delay", "timing", "esp32")
	id, err := s.Insert(ctx, r)
	if err != nil {
		t.Fatalf("Failed to insert rule: %v", err)
	}
	if id == "" {
		t.Fatal("Insert returned empty id")
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Failed to get rule: %v", err)
	}
	if got.Text != r.Text || got.Category != "timing" || got.ScopeTag != "esp32" {
		t.Errorf("Round-trip mismatch: %+v", got)
	}
	if got.Source != rule.SourceExplicit {
		t.Errorf("Expected explicit source, got %s", got.Source)
	}
}

func TestInsertDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.Insert(ctx, testRule("Use delay_us not delay", "timing", "")); err != nil {
		t.Fatalf("First insert failed: %v", err)
	}

	// Same text modulo case and whitespace, same partition.
	_, err := s.Insert(ctx, testRule("use   delay_us  not DELAY", "timing", ""))
	if !errors.Is(err, ErrDuplicateRule) {
		t.Errorf("Expected ErrDuplicateRule, got %v", err)
	}

	// Same text in a different partition is fine.
	if _, err := s.Insert(ctx, testRule("Use delay_us not delay", "motor", "")); err != nil {
		t.Errorf("Insert in different category failed: %v", err)
	}
}

func TestGetNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Get(context.Background(), "no-such-id")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestQueryScoping(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	mustInsert := func(text, category, scope string) {
		t.Helper()
		if _, err := s.Insert(ctx, testRule(text, category, scope)); err != nil {
			t.Fatalf("Failed to insert %q: %v", text, err)
		}
	}
	mustInsert("global rule", "", "")
	mustInsert("timing rule", "timing", "")
	mustInsert("timing esp32 rule", "timing", "esp32")
	mustInsert("motor rule", "motor", "")

	// Category query pulls category rules plus globals, but not scoped ones.
	rules, err := s.Query(ctx, Filter{Category: "timing"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rules) != 2 {
		t.Fatalf("Expected 2 rules for timing/(no scope), got %d", len(rules))
	}

	// Adding the scope pulls in the scoped rule too.
	rules, err = s.Query(ctx, Filter{Category: "timing", ScopeTag: "esp32"})
	if err != nil {
		t.Fatalf("Query failed: %v", err)
	}
	if len(rules) != 3 {
		t.Fatalf("Expected 3 rules for timing/esp32, got %d", len(rules))
	}
}

func TestUpdateCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, testRule("use mutex for shared state", "concurrency", ""))
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	if err := s.UpdateCounts(ctx, id, true); err != nil {
		t.Fatalf("UpdateCounts failed: %v", err)
	}
	if err := s.UpdateCounts(ctx, id, false); err != nil {
		t.Fatalf("UpdateCounts failed: %v", err)
	}

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.AppliedCount != 2 {
		t.Errorf("Expected applied_count 2, got %d", got.AppliedCount)
	}
	if got.SuccessCount != 1 {
		t.Errorf("Expected success_count 1, got %d", got.SuccessCount)
	}
	if got.LastAppliedAt == nil {
		t.Error("Expected last_applied_at to be set")
	}

	if err := s.UpdateCounts(ctx, "missing", true); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for missing rule, got %v", err)
	}
}

func TestUpdateCountsConcurrent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, testRule("use ledcWrite not analogWrite", "pwm", ""))
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	const reports = 24
	var wg sync.WaitGroup
	for i := 0; i < reports; i++ {
		wg.Add(1)
		go func(success bool) {
			defer wg.Done()
			if err := s.UpdateCounts(ctx, id, success); err != nil {
				t.Errorf("UpdateCounts failed: %v", err)
			}
		}(i%2 == 0)
	}
	wg.Wait()

	got, err := s.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.AppliedCount != reports {
		t.Errorf("Expected applied_count %d, got %d", reports, got.AppliedCount)
	}
	if got.SuccessCount != reports/2 {
		t.Errorf("Expected success_count %d, got %d", reports/2, got.SuccessCount)
	}
}

func TestClosedStoreUnavailable(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, testRule("use snprintf not sprintf", "style", ""))
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if _, err := s.Query(ctx, Filter{Category: "style"}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Query after close: expected ErrUnavailable, got %v", err)
	}
	if _, err := s.Insert(ctx, testRule("another rule", "style", "")); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Insert after close: expected ErrUnavailable, got %v", err)
	}
	if err := s.UpdateCounts(ctx, id, true); !errors.Is(err, ErrUnavailable) {
		t.Errorf("UpdateCounts after close: expected ErrUnavailable, got %v", err)
	}
	if err := s.LogCorrection(ctx, &rule.CorrectionEvent{Original: "a", Corrected: "b"}); !errors.Is(err, ErrUnavailable) {
		t.Errorf("LogCorrection after close: expected ErrUnavailable, got %v", err)
	}
	if _, err := s.Partitions(ctx); !errors.Is(err, ErrUnavailable) {
		t.Errorf("Partitions after close: expected ErrUnavailable, got %v", err)
	}
}

func TestNudgeDuplicate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := testRule("prefer uint32 for tick counts", "timing", "")
	r.Confidence = 0.6
	r.Source = rule.SourceImplicit
	id, err := s.Insert(ctx, r)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}

	// A more trusted candidate lifts both confidence and source.
	if err := s.NudgeDuplicate(ctx, id, 1.0, rule.SourceExplicit); err != nil {
		t.Fatalf("NudgeDuplicate failed: %v", err)
	}
	got, _ := s.Get(ctx, id)
	if got.Confidence != 1.0 {
		t.Errorf("Expected confidence 1.0, got %.2f", got.Confidence)
	}
	if got.Source != rule.SourceExplicit {
		t.Errorf("Expected source upgrade to explicit, got %s", got.Source)
	}

	// A weaker candidate leaves the rule alone.
	if err := s.NudgeDuplicate(ctx, id, 0.4, rule.SourceBehavioral); err != nil {
		t.Fatalf("NudgeDuplicate failed: %v", err)
	}
	got, _ = s.Get(ctx, id)
	if got.Confidence != 1.0 || got.Source != rule.SourceExplicit {
		t.Errorf("Weaker candidate should not downgrade: conf=%.2f source=%s", got.Confidence, got.Source)
	}
}

func TestMergeInto(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	survivor := testRule("use vTaskDelay in FreeRTOS tasks", "timing", "")
	survivor.Confidence = 0.7
	survivor.Source = rule.SourceImplicit
	survivor.AppliedCount = 5
	survivor.SuccessCount = 4
	survivorID, err := s.Insert(ctx, survivor)
	if err != nil {
		t.Fatalf("Insert survivor failed: %v", err)
	}

	victim := testRule("use vTaskDelay inside FreeRTOS tasks", "timing", "")
	victim.Confidence = 0.9
	victim.Source = rule.SourceExplicit
	victim.AppliedCount = 3
	victim.SuccessCount = 3
	victimID, err := s.Insert(ctx, victim)
	if err != nil {
		t.Fatalf("Insert victim failed: %v", err)
	}

	if err := s.MergeInto(ctx, survivorID, victimID, 0.85); err != nil {
		t.Fatalf("MergeInto failed: %v", err)
	}

	got, err := s.Get(ctx, survivorID)
	if err != nil {
		t.Fatalf("Get survivor failed: %v", err)
	}
	if got.AppliedCount != 8 || got.SuccessCount != 7 {
		t.Errorf("Expected summed counts 8/7, got %d/%d", got.AppliedCount, got.SuccessCount)
	}
	if got.Confidence != 0.9 {
		t.Errorf("Expected max confidence 0.9, got %.2f", got.Confidence)
	}
	if got.Source != rule.SourceExplicit {
		t.Errorf("Expected source upgrade, got %s", got.Source)
	}

	if _, err := s.Get(ctx, victimID); !errors.Is(err, ErrNotFound) {
		t.Errorf("Victim should be gone, got %v", err)
	}

	stats, _ := s.Stats(ctx)
	if stats.MergeCount != 1 {
		t.Errorf("Expected one merge_history row, got %d", stats.MergeCount)
	}

	// Repeating the merge finds no victim: the pair is already consolidated.
	if err := s.MergeInto(ctx, survivorID, victimID, 0.85); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound on repeated merge, got %v", err)
	}
	got, _ = s.Get(ctx, survivorID)
	if got.AppliedCount != 8 || got.SuccessCount != 7 {
		t.Errorf("Repeated merge must not touch counters, got %d/%d", got.AppliedCount, got.SuccessCount)
	}
}

func TestMergeIntoSelf(t *testing.T) {
	s := newTestStore(t)
	if err := s.MergeInto(context.Background(), "a", "a", 1.0); err == nil {
		t.Error("Expected error merging rule into itself")
	}
}

func TestBackupAndRestore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	r := testRule("check encoder bounds before seek", "motor", "")
	r.AppliedCount = 7
	r.SuccessCount = 6
	id, err := s.Insert(ctx, r)
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	stored, _ := s.Get(ctx, id)

	backupID, err := s.Backup(ctx, stored, 0.12, "below retention floor")
	if err != nil {
		t.Fatalf("Backup failed: %v", err)
	}
	if err := s.Delete(ctx, id); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}

	entries, err := s.Backups(ctx, 10)
	if err != nil {
		t.Fatalf("Backups failed: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("Expected 1 backup entry, got %d", len(entries))
	}
	if entries[0].Rule.ID != id || entries[0].Reason != "below retention floor" {
		t.Errorf("Backup entry mismatch: %+v", entries[0])
	}
	if entries[0].EffectiveConfidence != 0.12 {
		t.Errorf("Expected effective confidence 0.12, got %.2f", entries[0].EffectiveConfidence)
	}

	restored, err := s.Restore(ctx, backupID)
	if err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if restored.AppliedCount != 7 || restored.SuccessCount != 6 {
		t.Errorf("Restore should carry usage counters, got %d/%d", restored.AppliedCount, restored.SuccessCount)
	}
	if _, err := s.Get(ctx, id); err != nil {
		t.Errorf("Restored rule should be queryable: %v", err)
	}

	// Restoring again collides with the live copy.
	if _, err := s.Restore(ctx, backupID); !errors.Is(err, ErrDuplicateRule) {
		t.Errorf("Expected ErrDuplicateRule on double restore, got %v", err)
	}
}

func TestDeleteNotFound(t *testing.T) {
	s := newTestStore(t)
	if err := s.Delete(context.Background(), "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestLogCorrection(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ev := &rule.CorrectionEvent{
		GenerationID: "gen-1",
		Original:     "delay(100);",
		Corrected:    "vTaskDelay(pdMS_TO_TICKS(100));",
		Reason:       "use vTaskDelay not delay",
		Context:      rule.RequestContext{Category: "timing", ScopeTag: "esp32"},
	}
	if err := s.LogCorrection(ctx, ev); err != nil {
		t.Fatalf("LogCorrection failed: %v", err)
	}

	var n int64
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM correction_log`).Scan(&n); err != nil {
		t.Fatalf("Failed to count correction_log: %v", err)
	}
	if n != 1 {
		t.Errorf("Expected 1 correction row, got %d", n)
	}
}

func TestPartitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, spec := range [][3]string{
		{"rule a", "timing", ""},
		{"rule b", "timing", "esp32"},
		{"rule c", "motor", ""},
	} {
		if _, err := s.Insert(ctx, testRule(spec[0], spec[1], spec[2])); err != nil {
			t.Fatalf("Insert failed: %v", err)
		}
	}

	parts, err := s.Partitions(ctx)
	if err != nil {
		t.Fatalf("Partitions failed: %v", err)
	}
	if len(parts) != 3 {
		t.Fatalf("Expected 3 partitions, got %d", len(parts))
	}

	rules, err := s.Partition(ctx, "timing", "esp32")
	if err != nil {
		t.Fatalf("Partition failed: %v", err)
	}
	if len(rules) != 1 || rules[0].Text != "rule b" {
		t.Errorf("Partition contents wrong: %+v", rules)
	}
}

func TestPersistConfidence(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.Insert(ctx, testRule("avoid float equality checks", "", ""))
	if err != nil {
		t.Fatalf("Insert failed: %v", err)
	}
	if err := s.PersistConfidence(ctx, id, 0.42); err != nil {
		t.Fatalf("PersistConfidence failed: %v", err)
	}
	got, _ := s.Get(ctx, id)
	if got.Confidence != 0.42 {
		t.Errorf("Expected persisted confidence 0.42, got %.2f", got.Confidence)
	}
}
