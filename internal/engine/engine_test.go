package engine

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rulesmith/internal/config"
	"rulesmith/internal/rule"
)

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Store.DatabasePath = ":memory:"
	cfg.Approval.Enabled = false
	cfg.Prune.MinKeepCount = 0

	e, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func TestTeachAndSelect(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	taught, err := e.TeachRule(ctx, "use ledcWrite not analogWrite", "hardware", "esp32")
	require.NoError(t, err)
	assert.Equal(t, 1.0, taught.Confidence)
	assert.Equal(t, rule.SourceExplicit, taught.Source)

	// A freshly taught rule is selectable immediately.
	selected, err := e.Select(ctx, rule.RequestContext{Category: "hardware", ScopeTag: "esp32"})
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, taught.ID, selected[0].Rule.ID)
}

func TestTeachDuplicateReinforces(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	first, err := e.TeachRule(ctx, "use ledcWrite not analogWrite", "hardware", "")
	require.NoError(t, err)
	second, err := e.TeachRule(ctx, "use ledcWrite not analogWrite here", "hardware", "")
	require.NoError(t, err)

	assert.Equal(t, first.ID, second.ID, "near-duplicate should reinforce, not insert")
	n, err := e.store.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestReportOutcome(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	taught, err := e.TeachRule(ctx, "use delayMicroseconds not delayUs", "timing", "")
	require.NoError(t, err)

	require.NoError(t, e.ReportOutcome(ctx, []string{taught.ID}, true))
	require.NoError(t, e.ReportOutcome(ctx, []string{taught.ID}, false))

	got, err := e.store.Get(ctx, taught.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.AppliedCount)
	assert.EqualValues(t, 1, got.SuccessCount)

	err = e.ReportOutcome(ctx, []string{"missing-id"}, true)
	assert.Error(t, err, "unknown ids indicate an upstream logic error")
}

func TestSubmitCorrectionLearnsRule(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	res, err := e.SubmitCorrection(ctx, &rule.CorrectionEvent{
		Original:  "void setup() {\n  analogWrite(PIN, 128);\n}\n",
		Corrected: "void setup() {\n  ledcWrite(CHANNEL, 128);\n}\n",
		Reason:    "ESP32 needs ledcWrite",
		Context:   rule.RequestContext{Category: "hardware", ScopeTag: "esp32"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusLearned, res.Status)
	require.Len(t, res.Learned, 1)

	learned := res.Learned[0]
	assert.Contains(t, learned.Text, "ledcWrite")
	assert.Contains(t, learned.Text, "analogWrite")
	assert.Equal(t, rule.SourceExplicit, learned.Source)
}

func TestStoreLossDegrades(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.TeachRule(ctx, "use ledcWrite not analogWrite", "hardware", "esp32")
	require.NoError(t, err)
	require.NoError(t, e.store.Close())

	// Selection degrades to an empty rule set, not an error.
	selected, err := e.Select(ctx, rule.RequestContext{Category: "hardware", ScopeTag: "esp32"})
	require.NoError(t, err)
	assert.Empty(t, selected)

	// Corrections report the audit-only outcome so the caller can retry.
	res, err := e.SubmitCorrection(ctx, &rule.CorrectionEvent{
		Original:  "analogWrite(PIN, 128);\n",
		Corrected: "ledcWrite(CHANNEL, 128);\n",
		Reason:    "ESP32 needs ledcWrite",
		Context:   rule.RequestContext{Category: "hardware", ScopeTag: "esp32"},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusNotYetLearned, res.Status)
	assert.Empty(t, res.Learned)

	// Validation falls back to the static checks alone.
	vres, err := e.Validate(ctx, "void setup() {}\n", rule.RequestContext{Category: "hardware"})
	require.NoError(t, err)
	assert.False(t, vres.RulesApplied)
}

func TestSubmitCorrectionNoDiff(t *testing.T) {
	e := newTestEngine(t)

	res, err := e.SubmitCorrection(context.Background(), &rule.CorrectionEvent{
		Original:  "same\n",
		Corrected: "same\n",
	})
	require.NoError(t, err)
	assert.Equal(t, StatusNothingToLearn, res.Status)
	assert.Empty(t, res.Learned)
}

func TestSubmitCorrectionMergesNearDuplicates(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	submit := func(original, corrected, reason string) *SubmitResult {
		res, err := e.SubmitCorrection(ctx, &rule.CorrectionEvent{
			Original:  original,
			Corrected: corrected,
			Reason:    reason,
			Context:   rule.RequestContext{Category: "hardware"},
		})
		require.NoError(t, err)
		return res
	}

	first := submit("analogWrite(1, 10);\n", "ledcWrite(1, 10);\n", "prefer ledcWrite")
	require.Len(t, first.Learned, 1)

	// Same lesson from a second correction collapses onto the first rule.
	second := submit("analogWrite(2, 99);\n", "ledcWrite(2, 99);\n", "prefer ledcWrite")
	assert.Empty(t, second.Learned)
	require.Len(t, second.Reinforced, 1)
	assert.Equal(t, first.Learned[0].ID, second.Reinforced[0])

	n, err := e.store.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestValidateUsesLearnedRules(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.TeachRule(ctx, "use ledcWrite not analogWrite", "hardware", "esp32")
	require.NoError(t, err)

	artifact := "void loop() {\n" +
		"  if (millis() - lastCommand > SAFETY_TIMEOUT) { stopAll(); }\n" +
		"  analogWrite(PIN, speed);\n" +
		"}\n"
	res, err := e.Validate(ctx, artifact, rule.RequestContext{Category: "hardware", ScopeTag: "esp32"})
	require.NoError(t, err)
	assert.True(t, res.RulesApplied)
	assert.NotContains(t, res.Artifact, "analogWrite")
	assert.Contains(t, res.Artifact, "ledcWrite")
}

func TestValidateBlockingDelayUnchanged(t *testing.T) {
	e := newTestEngine(t)

	artifact := "void loop() {\n  delay(100);\n  readSensor();\n}\n"
	res, err := e.Validate(context.Background(), artifact, rule.RequestContext{Category: "timing"})
	require.NoError(t, err)
	assert.True(t, res.Blocked())
	assert.Equal(t, artifact, res.Artifact)
	require.NotEmpty(t, res.Issues)
	assert.False(t, res.Issues[0].AutoFixable)
}

func TestSnapshotSeesNewRulesAfterTeach(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	rc := rule.RequestContext{Category: "style"}
	res, err := e.Validate(ctx, "sprintf(buf, \"%d\", v);\n", rc)
	require.NoError(t, err)
	assert.True(t, res.Clean(), "nothing learned yet, artifact passes")

	_, err = e.TeachRule(ctx, "use snprintf not sprintf", "style", "")
	require.NoError(t, err)

	res, err = e.Validate(ctx, "sprintf(buf, \"%d\", v);\n", rc)
	require.NoError(t, err)
	assert.NotContains(t, res.Artifact, "sprintf(",
		"teaching must invalidate the cached snapshot")
}

func TestMaintainMergesAndPrunes(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	// Two near-duplicates inserted directly, dodging insert-time dedup.
	now := time.Now().UTC()
	_, err := e.store.Insert(ctx, &rule.Rule{
		Text: "use vTaskDelay in FreeRTOS tasks", Category: "timing",
		Confidence: 0.9, Source: rule.SourceImplicit, CreatedAt: now,
		AppliedCount: 3, SuccessCount: 3,
	})
	require.NoError(t, err)
	_, err = e.store.Insert(ctx, &rule.Rule{
		Text: "use vTaskDelay inside FreeRTOS tasks", Category: "timing",
		Confidence: 0.8, Source: rule.SourceImplicit, CreatedAt: now,
		AppliedCount: 7, SuccessCount: 7,
	})
	require.NoError(t, err)
	// And one stale rule due for pruning.
	_, err = e.store.Insert(ctx, &rule.Rule{
		Text: "stale rule", Category: "legacy",
		Confidence: 0.1, Source: rule.SourceImplicit,
		CreatedAt: now.Add(-120 * 24 * time.Hour),
	})
	require.NoError(t, err)

	report, err := e.Maintain(ctx, false)
	require.NoError(t, err)
	assert.Len(t, report.Merges, 1)
	assert.Equal(t, 1, report.Prune.Deleted)

	n, err := e.store.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "two merged into one, one pruned")

	survivorID := report.Merges[0].SurvivorID
	before, err := e.store.Get(ctx, survivorID)
	require.NoError(t, err)

	// A second pass over an already-consolidated store is a no-op.
	report, err = e.Maintain(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, report.Merges)
	assert.Zero(t, report.Prune.Deleted)

	after, err := e.store.Get(ctx, survivorID)
	require.NoError(t, err)
	assert.Equal(t, before.AppliedCount, after.AppliedCount)
	assert.Equal(t, before.SuccessCount, after.SuccessCount)
}

func TestMaintainDryRun(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.store.Insert(ctx, &rule.Rule{
		Text: "stale rule", Category: "legacy",
		Confidence: 0.1, Source: rule.SourceImplicit,
		CreatedAt: time.Now().UTC().Add(-120 * 24 * time.Hour),
	})
	require.NoError(t, err)

	report, err := e.Maintain(ctx, true)
	require.NoError(t, err)
	assert.True(t, report.DryRun)
	assert.Len(t, report.Prune.Candidates, 1)
	assert.Zero(t, report.Prune.Deleted)

	n, err := e.store.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)
}

func TestExportImportRoundTrip(t *testing.T) {
	src := newTestEngine(t)
	dst := newTestEngine(t)
	ctx := context.Background()

	_, err := src.TeachRule(ctx, "use ledcWrite not analogWrite", "hardware", "esp32")
	require.NoError(t, err)
	_, err = src.TeachRule(ctx, "motor code must include SAFETY_TIMEOUT", "motor", "")
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, src.ExportRules(ctx, &buf))
	assert.True(t, strings.HasPrefix(buf.String(), `{"format":"rulesmith-rules"`))

	res, err := dst.ImportRules(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Imported)
	assert.Zero(t, res.Skipped)

	selected, err := dst.Select(ctx, rule.RequestContext{Category: "hardware", ScopeTag: "esp32"})
	require.NoError(t, err)
	require.Len(t, selected, 1)
	assert.Equal(t, "use ledcWrite not analogWrite", selected[0].Rule.Text)

	// Importing the same set again reinforces instead of duplicating.
	res, err = dst.ImportRules(ctx, bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)
	assert.Zero(t, res.Imported)
	assert.Equal(t, 2, res.Reinforced)
}

func TestImportRejectsWrongFormat(t *testing.T) {
	e := newTestEngine(t)

	_, err := e.ImportRules(context.Background(), strings.NewReader(`{"format":"something-else","version":1}`))
	assert.Error(t, err)

	_, err = e.ImportRules(context.Background(), strings.NewReader(""))
	assert.Error(t, err)
}
