package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"rulesmith/internal/logging"
	"rulesmith/internal/rule"
)

// Rule sets travel as JSONL: a header line identifying the format and
// version, then one rule record per line. The format is stable text so rule
// sets can be backed up, diffed, and shared across instances.
const (
	exportFormat  = "rulesmith-rules"
	exportVersion = 1
)

type exportHeader struct {
	Format     string    `json:"format"`
	Version    int       `json:"version"`
	ExportedAt time.Time `json:"exported_at"`
	RuleCount  int       `json:"rule_count"`
}

// ImportResult summarizes an import: rules added, rules that reinforced an
// existing near-duplicate, and records skipped as invalid.
type ImportResult struct {
	Imported   int `json:"imported"`
	Reinforced int `json:"reinforced"`
	Skipped    int `json:"skipped"`
}

// ExportRules writes every stored rule to w as versioned JSONL.
func (e *Engine) ExportRules(ctx context.Context, w io.Writer) error {
	rules, err := e.store.All(ctx)
	if err != nil {
		return fmt.Errorf("export failed to read rules: %w", err)
	}

	enc := json.NewEncoder(w)
	if err := enc.Encode(exportHeader{
		Format:     exportFormat,
		Version:    exportVersion,
		ExportedAt: time.Now().UTC(),
		RuleCount:  len(rules),
	}); err != nil {
		return fmt.Errorf("export failed to write header: %w", err)
	}
	for i := range rules {
		if err := enc.Encode(&rules[i]); err != nil {
			return fmt.Errorf("export failed at rule %s: %w", rules[i].ID, err)
		}
	}

	logging.Engine("Exported %d rules", len(rules))
	return nil
}

// ImportRules reads a JSONL rule set and routes every record through the
// merger, so importing is additive: near-duplicates reinforce what is
// already there, new rules are inserted with their exported history intact.
func (e *Engine) ImportRules(ctx context.Context, r io.Reader) (*ImportResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	if !scanner.Scan() {
		return nil, fmt.Errorf("import input is empty")
	}
	var header exportHeader
	if err := json.Unmarshal(scanner.Bytes(), &header); err != nil {
		return nil, fmt.Errorf("import failed to parse header: %w", err)
	}
	if header.Format != exportFormat {
		return nil, fmt.Errorf("unrecognized export format %q", header.Format)
	}
	if header.Version != exportVersion {
		return nil, fmt.Errorf("unsupported export version %d (want %d)", header.Version, exportVersion)
	}

	res := &ImportResult{}
	line := 1
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec rule.Rule
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			logging.Get(logging.CategoryEngine).Warn("Import skipping line %d: %v", line, err)
			res.Skipped++
			continue
		}
		// Imported ids belong to the source instance.
		rec.ID = ""
		if err := rec.Validate(); err != nil {
			logging.Get(logging.CategoryEngine).Warn("Import skipping line %d: %v", line, err)
			res.Skipped++
			continue
		}
		_, inserted, err := e.learnCandidate(ctx, &rec)
		if err != nil {
			return res, fmt.Errorf("import failed at line %d: %w", line, err)
		}
		if inserted {
			res.Imported++
		} else {
			res.Reinforced++
		}
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("import failed reading input: %w", err)
	}

	e.invalidateSnapshot("", "")
	logging.Engine("Import complete: %d imported, %d reinforced, %d skipped",
		res.Imported, res.Reinforced, res.Skipped)
	return res, nil
}
