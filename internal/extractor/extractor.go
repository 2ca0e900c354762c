// Package extractor turns a correction event into candidate rules. The
// changed regions between the original and corrected artifacts identify the
// constructs the user swapped; the reason text, when present, carries the
// user's own statement of the rule. Extraction fails soft: inputs with no
// usable diff produce an empty slice, never an error.
package extractor

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"rulesmith/internal/diff"
	"rulesmith/internal/logging"
	"rulesmith/internal/rule"
)

// maxCandidates caps how many rules one correction can produce. A sprawling
// rewrite is a rewrite, not a list of lessons.
const maxCandidates = 5

// Extractor derives candidate rules from correction events.
type Extractor struct {
	engine *diff.Engine
}

// New returns an extractor backed by its own diff engine.
func New() *Extractor {
	return &Extractor{engine: diff.NewEngine()}
}

// Extract derives zero or more candidate rules from a correction event.
// A supplied reason makes the candidates explicit (confidence 1.0); rules
// inferred from the diff alone are implicit (0.6). Candidates still have to
// pass through the merger before persistence.
func (e *Extractor) Extract(ev *rule.CorrectionEvent) []rule.Rule {
	timer := logging.StartTimer(logging.CategoryExtractor, "Extractor.Extract")
	defer timer.Stop()

	regions := e.engine.Regions(ev.Original, ev.Corrected)
	if len(regions) == 0 {
		logging.Extractor("No diff between original and corrected artifact, nothing to learn")
		return nil
	}

	source := rule.SourceImplicit
	reason := strings.TrimSpace(ev.Reason)
	if reason != "" {
		source = rule.SourceExplicit
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	seen := make(map[string]bool)
	var out []rule.Rule
	add := func(text string) {
		if len(out) >= maxCandidates {
			return
		}
		norm := rule.NormalizeText(text)
		if norm == "" || seen[norm] {
			return
		}
		seen[norm] = true
		out = append(out, rule.Rule{
			Text:       text,
			Category:   ev.Context.Category,
			ScopeTag:   ev.Context.ScopeTag,
			Confidence: source.InitialConfidence(),
			Source:     source,
			CreatedAt:  ts,
		})
	}

	for i := range regions {
		r := &regions[i]
		oldC, newC := constructPair(r)
		switch {
		case oldC != "" && newC != "":
			if reason != "" {
				add(fmt.Sprintf("%s: use %s not %s", reason, newC, oldC))
			} else {
				add(fmt.Sprintf("use %s not %s", newC, oldC))
			}
		case reason != "":
			// No construct pair to anchor on; the reason itself is the rule.
			add(reason)
		}
	}

	logging.Extractor("Extracted %d candidate rules from %d changed regions (source=%s)",
		len(out), len(regions), source)
	return out
}

// reCall matches function-call identifiers, the construct unit corrections
// usually swap.
var reCall = regexp.MustCompile(`\b([A-Za-z_][\w.]*)\s*\(`)

// constructPair finds the construct the region removed and the one it added
// in its place. Only replacement regions qualify; the pair is the first
// call identifier unique to each side.
func constructPair(r *diff.Region) (oldC, newC string) {
	if !r.IsReplacement() {
		return "", ""
	}
	removed := callIdentifiers(r.RemovedText())
	added := callIdentifiers(r.AddedText())

	addedSet := make(map[string]bool, len(added))
	for _, id := range added {
		addedSet[id] = true
	}
	removedSet := make(map[string]bool, len(removed))
	for _, id := range removed {
		removedSet[id] = true
	}

	for _, id := range removed {
		if !addedSet[id] {
			oldC = id
			break
		}
	}
	for _, id := range added {
		if !removedSet[id] {
			newC = id
			break
		}
	}
	if oldC == "" || newC == "" {
		return "", ""
	}
	return oldC, newC
}

func callIdentifiers(text string) []string {
	var ids []string
	seen := make(map[string]bool)
	for _, m := range reCall.FindAllStringSubmatch(text, -1) {
		id := m[1]
		if isKeyword(id) || seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

// isKeyword filters control-flow words that look like calls in C-family code.
func isKeyword(s string) bool {
	switch s {
	case "if", "for", "while", "switch", "return", "sizeof", "catch", "defer", "func", "range":
		return true
	}
	return false
}
