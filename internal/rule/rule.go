// Package rule defines the canonical schema for learned behavioral rules.
// A rule is a short correction such as "use ledcWrite not analogWrite" that
// was either stated directly by the user or inferred from their edits.
package rule

import (
	"fmt"
	"strings"
	"time"
	"unicode"
)

// Source identifies how a rule was learned. Trust is ordered:
// explicit > implicit > behavioral.
type Source string

const (
	// SourceExplicit means the user directly stated the rule.
	SourceExplicit Source = "explicit"
	// SourceImplicit means the rule was inferred from a correction or an
	// accepted generation.
	SourceImplicit Source = "implicit"
	// SourceBehavioral means the rule was inferred from aggregate usage
	// timing patterns.
	SourceBehavioral Source = "behavioral"
)

// Trust returns the trust rank of a source. Higher is more trusted.
func (s Source) Trust() int {
	switch s {
	case SourceExplicit:
		return 3
	case SourceImplicit:
		return 2
	case SourceBehavioral:
		return 1
	}
	return 0
}

// InitialConfidence returns the provenance-derived confidence prior.
func (s Source) InitialConfidence() float64 {
	switch s {
	case SourceExplicit:
		return 1.0
	case SourceImplicit:
		return 0.6
	case SourceBehavioral:
		return 0.4
	}
	return 0.4
}

// Rule is a learned behavioral correction.
type Rule struct {
	ID            string     `json:"id"`
	Text          string     `json:"text"`
	Category      string     `json:"category"`
	ScopeTag      string     `json:"scope_tag,omitempty"` // empty = applies to the whole category
	Confidence    float64    `json:"confidence"`          // provenance prior, 0.0-1.0
	Source        Source     `json:"source"`
	CreatedAt     time.Time  `json:"created_at"`
	LastAppliedAt *time.Time `json:"last_applied_at,omitempty"`
	AppliedCount  int64      `json:"applied_count"`
	SuccessCount  int64      `json:"success_count"`
}

// Validate checks the schema invariants.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return fmt.Errorf("rule text is empty")
	}
	if r.Confidence < 0.0 || r.Confidence > 1.0 {
		return fmt.Errorf("confidence %.3f outside [0,1]", r.Confidence)
	}
	if r.SuccessCount > r.AppliedCount {
		return fmt.Errorf("success_count %d exceeds applied_count %d", r.SuccessCount, r.AppliedCount)
	}
	if r.Source.Trust() == 0 {
		return fmt.Errorf("unknown source %q", r.Source)
	}
	return nil
}

// ReferenceTime returns the timestamp decay is measured from: the last
// application, falling back to creation for never-applied rules.
func (r *Rule) ReferenceTime() time.Time {
	if r.LastAppliedAt != nil && !r.LastAppliedAt.IsZero() {
		return *r.LastAppliedAt
	}
	return r.CreatedAt
}

// NormalizeText canonicalizes rule text for exact-duplicate detection:
// lowercased, whitespace collapsed.
func NormalizeText(s string) string {
	var b strings.Builder
	prevSpace := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if unicode.IsSpace(r) {
			if !prevSpace {
				b.WriteRune(' ')
				prevSpace = true
			}
			continue
		}
		b.WriteRune(r)
		prevSpace = false
	}
	return b.String()
}

// RequestContext describes an incoming generation or validation request.
// Category is required; ScopeTag and Hint narrow the match.
type RequestContext struct {
	Category string `json:"category"`
	ScopeTag string `json:"scope_tag,omitempty"`
	Hint     string `json:"hint,omitempty"` // free text from the user's request
}

// CorrectionEvent is the raw input the engine learns from: the artifact the
// generator produced, the artifact the user turned it into, and why.
type CorrectionEvent struct {
	GenerationID string         `json:"generation_id,omitempty"`
	Original     string         `json:"original"`
	Corrected    string         `json:"corrected"`
	Reason       string         `json:"reason,omitempty"`
	Context      RequestContext `json:"context"`
	Timestamp    time.Time      `json:"timestamp"`
}
