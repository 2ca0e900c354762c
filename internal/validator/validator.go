// Package validator is the last line of defense before an artifact reaches
// the caller. Static policy checks enforce fixed safety invariants; rule
// checks enforce the learned banned/required constructs active for the
// request context. Fixable issues are rewritten, checks re-run once, and
// whatever a second pass still finds is surfaced without further iteration.
package validator

import (
	"fmt"
	"regexp"

	"rulesmith/internal/logging"
	"rulesmith/internal/rule"
)

// Severity classifies an issue.
type Severity string

const (
	// SeverityBlocking marks the artifact unsafe to ship as-is.
	SeverityBlocking Severity = "blocking"
	// SeverityAdvisory flags a problem the caller may accept.
	SeverityAdvisory Severity = "advisory"
)

// Issue is one finding against an artifact. Kind is the static check id or
// the id of the rule that fired.
type Issue struct {
	Kind        string   `json:"kind"`
	Severity    Severity `json:"severity"`
	Message     string   `json:"message"`
	AutoFixable bool     `json:"auto_fixable"`
}

// Report is the outcome of a validation pass: the final artifact, the issues
// still open, and the issues that were auto-fixed along the way.
type Report struct {
	Artifact string  `json:"artifact"`
	Issues   []Issue `json:"issues"`
	Fixed    []Issue `json:"fixed"`
}

// Clean reports whether no issues remain open.
func (r *Report) Clean() bool { return len(r.Issues) == 0 }

// Blocked reports whether any open issue is blocking.
func (r *Report) Blocked() bool {
	for _, is := range r.Issues {
		if is.Severity == SeverityBlocking {
			return true
		}
	}
	return false
}

// RuleCheck is a selected rule with its pattern parsed and compiled up
// front, so the text is classified once per snapshot rather than on every
// validation.
type RuleCheck struct {
	RuleID string
	Text   string
	Kind   rule.Kind

	oldRe     *regexp.Regexp // banned construct, word-bounded
	patternRe *regexp.Regexp // required construct, word-bounded
}

// BuildRuleChecks parses the checkable rules out of a selection. Free-text
// advisories carry no detectable pattern and are skipped.
func BuildRuleChecks(rules []rule.Rule) []RuleCheck {
	var checks []RuleCheck
	for i := range rules {
		k := rule.ParseKind(rules[i].Text)
		if k.Type == rule.KindFreeTextAdvisory {
			continue
		}
		c := RuleCheck{RuleID: rules[i].ID, Text: rules[i].Text, Kind: k}
		switch k.Type {
		case rule.KindBannedConstruct:
			c.oldRe = constructPattern(k.Old)
		case rule.KindRequiredConstruct:
			c.patternRe = constructPattern(k.Pattern)
		}
		checks = append(checks, c)
	}
	return checks
}

// constructPattern matches the construct as a whole identifier, so fixing
// "sprintf" never rewrites the inside of "snprintf".
func constructPattern(construct string) *regexp.Regexp {
	if construct == "" {
		return nil
	}
	return regexp.MustCompile(`\b` + regexp.QuoteMeta(construct) + `\b`)
}

// finding pairs an issue with its fix, when one exists.
type finding struct {
	issue Issue
	fix   func(string) string
}

// Validator runs static and rule-driven checks with at most one fix pass.
type Validator struct{}

// New returns a validator.
func New() *Validator {
	return &Validator{}
}

// Validate checks the artifact, applies every available auto-fix, re-checks
// once, and applies any fixes the second pass still finds without iterating
// further. Remaining issues come back in the report; a clean artifact passes
// through unchanged.
func (v *Validator) Validate(artifact string, checks []RuleCheck) *Report {
	timer := logging.StartTimer(logging.CategoryValidator, "Validator.Validate")
	defer timer.Stop()

	report := &Report{Artifact: artifact}

	findings := runChecks(artifact, checks)
	if len(findings) == 0 {
		return report
	}

	fixed, open := applyFixes(&report.Artifact, findings)
	report.Fixed = append(report.Fixed, fixed...)
	report.Issues = open

	if len(fixed) == 0 {
		return report
	}

	// One re-check pass over the fixed artifact. Anything fixable it still
	// finds is fixed too, but a third pass never runs; what remains after
	// that is surfaced as-is.
	findings = runChecks(report.Artifact, checks)
	fixed, open = applyFixes(&report.Artifact, findings)
	report.Fixed = append(report.Fixed, fixed...)
	report.Issues = open

	logging.Validator("Validation: %d fixed, %d open", len(report.Fixed), len(report.Issues))
	return report
}

func runChecks(artifact string, checks []RuleCheck) []finding {
	findings := runStaticChecks(artifact)
	findings = append(findings, runRuleChecks(artifact, checks)...)
	return findings
}

// applyFixes rewrites the artifact with every fixable finding and splits the
// findings into fixed and still-open issues.
func applyFixes(artifact *string, findings []finding) (fixed, open []Issue) {
	for _, f := range findings {
		if f.fix == nil {
			open = append(open, f.issue)
			continue
		}
		next := f.fix(*artifact)
		if next == *artifact {
			open = append(open, f.issue)
			continue
		}
		*artifact = next
		fixed = append(fixed, f.issue)
	}
	return fixed, open
}

// runRuleChecks applies the learned banned/required construct rules.
func runRuleChecks(artifact string, checks []RuleCheck) []finding {
	var findings []finding
	for _, c := range checks {
		switch c.Kind.Type {
		case rule.KindBannedConstruct:
			if c.oldRe == nil || !c.oldRe.MatchString(artifact) {
				continue
			}
			f := finding{issue: Issue{
				Kind:        c.RuleID,
				Severity:    SeverityAdvisory,
				Message:     fmt.Sprintf("banned construct %q present: %s", c.Kind.Old, c.Text),
				AutoFixable: c.Kind.AutoFixable(),
			}}
			if c.Kind.AutoFixable() {
				re, newC := c.oldRe, c.Kind.New
				f.fix = func(a string) string { return re.ReplaceAllString(a, newC) }
			}
			findings = append(findings, f)

		case rule.KindRequiredConstruct:
			if c.patternRe == nil || c.patternRe.MatchString(artifact) {
				continue
			}
			findings = append(findings, finding{issue: Issue{
				Kind:     c.RuleID,
				Severity: SeverityAdvisory,
				Message:  fmt.Sprintf("required construct %q missing: %s", c.Kind.Pattern, c.Text),
			}})
		}
	}
	return findings
}
