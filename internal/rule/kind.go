package rule

import (
	"regexp"
	"strings"
)

// KindType tags the closed set of rule shapes the validator can act on.
type KindType string

const (
	// KindBannedConstruct is "use New, not Old": Old must not appear, and
	// when New is known the fix is a textual substitution.
	KindBannedConstruct KindType = "banned_construct"
	// KindRequiredConstruct is "must contain Pattern".
	KindRequiredConstruct KindType = "required_construct"
	// KindFreeTextAdvisory carries no detectable pattern; it is injected
	// into prompts but never checked mechanically.
	KindFreeTextAdvisory KindType = "free_text"
)

// Kind is the parsed, checkable form of a rule's text. Parsing happens once
// when rules are loaded, not on every validation pass.
type Kind struct {
	Type    KindType
	Old     string // banned construct
	New     string // replacement, empty when unknown
	Pattern string // required construct
}

// AutoFixable reports whether the kind carries a mechanical rewrite.
func (k Kind) AutoFixable() bool {
	return k.Type == KindBannedConstruct && k.Old != "" && k.New != ""
}

var (
	// "use X not Y" / "use X, not Y" / "use X instead of Y"
	reUseNot    = regexp.MustCompile(`(?i)\buse\s+([\w.]+)(?:\(\))?\s*,?\s+(?:not|never)\s+([\w.]+)`)
	reInsteadOf = regexp.MustCompile(`(?i)\buse\s+([\w.]+)(?:\(\))?\s+instead\s+of\s+([\w.]+)`)
	reReplace   = regexp.MustCompile(`(?i)\breplace\s+([\w.]+)(?:\(\))?\s+with\s+([\w.]+)`)
	reAvoid     = regexp.MustCompile(`(?i)\b(?:avoid|never\s+use|do\s+not\s+use|don't\s+use)\s+([\w.]+)`)
	reMustHave  = regexp.MustCompile(`(?i)\bmust\s+(?:include|define|contain|have)\s+(?:an?\s+)?([\w.]+)`)
	reRequire   = regexp.MustCompile(`(?i)\brequires?\s+(?:an?\s+)?([\w.]+)`)
)

// ParseKind classifies rule text into one of the closed kinds. Unrecognized
// text is a free-text advisory, never an error.
func ParseKind(text string) Kind {
	for _, re := range []*regexp.Regexp{reUseNot, reInsteadOf, reReplace} {
		if m := re.FindStringSubmatch(text); m != nil {
			newC, oldC := cleanConstruct(m[1]), cleanConstruct(m[2])
			if re == reReplace {
				// "replace OLD with NEW" binds the other way around
				oldC, newC = newC, oldC
			}
			if oldC != "" && newC != "" && oldC != newC {
				return Kind{Type: KindBannedConstruct, Old: oldC, New: newC}
			}
		}
	}
	if m := reAvoid.FindStringSubmatch(text); m != nil {
		if c := cleanConstruct(m[1]); c != "" {
			return Kind{Type: KindBannedConstruct, Old: c}
		}
	}
	for _, re := range []*regexp.Regexp{reMustHave, reRequire} {
		if m := re.FindStringSubmatch(text); m != nil {
			if c := cleanConstruct(m[1]); c != "" && !isStopWord(c) {
				return Kind{Type: KindRequiredConstruct, Pattern: c}
			}
		}
	}
	return Kind{Type: KindFreeTextAdvisory}
}

// cleanConstruct trims punctuation that the regexes may have dragged along.
func cleanConstruct(s string) string {
	return strings.Trim(s, ".,;:()\"'`")
}

// isStopWord filters captures that are English filler, not code constructs.
func isStopWord(s string) bool {
	switch strings.ToLower(s) {
	case "the", "a", "an", "that", "this", "it", "them", "using":
		return true
	}
	return false
}
