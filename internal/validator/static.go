package validator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// Static policy checks enforce invariants that hold regardless of what has
// been learned. Safety-class failures with no available fix are blocking.

var (
	reLoopFunc       = regexp.MustCompile(`void\s+loop\s*\(\s*\)\s*\{`)
	reBlockingDelay  = regexp.MustCompile(`(?m)^\s*delay\s*\(\s*\d+\s*\)\s*;`)
	reTimeoutGuard   = regexp.MustCompile(`millis\s*\(\s*\)[^;\n]*>\s*\w*TIMEOUT`)
	reTimeoutDefine  = regexp.MustCompile(`#define\s+SAFETY_TIMEOUT\s+(\d+)`)
	reActuatorWrite  = regexp.MustCompile(`ledcWrite|analogWrite|motor|servo|Servo`)
	reStaticMillisAt = regexp.MustCompile(`static\s+unsigned\s+long\s+(\w+)\s*=\s*millis\(\);`)
	reLongComparison = regexp.MustCompile(`>\s*(\d+)`)
)

// maxSafetyTimeoutMs caps how long an actuator may run without a command
// before the cutoff engages.
const maxSafetyTimeoutMs = 5000

func runStaticChecks(artifact string) []finding {
	var findings []finding
	if f := checkBlockingDelayInLoop(artifact); f != nil {
		findings = append(findings, *f)
	}
	if f := checkSafetyCutoff(artifact); f != nil {
		findings = append(findings, *f)
	}
	if f := checkSafetyTimeoutValue(artifact); f != nil {
		findings = append(findings, *f)
	}
	if f := checkStaticMillisInit(artifact); f != nil {
		findings = append(findings, *f)
	}
	return findings
}

// checkBlockingDelayInLoop flags an unconditional blocking delay inside the
// control loop. There is no mechanical fix: restructuring around millis()
// needs intent the validator does not have, so this one blocks.
func checkBlockingDelayInLoop(artifact string) *finding {
	body := loopBody(artifact)
	if body == "" {
		return nil
	}
	if !reBlockingDelay.MatchString(body) {
		return nil
	}
	return &finding{issue: Issue{
		Kind:     "blocking-delay-in-loop",
		Severity: SeverityBlocking,
		Message:  "control loop contains an unconditional blocking delay(); safety checks cannot run while it sleeps",
	}}
}

// checkSafetyCutoff requires actuator code to disarm itself when commands
// stop arriving. The fix injects a timeout guard at the top of the control
// loop; without a loop to anchor on the finding blocks instead.
func checkSafetyCutoff(artifact string) *finding {
	if !reActuatorWrite.MatchString(artifact) {
		return nil
	}
	if hasSafetyTimeout(artifact) {
		return nil
	}

	f := &finding{issue: Issue{
		Kind:     "missing-safety-cutoff",
		Severity: SeverityBlocking,
		Message:  "actuator code has no safety cutoff; motors keep running if the command stream dies",
	}}
	if reLoopFunc.MatchString(artifact) {
		f.issue.AutoFixable = true
		f.fix = injectSafetyCutoff
	}
	return f
}

func hasSafetyTimeout(artifact string) bool {
	if !strings.Contains(artifact, "millis()") {
		return false
	}
	if reTimeoutGuard.MatchString(artifact) {
		return true
	}
	// Any comparison against a period longer than half a second counts as a
	// cutoff in disguise.
	for _, m := range reLongComparison.FindAllStringSubmatch(artifact, -1) {
		if v, err := strconv.Atoi(m[1]); err == nil && v > 500 {
			return true
		}
	}
	return false
}

func injectSafetyCutoff(artifact string) string {
	guard := "  if (millis() - lastCommand > SAFETY_TIMEOUT) {\n" +
		"    // safety cutoff: stop all outputs\n" +
		"    ledcWrite(0, 0);\n" +
		"    ledcWrite(1, 0);\n" +
		"  }\n"
	// Reuse declarations the artifact already carries; redefining
	// SAFETY_TIMEOUT would not compile.
	var header string
	if !reTimeoutDefine.MatchString(artifact) {
		header = fmt.Sprintf("#define SAFETY_TIMEOUT %d\n", maxSafetyTimeoutMs)
	}
	if !strings.Contains(artifact, "lastCommand") {
		header += "unsigned long lastCommand = 0;\n"
	}
	return header + reLoopFunc.ReplaceAllString(artifact, "void loop() {\n"+guard)
}

// checkSafetyTimeoutValue rejects cutoffs configured slower than the cap.
func checkSafetyTimeoutValue(artifact string) *finding {
	m := reTimeoutDefine.FindStringSubmatch(artifact)
	if m == nil {
		return nil
	}
	v, err := strconv.Atoi(m[1])
	if err != nil || v <= maxSafetyTimeoutMs {
		return nil
	}
	return &finding{
		issue: Issue{
			Kind:        "safety-timeout-too-long",
			Severity:    SeverityAdvisory,
			Message:     fmt.Sprintf("safety timeout %dms exceeds the %dms maximum", v, maxSafetyTimeoutMs),
			AutoFixable: true,
		},
		fix: func(a string) string {
			return reTimeoutDefine.ReplaceAllString(a,
				fmt.Sprintf("#define SAFETY_TIMEOUT %d", maxSafetyTimeoutMs))
		},
	}
}

// checkStaticMillisInit catches the timer-that-never-resets pattern: a
// static timestamp seeded with millis() at first entry.
func checkStaticMillisInit(artifact string) *finding {
	m := reStaticMillisAt.FindStringSubmatch(artifact)
	if m == nil {
		return nil
	}
	matched, name := m[0], m[1]
	return &finding{
		issue: Issue{
			Kind:        "static-timer-millis-init",
			Severity:    SeverityAdvisory,
			Message:     fmt.Sprintf("static timer %q initialized with millis() can never reset; initialize to 0", name),
			AutoFixable: true,
		},
		fix: func(a string) string {
			return strings.Replace(a, matched, fmt.Sprintf("static unsigned long %s = 0;", name), 1)
		},
	}
}

// loopBody returns the brace-balanced body of void loop(), or empty when the
// artifact has no control loop.
func loopBody(artifact string) string {
	loc := reLoopFunc.FindStringIndex(artifact)
	if loc == nil {
		return ""
	}
	depth := 1
	start := loc[1]
	for i := start; i < len(artifact); i++ {
		switch artifact[i] {
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return artifact[start:i]
			}
		}
	}
	return artifact[start:]
}
