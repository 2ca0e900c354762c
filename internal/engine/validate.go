package engine

import (
	"context"

	"rulesmith/internal/logging"
	"rulesmith/internal/rule"
	"rulesmith/internal/validator"
)

// ValidationResult wraps the validator's report with whether learned rules
// took part. When the store cannot be read the artifact is still checked
// against the static policy set, but RulesApplied is false so the caller
// knows the learned layer was skipped.
type ValidationResult struct {
	*validator.Report
	RulesApplied bool `json:"rules_applied"`
}

// Validate runs the full check-and-fix pass for an artifact in a request
// context, using the cached rule snapshot for the partition.
func (e *Engine) Validate(ctx context.Context, artifact string, rc rule.RequestContext) (*ValidationResult, error) {
	timer := logging.StartTimer(logging.CategoryEngine, "Engine.Validate")
	defer timer.Stop()

	snap, err := e.snapshot(ctx, rc)
	if err != nil {
		logging.Get(logging.CategoryEngine).Warn("Snapshot unavailable, validating with static checks only: %v", err)
		return &ValidationResult{
			Report:       e.validator.Validate(artifact, nil),
			RulesApplied: false,
		}, nil
	}

	return &ValidationResult{
		Report:       e.validator.Validate(artifact, snap.Checks),
		RulesApplied: true,
	}, nil
}
