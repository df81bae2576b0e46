// Package rules stores alert rule definitions and serves the detector a
// cached snapshot of the active set. Rules are immutable after creation
// except for the Active flag; deactivation is the only delete.
package rules

import (
	"context"

	"github.com/google/uuid"

	"github.com/paysentinel/backend/internal/core"
)

// Store is the rule persistence contract.
type Store interface {
	// Create validates and persists a rule. A missing RuleID is assigned.
	Create(ctx context.Context, r *core.Rule) error

	// Get fetches one rule, nil when absent.
	Get(ctx context.Context, ruleID string) (*core.Rule, error)

	// List returns all rules, newest first. Inactive rules are included
	// only when includeInactive is set.
	List(ctx context.Context, includeInactive bool) ([]core.Rule, error)

	// SetActive flips the Active flag. Returns ErrValidation for unknown IDs.
	SetActive(ctx context.Context, ruleID string, active bool) error

	Close() error
}

// Validate checks rule fields against the closed vocabularies and assigns a
// RuleID when missing. Shared by every Store implementation.
func Validate(r *core.Rule) error {
	if r.RuleID == "" {
		r.RuleID = uuid.NewString()
	}
	if !r.Metric.Valid() {
		return core.Invalidf("metric_type", "unknown metric %q", r.Metric)
	}
	if !r.Operator.Valid() {
		return core.Invalidf("operator", "unknown operator %q", r.Operator)
	}
	if !r.Severity.Valid() {
		return core.Invalidf("severity", "unknown severity %q", r.Severity)
	}
	if r.Metric.Rate() && (r.Threshold < 0 || r.Threshold > 1) {
		return core.Invalidf("threshold", "rate threshold %v outside [0,1]", r.Threshold)
	}
	if !r.Metric.Rate() && r.Threshold < 0 {
		return core.Invalidf("threshold", "volume threshold must be non-negative")
	}
	if r.MinTransactions < 0 {
		return core.Invalidf("min_transactions", "must be non-negative")
	}
	if (r.StartHour == nil) != (r.EndHour == nil) {
		return core.Invalidf("start_hour", "start_hour and end_hour must be set together")
	}
	if r.TimeBounded() {
		if *r.StartHour < 0 || *r.StartHour > 23 || *r.EndHour < 0 || *r.EndHour > 23 {
			return core.Invalidf("start_hour", "hours must be in [0,23]")
		}
	}
	return nil
}
