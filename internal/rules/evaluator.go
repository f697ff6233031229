// Package rules evaluates invariant rule sets against captured interactions.
//
// A rule's predicate is a tagged-variant expression tree (deterministic text
// checks, numeric thresholds, AND/OR composites) evaluated by a visitor —
// never by runtime type inspection. Evaluation is pure: the only output is
// the verdict slice.
package rules

import (
	"time"

	"github.com/ashita-ai/kanshi/internal/model"
)

// Evaluate runs the ordered rule set against one interaction and returns one
// verdict per rule evaluated.
//
// Without fail_fast the result has exactly len(rs.Rules) verdicts. With
// fail_fast, evaluation stops after the first failed verdict, so the result
// is a deterministic prefix of the full verdict sequence for a fixed rule
// order. A rule whose evaluation errors yields an error-kind verdict and
// does not stop fail_fast evaluation — only a real predicate failure does.
func Evaluate(in model.CapturedInteraction, rs model.RuleSet, now time.Time) []model.ValidationVerdict {
	verdicts := make([]model.ValidationVerdict, 0, len(rs.Rules))

	for _, rule := range rs.Rules {
		if !rule.Enabled {
			continue
		}
		v := evaluateRule(in, rule, now)
		verdicts = append(verdicts, v)

		if rs.FailFast && v.Status == model.VerdictFailed {
			break
		}
	}
	return verdicts
}

// CriticalOnly evaluates just the critical-severity rules of the set.
// Used by the orchestrator when shedding load: sampled-out interactions
// still get their correctness-critical checks.
func CriticalOnly(in model.CapturedInteraction, rs model.RuleSet, now time.Time) []model.ValidationVerdict {
	var verdicts []model.ValidationVerdict
	for _, rule := range rs.Rules {
		if !rule.Enabled || rule.Severity != model.SeverityCritical {
			continue
		}
		verdicts = append(verdicts, evaluateRule(in, rule, now))
	}
	return verdicts
}

func evaluateRule(in model.CapturedInteraction, rule model.InvariantRule, now time.Time) model.ValidationVerdict {
	v := model.ValidationVerdict{
		InteractionID: in.ID,
		AppID:         in.AppID,
		RuleID:        rule.ID,
		RuleVersion:   rule.Version,
		Severity:      rule.Severity,
		EvaluatedAt:   now,
	}

	passed, diag, err := evalPredicate(rule.Predicate, in)
	switch {
	case err != nil:
		v.Status = model.VerdictError
		v.Diagnostic = err.Error()
	case passed:
		v.Status = model.VerdictPassed
	default:
		v.Status = model.VerdictFailed
		v.Diagnostic = diag
	}
	return v
}
