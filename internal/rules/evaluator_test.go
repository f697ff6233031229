package rules_test

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/rules"
)

var evalTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func interaction(response string, meta model.InteractionMetadata) model.CapturedInteraction {
	return model.CapturedInteraction{
		ID:        uuid.New(),
		AppID:     "checkout-bot",
		Timestamp: evalTime,
		Prompt:    "What is the refund policy?",
		Response:  response,
		Metadata:  meta,
	}
}

// checkoutRules mirrors the canonical example rule set:
// max_length<=500 chars, no_pii regex, cost<=0.02.
func checkoutRules(failFast bool) model.RuleSet {
	return model.RuleSet{
		AppID:    "checkout-bot",
		FailFast: failFast,
		Rules: []model.InvariantRule{
			{
				ID: "max_length", AppID: "checkout-bot", Severity: model.SeverityMedium,
				Category: model.CategoryPerformance, Enabled: true, Version: 3,
				Predicate: model.Predicate{
					Kind: model.PredicateThreshold, Signal: model.SignalResponseChars,
					Op: model.OpLTE, Bound: 500,
				},
			},
			{
				ID: "no_pii", AppID: "checkout-bot", Severity: model.SeverityCritical,
				Category: model.CategorySafety, Enabled: true, Version: 7,
				Predicate: model.Predicate{
					Kind: model.PredicateDeterministic, Check: model.CheckRegexNotMatch,
					Target: model.TargetResponse, Value: `\b\d{3}-\d{2}-\d{4}\b`,
				},
			},
			{
				ID: "cost_ceiling", AppID: "checkout-bot", Severity: model.SeverityHigh,
				Category: model.CategoryPerformance, Enabled: true, Version: 1,
				Predicate: model.Predicate{
					Kind: model.PredicateThreshold, Signal: model.SignalCostUSD,
					Op: model.OpLTE, Bound: 0.02,
				},
			},
		},
	}
}

func TestEvaluateYieldsOneVerdictPerRule(t *testing.T) {
	in := interaction("short and clean", model.InteractionMetadata{CostUSD: 0.01})
	verdicts := rules.Evaluate(in, checkoutRules(false), evalTime)

	require.Len(t, verdicts, 3)
	for _, v := range verdicts {
		assert.Equal(t, model.VerdictPassed, v.Status)
		assert.Equal(t, in.ID, v.InteractionID)
		assert.Equal(t, evalTime, v.EvaluatedAt)
	}
}

func TestEvaluateCheckoutBotScenario(t *testing.T) {
	// Response length 600 -> fail(max_length), pass(no_pii), pass(cost).
	in := interaction(strings.Repeat("a", 600), model.InteractionMetadata{CostUSD: 0.015})
	verdicts := rules.Evaluate(in, checkoutRules(false), evalTime)

	require.Len(t, verdicts, 3)
	assert.Equal(t, "max_length", verdicts[0].RuleID)
	assert.Equal(t, model.VerdictFailed, verdicts[0].Status)
	assert.Contains(t, verdicts[0].Diagnostic, "response_chars")

	assert.Equal(t, "no_pii", verdicts[1].RuleID)
	assert.Equal(t, model.VerdictPassed, verdicts[1].Status)

	assert.Equal(t, "cost_ceiling", verdicts[2].RuleID)
	assert.Equal(t, model.VerdictPassed, verdicts[2].Status)
}

func TestEvaluateFailFastStopsAtFirstFailure(t *testing.T) {
	in := interaction(strings.Repeat("a", 600), model.InteractionMetadata{CostUSD: 0.5})
	verdicts := rules.Evaluate(in, checkoutRules(true), evalTime)

	// max_length fails first; no_pii and cost_ceiling never run.
	require.Len(t, verdicts, 1)
	assert.Equal(t, "max_length", verdicts[0].RuleID)
	assert.Equal(t, model.VerdictFailed, verdicts[0].Status)

	// Deterministic: the same input always stops at the same rule.
	again := rules.Evaluate(in, checkoutRules(true), evalTime)
	require.Len(t, again, 1)
	assert.Equal(t, verdicts[0].RuleID, again[0].RuleID)
}

func TestEvaluateFailFastAllPassing(t *testing.T) {
	in := interaction("fine", model.InteractionMetadata{CostUSD: 0.001})
	verdicts := rules.Evaluate(in, checkoutRules(true), evalTime)
	assert.Len(t, verdicts, 3, "fail_fast with no failures evaluates everything")
}

func TestEvaluateVerdictsPinRuleVersion(t *testing.T) {
	in := interaction("fine", model.InteractionMetadata{})
	verdicts := rules.Evaluate(in, checkoutRules(false), evalTime)

	require.Len(t, verdicts, 3)
	assert.Equal(t, int64(3), verdicts[0].RuleVersion)
	assert.Equal(t, int64(7), verdicts[1].RuleVersion)
	assert.Equal(t, int64(1), verdicts[2].RuleVersion)
}

func TestEvaluateIdempotentOutcomes(t *testing.T) {
	in := interaction(strings.Repeat("x", 501), model.InteractionMetadata{CostUSD: 0.03})
	first := rules.Evaluate(in, checkoutRules(false), evalTime)
	second := rules.Evaluate(in, checkoutRules(false), evalTime.Add(time.Hour))

	require.Len(t, second, len(first))
	for i := range first {
		assert.Equal(t, first[i].Status, second[i].Status, "rule %s", first[i].RuleID)
	}
}

func TestEvaluateBadRegexIsolatedToRule(t *testing.T) {
	rs := checkoutRules(false)
	rs.Rules[1].Predicate.Value = `[unclosed` // malformed pattern

	in := interaction("fine", model.InteractionMetadata{})
	verdicts := rules.Evaluate(in, rs, evalTime)

	require.Len(t, verdicts, 3)
	assert.Equal(t, model.VerdictPassed, verdicts[0].Status)
	assert.Equal(t, model.VerdictError, verdicts[1].Status)
	assert.NotEmpty(t, verdicts[1].Diagnostic)
	assert.Equal(t, model.VerdictPassed, verdicts[2].Status, "sibling rules unaffected by rule error")
}

func TestEvaluateErrorDoesNotTriggerFailFastStop(t *testing.T) {
	rs := checkoutRules(true)
	rs.Rules[0].Predicate.Signal = model.Signal("bogus") // evaluation error, not failure

	in := interaction("fine", model.InteractionMetadata{})
	verdicts := rules.Evaluate(in, rs, evalTime)

	require.Len(t, verdicts, 3)
	assert.Equal(t, model.VerdictError, verdicts[0].Status)
}

func TestEvaluateSkipsDisabledRules(t *testing.T) {
	rs := checkoutRules(false)
	rs.Rules[0].Enabled = false

	in := interaction("fine", model.InteractionMetadata{})
	verdicts := rules.Evaluate(in, rs, evalTime)
	require.Len(t, verdicts, 2)
	assert.Equal(t, "no_pii", verdicts[0].RuleID)
}

func TestEvaluateCompositePredicates(t *testing.T) {
	rs := model.RuleSet{
		AppID: "checkout-bot",
		Rules: []model.InvariantRule{{
			ID: "cheap_or_short", Enabled: true, Severity: model.SeverityLow,
			Predicate: model.Predicate{
				Kind: model.PredicateComposite,
				Any: []model.Predicate{
					{Kind: model.PredicateThreshold, Signal: model.SignalCostUSD, Op: model.OpLTE, Bound: 0.01},
					{Kind: model.PredicateThreshold, Signal: model.SignalResponseChars, Op: model.OpLTE, Bound: 100},
				},
			},
		}},
	}

	cheap := interaction(strings.Repeat("a", 5000), model.InteractionMetadata{CostUSD: 0.001})
	require.Equal(t, model.VerdictPassed, rules.Evaluate(cheap, rs, evalTime)[0].Status)

	expensive := interaction(strings.Repeat("a", 5000), model.InteractionMetadata{CostUSD: 0.5})
	v := rules.Evaluate(expensive, rs, evalTime)[0]
	assert.Equal(t, model.VerdictFailed, v.Status)
	assert.Contains(t, v.Diagnostic, "no alternative satisfied")
}

func TestCriticalOnly(t *testing.T) {
	in := interaction("SSN is 123-45-6789", model.InteractionMetadata{CostUSD: 9.0})
	verdicts := rules.CriticalOnly(in, checkoutRules(false), evalTime)

	// Only no_pii is critical; it fails on the embedded SSN.
	require.Len(t, verdicts, 1)
	assert.Equal(t, "no_pii", verdicts[0].RuleID)
	assert.Equal(t, model.VerdictFailed, verdicts[0].Status)
}
