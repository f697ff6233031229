package kanshi

import "context"

// VerdictSink receives every verdict batch the pipeline produces, after the
// built-in storage sink. Sinks are called concurrently with bounded retries;
// a sink that keeps failing has its batch dropped and counted, never blocking
// evaluation. Implementations must be safe for concurrent use.
type VerdictSink interface {
	OnVerdicts(ctx context.Context, verdicts []Verdict) error
}

// DriftSink receives every sealed drift window.
type DriftSink interface {
	OnDrift(ctx context.Context, alert DriftAlert) error
}

// TransitionSink receives every circuit breaker transition. This is the
// integration point for paging and traffic enforcement: the breaker itself
// is advisory and never blocks traffic.
type TransitionSink interface {
	OnTransition(ctx context.Context, tr Transition) error
}

// RuleSource supplies versioned rule sets when the built-in database-backed
// source is not wanted. When provided via WithRuleSource it replaces the
// storage-backed source for the rule cache; the cache still refreshes on its
// configured interval and keeps the last good snapshot on failure.
type RuleSource interface {
	FetchRuleSets(ctx context.Context) ([]RuleSet, error)
}

// SemanticChecker scores a response against a natural-language rule using a
// model-graded check. This interface reserves the extension point; predicate
// evaluation is deterministic today and no call sites invoke it yet.
type SemanticChecker interface {
	Check(ctx context.Context, ruleName, prompt, response string) (passed bool, diagnostic string, err error)
}
