package model

import "fmt"

// Severity classifies how serious a rule failure is.
// Critical failures feed the circuit breaker's consecutive-failure trigger
// and are evaluated even when the pipeline is shedding load.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
	SeverityInfo     Severity = "info"
)

// SeverityWeight returns the weight of a severity for the severity-weighted
// failure signal. Unknown severities weigh the same as info.
func SeverityWeight(s Severity) float64 {
	switch s {
	case SeverityCritical:
		return 8
	case SeverityHigh:
		return 4
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0.5
	}
}

// Category groups rules by the concern they protect.
type Category string

const (
	CategorySafety      Category = "safety"
	CategoryFactuality  Category = "factuality"
	CategoryCompliance  Category = "compliance"
	CategoryPerformance Category = "performance"
	CategoryConsistency Category = "consistency"
	CategoryCustom      Category = "custom"
)

// PredicateKind is the variant tag of a predicate tree node.
type PredicateKind string

const (
	PredicateDeterministic PredicateKind = "deterministic"
	PredicateThreshold     PredicateKind = "threshold"
	PredicateComposite     PredicateKind = "composite"
)

// CheckOp is a deterministic text check applied to a prompt or response.
type CheckOp string

const (
	CheckContains      CheckOp = "contains"
	CheckNotContains   CheckOp = "not_contains"
	CheckRegexMatch    CheckOp = "regex_match"
	CheckRegexNotMatch CheckOp = "regex_not_match"
)

// Target selects which side of the interaction a deterministic check reads.
type Target string

const (
	TargetPrompt   Target = "prompt"
	TargetResponse Target = "response"
)

// Signal is a numeric value derived from an interaction for threshold checks.
type Signal string

const (
	SignalCostUSD          Signal = "cost_usd"
	SignalLatencyMs        Signal = "latency_ms"
	SignalResponseChars    Signal = "response_chars"
	SignalPromptTokens     Signal = "prompt_tokens"
	SignalCompletionTokens Signal = "completion_tokens"
)

// ThresholdOp compares a signal against a bound.
type ThresholdOp string

const (
	OpLTE ThresholdOp = "lte"
	OpLT  ThresholdOp = "lt"
	OpGTE ThresholdOp = "gte"
	OpGT  ThresholdOp = "gt"
)

// Predicate is one node of a rule's predicate tree. Exactly one variant is
// populated, selected by Kind:
//
//   - deterministic: Check + Target + Value
//   - threshold:     Signal + Op + Bound
//   - composite:     All (AND) or Any (OR) over child predicates
//
// The tree is data, not code — rules arrive from the configuration
// collaborator as JSON and are evaluated by internal/rules.
type Predicate struct {
	Kind PredicateKind `json:"kind"`

	// Deterministic variant.
	Check  CheckOp `json:"check,omitempty"`
	Target Target  `json:"target,omitempty"`
	Value  string  `json:"value,omitempty"`

	// Threshold variant.
	Signal Signal      `json:"signal,omitempty"`
	Op     ThresholdOp `json:"op,omitempty"`
	Bound  float64     `json:"bound,omitempty"`

	// Composite variant. At most one of All/Any is non-empty.
	All []Predicate `json:"all,omitempty"`
	Any []Predicate `json:"any,omitempty"`
}

// InvariantRule is one declarative quality rule for an application.
// Rules are owned by the configuration collaborator; the evaluator caches
// them in immutable snapshots and never mutates them.
type InvariantRule struct {
	ID        string    `json:"id"`
	AppID     string    `json:"app_id"`
	Name      string    `json:"name"`
	Category  Category  `json:"category"`
	Severity  Severity  `json:"severity"`
	Enabled   bool      `json:"enabled"`
	Version   int64     `json:"version"`
	Predicate Predicate `json:"predicate"`
}

// RuleSet is the ordered, enabled rule set for one application.
// When FailFast is set, evaluation stops at the first failing rule.
type RuleSet struct {
	AppID    string          `json:"app_id"`
	FailFast bool            `json:"fail_fast"`
	Rules    []InvariantRule `json:"rules"`
}

// ValidateRule checks that a rule's predicate tree is structurally sound.
// A rule that fails validation is still evaluable — it produces error-kind
// verdicts — but sources should reject it at authoring time.
func ValidateRule(r InvariantRule) error {
	if r.ID == "" {
		return fmt.Errorf("rule id is required")
	}
	if r.AppID == "" {
		return fmt.Errorf("rule app_id is required")
	}
	return validatePredicate(r.Predicate, 0)
}

// maxPredicateDepth bounds composite nesting so a hostile rule definition
// cannot trigger deep recursion during evaluation.
const maxPredicateDepth = 16

func validatePredicate(p Predicate, depth int) error {
	if depth > maxPredicateDepth {
		return fmt.Errorf("predicate tree exceeds maximum depth %d", maxPredicateDepth)
	}
	switch p.Kind {
	case PredicateDeterministic:
		switch p.Check {
		case CheckContains, CheckNotContains, CheckRegexMatch, CheckRegexNotMatch:
		default:
			return fmt.Errorf("unknown deterministic check %q", p.Check)
		}
		if p.Target != TargetPrompt && p.Target != TargetResponse {
			return fmt.Errorf("unknown check target %q", p.Target)
		}
	case PredicateThreshold:
		switch p.Signal {
		case SignalCostUSD, SignalLatencyMs, SignalResponseChars, SignalPromptTokens, SignalCompletionTokens:
		default:
			return fmt.Errorf("unknown threshold signal %q", p.Signal)
		}
		switch p.Op {
		case OpLTE, OpLT, OpGTE, OpGT:
		default:
			return fmt.Errorf("unknown threshold op %q", p.Op)
		}
	case PredicateComposite:
		if len(p.All) > 0 && len(p.Any) > 0 {
			return fmt.Errorf("composite predicate sets both all and any")
		}
		if len(p.All) == 0 && len(p.Any) == 0 {
			return fmt.Errorf("composite predicate has no children")
		}
		for i, child := range append(p.All, p.Any...) {
			if err := validatePredicate(child, depth+1); err != nil {
				return fmt.Errorf("child %d: %w", i, err)
			}
		}
	default:
		return fmt.Errorf("unknown predicate kind %q", p.Kind)
	}
	return nil
}
