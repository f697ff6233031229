package kanshi

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Interaction is one production LLM call submitted for evaluation.
// It is a curated view of the internal interaction type for use by embedding
// consumers and extension interfaces. No internal package imports — safe to
// use from outside the module.
type Interaction struct {
	ID        uuid.UUID
	AppID     string
	Timestamp time.Time
	Prompt    string
	Response  string

	// Call metadata. Zero values mean the field was not captured.
	Model            string
	PromptTokens     int
	CompletionTokens int
	LatencyMs        int64
	CostUSD          float64
	Extra            map[string]any
}

// Verdict is the outcome of evaluating one rule against one interaction.
type Verdict struct {
	InteractionID uuid.UUID
	AppID         string
	RuleID        string
	RuleVersion   int64
	Status        string // passed | failed | error
	Severity      string // critical | high | medium | low | info
	Diagnostic    string
	EvaluatedAt   time.Time
}

// DriftAlert is one sealed drift window with its score, delivered to drift
// sinks. Score is nil when the window had too few samples or the baseline
// was not yet established.
type DriftAlert struct {
	AppID       string
	Metric      string
	WindowStart time.Time
	WindowEnd   time.Time
	Count       int64
	Mean        float64
	Variance    float64

	Score     *float64
	Threshold float64
	Drifted   bool
}

// Transition is one circuit breaker state change.
type Transition struct {
	ID                uuid.UUID
	AppID             string
	FromState         string
	ToState           string
	Reason            string
	RecommendedAction string // allow | degrade | block
	OccurredAt        time.Time
}

// BreakerStatus is the current breaker state and traffic recommendation for
// one application.
type BreakerStatus struct {
	AppID             string
	State             string // closed | open | half_open
	RecommendedAction string
	FailureCount      int
	OpenedAt          time.Time
	CooldownUntil     time.Time
	LastTransitionAt  time.Time
}

// Rule is one declarative quality rule. Predicate carries the JSON predicate
// tree in the documented wire format; it is parsed and validated when the
// rule set is loaded.
type Rule struct {
	ID        string
	AppID     string
	Name      string
	Category  string // safety | factuality | compliance | performance | consistency | custom
	Severity  string
	Enabled   bool
	Version   int64
	Predicate json.RawMessage
}

// RuleSet is the ordered rule set for one application.
type RuleSet struct {
	AppID    string
	FailFast bool
	Rules    []Rule
}
