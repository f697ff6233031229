package kanshi

import (
	"time"

	"github.com/google/uuid"
)

// Metadata carries optional operational metadata captured with an interaction.
type Metadata struct {
	Model            string         `json:"model,omitempty"`
	PromptTokens     int            `json:"prompt_tokens,omitempty"`
	CompletionTokens int            `json:"completion_tokens,omitempty"`
	LatencyMs        int64          `json:"latency_ms,omitempty"`
	CostUSD          float64        `json:"cost_usd,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// Interaction is one captured model interaction to submit for evaluation.
// ID and Timestamp may be left zero; the server assigns them.
type Interaction struct {
	ID        uuid.UUID `json:"id"`
	AppID     string    `json:"app_id"`
	Timestamp time.Time `json:"timestamp"`
	Prompt    string    `json:"prompt"`
	Response  string    `json:"response"`
	Metadata  Metadata  `json:"metadata"`
}

// IngestResult reports the outcome of a submission. Status is "accepted" when
// the interaction entered the full evaluation queue and "shed" when load
// shedding reduced it to critical-only evaluation.
type IngestResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// Verdict is the outcome of evaluating one rule against one interaction.
type Verdict struct {
	InteractionID uuid.UUID `json:"interaction_id"`
	AppID         string    `json:"app_id"`
	RuleID        string    `json:"rule_id"`
	RuleVersion   int64     `json:"rule_version"`
	Status        string    `json:"status"`
	Severity      string    `json:"severity"`
	Diagnostic    string    `json:"diagnostic,omitempty"`
	EvaluatedAt   time.Time `json:"evaluated_at"`
}

// DriftScore is a z-score computed for one sealed drift window against the
// application's baseline.
type DriftScore struct {
	WindowID   uuid.UUID `json:"window_id"`
	AppID      string    `json:"app_id"`
	Metric     string    `json:"metric"`
	Score      float64   `json:"score"`
	Threshold  float64   `json:"threshold"`
	IsDrifted  bool      `json:"is_drifted"`
	ComputedAt time.Time `json:"computed_at"`
}

// Transition is one circuit breaker state change.
type Transition struct {
	ID          uuid.UUID `json:"id"`
	AppID       string    `json:"app_id"`
	FromState   string    `json:"from_state"`
	ToState     string    `json:"to_state"`
	Reason      string    `json:"reason"`
	Recommended string    `json:"recommended_action"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// BreakerState is the current breaker position for one application, with the
// traffic recommendation callers should apply.
type BreakerState struct {
	AppID            string    `json:"app_id"`
	State            string    `json:"state"`
	Recommended      string    `json:"recommended_action"`
	FailureCount     int       `json:"failure_count"`
	OpenedAt         time.Time `json:"opened_at,omitzero"`
	CooldownUntil    time.Time `json:"cooldown_until,omitzero"`
	LastTransitionAt time.Time `json:"last_transition_at,omitzero"`
}

// Health is the server's health report.
type Health struct {
	Status           string  `json:"status"`
	Version          string  `json:"version"`
	Store            string  `json:"store"`
	RuleStalenessSec float64 `json:"rule_staleness_seconds"`
	QueueDepth       int     `json:"queue_depth"`
	ShedTotal        int64   `json:"shed_total"`
	DispatchDropped  int64   `json:"dispatch_dropped_total"`
	Uptime           int64   `json:"uptime_seconds"`
}

// Event is one Server-Sent Event from the live stream. Type is the channel
// the event arrived on ("kanshi_transitions" or "kanshi_drift") and Data is
// the raw JSON payload.
type Event struct {
	Type string
	Data []byte
}
