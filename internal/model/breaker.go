package model

import (
	"time"

	"github.com/google/uuid"
)

// BreakerState is the circuit breaker state for one application.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// Action is the traffic recommendation the breaker publishes. The breaker is
// advisory: evaluation never stops, but external enforcement points must
// honor the recommendation.
type Action string

const (
	ActionAllow   Action = "allow"
	ActionDegrade Action = "degrade"
	ActionBlock   Action = "block"
)

// Machine-readable transition reasons. Every transition carries one; a
// transition with an empty reason is a bug.
const (
	ReasonFailureRateExceeded = "failure_rate_exceeded"
	ReasonCriticalConsecutive = "critical_rule_consecutive_failures"
	ReasonDriftThreshold      = "drift_threshold_breached"
	ReasonCooldownElapsed     = "cooldown_elapsed"
	ReasonProbeSuccess        = "probe_success"
	ReasonProbeFailure        = "probe_failure"
	ReasonStateRestored       = "state_restored"
)

// CircuitBreakerState is the persisted per-application breaker state.
// Mutated only through recorded transitions by the breaker controller,
// single-writer per application. Persisted so a restart resumes where the
// previous process left off.
type CircuitBreakerState struct {
	AppID            string       `json:"app_id"`
	State            BreakerState `json:"state"`
	FailureCount     int          `json:"failure_count"`
	OpenedAt         time.Time    `json:"opened_at,omitzero"`
	CooldownUntil    time.Time    `json:"cooldown_until,omitzero"`
	LastTransitionAt time.Time    `json:"last_transition_at,omitzero"`
}

// BreakerTransition is the event recorded on every breaker state change.
// Emitted regardless of whether persisting it succeeds.
type BreakerTransition struct {
	ID          uuid.UUID    `json:"id"`
	AppID       string       `json:"app_id"`
	FromState   BreakerState `json:"from_state"`
	ToState     BreakerState `json:"to_state"`
	Reason      string       `json:"reason"`
	Recommended Action       `json:"recommended_action"`
	OccurredAt  time.Time    `json:"occurred_at"`
}

// ValidTransition reports whether a from→to edge is one of the legal
// breaker transitions: closed→open, open→half_open, half_open→{closed, open}.
func ValidTransition(from, to BreakerState) bool {
	switch from {
	case BreakerClosed:
		return to == BreakerOpen
	case BreakerOpen:
		return to == BreakerHalfOpen
	case BreakerHalfOpen:
		return to == BreakerClosed || to == BreakerOpen
	default:
		return false
	}
}
