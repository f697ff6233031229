package model

import (
	"time"

	"github.com/google/uuid"
)

// VerdictStatus is the outcome of evaluating one rule against one interaction.
type VerdictStatus string

const (
	VerdictPassed VerdictStatus = "passed"
	VerdictFailed VerdictStatus = "failed"
	// VerdictError means the rule itself could not be evaluated (malformed
	// predicate, bad regex). The failure is isolated to the rule; sibling
	// rules still run.
	VerdictError VerdictStatus = "error"
)

// ValidationVerdict is the immutable outcome of one (interaction, rule) pair.
// Verdicts are deduplicated on (interaction_id, rule_id, rule_version) so
// at-least-once delivery of interactions stays idempotent.
type ValidationVerdict struct {
	InteractionID uuid.UUID     `json:"interaction_id"`
	AppID         string        `json:"app_id"`
	RuleID        string        `json:"rule_id"`
	RuleVersion   int64         `json:"rule_version"`
	Status        VerdictStatus `json:"status"`
	Severity      Severity      `json:"severity"`
	Diagnostic    string        `json:"diagnostic,omitempty"`
	EvaluatedAt   time.Time     `json:"evaluated_at"`
}

// Passed reports whether the verdict is a clean pass.
func (v ValidationVerdict) Passed() bool {
	return v.Status == VerdictPassed
}

// Failed reports whether the rule's predicate was violated. Error verdicts
// are not failures — they count against rule health, not app quality.
func (v ValidationVerdict) Failed() bool {
	return v.Status == VerdictFailed
}

// RequiresAction reports whether the verdict should page someone:
// a failed check at critical or high severity.
func (v ValidationVerdict) RequiresAction() bool {
	return v.Status == VerdictFailed && (v.Severity == SeverityCritical || v.Severity == SeverityHigh)
}
