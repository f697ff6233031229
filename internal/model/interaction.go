package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for captured interactions. These prevent a single
// oversized field from filling Postgres TEXT columns with caller-controlled
// garbage or blowing up regex evaluation cost.
const (
	MaxAppIDLen    = 200
	MaxPromptLen   = 256 * 1024 // 256 KB
	MaxResponseLen = 256 * 1024 // 256 KB
)

// InteractionMetadata holds the usage and performance metadata recorded
// alongside one LLM call.
type InteractionMetadata struct {
	Model            string         `json:"model,omitempty"`
	PromptTokens     int            `json:"prompt_tokens,omitempty"`
	CompletionTokens int            `json:"completion_tokens,omitempty"`
	LatencyMs        int64          `json:"latency_ms,omitempty"`
	CostUSD          float64        `json:"cost_usd,omitempty"`
	Extra            map[string]any `json:"extra,omitempty"`
}

// CapturedInteraction is one production LLM call as delivered by the
// ingestion collaborator. Immutable once captured; the core only reads it.
// Delivery is at-least-once, so everything derived from an interaction must
// be idempotent on its ID.
type CapturedInteraction struct {
	ID        uuid.UUID           `json:"id"`
	AppID     string              `json:"app_id"`
	Timestamp time.Time           `json:"timestamp"`
	Prompt    string              `json:"prompt"`
	Response  string              `json:"response"`
	Metadata  InteractionMetadata `json:"metadata"`
}

// ValidateInteraction checks required fields and per-field length limits
// before an interaction enters the pipeline.
func ValidateInteraction(in CapturedInteraction) error {
	if in.ID == uuid.Nil {
		return fmt.Errorf("interaction id is required")
	}
	if in.AppID == "" {
		return fmt.Errorf("app_id is required")
	}
	if len(in.AppID) > MaxAppIDLen {
		return fmt.Errorf("app_id exceeds maximum length of %d characters", MaxAppIDLen)
	}
	if len(in.Prompt) > MaxPromptLen {
		return fmt.Errorf("prompt exceeds maximum length of %d bytes", MaxPromptLen)
	}
	if len(in.Response) > MaxResponseLen {
		return fmt.Errorf("response exceeds maximum length of %d bytes", MaxResponseLen)
	}
	return nil
}
