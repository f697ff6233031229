package model

import "time"

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUnavailable   = "UNAVAILABLE"
)

// IngestResponse is the response for POST /v1/interactions.
// Status is "accepted" for queued interactions and "shed" when the
// interaction was load-shed after its critical-only evaluation.
type IngestResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// BreakerStateResponse is the response for GET /v1/apps/{app_id}/breaker.
type BreakerStateResponse struct {
	AppID            string    `json:"app_id"`
	State            string    `json:"state"`
	Recommended      string    `json:"recommended_action"`
	FailureCount     int       `json:"failure_count"`
	OpenedAt         time.Time `json:"opened_at,omitzero"`
	CooldownUntil    time.Time `json:"cooldown_until,omitzero"`
	LastTransitionAt time.Time `json:"last_transition_at,omitzero"`
}

// HealthResponse is the response for GET /health.
type HealthResponse struct {
	Status           string  `json:"status"`
	Version          string  `json:"version"`
	Store            string  `json:"store"`
	RuleStalenessSec float64 `json:"rule_staleness_seconds"`
	QueueDepth       int     `json:"queue_depth"`
	ShedTotal        int64   `json:"shed_total"`
	DispatchDropped  int64   `json:"dispatch_dropped_total"`
	Uptime           int64   `json:"uptime_seconds"`
}
