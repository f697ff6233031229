package model

import (
	"time"

	"github.com/google/uuid"
)

// WindowStatus is the lifecycle state of a drift window.
type WindowStatus string

const (
	WindowOpen   WindowStatus = "open"
	WindowSealed WindowStatus = "sealed"
	// WindowInsufficientData marks a sealed window whose sample count fell
	// below the configured minimum. It is persisted for the record but
	// excluded from drift decisions and baseline updates.
	WindowInsufficientData WindowStatus = "insufficient_data"
)

// DriftWindow is one tumbling window of streaming statistics for a
// (app, metric) pair. Only count/mean/variance are kept — raw samples are
// never retained. Windows are non-overlapping and strictly time-ordered
// per metric.
type DriftWindow struct {
	ID          uuid.UUID    `json:"id"`
	AppID       string       `json:"app_id"`
	Metric      string       `json:"metric"`
	WindowStart time.Time    `json:"window_start"`
	WindowEnd   time.Time    `json:"window_end"`
	Count       int64        `json:"count"`
	Mean        float64      `json:"mean"`
	Variance    float64      `json:"variance"`
	Status      WindowStatus `json:"status"`
}

// DriftScore is the divergence of one sealed window from the application's
// baseline. Computed exactly once per sealed window with enough samples.
type DriftScore struct {
	WindowID   uuid.UUID `json:"window_id"`
	AppID      string    `json:"app_id"`
	Metric     string    `json:"metric"`
	Score      float64   `json:"score"`
	Threshold  float64   `json:"threshold"`
	IsDrifted  bool      `json:"is_drifted"`
	ComputedAt time.Time `json:"computed_at"`
}

// Baseline is the exponentially weighted reference distribution for one
// (app, metric). It is updated only from non-drifted sealed windows so a
// sustained anomaly cannot drag its own reference point along with it.
type Baseline struct {
	AppID     string    `json:"app_id"`
	Metric    string    `json:"metric"`
	Mean      float64   `json:"mean"`
	Variance  float64   `json:"variance"`
	Windows   int64     `json:"windows"` // sealed windows folded in so far
	UpdatedAt time.Time `json:"updated_at"`
}

// Established reports whether the baseline has absorbed at least one window
// and can be compared against.
func (b Baseline) Established() bool {
	return b.Windows > 0
}
