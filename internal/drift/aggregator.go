// Package drift maintains streaming statistics per (application, metric) in
// tumbling windows and flags distributional shift against an exponentially
// weighted baseline.
package drift

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanshi/internal/model"
)

// Config holds drift detection settings.
type Config struct {
	// WindowDuration is the fixed tumbling window length.
	WindowDuration time.Duration
	// GracePeriod is how long after window close late samples are still
	// folded into the open window. Older samples are dropped and counted.
	GracePeriod time.Duration
	// MinSamples is the minimum window sample count for a drift decision.
	// Windows below it seal as insufficient_data.
	MinSamples int64
	// Alpha is the exponential weight of the newest window in the baseline.
	Alpha float64
	// DefaultThreshold is the z-score at or above which a window is drifted.
	DefaultThreshold float64
	// MetricThresholds overrides DefaultThreshold per metric name.
	MetricThresholds map[string]float64
}

// SealedWindow is the output of closing one window: the sealed statistics,
// the drift score (nil for insufficient_data windows), and the baseline as
// it stands after any update.
type SealedWindow struct {
	Window   model.DriftWindow
	Score    *model.DriftScore
	Baseline model.Baseline
}

type openWindow struct {
	start time.Time
	end   time.Time
	stats WindowStats
}

type metricState struct {
	window   *openWindow
	baseline model.Baseline
}

// Aggregator tracks tumbling windows for one application. It is not safe
// for concurrent use: each application's pipeline worker owns exactly one
// aggregator, which is what keeps windows strictly time-ordered per metric
// without locking.
type Aggregator struct {
	appID       string
	cfg         Config
	now         func() time.Time
	metrics     map[string]*metricState
	lateDropped int64
}

// NewAggregator creates an aggregator for one application.
func NewAggregator(appID string, cfg Config) *Aggregator {
	return &Aggregator{
		appID:   appID,
		cfg:     cfg,
		now:     time.Now,
		metrics: make(map[string]*metricState),
	}
}

// SetClock overrides the wall clock, for tests.
func (a *Aggregator) SetClock(now func() time.Time) { a.now = now }

// RestoreBaseline seeds a metric's baseline from persisted state, so a
// restarted process does not re-learn its reference point from scratch.
func (a *Aggregator) RestoreBaseline(b model.Baseline) {
	a.state(b.Metric).baseline = b
}

// Observe folds one sample into the metric's open window.
//
// A sample belonging to a newer window seals the current one first and the
// sealed result is returned. A sample older than the open window is folded
// in anyway while within the grace period; beyond it the sample is dropped
// (late=true) and counted rather than silently lost.
func (a *Aggregator) Observe(metric string, value float64, ts time.Time) (sealed []SealedWindow, late bool) {
	st := a.state(metric)
	start := ts.Truncate(a.cfg.WindowDuration)

	switch {
	case st.window == nil:
		st.window = a.open(start)
	case start.After(st.window.start):
		sealed = append(sealed, a.seal(metric, st))
		st.window = a.open(start)
	case start.Before(st.window.start):
		if a.now().Sub(ts) > a.cfg.GracePeriod {
			a.lateDropped++
			return nil, true
		}
		// Late but inside the grace period: fold into the open window.
	}

	st.window.stats.Add(value)
	return sealed, false
}

// Tick seals every window whose end plus grace period has passed. Called
// periodically by the pipeline worker so quiet metrics still close.
func (a *Aggregator) Tick(now time.Time) []SealedWindow {
	var sealed []SealedWindow
	for metric, st := range a.metrics {
		if st.window != nil && now.After(st.window.end.Add(a.cfg.GracePeriod)) {
			sealed = append(sealed, a.seal(metric, st))
			st.window = nil
		}
	}
	return sealed
}

// Flush seals all open windows unconditionally. Used at shutdown so
// already-accumulated statistics are not lost.
func (a *Aggregator) Flush() []SealedWindow {
	var sealed []SealedWindow
	for metric, st := range a.metrics {
		if st.window != nil {
			sealed = append(sealed, a.seal(metric, st))
			st.window = nil
		}
	}
	return sealed
}

// LateDropped returns the number of samples dropped for arriving past the
// grace period.
func (a *Aggregator) LateDropped() int64 { return a.lateDropped }

func (a *Aggregator) state(metric string) *metricState {
	st, ok := a.metrics[metric]
	if !ok {
		st = &metricState{}
		a.metrics[metric] = st
	}
	return st
}

func (a *Aggregator) open(start time.Time) *openWindow {
	return &openWindow{start: start, end: start.Add(a.cfg.WindowDuration)}
}

// seal closes the metric's open window, scores it against the baseline and
// updates the baseline from non-drifted windows only.
func (a *Aggregator) seal(metric string, st *metricState) SealedWindow {
	w := st.window
	win := model.DriftWindow{
		ID:          uuid.New(),
		AppID:       a.appID,
		Metric:      metric,
		WindowStart: w.start,
		WindowEnd:   w.end,
		Count:       w.stats.Count(),
		Mean:        w.stats.Mean(),
		Variance:    w.stats.Variance(),
		Status:      model.WindowSealed,
	}

	if win.Count < a.cfg.MinSamples {
		win.Status = model.WindowInsufficientData
		return SealedWindow{Window: win, Baseline: st.baseline}
	}

	score := model.DriftScore{
		WindowID:   win.ID,
		AppID:      a.appID,
		Metric:     metric,
		Threshold:  a.threshold(metric),
		ComputedAt: a.now().UTC(),
	}

	if !st.baseline.Established() {
		// First adequate window seeds the baseline; nothing to compare yet.
		st.baseline = model.Baseline{
			AppID:     a.appID,
			Metric:    metric,
			Mean:      win.Mean,
			Variance:  win.Variance,
			Windows:   1,
			UpdatedAt: score.ComputedAt,
		}
		return SealedWindow{Window: win, Score: &score, Baseline: st.baseline}
	}

	score.Score = zScore(win.Mean, st.baseline)
	// Inclusive: a score exactly at the threshold counts as drifted.
	score.IsDrifted = score.Score >= score.Threshold

	if !score.IsDrifted {
		// Exponentially weighted update, only from non-drifted windows,
		// so a sustained anomaly cannot corrupt its own reference point.
		alpha := a.cfg.Alpha
		st.baseline.Mean = (1-alpha)*st.baseline.Mean + alpha*win.Mean
		st.baseline.Variance = (1-alpha)*st.baseline.Variance + alpha*win.Variance
		st.baseline.Windows++
		st.baseline.UpdatedAt = score.ComputedAt
	}

	return SealedWindow{Window: win, Score: &score, Baseline: st.baseline}
}

func (a *Aggregator) threshold(metric string) float64 {
	if t, ok := a.cfg.MetricThresholds[metric]; ok {
		return t
	}
	return a.cfg.DefaultThreshold
}

// zScore is the divergence statistic: how many baseline standard deviations
// the window mean sits from the baseline mean. A zero-variance baseline
// yields +Inf for any deviation, which always clears the threshold.
func zScore(windowMean float64, b model.Baseline) float64 {
	diff := math.Abs(windowMean - b.Mean)
	sd := math.Sqrt(b.Variance)
	if sd == 0 {
		if diff == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return diff / sd
}
