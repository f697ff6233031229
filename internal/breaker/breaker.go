// Package breaker implements the per-application circuit breaker state
// machine. The breaker is advisory: it never suppresses evaluation, it only
// publishes the traffic recommendation enforcement points must honor.
//
// Legal transitions are closed→open, open→half_open and
// half_open→{closed, open}; nothing else is reachable. Mutation is
// single-writer per application: the orchestrator partitions work by app id
// onto one worker each, and the controller additionally serializes access
// per machine so point-in-time state queries are strongly consistent.
package breaker

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanshi/internal/model"
)

// Config holds breaker thresholds. Production values come from
// internal/config; tests set them directly.
type Config struct {
	// FailureRateThreshold trips closed→open when the failure rate over the
	// last FailureWindow evaluated interactions exceeds it (exclusive).
	FailureRateThreshold float64
	// FailureWindow is the rolling count of interactions the failure rate
	// is computed over. The rate is not computed until the window is full.
	FailureWindow int
	// CriticalConsecutive trips closed→open after this many consecutive
	// interactions with a critical-severity rule failure.
	CriticalConsecutive int
	// DriftHardThreshold trips closed→open when any drift score meets or
	// exceeds it.
	DriftHardThreshold float64
	// CooldownBase is the first open-state cooldown. Each failed recovery
	// doubles it, capped at CooldownMax.
	CooldownBase time.Duration
	CooldownMax  time.Duration
	// ProbeVolume is how many interactions the half-open state admits
	// before deciding between recovery and re-opening.
	ProbeVolume int
	// RecoveryThreshold is the probe success rate (inclusive) required to
	// close from half-open.
	RecoveryThreshold float64
}

// Outcome summarizes one evaluated interaction for the breaker.
type Outcome struct {
	// Failed is true when any rule verdict failed.
	Failed bool
	// CriticalFailed is true when a critical-severity rule failed.
	CriticalFailed bool
}

// machine is the state machine for one application.
type machine struct {
	mu  sync.Mutex
	cfg Config

	state model.CircuitBreakerState

	// Rolling failure signal over the last FailureWindow interactions.
	recent  []bool
	recentI int
	filled  bool

	consecutiveCritical int

	// Half-open probe accounting.
	probeSeen   int
	probePassed int

	// Current cooldown, doubled on each failed recovery.
	cooldown time.Duration
}

// Controller manages one breaker machine per application.
type Controller struct {
	cfg Config
	now func() time.Time

	mu       sync.RWMutex
	machines map[string]*machine
}

// NewController creates a breaker controller.
func NewController(cfg Config) *Controller {
	return &Controller{
		cfg:      cfg,
		now:      time.Now,
		machines: make(map[string]*machine),
	}
}

// SetClock overrides the wall clock, for tests. Must be called before any
// machine exists.
func (c *Controller) SetClock(now func() time.Time) { c.now = now }

// Restore loads persisted breaker state for restart recovery. The rolling
// failure window restarts empty; only the coarse state and cooldown resume.
func (c *Controller) Restore(states []model.CircuitBreakerState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, st := range states {
		m := c.newMachine(st.AppID)
		m.state = st
		c.machines[st.AppID] = m
	}
}

// State returns the current persisted-shape state for an application.
// Strongly consistent: it reflects every transition recorded so far.
func (c *Controller) State(appID string) (model.CircuitBreakerState, bool) {
	c.mu.RLock()
	m, ok := c.machines[appID]
	c.mu.RUnlock()
	if !ok {
		return model.CircuitBreakerState{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state, true
}

// States returns a snapshot of all tracked applications.
func (c *Controller) States() []model.CircuitBreakerState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]model.CircuitBreakerState, 0, len(c.machines))
	for _, m := range c.machines {
		m.mu.Lock()
		out = append(out, m.state)
		m.mu.Unlock()
	}
	return out
}

// Recommendation returns the traffic recommendation for an application.
// Unknown applications are allowed by default.
func (c *Controller) Recommendation(appID string) model.Action {
	st, ok := c.State(appID)
	if !ok {
		return model.ActionAllow
	}
	return recommendation(st.State, st.FailureCount)
}

// RecordEvaluation feeds one evaluated interaction's outcome into the
// application's machine. Returns the transitions it caused, in order
// (at most two: cooldown elapse then a probe decision).
func (c *Controller) RecordEvaluation(appID string, o Outcome) []model.BreakerTransition {
	m := c.machine(appID)
	m.mu.Lock()
	defer m.mu.Unlock()

	now := c.now().UTC()
	var transitions []model.BreakerTransition
	if tr := m.maybeEnterHalfOpen(now); tr != nil {
		transitions = append(transitions, *tr)
	}

	switch m.state.State {
	case model.BreakerClosed:
		if tr := m.recordClosed(o, now); tr != nil {
			transitions = append(transitions, *tr)
		}
	case model.BreakerHalfOpen:
		if tr := m.recordProbe(o, now); tr != nil {
			transitions = append(transitions, *tr)
		}
	case model.BreakerOpen:
		// Advisory state: evaluation continues, outcome is not scored
		// until the cooldown elapses and probing starts.
	}
	return transitions
}

// RecordDrift feeds a drift score into the application's machine. A score
// at or above the hard threshold trips a closed breaker.
func (c *Controller) RecordDrift(appID string, score float64) []model.BreakerTransition {
	m := c.machine(appID)
	m.mu.Lock()
	defer m.mu.Unlock()

	now := c.now().UTC()
	var transitions []model.BreakerTransition
	if tr := m.maybeEnterHalfOpen(now); tr != nil {
		transitions = append(transitions, *tr)
	}

	if m.state.State == model.BreakerClosed && score >= m.cfg.DriftHardThreshold {
		transitions = append(transitions, m.open(model.ReasonDriftThreshold, now))
	}
	return transitions
}

// Tick advances cooldown timers for every application. Returns any
// open→half_open transitions.
func (c *Controller) Tick() []model.BreakerTransition {
	c.mu.RLock()
	machines := make([]*machine, 0, len(c.machines))
	for _, m := range c.machines {
		machines = append(machines, m)
	}
	c.mu.RUnlock()

	now := c.now().UTC()
	var transitions []model.BreakerTransition
	for _, m := range machines {
		m.mu.Lock()
		if tr := m.maybeEnterHalfOpen(now); tr != nil {
			transitions = append(transitions, *tr)
		}
		m.mu.Unlock()
	}
	return transitions
}

func (c *Controller) machine(appID string) *machine {
	c.mu.RLock()
	m, ok := c.machines[appID]
	c.mu.RUnlock()
	if ok {
		return m
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if m, ok = c.machines[appID]; ok {
		return m
	}
	m = c.newMachine(appID)
	c.machines[appID] = m
	return m
}

func (c *Controller) newMachine(appID string) *machine {
	return &machine{
		cfg:    c.cfg,
		recent: make([]bool, c.cfg.FailureWindow),
		state: model.CircuitBreakerState{
			AppID: appID,
			State: model.BreakerClosed,
		},
		cooldown: c.cfg.CooldownBase,
	}
}

func (m *machine) recordClosed(o Outcome, now time.Time) *model.BreakerTransition {
	if len(m.recent) > 0 {
		m.recent[m.recentI] = o.Failed
		m.recentI++
		if m.recentI == len(m.recent) {
			m.recentI = 0
			m.filled = true
		}
	}

	if o.CriticalFailed {
		m.consecutiveCritical++
	} else {
		m.consecutiveCritical = 0
	}

	if m.cfg.CriticalConsecutive > 0 && m.consecutiveCritical >= m.cfg.CriticalConsecutive {
		tr := m.open(model.ReasonCriticalConsecutive, now)
		return &tr
	}

	if m.filled {
		failures := 0
		for _, f := range m.recent {
			if f {
				failures++
			}
		}
		rate := float64(failures) / float64(len(m.recent))
		if rate > m.cfg.FailureRateThreshold {
			tr := m.open(model.ReasonFailureRateExceeded, now)
			return &tr
		}
	}
	return nil
}

func (m *machine) recordProbe(o Outcome, now time.Time) *model.BreakerTransition {
	m.probeSeen++
	if !o.Failed {
		m.probePassed++
	}
	if m.probeSeen < m.cfg.ProbeVolume {
		return nil
	}

	rate := float64(m.probePassed) / float64(m.probeSeen)
	if rate >= m.cfg.RecoveryThreshold {
		tr := m.transition(model.BreakerClosed, model.ReasonProbeSuccess, now)
		m.state.FailureCount = 0
		m.state.OpenedAt = time.Time{}
		m.state.CooldownUntil = time.Time{}
		m.cooldown = m.cfg.CooldownBase
		m.resetSignals()
		return &tr
	}

	// Failed recovery: back to open with an extended cooldown.
	m.cooldown *= 2
	if m.cooldown > m.cfg.CooldownMax {
		m.cooldown = m.cfg.CooldownMax
	}
	tr := m.transition(model.BreakerOpen, model.ReasonProbeFailure, now)
	m.state.FailureCount++
	m.state.OpenedAt = now
	m.state.CooldownUntil = now.Add(m.cooldown)
	return &tr
}

// maybeEnterHalfOpen moves an open machine whose cooldown has elapsed into
// half_open and starts a fresh probe round.
func (m *machine) maybeEnterHalfOpen(now time.Time) *model.BreakerTransition {
	if m.state.State != model.BreakerOpen || now.Before(m.state.CooldownUntil) {
		return nil
	}
	tr := m.transition(model.BreakerHalfOpen, model.ReasonCooldownElapsed, now)
	m.probeSeen = 0
	m.probePassed = 0
	return &tr
}

func (m *machine) open(reason string, now time.Time) model.BreakerTransition {
	tr := m.transition(model.BreakerOpen, reason, now)
	m.state.FailureCount++
	m.state.OpenedAt = now
	m.state.CooldownUntil = now.Add(m.cooldown)
	m.resetSignals()
	return tr
}

func (m *machine) transition(to model.BreakerState, reason string, now time.Time) model.BreakerTransition {
	from := m.state.State
	m.state.State = to
	m.state.LastTransitionAt = now
	return model.BreakerTransition{
		ID:          uuid.New(),
		AppID:       m.state.AppID,
		FromState:   from,
		ToState:     to,
		Reason:      reason,
		Recommended: recommendation(to, m.state.FailureCount+1),
		OccurredAt:  now,
	}
}

func (m *machine) resetSignals() {
	for i := range m.recent {
		m.recent[i] = false
	}
	m.recentI = 0
	m.filled = false
	m.consecutiveCritical = 0
}

// recommendation maps a state to the advisory traffic action. A first trip
// recommends degrade; repeated trips escalate to block. Half-open keeps the
// degraded recommendation while probes run.
func recommendation(state model.BreakerState, failureCount int) model.Action {
	switch state {
	case model.BreakerOpen:
		if failureCount > 1 {
			return model.ActionBlock
		}
		return model.ActionDegrade
	case model.BreakerHalfOpen:
		return model.ActionDegrade
	default:
		return model.ActionAllow
	}
}
