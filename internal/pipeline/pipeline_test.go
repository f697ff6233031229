package pipeline_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanshi/internal/breaker"
	"github.com/ashita-ai/kanshi/internal/drift"
	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/pipeline"
	"github.com/ashita-ai/kanshi/internal/rules"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// recorder implements all three sink interfaces and keeps an ordered event
// log so tests can assert cross-sink ordering.
type recorder struct {
	mu          sync.Mutex
	events      []string
	verdicts    []model.ValidationVerdict
	drifts      []drift.SealedWindow
	transitions []model.BreakerTransition
}

func (r *recorder) PublishVerdicts(_ context.Context, vs []model.ValidationVerdict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range vs {
		r.events = append(r.events, "verdict:"+v.InteractionID.String())
	}
	r.verdicts = append(r.verdicts, vs...)
	return nil
}

func (r *recorder) PublishDrift(_ context.Context, sw drift.SealedWindow) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "drift:"+sw.Window.Metric)
	r.drifts = append(r.drifts, sw)
	return nil
}

func (r *recorder) PublishTransition(_ context.Context, tr model.BreakerTransition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "transition:"+string(tr.ToState))
	r.transitions = append(r.transitions, tr)
	return nil
}

// recorded is a race-free copy of a recorder's state.
type recorded struct {
	events      []string
	verdicts    []model.ValidationVerdict
	drifts      []drift.SealedWindow
	transitions []model.BreakerTransition
}

func (r *recorder) snapshot() recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	return recorded{
		events:      append([]string(nil), r.events...),
		verdicts:    append([]model.ValidationVerdict(nil), r.verdicts...),
		drifts:      append([]drift.SealedWindow(nil), r.drifts...),
		transitions: append([]model.BreakerTransition(nil), r.transitions...),
	}
}

func checkoutRuleSet(failFast bool) model.RuleSet {
	return model.RuleSet{
		AppID:    "checkout-bot",
		FailFast: failFast,
		Rules: []model.InvariantRule{
			{
				ID: "max_length", AppID: "checkout-bot", Name: "response length cap",
				Category: model.CategoryPerformance, Severity: model.SeverityMedium,
				Enabled: true, Version: 3,
				Predicate: model.Predicate{
					Kind: model.PredicateThreshold, Signal: model.SignalResponseChars,
					Op: model.OpLTE, Bound: 500,
				},
			},
			{
				ID: "no_pii", AppID: "checkout-bot", Name: "no SSN in response",
				Category: model.CategorySafety, Severity: model.SeverityCritical,
				Enabled: true, Version: 7,
				Predicate: model.Predicate{
					Kind: model.PredicateDeterministic, Check: model.CheckRegexNotMatch,
					Target: model.TargetResponse, Value: `\b\d{3}-\d{2}-\d{4}\b`,
				},
			},
		},
	}
}

func testConfig() pipeline.Config {
	return pipeline.Config{
		QueueSize:     64,
		ShedKeepRate:  0,
		SubmitTimeout: 50 * time.Millisecond,
		TickInterval:  time.Hour, // tests drive sealing via Drain
		Drift: drift.Config{
			WindowDuration:   5 * time.Minute,
			GracePeriod:      30 * time.Second,
			MinSamples:       1,
			Alpha:            0.2,
			DefaultThreshold: 3.0,
		},
	}
}

func breakerConfig() breaker.Config {
	return breaker.Config{
		FailureRateThreshold: 0.20,
		FailureWindow:        5,
		CriticalConsecutive:  3,
		DriftHardThreshold:   4.0,
		CooldownBase:         30 * time.Second,
		CooldownMax:          10 * time.Minute,
		ProbeVolume:          10,
		RecoveryThreshold:    0.80,
	}
}

// harness wires a pipeline over a static rule source and recording sinks.
type harness struct {
	p        *pipeline.Pipeline
	rec      *recorder
	breakers *breaker.Controller
}

func newHarness(t *testing.T, cfg pipeline.Config, sets map[string]model.RuleSet) *harness {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)

	cache := rules.NewCache(rules.StaticSource{Sets: sets}, logger, time.Hour)
	require.NoError(t, cache.Refresh(context.Background()))

	rec := &recorder{}
	disp := pipeline.NewDispatcher(
		[]pipeline.VerdictSink{rec},
		[]pipeline.DriftSink{rec},
		[]pipeline.TransitionSink{rec},
		time.Second, 2, time.Millisecond, logger,
	)

	breakers := breaker.NewController(breakerConfig())
	p := pipeline.New(cfg, cache, breakers, disp, logger)
	p.SetClock(func() time.Time { return t0 })
	p.Start(context.Background())
	return &harness{p: p, rec: rec, breakers: breakers}
}

func interaction(app, response string) model.CapturedInteraction {
	return model.CapturedInteraction{
		ID:        uuid.New(),
		AppID:     app,
		Timestamp: t0,
		Prompt:    "order status for #4417",
		Response:  response,
		Metadata:  model.InteractionMetadata{LatencyMs: 120, CostUSD: 0.004},
	}
}

func drain(t *testing.T, p *pipeline.Pipeline) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, p.Drain(ctx))
}

func TestSubmitEvaluatesAndDispatchesVerdicts(t *testing.T) {
	h := newHarness(t, testConfig(), map[string]model.RuleSet{
		"checkout-bot": checkoutRuleSet(false),
	})

	in := interaction("checkout-bot", "your order has shipped")
	require.NoError(t, h.p.Submit(context.Background(), in))
	drain(t, h.p)

	got := h.rec.snapshot()
	require.Len(t, got.verdicts, 2, "one verdict per rule")
	assert.Equal(t, "max_length", got.verdicts[0].RuleID)
	assert.Equal(t, int64(3), got.verdicts[0].RuleVersion)
	assert.Equal(t, model.VerdictPassed, got.verdicts[0].Status)
	assert.Equal(t, "no_pii", got.verdicts[1].RuleID)
	assert.Equal(t, model.VerdictPassed, got.verdicts[1].Status)
}

func TestSubmitRejectsInvalidInteraction(t *testing.T) {
	h := newHarness(t, testConfig(), map[string]model.RuleSet{})
	defer drain(t, h.p)

	err := h.p.Submit(context.Background(), model.CapturedInteraction{AppID: "checkout-bot"})
	require.Error(t, err, "missing interaction id")
}

func TestVerdictsDispatchedBeforeDerivedDrift(t *testing.T) {
	h := newHarness(t, testConfig(), map[string]model.RuleSet{
		"checkout-bot": checkoutRuleSet(false),
	})

	in := interaction("checkout-bot", "ok")
	require.NoError(t, h.p.Submit(context.Background(), in))
	drain(t, h.p)

	got := h.rec.snapshot()
	require.NotEmpty(t, got.drifts, "drain seals the open windows")

	verdictAt, driftAt := -1, -1
	for i, ev := range got.events {
		if verdictAt == -1 && ev == "verdict:"+in.ID.String() {
			verdictAt = i
		}
		if driftAt == -1 && ev == "drift:"+pipeline.MetricFailureRate {
			driftAt = i
		}
	}
	require.GreaterOrEqual(t, verdictAt, 0)
	require.GreaterOrEqual(t, driftAt, 0)
	assert.Less(t, verdictAt, driftAt, "verdicts land before the drift metrics derived from them")
}

func TestDriftSignalsDerivedFromInteraction(t *testing.T) {
	h := newHarness(t, testConfig(), map[string]model.RuleSet{
		"checkout-bot": checkoutRuleSet(false),
	})

	require.NoError(t, h.p.Submit(context.Background(), interaction("checkout-bot", "ok")))
	drain(t, h.p)

	metrics := map[string]bool{}
	for _, sw := range h.rec.snapshot().drifts {
		metrics[sw.Window.Metric] = true
		assert.Equal(t, "checkout-bot", sw.Window.AppID)
	}
	for _, want := range []string{
		string(model.SignalResponseChars),
		string(model.SignalLatencyMs),
		string(model.SignalCostUSD),
		pipeline.MetricFailureRate,
		pipeline.MetricSeverityWeighted,
	} {
		assert.True(t, metrics[want], "expected a sealed window for %s", want)
	}
}

func TestFailureRateTripsBreakerAndDispatchesTransition(t *testing.T) {
	h := newHarness(t, testConfig(), map[string]model.RuleSet{
		"checkout-bot": checkoutRuleSet(false),
	})

	// Every response violates the 500-char cap: 100% failure rate over the
	// 5-wide breaker window.
	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	for range 5 {
		require.NoError(t, h.p.Submit(context.Background(), interaction("checkout-bot", string(long))))
	}
	drain(t, h.p)

	got := h.rec.snapshot()
	require.NotEmpty(t, got.transitions)
	tr := got.transitions[0]
	assert.Equal(t, model.BreakerClosed, tr.FromState)
	assert.Equal(t, model.BreakerOpen, tr.ToState)
	assert.Equal(t, model.ReasonFailureRateExceeded, tr.Reason)
	assert.Equal(t, model.ActionDegrade, tr.Recommended)

	st, ok := h.breakers.State("checkout-bot")
	require.True(t, ok)
	assert.Equal(t, model.BreakerOpen, st.State)
}

func TestAppsProcessedIndependently(t *testing.T) {
	sets := map[string]model.RuleSet{
		"checkout-bot": checkoutRuleSet(false),
		"support-bot": {
			AppID: "support-bot",
			Rules: checkoutRuleSet(false).Rules,
		},
	}
	h := newHarness(t, testConfig(), sets)

	long := make([]byte, 600)
	for i := range long {
		long[i] = 'x'
	}
	for range 5 {
		require.NoError(t, h.p.Submit(context.Background(), interaction("checkout-bot", string(long))))
		require.NoError(t, h.p.Submit(context.Background(), interaction("support-bot", "ok")))
	}
	drain(t, h.p)

	stA, _ := h.breakers.State("checkout-bot")
	stB, _ := h.breakers.State("support-bot")
	assert.Equal(t, model.BreakerOpen, stA.State)
	assert.Equal(t, model.BreakerClosed, stB.State)
}

func TestSubmitAfterDrainFails(t *testing.T) {
	h := newHarness(t, testConfig(), map[string]model.RuleSet{})
	drain(t, h.p)

	err := h.p.Submit(context.Background(), interaction("checkout-bot", "ok"))
	assert.ErrorIs(t, err, pipeline.ErrClosed)
}

// gateSink blocks verdict delivery until released, so tests can hold a
// worker mid-dispatch and fill its queue.
type gateSink struct {
	recorder
	release chan struct{}
}

func (g *gateSink) PublishVerdicts(ctx context.Context, vs []model.ValidationVerdict) error {
	select {
	case <-g.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return g.recorder.PublishVerdicts(ctx, vs)
}

func TestQueueFullShedsWithCriticalOnlyEvaluation(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	cache := rules.NewCache(rules.StaticSource{Sets: map[string]model.RuleSet{
		"checkout-bot": checkoutRuleSet(false),
	}}, logger, time.Hour)
	require.NoError(t, cache.Refresh(context.Background()))

	gate := &gateSink{release: make(chan struct{})}
	disp := pipeline.NewDispatcher(
		[]pipeline.VerdictSink{gate}, nil, nil,
		5*time.Second, 0, time.Millisecond, logger,
	)

	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.ShedKeepRate = 0
	p := pipeline.New(cfg, cache, breaker.NewController(breakerConfig()), disp, logger)
	p.SetClock(func() time.Time { return t0 })
	p.Start(context.Background())

	// First interaction occupies the worker (blocked in dispatch), second
	// fills the queue.
	first := interaction("checkout-bot", "ok")
	require.NoError(t, p.Submit(context.Background(), first))
	require.Eventually(t, func() bool { return p.QueueDepth() == 0 }, time.Second, time.Millisecond,
		"worker picked up the first interaction")
	require.NoError(t, p.Submit(context.Background(), interaction("checkout-bot", "ok")))

	// Third overflows: shed, but its critical rule still runs and its
	// verdict is dispatched from the submitter's goroutine.
	leaked := interaction("checkout-bot", "customer SSN is 123-45-6789")

	done := make(chan error, 1)
	go func() { done <- p.Submit(context.Background(), leaked) }()
	time.Sleep(20 * time.Millisecond) // let the shed path reach the gated sink
	close(gate.release)

	require.ErrorIs(t, <-done, pipeline.ErrQueueFull)
	drain(t, p)

	assert.Equal(t, int64(1), p.Shed())

	var shedVerdicts []model.ValidationVerdict
	for _, v := range gate.recorder.snapshot().verdicts {
		if v.InteractionID == leaked.ID {
			shedVerdicts = append(shedVerdicts, v)
		}
	}
	require.Len(t, shedVerdicts, 1, "only the critical rule runs for shed interactions")
	assert.Equal(t, "no_pii", shedVerdicts[0].RuleID)
	assert.Equal(t, model.VerdictFailed, shedVerdicts[0].Status)
}

func TestDrainProcessesQueuedInteractions(t *testing.T) {
	h := newHarness(t, testConfig(), map[string]model.RuleSet{
		"checkout-bot": checkoutRuleSet(false),
	})

	ids := make(map[uuid.UUID]bool)
	for range 10 {
		in := interaction("checkout-bot", "ok")
		ids[in.ID] = true
		require.NoError(t, h.p.Submit(context.Background(), in))
	}
	drain(t, h.p)

	seen := make(map[uuid.UUID]bool)
	for _, v := range h.rec.snapshot().verdicts {
		seen[v.InteractionID] = true
	}
	for id := range ids {
		assert.True(t, seen[id], "queued interaction %s evaluated before shutdown", id)
	}
}

func TestDrainIsIdempotent(t *testing.T) {
	h := newHarness(t, testConfig(), map[string]model.RuleSet{})
	drain(t, h.p)
	drain(t, h.p)
}

// flakySink fails a fixed number of times before succeeding.
type flakySink struct {
	recorder
	mu        sync.Mutex
	failures  int
	attempted int
}

func (f *flakySink) PublishVerdicts(ctx context.Context, vs []model.ValidationVerdict) error {
	f.mu.Lock()
	f.attempted++
	fail := f.attempted <= f.failures
	f.mu.Unlock()
	if fail {
		return errors.New("sink unavailable")
	}
	return f.recorder.PublishVerdicts(ctx, vs)
}

func TestDispatcherRetriesThenDelivers(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	sink := &flakySink{failures: 2}
	disp := pipeline.NewDispatcher(
		[]pipeline.VerdictSink{sink}, nil, nil,
		time.Second, 2, time.Millisecond, logger,
	)

	disp.Verdicts(context.Background(), []model.ValidationVerdict{{RuleID: "max_length"}})

	assert.Zero(t, disp.Dropped())
	assert.Len(t, sink.recorder.snapshot().verdicts, 1)
}

func TestDispatcherDropsAfterExhaustedRetries(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	sink := &flakySink{failures: 100}
	disp := pipeline.NewDispatcher(
		[]pipeline.VerdictSink{sink}, nil, nil,
		time.Second, 2, time.Millisecond, logger,
	)

	disp.Verdicts(context.Background(), []model.ValidationVerdict{{RuleID: "max_length"}})

	assert.Equal(t, int64(1), disp.Dropped(), "loss is counted, not silent")
	assert.Empty(t, sink.recorder.snapshot().verdicts)
}

func TestDispatcherFansOutToAllSinks(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)
	a, b := &recorder{}, &recorder{}
	disp := pipeline.NewDispatcher(
		[]pipeline.VerdictSink{a, b}, nil, nil,
		time.Second, 0, time.Millisecond, logger,
	)

	disp.Verdicts(context.Background(), []model.ValidationVerdict{{RuleID: "max_length"}})

	assert.Len(t, a.snapshot().verdicts, 1)
	assert.Len(t, b.snapshot().verdicts, 1)
}

func TestLateSamplesCounted(t *testing.T) {
	cfg := testConfig()
	h := newHarness(t, cfg, map[string]model.RuleSet{
		"checkout-bot": checkoutRuleSet(false),
	})

	// An interaction stamped far in the past relative to the pipeline clock
	// lands behind the open window and past the grace period.
	require.NoError(t, h.p.Submit(context.Background(), interaction("checkout-bot", "ok")))
	stale := interaction("checkout-bot", "ok")
	stale.Timestamp = t0.Add(-time.Hour)
	require.NoError(t, h.p.Submit(context.Background(), stale))
	drain(t, h.p)

	assert.Positive(t, h.p.LateDropped())
}

func TestShedSamplingIsDeterministic(t *testing.T) {
	// The same interaction id must make the same keep/shed decision on every
	// delivery, or at-least-once redelivery would flap between full and
	// critical-only evaluation. Exercised indirectly: a keep rate of 1 never
	// sheds even with a full queue.
	logger := slog.New(slog.DiscardHandler)
	cache := rules.NewCache(rules.StaticSource{Sets: map[string]model.RuleSet{}}, logger, time.Hour)
	require.NoError(t, cache.Refresh(context.Background()))

	cfg := testConfig()
	cfg.QueueSize = 1
	cfg.ShedKeepRate = 1
	cfg.SubmitTimeout = 2 * time.Second
	disp := pipeline.NewDispatcher(nil, nil, nil, time.Second, 0, time.Millisecond, logger)
	p := pipeline.New(cfg, cache, breaker.NewController(breakerConfig()), disp, logger)
	p.Start(context.Background())

	for i := range 20 {
		require.NoError(t, p.Submit(context.Background(), interaction("checkout-bot", fmt.Sprintf("r%d", i))),
			"keep rate 1 applies backpressure instead of shedding")
	}
	drain(t, p)
	assert.Zero(t, p.Shed())
}
