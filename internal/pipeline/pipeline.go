// Package pipeline orchestrates evaluation: it partitions interactions onto
// one worker per application, runs rule evaluation, derives drift signals,
// feeds the circuit breaker and fans results out to the registered sinks.
//
// The per-app partitioning is what makes breaker mutation and window
// aggregation single-writer: each application's interactions are processed
// by exactly one goroutine, in submission order.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/ashita-ai/kanshi/internal/breaker"
	"github.com/ashita-ai/kanshi/internal/drift"
	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/rules"
	"github.com/ashita-ai/kanshi/internal/telemetry"
)

// Derived drift metrics computed from each interaction's verdicts, alongside
// the raw metadata signals.
const (
	MetricFailureRate      = "failure_rate"
	MetricSeverityWeighted = "severity_weighted_failures"
)

// ErrQueueFull is returned by Submit when an application's queue is full and
// the interaction was load-shed after its critical-only evaluation.
var ErrQueueFull = errors.New("pipeline: queue full, interaction shed")

// ErrClosed is returned by Submit after Drain has begun.
var ErrClosed = errors.New("pipeline: closed")

// Config holds orchestrator settings.
type Config struct {
	// QueueSize is the per-application bounded queue capacity.
	QueueSize int
	// ShedKeepRate is the fraction of interactions, chosen by deterministic
	// hash sampling, that still get a full blocking submit when the queue is
	// full. The rest are shed after critical-only evaluation.
	ShedKeepRate float64
	// SubmitTimeout bounds the blocking enqueue of a kept overflow sample.
	SubmitTimeout time.Duration
	// TickInterval is how often workers seal quiet windows and the breaker
	// cooldown timers advance.
	TickInterval time.Duration
	// Drift configures each application's window aggregator.
	Drift drift.Config
}

// Pipeline is the evaluation orchestrator.
type Pipeline struct {
	cfg      Config
	rules    *rules.Cache
	breakers *breaker.Controller
	disp     *Dispatcher
	logger   *slog.Logger
	now      func() time.Time

	mu        sync.RWMutex
	workers   map[string]*appWorker
	baselines map[string][]model.Baseline
	closed    bool

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	tickDone chan struct{}

	shed        atomic.Int64
	lateDropped atomic.Int64
}

// appWorker owns one application's queue and aggregator.
type appWorker struct {
	appID string
	queue chan model.CapturedInteraction
	agg   *drift.Aggregator
}

// New creates a pipeline over the given rule cache, breaker controller and
// dispatcher. Call Start before Submit.
func New(cfg Config, ruleCache *rules.Cache, breakers *breaker.Controller, disp *Dispatcher, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		rules:    ruleCache,
		breakers: breakers,
		disp:     disp,
		logger:   logger,
		now:      time.Now,
		workers:  make(map[string]*appWorker),
	}
}

// SetClock overrides the wall clock, for tests. Must be called before Start.
func (p *Pipeline) SetClock(now func() time.Time) { p.now = now }

// RestoreBaselines seeds persisted drift baselines. Each application's
// aggregator picks up its baselines when its worker is first created, so a
// restarted process does not re-learn reference points from scratch.
// Must be called before Start.
func (p *Pipeline) RestoreBaselines(baselines []model.Baseline) {
	p.baselines = make(map[string][]model.Baseline)
	for _, b := range baselines {
		p.baselines[b.AppID] = append(p.baselines[b.AppID], b)
	}
}

// Start launches the breaker tick loop and registers pipeline metrics.
func (p *Pipeline) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	p.tickDone = make(chan struct{})
	go p.tickLoop(p.ctx)
	p.registerMetrics()
}

// Submit routes one interaction to its application's worker.
//
// When the queue is full, deterministic hash sampling decides the
// interaction's fate: a kept sample blocks for up to SubmitTimeout to apply
// backpressure, a shed sample gets its critical-severity rules evaluated
// inline and is then dropped with ErrQueueFull.
func (p *Pipeline) Submit(ctx context.Context, in model.CapturedInteraction) error {
	if err := model.ValidateInteraction(in); err != nil {
		return fmt.Errorf("pipeline: submit: %w", err)
	}

	w, err := p.worker(in.AppID)
	if err != nil {
		return err
	}

	// The read lock held across the sends keeps Drain from closing the
	// queue mid-send; the blocking path below bounds how long that is.
	p.mu.RLock()
	if p.closed {
		p.mu.RUnlock()
		return ErrClosed
	}

	select {
	case w.queue <- in:
		p.mu.RUnlock()
		return nil
	default:
	}

	if keepSample(in.ID, p.cfg.ShedKeepRate) {
		timer := time.NewTimer(p.cfg.SubmitTimeout)
		defer timer.Stop()
		select {
		case w.queue <- in:
			p.mu.RUnlock()
			return nil
		case <-timer.C:
		case <-ctx.Done():
			p.mu.RUnlock()
			return fmt.Errorf("pipeline: submit: %w", ctx.Err())
		}
	}
	p.mu.RUnlock()

	p.shedCriticalOnly(ctx, in)
	return ErrQueueFull
}

// shedCriticalOnly runs the unconditional critical-rule checks for a shed
// interaction inline on the submitter's goroutine.
func (p *Pipeline) shedCriticalOnly(ctx context.Context, in model.CapturedInteraction) {
	p.shed.Add(1)
	rs, ok := p.rules.RuleSetFor(in.AppID)
	if !ok {
		return
	}
	verdicts := rules.CriticalOnly(in, rs, p.now().UTC())
	if len(verdicts) == 0 {
		return
	}
	p.disp.Verdicts(ctx, verdicts)
	for _, tr := range p.breakers.RecordEvaluation(in.AppID, outcomeOf(verdicts)) {
		p.disp.Transition(ctx, tr)
	}
}

// Shed returns the number of interactions dropped by load shedding.
func (p *Pipeline) Shed() int64 { return p.shed.Load() }

// LateDropped returns the number of samples dropped across all applications
// for arriving past the grace period.
func (p *Pipeline) LateDropped() int64 { return p.lateDropped.Load() }

// QueueDepth returns the total number of queued interactions.
func (p *Pipeline) QueueDepth() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	depth := 0
	for _, w := range p.workers {
		depth += len(w.queue)
	}
	return depth
}

// Drain stops accepting submissions, processes everything already queued,
// seals open windows and flushes the results. Bounded by ctx.
func (p *Pipeline) Drain(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	for _, w := range p.workers {
		close(w.queue)
	}
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("pipeline: drain: %w", ctx.Err())
	}
	if p.cancel != nil {
		p.cancel()
		<-p.tickDone
	}
	return err
}

// worker returns the application's worker, spawning it on first use.
func (p *Pipeline) worker(appID string) (*appWorker, error) {
	p.mu.RLock()
	w, ok := p.workers[appID]
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	if ok {
		return w, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrClosed
	}
	if w, ok = p.workers[appID]; ok {
		return w, nil
	}
	agg := drift.NewAggregator(appID, p.cfg.Drift)
	agg.SetClock(p.now)
	for _, b := range p.baselines[appID] {
		agg.RestoreBaseline(b)
	}
	w = &appWorker{
		appID: appID,
		queue: make(chan model.CapturedInteraction, p.cfg.QueueSize),
		agg:   agg,
	}
	p.workers[appID] = w
	p.wg.Add(1)
	go p.run(w)
	return w, nil
}

// run is the single worker goroutine for one application.
func (p *Pipeline) run(w *appWorker) {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			p.flush(w)
			return
		case <-ticker.C:
			for _, sw := range w.agg.Tick(p.now().UTC()) {
				p.handleSealed(p.ctx, sw)
			}
		case in, ok := <-w.queue:
			if !ok {
				p.flush(w)
				return
			}
			p.process(p.ctx, w, in)
		}
	}
}

// process evaluates one interaction. Verdicts are dispatched before any
// drift metric derived from them, and breaker transitions follow both.
func (p *Pipeline) process(ctx context.Context, w *appWorker, in model.CapturedInteraction) {
	now := p.now().UTC()

	var verdicts []model.ValidationVerdict
	if rs, ok := p.rules.RuleSetFor(in.AppID); ok {
		verdicts = rules.Evaluate(in, rs, now)
		p.disp.Verdicts(ctx, verdicts)
	}

	for _, sig := range signals(in, verdicts) {
		sealed, late := w.agg.Observe(sig.metric, sig.value, in.Timestamp)
		if late {
			p.lateDropped.Add(1)
			continue
		}
		for _, sw := range sealed {
			p.handleSealed(ctx, sw)
		}
	}

	if len(verdicts) > 0 {
		for _, tr := range p.breakers.RecordEvaluation(in.AppID, outcomeOf(verdicts)) {
			p.disp.Transition(ctx, tr)
		}
	}
}

// handleSealed dispatches a sealed window and feeds its score to the breaker.
func (p *Pipeline) handleSealed(ctx context.Context, sw drift.SealedWindow) {
	p.disp.Drift(ctx, sw)
	if sw.Score == nil {
		return
	}
	for _, tr := range p.breakers.RecordDrift(sw.Window.AppID, sw.Score.Score) {
		p.disp.Transition(ctx, tr)
	}
}

// flush seals every open window at shutdown. Dispatch runs on a context
// detached from cancellation so already-computed results still land, bounded
// by the dispatcher's own timeouts.
func (p *Pipeline) flush(w *appWorker) {
	for _, in := range drained(w.queue) {
		p.process(context.WithoutCancel(p.ctx), w, in)
	}
	for _, sw := range w.agg.Flush() {
		p.handleSealed(context.WithoutCancel(p.ctx), sw)
	}
}

// drained yields whatever is buffered in a channel without blocking. The
// channel may still be open when cancellation, not Drain, stops the worker.
func drained(ch chan model.CapturedInteraction) []model.CapturedInteraction {
	var out []model.CapturedInteraction
	for {
		select {
		case in, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, in)
		default:
			return out
		}
	}
}

// tickLoop advances breaker cooldown timers so an idle application still
// moves from open to half_open when its cooldown elapses.
func (p *Pipeline) tickLoop(ctx context.Context) {
	defer close(p.tickDone)
	ticker := time.NewTicker(p.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, tr := range p.breakers.Tick() {
				p.disp.Transition(ctx, tr)
			}
		}
	}
}

type signal struct {
	metric string
	value  float64
}

// signals derives the drift metrics for one interaction: raw metadata
// signals plus the verdict-derived failure rate and severity-weighted
// failure mass.
func signals(in model.CapturedInteraction, verdicts []model.ValidationVerdict) []signal {
	sigs := []signal{
		{string(model.SignalResponseChars), float64(len(in.Response))},
	}
	if in.Metadata.LatencyMs > 0 {
		sigs = append(sigs, signal{string(model.SignalLatencyMs), float64(in.Metadata.LatencyMs)})
	}
	if in.Metadata.CostUSD > 0 {
		sigs = append(sigs, signal{string(model.SignalCostUSD), in.Metadata.CostUSD})
	}

	if len(verdicts) > 0 {
		failed := 0
		weighted := 0.0
		for _, v := range verdicts {
			if v.Failed() {
				failed++
				weighted += model.SeverityWeight(v.Severity)
			}
		}
		sigs = append(sigs,
			signal{MetricFailureRate, float64(failed) / float64(len(verdicts))},
			signal{MetricSeverityWeighted, weighted},
		)
	}
	return sigs
}

// outcomeOf summarizes a verdict batch for the breaker.
func outcomeOf(verdicts []model.ValidationVerdict) breaker.Outcome {
	var o breaker.Outcome
	for _, v := range verdicts {
		if !v.Failed() {
			continue
		}
		o.Failed = true
		if v.Severity == model.SeverityCritical {
			o.CriticalFailed = true
		}
	}
	return o
}

// keepSample decides, deterministically per interaction id, whether an
// overflow sample is kept for full evaluation.
func keepSample(id uuid.UUID, rate float64) bool {
	if rate <= 0 {
		return false
	}
	if rate >= 1 {
		return true
	}
	h := fnv.New32a()
	_, _ = h.Write(id[:])
	return float64(h.Sum32()%10000) < rate*10000
}

func (p *Pipeline) registerMetrics() {
	meter := telemetry.Meter("kanshi/pipeline")

	_, _ = meter.Int64ObservableGauge("kanshi.pipeline.queue_depth",
		metric.WithDescription("Total interactions waiting in per-app queues"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(int64(p.QueueDepth()))
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kanshi.pipeline.shed_total",
		metric.WithDescription("Interactions dropped by load shedding"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.Shed())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kanshi.pipeline.late_dropped_total",
		metric.WithDescription("Samples dropped for arriving past the window grace period"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.LateDropped())
			return nil
		}),
	)

	_, _ = meter.Int64ObservableGauge("kanshi.pipeline.dispatch_dropped_total",
		metric.WithDescription("Results dropped after exhausting sink delivery retries"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(p.disp.Dropped())
			return nil
		}),
	)
}
