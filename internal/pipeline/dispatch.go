package pipeline

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ashita-ai/kanshi/internal/drift"
	"github.com/ashita-ai/kanshi/internal/model"
)

// VerdictSink receives the verdicts for one interaction, in rule order.
type VerdictSink interface {
	PublishVerdicts(ctx context.Context, verdicts []model.ValidationVerdict) error
}

// DriftSink receives one sealed window with its score and baseline snapshot.
type DriftSink interface {
	PublishDrift(ctx context.Context, sealed drift.SealedWindow) error
}

// TransitionSink receives breaker transition events.
type TransitionSink interface {
	PublishTransition(ctx context.Context, tr model.BreakerTransition) error
}

// Dispatcher fans results out to the registered sinks. Each sink call is
// bounded by a timeout and retried with jittered exponential backoff; after
// the retries are exhausted the result is dropped and counted, so a slow or
// dead sink never stalls the pipeline.
type Dispatcher struct {
	verdictSinks    []VerdictSink
	driftSinks      []DriftSink
	transitionSinks []TransitionSink

	timeout time.Duration
	retries int
	backoff time.Duration
	logger  *slog.Logger

	dropped atomic.Int64
}

// NewDispatcher creates a dispatcher over the given sinks.
func NewDispatcher(
	verdictSinks []VerdictSink,
	driftSinks []DriftSink,
	transitionSinks []TransitionSink,
	timeout time.Duration,
	retries int,
	backoff time.Duration,
	logger *slog.Logger,
) *Dispatcher {
	return &Dispatcher{
		verdictSinks:    verdictSinks,
		driftSinks:      driftSinks,
		transitionSinks: transitionSinks,
		timeout:         timeout,
		retries:         retries,
		backoff:         backoff,
		logger:          logger,
	}
}

// Dropped returns the total number of results dropped after exhausting
// retries. A non-zero value indicates data loss to some sink.
func (d *Dispatcher) Dropped() int64 {
	return d.dropped.Load()
}

// Verdicts delivers a verdict batch to every verdict sink.
func (d *Dispatcher) Verdicts(ctx context.Context, verdicts []model.ValidationVerdict) {
	if len(verdicts) == 0 {
		return
	}
	d.fanOut(ctx, len(d.verdictSinks), "verdicts", func(ctx context.Context, i int) error {
		return d.verdictSinks[i].PublishVerdicts(ctx, verdicts)
	})
}

// Drift delivers a sealed window to every drift sink.
func (d *Dispatcher) Drift(ctx context.Context, sealed drift.SealedWindow) {
	d.fanOut(ctx, len(d.driftSinks), "drift", func(ctx context.Context, i int) error {
		return d.driftSinks[i].PublishDrift(ctx, sealed)
	})
}

// Transition delivers a breaker transition to every transition sink.
func (d *Dispatcher) Transition(ctx context.Context, tr model.BreakerTransition) {
	d.fanOut(ctx, len(d.transitionSinks), "transition", func(ctx context.Context, i int) error {
		return d.transitionSinks[i].PublishTransition(ctx, tr)
	})
}

// fanOut runs one retried delivery per sink concurrently and waits for all
// of them. Failures are counted and logged, never propagated.
func (d *Dispatcher) fanOut(ctx context.Context, n int, kind string, deliver func(ctx context.Context, i int) error) {
	if n == 0 {
		return
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := range n {
		g.Go(func() error {
			if err := d.withRetry(ctx, func(ctx context.Context) error {
				return deliver(ctx, i)
			}); err != nil {
				d.dropped.Add(1)
				d.logger.Error("pipeline: dropping result after retries",
					"kind", kind, "sink", i, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// withRetry executes fn with a per-attempt timeout, retrying with jittered
// exponential backoff up to the configured attempt count.
func (d *Dispatcher) withRetry(ctx context.Context, fn func(ctx context.Context) error) error {
	delay := d.backoff
	var err error
	for attempt := range d.retries + 1 {
		attemptCtx, cancel := context.WithTimeout(ctx, d.timeout)
		err = fn(attemptCtx)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == d.retries || ctx.Err() != nil {
			break
		}
		var jitter time.Duration
		if delay > 0 {
			jitter = time.Duration(rand.Int64N(int64(delay)))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return err
}
