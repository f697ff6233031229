package kanshi_test

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanshi"
)

// staticRules serves a fixed rule set through the public RuleSource
// extension point.
type staticRules struct {
	sets []kanshi.RuleSet
}

func (s staticRules) FetchRuleSets(_ context.Context) ([]kanshi.RuleSet, error) {
	return s.sets, nil
}

// verdictRecorder captures verdicts delivered through the public sink.
type verdictRecorder struct {
	mu       sync.Mutex
	verdicts []kanshi.Verdict
}

func (r *verdictRecorder) OnVerdicts(_ context.Context, vs []kanshi.Verdict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdicts = append(r.verdicts, vs...)
	return nil
}

func (r *verdictRecorder) snapshot() []kanshi.Verdict {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]kanshi.Verdict(nil), r.verdicts...)
}

func checkoutRules(t *testing.T) kanshi.RuleSet {
	t.Helper()
	pred, err := json.Marshal(map[string]any{
		"kind":   "threshold",
		"signal": "response_chars",
		"op":     "lte",
		"bound":  500,
	})
	require.NoError(t, err)
	return kanshi.RuleSet{
		AppID: "checkout-bot",
		Rules: []kanshi.Rule{{
			ID:        "max_length",
			AppID:     "checkout-bot",
			Name:      "length cap",
			Category:  "performance",
			Severity:  "medium",
			Enabled:   true,
			Version:   1,
			Predicate: json.RawMessage(pred),
		}},
	}
}

func TestEmbeddedLiteModeEvaluatesInteractions(t *testing.T) {
	t.Setenv("KANSHI_PORT", "0")
	t.Setenv("KANSHI_SQLITE_PATH", ":memory:")
	t.Setenv("KANSHI_INGEST_RATE_LIMIT", "0")

	rec := &verdictRecorder{}
	app, err := kanshi.New(
		kanshi.WithVersion("test"),
		kanshi.WithLogger(slog.New(slog.DiscardHandler)),
		kanshi.WithRuleSource(staticRules{sets: []kanshi.RuleSet{checkoutRules(t)}}),
		kanshi.WithVerdictSink(rec),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	in := kanshi.Interaction{
		ID:        uuid.New(),
		AppID:     "checkout-bot",
		Timestamp: time.Now().UTC(),
		Response:  "order confirmed",
		LatencyMs: 120,
		CostUSD:   0.004,
	}

	// Run starts the pipeline just before blocking; retry until it is up.
	require.Eventually(t, func() bool {
		return app.Submit(context.Background(), in) == nil
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(rec.snapshot()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	got := rec.snapshot()[0]
	assert.Equal(t, in.ID, got.InteractionID)
	assert.Equal(t, "max_length", got.RuleID)
	assert.Equal(t, "passed", got.Status)

	status := app.BreakerStatus("checkout-bot")
	assert.Equal(t, "closed", status.State)
	assert.Equal(t, "allow", status.RecommendedAction)

	cancel()
	require.NoError(t, <-done)
}

func TestBreakerStatusUnknownApp(t *testing.T) {
	t.Setenv("KANSHI_PORT", "0")
	t.Setenv("KANSHI_SQLITE_PATH", ":memory:")

	app, err := kanshi.New(
		kanshi.WithLogger(slog.New(slog.DiscardHandler)),
	)
	require.NoError(t, err)

	status := app.BreakerStatus("never-seen")
	assert.Equal(t, "never-seen", status.AppID)
	assert.Equal(t, "closed", status.State)
	assert.Equal(t, "allow", status.RecommendedAction)

	require.NoError(t, app.Shutdown(context.Background()))
}

func TestRuleSourceRejectsMalformedPredicate(t *testing.T) {
	t.Setenv("KANSHI_PORT", "0")
	t.Setenv("KANSHI_SQLITE_PATH", ":memory:")

	bad := kanshi.RuleSet{
		AppID: "checkout-bot",
		Rules: []kanshi.Rule{{
			ID:        "broken",
			AppID:     "checkout-bot",
			Name:      "broken",
			Category:  "custom",
			Severity:  "low",
			Enabled:   true,
			Version:   1,
			Predicate: json.RawMessage(`{"kind":"threshold"}`),
		}},
	}

	// The app still constructs; the bad source fails the initial refresh and
	// the cache keeps its empty snapshot.
	app, err := kanshi.New(
		kanshi.WithLogger(slog.New(slog.DiscardHandler)),
		kanshi.WithRuleSource(staticRules{sets: []kanshi.RuleSet{bad}}),
	)
	require.NoError(t, err)
	require.NoError(t, app.Shutdown(context.Background()))
}
