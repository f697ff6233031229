package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kanshi/internal/breaker"
	"github.com/ashita-ai/kanshi/internal/drift"
	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/pipeline"
	"github.com/ashita-ai/kanshi/internal/ratelimit"
	"github.com/ashita-ai/kanshi/internal/rules"
)

// fakeStore is an in-memory storage.Store for handler tests.
type fakeStore struct {
	verdicts    []model.ValidationVerdict
	scores      []model.DriftScore
	transitions []model.BreakerTransition
	pingErr     error
	queryErr    error
}

func (f *fakeStore) InsertVerdicts(_ context.Context, vs []model.ValidationVerdict) error {
	f.verdicts = append(f.verdicts, vs...)
	return nil
}

func (f *fakeStore) RecentVerdicts(_ context.Context, appID string, limit int) ([]model.ValidationVerdict, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var out []model.ValidationVerdict
	for _, v := range f.verdicts {
		if v.AppID == appID && len(out) < limit {
			out = append(out, v)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertDriftWindow(context.Context, model.DriftWindow) error { return nil }
func (f *fakeStore) InsertDriftScore(_ context.Context, s model.DriftScore) error {
	f.scores = append(f.scores, s)
	return nil
}
func (f *fakeStore) UpsertBaseline(context.Context, model.Baseline) error  { return nil }
func (f *fakeStore) LoadBaselines(context.Context) ([]model.Baseline, error) { return nil, nil }

func (f *fakeStore) RecentScores(_ context.Context, appID string, limit int) ([]model.DriftScore, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var out []model.DriftScore
	for _, s := range f.scores {
		if s.AppID == appID && len(out) < limit {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeStore) InsertTransition(_ context.Context, tr model.BreakerTransition) error {
	f.transitions = append(f.transitions, tr)
	return nil
}

func (f *fakeStore) RecentTransitions(_ context.Context, appID string, limit int) ([]model.BreakerTransition, error) {
	if f.queryErr != nil {
		return nil, f.queryErr
	}
	var out []model.BreakerTransition
	for _, tr := range f.transitions {
		if tr.AppID == appID && len(out) < limit {
			out = append(out, tr)
		}
	}
	return out, nil
}

func (f *fakeStore) SaveBreakerState(context.Context, model.CircuitBreakerState) error { return nil }
func (f *fakeStore) LoadBreakerStates(context.Context) ([]model.CircuitBreakerState, error) {
	return nil, nil
}

func (f *fakeStore) FetchRuleSets(context.Context) (map[string]model.RuleSet, error) {
	return map[string]model.RuleSet{}, nil
}

func (f *fakeStore) Ping(context.Context) error  { return f.pingErr }
func (f *fakeStore) Close(context.Context) error { return nil }

type testServer struct {
	srv   *Server
	store *fakeStore
	pipe  *pipeline.Pipeline
}

func newTestServer(t *testing.T, limiter ratelimit.Limiter) *testServer {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	store := &fakeStore{}

	cache := rules.NewCache(rules.StaticSource{Sets: map[string]model.RuleSet{
		"checkout-bot": {
			AppID: "checkout-bot",
			Rules: []model.InvariantRule{{
				ID: "max_length", AppID: "checkout-bot", Name: "length cap",
				Category: model.CategoryPerformance, Severity: model.SeverityMedium,
				Enabled: true, Version: 1,
				Predicate: model.Predicate{
					Kind: model.PredicateThreshold, Signal: model.SignalResponseChars,
					Op: model.OpLTE, Bound: 500,
				},
			}},
		},
	}}, logger, time.Hour)
	require.NoError(t, cache.Refresh(context.Background()))

	breakers := breaker.NewController(breaker.Config{
		FailureRateThreshold: 0.20,
		FailureWindow:        5,
		CriticalConsecutive:  3,
		DriftHardThreshold:   4.0,
		CooldownBase:         30 * time.Second,
		CooldownMax:          10 * time.Minute,
		ProbeVolume:          10,
		RecoveryThreshold:    0.80,
	})

	disp := pipeline.NewDispatcher(nil, nil, nil, time.Second, 0, 0, logger)
	pipe := pipeline.New(pipeline.Config{
		QueueSize:     16,
		ShedKeepRate:  0,
		SubmitTimeout: 50 * time.Millisecond,
		TickInterval:  time.Hour,
		Drift: drift.Config{
			WindowDuration:   5 * time.Minute,
			GracePeriod:      30 * time.Second,
			MinSamples:       1,
			Alpha:            0.2,
			DefaultThreshold: 3.0,
		},
	}, cache, breakers, disp, logger)
	pipe.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = pipe.Drain(ctx)
	})

	srv := New(ServerConfig{
		Store:       store,
		Pipeline:    pipe,
		Dispatcher:  disp,
		RuleCache:   cache,
		Breakers:    breakers,
		Limiter:     limiter,
		OpenAPISpec: []byte("openapi: \"3.1.0\"\n"),
		Logger:      logger,
		Port:        0,
		Version:     "test",
	})
	return &testServer{srv: srv, store: store, pipe: pipe}
}

func postJSON(t *testing.T, h http.Handler, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func getPath(h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decodeData[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var envelope struct {
		Data T                  `json:"data"`
		Meta model.ResponseMeta `json:"meta"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &envelope))
	require.NotEmpty(t, envelope.Meta.RequestID)
	return envelope.Data
}

func TestIngestAccepted(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := postJSON(t, ts.srv.Handler(), "/v1/interactions", model.CapturedInteraction{
		ID:        uuid.New(),
		AppID:     "checkout-bot",
		Timestamp: time.Now().UTC(),
		Response:  "order confirmed",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decodeData[model.IngestResponse](t, rec)
	assert.Equal(t, "accepted", resp.Status)
	assert.NotEmpty(t, resp.ID)
}

func TestIngestAssignsMissingIDAndTimestamp(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := postJSON(t, ts.srv.Handler(), "/v1/interactions", map[string]any{
		"app_id":   "checkout-bot",
		"response": "ok",
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	resp := decodeData[model.IngestResponse](t, rec)
	id, err := uuid.Parse(resp.ID)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, id)
}

func TestIngestRejectsMissingAppID(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := postJSON(t, ts.srv.Handler(), "/v1/interactions", map[string]any{
		"response": "no app",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), model.ErrCodeInvalidInput)
}

func TestIngestRejectsMalformedBody(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/interactions", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestRejectsUnknownFields(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := postJSON(t, ts.srv.Handler(), "/v1/interactions", map[string]any{
		"app_id":     "checkout-bot",
		"response":   "ok",
		"unexpected": true,
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIngestPerAppRateLimit(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	defer limiter.Close()
	ts := newTestServer(t, limiter)

	body := map[string]any{"app_id": "checkout-bot", "response": "ok"}

	rec := postJSON(t, ts.srv.Handler(), "/v1/interactions", body)
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = postJSON(t, ts.srv.Handler(), "/v1/interactions", body)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Contains(t, rec.Body.String(), model.ErrCodeRateLimited)

	// A different app is not affected by checkout-bot's bucket.
	rec = postJSON(t, ts.srv.Handler(), "/v1/interactions", map[string]any{
		"app_id": "support-bot", "response": "ok",
	})
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestBreakerStateUnknownAppReportsClosed(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := getPath(ts.srv.Handler(), "/v1/apps/never-seen/breaker")
	require.Equal(t, http.StatusOK, rec.Code)

	resp := decodeData[model.BreakerStateResponse](t, rec)
	assert.Equal(t, "never-seen", resp.AppID)
	assert.Equal(t, string(model.BreakerClosed), resp.State)
	assert.Equal(t, string(model.ActionAllow), resp.Recommended)
	assert.Zero(t, resp.FailureCount)
}

func TestRecentVerdictsReturnsStoredRows(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.store.verdicts = []model.ValidationVerdict{
		{
			InteractionID: uuid.New(), AppID: "checkout-bot",
			RuleID: "max_length", RuleVersion: 1,
			Status: model.VerdictFailed, Severity: model.SeverityMedium,
			EvaluatedAt: time.Now().UTC(),
		},
	}

	rec := getPath(ts.srv.Handler(), "/v1/apps/checkout-bot/verdicts")
	require.Equal(t, http.StatusOK, rec.Code)

	verdicts := decodeData[[]model.ValidationVerdict](t, rec)
	require.Len(t, verdicts, 1)
	assert.Equal(t, "max_length", verdicts[0].RuleID)
}

func TestRecentVerdictsLimitClamped(t *testing.T) {
	ts := newTestServer(t, nil)
	for range 5 {
		ts.store.verdicts = append(ts.store.verdicts, model.ValidationVerdict{
			InteractionID: uuid.New(), AppID: "checkout-bot",
			RuleID: "max_length", RuleVersion: 1,
			Status: model.VerdictPassed, Severity: model.SeverityMedium,
		})
	}

	rec := getPath(ts.srv.Handler(), "/v1/apps/checkout-bot/verdicts?limit=2")
	require.Equal(t, http.StatusOK, rec.Code)
	verdicts := decodeData[[]model.ValidationVerdict](t, rec)
	assert.Len(t, verdicts, 2)
}

func TestRecentQueriesSurfaceStoreErrors(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.store.queryErr = errors.New("connection refused")

	for _, path := range []string{
		"/v1/apps/checkout-bot/verdicts",
		"/v1/apps/checkout-bot/drift",
		"/v1/apps/checkout-bot/transitions",
	} {
		rec := getPath(ts.srv.Handler(), path)
		assert.Equal(t, http.StatusInternalServerError, rec.Code, path)
		assert.Contains(t, rec.Body.String(), model.ErrCodeInternalError, path)
	}
}

func TestRulesRefresh(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := postJSON(t, ts.srv.Handler(), "/v1/rules/refresh", map[string]any{})
	require.Equal(t, http.StatusOK, rec.Code)

	data := decodeData[map[string]any](t, rec)
	assert.Equal(t, float64(1), data["apps"])
}

func TestHealthOK(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := getPath(ts.srv.Handler(), "/health")
	require.Equal(t, http.StatusOK, rec.Code)

	health := decodeData[model.HealthResponse](t, rec)
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "ok", health.Store)
	assert.Equal(t, "test", health.Version)
	assert.GreaterOrEqual(t, health.RuleStalenessSec, 0.0)
}

func TestHealthDegradedWhenStoreUnreachable(t *testing.T) {
	ts := newTestServer(t, nil)
	ts.store.pingErr = errors.New("connection refused")

	rec := getPath(ts.srv.Handler(), "/health")
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	health := decodeData[model.HealthResponse](t, rec)
	assert.Equal(t, "degraded", health.Status)
	assert.Equal(t, "unavailable", health.Store)
}

func TestStreamUnavailableWithoutBroker(t *testing.T) {
	ts := newTestServer(t, nil)

	rec := getPath(ts.srv.Handler(), "/v1/stream")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), model.ErrCodeUnavailable)
}

func TestRequestIDEchoedAndGenerated(t *testing.T) {
	ts := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("X-Request-ID", "req-123")
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, "req-123", rec.Header().Get("X-Request-ID"))

	rec = getPath(ts.srv.Handler(), "/health")
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
}

func TestUnknownRouteReturns404(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := getPath(ts.srv.Handler(), "/v1/nonsense")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOpenAPISpecServed(t *testing.T) {
	ts := newTestServer(t, nil)
	rec := getPath(ts.srv.Handler(), "/openapi.yaml")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Body.String(), "openapi:")
}
