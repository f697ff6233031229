package server

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/kanshi/internal/breaker"
	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/pipeline"
	"github.com/ashita-ai/kanshi/internal/ratelimit"
	"github.com/ashita-ai/kanshi/internal/rules"
	"github.com/ashita-ai/kanshi/internal/storage"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	store    storage.Store
	pipe     *pipeline.Pipeline
	disp     *pipeline.Dispatcher
	cache    *rules.Cache
	breakers *breaker.Controller
	broker   *Broker
	limiter  ratelimit.Limiter
	logger   *slog.Logger

	version     string
	maxBody     int64
	startedAt   time.Time
	openapiSpec []byte
}

// HandlersDeps bundles the dependencies for NewHandlers.
type HandlersDeps struct {
	Store      storage.Store
	Pipeline   *pipeline.Pipeline
	Dispatcher *pipeline.Dispatcher
	RuleCache  *rules.Cache
	Breakers   *breaker.Controller
	Broker     *Broker
	Limiter    ratelimit.Limiter
	Logger     *slog.Logger

	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	maxBody := deps.MaxRequestBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20 // 1 MB default
	}
	return &Handlers{
		store:     deps.Store,
		pipe:      deps.Pipeline,
		disp:      deps.Dispatcher,
		cache:     deps.RuleCache,
		breakers:  deps.Breakers,
		broker:    deps.Broker,
		limiter:   deps.Limiter,
		logger:    deps.Logger,
		version:     deps.Version,
		maxBody:     maxBody,
		startedAt:   time.Now(),
		openapiSpec: deps.OpenAPISpec,
	}
}

// HandleIngest accepts one captured interaction and submits it to the
// evaluation pipeline. Returns 202 in both the accepted and shed cases; a
// shed interaction already received its critical-only evaluation, so from
// the caller's view delivery succeeded either way.
func (h *Handlers) HandleIngest(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBody)

	var in model.CapturedInteraction
	if err := decodeJSON(r, &in); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}

	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = time.Now().UTC()
	}
	if err := model.ValidateInteraction(in); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	// Per-app ingest limit. Keyed by app_id from the body, so it is applied
	// here after decoding rather than in middleware. Limiter errors fail open.
	if h.limiter != nil {
		allowed, err := h.limiter.Allow(r.Context(), "ingest:"+in.AppID)
		if err == nil && !allowed {
			w.Header().Set("Retry-After", "1")
			writeError(w, r, http.StatusTooManyRequests, model.ErrCodeRateLimited, "ingest rate limit exceeded for app")
			return
		}
	}

	status := "accepted"
	if err := h.pipe.Submit(r.Context(), in); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrQueueFull):
			status = "shed"
		case errors.Is(err, pipeline.ErrClosed):
			writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "pipeline is shutting down")
			return
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
	}

	writeJSON(w, r, http.StatusAccepted, model.IngestResponse{
		ID:     in.ID.String(),
		Status: status,
	})
}

// HandleBreakerState returns the breaker state and current traffic
// recommendation for one application. Unknown apps report closed/allow,
// matching the controller's default for apps it has never seen.
func (h *Handlers) HandleBreakerState(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("app_id")

	st, ok := h.breakers.State(appID)
	if !ok {
		st = model.CircuitBreakerState{AppID: appID, State: model.BreakerClosed}
	}

	writeJSON(w, r, http.StatusOK, model.BreakerStateResponse{
		AppID:            st.AppID,
		State:            string(st.State),
		Recommended:      string(h.breakers.Recommendation(appID)),
		FailureCount:     st.FailureCount,
		OpenedAt:         st.OpenedAt,
		CooldownUntil:    st.CooldownUntil,
		LastTransitionAt: st.LastTransitionAt,
	})
}

// HandleRulesRefresh forces an immediate rule cache refresh.
func (h *Handlers) HandleRulesRefresh(w http.ResponseWriter, r *http.Request) {
	if err := h.cache.Refresh(r.Context()); err != nil {
		h.logger.Error("rules refresh failed", "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "rule refresh failed")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{
		"apps": len(h.cache.Apps()),
	})
}

// HandleRecentVerdicts returns the most recent verdicts for an application.
func (h *Handlers) HandleRecentVerdicts(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("app_id")
	limit := parseLimit(r)

	verdicts, err := h.store.RecentVerdicts(r.Context(), appID, limit)
	if err != nil {
		h.logger.Error("recent verdicts query failed", "app_id", appID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "query failed")
		return
	}
	writeJSON(w, r, http.StatusOK, verdicts)
}

// HandleRecentDrift returns the most recent drift scores for an application.
func (h *Handlers) HandleRecentDrift(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("app_id")
	limit := parseLimit(r)

	scores, err := h.store.RecentScores(r.Context(), appID, limit)
	if err != nil {
		h.logger.Error("recent drift query failed", "app_id", appID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "query failed")
		return
	}
	writeJSON(w, r, http.StatusOK, scores)
}

// HandleRecentTransitions returns the most recent breaker transitions for an
// application.
func (h *Handlers) HandleRecentTransitions(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("app_id")
	limit := parseLimit(r)

	transitions, err := h.store.RecentTransitions(r.Context(), appID, limit)
	if err != nil {
		h.logger.Error("recent transitions query failed", "app_id", appID, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "query failed")
		return
	}
	writeJSON(w, r, http.StatusOK, transitions)
}

// HandleSubscribe streams breaker transitions and drift alerts as
// Server-Sent Events.
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeUnavailable, "event streaming is not enabled")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	rc := http.NewResponseController(w)
	// Clear the server write deadline; this connection is long-lived.
	_ = rc.SetWriteDeadline(time.Time{})

	sub := h.broker.Subscribe()
	defer h.broker.Unsubscribe(sub)

	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(": connected\n\n")); err != nil {
		return
	}
	_ = rc.Flush()

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case event, ok := <-sub:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			_ = rc.Flush()
		case <-keepalive.C:
			if _, err := w.Write([]byte(": keepalive\n\n")); err != nil {
				return
			}
			_ = rc.Flush()
		}
	}
}

// HandleHealth reports service health: store reachability, rule snapshot
// staleness, and pipeline pressure counters.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := model.HealthResponse{
		Status:  "ok",
		Version: h.version,
		Store:   "ok",
		Uptime:  int64(time.Since(h.startedAt).Seconds()),
	}

	if err := h.store.Ping(r.Context()); err != nil {
		resp.Status = "degraded"
		resp.Store = "unavailable"
	}

	resp.RuleStalenessSec = h.cache.Staleness().Seconds()
	if h.pipe != nil {
		resp.QueueDepth = h.pipe.QueueDepth()
		resp.ShedTotal = h.pipe.Shed()
	}
	if h.disp != nil {
		resp.DispatchDropped = h.disp.Dropped()
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, r, status, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// parseLimit reads the limit query parameter, defaulting to 50 and
// clamping to [1, 500].
func parseLimit(r *http.Request) int {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > 500 {
		limit = 500
	}
	return limit
}
