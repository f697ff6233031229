// Package kanshi is the public API for embedding the Kanshi LLM quality
// monitoring server.
//
// Consumers import this package to construct and extend the server without
// forking it:
//
//	app, err := kanshi.New(
//	    kanshi.WithVersion(version),
//	    kanshi.WithLogger(logger),
//	    kanshi.WithTransitionSink(myPager{}),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: kanshi (root) imports
// internal/*, but internal/* never imports kanshi (root). Public types
// (Interaction, Verdict, Transition, etc.) are standalone structs with no
// internal imports; conversion helpers live here because this is the only
// file that sees both sides of the boundary.
package kanshi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/joho/godotenv"

	"github.com/ashita-ai/kanshi/api"
	"github.com/ashita-ai/kanshi/internal/breaker"
	"github.com/ashita-ai/kanshi/internal/config"
	"github.com/ashita-ai/kanshi/internal/drift"
	"github.com/ashita-ai/kanshi/internal/model"
	"github.com/ashita-ai/kanshi/internal/pipeline"
	"github.com/ashita-ai/kanshi/internal/ratelimit"
	"github.com/ashita-ai/kanshi/internal/rules"
	"github.com/ashita-ai/kanshi/internal/server"
	"github.com/ashita-ai/kanshi/internal/storage"
	"github.com/ashita-ai/kanshi/internal/telemetry"
	"github.com/ashita-ai/kanshi/migrations"
)

// App is the Kanshi server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	store        storage.Store
	db           *storage.DB // nil in lite mode
	srv          *server.Server
	broker       *server.Broker // nil without a notify connection
	cache        *rules.Cache
	breakers     *breaker.Controller
	pipe         *pipeline.Pipeline
	limiter      ratelimit.Limiter
	otelShutdown func(context.Context) error
	logger       *slog.Logger
	version      string
}

// New initialises the Kanshi server. It connects to storage, runs
// migrations, wires all subsystems, and returns a ready-to-run App.
// It does NOT start any goroutines or accept HTTP connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
		if cfg.NotifyURL == "" {
			cfg.NotifyURL = o.databaseURL
		}
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if o.sqlitePath != "" {
		cfg.SQLitePath = o.sqlitePath
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("kanshi starting", "version", version, "port", cfg.Port, "lite_mode", cfg.LiteMode())

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Connect storage. Lite mode runs against an embedded sqlite file with
	// no LISTEN/NOTIFY, so the SSE broker stays disabled.
	var (
		store  storage.Store
		db     *storage.DB
		broker *server.Broker
	)
	if cfg.LiteMode() {
		lite, liteErr := storage.NewLite(context.Background(), cfg.SQLitePath, logger)
		if liteErr != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", liteErr)
		}
		store = lite
		logger.Info("storage: lite mode (sqlite)", "path", cfg.SQLitePath)
	} else {
		db, err = storage.New(context.Background(), cfg.DatabaseURL, cfg.NotifyURL, logger)
		if err != nil {
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("storage: %w", err)
		}
		if err := db.RunMigrations(context.Background(), migrations.FS); err != nil {
			_ = db.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("migrations: %w", err)
		}
		for i, extraFS := range o.extraMigrations {
			if err := db.RunMigrations(context.Background(), extraFS); err != nil {
				_ = db.Close(context.Background())
				_ = otelShutdown(context.Background())
				return nil, fmt.Errorf("extra migrations[%d]: %w", i, err)
			}
		}
		store = db
		broker = server.NewBroker(db, logger)
	}

	// Rule cache. The store itself is the default source; an external
	// RuleSource replaces it.
	var source rules.Source = store
	if o.ruleSource != nil {
		source = &ruleSourceAdapter{src: o.ruleSource}
	}
	cache := rules.NewCache(source, logger, cfg.RuleRefreshInterval)
	if err := cache.Refresh(context.Background()); err != nil {
		// Startup proceeds with an empty snapshot; the refresh loop retries.
		logger.Warn("initial rule load failed", "error", err)
	}

	// Breaker controller, restored from persisted state.
	breakers := breaker.NewController(breaker.Config{
		FailureRateThreshold: cfg.BreakerFailureRate,
		FailureWindow:        cfg.BreakerFailureWindow,
		CriticalConsecutive:  cfg.BreakerCriticalConsecutive,
		DriftHardThreshold:   cfg.BreakerDriftHardThreshold,
		CooldownBase:         cfg.BreakerCooldownBase,
		CooldownMax:          cfg.BreakerCooldownMax,
		ProbeVolume:          cfg.BreakerProbeVolume,
		RecoveryThreshold:    cfg.BreakerRecoveryThreshold,
	})
	if states, err := store.LoadBreakerStates(context.Background()); err != nil {
		logger.Warn("breaker state restore failed, starting closed", "error", err)
	} else if len(states) > 0 {
		breakers.Restore(states)
		logger.Info("breaker states restored", "apps", len(states))
	}

	// Dispatcher: the storage sink always runs first, then external sinks.
	sink := &storeSink{store: store, breakers: breakers, logger: logger}
	verdictSinks := []pipeline.VerdictSink{sink}
	driftSinks := []pipeline.DriftSink{sink}
	transitionSinks := []pipeline.TransitionSink{sink}
	for _, s := range o.verdictSinks {
		verdictSinks = append(verdictSinks, &verdictSinkAdapter{sink: s})
	}
	for _, s := range o.driftSinks {
		driftSinks = append(driftSinks, &driftSinkAdapter{sink: s})
	}
	for _, s := range o.transitionSinks {
		transitionSinks = append(transitionSinks, &transitionSinkAdapter{sink: s})
	}
	disp := pipeline.NewDispatcher(verdictSinks, driftSinks, transitionSinks,
		cfg.DispatchTimeout, cfg.DispatchRetries, cfg.DispatchBackoff, logger)

	// Evaluation pipeline, with drift baselines restored.
	pipe := pipeline.New(pipeline.Config{
		QueueSize:     cfg.QueueSize,
		ShedKeepRate:  cfg.ShedKeepRate,
		SubmitTimeout: cfg.SubmitTimeout,
		TickInterval:  cfg.TickInterval,
		Drift: drift.Config{
			WindowDuration:   cfg.DriftWindowDuration,
			GracePeriod:      cfg.DriftGracePeriod,
			MinSamples:       cfg.DriftMinSamples,
			Alpha:            cfg.DriftAlpha,
			DefaultThreshold: cfg.DriftThreshold,
		},
	}, cache, breakers, disp, logger)
	if baselines, err := store.LoadBaselines(context.Background()); err != nil {
		logger.Warn("baseline restore failed, baselines re-learn from scratch", "error", err)
	} else if len(baselines) > 0 {
		pipe.RestoreBaselines(baselines)
		logger.Info("drift baselines restored", "count", len(baselines))
	}

	// Rate limiter.
	var limiter ratelimit.Limiter
	if cfg.IngestRateLimit > 0 {
		limiter = ratelimit.NewMemoryLimiter(cfg.IngestRateLimit, cfg.IngestBurst)
		logger.Info("rate limiting: memory (in-process token bucket)",
			"rps", cfg.IngestRateLimit, "burst", cfg.IngestBurst)
	} else {
		limiter = ratelimit.NoopLimiter{}
		logger.Info("rate limiting: disabled")
	}

	srv := server.New(server.ServerConfig{
		Store:               store,
		Pipeline:            pipe,
		Dispatcher:          disp,
		RuleCache:           cache,
		Breakers:            breakers,
		Broker:              broker,
		Limiter:             limiter,
		OpenAPISpec:         api.OpenAPISpec,
		Logger:              logger,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
	})

	return &App{
		cfg:          cfg,
		store:        store,
		db:           db,
		srv:          srv,
		broker:       broker,
		cache:        cache,
		breakers:     breakers,
		pipe:         pipe,
		limiter:      limiter,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts all background goroutines and the HTTP server, then blocks until
// ctx is cancelled or a fatal server error occurs. On return, Shutdown is
// called automatically — callers should not call Shutdown separately.
func (a *App) Run(ctx context.Context) error {
	a.cache.Start(ctx)
	a.pipe.Start(ctx)
	if a.broker != nil {
		go a.broker.Start(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a graceful shutdown: stop accepting HTTP requests and
// drain in-flight, drain the evaluation pipeline (queued interactions are
// evaluated, open drift windows sealed and dispatched), persist breaker
// states, then close storage and the OTEL providers.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("kanshi shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(ctx, 10*time.Second)
	if err := a.pipe.Drain(drainCtx); err != nil {
		a.logger.Error("pipeline drain incomplete, queued interactions lost", "error", err)
	}
	drainCancel()

	a.cache.Stop()

	saveCtx, saveCancel := context.WithTimeout(ctx, 5*time.Second)
	for _, st := range a.breakers.States() {
		if err := a.store.SaveBreakerState(saveCtx, st); err != nil {
			a.logger.Warn("breaker state save failed", "app_id", st.AppID, "error", err)
		}
	}
	saveCancel()

	_ = a.limiter.Close()
	_ = a.otelShutdown(context.Background())
	if err := a.store.Close(context.Background()); err != nil {
		a.logger.Warn("storage close failed", "error", err)
	}

	a.logger.Info("kanshi stopped")
	return nil
}

// Submit evaluates one interaction through the pipeline, bypassing HTTP.
// Intended for embedding consumers that capture interactions in-process.
func (a *App) Submit(ctx context.Context, in Interaction) error {
	return a.pipe.Submit(ctx, toModelInteraction(in))
}

// BreakerStatus returns the breaker state and traffic recommendation for an
// application. Unknown applications report closed/allow.
func (a *App) BreakerStatus(appID string) BreakerStatus {
	st, ok := a.breakers.State(appID)
	if !ok {
		st = model.CircuitBreakerState{AppID: appID, State: model.BreakerClosed}
	}
	return BreakerStatus{
		AppID:             st.AppID,
		State:             string(st.State),
		RecommendedAction: string(a.breakers.Recommendation(appID)),
		FailureCount:      st.FailureCount,
		OpenedAt:          st.OpenedAt,
		CooldownUntil:     st.CooldownUntil,
		LastTransitionAt:  st.LastTransitionAt,
	}
}

// Handler returns the root HTTP handler, for mounting Kanshi inside a larger
// server or for tests.
func (a *App) Handler() http.Handler {
	return a.srv.Handler()
}

// ── Adapters (defined here because this file imports both sides) ───────────

// storeSink persists pipeline output. It is always the first sink so
// external sinks observe only events that were offered to storage.
type storeSink struct {
	store    storage.Store
	breakers *breaker.Controller
	logger   *slog.Logger
}

func (s *storeSink) PublishVerdicts(ctx context.Context, verdicts []model.ValidationVerdict) error {
	return s.store.InsertVerdicts(ctx, verdicts)
}

func (s *storeSink) PublishDrift(ctx context.Context, sw drift.SealedWindow) error {
	if err := s.store.InsertDriftWindow(ctx, sw.Window); err != nil {
		return err
	}
	if sw.Score != nil {
		if err := s.store.InsertDriftScore(ctx, *sw.Score); err != nil {
			return err
		}
	}
	if sw.Baseline.Established() {
		if err := s.store.UpsertBaseline(ctx, sw.Baseline); err != nil {
			return err
		}
	}
	return nil
}

func (s *storeSink) PublishTransition(ctx context.Context, tr model.BreakerTransition) error {
	if err := s.store.InsertTransition(ctx, tr); err != nil {
		return err
	}
	// Persist the app's current state alongside the transition so a crash
	// between transitions restores the breaker where it actually is.
	if st, ok := s.breakers.State(tr.AppID); ok {
		if err := s.store.SaveBreakerState(ctx, st); err != nil {
			s.logger.Warn("breaker state save failed", "app_id", tr.AppID, "error", err)
		}
	}
	return nil
}

// verdictSinkAdapter bridges a public VerdictSink to the pipeline interface.
type verdictSinkAdapter struct {
	sink VerdictSink
}

func (a *verdictSinkAdapter) PublishVerdicts(ctx context.Context, verdicts []model.ValidationVerdict) error {
	out := make([]Verdict, len(verdicts))
	for i, v := range verdicts {
		out[i] = toPublicVerdict(v)
	}
	return a.sink.OnVerdicts(ctx, out)
}

type driftSinkAdapter struct {
	sink DriftSink
}

func (a *driftSinkAdapter) PublishDrift(ctx context.Context, sw drift.SealedWindow) error {
	return a.sink.OnDrift(ctx, toPublicDriftAlert(sw))
}

type transitionSinkAdapter struct {
	sink TransitionSink
}

func (a *transitionSinkAdapter) PublishTransition(ctx context.Context, tr model.BreakerTransition) error {
	return a.sink.OnTransition(ctx, toPublicTransition(tr))
}

// ruleSourceAdapter bridges a public RuleSource to the internal cache source.
type ruleSourceAdapter struct {
	src RuleSource
}

func (a *ruleSourceAdapter) FetchRuleSets(ctx context.Context) (map[string]model.RuleSet, error) {
	sets, err := a.src.FetchRuleSets(ctx)
	if err != nil {
		return nil, err
	}
	out := make(map[string]model.RuleSet, len(sets))
	for _, rs := range sets {
		converted, err := toModelRuleSet(rs)
		if err != nil {
			return nil, fmt.Errorf("rule set %q: %w", rs.AppID, err)
		}
		out[rs.AppID] = converted
	}
	return out, nil
}

// ── Type converters ────────────────────────────────────────────────────────

func toModelInteraction(in Interaction) model.CapturedInteraction {
	return model.CapturedInteraction{
		ID:        in.ID,
		AppID:     in.AppID,
		Timestamp: in.Timestamp,
		Prompt:    in.Prompt,
		Response:  in.Response,
		Metadata: model.InteractionMetadata{
			Model:            in.Model,
			PromptTokens:     in.PromptTokens,
			CompletionTokens: in.CompletionTokens,
			LatencyMs:        in.LatencyMs,
			CostUSD:          in.CostUSD,
			Extra:            in.Extra,
		},
	}
}

func toPublicVerdict(v model.ValidationVerdict) Verdict {
	return Verdict{
		InteractionID: v.InteractionID,
		AppID:         v.AppID,
		RuleID:        v.RuleID,
		RuleVersion:   v.RuleVersion,
		Status:        string(v.Status),
		Severity:      string(v.Severity),
		Diagnostic:    v.Diagnostic,
		EvaluatedAt:   v.EvaluatedAt,
	}
}

func toPublicDriftAlert(sw drift.SealedWindow) DriftAlert {
	alert := DriftAlert{
		AppID:       sw.Window.AppID,
		Metric:      sw.Window.Metric,
		WindowStart: sw.Window.WindowStart,
		WindowEnd:   sw.Window.WindowEnd,
		Count:       sw.Window.Count,
		Mean:        sw.Window.Mean,
		Variance:    sw.Window.Variance,
	}
	if sw.Score != nil {
		score := sw.Score.Score
		alert.Score = &score
		alert.Threshold = sw.Score.Threshold
		alert.Drifted = sw.Score.IsDrifted
	}
	return alert
}

func toPublicTransition(tr model.BreakerTransition) Transition {
	return Transition{
		ID:                tr.ID,
		AppID:             tr.AppID,
		FromState:         string(tr.FromState),
		ToState:           string(tr.ToState),
		Reason:            tr.Reason,
		RecommendedAction: string(tr.Recommended),
		OccurredAt:        tr.OccurredAt,
	}
}

// toModelRuleSet parses a public rule set, including each rule's JSON
// predicate tree, and validates the result.
func toModelRuleSet(rs RuleSet) (model.RuleSet, error) {
	out := model.RuleSet{AppID: rs.AppID, FailFast: rs.FailFast}
	for _, r := range rs.Rules {
		var pred model.Predicate
		if len(r.Predicate) > 0 {
			if err := json.Unmarshal(r.Predicate, &pred); err != nil {
				return model.RuleSet{}, fmt.Errorf("rule %q: parse predicate: %w", r.ID, err)
			}
		}
		rule := model.InvariantRule{
			ID:        r.ID,
			AppID:     rs.AppID,
			Name:      r.Name,
			Category:  model.Category(r.Category),
			Severity:  model.Severity(r.Severity),
			Enabled:   r.Enabled,
			Version:   r.Version,
			Predicate: pred,
		}
		if err := model.ValidateRule(rule); err != nil {
			return model.RuleSet{}, fmt.Errorf("rule %q: %w", r.ID, err)
		}
		out.Rules = append(out.Rules, rule)
	}
	return out, nil
}
