package kanshi

import (
	"io/fs"
	"log/slog"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port            int
	databaseURL     string
	notifyURL       string
	sqlitePath      string
	logger          *slog.Logger
	version         string
	verdictSinks    []VerdictSink
	driftSinks      []DriftSink
	transitionSinks []TransitionSink
	ruleSource      RuleSource
	semanticChecker SemanticChecker
	extraMigrations []fs.FS
}

// WithPort overrides the TCP port from config (KANSHI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithDatabaseURL overrides the database connection string from config
// (DATABASE_URL env var). An empty URL selects lite mode (embedded sqlite).
func WithDatabaseURL(url string) Option {
	return func(o *resolvedOptions) { o.databaseURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY
// (NOTIFY_URL env var). Set this when using a connection pooler (e.g.
// PgBouncer) for queries — LISTEN/NOTIFY requires a direct connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithSQLitePath overrides the lite mode database file (KANSHI_SQLITE_PATH
// env var). Only used when no DATABASE_URL is configured.
func WithSQLitePath(path string) Option {
	return func(o *resolvedOptions) { o.sqlitePath = path }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithVerdictSink registers a sink to receive every verdict batch.
// Multiple sinks may be registered; all receive every batch.
func WithVerdictSink(s VerdictSink) Option {
	return func(o *resolvedOptions) { o.verdictSinks = append(o.verdictSinks, s) }
}

// WithDriftSink registers a sink to receive every sealed drift window.
// Multiple sinks may be registered.
func WithDriftSink(s DriftSink) Option {
	return func(o *resolvedOptions) { o.driftSinks = append(o.driftSinks, s) }
}

// WithTransitionSink registers a sink to receive every breaker transition.
// Multiple sinks may be registered.
func WithTransitionSink(s TransitionSink) Option {
	return func(o *resolvedOptions) { o.transitionSinks = append(o.transitionSinks, s) }
}

// WithRuleSource replaces the database-backed rule source.
// Only the last call wins.
func WithRuleSource(s RuleSource) Option {
	return func(o *resolvedOptions) { o.ruleSource = s }
}

// WithSemanticChecker sets the model-graded check implementation.
// Only the last call wins. The checker is not wired to any call sites yet —
// this option reserves the extension point for a future release.
func WithSemanticChecker(c SemanticChecker) Option {
	return func(o *resolvedOptions) { o.semanticChecker = c }
}

// WithExtraMigrations adds an additional SQL migration filesystem to run
// after the embedded migrations. Multiple filesystems may be registered;
// they are applied in registration order. Ignored in lite mode.
func WithExtraMigrations(dir fs.FS) Option {
	return func(o *resolvedOptions) { o.extraMigrations = append(o.extraMigrations, dir) }
}
