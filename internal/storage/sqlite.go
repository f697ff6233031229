package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/kanshi/internal/model"
)

// Lite is the sqlite-backed Store for single-binary dev mode, selected when
// no DATABASE_URL is configured. Same surface as the Postgres DB, minus
// LISTEN/NOTIFY: the SSE stream is disabled in dev mode.
//
// Times are stored as RFC 3339 text and UUIDs as their string form, the
// usual sqlite arrangement.
type Lite struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewLite opens (or creates) the sqlite database at path and bootstraps the
// schema. Use ":memory:" for tests.
func NewLite(ctx context.Context, path string, logger *slog.Logger) (*Lite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite: %w", err)
	}
	// modernc sqlite serializes writes itself, but a single connection
	// avoids SQLITE_BUSY on concurrent writers.
	db.SetMaxOpenConns(1)

	l := &Lite{db: db, logger: logger}
	if err := l.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return l, nil
}

func (l *Lite) init(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS rule_sets (
			app_id    TEXT PRIMARY KEY,
			fail_fast INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS rules (
			id        TEXT NOT NULL,
			app_id    TEXT NOT NULL,
			name      TEXT NOT NULL,
			category  TEXT NOT NULL,
			severity  TEXT NOT NULL,
			enabled   INTEGER NOT NULL DEFAULT 1,
			version   INTEGER NOT NULL DEFAULT 1,
			position  INTEGER NOT NULL DEFAULT 0,
			predicate TEXT NOT NULL,
			PRIMARY KEY (app_id, id)
		);
		CREATE TABLE IF NOT EXISTS validation_verdicts (
			interaction_id TEXT NOT NULL,
			app_id         TEXT NOT NULL,
			rule_id        TEXT NOT NULL,
			rule_version   INTEGER NOT NULL,
			status         TEXT NOT NULL,
			severity       TEXT NOT NULL,
			diagnostic     TEXT NOT NULL DEFAULT '',
			evaluated_at   TEXT NOT NULL,
			PRIMARY KEY (interaction_id, rule_id, rule_version)
		);
		CREATE TABLE IF NOT EXISTS drift_windows (
			id           TEXT PRIMARY KEY,
			app_id       TEXT NOT NULL,
			metric       TEXT NOT NULL,
			window_start TEXT NOT NULL,
			window_end   TEXT NOT NULL,
			sample_count INTEGER NOT NULL,
			mean         REAL NOT NULL,
			variance     REAL NOT NULL,
			status       TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS drift_scores (
			window_id   TEXT NOT NULL,
			app_id      TEXT NOT NULL,
			metric      TEXT NOT NULL,
			score       REAL NOT NULL,
			threshold   REAL NOT NULL,
			is_drifted  INTEGER NOT NULL,
			computed_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS baselines (
			app_id     TEXT NOT NULL,
			metric     TEXT NOT NULL,
			mean       REAL NOT NULL,
			variance   REAL NOT NULL,
			windows    INTEGER NOT NULL,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (app_id, metric)
		);
		CREATE TABLE IF NOT EXISTS breaker_states (
			app_id             TEXT PRIMARY KEY,
			state              TEXT NOT NULL,
			failure_count      INTEGER NOT NULL DEFAULT 0,
			opened_at          TEXT,
			cooldown_until     TEXT,
			last_transition_at TEXT
		);
		CREATE TABLE IF NOT EXISTS breaker_transitions (
			id          TEXT PRIMARY KEY,
			app_id      TEXT NOT NULL,
			from_state  TEXT NOT NULL,
			to_state    TEXT NOT NULL,
			reason      TEXT NOT NULL,
			recommended TEXT NOT NULL,
			occurred_at TEXT NOT NULL
		);
	`)
	if err != nil {
		return fmt.Errorf("storage: init sqlite schema: %w", err)
	}
	return nil
}

// InsertVerdicts writes a verdict batch, ignoring natural-key duplicates.
func (l *Lite) InsertVerdicts(ctx context.Context, verdicts []model.ValidationVerdict) error {
	if len(verdicts) == 0 {
		return nil
	}
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: insert verdicts: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, v := range verdicts {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO validation_verdicts
				(interaction_id, app_id, rule_id, rule_version, status, severity, diagnostic, evaluated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			v.InteractionID.String(), v.AppID, v.RuleID, v.RuleVersion,
			string(v.Status), string(v.Severity), v.Diagnostic, encodeTime(v.EvaluatedAt),
		); err != nil {
			return fmt.Errorf("storage: insert verdict: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: insert verdicts: commit: %w", err)
	}
	return nil
}

// RecentVerdicts returns the newest verdicts for an application.
func (l *Lite) RecentVerdicts(ctx context.Context, appID string, limit int) ([]model.ValidationVerdict, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT interaction_id, app_id, rule_id, rule_version, status, severity, diagnostic, evaluated_at
		FROM validation_verdicts
		WHERE app_id = ?
		ORDER BY evaluated_at DESC
		LIMIT ?`, appID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent verdicts: %w", err)
	}
	defer rows.Close()

	var out []model.ValidationVerdict
	for rows.Next() {
		var v model.ValidationVerdict
		var id, status, severity, evaluatedAt string
		if err := rows.Scan(&id, &v.AppID, &v.RuleID, &v.RuleVersion,
			&status, &severity, &v.Diagnostic, &evaluatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan verdict: %w", err)
		}
		if v.InteractionID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("storage: parse verdict id: %w", err)
		}
		v.Status = model.VerdictStatus(status)
		v.Severity = model.Severity(severity)
		v.EvaluatedAt = decodeTime(evaluatedAt)
		out = append(out, v)
	}
	return out, rows.Err()
}

// InsertDriftWindow persists one sealed window.
func (l *Lite) InsertDriftWindow(ctx context.Context, w model.DriftWindow) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO drift_windows
			(id, app_id, metric, window_start, window_end, sample_count, mean, variance, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		w.ID.String(), w.AppID, w.Metric, encodeTime(w.WindowStart), encodeTime(w.WindowEnd),
		w.Count, w.Mean, w.Variance, string(w.Status),
	)
	if err != nil {
		return fmt.Errorf("storage: insert drift window: %w", err)
	}
	return nil
}

// InsertDriftScore persists one drift score.
func (l *Lite) InsertDriftScore(ctx context.Context, s model.DriftScore) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO drift_scores
			(window_id, app_id, metric, score, threshold, is_drifted, computed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		s.WindowID.String(), s.AppID, s.Metric, s.Score, s.Threshold,
		s.IsDrifted, encodeTime(s.ComputedAt),
	)
	if err != nil {
		return fmt.Errorf("storage: insert drift score: %w", err)
	}
	return nil
}

// UpsertBaseline writes a metric baseline, replacing any previous one.
func (l *Lite) UpsertBaseline(ctx context.Context, b model.Baseline) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO baselines (app_id, metric, mean, variance, windows, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (app_id, metric) DO UPDATE SET
			mean = excluded.mean,
			variance = excluded.variance,
			windows = excluded.windows,
			updated_at = excluded.updated_at`,
		b.AppID, b.Metric, b.Mean, b.Variance, b.Windows, encodeTime(b.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage: upsert baseline: %w", err)
	}
	return nil
}

// LoadBaselines returns every persisted baseline.
func (l *Lite) LoadBaselines(ctx context.Context) ([]model.Baseline, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT app_id, metric, mean, variance, windows, updated_at FROM baselines`)
	if err != nil {
		return nil, fmt.Errorf("storage: load baselines: %w", err)
	}
	defer rows.Close()

	var out []model.Baseline
	for rows.Next() {
		var b model.Baseline
		var updatedAt string
		if err := rows.Scan(&b.AppID, &b.Metric, &b.Mean, &b.Variance, &b.Windows, &updatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan baseline: %w", err)
		}
		b.UpdatedAt = decodeTime(updatedAt)
		out = append(out, b)
	}
	return out, rows.Err()
}

// RecentScores returns the newest drift scores for an application.
func (l *Lite) RecentScores(ctx context.Context, appID string, limit int) ([]model.DriftScore, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT window_id, app_id, metric, score, threshold, is_drifted, computed_at
		FROM drift_scores
		WHERE app_id = ?
		ORDER BY computed_at DESC
		LIMIT ?`, appID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent scores: %w", err)
	}
	defer rows.Close()

	var out []model.DriftScore
	for rows.Next() {
		var s model.DriftScore
		var id, computedAt string
		if err := rows.Scan(&id, &s.AppID, &s.Metric, &s.Score, &s.Threshold,
			&s.IsDrifted, &computedAt); err != nil {
			return nil, fmt.Errorf("storage: scan score: %w", err)
		}
		if s.WindowID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("storage: parse score window id: %w", err)
		}
		s.ComputedAt = decodeTime(computedAt)
		out = append(out, s)
	}
	return out, rows.Err()
}

// InsertTransition persists one breaker transition.
func (l *Lite) InsertTransition(ctx context.Context, tr model.BreakerTransition) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO breaker_transitions
			(id, app_id, from_state, to_state, reason, recommended, occurred_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tr.ID.String(), tr.AppID, string(tr.FromState), string(tr.ToState),
		tr.Reason, string(tr.Recommended), encodeTime(tr.OccurredAt),
	)
	if err != nil {
		return fmt.Errorf("storage: insert transition: %w", err)
	}
	return nil
}

// RecentTransitions returns the newest transitions for an application.
func (l *Lite) RecentTransitions(ctx context.Context, appID string, limit int) ([]model.BreakerTransition, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, app_id, from_state, to_state, reason, recommended, occurred_at
		FROM breaker_transitions
		WHERE app_id = ?
		ORDER BY occurred_at DESC
		LIMIT ?`, appID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent transitions: %w", err)
	}
	defer rows.Close()

	var out []model.BreakerTransition
	for rows.Next() {
		var tr model.BreakerTransition
		var id, from, to, recommended, occurredAt string
		if err := rows.Scan(&id, &tr.AppID, &from, &to, &tr.Reason, &recommended, &occurredAt); err != nil {
			return nil, fmt.Errorf("storage: scan transition: %w", err)
		}
		if tr.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("storage: parse transition id: %w", err)
		}
		tr.FromState = model.BreakerState(from)
		tr.ToState = model.BreakerState(to)
		tr.Recommended = model.Action(recommended)
		tr.OccurredAt = decodeTime(occurredAt)
		out = append(out, tr)
	}
	return out, rows.Err()
}

// SaveBreakerState upserts the current state for an application.
func (l *Lite) SaveBreakerState(ctx context.Context, st model.CircuitBreakerState) error {
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO breaker_states
			(app_id, state, failure_count, opened_at, cooldown_until, last_transition_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (app_id) DO UPDATE SET
			state = excluded.state,
			failure_count = excluded.failure_count,
			opened_at = excluded.opened_at,
			cooldown_until = excluded.cooldown_until,
			last_transition_at = excluded.last_transition_at`,
		st.AppID, string(st.State), st.FailureCount,
		encodeNullableTime(st.OpenedAt), encodeNullableTime(st.CooldownUntil),
		encodeNullableTime(st.LastTransitionAt),
	)
	if err != nil {
		return fmt.Errorf("storage: save breaker state: %w", err)
	}
	return nil
}

// LoadBreakerStates returns every persisted breaker state.
func (l *Lite) LoadBreakerStates(ctx context.Context) ([]model.CircuitBreakerState, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT app_id, state, failure_count, opened_at, cooldown_until, last_transition_at
		FROM breaker_states`)
	if err != nil {
		return nil, fmt.Errorf("storage: load breaker states: %w", err)
	}
	defer rows.Close()

	var out []model.CircuitBreakerState
	for rows.Next() {
		var st model.CircuitBreakerState
		var state string
		var opened, cooldown, last sql.NullString
		if err := rows.Scan(&st.AppID, &state, &st.FailureCount, &opened, &cooldown, &last); err != nil {
			return nil, fmt.Errorf("storage: scan breaker state: %w", err)
		}
		st.State = model.BreakerState(state)
		st.OpenedAt = decodeNullableTime(opened)
		st.CooldownUntil = decodeNullableTime(cooldown)
		st.LastTransitionAt = decodeNullableTime(last)
		out = append(out, st)
	}
	return out, rows.Err()
}

// FetchRuleSets loads the enabled rules for every application.
func (l *Lite) FetchRuleSets(ctx context.Context) (map[string]model.RuleSet, error) {
	sets := make(map[string]model.RuleSet)

	rows, err := l.db.QueryContext(ctx, `SELECT app_id, fail_fast FROM rule_sets`)
	if err != nil {
		return nil, fmt.Errorf("storage: fetch rule sets: %w", err)
	}
	for rows.Next() {
		var rs model.RuleSet
		if err := rows.Scan(&rs.AppID, &rs.FailFast); err != nil {
			rows.Close()
			return nil, fmt.Errorf("storage: scan rule set: %w", err)
		}
		sets[rs.AppID] = rs
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = l.db.QueryContext(ctx, `
		SELECT id, app_id, name, category, severity, enabled, version, predicate
		FROM rules
		WHERE enabled = 1
		ORDER BY app_id, position, id`)
	if err != nil {
		return nil, fmt.Errorf("storage: fetch rules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r model.InvariantRule
		var category, severity, predicate string
		if err := rows.Scan(&r.ID, &r.AppID, &r.Name, &category, &severity,
			&r.Enabled, &r.Version, &predicate); err != nil {
			return nil, fmt.Errorf("storage: scan rule: %w", err)
		}
		r.Category = model.Category(category)
		r.Severity = model.Severity(severity)
		if err := json.Unmarshal([]byte(predicate), &r.Predicate); err != nil {
			l.logger.Warn("storage: skipping rule with malformed predicate",
				"app_id", r.AppID, "rule_id", r.ID, "error", err)
			continue
		}

		rs, ok := sets[r.AppID]
		if !ok {
			rs = model.RuleSet{AppID: r.AppID}
		}
		rs.Rules = append(rs.Rules, r)
		sets[r.AppID] = rs
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for app, rs := range sets {
		if len(rs.Rules) == 0 {
			delete(sets, app)
		}
	}
	return sets, nil
}

// UpsertRuleSet writes an application's rule set, used for dev seeding.
func (l *Lite) UpsertRuleSet(ctx context.Context, rs model.RuleSet) error {
	for _, r := range rs.Rules {
		if err := model.ValidateRule(r); err != nil {
			return fmt.Errorf("storage: upsert rule set: rule %s: %w", r.ID, err)
		}
	}

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("storage: upsert rule set: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO rule_sets (app_id, fail_fast) VALUES (?, ?)
		ON CONFLICT (app_id) DO UPDATE SET fail_fast = excluded.fail_fast`,
		rs.AppID, rs.FailFast,
	); err != nil {
		return fmt.Errorf("storage: upsert rule set: %w", err)
	}

	for i, r := range rs.Rules {
		predicate, err := json.Marshal(r.Predicate)
		if err != nil {
			return fmt.Errorf("storage: marshal predicate for rule %s: %w", r.ID, err)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO rules (id, app_id, name, category, severity, enabled, version, position, predicate)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT (app_id, id) DO UPDATE SET
				name = excluded.name,
				category = excluded.category,
				severity = excluded.severity,
				enabled = excluded.enabled,
				version = excluded.version,
				position = excluded.position,
				predicate = excluded.predicate`,
			r.ID, rs.AppID, r.Name, string(r.Category), string(r.Severity),
			r.Enabled, r.Version, i, string(predicate),
		); err != nil {
			return fmt.Errorf("storage: upsert rule %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("storage: upsert rule set: commit: %w", err)
	}
	return nil
}

// Ping checks the database handle.
func (l *Lite) Ping(ctx context.Context) error {
	return l.db.PingContext(ctx)
}

// Close closes the database handle.
func (l *Lite) Close(_ context.Context) error {
	return l.db.Close()
}

func encodeTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func decodeTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func encodeNullableTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return encodeTime(t)
}

func decodeNullableTime(s sql.NullString) time.Time {
	if !s.Valid {
		return time.Time{}
	}
	return decodeTime(s.String)
}
