package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"math"

	"github.com/ashita-ai/kanshi/internal/model"
)

// InsertDriftWindow persists one sealed window.
func (db *DB) InsertDriftWindow(ctx context.Context, w model.DriftWindow) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO drift_windows
			(id, app_id, metric, window_start, window_end, sample_count, mean, variance, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		w.ID, w.AppID, w.Metric, w.WindowStart, w.WindowEnd,
		w.Count, w.Mean, w.Variance, string(w.Status),
	)
	if err != nil {
		return fmt.Errorf("storage: insert drift window: %w", err)
	}
	return nil
}

// InsertDriftScore persists one drift score and, when the window drifted,
// notifies the drift channel so the SSE stream picks it up.
func (db *DB) InsertDriftScore(ctx context.Context, s model.DriftScore) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO drift_scores
			(window_id, app_id, metric, score, threshold, is_drifted, computed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		s.WindowID, s.AppID, s.Metric, s.Score, s.Threshold, s.IsDrifted, s.ComputedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert drift score: %w", err)
	}

	if s.IsDrifted {
		if err := db.Notify(ctx, ChannelDrift, driftPayload(s)); err != nil {
			// The score is persisted; a lost notification only delays the
			// dashboard until its next poll.
			db.logger.Warn("storage: drift notify failed", "app_id", s.AppID, "error", err)
		}
	}
	return nil
}

// driftPayload renders a score for pg_notify. An infinite score (zero
// variance baseline) is not valid JSON, so it is clamped to the largest
// representable float.
func driftPayload(s model.DriftScore) string {
	if math.IsInf(s.Score, 1) {
		s.Score = math.MaxFloat64
	}
	b, err := json.Marshal(s)
	if err != nil {
		return ""
	}
	return string(b)
}

// UpsertBaseline writes a metric baseline, replacing any previous one.
func (db *DB) UpsertBaseline(ctx context.Context, b model.Baseline) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO baselines (app_id, metric, mean, variance, windows, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (app_id, metric) DO UPDATE SET
			mean = EXCLUDED.mean,
			variance = EXCLUDED.variance,
			windows = EXCLUDED.windows,
			updated_at = EXCLUDED.updated_at`,
		b.AppID, b.Metric, b.Mean, b.Variance, b.Windows, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert baseline: %w", err)
	}
	return nil
}

// LoadBaselines returns every persisted baseline, for restart recovery.
func (db *DB) LoadBaselines(ctx context.Context) ([]model.Baseline, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT app_id, metric, mean, variance, windows, updated_at FROM baselines`)
	if err != nil {
		return nil, fmt.Errorf("storage: load baselines: %w", err)
	}
	defer rows.Close()

	var out []model.Baseline
	for rows.Next() {
		var b model.Baseline
		if err := rows.Scan(&b.AppID, &b.Metric, &b.Mean, &b.Variance, &b.Windows, &b.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan baseline: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// RecentScores returns the newest drift scores for an application.
func (db *DB) RecentScores(ctx context.Context, appID string, limit int) ([]model.DriftScore, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT window_id, app_id, metric, score, threshold, is_drifted, computed_at
		FROM drift_scores
		WHERE app_id = $1
		ORDER BY computed_at DESC
		LIMIT $2`, appID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent scores: %w", err)
	}
	defer rows.Close()

	var out []model.DriftScore
	for rows.Next() {
		var s model.DriftScore
		if err := rows.Scan(&s.WindowID, &s.AppID, &s.Metric, &s.Score, &s.Threshold,
			&s.IsDrifted, &s.ComputedAt); err != nil {
			return nil, fmt.Errorf("storage: scan score: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}
