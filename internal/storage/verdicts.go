package storage

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ashita-ai/kanshi/internal/model"
)

// InsertVerdicts writes a verdict batch. Conflicts on the natural key
// (interaction_id, rule_id, rule_version) are ignored: redelivered
// interactions produce identical verdicts, so the first write wins.
func (db *DB) InsertVerdicts(ctx context.Context, verdicts []model.ValidationVerdict) error {
	if len(verdicts) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, v := range verdicts {
		batch.Queue(`
			INSERT INTO validation_verdicts
				(interaction_id, app_id, rule_id, rule_version, status, severity, diagnostic, evaluated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (interaction_id, rule_id, rule_version) DO NOTHING`,
			v.InteractionID, v.AppID, v.RuleID, v.RuleVersion,
			string(v.Status), string(v.Severity), v.Diagnostic, v.EvaluatedAt,
		)
	}

	return WithRetry(ctx, 3, defaultRetryDelay, func() error {
		br := db.pool.SendBatch(ctx, batch)
		defer br.Close()
		for range verdicts {
			if _, err := br.Exec(); err != nil {
				return fmt.Errorf("storage: insert verdicts: %w", err)
			}
		}
		return nil
	})
}

// RecentVerdicts returns the newest verdicts for an application.
func (db *DB) RecentVerdicts(ctx context.Context, appID string, limit int) ([]model.ValidationVerdict, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT interaction_id, app_id, rule_id, rule_version, status, severity, diagnostic, evaluated_at
		FROM validation_verdicts
		WHERE app_id = $1
		ORDER BY evaluated_at DESC
		LIMIT $2`, appID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent verdicts: %w", err)
	}
	defer rows.Close()

	var out []model.ValidationVerdict
	for rows.Next() {
		var v model.ValidationVerdict
		if err := rows.Scan(&v.InteractionID, &v.AppID, &v.RuleID, &v.RuleVersion,
			&v.Status, &v.Severity, &v.Diagnostic, &v.EvaluatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan verdict: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
