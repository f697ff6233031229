package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ashita-ai/kanshi/internal/model"
)

// InsertTransition persists one breaker transition and notifies the
// transitions channel for the SSE stream.
func (db *DB) InsertTransition(ctx context.Context, tr model.BreakerTransition) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO breaker_transitions
			(id, app_id, from_state, to_state, reason, recommended, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		tr.ID, tr.AppID, string(tr.FromState), string(tr.ToState),
		tr.Reason, string(tr.Recommended), tr.OccurredAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert transition: %w", err)
	}

	payload, _ := json.Marshal(tr)
	if err := db.Notify(ctx, ChannelTransitions, string(payload)); err != nil {
		db.logger.Warn("storage: transition notify failed", "app_id", tr.AppID, "error", err)
	}
	return nil
}

// RecentTransitions returns the newest transitions for an application.
func (db *DB) RecentTransitions(ctx context.Context, appID string, limit int) ([]model.BreakerTransition, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT id, app_id, from_state, to_state, reason, recommended, occurred_at
		FROM breaker_transitions
		WHERE app_id = $1
		ORDER BY occurred_at DESC
		LIMIT $2`, appID, limit)
	if err != nil {
		return nil, fmt.Errorf("storage: recent transitions: %w", err)
	}
	defer rows.Close()

	var out []model.BreakerTransition
	for rows.Next() {
		var tr model.BreakerTransition
		if err := rows.Scan(&tr.ID, &tr.AppID, &tr.FromState, &tr.ToState,
			&tr.Reason, &tr.Recommended, &tr.OccurredAt); err != nil {
			return nil, fmt.Errorf("storage: scan transition: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

// SaveBreakerState upserts the current state for an application. Written on
// every transition so a restarted process resumes where it left off.
func (db *DB) SaveBreakerState(ctx context.Context, st model.CircuitBreakerState) error {
	_, err := db.pool.Exec(ctx, `
		INSERT INTO breaker_states
			(app_id, state, failure_count, opened_at, cooldown_until, last_transition_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (app_id) DO UPDATE SET
			state = EXCLUDED.state,
			failure_count = EXCLUDED.failure_count,
			opened_at = EXCLUDED.opened_at,
			cooldown_until = EXCLUDED.cooldown_until,
			last_transition_at = EXCLUDED.last_transition_at`,
		st.AppID, string(st.State), st.FailureCount,
		nullableTime(st.OpenedAt), nullableTime(st.CooldownUntil), nullableTime(st.LastTransitionAt),
	)
	if err != nil {
		return fmt.Errorf("storage: save breaker state: %w", err)
	}
	return nil
}

// LoadBreakerStates returns every persisted breaker state, for restart recovery.
func (db *DB) LoadBreakerStates(ctx context.Context) ([]model.CircuitBreakerState, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT app_id, state, failure_count, opened_at, cooldown_until, last_transition_at
		FROM breaker_states`)
	if err != nil {
		return nil, fmt.Errorf("storage: load breaker states: %w", err)
	}
	defer rows.Close()

	var out []model.CircuitBreakerState
	for rows.Next() {
		var st model.CircuitBreakerState
		var opened, cooldown, last *time.Time
		if err := rows.Scan(&st.AppID, &st.State, &st.FailureCount, &opened, &cooldown, &last); err != nil {
			return nil, fmt.Errorf("storage: scan breaker state: %w", err)
		}
		st.OpenedAt = timeOrZero(opened)
		st.CooldownUntil = timeOrZero(cooldown)
		st.LastTransitionAt = timeOrZero(last)
		out = append(out, st)
	}
	return out, rows.Err()
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
