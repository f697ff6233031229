package storage

import (
	"context"

	"github.com/ashita-ai/kanshi/internal/model"
)

// Store is the persistence surface the core needs, implemented by the
// Postgres DB and the sqlite Lite store. Verdict writes are idempotent on
// (interaction_id, rule_id, rule_version) so at-least-once delivery upstream
// never duplicates rows.
type Store interface {
	InsertVerdicts(ctx context.Context, verdicts []model.ValidationVerdict) error
	RecentVerdicts(ctx context.Context, appID string, limit int) ([]model.ValidationVerdict, error)

	InsertDriftWindow(ctx context.Context, w model.DriftWindow) error
	InsertDriftScore(ctx context.Context, s model.DriftScore) error
	UpsertBaseline(ctx context.Context, b model.Baseline) error
	LoadBaselines(ctx context.Context) ([]model.Baseline, error)
	RecentScores(ctx context.Context, appID string, limit int) ([]model.DriftScore, error)

	InsertTransition(ctx context.Context, tr model.BreakerTransition) error
	RecentTransitions(ctx context.Context, appID string, limit int) ([]model.BreakerTransition, error)
	SaveBreakerState(ctx context.Context, st model.CircuitBreakerState) error
	LoadBreakerStates(ctx context.Context) ([]model.CircuitBreakerState, error)

	FetchRuleSets(ctx context.Context) (map[string]model.RuleSet, error)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

var (
	_ Store = (*DB)(nil)
	_ Store = (*Lite)(nil)
)
