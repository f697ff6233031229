package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/kanshi/internal/model"
)

// FetchRuleSets loads the enabled rules for every application, ordered by
// position within each set. Satisfies the rule cache's source interface.
func (db *DB) FetchRuleSets(ctx context.Context) (map[string]model.RuleSet, error) {
	sets := make(map[string]model.RuleSet)

	rows, err := db.pool.Query(ctx, `SELECT app_id, fail_fast FROM rule_sets`)
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

	rows, err = db.pool.Query(ctx, `
		SELECT id, app_id, name, category, severity, enabled, version, predicate
		FROM rules
		WHERE enabled
		ORDER BY app_id, position, id`)
	if err != nil {
		return nil, fmt.Errorf("storage: fetch rules: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var r model.InvariantRule
		var predicate []byte
		if err := rows.Scan(&r.ID, &r.AppID, &r.Name, &r.Category, &r.Severity,
			&r.Enabled, &r.Version, &predicate); err != nil {
			return nil, fmt.Errorf("storage: scan rule: %w", err)
		}
		if err := json.Unmarshal(predicate, &r.Predicate); err != nil {
			// A malformed predicate disables the one rule, not the refresh.
			db.logger.Warn("storage: skipping rule with malformed predicate",
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

	// Apps with a rule_sets row but no enabled rules are dropped: the
	// pipeline treats a missing set and an empty set the same way.
	for app, rs := range sets {
		if len(rs.Rules) == 0 {
			delete(sets, app)
		}
	}
	return sets, nil
}

// UpsertRuleSet writes an application's rule set and bumps each changed
// rule's version. Intended for dev seeding and tests; production rule
// authoring goes through the configuration service.
func (db *DB) UpsertRuleSet(ctx context.Context, rs model.RuleSet) error {
	for _, r := range rs.Rules {
		if err := model.ValidateRule(r); err != nil {
			return fmt.Errorf("storage: upsert rule set: rule %s: %w", r.ID, err)
		}
	}

	tx, err := db.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("storage: upsert rule set: begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `
		INSERT INTO rule_sets (app_id, fail_fast, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (app_id) DO UPDATE SET fail_fast = EXCLUDED.fail_fast, updated_at = now()`,
		rs.AppID, rs.FailFast,
	); err != nil {
		return fmt.Errorf("storage: upsert rule set: %w", err)
	}

	for i, r := range rs.Rules {
		predicate, err := json.Marshal(r.Predicate)
		if err != nil {
			return fmt.Errorf("storage: marshal predicate for rule %s: %w", r.ID, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO rules (id, app_id, name, category, severity, enabled, version, position, predicate, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())
			ON CONFLICT (app_id, id) DO UPDATE SET
				name = EXCLUDED.name,
				category = EXCLUDED.category,
				severity = EXCLUDED.severity,
				enabled = EXCLUDED.enabled,
				version = CASE
					WHEN rules.predicate IS DISTINCT FROM EXCLUDED.predicate THEN rules.version + 1
					ELSE rules.version
				END,
				position = EXCLUDED.position,
				predicate = EXCLUDED.predicate,
				updated_at = now()`,
			r.ID, rs.AppID, r.Name, string(r.Category), string(r.Severity),
			r.Enabled, r.Version, i, predicate,
		); err != nil {
			return fmt.Errorf("storage: upsert rule %s: %w", r.ID, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("storage: upsert rule set: commit: %w", err)
	}
	return nil
}
