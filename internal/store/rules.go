package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lazypower/quill/internal/memory"
)

const ruleColumns = `rule_id, project_id, scope, version, rule_text, category, confidence,
	supporting_json, contradicting_json, user_confirmed, user_modified,
	recently_updated, conflict_marked, created_at, updated_at`

// ListSemanticRules returns the project's rules plus every global rule.
func (db *DB) ListSemanticRules(ctx context.Context, projectID string) ([]memory.SemanticRule, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM memory_semantic_rules
		WHERE project_id = ? OR scope = 'global'
		ORDER BY created_at ASC, rule_id ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list semantic rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// ListAllSemanticRules returns every stored rule.
func (db *DB) ListAllSemanticRules(ctx context.Context) ([]memory.SemanticRule, error) {
	rows, err := db.QueryContext(ctx, `SELECT `+ruleColumns+` FROM memory_semantic_rules
		ORDER BY created_at ASC, rule_id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list all semantic rules: %w", err)
	}
	defer rows.Close()
	return scanRules(rows)
}

// UpsertSemanticRule inserts a rule or replaces the stored row with the same id.
func (db *DB) UpsertSemanticRule(ctx context.Context, r memory.SemanticRule) error {
	supporting, err := json.Marshal(nonNil(r.SupportingEpisodes))
	if err != nil {
		return fmt.Errorf("encode supporting episodes: %w", err)
	}
	contradicting, err := json.Marshal(nonNil(r.ContradictingEpisodes))
	if err != nil {
		return fmt.Errorf("encode contradicting episodes: %w", err)
	}

	_, err = db.ExecContext(ctx, `INSERT INTO memory_semantic_rules (`+ruleColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(rule_id) DO UPDATE SET
			project_id         = excluded.project_id,
			scope              = excluded.scope,
			version            = excluded.version,
			rule_text          = excluded.rule_text,
			category           = excluded.category,
			confidence         = excluded.confidence,
			supporting_json    = excluded.supporting_json,
			contradicting_json = excluded.contradicting_json,
			user_confirmed     = excluded.user_confirmed,
			user_modified      = excluded.user_modified,
			recently_updated   = excluded.recently_updated,
			conflict_marked    = excluded.conflict_marked,
			updated_at         = excluded.updated_at`,
		r.ID, r.ProjectID, r.Scope, r.Version, r.Rule, r.Category, r.Confidence,
		string(supporting), string(contradicting), boolInt(r.UserConfirmed), boolInt(r.UserModified),
		boolInt(r.RecentlyUpdated), boolInt(r.ConflictMarked), r.CreatedAt, r.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert semantic rule: %w", err)
	}
	return nil
}

// DeleteSemanticRule removes a rule owned by the project, or a global rule.
func (db *DB) DeleteSemanticRule(ctx context.Context, projectID, ruleID string) (bool, error) {
	n, err := db.execCount(ctx, "delete semantic rule", `DELETE FROM memory_semantic_rules
		WHERE rule_id = ? AND (project_id = ? OR scope = 'global')`, ruleID, projectID)
	return n > 0, err
}

// ClearProjectSemanticRules removes a project's unconfirmed project-scoped rules.
func (db *DB) ClearProjectSemanticRules(ctx context.Context, projectID string) (int, error) {
	return db.execCount(ctx, "clear project rules", `DELETE FROM memory_semantic_rules
		WHERE project_id = ? AND scope = 'project' AND user_confirmed = 0`, projectID)
}

// ClearAllSemanticRules removes every unconfirmed rule.
func (db *DB) ClearAllSemanticRules(ctx context.Context) (int, error) {
	return db.execCount(ctx, "clear rules", `DELETE FROM memory_semantic_rules WHERE user_confirmed = 0`)
}

func scanRules(rows *sql.Rows) ([]memory.SemanticRule, error) {
	var rules []memory.SemanticRule
	for rows.Next() {
		var (
			r                         memory.SemanticRule
			supporting, contradicting string
			confirmed, modified       int
			recent, conflict          int
		)
		if err := rows.Scan(
			&r.ID, &r.ProjectID, &r.Scope, &r.Version, &r.Rule, &r.Category, &r.Confidence,
			&supporting, &contradicting, &confirmed, &modified,
			&recent, &conflict, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan semantic rule: %w", err)
		}
		if err := json.Unmarshal([]byte(supporting), &r.SupportingEpisodes); err != nil {
			return nil, fmt.Errorf("decode supporting episodes for %s: %w", r.ID, err)
		}
		if err := json.Unmarshal([]byte(contradicting), &r.ContradictingEpisodes); err != nil {
			return nil, fmt.Errorf("decode contradicting episodes for %s: %w", r.ID, err)
		}
		r.UserConfirmed = confirmed != 0
		r.UserModified = modified != 0
		r.RecentlyUpdated = recent != 0
		r.ConflictMarked = conflict != 0
		rules = append(rules, r)
	}
	return rules, rows.Err()
}
