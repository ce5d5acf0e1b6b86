package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "memory_episodes: recorded generation interactions",
		SQL: `
CREATE TABLE memory_episodes (
    episode_id        TEXT PRIMARY KEY,
    project_id        TEXT NOT NULL,
    scope             TEXT NOT NULL DEFAULT 'project',
    version           INTEGER NOT NULL DEFAULT 1,

    -- Provenance
    chapter_id        TEXT NOT NULL,
    scene_type        TEXT NOT NULL,
    skill_used        TEXT NOT NULL,

    -- Content
    input_context     TEXT NOT NULL DEFAULT '',
    candidates_json   TEXT NOT NULL DEFAULT '[]',
    selected_index    INTEGER NOT NULL,
    final_text        TEXT NOT NULL DEFAULT '',
    explicit_feedback TEXT,

    -- Feedback
    edit_distance     REAL NOT NULL,
    implicit_signal   TEXT NOT NULL CHECK (implicit_signal IN (
        'DIRECT_ACCEPT', 'LIGHT_EDIT', 'HEAVY_REWRITE',
        'FULL_REJECT', 'REPEATED_SCENE_SKILL', 'UNDO_AFTER_ACCEPT')),
    implicit_weight   REAL NOT NULL,
    importance        REAL NOT NULL CHECK (importance >= 0 AND importance <= 1),

    -- Usage
    recall_count      INTEGER NOT NULL DEFAULT 0,
    last_recalled_at  INTEGER,
    compressed        INTEGER NOT NULL DEFAULT 0,
    user_confirmed    INTEGER NOT NULL DEFAULT 0,

    created_at        INTEGER NOT NULL,
    updated_at        INTEGER NOT NULL
);

CREATE INDEX idx_episodes_scene   ON memory_episodes(project_id, scene_type);
CREATE INDEX idx_episodes_created ON memory_episodes(project_id, compressed, created_at);
`,
	},
	{
		Version:     2,
		Description: "memory_semantic_rules: distilled stylistic rules",
		SQL: `
CREATE TABLE memory_semantic_rules (
    rule_id            TEXT PRIMARY KEY,
    project_id         TEXT NOT NULL,
    scope              TEXT NOT NULL CHECK (scope IN ('project', 'global')),
    version            INTEGER NOT NULL DEFAULT 1,
    rule_text          TEXT NOT NULL,
    category           TEXT NOT NULL CHECK (category IN ('style', 'structure', 'character', 'pacing', 'vocabulary')),
    confidence         REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
    supporting_json    TEXT NOT NULL DEFAULT '[]',
    contradicting_json TEXT NOT NULL DEFAULT '[]',
    user_confirmed     INTEGER NOT NULL DEFAULT 0,
    user_modified      INTEGER NOT NULL DEFAULT 0,
    recently_updated   INTEGER NOT NULL DEFAULT 0,
    conflict_marked    INTEGER NOT NULL DEFAULT 0,
    created_at         INTEGER NOT NULL,
    updated_at         INTEGER NOT NULL
);

CREATE INDEX idx_rules_project ON memory_semantic_rules(project_id, scope);
CREATE INDEX idx_rules_scope   ON memory_semantic_rules(scope);
`,
	},
	{
		Version:     3,
		Description: "memory_episodes: persisted decay score and level",
		SQL: `
ALTER TABLE memory_episodes ADD COLUMN decay_score REAL NOT NULL DEFAULT 1.0;
ALTER TABLE memory_episodes ADD COLUMN decay_level TEXT NOT NULL DEFAULT 'active';
`,
	},
}

func (db *DB) migrate() error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}
		if err := db.apply(m); err != nil {
			return err
		}
	}
	return nil
}

func (db *DB) apply(m migration) error {
	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(m.SQL); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
		m.Version, m.Description,
	); err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}
	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
