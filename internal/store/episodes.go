package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/lazypower/quill/internal/memory"
)

const episodeColumns = `episode_id, project_id, scope, version, chapter_id, scene_type, skill_used,
	input_context, candidates_json, selected_index, final_text, explicit_feedback,
	edit_distance, implicit_signal, implicit_weight, importance, recall_count, last_recalled_at,
	compressed, user_confirmed, decay_score, decay_level, created_at, updated_at`

// lruOrder mirrors memory.LRULess.
const lruOrder = `importance ASC, recall_count ASC, COALESCE(last_recalled_at, 0) ASC, created_at ASC, episode_id ASC`

// InsertEpisode stores a new episode. Inserting an existing id fails.
func (db *DB) InsertEpisode(ctx context.Context, ep memory.Episode) error {
	candidates, err := json.Marshal(nonNil(ep.Candidates))
	if err != nil {
		return fmt.Errorf("encode candidates: %w", err)
	}
	level := ep.DecayLevel
	if level == "" {
		level = memory.DecayActive
	}

	_, err = db.ExecContext(ctx, `INSERT INTO memory_episodes (`+episodeColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ep.ID, ep.ProjectID, ep.Scope, ep.Version, ep.ChapterID, ep.SceneType, ep.SkillUsed,
		ep.InputContext, string(candidates), ep.SelectedIndex, ep.FinalText, nullString(ep.ExplicitFeedback),
		ep.EditDistance, string(ep.ImplicitSignal), ep.ImplicitWeight, ep.Importance, ep.RecallCount, nullInt(ep.LastRecalledAt),
		boolInt(ep.Compressed), boolInt(ep.UserConfirmed), ep.DecayScore, string(level), ep.CreatedAt, ep.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert episode: %w", err)
	}
	return nil
}

// UpdateEpisodeSignal overwrites an episode's implicit feedback.
func (db *DB) UpdateEpisodeSignal(ctx context.Context, id string, signal memory.ImplicitSignal, weight float64, updatedAt int64) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE memory_episodes SET implicit_signal = ?, implicit_weight = ?, updated_at = ? WHERE episode_id = ?`,
		string(signal), weight, updatedAt, id,
	)
	if err != nil {
		return false, fmt.Errorf("update episode signal: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

// ListEpisodesByScene returns a project's episodes for one scene type.
func (db *DB) ListEpisodesByScene(ctx context.Context, projectID, sceneType string, includeCompressed bool) ([]memory.Episode, error) {
	q := `SELECT ` + episodeColumns + ` FROM memory_episodes WHERE project_id = ? AND scene_type = ?`
	if !includeCompressed {
		q += ` AND compressed = 0`
	}
	rows, err := db.QueryContext(ctx, q+` ORDER BY created_at ASC, episode_id ASC`, projectID, sceneType)
	if err != nil {
		return nil, fmt.Errorf("list episodes by scene: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// ListEpisodesByProject returns a project's episodes ordered by creation time.
func (db *DB) ListEpisodesByProject(ctx context.Context, projectID string, includeCompressed bool) ([]memory.Episode, error) {
	q := `SELECT ` + episodeColumns + ` FROM memory_episodes WHERE project_id = ?`
	if !includeCompressed {
		q += ` AND compressed = 0`
	}
	rows, err := db.QueryContext(ctx, q+` ORDER BY created_at ASC, episode_id ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list episodes by project: %w", err)
	}
	defer rows.Close()
	return scanEpisodes(rows)
}

// ListProjectIDs returns every project with stored episodes or rules.
func (db *DB) ListProjectIDs(ctx context.Context) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT project_id FROM memory_episodes
		UNION
		SELECT project_id FROM memory_semantic_rules
		ORDER BY project_id`)
	if err != nil {
		return nil, fmt.Errorf("list project ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan project id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// MarkEpisodesRecalled bumps recall counters of the given episodes.
func (db *DB) MarkEpisodesRecalled(ctx context.Context, ids []string, recalledAt int64) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, recalledAt, recalledAt)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := db.ExecContext(ctx, `UPDATE memory_episodes
		SET recall_count = recall_count + 1, last_recalled_at = ?, updated_at = ?
		WHERE episode_id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return fmt.Errorf("mark recalled: %w", err)
	}
	return nil
}

// UpdateEpisodeDecay persists a recomputed decay score.
func (db *DB) UpdateEpisodeDecay(ctx context.Context, id string, score float64, level memory.DecayLevel, updatedAt int64) error {
	_, err := db.ExecContext(ctx,
		`UPDATE memory_episodes SET decay_score = ?, decay_level = ?, updated_at = ? WHERE episode_id = ?`,
		score, string(level), updatedAt, id,
	)
	if err != nil {
		return fmt.Errorf("update decay: %w", err)
	}
	return nil
}

// CountEpisodes counts a project's active or compressed episodes.
func (db *DB) CountEpisodes(ctx context.Context, projectID string, compressed bool) (int, error) {
	var n int
	err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_episodes WHERE project_id = ? AND compressed = ?`,
		projectID, boolInt(compressed),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count episodes: %w", err)
	}
	return n, nil
}

// DeleteExpiredEpisodes removes unconfirmed episodes created before the cutoff.
func (db *DB) DeleteExpiredEpisodes(ctx context.Context, projectID string, compressed bool, before int64) (int, error) {
	return db.execCount(ctx, "delete expired episodes", `DELETE FROM memory_episodes
		WHERE project_id = ? AND compressed = ? AND user_confirmed = 0 AND created_at < ?`,
		projectID, boolInt(compressed), before)
}

// DeleteLRUEpisodes removes the n least valuable unconfirmed episodes.
func (db *DB) DeleteLRUEpisodes(ctx context.Context, projectID string, compressed bool, n int) (int, error) {
	if n <= 0 {
		return 0, nil
	}
	return deleteLRU(ctx, db.DB, projectID, compressed, n)
}

// CompressEpisodes truncates and flags unconfirmed active episodes older than the cutoff.
func (db *DB) CompressEpisodes(ctx context.Context, projectID string, before int64, maxText int, updatedAt int64) (int, error) {
	return db.execCount(ctx, "compress episodes", `UPDATE memory_episodes
		SET compressed = 1, candidates_json = '[]',
		    input_context = substr(input_context, 1, ?), final_text = substr(final_text, 1, ?),
		    updated_at = ?
		WHERE project_id = ? AND compressed = 0 AND user_confirmed = 0 AND created_at < ?`,
		maxText, maxText, updatedAt, projectID, before)
}

// PurgeCompressedEpisodes deletes expired compressed episodes, then LRU
// overflow above keep, in one transaction.
func (db *DB) PurgeCompressedEpisodes(ctx context.Context, projectID string, before int64, keep int) (int, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin purge: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM memory_episodes
		WHERE project_id = ? AND compressed = 1 AND user_confirmed = 0 AND created_at < ?`,
		projectID, before)
	if err != nil {
		return 0, fmt.Errorf("purge expired compressed: %w", err)
	}
	expired, _ := res.RowsAffected()

	var remaining int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM memory_episodes WHERE project_id = ? AND compressed = 1`, projectID,
	).Scan(&remaining); err != nil {
		return 0, fmt.Errorf("count compressed: %w", err)
	}

	overflow := 0
	if remaining > keep {
		overflow, err = deleteLRU(ctx, tx, projectID, true, remaining-keep)
		if err != nil {
			return 0, err
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit purge: %w", err)
	}
	return int(expired) + overflow, nil
}

// ClearProjectEpisodes removes every unconfirmed episode of a project.
func (db *DB) ClearProjectEpisodes(ctx context.Context, projectID string) (int, error) {
	return db.execCount(ctx, "clear project episodes",
		`DELETE FROM memory_episodes WHERE project_id = ? AND user_confirmed = 0`, projectID)
}

// ClearAllEpisodes removes every unconfirmed episode.
func (db *DB) ClearAllEpisodes(ctx context.Context) (int, error) {
	return db.execCount(ctx, "clear episodes", `DELETE FROM memory_episodes WHERE user_confirmed = 0`)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func deleteLRU(ctx context.Context, ex execer, projectID string, compressed bool, n int) (int, error) {
	res, err := ex.ExecContext(ctx, `DELETE FROM memory_episodes WHERE episode_id IN (
		SELECT episode_id FROM memory_episodes
		WHERE project_id = ? AND compressed = ? AND user_confirmed = 0
		ORDER BY `+lruOrder+` LIMIT ?)`,
		projectID, boolInt(compressed), n)
	if err != nil {
		return 0, fmt.Errorf("delete lru episodes: %w", err)
	}
	affected, _ := res.RowsAffected()
	return int(affected), nil
}

func (db *DB) execCount(ctx context.Context, op, query string, args ...any) (int, error) {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", op, err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func scanEpisodes(rows *sql.Rows) ([]memory.Episode, error) {
	var eps []memory.Episode
	for rows.Next() {
		var (
			ep             memory.Episode
			candidates     string
			explicit       sql.NullString
			lastRecalledAt sql.NullInt64
			signal, level  string
			compressed     int
			confirmed      int
		)
		if err := rows.Scan(
			&ep.ID, &ep.ProjectID, &ep.Scope, &ep.Version, &ep.ChapterID, &ep.SceneType, &ep.SkillUsed,
			&ep.InputContext, &candidates, &ep.SelectedIndex, &ep.FinalText, &explicit,
			&ep.EditDistance, &signal, &ep.ImplicitWeight, &ep.Importance, &ep.RecallCount, &lastRecalledAt,
			&compressed, &confirmed, &ep.DecayScore, &level, &ep.CreatedAt, &ep.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan episode: %w", err)
		}
		if err := json.Unmarshal([]byte(candidates), &ep.Candidates); err != nil {
			return nil, fmt.Errorf("decode candidates for %s: %w", ep.ID, err)
		}
		ep.ExplicitFeedback = explicit.String
		ep.LastRecalledAt = lastRecalledAt.Int64
		ep.ImplicitSignal = memory.ImplicitSignal(signal)
		ep.DecayLevel = memory.DecayLevel(level)
		ep.Compressed = compressed != 0
		ep.UserConfirmed = confirmed != 0
		eps = append(eps, ep)
	}
	return eps, rows.Err()
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullInt(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v != 0}
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
