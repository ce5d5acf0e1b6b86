package memory

import "context"

// EpisodeRepository stores episodes. Destructive methods never remove
// UserConfirmed episodes.
type EpisodeRepository interface {
	InsertEpisode(ctx context.Context, ep Episode) error
	// UpdateEpisodeSignal overwrites the feedback signal of one episode and
	// reports whether the episode exists.
	UpdateEpisodeSignal(ctx context.Context, id string, signal ImplicitSignal, weight float64, updatedAt int64) (bool, error)
	ListEpisodesByScene(ctx context.Context, projectID, sceneType string, includeCompressed bool) ([]Episode, error)
	// ListEpisodesByProject returns episodes ordered by creation time, then id.
	ListEpisodesByProject(ctx context.Context, projectID string, includeCompressed bool) ([]Episode, error)
	ListProjectIDs(ctx context.Context) ([]string, error)
	MarkEpisodesRecalled(ctx context.Context, ids []string, recalledAt int64) error
	UpdateEpisodeDecay(ctx context.Context, id string, score float64, level DecayLevel, updatedAt int64) error
	CountEpisodes(ctx context.Context, projectID string, compressed bool) (int, error)
	// DeleteExpiredEpisodes removes episodes with the given compressed flag
	// created before the cutoff.
	DeleteExpiredEpisodes(ctx context.Context, projectID string, compressed bool, before int64) (int, error)
	// DeleteLRUEpisodes removes the n least valuable episodes per LRULess.
	DeleteLRUEpisodes(ctx context.Context, projectID string, compressed bool, n int) (int, error)
	// CompressEpisodes marks active episodes created before the cutoff as
	// compressed, truncating text to maxText runes and dropping candidates.
	CompressEpisodes(ctx context.Context, projectID string, before int64, maxText int, updatedAt int64) (int, error)
	// PurgeCompressedEpisodes removes compressed episodes created before the
	// cutoff, then evicts by LRULess until at most keep remain.
	PurgeCompressedEpisodes(ctx context.Context, projectID string, before int64, keep int) (int, error)
	ClearProjectEpisodes(ctx context.Context, projectID string) (int, error)
	ClearAllEpisodes(ctx context.Context) (int, error)
}

// RuleRepository stores semantic rules.
type RuleRepository interface {
	// ListSemanticRules returns the project's own rules plus every global rule.
	ListSemanticRules(ctx context.Context, projectID string) ([]SemanticRule, error)
	ListAllSemanticRules(ctx context.Context) ([]SemanticRule, error)
	UpsertSemanticRule(ctx context.Context, r SemanticRule) error
	DeleteSemanticRule(ctx context.Context, projectID, ruleID string) (bool, error)
	ClearProjectSemanticRules(ctx context.Context, projectID string) (int, error)
	ClearAllSemanticRules(ctx context.Context) (int, error)
}

// Repository is the full storage contract the engine depends on.
type Repository interface {
	EpisodeRepository
	RuleRepository
}

// Truncate shortens s to at most n runes.
func Truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
