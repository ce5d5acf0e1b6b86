package engine

import (
	"context"

	"go.uber.org/zap"

	"github.com/lazypower/quill/internal/memory"
)

// EvictionResult reports realtime eviction.
type EvictionResult struct {
	Deleted int `json:"deleted"`
}

// RealtimeEvictionTrigger deletes TTL-expired active episodes, then evicts
// the least valuable ones until the active budget holds.
func (e *Engine) RealtimeEvictionTrigger(ctx context.Context, projectID string) (EvictionResult, error) {
	if err := requireProject(projectID); err != nil {
		return EvictionResult{}, err
	}
	now := e.nowMillis()

	expired, err := e.repo.DeleteExpiredEpisodes(ctx, projectID, false, now-memory.DayMillis(e.limits.ActiveTTLDays))
	if err != nil {
		return EvictionResult{}, e.maintenanceError("realtime eviction", projectID, err)
	}
	e.metrics.EpisodesEvicted("ttl", expired)

	active, err := e.repo.CountEpisodes(ctx, projectID, false)
	if err != nil {
		return EvictionResult{}, e.maintenanceError("realtime eviction", projectID, err)
	}
	var lru int
	if active > e.limits.ActiveBudget {
		lru, err = e.repo.DeleteLRUEpisodes(ctx, projectID, false, active-e.limits.ActiveBudget)
		if err != nil {
			return EvictionResult{}, e.maintenanceError("realtime eviction", projectID, err)
		}
		e.metrics.EpisodesEvicted("lru", lru)
	}
	return EvictionResult{Deleted: expired + lru}, nil
}

// DecayResult reports a decay recompute.
type DecayResult struct {
	Updated      int `json:"updated"`
	RulesDecayed int `json:"rulesDecayed"`
}

// DailyDecayRecomputeTrigger recomputes the decay score and level of every
// episode of every known project and decays every unconfirmed rule's
// confidence. Rule timestamps are left alone so decay never resets the
// overwrite age used by distillation.
func (e *Engine) DailyDecayRecomputeTrigger(ctx context.Context) (DecayResult, error) {
	now := e.nowMillis()
	projects, err := e.allProjects(ctx)
	if err != nil {
		return DecayResult{}, e.maintenanceError("daily decay", "", err)
	}

	var res DecayResult
	for _, projectID := range projects {
		eps, err := e.repo.ListEpisodesByProject(ctx, projectID, true)
		if err != nil {
			return res, e.maintenanceError("daily decay", projectID, err)
		}
		for _, ep := range eps {
			score := memory.DecayScore(memory.AgeDays(ep.CreatedAt, now), ep.RecallCount, ep.Importance)
			level := memory.ClassifyDecay(score)
			if score == ep.DecayScore && level == ep.DecayLevel {
				continue
			}
			if err := e.repo.UpdateEpisodeDecay(ctx, ep.ID, score, level, now); err != nil {
				return res, e.maintenanceError("daily decay", projectID, err)
			}
			res.Updated++
		}
	}

	rules, err := e.repo.ListAllSemanticRules(ctx)
	if err != nil {
		return res, e.maintenanceError("daily decay", "", err)
	}
	for _, r := range rules {
		if r.UserConfirmed {
			continue
		}
		r.Confidence = memory.Clamp01(r.Confidence * e.limits.RuleDailyDecay)
		if err := e.repo.UpsertSemanticRule(ctx, r); err != nil {
			return res, e.maintenanceError("daily decay", r.ProjectID, err)
		}
		res.RulesDecayed++
	}
	if res.RulesDecayed > 0 {
		e.invalidateAllRules()
	}
	return res, nil
}

// CompressResult reports a weekly compression.
type CompressResult struct {
	Compressed int `json:"compressed"`
	Purged     int `json:"purged"`
}

// WeeklyCompressTrigger compresses unconfirmed active episodes older than
// the compress cutoff, then purges compressed overflow.
func (e *Engine) WeeklyCompressTrigger(ctx context.Context, projectID string) (CompressResult, error) {
	if err := requireProject(projectID); err != nil {
		return CompressResult{}, err
	}
	now := e.nowMillis()

	compressed, err := e.repo.CompressEpisodes(ctx, projectID,
		now-memory.DayMillis(e.limits.CompressAfterDays), e.limits.CompressedTextMax, now)
	if err != nil {
		return CompressResult{}, e.maintenanceError("weekly compress", projectID, err)
	}
	e.metrics.EpisodesEvicted("compressed", compressed)

	res := CompressResult{Compressed: compressed}
	count, err := e.repo.CountEpisodes(ctx, projectID, true)
	if err != nil {
		return res, e.maintenanceError("weekly compress", projectID, err)
	}
	if count > e.limits.CompressedBudget {
		purged, err := e.purgeCompressed(ctx, projectID, now)
		if err != nil {
			return res, err
		}
		res.Purged = purged
	}
	return res, nil
}

// PurgeResult reports a monthly purge.
type PurgeResult struct {
	Deleted int `json:"deleted"`
}

// MonthlyPurgeTrigger deletes compressed episodes past their TTL and the
// overflow above the compressed budget.
func (e *Engine) MonthlyPurgeTrigger(ctx context.Context, projectID string) (PurgeResult, error) {
	if err := requireProject(projectID); err != nil {
		return PurgeResult{}, err
	}
	deleted, err := e.purgeCompressed(ctx, projectID, e.nowMillis())
	if err != nil {
		return PurgeResult{}, err
	}
	return PurgeResult{Deleted: deleted}, nil
}

func (e *Engine) purgeCompressed(ctx context.Context, projectID string, now int64) (int, error) {
	n, err := e.repo.PurgeCompressedEpisodes(ctx, projectID,
		now-memory.DayMillis(e.limits.CompressedTTLDays), e.limits.CompressedBudget)
	if err != nil {
		return 0, e.maintenanceError("monthly purge", projectID, err)
	}
	e.metrics.EpisodesEvicted("purged", n)
	return n, nil
}

func (e *Engine) maintenanceError(task, projectID string, err error) error {
	e.log.Error(task+" failed", zap.String("project_id", projectID), zap.Error(err))
	return memory.Wrap(memory.CodeDBError, err, "Failed "+task)
}
