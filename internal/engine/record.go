package engine

import (
	"context"
	"math"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lazypower/quill/internal/memory"
)

// RecordEpisodeInput is one generation interaction reported by the caller.
type RecordEpisodeInput struct {
	ProjectID           string   `json:"projectId"`
	ChapterID           string   `json:"chapterId"`
	SceneType           string   `json:"sceneType"`
	SkillUsed           string   `json:"skillUsed"`
	InputContext        string   `json:"inputContext"`
	Candidates          []string `json:"candidates"`
	SelectedIndex       int      `json:"selectedIndex"`
	FinalText           string   `json:"finalText"`
	Explicit            string   `json:"explicit,omitempty"`
	EditDistance        float64  `json:"editDistance"`
	AcceptedWithoutEdit bool     `json:"acceptedWithoutEdit,omitempty"`
	UndoAfterAccept     bool     `json:"undoAfterAccept,omitempty"`
	RepeatedSceneCount  int      `json:"repeatedSceneCount,omitempty"`
	// TargetEpisodeID names the episode an undo applies to.
	TargetEpisodeID string   `json:"targetEpisodeId,omitempty"`
	Importance      *float64 `json:"importance,omitempty"`
	UserConfirmed   bool     `json:"userConfirmed,omitempty"`
}

// RecordResult reports how an episode was accepted.
type RecordResult struct {
	Accepted       bool                  `json:"accepted"`
	EpisodeID      string                `json:"episodeId"`
	RetryCount     int                   `json:"retryCount"`
	Queued         bool                  `json:"queued,omitempty"`
	ImplicitSignal memory.ImplicitSignal `json:"implicitSignal"`
	ImplicitWeight float64               `json:"implicitWeight"`
}

func normalizeRecord(in RecordEpisodeInput) RecordEpisodeInput {
	in.ProjectID = strings.TrimSpace(in.ProjectID)
	in.ChapterID = strings.TrimSpace(in.ChapterID)
	in.SceneType = strings.TrimSpace(in.SceneType)
	in.SkillUsed = strings.TrimSpace(in.SkillUsed)
	in.TargetEpisodeID = strings.TrimSpace(in.TargetEpisodeID)
	return in
}

func validateRecord(in RecordEpisodeInput) error {
	switch {
	case in.ProjectID == "":
		return memory.Errorf(memory.CodeInvalidArgument, "projectId is required")
	case in.ChapterID == "":
		return memory.Errorf(memory.CodeInvalidArgument, "chapterId is required")
	case in.SceneType == "":
		return memory.Errorf(memory.CodeInvalidArgument, "sceneType is required")
	case in.SkillUsed == "":
		return memory.Errorf(memory.CodeInvalidArgument, "skillUsed is required")
	case math.IsNaN(in.EditDistance) || math.IsInf(in.EditDistance, 0) || in.EditDistance < 0:
		return memory.Errorf(memory.CodeInvalidArgument, "editDistance is invalid")
	}
	return nil
}

func classify(in RecordEpisodeInput) memory.Feedback {
	return memory.ResolveImplicitFeedback(memory.FeedbackInput{
		SelectedIndex:       in.SelectedIndex,
		CandidateCount:      len(in.Candidates),
		EditDistance:        in.EditDistance,
		AcceptedWithoutEdit: in.AcceptedWithoutEdit,
		UndoAfterAccept:     in.UndoAfterAccept,
		RepeatedSceneCount:  in.RepeatedSceneCount,
	})
}

// RecordEpisode classifies and stores one episode. An undo naming a target
// episode only rewrites that episode's signal. While the project is
// distilling the episode is queued and written once the run finishes.
func (e *Engine) RecordEpisode(ctx context.Context, in RecordEpisodeInput) (RecordResult, error) {
	in = normalizeRecord(in)
	if err := validateRecord(in); err != nil {
		return RecordResult{}, err
	}
	fb := classify(in)

	if in.UndoAfterAccept && in.TargetEpisodeID != "" {
		found, err := e.repo.UpdateEpisodeSignal(ctx, in.TargetEpisodeID, fb.Signal, fb.Weight, e.nowMillis())
		if err != nil {
			return RecordResult{}, memory.Wrap(memory.CodeDBError, err, "Failed to update episode signal")
		}
		if !found {
			return RecordResult{}, memory.Errorf(memory.CodeNotFound, "Episode not found").
				WithDetails(map[string]any{"episodeId": in.TargetEpisodeID})
		}
		return RecordResult{
			Accepted:       true,
			EpisodeID:      in.TargetEpisodeID,
			ImplicitSignal: fb.Signal,
			ImplicitWeight: fb.Weight,
		}, nil
	}

	return e.record(ctx, queuedEpisode{id: uuid.NewString(), input: in, feedback: fb})
}

func (e *Engine) record(ctx context.Context, q queuedEpisode) (RecordResult, error) {
	in := q.input

	e.mu.Lock()
	st := e.state(in.ProjectID)
	if st.distilling {
		st.wal = append(st.wal, q)
		e.mu.Unlock()
		e.log.Debug("episode queued during distillation",
			zap.String("project_id", in.ProjectID),
			zap.String("episode_id", q.id))
		e.metrics.EpisodeRecorded("queued")
		return RecordResult{
			Accepted:       true,
			EpisodeID:      q.id,
			Queued:         true,
			ImplicitSignal: q.feedback.Signal,
			ImplicitWeight: q.feedback.Weight,
		}, nil
	}
	e.mu.Unlock()
	return e.write(ctx, q)
}

// write makes room for q and inserts it with retries.
func (e *Engine) write(ctx context.Context, q queuedEpisode) (RecordResult, error) {
	in := q.input
	if err := e.ensureCapacity(ctx, in.ProjectID); err != nil {
		return RecordResult{}, err
	}

	ep := e.newEpisode(q)
	var lastErr error
	for attempt := 1; attempt <= e.limits.MaxWriteAttempts; attempt++ {
		err := e.repo.InsertEpisode(ctx, ep)
		if err == nil {
			e.metrics.EpisodeRecorded("inserted")
			e.afterInsert(ctx, in.ProjectID)
			return RecordResult{
				Accepted:       true,
				EpisodeID:      ep.ID,
				RetryCount:     attempt - 1,
				ImplicitSignal: ep.ImplicitSignal,
				ImplicitWeight: ep.ImplicitWeight,
			}, nil
		}
		lastErr = err
		e.metrics.WriteRetry()
		e.log.Warn("episode write failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", e.limits.MaxWriteAttempts),
			zap.String("project_id", in.ProjectID),
			zap.Error(err))
	}

	e.mu.Lock()
	e.retryQueue = append(e.retryQueue, in)
	size := len(e.retryQueue)
	e.mu.Unlock()
	e.metrics.SetRetryQueueSize(size)
	e.metrics.EpisodeRecorded("failed")

	return RecordResult{}, memory.Wrap(memory.CodeEpisodeWriteFailed, lastErr, "Failed to record episode after retries").
		WithDetails(map[string]any{
			"attempts":  e.limits.MaxWriteAttempts,
			"projectId": in.ProjectID,
		})
}

func (e *Engine) newEpisode(q queuedEpisode) memory.Episode {
	in := q.input
	now := e.nowMillis()
	importance := e.limits.DefaultImportance
	if in.Importance != nil {
		importance = memory.Clamp01(*in.Importance)
	}
	candidates := append([]string{}, in.Candidates...)
	score := memory.DecayScore(0, 0, importance)

	return memory.Episode{
		ID:               q.id,
		ProjectID:        in.ProjectID,
		Scope:            memory.ScopeProject,
		Version:          memory.SchemaVersion,
		ChapterID:        in.ChapterID,
		SceneType:        in.SceneType,
		SkillUsed:        in.SkillUsed,
		InputContext:     in.InputContext,
		Candidates:       candidates,
		SelectedIndex:    in.SelectedIndex,
		FinalText:        in.FinalText,
		ExplicitFeedback: in.Explicit,
		EditDistance:     in.EditDistance,
		ImplicitSignal:   q.feedback.Signal,
		ImplicitWeight:   q.feedback.Weight,
		Importance:       importance,
		UserConfirmed:    in.UserConfirmed,
		DecayScore:       score,
		DecayLevel:       memory.ClassifyDecay(score),
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// afterInsert bumps the pending counter and schedules a batch distillation
// once enough episodes accumulated or a failed run is waiting for a retry.
func (e *Engine) afterInsert(ctx context.Context, projectID string) {
	e.mu.Lock()
	st := e.state(projectID)
	st.pending++
	due := !st.distilling && (st.pending >= e.limits.DistillBatchSize || st.retryPending)
	e.mu.Unlock()

	if due {
		e.scheduleDistill(context.WithoutCancel(ctx), projectID, TriggerBatch)
	}
}

func (e *Engine) scheduleDistill(ctx context.Context, projectID string, trigger Trigger) {
	e.scheduler.Schedule(func() {
		_, err := e.DistillSemanticMemory(ctx, projectID, trigger)
		if err != nil && memory.CodeOf(err) != memory.CodeConflict {
			e.log.Warn("background distillation failed",
				zap.String("project_id", projectID),
				zap.String("trigger", string(trigger)),
				zap.Error(err))
		}
	})
}

// ensureCapacity makes room for one more active episode.
func (e *Engine) ensureCapacity(ctx context.Context, projectID string) error {
	if _, err := e.RealtimeEvictionTrigger(ctx, projectID); err != nil {
		return err
	}

	budget := e.limits.ActiveBudget
	active, err := e.repo.CountEpisodes(ctx, projectID, false)
	if err != nil {
		return memory.Wrap(memory.CodeDBError, err, "Failed to count episodes")
	}
	if active >= budget {
		n, err := e.repo.DeleteLRUEpisodes(ctx, projectID, false, active-budget+1)
		if err != nil {
			return memory.Wrap(memory.CodeDBError, err, "Failed to evict episodes")
		}
		e.metrics.EpisodesEvicted("lru", n)
		if active, err = e.repo.CountEpisodes(ctx, projectID, false); err != nil {
			return memory.Wrap(memory.CodeDBError, err, "Failed to count episodes")
		}
	}
	if active >= budget {
		return memory.Errorf(memory.CodeCapacityExceeded, "Episode capacity exceeded").
			WithDetails(map[string]any{
				"projectId":   projectID,
				"activeCount": active,
				"budget":      budget,
			})
	}

	compressed, err := e.repo.CountEpisodes(ctx, projectID, true)
	if err != nil {
		return memory.Wrap(memory.CodeDBError, err, "Failed to count episodes")
	}
	if compressed > e.limits.CompressedBudget {
		if _, err := e.MonthlyPurgeTrigger(ctx, projectID); err != nil {
			return err
		}
		if compressed, err = e.repo.CountEpisodes(ctx, projectID, true); err != nil {
			return memory.Wrap(memory.CodeDBError, err, "Failed to count episodes")
		}
		if compressed > e.limits.CompressedBudget {
			return memory.Errorf(memory.CodeCapacityExceeded, "Compressed episode capacity exceeded").
				WithDetails(map[string]any{
					"projectId":       projectID,
					"compressedCount": compressed,
					"budget":          e.limits.CompressedBudget,
				})
		}
	}
	return nil
}

// GetRetryQueueSize returns how many failed writes await a retry.
func (e *Engine) GetRetryQueueSize() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.retryQueue)
}

// RetryResult reports a retry queue replay.
type RetryResult struct {
	Retried   int `json:"retried"`
	Succeeded int `json:"succeeded"`
	Remaining int `json:"remaining"`
}

// RetryFailedWrites replays the retry queue through RecordEpisode. Writes
// that fail again are queued again by RecordEpisode itself.
func (e *Engine) RetryFailedWrites(ctx context.Context) (RetryResult, error) {
	e.mu.Lock()
	queue := e.retryQueue
	e.retryQueue = nil
	e.mu.Unlock()
	e.metrics.SetRetryQueueSize(0)

	var res RetryResult
	for i, in := range queue {
		if err := ctx.Err(); err != nil {
			e.mu.Lock()
			e.retryQueue = append(e.retryQueue, queue[i:]...)
			e.mu.Unlock()
			break
		}
		res.Retried++
		_, err := e.RecordEpisode(ctx, in)
		switch {
		case err == nil:
			res.Succeeded++
		case memory.CodeOf(err) == memory.CodeEpisodeWriteFailed:
			// requeued
		default:
			e.log.Warn("dropping unrecoverable queued write",
				zap.String("project_id", in.ProjectID),
				zap.Error(err))
		}
	}
	res.Remaining = e.GetRetryQueueSize()
	e.metrics.SetRetryQueueSize(res.Remaining)
	return res, ctx.Err()
}
