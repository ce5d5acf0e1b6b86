package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lazypower/quill/internal/memory"
)

// QueryInput selects episodes to recall.
type QueryInput struct {
	ProjectID string `json:"projectId"`
	SceneType string `json:"sceneType"`
	QueryText string `json:"queryText,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

// QueryResult is ranked recall output. MemoryDegraded marks a result built
// from partial memory; FallbackRules are attached whenever it is set.
type QueryResult struct {
	Items          []memory.Episode      `json:"items"`
	MemoryDegraded bool                  `json:"memoryDegraded"`
	FallbackRules  []string              `json:"fallbackRules"`
	SemanticRules  []memory.SemanticRule `json:"semanticRules"`
}

// QueryEpisodes ranks the project's active episodes for a scene and resolves
// the rules in effect. Only validation errors are returned; every internal
// failure degrades to an empty result with fallback rules.
func (e *Engine) QueryEpisodes(ctx context.Context, in QueryInput) (res QueryResult, err error) {
	in.ProjectID = strings.TrimSpace(in.ProjectID)
	in.SceneType = strings.TrimSpace(in.SceneType)
	if in.ProjectID == "" {
		return QueryResult{}, memory.Errorf(memory.CodeInvalidArgument, "projectId is required")
	}
	if in.SceneType == "" {
		return QueryResult{}, memory.Errorf(memory.CodeInvalidArgument, "sceneType is required")
	}

	defer func() {
		if r := recover(); r != nil {
			res, err = e.unavailable(in.ProjectID, fmt.Errorf("recall panic: %v", r)), nil
		}
	}()

	res, qerr := e.query(ctx, in)
	if qerr != nil {
		return e.unavailable(in.ProjectID, qerr), nil
	}
	return res, nil
}

func (e *Engine) query(ctx context.Context, in QueryInput) (QueryResult, error) {
	rows, err := e.repo.ListEpisodesByScene(ctx, in.ProjectID, in.SceneType, false)
	if err != nil {
		return QueryResult{}, err
	}

	limit := e.recallLimit(in.Limit)
	query := strings.TrimSpace(in.QueryText)
	now := e.nowMillis()
	ranked := rankEpisodes(rows, query, in.SceneType, now)

	degraded := false
	if e.recaller != nil && query != "" {
		items, err := e.semanticRecall(ctx, RecallRequest{
			ProjectID: in.ProjectID,
			SceneType: in.SceneType,
			QueryText: query,
			Limit:     limit,
			Episodes:  ranked,
		})
		switch {
		case err != nil:
			degraded = true
			e.degrade(memory.EventDegradeVectorOffline, in.ProjectID, err)
		case len(items) > 0:
			ranked = items
		}
	}

	if len(ranked) > limit {
		ranked = ranked[:limit]
	}
	items := make([]memory.Episode, len(ranked))
	ids := make([]string, len(ranked))
	for i, ep := range ranked {
		ep.RecallCount++
		ep.LastRecalledAt = now
		ep.UpdatedAt = now
		items[i] = ep
		ids[i] = ep.ID
	}
	if len(ids) > 0 {
		if err := e.repo.MarkEpisodesRecalled(ctx, ids, now); err != nil {
			return QueryResult{}, err
		}
	}

	cached, err := e.rulesFor(ctx, in.ProjectID)
	if err != nil {
		return QueryResult{}, err
	}
	rules := resolveRules(in.ProjectID, cached, e.limits.RuleBudget)

	e.mu.Lock()
	distillDegraded := e.state(in.ProjectID).distillDegraded
	e.mu.Unlock()
	if distillDegraded {
		degraded = true
		e.degrade(memory.EventDegradeDistillIOFailed, in.ProjectID, nil)
	}
	if len(rules) == 0 {
		degraded = true
	}

	res := QueryResult{
		Items:          items,
		MemoryDegraded: degraded,
		FallbackRules:  []string{},
		SemanticRules:  rules,
	}
	if degraded {
		res.FallbackRules = fallbackRules()
	}
	return res, nil
}

// recallLimit clamps a requested limit; zero means the maximum.
func (e *Engine) recallLimit(limit int) int {
	if limit <= 0 {
		return e.limits.RecallMax
	}
	return min(max(limit, e.limits.RecallMin), e.limits.RecallMax)
}

// rankEpisodes orders by recency for an empty query, otherwise by recall
// score. Ties break on id.
func rankEpisodes(rows []memory.Episode, query, sceneType string, now int64) []memory.Episode {
	ranked := append([]memory.Episode(nil), rows...)
	if query == "" {
		sort.SliceStable(ranked, func(i, j int) bool {
			if ranked[i].CreatedAt != ranked[j].CreatedAt {
				return ranked[i].CreatedAt > ranked[j].CreatedAt
			}
			return ranked[i].ID < ranked[j].ID
		})
		return ranked
	}

	scores := make(map[string]float64, len(ranked))
	for _, ep := range ranked {
		lexical := memory.LexicalOverlap(query, ep.InputContext+" "+ep.FinalText)
		scores[ep.ID] = memory.RecallScore(ep.SceneType == sceneType, lexical, ep.Importance, now-ep.CreatedAt)
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		si, sj := scores[ranked[i].ID], scores[ranked[j].ID]
		if si != sj {
			return si > sj
		}
		return ranked[i].ID < ranked[j].ID
	})
	return ranked
}

func (e *Engine) semanticRecall(ctx context.Context, req RecallRequest) (items []memory.Episode, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("semantic recall panic: %v", r)
		}
	}()
	return e.recaller.Recall(ctx, req)
}

func (e *Engine) unavailable(projectID string, err error) QueryResult {
	e.degrade(memory.EventDegradeAllMemoryUnavailable, projectID, err)
	return QueryResult{
		Items:          []memory.Episode{},
		MemoryDegraded: true,
		FallbackRules:  fallbackRules(),
		SemanticRules:  []memory.SemanticRule{},
	}
}

func (e *Engine) degrade(event, projectID string, err error) {
	fields := []zap.Field{zap.String("project_id", projectID)}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	e.log.Error(event, fields...)
	e.metrics.RecallDegraded(event)
}

func fallbackRules() []string {
	return append([]string(nil), memory.FallbackRules...)
}
