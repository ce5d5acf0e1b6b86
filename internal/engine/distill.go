package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lazypower/quill/internal/memory"
)

// Trigger names what started a distillation run.
type Trigger string

const (
	TriggerBatch    Trigger = "batch"
	TriggerIdle     Trigger = "idle"
	TriggerManual   Trigger = "manual"
	TriggerConflict Trigger = "conflict"
)

func (t Trigger) valid() bool {
	switch t {
	case TriggerBatch, TriggerIdle, TriggerManual, TriggerConflict:
		return true
	}
	return false
}

// Stage is a distillation progress step.
type Stage string

const (
	StageStarted   Stage = "started"
	StageClustered Stage = "clustered"
	StagePatterned Stage = "patterned"
	StageGenerated Stage = "generated"
	StageCompleted Stage = "completed"
	StageFailed    Stage = "failed"
)

// DistillProgress is emitted at every stage of a run.
type DistillProgress struct {
	RunID     string      `json:"runId"`
	ProjectID string      `json:"projectId"`
	Trigger   Trigger     `json:"trigger"`
	Stage     Stage       `json:"stage"`
	Progress  float64     `json:"progress"`
	ErrorCode memory.Code `json:"errorCode,omitempty"`
	Message   string      `json:"message,omitempty"`
	At        int64       `json:"at"`
}

// Cluster groups the snapshot episodes sharing a scene type and skill.
type Cluster struct {
	SceneType string           `json:"sceneType"`
	SkillUsed string           `json:"skillUsed"`
	Episodes  []memory.Episode `json:"episodes"`
}

// DistillRequest is handed to a RuleGenerator.
type DistillRequest struct {
	ProjectID string
	Trigger   Trigger
	Episodes  []memory.Episode
	Clusters  []Cluster
}

// GeneratedRule is a rule proposed by a RuleGenerator.
type GeneratedRule struct {
	Rule                  string   `json:"rule"`
	Category              string   `json:"category"`
	Confidence            float64  `json:"confidence"`
	SupportingEpisodes    []string `json:"supporting_episodes"`
	ContradictingEpisodes []string `json:"contradicting_episodes"`
}

// RuleGenerator derives rules from clustered episodes. An error fails the
// run with MEMORY_DISTILL_LLM_UNAVAILABLE.
type RuleGenerator interface {
	Generate(ctx context.Context, req DistillRequest) ([]GeneratedRule, error)
}

// RuleGeneratorFunc adapts a function to RuleGenerator.
type RuleGeneratorFunc func(ctx context.Context, req DistillRequest) ([]GeneratedRule, error)

func (f RuleGeneratorFunc) Generate(ctx context.Context, req DistillRequest) ([]GeneratedRule, error) {
	return f(ctx, req)
}

// DistillResult reports a finished run.
type DistillResult struct {
	Accepted  bool   `json:"accepted"`
	RunID     string `json:"runId"`
	Generated int    `json:"generated"`
	Inserted  int    `json:"inserted"`
	Updated   int    `json:"updated"`
	Refreshed int    `json:"refreshed"`
	Conflicts int    `json:"conflicts"`
}

// DistillSemanticMemory clusters the project's active episodes, asks the
// generator for rules and merges them into the rule store. Episodes recorded
// during the run are queued and replayed, in order, when it ends.
func (e *Engine) DistillSemanticMemory(ctx context.Context, projectID string, trigger Trigger) (DistillResult, error) {
	projectID = strings.TrimSpace(projectID)
	if err := requireProject(projectID); err != nil {
		return DistillResult{}, err
	}
	if trigger == "" {
		trigger = TriggerManual
	}
	if !trigger.valid() {
		return DistillResult{}, memory.Errorf(memory.CodeInvalidArgument, "trigger is invalid").
			WithDetails(map[string]any{"trigger": string(trigger)})
	}

	e.mu.Lock()
	st := e.state(projectID)
	if st.distilling {
		e.mu.Unlock()
		return DistillResult{}, memory.Errorf(memory.CodeConflict, "Distillation already running").
			WithDetails(map[string]any{"projectId": projectID})
	}
	st.distilling = true
	e.mu.Unlock()
	defer e.finishDistill(context.WithoutCancel(ctx), projectID)

	run := distillRun{e: e, id: uuid.NewString(), projectID: projectID, trigger: trigger}
	run.emit(StageStarted, 0)

	episodes, err := e.repo.ListEpisodesByProject(ctx, projectID, false)
	if err != nil {
		return DistillResult{}, run.fail(memory.Wrap(memory.CodeDBError, err, "Failed to snapshot episodes"), true)
	}
	clusters := clusterEpisodes(episodes)
	run.emit(StageClustered, 0.25)

	generated, err := e.generate(ctx, DistillRequest{
		ProjectID: projectID,
		Trigger:   trigger,
		Episodes:  episodes,
		Clusters:  clusters,
	})
	if err != nil {
		return DistillResult{}, run.fail(memory.Wrap(memory.CodeDistillLLMUnavailable, err, "Distillation model unavailable"), true)
	}
	run.emit(StagePatterned, 0.5)

	for _, g := range generated {
		if !validConfidence(g.Confidence) {
			return DistillResult{}, run.fail(confidenceError(g.Confidence), false)
		}
		if strings.TrimSpace(g.Rule) == "" || !memory.ValidCategory(g.Category) {
			return DistillResult{}, run.fail(memory.Errorf(memory.CodeInvalidArgument, "generated rule is invalid").
				WithDetails(map[string]any{"rule": g.Rule, "category": g.Category}), false)
		}
	}

	res, err := e.mergeRules(ctx, projectID, generated)
	if err != nil {
		return DistillResult{}, run.fail(err, false)
	}
	run.emit(StageGenerated, 0.75)

	e.mu.Lock()
	st = e.state(projectID)
	st.distillDegraded = false
	st.retryPending = false
	st.pending = 0
	e.mu.Unlock()

	e.metrics.DistillRun("completed")
	run.emit(StageCompleted, 1)
	e.log.Info("distillation completed",
		zap.String("project_id", projectID),
		zap.String("run_id", run.id),
		zap.String("trigger", string(trigger)),
		zap.Int("episodes", len(episodes)),
		zap.Int("generated", len(generated)),
		zap.Int("conflicts", res.Conflicts))

	res.Accepted = true
	res.RunID = run.id
	res.Generated = len(generated)
	return res, nil
}

// finishDistill replays the write-ahead queue in arrival order and then
// clears the distilling flag. Writes that arrive during the replay queue up
// behind it, and the batch threshold is checked once the queue is empty.
func (e *Engine) finishDistill(ctx context.Context, projectID string) {
	replayed := 0
	for {
		e.mu.Lock()
		st := e.state(projectID)
		queued := st.wal
		st.wal = nil
		if len(queued) == 0 {
			st.distilling = false
			due := replayed > 0 && st.pending >= e.limits.DistillBatchSize
			e.mu.Unlock()
			if due {
				e.scheduleDistill(ctx, projectID, TriggerBatch)
			}
			return
		}
		e.mu.Unlock()

		for _, q := range queued {
			if _, err := e.write(ctx, q); err != nil {
				e.log.Error("replay queued episode failed",
					zap.String("project_id", projectID),
					zap.String("episode_id", q.id),
					zap.Error(err))
			}
			replayed++
		}
	}
}

func (e *Engine) generate(ctx context.Context, req DistillRequest) (rules []GeneratedRule, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("rule generator panic: %v", r)
		}
	}()
	return e.generator.Generate(ctx, req)
}

type distillRun struct {
	e         *Engine
	id        string
	projectID string
	trigger   Trigger
}

func (r distillRun) emit(stage Stage, progress float64) {
	r.emitEvent(DistillProgress{Stage: stage, Progress: progress})
}

func (r distillRun) emitEvent(ev DistillProgress) {
	if r.e.progress == nil {
		return
	}
	ev.RunID = r.id
	ev.ProjectID = r.projectID
	ev.Trigger = r.trigger
	ev.At = r.e.nowMillis()
	r.e.progress(ev)
}

// fail emits the failed stage. An I/O failure also degrades recall for the
// project and arms a retry on the next recorded episode.
func (r distillRun) fail(cause error, io bool) error {
	var err *memory.Error
	if !errors.As(cause, &err) {
		err = memory.Wrap(memory.CodeDBError, cause, "Distillation failed")
	}
	if io {
		r.e.mu.Lock()
		st := r.e.state(r.projectID)
		st.distillDegraded = true
		st.retryPending = true
		r.e.mu.Unlock()
	}
	r.e.metrics.DistillRun("failed")
	r.e.log.Error("distillation failed",
		zap.String("project_id", r.projectID),
		zap.String("run_id", r.id),
		zap.String("trigger", string(r.trigger)),
		zap.String("code", string(err.Code)),
		zap.Error(err))
	r.emitEvent(DistillProgress{Stage: StageFailed, Progress: 1, ErrorCode: err.Code, Message: err.Message})
	return err
}

// clusterEpisodes groups episodes by (sceneType, skillUsed), ordered by key.
func clusterEpisodes(episodes []memory.Episode) []Cluster {
	index := make(map[[2]string]int)
	var clusters []Cluster
	for _, ep := range episodes {
		key := [2]string{ep.SceneType, ep.SkillUsed}
		i, ok := index[key]
		if !ok {
			i = len(clusters)
			index[key] = i
			clusters = append(clusters, Cluster{SceneType: ep.SceneType, SkillUsed: ep.SkillUsed})
		}
		clusters[i].Episodes = append(clusters[i].Episodes, ep)
	}
	sort.SliceStable(clusters, func(i, j int) bool {
		if clusters[i].SceneType != clusters[j].SceneType {
			return clusters[i].SceneType < clusters[j].SceneType
		}
		return clusters[i].SkillUsed < clusters[j].SkillUsed
	})
	return clusters
}

type mergeAction int

const (
	actionInsert mergeAction = iota
	actionOverwrite
	actionConflict
	actionRefresh
)

// mergeRules folds generated rules into the project's own rules one at a
// time, so rules inserted earlier in the run take part in later matches.
func (e *Engine) mergeRules(ctx context.Context, projectID string, generated []GeneratedRule) (DistillResult, error) {
	var res DistillResult
	all, err := e.rulesFor(ctx, projectID)
	if err != nil {
		return res, memory.Wrap(memory.CodeDBError, err, "Failed to load semantic rules")
	}
	own := ownedRules(projectID, all)
	now := e.nowMillis()
	overwriteAge := memory.DayMillis(e.limits.RuleOverwriteDays)
	defer e.invalidateRules(projectID)

	save := func(r memory.SemanticRule) error {
		if err := e.repo.UpsertSemanticRule(ctx, r); err != nil {
			return memory.Wrap(memory.CodeDBError, err, "Failed to save semantic rule")
		}
		return nil
	}

	for _, g := range generated {
		g.Rule = strings.TrimSpace(g.Rule)
		idx, action := matchRule(own, g, now, overwriteAge)

		switch action {
		case actionRefresh:
			r := &own[idx]
			if !r.UserConfirmed {
				r.Confidence = g.Confidence
			}
			r.SupportingEpisodes = nonNil(g.SupportingEpisodes)
			r.ContradictingEpisodes = nonNil(g.ContradictingEpisodes)
			r.UpdatedAt = now
			if err := save(*r); err != nil {
				return res, err
			}
			res.Refreshed++

		case actionOverwrite:
			r := &own[idx]
			r.Rule = g.Rule
			r.Confidence = g.Confidence
			r.SupportingEpisodes = nonNil(g.SupportingEpisodes)
			r.ContradictingEpisodes = nonNil(g.ContradictingEpisodes)
			r.RecentlyUpdated = true
			r.ConflictMarked = false
			r.UserModified = false
			r.UpdatedAt = now
			if err := save(*r); err != nil {
				return res, err
			}
			res.Updated++

		case actionConflict:
			existingID := own[idx].ID
			r := e.newRule(projectID, g, now)
			r.Confidence = memory.Clamp01(g.Confidence - e.limits.ConflictPenalty)
			r.ConflictMarked = true
			var inserted bool
			own, inserted, err = e.insertRule(ctx, own, r, existingID)
			if err != nil {
				return res, err
			}
			if !inserted {
				continue
			}
			// insertRule may have evicted a rule, so idx is stale
			existing, ok := findRuleRef(own, existingID)
			if !ok {
				continue
			}
			existing.Confidence = memory.Clamp01(existing.Confidence - e.limits.ConflictPenalty)
			existing.ConflictMarked = true
			existing.UpdatedAt = now
			if err := save(*existing); err != nil {
				return res, err
			}
			e.enqueueConflict(projectID, existingID, r.ID, now)
			res.Inserted++
			res.Conflicts++

		default:
			var inserted bool
			own, inserted, err = e.insertRule(ctx, own, e.newRule(projectID, g, now), "")
			if err != nil {
				return res, err
			}
			if inserted {
				res.Inserted++
			}
		}
	}
	return res, nil
}

// matchRule picks the existing same-category rule g applies to. Identical
// text refreshes; a contradiction overwrites when the old rule is stale and
// conflicts otherwise; any other stale rule is overwritten.
func matchRule(own []memory.SemanticRule, g GeneratedRule, now, overwriteAge int64) (int, mergeAction) {
	var same []int
	for i, r := range own {
		if r.Category == g.Category {
			same = append(same, i)
		}
	}
	if len(same) == 0 {
		return -1, actionInsert
	}

	stale := func(i int) bool {
		return !own[i].UserConfirmed && now-own[i].UpdatedAt > overwriteAge
	}
	for _, i := range same {
		if own[i].Rule == g.Rule {
			return i, actionRefresh
		}
	}
	for _, i := range same {
		if contradicts(own[i].Rule, g.Rule) {
			if stale(i) {
				return i, actionOverwrite
			}
			return i, actionConflict
		}
	}
	for _, i := range same {
		if stale(i) {
			return i, actionOverwrite
		}
	}
	return -1, actionInsert
}

var (
	shortSentenceTerms = []string{"短句", "short sentence"}
	longSentenceTerms  = []string{"长句", "long sentence"}
)

// contradicts reports whether one text prefers short sentences and the
// other long ones.
func contradicts(a, b string) bool {
	a, b = strings.ToLower(a), strings.ToLower(b)
	return (containsAny(a, shortSentenceTerms) && containsAny(b, longSentenceTerms)) ||
		(containsAny(a, longSentenceTerms) && containsAny(b, shortSentenceTerms))
}

func containsAny(s string, terms []string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}

func (e *Engine) newRule(projectID string, g GeneratedRule, now int64) memory.SemanticRule {
	return memory.SemanticRule{
		ID:                    uuid.NewString(),
		ProjectID:             projectID,
		Scope:                 memory.ScopeProject,
		Version:               memory.SchemaVersion,
		Rule:                  g.Rule,
		Category:              g.Category,
		Confidence:            g.Confidence,
		SupportingEpisodes:    nonNil(g.SupportingEpisodes),
		ContradictingEpisodes: nonNil(g.ContradictingEpisodes),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// insertRule stores r, evicting the weakest unconfirmed rule other than
// keepID first when the project is at its rule budget. The rule is dropped
// when nothing can be evicted.
func (e *Engine) insertRule(ctx context.Context, own []memory.SemanticRule, r memory.SemanticRule, keepID string) ([]memory.SemanticRule, bool, error) {
	if len(own) >= e.limits.RuleBudget {
		victim := -1
		for i, cand := range own {
			if cand.UserConfirmed || cand.ID == keepID {
				continue
			}
			if victim < 0 || cand.Confidence < own[victim].Confidence ||
				(cand.Confidence == own[victim].Confidence && cand.UpdatedAt < own[victim].UpdatedAt) {
				victim = i
			}
		}
		if victim < 0 {
			e.log.Warn("rule budget full, dropping distilled rule",
				zap.String("project_id", r.ProjectID),
				zap.String("rule", r.Rule))
			return own, false, nil
		}
		if _, err := e.repo.DeleteSemanticRule(ctx, r.ProjectID, own[victim].ID); err != nil {
			return own, false, memory.Wrap(memory.CodeDBError, err, "Failed to evict semantic rule")
		}
		own = append(own[:victim], own[victim+1:]...)
	}
	if err := e.repo.UpsertSemanticRule(ctx, r); err != nil {
		return own, false, memory.Wrap(memory.CodeDBError, err, "Failed to save semantic rule")
	}
	return append(own, r), true, nil
}

func findRuleRef(own []memory.SemanticRule, id string) (*memory.SemanticRule, bool) {
	for i := range own {
		if own[i].ID == id {
			return &own[i], true
		}
	}
	return nil, false
}

func (e *Engine) enqueueConflict(projectID, existingID, newID string, now int64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(projectID)
	st.conflicts = append(st.conflicts, memory.ConflictItem{
		ID:        uuid.NewString(),
		ProjectID: projectID,
		RuleIDs:   []string{existingID, newID},
		Reason:    "direct_contradiction",
		Status:    memory.ConflictPending,
		CreatedAt: now,
		UpdatedAt: now,
	})
}
