package engine

import (
	"context"
	"math"
	"strings"

	"github.com/google/uuid"

	"github.com/lazypower/quill/internal/memory"
)

// rulesFor returns the project's own rules plus every global rule, loading
// the cache on first use.
func (e *Engine) rulesFor(ctx context.Context, projectID string) ([]memory.SemanticRule, error) {
	e.mu.Lock()
	st := e.state(projectID)
	if st.rulesLoaded {
		out := cloneRules(st.rules)
		e.mu.Unlock()
		return out, nil
	}
	gen := st.rulesGen
	e.mu.Unlock()

	rules, err := e.repo.ListSemanticRules(ctx, projectID)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	// A write landed while loading; keep the fresh copy uncached.
	if st := e.state(projectID); st.rulesGen == gen {
		st.rules = cloneRules(rules)
		st.rulesLoaded = true
	}
	e.mu.Unlock()
	return rules, nil
}

func (e *Engine) invalidateRules(projectID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(projectID)
	st.rulesLoaded = false
	st.rules = nil
	st.rulesGen++
}

func (e *Engine) invalidateAllRules() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, st := range e.projects {
		st.rulesLoaded = false
		st.rules = nil
		st.rulesGen++
	}
}

// invalidateFor drops the caches a write to r makes stale.
func (e *Engine) invalidateFor(r memory.SemanticRule) {
	if r.Scope == memory.ScopeGlobal {
		e.invalidateAllRules()
		return
	}
	e.invalidateRules(r.ProjectID)
}

func cloneRules(rules []memory.SemanticRule) []memory.SemanticRule {
	out := make([]memory.SemanticRule, len(rules))
	for i, r := range rules {
		out[i] = r.Clone()
	}
	return out
}

// resolveRules applies scope priority: project rules always apply, a global
// rule only when no project rule shares its category.
func resolveRules(projectID string, rules []memory.SemanticRule, budget int) []memory.SemanticRule {
	covered := make(map[string]bool)
	for _, r := range rules {
		if r.Scope == memory.ScopeProject && r.ProjectID == projectID {
			covered[r.Category] = true
		}
	}

	out := make([]memory.SemanticRule, 0, len(rules))
	for _, r := range rules {
		switch {
		case r.Scope == memory.ScopeProject && r.ProjectID == projectID:
		case r.Scope == memory.ScopeGlobal && !covered[r.Category]:
		default:
			continue
		}
		out = append(out, r)
		if len(out) == budget {
			break
		}
	}
	return out
}

func ownedRules(projectID string, rules []memory.SemanticRule) []memory.SemanticRule {
	var out []memory.SemanticRule
	for _, r := range rules {
		if r.ProjectID == projectID && r.Scope == memory.ScopeProject {
			out = append(out, r)
		}
	}
	return out
}

func findRule(rules []memory.SemanticRule, ruleID string) (memory.SemanticRule, bool) {
	for _, r := range rules {
		if r.ID == ruleID {
			return r, true
		}
	}
	return memory.SemanticRule{}, false
}

func validConfidence(c float64) bool {
	return !math.IsNaN(c) && c >= 0 && c <= 1
}

func confidenceError(c float64) *memory.Error {
	return memory.Errorf(memory.CodeConfidenceOutOfRange, "confidence must be between 0 and 1").
		WithDetails(map[string]any{"confidence": c})
}

func ruleNotFound(ruleID string) error {
	return memory.Errorf(memory.CodeNotFound, "Semantic rule not found").
		WithDetails(map[string]any{"ruleId": ruleID})
}

// SemanticList is the rule store view of one project.
type SemanticList struct {
	Items         []memory.SemanticRule `json:"items"`
	ConflictQueue []memory.ConflictItem `json:"conflictQueue"`
}

// ListSemanticMemory returns the project's rules, global rules included, and
// its pending conflict queue.
func (e *Engine) ListSemanticMemory(ctx context.Context, projectID string) (SemanticList, error) {
	projectID = strings.TrimSpace(projectID)
	if err := requireProject(projectID); err != nil {
		return SemanticList{}, err
	}
	rules, err := e.rulesFor(ctx, projectID)
	if err != nil {
		return SemanticList{}, memory.Wrap(memory.CodeDBError, err, "Failed to list semantic rules")
	}
	conflicts, err := e.ListConflictQueue(ctx, projectID)
	if err != nil {
		return SemanticList{}, err
	}
	return SemanticList{Items: rules, ConflictQueue: conflicts}, nil
}

// ListConflictQueue returns the project's conflict items in creation order.
func (e *Engine) ListConflictQueue(ctx context.Context, projectID string) ([]memory.ConflictItem, error) {
	projectID = strings.TrimSpace(projectID)
	if err := requireProject(projectID); err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(projectID)
	out := make([]memory.ConflictItem, len(st.conflicts))
	for i, c := range st.conflicts {
		c.RuleIDs = append([]string(nil), c.RuleIDs...)
		out[i] = c
	}
	return out, nil
}

// AddRuleInput describes a user-authored rule.
type AddRuleInput struct {
	ProjectID             string   `json:"projectId"`
	Rule                  string   `json:"rule"`
	Category              string   `json:"category"`
	Confidence            float64  `json:"confidence"`
	Scope                 string   `json:"scope,omitempty"`
	SupportingEpisodes    []string `json:"supportingEpisodes,omitempty"`
	ContradictingEpisodes []string `json:"contradictingEpisodes,omitempty"`
	UserConfirmed         bool     `json:"userConfirmed,omitempty"`
}

// RuleResult wraps a single rule.
type RuleResult struct {
	Item memory.SemanticRule `json:"item"`
}

// AddSemanticMemory stores a new rule. Out-of-range confidence is rejected.
func (e *Engine) AddSemanticMemory(ctx context.Context, in AddRuleInput) (RuleResult, error) {
	in.ProjectID = strings.TrimSpace(in.ProjectID)
	in.Rule = strings.TrimSpace(in.Rule)
	if in.Scope == "" {
		in.Scope = memory.ScopeProject
	}
	switch {
	case in.ProjectID == "":
		return RuleResult{}, memory.Errorf(memory.CodeInvalidArgument, "projectId is required")
	case in.Rule == "":
		return RuleResult{}, memory.Errorf(memory.CodeInvalidArgument, "rule is required")
	case !memory.ValidCategory(in.Category):
		return RuleResult{}, memory.Errorf(memory.CodeInvalidArgument, "category is invalid").
			WithDetails(map[string]any{"category": in.Category})
	case in.Scope != memory.ScopeProject && in.Scope != memory.ScopeGlobal:
		return RuleResult{}, memory.Errorf(memory.CodeInvalidArgument, "scope is invalid").
			WithDetails(map[string]any{"scope": in.Scope})
	case !validConfidence(in.Confidence):
		return RuleResult{}, confidenceError(in.Confidence)
	}

	existing, err := e.rulesFor(ctx, in.ProjectID)
	if err != nil {
		return RuleResult{}, memory.Wrap(memory.CodeDBError, err, "Failed to load semantic rules")
	}
	if owned := countOwned(in.ProjectID, existing); owned >= e.limits.RuleBudget {
		return RuleResult{}, memory.Errorf(memory.CodeCapacityExceeded, "Semantic rule capacity exceeded").
			WithDetails(map[string]any{
				"projectId": in.ProjectID,
				"ruleCount": owned,
				"budget":    e.limits.RuleBudget,
			})
	}

	now := e.nowMillis()
	r := memory.SemanticRule{
		ID:                    uuid.NewString(),
		ProjectID:             in.ProjectID,
		Scope:                 in.Scope,
		Version:               memory.SchemaVersion,
		Rule:                  in.Rule,
		Category:              in.Category,
		Confidence:            in.Confidence,
		SupportingEpisodes:    nonNil(in.SupportingEpisodes),
		ContradictingEpisodes: nonNil(in.ContradictingEpisodes),
		UserConfirmed:         in.UserConfirmed,
		CreatedAt:             now,
		UpdatedAt:             now,
	}
	if err := e.repo.UpsertSemanticRule(ctx, r); err != nil {
		return RuleResult{}, memory.Wrap(memory.CodeDBError, err, "Failed to save semantic rule")
	}
	e.invalidateFor(r)
	return RuleResult{Item: r}, nil
}

func countOwned(projectID string, rules []memory.SemanticRule) int {
	n := 0
	for _, r := range rules {
		if r.ProjectID == projectID {
			n++
		}
	}
	return n
}

// RulePatch lists the fields UpdateSemanticMemory may change. Nil fields are
// left as they are.
type RulePatch struct {
	Rule                  *string   `json:"rule,omitempty"`
	Category              *string   `json:"category,omitempty"`
	Confidence            *float64  `json:"confidence,omitempty"`
	Scope                 *string   `json:"scope,omitempty"`
	SupportingEpisodes    *[]string `json:"supportingEpisodes,omitempty"`
	ContradictingEpisodes *[]string `json:"contradictingEpisodes,omitempty"`
	UserConfirmed         *bool     `json:"userConfirmed,omitempty"`
	UserModified          *bool     `json:"userModified,omitempty"`
}

// UpdateSemanticMemory applies patch to a rule visible to projectID. Text or
// category edits mark the rule user-modified unless the patch says otherwise.
func (e *Engine) UpdateSemanticMemory(ctx context.Context, projectID, ruleID string, patch RulePatch) (RuleResult, error) {
	projectID = strings.TrimSpace(projectID)
	if err := requireProject(projectID); err != nil {
		return RuleResult{}, err
	}
	rules, err := e.rulesFor(ctx, projectID)
	if err != nil {
		return RuleResult{}, memory.Wrap(memory.CodeDBError, err, "Failed to load semantic rules")
	}
	before, ok := findRule(rules, ruleID)
	if !ok {
		return RuleResult{}, ruleNotFound(ruleID)
	}

	r := before.Clone()
	if patch.Rule != nil {
		text := strings.TrimSpace(*patch.Rule)
		if text == "" {
			return RuleResult{}, memory.Errorf(memory.CodeInvalidArgument, "rule is required")
		}
		if text != r.Rule {
			r.Rule = text
			r.UserModified = true
		}
	}
	if patch.Category != nil {
		if !memory.ValidCategory(*patch.Category) {
			return RuleResult{}, memory.Errorf(memory.CodeInvalidArgument, "category is invalid").
				WithDetails(map[string]any{"category": *patch.Category})
		}
		if *patch.Category != r.Category {
			r.Category = *patch.Category
			r.UserModified = true
		}
	}
	if patch.Confidence != nil {
		if !validConfidence(*patch.Confidence) {
			return RuleResult{}, confidenceError(*patch.Confidence)
		}
		r.Confidence = *patch.Confidence
	}
	if patch.Scope != nil {
		if *patch.Scope != memory.ScopeProject && *patch.Scope != memory.ScopeGlobal {
			return RuleResult{}, memory.Errorf(memory.CodeInvalidArgument, "scope is invalid").
				WithDetails(map[string]any{"scope": *patch.Scope})
		}
		r.Scope = *patch.Scope
	}
	if patch.SupportingEpisodes != nil {
		r.SupportingEpisodes = nonNil(*patch.SupportingEpisodes)
	}
	if patch.ContradictingEpisodes != nil {
		r.ContradictingEpisodes = nonNil(*patch.ContradictingEpisodes)
	}
	if patch.UserConfirmed != nil {
		r.UserConfirmed = *patch.UserConfirmed
	}
	if patch.UserModified != nil {
		r.UserModified = *patch.UserModified
	}
	r.UpdatedAt = e.nowMillis()

	if err := e.repo.UpsertSemanticRule(ctx, r); err != nil {
		return RuleResult{}, memory.Wrap(memory.CodeDBError, err, "Failed to save semantic rule")
	}
	e.invalidateFor(before)
	e.invalidateFor(r)
	return RuleResult{Item: r}, nil
}

// DeleteResult reports a rule deletion.
type DeleteResult struct {
	Deleted bool `json:"deleted"`
}

// DeleteSemanticMemory removes a rule visible to projectID.
func (e *Engine) DeleteSemanticMemory(ctx context.Context, projectID, ruleID string) (DeleteResult, error) {
	projectID = strings.TrimSpace(projectID)
	if err := requireProject(projectID); err != nil {
		return DeleteResult{}, err
	}
	rules, err := e.rulesFor(ctx, projectID)
	if err != nil {
		return DeleteResult{}, memory.Wrap(memory.CodeDBError, err, "Failed to load semantic rules")
	}
	r, ok := findRule(rules, ruleID)
	if !ok {
		return DeleteResult{}, ruleNotFound(ruleID)
	}
	deleted, err := e.repo.DeleteSemanticRule(ctx, projectID, ruleID)
	if err != nil {
		return DeleteResult{}, memory.Wrap(memory.CodeDBError, err, "Failed to delete semantic rule")
	}
	e.invalidateFor(r)
	if !deleted {
		return DeleteResult{}, ruleNotFound(ruleID)
	}
	return DeleteResult{Deleted: true}, nil
}

// PromoteSemanticMemory turns one of the project's own rules into a global rule.
func (e *Engine) PromoteSemanticMemory(ctx context.Context, projectID, ruleID string) (RuleResult, error) {
	projectID = strings.TrimSpace(projectID)
	if err := requireProject(projectID); err != nil {
		return RuleResult{}, err
	}
	rules, err := e.rulesFor(ctx, projectID)
	if err != nil {
		return RuleResult{}, memory.Wrap(memory.CodeDBError, err, "Failed to load semantic rules")
	}
	r, ok := findRule(ownedRules(projectID, rules), ruleID)
	if !ok {
		return RuleResult{}, memory.Errorf(memory.CodeNotFound, "Project semantic rule not found").
			WithDetails(map[string]any{"ruleId": ruleID, "projectId": projectID})
	}

	r.Scope = memory.ScopeGlobal
	r.UpdatedAt = e.nowMillis()
	if err := e.repo.UpsertSemanticRule(ctx, r); err != nil {
		return RuleResult{}, memory.Wrap(memory.CodeDBError, err, "Failed to promote semantic rule")
	}
	e.invalidateAllRules()
	return RuleResult{Item: r}, nil
}

// ClearResult reports a memory clear.
type ClearResult struct {
	Episodes int `json:"episodes"`
	Rules    int `json:"rules"`
}

func clearConfirmError() error {
	return memory.Errorf(memory.CodeClearConfirmRequired, "Memory clear requires confirmation")
}

// ClearProjectMemory deletes the project's episodes and project rules and
// resets its bookkeeping. User-confirmed records survive.
func (e *Engine) ClearProjectMemory(ctx context.Context, projectID string, confirmed bool) (ClearResult, error) {
	projectID = strings.TrimSpace(projectID)
	if err := requireProject(projectID); err != nil {
		return ClearResult{}, err
	}
	if !confirmed {
		return ClearResult{}, clearConfirmError()
	}

	eps, err := e.repo.ClearProjectEpisodes(ctx, projectID)
	if err != nil {
		return ClearResult{}, memory.Wrap(memory.CodeDBError, err, "Failed to clear project episodes")
	}
	rules, err := e.repo.ClearProjectSemanticRules(ctx, projectID)
	if err != nil {
		return ClearResult{Episodes: eps}, memory.Wrap(memory.CodeDBError, err, "Failed to clear project rules")
	}

	e.mu.Lock()
	resetState(e.state(projectID))
	kept := e.retryQueue[:0]
	for _, in := range e.retryQueue {
		if in.ProjectID != projectID {
			kept = append(kept, in)
		}
	}
	e.retryQueue = kept
	size := len(kept)
	e.mu.Unlock()
	e.metrics.SetRetryQueueSize(size)

	return ClearResult{Episodes: eps, Rules: rules}, nil
}

// ClearAllMemory deletes every episode and rule and resets all bookkeeping.
// User-confirmed records survive.
func (e *Engine) ClearAllMemory(ctx context.Context, confirmed bool) (ClearResult, error) {
	if !confirmed {
		return ClearResult{}, clearConfirmError()
	}
	eps, err := e.repo.ClearAllEpisodes(ctx)
	if err != nil {
		return ClearResult{}, memory.Wrap(memory.CodeDBError, err, "Failed to clear episodes")
	}
	rules, err := e.repo.ClearAllSemanticRules(ctx)
	if err != nil {
		return ClearResult{Episodes: eps}, memory.Wrap(memory.CodeDBError, err, "Failed to clear rules")
	}

	e.mu.Lock()
	for _, st := range e.projects {
		resetState(st)
	}
	e.retryQueue = nil
	e.mu.Unlock()
	e.metrics.SetRetryQueueSize(0)

	return ClearResult{Episodes: eps, Rules: rules}, nil
}

// resetState forgets derived bookkeeping. A run in flight keeps its
// distilling flag and write-ahead queue. Caller holds mu.
func resetState(st *projectState) {
	st.pending = 0
	st.distillDegraded = false
	st.retryPending = false
	st.conflicts = nil
	st.rules = nil
	st.rulesLoaded = false
	st.rulesGen++
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return append([]string{}, s...)
}
