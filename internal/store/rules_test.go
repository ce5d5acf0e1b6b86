package store

import (
	"context"
	"testing"

	"github.com/lazypower/quill/internal/memory"
)

func testRule(id, project, scope string) memory.SemanticRule {
	return memory.SemanticRule{
		ID:                 id,
		ProjectID:          project,
		Scope:              scope,
		Version:            memory.SchemaVersion,
		Rule:               "动作场景偏好短句",
		Category:           memory.CategoryPacing,
		Confidence:         0.8,
		SupportingEpisodes: []string{"ep-1", "ep-2"},
		CreatedAt:          10,
		UpdatedAt:          10,
	}
}

func TestUpsertSemanticRule(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	r := testRule("r1", "p1", memory.ScopeProject)
	if err := db.UpsertSemanticRule(ctx, r); err != nil {
		t.Fatalf("UpsertSemanticRule: %v", err)
	}

	r.Confidence = 0.6
	r.ConflictMarked = true
	r.UpdatedAt = 20
	if err := db.UpsertSemanticRule(ctx, r); err != nil {
		t.Fatalf("second UpsertSemanticRule: %v", err)
	}

	rules, err := db.ListSemanticRules(ctx, "p1")
	if err != nil {
		t.Fatalf("ListSemanticRules: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("len = %d, want 1", len(rules))
	}
	got := rules[0]
	if got.Confidence != 0.6 || !got.ConflictMarked || got.UpdatedAt != 20 || got.CreatedAt != 10 {
		t.Errorf("rule = %+v", got)
	}
	if len(got.SupportingEpisodes) != 2 || got.ContradictingEpisodes == nil {
		t.Errorf("episode sets = %v / %v", got.SupportingEpisodes, got.ContradictingEpisodes)
	}
}

func TestListSemanticRulesIncludesGlobal(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	db.UpsertSemanticRule(ctx, testRule("own", "p1", memory.ScopeProject))
	db.UpsertSemanticRule(ctx, testRule("other", "p2", memory.ScopeProject))
	db.UpsertSemanticRule(ctx, testRule("shared", "p2", memory.ScopeGlobal))

	rules, _ := db.ListSemanticRules(ctx, "p1")
	if len(rules) != 2 {
		t.Fatalf("rules = %v, want own + shared", rules)
	}
	all, _ := db.ListAllSemanticRules(ctx)
	if len(all) != 3 {
		t.Errorf("all = %d, want 3", len(all))
	}
}

func TestDeleteAndClearRules(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	confirmed := testRule("confirmed", "p1", memory.ScopeProject)
	confirmed.UserConfirmed = true
	db.UpsertSemanticRule(ctx, confirmed)
	db.UpsertSemanticRule(ctx, testRule("r1", "p1", memory.ScopeProject))
	db.UpsertSemanticRule(ctx, testRule("r2", "p1", memory.ScopeProject))
	db.UpsertSemanticRule(ctx, testRule("g", "p1", memory.ScopeGlobal))

	ok, err := db.DeleteSemanticRule(ctx, "p2", "r1")
	if err != nil || ok {
		t.Errorf("foreign delete = %v, %v, want false", ok, err)
	}
	ok, err = db.DeleteSemanticRule(ctx, "p1", "r1")
	if err != nil || !ok {
		t.Errorf("delete = %v, %v, want true", ok, err)
	}

	n, err := db.ClearProjectSemanticRules(ctx, "p1")
	if err != nil || n != 1 {
		t.Errorf("ClearProjectSemanticRules = %d, %v, want 1", n, err)
	}
	n, err = db.ClearAllSemanticRules(ctx)
	if err != nil || n != 1 {
		t.Errorf("ClearAllSemanticRules = %d, %v, want 1 (global)", n, err)
	}
	rules, _ := db.ListAllSemanticRules(ctx)
	if len(rules) != 1 || rules[0].ID != "confirmed" {
		t.Errorf("remaining = %v", rules)
	}
}
