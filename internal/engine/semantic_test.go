package engine

import (
	"context"
	"testing"

	"github.com/lazypower/quill/internal/memory"
)

func TestAddSemanticMemoryValidation(t *testing.T) {
	env := testEngine(t, Options{})
	ctx := context.Background()

	cases := []struct {
		name string
		in   AddRuleInput
		code memory.Code
	}{
		{"missing project", AddRuleInput{Rule: "r", Category: "style", Confidence: 0.5}, memory.CodeInvalidArgument},
		{"empty rule", AddRuleInput{ProjectID: "proj-1", Rule: "  ", Category: "style", Confidence: 0.5}, memory.CodeInvalidArgument},
		{"bad category", AddRuleInput{ProjectID: "proj-1", Rule: "r", Category: "mood", Confidence: 0.5}, memory.CodeInvalidArgument},
		{"bad scope", AddRuleInput{ProjectID: "proj-1", Rule: "r", Category: "style", Confidence: 0.5, Scope: "team"}, memory.CodeInvalidArgument},
		{"confidence above one", AddRuleInput{ProjectID: "proj-1", Rule: "r", Category: "style", Confidence: 1.2}, memory.CodeConfidenceOutOfRange},
		{"negative confidence", AddRuleInput{ProjectID: "proj-1", Rule: "r", Category: "style", Confidence: -0.1}, memory.CodeConfidenceOutOfRange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.eng.AddSemanticMemory(ctx, tc.in)
			wantCode(t, err, tc.code)
		})
	}

	list, _ := env.eng.ListSemanticMemory(ctx, "proj-1")
	if len(list.Items) != 0 {
		t.Errorf("rejected rules were stored: %+v", list.Items)
	}
}

func TestAddSemanticMemoryConfidenceDetails(t *testing.T) {
	env := testEngine(t, Options{})
	_, err := env.eng.AddSemanticMemory(context.Background(), AddRuleInput{ProjectID: "proj-1", Rule: "r", Category: "style", Confidence: 1.2})
	me, ok := err.(*memory.Error)
	if !ok {
		t.Fatalf("error type = %T", err)
	}
	if me.Details["confidence"] != 1.2 {
		t.Errorf("details = %v", me.Details)
	}
}

func TestAddSemanticMemoryBudget(t *testing.T) {
	env := testEngine(t, Options{Limits: memory.Limits{RuleBudget: 2}})
	addRule(t, env, "proj-1", "style", memory.ScopeProject)
	addRule(t, env, "proj-1", "pacing", memory.ScopeProject)
	// global rules owned elsewhere do not count against proj-1
	addRule(t, env, "proj-0", "vocabulary", memory.ScopeGlobal)

	_, err := env.eng.AddSemanticMemory(context.Background(), AddRuleInput{ProjectID: "proj-1", Rule: "third", Category: "character", Confidence: 0.5})
	wantCode(t, err, memory.CodeCapacityExceeded)
}

func TestUpdateSemanticMemory(t *testing.T) {
	env := testEngine(t, Options{})
	ctx := context.Background()
	r := addRule(t, env, "proj-1", "style", memory.ScopeProject)

	conf := 0.9
	res, err := env.eng.UpdateSemanticMemory(ctx, "proj-1", r.ID, RulePatch{Confidence: &conf})
	if err != nil {
		t.Fatalf("UpdateSemanticMemory: %v", err)
	}
	if res.Item.Confidence != 0.9 || res.Item.UserModified {
		t.Errorf("confidence-only patch = %+v", res.Item)
	}

	text := "对白偏好口语化"
	res, err = env.eng.UpdateSemanticMemory(ctx, "proj-1", r.ID, RulePatch{Rule: &text})
	if err != nil {
		t.Fatalf("UpdateSemanticMemory: %v", err)
	}
	if res.Item.Rule != text || !res.Item.UserModified {
		t.Errorf("text patch = %+v", res.Item)
	}

	list, _ := env.eng.ListSemanticMemory(ctx, "proj-1")
	if list.Items[0].Rule != text {
		t.Errorf("cached rule not refreshed: %+v", list.Items[0])
	}
}

func TestUpdateSemanticMemoryRejects(t *testing.T) {
	env := testEngine(t, Options{})
	ctx := context.Background()
	r := addRule(t, env, "proj-1", "style", memory.ScopeProject)

	bad := 1.5
	_, err := env.eng.UpdateSemanticMemory(ctx, "proj-1", r.ID, RulePatch{Confidence: &bad})
	wantCode(t, err, memory.CodeConfidenceOutOfRange)

	category := "mood"
	_, err = env.eng.UpdateSemanticMemory(ctx, "proj-1", r.ID, RulePatch{Category: &category})
	wantCode(t, err, memory.CodeInvalidArgument)

	_, err = env.eng.UpdateSemanticMemory(ctx, "proj-1", "missing", RulePatch{})
	wantCode(t, err, memory.CodeNotFound)

	_, err = env.eng.UpdateSemanticMemory(ctx, "proj-2", r.ID, RulePatch{})
	wantCode(t, err, memory.CodeNotFound)

	list, _ := env.eng.ListSemanticMemory(ctx, "proj-1")
	if got := list.Items[0]; got.Confidence != r.Confidence || got.Category != r.Category {
		t.Errorf("rejected patch mutated rule: %+v", got)
	}
}

func TestDeleteSemanticMemory(t *testing.T) {
	env := testEngine(t, Options{})
	ctx := context.Background()
	r := addRule(t, env, "proj-1", "style", memory.ScopeProject)

	res, err := env.eng.DeleteSemanticMemory(ctx, "proj-1", r.ID)
	if err != nil || !res.Deleted {
		t.Fatalf("DeleteSemanticMemory = %+v, %v", res, err)
	}
	_, err = env.eng.DeleteSemanticMemory(ctx, "proj-1", r.ID)
	wantCode(t, err, memory.CodeNotFound)

	list, _ := env.eng.ListSemanticMemory(ctx, "proj-1")
	if len(list.Items) != 0 {
		t.Errorf("rules = %+v", list.Items)
	}
}

func TestPromoteSemanticMemory(t *testing.T) {
	env := testEngine(t, Options{})
	ctx := context.Background()
	r := addRule(t, env, "proj-1", "style", memory.ScopeProject)

	// proj-2 caches its empty view before the promotion
	before, _ := env.eng.ListSemanticMemory(ctx, "proj-2")
	if len(before.Items) != 0 {
		t.Fatalf("proj-2 rules = %+v", before.Items)
	}

	res, err := env.eng.PromoteSemanticMemory(ctx, "proj-1", r.ID)
	if err != nil {
		t.Fatalf("PromoteSemanticMemory: %v", err)
	}
	if res.Item.Scope != memory.ScopeGlobal || res.Item.ID != r.ID {
		t.Errorf("promoted = %+v", res.Item)
	}

	after, _ := env.eng.ListSemanticMemory(ctx, "proj-2")
	if len(after.Items) != 1 || after.Items[0].ID != r.ID {
		t.Errorf("proj-2 does not see the promoted rule: %+v", after.Items)
	}

	_, err = env.eng.PromoteSemanticMemory(ctx, "proj-2", r.ID)
	wantCode(t, err, memory.CodeNotFound)
	_, err = env.eng.PromoteSemanticMemory(ctx, "proj-1", "missing")
	wantCode(t, err, memory.CodeNotFound)
}

func TestClearProjectMemory(t *testing.T) {
	env := testEngine(t, Options{})
	ctx := context.Background()

	kept := seedEpisode("kept", "proj-1", "dialogue", baseMillis)
	kept.UserConfirmed = true
	env.repo.Seed(kept, seedEpisode("gone", "proj-1", "dialogue", baseMillis), seedEpisode("other", "proj-2", "dialogue", baseMillis))
	addRule(t, env, "proj-1", "style", memory.ScopeProject)
	env.eng.AddSemanticMemory(ctx, AddRuleInput{ProjectID: "proj-1", Rule: "confirmed", Category: "pacing", Confidence: 0.9, UserConfirmed: true})

	_, err := env.eng.ClearProjectMemory(ctx, "proj-1", false)
	wantCode(t, err, memory.CodeClearConfirmRequired)
	if _, ok := env.repo.Episode("gone"); !ok {
		t.Fatal("unconfirmed clear deleted data")
	}

	res, err := env.eng.ClearProjectMemory(ctx, "proj-1", true)
	if err != nil {
		t.Fatalf("ClearProjectMemory: %v", err)
	}
	if res.Episodes != 1 || res.Rules != 1 {
		t.Errorf("result = %+v", res)
	}
	for id, want := range map[string]bool{"kept": true, "gone": false, "other": true} {
		if _, ok := env.repo.Episode(id); ok != want {
			t.Errorf("%s present = %v, want %v", id, ok, want)
		}
	}
	list, _ := env.eng.ListSemanticMemory(ctx, "proj-1")
	if len(list.Items) != 1 || !list.Items[0].UserConfirmed {
		t.Errorf("rules = %+v", list.Items)
	}
}

func TestClearAllMemory(t *testing.T) {
	env := testEngine(t, Options{})
	ctx := context.Background()
	env.repo.Seed(seedEpisode("a", "proj-1", "dialogue", baseMillis), seedEpisode("b", "proj-2", "dialogue", baseMillis))
	addRule(t, env, "proj-1", "style", memory.ScopeProject)
	addRule(t, env, "proj-0", "pacing", memory.ScopeGlobal)

	_, err := env.eng.ClearAllMemory(ctx, false)
	wantCode(t, err, memory.CodeClearConfirmRequired)

	res, err := env.eng.ClearAllMemory(ctx, true)
	if err != nil {
		t.Fatalf("ClearAllMemory: %v", err)
	}
	if res.Episodes != 2 || res.Rules != 2 {
		t.Errorf("result = %+v", res)
	}
	if len(env.repo.Dump()) != 0 {
		t.Error("episodes survived")
	}
	list, _ := env.eng.ListSemanticMemory(ctx, "proj-1")
	if len(list.Items) != 0 {
		t.Errorf("rules survived: %+v", list.Items)
	}
}

func TestResolveRules(t *testing.T) {
	rules := []memory.SemanticRule{
		{ID: "g-style", ProjectID: "proj-0", Scope: memory.ScopeGlobal, Category: "style", Confidence: 0.9},
		{ID: "p-style", ProjectID: "proj-1", Scope: memory.ScopeProject, Category: "style", Confidence: 0.4},
		{ID: "g-pacing", ProjectID: "proj-0", Scope: memory.ScopeGlobal, Category: "pacing", Confidence: 0.6},
	}
	got := resolveRules("proj-1", rules, 10)
	ids := map[string]bool{}
	for _, r := range got {
		ids[r.ID] = true
	}
	if len(got) != 2 || !ids["p-style"] || !ids["g-pacing"] {
		t.Errorf("resolved = %+v", got)
	}
}
