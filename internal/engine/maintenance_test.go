package engine

import (
	"context"
	"math"
	"strconv"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/lazypower/quill/internal/memory"
)

func TestRealtimeEvictionTrigger(t *testing.T) {
	env := testEngine(t, Options{})
	ctx := context.Background()

	keeper := seedEpisode("keeper", "proj-1", "dialogue", baseMillis-memory.DayMillis(1))
	keeper.UserConfirmed = true
	keeper.Importance = 1
	keeper.RecallCount = 50
	env.repo.Seed(keeper)
	for i := 0; i < 6; i++ {
		env.repo.Seed(seedEpisode("expired-"+strconv.Itoa(i), "proj-1", "dialogue", baseMillis-memory.DayMillis(200)))
	}
	for i := 0; i < 1005; i++ {
		ep := seedEpisode("filler-"+strconv.Itoa(i), "proj-1", "dialogue", baseMillis-int64(i)*1000)
		ep.Importance = 0
		env.repo.Seed(ep)
	}

	res, err := env.eng.RealtimeEvictionTrigger(ctx, "proj-1")
	if err != nil {
		t.Fatalf("RealtimeEvictionTrigger: %v", err)
	}
	if res.Deleted != 12 {
		t.Errorf("deleted = %d, want 12", res.Deleted)
	}
	if n, _ := env.repo.CountEpisodes(ctx, "proj-1", false); n > 1000 {
		t.Errorf("active = %d, want <= 1000", n)
	}
	if _, ok := env.repo.Episode("keeper"); !ok {
		t.Error("confirmed episode evicted")
	}
	for i := 0; i < 6; i++ {
		if _, ok := env.repo.Episode("expired-" + strconv.Itoa(i)); ok {
			t.Errorf("expired-%d survived", i)
		}
	}
}

func TestWeeklyCompressTrigger(t *testing.T) {
	env := testEngine(t, Options{})
	ctx := context.Background()

	old := seedEpisode("old", "proj-1", "dialogue", baseMillis-memory.DayMillis(17))
	old.FinalText = strings.Repeat("字", 900)
	old.Candidates = []string{"A", "B", "C"}
	recent := seedEpisode("recent", "proj-1", "dialogue", baseMillis-memory.DayMillis(3))
	confirmed := seedEpisode("confirmed", "proj-1", "dialogue", baseMillis-memory.DayMillis(17))
	confirmed.UserConfirmed = true
	env.repo.Seed(old, recent, confirmed)

	res, err := env.eng.WeeklyCompressTrigger(ctx, "proj-1")
	if err != nil {
		t.Fatalf("WeeklyCompressTrigger: %v", err)
	}
	if res.Compressed != 1 || res.Purged != 0 {
		t.Errorf("result = %+v", res)
	}

	got, _ := env.repo.Episode("old")
	if !got.Compressed || len(got.Candidates) != 0 {
		t.Errorf("old episode = %+v", got)
	}
	if n := utf8.RuneCountInString(got.FinalText); n != 800 {
		t.Errorf("finalText runes = %d, want 800", n)
	}
	for _, id := range []string{"recent", "confirmed"} {
		if ep, _ := env.repo.Episode(id); ep.Compressed {
			t.Errorf("%s compressed", id)
		}
	}
}

func TestMonthlyPurgeTrigger(t *testing.T) {
	env := testEngine(t, Options{Limits: memory.Limits{CompressedBudget: 2}})
	ctx := context.Background()

	for i, imp := range []float64{0.1, 0.5, 0.9} {
		ep := seedEpisode("c-"+strconv.Itoa(i), "proj-1", "dialogue", baseMillis-memory.DayMillis(20))
		ep.Compressed = true
		ep.Importance = imp
		env.repo.Seed(ep)
	}
	ancient := seedEpisode("ancient", "proj-1", "dialogue", baseMillis-memory.DayMillis(400))
	ancient.Compressed = true
	ancient.Importance = 1
	env.repo.Seed(ancient)

	res, err := env.eng.MonthlyPurgeTrigger(ctx, "proj-1")
	if err != nil {
		t.Fatalf("MonthlyPurgeTrigger: %v", err)
	}
	if res.Deleted != 2 {
		t.Errorf("deleted = %d, want 2", res.Deleted)
	}
	for id, want := range map[string]bool{"ancient": false, "c-0": false, "c-1": true, "c-2": true} {
		if _, ok := env.repo.Episode(id); ok != want {
			t.Errorf("%s present = %v, want %v", id, ok, want)
		}
	}
}

func TestDailyDecayRecomputeTrigger(t *testing.T) {
	env := testEngine(t, Options{})
	ctx := context.Background()

	stale := seedEpisode("stale", "proj-1", "dialogue", baseMillis-memory.DayMillis(30))
	revived := seedEpisode("revived", "proj-1", "dialogue", baseMillis)
	revived.DecayScore = 0.4
	revived.DecayLevel = memory.DecayDecaying
	steady := seedEpisode("steady", "proj-2", "action", baseMillis)
	env.repo.Seed(stale, revived, steady)

	ruleAt := baseMillis - memory.DayMillis(5)
	env.repo.SeedRules(
		memory.SemanticRule{ID: "r-project", ProjectID: "proj-1", Scope: memory.ScopeProject, Rule: "a", Category: "style", Confidence: 0.5, UpdatedAt: ruleAt},
		memory.SemanticRule{ID: "r-confirmed", ProjectID: "proj-1", Scope: memory.ScopeProject, Rule: "b", Category: "pacing", Confidence: 0.9, UserConfirmed: true, UpdatedAt: ruleAt},
		memory.SemanticRule{ID: "r-global", ProjectID: "proj-0", Scope: memory.ScopeGlobal, Rule: "c", Category: "vocabulary", Confidence: 0.5, UpdatedAt: ruleAt},
	)
	// warm the rule cache so the recompute must invalidate it
	env.eng.ListSemanticMemory(ctx, "proj-1")

	res, err := env.eng.DailyDecayRecomputeTrigger(ctx)
	if err != nil {
		t.Fatalf("DailyDecayRecomputeTrigger: %v", err)
	}
	if res.Updated != 2 || res.RulesDecayed != 2 {
		t.Errorf("result = %+v", res)
	}

	if ep, _ := env.repo.Episode("stale"); ep.DecayLevel != memory.DecayToEvict {
		t.Errorf("stale level = %s, want to_evict", ep.DecayLevel)
	}
	if ep, _ := env.repo.Episode("revived"); ep.DecayLevel != memory.DecayActive || ep.DecayScore != 1 {
		t.Errorf("revived = %s/%v, want active/1", ep.DecayLevel, ep.DecayScore)
	}

	list, _ := env.eng.ListSemanticMemory(ctx, "proj-1")
	want := map[string]float64{"r-project": 0.49, "r-confirmed": 0.9, "r-global": 0.49}
	if len(list.Items) != len(want) {
		t.Fatalf("rules = %d, want %d", len(list.Items), len(want))
	}
	for _, r := range list.Items {
		if math.Abs(r.Confidence-want[r.ID]) > 1e-9 {
			t.Errorf("%s confidence = %v, want %v", r.ID, r.Confidence, want[r.ID])
		}
		if r.UpdatedAt != ruleAt {
			t.Errorf("%s updatedAt changed by decay", r.ID)
		}
	}
}

func TestMaintenanceDBError(t *testing.T) {
	env := testEngine(t, Options{})
	ctx := context.Background()
	env.repo.Seed(seedEpisode("ep-1", "proj-1", "dialogue", baseMillis))
	env.repo.FailReads(true)

	_, err := env.eng.DailyDecayRecomputeTrigger(ctx)
	wantCode(t, err, memory.CodeDBError)
	_, err = env.eng.RealtimeEvictionTrigger(ctx, "proj-1")
	wantCode(t, err, memory.CodeDBError)
	_, err = env.eng.WeeklyCompressTrigger(ctx, "proj-1")
	wantCode(t, err, memory.CodeDBError)

	if env.logs.FilterMessage("daily decay failed").Len() != 1 {
		t.Error("expected daily decay failure log")
	}
}

func TestMaintenanceRequiresProject(t *testing.T) {
	env := testEngine(t, Options{})
	ctx := context.Background()
	_, err := env.eng.RealtimeEvictionTrigger(ctx, "")
	wantCode(t, err, memory.CodeInvalidArgument)
	_, err = env.eng.WeeklyCompressTrigger(ctx, "")
	wantCode(t, err, memory.CodeInvalidArgument)
	_, err = env.eng.MonthlyPurgeTrigger(ctx, "")
	wantCode(t, err, memory.CodeInvalidArgument)
}
