package store

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/lazypower/quill/internal/memory"
)

func testEpisode(id, project string, createdAt int64) memory.Episode {
	return memory.Episode{
		ID:             id,
		ProjectID:      project,
		Scope:          memory.ScopeProject,
		Version:        memory.SchemaVersion,
		ChapterID:      "chapter-1",
		SceneType:      "action",
		SkillUsed:      "continue",
		InputContext:   "战斗场景",
		Candidates:     []string{"A", "B", "C"},
		SelectedIndex:  1,
		FinalText:      "主角拔剑突进",
		EditDistance:   0.15,
		ImplicitSignal: memory.SignalLightEdit,
		ImplicitWeight: 0.45,
		Importance:     0.5,
		DecayScore:     1,
		DecayLevel:     memory.DecayActive,
		CreatedAt:      createdAt,
		UpdatedAt:      createdAt,
	}
}

func TestInsertAndListEpisodes(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	ep := testEpisode("ep-1", "proj-1", 1000)
	ep.ExplicitFeedback = "nice"
	if err := db.InsertEpisode(ctx, ep); err != nil {
		t.Fatalf("InsertEpisode: %v", err)
	}
	if err := db.InsertEpisode(ctx, ep); err == nil {
		t.Error("duplicate insert should fail")
	}
	other := testEpisode("ep-2", "proj-1", 2000)
	other.SceneType = "dialogue"
	if err := db.InsertEpisode(ctx, other); err != nil {
		t.Fatalf("InsertEpisode: %v", err)
	}

	got, err := db.ListEpisodesByScene(ctx, "proj-1", "action", false)
	if err != nil {
		t.Fatalf("ListEpisodesByScene: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("len = %d, want 1", len(got))
	}
	g := got[0]
	if g.ID != "ep-1" || g.ExplicitFeedback != "nice" || len(g.Candidates) != 3 || g.ImplicitSignal != memory.SignalLightEdit {
		t.Errorf("round trip = %+v", g)
	}
	if g.LastRecalledAt != 0 {
		t.Errorf("LastRecalledAt = %d, want 0", g.LastRecalledAt)
	}

	all, err := db.ListEpisodesByProject(ctx, "proj-1", true)
	if err != nil {
		t.Fatalf("ListEpisodesByProject: %v", err)
	}
	if len(all) != 2 || all[0].ID != "ep-1" || all[1].ID != "ep-2" {
		t.Errorf("project list = %v", all)
	}
}

func TestUpdateEpisodeSignal(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	db.InsertEpisode(ctx, testEpisode("ep-1", "p", 1))

	found, err := db.UpdateEpisodeSignal(ctx, "ep-1", memory.SignalUndoAfterAccept, -1, 5)
	if err != nil || !found {
		t.Fatalf("UpdateEpisodeSignal = %v, %v", found, err)
	}
	found, err = db.UpdateEpisodeSignal(ctx, "missing", memory.SignalUndoAfterAccept, -1, 5)
	if err != nil || found {
		t.Errorf("missing episode = %v, %v, want false, nil", found, err)
	}

	eps, _ := db.ListEpisodesByProject(ctx, "p", false)
	if eps[0].ImplicitSignal != memory.SignalUndoAfterAccept || eps[0].ImplicitWeight != -1 {
		t.Errorf("signal = %s/%v", eps[0].ImplicitSignal, eps[0].ImplicitWeight)
	}
}

func TestMarkRecalledAndDecay(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	db.InsertEpisode(ctx, testEpisode("a", "p", 1))
	db.InsertEpisode(ctx, testEpisode("b", "p", 2))

	if err := db.MarkEpisodesRecalled(ctx, []string{"a", "b"}, 500); err != nil {
		t.Fatalf("MarkEpisodesRecalled: %v", err)
	}
	if err := db.UpdateEpisodeDecay(ctx, "a", 0.42, memory.DecayDecaying, 600); err != nil {
		t.Fatalf("UpdateEpisodeDecay: %v", err)
	}

	eps, _ := db.ListEpisodesByProject(ctx, "p", false)
	for _, ep := range eps {
		if ep.RecallCount != 1 || ep.LastRecalledAt != 500 {
			t.Errorf("%s recall = %d at %d", ep.ID, ep.RecallCount, ep.LastRecalledAt)
		}
	}
	if eps[0].DecayScore != 0.42 || eps[0].DecayLevel != memory.DecayDecaying {
		t.Errorf("decay = %v/%s", eps[0].DecayScore, eps[0].DecayLevel)
	}
}

func TestEvictionSkipsConfirmed(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	keep := testEpisode("keep", "p", 1)
	keep.UserConfirmed = true
	db.InsertEpisode(ctx, keep)
	for i := 0; i < 4; i++ {
		ep := testEpisode(fmt.Sprintf("e%d", i), "p", int64(10+i))
		ep.Importance = float64(i) / 10
		db.InsertEpisode(ctx, ep)
	}

	n, err := db.DeleteExpiredEpisodes(ctx, "p", false, 11)
	if err != nil {
		t.Fatalf("DeleteExpiredEpisodes: %v", err)
	}
	if n != 1 {
		t.Errorf("expired = %d, want 1 (e0 only)", n)
	}

	n, err = db.DeleteLRUEpisodes(ctx, "p", false, 2)
	if err != nil {
		t.Fatalf("DeleteLRUEpisodes: %v", err)
	}
	if n != 2 {
		t.Errorf("lru = %d, want 2", n)
	}

	eps, _ := db.ListEpisodesByProject(ctx, "p", true)
	if len(eps) != 2 || eps[0].ID != "keep" || eps[1].ID != "e3" {
		t.Errorf("remaining = %v", eps)
	}
}

func TestCompressAndPurge(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	old := testEpisode("old", "p", 100)
	old.FinalText = strings.Repeat("长", 900)
	db.InsertEpisode(ctx, old)
	db.InsertEpisode(ctx, testEpisode("older", "p", 50))
	db.InsertEpisode(ctx, testEpisode("fresh", "p", 5000))

	n, err := db.CompressEpisodes(ctx, "p", 1000, 800, 6000)
	if err != nil {
		t.Fatalf("CompressEpisodes: %v", err)
	}
	if n != 2 {
		t.Fatalf("compressed = %d, want 2", n)
	}

	compressed, _ := db.CountEpisodes(ctx, "p", true)
	active, _ := db.CountEpisodes(ctx, "p", false)
	if compressed != 2 || active != 1 {
		t.Errorf("counts = %d compressed, %d active", compressed, active)
	}

	eps, _ := db.ListEpisodesByProject(ctx, "p", true)
	for _, ep := range eps {
		if ep.ID == "old" {
			if len([]rune(ep.FinalText)) != 800 || len(ep.Candidates) != 0 {
				t.Errorf("old not truncated: %d runes, %d candidates", len([]rune(ep.FinalText)), len(ep.Candidates))
			}
		}
	}

	// Nothing expired, but keep=1 evicts the least valuable compressed episode.
	purged, err := db.PurgeCompressedEpisodes(ctx, "p", 10, 1)
	if err != nil {
		t.Fatalf("PurgeCompressedEpisodes: %v", err)
	}
	if purged != 1 {
		t.Errorf("purged = %d, want 1", purged)
	}
	eps, _ = db.ListEpisodesByProject(ctx, "p", true)
	if len(eps) != 2 || eps[0].ID != "old" {
		t.Errorf("remaining = %v", eps)
	}
}

func TestClearEpisodes(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	keep := testEpisode("keep", "a", 1)
	keep.UserConfirmed = true
	db.InsertEpisode(ctx, keep)
	db.InsertEpisode(ctx, testEpisode("a1", "a", 2))
	db.InsertEpisode(ctx, testEpisode("b1", "b", 3))

	n, err := db.ClearProjectEpisodes(ctx, "a")
	if err != nil || n != 1 {
		t.Fatalf("ClearProjectEpisodes = %d, %v", n, err)
	}
	ids, _ := db.ListProjectIDs(ctx)
	if len(ids) != 2 {
		t.Errorf("projects = %v, want a and b", ids)
	}
	n, err = db.ClearAllEpisodes(ctx)
	if err != nil || n != 1 {
		t.Fatalf("ClearAllEpisodes = %d, %v", n, err)
	}
}
