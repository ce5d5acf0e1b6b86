package engine

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"

	"github.com/lazypower/quill/internal/llm"
	"github.com/lazypower/quill/internal/memory"
)

func clusterOf(scene string, texts ...string) Cluster {
	c := Cluster{SceneType: scene, SkillUsed: "continue"}
	for i, text := range texts {
		c.Episodes = append(c.Episodes, memory.Episode{ID: scene + "-" + strconv.Itoa(i), SceneType: scene, FinalText: text})
	}
	return c
}

func TestHeuristicGenerator(t *testing.T) {
	long := strings.Repeat("长", 31)
	req := DistillRequest{Clusters: []Cluster{
		clusterOf("action", "短", "短", "短", long, long),
		clusterOf("dialogue", "短", "短", long, long, long),
		{SceneType: "empty"},
	}}

	rules, err := HeuristicGenerator().Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("rules = %+v, want 1", rules)
	}
	r := rules[0]
	if r.Rule != "action场景偏好短句 (prefers short sentences)" || r.Category != memory.CategoryPacing {
		t.Errorf("rule = %+v", r)
	}
	if r.Confidence != 0.6 || len(r.SupportingEpisodes) != 3 || r.ContradictingEpisodes == nil {
		t.Errorf("confidence = %v, support = %v", r.Confidence, r.SupportingEpisodes)
	}
}

func TestHeuristicGeneratorCountsRunes(t *testing.T) {
	// 30 CJK runes is 90 bytes and still counts as short
	req := DistillRequest{Clusters: []Cluster{clusterOf("action", strings.Repeat("字", 30))}}
	rules, _ := HeuristicGenerator().Generate(context.Background(), req)
	if len(rules) != 1 {
		t.Errorf("rules = %+v, want 1", rules)
	}
}

func TestLLMGenerator(t *testing.T) {
	mock := &llm.MockClient{Response: &llm.Response{Content: "```json\n" + `[
  {"rule": "对白偏好口语化", "category": "Style", "confidence": 0.8, "supporting_episodes": ["dialogue-0", "ghost"]},
  {"rule": "", "category": "style", "confidence": 0.5},
  {"rule": "偏好暗色调", "category": "mood", "confidence": 0.5}
]` + "\n```"}}
	gen := NewLLMGenerator(mock)
	c := clusterOf("dialogue", "你好啊", "走吧")
	req := DistillRequest{ProjectID: "proj-1", Trigger: TriggerManual, Episodes: c.Episodes, Clusters: []Cluster{c}}

	rules, err := gen.Generate(context.Background(), req)
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(rules) != 1 {
		t.Fatalf("rules = %+v, want 1", rules)
	}
	r := rules[0]
	if r.Category != memory.CategoryStyle || r.Confidence != 0.8 {
		t.Errorf("rule = %+v", r)
	}
	if len(r.SupportingEpisodes) != 1 || r.SupportingEpisodes[0] != "dialogue-0" {
		t.Errorf("supporting = %v, want unknown ids dropped", r.SupportingEpisodes)
	}
	if r.ContradictingEpisodes == nil {
		t.Error("contradicting episodes should be an empty slice")
	}

	calls := mock.Calls()
	if len(calls) != 1 {
		t.Fatalf("calls = %d, want 1", len(calls))
	}
	for _, want := range []string{"Project: proj-1", "Trigger: manual", "- dialogue-0 [", "你好啊"} {
		if !strings.Contains(calls[0], want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestLLMGeneratorNoClusters(t *testing.T) {
	mock := &llm.MockClient{}
	rules, err := NewLLMGenerator(mock).Generate(context.Background(), DistillRequest{ProjectID: "proj-1"})
	if err != nil || rules != nil {
		t.Errorf("Generate = %v, %v", rules, err)
	}
	if len(mock.Calls()) != 0 {
		t.Error("model called without clusters")
	}
}

func TestLLMGeneratorErrors(t *testing.T) {
	c := clusterOf("action", "跑")
	req := DistillRequest{ProjectID: "proj-1", Episodes: c.Episodes, Clusters: []Cluster{c}}

	down := errors.New("connection refused")
	_, err := NewLLMGenerator(&llm.MockClient{Err: down}).Generate(context.Background(), req)
	if !errors.Is(err, down) || !strings.HasPrefix(err.Error(), "distill llm:") {
		t.Errorf("err = %v", err)
	}

	_, err = NewLLMGenerator(&llm.MockClient{Response: &llm.Response{Content: "I have no rules for you."}}).Generate(context.Background(), req)
	if err == nil || !strings.HasPrefix(err.Error(), "parse distill response:") {
		t.Errorf("err = %v", err)
	}
}

func TestParseRulesResponse(t *testing.T) {
	rules, err := parseRulesResponse(`Here you go: [{"rule": "r", "category": "pacing", "confidence": 0.7}] done`)
	if err != nil || len(rules) != 1 || rules[0].Rule != "r" {
		t.Errorf("parse = %+v, %v", rules, err)
	}
	if _, err := parseRulesResponse("[not json]"); err == nil {
		t.Error("expected unmarshal error")
	}
}

func TestRenderClustersCapsEpisodes(t *testing.T) {
	gen := &LLMGenerator{maxPerCluster: 2}
	out := gen.renderClusters([]Cluster{clusterOf("action", "a", "b", "c")})
	if strings.Contains(out, "action-0 ") || !strings.Contains(out, "action-2 ") {
		t.Errorf("render = %q", out)
	}
	if !strings.Contains(out, "(3 episodes)") {
		t.Errorf("render header = %q", out)
	}
}
