package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/lazypower/quill/internal/llm"
	"github.com/lazypower/quill/internal/memory"
)

const (
	shortTextRunes = 30
	shortTextRatio = 0.6
)

type heuristicGenerator struct{}

// HeuristicGenerator flags clusters where most kept texts are short as a
// pacing preference for short sentences.
func HeuristicGenerator() RuleGenerator {
	return heuristicGenerator{}
}

func (heuristicGenerator) Generate(ctx context.Context, req DistillRequest) ([]GeneratedRule, error) {
	var rules []GeneratedRule
	for _, c := range req.Clusters {
		if len(c.Episodes) == 0 {
			continue
		}
		var short []string
		for _, ep := range c.Episodes {
			if utf8.RuneCountInString(ep.FinalText) <= shortTextRunes {
				short = append(short, ep.ID)
			}
		}
		ratio := float64(len(short)) / float64(len(c.Episodes))
		if ratio < shortTextRatio {
			continue
		}
		rules = append(rules, GeneratedRule{
			Rule:                  fmt.Sprintf("%s场景偏好短句 (prefers short sentences)", c.SceneType),
			Category:              memory.CategoryPacing,
			Confidence:            ratio,
			SupportingEpisodes:    short,
			ContradictingEpisodes: []string{},
		})
	}
	return rules, nil
}

// LLMGenerator asks a language model for rules.
type LLMGenerator struct {
	client llm.Client
	// maxPerCluster caps the episode lines rendered per cluster.
	maxPerCluster int
}

// NewLLMGenerator creates a generator backed by client.
func NewLLMGenerator(client llm.Client) *LLMGenerator {
	return &LLMGenerator{client: client, maxPerCluster: 20}
}

// Generate renders the clusters into the distillation prompt and parses the
// model's JSON array. Rules with an unknown category or empty text are
// dropped; confidence is passed through for the engine to validate.
func (g *LLMGenerator) Generate(ctx context.Context, req DistillRequest) ([]GeneratedRule, error) {
	if len(req.Clusters) == 0 {
		return nil, nil
	}
	prompt := llm.DistillPrompt(req.ProjectID, string(req.Trigger), g.renderClusters(req.Clusters))
	resp, err := g.client.Complete(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("distill llm: %w", err)
	}

	parsed, err := parseRulesResponse(resp.Content)
	if err != nil {
		return nil, fmt.Errorf("parse distill response: %w", err)
	}

	known := make(map[string]bool, len(req.Episodes))
	for _, ep := range req.Episodes {
		known[ep.ID] = true
	}
	rules := make([]GeneratedRule, 0, len(parsed))
	for _, r := range parsed {
		r.Rule = strings.TrimSpace(r.Rule)
		r.Category = strings.ToLower(strings.TrimSpace(r.Category))
		if r.Rule == "" || !memory.ValidCategory(r.Category) {
			continue
		}
		r.SupportingEpisodes = filterIDs(r.SupportingEpisodes, known)
		r.ContradictingEpisodes = filterIDs(r.ContradictingEpisodes, known)
		rules = append(rules, r)
	}
	return rules, nil
}

func (g *LLMGenerator) renderClusters(clusters []Cluster) string {
	var b strings.Builder
	for _, c := range clusters {
		fmt.Fprintf(&b, "## cluster %s/%s (%d episodes)\n", c.SceneType, c.SkillUsed, len(c.Episodes))
		eps := c.Episodes
		if len(eps) > g.maxPerCluster {
			eps = eps[len(eps)-g.maxPerCluster:]
		}
		for _, ep := range eps {
			text := strings.ReplaceAll(memory.Truncate(ep.FinalText, 200), "\n", " ")
			fmt.Fprintf(&b, "- %s [%s] %s\n", ep.ID, ep.ImplicitSignal, text)
		}
		b.WriteString("\n")
	}
	return b.String()
}

func parseRulesResponse(content string) ([]GeneratedRule, error) {
	content = strings.TrimSpace(content)

	// Strip markdown code fences
	if strings.HasPrefix(content, "```") {
		lines := strings.Split(content, "\n")
		if len(lines) > 2 {
			content = strings.Join(lines[1:len(lines)-1], "\n")
		}
	}

	start := strings.Index(content, "[")
	end := strings.LastIndex(content, "]")
	if start < 0 || end < 0 || end <= start {
		return nil, fmt.Errorf("no JSON array found in response")
	}

	var rules []GeneratedRule
	if err := json.Unmarshal([]byte(content[start:end+1]), &rules); err != nil {
		return nil, fmt.Errorf("unmarshal rules: %w", err)
	}
	return rules, nil
}

func filterIDs(ids []string, known map[string]bool) []string {
	out := []string{}
	for _, id := range ids {
		if known[id] {
			out = append(out, id)
		}
	}
	return out
}
