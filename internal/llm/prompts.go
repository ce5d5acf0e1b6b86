package llm

import "fmt"

const systemPrompt = `You distill a novelist's editing history into stylistic rules for an AI writing assistant. Respond with a JSON array only.`

// DistillPrompt builds the rule distillation prompt from a rendered cluster
// summary (one block per scene/skill cluster).
func DistillPrompt(projectID, trigger, clusters string) string {
	return fmt.Sprintf(`Project: %s
Trigger: %s

Below are clusters of recent generations, grouped by scene type and writing skill.
Each episode line shows its id, the implicit feedback signal and the final text the author kept.

%s

Derive durable stylistic preferences the author shows consistently. Categories:
- style: tone, register, narrative voice
- structure: paragraphing, scene ordering, chapter shape
- character: how characters speak and act
- pacing: sentence length, tempo, density of action
- vocabulary: word choice, banned or favored terms

Rules:
- Only emit a rule supported by several episodes
- Write the rule in the author's language, as one short sentence
- confidence is the fraction of supporting episodes in the cluster, between 0 and 1
- supporting_episodes and contradicting_episodes list episode ids from the clusters above
- Return [] when nothing is consistent

Return a JSON array:
[{
  "rule": "short rule text",
  "category": "style|structure|character|pacing|vocabulary",
  "confidence": 0.0,
  "supporting_episodes": ["id"],
  "contradicting_episodes": ["id"]
}]`, projectID, trigger, clusters)
}
