package memory

import "sort"

// WorkingMemoryItem is an ephemeral session-scoped context item supplied by
// the caller. The engine never stores it.
type WorkingMemoryItem struct {
	ID         string  `json:"id"`
	ProjectID  string  `json:"projectId"`
	SessionID  string  `json:"sessionId"`
	Kind       string  `json:"kind"`
	TokenCount int     `json:"tokenCount"`
	Importance float64 `json:"importance"`
	CreatedAt  int64   `json:"createdAt"`
	UpdatedAt  int64   `json:"updatedAt"`
	Content    string  `json:"content"`
}

// LayerInput is everything needed to assemble the three memory layers.
type LayerInput struct {
	ProjectID      string
	SessionID      string
	Working        []WorkingMemoryItem
	Episodes       []Episode
	Rules          []SemanticRule
	MemoryDegraded bool
	FallbackRules  []string
}

// ImmediateLayer holds the working items of the current session.
type ImmediateLayer struct {
	ProjectID string              `json:"projectId"`
	SessionID string              `json:"sessionId"`
	Items     []WorkingMemoryItem `json:"items"`
}

// EpisodicLayer holds recalled episodes.
type EpisodicLayer struct {
	Items []Episode `json:"items"`
}

// SettingsLayer holds the semantic rules in effect.
type SettingsLayer struct {
	Rules          []SemanticRule `json:"rules"`
	MemoryDegraded bool           `json:"memoryDegraded"`
	FallbackRules  []string       `json:"fallbackRules"`
}

// MemoryLayers is the assembled context handed to prompt construction.
type MemoryLayers struct {
	Immediate ImmediateLayer `json:"immediate"`
	Episodic  EpisodicLayer  `json:"episodic"`
	Settings  SettingsLayer  `json:"settings"`
}

// AssembleMemoryLayers copies its inputs into layered form. Working items are
// ordered by importance, newest first on ties; episodes and rules keep their
// recall order.
func AssembleMemoryLayers(in LayerInput) MemoryLayers {
	working := append([]WorkingMemoryItem{}, in.Working...)
	sort.SliceStable(working, func(i, j int) bool {
		if working[i].Importance != working[j].Importance {
			return working[i].Importance > working[j].Importance
		}
		return working[i].UpdatedAt > working[j].UpdatedAt
	})

	rules := make([]SemanticRule, len(in.Rules))
	for i, r := range in.Rules {
		rules[i] = r.Clone()
	}
	episodes := make([]Episode, len(in.Episodes))
	for i, ep := range in.Episodes {
		episodes[i] = cloneEpisode(ep)
	}
	return MemoryLayers{
		Immediate: ImmediateLayer{
			ProjectID: in.ProjectID,
			SessionID: in.SessionID,
			Items:     working,
		},
		Episodic: EpisodicLayer{Items: episodes},
		Settings: SettingsLayer{
			Rules:          rules,
			MemoryDegraded: in.MemoryDegraded,
			FallbackRules:  append([]string{}, in.FallbackRules...),
		},
	}
}
