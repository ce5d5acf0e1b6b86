package memory

import (
	"math"
	"strings"
)

// Forgetting curve:
//   - base exp(-0.1 * ageDays)
//   - each recall adds 20%, importance adds up to 30%
//   - capped at 1
//
// Level thresholds are inclusive lower bounds.
const (
	decayRate         = 0.1
	recallBoost       = 0.2
	importanceBoost   = 0.3
	activeThreshold   = 0.7
	decayingThreshold = 0.3
	compressThreshold = 0.1
)

// DecayScore computes the forgetting-curve score of an episode.
func DecayScore(ageDays float64, recallCount int, importance float64) float64 {
	if ageDays < 0 || math.IsNaN(ageDays) {
		ageDays = 0
	}
	if recallCount < 0 {
		recallCount = 0
	}
	importance = Clamp01(importance)
	score := math.Exp(-decayRate*ageDays) * (1 + recallBoost*float64(recallCount)) * (1 + importanceBoost*importance)
	return math.Min(1, score)
}

// ClassifyDecay maps a decay score to its level.
func ClassifyDecay(score float64) DecayLevel {
	switch {
	case score >= activeThreshold:
		return DecayActive
	case score >= decayingThreshold:
		return DecayDecaying
	case score >= compressThreshold:
		return DecayToCompress
	default:
		return DecayToEvict
	}
}

// AgeDays returns the age in fractional days between createdAt and now (ms).
func AgeDays(createdAt, now int64) float64 {
	return float64(now-createdAt) / float64(dayMillis)
}

// LexicalOverlap returns the fraction of query tokens found in source.
func LexicalOverlap(query, source string) float64 {
	tokens := strings.Fields(strings.ToLower(query))
	if len(tokens) == 0 {
		return 0
	}
	lowered := strings.ToLower(source)
	sourceTokens := make(map[string]struct{})
	for _, t := range strings.Fields(lowered) {
		sourceTokens[t] = struct{}{}
	}

	hits := 0
	for _, t := range tokens {
		if strings.Contains(lowered, t) {
			hits++
			continue
		}
		if _, ok := sourceTokens[t]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(tokens))
}

// RecallScore ranks an episode against a query.
func RecallScore(sceneMatch bool, lexical, importance float64, ageMillis int64) float64 {
	scene := 0.0
	if sceneMatch {
		scene = 1
	}
	if ageMillis < 0 {
		ageMillis = 0
	}
	recency := 1 / (1 + float64(ageMillis)/float64(dayMillis))
	return 1.2*scene + 1.3*lexical + 0.4*importance + 0.1*recency
}

// LRULess orders episodes from least to most valuable. Eviction removes from
// the front of this order.
func LRULess(a, b Episode) bool {
	if a.Importance != b.Importance {
		return a.Importance < b.Importance
	}
	if a.RecallCount != b.RecallCount {
		return a.RecallCount < b.RecallCount
	}
	if a.LastRecalledAt != b.LastRecalledAt {
		return a.LastRecalledAt < b.LastRecalledAt
	}
	if a.CreatedAt != b.CreatedAt {
		return a.CreatedAt < b.CreatedAt
	}
	return a.ID < b.ID
}

// Clamp01 clamps v into [0,1]. NaN becomes 0.
func Clamp01(v float64) float64 {
	if math.IsNaN(v) || v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
