// Package memory holds the domain model of the quill memory engine: episodes,
// semantic rules, scoring functions, the implicit feedback classifier and the
// storage contract shared by every repository implementation.
package memory

import "time"

// Scope values for episodes and semantic rules.
const (
	ScopeProject = "project"
	ScopeGlobal  = "global"
)

// SchemaVersion is stamped on every persisted record.
const SchemaVersion = 1

const dayMillis = int64(24 * time.Hour / time.Millisecond)

// DayMillis returns n days expressed in milliseconds.
func DayMillis(n int) int64 {
	return int64(n) * dayMillis
}

// ImplicitSignal is the feedback class derived from how a user treated a generation.
type ImplicitSignal string

const (
	SignalDirectAccept       ImplicitSignal = "DIRECT_ACCEPT"
	SignalLightEdit          ImplicitSignal = "LIGHT_EDIT"
	SignalHeavyRewrite       ImplicitSignal = "HEAVY_REWRITE"
	SignalFullReject         ImplicitSignal = "FULL_REJECT"
	SignalRepeatedSceneSkill ImplicitSignal = "REPEATED_SCENE_SKILL"
	SignalUndoAfterAccept    ImplicitSignal = "UNDO_AFTER_ACCEPT"
)

// Valid reports whether s is one of the six known signals.
func (s ImplicitSignal) Valid() bool {
	switch s {
	case SignalDirectAccept, SignalLightEdit, SignalHeavyRewrite,
		SignalFullReject, SignalRepeatedSceneSkill, SignalUndoAfterAccept:
		return true
	}
	return false
}

// DecayLevel buckets a decay score.
type DecayLevel string

const (
	DecayActive     DecayLevel = "active"
	DecayDecaying   DecayLevel = "decaying"
	DecayToCompress DecayLevel = "to_compress"
	DecayToEvict    DecayLevel = "to_evict"
)

// Episode is one recorded generation interaction.
type Episode struct {
	ID               string         `json:"id"`
	ProjectID        string         `json:"projectId"`
	Scope            string         `json:"scope"`
	Version          int            `json:"version"`
	ChapterID        string         `json:"chapterId"`
	SceneType        string         `json:"sceneType"`
	SkillUsed        string         `json:"skillUsed"`
	InputContext     string         `json:"inputContext"`
	Candidates       []string       `json:"candidates"`
	SelectedIndex    int            `json:"selectedIndex"`
	FinalText        string         `json:"finalText"`
	ExplicitFeedback string         `json:"explicitFeedback,omitempty"`
	EditDistance     float64        `json:"editDistance"`
	ImplicitSignal   ImplicitSignal `json:"implicitSignal"`
	ImplicitWeight   float64        `json:"implicitWeight"`
	Importance       float64        `json:"importance"`
	RecallCount      int            `json:"recallCount"`
	LastRecalledAt   int64          `json:"lastRecalledAt,omitempty"` // 0 = never
	Compressed       bool           `json:"compressed"`
	UserConfirmed    bool           `json:"userConfirmed"`
	DecayScore       float64        `json:"decayScore"`
	DecayLevel       DecayLevel     `json:"decayLevel"`
	CreatedAt        int64          `json:"createdAt"`
	UpdatedAt        int64          `json:"updatedAt"`
}

// Rule categories.
const (
	CategoryStyle      = "style"
	CategoryStructure  = "structure"
	CategoryCharacter  = "character"
	CategoryPacing     = "pacing"
	CategoryVocabulary = "vocabulary"
)

// ValidCategory reports whether c is a known rule category.
func ValidCategory(c string) bool {
	switch c {
	case CategoryStyle, CategoryStructure, CategoryCharacter, CategoryPacing, CategoryVocabulary:
		return true
	}
	return false
}

// SemanticRule is a distilled stylistic preference.
type SemanticRule struct {
	ID                    string   `json:"id"`
	ProjectID             string   `json:"projectId"`
	Scope                 string   `json:"scope"`
	Version               int      `json:"version"`
	Rule                  string   `json:"rule"`
	Category              string   `json:"category"`
	Confidence            float64  `json:"confidence"`
	SupportingEpisodes    []string `json:"supportingEpisodes"`
	ContradictingEpisodes []string `json:"contradictingEpisodes"`
	UserConfirmed         bool     `json:"userConfirmed"`
	UserModified          bool     `json:"userModified"`
	RecentlyUpdated       bool     `json:"recentlyUpdated"`
	ConflictMarked        bool     `json:"conflictMarked"`
	CreatedAt             int64    `json:"createdAt"`
	UpdatedAt             int64    `json:"updatedAt"`
}

// Clone returns a deep copy of r.
func (r SemanticRule) Clone() SemanticRule {
	r.SupportingEpisodes = append([]string{}, r.SupportingEpisodes...)
	r.ContradictingEpisodes = append([]string{}, r.ContradictingEpisodes...)
	return r
}

// Conflict statuses.
const (
	ConflictPending  = "pending"
	ConflictResolved = "resolved"
)

// ConflictItem records two rules judged to contradict each other.
type ConflictItem struct {
	ID        string   `json:"id"`
	ProjectID string   `json:"projectId"`
	RuleIDs   []string `json:"ruleIds"`
	Reason    string   `json:"reason"`
	Status    string   `json:"status"`
	CreatedAt int64    `json:"createdAt"`
	UpdatedAt int64    `json:"updatedAt"`
}

// FallbackRules are attached to degraded recall results.
var FallbackRules = []string{
	"Use concise, coherent narration.",
	"Preserve established character voice.",
	"Prefer scene-consistent pacing.",
}

// Limits bounds the engine's capacity and timing behavior.
type Limits struct {
	ActiveBudget      int
	CompressedBudget  int
	RuleBudget        int
	ActiveTTLDays     int
	CompressedTTLDays int
	CompressAfterDays int
	CompressedTextMax int
	MaxWriteAttempts  int
	RecallMin         int
	RecallMax         int
	DistillBatchSize  int
	RuleOverwriteDays int
	ConflictPenalty   float64
	RuleDailyDecay    float64
	DefaultImportance float64
}

// DefaultLimits returns the production limits.
func DefaultLimits() Limits {
	return Limits{
		ActiveBudget:      1000,
		CompressedBudget:  5000,
		RuleBudget:        200,
		ActiveTTLDays:     180,
		CompressedTTLDays: 365,
		CompressAfterDays: 14,
		CompressedTextMax: 800,
		MaxWriteAttempts:  3,
		RecallMin:         3,
		RecallMax:         5,
		DistillBatchSize:  50,
		RuleOverwriteDays: 30,
		ConflictPenalty:   0.2,
		RuleDailyDecay:    0.98,
		DefaultImportance: 0.5,
	}
}

// WithDefaults fills zero fields of l from DefaultLimits.
func (l Limits) WithDefaults() Limits {
	d := DefaultLimits()
	if l.ActiveBudget <= 0 {
		l.ActiveBudget = d.ActiveBudget
	}
	if l.CompressedBudget <= 0 {
		l.CompressedBudget = d.CompressedBudget
	}
	if l.RuleBudget <= 0 {
		l.RuleBudget = d.RuleBudget
	}
	if l.ActiveTTLDays <= 0 {
		l.ActiveTTLDays = d.ActiveTTLDays
	}
	if l.CompressedTTLDays <= 0 {
		l.CompressedTTLDays = d.CompressedTTLDays
	}
	if l.CompressAfterDays <= 0 {
		l.CompressAfterDays = d.CompressAfterDays
	}
	if l.CompressedTextMax <= 0 {
		l.CompressedTextMax = d.CompressedTextMax
	}
	if l.MaxWriteAttempts <= 0 {
		l.MaxWriteAttempts = d.MaxWriteAttempts
	}
	if l.RecallMin <= 0 {
		l.RecallMin = d.RecallMin
	}
	if l.RecallMax < l.RecallMin {
		l.RecallMax = max(d.RecallMax, l.RecallMin)
	}
	if l.DistillBatchSize <= 0 {
		l.DistillBatchSize = d.DistillBatchSize
	}
	if l.RuleOverwriteDays <= 0 {
		l.RuleOverwriteDays = d.RuleOverwriteDays
	}
	if l.ConflictPenalty <= 0 {
		l.ConflictPenalty = d.ConflictPenalty
	}
	if l.RuleDailyDecay <= 0 || l.RuleDailyDecay > 1 {
		l.RuleDailyDecay = d.RuleDailyDecay
	}
	if l.DefaultImportance <= 0 {
		l.DefaultImportance = d.DefaultImportance
	}
	return l
}
