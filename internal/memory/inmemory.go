package memory

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// ErrInjected is returned by InMemoryRepository when a failure was injected.
var ErrInjected = errors.New("injected repository failure")

var _ Repository = (*InMemoryRepository)(nil)

// InMemoryRepository is the reference Repository used by tests and dry runs.
type InMemoryRepository struct {
	mu          sync.Mutex
	episodes    map[string]Episode
	rules       map[string]SemanticRule
	failInserts int
	failReads   bool
}

// NewInMemoryRepository returns an empty repository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		episodes: make(map[string]Episode),
		rules:    make(map[string]SemanticRule),
	}
}

// FailInserts makes the next n InsertEpisode calls fail.
func (m *InMemoryRepository) FailInserts(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failInserts = n
}

// FailReads toggles failure of every list and count call.
func (m *InMemoryRepository) FailReads(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failReads = fail
}

// Seed stores episodes as-is, bypassing validation.
func (m *InMemoryRepository) Seed(eps ...Episode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ep := range eps {
		m.episodes[ep.ID] = cloneEpisode(ep)
	}
}

// SeedRules stores rules as-is.
func (m *InMemoryRepository) SeedRules(rules ...SemanticRule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rules {
		m.rules[r.ID] = r.Clone()
	}
}

// Dump returns every stored episode ordered by creation time.
func (m *InMemoryRepository) Dump() []Episode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filter(func(Episode) bool { return true })
}

// Episode returns a stored episode by id.
func (m *InMemoryRepository) Episode(id string) (Episode, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.episodes[id]
	return cloneEpisode(ep), ok
}

func (m *InMemoryRepository) InsertEpisode(ctx context.Context, ep Episode) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failInserts > 0 {
		m.failInserts--
		return ErrInjected
	}
	m.episodes[ep.ID] = cloneEpisode(ep)
	return nil
}

func (m *InMemoryRepository) UpdateEpisodeSignal(ctx context.Context, id string, signal ImplicitSignal, weight float64, updatedAt int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.episodes[id]
	if !ok {
		return false, nil
	}
	ep.ImplicitSignal = signal
	ep.ImplicitWeight = weight
	ep.UpdatedAt = updatedAt
	m.episodes[id] = ep
	return true, nil
}

func (m *InMemoryRepository) ListEpisodesByScene(ctx context.Context, projectID, sceneType string, includeCompressed bool) ([]Episode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return nil, ErrInjected
	}
	return m.filter(func(ep Episode) bool {
		return ep.ProjectID == projectID && ep.SceneType == sceneType && (includeCompressed || !ep.Compressed)
	}), nil
}

func (m *InMemoryRepository) ListEpisodesByProject(ctx context.Context, projectID string, includeCompressed bool) ([]Episode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return nil, ErrInjected
	}
	return m.filter(func(ep Episode) bool {
		return ep.ProjectID == projectID && (includeCompressed || !ep.Compressed)
	}), nil
}

func (m *InMemoryRepository) ListProjectIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return nil, ErrInjected
	}
	seen := make(map[string]bool)
	var ids []string
	for _, ep := range m.episodes {
		if !seen[ep.ProjectID] {
			seen[ep.ProjectID] = true
			ids = append(ids, ep.ProjectID)
		}
	}
	for _, r := range m.rules {
		if !seen[r.ProjectID] {
			seen[r.ProjectID] = true
			ids = append(ids, r.ProjectID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *InMemoryRepository) MarkEpisodesRecalled(ctx context.Context, ids []string, recalledAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		ep, ok := m.episodes[id]
		if !ok {
			continue
		}
		ep.RecallCount++
		ep.LastRecalledAt = recalledAt
		ep.UpdatedAt = recalledAt
		m.episodes[id] = ep
	}
	return nil
}

func (m *InMemoryRepository) UpdateEpisodeDecay(ctx context.Context, id string, score float64, level DecayLevel, updatedAt int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.episodes[id]
	if !ok {
		return nil
	}
	ep.DecayScore = score
	ep.DecayLevel = level
	ep.UpdatedAt = updatedAt
	m.episodes[id] = ep
	return nil
}

func (m *InMemoryRepository) CountEpisodes(ctx context.Context, projectID string, compressed bool) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return 0, ErrInjected
	}
	n := 0
	for _, ep := range m.episodes {
		if ep.ProjectID == projectID && ep.Compressed == compressed {
			n++
		}
	}
	return n, nil
}

func (m *InMemoryRepository) DeleteExpiredEpisodes(ctx context.Context, projectID string, compressed bool, before int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteWhere(func(ep Episode) bool {
		return ep.ProjectID == projectID && ep.Compressed == compressed && ep.CreatedAt < before
	}), nil
}

func (m *InMemoryRepository) DeleteLRUEpisodes(ctx context.Context, projectID string, compressed bool, n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteLRU(projectID, compressed, n), nil
}

func (m *InMemoryRepository) CompressEpisodes(ctx context.Context, projectID string, before int64, maxText int, updatedAt int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, ep := range m.episodes {
		if ep.ProjectID != projectID || ep.Compressed || ep.UserConfirmed || ep.CreatedAt >= before {
			continue
		}
		ep.Compressed = true
		ep.Candidates = []string{}
		ep.InputContext = Truncate(ep.InputContext, maxText)
		ep.FinalText = Truncate(ep.FinalText, maxText)
		ep.UpdatedAt = updatedAt
		m.episodes[id] = ep
		n++
	}
	return n, nil
}

func (m *InMemoryRepository) PurgeCompressedEpisodes(ctx context.Context, projectID string, before int64, keep int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	deleted := m.deleteWhere(func(ep Episode) bool {
		return ep.ProjectID == projectID && ep.Compressed && ep.CreatedAt < before
	})
	remaining := 0
	for _, ep := range m.episodes {
		if ep.ProjectID == projectID && ep.Compressed {
			remaining++
		}
	}
	if remaining > keep {
		deleted += m.deleteLRU(projectID, true, remaining-keep)
	}
	return deleted, nil
}

func (m *InMemoryRepository) ClearProjectEpisodes(ctx context.Context, projectID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteWhere(func(ep Episode) bool { return ep.ProjectID == projectID }), nil
}

func (m *InMemoryRepository) ClearAllEpisodes(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteWhere(func(Episode) bool { return true }), nil
}

func (m *InMemoryRepository) ListSemanticRules(ctx context.Context, projectID string) ([]SemanticRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return nil, ErrInjected
	}
	return m.filterRules(func(r SemanticRule) bool {
		return r.Scope == ScopeGlobal || r.ProjectID == projectID
	}), nil
}

func (m *InMemoryRepository) ListAllSemanticRules(ctx context.Context) ([]SemanticRule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failReads {
		return nil, ErrInjected
	}
	return m.filterRules(func(SemanticRule) bool { return true }), nil
}

func (m *InMemoryRepository) UpsertSemanticRule(ctx context.Context, r SemanticRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rules[r.ID] = r.Clone()
	return nil
}

func (m *InMemoryRepository) DeleteSemanticRule(ctx context.Context, projectID, ruleID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[ruleID]
	if !ok || (r.ProjectID != projectID && r.Scope != ScopeGlobal) {
		return false, nil
	}
	delete(m.rules, ruleID)
	return true, nil
}

func (m *InMemoryRepository) ClearProjectSemanticRules(ctx context.Context, projectID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteRulesWhere(func(r SemanticRule) bool {
		return r.ProjectID == projectID && r.Scope == ScopeProject
	}), nil
}

func (m *InMemoryRepository) ClearAllSemanticRules(ctx context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleteRulesWhere(func(SemanticRule) bool { return true }), nil
}

// filter returns matching episodes ordered by createdAt, then id. Caller holds mu.
func (m *InMemoryRepository) filter(keep func(Episode) bool) []Episode {
	var out []Episode
	for _, ep := range m.episodes {
		if keep(ep) {
			out = append(out, cloneEpisode(ep))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *InMemoryRepository) filterRules(keep func(SemanticRule) bool) []SemanticRule {
	var out []SemanticRule
	for _, r := range m.rules {
		if keep(r) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt != out[j].CreatedAt {
			return out[i].CreatedAt < out[j].CreatedAt
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (m *InMemoryRepository) deleteWhere(match func(Episode) bool) int {
	n := 0
	for id, ep := range m.episodes {
		if ep.UserConfirmed || !match(ep) {
			continue
		}
		delete(m.episodes, id)
		n++
	}
	return n
}

func (m *InMemoryRepository) deleteLRU(projectID string, compressed bool, n int) int {
	if n <= 0 {
		return 0
	}
	var victims []Episode
	for _, ep := range m.episodes {
		if ep.ProjectID == projectID && ep.Compressed == compressed && !ep.UserConfirmed {
			victims = append(victims, ep)
		}
	}
	sort.Slice(victims, func(i, j int) bool { return LRULess(victims[i], victims[j]) })
	if len(victims) > n {
		victims = victims[:n]
	}
	for _, ep := range victims {
		delete(m.episodes, ep.ID)
	}
	return len(victims)
}

func (m *InMemoryRepository) deleteRulesWhere(match func(SemanticRule) bool) int {
	n := 0
	for id, r := range m.rules {
		if r.UserConfirmed || !match(r) {
			continue
		}
		delete(m.rules, id)
		n++
	}
	return n
}

func cloneEpisode(ep Episode) Episode {
	if ep.Candidates != nil {
		ep.Candidates = append([]string{}, ep.Candidates...)
	}
	return ep
}
