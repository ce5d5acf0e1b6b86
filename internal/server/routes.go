package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/lazypower/quill/internal/engine"
	"github.com/lazypower/quill/internal/memory"
)

func (s *Server) handleRecordEpisode(w http.ResponseWriter, r *http.Request) {
	var in engine.RecordEpisodeInput
	if err := decodeJSON(r, &in, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	in.ProjectID = chi.URLParam(r, "projectID")

	res, err := s.engine.RecordEpisode(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	// Queued writes land after the running distillation finishes
	status := http.StatusCreated
	if res.Queued {
		status = http.StatusAccepted
	}
	writeData(w, status, res)
}

func (s *Server) handleQueryEpisodes(w http.ResponseWriter, r *http.Request) {
	var in engine.QueryInput
	if err := decodeJSON(r, &in, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	in.ProjectID = chi.URLParam(r, "projectID")

	res, err := s.engine.QueryEpisodes(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

type contextRequest struct {
	SessionID string                     `json:"sessionId"`
	SceneType string                     `json:"sceneType"`
	QueryText string                     `json:"queryText,omitempty"`
	Limit     int                        `json:"limit,omitempty"`
	Working   []memory.WorkingMemoryItem `json:"working"`
}

// handleAssembleContext recalls episodes and rules for a scene and layers
// them under the caller's working items.
func (s *Server) handleAssembleContext(w http.ResponseWriter, r *http.Request) {
	var req contextRequest
	if err := decodeJSON(r, &req, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	projectID := chi.URLParam(r, "projectID")

	res, err := s.engine.QueryEpisodes(r.Context(), engine.QueryInput{
		ProjectID: projectID,
		SceneType: req.SceneType,
		QueryText: req.QueryText,
		Limit:     req.Limit,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeData(w, http.StatusOK, memory.AssembleMemoryLayers(memory.LayerInput{
		ProjectID:      projectID,
		SessionID:      req.SessionID,
		Working:        req.Working,
		Episodes:       res.Items,
		Rules:          res.SemanticRules,
		MemoryDegraded: res.MemoryDegraded,
		FallbackRules:  res.FallbackRules,
	}))
}

func (s *Server) handleEvict(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.RealtimeEvictionTrigger(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleCompress(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.WeeklyCompressTrigger(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.MonthlyPurgeTrigger(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleDecay(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.DailyDecayRecomputeTrigger(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleRetryQueueSize(w http.ResponseWriter, r *http.Request) {
	writeData(w, http.StatusOK, map[string]int{"size": s.engine.GetRetryQueueSize()})
}

func (s *Server) handleRetryFailedWrites(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.RetryFailedWrites(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.engine.Stats(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, st)
}

func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	list, err := s.engine.ListSemanticMemory(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, list)
}

func (s *Server) handleAddRule(w http.ResponseWriter, r *http.Request) {
	var in engine.AddRuleInput
	if err := decodeJSON(r, &in, false); err != nil {
		s.writeError(w, r, err)
		return
	}
	in.ProjectID = chi.URLParam(r, "projectID")

	res, err := s.engine.AddSemanticMemory(r.Context(), in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusCreated, res)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	var patch engine.RulePatch
	if err := decodeJSON(r, &patch, false); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.engine.UpdateSemanticMemory(r.Context(),
		chi.URLParam(r, "projectID"), chi.URLParam(r, "ruleID"), patch)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.DeleteSemanticMemory(r.Context(),
		chi.URLParam(r, "projectID"), chi.URLParam(r, "ruleID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handlePromoteRule(w http.ResponseWriter, r *http.Request) {
	res, err := s.engine.PromoteSemanticMemory(r.Context(),
		chi.URLParam(r, "projectID"), chi.URLParam(r, "ruleID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleDistill(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Trigger engine.Trigger `json:"trigger"`
	}
	if err := decodeJSON(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.engine.DistillSemanticMemory(r.Context(), chi.URLParam(r, "projectID"), req.Trigger)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	items, err := s.engine.ListConflictQueue(r.Context(), chi.URLParam(r, "projectID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, map[string]any{"items": items})
}

type clearRequest struct {
	Confirm bool `json:"confirm"`
}

func (s *Server) handleClearProject(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := decodeJSON(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.engine.ClearProjectMemory(r.Context(), chi.URLParam(r, "projectID"), req.Confirm)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}

func (s *Server) handleClearAll(w http.ResponseWriter, r *http.Request) {
	var req clearRequest
	if err := decodeJSON(r, &req, true); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.engine.ClearAllMemory(r.Context(), req.Confirm)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeData(w, http.StatusOK, res)
}
