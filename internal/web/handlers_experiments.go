package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentlab/agentlab/internal/domain"
)

type createExperimentRequest struct {
	Title      string               `json:"title"`
	Task       domain.Task          `json:"task"`
	Agents     []domain.AgentConfig `json:"agents"`
	Iterations int                  `json:"iterations"`
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req createExperimentRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}

	exp, err := s.experiments.Start(domain.Experiment{
		Title:      req.Title,
		Task:       req.Task,
		Agents:     req.Agents,
		Iterations: req.Iterations,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, exp)
}

func (s *Server) handleListExperiments(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.ListExperiments()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"experiments": entries})
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	exp, err := s.experiments.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exp)
}

func (s *Server) handleDeleteExperiment(w http.ResponseWriter, r *http.Request) {
	if err := s.experiments.Delete(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleCancelExperiment(w http.ResponseWriter, r *http.Request) {
	if err := s.experiments.Cancel(chi.URLParam(r, "id")); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.store.ListSnapshots(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": snaps})
}
