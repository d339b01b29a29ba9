package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentlab/agentlab/internal/domain"
)

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	models, err := s.registry.Tags(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"models": models})
}

func (s *Server) handleVersion(w http.ResponseWriter, r *http.Request) {
	version, err := s.registry.Version(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"version": version})
}

type modelRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleShowModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Name == "" {
		s.writeError(w, &domain.ValidationError{Field: "name", Reason: "must not be empty"})
		return
	}

	info, err := s.registry.Show(r.Context(), req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleDeleteModel(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Name == "" {
		s.writeError(w, &domain.ValidationError{Field: "name", Reason: "must not be empty"})
		return
	}

	if err := s.registry.Delete(r.Context(), req.Name); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) handleStartPull(w http.ResponseWriter, r *http.Request) {
	var req modelRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Name == "" {
		s.writeError(w, &domain.ValidationError{Field: "name", Reason: "must not be empty"})
		return
	}

	taskID, err := s.pulls.PullModel(req.Name)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": taskID})
}

func (s *Server) handleListPulls(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tasks": s.pulls.List()})
}

func (s *Server) handleGetPull(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	task, ok := s.pulls.Get(taskID)
	if !ok {
		s.writeError(w, &domain.NotFoundError{Kind: "pull task", ID: taskID})
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelPull(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")
	if !s.pulls.Cancel(taskID) {
		s.writeError(w, &domain.NotFoundError{Kind: "pull task", ID: taskID})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}
