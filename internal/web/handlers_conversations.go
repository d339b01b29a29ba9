package web

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/agentlab/agentlab/internal/domain"
)

// handleGetConversation resolves a conversation by id: iteration snapshots
// first (composite {experiment_id}_{iteration} ids), then free-standing
// imported conversations.
func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	snap, err := s.store.GetSnapshot(id)
	if err == nil {
		writeJSON(w, http.StatusOK, snap)
		return
	}
	if !domain.IsNotFound(err) {
		s.writeError(w, err)
		return
	}

	conv, err := s.store.GetImported(id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

type importConversationRequest struct {
	Title    string                     `json:"title"`
	Agents   []domain.ConversationAgent `json:"agents"`
	Messages []domain.Message           `json:"messages"`
}

func (s *Server) handleImportConversation(w http.ResponseWriter, r *http.Request) {
	var req importConversationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if len(req.Messages) == 0 {
		s.writeError(w, &domain.ValidationError{Field: "messages", Reason: "must not be empty"})
		return
	}

	conv := &domain.ImportedConversation{
		Title:    req.Title,
		Agents:   req.Agents,
		Messages: req.Messages,
	}
	if err := s.store.SaveImported(conv); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, conv)
}

func (s *Server) handleUpdateConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	existing, err := s.store.GetImported(id)
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req importConversationRequest
	if err := decodeBody(r, &req); err != nil {
		s.writeError(w, err)
		return
	}
	if req.Title != "" {
		existing.Title = req.Title
	}
	if req.Agents != nil {
		existing.Agents = req.Agents
	}
	if req.Messages != nil {
		existing.Messages = req.Messages
	}

	if err := s.store.SaveImported(existing); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, existing)
}
