package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/agentlab/agentlab/internal/domain"
)

// pullFrame is one streamed progress payload for a pull task.
type pullFrame struct {
	Type string          `json:"type"`
	Data domain.PullTask `json:"data"`
}

// handlePullStream relays a pull task's throttled progress snapshots over a
// WebSocket connection until the task reaches a terminal status. Snapshots
// arrive via the manager's callback registry; the relay falls back to a
// direct status check on poll timeout so a subscriber that attached after
// the terminal emission is still released.
func (s *Server) handlePullStream(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "taskID")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	task, ok := s.pulls.Get(taskID)
	if !ok {
		s.closeWith(conn, closeNotFound, "pull task not found")
		return
	}

	updates := make(chan domain.PullTask, 64)
	sub := s.pulls.Subscribe(taskID, func(snapshot domain.PullTask) {
		select {
		case updates <- snapshot:
		default:
			// A full buffer only drops intermediate snapshots; terminal
			// delivery is covered by the timeout re-check below.
		}
	})
	defer s.pulls.Unsubscribe(taskID, sub)

	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	// Current state first, so a late subscriber is never blank.
	if err := s.writePullFrame(conn, task); err != nil {
		return
	}
	if task.Status.Terminal() {
		s.closeWith(conn, websocket.CloseNormalClosure, "")
		return
	}

	for {
		select {
		case <-clientGone:
			return
		case snapshot := <-updates:
			if err := s.writePullFrame(conn, snapshot); err != nil {
				return
			}
			if snapshot.Status.Terminal() {
				s.closeWith(conn, websocket.CloseNormalClosure, "")
				return
			}
		case <-time.After(pollInterval):
			current, ok := s.pulls.Get(taskID)
			if !ok {
				s.closeWith(conn, websocket.CloseNormalClosure, "")
				return
			}
			if current.Status.Terminal() {
				if err := s.writePullFrame(conn, current); err != nil {
					return
				}
				s.closeWith(conn, websocket.CloseNormalClosure, "")
				return
			}
		}
	}
}

func (s *Server) writePullFrame(conn *websocket.Conn, task domain.PullTask) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(pullFrame{Type: "pull_progress", Data: task})
}
