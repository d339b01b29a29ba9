package web

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/agentlab/agentlab/internal/domain"
	"github.com/agentlab/agentlab/internal/experiment"
)

const (
	// closeNotFound is sent when the experiment id is unknown.
	closeNotFound = 4404

	pollInterval = 500 * time.Millisecond
	writeWait    = 10 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Local single-user tool; the browser UI and curl both connect directly.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleExperimentStream relays an experiment's events over one persistent
// WebSocket connection. The relay polls the thread-safe queue with a short
// timeout; on timeout it re-checks terminal status so a listener that
// attached late (or missed the final frame) is still released.
func (s *Server) handleExperimentStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	if _, err := s.experiments.Get(id); err != nil {
		if domain.IsNotFound(err) {
			s.closeWith(conn, closeNotFound, "experiment not found")
		} else {
			s.closeWith(conn, websocket.CloseInternalServerErr, "failed to load experiment")
		}
		return
	}

	// Finished before anyone connected: one final frame, then goodbye.
	// The run may have finished and been reaped between the lookup above
	// and this check, so re-read the record rather than reuse a snapshot
	// that could still say running.
	queue, active := s.experiments.Events(id)
	if !active {
		current, err := s.experiments.Get(id)
		if err != nil {
			s.closeWith(conn, websocket.CloseInternalServerErr, "failed to load experiment")
			return
		}
		_ = s.writeEvent(conn, finalStatusEvent(current))
		s.closeWith(conn, websocket.CloseNormalClosure, "")
		return
	}

	// Read pump: we never expect client frames, but reading is the only
	// way to notice a disconnect promptly.
	clientGone := make(chan struct{})
	go func() {
		defer close(clientGone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-clientGone:
			return
		default:
		}

		ev, ok := queue.Poll(pollInterval)
		if !ok {
			// Timed out: if the run reached a terminal state without us
			// seeing the final frame (queue reaped, late attach), send it.
			current, err := s.experiments.Get(id)
			if err != nil {
				s.closeWith(conn, websocket.CloseInternalServerErr, "experiment state lost")
				return
			}
			if current.Status.Terminal() {
				_ = s.writeEvent(conn, finalStatusEvent(current))
				s.closeWith(conn, websocket.CloseNormalClosure, "")
				return
			}
			continue
		}

		if err := s.writeEvent(conn, ev); err != nil {
			return
		}
		if ev.Final() {
			s.closeWith(conn, websocket.CloseNormalClosure, "")
			return
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, ev experiment.Event) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(ev)
}

func (s *Server) closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.CloseMessage, msg)
}

// finalStatusEvent builds the terminal status frame from a stored record.
func finalStatusEvent(exp *domain.Experiment) experiment.Event {
	data := map[string]any{
		"id":                exp.ID,
		"status":            exp.Status,
		"current_iteration": exp.CurrentIteration,
		"iterations":        exp.Iterations,
		"final":             true,
		"close_connection":  true,
	}
	if exp.Error != "" {
		data["error"] = exp.Error
	}
	return experiment.Event{Type: experiment.EventStatus, Data: data}
}
