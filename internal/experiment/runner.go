package experiment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/agentlab/agentlab/internal/domain"
)

var errIterationTimeout = errors.New("timeout")

// drive is the iteration driver: pending -> running(1..n) -> terminal. It
// runs on its own goroutine; all failures, panics included, end in exactly
// one terminal notification that is persisted before listeners see it.
func (m *Manager) drive(ctx context.Context, r *run) {
	id := r.state.ID()

	defer func() {
		if rec := recover(); rec != nil {
			m.finish(r, domain.StatusError, fmt.Sprintf("internal error: %v", rec))
		}
		// Fallback: if no path above produced a terminal notification,
		// clients must still not be left waiting.
		m.finish(r, domain.StatusError, "experiment ended without result")
		close(r.done)
		m.removeActive(id)
	}()

	exp := r.state.Snapshot()
	for iteration := 1; iteration <= exp.Iterations; iteration++ {
		if ctx.Err() != nil {
			m.finish(r, domain.StatusCancelled, "")
			return
		}

		r.state.SetRunning(iteration)
		r.state.ClearMessages()
		m.persist(r.state)
		r.queue.Post(statusEvent(r.state.Snapshot(), false))

		if err := m.runIteration(ctx, r, iteration); err != nil {
			if ctx.Err() != nil {
				m.finish(r, domain.StatusCancelled, "")
			} else {
				m.finish(r, domain.StatusError, err.Error())
			}
			return
		}

		snap := m.snapshotIteration(r, iteration)
		if snap != nil {
			r.queue.Post(conversationEvent(*snap))
		}
		m.recorder.IterationCompleted(ctx)
	}

	m.finish(r, domain.StatusCompleted, "")
}

// runIteration executes the conversation producer on its own goroutine and
// joins it, bounded by the iteration timeout. Emitted messages land in the
// live transcript and on the event queue in production order.
func (m *Manager) runIteration(ctx context.Context, r *run, iteration int) error {
	exp := r.state.Snapshot()
	prompt := exp.Task.Prompt
	if len(exp.Task.DatasetItems) > 0 {
		prompt = exp.Task.DatasetItems[(iteration-1)%len(exp.Task.DatasetItems)]
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				done <- fmt.Errorf("producer panicked: %v", rec)
			}
		}()
		done <- m.producer.Run(ctx, exp.Agents, prompt, func(agent, content, model string) {
			// A producer that outlives its iteration must not touch the
			// transcript or the stream.
			if r.state.Status().Terminal() {
				return
			}
			msg := r.state.AppendMessage(agent, content, model)
			r.queue.Post(messageEvent(msg))
		})
	}()

	var timeout <-chan time.Time
	if m.cfg.IterationTimeout > 0 {
		timer := time.NewTimer(m.cfg.IterationTimeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		// Give the producer a moment to observe cancellation, then move on.
		select {
		case <-done:
		case <-time.After(time.Second):
		}
		return ctx.Err()
	case <-timeout:
		return errIterationTimeout
	}
}

// snapshotIteration persists the finished iteration's transcript as an
// immutable conversation snapshot and records it on the experiment.
func (m *Manager) snapshotIteration(r *run, iteration int) *domain.ConversationSnapshot {
	exp := r.state.Snapshot()

	agents := make([]domain.ConversationAgent, len(exp.Agents))
	for i, a := range exp.Agents {
		agents[i] = domain.ConversationAgent{Name: a.Name, Color: a.Color, Model: a.Model}
	}

	snap := &domain.ConversationSnapshot{
		ID:           domain.SnapshotID(exp.ID, iteration),
		ExperimentID: exp.ID,
		Iteration:    iteration,
		Title:        fmt.Sprintf("%s - iteration %d", exp.Title, iteration),
		Agents:       agents,
		Messages:     exp.Messages,
	}
	if exp.Title == "" {
		snap.Title = fmt.Sprintf("iteration %d", iteration)
	}

	if err := m.store.SaveSnapshot(snap); err != nil {
		m.logger.Error("failed to save snapshot", "experiment_id", exp.ID, "iteration", iteration, "error", err)
		return nil
	}
	r.state.AppendSnapshot(*snap)
	return snap
}

// finish moves the run to a terminal status, persists it, and posts the
// single final notification. The first caller wins; later calls no-op, so
// the driver, the watchdog, and the fallback can all race safely.
func (m *Manager) finish(r *run, status domain.Status, errMsg string) {
	if !r.state.SetTerminal(status, errMsg) {
		return
	}
	// Terminal means no more work is wanted; stop whatever the run still
	// has in flight, producer HTTP calls included.
	r.cancel()
	m.persist(r.state)

	snapshot := r.state.Snapshot()
	r.queue.Post(statusEvent(snapshot, true))
	m.recorder.ExperimentFinished(context.Background(), status)

	if errMsg != "" {
		m.logger.Error("experiment finished", "experiment_id", snapshot.ID, "status", status, "error", errMsg)
	} else {
		m.logger.Info("experiment finished", "experiment_id", snapshot.ID, "status", status)
	}
}

// watchdog joins the run with the experiment-level timeout and forces a
// terminal error if the driver is still alive when it elapses, so every run
// reaches an observed terminal state even if a worker never returns.
func (m *Manager) watchdog(r *run, timeout time.Duration) {
	if timeout <= 0 {
		return
	}
	select {
	case <-r.done:
	case <-time.After(timeout):
		r.cancel()
		m.finish(r, domain.StatusError, "timeout")
	}
}

// persist writes the live state to the store. Persistence failures are
// logged but don't abort the run; the next status change retries.
func (m *Manager) persist(st *State) {
	snapshot := st.Snapshot()
	if err := m.store.SaveExperiment(&snapshot); err != nil {
		m.logger.Error("failed to persist experiment", "experiment_id", snapshot.ID, "error", err)
	}
}

func statusEvent(exp domain.Experiment, final bool) Event {
	data := map[string]any{
		"id":                exp.ID,
		"status":            exp.Status,
		"current_iteration": exp.CurrentIteration,
		"iterations":        exp.Iterations,
	}
	if exp.Error != "" {
		data["error"] = exp.Error
	}
	if final {
		data["final"] = true
		data["close_connection"] = true
	}
	return Event{Type: EventStatus, Data: data}
}

func messageEvent(msg domain.Message) Event {
	return Event{Type: EventMessage, Data: map[string]any{
		"agent":     msg.Agent,
		"content":   msg.Content,
		"model":     msg.Model,
		"timestamp": msg.Timestamp,
	}}
}

func conversationEvent(snap domain.ConversationSnapshot) Event {
	return Event{Type: EventConversation, Data: map[string]any{
		"id":            snap.ID,
		"experiment_id": snap.ExperimentID,
		"iteration":     snap.Iteration,
		"title":         snap.Title,
		"agents":        snap.Agents,
		"messages":      snap.Messages,
		"created_at":    snap.CreatedAt,
	}}
}
