package experiment

import (
	"sync"
	"time"

	"github.com/agentlab/agentlab/internal/domain"
)

// State is the authoritative in-memory state of one running experiment.
// Every mutation during a run funnels through these methods so the live
// state can never diverge from what gets persisted. Readers get copies.
type State struct {
	mu  sync.Mutex
	exp domain.Experiment
}

// NewState wraps an experiment record in live state.
func NewState(exp domain.Experiment) *State {
	return &State{exp: exp}
}

// ID returns the experiment id.
func (s *State) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exp.ID
}

// Status returns the current status.
func (s *State) Status() domain.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exp.Status
}

// Snapshot returns a copy of the experiment safe to read and serialize
// while the run mutates the original.
func (s *State) Snapshot() domain.Experiment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneExperiment(&s.exp)
}

// SetRunning advances the experiment to the given iteration. Running to
// running is the one allowed repeat transition.
func (s *State) SetRunning(iteration int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exp.Status.Terminal() {
		return
	}
	s.exp.Status = domain.StatusRunning
	s.exp.CurrentIteration = iteration
}

// SetTerminal moves the experiment to a terminal status. The first terminal
// transition wins; later calls are ignored.
func (s *State) SetTerminal(status domain.Status, errMsg string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.exp.Status.Terminal() {
		return false
	}
	now := time.Now().UTC()
	s.exp.Status = status
	s.exp.CompletedAt = &now
	if errMsg != "" {
		s.exp.Error = errMsg
	}
	return true
}

// AppendMessage appends one message to the current-iteration transcript
// and returns a copy of it.
func (s *State) AppendMessage(agent, content, model string) domain.Message {
	msg := domain.Message{
		Agent:     agent,
		Content:   content,
		Model:     model,
		Timestamp: time.Now().UTC(),
	}
	s.mu.Lock()
	s.exp.Messages = append(s.exp.Messages, msg)
	s.mu.Unlock()
	return msg
}

// ClearMessages resets the per-iteration transcript.
func (s *State) ClearMessages() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exp.Messages = nil
}

// Messages returns a copy of the current-iteration transcript.
func (s *State) Messages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs := make([]domain.Message, len(s.exp.Messages))
	copy(msgs, s.exp.Messages)
	return msgs
}

// AppendSnapshot records a finished iteration's snapshot on the experiment.
func (s *State) AppendSnapshot(snap domain.ConversationSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exp.Conversations = append(s.exp.Conversations, snap)
}

func cloneExperiment(exp *domain.Experiment) domain.Experiment {
	c := *exp
	c.Agents = append([]domain.AgentConfig(nil), exp.Agents...)
	c.Messages = append([]domain.Message(nil), exp.Messages...)
	c.Conversations = append([]domain.ConversationSnapshot(nil), exp.Conversations...)
	if exp.CompletedAt != nil {
		v := *exp.CompletedAt
		c.CompletedAt = &v
	}
	return c
}
