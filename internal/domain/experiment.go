package domain

import "time"

// Status is the lifecycle state shared by experiments and pull tasks.
// Transitions only move forward, except running -> running when an
// experiment advances to its next iteration.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status can never change again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusCancelled
}

// AgentConfig describes one participant in a multi-agent conversation.
type AgentConfig struct {
	Name         string  `json:"name"`
	Model        string  `json:"model"`
	Color        string  `json:"color,omitempty"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	Temperature  float64 `json:"temperature,omitempty"`
}

// Message is one utterance in an iteration transcript.
type Message struct {
	Agent     string    `json:"agent"`
	Content   string    `json:"content"`
	Model     string    `json:"model,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Task is the work an experiment iterates over.
type Task struct {
	Prompt       string   `json:"prompt"`
	DatasetItems []string `json:"dataset_items,omitempty"`
}

// Experiment is one run of a multi-agent task over one or more iterations.
// The in-memory copy held by the experiment manager is the working state;
// the file store holds the durable truth.
type Experiment struct {
	ID               string                 `json:"id"`
	Title            string                 `json:"title,omitempty"`
	Task             Task                   `json:"task"`
	Agents           []AgentConfig          `json:"agents"`
	Status           Status                 `json:"status"`
	Iterations       int                    `json:"iterations"`
	CurrentIteration int                    `json:"current_iteration"`
	Messages         []Message              `json:"messages"`
	Conversations    []ConversationSnapshot `json:"conversations,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	CompletedAt      *time.Time             `json:"completed_at,omitempty"`
	Error            string                 `json:"error,omitempty"`
}

// ExperimentIndexEntry is the slim listing projection kept in the index
// file. The index is a cache: it is always rebuildable from the
// per-experiment files and is never the sole source of truth.
type ExperimentIndexEntry struct {
	ID        string    `json:"id"`
	Title     string    `json:"title,omitempty"`
	Status    Status    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// IndexEntry returns the listing projection of the experiment.
func (e *Experiment) IndexEntry() ExperimentIndexEntry {
	return ExperimentIndexEntry{
		ID:        e.ID,
		Title:     e.Title,
		Status:    e.Status,
		CreatedAt: e.CreatedAt,
	}
}
