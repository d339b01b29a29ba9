package domain

import (
	"fmt"
	"time"
)

// ConversationAgent is the display projection of an agent stored inside a
// snapshot, so a saved conversation renders without its experiment.
type ConversationAgent struct {
	Name  string `json:"name"`
	Color string `json:"color,omitempty"`
	Model string `json:"model,omitempty"`
}

// ConversationSnapshot is the immutable, persisted transcript of one
// iteration. Its id is deterministic: {experiment_id}_{iteration}. A new
// iteration never overwrites a prior snapshot.
type ConversationSnapshot struct {
	ID           string              `json:"id"`
	ExperimentID string              `json:"experiment_id"`
	Iteration    int                 `json:"iteration"`
	Title        string              `json:"title,omitempty"`
	Agents       []ConversationAgent `json:"agents"`
	Messages     []Message           `json:"messages"`
	CreatedAt    time.Time           `json:"created_at"`
}

// SnapshotID builds the composite snapshot id for an iteration (1-based).
func SnapshotID(experimentID string, iteration int) string {
	return fmt.Sprintf("%s_%d", experimentID, iteration)
}

// ImportedConversation is a free-standing conversation not tied to an
// experiment. Unlike snapshots it is mutable via explicit update.
type ImportedConversation struct {
	ID        string              `json:"id"`
	Title     string              `json:"title,omitempty"`
	Agents    []ConversationAgent `json:"agents,omitempty"`
	Messages  []Message           `json:"messages"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}
