// Package producer defines the conversation-producer boundary: given an
// ordered list of agents and a prompt it emits (agent, content, model)
// events and returns. The experiment driver treats implementations as
// opaque, possibly slow, blocking calls.
package producer

import (
	"context"

	"github.com/agentlab/agentlab/internal/domain"
)

// EmitFunc receives one produced message.
type EmitFunc func(agent, content, model string)

// Producer runs one conversation iteration.
type Producer interface {
	Run(ctx context.Context, agents []domain.AgentConfig, prompt string, emit EmitFunc) error
}

// Func adapts a function to the Producer interface.
type Func func(ctx context.Context, agents []domain.AgentConfig, prompt string, emit EmitFunc) error

func (f Func) Run(ctx context.Context, agents []domain.AgentConfig, prompt string, emit EmitFunc) error {
	return f(ctx, agents, prompt, emit)
}
