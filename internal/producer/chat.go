package producer

import (
	"context"
	"fmt"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"github.com/agentlab/agentlab/internal/domain"
)

// ChatProducer drives one round-robin conversation turn per agent through
// an OpenAI-compatible chat endpoint (the local registry exposes one under
// /v1). Each agent answers with the full transcript so far as context.
type ChatProducer struct {
	client openai.Client
}

// NewChatProducer creates a producer against the registry's /v1 endpoint.
func NewChatProducer(registryHost string) *ChatProducer {
	base := strings.TrimRight(registryHost, "/") + "/v1"
	client := openai.NewClient(
		option.WithBaseURL(base),
		// The local registry ignores the key but the SDK requires one.
		option.WithAPIKey("agentlab"),
	)
	return &ChatProducer{client: client}
}

// Run produces one message per agent, in agent order. The first failing
// agent aborts the iteration.
func (p *ChatProducer) Run(ctx context.Context, agents []domain.AgentConfig, prompt string, emit EmitFunc) error {
	transcript := []domain.Message{}

	for _, agent := range agents {
		content, err := p.turn(ctx, agent, prompt, transcript)
		if err != nil {
			return &domain.AgentError{Agent: agent.Name, Err: err}
		}
		msg := domain.Message{Agent: agent.Name, Content: content, Model: agent.Model}
		transcript = append(transcript, msg)
		emit(agent.Name, content, agent.Model)
	}
	return nil
}

func (p *ChatProducer) turn(ctx context.Context, agent domain.AgentConfig, prompt string, transcript []domain.Message) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{}
	if agent.SystemPrompt != "" {
		messages = append(messages, openai.SystemMessage(agent.SystemPrompt))
	}
	messages = append(messages, openai.UserMessage(prompt))
	for _, msg := range transcript {
		if msg.Agent == agent.Name {
			messages = append(messages, openai.AssistantMessage(msg.Content))
		} else {
			messages = append(messages, openai.UserMessage(fmt.Sprintf("%s: %s", msg.Agent, msg.Content)))
		}
	}

	params := openai.ChatCompletionNewParams{
		Model:    agent.Model,
		Messages: messages,
	}
	if agent.Temperature > 0 {
		params.Temperature = openai.Float(agent.Temperature)
	}

	completion, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(completion.Choices) == 0 {
		return "", fmt.Errorf("chat completion returned no choices")
	}
	return completion.Choices[0].Message.Content, nil
}
