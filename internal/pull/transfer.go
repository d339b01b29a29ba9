package pull

import (
	"context"
	"fmt"
	"time"

	"github.com/agentlab/agentlab/internal/registry"
	"github.com/agentlab/agentlab/internal/resilience"
)

// Transferrer is the slice of the registry client the transfer routine
// needs.
type Transferrer interface {
	Pull(ctx context.Context, name string, onChunk func(registry.PullChunk)) error
}

// PullModel creates a task for modelName and starts its transfer.
func (m *Manager) PullModel(modelName string) (string, error) {
	if m.client == nil {
		return "", fmt.Errorf("no registry client configured")
	}
	taskID := m.Create(modelName)
	if !m.startTransfer(taskID) {
		return "", fmt.Errorf("failed to start pull task %s", taskID)
	}
	return taskID, nil
}

// startTransfer launches the retrying transfer routine for a pending task.
// Transient failures (network errors, 5xx, transient-looking messages) are
// retried with capped exponential backoff; anything else is terminal.
func (m *Manager) startTransfer(taskID string) bool {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return false
	}
	modelName := task.ModelName
	m.mu.Unlock()

	retryCfg := resilience.RetryConfig{
		MaxAttempts: m.cfg.MaxAttempts,
		BackoffCap:  m.cfg.BackoffCap,
	}

	work := func(ctx context.Context) error {
		return resilience.Retry(ctx, retryCfg, func(ctx context.Context) error {
			return m.client.Pull(ctx, modelName, func(chunk registry.PullChunk) {
				m.UpdateProgress(taskID, chunkPayload(chunk))
			})
		}, func(attempt int, err error, delay time.Duration) {
			m.logger.Warn("pull attempt failed, retrying",
				"task_id", taskID, "model", modelName,
				"attempt", attempt, "delay", delay, "error", err)
			m.recordRetry(taskID)
		})
	}

	return m.Start(taskID, work)
}

func chunkPayload(chunk registry.PullChunk) map[string]any {
	payload := map[string]any{"status": chunk.Status}
	if chunk.Digest != "" {
		payload["digest"] = chunk.Digest
	}
	if chunk.Total > 0 {
		payload["total"] = chunk.Total
		payload["completed"] = chunk.Completed
	}
	return payload
}
