package domain

import "time"

// PullTask is a background job downloading one model from the registry.
// Once status reaches a terminal value the task is only ever removed by
// retention cleanup, never resurrected.
type PullTask struct {
	TaskID    string         `json:"task_id"`
	ModelName string         `json:"model_name"`
	Status    Status         `json:"status"`
	Progress  map[string]any `json:"progress,omitempty"`
	Error     string         `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	LastProgressUpdate time.Time  `json:"last_progress_update,omitempty"`
	RetryCount         int        `json:"retry_count"`
	LastRetryAt        *time.Time `json:"last_retry_at,omitempty"`

	// Throttle bookkeeping; not part of the task's externally visible state.
	LastEmitTime       time.Time `json:"last_emit_time,omitempty"`
	LastEmittedPercent *float64  `json:"last_emitted_percent,omitempty"`
}
