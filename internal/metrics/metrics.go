// Package metrics exports server counters to an OTEL Collector. When the
// exporter is disabled a no-op recorder keeps the call sites unconditional.
package metrics

import (
	"context"

	"github.com/agentlab/agentlab/internal/domain"
)

// Recorder is the metrics surface the managers record against.
type Recorder interface {
	ExperimentStarted(ctx context.Context)
	ExperimentFinished(ctx context.Context, status domain.Status)
	IterationCompleted(ctx context.Context)
	PullStarted(ctx context.Context, model string)
	PullFinished(ctx context.Context, model string, status domain.Status)
	PullRetried(ctx context.Context, model string)
	Close(ctx context.Context) error
}

// NoOpRecorder is a Recorder that does nothing.
type NoOpRecorder struct{}

// NewNoOpRecorder creates a no-op recorder for graceful degradation.
func NewNoOpRecorder() *NoOpRecorder { return &NoOpRecorder{} }

func (NoOpRecorder) ExperimentStarted(context.Context)                          {}
func (NoOpRecorder) ExperimentFinished(context.Context, domain.Status)          {}
func (NoOpRecorder) IterationCompleted(context.Context)                         {}
func (NoOpRecorder) PullStarted(context.Context, string)                        {}
func (NoOpRecorder) PullFinished(context.Context, string, domain.Status)        {}
func (NoOpRecorder) PullRetried(context.Context, string)                        {}
func (NoOpRecorder) Close(context.Context) error                                { return nil }
