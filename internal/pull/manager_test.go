package pull

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlab/agentlab/internal/config"
	"github.com/agentlab/agentlab/internal/domain"
	"github.com/agentlab/agentlab/internal/filestore"
	"github.com/agentlab/agentlab/internal/registry"
	"github.com/agentlab/agentlab/internal/resilience"
)

func fastPullConfig() config.Pull {
	return config.Pull{
		ThrottleInterval:  time.Hour,
		PercentDelta:      10,
		MaxAttempts:       5,
		BackoffCap:        time.Millisecond,
		StaleAfter:        time.Minute,
		RetainCompleted:   time.Hour,
		RetainError:       time.Hour,
		RetainCancelled:   time.Hour,
		JanitorInterval:   time.Minute,
		ErrorCleanupDelay: 0,
	}
}

func newTestManager(t *testing.T, client Transferrer, cfg config.Pull) *Manager {
	t.Helper()
	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	return NewManager(store, client, cfg, nil, nil)
}

func waitForStatus(t *testing.T, m *Manager, taskID string, want domain.Status) domain.PullTask {
	t.Helper()
	var task domain.PullTask
	require.Eventually(t, func() bool {
		got, ok := m.Get(taskID)
		if !ok {
			return false
		}
		task = got
		return task.Status == want
	}, 5*time.Second, 5*time.Millisecond)
	return task
}

// flakyTransferrer fails transiently a fixed number of times, then streams
// chunks and succeeds.
type flakyTransferrer struct {
	mu       sync.Mutex
	failures int
	calls    int
	chunks   []registry.PullChunk
}

func (f *flakyTransferrer) Pull(ctx context.Context, name string, onChunk func(registry.PullChunk)) error {
	f.mu.Lock()
	f.calls++
	failing := f.calls <= f.failures
	f.mu.Unlock()

	if failing {
		return resilience.NewTransientError(errors.New("connection reset by peer"))
	}
	for _, chunk := range f.chunks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		onChunk(chunk)
	}
	return nil
}

func TestCreateRegistersPendingTask(t *testing.T) {
	m := newTestManager(t, nil, fastPullConfig())

	id := m.Create("llama3")
	task, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, "llama3", task.ModelName)
	assert.Equal(t, domain.StatusPending, task.Status)
	assert.Nil(t, task.StartedAt)
}

func TestStartRunsWorkToCompletion(t *testing.T) {
	m := newTestManager(t, nil, fastPullConfig())

	id := m.Create("llama3")
	require.True(t, m.Start(id, func(ctx context.Context) error { return nil }))

	task := waitForStatus(t, m, id, domain.StatusCompleted)
	require.NotNil(t, task.StartedAt)
	require.NotNil(t, task.CompletedAt)
	assert.Empty(t, task.Error)
}

func TestStartRejectsNonPendingTask(t *testing.T) {
	m := newTestManager(t, nil, fastPullConfig())

	id := m.Create("llama3")
	require.True(t, m.Start(id, func(ctx context.Context) error { return nil }))
	waitForStatus(t, m, id, domain.StatusCompleted)

	assert.False(t, m.Start(id, func(ctx context.Context) error { return nil }))
	assert.False(t, m.Start("unknown", func(ctx context.Context) error { return nil }))
}

func TestWorkErrorMarksTaskFailed(t *testing.T) {
	m := newTestManager(t, nil, fastPullConfig())

	id := m.Create("llama3")
	require.True(t, m.Start(id, func(ctx context.Context) error {
		return errors.New("manifest not found")
	}))

	task := waitForStatus(t, m, id, domain.StatusError)
	assert.Equal(t, "manifest not found", task.Error)
}

func TestWorkPanicIsContainedAsError(t *testing.T) {
	m := newTestManager(t, nil, fastPullConfig())

	id := m.Create("llama3")
	require.True(t, m.Start(id, func(ctx context.Context) error {
		panic("boom")
	}))

	task := waitForStatus(t, m, id, domain.StatusError)
	assert.Contains(t, task.Error, "task panicked")
}

func TestCancellationWinsOverLateCompletion(t *testing.T) {
	m := newTestManager(t, nil, fastPullConfig())

	started := make(chan struct{})
	release := make(chan struct{})
	id := m.Create("llama3")
	require.True(t, m.Start(id, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}))
	<-started

	var emissions []domain.Status
	var emitMu sync.Mutex
	m.Subscribe(id, func(task domain.PullTask) {
		emitMu.Lock()
		emissions = append(emissions, task.Status)
		emitMu.Unlock()
	})

	require.True(t, m.Cancel(id))
	task, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.StatusCancelled, task.Status)
	require.NotNil(t, task.CompletedAt)

	// The worker's late success must not overwrite the cancellation.
	close(release)
	time.Sleep(50 * time.Millisecond)
	task, _ = m.Get(id)
	assert.Equal(t, domain.StatusCancelled, task.Status)

	emitMu.Lock()
	defer emitMu.Unlock()
	assert.Equal(t, []domain.Status{domain.StatusCancelled}, emissions)
}

func TestCancelReturnsFalseForTerminalOrUnknown(t *testing.T) {
	m := newTestManager(t, nil, fastPullConfig())

	id := m.Create("llama3")
	require.True(t, m.Start(id, func(ctx context.Context) error { return nil }))
	waitForStatus(t, m, id, domain.StatusCompleted)

	assert.False(t, m.Cancel(id))
	assert.False(t, m.Cancel("unknown"))
}

func TestCancelSignalsWorkerContext(t *testing.T) {
	m := newTestManager(t, nil, fastPullConfig())

	stopped := make(chan struct{})
	id := m.Create("llama3")
	require.True(t, m.Start(id, func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	}))

	require.True(t, m.Cancel(id))
	select {
	case <-stopped:
	case <-time.After(time.Second):
		t.Fatal("worker did not observe cancellation")
	}
}

func TestPullModelRetriesTransientFailures(t *testing.T) {
	client := &flakyTransferrer{
		failures: 2,
		chunks: []registry.PullChunk{
			{Status: "downloading", Total: 1000, Completed: 500},
			{Status: "success", Total: 1000, Completed: 1000},
		},
	}
	m := newTestManager(t, client, fastPullConfig())

	id, err := m.PullModel("llama3")
	require.NoError(t, err)

	task := waitForStatus(t, m, id, domain.StatusCompleted)
	assert.Equal(t, 2, task.RetryCount)
	require.NotNil(t, task.LastRetryAt)
}

func TestPullModelPermanentFailureDoesNotRetry(t *testing.T) {
	m := newTestManager(t, permanentTransferrer{}, fastPullConfig())

	id, err := m.PullModel("no-such-model")
	require.NoError(t, err)

	task := waitForStatus(t, m, id, domain.StatusError)
	assert.Equal(t, 0, task.RetryCount)
	assert.Contains(t, task.Error, "model not found")
}

type permanentTransferrer struct{}

func (permanentTransferrer) Pull(ctx context.Context, name string, onChunk func(registry.PullChunk)) error {
	return resilience.NewPermanentError(errors.New("model not found"))
}

func TestUpdateProgressThrottlesEmissions(t *testing.T) {
	m := newTestManager(t, nil, fastPullConfig())

	release := make(chan struct{})
	id := m.Create("llama3")
	require.True(t, m.Start(id, func(ctx context.Context) error {
		<-release
		return nil
	}))

	var emitted []float64
	var emitMu sync.Mutex
	m.Subscribe(id, func(task domain.PullTask) {
		if task.LastEmittedPercent != nil {
			emitMu.Lock()
			emitted = append(emitted, *task.LastEmittedPercent)
			emitMu.Unlock()
		}
	})

	// Interval is an hour and delta is 10 percent: only the first update
	// and the ones that moved at least 10 points get through.
	for _, pct := range []float64{2, 4, 6, 13, 15, 24, 25} {
		m.UpdateProgress(id, map[string]any{"percent": pct})
	}

	emitMu.Lock()
	got := append([]float64(nil), emitted...)
	emitMu.Unlock()
	assert.Equal(t, []float64{2, 13, 24}, got)

	// The unemitted latest payload is still visible on the task itself.
	task, _ := m.Get(id)
	pct, ok := percentFrom(task.Progress)
	require.True(t, ok)
	assert.InDelta(t, 25, pct, 1e-9)

	close(release)
}

func TestUpdateProgressIncludesDiskTelemetry(t *testing.T) {
	m := newTestManager(t, nil, fastPullConfig())

	id := m.Create("llama3")
	require.True(t, m.Start(id, func(ctx context.Context) error { return nil }))
	m.UpdateProgress(id, map[string]any{"percent": 50.0})

	task, ok := m.Get(id)
	require.True(t, ok)
	if task.Progress != nil {
		if _, hasFree := task.Progress["disk_free_bytes"]; hasFree {
			assert.Contains(t, task.Progress, "disk_total_bytes")
		}
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	m := newTestManager(t, nil, fastPullConfig())

	release := make(chan struct{})
	id := m.Create("llama3")
	require.True(t, m.Start(id, func(ctx context.Context) error {
		<-release
		return nil
	}))

	calls := 0
	var mu sync.Mutex
	sub := m.Subscribe(id, func(domain.PullTask) {
		mu.Lock()
		calls++
		mu.Unlock()
	})

	m.UpdateProgress(id, map[string]any{"percent": 10.0})
	m.Unsubscribe(id, sub)
	m.UpdateProgress(id, map[string]any{"percent": 90.0})

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls)
	close(release)
}

func TestResumeReclassifiesRunningAndRestartsPending(t *testing.T) {
	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, store.SavePullTasks(map[string]*domain.PullTask{
		"was-running": {TaskID: "was-running", ModelName: "llama3", Status: domain.StatusRunning, CreatedAt: now},
		"was-pending": {TaskID: "was-pending", ModelName: "mistral", Status: domain.StatusPending, CreatedAt: now},
		"was-done":    {TaskID: "was-done", ModelName: "phi", Status: domain.StatusCompleted, CreatedAt: now, CompletedAt: &now},
	}))

	client := &flakyTransferrer{chunks: []registry.PullChunk{{Status: "success"}}}
	m := NewManager(store, client, fastPullConfig(), nil, nil)
	require.NoError(t, m.Resume())

	interrupted, ok := m.Get("was-running")
	require.True(t, ok)
	assert.Equal(t, domain.StatusError, interrupted.Status)
	assert.Equal(t, "interrupted by restart", interrupted.Error)
	require.NotNil(t, interrupted.CompletedAt)

	waitForStatus(t, m, "was-pending", domain.StatusCompleted)

	done, ok := m.Get("was-done")
	require.True(t, ok)
	assert.Equal(t, domain.StatusCompleted, done.Status)
}

func TestCleanupStaleFailsSilentRunningTasks(t *testing.T) {
	m := newTestManager(t, nil, fastPullConfig())

	stopped := make(chan struct{})
	id := m.Create("llama3")
	require.True(t, m.Start(id, func(ctx context.Context) error {
		<-ctx.Done()
		close(stopped)
		return ctx.Err()
	}))

	time.Sleep(10 * time.Millisecond)
	m.CleanupStale(0)

	task := waitForStatus(t, m, id, domain.StatusError)
	assert.Equal(t, "no progress updates received", task.Error)

	// The worker is cancelled, and its late return keeps the stale error.
	<-stopped
	time.Sleep(20 * time.Millisecond)
	task, _ = m.Get(id)
	assert.Equal(t, "no progress updates received", task.Error)
}

func TestCleanupStaleSkipsActiveTasks(t *testing.T) {
	m := newTestManager(t, nil, fastPullConfig())

	release := make(chan struct{})
	id := m.Create("llama3")
	require.True(t, m.Start(id, func(ctx context.Context) error {
		<-release
		return nil
	}))

	m.CleanupStale(time.Hour)
	task, ok := m.Get(id)
	require.True(t, ok)
	assert.Equal(t, domain.StatusRunning, task.Status)
	close(release)
}

func TestCleanupCompletedRespectsRetention(t *testing.T) {
	cfg := fastPullConfig()
	cfg.RetainCompleted = 0
	m := newTestManager(t, nil, cfg)

	id := m.Create("llama3")
	require.True(t, m.Start(id, func(ctx context.Context) error { return nil }))
	waitForStatus(t, m, id, domain.StatusCompleted)

	time.Sleep(5 * time.Millisecond)
	m.CleanupCompleted()

	_, ok := m.Get(id)
	assert.False(t, ok)
}

func TestCleanupCompletedKeepsTasksWithinRetention(t *testing.T) {
	m := newTestManager(t, nil, fastPullConfig())

	id := m.Create("llama3")
	require.True(t, m.Start(id, func(ctx context.Context) error { return nil }))
	waitForStatus(t, m, id, domain.StatusCompleted)

	m.CleanupCompleted()

	_, ok := m.Get(id)
	assert.True(t, ok)
}

func TestTaskTablePersistedAcrossManagers(t *testing.T) {
	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)

	m := NewManager(store, nil, fastPullConfig(), nil, nil)
	id := m.Create("llama3")
	require.True(t, m.Start(id, func(ctx context.Context) error { return nil }))
	waitForStatus(t, m, id, domain.StatusCompleted)

	table, err := store.LoadPullTasks()
	require.NoError(t, err)
	require.Contains(t, table, id)
	assert.Equal(t, domain.StatusCompleted, table[id].Status)
}
