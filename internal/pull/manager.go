// Package pull owns the lifecycle of background model download tasks:
// their goroutines, cancellation, progress throttling, retry bookkeeping,
// cleanup, and crash-safe persistence of the task table.
package pull

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentlab/agentlab/internal/config"
	"github.com/agentlab/agentlab/internal/domain"
	"github.com/agentlab/agentlab/internal/filestore"
	"github.com/agentlab/agentlab/internal/metrics"
)

// ProgressCallback receives a snapshot of a task after a (throttled)
// progress update or a terminal transition.
type ProgressCallback func(task domain.PullTask)

// Manager is the background task manager for model downloads. All in-memory
// state is guarded by one mutex; emission and persistence happen outside it.
type Manager struct {
	cfg      config.Pull
	store    *filestore.Store
	client   Transferrer
	recorder metrics.Recorder
	logger   *slog.Logger

	mu        sync.Mutex
	tasks     map[string]*domain.PullTask
	cancels   map[string]context.CancelFunc
	callbacks map[string]map[int]ProgressCallback
	nextSubID int
}

// NewManager creates a Manager. client may be nil in tests that drive Start
// with their own work functions.
func NewManager(store *filestore.Store, client Transferrer, cfg config.Pull, recorder metrics.Recorder, logger *slog.Logger) *Manager {
	if recorder == nil {
		recorder = metrics.NewNoOpRecorder()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:       cfg,
		store:     store,
		client:    client,
		recorder:  recorder,
		logger:    logger.With("component", "pull"),
		tasks:     map[string]*domain.PullTask{},
		cancels:   map[string]context.CancelFunc{},
		callbacks: map[string]map[int]ProgressCallback{},
	}
}

// Create allocates a pending task. No side effects beyond registration.
func (m *Manager) Create(modelName string) string {
	task := &domain.PullTask{
		TaskID:    uuid.NewString(),
		ModelName: modelName,
		Status:    domain.StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.tasks[task.TaskID] = task
	m.mu.Unlock()

	m.persist()
	return task.TaskID
}

// Start transitions a pending task to running and launches work on its own
// goroutine with a per-task cancellation context. Returns false if the task
// is missing or not pending.
func (m *Manager) Start(taskID string, work func(ctx context.Context) error) bool {
	ctx, cancel := context.WithCancel(context.Background())

	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok || task.Status != domain.StatusPending {
		m.mu.Unlock()
		cancel()
		return false
	}
	now := time.Now().UTC()
	task.Status = domain.StatusRunning
	task.StartedAt = &now
	task.LastProgressUpdate = now
	m.cancels[taskID] = cancel
	model := task.ModelName
	m.mu.Unlock()

	m.persist()
	m.recorder.PullStarted(ctx, model)

	go m.run(ctx, taskID, work)
	return true
}

// run is the task goroutine body. A panic in work is captured like any
// other failure: it must never escape into the rest of the process.
func (m *Manager) run(ctx context.Context, taskID string, work func(ctx context.Context) error) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("task panicked: %v", r)
			}
		}()
		err = work(ctx)
	}()
	m.finish(taskID, err)
}

// Cancel marks a task cancelled immediately and signals its token; the
// worker stops cooperatively, never by force. Returns false for unknown or
// already-terminal tasks.
func (m *Manager) Cancel(taskID string) bool {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok || task.Status.Terminal() {
		m.mu.Unlock()
		return false
	}
	now := time.Now().UTC()
	task.Status = domain.StatusCancelled
	task.CompletedAt = &now
	cancel := m.cancels[taskID]
	delete(m.cancels, taskID)
	snapshot := cloneTask(task)
	model := task.ModelName
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.persist()
	m.emit(taskID, snapshot)
	m.recorder.PullFinished(context.Background(), model, domain.StatusCancelled)
	m.logger.Info("pull cancelled", "task_id", taskID, "model", model)
	return true
}

// finish applies the worker's outcome. The first terminal transition wins:
// a task already cancelled (or already failed by the stale sweep) keeps its
// status regardless of how the worker returned.
func (m *Manager) finish(taskID string, workErr error) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(m.cancels, taskID)
	if task.Status.Terminal() {
		m.mu.Unlock()
		return
	}

	now := time.Now().UTC()
	task.CompletedAt = &now
	if workErr != nil {
		task.Status = domain.StatusError
		task.Error = workErr.Error()
	} else {
		task.Status = domain.StatusCompleted
	}
	status := task.Status
	model := task.ModelName
	snapshot := cloneTask(task)
	m.mu.Unlock()

	m.persist()
	m.emit(taskID, snapshot)
	m.recorder.PullFinished(context.Background(), model, status)

	if workErr != nil {
		m.logger.Error("pull failed", "task_id", taskID, "model", model, "error", workErr)
		m.scheduleCleanup(m.cfg.ErrorCleanupDelay)
	} else {
		m.logger.Info("pull completed", "task_id", taskID, "model", model)
	}
}

// UpdateProgress records the latest progress payload, augments it with
// disk-space telemetry, and applies the throttle decision for callback
// fan-out and task-table persistence.
func (m *Manager) UpdateProgress(taskID string, payload map[string]any) {
	now := time.Now().UTC()

	if disk := diskTelemetry(m.store.DataDir()); disk != nil {
		for k, v := range disk {
			payload[k] = v
		}
	}

	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok {
		m.mu.Unlock()
		return
	}
	task.Progress = payload
	task.LastProgressUpdate = now

	emitNow := shouldEmit(task, now, m.cfg.ThrottleInterval, m.cfg.PercentDelta)
	var snapshot domain.PullTask
	if emitNow {
		task.LastEmitTime = now
		if p, ok := percentFrom(payload); ok {
			task.LastEmittedPercent = &p
		}
		snapshot = cloneTask(task)
	}
	m.mu.Unlock()

	if emitNow {
		m.emit(taskID, snapshot)
		m.persist()
	}
}

// Get returns a snapshot of one task.
func (m *Manager) Get(taskID string) (domain.PullTask, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task, ok := m.tasks[taskID]
	if !ok {
		return domain.PullTask{}, false
	}
	return cloneTask(task), true
}

// List returns snapshots of all tasks.
func (m *Manager) List() []domain.PullTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.PullTask, 0, len(m.tasks))
	for _, task := range m.tasks {
		out = append(out, cloneTask(task))
	}
	return out
}

// Subscribe registers a progress callback for one task and returns a
// subscription id for Unsubscribe.
func (m *Manager) Subscribe(taskID string, cb ProgressCallback) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextSubID++
	if m.callbacks[taskID] == nil {
		m.callbacks[taskID] = map[int]ProgressCallback{}
	}
	m.callbacks[taskID][m.nextSubID] = cb
	return m.nextSubID
}

// Unsubscribe removes a progress callback.
func (m *Manager) Unsubscribe(taskID string, subID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.callbacks[taskID]; ok {
		delete(subs, subID)
		if len(subs) == 0 {
			delete(m.callbacks, taskID)
		}
	}
}

// emit fans a task snapshot out to its callbacks, outside the mutex.
func (m *Manager) emit(taskID string, snapshot domain.PullTask) {
	m.mu.Lock()
	subs := make([]ProgressCallback, 0, len(m.callbacks[taskID]))
	for _, cb := range m.callbacks[taskID] {
		subs = append(subs, cb)
	}
	m.mu.Unlock()

	for _, cb := range subs {
		cb(snapshot)
	}
}

// persist writes the full task table atomically. Failures are logged, not
// fatal: the in-memory table stays authoritative until the next write.
func (m *Manager) persist() {
	m.mu.Lock()
	table := make(map[string]*domain.PullTask, len(m.tasks))
	for id, task := range m.tasks {
		c := cloneTask(task)
		table[id] = &c
	}
	m.mu.Unlock()

	if err := m.store.SavePullTasks(table); err != nil {
		m.logger.Error("failed to persist pull tasks", "error", err)
	}
}

// Resume reloads the persisted task table after a restart. Tasks found
// running are reclassified as errors (no partial-transfer state is
// recoverable); pending tasks are restarted.
func (m *Manager) Resume() error {
	table, err := m.store.LoadPullTasks()
	if err != nil {
		return err
	}

	var restart []string
	m.mu.Lock()
	for id, task := range table {
		if task.Status == domain.StatusRunning {
			now := time.Now().UTC()
			task.Status = domain.StatusError
			task.Error = "interrupted by restart"
			task.CompletedAt = &now
		}
		m.tasks[id] = task
		if task.Status == domain.StatusPending {
			restart = append(restart, id)
		}
	}
	m.mu.Unlock()

	m.persist()
	for _, id := range restart {
		if !m.startTransfer(id) {
			m.logger.Warn("failed to restart pending pull", "task_id", id)
		}
	}
	return nil
}

// CleanupStale forces running tasks without progress updates for threshold
// into an error state and schedules their removal.
func (m *Manager) CleanupStale(threshold time.Duration) {
	cutoff := time.Now().UTC().Add(-threshold)

	m.mu.Lock()
	var stale []string
	for id, task := range m.tasks {
		if task.Status == domain.StatusRunning && task.LastProgressUpdate.Before(cutoff) {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		m.failStale(id)
	}
}

func (m *Manager) failStale(taskID string) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	if !ok || task.Status != domain.StatusRunning {
		m.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	task.Status = domain.StatusError
	task.Error = "no progress updates received"
	task.CompletedAt = &now
	cancel := m.cancels[taskID]
	delete(m.cancels, taskID)
	snapshot := cloneTask(task)
	model := task.ModelName
	m.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	m.persist()
	m.emit(taskID, snapshot)
	m.recorder.PullFinished(context.Background(), model, domain.StatusError)
	m.logger.Warn("pull marked stale", "task_id", taskID, "model", model)
	m.scheduleCleanup(m.cfg.ErrorCleanupDelay)
}

// CleanupCompleted removes terminal tasks past their per-status retention
// window from memory and from the persisted table.
func (m *Manager) CleanupCompleted() {
	now := time.Now().UTC()
	retention := map[domain.Status]time.Duration{
		domain.StatusCompleted: m.cfg.RetainCompleted,
		domain.StatusError:     m.cfg.RetainError,
		domain.StatusCancelled: m.cfg.RetainCancelled,
	}

	m.mu.Lock()
	removed := 0
	for id, task := range m.tasks {
		maxAge, ok := retention[task.Status]
		if !ok || task.CompletedAt == nil {
			continue
		}
		if now.Sub(*task.CompletedAt) > maxAge {
			delete(m.tasks, id)
			delete(m.callbacks, id)
			removed++
		}
	}
	m.mu.Unlock()

	if removed > 0 {
		m.persist()
	}
}

// RunJanitor periodically applies stale and retention cleanup until ctx is
// cancelled.
func (m *Manager) RunJanitor(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.JanitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.CleanupStale(m.cfg.StaleAfter)
			m.CleanupCompleted()
		}
	}
}

// scheduleCleanup runs a retention cleanup pass shortly after a failure so
// errored tasks past their window don't wait for the next janitor tick.
func (m *Manager) scheduleCleanup(delay time.Duration) {
	if delay <= 0 {
		return
	}
	time.AfterFunc(delay, m.CleanupCompleted)
}

// recordRetry stamps retry bookkeeping on a task after a transient failure.
func (m *Manager) recordRetry(taskID string) {
	m.mu.Lock()
	task, ok := m.tasks[taskID]
	var model string
	if ok {
		now := time.Now().UTC()
		task.RetryCount++
		task.LastRetryAt = &now
		model = task.ModelName
	}
	m.mu.Unlock()

	if ok {
		m.persist()
		m.recorder.PullRetried(context.Background(), model)
	}
}

func cloneTask(t *domain.PullTask) domain.PullTask {
	c := *t
	if t.Progress != nil {
		c.Progress = make(map[string]any, len(t.Progress))
		for k, v := range t.Progress {
			c.Progress[k] = v
		}
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	if t.LastRetryAt != nil {
		v := *t.LastRetryAt
		c.LastRetryAt = &v
	}
	if t.LastEmittedPercent != nil {
		v := *t.LastEmittedPercent
		c.LastEmittedPercent = &v
	}
	return c
}
