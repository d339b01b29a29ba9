// Package experiment owns live experiment state and the bridge that moves
// events from background goroutines to streaming consumers, including the
// iteration driver, watchdog timeouts and the terminal-notification
// guarantee.
package experiment

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/agentlab/agentlab/internal/config"
	"github.com/agentlab/agentlab/internal/domain"
	"github.com/agentlab/agentlab/internal/filestore"
	"github.com/agentlab/agentlab/internal/metrics"
	"github.com/agentlab/agentlab/internal/producer"
)

// run bundles everything owned by one active experiment.
type run struct {
	state  *State
	queue  *Queue
	cancel context.CancelFunc
	done   chan struct{}
}

// Manager holds the mutex-protected map of active experiments and starts,
// cancels and exposes their runs. Durable state lives in the file store;
// the manager's map is a working cache of in-flight runs only.
type Manager struct {
	cfg      config.Experiment
	store    *filestore.Store
	producer producer.Producer
	recorder metrics.Recorder
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*run
}

// NewManager creates an experiment manager.
func NewManager(store *filestore.Store, prod producer.Producer, cfg config.Experiment, recorder metrics.Recorder, logger *slog.Logger) *Manager {
	if recorder == nil {
		recorder = metrics.NewNoOpRecorder()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		cfg:      cfg,
		store:    store,
		producer: prod,
		recorder: recorder,
		logger:   logger.With("component", "experiment"),
		active:   map[string]*run{},
	}
}

// Start validates and persists a new experiment, then launches its
// iteration driver and watchdog. The returned record carries the assigned
// id and pending status.
func (m *Manager) Start(exp domain.Experiment) (*domain.Experiment, error) {
	if exp.Task.Prompt == "" {
		return nil, &domain.ValidationError{Field: "task.prompt", Reason: "must not be empty"}
	}
	if len(exp.Agents) == 0 {
		return nil, &domain.ValidationError{Field: "agents", Reason: "at least one agent is required"}
	}
	for _, a := range exp.Agents {
		if a.Name == "" || a.Model == "" {
			return nil, &domain.ValidationError{Field: "agents", Reason: "every agent needs a name and a model"}
		}
	}
	if exp.Iterations < 1 {
		exp.Iterations = 1
	}
	exp.Status = domain.StatusPending
	exp.CurrentIteration = 0
	exp.Messages = nil
	exp.Conversations = nil

	if err := m.store.SaveExperiment(&exp); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		state:  NewState(exp),
		queue:  NewQueue(m.cfg.EventQueueSize),
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.active[exp.ID] = r
	m.mu.Unlock()

	m.recorder.ExperimentStarted(ctx)
	m.logger.Info("experiment started", "experiment_id", exp.ID, "agents", len(exp.Agents), "iterations", exp.Iterations)

	go m.drive(ctx, r)
	go m.watchdog(r, m.cfg.Timeout)

	snapshot := r.state.Snapshot()
	return &snapshot, nil
}

// Cancel requests cooperative cancellation of an active run.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	r, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return &domain.NotFoundError{Kind: "experiment", ID: id}
	}
	r.cancel()
	return nil
}

// Get returns the live snapshot of an active run, falling back to the
// stored record for finished ones.
func (m *Manager) Get(id string) (*domain.Experiment, error) {
	m.mu.Lock()
	r, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		snapshot := r.state.Snapshot()
		return &snapshot, nil
	}
	return m.store.GetExperiment(id)
}

// Events returns the event queue of an active run. The second return is
// false once the run has been reaped or never existed.
func (m *Manager) Events(id string) (*Queue, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.active[id]
	if !ok {
		return nil, false
	}
	return r.queue, true
}

// Delete cancels the run if active and removes all persisted state.
func (m *Manager) Delete(id string) error {
	m.mu.Lock()
	r, ok := m.active[id]
	m.mu.Unlock()
	if ok {
		r.cancel()
		<-r.done
	}
	return m.store.DeleteExperiment(id)
}

// RecoverInterrupted reclassifies stored experiments left pending or
// running by a previous process as errors. Called once at startup, before
// any new run begins: no in-flight conversation state survives a restart.
func (m *Manager) RecoverInterrupted() error {
	entries, err := m.store.ListExperiments()
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, entry := range entries {
		if entry.Status.Terminal() {
			continue
		}
		_, err := m.store.UpdateExperiment(entry.ID, map[string]any{
			"status":       domain.StatusError,
			"error":        "interrupted by restart",
			"completed_at": now,
		})
		if err != nil {
			m.logger.Error("failed to recover interrupted experiment", "experiment_id", entry.ID, "error", err)
			continue
		}
		m.logger.Warn("experiment interrupted by restart", "experiment_id", entry.ID)
	}
	return nil
}

func (m *Manager) removeActive(id string) {
	m.mu.Lock()
	delete(m.active, id)
	m.mu.Unlock()
}
