package experiment

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentlab/agentlab/internal/config"
	"github.com/agentlab/agentlab/internal/domain"
	"github.com/agentlab/agentlab/internal/filestore"
	"github.com/agentlab/agentlab/internal/producer"
)

func fastExperimentConfig() config.Experiment {
	return config.Experiment{
		Timeout:          5 * time.Second,
		IterationTimeout: time.Second,
		EventQueueSize:   256,
	}
}

func newTestManager(t *testing.T, prod producer.Producer, cfg config.Experiment) (*Manager, *filestore.Store) {
	t.Helper()
	store, err := filestore.New(t.TempDir())
	require.NoError(t, err)
	return NewManager(store, prod, cfg, nil, nil), store
}

// roundRobinProducer emits one message per agent, in agent order.
func roundRobinProducer() producer.Producer {
	return producer.Func(func(ctx context.Context, agents []domain.AgentConfig, prompt string, emit producer.EmitFunc) error {
		for _, a := range agents {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			emit(a.Name, fmt.Sprintf("%s says hello", a.Name), a.Model)
		}
		return nil
	})
}

func testExperiment(iterations int) domain.Experiment {
	return domain.Experiment{
		Title: "debate",
		Task:  domain.Task{Prompt: "discuss the weather"},
		Agents: []domain.AgentConfig{
			{Name: "alice", Model: "llama3"},
			{Name: "bob", Model: "mistral"},
		},
		Iterations: iterations,
	}
}

func waitForTerminal(t *testing.T, m *Manager, id string) *domain.Experiment {
	t.Helper()
	var exp *domain.Experiment
	require.Eventually(t, func() bool {
		got, err := m.Get(id)
		if err != nil {
			return false
		}
		exp = got
		return exp.Status.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	return exp
}

// drainEvents polls the queue until the final frame or until it goes quiet.
func drainEvents(q *Queue) []Event {
	var events []Event
	for {
		ev, ok := q.Poll(time.Second)
		if !ok {
			return events
		}
		events = append(events, ev)
		if ev.Final() {
			return events
		}
	}
}

func TestStartValidation(t *testing.T) {
	m, _ := newTestManager(t, roundRobinProducer(), fastExperimentConfig())

	tests := []struct {
		name   string
		mutate func(*domain.Experiment)
	}{
		{"empty prompt", func(e *domain.Experiment) { e.Task.Prompt = "" }},
		{"no agents", func(e *domain.Experiment) { e.Agents = nil }},
		{"agent without model", func(e *domain.Experiment) { e.Agents[0].Model = "" }},
		{"agent without name", func(e *domain.Experiment) { e.Agents[1].Name = "" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			exp := testExperiment(1)
			tt.mutate(&exp)
			_, err := m.Start(exp)
			require.Error(t, err)
			assert.True(t, domain.IsValidation(err))
		})
	}
}

func TestRunToCompletionProducesSnapshotsAndMessages(t *testing.T) {
	m, store := newTestManager(t, roundRobinProducer(), fastExperimentConfig())

	started, err := m.Start(testExperiment(3))
	require.NoError(t, err)
	require.NotEmpty(t, started.ID)
	assert.Equal(t, domain.StatusPending, started.Status)

	final := waitForTerminal(t, m, started.ID)
	assert.Equal(t, domain.StatusCompleted, final.Status)
	assert.Equal(t, 3, final.CurrentIteration)
	require.NotNil(t, final.CompletedAt)
	assert.Empty(t, final.Error)

	// One snapshot per iteration, two messages each, in agent order.
	snaps, err := store.ListSnapshots(started.ID)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	for i, snap := range snaps {
		assert.Equal(t, i+1, snap.Iteration)
		assert.Equal(t, domain.SnapshotID(started.ID, i+1), snap.ID)
		require.Len(t, snap.Messages, 2)
		assert.Equal(t, "alice", snap.Messages[0].Agent)
		assert.Equal(t, "bob", snap.Messages[1].Agent)
	}

	// The stored record matches the live outcome.
	stored, err := store.GetExperiment(started.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.Len(t, stored.Conversations, 3)
}

func TestEventStreamEndsWithExactlyOneFinalFrame(t *testing.T) {
	// Hold the producer until the queue is captured so the run cannot be
	// reaped before the test subscribes.
	gate := make(chan struct{})
	prod := producer.Func(func(ctx context.Context, agents []domain.AgentConfig, prompt string, emit producer.EmitFunc) error {
		<-gate
		return roundRobinProducer().Run(ctx, agents, prompt, emit)
	})
	m, _ := newTestManager(t, prod, fastExperimentConfig())

	started, err := m.Start(testExperiment(2))
	require.NoError(t, err)

	q, ok := m.Events(started.ID)
	require.True(t, ok)
	close(gate)
	events := drainEvents(q)
	require.NotEmpty(t, events)

	finals := 0
	var messages, conversations int
	for _, ev := range events {
		if ev.Final() {
			finals++
		}
		switch ev.Type {
		case EventMessage:
			messages++
		case EventConversation:
			conversations++
		}
	}
	assert.Equal(t, 1, finals)
	assert.Equal(t, 4, messages)
	assert.Equal(t, 2, conversations)

	last := events[len(events)-1]
	assert.True(t, last.Final())
	assert.Equal(t, true, last.Data["close_connection"])
	assert.Equal(t, domain.StatusCompleted, last.Data["status"])
}

func TestProducerErrorFinishesAsError(t *testing.T) {
	prod := producer.Func(func(ctx context.Context, agents []domain.AgentConfig, prompt string, emit producer.EmitFunc) error {
		return errors.New("model unavailable")
	})
	m, _ := newTestManager(t, prod, fastExperimentConfig())

	started, err := m.Start(testExperiment(3))
	require.NoError(t, err)

	final := waitForTerminal(t, m, started.ID)
	assert.Equal(t, domain.StatusError, final.Status)
	assert.Equal(t, "model unavailable", final.Error)
}

func TestProducerPanicFinishesAsError(t *testing.T) {
	gate := make(chan struct{})
	prod := producer.Func(func(ctx context.Context, agents []domain.AgentConfig, prompt string, emit producer.EmitFunc) error {
		<-gate
		panic("unexpected response shape")
	})
	m, _ := newTestManager(t, prod, fastExperimentConfig())

	started, err := m.Start(testExperiment(1))
	require.NoError(t, err)

	q, ok := m.Events(started.ID)
	require.True(t, ok)
	close(gate)

	final := waitForTerminal(t, m, started.ID)
	assert.Equal(t, domain.StatusError, final.Status)
	assert.Contains(t, final.Error, "producer panicked")

	events := drainEvents(q)
	finals := 0
	for _, ev := range events {
		if ev.Final() {
			finals++
		}
	}
	assert.Equal(t, 1, finals)
}

func TestIterationTimeoutFinishesAsError(t *testing.T) {
	prod := producer.Func(func(ctx context.Context, agents []domain.AgentConfig, prompt string, emit producer.EmitFunc) error {
		<-ctx.Done()
		return ctx.Err()
	})
	cfg := fastExperimentConfig()
	cfg.IterationTimeout = 20 * time.Millisecond
	m, _ := newTestManager(t, prod, cfg)

	started, err := m.Start(testExperiment(1))
	require.NoError(t, err)

	final := waitForTerminal(t, m, started.ID)
	assert.Equal(t, domain.StatusError, final.Status)
	assert.Equal(t, "timeout", final.Error)
}

func TestIterationTimeoutCancelsProducerAndDropsLateEmissions(t *testing.T) {
	// The producer ignores cancellation at first, then emits one last
	// message before returning. The run must cancel its context once
	// terminal, and the straggler's message must reach neither the
	// transcript nor the stream.
	cancelled := make(chan struct{})
	prod := producer.Func(func(ctx context.Context, agents []domain.AgentConfig, prompt string, emit producer.EmitFunc) error {
		select {
		case <-ctx.Done():
			close(cancelled)
		case <-time.After(3 * time.Second):
		}
		emit(agents[0].Name, "straggler", agents[0].Model)
		return ctx.Err()
	})
	cfg := fastExperimentConfig()
	cfg.IterationTimeout = 20 * time.Millisecond
	m, _ := newTestManager(t, prod, cfg)

	started, err := m.Start(testExperiment(1))
	require.NoError(t, err)

	q, ok := m.Events(started.ID)
	require.True(t, ok)

	final := waitForTerminal(t, m, started.ID)
	assert.Equal(t, domain.StatusError, final.Status)
	assert.Equal(t, "timeout", final.Error)

	select {
	case <-cancelled:
	case <-time.After(time.Second):
		t.Fatal("producer context was not cancelled after the run finished")
	}

	// Let the straggler emit, then inspect everything the queue carries.
	time.Sleep(50 * time.Millisecond)
	for {
		ev, ok := q.Poll(20 * time.Millisecond)
		if !ok {
			break
		}
		if ev.Type == EventMessage {
			assert.NotEqual(t, "straggler", ev.Data["content"])
		}
	}
}

func TestCancelFinishesAsCancelled(t *testing.T) {
	blocked := make(chan struct{})
	prod := producer.Func(func(ctx context.Context, agents []domain.AgentConfig, prompt string, emit producer.EmitFunc) error {
		close(blocked)
		<-ctx.Done()
		return ctx.Err()
	})
	m, _ := newTestManager(t, prod, fastExperimentConfig())

	started, err := m.Start(testExperiment(5))
	require.NoError(t, err)
	<-blocked

	require.NoError(t, m.Cancel(started.ID))

	final := waitForTerminal(t, m, started.ID)
	assert.Equal(t, domain.StatusCancelled, final.Status)

	assert.True(t, domain.IsNotFound(m.Cancel("unknown")))
}

func TestWatchdogForcesTerminalState(t *testing.T) {
	// The producer never returns and ignores cancellation entirely.
	hang := make(chan struct{})
	prod := producer.Func(func(ctx context.Context, agents []domain.AgentConfig, prompt string, emit producer.EmitFunc) error {
		<-hang
		return nil
	})
	cfg := fastExperimentConfig()
	cfg.Timeout = 50 * time.Millisecond
	cfg.IterationTimeout = 0
	m, _ := newTestManager(t, prod, cfg)

	started, err := m.Start(testExperiment(1))
	require.NoError(t, err)

	final := waitForTerminal(t, m, started.ID)
	assert.Equal(t, domain.StatusError, final.Status)
	assert.Equal(t, "timeout", final.Error)
	close(hang)
}

func TestDatasetItemsRotatePerIteration(t *testing.T) {
	var prompts []string
	prod := producer.Func(func(ctx context.Context, agents []domain.AgentConfig, prompt string, emit producer.EmitFunc) error {
		prompts = append(prompts, prompt)
		emit(agents[0].Name, "ok", agents[0].Model)
		return nil
	})
	m, _ := newTestManager(t, prod, fastExperimentConfig())

	exp := testExperiment(3)
	exp.Task.DatasetItems = []string{"first", "second"}
	started, err := m.Start(exp)
	require.NoError(t, err)

	waitForTerminal(t, m, started.ID)
	assert.Equal(t, []string{"first", "second", "first"}, prompts)
}

func TestGetFallsBackToStoreAfterRunIsReaped(t *testing.T) {
	m, _ := newTestManager(t, roundRobinProducer(), fastExperimentConfig())

	started, err := m.Start(testExperiment(1))
	require.NoError(t, err)
	waitForTerminal(t, m, started.ID)

	// The run is reaped from the active map once the driver exits.
	require.Eventually(t, func() bool {
		_, live := m.Events(started.ID)
		return !live
	}, time.Second, 5*time.Millisecond)

	got, err := m.Get(started.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestDeleteCancelsAndRemovesPersistedState(t *testing.T) {
	blocked := make(chan struct{})
	prod := producer.Func(func(ctx context.Context, agents []domain.AgentConfig, prompt string, emit producer.EmitFunc) error {
		close(blocked)
		<-ctx.Done()
		return ctx.Err()
	})
	m, store := newTestManager(t, prod, fastExperimentConfig())

	started, err := m.Start(testExperiment(1))
	require.NoError(t, err)
	<-blocked

	require.NoError(t, m.Delete(started.ID))

	_, err = store.GetExperiment(started.ID)
	assert.True(t, domain.IsNotFound(err))
}

func TestRecoverInterruptedMarksNonTerminalAsError(t *testing.T) {
	m, store := newTestManager(t, nil, fastExperimentConfig())

	running := &domain.Experiment{
		Title:      "left running",
		Task:       domain.Task{Prompt: "p"},
		Agents:     []domain.AgentConfig{{Name: "a", Model: "m"}},
		Status:     domain.StatusRunning,
		Iterations: 1,
	}
	require.NoError(t, store.SaveExperiment(running))

	finished := &domain.Experiment{
		Title:      "already done",
		Task:       domain.Task{Prompt: "p"},
		Agents:     []domain.AgentConfig{{Name: "a", Model: "m"}},
		Status:     domain.StatusCompleted,
		Iterations: 1,
	}
	require.NoError(t, store.SaveExperiment(finished))

	require.NoError(t, m.RecoverInterrupted())

	got, err := store.GetExperiment(running.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusError, got.Status)
	assert.Equal(t, "interrupted by restart", got.Error)

	got, err = store.GetExperiment(finished.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}
