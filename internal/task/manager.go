// Package task implements task lifecycle management.
package task

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/firestige/plumber/internal/config"
	"github.com/firestige/plumber/internal/engine"
	"github.com/firestige/plumber/internal/graph"
	"github.com/firestige/plumber/servlet/console"
	"github.com/firestige/plumber/servlet/decode"
	"github.com/firestige/plumber/servlet/kafkareport"
	"github.com/firestige/plumber/servlet/sipparse"
)

// DefaultRegistry builds a graph.Registry with every built-in servlet
// (parsers, processors, reporters) registered under its canonical name.
// A task's Parsers/Reporters config names are resolved against this
// registry when its engine is assembled.
//
// kafkareport declares ASYNC mode; internal/engine drives it through the
// real async lifecycle pool, not the simpler SYNC-only internal/runtime
// composition root.
func DefaultRegistry() (*graph.Registry, error) {
	r := graph.NewRegistry()
	if err := decode.Register(r); err != nil {
		return nil, fmt.Errorf("register decode: %w", err)
	}
	if err := sipparse.Register(r); err != nil {
		return nil, fmt.Errorf("register sipparse: %w", err)
	}
	if err := kafkareport.Register(r); err != nil {
		return nil, fmt.Errorf("register kafkareport: %w", err)
	}
	if err := console.Register(r); err != nil {
		return nil, fmt.Errorf("register console: %w", err)
	}
	return r, nil
}

// TaskManager manages task CRUD and state machine.
type TaskManager struct {
	mu    sync.RWMutex
	tasks map[string]*Task // task_id → Task

	agentID  string
	store    TaskStore
	registry *graph.Registry // built-in servlets available to every task's pipeline
}

// NewTaskManager creates a new task manager. store is the persistence
// backend; pass nil to disable persistence. registry supplies the named
// servlets a task's Parsers/Reporters config may reference.
func NewTaskManager(agentID string, store TaskStore, registry *graph.Registry) *TaskManager {
	if store == nil {
		store = noopStore{}
	}
	return &TaskManager{
		tasks:    make(map[string]*Task),
		agentID:  agentID,
		store:    store,
		registry: registry,
	}
}

// Create creates and starts a new task from configuration.
//
// A task's service graph is a single linear chain resolved directly from
// its Parsers and Reporters names (Processors names are logged and
// ignored) — no branching — but each
// worker's copy runs on a real scheduler loop over its own task table,
// with ASYNC servlets (e.g. kafkareport) driven through the async
// lifecycle pool rather than rejected. Assembly happens in three steps:
//  1. Validate — check TaskConfig completeness.
//  2. Resolve  — build one engine.Engine per worker from the registry,
//     failing fast if any named servlet is missing.
//  3. Start    — open the capture source and begin dispatching.
func (m *TaskManager) Create(cfg config.TaskConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.tasks) >= 1 {
		return fmt.Errorf("phase 1 limitation: maximum 1 task allowed (current: %d)", len(m.tasks))
	}
	if _, exists := m.tasks[cfg.ID]; exists {
		return fmt.Errorf("task %q already exists", cfg.ID)
	}

	slog.Info("creating task", "task_id", cfg.ID)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	if len(cfg.Processors) > 0 {
		slog.Warn("task config names processors, but no processor servlets are registered; ignoring",
			"task_id", cfg.ID, "processors", len(cfg.Processors))
	}

	names := make([]string, 0, len(cfg.Parsers)+len(cfg.Reporters))
	argv := make(map[string][]string, len(cfg.Parsers)+len(cfg.Reporters))
	for _, p := range cfg.Parsers {
		names = append(names, p.Name)
		argv[p.Name] = servletArgv(p.Config)
	}
	for _, r := range cfg.Reporters {
		names = append(names, r.Name)
		argv[r.Name] = servletArgv(r.Config)
	}

	numPipelines := cfg.Workers
	if numPipelines < 1 {
		numPipelines = 1
	}

	t := NewTask(cfg)
	for i := 0; i < numPipelines; i++ {
		e, err := engine.New(m.registry, names, argv, engine.DefaultOptions())
		if err != nil {
			for _, built := range t.engines {
				built.Close()
			}
			return fmt.Errorf("assemble engine %d: %w", i, err)
		}
		t.engines = append(t.engines, e)
	}

	if err := t.Start(); err != nil {
		t.cancel()
		return fmt.Errorf("task start failed: %w", err)
	}

	m.tasks[cfg.ID] = t
	m.saveTask(t)

	slog.Info("task created successfully",
		"task_id", cfg.ID, "pipelines", numPipelines, "state", t.State())
	return nil
}

// servletArgv renders a servlet's JSON-shaped config map into the argv
// slice its Init expects: argv[0] is the raw JSON-encoded config.
func servletArgv(cfg map[string]any) []string {
	if len(cfg) == 0 {
		return nil
	}
	encoded, err := json.Marshal(cfg)
	if err != nil {
		return nil
	}
	return []string{string(encoded)}
}

// Delete stops and removes a task.
func (m *TaskManager) Delete(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, exists := m.tasks[taskID]
	if !exists {
		return fmt.Errorf("task %q not found", taskID)
	}

	slog.Info("deleting task", "task_id", taskID)

	if err := t.Stop(); err != nil {
		slog.Warn("error stopping task", "task_id", taskID, "error", err)
	}

	m.saveTask(t)
	if err := m.store.Delete(taskID); err != nil {
		slog.Warn("failed to delete persisted task record", "task_id", taskID, "error", err)
	}

	delete(m.tasks, taskID)
	slog.Info("task deleted", "task_id", taskID)
	return nil
}

// Get retrieves a task by ID.
func (m *TaskManager) Get(taskID string) (*Task, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, exists := m.tasks[taskID]
	if !exists {
		return nil, fmt.Errorf("task %q not found", taskID)
	}
	return t, nil
}

// List returns a list of all task IDs.
func (m *TaskManager) List() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.tasks))
	for id := range m.tasks {
		ids = append(ids, id)
	}
	return ids
}

// Status returns status for all tasks.
func (m *TaskManager) Status() map[string]Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	status := make(map[string]Status, len(m.tasks))
	for id, t := range m.tasks {
		status[id] = t.GetStatus()
	}
	return status
}

// Count returns the number of active tasks.
func (m *TaskManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}

// StopAll stops all tasks (useful for shutdown).
func (m *TaskManager) StopAll() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	slog.Info("stopping all tasks", "count", len(m.tasks))

	var lastErr error
	for id, t := range m.tasks {
		if err := t.Stop(); err != nil {
			slog.Warn("error stopping task", "task_id", id, "error", err)
			lastErr = err
		}
	}
	for _, t := range m.tasks {
		m.saveTask(t)
	}
	m.tasks = make(map[string]*Task)
	return lastErr
}

// UpdateMetricsInterval propagates a new metrics collection interval to
// all running tasks. Called by Daemon.Reload() on config change.
func (m *TaskManager) UpdateMetricsInterval(d time.Duration) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, t := range m.tasks {
		t.UpdateMetricsInterval(d)
	}
	slog.Info("metrics interval updated for all tasks", "interval", d, "task_count", len(m.tasks))
}

// saveTask persists the current state of a task to the configured store.
func (m *TaskManager) saveTask(t *Task) {
	status := t.GetStatus()
	pt := PersistedTask{
		Version:       persistenceVersion,
		Config:        t.Config,
		State:         status.State,
		CreatedAt:     status.CreatedAt,
		FailureReason: status.FailureReason,
	}
	if !status.StartedAt.IsZero() {
		pt.StartedAt = &status.StartedAt
	}
	if !status.StoppedAt.IsZero() {
		pt.StoppedAt = &status.StoppedAt
	}
	if err := m.store.Save(pt); err != nil {
		slog.Warn("failed to persist task state", "task_id", t.Config.ID, "error", err)
	}
}

// Restore reads persisted tasks and re-creates those that were active at
// the time of the last shutdown.
func (m *TaskManager) Restore(autoRestart bool) {
	persisted, err := m.store.List()
	if err != nil {
		slog.Error("task restore: failed to list persisted tasks", "error", err)
		return
	}

	for _, pt := range persisted {
		switch pt.State {
		case StateRunning, StateStarting, StateStopping:
			if !autoRestart {
				slog.Info("task restore: skipping active task (auto_restart=false)",
					"task_id", pt.Config.ID, "state", pt.State)
				continue
			}
			slog.Info("task restore: restarting previously active task",
				"task_id", pt.Config.ID, "last_state", pt.State)
			if err := m.Create(pt.Config); err != nil {
				slog.Error("task restore: failed to restart task",
					"task_id", pt.Config.ID, "error", err)
			}
		default:
			slog.Debug("task restore: skipping terminal task (history)",
				"task_id", pt.Config.ID, "state", pt.State)
		}
	}
}

// GCOldTasks removes persisted terminal-state task records beyond maxHistory,
// oldest first.
func (m *TaskManager) GCOldTasks(maxHistory int) {
	persisted, err := m.store.List()
	if err != nil {
		slog.Warn("task GC: failed to list persisted tasks", "error", err)
		return
	}

	m.mu.RLock()
	var terminal []PersistedTask
	for _, pt := range persisted {
		if _, active := m.tasks[pt.Config.ID]; active {
			continue
		}
		switch pt.State {
		case StateStopped, StateFailed, StateCreated:
			terminal = append(terminal, pt)
		}
	}
	m.mu.RUnlock()

	if len(terminal) <= maxHistory {
		return
	}

	sort.Slice(terminal, func(i, j int) bool {
		return terminal[i].CreatedAt.Before(terminal[j].CreatedAt)
	})

	excess := len(terminal) - maxHistory
	for i := 0; i < excess; i++ {
		id := terminal[i].Config.ID
		if err := m.store.Delete(id); err != nil {
			slog.Warn("task GC: failed to delete old record", "task_id", id, "error", err)
		} else {
			slog.Info("task GC: removed old task record", "task_id", id)
		}
	}
}
