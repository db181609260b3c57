package coordinator

import (
	"fmt"
	"sync"
	"time"

	"github.com/cuemby/taskcoordinator/pkg/log"
	"github.com/cuemby/taskcoordinator/pkg/types"
)

// TaskManager implements the task lifecycle operations of §4.1: submit,
// wait, cancel, and clean. It owns the ready queue and the full task
// table; the event loop in coordinator.go drives state transitions by
// calling its mutation methods from the single serialized path.
type TaskManager struct {
	mu        sync.Mutex
	nextID    int64
	tasks     map[int64]*types.Task
	ready     []*types.Task
	retrieved []*types.Task

	// waiters are notified whenever a task transitions to RETRIEVED, so
	// Wait can wake promptly instead of polling on a fixed interval.
	waiters []chan struct{}
}

// NewTaskManager returns an empty task manager.
func NewTaskManager() *TaskManager {
	return &TaskManager{tasks: make(map[int64]*types.Task)}
}

// Submit assigns a task id, validates the artifact list for duplicate
// remote names, and places the task on the ready queue.
func (m *TaskManager) Submit(task *types.Task) (int64, error) {
	if task.Command == "" && task.Coprocess == "" {
		return 0, fmt.Errorf("submit: task must declare a command or coprocess")
	}
	if err := validateArtifactNames(task); err != nil {
		log.WithComponent("tasks").Warn().Err(err).Msg("duplicate artifact remote name")
	}
	if task.Category == "" {
		task.Category = types.DefaultCategory
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	task.ID = m.nextID
	task.TimeSubmitted = timeNow()
	task.State = types.TaskReady
	m.tasks[task.ID] = task
	m.ready = append(m.ready, task)
	return task.ID, nil
}

// validateArtifactNames checks the per-task invariant that no two
// inputs share a remote name and no two outputs share a destination
// (§3). Violations are reported but not fatal, matching submit's
// "rejected with a warning but not fatal" wording.
func validateArtifactNames(task *types.Task) error {
	seen := make(map[string]bool, len(task.Inputs))
	for _, in := range task.Inputs {
		if seen[in.RemoteName] {
			return fmt.Errorf("duplicate input remote name %q", in.RemoteName)
		}
		seen[in.RemoteName] = true
	}
	seen = make(map[string]bool, len(task.Outputs))
	for _, out := range task.Outputs {
		if seen[out.RemoteName] {
			return fmt.Errorf("duplicate output destination %q", out.RemoteName)
		}
		seen[out.RemoteName] = true
	}
	return nil
}

// timeNow is a seam so tests can control timestamps without touching
// the forbidden time.Now()-at-call-site pattern everywhere.
var timeNow = time.Now

// ReadyQueue returns a snapshot of ready tasks.
func (m *TaskManager) ReadyQueue() []*types.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Task, len(m.ready))
	copy(out, m.ready)
	return out
}

// RemoveFromReady removes a task from the ready queue once the
// scheduler has dispatched it.
func (m *TaskManager) RemoveFromReady(taskID int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.ready {
		if t.ID == taskID {
			m.ready = append(m.ready[:i], m.ready[i+1:]...)
			return
		}
	}
}

// Requeue places a task back on the ready queue, e.g. after a retry.
func (m *TaskManager) Requeue(task *types.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()
	task.State = types.TaskReady
	m.ready = append(m.ready, task)
}

// Get returns a task by id.
func (m *TaskManager) Get(taskID int64) (*types.Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	return t, ok
}

// MarkRetrieved transitions a task to RETRIEVED and wakes any blocked
// Wait callers.
func (m *TaskManager) MarkRetrieved(task *types.Task) {
	m.mu.Lock()
	task.State = types.TaskRetrieved
	task.TimeRetrieval = timeNow()
	m.retrieved = append(m.retrieved, task)
	waiters := m.waiters
	m.waiters = nil
	m.mu.Unlock()

	for _, ch := range waiters {
		close(ch)
	}
}

// TakeRetrieved returns the first retrieved task matching tag (empty
// tag matches any), removing it from the retrieved queue and
// transitioning it to DONE, mirroring wait()'s return contract.
func (m *TaskManager) TakeRetrieved(tag string) *types.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, t := range m.retrieved {
		if tag == "" || t.Tag == tag {
			m.retrieved = append(m.retrieved[:i], m.retrieved[i+1:]...)
			t.State = types.TaskDone
			t.TimeDone = timeNow()
			return t
		}
	}
	return nil
}

// subscribe registers a channel that is closed the next time any task
// is marked retrieved, used by Wait to block efficiently between event
// loop iterations.
func (m *TaskManager) subscribe() chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan struct{})
	m.waiters = append(m.waiters, ch)
	return ch
}

// CancelByTaskID removes a ready task or marks an in-flight task for
// kill. The event loop is responsible for actually sending the kill
// message when a worker binding exists; this method only performs the
// state transition and returns whether the task was in flight.
func (m *TaskManager) CancelByTaskID(taskID int64) (task *types.Task, wasInFlight bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[taskID]
	if !ok {
		return nil, false, fmt.Errorf("cancel: unknown task %d", taskID)
	}
	for i, rt := range m.ready {
		if rt.ID == taskID {
			m.ready = append(m.ready[:i], m.ready[i+1:]...)
			t.State = types.TaskCanceled
			return t, false, nil
		}
	}
	wasInFlight = t.State == types.TaskRunning
	t.State = types.TaskCanceled
	return t, wasInFlight, nil
}

// CancelByTag cancels every ready or in-flight task with the given
// tag, returning the set whose worker bindings the caller must kill.
func (m *TaskManager) CancelByTag(tag string) (canceled []*types.Task, inFlight []*types.Task) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var stillReady []*types.Task
	for _, t := range m.ready {
		if t.Tag == tag {
			t.State = types.TaskCanceled
			canceled = append(canceled, t)
		} else {
			stillReady = append(stillReady, t)
		}
	}
	m.ready = stillReady

	for _, t := range m.tasks {
		if t.Tag == tag && t.State == types.TaskRunning {
			t.State = types.TaskCanceled
			canceled = append(canceled, t)
			inFlight = append(inFlight, t)
		}
	}
	return canceled, inFlight
}

// Clean resets a task's transient fields per §4.1, delegating to the
// type's own Clean so the reset logic lives in one place.
func (m *TaskManager) Clean(task *types.Task, full bool) {
	task.Clean(full)
}

// Count returns the number of ready and total tracked tasks, for the
// hungry() and get_stats() operations.
func (m *TaskManager) Count() (ready, total int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.ready), len(m.tasks)
}

// All returns every task the manager still tracks, for the HTTP
// introspection server's /tasks endpoint.
func (m *TaskManager) All() []*types.Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*types.Task, 0, len(m.tasks))
	for _, t := range m.tasks {
		out = append(out, t)
	}
	return out
}
