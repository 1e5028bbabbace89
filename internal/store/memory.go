package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/fentz26/relayq/internal/models"
)

// MemStore keeps tasks in process memory. Nothing survives a restart.
type MemStore struct {
	mu     sync.Mutex
	nextID models.TaskID
	tasks  map[models.TaskID]*memTask
	pdr    []models.PDREntry

	waiters   *waiters
	closeOnce sync.Once
	closed    chan struct{}
}

type memTask struct {
	task   models.Task
	result models.TaskResult
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		tasks:   make(map[models.TaskID]*memTask),
		waiters: newWaiters(),
		closed:  make(chan struct{}),
	}
}

// Close releases blocked Pull calls with ErrClosed.
func (m *MemStore) Close() error {
	m.closeOnce.Do(func() { close(m.closed) })
	return nil
}

// Ping reports ErrClosed after Close.
func (m *MemStore) Ping(ctx context.Context) error {
	select {
	case <-m.closed:
		return ErrClosed
	default:
		return nil
	}
}

// Push stores a new pending task.
func (m *MemStore) Push(ctx context.Context, task models.Task) (models.TaskID, error) {
	if err := m.Ping(ctx); err != nil {
		return 0, err
	}
	now := time.Now().UTC()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	task.ID = m.nextID
	task.Payload = nonNil(task.Payload)
	task.Status = models.TaskStatusPending
	task.ClaimedBy = ""
	task.CreatedAt = now
	task.UpdatedAt = now
	m.tasks[task.ID] = &memTask{task: task}
	return task.ID, nil
}

// Pull waits for the task to finish and returns its result.
func (m *MemStore) Pull(ctx context.Context, id models.TaskID) (models.TaskResult, error) {
	// Every state change happens in this process, so notifications are
	// sufficient and no polling is needed.
	return m.waiters.await(ctx, id, m.closed, 0, func(ctx context.Context) (models.TaskResult, bool, error) {
		m.mu.Lock()
		defer m.mu.Unlock()
		t, ok := m.tasks[id]
		if !ok {
			return models.TaskResult{}, false, fmt.Errorf("task %d: %w", id, ErrTaskNotFound)
		}
		if !t.task.Status.Finished() {
			return models.TaskResult{}, false, nil
		}
		return t.result, true, nil
	})
}

// State counts tasks by status.
func (m *MemStore) State(ctx context.Context) (models.StoreState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var state models.StoreState
	for _, t := range m.tasks {
		addCount(&state, t.task.Status, 1)
	}
	return state, nil
}

// Claim moves the oldest pending task to running.
func (m *MemStore) Claim(ctx context.Context, holder string) (*models.Task, error) {
	if err := m.Ping(ctx); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var oldest *memTask
	for _, t := range m.tasks {
		if t.task.Status != models.TaskStatusPending {
			continue
		}
		if oldest == nil || t.task.ID < oldest.task.ID {
			oldest = t
		}
	}
	if oldest == nil {
		return nil, nil
	}

	oldest.task.Status = models.TaskStatusRunning
	oldest.task.ClaimedBy = holder
	oldest.task.UpdatedAt = time.Now().UTC()
	task := oldest.task
	return &task, nil
}

// Complete records a successful result.
func (m *MemStore) Complete(ctx context.Context, id models.TaskID, output []byte) error {
	return m.finish(id, models.TaskStatusCompleted, nonNil(output), "")
}

// Fail records a failed result.
func (m *MemStore) Fail(ctx context.Context, id models.TaskID, message string) error {
	return m.finish(id, models.TaskStatusFailed, []byte{}, message)
}

func (m *MemStore) finish(id models.TaskID, status models.TaskStatus, output []byte, message string) error {
	m.mu.Lock()
	t, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("task %d: %w", id, ErrTaskNotFound)
	}
	if t.task.Status.Finished() {
		m.mu.Unlock()
		return fmt.Errorf("task %d: %w", id, ErrTaskFinished)
	}
	now := time.Now().UTC()
	t.task.Status = status
	t.task.UpdatedAt = now
	t.result = models.TaskResult{
		TaskID:     id,
		Status:     status,
		Output:     output,
		Error:      message,
		FinishedAt: now,
	}
	m.mu.Unlock()

	m.waiters.notify(id)
	return nil
}

// Requeue returns a running task to pending.
func (m *MemStore) Requeue(ctx context.Context, id models.TaskID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.tasks[id]; ok && t.task.Status == models.TaskStatusRunning {
		t.task.Status = models.TaskStatusPending
		t.task.ClaimedBy = ""
		t.task.UpdatedAt = time.Now().UTC()
	}
	return nil
}

// GetTask returns a copy of the task, or nil.
func (m *MemStore) GetTask(ctx context.Context, id models.TaskID) (*models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, nil
	}
	task := t.task
	return &task, nil
}

// ListTasks returns tasks newest first, optionally filtered by status.
func (m *MemStore) ListTasks(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var tasks []models.Task
	for _, t := range m.tasks {
		if status == "" || t.task.Status == status {
			tasks = append(tasks, t.task)
		}
	}
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID > tasks[j].ID })
	return tasks, nil
}

// WritePDR appends an audit record.
func (m *MemStore) WritePDR(ctx context.Context, entry models.PDREntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pdr = append(m.pdr, entry)
	return nil
}

// ListPDR returns the audit records for a task, oldest first.
func (m *MemStore) ListPDR(ctx context.Context, id models.TaskID) ([]models.PDREntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var entries []models.PDREntry
	for _, e := range m.pdr {
		if e.TaskID == id {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

var _ Backend = (*MemStore)(nil)
