package tui

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fentz26/relayq/internal/models"
)

type fakeBackend struct {
	mu          sync.Mutex
	nextID      models.TaskID
	submitted   []string
	awaited     []models.TaskID
	state       models.StoreState
	submitErr   error
	completions chan models.TaskResult
	done        chan struct{}
	err         error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		completions: make(chan models.TaskResult, 8),
		done:        make(chan struct{}),
	}
}

func (f *fakeBackend) Submit(ctx context.Context, payload []byte) (models.TaskID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return 0, f.submitErr
	}
	f.nextID++
	f.submitted = append(f.submitted, string(payload))
	return f.nextID, nil
}

func (f *fakeBackend) Await(ctx context.Context, id models.TaskID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.awaited = append(f.awaited, id)
	return nil
}

func (f *fakeBackend) State(ctx context.Context) (models.StoreState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state, nil
}

func (f *fakeBackend) Completions() <-chan models.TaskResult { return f.completions }
func (f *fakeBackend) Done() <-chan struct{}                 { return f.done }
func (f *fakeBackend) Err() error                            { return f.err }

func update(t *testing.T, a *App, msg tea.Msg) tea.Cmd {
	t.Helper()
	m, cmd := a.Update(msg)
	require.Same(t, a, m)
	return cmd
}

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input, cmd, arg string
	}{
		{"echo hi", "submit", "echo hi"},
		{"  echo hi  ", "submit", "echo hi"},
		{"/submit sleep 1", "submit", "sleep 1"},
		{"/await 7", "await", "7"},
		{"/state", "state", ""},
		{"/quit", "quit", ""},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			cmd, arg := parseCommand(tt.input)
			assert.Equal(t, tt.cmd, cmd)
			assert.Equal(t, tt.arg, arg)
		})
	}
}

func TestSubmitThenComplete(t *testing.T) {
	b := newFakeBackend()
	a := New(b, "127.0.0.1:7070", 0)

	msg := a.executeCommand("echo hello")()
	require.Equal(t, submittedMsg{id: 1, payload: "echo hello"}, msg)
	assert.Equal(t, []string{"echo hello"}, b.submitted)

	require.NotNil(t, update(t, a, msg))
	require.Len(t, a.tasks, 1)
	assert.Equal(t, models.TaskID(1), a.tasks[0].ID)
	assert.False(t, a.tasks[0].finished())
	assert.Equal(t, []string{"1"}, a.pendingIDs())

	msg = a.await(1)()
	assert.Equal(t, awaitingMsg{id: 1}, msg)
	assert.Equal(t, []models.TaskID{1}, b.awaited)

	result := models.TaskResult{TaskID: 1, Status: models.TaskStatusCompleted, Output: []byte("hello\n"), FinishedAt: time.Now()}
	b.completions <- result
	msg = a.waitCompletion()()
	require.Equal(t, completedMsg{result: result}, msg)

	update(t, a, msg)
	require.True(t, a.tasks[0].finished())
	assert.Empty(t, a.pendingIDs())
	assert.Contains(t, a.message, "completed")
	assert.Contains(t, a.View(), "DONE")
}

func TestCompletionForUnknownTaskIsTracked(t *testing.T) {
	a := New(newFakeBackend(), "addr", 0)
	update(t, a, completedMsg{result: models.TaskResult{TaskID: 9, Status: models.TaskStatusFailed, Error: "exit code 1"}})

	require.Len(t, a.tasks, 1)
	assert.Equal(t, models.TaskID(9), a.tasks[0].ID)
	assert.Contains(t, a.renderTaskDetail(a.tasks[0]), "exit code 1")
}

func TestTasksNewestFirst(t *testing.T) {
	a := New(newFakeBackend(), "addr", 0)
	update(t, a, awaitingMsg{id: 2})
	update(t, a, awaitingMsg{id: 5})
	update(t, a, awaitingMsg{id: 3})
	update(t, a, awaitingMsg{id: 5})

	var ids []models.TaskID
	for _, task := range a.tasks {
		ids = append(ids, task.ID)
	}
	assert.Equal(t, []models.TaskID{5, 3, 2}, ids)
}

func TestAwaitCommand(t *testing.T) {
	b := newFakeBackend()
	a := New(b, "addr", 0)

	assert.Equal(t, awaitingMsg{id: 4}, a.executeCommand("/await #4")())
	assert.Equal(t, []models.TaskID{4}, b.awaited)

	msg := a.executeCommand("/await four")()
	require.IsType(t, errMsg{}, msg)
	update(t, a, msg)
	assert.Contains(t, a.message, "usage")
}

func TestStateCommand(t *testing.T) {
	b := newFakeBackend()
	b.state = models.StoreState{Pending: 2, Completed: 1, Total: 3}
	a := New(b, "addr", 0)

	msg := a.executeCommand("/state")()
	update(t, a, msg)
	require.NotNil(t, a.state)
	assert.Equal(t, uint64(3), a.state.Total)
	assert.Contains(t, a.View(), "[3 tasks]")
}

func TestClearCommand(t *testing.T) {
	a := New(newFakeBackend(), "addr", 0)
	update(t, a, awaitingMsg{id: 1})
	update(t, a, completedMsg{result: models.TaskResult{TaskID: 2, Status: models.TaskStatusCompleted}})

	assert.Nil(t, a.executeCommand("/clear"))
	require.Len(t, a.tasks, 1)
	assert.Equal(t, models.TaskID(1), a.tasks[0].ID)
	assert.Equal(t, "Cleared 1 finished tasks", a.message)
}

func TestUnknownCommand(t *testing.T) {
	a := New(newFakeBackend(), "addr", 0)
	msg := a.executeCommand("/bogus")()
	update(t, a, msg)
	assert.Equal(t, "Error: unknown command /bogus", a.message)
}

func TestSubmitError(t *testing.T) {
	b := newFakeBackend()
	b.submitErr = errors.New("connection closed")
	a := New(b, "addr", 0)

	update(t, a, a.executeCommand("echo hi")())
	assert.Empty(t, a.tasks)
	assert.Equal(t, "Error: connection closed", a.message)
}

func TestDisconnect(t *testing.T) {
	b := newFakeBackend()
	b.err = errors.New("read: connection reset")
	close(b.completions)
	a := New(b, "addr", time.Second)

	msg := a.waitCompletion()()
	require.IsType(t, disconnectedMsg{}, msg)
	update(t, a, msg)
	assert.False(t, a.online)
	assert.Contains(t, a.message, "connection reset")

	// Ticks stop rescheduling once offline.
	assert.Nil(t, update(t, a, tickMsg(time.Now())))
}

func TestDetailMode(t *testing.T) {
	a := New(newFakeBackend(), "addr", 0)
	update(t, a, submittedMsg{id: 1, payload: "echo one"})

	update(t, a, tea.KeyMsg{Type: tea.KeyEnter})
	assert.Equal(t, "detail", a.mode)
	assert.Contains(t, a.View(), "echo one")

	update(t, a, tea.KeyMsg{Type: tea.KeyEsc})
	assert.Equal(t, "list", a.mode)
}

func TestSelectionNavigation(t *testing.T) {
	a := New(newFakeBackend(), "addr", 0)
	update(t, a, awaitingMsg{id: 1})
	update(t, a, awaitingMsg{id: 2})

	update(t, a, tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 1, a.selectedIdx)
	update(t, a, tea.KeyMsg{Type: tea.KeyDown})
	assert.Equal(t, 1, a.selectedIdx)
	update(t, a, tea.KeyMsg{Type: tea.KeyUp})
	assert.Equal(t, 0, a.selectedIdx)
}
