package tui

import (
	"context"
	"time"

	"github.com/fentz26/relayq/internal/models"
)

// Backend is the wire client the app drives. *client.Client implements it.
type Backend interface {
	Submit(ctx context.Context, payload []byte) (models.TaskID, error)
	Await(ctx context.Context, id models.TaskID) error
	State(ctx context.Context) (models.StoreState, error)
	Completions() <-chan models.TaskResult
	Done() <-chan struct{}
	Err() error
}

// trackedTask is a task this session submitted or awaits.
type trackedTask struct {
	ID        models.TaskID
	Payload   string
	Submitted time.Time
	Result    *models.TaskResult
}

func (t trackedTask) finished() bool { return t.Result != nil }

type (
	submittedMsg struct {
		id      models.TaskID
		payload string
	}
	awaitingMsg     struct{ id models.TaskID }
	completedMsg    struct{ result models.TaskResult }
	stateMsg        struct{ state models.StoreState }
	tickMsg         time.Time
	disconnectedMsg struct{ err error }
	errMsg          struct{ err error }
)
