// Package store defines the capabilities relayq needs from a task store and
// provides SQLite-backed and in-memory implementations.
//
// The connection handler consumes only Pusher, Puller and Querier. The
// scheduler consumes Claimer. Every method is safe to call concurrently from
// any number of goroutines; callers never hold a lock across a call.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/relayq/internal/config"
	"github.com/fentz26/relayq/internal/models"
)

// Sentinel errors for store operations.
var (
	ErrTaskNotFound = errors.New("task not found")
	ErrTaskFinished = errors.New("task already finished")
	ErrClosed       = errors.New("store closed")
)

// Pusher enqueues tasks.
type Pusher interface {
	// Push stores task as pending and returns its new id.
	Push(ctx context.Context, task models.Task) (models.TaskID, error)
}

// Puller retrieves results.
type Puller interface {
	// Pull blocks until the task has finished and returns its result. It
	// returns ErrTaskNotFound for unknown ids and ctx.Err() if ctx ends first.
	Pull(ctx context.Context, id models.TaskID) (models.TaskResult, error)
}

// Querier reports store-wide status.
type Querier interface {
	// State returns a best-effort snapshot. It never blocks indefinitely.
	State(ctx context.Context) (models.StoreState, error)
}

// Queue is everything a client connection needs from a store.
type Queue interface {
	Pusher
	Puller
	Querier
}

// Claimer is the worker side of a store.
type Claimer interface {
	// Claim moves the oldest pending task to running on behalf of holder.
	// It returns nil, nil when nothing is pending.
	Claim(ctx context.Context, holder string) (*models.Task, error)
	// Complete records a successful result and wakes every Pull for id.
	Complete(ctx context.Context, id models.TaskID, output []byte) error
	// Fail records a failed result and wakes every Pull for id.
	Fail(ctx context.Context, id models.TaskID, message string) error
	// Requeue returns a running task to pending.
	Requeue(ctx context.Context, id models.TaskID) error
}

// Backend is a complete store implementation.
type Backend interface {
	Queue
	Claimer
	// GetTask returns the task with id, or nil if there is none.
	GetTask(ctx context.Context, id models.TaskID) (*models.Task, error)
	// ListTasks returns tasks newest first, optionally filtered by status.
	ListTasks(ctx context.Context, status models.TaskStatus) ([]models.Task, error)
	// WritePDR persists an audit record.
	WritePDR(ctx context.Context, entry models.PDREntry) error
	Ping(ctx context.Context) error
	Close() error
}

// DefaultPullPollInterval is how often Pull re-reads a task when no
// in-process notification arrives.
const DefaultPullPollInterval = time.Second

// Open creates the backend selected by cfg.Driver.
func Open(cfg config.StoreConfig) (Backend, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLStore(cfg.Path, cfg.PullPollInterval)
	case "memory":
		return NewMemStore(), nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
