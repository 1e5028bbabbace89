// Package controlplane exposes read-only HTTP endpoints for operators:
// health, store state, task lookup and worker statistics.
package controlplane

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fentz26/relayq/internal/models"
	"github.com/fentz26/relayq/internal/scheduler"
	"github.com/fentz26/relayq/internal/store"
)

// Version is reported by the health endpoint.
var Version = "dev"

// ErrTaskNotFound is returned when a task lookup finds nothing.
var ErrTaskNotFound = errors.New("task not found")

// ErrNoWorkers is returned when the scheduler is not running in this process.
var ErrNoWorkers = errors.New("scheduler not running")

// Lookup is the part of a store the control plane reads.
type Lookup interface {
	store.Querier
	GetTask(ctx context.Context, id models.TaskID) (*models.Task, error)
	ListTasks(ctx context.Context, status models.TaskStatus) ([]models.Task, error)
	Ping(ctx context.Context) error
}

// WorkerStats reports worker pool statistics.
type WorkerStats interface {
	Stats() scheduler.Stats
}

// ConnCounter reports open wire connections.
type ConnCounter interface {
	Connections() int64
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	OK          bool   `json:"ok"`
	DB          string `json:"db"`
	Version     string `json:"version"`
	Time        string `json:"time"`
	Connections int64  `json:"connections"`
}

// Service holds the business logic behind the HTTP handlers.
type Service struct {
	store   Lookup
	workers WorkerStats
	conns   ConnCounter
}

// NewService creates a Service. workers and conns may be nil.
func NewService(s Lookup, workers WorkerStats, conns ConnCounter) *Service {
	return &Service{store: s, workers: workers, conns: conns}
}

// Health pings the store.
func (s *Service) Health(ctx context.Context) HealthResponse {
	h := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
	}
	if s.conns != nil {
		h.Connections = s.conns.Connections()
	}
	if err := s.store.Ping(ctx); err != nil {
		h.OK = false
		h.DB = err.Error()
	}
	return h
}

// State returns the store snapshot.
func (s *Service) State(ctx context.Context) (models.StoreState, error) {
	return s.store.State(ctx)
}

// GetTask returns a task or ErrTaskNotFound.
func (s *Service) GetTask(ctx context.Context, id models.TaskID) (*models.Task, error) {
	task, err := s.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if task == nil {
		return nil, fmt.Errorf("task %d: %w", id, ErrTaskNotFound)
	}
	return task, nil
}

// ListTasks lists tasks, optionally filtered by status.
func (s *Service) ListTasks(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	return s.store.ListTasks(ctx, status)
}

// Workers returns scheduler statistics.
func (s *Service) Workers() (scheduler.Stats, error) {
	if s.workers == nil {
		return scheduler.Stats{}, ErrNoWorkers
	}
	return s.workers.Stats(), nil
}
