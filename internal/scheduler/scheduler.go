// Package scheduler provides task dispatching with worker pool management.
package scheduler

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fentz26/relayq/internal/audit"
	"github.com/fentz26/relayq/internal/config"
	"github.com/fentz26/relayq/internal/connectors"
	"github.com/fentz26/relayq/internal/models"
	"github.com/fentz26/relayq/internal/store"
)

// Stats is a snapshot of the worker pool.
type Stats struct {
	ActiveWorkers   int            `json:"active_workers"`
	GlobalMax       int            `json:"global_max"`
	ConnectorCounts map[string]int `json:"connector_counts"`
	Dispatched      uint64         `json:"dispatched"`
	Completed       uint64         `json:"completed"`
	Failed          uint64         `json:"failed"`
	Requeued        uint64         `json:"requeued"`
}

// Scheduler manages task dispatching and worker pools.
type Scheduler struct {
	store     store.Claimer
	pdr       *audit.PDRWriter
	connector connectors.Connector
	config    config.SchedulerConfig
	logger    *zap.Logger

	// Worker pool state
	mu              sync.Mutex
	activeWorkers   int
	connectorCounts map[string]int
	dispatched      uint64
	completed       uint64
	failed          uint64
	requeued        uint64

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a new scheduler. pdr may be nil to disable audit records.
func New(s store.Claimer, pdr *audit.PDRWriter, conn connectors.Connector, cfg config.SchedulerConfig, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Scheduler{
		store:           s,
		pdr:             pdr,
		connector:       conn,
		config:          cfg,
		logger:          logger.With(zap.String("connector", conn.Name())),
		connectorCounts: make(map[string]int),
		ctx:             ctx,
		cancel:          cancel,
	}
}

// Start begins the scheduler loop.
func (sch *Scheduler) Start() {
	sch.wg.Add(1)
	go sch.schedulerLoop()
	sch.logger.Info("scheduler started",
		zap.Int("global_max", sch.config.GlobalMax),
		zap.Duration("poll_interval", sch.config.PollInterval),
	)
}

// Stop cancels running executions, requeues the tasks they held, and waits
// for every worker to exit.
func (sch *Scheduler) Stop() {
	sch.cancel()
	sch.wg.Wait()
	sch.logger.Info("scheduler stopped")
}

// schedulerLoop polls for pending tasks and dispatches them to workers.
func (sch *Scheduler) schedulerLoop() {
	defer sch.wg.Done()

	ticker := time.NewTicker(sch.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sch.ctx.Done():
			return
		case <-ticker.C:
			for sch.pollAndDispatch() {
			}
		}
	}
}

// hasCapacity reports whether another worker may start.
func (sch *Scheduler) hasCapacity() bool {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	if sch.activeWorkers >= sch.config.GlobalMax {
		return false
	}
	name := sch.connector.Name()
	return sch.connectorCounts[name] < sch.config.GetConnectorLimit(name)
}

// pollAndDispatch claims one pending task and starts a worker for it. It
// reports whether a task was dispatched.
func (sch *Scheduler) pollAndDispatch() bool {
	if sch.ctx.Err() != nil || !sch.hasCapacity() {
		return false
	}

	// Attempt to atomically claim a task
	workerID := uuid.New().String()
	task, err := sch.store.Claim(sch.ctx, workerID)
	if err != nil {
		if sch.ctx.Err() == nil {
			sch.logger.Error("claim task", zap.Error(err))
		}
		return false
	}
	if task == nil {
		// No pending tasks
		return false
	}

	connectorName := sch.connector.Name()
	sch.record("task.dispatch", map[string]any{
		"task_id":   task.ID,
		"worker_id": workerID,
		"connector": connectorName,
	}, "success", task.ID, fmt.Sprintf("Dispatched to worker %s", workerID))

	sch.logger.Debug("dispatched task",
		zap.Uint64("task_id", uint64(task.ID)),
		zap.String("worker_id", workerID),
	)

	// Increment worker counts
	sch.mu.Lock()
	sch.activeWorkers++
	sch.connectorCounts[connectorName]++
	sch.dispatched++
	sch.mu.Unlock()

	// Start worker in goroutine
	sch.wg.Add(1)
	go sch.runWorker(task, workerID)
	return true
}

// runWorker executes a task through the connector and records the result.
func (sch *Scheduler) runWorker(task *models.Task, workerID string) {
	defer sch.wg.Done()
	defer func() {
		// Decrement worker counts
		sch.mu.Lock()
		sch.activeWorkers--
		sch.connectorCounts[sch.connector.Name()]--
		sch.mu.Unlock()
	}()

	logger := sch.logger.With(
		zap.Uint64("task_id", uint64(task.ID)),
		zap.String("worker_id", workerID),
	)
	// Results must be written even while Stop is cancelling executions.
	storeCtx := context.WithoutCancel(sch.ctx)

	cmd, args, err := connectors.ParseCommand(task.Payload)
	if err != nil {
		sch.fail(storeCtx, logger, task.ID, fmt.Sprintf("invalid payload: %v", err))
		return
	}

	result, err := sch.connector.Execute(sch.ctx, cmd, args)
	if err != nil {
		if sch.ctx.Err() != nil {
			logger.Info("worker interrupted, requeueing task")
			if err := sch.store.Requeue(storeCtx, task.ID); err != nil {
				logger.Error("requeue task", zap.Error(err))
				return
			}
			sch.count(&sch.requeued)
			return
		}
		sch.fail(storeCtx, logger, task.ID, err.Error())
		return
	}

	if result.ExitCode != 0 {
		msg := fmt.Sprintf("exit code %d", result.ExitCode)
		if stderr := strings.TrimSpace(result.Stderr); stderr != "" {
			msg += ": " + stderr
		}
		sch.fail(storeCtx, logger, task.ID, msg)
		return
	}

	if err := sch.store.Complete(storeCtx, task.ID, []byte(result.Stdout)); err != nil {
		logger.Error("complete task", zap.Error(err))
		return
	}
	sch.record("task.complete", result, "success", task.ID, fmt.Sprintf("%s exited 0", cmd))
	sch.count(&sch.completed)
	logger.Debug("task completed")
}

func (sch *Scheduler) fail(ctx context.Context, logger *zap.Logger, id models.TaskID, message string) {
	if err := sch.store.Fail(ctx, id, message); err != nil {
		logger.Error("fail task", zap.Error(err))
		return
	}
	sch.record("task.fail", map[string]any{"task_id": id}, "failure", id, message)
	sch.count(&sch.failed)
	logger.Debug("task failed", zap.String("error", message))
}

func (sch *Scheduler) count(c *uint64) {
	sch.mu.Lock()
	*c++
	sch.mu.Unlock()
}

// record writes an audit entry. Audit failures are logged, not propagated.
func (sch *Scheduler) record(action string, inputs any, outcome string, id models.TaskID, details string) {
	if sch.pdr == nil {
		return
	}
	if _, err := sch.pdr.Record(context.WithoutCancel(sch.ctx), action, inputs, outcome, id, details); err != nil {
		sch.logger.Warn("write audit record", zap.String("action", action), zap.Error(err))
	}
}

// Stats returns current scheduler statistics.
func (sch *Scheduler) Stats() Stats {
	sch.mu.Lock()
	defer sch.mu.Unlock()

	connectorCounts := make(map[string]int)
	for k, v := range sch.connectorCounts {
		connectorCounts[k] = v
	}

	return Stats{
		ActiveWorkers:   sch.activeWorkers,
		GlobalMax:       sch.config.GlobalMax,
		ConnectorCounts: connectorCounts,
		Dispatched:      sch.dispatched,
		Completed:       sch.completed,
		Failed:          sch.failed,
		Requeued:        sch.requeued,
	}
}
