// Package models defines the core domain types for relayq.
package models

import "time"

// TaskID identifies a task. It is assigned by the store when the task is pushed.
type TaskID uint64

// TaskStatus represents the current state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// Finished reports whether a task in this status has a result.
func (s TaskStatus) Finished() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// NewTask is what a client submits. The payload is opaque to relayq and is
// interpreted only by the connector that executes the task.
type NewTask struct {
	Payload []byte `json:"payload"`
}

// Task represents a unit of work held by the store.
type Task struct {
	ID        TaskID     `json:"id"`
	Payload   []byte     `json:"payload"`
	Status    TaskStatus `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	ClaimedBy string     `json:"claimed_by,omitempty"`
}

// TaskFromNew builds an unsaved pending task from a submission.
func TaskFromNew(n NewTask) Task {
	return Task{
		Payload: n.Payload,
		Status:  TaskStatusPending,
	}
}

// TaskResult is the outcome of executing a task.
type TaskResult struct {
	TaskID     TaskID     `json:"task_id"`
	Status     TaskStatus `json:"status"`
	Output     []byte     `json:"output"`
	Error      string     `json:"error,omitempty"`
	FinishedAt time.Time  `json:"finished_at"`
}

// StoreState is a point-in-time view of the store.
type StoreState struct {
	Pending   uint64 `json:"pending"`
	Running   uint64 `json:"running"`
	Completed uint64 `json:"completed"`
	Failed    uint64 `json:"failed"`
	Total     uint64 `json:"total"`
}

// PDREntry represents a Process Decision Record for audit.
type PDREntry struct {
	ID         string    `json:"id"`
	Action     string    `json:"action"`
	InputsHash string    `json:"inputs_hash"`
	Outcome    string    `json:"outcome"`
	TaskID     TaskID    `json:"task_id,omitempty"`
	Details    string    `json:"details,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}
