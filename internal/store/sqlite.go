package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/fentz26/relayq/internal/models"
)

// SQLStore provides task persistence in a SQLite database.
type SQLStore struct {
	db      *sql.DB
	waiters *waiters
	poll    time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

// NewSQLStore opens (creating if needed) the database at dbPath and runs
// migrations. pollInterval bounds how long Pull trusts in-process
// notifications before re-reading the task; zero uses the default.
func NewSQLStore(dbPath string, pollInterval time.Duration) (*SQLStore, error) {
	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	// Open with WAL mode for better concurrency
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	// SQLite only supports one writer at a time
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if pollInterval <= 0 {
		pollInterval = DefaultPullPollInterval
	}

	s := &SQLStore{
		db:      db,
		waiters: newWaiters(),
		poll:    pollInterval,
		closed:  make(chan struct{}),
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database connection. Pending Pull calls return ErrClosed.
func (s *SQLStore) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return s.db.Close()
}

// Ping checks the database connection is alive.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate runs idempotent schema migrations.
func (s *SQLStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS tasks (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payload BLOB NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		claimed_by TEXT,
		output BLOB,
		error TEXT,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		finished_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS pdr (
		id TEXT PRIMARY KEY,
		action TEXT NOT NULL,
		inputs_hash TEXT NOT NULL,
		outcome TEXT NOT NULL,
		task_id INTEGER,
		details TEXT,
		timestamp DATETIME NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
	CREATE INDEX IF NOT EXISTS idx_pdr_task_id ON pdr(task_id);
	`

	_, err := s.db.Exec(schema)
	return err
}

// --- Queue ---

// Push inserts a new pending task.
func (s *SQLStore) Push(ctx context.Context, task models.Task) (models.TaskID, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (payload, status, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		nonNil(task.Payload), models.TaskStatusPending, now, now,
	)
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("read task id: %w", err)
	}
	return models.TaskID(id), nil
}

// Pull waits for the task to finish and returns its result.
func (s *SQLStore) Pull(ctx context.Context, id models.TaskID) (models.TaskResult, error) {
	return s.waiters.await(ctx, id, s.closed, s.poll, func(ctx context.Context) (models.TaskResult, bool, error) {
		return s.result(ctx, id)
	})
}

func (s *SQLStore) result(ctx context.Context, id models.TaskID) (models.TaskResult, bool, error) {
	var (
		status     models.TaskStatus
		output     []byte
		errMsg     sql.NullString
		finishedAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, output, error, finished_at FROM tasks WHERE id = ?`, id,
	).Scan(&status, &output, &errMsg, &finishedAt)
	if err == sql.ErrNoRows {
		return models.TaskResult{}, false, fmt.Errorf("task %d: %w", id, ErrTaskNotFound)
	}
	if err != nil {
		return models.TaskResult{}, false, fmt.Errorf("query task result: %w", err)
	}
	if !status.Finished() {
		return models.TaskResult{}, false, nil
	}

	result := models.TaskResult{
		TaskID: id,
		Status: status,
		Output: nonNil(output),
		Error:  errMsg.String,
	}
	if finishedAt.Valid {
		result.FinishedAt = finishedAt.Time
	}
	return result, true, nil
}

// State counts tasks by status.
func (s *SQLStore) State(ctx context.Context) (models.StoreState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return models.StoreState{}, fmt.Errorf("query state: %w", err)
	}
	defer rows.Close()

	var state models.StoreState
	for rows.Next() {
		var status models.TaskStatus
		var n uint64
		if err := rows.Scan(&status, &n); err != nil {
			return models.StoreState{}, fmt.Errorf("scan state: %w", err)
		}
		addCount(&state, status, n)
	}
	return state, rows.Err()
}

func addCount(state *models.StoreState, status models.TaskStatus, n uint64) {
	switch status {
	case models.TaskStatusPending:
		state.Pending += n
	case models.TaskStatusRunning:
		state.Running += n
	case models.TaskStatusCompleted:
		state.Completed += n
	case models.TaskStatusFailed:
		state.Failed += n
	}
	state.Total += n
}

// --- Claimer ---

// Claim atomically moves the oldest pending task to running.
func (s *SQLStore) Claim(ctx context.Context, holder string) (*models.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	var task models.Task
	err = tx.QueryRowContext(ctx,
		`SELECT id, payload, created_at FROM tasks WHERE status = ? ORDER BY id LIMIT 1`,
		models.TaskStatusPending,
	).Scan(&task.ID, &task.Payload, &task.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query pending task: %w", err)
	}

	now := time.Now().UTC()
	result, err := tx.ExecContext(ctx,
		`UPDATE tasks SET status = ?, claimed_by = ?, updated_at = ? WHERE id = ? AND status = ?`,
		models.TaskStatusRunning, holder, now, task.ID, models.TaskStatusPending,
	)
	if err != nil {
		return nil, fmt.Errorf("update task status: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		// Claimed by another process between the select and the update
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	task.Payload = nonNil(task.Payload)
	task.Status = models.TaskStatusRunning
	task.ClaimedBy = holder
	task.UpdatedAt = now
	return &task, nil
}

// Complete records a successful result.
func (s *SQLStore) Complete(ctx context.Context, id models.TaskID, output []byte) error {
	return s.finish(ctx, id, models.TaskStatusCompleted, nonNil(output), "")
}

// Fail records a failed result.
func (s *SQLStore) Fail(ctx context.Context, id models.TaskID, message string) error {
	return s.finish(ctx, id, models.TaskStatusFailed, []byte{}, message)
}

func (s *SQLStore) finish(ctx context.Context, id models.TaskID, status models.TaskStatus, output []byte, message string) error {
	now := time.Now().UTC()
	result, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, output = ?, error = ?, finished_at = ?, updated_at = ?
		 WHERE id = ? AND status IN (?, ?)`,
		status, output, message, now, now, id, models.TaskStatusPending, models.TaskStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("update task result: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		task, err := s.GetTask(ctx, id)
		if err != nil {
			return err
		}
		if task == nil {
			return fmt.Errorf("task %d: %w", id, ErrTaskNotFound)
		}
		return fmt.Errorf("task %d: %w", id, ErrTaskFinished)
	}

	s.waiters.notify(id)
	return nil
}

// Requeue returns a running task to pending.
func (s *SQLStore) Requeue(ctx context.Context, id models.TaskID) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = ?, claimed_by = NULL, updated_at = ? WHERE id = ? AND status = ?`,
		models.TaskStatusPending, time.Now().UTC(), id, models.TaskStatusRunning,
	)
	if err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	return nil
}

// --- Lookup ---

// GetTask retrieves a task by ID.
func (s *SQLStore) GetTask(ctx context.Context, id models.TaskID) (*models.Task, error) {
	task := &models.Task{}
	var claimedBy sql.NullString

	err := s.db.QueryRowContext(ctx,
		`SELECT id, payload, status, claimed_by, created_at, updated_at FROM tasks WHERE id = ?`,
		id,
	).Scan(&task.ID, &task.Payload, &task.Status, &claimedBy, &task.CreatedAt, &task.UpdatedAt)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query task: %w", err)
	}
	task.Payload = nonNil(task.Payload)
	if claimedBy.Valid {
		task.ClaimedBy = claimedBy.String
	}
	return task, nil
}

// ListTasks returns all tasks, optionally filtered by status.
func (s *SQLStore) ListTasks(ctx context.Context, status models.TaskStatus) ([]models.Task, error) {
	query := `SELECT id, payload, status, claimed_by, created_at, updated_at FROM tasks`
	var args []interface{}

	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY id DESC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []models.Task
	for rows.Next() {
		var task models.Task
		var claimedBy sql.NullString
		if err := rows.Scan(&task.ID, &task.Payload, &task.Status, &claimedBy, &task.CreatedAt, &task.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		task.Payload = nonNil(task.Payload)
		if claimedBy.Valid {
			task.ClaimedBy = claimedBy.String
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// --- PDR Operations ---

// WritePDR writes a Process Decision Record.
func (s *SQLStore) WritePDR(ctx context.Context, entry models.PDREntry) error {
	var taskID sql.NullInt64
	if entry.TaskID != 0 {
		taskID = sql.NullInt64{Int64: int64(entry.TaskID), Valid: true}
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO pdr (id, action, inputs_hash, outcome, task_id, details, timestamp) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Action, entry.InputsHash, entry.Outcome, taskID, entry.Details, entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert pdr: %w", err)
	}
	return nil
}

// ListPDR returns the audit records for a task, oldest first.
func (s *SQLStore) ListPDR(ctx context.Context, id models.TaskID) ([]models.PDREntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, action, inputs_hash, outcome, task_id, details, timestamp FROM pdr WHERE task_id = ? ORDER BY timestamp, rowid`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("query pdr: %w", err)
	}
	defer rows.Close()

	var entries []models.PDREntry
	for rows.Next() {
		var entry models.PDREntry
		var taskID sql.NullInt64
		var details sql.NullString
		if err := rows.Scan(&entry.ID, &entry.Action, &entry.InputsHash, &entry.Outcome, &taskID, &details, &entry.Timestamp); err != nil {
			return nil, fmt.Errorf("scan pdr: %w", err)
		}
		entry.TaskID = models.TaskID(taskID.Int64)
		entry.Details = details.String
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

var _ Backend = (*SQLStore)(nil)
