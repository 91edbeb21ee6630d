// Package store persists scheduled tasks and their run history in SQLite.
// All methods are safe for concurrent use: the database/sql pool plus the
// sqlite busy timeout serialize writers at the store boundary.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/webclinic017/nuclaw/internal/model"
)

const taskColumns = `id, group_folder, chat_jid, prompt, schedule_kind, schedule_value,
		context_mode, next_run, last_run, last_result, status, created_at`

// TaskStore provides access to scheduled tasks and run logs.
type TaskStore struct {
	logger *zap.Logger
	db     *sql.DB
}

// Open opens (or creates) the task database at path and ensures the schema.
func Open(logger *zap.Logger, path string) (*TaskStore, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &TaskStore{
		logger: logger.Named("store"),
		db:     db,
	}

	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// initialize creates the necessary tables if they don't exist
func (s *TaskStore) initialize() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id TEXT PRIMARY KEY,
			group_folder TEXT NOT NULL,
			chat_jid TEXT NOT NULL,
			prompt TEXT NOT NULL,
			schedule_kind TEXT NOT NULL,
			schedule_value TEXT NOT NULL,
			context_mode TEXT DEFAULT 'isolated',
			next_run DATETIME,
			last_run DATETIME,
			last_result TEXT,
			status TEXT DEFAULT 'active',
			created_at DATETIME NOT NULL
		);
		CREATE TABLE IF NOT EXISTS task_run_logs (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			run_at DATETIME NOT NULL,
			duration_ms INTEGER NOT NULL,
			status TEXT NOT NULL,
			result TEXT,
			error TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_status ON scheduled_tasks(status);
		CREATE INDEX IF NOT EXISTS idx_scheduled_tasks_next_run ON scheduled_tasks(next_run);
		CREATE INDEX IF NOT EXISTS idx_task_run_logs_task_id ON task_run_logs(task_id);
	`)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	return nil
}

// CreateTask inserts a new scheduled task.
func (s *TaskStore) CreateTask(ctx context.Context, task *model.ScheduledTask) error {
	if !task.ScheduleKind.Valid() {
		return fmt.Errorf("%w: %q", ErrInvalidScheduleKind, task.ScheduleKind)
	}
	if task.Status == "" {
		task.Status = model.TaskStatusActive
	}
	if task.ContextMode == "" {
		task.ContextMode = "isolated"
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scheduled_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID,
		task.GroupFolder,
		task.ChatJID,
		task.Prompt,
		task.ScheduleKind,
		task.ScheduleValue,
		task.ContextMode,
		nullTime(task.NextRun),
		nullTime(task.LastRun),
		nullString(task.LastResult),
		task.Status,
		task.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// ListDueTasks returns active tasks whose next run time is unset or has
// passed, ordered earliest due first (null next-run sorts first).
func (s *TaskStore) ListDueTasks(ctx context.Context, now time.Time) ([]*model.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE status = ?
		  AND (next_run IS NULL OR next_run <= ?)
		ORDER BY next_run ASC`,
		model.TaskStatusActive, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list due tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// ListTasks returns every stored task, newest first.
func (s *TaskStore) ListTasks(ctx context.Context) ([]*model.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	defer rows.Close()

	return scanTasks(rows)
}

// GetTask loads a single task by ID. A missing task is (nil, nil).
func (s *TaskStore) GetTask(ctx context.Context, id string) (*model.ScheduledTask, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+taskColumns+`
		FROM scheduled_tasks
		WHERE id = ?`, id)

	task, err := scanTask(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load task: %w", err)
	}
	return task, nil
}

// AppendRunLog records one execution attempt. Run logs are append-only.
func (s *TaskStore) AppendRunLog(ctx context.Context, log *model.TaskRunLog) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO task_run_logs (id, task_id, run_at, duration_ms, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		log.ID,
		log.TaskID,
		log.RunAt.UTC(),
		log.Duration.Milliseconds(),
		log.Status,
		nullString(log.Result),
		nullString(log.Error),
	)
	if err != nil {
		return fmt.Errorf("failed to append run log: %w", err)
	}
	return nil
}

// ListRunLogs returns the most recent run logs for a task.
func (s *TaskStore) ListRunLogs(ctx context.Context, taskID string, limit int) ([]*model.TaskRunLog, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, run_at, duration_ms, status, result, error
		FROM task_run_logs
		WHERE task_id = ?
		ORDER BY run_at DESC
		LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list run logs: %w", err)
	}
	defer rows.Close()

	var logs []*model.TaskRunLog
	for rows.Next() {
		log := &model.TaskRunLog{}
		var durationMS int64
		var result, errText sql.NullString

		if err := rows.Scan(&log.ID, &log.TaskID, &log.RunAt, &durationMS, &log.Status, &result, &errText); err != nil {
			return nil, fmt.Errorf("failed to scan run log: %w", err)
		}
		log.Duration = time.Duration(durationMS) * time.Millisecond
		if result.Valid {
			log.Result = &result.String
		}
		if errText.Valid {
			log.Error = &errText.String
		}
		logs = append(logs, log)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return logs, nil
}

// UpdateLastRun records the timestamp and result text of the latest run.
func (s *TaskStore) UpdateLastRun(ctx context.Context, taskID string, runAt time.Time, lastResult *string) error {
	return s.updateTask(ctx, taskID,
		"UPDATE scheduled_tasks SET last_run = ?, last_result = ? WHERE id = ?",
		runAt.UTC(), nullString(lastResult), taskID)
}

// UpdateNextRun sets the task's next due time.
func (s *TaskStore) UpdateNextRun(ctx context.Context, taskID string, nextRun time.Time) error {
	return s.updateTask(ctx, taskID,
		"UPDATE scheduled_tasks SET next_run = ? WHERE id = ?",
		nextRun.UTC(), taskID)
}

// MarkCompleted finishes a once task: status completed, no further due time.
func (s *TaskStore) MarkCompleted(ctx context.Context, taskID string) error {
	return s.updateTask(ctx, taskID,
		"UPDATE scheduled_tasks SET status = ?, next_run = NULL WHERE id = ?",
		model.TaskStatusCompleted, taskID)
}

// MarkFailed marks a task failed; its schedule is left untouched.
func (s *TaskStore) MarkFailed(ctx context.Context, taskID string) error {
	return s.updateTask(ctx, taskID,
		"UPDATE scheduled_tasks SET status = ? WHERE id = ?",
		model.TaskStatusFailed, taskID)
}

// PauseTask suspends a task without losing its schedule.
func (s *TaskStore) PauseTask(ctx context.Context, taskID string) error {
	return s.updateTask(ctx, taskID,
		"UPDATE scheduled_tasks SET status = ? WHERE id = ?",
		model.TaskStatusPaused, taskID)
}

// ResumeTask reactivates a paused or failed task.
func (s *TaskStore) ResumeTask(ctx context.Context, taskID string) error {
	return s.updateTask(ctx, taskID,
		"UPDATE scheduled_tasks SET status = ? WHERE id = ?",
		model.TaskStatusActive, taskID)
}

func (s *TaskStore) updateTask(ctx context.Context, taskID, query string, args ...interface{}) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update task %s: %w", taskID, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}
	return nil
}

// Close closes the database connection
func (s *TaskStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row rowScanner) (*model.ScheduledTask, error) {
	task := &model.ScheduledTask{}
	var nextRun, lastRun sql.NullTime
	var lastResult sql.NullString

	err := row.Scan(
		&task.ID,
		&task.GroupFolder,
		&task.ChatJID,
		&task.Prompt,
		&task.ScheduleKind,
		&task.ScheduleValue,
		&task.ContextMode,
		&nextRun,
		&lastRun,
		&lastResult,
		&task.Status,
		&task.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	if nextRun.Valid {
		task.NextRun = &nextRun.Time
	}
	if lastRun.Valid {
		task.LastRun = &lastRun.Time
	}
	if lastResult.Valid {
		task.LastResult = &lastResult.String
	}
	return task, nil
}

func scanTasks(rows *sql.Rows) ([]*model.ScheduledTask, error) {
	var tasks []*model.ScheduledTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during row iteration: %w", err)
	}
	return tasks, nil
}

// Timestamps are normalized to UTC before storage so sqlite's textual
// datetime comparison stays correct across mixed zone offsets.
func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}
