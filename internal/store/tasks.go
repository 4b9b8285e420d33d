package store

import (
	"database/sql"
	"fmt"
)

// CreateTask persists a new scheduled task.
func (s *Store) CreateTask(t ScheduledTask) error {
	_, err := s.exec(`
		INSERT INTO scheduled_tasks (id, folder, chat_id, prompt, schedule_kind, schedule_value, context_mode, next_run, last_run, last_result, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Folder, t.ChatID, t.Prompt, t.ScheduleKind, t.ScheduleValue, t.ContextMode,
		nullable(t.NextRun), nullable(t.LastRun), nullable(t.LastResult), t.Status, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("create task %s: %w", t.ID, err)
	}
	return nil
}

// GetTask returns one task by ID, or nil when unknown.
func (s *Store) GetTask(id string) (*ScheduledTask, error) {
	row := s.db.QueryRow(taskSelect+` WHERE id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %s: %w", id, err)
	}
	return t, nil
}

// DueTasks returns active tasks whose next_run is at or before now, ordered by
// next_run then id so same-folder ties resolve deterministically.
func (s *Store) DueTasks(now string) ([]ScheduledTask, error) {
	rows, err := s.db.Query(taskSelect+`
		WHERE status = ? AND next_run IS NOT NULL AND next_run != '' AND next_run <= ?
		ORDER BY next_run ASC, id ASC`,
		TaskActive, now,
	)
	if err != nil {
		return nil, fmt.Errorf("query due tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasks returns every task, newest first.
func (s *Store) ListTasks() ([]ScheduledTask, error) {
	rows, err := s.db.Query(taskSelect + ` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListTasksForFolder returns a folder's tasks, newest first.
func (s *Store) ListTasksForFolder(folder string) ([]ScheduledTask, error) {
	rows, err := s.db.Query(taskSelect+` WHERE folder = ? ORDER BY created_at DESC`, folder)
	if err != nil {
		return nil, fmt.Errorf("list tasks for %s: %w", folder, err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// SetTaskStatus moves a task to a new status. Deletion is logical: cancelled
// and completed rows stay behind for the run history.
func (s *Store) SetTaskStatus(id, status string) error {
	_, err := s.exec(`UPDATE scheduled_tasks SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set task %s status: %w", id, err)
	}
	return nil
}

// SetTaskNextRun updates the task's next due time ("" clears it).
func (s *Store) SetTaskNextRun(id, nextRun string) error {
	_, err := s.exec(`UPDATE scheduled_tasks SET next_run = ? WHERE id = ?`, nullable(nextRun), id)
	if err != nil {
		return fmt.Errorf("set task %s next_run: %w", id, err)
	}
	return nil
}

// RecordTaskRun stamps last_run/last_result on the task and appends to the
// task run log.
func (s *Store) RecordTaskRun(id string, entry TaskRunLog) error {
	if _, err := s.exec(
		`UPDATE scheduled_tasks SET last_run = ?, last_result = ? WHERE id = ?`,
		entry.RunAt, nullable(entry.Result), id,
	); err != nil {
		return fmt.Errorf("stamp task %s run: %w", id, err)
	}
	if _, err := s.exec(`
		INSERT INTO task_run_logs (task_id, run_at, duration_ms, status, result, error)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.TaskID, entry.RunAt, entry.DurationMS, entry.Status, nullable(entry.Result), nullable(entry.Error),
	); err != nil {
		return fmt.Errorf("append task run log %s: %w", id, err)
	}
	return nil
}

// TaskRunLogs returns a task's run history, newest first.
func (s *Store) TaskRunLogs(taskID string) ([]TaskRunLog, error) {
	rows, err := s.db.Query(`
		SELECT task_id, run_at, duration_ms, status, result, error
		FROM task_run_logs WHERE task_id = ? ORDER BY run_at DESC`,
		taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("task run logs %s: %w", taskID, err)
	}
	defer rows.Close()

	var out []TaskRunLog
	for rows.Next() {
		var l TaskRunLog
		var result, errMsg sql.NullString
		if err := rows.Scan(&l.TaskID, &l.RunAt, &l.DurationMS, &l.Status, &result, &errMsg); err != nil {
			return nil, fmt.Errorf("scan task run log: %w", err)
		}
		l.Result = result.String
		l.Error = errMsg.String
		out = append(out, l)
	}
	return out, rows.Err()
}

const taskSelect = `
	SELECT id, folder, chat_id, prompt, schedule_kind, schedule_value, context_mode, next_run, last_run, last_result, status, created_at
	FROM scheduled_tasks`

func collectTasks(rows *sql.Rows) ([]ScheduledTask, error) {
	var out []ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (*ScheduledTask, error) {
	var t ScheduledTask
	var nextRun, lastRun, lastResult sql.NullString
	if err := row.Scan(&t.ID, &t.Folder, &t.ChatID, &t.Prompt, &t.ScheduleKind, &t.ScheduleValue, &t.ContextMode,
		&nextRun, &lastRun, &lastResult, &t.Status, &t.CreatedAt); err != nil {
		return nil, err
	}
	t.NextRun = nextRun.String
	t.LastRun = lastRun.String
	t.LastResult = lastResult.String
	return &t, nil
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
