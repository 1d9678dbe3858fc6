package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/normanking/switchboard/internal/classify"
	"github.com/normanking/switchboard/internal/route"
)

// ErrNotFound is returned by Get and Update for unknown task ids.
var ErrNotFound = errors.New("task not found")

// Status represents the persisted state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsValid checks if a Status is a known valid status.
func (s Status) IsValid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// Task is the persistent record of one request. It is created queued at the
// API boundary and mutated only by the orchestrator afterwards.
type Task struct {
	ID          string              `json:"id"`
	Prompt      string              `json:"prompt"`
	Files       []classify.FileRef  `json:"files,omitempty"`
	Preferences route.Preferences   `json:"preferences"`
	Status      Status              `json:"status"`
	Mode        route.Mode          `json:"mode,omitempty"`
	Category    classify.Category   `json:"category,omitempty"`
	Services    []string            `json:"services,omitempty"`
	Result      string              `json:"result,omitempty"`
	Error       string              `json:"error,omitempty"`
	CreatedAt   time.Time           `json:"created_at"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
	DurationMs  int64               `json:"duration_ms,omitempty"`
	Broadcast   []BroadcastResult   `json:"broadcast_results,omitempty"`
}

// BroadcastResult is the final outcome of one service's participation in a
// broadcast-all task. Appended exactly once when that service's stream
// terminates, never updated afterwards.
type BroadcastResult struct {
	Service       string    `json:"service"`
	Result        string    `json:"result,omitempty"`
	Error         string    `json:"error,omitempty"`
	FragmentCount int       `json:"fragment_count"`
	CompletedAt   time.Time `json:"completed_at"`
}

// Stats summarizes the stored tasks. Recomputed on demand; task volume is
// bounded, so a full aggregation per call is acceptable.
type Stats struct {
	Total         int              `json:"total"`
	ByStatus      map[Status]int   `json:"by_status"`
	AvgDurationMs float64          `json:"avg_duration_ms"`
}

// Create inserts a new task. A missing id is assigned; a missing status
// defaults to queued.
func (s *Store) Create(ctx context.Context, task *Task) error {
	if task.ID == "" {
		task.ID = uuid.New().String()
	}
	if task.Status == "" {
		task.Status = StatusQueued
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}

	files, err := json.Marshal(task.Files)
	if err != nil {
		return fmt.Errorf("marshal files: %w", err)
	}
	prefs, err := json.Marshal(task.Preferences)
	if err != nil {
		return fmt.Errorf("marshal preferences: %w", err)
	}

	query := `
		INSERT INTO tasks (
			id, prompt, files, preferences, status, mode, category,
			services, result, error, created_at, completed_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err = s.db.ExecContext(ctx, query,
		task.ID,
		task.Prompt,
		string(files),
		string(prefs),
		task.Status,
		task.Mode,
		task.Category,
		strings.Join(task.Services, ","),
		task.Result,
		task.Error,
		task.CreatedAt,
		task.CompletedAt,
		task.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("create task: %w", err)
	}
	return nil
}

// Update applies a partial update to a task. Allowed fields: status, mode,
// category, services, result, error, completed_at, duration_ms. The whole
// update is one statement, so readers never observe a half-written record.
func (s *Store) Update(ctx context.Context, id string, updates map[string]any) error {
	if len(updates) == 0 {
		return nil
	}

	allowed := map[string]string{
		"status":      "status",
		"mode":        "mode",
		"category":    "category",
		"services":    "services",
		"result":      "result",
		"error":       "error",
		"completedAt": "completed_at",
		"durationMs":  "duration_ms",
	}

	var setClauses []string
	var args []any
	for field, value := range updates {
		column, ok := allowed[field]
		if !ok {
			return fmt.Errorf("unknown task field %q", field)
		}
		if field == "services" {
			if names, ok := value.([]string); ok {
				value = strings.Join(names, ",")
			}
		}
		setClauses = append(setClauses, column+" = ?")
		args = append(args, value)
	}
	args = append(args, id)

	query := fmt.Sprintf("UPDATE tasks SET %s WHERE id = ?", strings.Join(setClauses, ", "))
	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("affected rows: %w", err)
	}
	if rows == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const taskColumns = `
	id, prompt, files, preferences, status, mode, category,
	services, result, error, created_at, completed_at, duration_ms
`

// Get retrieves a task by id, including its broadcast results.
func (s *Store) Get(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)

	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}

	broadcast, err := s.broadcastResults(ctx, id)
	if err != nil {
		return nil, err
	}
	task.Broadcast = broadcast
	return task, nil
}

// List returns tasks most-recent-first by creation time, optionally
// filtered by status. A limit <= 0 means no limit.
func (s *Store) List(ctx context.Context, status Status, limit int) ([]Task, error) {
	query := "SELECT " + taskColumns + " FROM tasks WHERE 1=1"
	var args []any
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY created_at DESC"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	tasks := []Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

// Delete removes a task. Deleting a nonexistent id is a no-op, not an
// error; callers only care that the record is gone.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM broadcast_results WHERE task_id = ?", id); err != nil {
		return fmt.Errorf("delete broadcast results: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, "DELETE FROM tasks WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return nil
}

// Clear removes all tasks, optionally filtered by status. Returns the
// number of tasks removed.
func (s *Store) Clear(ctx context.Context, status Status) (int, error) {
	var result sql.Result
	var err error
	if status != "" {
		if _, err = s.db.ExecContext(ctx,
			"DELETE FROM broadcast_results WHERE task_id IN (SELECT id FROM tasks WHERE status = ?)", status); err != nil {
			return 0, fmt.Errorf("clear broadcast results: %w", err)
		}
		result, err = s.db.ExecContext(ctx, "DELETE FROM tasks WHERE status = ?", status)
	} else {
		if _, err = s.db.ExecContext(ctx, "DELETE FROM broadcast_results"); err != nil {
			return 0, fmt.Errorf("clear broadcast results: %w", err)
		}
		result, err = s.db.ExecContext(ctx, "DELETE FROM tasks")
	}
	if err != nil {
		return 0, fmt.Errorf("clear tasks: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("affected rows: %w", err)
	}
	return int(rows), nil
}

// AppendBroadcastResult records one service's final outcome for a
// broadcast task. The primary key makes the append exactly-once: a second
// append for the same (task, service) pair is ignored, so concurrently
// completing units cannot double-record.
func (s *Store) AppendBroadcastResult(ctx context.Context, taskID string, result BroadcastResult) error {
	if result.CompletedAt.IsZero() {
		result.CompletedAt = time.Now().UTC()
	}
	query := `
		INSERT OR IGNORE INTO broadcast_results (
			task_id, service, result, error, fragment_count, completed_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := s.db.ExecContext(ctx, query,
		taskID,
		result.Service,
		result.Result,
		result.Error,
		result.FragmentCount,
		result.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("append broadcast result: %w", err)
	}
	return nil
}

// Stats aggregates counts by status and the average duration of completed
// tasks.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	stats := &Stats{ByStatus: make(map[Status]int)}

	rows, err := s.db.QueryContext(ctx, "SELECT status, COUNT(*) FROM tasks GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("aggregate statuses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.ByStatus[status] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	var avg sql.NullFloat64
	err = s.db.QueryRowContext(ctx,
		"SELECT AVG(duration_ms) FROM tasks WHERE status = ?", StatusCompleted).Scan(&avg)
	if err != nil {
		return nil, fmt.Errorf("aggregate duration: %w", err)
	}
	if avg.Valid {
		stats.AvgDurationMs = avg.Float64
	}
	return stats, nil
}

// scanner covers *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// scanTask reads one task row.
func scanTask(row scanner) (*Task, error) {
	task := &Task{}
	var files, prefs, services string
	var completedAt sql.NullTime

	err := row.Scan(
		&task.ID,
		&task.Prompt,
		&files,
		&prefs,
		&task.Status,
		&task.Mode,
		&task.Category,
		&services,
		&task.Result,
		&task.Error,
		&task.CreatedAt,
		&completedAt,
		&task.DurationMs,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(files), &task.Files); err != nil {
		return nil, fmt.Errorf("unmarshal files: %w", err)
	}
	if err := json.Unmarshal([]byte(prefs), &task.Preferences); err != nil {
		return nil, fmt.Errorf("unmarshal preferences: %w", err)
	}
	if services != "" {
		task.Services = strings.Split(services, ",")
	}
	if completedAt.Valid {
		task.CompletedAt = &completedAt.Time
	}
	return task, nil
}

// broadcastResults loads the append-only result list for a task, ordered
// by completion time.
func (s *Store) broadcastResults(ctx context.Context, taskID string) ([]BroadcastResult, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT service, result, error, fragment_count, completed_at
		FROM broadcast_results
		WHERE task_id = ?
		ORDER BY completed_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("load broadcast results: %w", err)
	}
	defer rows.Close()

	var results []BroadcastResult
	for rows.Next() {
		var r BroadcastResult
		if err := rows.Scan(&r.Service, &r.Result, &r.Error, &r.FragmentCount, &r.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan broadcast result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}
