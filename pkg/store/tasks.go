package store

import (
	"context"
	"errors"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"
)

// Task statuses. Transitions are monotonic; the SQL guards enforce the legal
// predecessor so a late writer can never move a task backwards.
const (
	TaskStatusQueued     = "queued"
	TaskStatusProcessing = "processing"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

// ErrInvalidTransition is returned when a task status update would violate
// the queued -> processing -> completed|failed order.
var ErrInvalidTransition = errors.New("store: invalid task status transition")

// CreateTask inserts a new background task in status queued.
func (s *Store) CreateTask(ctx context.Context, task BackgroundTask) error {
	_, err := s.conn.Exec(ctx, createTaskSQL,
		task.ID,
		task.TaskKind,
		task.TopicName,
		TaskStatusQueued,
		task.ItemCount,
	)
	if err != nil {
		return fmt.Errorf("failed to create task: %w", err)
	}
	return nil
}

// GetTask loads a background task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*BackgroundTask, error) {
	var t BackgroundTask
	err := s.conn.QueryRow(ctx, getTaskSQL, id).Scan(
		&t.ID, &t.TaskKind, &t.TopicName, &t.Status, &t.ItemCount,
		&t.Result, &t.ErrorMessage, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get task %s: %w", id, err)
	}
	return &t, nil
}

// MarkTaskProcessing moves a queued task to processing.
func (s *Store) MarkTaskProcessing(ctx context.Context, id string) error {
	return s.transitionTask(ctx, markTaskProcessingSQL, id)
}

// MarkTaskCompleted moves a processing task to completed and stores the result.
func (s *Store) MarkTaskCompleted(ctx context.Context, id string, result map[string]any) error {
	tag, err := s.conn.Exec(ctx, markTaskCompletedSQL, id, result)
	if err != nil {
		return fmt.Errorf("failed to complete task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, id)
	}
	return nil
}

// MarkTaskFailed moves a processing task to failed with the error message.
func (s *Store) MarkTaskFailed(ctx context.Context, id, errorMessage string) error {
	tag, err := s.conn.Exec(ctx, markTaskFailedSQL, id, errorMessage)
	if err != nil {
		return fmt.Errorf("failed to fail task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, id)
	}
	return nil
}

func (s *Store) transitionTask(ctx context.Context, sql, id string) error {
	tag, err := s.conn.Exec(ctx, sql, id)
	if err != nil {
		return fmt.Errorf("failed to transition task %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return s.transitionFailure(ctx, id)
	}
	return nil
}

// transitionFailure distinguishes "task does not exist" from "task exists but
// is in the wrong state" after a guarded update matched no row.
func (s *Store) transitionFailure(ctx context.Context, id string) error {
	if _, err := s.GetTask(ctx, id); err != nil {
		return err
	}
	return ErrInvalidTransition
}

const createTaskSQL = `
INSERT INTO background_tasks (id, task_kind, topic_name, status, item_count)
VALUES ($1, $2, $3, $4, $5);
`

const getTaskSQL = `
SELECT id, task_kind, topic_name, status, item_count, result, COALESCE(error_message, ''), created_at, updated_at
FROM background_tasks
WHERE id = $1;
`

const markTaskProcessingSQL = `
UPDATE background_tasks
SET status = 'processing', updated_at = now()
WHERE id = $1 AND status = 'queued';
`

const markTaskCompletedSQL = `
UPDATE background_tasks
SET status = 'completed', result = $2, updated_at = now()
WHERE id = $1 AND status = 'processing';
`

const markTaskFailedSQL = `
UPDATE background_tasks
SET status = 'failed', error_message = $2, updated_at = now()
WHERE id = $1 AND status = 'processing';
`
