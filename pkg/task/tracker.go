// Package task tracks the lifecycle of asynchronous pipeline runs.
// Task statuses move in one direction only:
// queued -> processing -> completed|failed.
package task

import (
	"context"
	"fmt"

	"github.com/topiary-ai/topiary/internal/util"
	"github.com/topiary-ai/topiary/pkg/logger"
	"github.com/topiary-ai/topiary/pkg/store"
)

// Store is the persistence surface the tracker needs. *store.Store satisfies it.
type Store interface {
	CreateTask(ctx context.Context, task store.BackgroundTask) error
	GetTask(ctx context.Context, id string) (*store.BackgroundTask, error)
	MarkTaskProcessing(ctx context.Context, id string) error
	MarkTaskCompleted(ctx context.Context, id string, result map[string]any) error
	MarkTaskFailed(ctx context.Context, id, errorMessage string) error
}

// Tracker creates background tasks and walks them through their lifecycle.
type Tracker struct {
	store Store
}

func NewTracker(s Store) *Tracker {
	return &Tracker{store: s}
}

// CanTransition reports whether a task may move from one status to another.
// Terminal statuses (completed, failed) have no successors.
func CanTransition(from, to string) bool {
	switch from {
	case store.TaskStatusQueued:
		return to == store.TaskStatusProcessing
	case store.TaskStatusProcessing:
		return to == store.TaskStatusCompleted || to == store.TaskStatusFailed
	default:
		return false
	}
}

// Create registers a new queued task and returns its id.
func (t *Tracker) Create(ctx context.Context, taskKind, topicName string, itemCount int) (string, error) {
	id, err := util.NewID("task")
	if err != nil {
		return "", err
	}

	err = t.store.CreateTask(ctx, store.BackgroundTask{
		ID:        id,
		TaskKind:  taskKind,
		TopicName: topicName,
		ItemCount: itemCount,
	})
	if err != nil {
		return "", fmt.Errorf("failed to create task: %w", err)
	}

	logger.Info("[Task] Created", "task_id", id, "kind", taskKind, "topic", topicName, "items", itemCount)
	return id, nil
}

// MarkProcessing moves a queued task to processing.
func (t *Tracker) MarkProcessing(ctx context.Context, id string) error {
	if err := t.store.MarkTaskProcessing(ctx, id); err != nil {
		return err
	}
	logger.Debug("[Task] Processing", "task_id", id)
	return nil
}

// MarkCompleted moves a processing task to completed with its result payload.
func (t *Tracker) MarkCompleted(ctx context.Context, id string, result map[string]any) error {
	if err := t.store.MarkTaskCompleted(ctx, id, result); err != nil {
		return err
	}
	logger.Info("[Task] Completed", "task_id", id)
	return nil
}

// MarkFailed moves a processing task to failed with the error message.
func (t *Tracker) MarkFailed(ctx context.Context, id, errorMessage string) error {
	if err := t.store.MarkTaskFailed(ctx, id, errorMessage); err != nil {
		return err
	}
	logger.Warn("[Task] Failed", "task_id", id, "err", errorMessage)
	return nil
}

// Get returns the current state of a task.
func (t *Tracker) Get(ctx context.Context, id string) (*store.BackgroundTask, error) {
	return t.store.GetTask(ctx, id)
}
