package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/topiary-ai/topiary/pkg/logger"
	"github.com/topiary-ai/topiary/pkg/pipeline"
	"github.com/topiary-ai/topiary/pkg/store"
	"github.com/topiary-ai/topiary/pkg/task"
)

// Executor runs one pipeline request. *pipeline.Orchestrator satisfies it.
type Executor interface {
	Execute(ctx context.Context, req *pipeline.Request) (*pipeline.PipelineResult, error)
}

// ProcessPipelineMessage runs one queued pipeline request and records the
// outcome on its background task. A returned error means the message should
// be retried; pipeline failures are terminal and recorded on the task
// instead, because the tools already retry their collaborator calls.
func ProcessPipelineMessage(ctx context.Context, orch Executor, tracker *task.Tracker, body []byte) error {
	var msg PipelineRequestMsg
	if err := json.Unmarshal(body, &msg); err != nil {
		return fmt.Errorf("failed to unmarshal pipeline message: %w", err)
	}
	msg.Request.TaskID = msg.TaskID

	if msg.TaskID != "" {
		err := tracker.MarkProcessing(ctx, msg.TaskID)
		switch {
		case err == nil:
		case errors.Is(err, store.ErrInvalidTransition):
			// redelivery of a task that already started; run it again
			logger.Warn("[Queue] task already transitioned, reprocessing", "task_id", msg.TaskID)
		case errors.Is(err, store.ErrNotFound):
			logger.Error("[Queue] task not found, dropping message", "task_id", msg.TaskID)
			return nil
		default:
			return fmt.Errorf("failed to mark task processing: %w", err)
		}
	}

	result, err := orch.Execute(ctx, &msg.Request)
	if err != nil {
		if msg.TaskID != "" {
			if markErr := tracker.MarkFailed(ctx, msg.TaskID, err.Error()); markErr != nil {
				logger.Error("[Queue] failed to mark task failed", "task_id", msg.TaskID, "err", markErr)
			}
		}
		// fail-fast rejections are permanent, infrastructure errors are not
		if errors.Is(err, pipeline.ErrUnknownPipeline) ||
			errors.Is(err, pipeline.ErrUnknownStage) ||
			errors.Is(err, pipeline.ErrEmptyRequest) {
			logger.Error("[Queue] request rejected", "task_id", msg.TaskID, "err", err)
			return nil
		}
		return err
	}

	if msg.TaskID == "" {
		return nil
	}

	if !result.Success {
		if markErr := tracker.MarkFailed(ctx, msg.TaskID, result.Error); markErr != nil {
			logger.Error("[Queue] failed to mark task failed", "task_id", msg.TaskID, "err", markErr)
		}
		return nil
	}

	summary := map[string]any{
		"pipeline":    result.Pipeline,
		"duration_ms": result.Duration.Milliseconds(),
	}
	if len(result.Stages) > 0 {
		summary["stages"] = summarizeStages(result.Stages)
	}
	if err := tracker.MarkCompleted(ctx, msg.TaskID, summary); err != nil {
		logger.Error("[Queue] failed to mark task completed", "task_id", msg.TaskID, "err", err)
	}
	return nil
}

func summarizeStages(stages []pipeline.StageResult) []map[string]any {
	out := make([]map[string]any, 0, len(stages))
	for _, sr := range stages {
		entry := map[string]any{
			"stage":       string(sr.Stage),
			"duration_ms": sr.Result.Duration.Milliseconds(),
		}
		for _, key := range []string{"processed_count", "failed_count", "skipped_count", "reused"} {
			if v, ok := sr.Result.Data[key]; ok {
				entry[key] = v
			}
		}
		out = append(out, entry)
	}
	return out
}
