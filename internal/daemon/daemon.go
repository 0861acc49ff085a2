// Package daemon polls the raw source table and pushes claimed uploads
// through the ingestion pipeline. It complements the queue-driven worker:
// rows land here when producers write to the database instead of publishing
// messages.
package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/topiary-ai/topiary/pkg/fingerprint"
	"github.com/topiary-ai/topiary/pkg/logger"
	"github.com/topiary-ai/topiary/pkg/pipeline"
	"github.com/topiary-ai/topiary/pkg/store"
	"github.com/topiary-ai/topiary/pkg/task"
)

const (
	defaultPollInterval = 10 * time.Second
	defaultReclaimAfter = 30 * time.Minute
	defaultBatchSize    = 16

	taskKindPipelineRun = "pipeline_run"
)

// Store is the raw source surface the daemon polls. *store.Store satisfies it.
type Store interface {
	ClaimUploadedSources(ctx context.Context, targetKind string, limit int) ([]store.RawSource, error)
	ReclaimStaleSources(ctx context.Context, staleAfter time.Duration) (int, error)
	UpdateRawSourceStatus(ctx context.Context, id, status string) error
	SetRawSourceError(ctx context.Context, id, errorMessage string) error
}

// Executor runs one pipeline request. *pipeline.Orchestrator satisfies it.
type Executor interface {
	Execute(ctx context.Context, req *pipeline.Request) (*pipeline.PipelineResult, error)
}

// Daemon claims uploaded raw sources and runs the pipeline for them. Claims
// are leases: rows stuck in processing are reset to uploaded after
// ReclaimAfter so a crashed run is picked up again.
type Daemon struct {
	store   Store
	bytes   pipeline.ByteStore
	tracker *task.Tracker
	exec    Executor

	pollInterval time.Duration
	reclaimAfter time.Duration
	batchSize    int
}

// NewDaemonParams configures a Daemon.
type NewDaemonParams struct {
	Store   Store
	Bytes   pipeline.ByteStore
	Tracker *task.Tracker
	Exec    Executor

	// PollInterval between claim rounds. Zero selects 10s
	// (env DAEMON_POLL_INTERVAL at wiring time).
	PollInterval time.Duration
	// ReclaimAfter is the claim lease duration. Zero selects 30m
	// (env DAEMON_RECLAIM_AFTER).
	ReclaimAfter time.Duration
	// BatchSize caps the rows claimed per round. Zero selects 16.
	BatchSize int
}

func NewDaemon(params NewDaemonParams) *Daemon {
	d := &Daemon{
		store:        params.Store,
		bytes:        params.Bytes,
		tracker:      params.Tracker,
		exec:         params.Exec,
		pollInterval: params.PollInterval,
		reclaimAfter: params.ReclaimAfter,
		batchSize:    params.BatchSize,
	}
	if d.pollInterval <= 0 {
		d.pollInterval = defaultPollInterval
	}
	if d.reclaimAfter <= 0 {
		d.reclaimAfter = defaultReclaimAfter
	}
	if d.batchSize <= 0 {
		d.batchSize = defaultBatchSize
	}
	return d
}

// Run polls until the context is canceled.
func (d *Daemon) Run(ctx context.Context) error {
	logger.Info("[Daemon] starting", "poll_interval", d.pollInterval, "reclaim_after", d.reclaimAfter)

	ticker := time.NewTicker(d.pollInterval)
	defer ticker.Stop()

	for {
		if _, err := d.RunOnce(ctx); err != nil {
			logger.Error("[Daemon] poll round failed", "err", err)
		}

		select {
		case <-ctx.Done():
			logger.Info("[Daemon] stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce performs one poll round: reclaim stale claims, then process newly
// claimed file and memory uploads. It returns the number of pipeline runs
// started.
func (d *Daemon) RunOnce(ctx context.Context) (int, error) {
	reclaimed, err := d.store.ReclaimStaleSources(ctx, d.reclaimAfter)
	if err != nil {
		return 0, fmt.Errorf("failed to reclaim stale sources: %w", err)
	}
	if reclaimed > 0 {
		logger.Warn("[Daemon] reclaimed stale claims", "count", reclaimed)
	}

	runs := 0

	n, err := d.processFileUploads(ctx)
	runs += n
	if err != nil {
		return runs, err
	}

	n, err = d.processMemoryUploads(ctx)
	runs += n
	if err != nil {
		return runs, err
	}

	return runs, nil
}

// processFileUploads claims document uploads and runs one pipeline per
// topic, so a multi-file drop into one topic becomes a single batch.
func (d *Daemon) processFileUploads(ctx context.Context) (int, error) {
	claimed, err := d.store.ClaimUploadedSources(ctx, store.TargetKindFiles, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim file uploads: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	byTopic := map[string][]store.RawSource{}
	for _, rs := range claimed {
		byTopic[rs.TopicName] = append(byTopic[rs.TopicName], rs)
	}

	runs := 0
	for topicName, sources := range byTopic {
		ids := make([]string, len(sources))
		for i, rs := range sources {
			ids[i] = rs.ID
		}

		logger.Info("[Daemon] claimed file uploads", "topic", topicName, "count", len(ids))
		d.runPipeline(ctx, topicName, len(ids), &pipeline.Request{
			TopicName:    topicName,
			SourceKind:   pipeline.SourceKindDocument,
			RawSourceIDs: ids,
		})
		runs++
	}
	return runs, nil
}

// processMemoryUploads claims personal-memory uploads. Each row's bytes hold
// a JSON chat batch; the owning user comes from the row metadata.
func (d *Daemon) processMemoryUploads(ctx context.Context) (int, error) {
	claimed, err := d.store.ClaimUploadedSources(ctx, store.TargetKindPersonalMemory, d.batchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to claim memory uploads: %w", err)
	}

	runs := 0
	for _, rs := range claimed {
		chats, userID, err := d.loadChatBatch(ctx, rs)
		if err != nil {
			logger.Error("[Daemon] dropping malformed memory upload", "raw_source_id", rs.ID, "err", err)
			if err := d.store.SetRawSourceError(ctx, rs.ID, err.Error()); err != nil {
				logger.Error("[Daemon] failed to record source error", "raw_source_id", rs.ID, "err", err)
			}
			continue
		}

		result := d.runPipeline(ctx, rs.TopicName, 1, &pipeline.Request{
			TopicName:  rs.TopicName,
			UserID:     userID,
			SourceKind: pipeline.SourceKindPersonalMemory,
			Chats:      chats,
		})

		if result != nil && result.Success {
			err = d.store.UpdateRawSourceStatus(ctx, rs.ID, store.RawStatusETLCompleted)
		} else {
			msg := "pipeline run failed"
			if result != nil && result.Error != "" {
				msg = result.Error
			}
			err = d.store.SetRawSourceError(ctx, rs.ID, msg)
		}
		if err != nil {
			logger.Error("[Daemon] failed to update memory upload", "raw_source_id", rs.ID, "err", err)
		}
		runs++
	}
	return runs, nil
}

func (d *Daemon) loadChatBatch(ctx context.Context, rs store.RawSource) ([]fingerprint.ChatTurn, string, error) {
	userID, _ := rs.Metadata["user_id"].(string)
	if userID == "" {
		return nil, "", fmt.Errorf("memory upload %s has no user_id", rs.ID)
	}

	data, err := d.bytes.GetContent(ctx, rs.ByteKey)
	if err != nil {
		return nil, "", fmt.Errorf("failed to load chat batch: %w", err)
	}

	var chats []fingerprint.ChatTurn
	if err := json.Unmarshal(data, &chats); err != nil {
		return nil, "", fmt.Errorf("failed to decode chat batch: %w", err)
	}
	if len(chats) == 0 {
		return nil, "", fmt.Errorf("memory upload %s is empty", rs.ID)
	}
	return chats, userID, nil
}

// runPipeline wraps one pipeline execution in a background task. Failures
// are recorded on the task; the daemon keeps polling either way.
func (d *Daemon) runPipeline(ctx context.Context, topicName string, itemCount int, req *pipeline.Request) *pipeline.PipelineResult {
	taskID, err := d.tracker.Create(ctx, taskKindPipelineRun, topicName, itemCount)
	if err != nil {
		logger.Error("[Daemon] failed to create task", "topic", topicName, "err", err)
		return nil
	}
	req.TaskID = taskID

	if err := d.tracker.MarkProcessing(ctx, taskID); err != nil {
		logger.Error("[Daemon] failed to mark task processing", "task_id", taskID, "err", err)
		return nil
	}

	result, err := d.exec.Execute(ctx, req)
	if err != nil {
		if markErr := d.tracker.MarkFailed(ctx, taskID, err.Error()); markErr != nil {
			logger.Error("[Daemon] failed to mark task failed", "task_id", taskID, "err", markErr)
		}
		return nil
	}

	if !result.Success {
		if markErr := d.tracker.MarkFailed(ctx, taskID, result.Error); markErr != nil {
			logger.Error("[Daemon] failed to mark task failed", "task_id", taskID, "err", markErr)
		}
		return result
	}

	if err := d.tracker.MarkCompleted(ctx, taskID, map[string]any{
		"pipeline":    result.Pipeline,
		"duration_ms": result.Duration.Milliseconds(),
	}); err != nil {
		logger.Error("[Daemon] failed to mark task completed", "task_id", taskID, "err", err)
	}
	return result
}
