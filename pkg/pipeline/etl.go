package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/topiary-ai/topiary/internal/util"
	"github.com/topiary-ai/topiary/pkg/fingerprint"
	"github.com/topiary-ai/topiary/pkg/logger"
	"github.com/topiary-ai/topiary/pkg/store"
)

const defaultParallelItems = 4

// DocumentETLTool extracts plain text from uploaded raw sources and registers
// the result as deduplicated source data. Items fan out concurrently; one
// failed item does not stop the others.
type DocumentETLTool struct {
	store     Store
	bytes     ByteStore
	extractor Extractor
	parallel  int
}

// NewDocumentETLToolParams configures a DocumentETLTool.
type NewDocumentETLToolParams struct {
	Store     Store
	Bytes     ByteStore
	Extractor Extractor

	// ParallelItems bounds concurrent item processing. Zero selects the
	// default of 4 (env PIPELINE_PARALLEL_ITEMS at wiring time).
	ParallelItems int
}

func NewDocumentETLTool(params NewDocumentETLToolParams) *DocumentETLTool {
	parallel := params.ParallelItems
	if parallel <= 0 {
		parallel = defaultParallelItems
	}
	return &DocumentETLTool{
		store:     params.Store,
		bytes:     params.Bytes,
		extractor: params.Extractor,
		parallel:  parallel,
	}
}

func (t *DocumentETLTool) Name() string {
	return "DocumentETLTool"
}

func (t *DocumentETLTool) Execute(ctx context.Context, req *Request) ToolResult {
	start := time.Now()
	executionID := util.MustNewID("exec")

	if len(req.RawSourceIDs) == 0 {
		return failureResult(executionID, start, "no raw sources to process")
	}

	raws, err := t.store.GetRawSources(ctx, req.RawSourceIDs)
	if err != nil {
		return failureResult(executionID, start, fmt.Sprintf("failed to load raw sources: %v", err))
	}
	if len(raws) == 0 {
		return failureResult(executionID, start, "no raw sources found for the given ids")
	}

	results := make([]ItemResult, len(raws))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.parallel)
	for i, rs := range raws {
		g.Go(func() error {
			results[i] = t.processOne(gctx, req, rs)
			return nil
		})
	}
	g.Wait()

	sourceDataIDs := make([]string, 0, len(results))
	processed, failed, reusedCount := 0, 0, 0
	firstError := ""
	for _, r := range results {
		if r.Error != "" {
			failed++
			if firstError == "" {
				firstError = r.Error
			}
			continue
		}
		processed++
		if r.Reused {
			reusedCount++
		}
		sourceDataIDs = append(sourceDataIDs, r.SourceDataID)
	}

	logger.Info("[ETL] batch finished",
		"topic", req.TopicName,
		"processed", processed,
		"failed", failed,
		"reused", reusedCount,
	)

	if processed == 0 {
		return failureResult(executionID, start, fmt.Sprintf("all %d sources failed extraction: %s", failed, firstError))
	}

	result := successResult(executionID, start, map[string]any{
		"processed_count": processed,
		"failed_count":    failed,
		"reused_count":    reusedCount,
		"source_data_ids": sourceDataIDs,
		"results":         results,
	})
	result.SourceDataIDs = sourceDataIDs
	return result
}

func (t *DocumentETLTool) processOne(ctx context.Context, req *Request, rs store.RawSource) ItemResult {
	item := ItemResult{ID: rs.ID}

	fail := func(stage string, err error) ItemResult {
		item.Error = fmt.Sprintf("%s: %v", stage, err)
		if err := t.store.SetRawSourceError(ctx, rs.ID, item.Error); err != nil {
			logger.Error("[ETL] failed to record source error", "raw_source_id", rs.ID, "error", err)
		}
		return item
	}

	if err := t.store.UpdateRawSourceStatus(ctx, rs.ID, store.RawStatusETLProcessing); err != nil {
		return fail("failed to mark source processing", err)
	}

	data, err := t.bytes.GetContent(ctx, rs.ByteKey)
	if err != nil {
		return fail("failed to load bytes", err)
	}

	text, err := t.extractor.Extract(ctx, rs.OriginalFilename, data)
	if err != nil {
		return fail("failed to extract text", err)
	}

	hash := fingerprint.Content([]byte(text))
	err = t.store.UpsertContent(ctx, store.ContentEntry{
		Hash:        hash,
		Content:     text,
		ContentSize: int64(len(text)),
		ContentType: "text/plain",
		Name:        rs.OriginalFilename,
	})
	if err != nil {
		return fail("failed to store content", err)
	}

	sd, reused, err := t.store.InsertSourceData(ctx, store.SourceData{
		ID:          util.MustNewID("sd"),
		Name:        rs.OriginalFilename,
		TopicName:   rs.TopicName,
		RawSourceID: rs.ID,
		ContentHash: hash,
		SourceKind:  SourceKindDocument,
		Status:      store.SourceStatusETLCompleted,
	})
	if err != nil {
		return fail("failed to register source data", err)
	}

	if err := t.store.UpdateRawSourceStatus(ctx, rs.ID, store.RawStatusETLCompleted); err != nil {
		return fail("failed to mark source completed", err)
	}

	item.SourceDataID = sd.ID
	item.Reused = reused
	if reused {
		logger.Debug("[ETL] content already known, reusing source data",
			"topic", rs.TopicName, "source_data_id", sd.ID)
	}
	return item
}
