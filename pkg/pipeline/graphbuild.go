package pipeline

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/topiary-ai/topiary/internal/util"
	"github.com/topiary-ai/topiary/pkg/fingerprint"
	"github.com/topiary-ai/topiary/pkg/graph"
	"github.com/topiary-ai/topiary/pkg/logger"
	"github.com/topiary-ai/topiary/pkg/store"
)

// GraphBuildTool extracts entities and relationships from source data and
// persists them as graph elements. Each (source, blueprint) pair is built at
// most once: builds claim a mark before extracting and release it on failure
// so a retry can claim again. A forced request rebuilds even when the pair
// already carries a mark.
type GraphBuildTool struct {
	store     Store
	graphs    GraphClient
	embedder  Embedder
	parallel  int
	aiTimeout time.Duration
}

// NewGraphBuildToolParams configures a GraphBuildTool.
type NewGraphBuildToolParams struct {
	Store    Store
	Graphs   GraphClient
	Embedder Embedder

	ParallelItems int
	AITimeout     time.Duration
}

func NewGraphBuildTool(params NewGraphBuildToolParams) *GraphBuildTool {
	parallel := params.ParallelItems
	if parallel <= 0 {
		parallel = defaultParallelItems
	}
	aiTimeout := params.AITimeout
	if aiTimeout <= 0 {
		aiTimeout = defaultAITimeout
	}
	return &GraphBuildTool{
		store:     params.Store,
		graphs:    params.Graphs,
		embedder:  params.Embedder,
		parallel:  parallel,
		aiTimeout: aiTimeout,
	}
}

func (t *GraphBuildTool) Name() string {
	return "GraphBuildTool"
}

func (t *GraphBuildTool) Execute(ctx context.Context, req *Request) ToolResult {
	start := time.Now()
	executionID := util.MustNewID("exec")

	sourceIDs := append([]string(nil), req.SourceDataIDs...)
	if len(req.Texts) > 0 {
		ingested, err := t.ingestTexts(ctx, req)
		if err != nil {
			return failureResult(executionID, start, fmt.Sprintf("failed to ingest text: %v", err))
		}
		sourceIDs = append(sourceIDs, ingested...)
	}
	if len(sourceIDs) == 0 {
		return failureResult(executionID, start, "no source data to build")
	}

	// text-only topics build without a blueprint
	blueprintID := ""
	guidance := graph.GuidanceFromBlueprint(nil)
	bp, err := t.store.GetActiveBlueprint(ctx, req.TopicName)
	if err != nil && err != store.ErrNotFound {
		return failureResult(executionID, start, fmt.Sprintf("failed to load blueprint: %v", err))
	}
	if bp != nil {
		blueprintID = bp.ID
		guidance = graph.GuidanceFromBlueprint(bp)
	}

	results := make([]ItemResult, len(sourceIDs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.parallel)
	for i, id := range sourceIDs {
		g.Go(func() error {
			results[i] = t.buildOne(gctx, id, blueprintID, guidance, req.Force)
			return nil
		})
	}
	g.Wait()

	processed, skipped, failed := 0, 0, 0
	firstError := ""
	for _, r := range results {
		switch {
		case r.Error != "":
			failed++
			if firstError == "" {
				firstError = r.Error
			}
		case r.Skipped:
			skipped++
		default:
			processed++
		}
	}

	logger.Info("[GraphBuild] batch finished",
		"topic", req.TopicName,
		"blueprint_id", blueprintID,
		"processed", processed,
		"skipped", skipped,
		"failed", failed,
	)

	if processed == 0 && skipped == 0 {
		return failureResult(executionID, start, fmt.Sprintf("all %d graph builds failed: %s", failed, firstError))
	}

	result := successResult(executionID, start, map[string]any{
		"processed_count": processed,
		"skipped_count":   skipped,
		"failed_count":    failed,
		"blueprint_id":    blueprintID,
		"results":         results,
	})
	result.SourceDataIDs = sourceIDs
	return result
}

// ingestTexts registers direct text items as source data, skipping ETL. The
// content hash deduplicates repeated submissions within the topic.
func (t *GraphBuildTool) ingestTexts(ctx context.Context, req *Request) ([]string, error) {
	ids := make([]string, 0, len(req.Texts))
	for _, item := range req.Texts {
		hash := fingerprint.Content([]byte(item.Content))
		err := t.store.UpsertContent(ctx, store.ContentEntry{
			Hash:        hash,
			Content:     item.Content,
			ContentSize: int64(len(item.Content)),
			ContentType: "text/plain",
			Name:        item.Name,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to store text %s: %w", item.Name, err)
		}

		sd, reused, err := t.store.InsertSourceData(ctx, store.SourceData{
			ID:          util.MustNewID("sd"),
			Name:        item.Name,
			TopicName:   req.TopicName,
			ContentHash: hash,
			SourceKind:  SourceKindText,
			Status:      store.SourceStatusETLCompleted,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to register text %s: %w", item.Name, err)
		}
		if reused {
			logger.Debug("[GraphBuild] text already known", "topic", req.TopicName, "name", item.Name)
		}
		ids = append(ids, sd.ID)
	}
	return ids, nil
}

func (t *GraphBuildTool) buildOne(ctx context.Context, sourceDataID, blueprintID, guidance string, force bool) ItemResult {
	item := ItemResult{ID: sourceDataID, SourceDataID: sourceDataID}

	sd, err := t.store.GetSourceData(ctx, sourceDataID)
	if err != nil {
		item.Error = fmt.Sprintf("failed to load source data: %v", err)
		return item
	}

	claimed, err := t.store.MarkGraphBuilt(ctx, sd.ID, blueprintID)
	if err != nil {
		item.Error = fmt.Sprintf("failed to claim build: %v", err)
		return item
	}
	if !claimed && !force {
		item.Skipped = true
		logger.Debug("[GraphBuild] already built under this blueprint",
			"source_data_id", sd.ID, "blueprint_id", blueprintID)
		return item
	}
	if !claimed {
		logger.Info("[GraphBuild] forced rebuild over existing mark",
			"source_data_id", sd.ID, "blueprint_id", blueprintID)
	}

	fail := func(stage string, err error) ItemResult {
		item.Error = fmt.Sprintf("%s: %v", stage, err)
		if err := t.store.UnmarkGraphBuilt(ctx, sd.ID, blueprintID); err != nil {
			logger.Error("[GraphBuild] failed to release build claim", "source_data_id", sd.ID, "error", err)
		}
		if err := t.store.UpdateSourceDataStatus(ctx, sd.ID, store.SourceStatusGraphFailed); err != nil {
			logger.Error("[GraphBuild] failed to mark source failed", "source_data_id", sd.ID, "error", err)
		}
		return item
	}

	if err := t.store.UpdateSourceDataStatus(ctx, sd.ID, store.SourceStatusGraphProcessing); err != nil {
		return fail("failed to mark source processing", err)
	}

	entry, err := t.store.GetContent(ctx, sd.ContentHash)
	if err != nil {
		return fail("failed to load content", err)
	}

	extraction, err := util.RetryWithContext(ctx, defaultAIRetries, func(ctx context.Context) (*graph.ExtractionResult, error) {
		callCtx, cancel := context.WithTimeout(ctx, t.aiTimeout)
		defer cancel()
		return t.graphs.ExtractGraph(callCtx, guidance, entry.Content)
	})
	if err != nil {
		return fail("failed to extract graph", err)
	}

	if err := t.persistExtraction(ctx, sd, extraction); err != nil {
		return fail("failed to persist graph", err)
	}

	if err := t.store.UpdateSourceDataStatus(ctx, sd.ID, store.SourceStatusGraphCompleted); err != nil {
		return fail("failed to mark source completed", err)
	}
	return item
}

func (t *GraphBuildTool) persistExtraction(ctx context.Context, sd *store.SourceData, extraction *graph.ExtractionResult) error {
	entityIDs := make(map[string]string, len(extraction.Entities))
	for _, e := range extraction.Entities {
		embedding, err := t.embedder.GenerateEmbedding(ctx, []byte(e.Name+": "+e.Description))
		if err != nil {
			return fmt.Errorf("failed to embed entity %s: %w", e.Name, err)
		}

		id, err := t.store.UpsertEntity(ctx, store.Entity{
			ID:          util.MustNewID("ent"),
			TopicName:   sd.TopicName,
			Name:        e.Name,
			EntityType:  e.EntityType,
			Description: e.Description,
		}, embedding)
		if err != nil {
			return fmt.Errorf("failed to upsert entity %s: %w", e.Name, err)
		}
		entityIDs[e.Name] = id

		if err := t.store.LinkSourceGraphElement(ctx, sd.ID, id, "entity"); err != nil {
			return fmt.Errorf("failed to link entity %s: %w", e.Name, err)
		}
	}

	for _, rel := range extraction.Relationships {
		sourceID, okS := entityIDs[rel.Source]
		targetID, okT := entityIDs[rel.Target]
		if !okS || !okT {
			continue
		}

		relID := util.MustNewID("rel")
		err := t.store.InsertRelationship(ctx, store.Relationship{
			ID:             relID,
			SourceEntityID: sourceID,
			TargetEntityID: targetID,
			Description:    rel.Description,
		})
		if err != nil {
			return fmt.Errorf("failed to insert relationship %s -> %s: %w", rel.Source, rel.Target, err)
		}
		if err := t.store.LinkSourceGraphElement(ctx, sd.ID, relID, "relationship"); err != nil {
			return fmt.Errorf("failed to link relationship: %w", err)
		}
	}
	return nil
}
