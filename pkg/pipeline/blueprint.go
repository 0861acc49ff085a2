package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/topiary-ai/topiary/internal/util"
	"github.com/topiary-ai/topiary/pkg/fingerprint"
	"github.com/topiary-ai/topiary/pkg/graph"
	"github.com/topiary-ai/topiary/pkg/leaselock"
	"github.com/topiary-ai/topiary/pkg/logger"
	"github.com/topiary-ai/topiary/pkg/store"
)

const (
	defaultAITimeout    = 120 * time.Second
	defaultAIRetries    = 2
	blueprintLeaseTTL   = 10 * time.Minute
	blueprintLeaseRenew = 4 * time.Minute

	cognitiveMapAttribute = "cognitive_map"
)

// GraphClient is the AI-facing surface the pipeline tools use. *graph.Client
// satisfies it.
type GraphClient interface {
	GenerateCognitiveMap(ctx context.Context, name, content string) (*graph.CognitiveMap, error)
	SynthesizeBlueprint(ctx context.Context, topicName string, maps []graph.CognitiveMap) (*graph.BlueprintDraft, error)
	ExtractGraph(ctx context.Context, guidance, content string) (*graph.ExtractionResult, error)
	SummarizeMemory(ctx context.Context, transcript string) (*graph.MemorySummary, error)
}

// Locker serializes blueprint generation per topic. *leaselock.Client
// satisfies it.
type Locker interface {
	WithLease(ctx context.Context, key string, opts leaselock.Options, fn func(ctx context.Context) error) error
}

// BlueprintGenerationTool synthesizes (or reuses) the topic's analysis
// blueprint. Concurrent runs for the same topic serialize on a database
// lease; the loser of the race usually finds a fresh blueprint with a
// matching version hash and reuses it.
type BlueprintGenerationTool struct {
	store     Store
	graphs    GraphClient
	locker    Locker
	parallel  int
	aiTimeout time.Duration
}

// NewBlueprintGenerationToolParams configures a BlueprintGenerationTool.
type NewBlueprintGenerationToolParams struct {
	Store  Store
	Graphs GraphClient
	Locker Locker

	ParallelItems int
	// AITimeout bounds each collaborator call. Zero selects 120s
	// (env AI_REQUEST_TIMEOUT at wiring time).
	AITimeout time.Duration
}

func NewBlueprintGenerationTool(params NewBlueprintGenerationToolParams) *BlueprintGenerationTool {
	parallel := params.ParallelItems
	if parallel <= 0 {
		parallel = defaultParallelItems
	}
	aiTimeout := params.AITimeout
	if aiTimeout <= 0 {
		aiTimeout = defaultAITimeout
	}
	return &BlueprintGenerationTool{
		store:     params.Store,
		graphs:    params.Graphs,
		locker:    params.Locker,
		parallel:  parallel,
		aiTimeout: aiTimeout,
	}
}

func (t *BlueprintGenerationTool) Name() string {
	return "BlueprintGenerationTool"
}

func (t *BlueprintGenerationTool) Execute(ctx context.Context, req *Request) ToolResult {
	start := time.Now()
	executionID := util.MustNewID("exec")

	if req.TopicName == "" {
		return failureResult(executionID, start, "topic name is required for blueprint generation")
	}

	var result ToolResult
	err := t.locker.WithLease(ctx, "blueprint:"+req.TopicName, leaselock.Options{
		TTL:        blueprintLeaseTTL,
		RenewEvery: blueprintLeaseRenew,
		Wait:       true,
	}, func(ctx context.Context) error {
		result = t.generate(ctx, req, executionID, start)
		return nil
	})
	if err != nil {
		return failureResult(executionID, start, fmt.Sprintf("failed to acquire blueprint lease for %s: %v", req.TopicName, err))
	}
	return result
}

func (t *BlueprintGenerationTool) generate(ctx context.Context, req *Request, executionID string, start time.Time) ToolResult {
	sources, err := t.store.ListTopicSourceData(ctx, req.TopicName)
	if err != nil {
		return failureResult(executionID, start, fmt.Sprintf("failed to list topic sources: %v", err))
	}
	sources = readySources(sources)
	if len(sources) == 0 {
		return failureResult(executionID, start, fmt.Sprintf("topic %s has no extracted sources", req.TopicName))
	}

	hashes := make([]string, len(sources))
	for i, sd := range sources {
		hashes[i] = sd.ContentHash
	}
	versionHash := fingerprint.Version(hashes)

	active, err := t.store.GetActiveBlueprint(ctx, req.TopicName)
	if err != nil && err != store.ErrNotFound {
		return failureResult(executionID, start, fmt.Sprintf("failed to load active blueprint: %v", err))
	}
	if active != nil && active.VersionHash == versionHash && !req.Force {
		logger.Info("[Blueprint] version unchanged, reusing",
			"topic", req.TopicName, "blueprint_id", active.ID)
		return successResult(executionID, start, map[string]any{
			"blueprint_id": active.ID,
			"version_hash": versionHash,
			"reused":       true,
		})
	}

	bp := store.Blueprint{
		ID:          util.MustNewID("bp"),
		TopicName:   req.TopicName,
		Status:      store.BlueprintStatusGenerating,
		VersionHash: versionHash,
	}
	for _, sd := range sources {
		bp.ContributingSourceDataIDs = append(bp.ContributingSourceDataIDs, sd.ID)
	}
	if err := t.store.InsertBlueprint(ctx, bp); err != nil {
		return failureResult(executionID, start, fmt.Sprintf("failed to create blueprint: %v", err))
	}

	failBlueprint := func(msg string) ToolResult {
		if err := t.store.FailBlueprint(ctx, bp.ID, msg); err != nil {
			logger.Error("[Blueprint] failed to mark blueprint failed", "blueprint_id", bp.ID, "error", err)
		}
		return failureResult(executionID, start, msg)
	}

	maps, mapped, mapErrs := t.ensureCognitiveMaps(ctx, req, sources)
	if len(maps) == 0 {
		return failBlueprint(fmt.Sprintf("all %d cognitive maps failed: %s", len(mapErrs), mapErrs[0]))
	}
	if len(mapErrs) > 0 {
		for _, msg := range mapErrs {
			logger.Warn("[Blueprint] cognitive map failed, continuing without it",
				"topic", req.TopicName, "error", msg)
		}
		// narrow the version to the sources that made it into the synthesis,
		// so the next run regenerates once the failed ones recover instead of
		// reusing a blueprint that never saw them
		hashes = hashes[:0]
		bp.ContributingSourceDataIDs = bp.ContributingSourceDataIDs[:0]
		for _, sd := range mapped {
			hashes = append(hashes, sd.ContentHash)
			bp.ContributingSourceDataIDs = append(bp.ContributingSourceDataIDs, sd.ID)
		}
		bp.VersionHash = fingerprint.Version(hashes)
	}

	draft, err := util.RetryWithContext(ctx, defaultAIRetries, func(ctx context.Context) (*graph.BlueprintDraft, error) {
		callCtx, cancel := context.WithTimeout(ctx, t.aiTimeout)
		defer cancel()
		return t.graphs.SynthesizeBlueprint(callCtx, req.TopicName, maps)
	})
	if err != nil {
		return failBlueprint(fmt.Sprintf("failed to synthesize blueprint: %v", err))
	}

	bp.CanonicalEntities = draft.CanonicalEntities
	bp.KeyPatterns = draft.KeyPatterns
	bp.GlobalTimeline = draft.GlobalTimeline
	bp.ProcessingInstructions = draft.ProcessingInstructions
	if err := t.store.UpdateBlueprintContent(ctx, bp); err != nil {
		return failBlueprint(fmt.Sprintf("failed to store blueprint content: %v", err))
	}
	if err := t.store.ActivateBlueprint(ctx, bp.ID); err != nil {
		return failBlueprint(fmt.Sprintf("failed to activate blueprint: %v", err))
	}

	logger.Info("[Blueprint] blueprint activated",
		"topic", req.TopicName,
		"blueprint_id", bp.ID,
		"sources", len(sources),
		"entities", len(bp.CanonicalEntities),
	)

	return successResult(executionID, start, map[string]any{
		"blueprint_id": bp.ID,
		"version_hash": bp.VersionHash,
		"reused":       false,
		"map_failures": len(mapErrs),
	})
}

// ensureCognitiveMaps returns one cognitive map per source, generating and
// persisting missing ones. Sources whose map generation fails are reported
// in the third return value and left out of the synthesis; the second return
// value lists the sources whose maps made it in.
func (t *BlueprintGenerationTool) ensureCognitiveMaps(ctx context.Context, req *Request, sources []store.SourceData) ([]graph.CognitiveMap, []store.SourceData, []string) {
	type mapResult struct {
		m   *graph.CognitiveMap
		err error
	}

	results := make([]mapResult, len(sources))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(t.parallel)
	for i, sd := range sources {
		g.Go(func() error {
			m, err := t.cognitiveMapFor(gctx, req, sd)
			results[i] = mapResult{m: m, err: err}
			return nil
		})
	}
	g.Wait()

	maps := make([]graph.CognitiveMap, 0, len(sources))
	mapped := make([]store.SourceData, 0, len(sources))
	var errs []string
	for i, r := range results {
		if r.err != nil {
			errs = append(errs, fmt.Sprintf("%s: %v", sources[i].Name, r.err))
			continue
		}
		maps = append(maps, *r.m)
		mapped = append(mapped, sources[i])
	}
	return maps, mapped, errs
}

func (t *BlueprintGenerationTool) cognitiveMapFor(ctx context.Context, req *Request, sd store.SourceData) (*graph.CognitiveMap, error) {
	if !req.Force {
		if cached, ok := decodeCognitiveMap(sd.Attributes); ok {
			return cached, nil
		}
	}

	entry, err := t.store.GetContent(ctx, sd.ContentHash)
	if err != nil {
		return nil, fmt.Errorf("failed to load content: %w", err)
	}

	m, err := util.RetryWithContext(ctx, defaultAIRetries, func(ctx context.Context) (*graph.CognitiveMap, error) {
		callCtx, cancel := context.WithTimeout(ctx, t.aiTimeout)
		defer cancel()
		return t.graphs.GenerateCognitiveMap(callCtx, sd.Name, entry.Content)
	})
	if err != nil {
		return nil, err
	}

	attrs := map[string]any{}
	for k, v := range sd.Attributes {
		attrs[k] = v
	}
	attrs[cognitiveMapAttribute] = m
	if err := t.store.SetSourceDataAttributes(ctx, sd.ID, attrs); err != nil {
		logger.Warn("[Blueprint] failed to cache cognitive map", "source_data_id", sd.ID, "error", err)
	}
	return m, nil
}

// decodeCognitiveMap reads a cached map from source attributes. Attributes
// loaded from the database hold generic JSON values, so decoding goes
// through a marshal round trip.
func decodeCognitiveMap(attrs map[string]any) (*graph.CognitiveMap, bool) {
	raw, ok := attrs[cognitiveMapAttribute]
	if !ok || raw == nil {
		return nil, false
	}
	if m, ok := raw.(*graph.CognitiveMap); ok {
		return m, true
	}
	encoded, err := json.Marshal(raw)
	if err != nil {
		return nil, false
	}
	var m graph.CognitiveMap
	if err := json.Unmarshal(encoded, &m); err != nil {
		return nil, false
	}
	return &m, true
}

func readySources(sources []store.SourceData) []store.SourceData {
	ready := sources[:0]
	for _, sd := range sources {
		switch sd.Status {
		case store.SourceStatusETLCompleted,
			store.SourceStatusGraphProcessing,
			store.SourceStatusGraphCompleted,
			store.SourceStatusGraphFailed:
			ready = append(ready, sd)
		}
	}
	return ready
}
