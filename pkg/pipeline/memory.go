package pipeline

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/topiary-ai/topiary/internal/util"
	"github.com/topiary-ai/topiary/pkg/fingerprint"
	"github.com/topiary-ai/topiary/pkg/graph"
	"github.com/topiary-ai/topiary/pkg/logger"
	"github.com/topiary-ai/topiary/pkg/store"
)

// MemoryGraphBuildTool turns a batch of chat turns into personal memory: a
// summarized knowledge block plus graph elements, all scoped to the user's
// memory topic. Resubmitting the same batch is a no-op.
type MemoryGraphBuildTool struct {
	store      Store
	graphs     GraphClient
	embedder   Embedder
	graphBuild Tool
	aiTimeout  time.Duration
}

// NewMemoryGraphBuildToolParams configures a MemoryGraphBuildTool.
// GraphBuild handles the delegated per-source graph construction and is
// normally the shared GraphBuildTool instance.
type NewMemoryGraphBuildToolParams struct {
	Store      Store
	Graphs     GraphClient
	Embedder   Embedder
	GraphBuild Tool

	AITimeout time.Duration
}

func NewMemoryGraphBuildTool(params NewMemoryGraphBuildToolParams) *MemoryGraphBuildTool {
	aiTimeout := params.AITimeout
	if aiTimeout <= 0 {
		aiTimeout = defaultAITimeout
	}
	return &MemoryGraphBuildTool{
		store:      params.Store,
		graphs:     params.Graphs,
		embedder:   params.Embedder,
		graphBuild: params.GraphBuild,
		aiTimeout:  aiTimeout,
	}
}

func (t *MemoryGraphBuildTool) Name() string {
	return "MemoryGraphBuildTool"
}

func (t *MemoryGraphBuildTool) Execute(ctx context.Context, req *Request) ToolResult {
	start := time.Now()
	executionID := util.MustNewID("exec")

	if req.UserID == "" {
		return failureResult(executionID, start, "user id is required for personal memory")
	}
	if len(req.Chats) == 0 {
		return failureResult(executionID, start, "chat batch is empty")
	}

	topicName := PersonalMemoryTopicPrefix + req.UserID

	hash, err := fingerprint.ChatBatch(req.Chats)
	if err != nil {
		return failureResult(executionID, start, fmt.Sprintf("failed to fingerprint chat batch: %v", err))
	}
	transcript := renderTranscript(req.Chats)

	err = t.store.UpsertContent(ctx, store.ContentEntry{
		Hash:        hash,
		Content:     transcript,
		ContentSize: int64(len(transcript)),
		ContentType: "text/chat",
		Name:        fmt.Sprintf("chat batch %s", time.Now().UTC().Format("2006-01-02")),
	})
	if err != nil {
		return failureResult(executionID, start, fmt.Sprintf("failed to store transcript: %v", err))
	}

	sd, reused, err := t.store.InsertSourceData(ctx, store.SourceData{
		ID:          util.MustNewID("sd"),
		Name:        "chat batch",
		TopicName:   topicName,
		ContentHash: hash,
		SourceKind:  SourceKindPersonalMemory,
		Status:      store.SourceStatusETLCompleted,
	})
	if err != nil {
		return failureResult(executionID, start, fmt.Sprintf("failed to register chat batch: %v", err))
	}
	if reused && !req.Force {
		logger.Info("[Memory] chat batch already ingested",
			"user_id", req.UserID, "source_data_id", sd.ID)
		return successResult(executionID, start, map[string]any{
			"source_data_id": sd.ID,
			"reused":         true,
		})
	}

	blueprintID, err := t.ensurePersonalBlueprint(ctx, topicName, hash, req.Force)
	if err != nil {
		return failureResult(executionID, start, fmt.Sprintf("failed to prepare memory blueprint: %v", err))
	}

	summary, err := util.RetryWithContext(ctx, defaultAIRetries, func(ctx context.Context) (*graph.MemorySummary, error) {
		callCtx, cancel := context.WithTimeout(ctx, t.aiTimeout)
		defer cancel()
		return t.graphs.SummarizeMemory(callCtx, transcript)
	})
	if err != nil {
		return failureResult(executionID, start, fmt.Sprintf("failed to summarize conversation: %v", err))
	}

	blockContent := summary.Summary
	if len(summary.KeyFacts) > 0 {
		blockContent += "\n\nKey facts:\n- " + strings.Join(summary.KeyFacts, "\n- ")
	}
	embedding, err := t.embedder.GenerateEmbedding(ctx, []byte(blockContent))
	if err != nil {
		return failureResult(executionID, start, fmt.Sprintf("failed to embed memory block: %v", err))
	}

	block := store.KnowledgeBlock{
		ID:            util.MustNewID("kb"),
		Name:          blockName(summary.Summary),
		KnowledgeType: SourceKindPersonalMemory,
		Content:       blockContent,
		ContentHash:   hash,
	}
	if err := t.store.InsertKnowledgeBlock(ctx, block, embedding, sd.ID); err != nil {
		return failureResult(executionID, start, fmt.Sprintf("failed to store memory block: %v", err))
	}

	buildResult := t.graphBuild.Execute(ctx, &Request{
		TopicName:     topicName,
		UserID:        req.UserID,
		SourceDataIDs: []string{sd.ID},
		Force:         req.Force,
		TaskID:        req.TaskID,
	})
	if !buildResult.Success {
		return failureResult(executionID, start, fmt.Sprintf("memory graph build failed: %s", buildResult.ErrorMessage))
	}

	logger.Info("[Memory] chat batch ingested",
		"user_id", req.UserID,
		"source_data_id", sd.ID,
		"block_id", block.ID,
		"blueprint_id", blueprintID,
	)

	return successResult(executionID, start, map[string]any{
		"source_data_id": sd.ID,
		"block_id":       block.ID,
		"blueprint_id":   blueprintID,
		"reused":         false,
		"graph":          buildResult.Data,
	})
}

// ensurePersonalBlueprint returns the user's memory blueprint, creating a
// default one on first contact. Memory blueprints are never AI-synthesized;
// they carry fixed extraction instructions. A forced request supersedes the
// active blueprint with a fresh one.
func (t *MemoryGraphBuildTool) ensurePersonalBlueprint(ctx context.Context, topicName, versionHash string, force bool) (string, error) {
	active, err := t.store.GetActiveBlueprint(ctx, topicName)
	if err == nil && !force {
		return active.ID, nil
	}
	if err != nil && err != store.ErrNotFound {
		return "", err
	}

	bp := store.Blueprint{
		ID:                     util.MustNewID("bp"),
		TopicName:              topicName,
		Status:                 store.BlueprintStatusGenerating,
		VersionHash:            versionHash,
		ProcessingInstructions: personalMemoryInstructions,
	}
	if err := t.store.InsertBlueprint(ctx, bp); err != nil {
		return "", err
	}
	if err := t.store.ActivateBlueprint(ctx, bp.ID); err != nil {
		return "", err
	}
	return bp.ID, nil
}

func renderTranscript(turns []fingerprint.ChatTurn) string {
	var b strings.Builder
	for _, turn := range turns {
		b.WriteString(turn.Role)
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n")
	}
	return b.String()
}

// blockName derives a short display name from the first sentence of the
// summary.
func blockName(summary string) string {
	name := summary
	if i := strings.IndexAny(name, ".!?\n"); i > 0 {
		name = name[:i]
	}
	name = strings.TrimSpace(name)
	if len(name) > 80 {
		name = name[:80]
	}
	if name == "" {
		return "memory block"
	}
	return name
}

const personalMemoryInstructions = "Extract facts about the user: preferences, " +
	"relationships, recurring activities, and stated plans. Use the user as the " +
	"central entity and connect extracted entities to them."
