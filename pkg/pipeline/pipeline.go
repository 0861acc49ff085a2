// Package pipeline orchestrates knowledge-graph ingestion: it selects a
// pipeline for each request, runs the pipeline's stages as synchronous
// barriers, and isolates per-item failures inside fan-out stages.
package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/topiary-ai/topiary/pkg/fingerprint"
	"github.com/topiary-ai/topiary/pkg/store"
)

// StageKey identifies a pipeline stage. The set is closed: requests naming a
// stage outside this enum are rejected before any stage runs.
type StageKey string

const (
	StageETL              StageKey = "etl"
	StageBlueprintGen     StageKey = "blueprint_gen"
	StageGraphBuild       StageKey = "graph_build"
	StageMemoryGraphBuild StageKey = "memory_graph_build"
)

// Valid reports whether k is a member of the closed stage enum.
func (k StageKey) Valid() bool {
	switch k {
	case StageETL, StageBlueprintGen, StageGraphBuild, StageMemoryGraphBuild:
		return true
	}
	return false
}

// Source kinds accepted by ingestion requests.
const (
	SourceKindDocument       = "document"
	SourceKindText           = "text"
	SourceKindPersonalMemory = "personal_memory"
)

// PersonalMemoryTopicPrefix scopes per-user memory topics.
const PersonalMemoryTopicPrefix = "personal_memory_"

var (
	// ErrUnknownPipeline rejects an explicit pipeline override that names no
	// registered pipeline.
	ErrUnknownPipeline = errors.New("pipeline: unknown pipeline")
	// ErrUnknownStage rejects a pipeline whose stage list contains a stage
	// with no registered tool.
	ErrUnknownStage = errors.New("pipeline: unknown stage")
	// ErrEmptyRequest rejects a request that carries nothing to ingest.
	ErrEmptyRequest = errors.New("pipeline: request has no items")
)

// TextItem is a named piece of raw text ingested without ETL.
type TextItem struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// Request is a typed ingestion request. Exactly one of RawSourceIDs, Texts,
// or Chats drives the pipeline; SourceDataIDs is filled by earlier stages (or
// by the caller for rebuild requests).
type Request struct {
	TopicName  string `json:"topic_name"`
	UserID     string `json:"user_id,omitempty"`
	SourceKind string `json:"source_kind,omitempty"`

	// Pipeline optionally overrides automatic selection. It must name a
	// registered pipeline.
	Pipeline string `json:"pipeline,omitempty"`
	// Stages optionally overrides selection with an explicit ordered stage
	// list. It takes precedence over Pipeline; every stage must be a member
	// of the stage enum and have a registered tool.
	Stages []StageKey `json:"stages,omitempty"`

	RawSourceIDs  []string               `json:"raw_source_ids,omitempty"`
	SourceDataIDs []string               `json:"source_data_ids,omitempty"`
	Texts         []TextItem             `json:"texts,omitempty"`
	Chats         []fingerprint.ChatTurn `json:"chats,omitempty"`

	// Force regenerates blueprints and memory blocks even when fingerprints
	// say the cached version is still valid.
	Force bool `json:"force,omitempty"`

	TaskID string `json:"task_id,omitempty"`
}

// ItemCount returns the number of items the request carries.
func (r *Request) ItemCount() int {
	if n := len(r.RawSourceIDs); n > 0 {
		return n
	}
	if n := len(r.SourceDataIDs); n > 0 {
		return n
	}
	if n := len(r.Texts); n > 0 {
		return n
	}
	if len(r.Chats) > 0 {
		return 1
	}
	return 0
}

// ToolResult is the uniform envelope every tool returns. Tools never panic
// through the orchestrator and never return Go errors: failures are captured
// in ErrorMessage with Success=false.
type ToolResult struct {
	Success      bool           `json:"success"`
	Data         map[string]any `json:"data,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	ExecutionID  string         `json:"execution_id"`
	Duration     time.Duration  `json:"duration"`

	// SourceDataIDs carries the source data a stage produced to its
	// successors. The orchestrator feeds it into the request of the next
	// stage.
	SourceDataIDs []string `json:"source_data_ids,omitempty"`
}

// ItemResult reports the outcome of one item inside a fan-out stage.
type ItemResult struct {
	ID           string `json:"id"`
	SourceDataID string `json:"source_data_id,omitempty"`
	Reused       bool   `json:"reused,omitempty"`
	Skipped      bool   `json:"skipped,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Tool is one pipeline stage. Implementations are stateless across calls;
// all per-run state lives in the request and the result.
type Tool interface {
	Name() string
	Execute(ctx context.Context, req *Request) ToolResult
}

// StageResult pairs a stage with its tool result.
type StageResult struct {
	Stage  StageKey   `json:"stage"`
	Result ToolResult `json:"result"`
}

// PipelineResult aggregates a full pipeline run. When a barrier stage fails,
// Error preserves that stage's error message verbatim and Stages contains
// everything that ran up to and including the failed stage.
type PipelineResult struct {
	Pipeline string        `json:"pipeline"`
	Stages   []StageResult `json:"stages"`
	Success  bool          `json:"success"`
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

func successResult(executionID string, start time.Time, data map[string]any) ToolResult {
	return ToolResult{
		Success:     true,
		Data:        data,
		ExecutionID: executionID,
		Duration:    time.Since(start),
	}
}

func failureResult(executionID string, start time.Time, errorMessage string) ToolResult {
	return ToolResult{
		Success:      false,
		ErrorMessage: errorMessage,
		ExecutionID:  executionID,
		Duration:     time.Since(start),
	}
}

// Store is the persistence surface the tools run against. *store.Store
// satisfies it; tests substitute an in-memory fake.
type Store interface {
	GetRawSources(ctx context.Context, ids []string) ([]store.RawSource, error)
	UpdateRawSourceStatus(ctx context.Context, id, status string) error
	SetRawSourceError(ctx context.Context, id, errorMessage string) error

	UpsertContent(ctx context.Context, entry store.ContentEntry) error
	GetContent(ctx context.Context, hash string) (*store.ContentEntry, error)
	InsertSourceData(ctx context.Context, sd store.SourceData) (*store.SourceData, bool, error)
	GetSourceData(ctx context.Context, id string) (*store.SourceData, error)
	ListTopicSourceData(ctx context.Context, topicName string) ([]store.SourceData, error)
	UpdateSourceDataStatus(ctx context.Context, id, status string) error
	SetSourceDataAttributes(ctx context.Context, id string, attributes map[string]any) error
	TopicExists(ctx context.Context, topicName string) (bool, error)

	GetActiveBlueprint(ctx context.Context, topicName string) (*store.Blueprint, error)
	InsertBlueprint(ctx context.Context, bp store.Blueprint) error
	UpdateBlueprintContent(ctx context.Context, bp store.Blueprint) error
	ActivateBlueprint(ctx context.Context, id string) error
	FailBlueprint(ctx context.Context, id, errorMessage string) error

	MarkGraphBuilt(ctx context.Context, sourceDataID, blueprintID string) (bool, error)
	UnmarkGraphBuilt(ctx context.Context, sourceDataID, blueprintID string) error
	UpsertEntity(ctx context.Context, entity store.Entity, embedding []float32) (string, error)
	InsertRelationship(ctx context.Context, rel store.Relationship) error
	LinkSourceGraphElement(ctx context.Context, sourceDataID, elementID, elementType string) error
	InsertKnowledgeBlock(ctx context.Context, block store.KnowledgeBlock, embedding []float32, sourceDataID string) error
}

// ByteStore reads raw uploaded bytes by key. internal/storage's S3 content
// store satisfies it.
type ByteStore interface {
	GetContent(ctx context.Context, key string) ([]byte, error)
}

// Extractor turns raw uploaded bytes into plain text.
type Extractor interface {
	Extract(ctx context.Context, filename string, data []byte) (string, error)
}

// Embedder produces vector embeddings for graph elements and memory blocks.
type Embedder interface {
	GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error)
}
