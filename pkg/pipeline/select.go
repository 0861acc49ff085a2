package pipeline

import (
	"fmt"
)

// Registered pipeline names.
const (
	PipelineNewTopicBatch          = "new_topic_batch"
	PipelineSingleDocExistingTopic = "single_doc_existing_topic"
	PipelineBatchDocExistingTopic  = "batch_doc_existing_topic"
	PipelineTextToGraph            = "text_to_graph"
	PipelineMemoryDirectGraph      = "memory_direct_graph"
	PipelineMemorySingle           = "memory_single"
)

// PipelineCustom labels runs driven by an explicit stage list instead of a
// registered pipeline.
const PipelineCustom = "custom"

// Pipelines maps each pipeline name to its ordered stage list. Stages run as
// synchronous barriers in this order.
//
// A single document into an established topic skips blueprint generation:
// one new source does not shift the topic's shape, so the build runs under
// the active blueprint as-is.
var Pipelines = map[string][]StageKey{
	PipelineNewTopicBatch:          {StageETL, StageBlueprintGen, StageGraphBuild},
	PipelineSingleDocExistingTopic: {StageETL, StageGraphBuild},
	PipelineBatchDocExistingTopic:  {StageETL, StageBlueprintGen, StageGraphBuild},
	PipelineTextToGraph:            {StageGraphBuild},
	PipelineMemoryDirectGraph:      {StageMemoryGraphBuild},
	PipelineMemorySingle:           {StageMemoryGraphBuild},
}

// SelectPipeline picks the pipeline for a request. topicExists reports
// whether the topic already has a ready blueprint; it only matters for
// document requests.
//
// Document uploads into a topic without a blueprint always select
// new_topic_batch, regardless of count: a single founding document still
// needs the full blueprint synthesis a batch gets.
func SelectPipeline(req *Request, topicExists bool) (string, error) {
	if req.SourceKind == SourceKindPersonalMemory || len(req.Chats) > 0 {
		return PipelineMemoryDirectGraph, nil
	}

	if req.SourceKind == SourceKindText || (len(req.Texts) > 0 && len(req.RawSourceIDs) == 0) {
		if req.ItemCount() == 0 {
			return "", ErrEmptyRequest
		}
		return PipelineTextToGraph, nil
	}

	count := req.ItemCount()
	if count == 0 {
		return "", ErrEmptyRequest
	}

	if !topicExists {
		return PipelineNewTopicBatch, nil
	}
	if count == 1 {
		return PipelineSingleDocExistingTopic, nil
	}
	return PipelineBatchDocExistingTopic, nil
}

// ResolveStages validates a pipeline name against the registry and returns
// its stage list.
func ResolveStages(name string) ([]StageKey, error) {
	stages, ok := Pipelines[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownPipeline, name)
	}
	return stages, nil
}
