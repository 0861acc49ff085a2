package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/topiary-ai/topiary/pkg/logger"
)

// Orchestrator resolves a pipeline for each request and runs its stages in
// order. Every stage is a barrier: a failed stage halts the run and the
// pipeline result preserves that stage's error.
type Orchestrator struct {
	store Store
	tools map[StageKey]Tool
}

// NewOrchestratorParams configures an Orchestrator. Tools maps each stage to
// its implementation; stages without a tool fail request validation.
type NewOrchestratorParams struct {
	Store Store
	Tools map[StageKey]Tool
}

func NewOrchestrator(params NewOrchestratorParams) *Orchestrator {
	return &Orchestrator{
		store: params.Store,
		tools: params.Tools,
	}
}

// Execute runs the pipeline for req. It returns an error only for requests
// rejected before any stage ran (unknown pipeline or stage, empty request,
// selection query failure). A run halted by a stage failure returns a
// result with Success=false and a nil error.
func (o *Orchestrator) Execute(ctx context.Context, req *Request) (*PipelineResult, error) {
	start := time.Now()

	name, stages, err := o.resolve(ctx, req)
	if err != nil {
		return nil, err
	}

	logger.Info("[Pipeline] starting run",
		"pipeline", name,
		"topic", req.TopicName,
		"items", req.ItemCount(),
		"task_id", req.TaskID,
	)

	result := &PipelineResult{
		Pipeline: name,
		Stages:   make([]StageResult, 0, len(stages)),
		Success:  true,
	}

	for _, stage := range stages {
		tool := o.tools[stage]
		stageResult := tool.Execute(ctx, req)
		result.Stages = append(result.Stages, StageResult{Stage: stage, Result: stageResult})

		if !stageResult.Success {
			result.Success = false
			result.Error = stageResult.ErrorMessage
			result.Duration = time.Since(start)
			logger.Error("[Pipeline] stage failed, halting run",
				"pipeline", name,
				"stage", stage,
				"error", stageResult.ErrorMessage,
			)
			return result, nil
		}

		// stages hand produced sources to their successors through the request
		if len(stageResult.SourceDataIDs) > 0 {
			req.SourceDataIDs = stageResult.SourceDataIDs
		}

		logger.Debug("[Pipeline] stage completed",
			"pipeline", name,
			"stage", stage,
			"duration", stageResult.Duration,
		)
	}

	result.Duration = time.Since(start)
	logger.Info("[Pipeline] run completed",
		"pipeline", name,
		"topic", req.TopicName,
		"duration", result.Duration,
	)
	return result, nil
}

// resolve picks the pipeline name and validates every stage before anything
// runs, so a request naming an unknown pipeline or stage fails fast instead
// of halting mid-run.
func (o *Orchestrator) resolve(ctx context.Context, req *Request) (string, []StageKey, error) {
	if len(req.Stages) > 0 {
		stages := append([]StageKey(nil), req.Stages...)
		if err := o.validateStages(stages); err != nil {
			return "", nil, err
		}
		return PipelineCustom, stages, nil
	}

	name := req.Pipeline
	if name == "" {
		topicExists := false
		if req.SourceKind == SourceKindDocument || req.SourceKind == "" {
			exists, err := o.store.TopicExists(ctx, req.TopicName)
			if err != nil {
				return "", nil, fmt.Errorf("failed to check topic %s: %w", req.TopicName, err)
			}
			topicExists = exists
		}

		selected, err := SelectPipeline(req, topicExists)
		if err != nil {
			return "", nil, err
		}
		name = selected
	}

	stages, err := ResolveStages(name)
	if err != nil {
		return "", nil, err
	}
	if err := o.validateStages(stages); err != nil {
		return "", nil, err
	}
	return name, stages, nil
}

func (o *Orchestrator) validateStages(stages []StageKey) error {
	for _, stage := range stages {
		if !stage.Valid() {
			return fmt.Errorf("%w: %q", ErrUnknownStage, stage)
		}
		if _, ok := o.tools[stage]; !ok {
			return fmt.Errorf("%w: no tool registered for %q", ErrUnknownStage, stage)
		}
	}
	return nil
}
