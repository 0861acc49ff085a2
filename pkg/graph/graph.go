// Package graph turns document text into knowledge-graph fragments using an
// AI collaborator: per-document cognitive maps, topic blueprints, and
// entity/relationship extraction.
package graph

import (
	"github.com/topiary-ai/topiary/pkg/store"
)

// CognitiveMap is the structured pre-analysis of a single document, generated
// before blueprint synthesis and persisted on the source's attributes.
type CognitiveMap struct {
	Summary     string                `json:"summary" jsonschema_description:"A few sentences describing what the document is about"`
	KeyEntities []string              `json:"key_entities" jsonschema_description:"Most important named entities in the document"`
	Themes      []string              `json:"themes" jsonschema_description:"Recurring themes of the document"`
	Timeline    []store.TimelineEntry `json:"timeline" jsonschema_description:"Chronological events described by the document"`
}

// BlueprintDraft is the AI-synthesized body of an analysis blueprint.
type BlueprintDraft struct {
	CanonicalEntities      []store.CanonicalEntity `json:"canonical_entities" jsonschema_description:"Unified entities across all documents of the topic"`
	KeyPatterns            []string                `json:"key_patterns" jsonschema_description:"Recurring structures worth extracting"`
	GlobalTimeline         []store.TimelineEntry   `json:"global_timeline" jsonschema_description:"Merged topic-wide timeline"`
	ProcessingInstructions string                  `json:"processing_instructions" jsonschema_description:"Guidance for the extraction step"`
}

// ExtractedEntity is one graph node proposed by the extraction model.
type ExtractedEntity struct {
	Name        string `json:"name" jsonschema_description:"Entity name, canonical when the blueprint names it"`
	EntityType  string `json:"entity_type" jsonschema_description:"Entity type, e.g. person or organization"`
	Description string `json:"description" jsonschema_description:"One or two factual sentences grounded in the document"`
}

// ExtractedRelationship is one directed edge proposed by the extraction
// model. Source and Target reference entity names from the same result.
type ExtractedRelationship struct {
	Source      string `json:"source" jsonschema_description:"Name of the source entity"`
	Target      string `json:"target" jsonschema_description:"Name of the target entity"`
	Description string `json:"description" jsonschema_description:"How the source relates to the target"`
}

// ExtractionResult is the full graph fragment extracted from one document.
type ExtractionResult struct {
	Entities      []ExtractedEntity       `json:"entities"`
	Relationships []ExtractedRelationship `json:"relationships"`
}

// MemorySummary is the distilled personal-memory content of a chat batch.
type MemorySummary struct {
	Summary  string   `json:"summary" jsonschema_description:"Third-person summary of what the conversation reveals about the user"`
	KeyFacts []string `json:"key_facts" jsonschema_description:"Standalone facts extracted from the conversation"`
}
