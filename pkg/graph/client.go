package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/topiary-ai/topiary/pkg/ai"
	"github.com/topiary-ai/topiary/pkg/store"
)

const defaultMaxPromptTokens = 24000

// Client generates cognitive maps, blueprints, and graph extractions through
// an AI collaborator. It holds no connection state and is safe for
// concurrent use.
type Client struct {
	aiClient        ai.GraphAIClient
	maxPromptTokens int
}

// NewClientParams configures a graph Client.
type NewClientParams struct {
	AIClient ai.GraphAIClient

	// MaxPromptTokens bounds the document text placed into a single prompt.
	// Zero selects the default of 24000 tokens.
	MaxPromptTokens int
}

func NewClient(params NewClientParams) *Client {
	maxTokens := params.MaxPromptTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxPromptTokens
	}
	return &Client{
		aiClient:        params.AIClient,
		maxPromptTokens: maxTokens,
	}
}

// GenerateCognitiveMap builds the structured pre-analysis of one document.
func (c *Client) GenerateCognitiveMap(ctx context.Context, name, content string) (*CognitiveMap, error) {
	truncated, err := truncateTokens(content, c.maxPromptTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to truncate document %s: %w", name, err)
	}

	var out CognitiveMap
	err = c.aiClient.GenerateCompletionWithFormat(
		ctx,
		"cognitive_map",
		"Structured pre-analysis of a single document",
		fmt.Sprintf(ai.CognitiveMapPrompt, name, truncated),
		&out,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to generate cognitive map for %s: %w", name, err)
	}
	return &out, nil
}

// SynthesizeBlueprint merges per-document cognitive maps into a topic-level
// blueprint draft.
func (c *Client) SynthesizeBlueprint(ctx context.Context, topicName string, maps []CognitiveMap) (*BlueprintDraft, error) {
	rendered, err := renderCognitiveMaps(maps)
	if err != nil {
		return nil, err
	}

	var out BlueprintDraft
	err = c.aiClient.GenerateCompletionWithFormat(
		ctx,
		"analysis_blueprint",
		"Topic-level analysis blueprint synthesized from cognitive maps",
		fmt.Sprintf(ai.BlueprintPrompt, topicName, rendered),
		&out,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to synthesize blueprint for %s: %w", topicName, err)
	}
	return &out, nil
}

// ExtractGraph extracts entities and relationships from one document under
// the given blueprint guidance. Relationships referencing unknown entities
// are dropped rather than failing the extraction.
func (c *Client) ExtractGraph(ctx context.Context, guidance, content string) (*ExtractionResult, error) {
	truncated, err := truncateTokens(content, c.maxPromptTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to truncate document: %w", err)
	}

	var out ExtractionResult
	err = c.aiClient.GenerateCompletionWithFormat(
		ctx,
		"graph_extraction",
		"Entities and relationships extracted from a document",
		fmt.Sprintf(ai.ExtractionPrompt, guidance, truncated),
		&out,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to extract graph: %w", err)
	}

	known := make(map[string]bool, len(out.Entities))
	for _, e := range out.Entities {
		known[e.Name] = true
	}
	kept := out.Relationships[:0]
	for _, rel := range out.Relationships {
		if known[rel.Source] && known[rel.Target] {
			kept = append(kept, rel)
		}
	}
	out.Relationships = kept

	return &out, nil
}

// SummarizeMemory distills a chat transcript into a memory summary.
func (c *Client) SummarizeMemory(ctx context.Context, transcript string) (*MemorySummary, error) {
	truncated, err := truncateTokens(transcript, c.maxPromptTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to truncate transcript: %w", err)
	}

	var out MemorySummary
	err = c.aiClient.GenerateCompletionWithFormat(
		ctx,
		"memory_summary",
		"Personal-memory summary of a chat conversation",
		fmt.Sprintf(ai.MemorySummaryPrompt, truncated),
		&out,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to summarize memory: %w", err)
	}
	return &out, nil
}

// GuidanceFromBlueprint renders a blueprint into the plain-text guidance
// block placed into extraction prompts.
func GuidanceFromBlueprint(bp *store.Blueprint) string {
	if bp == nil {
		return "No blueprint available. Extract entities and relationships as they appear in the document."
	}

	var b strings.Builder
	if len(bp.CanonicalEntities) > 0 {
		b.WriteString("Canonical entities (use these names exactly):\n")
		for _, e := range bp.CanonicalEntities {
			b.WriteString("- ")
			b.WriteString(e.Name)
			if e.EntityType != "" {
				b.WriteString(" (")
				b.WriteString(e.EntityType)
				b.WriteString(")")
			}
			if len(e.Aliases) > 0 {
				b.WriteString(", aliases: ")
				b.WriteString(strings.Join(e.Aliases, ", "))
			}
			b.WriteString("\n")
		}
	}
	if len(bp.KeyPatterns) > 0 {
		b.WriteString("Key patterns to look for:\n")
		for _, p := range bp.KeyPatterns {
			b.WriteString("- ")
			b.WriteString(p)
			b.WriteString("\n")
		}
	}
	if bp.ProcessingInstructions != "" {
		b.WriteString("Instructions: ")
		b.WriteString(bp.ProcessingInstructions)
		b.WriteString("\n")
	}
	if b.Len() == 0 {
		return "No blueprint guidance. Extract entities and relationships as they appear in the document."
	}
	return b.String()
}

func renderCognitiveMaps(maps []CognitiveMap) (string, error) {
	var b strings.Builder
	for i, m := range maps {
		encoded, err := json.Marshal(m)
		if err != nil {
			return "", fmt.Errorf("failed to render cognitive map %d: %w", i, err)
		}
		b.WriteString(fmt.Sprintf("Document %d:\n", i+1))
		b.Write(encoded)
		b.WriteString("\n")
	}
	return b.String(), nil
}
