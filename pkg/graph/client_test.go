package graph

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/topiary-ai/topiary/pkg/ai"
	"github.com/topiary-ai/topiary/pkg/store"
)

type fakeAIClient struct {
	lastPrompt string
	fill       func(out any)
	err        error
}

func (f *fakeAIClient) GenerateCompletion(ctx context.Context, prompt string, opts ...ai.GenerateOption) (string, error) {
	f.lastPrompt = prompt
	return "", f.err
}

func (f *fakeAIClient) GenerateCompletionWithFormat(ctx context.Context, name, description, prompt string, out any, opts ...ai.GenerateOption) error {
	f.lastPrompt = prompt
	if f.err != nil {
		return f.err
	}
	if f.fill != nil {
		f.fill(out)
	}
	return nil
}

func (f *fakeAIClient) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	return []float32{0.1, 0.2}, nil
}

func (f *fakeAIClient) ResetMetrics() {}

func (f *fakeAIClient) GetMetrics() ai.ModelMetrics {
	return ai.ModelMetrics{}
}

func TestGenerateCognitiveMap(t *testing.T) {
	fake := &fakeAIClient{fill: func(out any) {
		m := out.(*CognitiveMap)
		m.Summary = "A report about the Q3 supply chain."
		m.KeyEntities = []string{"Acme Corp"}
	}}
	client := NewClient(NewClientParams{AIClient: fake})

	got, err := client.GenerateCognitiveMap(context.Background(), "report.txt", "Acme Corp shipped parts in Q3.")
	if err != nil {
		t.Fatalf("GenerateCognitiveMap() error = %v", err)
	}
	if got.Summary == "" || got.KeyEntities[0] != "Acme Corp" {
		t.Fatalf("unexpected map: %+v", got)
	}
	if !strings.Contains(fake.lastPrompt, "report.txt") {
		t.Fatal("prompt should contain the document name")
	}
	if !strings.Contains(fake.lastPrompt, "Acme Corp shipped parts") {
		t.Fatal("prompt should contain the document content")
	}
}

func TestExtractGraph_DropsDanglingRelationships(t *testing.T) {
	fake := &fakeAIClient{fill: func(out any) {
		r := out.(*ExtractionResult)
		r.Entities = []ExtractedEntity{
			{Name: "Acme Corp", EntityType: "organization"},
			{Name: "Plant 7", EntityType: "facility"},
		}
		r.Relationships = []ExtractedRelationship{
			{Source: "Acme Corp", Target: "Plant 7", Description: "operates"},
			{Source: "Acme Corp", Target: "Ghost Entity", Description: "invented"},
		}
	}}
	client := NewClient(NewClientParams{AIClient: fake})

	got, err := client.ExtractGraph(context.Background(), "guidance", "content")
	if err != nil {
		t.Fatalf("ExtractGraph() error = %v", err)
	}
	if len(got.Relationships) != 1 {
		t.Fatalf("expected dangling relationship to be dropped, got %d relationships", len(got.Relationships))
	}
	if got.Relationships[0].Target != "Plant 7" {
		t.Fatalf("kept the wrong relationship: %+v", got.Relationships[0])
	}
}

func TestExtractGraph_CollaboratorError(t *testing.T) {
	fake := &fakeAIClient{err: errors.New("model overloaded")}
	client := NewClient(NewClientParams{AIClient: fake})

	if _, err := client.ExtractGraph(context.Background(), "guidance", "content"); err == nil {
		t.Fatal("expected error from collaborator")
	}
}

func TestGuidanceFromBlueprint(t *testing.T) {
	guidance := GuidanceFromBlueprint(&store.Blueprint{
		CanonicalEntities: []store.CanonicalEntity{
			{Name: "Acme Corp", EntityType: "organization", Aliases: []string{"ACME"}},
		},
		KeyPatterns:            []string{"supplier delivers component to plant"},
		ProcessingInstructions: "Normalize plant names.",
	})

	for _, want := range []string{"Acme Corp", "ACME", "supplier delivers", "Normalize plant names."} {
		if !strings.Contains(guidance, want) {
			t.Fatalf("guidance missing %q:\n%s", want, guidance)
		}
	}
}

func TestGuidanceFromBlueprint_Nil(t *testing.T) {
	guidance := GuidanceFromBlueprint(nil)
	if guidance == "" {
		t.Fatal("nil blueprint should still produce usable guidance")
	}
}
