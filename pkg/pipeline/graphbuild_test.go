package pipeline

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/topiary-ai/topiary/pkg/graph"
	"github.com/topiary-ai/topiary/pkg/store"
)

func newGraphBuildFixture() (*fakeStore, *fakeGraphClient, *fakeEmbedder, *GraphBuildTool) {
	st := newFakeStore()
	graphs := &fakeGraphClient{}
	embedder := &fakeEmbedder{}
	tool := NewGraphBuildTool(NewGraphBuildToolParams{
		Store:    st,
		Graphs:   graphs,
		Embedder: embedder,
	})
	return st, graphs, embedder, tool
}

func TestGraphBuild_PersistsEntitiesAndRelationships(t *testing.T) {
	st, _, embedder, tool := newGraphBuildFixture()
	st.addReadyBlueprint("bp_1", "supply-chain", "v1")
	st.addSourceData("sd_1", "supply-chain", "hash_a", "doc a", store.SourceStatusETLCompleted)

	result := tool.Execute(context.Background(), &Request{
		TopicName:     "supply-chain",
		SourceDataIDs: []string{"sd_1"},
	})
	if !result.Success {
		t.Fatalf("expected success, got %q", result.ErrorMessage)
	}
	if result.Data["processed_count"] != 1 {
		t.Fatalf("unexpected counts: %v", result.Data)
	}
	if len(st.entities) != 2 {
		t.Fatalf("expected 2 entities, got %d", len(st.entities))
	}
	if len(st.relationships) != 1 {
		t.Fatalf("expected 1 relationship, got %d", len(st.relationships))
	}
	if embedder.calls != 2 {
		t.Fatalf("every entity needs an embedding, calls = %d", embedder.calls)
	}
	if st.sourceData["sd_1"].Status != store.SourceStatusGraphCompleted {
		t.Fatalf("source status = %q", st.sourceData["sd_1"].Status)
	}
	if len(st.links["sd_1"]) != 3 {
		t.Fatalf("expected 3 provenance links, got %v", st.links["sd_1"])
	}
}

func TestGraphBuild_AtMostOncePerBlueprint(t *testing.T) {
	st, graphs, _, tool := newGraphBuildFixture()
	st.addReadyBlueprint("bp_1", "supply-chain", "v1")
	st.addSourceData("sd_1", "supply-chain", "hash_a", "doc a", store.SourceStatusETLCompleted)

	req := &Request{TopicName: "supply-chain", SourceDataIDs: []string{"sd_1"}}

	first := tool.Execute(context.Background(), req)
	if !first.Success {
		t.Fatalf("first run failed: %q", first.ErrorMessage)
	}

	second := tool.Execute(context.Background(), req)
	if !second.Success {
		t.Fatalf("second run failed: %q", second.ErrorMessage)
	}
	if second.Data["skipped_count"] != 1 || second.Data["processed_count"] != 0 {
		t.Fatalf("replay must skip the built source, got %v", second.Data)
	}
	if graphs.extractCalls != 1 {
		t.Fatalf("extraction must run once, got %d", graphs.extractCalls)
	}
}

func TestGraphBuild_ForceRebuildsBuiltSource(t *testing.T) {
	st, graphs, _, tool := newGraphBuildFixture()
	st.addReadyBlueprint("bp_1", "supply-chain", "v1")
	st.addSourceData("sd_1", "supply-chain", "hash_a", "doc a", store.SourceStatusETLCompleted)

	first := tool.Execute(context.Background(), &Request{
		TopicName:     "supply-chain",
		SourceDataIDs: []string{"sd_1"},
	})
	if !first.Success {
		t.Fatalf("first run failed: %q", first.ErrorMessage)
	}

	forced := tool.Execute(context.Background(), &Request{
		TopicName:     "supply-chain",
		SourceDataIDs: []string{"sd_1"},
		Force:         true,
	})
	if !forced.Success {
		t.Fatalf("forced run failed: %q", forced.ErrorMessage)
	}
	if forced.Data["processed_count"] != 1 || forced.Data["skipped_count"] != 0 {
		t.Fatalf("forced run must rebuild, not skip, got %v", forced.Data)
	}
	if graphs.extractCalls != 2 {
		t.Fatalf("forced run must extract again, got %d calls", graphs.extractCalls)
	}
	if !st.marks["sd_1|bp_1"] {
		t.Fatal("forced rebuild keeps the build mark")
	}
	if st.sourceData["sd_1"].Status != store.SourceStatusGraphCompleted {
		t.Fatalf("source status = %q", st.sourceData["sd_1"].Status)
	}
}

func TestGraphBuild_NewBlueprintBuildsAgain(t *testing.T) {
	st, graphs, _, tool := newGraphBuildFixture()
	st.addReadyBlueprint("bp_1", "supply-chain", "v1")
	st.addSourceData("sd_1", "supply-chain", "hash_a", "doc a", store.SourceStatusETLCompleted)

	req := &Request{TopicName: "supply-chain", SourceDataIDs: []string{"sd_1"}}
	if result := tool.Execute(context.Background(), req); !result.Success {
		t.Fatalf("first run failed: %q", result.ErrorMessage)
	}

	// a regenerated blueprint opens a new (source, blueprint) pair
	st.addReadyBlueprint("bp_2", "supply-chain", "v2")

	second := tool.Execute(context.Background(), req)
	if !second.Success {
		t.Fatalf("second run failed: %q", second.ErrorMessage)
	}
	if second.Data["processed_count"] != 1 {
		t.Fatalf("new blueprint must rebuild, got %v", second.Data)
	}
	if graphs.extractCalls != 2 {
		t.Fatalf("expected 2 extractions, got %d", graphs.extractCalls)
	}
}

func TestGraphBuild_PartialFailureIsolated(t *testing.T) {
	st, graphs, _, tool := newGraphBuildFixture()
	st.addReadyBlueprint("bp_1", "supply-chain", "v1")
	st.addSourceData("sd_1", "supply-chain", "hash_a", "doc a", store.SourceStatusETLCompleted)
	st.addSourceData("sd_2", "supply-chain", "hash_b", "poison doc", store.SourceStatusETLCompleted)
	st.addSourceData("sd_3", "supply-chain", "hash_c", "doc c", store.SourceStatusETLCompleted)

	graphs.extractFn = func(guidance, content string) (*graph.ExtractionResult, error) {
		if strings.Contains(content, "poison") {
			return nil, errors.New("model refused")
		}
		return &graph.ExtractionResult{
			Entities: []graph.ExtractedEntity{{Name: "Acme Corp", EntityType: "organization"}},
		}, nil
	}

	result := tool.Execute(context.Background(), &Request{
		TopicName:     "supply-chain",
		SourceDataIDs: []string{"sd_1", "sd_2", "sd_3"},
	})
	if !result.Success {
		t.Fatalf("partial failure must not fail the stage, got %q", result.ErrorMessage)
	}
	if result.Data["processed_count"] != 2 || result.Data["failed_count"] != 1 {
		t.Fatalf("unexpected counts: %v", result.Data)
	}
	if st.sourceData["sd_2"].Status != store.SourceStatusGraphFailed {
		t.Fatalf("failed source status = %q", st.sourceData["sd_2"].Status)
	}
	// the failed claim is released so a retry can run
	if st.marks["sd_2|bp_1"] {
		t.Fatal("failed build must release its claim")
	}
	if !st.marks["sd_1|bp_1"] || !st.marks["sd_3|bp_1"] {
		t.Fatal("successful builds keep their claims")
	}
}

func TestGraphBuild_FailedBuildRetries(t *testing.T) {
	st, graphs, _, tool := newGraphBuildFixture()
	st.addReadyBlueprint("bp_1", "supply-chain", "v1")
	st.addSourceData("sd_1", "supply-chain", "hash_a", "doc a", store.SourceStatusETLCompleted)

	graphs.extractFn = func(guidance, content string) (*graph.ExtractionResult, error) {
		return nil, errors.New("model overloaded")
	}
	req := &Request{TopicName: "supply-chain", SourceDataIDs: []string{"sd_1"}}
	if result := tool.Execute(context.Background(), req); result.Success {
		t.Fatal("expected failure")
	}

	graphs.extractFn = nil
	second := tool.Execute(context.Background(), req)
	if !second.Success {
		t.Fatalf("retry after failure must build, got %q", second.ErrorMessage)
	}
	if second.Data["processed_count"] != 1 {
		t.Fatalf("unexpected counts: %v", second.Data)
	}
	if st.sourceData["sd_1"].Status != store.SourceStatusGraphCompleted {
		t.Fatalf("source status = %q", st.sourceData["sd_1"].Status)
	}
}

func TestGraphBuild_TextWithoutBlueprint(t *testing.T) {
	st, _, _, tool := newGraphBuildFixture()

	result := tool.Execute(context.Background(), &Request{
		TopicName: "notes",
		Texts:     []TextItem{{Name: "note 1", Content: "Acme Corp operates Plant 7."}},
	})
	if !result.Success {
		t.Fatalf("expected success, got %q", result.ErrorMessage)
	}
	if result.Data["blueprint_id"] != "" {
		t.Fatalf("text topic has no blueprint, got %v", result.Data["blueprint_id"])
	}
	if len(st.entities) != 2 {
		t.Fatalf("expected entities from text, got %d", len(st.entities))
	}

	// resubmitting the same text is deduplicated and skipped
	second := tool.Execute(context.Background(), &Request{
		TopicName: "notes",
		Texts:     []TextItem{{Name: "note 1 again", Content: "Acme Corp operates Plant 7."}},
	})
	if !second.Success {
		t.Fatalf("second run failed: %q", second.ErrorMessage)
	}
	if second.Data["skipped_count"] != 1 {
		t.Fatalf("duplicate text must be skipped, got %v", second.Data)
	}
}

func TestGraphBuild_SharedEntityAcrossSources(t *testing.T) {
	st, _, _, tool := newGraphBuildFixture()
	st.addReadyBlueprint("bp_1", "supply-chain", "v1")
	st.addSourceData("sd_1", "supply-chain", "hash_a", "doc a", store.SourceStatusETLCompleted)
	st.addSourceData("sd_2", "supply-chain", "hash_b", "doc b", store.SourceStatusETLCompleted)

	result := tool.Execute(context.Background(), &Request{
		TopicName:     "supply-chain",
		SourceDataIDs: []string{"sd_1", "sd_2"},
	})
	if !result.Success {
		t.Fatalf("expected success, got %q", result.ErrorMessage)
	}
	// both documents mention the same entities; the topic graph holds one node each
	if len(st.entities) != 2 {
		t.Fatalf("entities must merge by name within the topic, got %d", len(st.entities))
	}
}

func TestGraphBuild_NoSources(t *testing.T) {
	_, _, _, tool := newGraphBuildFixture()
	result := tool.Execute(context.Background(), &Request{TopicName: "supply-chain"})
	if result.Success {
		t.Fatal("empty build must fail")
	}
}
