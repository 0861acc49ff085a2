package pipeline

import (
	"context"
	"strings"
	"testing"

	"github.com/topiary-ai/topiary/pkg/fingerprint"
	"github.com/topiary-ai/topiary/pkg/store"
)

func newETLFixture() (*fakeStore, *fakeBytes, *fakeExtractor, *DocumentETLTool) {
	st := newFakeStore()
	bytes := &fakeBytes{data: map[string][]byte{}}
	extractor := &fakeExtractor{failFor: map[string]bool{}}
	tool := NewDocumentETLTool(NewDocumentETLToolParams{
		Store:     st,
		Bytes:     bytes,
		Extractor: extractor,
	})
	return st, bytes, extractor, tool
}

func TestETL_ProcessesBatch(t *testing.T) {
	st, bytes, _, tool := newETLFixture()
	st.addRawSource("raw_1", "supply-chain", "q3.txt", "bytes/q3")
	st.addRawSource("raw_2", "supply-chain", "q4.txt", "bytes/q4")
	bytes.data["bytes/q3"] = []byte("q3 report")
	bytes.data["bytes/q4"] = []byte("q4 report")

	result := tool.Execute(context.Background(), &Request{
		TopicName:    "supply-chain",
		RawSourceIDs: []string{"raw_1", "raw_2"},
	})
	if !result.Success {
		t.Fatalf("expected success, got %q", result.ErrorMessage)
	}
	if result.Data["processed_count"] != 2 || result.Data["failed_count"] != 0 {
		t.Fatalf("unexpected counts: %v", result.Data)
	}
	ids := result.SourceDataIDs
	if len(ids) != 2 {
		t.Fatalf("expected 2 source data ids, got %v", ids)
	}
	for _, id := range ids {
		sd := st.sourceData[id]
		if sd.Status != store.SourceStatusETLCompleted {
			t.Fatalf("source %s status = %q", id, sd.Status)
		}
	}
	if st.rawSources["raw_1"].Status != store.RawStatusETLCompleted {
		t.Fatalf("raw source status = %q", st.rawSources["raw_1"].Status)
	}
}

func TestETL_PartialFailureIsolated(t *testing.T) {
	st, bytes, extractor, tool := newETLFixture()
	st.addRawSource("raw_1", "supply-chain", "good.txt", "bytes/good")
	st.addRawSource("raw_2", "supply-chain", "broken.bin", "bytes/broken")
	st.addRawSource("raw_3", "supply-chain", "fine.txt", "bytes/fine")
	bytes.data["bytes/good"] = []byte("good content")
	bytes.data["bytes/broken"] = []byte{0x00, 0x01}
	bytes.data["bytes/fine"] = []byte("fine content")
	extractor.failFor["broken.bin"] = true

	result := tool.Execute(context.Background(), &Request{
		TopicName:    "supply-chain",
		RawSourceIDs: []string{"raw_1", "raw_2", "raw_3"},
	})
	if !result.Success {
		t.Fatalf("partial failure must not fail the stage, got %q", result.ErrorMessage)
	}
	if result.Data["processed_count"] != 2 || result.Data["failed_count"] != 1 {
		t.Fatalf("unexpected counts: %v", result.Data)
	}
	if st.rawSources["raw_2"].Status != store.RawStatusETLFailed {
		t.Fatalf("failed source status = %q", st.rawSources["raw_2"].Status)
	}
	if st.rawSources["raw_2"].ErrorMessage == "" {
		t.Fatal("failed source should carry an error message")
	}
}

func TestETL_AllItemsFailed(t *testing.T) {
	st, _, _, tool := newETLFixture()
	st.addRawSource("raw_1", "supply-chain", "gone.txt", "bytes/missing")

	result := tool.Execute(context.Background(), &Request{
		TopicName:    "supply-chain",
		RawSourceIDs: []string{"raw_1"},
	})
	if result.Success {
		t.Fatal("stage must fail when every item fails")
	}
	if !strings.Contains(result.ErrorMessage, "failed to load bytes") {
		t.Fatalf("first item error not preserved: %q", result.ErrorMessage)
	}
}

func TestETL_DuplicateContentReused(t *testing.T) {
	st, bytes, _, tool := newETLFixture()
	st.addRawSource("raw_1", "supply-chain", "v1.txt", "bytes/v1")
	bytes.data["bytes/v1"] = []byte("same content")

	first := tool.Execute(context.Background(), &Request{
		TopicName:    "supply-chain",
		RawSourceIDs: []string{"raw_1"},
	})
	if !first.Success {
		t.Fatalf("first run failed: %q", first.ErrorMessage)
	}

	// second upload with identical bytes maps to the same source data
	st.addRawSource("raw_2", "supply-chain", "v1-copy.txt", "bytes/v1copy")
	bytes.data["bytes/v1copy"] = []byte("same content")

	second := tool.Execute(context.Background(), &Request{
		TopicName:    "supply-chain",
		RawSourceIDs: []string{"raw_2"},
	})
	if !second.Success {
		t.Fatalf("second run failed: %q", second.ErrorMessage)
	}
	if second.Data["reused_count"] != 1 {
		t.Fatalf("expected reuse, got %v", second.Data)
	}

	firstIDs := first.SourceDataIDs
	secondIDs := second.SourceDataIDs
	if firstIDs[0] != secondIDs[0] {
		t.Fatalf("identical content must map to the same source data: %s vs %s", firstIDs[0], secondIDs[0])
	}

	hash := fingerprint.Content([]byte("same content"))
	if _, ok := st.content[hash]; !ok {
		t.Fatal("content must be stored under its hash")
	}
}

func TestETL_NoInput(t *testing.T) {
	_, _, _, tool := newETLFixture()
	result := tool.Execute(context.Background(), &Request{TopicName: "supply-chain"})
	if result.Success {
		t.Fatal("empty batch must fail")
	}
}
