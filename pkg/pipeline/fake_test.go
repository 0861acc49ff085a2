package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/topiary-ai/topiary/pkg/graph"
	"github.com/topiary-ai/topiary/pkg/leaselock"
	"github.com/topiary-ai/topiary/pkg/store"
)

// fakeStore is an in-memory Store that mirrors the SQL layer's semantics:
// hash-based source dedup, single active blueprint, at-most-once build marks.
type fakeStore struct {
	mu sync.Mutex

	rawSources    map[string]*store.RawSource
	content       map[string]store.ContentEntry
	sourceData    map[string]*store.SourceData
	sourceByKey   map[string]string
	blueprints    map[string]*store.Blueprint
	activeByTopic map[string]string
	marks         map[string]bool
	entityIDs     map[string]string
	entities      map[string]store.Entity
	relationships []store.Relationship
	links         map[string][]string
	blocks        []store.KnowledgeBlock

	// failOn injects an error into the named method.
	failOn map[string]error

	nextID int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		rawSources:    map[string]*store.RawSource{},
		content:       map[string]store.ContentEntry{},
		sourceData:    map[string]*store.SourceData{},
		sourceByKey:   map[string]string{},
		blueprints:    map[string]*store.Blueprint{},
		activeByTopic: map[string]string{},
		marks:         map[string]bool{},
		entityIDs:     map[string]string{},
		entities:      map[string]store.Entity{},
		links:         map[string][]string{},
		failOn:        map[string]error{},
	}
}

func (f *fakeStore) addRawSource(id, topic, filename, byteKey string) {
	f.rawSources[id] = &store.RawSource{
		ID:               id,
		TopicName:        topic,
		OriginalFilename: filename,
		ByteKey:          byteKey,
		Status:           store.RawStatusUploaded,
	}
}

func (f *fakeStore) addSourceData(id, topic, hash, content, status string) {
	f.sourceData[id] = &store.SourceData{
		ID:          id,
		Name:        id,
		TopicName:   topic,
		ContentHash: hash,
		Status:      status,
	}
	f.sourceByKey[topic+"|"+hash] = id
	f.content[hash] = store.ContentEntry{Hash: hash, Content: content}
}

func (f *fakeStore) addReadyBlueprint(id, topic, versionHash string) {
	f.blueprints[id] = &store.Blueprint{
		ID:          id,
		TopicName:   topic,
		Status:      store.BlueprintStatusReady,
		VersionHash: versionHash,
	}
	f.activeByTopic[topic] = id
}

func (f *fakeStore) GetRawSources(ctx context.Context, ids []string) ([]store.RawSource, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn["GetRawSources"]; err != nil {
		return nil, err
	}
	var out []store.RawSource
	for _, id := range ids {
		if rs, ok := f.rawSources[id]; ok {
			out = append(out, *rs)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateRawSourceStatus(ctx context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rs, ok := f.rawSources[id]
	if !ok {
		return store.ErrNotFound
	}
	rs.Status = status
	return nil
}

func (f *fakeStore) SetRawSourceError(ctx context.Context, id, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rs, ok := f.rawSources[id]
	if !ok {
		return store.ErrNotFound
	}
	rs.Status = store.RawStatusETLFailed
	rs.ErrorMessage = errorMessage
	return nil
}

func (f *fakeStore) UpsertContent(ctx context.Context, entry store.ContentEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn["UpsertContent"]; err != nil {
		return err
	}
	f.content[entry.Hash] = entry
	return nil
}

func (f *fakeStore) GetContent(ctx context.Context, hash string) (*store.ContentEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	entry, ok := f.content[hash]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &entry, nil
}

func (f *fakeStore) InsertSourceData(ctx context.Context, sd store.SourceData) (*store.SourceData, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn["InsertSourceData"]; err != nil {
		return nil, false, err
	}
	key := sd.TopicName + "|" + sd.ContentHash
	if existingID, ok := f.sourceByKey[key]; ok {
		existing := *f.sourceData[existingID]
		return &existing, true, nil
	}
	copied := sd
	f.sourceData[sd.ID] = &copied
	f.sourceByKey[key] = sd.ID
	out := copied
	return &out, false, nil
}

func (f *fakeStore) GetSourceData(ctx context.Context, id string) (*store.SourceData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sd, ok := f.sourceData[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *sd
	return &out, nil
}

func (f *fakeStore) ListTopicSourceData(ctx context.Context, topicName string) ([]store.SourceData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn["ListTopicSourceData"]; err != nil {
		return nil, err
	}
	var out []store.SourceData
	for _, sd := range f.sourceData {
		if sd.TopicName == topicName {
			out = append(out, *sd)
		}
	}
	return out, nil
}

func (f *fakeStore) UpdateSourceDataStatus(ctx context.Context, id, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sd, ok := f.sourceData[id]
	if !ok {
		return store.ErrNotFound
	}
	sd.Status = status
	return nil
}

func (f *fakeStore) SetSourceDataAttributes(ctx context.Context, id string, attributes map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	sd, ok := f.sourceData[id]
	if !ok {
		return store.ErrNotFound
	}
	sd.Attributes = attributes
	return nil
}

func (f *fakeStore) TopicExists(ctx context.Context, topicName string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn["TopicExists"]; err != nil {
		return false, err
	}
	_, ok := f.activeByTopic[topicName]
	return ok, nil
}

func (f *fakeStore) GetActiveBlueprint(ctx context.Context, topicName string) (*store.Blueprint, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.activeByTopic[topicName]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := *f.blueprints[id]
	return &out, nil
}

func (f *fakeStore) InsertBlueprint(ctx context.Context, bp store.Blueprint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := bp
	f.blueprints[bp.ID] = &copied
	return nil
}

func (f *fakeStore) UpdateBlueprintContent(ctx context.Context, bp store.Blueprint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stored, ok := f.blueprints[bp.ID]
	if !ok {
		return store.ErrNotFound
	}
	stored.VersionHash = bp.VersionHash
	stored.ContributingSourceDataIDs = bp.ContributingSourceDataIDs
	stored.CanonicalEntities = bp.CanonicalEntities
	stored.KeyPatterns = bp.KeyPatterns
	stored.GlobalTimeline = bp.GlobalTimeline
	stored.ProcessingInstructions = bp.ProcessingInstructions
	return nil
}

func (f *fakeStore) ActivateBlueprint(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	bp, ok := f.blueprints[id]
	if !ok {
		return store.ErrNotFound
	}
	if prevID, ok := f.activeByTopic[bp.TopicName]; ok && prevID != id {
		f.blueprints[prevID].Status = store.BlueprintStatusSuperseded
	}
	bp.Status = store.BlueprintStatusReady
	f.activeByTopic[bp.TopicName] = id
	return nil
}

func (f *fakeStore) FailBlueprint(ctx context.Context, id, errorMessage string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	bp, ok := f.blueprints[id]
	if !ok {
		return store.ErrNotFound
	}
	bp.Status = store.BlueprintStatusFailed
	bp.ErrorMessage = errorMessage
	return nil
}

func (f *fakeStore) MarkGraphBuilt(ctx context.Context, sourceDataID, blueprintID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := sourceDataID + "|" + blueprintID
	if f.marks[key] {
		return false, nil
	}
	f.marks[key] = true
	return true, nil
}

func (f *fakeStore) UnmarkGraphBuilt(ctx context.Context, sourceDataID, blueprintID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.marks, sourceDataID+"|"+blueprintID)
	return nil
}

func (f *fakeStore) UpsertEntity(ctx context.Context, entity store.Entity, embedding []float32) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn["UpsertEntity"]; err != nil {
		return "", err
	}
	key := entity.TopicName + "|" + entity.Name
	if id, ok := f.entityIDs[key]; ok {
		return id, nil
	}
	f.nextID++
	id := fmt.Sprintf("ent_%d", f.nextID)
	f.entityIDs[key] = id
	entity.ID = id
	f.entities[id] = entity
	return id, nil
}

func (f *fakeStore) InsertRelationship(ctx context.Context, rel store.Relationship) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.relationships = append(f.relationships, rel)
	return nil
}

func (f *fakeStore) LinkSourceGraphElement(ctx context.Context, sourceDataID, elementID, elementType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.links[sourceDataID] = append(f.links[sourceDataID], elementType+":"+elementID)
	return nil
}

func (f *fakeStore) InsertKnowledgeBlock(ctx context.Context, block store.KnowledgeBlock, embedding []float32, sourceDataID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failOn["InsertKnowledgeBlock"]; err != nil {
		return err
	}
	f.blocks = append(f.blocks, block)
	return nil
}

// fakeGraphClient scripts the AI collaborator. The zero value answers every
// call with plausible canned output.
type fakeGraphClient struct {
	mu sync.Mutex

	mapCalls       int
	synthCalls     int
	extractCalls   int
	summarizeCalls int

	mapErr     error
	mapFn      func(name, content string) (*graph.CognitiveMap, error)
	synthErr   error
	extractFn  func(guidance, content string) (*graph.ExtractionResult, error)
	summaryErr error
}

func (f *fakeGraphClient) GenerateCognitiveMap(ctx context.Context, name, content string) (*graph.CognitiveMap, error) {
	f.mu.Lock()
	f.mapCalls++
	f.mu.Unlock()
	if f.mapFn != nil {
		return f.mapFn(name, content)
	}
	if f.mapErr != nil {
		return nil, f.mapErr
	}
	return &graph.CognitiveMap{
		Summary:     "map of " + name,
		KeyEntities: []string{"Acme Corp"},
	}, nil
}

func (f *fakeGraphClient) SynthesizeBlueprint(ctx context.Context, topicName string, maps []graph.CognitiveMap) (*graph.BlueprintDraft, error) {
	f.mu.Lock()
	f.synthCalls++
	f.mu.Unlock()
	if f.synthErr != nil {
		return nil, f.synthErr
	}
	return &graph.BlueprintDraft{
		CanonicalEntities:      []store.CanonicalEntity{{Name: "Acme Corp", EntityType: "organization"}},
		KeyPatterns:            []string{"supplier delivers to plant"},
		ProcessingInstructions: "use canonical names",
	}, nil
}

func (f *fakeGraphClient) ExtractGraph(ctx context.Context, guidance, content string) (*graph.ExtractionResult, error) {
	f.mu.Lock()
	f.extractCalls++
	f.mu.Unlock()
	if f.extractFn != nil {
		return f.extractFn(guidance, content)
	}
	return &graph.ExtractionResult{
		Entities: []graph.ExtractedEntity{
			{Name: "Acme Corp", EntityType: "organization", Description: "a company"},
			{Name: "Plant 7", EntityType: "facility", Description: "a plant"},
		},
		Relationships: []graph.ExtractedRelationship{
			{Source: "Acme Corp", Target: "Plant 7", Description: "operates"},
		},
	}, nil
}

func (f *fakeGraphClient) SummarizeMemory(ctx context.Context, transcript string) (*graph.MemorySummary, error) {
	f.mu.Lock()
	f.summarizeCalls++
	f.mu.Unlock()
	if f.summaryErr != nil {
		return nil, f.summaryErr
	}
	return &graph.MemorySummary{
		Summary:  "The user enjoys climbing.",
		KeyFacts: []string{"climbs on weekends"},
	}, nil
}

// fakeLocker runs the protected function inline and records acquired keys.
type fakeLocker struct {
	mu   sync.Mutex
	keys []string
}

func (f *fakeLocker) WithLease(ctx context.Context, key string, opts leaselock.Options, fn func(ctx context.Context) error) error {
	f.mu.Lock()
	f.keys = append(f.keys, key)
	f.mu.Unlock()
	return fn(ctx)
}

// fakeBytes serves raw upload bytes by key.
type fakeBytes struct {
	data map[string][]byte
}

func (f *fakeBytes) GetContent(ctx context.Context, key string) ([]byte, error) {
	data, ok := f.data[key]
	if !ok {
		return nil, errors.New("no such object")
	}
	return data, nil
}

// fakeExtractor returns the raw bytes as text, failing for filenames listed
// in failFor.
type fakeExtractor struct {
	failFor map[string]bool
}

func (f *fakeExtractor) Extract(ctx context.Context, filename string, data []byte) (string, error) {
	if f.failFor[filename] {
		return "", errors.New("unsupported format")
	}
	return strings.TrimSpace(string(data)), nil
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeEmbedder) GenerateEmbedding(ctx context.Context, input []byte) ([]float32, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	return []float32{0.1, 0.2, 0.3}, nil
}

// fakeTool is a scriptable stage for orchestrator tests.
type fakeTool struct {
	name   string
	result ToolResult
	calls  int
}

func (f *fakeTool) Name() string { return f.name }

func (f *fakeTool) Execute(ctx context.Context, req *Request) ToolResult {
	f.calls++
	return f.result
}
