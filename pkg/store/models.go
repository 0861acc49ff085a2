package store

import (
	"time"
)

// Raw source statuses (upload queue rows consumed by the daemon).
const (
	RawStatusUploaded      = "uploaded"
	RawStatusProcessing    = "processing"
	RawStatusETLProcessing = "etl_processing"
	RawStatusETLCompleted  = "etl_completed"
	RawStatusETLFailed     = "etl_failed"
)

// Source data statuses (per-source lifecycle inside a topic).
const (
	SourceStatusCreated         = "created"
	SourceStatusETLCompleted    = "etl_completed"
	SourceStatusGraphProcessing = "graph_processing"
	SourceStatusGraphCompleted  = "graph_completed"
	SourceStatusGraphFailed     = "graph_failed"
)

// Blueprint statuses. A topic has at most one ready blueprint; activating a
// new one supersedes the previous ready row.
const (
	BlueprintStatusGenerating = "generating"
	BlueprintStatusReady      = "ready"
	BlueprintStatusFailed     = "failed"
	BlueprintStatusSuperseded = "superseded"
)

// Target kinds for raw sources.
const (
	TargetKindFiles          = "files"
	TargetKindPersonalMemory = "personal_memory"
)

// ContentEntry is extracted text stored once per content hash, shared across
// topics.
type ContentEntry struct {
	Hash        string
	Content     string
	ContentSize int64
	ContentType string
	Name        string
	Link        string
	CreatedAt   time.Time
}

// RawSource is one uploaded item waiting for (or going through) ETL.
type RawSource struct {
	ID               string
	TopicName        string
	TargetKind       string
	OriginalFilename string
	ByteKey          string
	FileHash         string
	Metadata         map[string]any
	Status           string
	ErrorMessage     string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// SourceData is a deduplicated unit of ingested content within a topic.
type SourceData struct {
	ID          string
	Name        string
	TopicName   string
	RawSourceID string
	ContentHash string
	Link        string
	SourceKind  string
	Attributes  map[string]any
	Status      string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Blueprint is a versioned analysis frame for a topic. Rows are append-only;
// the active blueprint is the single row with status ready.
type Blueprint struct {
	ID                        string
	TopicName                 string
	Status                    string
	VersionHash               string
	ContributingSourceDataIDs []string
	CanonicalEntities         []CanonicalEntity
	KeyPatterns               []string
	GlobalTimeline            []TimelineEntry
	ProcessingInstructions    string
	ErrorMessage              string
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// CanonicalEntity is a blueprint-level unified entity with its aliases.
type CanonicalEntity struct {
	Name       string   `json:"name" jsonschema_description:"Canonical entity name"`
	EntityType string   `json:"entity_type" jsonschema_description:"Entity type, e.g. person or organization"`
	Aliases    []string `json:"aliases" jsonschema_description:"Alternative names seen in the documents"`
}

// TimelineEntry is a single dated event in a cognitive map or blueprint.
type TimelineEntry struct {
	When  string `json:"when" jsonschema_description:"Time anchor as it appears in the document"`
	Event string `json:"event" jsonschema_description:"What happened"`
}

// Entity is a graph node scoped to a topic. Names are unique per topic.
type Entity struct {
	ID          string
	TopicName   string
	Name        string
	EntityType  string
	Description string
	Attributes  map[string]any
}

// Relationship is a directed graph edge between two entities.
type Relationship struct {
	ID             string
	SourceEntityID string
	TargetEntityID string
	Description    string
	Attributes     map[string]any
}

// KnowledgeBlock is a distilled piece of knowledge (e.g. a personal-memory
// summary) with a vector embedding for retrieval.
type KnowledgeBlock struct {
	ID            string
	Name          string
	KnowledgeType string
	Content       string
	ContentHash   string
	Attributes    map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// BackgroundTask tracks one asynchronous pipeline run.
// Status is monotonic: queued -> processing -> completed|failed.
type BackgroundTask struct {
	ID           string
	TaskKind     string
	TopicName    string
	Status       string
	ItemCount    int
	Result       map[string]any
	ErrorMessage string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
