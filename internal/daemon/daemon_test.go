package daemon

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/topiary-ai/topiary/pkg/fingerprint"
	"github.com/topiary-ai/topiary/pkg/pipeline"
	"github.com/topiary-ai/topiary/pkg/store"
	"github.com/topiary-ai/topiary/pkg/task"
)

type fakeDaemonStore struct {
	uploaded  []store.RawSource
	statuses  map[string]string
	errors    map[string]string
	reclaimed int
}

func newFakeDaemonStore() *fakeDaemonStore {
	return &fakeDaemonStore{
		statuses: map[string]string{},
		errors:   map[string]string{},
	}
}

func (f *fakeDaemonStore) ClaimUploadedSources(ctx context.Context, targetKind string, limit int) ([]store.RawSource, error) {
	var claimed, rest []store.RawSource
	for _, rs := range f.uploaded {
		if rs.TargetKind == targetKind && len(claimed) < limit {
			f.statuses[rs.ID] = store.RawStatusProcessing
			claimed = append(claimed, rs)
			continue
		}
		rest = append(rest, rs)
	}
	f.uploaded = rest
	return claimed, nil
}

func (f *fakeDaemonStore) ReclaimStaleSources(ctx context.Context, staleAfter time.Duration) (int, error) {
	n := f.reclaimed
	f.reclaimed = 0
	return n, nil
}

func (f *fakeDaemonStore) UpdateRawSourceStatus(ctx context.Context, id, status string) error {
	f.statuses[id] = status
	return nil
}

func (f *fakeDaemonStore) SetRawSourceError(ctx context.Context, id, errorMessage string) error {
	f.statuses[id] = store.RawStatusETLFailed
	f.errors[id] = errorMessage
	return nil
}

type fakeExec struct {
	reqs    []*pipeline.Request
	results []*pipeline.PipelineResult
}

func (f *fakeExec) Execute(ctx context.Context, req *pipeline.Request) (*pipeline.PipelineResult, error) {
	f.reqs = append(f.reqs, req)
	if len(f.results) > 0 {
		r := f.results[0]
		f.results = f.results[1:]
		return r, nil
	}
	return &pipeline.PipelineResult{Pipeline: pipeline.PipelineNewTopicBatch, Success: true}, nil
}

type fakeByteStore struct {
	data map[string][]byte
}

func (f *fakeByteStore) GetContent(ctx context.Context, key string) ([]byte, error) {
	return f.data[key], nil
}

type fakeTaskStore struct {
	tasks map[string]*store.BackgroundTask
}

func (f *fakeTaskStore) CreateTask(ctx context.Context, t store.BackgroundTask) error {
	t.Status = store.TaskStatusQueued
	f.tasks[t.ID] = &t
	return nil
}

func (f *fakeTaskStore) GetTask(ctx context.Context, id string) (*store.BackgroundTask, error) {
	t, ok := f.tasks[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return t, nil
}

func (f *fakeTaskStore) MarkTaskProcessing(ctx context.Context, id string) error {
	f.tasks[id].Status = store.TaskStatusProcessing
	return nil
}

func (f *fakeTaskStore) MarkTaskCompleted(ctx context.Context, id string, result map[string]any) error {
	f.tasks[id].Status = store.TaskStatusCompleted
	f.tasks[id].Result = result
	return nil
}

func (f *fakeTaskStore) MarkTaskFailed(ctx context.Context, id, errorMessage string) error {
	f.tasks[id].Status = store.TaskStatusFailed
	f.tasks[id].ErrorMessage = errorMessage
	return nil
}

func newFixture() (*fakeDaemonStore, *fakeExec, *fakeByteStore, *fakeTaskStore, *Daemon) {
	st := newFakeDaemonStore()
	exec := &fakeExec{}
	bytes := &fakeByteStore{data: map[string][]byte{}}
	tasks := &fakeTaskStore{tasks: map[string]*store.BackgroundTask{}}
	d := NewDaemon(NewDaemonParams{
		Store:   st,
		Bytes:   bytes,
		Tracker: task.NewTracker(tasks),
		Exec:    exec,
	})
	return st, exec, bytes, tasks, d
}

func fileUpload(id, topic string) store.RawSource {
	return store.RawSource{
		ID:         id,
		TopicName:  topic,
		TargetKind: store.TargetKindFiles,
		Status:     store.RawStatusUploaded,
	}
}

func TestRunOnce_GroupsFileUploadsByTopic(t *testing.T) {
	st, exec, _, tasks, d := newFixture()
	st.uploaded = []store.RawSource{
		fileUpload("raw_1", "supply-chain"),
		fileUpload("raw_2", "supply-chain"),
		fileUpload("raw_3", "biology"),
	}

	runs, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if runs != 2 {
		t.Fatalf("expected one run per topic, got %d", runs)
	}
	if len(exec.reqs) != 2 {
		t.Fatalf("expected 2 pipeline requests, got %d", len(exec.reqs))
	}

	byTopic := map[string]*pipeline.Request{}
	for _, req := range exec.reqs {
		byTopic[req.TopicName] = req
	}
	if len(byTopic["supply-chain"].RawSourceIDs) != 2 {
		t.Fatalf("supply-chain batch = %v", byTopic["supply-chain"].RawSourceIDs)
	}
	if byTopic["supply-chain"].SourceKind != pipeline.SourceKindDocument {
		t.Fatalf("source kind = %q", byTopic["supply-chain"].SourceKind)
	}

	for _, bt := range tasks.tasks {
		if bt.Status != store.TaskStatusCompleted {
			t.Fatalf("task %s status = %q", bt.ID, bt.Status)
		}
	}
}

func TestRunOnce_EmptyRound(t *testing.T) {
	_, exec, _, _, d := newFixture()
	runs, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if runs != 0 || len(exec.reqs) != 0 {
		t.Fatalf("empty round must do nothing, runs=%d reqs=%d", runs, len(exec.reqs))
	}
}

func TestRunOnce_FailedRunRecordedOnTask(t *testing.T) {
	st, exec, _, tasks, d := newFixture()
	st.uploaded = []store.RawSource{fileUpload("raw_1", "supply-chain")}
	exec.results = []*pipeline.PipelineResult{{Success: false, Error: "all 1 sources failed extraction: boom"}}

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	var failed *store.BackgroundTask
	for _, bt := range tasks.tasks {
		failed = bt
	}
	if failed == nil || failed.Status != store.TaskStatusFailed {
		t.Fatalf("task must be failed, got %+v", failed)
	}
	if failed.ErrorMessage != "all 1 sources failed extraction: boom" {
		t.Fatalf("task error = %q", failed.ErrorMessage)
	}
}

func TestRunOnce_MemoryUpload(t *testing.T) {
	st, exec, bytes, _, d := newFixture()

	chats := []fingerprint.ChatTurn{{Role: "user", Content: "I started a pottery class."}}
	encoded, _ := json.Marshal(chats)
	bytes.data["memory/batch1"] = encoded

	st.uploaded = []store.RawSource{{
		ID:         "raw_m1",
		TopicName:  pipeline.PersonalMemoryTopicPrefix + "user_1",
		TargetKind: store.TargetKindPersonalMemory,
		ByteKey:    "memory/batch1",
		Metadata:   map[string]any{"user_id": "user_1"},
		Status:     store.RawStatusUploaded,
	}}

	runs, err := d.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if runs != 1 {
		t.Fatalf("expected 1 run, got %d", runs)
	}

	req := exec.reqs[0]
	if req.SourceKind != pipeline.SourceKindPersonalMemory || req.UserID != "user_1" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if len(req.Chats) != 1 || req.Chats[0].Content != "I started a pottery class." {
		t.Fatalf("chat batch not decoded: %+v", req.Chats)
	}
	if st.statuses["raw_m1"] != store.RawStatusETLCompleted {
		t.Fatalf("memory upload status = %q", st.statuses["raw_m1"])
	}
}

func TestRunOnce_MalformedMemoryUploadDropped(t *testing.T) {
	st, exec, bytes, _, d := newFixture()
	bytes.data["memory/bad"] = []byte("{not json")

	st.uploaded = []store.RawSource{{
		ID:         "raw_m1",
		TopicName:  pipeline.PersonalMemoryTopicPrefix + "user_1",
		TargetKind: store.TargetKindPersonalMemory,
		ByteKey:    "memory/bad",
		Metadata:   map[string]any{"user_id": "user_1"},
		Status:     store.RawStatusUploaded,
	}}

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(exec.reqs) != 0 {
		t.Fatal("malformed upload must not start a pipeline")
	}
	if st.statuses["raw_m1"] != store.RawStatusETLFailed {
		t.Fatalf("status = %q", st.statuses["raw_m1"])
	}
	if st.errors["raw_m1"] == "" {
		t.Fatal("error must be recorded on the row")
	}
}

func TestRunOnce_MissingUserIDRejected(t *testing.T) {
	st, exec, bytes, _, d := newFixture()
	chats, _ := json.Marshal([]fingerprint.ChatTurn{{Role: "user", Content: "hi"}})
	bytes.data["memory/anon"] = chats

	st.uploaded = []store.RawSource{{
		ID:         "raw_m1",
		TopicName:  "personal_memory_",
		TargetKind: store.TargetKindPersonalMemory,
		ByteKey:    "memory/anon",
		Status:     store.RawStatusUploaded,
	}}

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(exec.reqs) != 0 {
		t.Fatal("upload without a user must not start a pipeline")
	}
	if st.statuses["raw_m1"] != store.RawStatusETLFailed {
		t.Fatalf("status = %q", st.statuses["raw_m1"])
	}
}

func TestRunOnce_BatchSizeLimitsClaims(t *testing.T) {
	st := newFakeDaemonStore()
	exec := &fakeExec{}
	tasks := &fakeTaskStore{tasks: map[string]*store.BackgroundTask{}}
	d := NewDaemon(NewDaemonParams{
		Store:     st,
		Bytes:     &fakeByteStore{data: map[string][]byte{}},
		Tracker:   task.NewTracker(tasks),
		Exec:      exec,
		BatchSize: 2,
	})

	st.uploaded = []store.RawSource{
		fileUpload("raw_1", "supply-chain"),
		fileUpload("raw_2", "supply-chain"),
		fileUpload("raw_3", "supply-chain"),
	}

	if _, err := d.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(exec.reqs[0].RawSourceIDs) != 2 {
		t.Fatalf("claim must respect the batch size, got %v", exec.reqs[0].RawSourceIDs)
	}
	if len(st.uploaded) != 1 {
		t.Fatalf("unclaimed rows remain for the next round, got %d", len(st.uploaded))
	}
}
