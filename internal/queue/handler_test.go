package queue

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/topiary-ai/topiary/pkg/pipeline"
	"github.com/topiary-ai/topiary/pkg/store"
	"github.com/topiary-ai/topiary/pkg/task"
)

type fakeExecutor struct {
	result *pipeline.PipelineResult
	err    error
	gotReq *pipeline.Request
}

func (f *fakeExecutor) Execute(ctx context.Context, req *pipeline.Request) (*pipeline.PipelineResult, error) {
	f.gotReq = req
	return f.result, f.err
}

type fakeTaskStore struct {
	tasks map[string]*store.BackgroundTask
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{tasks: map[string]*store.BackgroundTask{}}
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
	out := *t
	return &out, nil
}

func (f *fakeTaskStore) MarkTaskProcessing(ctx context.Context, id string) error {
	t, ok := f.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status != store.TaskStatusQueued {
		return store.ErrInvalidTransition
	}
	t.Status = store.TaskStatusProcessing
	return nil
}

func (f *fakeTaskStore) MarkTaskCompleted(ctx context.Context, id string, result map[string]any) error {
	t, ok := f.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status != store.TaskStatusProcessing {
		return store.ErrInvalidTransition
	}
	t.Status = store.TaskStatusCompleted
	t.Result = result
	return nil
}

func (f *fakeTaskStore) MarkTaskFailed(ctx context.Context, id, errorMessage string) error {
	t, ok := f.tasks[id]
	if !ok {
		return store.ErrNotFound
	}
	if t.Status != store.TaskStatusProcessing {
		return store.ErrInvalidTransition
	}
	t.Status = store.TaskStatusFailed
	t.ErrorMessage = errorMessage
	return nil
}

func queuedTask(t *testing.T, st *fakeTaskStore) string {
	t.Helper()
	st.tasks["task_1"] = &store.BackgroundTask{ID: "task_1", Status: store.TaskStatusQueued}
	return "task_1"
}

func encode(t *testing.T, msg PipelineRequestMsg) []byte {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return data
}

func TestProcessPipelineMessage_Success(t *testing.T) {
	st := newFakeTaskStore()
	taskID := queuedTask(t, st)
	tracker := task.NewTracker(st)
	exec := &fakeExecutor{result: &pipeline.PipelineResult{
		Pipeline: pipeline.PipelineNewTopicBatch,
		Success:  true,
		Stages: []pipeline.StageResult{
			{Stage: pipeline.StageETL, Result: pipeline.ToolResult{Success: true, Data: map[string]any{"processed_count": 2}}},
		},
	}}

	body := encode(t, PipelineRequestMsg{
		TaskID:  taskID,
		Request: pipeline.Request{TopicName: "supply-chain", RawSourceIDs: []string{"raw_1", "raw_2"}},
	})
	if err := ProcessPipelineMessage(context.Background(), exec, tracker, body); err != nil {
		t.Fatalf("ProcessPipelineMessage() error = %v", err)
	}

	if st.tasks[taskID].Status != store.TaskStatusCompleted {
		t.Fatalf("task status = %q", st.tasks[taskID].Status)
	}
	if st.tasks[taskID].Result["pipeline"] != pipeline.PipelineNewTopicBatch {
		t.Fatalf("result summary missing pipeline: %v", st.tasks[taskID].Result)
	}
	if exec.gotReq.TaskID != taskID {
		t.Fatalf("task id must flow into the request, got %q", exec.gotReq.TaskID)
	}
}

func TestProcessPipelineMessage_PipelineFailureIsTerminal(t *testing.T) {
	st := newFakeTaskStore()
	taskID := queuedTask(t, st)
	tracker := task.NewTracker(st)
	exec := &fakeExecutor{result: &pipeline.PipelineResult{
		Success: false,
		Error:   "all 2 graph builds failed: model refused",
	}}

	body := encode(t, PipelineRequestMsg{TaskID: taskID, Request: pipeline.Request{TopicName: "supply-chain"}})
	if err := ProcessPipelineMessage(context.Background(), exec, tracker, body); err != nil {
		t.Fatalf("pipeline failure must not requeue, got %v", err)
	}

	got := st.tasks[taskID]
	if got.Status != store.TaskStatusFailed {
		t.Fatalf("task status = %q", got.Status)
	}
	if got.ErrorMessage != "all 2 graph builds failed: model refused" {
		t.Fatalf("task error = %q", got.ErrorMessage)
	}
}

func TestProcessPipelineMessage_InfrastructureErrorRetries(t *testing.T) {
	st := newFakeTaskStore()
	taskID := queuedTask(t, st)
	tracker := task.NewTracker(st)
	exec := &fakeExecutor{err: errors.New("failed to check topic: connection refused")}

	body := encode(t, PipelineRequestMsg{TaskID: taskID, Request: pipeline.Request{TopicName: "supply-chain"}})
	if err := ProcessPipelineMessage(context.Background(), exec, tracker, body); err == nil {
		t.Fatal("infrastructure errors must be returned for retry")
	}
}

func TestProcessPipelineMessage_RejectionIsNotRetried(t *testing.T) {
	st := newFakeTaskStore()
	taskID := queuedTask(t, st)
	tracker := task.NewTracker(st)
	exec := &fakeExecutor{err: pipeline.ErrUnknownPipeline}

	body := encode(t, PipelineRequestMsg{TaskID: taskID, Request: pipeline.Request{Pipeline: "bogus"}})
	if err := ProcessPipelineMessage(context.Background(), exec, tracker, body); err != nil {
		t.Fatalf("rejected request must not requeue, got %v", err)
	}
	if st.tasks[taskID].Status != store.TaskStatusFailed {
		t.Fatalf("task status = %q", st.tasks[taskID].Status)
	}
}

func TestProcessPipelineMessage_UnknownTaskDropped(t *testing.T) {
	tracker := task.NewTracker(newFakeTaskStore())
	exec := &fakeExecutor{}

	body := encode(t, PipelineRequestMsg{TaskID: "task_missing", Request: pipeline.Request{TopicName: "x"}})
	if err := ProcessPipelineMessage(context.Background(), exec, tracker, body); err != nil {
		t.Fatalf("missing task must be dropped, got %v", err)
	}
	if exec.gotReq != nil {
		t.Fatal("dropped message must not run the pipeline")
	}
}

func TestProcessPipelineMessage_MalformedBody(t *testing.T) {
	tracker := task.NewTracker(newFakeTaskStore())
	if err := ProcessPipelineMessage(context.Background(), &fakeExecutor{}, tracker, []byte("{not json")); err == nil {
		t.Fatal("malformed body must return an error")
	}
}
