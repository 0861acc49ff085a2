package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/topiary-ai/topiary/internal/queue"
	"github.com/topiary-ai/topiary/internal/server/middleware"
	"github.com/topiary-ai/topiary/pkg/fingerprint"
	"github.com/topiary-ai/topiary/pkg/logger"
	"github.com/topiary-ai/topiary/pkg/pipeline"
)

// IngestMemoryHandler queues a chat batch for personal-memory ingestion.
func IngestMemoryHandler(c echo.Context) error {
	type ingestMemoryBody struct {
		UserID string                 `json:"user_id" validate:"required"`
		Chats  []fingerprint.ChatTurn `json:"chats" validate:"required,min=1,dive"`
		Force  bool                   `json:"force"`
	}

	type ingestMemoryResponse struct {
		Message string `json:"message"`
		TaskID  string `json:"task_id,omitempty"`
		Topic   string `json:"topic,omitempty"`
	}

	data := new(ingestMemoryBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, ingestMemoryResponse{
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, ingestMemoryResponse{
			Message: "Invalid request body",
		})
	}

	ctx := c.Request().Context()
	app := c.(*middleware.AppContext).App
	topicName := pipeline.PersonalMemoryTopicPrefix + data.UserID

	taskID, err := app.Tracker.Create(ctx, taskKindPipelineRun, topicName, len(data.Chats))
	if err != nil {
		logger.Error("Failed to create task", "user_id", data.UserID, "err", err)
		return c.JSON(http.StatusInternalServerError, ingestMemoryResponse{
			Message: "Internal server error",
		})
	}

	err = queue.PublishPipelineRequest(app.Queue, queue.PipelineRequestMsg{
		TaskID: taskID,
		Request: pipeline.Request{
			TopicName:  topicName,
			UserID:     data.UserID,
			SourceKind: pipeline.SourceKindPersonalMemory,
			Chats:      data.Chats,
			Force:      data.Force,
		},
	})
	if err != nil {
		logger.Error("Failed to publish pipeline request", "user_id", data.UserID, "err", err)
		return c.JSON(http.StatusInternalServerError, ingestMemoryResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(http.StatusAccepted, ingestMemoryResponse{
		Message: "Chat batch accepted",
		TaskID:  taskID,
		Topic:   topicName,
	})
}
