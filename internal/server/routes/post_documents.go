package routes

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/topiary-ai/topiary/internal/queue"
	"github.com/topiary-ai/topiary/internal/server/middleware"
	"github.com/topiary-ai/topiary/internal/storage"
	"github.com/topiary-ai/topiary/internal/util"
	"github.com/topiary-ai/topiary/pkg/fingerprint"
	"github.com/topiary-ai/topiary/pkg/logger"
	"github.com/topiary-ai/topiary/pkg/pipeline"
	"github.com/topiary-ai/topiary/pkg/store"
)

const taskKindPipelineRun = "pipeline_run"

// UploadDocumentsHandler accepts a multipart batch of documents for one
// topic, stores the bytes, and queues a single pipeline run for the batch.
func UploadDocumentsHandler(c echo.Context) error {
	type uploadDocumentsBody struct {
		Topic string `param:"topic" validate:"required"`
	}

	type uploadDocumentsResponse struct {
		Message      string   `json:"message"`
		TaskID       string   `json:"task_id,omitempty"`
		RawSourceIDs []string `json:"raw_source_ids,omitempty"`
	}

	data := new(uploadDocumentsBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, uploadDocumentsResponse{
			Message: "Invalid request body",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, uploadDocumentsResponse{
			Message: "Invalid request body",
		})
	}

	form, err := c.MultipartForm()
	if err != nil {
		return c.JSON(http.StatusBadRequest, uploadDocumentsResponse{
			Message: "Invalid request body",
		})
	}
	uploads := form.File["files"]
	if len(uploads) == 0 {
		return c.JSON(http.StatusBadRequest, uploadDocumentsResponse{
			Message: "No files provided",
		})
	}

	ctx := c.Request().Context()
	app := c.(*middleware.AppContext).App

	rawSourceIDs := make([]string, 0, len(uploads))
	for _, file := range uploads {
		src, err := file.Open()
		if err != nil {
			logger.Error("Failed to open upload", "filename", file.Filename, "err", err)
			return c.JSON(http.StatusInternalServerError, uploadDocumentsResponse{
				Message: "Internal server error",
			})
		}
		content, err := io.ReadAll(src)
		src.Close()
		if err != nil {
			logger.Error("Failed to read upload", "filename", file.Filename, "err", err)
			return c.JSON(http.StatusInternalServerError, uploadDocumentsResponse{
				Message: "Internal server error",
			})
		}

		fileHash := fingerprint.Content(content)
		byteKey := storage.ContentKey(fileHash, file.Filename)

		exists, err := app.Bytes.ContentExists(ctx, byteKey)
		if err != nil {
			logger.Error("Failed to check byte store", "key", byteKey, "err", err)
			return c.JSON(http.StatusInternalServerError, uploadDocumentsResponse{
				Message: "Internal server error",
			})
		}
		if !exists {
			if err := app.Bytes.PutContent(ctx, byteKey, content); err != nil {
				logger.Error("Failed to store upload", "key", byteKey, "err", err)
				return c.JSON(http.StatusInternalServerError, uploadDocumentsResponse{
					Message: "Internal server error",
				})
			}
		}

		// processing keeps the daemon from claiming the row; the queued
		// message below owns it
		rawSourceID := util.MustNewID("raw")
		err = app.Store.InsertRawSource(ctx, store.RawSource{
			ID:               rawSourceID,
			TopicName:        data.Topic,
			TargetKind:       store.TargetKindFiles,
			OriginalFilename: file.Filename,
			ByteKey:          byteKey,
			FileHash:         fileHash,
			Status:           store.RawStatusProcessing,
		})
		if err != nil {
			logger.Error("Failed to insert raw source", "filename", file.Filename, "err", err)
			return c.JSON(http.StatusInternalServerError, uploadDocumentsResponse{
				Message: "Internal server error",
			})
		}
		rawSourceIDs = append(rawSourceIDs, rawSourceID)
	}

	taskID, err := app.Tracker.Create(ctx, taskKindPipelineRun, data.Topic, len(rawSourceIDs))
	if err != nil {
		logger.Error("Failed to create task", "topic", data.Topic, "err", err)
		return c.JSON(http.StatusInternalServerError, uploadDocumentsResponse{
			Message: "Internal server error",
		})
	}

	err = queue.PublishPipelineRequest(app.Queue, queue.PipelineRequestMsg{
		TaskID: taskID,
		Request: pipeline.Request{
			TopicName:    data.Topic,
			SourceKind:   pipeline.SourceKindDocument,
			RawSourceIDs: rawSourceIDs,
		},
	})
	if err != nil {
		logger.Error("Failed to publish pipeline request", "topic", data.Topic, "err", err)
		return c.JSON(http.StatusInternalServerError, uploadDocumentsResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(http.StatusAccepted, uploadDocumentsResponse{
		Message:      "Upload accepted",
		TaskID:       taskID,
		RawSourceIDs: rawSourceIDs,
	})
}
