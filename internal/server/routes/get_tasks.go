package routes

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/topiary-ai/topiary/internal/server/middleware"
	"github.com/topiary-ai/topiary/pkg/logger"
	"github.com/topiary-ai/topiary/pkg/store"
)

// GetTaskHandler returns the current state of one background task.
func GetTaskHandler(c echo.Context) error {
	type getTaskBody struct {
		ID string `param:"id" validate:"required"`
	}

	type getTaskResponse struct {
		Message      string         `json:"message"`
		ID           string         `json:"id,omitempty"`
		TaskKind     string         `json:"task_kind,omitempty"`
		TopicName    string         `json:"topic_name,omitempty"`
		Status       string         `json:"status,omitempty"`
		ItemCount    int            `json:"item_count,omitempty"`
		Result       map[string]any `json:"result,omitempty"`
		ErrorMessage string         `json:"error_message,omitempty"`
		CreatedAt    time.Time      `json:"created_at"`
		UpdatedAt    time.Time      `json:"updated_at"`
	}

	data := new(getTaskBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, getTaskResponse{
			Message: "Invalid request",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, getTaskResponse{
			Message: "Invalid request",
		})
	}

	ctx := c.Request().Context()
	app := c.(*middleware.AppContext).App

	task, err := app.Tracker.Get(ctx, data.ID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, getTaskResponse{
				Message: "Task not found",
			})
		}
		logger.Error("Failed to load task", "task_id", data.ID, "err", err)
		return c.JSON(http.StatusInternalServerError, getTaskResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(http.StatusOK, getTaskResponse{
		Message:      "OK",
		ID:           task.ID,
		TaskKind:     task.TaskKind,
		TopicName:    task.TopicName,
		Status:       task.Status,
		ItemCount:    task.ItemCount,
		Result:       task.Result,
		ErrorMessage: task.ErrorMessage,
		CreatedAt:    task.CreatedAt,
		UpdatedAt:    task.UpdatedAt,
	})
}
