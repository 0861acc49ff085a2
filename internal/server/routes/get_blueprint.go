package routes

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/topiary-ai/topiary/internal/server/middleware"
	"github.com/topiary-ai/topiary/pkg/logger"
	"github.com/topiary-ai/topiary/pkg/store"
)

// GetBlueprintHandler returns the active analysis blueprint of a topic.
func GetBlueprintHandler(c echo.Context) error {
	type getBlueprintBody struct {
		Topic string `param:"topic" validate:"required"`
	}

	type getBlueprintResponse struct {
		Message                string                  `json:"message"`
		ID                     string                  `json:"id,omitempty"`
		TopicName              string                  `json:"topic_name,omitempty"`
		VersionHash            string                  `json:"version_hash,omitempty"`
		ContributingSources    []string                `json:"contributing_source_data_ids,omitempty"`
		CanonicalEntities      []store.CanonicalEntity `json:"canonical_entities,omitempty"`
		KeyPatterns            []string                `json:"key_patterns,omitempty"`
		GlobalTimeline         []store.TimelineEntry   `json:"global_timeline,omitempty"`
		ProcessingInstructions string                  `json:"processing_instructions,omitempty"`
	}

	data := new(getBlueprintBody)
	if err := c.Bind(data); err != nil {
		return c.JSON(http.StatusBadRequest, getBlueprintResponse{
			Message: "Invalid request",
		})
	}
	if err := c.Validate(data); err != nil {
		return c.JSON(http.StatusBadRequest, getBlueprintResponse{
			Message: "Invalid request",
		})
	}

	ctx := c.Request().Context()
	app := c.(*middleware.AppContext).App

	bp, err := app.Store.GetActiveBlueprint(ctx, data.Topic)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return c.JSON(http.StatusNotFound, getBlueprintResponse{
				Message: "No active blueprint for this topic",
			})
		}
		logger.Error("Failed to load blueprint", "topic", data.Topic, "err", err)
		return c.JSON(http.StatusInternalServerError, getBlueprintResponse{
			Message: "Internal server error",
		})
	}

	return c.JSON(http.StatusOK, getBlueprintResponse{
		Message:                "OK",
		ID:                     bp.ID,
		TopicName:              bp.TopicName,
		VersionHash:            bp.VersionHash,
		ContributingSources:    bp.ContributingSourceDataIDs,
		CanonicalEntities:      bp.CanonicalEntities,
		KeyPatterns:            bp.KeyPatterns,
		GlobalTimeline:         bp.GlobalTimeline,
		ProcessingInstructions: bp.ProcessingInstructions,
	})
}
