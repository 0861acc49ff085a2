package server

import (
	"github.com/labstack/echo/v4"

	"github.com/topiary-ai/topiary/internal/server/routes"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	apiRoutes := e.Group("/api")

	// Ingestion routes
	apiRoutes.POST("/topics/:topic/documents", routes.UploadDocumentsHandler)
	apiRoutes.POST("/memory", routes.IngestMemoryHandler)

	// Status routes
	apiRoutes.GET("/tasks/:id", routes.GetTaskHandler)
	apiRoutes.GET("/topics/:topic/blueprint", routes.GetBlueprintHandler)
}
