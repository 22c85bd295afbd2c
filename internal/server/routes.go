package server

import (
	"github.com/ofisk/loresmith-ai/backend/internal/server/routes"

	"github.com/labstack/echo/v4"
)

func RegisterRoutes(e *echo.Echo) {
	// Health check route
	e.GET("/health", func(c echo.Context) error {
		return c.String(200, "OK")
	})

	e.GET("/schema/candidates", routes.GetCandidateSchemaHandler)

	campaign := e.Group("/campaigns/:campaignId")

	// Extraction
	campaign.POST("/extractions", routes.PostExtractionHandler)

	// Deduplication
	campaign.POST("/entities/:entityId/dedupe", routes.EvaluateDuplicatesHandler)
	campaign.GET("/dedupe", routes.GetPendingDuplicatesHandler)
	e.PATCH("/dedupe/:entryId", routes.ResolveDuplicateHandler)

	// Graph
	campaign.POST("/relationships", routes.UpsertRelationshipHandler)
	campaign.DELETE("/relationships", routes.DeleteRelationshipHandler)
	campaign.GET("/entities/:entityId/relationships", routes.GetEntityRelationshipsHandler)
	campaign.GET("/entities/:entityId/neighbors", routes.GetNeighborsHandler)

	// Changelog
	campaign.POST("/changelog", routes.PostChangelogHandler)
	campaign.GET("/changelog/archive", routes.GetArchivedChangelogHandler)
	e.DELETE("/changelog/archive", routes.DeleteArchiveHandler)

	// Context assembly
	campaign.POST("/context", routes.AssembleContextHandler)
	campaign.DELETE("/context-cache", routes.InvalidateContextCacheHandler)
}
