package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ofisk/loresmith-ai/backend/internal/server/middleware"
	"github.com/ofisk/loresmith-ai/backend/internal/server/util"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/graph"
)

const maxNeighborDepth = 5

func UpsertRelationshipHandler(c echo.Context) error {
	data := new(graph.UpsertEdgeInput)
	if err := c.Bind(data); err != nil {
		return util.BadRequest(c, "Invalid request body")
	}
	if err := c.Validate(data); err != nil {
		return util.BadRequest(c, "Invalid request body")
	}
	data.CampaignID = c.Param("campaignId")

	app := middleware.GetApp(c)
	edges, err := app.Graph.UpsertEdge(c.Request().Context(), *data)
	if err != nil {
		return util.JSONError(c, "Failed to upsert relationship", err)
	}
	if app.Assembly != nil {
		app.Assembly.InvalidateCampaignCache(data.CampaignID)
	}
	return c.JSON(http.StatusOK, edges)
}

func DeleteRelationshipHandler(c echo.Context) error {
	from, to, relType := c.QueryParam("from"), c.QueryParam("to"), c.QueryParam("type")
	if from == "" || to == "" || relType == "" {
		return util.BadRequest(c, "from, to and type are required")
	}

	app := middleware.GetApp(c)
	campaignID := c.Param("campaignId")
	if err := app.Graph.RemoveEdge(c.Request().Context(), campaignID, from, to, relType); err != nil {
		return util.JSONError(c, "Failed to delete relationship", err)
	}
	if app.Assembly != nil {
		app.Assembly.InvalidateCampaignCache(campaignID)
	}
	return c.NoContent(http.StatusNoContent)
}

func GetEntityRelationshipsHandler(c echo.Context) error {
	app := middleware.GetApp(c)
	rels, err := app.Graph.GetRelationshipsForEntity(
		c.Request().Context(),
		c.Param("campaignId"),
		c.Param("entityId"),
		util.SplitList(c.QueryParam("types"))...,
	)
	if err != nil {
		return util.JSONError(c, "Failed to load relationships", err)
	}
	return c.JSON(http.StatusOK, rels)
}

func GetNeighborsHandler(c echo.Context) error {
	depth, ok := util.QueryInt(c, "depth", 1)
	if !ok || depth < 0 || depth > maxNeighborDepth {
		return util.BadRequest(c, "Invalid depth")
	}

	app := middleware.GetApp(c)
	neighbors, err := app.Graph.GetNeighbors(c.Request().Context(), c.Param("campaignId"), c.Param("entityId"), common.NeighborhoodQuery{
		MaxDepth:          depth,
		RelationshipTypes: util.SplitList(c.QueryParam("types")),
	})
	if err != nil {
		return util.JSONError(c, "Failed to load neighbors", err)
	}
	return c.JSON(http.StatusOK, neighbors)
}
