package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ofisk/loresmith-ai/backend/internal/server/middleware"
	"github.com/ofisk/loresmith-ai/backend/internal/server/util"
	"github.com/ofisk/loresmith-ai/backend/pkg/assembly"
)

func AssembleContextHandler(c echo.Context) error {
	type contextBody struct {
		Query   string           `json:"query" validate:"required"`
		Options assembly.Options `json:"options"`
	}

	data := new(contextBody)
	if err := c.Bind(data); err != nil {
		return util.BadRequest(c, "Invalid request body")
	}
	if err := c.Validate(data); err != nil {
		return util.BadRequest(c, "Invalid request body")
	}

	app := middleware.GetApp(c)
	result, err := app.Assembly.AssembleContext(c.Request().Context(), data.Query, c.Param("campaignId"), data.Options)
	if err != nil {
		return util.JSONError(c, "Context assembly failed", err)
	}
	return c.JSON(http.StatusOK, result)
}

func InvalidateContextCacheHandler(c echo.Context) error {
	middleware.GetApp(c).Assembly.InvalidateCampaignCache(c.Param("campaignId"))
	return c.NoContent(http.StatusNoContent)
}
