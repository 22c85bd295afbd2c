package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ofisk/loresmith-ai/backend/internal/server/middleware"
	"github.com/ofisk/loresmith-ai/backend/internal/server/util"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
)

func EvaluateDuplicatesHandler(c echo.Context) error {
	type evaluateBody struct {
		EntityType string `json:"entityType"`
	}

	data := new(evaluateBody)
	if err := c.Bind(data); err != nil {
		return util.BadRequest(c, "Invalid request body")
	}

	app := middleware.GetApp(c)
	eval, err := app.Dedupe.EvaluateEntity(c.Request().Context(), c.Param("campaignId"), c.Param("entityId"), data.EntityType)
	if err != nil {
		return util.JSONError(c, "Deduplication failed", err)
	}
	return c.JSON(http.StatusOK, eval)
}

func GetPendingDuplicatesHandler(c echo.Context) error {
	limit, ok := util.QueryInt(c, "limit", 50)
	if !ok || limit < 0 {
		return util.BadRequest(c, "Invalid limit")
	}

	app := middleware.GetApp(c)
	entries, err := app.Dedupe.ListPending(c.Request().Context(), c.Param("campaignId"), limit)
	if err != nil {
		return util.JSONError(c, "Failed to list pending duplicates", err)
	}
	return c.JSON(http.StatusOK, entries)
}

func ResolveDuplicateHandler(c echo.Context) error {
	type resolveBody struct {
		Status       string  `json:"status" validate:"required,oneof=merged rejected confirmed_unique"`
		UserDecision *string `json:"userDecision"`
	}

	data := new(resolveBody)
	if err := c.Bind(data); err != nil {
		return util.BadRequest(c, "Invalid request body")
	}
	if err := c.Validate(data); err != nil {
		return util.BadRequest(c, "Invalid request body")
	}

	app := middleware.GetApp(c)
	entry, err := app.Dedupe.ResolvePendingEntry(
		c.Request().Context(),
		c.Param("entryId"),
		common.DeduplicationStatus(data.Status),
		data.UserDecision,
	)
	if err != nil {
		return util.JSONError(c, "Failed to resolve duplicate", err)
	}
	return c.JSON(http.StatusOK, entry)
}
