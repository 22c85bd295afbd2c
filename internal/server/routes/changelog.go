package routes

import (
	"net/http"
	"slices"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ofisk/loresmith-ai/backend/internal/server/middleware"
	"github.com/ofisk/loresmith-ai/backend/internal/server/util"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger"
)

// PostChangelogHandler records a world-state change and, when a scheduler
// is configured, evaluates whether the campaign now needs a rebuild.
func PostChangelogHandler(c echo.Context) error {
	type changelogBody struct {
		CampaignSessionID *int                    `json:"campaignSessionId"`
		Timestamp         *time.Time              `json:"timestamp"`
		Payload           common.ChangelogPayload `json:"payload"`
		ImpactScore       float64                 `json:"impactScore" validate:"gte=0"`
	}

	type changelogResponse struct {
		Entry            common.ChangelogEntry   `json:"entry"`
		CumulativeImpact float64                 `json:"cumulativeImpact"`
		Decision         *common.RebuildDecision `json:"decision,omitempty"`
		Job              *common.RebuildJob      `json:"job,omitempty"`
	}

	data := new(changelogBody)
	if err := c.Bind(data); err != nil {
		return util.BadRequest(c, "Invalid request body")
	}
	if err := c.Validate(data); err != nil {
		return util.BadRequest(c, "Invalid request body")
	}

	app := middleware.GetApp(c)
	ctx := c.Request().Context()
	campaignID := c.Param("campaignId")

	entry := common.ChangelogEntry{
		CampaignID:        campaignID,
		CampaignSessionID: data.CampaignSessionID,
		Payload:           data.Payload,
		ImpactScore:       data.ImpactScore,
		Timestamp:         time.Now().UTC(),
	}
	if data.Timestamp != nil {
		entry.Timestamp = data.Timestamp.UTC()
	}

	saved, total, err := app.Recorder.Record(ctx, entry)
	if err != nil {
		return util.JSONError(c, "Failed to record changelog entry", err)
	}
	resp := changelogResponse{Entry: saved, CumulativeImpact: total}

	if app.Scheduler != nil {
		decision, job, err := app.Scheduler.Evaluate(ctx, campaignID, affectedEntityIDs(saved.Payload))
		if err != nil {
			logger.Warn("[Server] Rebuild evaluation failed", "campaign_id", campaignID, "err", err)
		} else {
			resp.Decision = &decision
			resp.Job = job
		}
	}

	return c.JSON(http.StatusCreated, resp)
}

func affectedEntityIDs(p common.ChangelogPayload) []string {
	var ids []string
	for _, u := range p.EntityUpdates {
		ids = append(ids, u.EntityID)
	}
	for _, r := range p.RelationshipUpdates {
		ids = append(ids, r.From, r.To)
	}
	for _, n := range p.NewEntities {
		ids = append(ids, n.ID)
	}
	slices.Sort(ids)
	return slices.Compact(slices.DeleteFunc(ids, func(id string) bool { return id == "" }))
}

// GetArchivedChangelogHandler reads archived entries. Filters: session,
// from and to (RFC 3339).
func GetArchivedChangelogHandler(c echo.Context) error {
	var filter common.ChangelogFilter

	if c.QueryParam("session") != "" {
		session, ok := util.QueryInt(c, "session", 0)
		if !ok {
			return util.BadRequest(c, "Invalid session")
		}
		filter.CampaignSessionID = &session
	}
	for name, dst := range map[string]**time.Time{"from": &filter.FromTimestamp, "to": &filter.ToTimestamp} {
		raw := c.QueryParam(name)
		if raw == "" {
			continue
		}
		ts, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return util.BadRequest(c, "Invalid "+name+" timestamp")
		}
		*dst = &ts
	}

	app := middleware.GetApp(c)
	entries, err := app.Archive.GetArchivedEntries(c.Request().Context(), c.Param("campaignId"), filter)
	if err != nil {
		return util.JSONError(c, "Failed to read archived changelog", err)
	}
	return c.JSON(http.StatusOK, entries)
}

func DeleteArchiveHandler(c echo.Context) error {
	key := c.QueryParam("key")
	if key == "" {
		return util.BadRequest(c, "key is required")
	}

	app := middleware.GetApp(c)
	if err := app.Archive.DeleteArchivedChangelog(c.Request().Context(), key); err != nil {
		return util.JSONError(c, "Failed to delete archive", err)
	}
	return c.NoContent(http.StatusNoContent)
}
