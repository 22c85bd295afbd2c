package routes

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/ofisk/loresmith-ai/backend/internal/server/middleware"
	"github.com/ofisk/loresmith-ai/backend/internal/server/util"
	"github.com/ofisk/loresmith-ai/backend/pkg/ai"
	"github.com/ofisk/loresmith-ai/backend/pkg/dedupe"
	"github.com/ofisk/loresmith-ai/backend/pkg/extract"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger"
)

// PostExtractionHandler persists the candidates of one extraction run.
// Candidates come either as a JSON array or as the raw extractor output in
// candidatesRaw. With ?dedupe=true every stored entity is also checked for
// duplicates.
func PostExtractionHandler(c echo.Context) error {
	type extractionBody struct {
		Source        extract.Source      `json:"source"`
		Content       string              `json:"content"`
		Candidates    []extract.Candidate `json:"candidates"`
		CandidatesRaw string              `json:"candidatesRaw"`
	}

	type extractionResponse struct {
		extract.Result
		MergeGroups    [][]string          `json:"mergeGroups,omitempty"`
		Dedupe         []dedupe.Evaluation `json:"dedupe,omitempty"`
		EmbeddingError string              `json:"embeddingError,omitempty"`
	}

	data := new(extractionBody)
	if err := c.Bind(data); err != nil {
		return util.BadRequest(c, "Invalid request body")
	}

	candidates := data.Candidates
	if len(candidates) == 0 && data.CandidatesRaw != "" {
		parsed, err := extract.ParseCandidates(data.CandidatesRaw)
		if err != nil {
			return util.BadRequest(c, "Could not parse candidates")
		}
		candidates = parsed
	}

	app := middleware.GetApp(c)
	ctx := c.Request().Context()
	campaignID := c.Param("campaignId")

	result, err := app.Extraction.Run(ctx, extract.Request{
		CampaignID: campaignID,
		Source:     data.Source,
		Content:    data.Content,
		Candidates: candidates,
	})
	// A failed run may still have stored part of the batch.
	if app.Assembly != nil {
		app.Assembly.InvalidateCampaignCache(campaignID)
	}
	// A provider configuration error arrives after the batch was stored.
	status := http.StatusOK
	var embeddingErr string
	if err != nil {
		if !ai.IsConfigError(err) {
			return util.JSONError(c, "Extraction failed", err)
		}
		status = http.StatusBadGateway
		embeddingErr = err.Error()
	}

	resp := extractionResponse{Result: result, EmbeddingError: embeddingErr}
	if c.QueryParam("dedupe") == "true" && app.Dedupe != nil {
		for _, e := range result.Entities {
			eval, err := app.Dedupe.EvaluateEntity(ctx, campaignID, e.ID, e.EntityType)
			if err != nil {
				logger.Warn("[Server] Dedupe evaluation failed", "campaign_id", campaignID, "entity_id", e.ID, "err", err)
				continue
			}
			resp.Dedupe = append(resp.Dedupe, eval)
		}
		resp.MergeGroups = dedupe.PlanMergeGroups(resp.Dedupe)
	}

	return c.JSON(status, resp)
}

func GetCandidateSchemaHandler(c echo.Context) error {
	return c.JSON(http.StatusOK, extract.CandidateSchema())
}
