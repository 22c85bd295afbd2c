package queue

import (
	"context"
	"time"

	"github.com/ofisk/loresmith-ai/backend/pkg/changelog"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger"
)

type RebuildProcessor interface {
	HandleMessage(ctx context.Context, body []byte) (common.RebuildJob, common.RebuildResult, error)
}

type ImpactResetter interface {
	ResetImpact(ctx context.Context, campaignID string) error
}

type ChangelogArchiver interface {
	ArchiveApplied(ctx context.Context, campaignID, rebuildID string, before time.Time) (common.ChangelogArchiveMetadata, changelog.ReindexReport, error)
}

// RebuildHandler runs queued rebuild jobs. After a successful rebuild it
// resets the campaign's cumulative impact, archives the live changelog
// recorded before the job started and invalidates cached context. Failures
// in that completion step are logged only; the job is still acked.
type RebuildHandler struct {
	processor   RebuildProcessor
	impact      ImpactResetter
	archiver    ChangelogArchiver
	invalidator changelog.CacheInvalidator
	now         func() time.Time
	log         logger.Scoped
}

type RebuildHandlerOption func(*RebuildHandler)

func WithArchiver(a ChangelogArchiver) RebuildHandlerOption {
	return func(h *RebuildHandler) { h.archiver = a }
}

func WithInvalidator(inv changelog.CacheInvalidator) RebuildHandlerOption {
	return func(h *RebuildHandler) { h.invalidator = inv }
}

func WithHandlerClock(now func() time.Time) RebuildHandlerOption {
	return func(h *RebuildHandler) { h.now = now }
}

func NewRebuildHandler(processor RebuildProcessor, impact ImpactResetter, opts ...RebuildHandlerOption) *RebuildHandler {
	h := &RebuildHandler{
		processor: processor,
		impact:    impact,
		now:       time.Now,
		log:       logger.Named("RebuildWorker"),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Handle satisfies Handler.
func (h *RebuildHandler) Handle(ctx context.Context, body []byte) error {
	started := h.now()
	job, result, err := h.processor.HandleMessage(ctx, body)
	if err != nil {
		return err
	}
	h.complete(ctx, job, result, started)
	return nil
}

func (h *RebuildHandler) complete(ctx context.Context, job common.RebuildJob, result common.RebuildResult, started time.Time) {
	if err := h.impact.ResetImpact(ctx, job.CampaignID); err != nil {
		h.log.Error("Failed to reset cumulative impact", "campaign_id", job.CampaignID, "rebuild_id", job.RebuildID, "err", err)
	}

	if h.archiver != nil {
		meta, report, err := h.archiver.ArchiveApplied(ctx, job.CampaignID, job.RebuildID, started)
		switch {
		case err != nil:
			h.log.Error("Failed to archive applied changelog", "campaign_id", job.CampaignID, "rebuild_id", job.RebuildID, "err", err)
		case meta.ArchiveKey != "":
			h.log.Info("Archived applied changelog",
				"campaign_id", job.CampaignID,
				"archive_key", meta.ArchiveKey,
				"entries", meta.EntryCount,
				"indexed", report.Indexed,
				"index_failures", len(report.Failed),
			)
		}
	}

	if h.invalidator != nil {
		h.invalidator.Invalidate(job.CampaignID)
	}

	communities := 0
	if result.CommunitiesCount != nil {
		communities = *result.CommunitiesCount
	}
	h.log.Info("Rebuild completed",
		"campaign_id", job.CampaignID,
		"rebuild_id", job.RebuildID,
		"rebuild_type", string(job.RebuildType),
		"communities", communities,
	)
}
