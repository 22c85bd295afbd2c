package changelog

import (
	"context"
	"fmt"
	"math"

	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger"
	"github.com/ofisk/loresmith-ai/backend/pkg/store"
)

type ImpactRecorder interface {
	RecordImpact(ctx context.Context, campaignID string, delta float64) (float64, error)
}

// CacheInvalidator drops cached reads of a campaign.
type CacheInvalidator interface {
	Invalidate(campaignID string)
}

// Recorder appends live changelog entries and feeds their impact to the
// rebuild trigger.
type Recorder struct {
	changelog   store.ChangelogStore
	impact      ImpactRecorder
	search      store.SearchIndex
	invalidator CacheInvalidator
	log         logger.Scoped
}

type RecorderOption func(*Recorder)

// WithLiveIndex indexes each recorded entry for planning search.
func WithLiveIndex(search store.SearchIndex) RecorderOption {
	return func(r *Recorder) { r.search = search }
}

func WithInvalidator(inv CacheInvalidator) RecorderOption {
	return func(r *Recorder) { r.invalidator = inv }
}

func NewRecorder(changelog store.ChangelogStore, impact ImpactRecorder, opts ...RecorderOption) *Recorder {
	r := &Recorder{
		changelog: changelog,
		impact:    impact,
		log:       logger.Named("ChangelogRecorder"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Record stores e and returns it with the campaign's new cumulative impact.
func (r *Recorder) Record(ctx context.Context, e common.ChangelogEntry) (common.ChangelogEntry, float64, error) {
	if e.CampaignID == "" {
		return common.ChangelogEntry{}, 0, fmt.Errorf("%w: campaign id is required", common.ErrInvalidInput)
	}
	if e.ImpactScore < 0 || math.IsNaN(e.ImpactScore) || math.IsInf(e.ImpactScore, 0) {
		return common.ChangelogEntry{}, 0, fmt.Errorf("%w: impact score %v", common.ErrInvalidInput, e.ImpactScore)
	}
	e.AppliedToGraph = false

	saved, err := r.changelog.AppendChangelogEntry(ctx, e)
	if err != nil {
		return common.ChangelogEntry{}, 0, fmt.Errorf("append changelog entry: %w", err)
	}

	total, err := r.impact.RecordImpact(ctx, saved.CampaignID, saved.ImpactScore)
	if err != nil {
		return saved, 0, err
	}

	if r.search != nil {
		if err := r.search.UpsertSearchEntry(ctx, common.SearchEntry{
			ID:                "chgsearch_" + saved.ID,
			CampaignID:        saved.CampaignID,
			SourceID:          saved.ID,
			SourceType:        SourceType,
			Text:              EntryText(saved),
			CampaignSessionID: saved.CampaignSessionID,
			Timestamp:         saved.Timestamp,
		}); err != nil {
			r.log.Warn("Failed to index changelog entry", "entry_id", saved.ID, "err", err)
		}
	}
	if r.invalidator != nil {
		r.invalidator.Invalidate(saved.CampaignID)
	}

	r.log.Info("Recorded changelog entry",
		"campaign_id", saved.CampaignID,
		"entry_id", saved.ID,
		"impact", saved.ImpactScore,
		"cumulative_impact", total,
	)
	return saved, total, nil
}
