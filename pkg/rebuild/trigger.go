// Package rebuild decides when a campaign's derived graph aggregates are
// stale enough to recompute, schedules the recomputation and runs it.
package rebuild

import (
	"context"
	"fmt"
	"time"

	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger"
	"github.com/ofisk/loresmith-ai/backend/pkg/store"
)

// Thresholds are cumulative impact levels. Partial must not exceed Full.
type Thresholds struct {
	Partial float64
	Full    float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{Partial: 50, Full: 100}
}

// Classify maps a cumulative impact to a rebuild type. A partial rebuild
// needs at least one affected entity to scope it.
func (t Thresholds) Classify(total float64, affectedEntityIDs []string) (common.RebuildType, string) {
	switch {
	case total >= t.Full:
		return common.RebuildFull, fmt.Sprintf("cumulative impact %.2f reached full threshold %.2f", total, t.Full)
	case total >= t.Partial && len(affectedEntityIDs) > 0:
		return common.RebuildPartial, fmt.Sprintf(
			"cumulative impact %.2f reached partial threshold %.2f with %d affected entities",
			total, t.Partial, len(affectedEntityIDs),
		)
	case total >= t.Partial:
		return common.RebuildNone, fmt.Sprintf("cumulative impact %.2f reached partial threshold but no entities are affected", total)
	default:
		return common.RebuildNone, fmt.Sprintf("cumulative impact %.2f below partial threshold %.2f", total, t.Partial)
	}
}

// Trigger tracks cumulative impact per campaign.
type Trigger struct {
	campaigns  store.CampaignStore
	thresholds Thresholds
	now        func() time.Time
	log        logger.Scoped
}

type TriggerOption func(*Trigger)

func WithTriggerClock(now func() time.Time) TriggerOption {
	return func(t *Trigger) { t.now = now }
}

func NewTrigger(campaigns store.CampaignStore, thresholds Thresholds, opts ...TriggerOption) *Trigger {
	t := &Trigger{
		campaigns:  campaigns,
		thresholds: thresholds,
		now:        time.Now,
		log:        logger.Named("RebuildTrigger"),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Trigger) Thresholds() Thresholds {
	return t.thresholds
}

// RecordImpact adds delta to the campaign's cumulative impact and returns the new total.
func (t *Trigger) RecordImpact(ctx context.Context, campaignID string, delta float64) (float64, error) {
	total, err := t.campaigns.AddImpact(ctx, campaignID, delta)
	if err != nil {
		return 0, fmt.Errorf("record impact for campaign %s: %w", campaignID, err)
	}
	t.log.Debug("Recorded impact", "campaign_id", campaignID, "delta", delta, "total", total)
	return total, nil
}

func (t *Trigger) GetRebuildType(ctx context.Context, campaignID string, affectedEntityIDs []string) (common.RebuildType, error) {
	state, err := t.campaigns.GetRebuildState(ctx, campaignID)
	if err != nil {
		return common.RebuildNone, fmt.Errorf("load rebuild state for campaign %s: %w", campaignID, err)
	}
	kind, _ := t.thresholds.Classify(state.CumulativeImpact, affectedEntityIDs)
	return kind, nil
}

// MakeRebuildDecision evaluates the campaign and returns an audit record.
func (t *Trigger) MakeRebuildDecision(ctx context.Context, campaignID string, affectedEntityIDs []string) (common.RebuildDecision, error) {
	state, err := t.campaigns.GetRebuildState(ctx, campaignID)
	if err != nil {
		return common.RebuildDecision{}, fmt.Errorf("load rebuild state for campaign %s: %w", campaignID, err)
	}
	kind, reason := t.thresholds.Classify(state.CumulativeImpact, affectedEntityIDs)
	decision := common.RebuildDecision{
		CampaignID:       campaignID,
		RebuildType:      kind,
		CumulativeImpact: state.CumulativeImpact,
		Reason:           reason,
		DecidedAt:        t.now(),
	}
	if kind != common.RebuildNone && len(affectedEntityIDs) > 0 {
		decision.AffectedEntityIDs = append([]string(nil), affectedEntityIDs...)
	}
	t.log.Info("Rebuild decision",
		"campaign_id", campaignID,
		"rebuild_type", string(kind),
		"cumulative_impact", state.CumulativeImpact,
		"reason", reason,
	)
	return decision, nil
}

// ResetImpact zeroes the counter and stamps the rebuild time. Call it only
// after a rebuild completed successfully.
func (t *Trigger) ResetImpact(ctx context.Context, campaignID string) error {
	if err := t.campaigns.ResetImpact(ctx, campaignID, t.now()); err != nil {
		return fmt.Errorf("reset impact for campaign %s: %w", campaignID, err)
	}
	t.log.Info("Reset cumulative impact", "campaign_id", campaignID)
	return nil
}
