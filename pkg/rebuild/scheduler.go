package rebuild

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ofisk/loresmith-ai/backend/internal/util"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger"
	"github.com/ofisk/loresmith-ai/backend/pkg/store"
)

// Scheduler turns trigger decisions into queued rebuild jobs.
type Scheduler struct {
	trigger *Trigger
	queue   store.JobQueue
	newID   func() string
	log     logger.Scoped
}

func NewScheduler(trigger *Trigger, queue store.JobQueue) *Scheduler {
	return &Scheduler{
		trigger: trigger,
		queue:   queue,
		newID:   util.NewRebuildID,
		log:     logger.Named("RebuildScheduler"),
	}
}

// Evaluate decides whether the campaign needs a rebuild and, if so,
// publishes a job for it. The returned job is nil when nothing was queued.
func (s *Scheduler) Evaluate(ctx context.Context, campaignID string, affectedEntityIDs []string) (common.RebuildDecision, *common.RebuildJob, error) {
	decision, err := s.trigger.MakeRebuildDecision(ctx, campaignID, affectedEntityIDs)
	if err != nil {
		return common.RebuildDecision{}, nil, err
	}
	if decision.RebuildType == common.RebuildNone {
		return decision, nil, nil
	}

	job := common.RebuildJob{
		RebuildID:   s.newID(),
		CampaignID:  campaignID,
		RebuildType: decision.RebuildType,
		Options: map[string]any{
			"cumulativeImpact": decision.CumulativeImpact,
		},
	}
	if decision.RebuildType == common.RebuildPartial {
		job.AffectedEntityIDs = decision.AffectedEntityIDs
	}

	body, err := json.Marshal(job)
	if err != nil {
		return decision, nil, fmt.Errorf("encode rebuild job: %w", err)
	}
	if err := s.queue.Send(ctx, body); err != nil {
		return decision, nil, fmt.Errorf("enqueue rebuild job %s: %w", job.RebuildID, err)
	}
	s.log.Info("Queued rebuild",
		"campaign_id", campaignID,
		"rebuild_id", job.RebuildID,
		"rebuild_type", string(job.RebuildType),
		"affected_entities", len(job.AffectedEntityIDs),
	)
	return decision, &job, nil
}
