package rebuild

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/ofisk/loresmith-ai/backend/internal/util"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger"
	"github.com/ofisk/loresmith-ai/backend/pkg/store"
)

// ComponentPipeline is the built-in RebuildPipeline. Communities are the
// connected components of the campaign graph and importance is weighted
// degree normalized to the busiest entity of the community.
//
// A partial rebuild recomputes only the components containing an affected
// entity and keeps the stored communities that share no member with them.
type ComponentPipeline struct {
	relationships store.RelationshipStore
	communities   store.CommunityStore
	now           func() time.Time
	log           logger.Scoped
}

func NewComponentPipeline(relationships store.RelationshipStore, communities store.CommunityStore) *ComponentPipeline {
	return &ComponentPipeline{
		relationships: relationships,
		communities:   communities,
		now:           time.Now,
		log:           logger.Named("RebuildPipeline"),
	}
}

func (p *ComponentPipeline) ExecuteRebuild(ctx context.Context, job common.RebuildJob) (common.RebuildResult, error) {
	rels, err := p.relationships.ListCampaignRelationships(ctx, job.CampaignID)
	if err != nil {
		return common.RebuildResult{}, fmt.Errorf("list relationships: %w", err)
	}

	pairs := make([][2]string, 0, len(rels))
	degree := make(map[string]float64)
	for _, r := range rels {
		pairs = append(pairs, [2]string{r.FromEntityID, r.ToEntityID})
		w := 1.0
		if r.Strength != nil {
			w = *r.Strength
		}
		degree[r.FromEntityID] += w
		degree[r.ToEntityID] += w
	}
	groups := util.ConnectedComponents(pairs)

	var kept []common.Community
	if job.RebuildType == common.RebuildPartial {
		affected := make(map[string]bool, len(job.AffectedEntityIDs))
		for _, id := range job.AffectedEntityIDs {
			affected[id] = true
		}
		groups = slices.DeleteFunc(groups, func(g []string) bool {
			return !slices.ContainsFunc(g, func(id string) bool { return affected[id] })
		})

		recomputed := make(map[string]bool)
		for _, g := range groups {
			for _, id := range g {
				recomputed[id] = true
			}
		}
		existing, err := p.communities.ListCommunities(ctx, job.CampaignID)
		if err != nil {
			return common.RebuildResult{}, fmt.Errorf("list communities: %w", err)
		}
		for _, c := range existing {
			if !slices.ContainsFunc(c.EntityIDs, func(id string) bool { return recomputed[id] }) {
				kept = append(kept, c)
			}
		}
	}

	now := p.now()
	out := make([]common.Community, 0, len(kept)+len(groups))
	out = append(out, kept...)
	for _, g := range groups {
		out = append(out, common.Community{
			CampaignID: job.CampaignID,
			RebuildID:  job.RebuildID,
			EntityIDs:  g,
			Importance: importance(g, degree),
			CreatedAt:  now,
		})
	}
	for i := range out {
		out[i].Index = i
	}

	if err := p.communities.ReplaceCommunities(ctx, job.CampaignID, out); err != nil {
		return common.RebuildResult{}, fmt.Errorf("store communities: %w", err)
	}

	count := len(out)
	p.log.Info("Computed communities",
		"campaign_id", job.CampaignID,
		"rebuild_type", string(job.RebuildType),
		"recomputed", len(groups),
		"kept", len(kept),
	)
	return common.RebuildResult{Success: true, CommunitiesCount: &count}, nil
}

func importance(ids []string, degree map[string]float64) map[string]float64 {
	peak := 0.0
	for _, id := range ids {
		peak = max(peak, degree[id])
	}
	out := make(map[string]float64, len(ids))
	for _, id := range ids {
		if peak == 0 {
			out[id] = 0
			continue
		}
		out[id] = degree[id] / peak
	}
	return out
}
