// Package dedupe classifies near-duplicate entities by embedding
// similarity. It never merges entities; it reports high-confidence matches
// and records medium-confidence ones for review.
package dedupe

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ofisk/loresmith-ai/backend/internal/util"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger"
	"github.com/ofisk/loresmith-ai/backend/pkg/store"
)

var (
	ErrNoEmbedding     = errors.New("entity has no embedding")
	ErrInvalidStatus   = errors.New("invalid resolution status")
	ErrAlreadyResolved = errors.New("deduplication entry already resolved")
)

const (
	DefaultHighThreshold = 0.90
	DefaultLowThreshold  = 0.75
	DefaultTopK          = 10
)

type Config struct {
	HighThreshold float64
	LowThreshold  float64
	TopK          int
}

func DefaultConfig() Config {
	return Config{
		HighThreshold: DefaultHighThreshold,
		LowThreshold:  DefaultLowThreshold,
		TopK:          DefaultTopK,
	}
}

// Evaluation is the outcome of one EvaluateEntity call.
type Evaluation struct {
	EntityID              string               `json:"entityId"`
	HighConfidenceMatches []common.SimilarMatch `json:"highConfidenceMatches"`
	PendingEntryID        string               `json:"pendingEntryId,omitempty"`
	Discarded             int                  `json:"discarded"`
}

type Service struct {
	index   store.SimilarityIndex
	entries store.DeduplicationStore
	cfg     Config
	now     func() time.Time
	log     logger.Scoped
}

func NewService(index store.SimilarityIndex, entries store.DeduplicationStore, cfg Config) *Service {
	if cfg.TopK <= 0 {
		cfg.TopK = DefaultTopK
	}
	return &Service{
		index:   index,
		entries: entries,
		cfg:     cfg,
		now:     time.Now,
		log:     logger.Named("DedupeService"),
	}
}

// EvaluateEntity compares an entity's stored embedding with the rest of
// the campaign. Matches at or above the high threshold are returned;
// matches in [low, high) go into one pending entry; the rest are dropped.
// An empty entityType searches across all types.
func (s *Service) EvaluateEntity(ctx context.Context, campaignID, entityID, entityType string) (Evaluation, error) {
	eval := Evaluation{EntityID: entityID, HighConfidenceMatches: []common.SimilarMatch{}}

	vec, err := s.index.GetEmbedding(ctx, campaignID, entityID)
	if errors.Is(err, common.ErrNotFound) {
		return eval, fmt.Errorf("evaluate %s: %w", entityID, ErrNoEmbedding)
	}
	if err != nil {
		return eval, fmt.Errorf("load embedding for %s: %w", entityID, err)
	}

	matches, err := s.index.FindSimilar(ctx, vec, store.SimilarityQuery{
		CampaignID: campaignID,
		EntityType: entityType,
		TopK:       s.cfg.TopK,
		ExcludeIDs: []string{entityID},
	})
	if err != nil {
		return eval, fmt.Errorf("similarity search for %s: %w", entityID, err)
	}

	var mediumIDs []string
	var mediumScores []float64
	for _, m := range matches {
		switch {
		case m.ID == entityID:
			continue
		case m.Score >= s.cfg.HighThreshold:
			eval.HighConfidenceMatches = append(eval.HighConfidenceMatches, m)
		case m.Score >= s.cfg.LowThreshold:
			mediumIDs = append(mediumIDs, m.ID)
			mediumScores = append(mediumScores, m.Score)
		default:
			eval.Discarded++
		}
	}

	if len(mediumIDs) > 0 {
		entry, err := s.entries.CreateDeduplicationEntry(ctx, common.DeduplicationEntry{
			ID:                    util.NewID("dedup_"),
			CampaignID:            campaignID,
			NewEntityID:           entityID,
			PotentialDuplicateIDs: mediumIDs,
			SimilarityScores:      mediumScores,
			Status:                common.DedupPending,
		})
		if err != nil {
			return eval, fmt.Errorf("create dedup entry for %s: %w", entityID, err)
		}
		eval.PendingEntryID = entry.ID
	}

	s.log.Info("Evaluated entity",
		"campaign_id", campaignID,
		"entity_id", entityID,
		"high", len(eval.HighConfidenceMatches),
		"pending", len(mediumIDs),
		"discarded", eval.Discarded,
	)
	return eval, nil
}

// ResolvePendingEntry closes a pending review with a terminal status.
func (s *Service) ResolvePendingEntry(ctx context.Context, id string, status common.DeduplicationStatus, userDecision *string) (common.DeduplicationEntry, error) {
	if !status.Terminal() {
		return common.DeduplicationEntry{}, fmt.Errorf("resolve %s as %q: %w", id, status, ErrInvalidStatus)
	}
	entry, err := s.entries.GetDeduplicationEntry(ctx, id)
	if err != nil {
		return common.DeduplicationEntry{}, fmt.Errorf("load dedup entry %s: %w", id, err)
	}
	if entry.Status != common.DedupPending {
		return entry, fmt.Errorf("resolve %s: %w", id, ErrAlreadyResolved)
	}

	now := s.now().UTC()
	entry.Status = status
	entry.UserDecision = userDecision
	entry.ResolvedAt = &now
	if err := s.entries.UpdateDeduplicationEntry(ctx, entry); err != nil {
		return common.DeduplicationEntry{}, fmt.Errorf("update dedup entry %s: %w", id, err)
	}
	s.log.Info("Resolved dedup entry", "entry_id", id, "status", status)
	return entry, nil
}

// ListPending returns open reviews of a campaign, newest first.
func (s *Service) ListPending(ctx context.Context, campaignID string, limit int) ([]common.DeduplicationEntry, error) {
	entries, err := s.entries.ListDeduplicationEntries(ctx, campaignID, common.DeduplicationFilter{
		Status: common.DedupPending,
		Limit:  limit,
	})
	if err != nil {
		return nil, fmt.Errorf("list pending dedup entries: %w", err)
	}
	return entries, nil
}

// PlanMergeGroups joins high-confidence matches across evaluations into
// groups of entity ids that an external merge step can collapse.
func PlanMergeGroups(evals []Evaluation) [][]string {
	var pairs [][2]string
	for _, e := range evals {
		for _, m := range e.HighConfidenceMatches {
			if m.ID == e.EntityID {
				continue
			}
			pairs = append(pairs, [2]string{e.EntityID, m.ID})
		}
	}
	return util.ConnectedComponents(pairs)
}
