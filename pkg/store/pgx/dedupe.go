package pgx

import (
	"context"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"

	"github.com/ofisk/loresmith-ai/backend/internal/util"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
)

var dedupeColumns = []string{
	"id", "campaign_id", "new_entity_id", "potential_duplicate_ids", "similarity_scores",
	"status", "user_decision", "resolved_at", "created_at",
}

type dedupeRow struct {
	ID                    string     `db:"id"`
	CampaignID            string     `db:"campaign_id"`
	NewEntityID           string     `db:"new_entity_id"`
	PotentialDuplicateIDs []string   `db:"potential_duplicate_ids"`
	SimilarityScores      []float64  `db:"similarity_scores"`
	Status                string     `db:"status"`
	UserDecision          *string    `db:"user_decision"`
	ResolvedAt            *time.Time `db:"resolved_at"`
	CreatedAt             time.Time  `db:"created_at"`
}

func (r dedupeRow) toEntry() common.DeduplicationEntry {
	return common.DeduplicationEntry{
		ID:                    r.ID,
		CampaignID:            r.CampaignID,
		NewEntityID:           r.NewEntityID,
		PotentialDuplicateIDs: r.PotentialDuplicateIDs,
		SimilarityScores:      r.SimilarityScores,
		Status:                common.DeduplicationStatus(r.Status),
		UserDecision:          r.UserDecision,
		ResolvedAt:            r.ResolvedAt,
		CreatedAt:             r.CreatedAt,
	}
}

func (s *Store) CreateDeduplicationEntry(ctx context.Context, e common.DeduplicationEntry) (common.DeduplicationEntry, error) {
	if len(e.PotentialDuplicateIDs) != len(e.SimilarityScores) {
		return common.DeduplicationEntry{}, fmt.Errorf("dedup entry ids and scores differ in length: %w", common.ErrInvalidInput)
	}
	if e.ID == "" {
		e.ID = util.NewID("dedup_")
	}
	if e.Status == "" {
		e.Status = common.DedupPending
	}
	e.CreatedAt = s.now().UTC()
	q := psql.Insert("entity_deduplication_entries").
		Columns(dedupeColumns...).
		Values(e.ID, e.CampaignID, e.NewEntityID, e.PotentialDuplicateIDs, e.SimilarityScores,
			string(e.Status), e.UserDecision, e.ResolvedAt, e.CreatedAt)
	if _, err := s.exec(ctx, q); err != nil {
		return common.DeduplicationEntry{}, mapError(err, "dedup entry", e.ID)
	}
	return e, nil
}

func (s *Store) GetDeduplicationEntry(ctx context.Context, id string) (common.DeduplicationEntry, error) {
	q := psql.Select(dedupeColumns...).
		From("entity_deduplication_entries").
		Where(squirrel.Eq{"id": id})
	var row dedupeRow
	if err := s.getRow(ctx, &row, q); err != nil {
		return common.DeduplicationEntry{}, mapError(err, "dedup entry", id)
	}
	return row.toEntry(), nil
}

func (s *Store) ListDeduplicationEntries(ctx context.Context, campaignID string, filter common.DeduplicationFilter) ([]common.DeduplicationEntry, error) {
	q := psql.Select(dedupeColumns...).
		From("entity_deduplication_entries").
		Where(squirrel.Eq{"campaign_id": campaignID}).
		OrderBy("created_at DESC", "id ASC")
	if filter.Status != "" {
		q = q.Where(squirrel.Eq{"status": string(filter.Status)})
	}
	if filter.NewEntityID != "" {
		q = q.Where(squirrel.Eq{"new_entity_id": filter.NewEntityID})
	}
	if filter.Limit > 0 {
		q = q.Limit(uint64(filter.Limit))
	}
	var rows []dedupeRow
	if err := s.selectRows(ctx, &rows, q); err != nil {
		return nil, mapError(err, "dedup entries of campaign", campaignID)
	}
	out := make([]common.DeduplicationEntry, len(rows))
	for i, r := range rows {
		out[i] = r.toEntry()
	}
	return out, nil
}

func (s *Store) UpdateDeduplicationEntry(ctx context.Context, e common.DeduplicationEntry) error {
	q := psql.Update("entity_deduplication_entries").
		Set("status", string(e.Status)).
		Set("user_decision", e.UserDecision).
		Set("resolved_at", e.ResolvedAt).
		Where(squirrel.Eq{"id": e.ID})
	tag, err := s.exec(ctx, q)
	if err != nil {
		return mapError(err, "dedup entry", e.ID)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("dedup entry %s: %w", e.ID, common.ErrNotFound)
	}
	return nil
}
