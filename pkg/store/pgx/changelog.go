package pgx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"github.com/ofisk/loresmith-ai/backend/internal/util"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/store"
)

// Rebuild bookkeeping lives in campaigns.metadata under cumulativeImpact
// and lastRebuildAt.

const getRebuildStateSQL = `
SELECT COALESCE((metadata->>'cumulativeImpact')::float8, 0) AS cumulative_impact,
	(metadata->>'lastRebuildAt')::timestamptz AS last_rebuild_at
FROM campaigns
WHERE id = $1`

const addImpactSQL = `
INSERT INTO campaigns (id, metadata, updated_at)
VALUES ($1, jsonb_build_object('cumulativeImpact', $2::float8), $3)
ON CONFLICT (id) DO UPDATE
SET metadata = jsonb_set(
		COALESCE(campaigns.metadata, '{}'::jsonb),
		'{cumulativeImpact}',
		to_jsonb(COALESCE((campaigns.metadata->>'cumulativeImpact')::float8, 0) + $2::float8)
	),
	updated_at = EXCLUDED.updated_at
RETURNING (metadata->>'cumulativeImpact')::float8`

const resetImpactSQL = `
INSERT INTO campaigns (id, metadata, updated_at)
VALUES ($1, jsonb_build_object('cumulativeImpact', 0, 'lastRebuildAt', $2::timestamptz), $2)
ON CONFLICT (id) DO UPDATE
SET metadata = COALESCE(campaigns.metadata, '{}'::jsonb)
		|| jsonb_build_object('cumulativeImpact', 0, 'lastRebuildAt', $2::timestamptz),
	updated_at = EXCLUDED.updated_at`

type rebuildStateRow struct {
	CumulativeImpact float64    `db:"cumulative_impact"`
	LastRebuildAt    *time.Time `db:"last_rebuild_at"`
}

// GetRebuildState returns the zero state for campaigns without a row.
func (s *Store) GetRebuildState(ctx context.Context, campaignID string) (common.CampaignRebuildState, error) {
	rows, err := s.db.Query(ctx, getRebuildStateSQL, campaignID)
	if err != nil {
		return common.CampaignRebuildState{}, mapError(err, "campaign", campaignID)
	}
	found, err := pgxv5.CollectRows(rows, pgxv5.RowToStructByName[rebuildStateRow])
	if err != nil {
		return common.CampaignRebuildState{}, mapError(err, "campaign", campaignID)
	}
	if len(found) == 0 {
		return common.CampaignRebuildState{}, nil
	}
	return common.CampaignRebuildState{
		CumulativeImpact: found[0].CumulativeImpact,
		LastRebuildAt:    found[0].LastRebuildAt,
	}, nil
}

// AddImpact increments the counter in one statement so concurrent writers
// never lose an update.
func (s *Store) AddImpact(ctx context.Context, campaignID string, delta float64) (float64, error) {
	var total float64
	if err := s.db.QueryRow(ctx, addImpactSQL, campaignID, delta, s.now().UTC()).Scan(&total); err != nil {
		return 0, mapError(err, "campaign", campaignID)
	}
	return total, nil
}

func (s *Store) ResetImpact(ctx context.Context, campaignID string, at time.Time) error {
	if _, err := s.db.Exec(ctx, resetImpactSQL, campaignID, at.UTC()); err != nil {
		return mapError(err, "campaign", campaignID)
	}
	return nil
}

var changelogColumns = []string{
	"id", "campaign_id", "campaign_session_id", "timestamp", "payload",
	"impact_score", "applied_to_graph", "created_at",
}

type changelogRow struct {
	ID                string    `db:"id"`
	CampaignID        string    `db:"campaign_id"`
	CampaignSessionID *int      `db:"campaign_session_id"`
	Timestamp         time.Time `db:"timestamp"`
	Payload           []byte    `db:"payload"`
	ImpactScore       float64   `db:"impact_score"`
	AppliedToGraph    bool      `db:"applied_to_graph"`
	CreatedAt         time.Time `db:"created_at"`
}

func (r changelogRow) toEntry() (common.ChangelogEntry, error) {
	e := common.ChangelogEntry{
		ID:                r.ID,
		CampaignID:        r.CampaignID,
		CampaignSessionID: r.CampaignSessionID,
		Timestamp:         r.Timestamp,
		ImpactScore:       r.ImpactScore,
		AppliedToGraph:    r.AppliedToGraph,
		CreatedAt:         r.CreatedAt,
	}
	if len(r.Payload) > 0 {
		if err := json.Unmarshal(r.Payload, &e.Payload); err != nil {
			return common.ChangelogEntry{}, fmt.Errorf("decode payload of changelog entry %s: %w", r.ID, err)
		}
	}
	return e, nil
}

func toChangelogEntries(rows []changelogRow) ([]common.ChangelogEntry, error) {
	out := make([]common.ChangelogEntry, 0, len(rows))
	for _, r := range rows {
		e, err := r.toEntry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (s *Store) AppendChangelogEntry(ctx context.Context, e common.ChangelogEntry) (common.ChangelogEntry, error) {
	if e.CampaignID == "" {
		return common.ChangelogEntry{}, fmt.Errorf("changelog campaign id: %w", common.ErrInvalidInput)
	}
	if e.ID == "" {
		e.ID = util.NewID("chg_")
	}
	e.CreatedAt = s.now().UTC()
	if e.Timestamp.IsZero() {
		e.Timestamp = e.CreatedAt
	}
	payload, err := json.Marshal(e.Payload)
	if err != nil {
		return common.ChangelogEntry{}, fmt.Errorf("encode changelog payload: %w", err)
	}
	q := psql.Insert("world_state_changelog").
		Columns(changelogColumns...).
		Values(e.ID, e.CampaignID, e.CampaignSessionID, e.Timestamp, payload, e.ImpactScore, e.AppliedToGraph, e.CreatedAt)
	if _, err := s.exec(ctx, q); err != nil {
		return common.ChangelogEntry{}, mapError(err, "changelog entry", e.ID)
	}
	return e, nil
}

func (s *Store) GetChangelogEntries(ctx context.Context, campaignID string, ids []string) ([]common.ChangelogEntry, error) {
	ids = store.DedupeStrings(ids)
	if len(ids) == 0 {
		return []common.ChangelogEntry{}, nil
	}
	q := psql.Select(changelogColumns...).
		From("world_state_changelog").
		Where(squirrel.Eq{"campaign_id": campaignID, "id": ids}).
		OrderBy("timestamp ASC", "created_at ASC", "id ASC")
	var rows []changelogRow
	if err := s.selectRows(ctx, &rows, q); err != nil {
		return nil, mapError(err, "changelog of campaign", campaignID)
	}
	return toChangelogEntries(rows)
}

func (s *Store) ListChangelogEntries(ctx context.Context, campaignID string, filter common.ChangelogFilter) ([]common.ChangelogEntry, error) {
	q := psql.Select(changelogColumns...).
		From("world_state_changelog").
		Where(squirrel.Eq{"campaign_id": campaignID}).
		OrderBy("timestamp ASC", "created_at ASC", "id ASC")
	if filter.CampaignSessionID != nil {
		q = q.Where(squirrel.Eq{"campaign_session_id": *filter.CampaignSessionID})
	}
	if filter.FromTimestamp != nil {
		q = q.Where(squirrel.GtOrEq{"timestamp": *filter.FromTimestamp})
	}
	if filter.ToTimestamp != nil {
		q = q.Where(squirrel.LtOrEq{"timestamp": *filter.ToTimestamp})
	}
	if filter.AppliedToGraph != nil {
		q = q.Where(squirrel.Eq{"applied_to_graph": *filter.AppliedToGraph})
	}
	var rows []changelogRow
	if err := s.selectRows(ctx, &rows, q); err != nil {
		return nil, mapError(err, "changelog of campaign", campaignID)
	}
	return toChangelogEntries(rows)
}

func (s *Store) MarkChangelogApplied(ctx context.Context, campaignID string, ids []string) error {
	ids = store.DedupeStrings(ids)
	if len(ids) == 0 {
		return nil
	}
	err := store.ChunkRange(len(ids), s.batchSize, func(start, end int) error {
		q := psql.Update("world_state_changelog").
			Set("applied_to_graph", true).
			Where(squirrel.Eq{"campaign_id": campaignID, "id": ids[start:end]})
		_, err := s.exec(ctx, q)
		return err
	})
	return mapError(err, "changelog of campaign", campaignID)
}

func (s *Store) DeleteChangelogEntries(ctx context.Context, campaignID string, ids []string) error {
	ids = store.DedupeStrings(ids)
	if len(ids) == 0 {
		return nil
	}
	err := store.ChunkRange(len(ids), s.batchSize, func(start, end int) error {
		q := psql.Delete("world_state_changelog").
			Where(squirrel.Eq{"campaign_id": campaignID, "id": ids[start:end]})
		_, err := s.exec(ctx, q)
		return err
	})
	return mapError(err, "changelog of campaign", campaignID)
}

var archiveColumns = []string{
	"id", "campaign_id", "rebuild_id", "archive_key", "session_min", "session_max",
	"timestamp_from", "timestamp_to", "entry_count", "created_at",
}

type archiveRow struct {
	ID            string    `db:"id"`
	CampaignID    string    `db:"campaign_id"`
	RebuildID     string    `db:"rebuild_id"`
	ArchiveKey    string    `db:"archive_key"`
	SessionMin    *int      `db:"session_min"`
	SessionMax    *int      `db:"session_max"`
	TimestampFrom time.Time `db:"timestamp_from"`
	TimestampTo   time.Time `db:"timestamp_to"`
	EntryCount    int       `db:"entry_count"`
	CreatedAt     time.Time `db:"created_at"`
}

func (r archiveRow) toMetadata() common.ChangelogArchiveMetadata {
	return common.ChangelogArchiveMetadata{
		ID:             r.ID,
		CampaignID:     r.CampaignID,
		RebuildID:      r.RebuildID,
		ArchiveKey:     r.ArchiveKey,
		SessionRange:   common.SessionRange{Min: r.SessionMin, Max: r.SessionMax},
		TimestampRange: common.TimestampRange{From: r.TimestampFrom, To: r.TimestampTo},
		EntryCount:     r.EntryCount,
		CreatedAt:      r.CreatedAt,
	}
}

func (s *Store) CreateArchiveMetadata(ctx context.Context, m common.ChangelogArchiveMetadata) (common.ChangelogArchiveMetadata, error) {
	if m.ID == "" {
		m.ID = util.NewID("arch_")
	}
	m.CreatedAt = s.now().UTC()
	q := psql.Insert("changelog_archive_metadata").
		Columns(archiveColumns...).
		Values(m.ID, m.CampaignID, m.RebuildID, m.ArchiveKey, m.SessionRange.Min, m.SessionRange.Max,
			m.TimestampRange.From, m.TimestampRange.To, m.EntryCount, m.CreatedAt)
	if _, err := s.exec(ctx, q); err != nil {
		return common.ChangelogArchiveMetadata{}, mapError(err, "archive", m.ArchiveKey)
	}
	return m, nil
}

func (s *Store) GetArchiveMetadataByKey(ctx context.Context, archiveKey string) (common.ChangelogArchiveMetadata, error) {
	q := psql.Select(archiveColumns...).
		From("changelog_archive_metadata").
		Where(squirrel.Eq{"archive_key": archiveKey})
	var row archiveRow
	if err := s.getRow(ctx, &row, q); err != nil {
		return common.ChangelogArchiveMetadata{}, mapError(err, "archive", archiveKey)
	}
	return row.toMetadata(), nil
}

// ListArchiveMetadata selects archives whose ranges can hold matching
// entries. Rows without a session range never match a session filter.
func (s *Store) ListArchiveMetadata(ctx context.Context, campaignID string, filter common.ChangelogFilter) ([]common.ChangelogArchiveMetadata, error) {
	q := psql.Select(archiveColumns...).
		From("changelog_archive_metadata").
		Where(squirrel.Eq{"campaign_id": campaignID}).
		OrderBy("timestamp_from ASC", "archive_key ASC")
	if filter.CampaignSessionID != nil {
		q = q.Where(squirrel.And{
			squirrel.LtOrEq{"session_min": *filter.CampaignSessionID},
			squirrel.GtOrEq{"session_max": *filter.CampaignSessionID},
		})
	}
	if filter.FromTimestamp != nil {
		q = q.Where(squirrel.GtOrEq{"timestamp_to": *filter.FromTimestamp})
	}
	if filter.ToTimestamp != nil {
		q = q.Where(squirrel.LtOrEq{"timestamp_from": *filter.ToTimestamp})
	}
	var rows []archiveRow
	if err := s.selectRows(ctx, &rows, q); err != nil {
		return nil, mapError(err, "archives of campaign", campaignID)
	}
	out := make([]common.ChangelogArchiveMetadata, len(rows))
	for i, r := range rows {
		out[i] = r.toMetadata()
	}
	return out, nil
}

func (s *Store) DeleteArchiveMetadata(ctx context.Context, archiveKey string) error {
	tag, err := s.exec(ctx, psql.Delete("changelog_archive_metadata").Where(squirrel.Eq{"archive_key": archiveKey}))
	if err != nil {
		return mapError(err, "archive", archiveKey)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("archive %s: %w", archiveKey, common.ErrNotFound)
	}
	return nil
}

func (s *Store) UpsertSearchEntry(ctx context.Context, e common.SearchEntry) error {
	if e.ID == "" {
		return fmt.Errorf("search entry id: %w", common.ErrInvalidInput)
	}
	var embedding *pgvector.Vector
	if len(e.Embedding) > 0 {
		v := pgvector.NewVector(e.Embedding)
		embedding = &v
	}
	q := psql.Insert("changelog_search_index").
		Columns("id", "campaign_id", "source_id", "source_type", "text", "embedding",
			"archived", "archive_key", "campaign_session_id", "timestamp").
		Values(e.ID, e.CampaignID, e.SourceID, e.SourceType, e.Text, embedding,
			e.Archived, nullable(e.ArchiveKey), e.CampaignSessionID, e.Timestamp).
		Suffix(`ON CONFLICT (id) DO UPDATE
			SET text = EXCLUDED.text,
				embedding = EXCLUDED.embedding,
				archived = EXCLUDED.archived,
				archive_key = EXCLUDED.archive_key,
				campaign_session_id = EXCLUDED.campaign_session_id,
				timestamp = EXCLUDED.timestamp`)
	if _, err := s.exec(ctx, q); err != nil {
		return mapError(err, "search entry", e.ID)
	}
	return nil
}

func (s *Store) DeleteSearchEntriesByArchive(ctx context.Context, archiveKey string) error {
	if _, err := s.exec(ctx, psql.Delete("changelog_search_index").Where(squirrel.Eq{"archive_key": archiveKey})); err != nil {
		return mapError(err, "search entries of archive", archiveKey)
	}
	return nil
}

type planningRow struct {
	ID         string    `db:"id"`
	SourceID   string    `db:"source_id"`
	SourceType string    `db:"source_type"`
	Text       string    `db:"text"`
	Archived   bool      `db:"archived"`
	Timestamp  time.Time `db:"timestamp"`
	Score      float64   `db:"score"`
}

// SearchPlanningContext ranks indexed text with PostgreSQL full-text search.
func (s *Store) SearchPlanningContext(ctx context.Context, campaignID, query string, limit int) ([]common.PlanningResult, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []common.PlanningResult{}, nil
	}
	q := psql.Select("id", "source_id", "source_type", "text", "archived", "timestamp").
		Column(squirrel.Expr("ts_rank(to_tsvector('english', text), plainto_tsquery('english', ?)) AS score", query)).
		From("changelog_search_index").
		Where(squirrel.Eq{"campaign_id": campaignID}).
		Where("to_tsvector('english', text) @@ plainto_tsquery('english', ?)", query).
		OrderBy("score DESC", "id ASC")
	if limit > 0 {
		q = q.Limit(uint64(limit))
	}
	var rows []planningRow
	if err := s.selectRows(ctx, &rows, q); err != nil {
		return nil, mapError(err, "planning context of campaign", campaignID)
	}
	out := make([]common.PlanningResult, len(rows))
	for i, r := range rows {
		out[i] = common.PlanningResult{
			ID:         r.ID,
			SourceID:   r.SourceID,
			SourceType: r.SourceType,
			Text:       r.Text,
			Score:      r.Score,
			Archived:   r.Archived,
			Timestamp:  r.Timestamp,
		}
	}
	return out, nil
}
