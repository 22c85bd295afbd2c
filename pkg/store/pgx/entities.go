package pgx

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/pgvector/pgvector-go"

	"github.com/ofisk/loresmith-ai/backend/internal/util"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/store"
)

var entityColumns = []string{
	"id", "campaign_id", "entity_type", "name", "content", "metadata",
	"confidence", "source_type", "source_id", "embedding_id", "created_at", "updated_at",
}

type entityRow struct {
	ID          string    `db:"id"`
	CampaignID  string    `db:"campaign_id"`
	EntityType  string    `db:"entity_type"`
	Name        string    `db:"name"`
	Content     []byte    `db:"content"`
	Metadata    []byte    `db:"metadata"`
	Confidence  *float64  `db:"confidence"`
	SourceType  *string   `db:"source_type"`
	SourceID    *string   `db:"source_id"`
	EmbeddingID *string   `db:"embedding_id"`
	CreatedAt   time.Time `db:"created_at"`
	UpdatedAt   time.Time `db:"updated_at"`
}

func (r entityRow) toEntity() (common.Entity, error) {
	e := common.Entity{
		ID:          r.ID,
		CampaignID:  r.CampaignID,
		EntityType:  r.EntityType,
		Name:        r.Name,
		Content:     common.DecodeContent(r.EntityType, r.Content),
		Confidence:  r.Confidence,
		SourceType:  deref(r.SourceType),
		SourceID:    deref(r.SourceID),
		EmbeddingID: deref(r.EmbeddingID),
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &e.Metadata); err != nil {
			return common.Entity{}, fmt.Errorf("decode metadata of entity %s: %w", r.ID, err)
		}
	}
	return e, nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func encodeEntity(e common.Entity) (content, metadata []byte, err error) {
	raw, err := common.EncodeContent(e.Content)
	if err != nil {
		return nil, nil, fmt.Errorf("encode content: %w", err)
	}
	metadata, err = json.Marshal(e.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("encode metadata: %w", err)
	}
	return raw, metadata, nil
}

func (s *Store) GetEntity(ctx context.Context, campaignID, id string) (common.Entity, error) {
	q := psql.Select(entityColumns...).
		From("entities").
		Where(squirrel.Eq{"campaign_id": campaignID, "id": id})
	var row entityRow
	if err := s.getRow(ctx, &row, q); err != nil {
		return common.Entity{}, mapError(err, "entity", id)
	}
	return row.toEntity()
}

func (s *Store) FindEntityByNameAndType(ctx context.Context, campaignID, name, entityType string) (common.Entity, error) {
	q := psql.Select(entityColumns...).
		From("entities").
		Where(squirrel.Eq{"campaign_id": campaignID}).
		Where("lower(name) = lower(?)", name).
		Where("lower(entity_type) = lower(?)", entityType).
		OrderBy("created_at ASC").
		Limit(1)
	var row entityRow
	if err := s.getRow(ctx, &row, q); err != nil {
		return common.Entity{}, mapError(err, "entity", name+"/"+entityType)
	}
	return row.toEntity()
}

func (s *Store) CreateEntity(ctx context.Context, e common.Entity) (common.Entity, error) {
	if e.CampaignID == "" {
		return common.Entity{}, fmt.Errorf("entity campaign id: %w", common.ErrInvalidInput)
	}
	if e.ID == "" {
		e.ID = util.NewID("ent_")
	}
	content, metadata, err := encodeEntity(e)
	if err != nil {
		return common.Entity{}, err
	}
	now := s.now().UTC()
	q := psql.Insert("entities").
		Columns(entityColumns...).
		Values(e.ID, e.CampaignID, e.EntityType, e.Name, content, metadata,
			e.Confidence, nullable(e.SourceType), nullable(e.SourceID), nullable(e.EmbeddingID), now, now)
	if _, err := s.exec(ctx, q); err != nil {
		return common.Entity{}, mapError(err, "entity", e.ID)
	}
	e.CreatedAt = now
	e.UpdatedAt = now
	return e, nil
}

func (s *Store) UpdateEntity(ctx context.Context, e common.Entity) (common.Entity, error) {
	content, metadata, err := encodeEntity(e)
	if err != nil {
		return common.Entity{}, err
	}
	now := s.now().UTC()
	q := psql.Update("entities").
		Set("entity_type", e.EntityType).
		Set("name", e.Name).
		Set("content", content).
		Set("metadata", metadata).
		Set("confidence", e.Confidence).
		Set("source_type", nullable(e.SourceType)).
		Set("source_id", nullable(e.SourceID)).
		Set("embedding_id", nullable(e.EmbeddingID)).
		Set("updated_at", now).
		Where(squirrel.Eq{"campaign_id": e.CampaignID, "id": e.ID}).
		Suffix("RETURNING created_at")

	sql, args, err := q.ToSql()
	if err != nil {
		return common.Entity{}, fmt.Errorf("build query: %w", err)
	}
	if err := s.db.QueryRow(ctx, sql, args...).Scan(&e.CreatedAt); err != nil {
		return common.Entity{}, mapError(err, "entity", e.ID)
	}
	e.UpdatedAt = now
	return e, nil
}

// GetEntitiesByIDs returns the entities that exist, in the order of ids.
func (s *Store) GetEntitiesByIDs(ctx context.Context, campaignID string, ids []string) ([]common.Entity, error) {
	ids = store.DedupeStrings(ids)
	if len(ids) == 0 {
		return []common.Entity{}, nil
	}
	var rows []entityRow
	err := store.ChunkRange(len(ids), s.batchSize, func(start, end int) error {
		q := psql.Select(entityColumns...).
			From("entities").
			Where(squirrel.Eq{"campaign_id": campaignID, "id": ids[start:end]})
		var batch []entityRow
		if err := s.selectRows(ctx, &batch, q); err != nil {
			return err
		}
		rows = append(rows, batch...)
		return nil
	})
	if err != nil {
		return nil, mapError(err, "entities of campaign", campaignID)
	}
	byID := make(map[string]common.Entity, len(rows))
	for _, r := range rows {
		e, err := r.toEntity()
		if err != nil {
			return nil, err
		}
		byID[e.ID] = e
	}
	out := make([]common.Entity, 0, len(byID))
	for _, id := range ids {
		if e, ok := byID[id]; ok {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Store) UpsertEmbedding(ctx context.Context, campaignID, entityID, entityType string, vec []float32) (string, error) {
	q := psql.Insert("entity_embeddings").
		Columns("id", "campaign_id", "entity_id", "entity_type", "embedding", "updated_at").
		Values(util.NewID("emb_"), campaignID, entityID, entityType, pgvector.NewVector(vec), s.now().UTC()).
		Suffix(`ON CONFLICT (campaign_id, entity_id) DO UPDATE
			SET entity_type = EXCLUDED.entity_type,
				embedding = EXCLUDED.embedding,
				updated_at = EXCLUDED.updated_at
			RETURNING id`)
	sql, args, err := q.ToSql()
	if err != nil {
		return "", fmt.Errorf("build query: %w", err)
	}
	var id string
	if err := s.db.QueryRow(ctx, sql, args...).Scan(&id); err != nil {
		return "", mapError(err, "embedding", entityID)
	}
	return id, nil
}

func (s *Store) GetEmbedding(ctx context.Context, campaignID, entityID string) ([]float32, error) {
	q := psql.Select("embedding").
		From("entity_embeddings").
		Where(squirrel.Eq{"campaign_id": campaignID, "entity_id": entityID})
	sql, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	var vec pgvector.Vector
	if err := s.db.QueryRow(ctx, sql, args...).Scan(&vec); err != nil {
		return nil, mapError(err, "embedding", entityID)
	}
	return vec.Slice(), nil
}

type similarRow struct {
	ID    string  `db:"id"`
	Score float64 `db:"score"`
}

// FindSimilar ranks embeddings by cosine similarity using the pgvector
// cosine distance operator.
func (s *Store) FindSimilar(ctx context.Context, vec []float32, q store.SimilarityQuery) ([]common.SimilarMatch, error) {
	v := pgvector.NewVector(vec)
	sb := psql.Select("entity_id AS id").
		Column(squirrel.Expr("1 - (embedding <=> ?) AS score", v)).
		From("entity_embeddings").
		Where(squirrel.Eq{"campaign_id": q.CampaignID}).
		Where(squirrel.Expr("1 - (embedding <=> ?) >= ?", v, q.MinScore)).
		OrderByClause("embedding <=> ?", v).
		OrderBy("entity_id ASC")
	if q.EntityType != "" {
		sb = sb.Where("lower(entity_type) = lower(?)", strings.TrimSpace(q.EntityType))
	}
	if exclude := store.DedupeStrings(q.ExcludeIDs); len(exclude) > 0 {
		sb = sb.Where(squirrel.NotEq{"entity_id": exclude})
	}
	if q.TopK > 0 {
		sb = sb.Limit(uint64(q.TopK))
	}
	var rows []similarRow
	if err := s.selectRows(ctx, &rows, sb); err != nil {
		return nil, mapError(err, "similar entities of campaign", q.CampaignID)
	}
	out := make([]common.SimilarMatch, len(rows))
	for i, r := range rows {
		out[i] = common.SimilarMatch{ID: r.ID, Score: r.Score}
	}
	return out, nil
}
