package pgx

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	pgxv5 "github.com/jackc/pgx/v5"

	"github.com/ofisk/loresmith-ai/backend/internal/util"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
)

var relationshipColumns = []string{
	"id", "campaign_id", "from_entity_id", "to_entity_id", "relationship_type",
	"strength", "metadata", "created_at", "updated_at",
}

type relationshipRow struct {
	ID               string    `db:"id"`
	CampaignID       string    `db:"campaign_id"`
	FromEntityID     string    `db:"from_entity_id"`
	ToEntityID       string    `db:"to_entity_id"`
	RelationshipType string    `db:"relationship_type"`
	Strength         *float64  `db:"strength"`
	Metadata         []byte    `db:"metadata"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

func (r relationshipRow) toRelationship() (common.EntityRelationship, error) {
	rel := common.EntityRelationship{
		ID:               r.ID,
		CampaignID:       r.CampaignID,
		FromEntityID:     r.FromEntityID,
		ToEntityID:       r.ToEntityID,
		RelationshipType: r.RelationshipType,
		Strength:         r.Strength,
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        r.UpdatedAt,
	}
	if len(r.Metadata) > 0 && string(r.Metadata) != "null" {
		if err := json.Unmarshal(r.Metadata, &rel.Metadata); err != nil {
			return common.EntityRelationship{}, fmt.Errorf("decode metadata of relationship %s: %w", r.ID, err)
		}
	}
	return rel, nil
}

func toRelationships(rows []relationshipRow) ([]common.EntityRelationship, error) {
	out := make([]common.EntityRelationship, 0, len(rows))
	for _, r := range rows {
		rel, err := r.toRelationship()
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	return out, nil
}

func (s *Store) UpsertRelationship(ctx context.Context, r common.EntityRelationship) (common.EntityRelationship, error) {
	if r.CampaignID == "" || r.FromEntityID == "" || r.ToEntityID == "" || r.RelationshipType == "" {
		return common.EntityRelationship{}, fmt.Errorf("relationship: %w", common.ErrInvalidInput)
	}
	if r.ID == "" {
		r.ID = util.NewID("rel_")
	}
	var metadata []byte
	if r.Metadata != nil {
		var err error
		if metadata, err = json.Marshal(r.Metadata); err != nil {
			return common.EntityRelationship{}, fmt.Errorf("encode relationship metadata: %w", err)
		}
	}
	now := s.now().UTC()
	q := psql.Insert("entity_relationships").
		Columns(relationshipColumns...).
		Values(r.ID, r.CampaignID, r.FromEntityID, r.ToEntityID, r.RelationshipType, r.Strength, metadata, now, now).
		Suffix(`ON CONFLICT (campaign_id, from_entity_id, to_entity_id, relationship_type) DO UPDATE
			SET strength = EXCLUDED.strength,
				metadata = EXCLUDED.metadata,
				updated_at = EXCLUDED.updated_at
			RETURNING id, created_at, updated_at`)
	sql, args, err := q.ToSql()
	if err != nil {
		return common.EntityRelationship{}, fmt.Errorf("build query: %w", err)
	}
	if err := s.db.QueryRow(ctx, sql, args...).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return common.EntityRelationship{}, mapError(err, "relationship", r.FromEntityID+"->"+r.ToEntityID)
	}
	return r, nil
}

func (s *Store) DeleteRelationship(ctx context.Context, campaignID string, key common.EdgeKey) error {
	q := psql.Delete("entity_relationships").
		Where(squirrel.Eq{
			"campaign_id":       campaignID,
			"from_entity_id":    key.From,
			"to_entity_id":      key.To,
			"relationship_type": key.Type,
		})
	tag, err := s.exec(ctx, q)
	if err != nil {
		return mapError(err, "relationship", key.From+"->"+key.To)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("relationship %s->%s: %w", key.From, key.To, common.ErrNotFound)
	}
	return nil
}

func (s *Store) GetRelationshipsForEntity(ctx context.Context, campaignID, entityID string, filter common.RelationshipFilter) ([]common.EntityRelationship, error) {
	q := psql.Select(relationshipColumns...).
		From("entity_relationships").
		Where(squirrel.Eq{"campaign_id": campaignID}).
		Where(squirrel.Or{
			squirrel.Eq{"from_entity_id": entityID},
			squirrel.Eq{"to_entity_id": entityID},
		}).
		OrderBy("from_entity_id", "to_entity_id", "relationship_type")
	if len(filter.RelationshipTypes) > 0 {
		q = q.Where(squirrel.Eq{"relationship_type": filter.RelationshipTypes})
	}
	var rows []relationshipRow
	if err := s.selectRows(ctx, &rows, q); err != nil {
		return nil, mapError(err, "relationships of entity", entityID)
	}
	return toRelationships(rows)
}

func (s *Store) ListCampaignRelationships(ctx context.Context, campaignID string) ([]common.EntityRelationship, error) {
	q := psql.Select(relationshipColumns...).
		From("entity_relationships").
		Where(squirrel.Eq{"campaign_id": campaignID}).
		OrderBy("from_entity_id", "to_entity_id", "relationship_type")
	var rows []relationshipRow
	if err := s.selectRows(ctx, &rows, q); err != nil {
		return nil, mapError(err, "relationships of campaign", campaignID)
	}
	return toRelationships(rows)
}

// neighborhoodSQL walks edges in both directions up to $4 hops without
// revisiting an entity on the same path. Each (entity, type) pair keeps its
// smallest depth.
const neighborhoodSQL = `
WITH RECURSIVE edges AS (
	SELECT from_entity_id AS src, to_entity_id AS dst, relationship_type
	FROM entity_relationships
	WHERE campaign_id = $1 AND ($3::text[] IS NULL OR relationship_type = ANY($3))
	UNION ALL
	SELECT to_entity_id, from_entity_id, relationship_type
	FROM entity_relationships
	WHERE campaign_id = $1 AND ($3::text[] IS NULL OR relationship_type = ANY($3))
),
walk AS (
	SELECT e.dst AS entity_id, e.relationship_type, 1 AS depth, ARRAY[$2::text, e.dst] AS path
	FROM edges e
	WHERE e.src = $2
	UNION ALL
	SELECT e.dst, e.relationship_type, w.depth + 1, w.path || e.dst
	FROM walk w
	JOIN edges e ON e.src = w.entity_id
	WHERE w.depth < $4 AND NOT e.dst = ANY(w.path)
)
SELECT w.entity_id, w.relationship_type, MIN(w.depth) AS depth,
	COALESCE(en.name, '') AS name, COALESCE(en.entity_type, '') AS entity_type
FROM walk w
LEFT JOIN entities en ON en.campaign_id = $1 AND en.id = w.entity_id
WHERE w.entity_id <> $2
GROUP BY w.entity_id, w.relationship_type, en.name, en.entity_type
ORDER BY depth, w.entity_id, w.relationship_type`

type neighborRow struct {
	EntityID         string `db:"entity_id"`
	RelationshipType string `db:"relationship_type"`
	Depth            int    `db:"depth"`
	Name             string `db:"name"`
	EntityType       string `db:"entity_type"`
}

func (s *Store) GetRelationshipNeighborhood(ctx context.Context, campaignID, entityID string, q common.NeighborhoodQuery) ([]common.Neighbor, error) {
	if q.MaxDepth <= 0 {
		return []common.Neighbor{}, nil
	}
	var types []string
	if len(q.RelationshipTypes) > 0 {
		types = q.RelationshipTypes
	}
	rows, err := s.db.Query(ctx, neighborhoodSQL, campaignID, entityID, types, q.MaxDepth)
	if err != nil {
		return nil, mapError(err, "neighborhood of entity", entityID)
	}
	found, err := pgxv5.CollectRows(rows, pgxv5.RowToStructByName[neighborRow])
	if err != nil {
		return nil, mapError(err, "neighborhood of entity", entityID)
	}
	out := make([]common.Neighbor, len(found))
	for i, n := range found {
		out[i] = common.Neighbor{
			EntityID:         n.EntityID,
			Depth:            n.Depth,
			RelationshipType: n.RelationshipType,
			Name:             n.Name,
			EntityType:       n.EntityType,
		}
	}
	return out, nil
}

type communityRow struct {
	CampaignID string    `db:"campaign_id"`
	RebuildID  string    `db:"rebuild_id"`
	Idx        int       `db:"idx"`
	EntityIDs  []string  `db:"entity_ids"`
	Importance []byte    `db:"importance"`
	CreatedAt  time.Time `db:"created_at"`
}

// ReplaceCommunities swaps the campaign's communities in one transaction.
func (s *Store) ReplaceCommunities(ctx context.Context, campaignID string, communities []common.Community) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return mapError(err, "communities of campaign", campaignID)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM entity_communities WHERE campaign_id = $1`, campaignID); err != nil {
		return mapError(err, "communities of campaign", campaignID)
	}
	now := s.now().UTC()
	for _, c := range communities {
		importance, err := json.Marshal(c.Importance)
		if err != nil {
			return fmt.Errorf("encode importance: %w", err)
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = now
		}
		sql, args, err := psql.Insert("entity_communities").
			Columns("campaign_id", "rebuild_id", "idx", "entity_ids", "importance", "created_at").
			Values(campaignID, c.RebuildID, c.Index, c.EntityIDs, importance, createdAt).
			ToSql()
		if err != nil {
			return fmt.Errorf("build query: %w", err)
		}
		if _, err := tx.Exec(ctx, sql, args...); err != nil {
			return mapError(err, "communities of campaign", campaignID)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return mapError(err, "communities of campaign", campaignID)
	}
	log.Debug("Replaced communities", "campaign_id", campaignID, "count", len(communities))
	return nil
}

func (s *Store) ListCommunities(ctx context.Context, campaignID string) ([]common.Community, error) {
	q := psql.Select("campaign_id", "rebuild_id", "idx", "entity_ids", "importance", "created_at").
		From("entity_communities").
		Where(squirrel.Eq{"campaign_id": campaignID}).
		OrderBy("idx ASC")
	var rows []communityRow
	if err := s.selectRows(ctx, &rows, q); err != nil {
		return nil, mapError(err, "communities of campaign", campaignID)
	}
	out := make([]common.Community, 0, len(rows))
	for _, r := range rows {
		c := common.Community{
			CampaignID: r.CampaignID,
			RebuildID:  r.RebuildID,
			Index:      r.Idx,
			EntityIDs:  r.EntityIDs,
			CreatedAt:  r.CreatedAt,
		}
		if len(r.Importance) > 0 {
			if err := json.Unmarshal(r.Importance, &c.Importance); err != nil {
				return nil, fmt.Errorf("decode community importance: %w", err)
			}
		}
		out = append(out, c)
	}
	return out, nil
}
