// Package neo4j stores relationship edges in Neo4j. Entities are
// (:Entity {campaignId, id}) nodes and every edge is a [:RELATES] relation
// carrying the canonical type as a property, so traversals can filter by
// type without dynamic relation labels.
package neo4j

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"

	"github.com/ofisk/loresmith-ai/backend/internal/util"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger"
	"github.com/ofisk/loresmith-ai/backend/pkg/store"
)

var _ store.RelationshipStore = (*Store)(nil)

// Store implements store.RelationshipStore on a Neo4j driver. When an
// EntityStore is set, upserts copy entity names and types onto the nodes
// so neighborhood results carry them.
type Store struct {
	driver   neo4j.DriverWithContext
	entities store.EntityStore
	database string
	now      func() time.Time
	log      logger.Scoped
}

type Option func(*Store)

func WithEntityStore(entities store.EntityStore) Option {
	return func(s *Store) { s.entities = entities }
}

func WithDatabase(name string) Option {
	return func(s *Store) { s.database = name }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func New(driver neo4j.DriverWithContext, opts ...Option) *Store {
	s := &Store{driver: driver, now: time.Now, log: logger.Named("Neo4jStore")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Connect opens a driver and verifies connectivity.
func Connect(ctx context.Context, uri, user, password string) (neo4j.DriverWithContext, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(user, password, ""))
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify neo4j connectivity: %w", err)
	}
	return driver, nil
}

func (s *Store) session(ctx context.Context, mode neo4j.AccessMode) neo4j.SessionWithContext {
	return s.driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: mode, DatabaseName: s.database})
}

// EnsureSchema creates the entity uniqueness constraint.
func (s *Store) EnsureSchema(ctx context.Context) error {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.Run(ctx, `
		CREATE CONSTRAINT entity_campaign_id IF NOT EXISTS
		FOR (e:Entity) REQUIRE (e.campaignId, e.id) IS UNIQUE
	`, nil)
	if err != nil {
		return fmt.Errorf("create entity constraint: %w", err)
	}
	return nil
}

func (s *Store) names(ctx context.Context, campaignID string, ids ...string) map[string]common.Entity {
	out := make(map[string]common.Entity, len(ids))
	if s.entities == nil {
		return out
	}
	found, err := s.entities.GetEntitiesByIDs(ctx, campaignID, ids)
	if err != nil {
		s.log.Warn("Failed to load entity names", "campaign_id", campaignID, "err", err)
		return out
	}
	for _, e := range found {
		out[e.ID] = e
	}
	return out
}

func (s *Store) UpsertRelationship(ctx context.Context, r common.EntityRelationship) (common.EntityRelationship, error) {
	if r.CampaignID == "" || r.FromEntityID == "" || r.ToEntityID == "" || r.RelationshipType == "" {
		return common.EntityRelationship{}, fmt.Errorf("relationship: %w", common.ErrInvalidInput)
	}
	if r.ID == "" {
		r.ID = util.NewID("rel_")
	}
	metadata, err := encodeMetadata(r.Metadata)
	if err != nil {
		return common.EntityRelationship{}, err
	}
	entities := s.names(ctx, r.CampaignID, r.FromEntityID, r.ToEntityID)
	now := s.now().UTC()

	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	query := `
		MERGE (a:Entity {campaignId: $campaignId, id: $fromId})
		SET a.name = coalesce($fromName, a.name), a.entityType = coalesce($fromType, a.entityType)
		MERGE (b:Entity {campaignId: $campaignId, id: $toId})
		SET b.name = coalesce($toName, b.name), b.entityType = coalesce($toType, b.entityType)
		MERGE (a)-[r:RELATES {type: $type}]->(b)
		ON CREATE SET r.id = $id, r.createdAt = $now
		SET r.strength = $strength, r.metadata = $metadata, r.updatedAt = $now
		RETURN r.id AS id, r.createdAt AS createdAt, r.updatedAt AS updatedAt
	`
	result, err := session.Run(ctx, query, map[string]any{
		"campaignId": r.CampaignID,
		"fromId":     r.FromEntityID,
		"toId":       r.ToEntityID,
		"fromName":   optionalName(entities, r.FromEntityID),
		"fromType":   optionalType(entities, r.FromEntityID),
		"toName":     optionalName(entities, r.ToEntityID),
		"toType":     optionalType(entities, r.ToEntityID),
		"type":       r.RelationshipType,
		"id":         r.ID,
		"strength":   optionalFloat(r.Strength),
		"metadata":   metadata,
		"now":        now.Format(time.RFC3339Nano),
	})
	if err != nil {
		return common.EntityRelationship{}, fmt.Errorf("upsert relationship %s->%s: %w", r.FromEntityID, r.ToEntityID, err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return common.EntityRelationship{}, fmt.Errorf("upsert relationship %s->%s: %w", r.FromEntityID, r.ToEntityID, err)
	}
	r.ID = getString(record, "id")
	r.CreatedAt = getTime(record, "createdAt")
	r.UpdatedAt = getTime(record, "updatedAt")
	return r, nil
}

func (s *Store) DeleteRelationship(ctx context.Context, campaignID string, key common.EdgeKey) error {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	result, err := session.Run(ctx, `
		MATCH (:Entity {campaignId: $campaignId, id: $fromId})-[r:RELATES {type: $type}]->(:Entity {campaignId: $campaignId, id: $toId})
		DELETE r
		RETURN count(r) AS deleted
	`, map[string]any{
		"campaignId": campaignID,
		"fromId":     key.From,
		"toId":       key.To,
		"type":       key.Type,
	})
	if err != nil {
		return fmt.Errorf("delete relationship %s->%s: %w", key.From, key.To, err)
	}
	record, err := result.Single(ctx)
	if err != nil {
		return fmt.Errorf("delete relationship %s->%s: %w", key.From, key.To, err)
	}
	if getInt(record, "deleted") == 0 {
		return fmt.Errorf("relationship %s->%s: %w", key.From, key.To, common.ErrNotFound)
	}
	return nil
}

const relationshipReturn = `
	RETURN r.id AS id, a.id AS fromId, b.id AS toId, r.type AS type,
		r.strength AS strength, r.metadata AS metadata,
		r.createdAt AS createdAt, r.updatedAt AS updatedAt
	ORDER BY fromId, toId, type
`

func (s *Store) GetRelationshipsForEntity(ctx context.Context, campaignID, entityID string, filter common.RelationshipFilter) ([]common.EntityRelationship, error) {
	return s.readRelationships(ctx, campaignID, `
		MATCH (a:Entity {campaignId: $campaignId})-[r:RELATES]->(b:Entity {campaignId: $campaignId})
		WHERE (a.id = $entityId OR b.id = $entityId)
			AND ($types IS NULL OR r.type IN $types)
	`+relationshipReturn, map[string]any{
		"campaignId": campaignID,
		"entityId":   entityID,
		"types":      optionalTypes(filter.RelationshipTypes),
	})
}

func (s *Store) ListCampaignRelationships(ctx context.Context, campaignID string) ([]common.EntityRelationship, error) {
	return s.readRelationships(ctx, campaignID, `
		MATCH (a:Entity {campaignId: $campaignId})-[r:RELATES]->(b:Entity {campaignId: $campaignId})
	`+relationshipReturn, map[string]any{"campaignId": campaignID})
}

func (s *Store) readRelationships(ctx context.Context, campaignID, query string, params map[string]any) ([]common.EntityRelationship, error) {
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	result, err := session.Run(ctx, query, params)
	if err != nil {
		return nil, fmt.Errorf("read relationships of campaign %s: %w", campaignID, err)
	}
	out := make([]common.EntityRelationship, 0)
	for result.Next(ctx) {
		rel, err := relationshipFromRecord(campaignID, result.Record())
		if err != nil {
			return nil, err
		}
		out = append(out, rel)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("read relationships of campaign %s: %w", campaignID, err)
	}
	return out, nil
}

// GetRelationshipNeighborhood follows RELATES edges in both directions.
// Each (entity, type) pair keeps the smallest depth at which the entity
// was reached through an edge of that type.
func (s *Store) GetRelationshipNeighborhood(ctx context.Context, campaignID, entityID string, q common.NeighborhoodQuery) ([]common.Neighbor, error) {
	if q.MaxDepth <= 0 {
		return []common.Neighbor{}, nil
	}
	session := s.session(ctx, neo4j.AccessModeRead)
	defer session.Close(ctx)

	// Variable-length bounds cannot be parameters.
	query := fmt.Sprintf(`
		MATCH path = (start:Entity {campaignId: $campaignId, id: $entityId})-[:RELATES*1..%d]-(n:Entity)
		WHERE n.id <> $entityId
			AND all(rel IN relationships(path) WHERE $types IS NULL OR rel.type IN $types)
		WITH n, last(relationships(path)) AS r, length(path) AS depth
		RETURN n.id AS entityId, r.type AS relationshipType, min(depth) AS depth,
			coalesce(n.name, '') AS name, coalesce(n.entityType, '') AS entityType
		ORDER BY depth, entityId, relationshipType
	`, q.MaxDepth)

	result, err := session.Run(ctx, query, map[string]any{
		"campaignId": campaignID,
		"entityId":   entityID,
		"types":      optionalTypes(q.RelationshipTypes),
	})
	if err != nil {
		return nil, fmt.Errorf("neighborhood of entity %s: %w", entityID, err)
	}
	out := make([]common.Neighbor, 0)
	for result.Next(ctx) {
		out = append(out, neighborFromRecord(result.Record()))
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("neighborhood of entity %s: %w", entityID, err)
	}
	return out, nil
}

// DeleteCampaign removes every node and edge of a campaign.
func (s *Store) DeleteCampaign(ctx context.Context, campaignID string) error {
	session := s.session(ctx, neo4j.AccessModeWrite)
	defer session.Close(ctx)

	_, err := session.Run(ctx, "MATCH (e:Entity {campaignId: $campaignId}) DETACH DELETE e", map[string]any{"campaignId": campaignID})
	if err != nil {
		return fmt.Errorf("delete campaign graph %s: %w", campaignID, err)
	}
	return nil
}

func encodeMetadata(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode relationship metadata: %w", err)
	}
	return string(b), nil
}

func optionalName(entities map[string]common.Entity, id string) any {
	if e, ok := entities[id]; ok && e.Name != "" {
		return e.Name
	}
	return nil
}

func optionalType(entities map[string]common.Entity, id string) any {
	if e, ok := entities[id]; ok && e.EntityType != "" {
		return e.EntityType
	}
	return nil
}

func optionalFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

func optionalTypes(types []string) any {
	if len(types) == 0 {
		return nil
	}
	out := make([]any, len(types))
	for i, t := range types {
		out[i] = t
	}
	return out
}
