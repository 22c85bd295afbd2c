// Package graph maintains canonical relationship edges between campaign
// entities and answers neighborhood queries over them.
package graph

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger"
	"github.com/ofisk/loresmith-ai/backend/pkg/store"
)

var ErrSelfRelation = errors.New("self relation not allowed")

// UpsertEdgeInput describes one edge write. RelationshipType may be any
// free-form label; it is canonicalized before storage.
type UpsertEdgeInput struct {
	CampaignID        string         `json:"campaignId"`
	FromEntityID      string         `json:"fromEntityId" validate:"required"`
	ToEntityID        string         `json:"toEntityId" validate:"required"`
	RelationshipType  string         `json:"relationshipType" validate:"required"`
	Strength          *float64       `json:"strength,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	AllowSelfRelation bool           `json:"allowSelfRelation,omitempty"`
}

// Traverser answers bounded neighborhood queries.
type Traverser interface {
	GetRelationshipNeighborhood(ctx context.Context, campaignID, entityID string, q common.NeighborhoodQuery) ([]common.Neighbor, error)
}

type Service struct {
	rels      store.RelationshipStore
	mirror    store.RelationshipStore
	traverser Traverser
	log       logger.Scoped
}

type Option func(*Service)

// WithMirror writes every edge change to a secondary store as well.
// Mirror failures are logged and never fail the primary write.
func WithMirror(mirror store.RelationshipStore) Option {
	return func(s *Service) { s.mirror = mirror }
}

// WithTraverser routes GetNeighbors to t, typically the graph database the
// edges are mirrored into.
func WithTraverser(t Traverser) Option {
	return func(s *Service) { s.traverser = t }
}

func NewService(rels store.RelationshipStore, opts ...Option) *Service {
	s := &Service{rels: rels, log: logger.Named("GraphService")}
	for _, opt := range opts {
		opt(s)
	}
	if s.traverser == nil {
		s.traverser = rels
	}
	return s
}

// UpsertEdge writes one directed edge, or a mirrored pair when the
// canonical type is symmetric. The stored edges are returned in write
// order.
func (s *Service) UpsertEdge(ctx context.Context, in UpsertEdgeInput) ([]common.EntityRelationship, error) {
	if in.CampaignID == "" || in.FromEntityID == "" || in.ToEntityID == "" {
		return nil, fmt.Errorf("upsert edge: campaign, from and to are required: %w", common.ErrInvalidInput)
	}
	if in.FromEntityID == in.ToEntityID && !in.AllowSelfRelation {
		return nil, fmt.Errorf("upsert edge %s: %w", in.FromEntityID, ErrSelfRelation)
	}

	relType, known := Canonicalize(in.RelationshipType)
	metadata := maps.Clone(in.Metadata)
	if !known && strings.TrimSpace(in.RelationshipType) != "" {
		if metadata == nil {
			metadata = make(map[string]any, 1)
		}
		metadata["originalType"] = in.RelationshipType
	}

	edge := common.EntityRelationship{
		CampaignID:       in.CampaignID,
		FromEntityID:     in.FromEntityID,
		ToEntityID:       in.ToEntityID,
		RelationshipType: relType,
		Strength:         NormalizeStrength(in.Strength),
		Metadata:         metadata,
	}

	edges := []common.EntityRelationship{edge}
	if IsSymmetric(relType) && in.FromEntityID != in.ToEntityID {
		inverse := edge
		inverse.FromEntityID, inverse.ToEntityID = edge.ToEntityID, edge.FromEntityID
		edges = append(edges, inverse)
	}

	out := make([]common.EntityRelationship, 0, len(edges))
	for _, e := range edges {
		stored, err := s.rels.UpsertRelationship(ctx, e)
		if err != nil {
			return nil, fmt.Errorf("upsert edge %s-[%s]->%s: %w", e.FromEntityID, e.RelationshipType, e.ToEntityID, err)
		}
		out = append(out, stored)
		s.mirrorUpsert(ctx, stored)
	}

	s.log.Debug("Upserted edge", "campaign_id", in.CampaignID, "type", relType, "edges", len(out))
	return out, nil
}

// RemoveEdge deletes an edge and, for symmetric types, its mirror. A
// missing mirror is not an error.
func (s *Service) RemoveEdge(ctx context.Context, campaignID, fromID, toID, relationshipType string) error {
	relType := CanonicalType(relationshipType)
	key := common.EdgeKey{From: fromID, To: toID, Type: relType}
	if err := s.rels.DeleteRelationship(ctx, campaignID, key); err != nil {
		return fmt.Errorf("remove edge %s-[%s]->%s: %w", fromID, relType, toID, err)
	}
	s.mirrorDelete(ctx, campaignID, key)

	if IsSymmetric(relType) && fromID != toID {
		inverse := common.EdgeKey{From: toID, To: fromID, Type: relType}
		err := s.rels.DeleteRelationship(ctx, campaignID, inverse)
		if err != nil && !errors.Is(err, common.ErrNotFound) {
			return fmt.Errorf("remove mirrored edge %s-[%s]->%s: %w", toID, relType, fromID, err)
		}
		s.mirrorDelete(ctx, campaignID, inverse)
	}
	return nil
}

// GetRelationshipsForEntity returns edges touching entityID in either
// direction, optionally limited to the given types.
func (s *Service) GetRelationshipsForEntity(ctx context.Context, campaignID, entityID string, relationshipTypes ...string) ([]common.EntityRelationship, error) {
	filter := common.RelationshipFilter{RelationshipTypes: CanonicalTypes(relationshipTypes)}
	rels, err := s.rels.GetRelationshipsForEntity(ctx, campaignID, entityID, filter)
	if err != nil {
		return nil, fmt.Errorf("relationships for %s: %w", entityID, err)
	}
	return rels, nil
}

// GetNeighbors runs a traversal bounded by q.MaxDepth. A depth of zero or
// less returns nothing.
func (s *Service) GetNeighbors(ctx context.Context, campaignID, entityID string, q common.NeighborhoodQuery) ([]common.Neighbor, error) {
	q.RelationshipTypes = CanonicalTypes(q.RelationshipTypes)
	neighbors, err := s.traverser.GetRelationshipNeighborhood(ctx, campaignID, entityID, q)
	if err != nil {
		return nil, fmt.Errorf("neighbors of %s: %w", entityID, err)
	}
	return dedupeNeighbors(neighbors), nil
}

func dedupeNeighbors(in []common.Neighbor) []common.Neighbor {
	type key struct{ id, relType string }
	best := make(map[key]int, len(in))
	out := make([]common.Neighbor, 0, len(in))
	for _, n := range in {
		k := key{n.EntityID, n.RelationshipType}
		if idx, ok := best[k]; ok {
			if n.Depth < out[idx].Depth {
				out[idx] = n
			}
			continue
		}
		best[k] = len(out)
		out = append(out, n)
	}
	return out
}

func (s *Service) mirrorUpsert(ctx context.Context, e common.EntityRelationship) {
	if s.mirror == nil {
		return
	}
	if _, err := s.mirror.UpsertRelationship(ctx, e); err != nil {
		s.log.Warn("Mirror upsert failed", "campaign_id", e.CampaignID, "from", e.FromEntityID, "to", e.ToEntityID, "err", err)
	}
}

func (s *Service) mirrorDelete(ctx context.Context, campaignID string, key common.EdgeKey) {
	if s.mirror == nil {
		return
	}
	if err := s.mirror.DeleteRelationship(ctx, campaignID, key); err != nil && !errors.Is(err, common.ErrNotFound) {
		s.log.Warn("Mirror delete failed", "campaign_id", campaignID, "from", key.From, "to", key.To, "err", err)
	}
}
