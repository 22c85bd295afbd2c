package memory

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/ofisk/loresmith-ai/backend/internal/util"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
)

func cloneRelationship(r common.EntityRelationship) common.EntityRelationship {
	if r.Metadata != nil {
		r.Metadata = maps.Clone(r.Metadata)
	}
	if r.Strength != nil {
		v := *r.Strength
		r.Strength = &v
	}
	return r
}

func sortRelationships(rels []common.EntityRelationship) {
	slices.SortFunc(rels, func(a, b common.EntityRelationship) int {
		return cmp.Or(
			cmp.Compare(a.FromEntityID, b.FromEntityID),
			cmp.Compare(a.ToEntityID, b.ToEntityID),
			cmp.Compare(a.RelationshipType, b.RelationshipType),
		)
	})
}

func (s *Store) UpsertRelationship(_ context.Context, r common.EntityRelationship) (common.EntityRelationship, error) {
	if r.CampaignID == "" || r.FromEntityID == "" || r.ToEntityID == "" || r.RelationshipType == "" {
		return common.EntityRelationship{}, fmt.Errorf("relationship: %w", common.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	edges, ok := s.relationships[r.CampaignID]
	if !ok {
		edges = make(map[common.EdgeKey]common.EntityRelationship)
		s.relationships[r.CampaignID] = edges
	}
	now := s.now()
	if prev, ok := edges[r.Key()]; ok {
		r.ID = prev.ID
		r.CreatedAt = prev.CreatedAt
	} else {
		if r.ID == "" {
			r.ID = util.NewID("rel_")
		}
		r.CreatedAt = now
	}
	r.UpdatedAt = now
	edges[r.Key()] = cloneRelationship(r)
	return r, nil
}

func (s *Store) DeleteRelationship(_ context.Context, campaignID string, key common.EdgeKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	edges := s.relationships[campaignID]
	if _, ok := edges[key]; !ok {
		return notFound("relationship", key.From+"->"+key.To)
	}
	delete(edges, key)
	return nil
}

func (s *Store) GetRelationshipsForEntity(_ context.Context, campaignID, entityID string, filter common.RelationshipFilter) ([]common.EntityRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.EntityRelationship, 0)
	for _, r := range s.relationships[campaignID] {
		if r.FromEntityID != entityID && r.ToEntityID != entityID {
			continue
		}
		if len(filter.RelationshipTypes) > 0 && !slices.Contains(filter.RelationshipTypes, r.RelationshipType) {
			continue
		}
		out = append(out, cloneRelationship(r))
	}
	sortRelationships(out)
	return out, nil
}

func (s *Store) ListCampaignRelationships(_ context.Context, campaignID string) ([]common.EntityRelationship, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.EntityRelationship, 0, len(s.relationships[campaignID]))
	for _, r := range s.relationships[campaignID] {
		out = append(out, cloneRelationship(r))
	}
	sortRelationships(out)
	return out, nil
}

// GetRelationshipNeighborhood walks edges in both directions breadth-first.
// Each (entity, relationship type) pair is reported once at its smallest
// depth; the start entity is never reported.
func (s *Store) GetRelationshipNeighborhood(_ context.Context, campaignID, entityID string, q common.NeighborhoodQuery) ([]common.Neighbor, error) {
	if q.MaxDepth <= 0 {
		return []common.Neighbor{}, nil
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	adjacency := make(map[string][]common.EntityRelationship)
	for _, r := range s.relationships[campaignID] {
		if len(q.RelationshipTypes) > 0 && !slices.Contains(q.RelationshipTypes, r.RelationshipType) {
			continue
		}
		adjacency[r.FromEntityID] = append(adjacency[r.FromEntityID], r)
		adjacency[r.ToEntityID] = append(adjacency[r.ToEntityID], r)
	}

	type pathKey struct{ id, relType string }
	seen := make(map[pathKey]struct{})
	visited := map[string]struct{}{entityID: {}}
	frontier := []string{entityID}
	out := make([]common.Neighbor, 0)

	for depth := 1; depth <= q.MaxDepth && len(frontier) > 0; depth++ {
		var next []string
		for _, current := range frontier {
			edges := adjacency[current]
			sortRelationships(edges)
			for _, r := range edges {
				other := r.ToEntityID
				if other == current {
					other = r.FromEntityID
				}
				if other == entityID {
					continue
				}
				pk := pathKey{other, r.RelationshipType}
				if _, ok := seen[pk]; !ok {
					seen[pk] = struct{}{}
					n := common.Neighbor{EntityID: other, Depth: depth, RelationshipType: r.RelationshipType}
					if e, ok := s.entities[entityKey{campaignID, other}]; ok {
						n.Name = e.Name
						n.EntityType = e.EntityType
					}
					out = append(out, n)
				}
				if _, ok := visited[other]; !ok {
					visited[other] = struct{}{}
					next = append(next, other)
				}
			}
		}
		frontier = next
	}
	return out, nil
}

func (s *Store) ReplaceCommunities(_ context.Context, campaignID string, communities []common.Community) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.communities[campaignID] = slices.Clone(communities)
	return nil
}

func (s *Store) ListCommunities(_ context.Context, campaignID string) ([]common.Community, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.communities[campaignID]), nil
}
