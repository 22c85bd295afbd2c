package memory

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/ofisk/loresmith-ai/backend/internal/util"
	"github.com/ofisk/loresmith-ai/backend/pkg/ai"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/store"
)

func cloneEntity(e common.Entity) common.Entity {
	if e.Metadata.Extra != nil {
		e.Metadata.Extra = maps.Clone(e.Metadata.Extra)
	}
	if e.Metadata.Staging != nil {
		st := *e.Metadata.Staging
		e.Metadata.Staging = &st
	}
	return e
}

func (s *Store) GetEntity(_ context.Context, campaignID, id string) (common.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[entityKey{campaignID, id}]
	if !ok {
		return common.Entity{}, notFound("entity", id)
	}
	return cloneEntity(e), nil
}

func (s *Store) FindEntityByNameAndType(_ context.Context, campaignID, name, entityType string) (common.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for k, e := range s.entities {
		if k.campaignID != campaignID {
			continue
		}
		if strings.EqualFold(e.Name, name) && strings.EqualFold(e.EntityType, entityType) {
			return cloneEntity(e), nil
		}
	}
	return common.Entity{}, notFound("entity", name+"/"+entityType)
}

func (s *Store) CreateEntity(_ context.Context, e common.Entity) (common.Entity, error) {
	if e.CampaignID == "" {
		return common.Entity{}, fmt.Errorf("entity campaign id: %w", common.ErrInvalidInput)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = util.NewID("ent_")
	}
	k := entityKey{e.CampaignID, e.ID}
	if _, ok := s.entities[k]; ok {
		return common.Entity{}, fmt.Errorf("entity %q: %w", e.ID, common.ErrAlreadyExists)
	}
	now := s.now()
	e.CreatedAt = now
	e.UpdatedAt = now
	s.entities[k] = cloneEntity(e)
	return e, nil
}

func (s *Store) UpdateEntity(_ context.Context, e common.Entity) (common.Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := entityKey{e.CampaignID, e.ID}
	prev, ok := s.entities[k]
	if !ok {
		return common.Entity{}, notFound("entity", e.ID)
	}
	e.CreatedAt = prev.CreatedAt
	e.UpdatedAt = s.now()
	s.entities[k] = cloneEntity(e)
	return e, nil
}

func (s *Store) GetEntitiesByIDs(_ context.Context, campaignID string, ids []string) ([]common.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.Entity, 0, len(ids))
	for _, id := range store.DedupeStrings(ids) {
		if e, ok := s.entities[entityKey{campaignID, id}]; ok {
			out = append(out, cloneEntity(e))
		}
	}
	return out, nil
}

func (s *Store) UpsertEmbedding(_ context.Context, campaignID, entityID, entityType string, vec []float32) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := entityKey{campaignID, entityID}
	emb, ok := s.embeddings[k]
	if !ok {
		emb.id = util.NewID("emb_")
	}
	emb.entityType = entityType
	emb.vec = slices.Clone(vec)
	s.embeddings[k] = emb
	return emb.id, nil
}

func (s *Store) GetEmbedding(_ context.Context, campaignID, entityID string) ([]float32, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	emb, ok := s.embeddings[entityKey{campaignID, entityID}]
	if !ok {
		return nil, notFound("embedding", entityID)
	}
	return slices.Clone(emb.vec), nil
}

func (s *Store) FindSimilar(_ context.Context, vec []float32, q store.SimilarityQuery) ([]common.SimilarMatch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]common.SimilarMatch, 0)
	for k, emb := range s.embeddings {
		if k.campaignID != q.CampaignID {
			continue
		}
		if q.EntityType != "" && !strings.EqualFold(emb.entityType, q.EntityType) {
			continue
		}
		if slices.Contains(q.ExcludeIDs, k.id) {
			continue
		}
		score := ai.CosineSimilarity(vec, emb.vec)
		if score < q.MinScore {
			continue
		}
		out = append(out, common.SimilarMatch{ID: k.id, Score: score})
	}
	slices.SortFunc(out, func(a, b common.SimilarMatch) int {
		switch {
		case a.Score > b.Score:
			return -1
		case a.Score < b.Score:
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	if q.TopK > 0 && len(out) > q.TopK {
		out = out[:q.TopK]
	}
	return out, nil
}
