// Package extract turns extractor candidates into persisted campaign
// entities and canonical relationship edges.
package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/ofisk/loresmith-ai/backend/internal/util"
	"github.com/ofisk/loresmith-ai/backend/pkg/ai"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/graph"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger"
	"github.com/ofisk/loresmith-ai/backend/pkg/store"
)

// EdgeWriter is the part of the graph service the pipeline needs.
type EdgeWriter interface {
	UpsertEdge(ctx context.Context, in graph.UpsertEdgeInput) ([]common.EntityRelationship, error)
}

type Source struct {
	ID   string `json:"id"`
	Type string `json:"type"`
	Name string `json:"name"`
}

type Request struct {
	CampaignID string      `json:"campaignId"`
	Source     Source      `json:"source"`
	Content    string      `json:"content"`
	Candidates []Candidate `json:"candidates"`
}

// EmbeddingOutcome records how one entity's embedding was produced.
// Err holds the provider error that triggered the fallback, IndexErr a
// failed similarity-index write. Neither stops persistence.
type EmbeddingOutcome struct {
	EntityID    string `json:"entityId"`
	EmbeddingID string `json:"embeddingId,omitempty"`
	Fallback    bool   `json:"fallback"`
	Err         error  `json:"-"`
	IndexErr    error  `json:"-"`
}

type Result struct {
	Entities      []common.Entity             `json:"entities"`
	Relationships []common.EntityRelationship `json:"relationships"`
	// IDMap maps every candidate id to the id the entity is stored under.
	IDMap      map[string]string  `json:"idMap"`
	Created    int                `json:"created"`
	Updated    int                `json:"updated"`
	Embeddings []EmbeddingOutcome `json:"embeddings"`
	// EmbeddingConfigErr is the first provider configuration error seen.
	EmbeddingConfigErr error `json:"-"`
}

type Pipeline struct {
	entities store.EntityStore
	index    store.SimilarityIndex
	embedder ai.EmbeddingProvider
	edges    EdgeWriter

	limiter *ai.TokenLimiter
	strict  bool
	now     func() time.Time
	log     logger.Scoped
}

type Option func(*Pipeline)

// WithTokenLimiter bounds the text sent to the embedding provider.
func WithTokenLimiter(l *ai.TokenLimiter) Option {
	return func(p *Pipeline) { p.limiter = l }
}

// WithStrictEmbeddingConfig makes Run return a provider configuration
// error after the batch has been persisted.
func WithStrictEmbeddingConfig() Option {
	return func(p *Pipeline) { p.strict = true }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func NewPipeline(
	entities store.EntityStore,
	index store.SimilarityIndex,
	embedder ai.EmbeddingProvider,
	edges EdgeWriter,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		entities: entities,
		index:    index,
		embedder: embedder,
		edges:    edges,
		now:      time.Now,
		log:      logger.Named("ExtractionPipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run persists the candidates of one extraction. Candidates are handled in
// order because later ones may resolve to entities created by earlier
// ones. Store errors abort the run; embedding problems never do.
func (p *Pipeline) Run(ctx context.Context, req Request) (Result, error) {
	res := Result{
		Entities:      []common.Entity{},
		Relationships: []common.EntityRelationship{},
		IDMap:         map[string]string{},
	}
	if len(req.Candidates) == 0 {
		return res, nil
	}
	if req.CampaignID == "" {
		return res, fmt.Errorf("extraction campaign id: %w", common.ErrInvalidInput)
	}

	start := time.Now()
	p.log.Info("Starting extraction", "campaign_id", req.CampaignID, "source_id", req.Source.ID, "candidates", len(req.Candidates))

	names := make([]string, 0, len(req.Candidates))
	for _, c := range req.Candidates {
		names = append(names, c.Name)
	}
	mentions, err := scanMentions(req.Content, names)
	if err != nil {
		p.log.Warn("Mention scan failed", "campaign_id", req.CampaignID, "err", err)
	}

	candidateIDs := make([]string, len(req.Candidates))
	for i, c := range req.Candidates {
		if strings.TrimSpace(c.Name) == "" {
			p.log.Warn("Skipping candidate without name", "campaign_id", req.CampaignID, "candidate_id", c.ID)
			continue
		}
		if c.ID == "" {
			c.ID = util.NewID("ent_")
		}
		candidateIDs[i] = c.ID

		entity, created, err := p.persistCandidate(ctx, req, c, mentions)
		if err != nil {
			return res, err
		}
		res.IDMap[c.ID] = entity.ID
		if created {
			res.Created++
		} else {
			res.Updated++
		}

		outcome := p.embedEntity(ctx, &entity, mentions.snippet(c.Name))
		if outcome.Err != nil {
			if ai.IsConfigError(outcome.Err) && res.EmbeddingConfigErr == nil {
				res.EmbeddingConfigErr = outcome.Err
				p.log.Error("Embedding provider misconfigured, using fallback vectors", "campaign_id", req.CampaignID, "err", outcome.Err)
			} else if !ai.IsConfigError(outcome.Err) {
				p.log.Warn("Embedding failed, using fallback vector", "campaign_id", req.CampaignID, "entity_id", entity.ID, "err", outcome.Err)
			}
		}
		if outcome.IndexErr != nil {
			p.log.Warn("Similarity index write failed", "campaign_id", req.CampaignID, "entity_id", entity.ID, "err", outcome.IndexErr)
		}
		if outcome.EmbeddingID != "" && outcome.EmbeddingID != entity.EmbeddingID {
			entity.EmbeddingID = outcome.EmbeddingID
			entity, err = p.entities.UpdateEntity(ctx, entity)
			if err != nil {
				return res, fmt.Errorf("store embedding id for %s: %w", entity.ID, err)
			}
		}
		res.Embeddings = append(res.Embeddings, outcome)
		res.Entities = append(res.Entities, entity)
	}

	rels, err := p.materializeRelations(ctx, req, candidateIDs, res.IDMap)
	if err != nil {
		return res, err
	}
	res.Relationships = rels

	p.log.Info("Finished extraction",
		"campaign_id", req.CampaignID,
		"created", res.Created,
		"updated", res.Updated,
		"relationships", len(res.Relationships),
		"duration_ms", time.Since(start).Milliseconds(),
	)

	if p.strict && res.EmbeddingConfigErr != nil {
		return res, fmt.Errorf("extraction persisted with fallback embeddings: %w", res.EmbeddingConfigErr)
	}
	return res, nil
}

// resolve finds an existing entity by id, then by (name, type).
func (p *Pipeline) resolve(ctx context.Context, campaignID string, c Candidate) (common.Entity, bool, error) {
	e, err := p.entities.GetEntity(ctx, campaignID, c.ID)
	if err == nil {
		return e, true, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return common.Entity{}, false, fmt.Errorf("lookup entity %s: %w", c.ID, err)
	}
	e, err = p.entities.FindEntityByNameAndType(ctx, campaignID, c.Name, c.EntityType)
	if err == nil {
		return e, true, nil
	}
	if !errors.Is(err, common.ErrNotFound) {
		return common.Entity{}, false, fmt.Errorf("lookup entity %q/%q: %w", c.Name, c.EntityType, err)
	}
	return common.Entity{}, false, nil
}

func (p *Pipeline) persistCandidate(ctx context.Context, req Request, c Candidate, mentions *mentionIndex) (common.Entity, bool, error) {
	existing, found, err := p.resolve(ctx, req.CampaignID, c)
	if err != nil {
		return common.Entity{}, false, err
	}

	staging := &common.StagingState{
		Staged:   true,
		StagedAt: p.now().UTC(),
		Provenance: common.Provenance{
			SourceID:    req.Source.ID,
			SourceType:  req.Source.Type,
			SourceName:  req.Source.Name,
			CandidateID: c.ID,
			Mentions:    mentions.count(c.Name),
		},
	}

	if !found {
		entity := common.Entity{
			ID:         c.ID,
			CampaignID: req.CampaignID,
			EntityType: c.EntityType,
			Name:       c.Name,
			Content:    c.content(),
			Metadata:   common.EntityMetadata{Staging: staging, Extra: maps.Clone(c.Metadata)},
			Confidence: c.Confidence,
			SourceType: req.Source.Type,
			SourceID:   req.Source.ID,
		}
		created, err := p.entities.CreateEntity(ctx, entity)
		if err == nil {
			return created, true, nil
		}
		if !errors.Is(err, common.ErrAlreadyExists) {
			return common.Entity{}, false, fmt.Errorf("create entity %s: %w", c.ID, err)
		}
		// A concurrent extraction stored the same (name, type) first.
		existing, found, err = p.resolve(ctx, req.CampaignID, c)
		if err != nil {
			return common.Entity{}, false, err
		}
		if !found {
			return common.Entity{}, false, fmt.Errorf("create entity %s: %w", c.ID, common.ErrConflict)
		}
		p.log.Debug("Entity created concurrently, updating instead", "campaign_id", req.CampaignID, "entity_id", existing.ID)
	}

	prev, err := snapshotOf(existing)
	if err != nil {
		return common.Entity{}, false, fmt.Errorf("snapshot entity %s: %w", existing.ID, err)
	}
	// An update that is still awaiting review keeps the last approved state.
	if existing.Metadata.IsStaged() && existing.Metadata.Staging.Previous != nil {
		prev = existing.Metadata.Staging.Previous
	}
	staging.Previous = prev

	extra := maps.Clone(existing.Metadata.Extra)
	if extra == nil && len(c.Metadata) > 0 {
		extra = make(map[string]any, len(c.Metadata))
	}
	maps.Copy(extra, c.Metadata)

	updated := existing
	updated.Content = c.content()
	updated.Metadata = common.EntityMetadata{Staging: staging, Extra: extra}
	if c.Confidence != nil {
		updated.Confidence = c.Confidence
	}
	updated.SourceType = req.Source.Type
	updated.SourceID = req.Source.ID

	stored, err := p.entities.UpdateEntity(ctx, updated)
	if err != nil {
		return common.Entity{}, false, fmt.Errorf("update entity %s: %w", existing.ID, err)
	}
	return stored, false, nil
}

func snapshotOf(e common.Entity) (*common.Snapshot, error) {
	content, err := common.EncodeContent(e.Content)
	if err != nil {
		return nil, err
	}
	prevMeta := e.Metadata
	prevMeta.Staging = nil
	metadata, err := json.Marshal(prevMeta)
	if err != nil {
		return nil, err
	}
	return &common.Snapshot{Content: content, Metadata: metadata}, nil
}

// embedEntity never fails: provider errors are reported in the outcome and
// replaced by the deterministic fallback vector.
func (p *Pipeline) embedEntity(ctx context.Context, e *common.Entity, snippet string) EmbeddingOutcome {
	outcome := EmbeddingOutcome{EntityID: e.ID}
	if p.embedder == nil || p.index == nil {
		return outcome
	}

	text := e.EmbeddingText()
	if snippet != "" {
		text = text + "\n" + snippet
	}
	text = p.limiter.Truncate(text)

	vec, err := p.embedder.Embed(ctx, text)
	if err == nil {
		err = ai.ValidateDimensions(vec, p.embedder.Dimensions())
	}
	if err != nil {
		outcome.Err = err
		outcome.Fallback = true
		vec = ai.FallbackEmbedding(text, p.embedder.Dimensions())
	}

	id, err := p.index.UpsertEmbedding(ctx, e.CampaignID, e.ID, e.EntityType, vec)
	if err != nil {
		outcome.IndexErr = err
		return outcome
	}
	outcome.EmbeddingID = id
	return outcome
}

func (p *Pipeline) materializeRelations(ctx context.Context, req Request, candidateIDs []string, idMap map[string]string) ([]common.EntityRelationship, error) {
	out := []common.EntityRelationship{}
	seen := make(map[common.EdgeKey]struct{})
	external := make(map[string]bool)

	for i, c := range req.Candidates {
		from, ok := idMap[candidateIDs[i]]
		if !ok {
			continue
		}
		for _, rel := range c.Relations {
			to, err := p.resolveTarget(ctx, req.CampaignID, rel.TargetID, idMap, external)
			if err != nil {
				return out, err
			}
			if to == "" {
				p.log.Debug("Skipping relation to unknown target", "campaign_id", req.CampaignID, "from", from, "target", rel.TargetID)
				continue
			}
			if from == to {
				continue
			}
			key := common.EdgeKey{From: from, To: to, Type: graph.CanonicalType(rel.RelationshipType)}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}

			edges, err := p.edges.UpsertEdge(ctx, graph.UpsertEdgeInput{
				CampaignID:       req.CampaignID,
				FromEntityID:     from,
				ToEntityID:       to,
				RelationshipType: rel.RelationshipType,
				Strength:         rel.Strength,
				Metadata:         rel.Metadata,
			})
			if err != nil {
				return out, err
			}
			out = append(out, edges...)
		}
	}
	return out, nil
}

// resolveTarget maps a relation target through the batch id table, then
// falls back to an entity that already exists in the campaign.
func (p *Pipeline) resolveTarget(ctx context.Context, campaignID, target string, idMap map[string]string, external map[string]bool) (string, error) {
	if target == "" {
		return "", nil
	}
	if id, ok := idMap[target]; ok {
		return id, nil
	}
	if exists, checked := external[target]; checked {
		if exists {
			return target, nil
		}
		return "", nil
	}
	_, err := p.entities.GetEntity(ctx, campaignID, target)
	switch {
	case err == nil:
		external[target] = true
		return target, nil
	case errors.Is(err, common.ErrNotFound):
		external[target] = false
		return "", nil
	default:
		return "", fmt.Errorf("lookup relation target %s: %w", target, err)
	}
}
