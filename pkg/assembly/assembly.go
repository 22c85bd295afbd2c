// Package assembly builds the context handed to planning agents: entities
// similar to a query with their graph neighborhood, planning search hits and
// the net effect of unconsumed changelog entries.
package assembly

import (
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/ofisk/loresmith-ai/backend/pkg/ai"
	"github.com/ofisk/loresmith-ai/backend/pkg/changelog"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/graph"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger"
	"github.com/ofisk/loresmith-ai/backend/pkg/store"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultTopK          = 10
	DefaultMinSimilarity = 0.3
	DefaultNeighborDepth = 2
	DefaultPlanningLimit = 10

	// ChangelogEntityRelevance is the score given to entities that exist
	// only through the changelog.
	ChangelogEntityRelevance = 0.8
)

// Options tune one assembly. Zero values take the package defaults.
type Options struct {
	TopK              int      `json:"topK,omitempty"`
	MinSimilarity     float64  `json:"minSimilarity,omitempty"`
	NeighborDepth     int      `json:"neighborDepth,omitempty"`
	EntityType        string   `json:"entityType,omitempty"`
	RelationshipTypes []string `json:"relationshipTypes,omitempty"`
	PlanningLimit     int      `json:"planningLimit,omitempty"`
	IncludeArchived   bool     `json:"includeArchived,omitempty"`
}

func (o Options) withFallback(d Options) Options {
	if o.TopK <= 0 {
		o.TopK = d.TopK
	}
	if o.MinSimilarity <= 0 {
		o.MinSimilarity = d.MinSimilarity
	}
	if o.NeighborDepth <= 0 {
		o.NeighborDepth = d.NeighborDepth
	}
	if o.PlanningLimit <= 0 {
		o.PlanningLimit = d.PlanningLimit
	}
	return o
}

func (o Options) normalized() Options {
	if o.TopK <= 0 {
		o.TopK = DefaultTopK
	}
	if o.MinSimilarity <= 0 {
		o.MinSimilarity = DefaultMinSimilarity
	}
	if o.NeighborDepth <= 0 {
		o.NeighborDepth = DefaultNeighborDepth
	}
	if o.PlanningLimit <= 0 {
		o.PlanningLimit = DefaultPlanningLimit
	}
	o.RelationshipTypes = graph.CanonicalTypes(o.RelationshipTypes)
	if len(o.RelationshipTypes) > 0 {
		o.RelationshipTypes = slices.Sorted(slices.Values(o.RelationshipTypes))
	}
	return o
}

type EntityContext struct {
	Entity         common.Entity               `json:"entity"`
	RelevanceScore float64                     `json:"relevanceScore"`
	Relationships  []common.EntityRelationship `json:"relationships"`
	Neighbors      []common.Neighbor           `json:"neighbors"`
	WorldState     *common.EntityUpdate        `json:"worldState,omitempty"`
	FromChangelog  bool                        `json:"fromChangelog,omitempty"`
}

type Timings struct {
	GraphRAGQueryTime    int64 `json:"graphRAGQueryTime"`
	PlanningContextTime  int64 `json:"planningContextTime"`
	ChangelogOverlayTime int64 `json:"changelogOverlayTime"`
	TotalAssemblyTime    int64 `json:"totalAssemblyTime"`
}

type Metadata struct {
	CampaignID       string        `json:"campaignId"`
	Query            string        `json:"query"`
	Cached           bool          `json:"cached"`
	AssembledAt      time.Time     `json:"assembledAt"`
	Timings          Timings       `json:"timings"`
	OverlayEntries   int           `json:"overlayEntries"`
	EmbeddingFailure string        `json:"embeddingFailure,omitempty"`
	Trace            TraceSnapshot `json:"trace"`
}

type ContextAssembly struct {
	GraphRAG []EntityContext         `json:"graphRAG"`
	Planning []common.PlanningResult `json:"planningContext"`
	Metadata Metadata                `json:"metadata"`
}

// GraphReader is satisfied by *graph.Service.
type GraphReader interface {
	GetRelationshipsForEntity(ctx context.Context, campaignID, entityID string, relationshipTypes ...string) ([]common.EntityRelationship, error)
	GetNeighbors(ctx context.Context, campaignID, entityID string, q common.NeighborhoodQuery) ([]common.Neighbor, error)
}

// OverlaySource is satisfied by *changelog.Service.
type OverlaySource interface {
	ComputeOverlay(ctx context.Context, campaignID string, opts changelog.OverlayOptions) (changelog.Overlay, error)
}

type Service struct {
	embedder ai.EmbeddingProvider
	index    store.SimilarityIndex
	entities store.EntityStore
	graph    GraphReader
	planning store.PlanningSearcher
	overlay  OverlaySource
	cache    *Cache
	tracer   Tracer
	defaults Options
	log      logger.Scoped
}

type Deps struct {
	Embedder ai.EmbeddingProvider
	Index    store.SimilarityIndex
	Entities store.EntityStore
	Graph    GraphReader
	Planning store.PlanningSearcher
	Overlay  OverlaySource
}

type Option func(*Service)

func WithCache(c *Cache) Option {
	return func(s *Service) { s.cache = c }
}

// WithDefaults sets the values used for zero fields of Options before the
// package defaults apply.
func WithDefaults(d Options) Option {
	return func(s *Service) { s.defaults = d }
}

// WithTracer adds a sink that sees the events of every assembly.
func WithTracer(t Tracer) Option {
	return func(s *Service) { s.tracer = t }
}

func NewService(deps Deps, opts ...Option) *Service {
	s := &Service{
		embedder: deps.Embedder,
		index:    deps.Index,
		entities: deps.Entities,
		graph:    deps.Graph,
		planning: deps.Planning,
		overlay:  deps.Overlay,
		log:      logger.Named("ContextAssembly"),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.cache == nil {
		s.cache = NewCache(DefaultCacheTTL, DefaultSweepProbability)
	}
	return s
}

// InvalidateCampaignCache drops cached assemblies of the campaign. Call it
// after graph or changelog writes that must be visible immediately.
func (s *Service) InvalidateCampaignCache(campaignID string) {
	n := s.cache.Invalidate(campaignID)
	s.log.Debug("Invalidated cache", "campaign_id", campaignID, "entries", n)
}

// Invalidate lets the service act as a changelog.CacheInvalidator.
func (s *Service) Invalidate(campaignID string) {
	s.InvalidateCampaignCache(campaignID)
}

func (s *Service) AssembleContext(ctx context.Context, query, campaignID string, opts Options) (ContextAssembly, error) {
	if campaignID == "" {
		return ContextAssembly{}, fmt.Errorf("%w: campaign id is required", common.ErrInvalidInput)
	}
	opts = opts.withFallback(s.defaults).normalized()
	key := CacheKey(campaignID, query, opts)
	if cached, ok := s.cache.Get(key); ok {
		cached.Metadata.Cached = true
		s.log.Debug("Cache hit", "campaign_id", campaignID)
		return cached, nil
	}

	start := time.Now()
	trace := NewTrace()
	tracer := Tracer(trace)
	if s.tracer != nil {
		tracer = MultiTracer{trace, s.tracer}
	}

	var (
		graphRAG    graphRAGResult
		planning    []common.PlanningResult
		graphTime   int64
		planTime    int64
		overlayTime int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		t0 := time.Now()
		var err error
		graphRAG, err = s.queryGraphRAG(gctx, query, campaignID, opts, tracer)
		graphTime = time.Since(t0).Milliseconds()
		recordPhase(tracer, "graphRAG", graphTime, err)
		return err
	})
	g.Go(func() error {
		t0 := time.Now()
		var err error
		planning, err = s.searchPlanning(gctx, query, campaignID, opts)
		planTime = time.Since(t0).Milliseconds()
		recordPhase(tracer, "planningContext", planTime, err)
		return err
	})
	if err := g.Wait(); err != nil {
		return ContextAssembly{}, err
	}

	t0 := time.Now()
	entities, overlayEntries, err := s.applyOverlay(ctx, campaignID, opts, graphRAG.entities, tracer)
	overlayTime = time.Since(t0).Milliseconds()
	recordPhase(tracer, "changelogOverlay", overlayTime, err)
	if err != nil {
		return ContextAssembly{}, err
	}

	out := ContextAssembly{
		GraphRAG: entities,
		Planning: planning,
		Metadata: Metadata{
			CampaignID:     campaignID,
			Query:          query,
			AssembledAt:    time.Now(),
			OverlayEntries: overlayEntries,
			Timings: Timings{
				GraphRAGQueryTime:    graphTime,
				PlanningContextTime:  planTime,
				ChangelogOverlayTime: overlayTime,
				TotalAssemblyTime:    time.Since(start).Milliseconds(),
			},
		},
	}
	if graphRAG.embedErr != nil {
		out.Metadata.EmbeddingFailure = graphRAG.embedErr.Error()
	}
	out.Metadata.Trace = trace.Snapshot()

	s.cache.Set(key, campaignID, out)
	s.log.Info("Assembled context",
		"campaign_id", campaignID,
		"entities", len(out.GraphRAG),
		"planning", len(out.Planning),
		"total_ms", out.Metadata.Timings.TotalAssemblyTime,
	)
	return out, nil
}

type graphRAGResult struct {
	entities []EntityContext
	embedErr error
}

// queryGraphRAG returns the matched entities. An embedding failure is not
// fatal: it is kept in embedErr and the graph part stays empty.
func (s *Service) queryGraphRAG(ctx context.Context, query, campaignID string, opts Options, tracer Tracer) (graphRAGResult, error) {
	res := graphRAGResult{entities: []EntityContext{}}
	if s.embedder == nil || s.index == nil {
		return res, nil
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		s.log.Warn("Query embedding failed, skipping graph lookup", "campaign_id", campaignID, "err", err)
		res.embedErr = err
		return res, nil
	}

	matches, err := s.index.FindSimilar(ctx, vec, store.SimilarityQuery{
		CampaignID: campaignID,
		EntityType: opts.EntityType,
		TopK:       opts.TopK,
		MinScore:   opts.MinSimilarity,
	})
	if err != nil {
		return res, fmt.Errorf("find similar entities: %w", err)
	}
	matches = slices.DeleteFunc(matches, func(m common.SimilarMatch) bool { return m.Score < opts.MinSimilarity })
	if len(matches) == 0 {
		return res, nil
	}

	ids := make([]string, len(matches))
	scores := make(map[string]float64, len(matches))
	for i, m := range matches {
		ids[i] = m.ID
		scores[m.ID] = m.Score
	}
	recordIDs(tracer, TraceEventMatchedEntityIDs, ids)

	entities, err := s.entities.GetEntitiesByIDs(ctx, campaignID, ids)
	if err != nil {
		return res, fmt.Errorf("load matched entities: %w", err)
	}
	byID := make(map[string]common.Entity, len(entities))
	for _, e := range entities {
		byID[e.ID] = e
	}

	for _, id := range ids {
		e, ok := byID[id]
		if !ok {
			continue
		}
		ec, err := s.entityContext(ctx, campaignID, e, scores[id], opts, tracer)
		if err != nil {
			return res, err
		}
		res.entities = append(res.entities, ec)
	}
	return res, nil
}

func (s *Service) entityContext(ctx context.Context, campaignID string, e common.Entity, score float64, opts Options, tracer Tracer) (EntityContext, error) {
	rels, err := s.graph.GetRelationshipsForEntity(ctx, campaignID, e.ID, opts.RelationshipTypes...)
	if err != nil {
		return EntityContext{}, fmt.Errorf("relationships of %s: %w", e.ID, err)
	}
	neighbors, err := s.graph.GetNeighbors(ctx, campaignID, e.ID, common.NeighborhoodQuery{
		MaxDepth:          opts.NeighborDepth,
		RelationshipTypes: opts.RelationshipTypes,
	})
	if err != nil {
		return EntityContext{}, fmt.Errorf("neighbors of %s: %w", e.ID, err)
	}
	relIDs := make([]string, 0, len(rels))
	for _, r := range rels {
		relIDs = append(relIDs, r.ID)
	}
	recordIDs(tracer, TraceEventQueriedRelationshipIDs, relIDs)
	if rels == nil {
		rels = []common.EntityRelationship{}
	}
	if neighbors == nil {
		neighbors = []common.Neighbor{}
	}
	return EntityContext{Entity: e, RelevanceScore: score, Relationships: rels, Neighbors: neighbors}, nil
}

func (s *Service) searchPlanning(ctx context.Context, query, campaignID string, opts Options) ([]common.PlanningResult, error) {
	if s.planning == nil {
		return []common.PlanningResult{}, nil
	}
	res, err := s.planning.SearchPlanningContext(ctx, campaignID, query, opts.PlanningLimit)
	if err != nil {
		return nil, fmt.Errorf("planning context search: %w", err)
	}
	if res == nil {
		res = []common.PlanningResult{}
	}
	return res, nil
}

func (s *Service) applyOverlay(ctx context.Context, campaignID string, opts Options, graphRAG []EntityContext, tracer Tracer) ([]EntityContext, int, error) {
	if s.overlay == nil {
		return graphRAG, 0, nil
	}
	overlay, err := s.overlay.ComputeOverlay(ctx, campaignID, changelog.OverlayOptions{IncludeArchived: opts.IncludeArchived})
	if err != nil {
		return nil, 0, fmt.Errorf("compute changelog overlay: %w", err)
	}

	touched := make([]string, 0)
	present := make(map[string]bool, len(graphRAG))
	for i := range graphRAG {
		ec := &graphRAG[i]
		present[ec.Entity.ID] = true
		if u, ok := overlay.EntityState(ec.Entity.ID); ok {
			ec.WorldState = &u
			touched = append(touched, ec.Entity.ID)
		}
		ec.Relationships = overlay.ApplyRelationships(campaignID, ec.Entity.ID, ec.Relationships)
	}

	var fresh []string
	for _, id := range overlay.NewEntityIDs() {
		if !present[id] {
			fresh = append(fresh, id)
		}
	}
	if len(fresh) > 0 {
		entities, err := s.entities.GetEntitiesByIDs(ctx, campaignID, fresh)
		if err != nil {
			return nil, 0, fmt.Errorf("load changelog entities: %w", err)
		}
		for _, e := range entities {
			ec := EntityContext{
				Entity:         e,
				RelevanceScore: ChangelogEntityRelevance,
				Relationships:  overlay.ApplyRelationships(campaignID, e.ID, []common.EntityRelationship{}),
				Neighbors:      []common.Neighbor{},
				FromChangelog:  true,
			}
			if u, ok := overlay.EntityState(e.ID); ok {
				ec.WorldState = &u
			}
			graphRAG = append(graphRAG, ec)
			touched = append(touched, e.ID)
		}
	}
	recordIDs(tracer, TraceEventOverlayEntityIDs, touched)
	return graphRAG, overlay.EntryCount, nil
}
