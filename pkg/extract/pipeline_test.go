package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/ofisk/loresmith-ai/backend/pkg/ai"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/graph"
	"github.com/ofisk/loresmith-ai/backend/pkg/store/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEmbedder struct {
	dim   int
	err   error
	calls []string
}

func (f *fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	f.calls = append(f.calls, text)
	if f.err != nil {
		return nil, f.err
	}
	v := make([]float32, f.dim)
	v[len(text)%f.dim] = 1
	return v, nil
}

func (f *fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		v, err := f.Embed(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func (f *fakeEmbedder) Dimensions() int { return f.dim }

func newPipeline(mem *memory.Store, emb ai.EmbeddingProvider, opts ...Option) *Pipeline {
	opts = append(opts, WithClock(func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) }))
	return NewPipeline(mem, mem, emb, graph.NewService(mem), opts...)
}

func TestRunWithoutCandidatesReturnsEmpty(t *testing.T) {
	mem := memory.New()
	res, err := newPipeline(mem, &fakeEmbedder{dim: 4}).Run(context.Background(), Request{CampaignID: "c1"})
	require.NoError(t, err)
	assert.Empty(t, res.Entities)
	assert.Empty(t, res.Relationships)
}

func TestRunCreatesStagedEntitiesAndEdges(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	p := newPipeline(mem, &fakeEmbedder{dim: 4})

	res, err := p.Run(ctx, Request{
		CampaignID: "c1",
		Source:     Source{ID: "doc-1", Type: "session_notes", Name: "Session 1"},
		Content:    "Volo met Elminster in Waterdeep. Volo bought an ale.",
		Candidates: []Candidate{
			{ID: "cand-volo", Name: "Volo", EntityType: "character", Description: "Traveling author",
				Relations: []CandidateRelation{
					{TargetID: "cand-elminster", RelationshipType: "ally", Strength: ptr(85)},
					{TargetID: "cand-waterdeep", RelationshipType: "lives in"},
					{TargetID: "cand-waterdeep", RelationshipType: "Lives In"},
					{TargetID: "cand-volo", RelationshipType: "knows"},
					{TargetID: "cand-ghost", RelationshipType: "knows"},
				}},
			{ID: "cand-elminster", Name: "Elminster", EntityType: "character"},
			{ID: "cand-waterdeep", Name: "Waterdeep", EntityType: "location"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 3, res.Created)
	assert.Equal(t, 0, res.Updated)

	volo, err := mem.GetEntity(ctx, "c1", "cand-volo")
	require.NoError(t, err)
	require.True(t, volo.Metadata.IsStaged())
	assert.Nil(t, volo.Metadata.Staging.Previous)
	assert.Equal(t, 2, volo.Metadata.Staging.Provenance.Mentions)
	assert.Equal(t, "doc-1", volo.Metadata.Staging.Provenance.SourceID)
	assert.NotEmpty(t, volo.EmbeddingID)
	assert.Equal(t, common.CharacterContent{Description: "Traveling author"}, volo.Content)

	// allied_with is mirrored, located_in is directed and deduplicated,
	// the self relation and the unresolved target are dropped.
	require.Len(t, res.Relationships, 3)
	assert.Equal(t, graph.RelAlliedWith, res.Relationships[0].RelationshipType)
	assert.Equal(t, "cand-elminster", res.Relationships[1].FromEntityID)
	assert.Equal(t, graph.RelLocatedIn, res.Relationships[2].RelationshipType)
	assert.InDelta(t, 0.85, *res.Relationships[0].Strength, 1e-9)
}

func TestRunResolvesExistingEntityByNameAndType(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	_, err := mem.CreateEntity(ctx, common.Entity{
		ID:         "ent-existing",
		CampaignID: "c1",
		Name:       "Volo",
		EntityType: "character",
		Content:    common.CharacterContent{Description: "Author"},
		Metadata:   common.EntityMetadata{Extra: map[string]any{"tags": "npc"}},
	})
	require.NoError(t, err)
	_, err = mem.CreateEntity(ctx, common.Entity{ID: "ent-tavern", CampaignID: "c1", Name: "Yawning Portal", EntityType: "location"})
	require.NoError(t, err)

	p := newPipeline(mem, &fakeEmbedder{dim: 4})
	res, err := p.Run(ctx, Request{
		CampaignID: "c1",
		Candidates: []Candidate{
			{ID: "cand-new", Name: "Volo", EntityType: "character", Description: "Author of guides"},
			{ID: "cand-durnan", Name: "Durnan", EntityType: "character",
				Relations: []CandidateRelation{
					{TargetID: "cand-new", RelationshipType: "friend"},
					{TargetID: "ent-tavern", RelationshipType: "owns"},
				}},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Created)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, "ent-existing", res.IDMap["cand-new"])

	_, err = mem.GetEntity(ctx, "c1", "cand-new")
	assert.True(t, errors.Is(err, common.ErrNotFound))

	existing, err := mem.GetEntity(ctx, "c1", "ent-existing")
	require.NoError(t, err)
	require.True(t, existing.Metadata.IsStaged())
	require.NotNil(t, existing.Metadata.Staging.Previous)
	assert.JSONEq(t, `{"description":"Author"}`, string(existing.Metadata.Staging.Previous.Content))
	assert.JSONEq(t, `{"tags":"npc"}`, string(existing.Metadata.Staging.Previous.Metadata))
	assert.Equal(t, "npc", existing.Metadata.Extra["tags"])
	assert.Equal(t, common.CharacterContent{Description: "Author of guides"}, existing.Content)

	rels, err := mem.GetRelationshipsForEntity(ctx, "c1", "ent-existing", common.RelationshipFilter{})
	require.NoError(t, err)
	require.Len(t, rels, 2)
	for _, r := range rels {
		assert.Equal(t, graph.RelFriendOf, r.RelationshipType)
	}

	owns, err := mem.GetRelationshipsForEntity(ctx, "c1", "ent-tavern", common.RelationshipFilter{})
	require.NoError(t, err)
	require.Len(t, owns, 1)
	assert.Equal(t, "cand-durnan", owns[0].FromEntityID)
}

func TestRestagingKeepsOriginalSnapshot(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	p := newPipeline(mem, &fakeEmbedder{dim: 4})
	_, err := mem.CreateEntity(ctx, common.Entity{ID: "e1", CampaignID: "c1", Name: "Mirt", EntityType: "character",
		Content: common.CharacterContent{Description: "v1"}})
	require.NoError(t, err)

	for _, desc := range []string{"v2", "v3"} {
		_, err := p.Run(ctx, Request{CampaignID: "c1", Candidates: []Candidate{{ID: "e1", Name: "Mirt", EntityType: "character", Description: desc}}})
		require.NoError(t, err)
	}
	got, err := mem.GetEntity(ctx, "c1", "e1")
	require.NoError(t, err)
	assert.JSONEq(t, `{"description":"v1"}`, string(got.Metadata.Staging.Previous.Content))
	assert.Equal(t, common.CharacterContent{Description: "v3"}, got.Content)
}

func TestEmbeddingFailureFallsBack(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	p := newPipeline(mem, &fakeEmbedder{dim: 8, err: errors.New("rate limited")})

	res, err := p.Run(ctx, Request{CampaignID: "c1", Candidates: []Candidate{{ID: "e1", Name: "Laeral", EntityType: "character"}}})
	require.NoError(t, err)
	require.Len(t, res.Embeddings, 1)
	assert.True(t, res.Embeddings[0].Fallback)
	assert.Nil(t, res.EmbeddingConfigErr)

	vec, err := mem.GetEmbedding(ctx, "c1", "e1")
	require.NoError(t, err)
	assert.Len(t, vec, 8)
	assert.Equal(t, ai.FallbackEmbedding("Laeral. character", 8), vec)
}

func TestEmbeddingDimensionMismatchFallsBack(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	p := newPipeline(mem, &shortEmbedder{})

	res, err := p.Run(ctx, Request{CampaignID: "c1", Candidates: []Candidate{{ID: "e1", Name: "Laeral", EntityType: "character"}}})
	require.NoError(t, err)
	assert.True(t, errors.Is(res.Embeddings[0].Err, ai.ErrDimensionMismatch))
	vec, err := mem.GetEmbedding(ctx, "c1", "e1")
	require.NoError(t, err)
	assert.Len(t, vec, 4)
}

type shortEmbedder struct{ fakeEmbedder }

func (s *shortEmbedder) Embed(context.Context, string) ([]float32, error) { return []float32{1}, nil }
func (s *shortEmbedder) Dimensions() int                                   { return 4 }

func TestConfigErrorIsReportedAndStrictModeReturnsIt(t *testing.T) {
	ctx := context.Background()
	cfgErr := &ai.ConfigError{Provider: "openai", Reason: "no API key configured"}
	req := Request{CampaignID: "c1", Candidates: []Candidate{
		{ID: "e1", Name: "Jarlaxle", EntityType: "character"},
		{ID: "e2", Name: "Artemis", EntityType: "character"},
	}}

	mem := memory.New()
	res, err := newPipeline(mem, &fakeEmbedder{dim: 4, err: cfgErr}).Run(ctx, req)
	require.NoError(t, err)
	assert.True(t, ai.IsConfigError(res.EmbeddingConfigErr))
	assert.Equal(t, 2, res.Created)

	strictMem := memory.New()
	res, err = newPipeline(strictMem, &fakeEmbedder{dim: 4, err: cfgErr}, WithStrictEmbeddingConfig()).Run(ctx, req)
	require.Error(t, err)
	assert.True(t, ai.IsConfigError(err))
	assert.Equal(t, 2, res.Created)
	_, err = strictMem.GetEntity(ctx, "c1", "e2")
	require.NoError(t, err)
}

type brokenStore struct {
	*memory.Store
}

func (brokenStore) CreateEntity(context.Context, common.Entity) (common.Entity, error) {
	return common.Entity{}, errors.New("connection reset")
}

func TestStoreErrorsPropagate(t *testing.T) {
	mem := memory.New()
	p := NewPipeline(brokenStore{mem}, mem, &fakeEmbedder{dim: 4}, graph.NewService(mem))
	_, err := p.Run(context.Background(), Request{CampaignID: "c1", Candidates: []Candidate{{ID: "e1", Name: "X", EntityType: "item"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

// racingStore loses every insert to an entity with the same name and type
// that lands just before it.
type racingStore struct {
	*memory.Store
}

func (r racingStore) CreateEntity(ctx context.Context, e common.Entity) (common.Entity, error) {
	rival := e
	rival.ID = "rival-" + e.ID
	rival.Metadata = common.EntityMetadata{}
	if _, err := r.Store.CreateEntity(ctx, rival); err != nil {
		return common.Entity{}, err
	}
	return common.Entity{}, fmt.Errorf("entity %s: %w", e.ID, common.ErrAlreadyExists)
}

func TestConcurrentCreateFallsBackToUpdate(t *testing.T) {
	ctx := context.Background()
	mem := memory.New()
	p := NewPipeline(racingStore{mem}, mem, &fakeEmbedder{dim: 4}, graph.NewService(mem))

	res, err := p.Run(ctx, Request{CampaignID: "c1", Candidates: []Candidate{{ID: "e1", Name: "Mirt", EntityType: "character"}}})
	require.NoError(t, err)
	assert.Equal(t, 0, res.Created)
	assert.Equal(t, 1, res.Updated)
	assert.Equal(t, "rival-e1", res.IDMap["e1"])

	stored, err := mem.GetEntity(ctx, "c1", "rival-e1")
	require.NoError(t, err)
	assert.True(t, stored.Metadata.IsStaged())
	_, err = mem.GetEntity(ctx, "c1", "e1")
	require.ErrorIs(t, err, common.ErrNotFound)
}

func TestParseCandidates(t *testing.T) {
	wrapped := "```json\n{\"entities\":[{\"id\":\"a\",\"name\":\"Volo\",\"entity_type\":\"character\"}]}\n```"
	got, err := ParseCandidates(wrapped)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "Volo", got[0].Name)

	list, err := ParseCandidates(`[{"id":"a","name":"Volo","entity_type":"character","relations":[{"target_id":"b","relationship_type":"ally"}]},]`)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "b", list[0].Relations[0].TargetID)

	empty, err := ParseCandidates("  ")
	require.NoError(t, err)
	assert.Nil(t, empty)
}

func TestCandidateSchema(t *testing.T) {
	data, err := json.Marshal(CandidateSchema())
	require.NoError(t, err)
	assert.Contains(t, string(data), "entity_type")
	assert.Contains(t, string(data), "relationship_type")
}

func TestScanMentionsWholeWordsLongestFirst(t *testing.T) {
	idx, err := scanMentions("Lord Neverember spoke. Neverember! Neverembers are many.", []string{"Neverember", "Lord Neverember"})
	require.NoError(t, err)
	assert.Equal(t, 1, idx.count("Lord Neverember"))
	assert.Equal(t, 1, idx.count("neverember"))
	assert.Contains(t, idx.snippet("Lord Neverember"), "Lord Neverember spoke")
}

func ptr(v float64) *float64 { return &v }
