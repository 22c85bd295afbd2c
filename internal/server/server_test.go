package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	mid "github.com/ofisk/loresmith-ai/backend/internal/server/middleware"
	"github.com/ofisk/loresmith-ai/backend/internal/config"
	"github.com/ofisk/loresmith-ai/backend/pkg/ai"
	"github.com/ofisk/loresmith-ai/backend/pkg/assembly"
	"github.com/ofisk/loresmith-ai/backend/pkg/changelog"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/dedupe"
	"github.com/ofisk/loresmith-ai/backend/pkg/extract"
	"github.com/ofisk/loresmith-ai/backend/pkg/graph"
	"github.com/ofisk/loresmith-ai/backend/pkg/rebuild"
	"github.com/ofisk/loresmith-ai/backend/pkg/store/memory"
)

type hashEmbedder struct{ dim int }

func (h hashEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	return ai.FallbackEmbedding(text, h.dim), nil
}

func (h hashEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i], _ = h.Embed(ctx, t)
	}
	return out, nil
}

func (h hashEmbedder) Dimensions() int { return h.dim }

type testEnv struct {
	e     *echo.Echo
	app   *mid.App
	mem   *memory.Store
	queue *memory.Queue
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	mem := memory.New()
	embedder := hashEmbedder{dim: 16}
	graphSvc := graph.NewService(mem)
	trigger := rebuild.NewTrigger(mem, rebuild.Thresholds{Partial: 10, Full: 20})
	q := memory.NewQueue(8)
	archive := changelog.NewService(mem, mem, mem, mem)
	asm := assembly.NewService(assembly.Deps{
		Embedder: embedder,
		Index:    mem,
		Entities: mem,
		Graph:    graphSvc,
		Planning: mem,
		Overlay:  archive,
	})

	app := &mid.App{
		Extraction: extract.NewPipeline(mem, mem, embedder, graphSvc),
		Dedupe:     dedupe.NewService(mem, mem, dedupe.DefaultConfig()),
		Graph:      graphSvc,
		Recorder:   changelog.NewRecorder(mem, trigger, changelog.WithLiveIndex(mem), changelog.WithInvalidator(asm)),
		Archive:    archive,
		Assembly:   asm,
		Scheduler:  rebuild.NewScheduler(trigger, q),
	}
	return &testEnv{e: New(app, config.ServerConfig{BodyLimit: "1M"}), app: app, mem: mem, queue: q}
}

func (env *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	env.e.ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestExtractionThenNeighbors(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/campaigns/c1/extractions", map[string]any{
		"content": "Aria fought beside Borin at the gate.",
		"candidates": []map[string]any{
			{"id": "a", "name": "Aria", "entity_type": "npc", "relations": []map[string]any{
				{"target_id": "b", "relationship_type": "ally"},
			}},
			{"id": "b", "name": "Borin", "entity_type": "npc"},
		},
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var result extract.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &result))
	require.Equal(t, 2, result.Created)
	aria := result.IDMap["a"]
	require.NotEmpty(t, aria)

	rec = env.do(t, http.MethodGet, "/campaigns/c1/entities/"+aria+"/neighbors?depth=1&types=ally", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var neighbors []common.Neighbor
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &neighbors))
	require.Len(t, neighbors, 1)
	assert.Equal(t, result.IDMap["b"], neighbors[0].EntityID)
	assert.Equal(t, graph.RelAlliedWith, neighbors[0].RelationshipType)

	rec = env.do(t, http.MethodGet, "/campaigns/c1/entities/"+aria+"/neighbors?depth=99", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

type misconfiguredEmbedder struct{ hashEmbedder }

func (misconfiguredEmbedder) Embed(context.Context, string) ([]float32, error) {
	return nil, &ai.ConfigError{Provider: "openai", Reason: "missing api key"}
}

func (m misconfiguredEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	_, err := m.Embed(ctx, "")
	return nil, err
}

func TestExtractionReportsEmbeddingConfigError(t *testing.T) {
	env := newTestEnv(t)
	env.app.Extraction = extract.NewPipeline(env.mem, env.mem, misconfiguredEmbedder{hashEmbedder{dim: 16}}, env.app.Graph,
		extract.WithStrictEmbeddingConfig())

	rec := env.do(t, http.MethodPost, "/campaigns/c1/extractions", map[string]any{
		"candidates": []map[string]any{{"id": "a", "name": "Aria", "entity_type": "npc"}},
	})
	require.Equal(t, http.StatusBadGateway, rec.Code, rec.Body.String())

	var resp struct {
		Created        int    `json:"created"`
		EmbeddingError string `json:"embeddingError"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Created)
	assert.Contains(t, resp.EmbeddingError, "missing api key")
}

type failingEntityStore struct {
	*memory.Store
	created int
}

// CreateEntity stores the first entity and fails on every later one.
func (f *failingEntityStore) CreateEntity(ctx context.Context, e common.Entity) (common.Entity, error) {
	if f.created > 0 {
		return common.Entity{}, errors.New("connection reset")
	}
	f.created++
	return f.Store.CreateEntity(ctx, e)
}

func TestExtractionFailureStillInvalidatesCache(t *testing.T) {
	env := newTestEnv(t)
	cache := assembly.NewCache(time.Hour, 0)
	env.app.Assembly = assembly.NewService(assembly.Deps{
		Embedder: hashEmbedder{dim: 16},
		Index:    env.mem,
		Entities: env.mem,
		Graph:    env.app.Graph,
		Planning: env.mem,
		Overlay:  env.app.Archive,
	}, assembly.WithCache(cache))
	cache.Set("c1:stale", "c1", assembly.ContextAssembly{})
	cache.Set("c2:other", "c2", assembly.ContextAssembly{})

	env.app.Extraction = extract.NewPipeline(&failingEntityStore{Store: env.mem}, env.mem, hashEmbedder{dim: 16}, env.app.Graph)
	rec := env.do(t, http.MethodPost, "/campaigns/c1/extractions", map[string]any{
		"candidates": []map[string]any{
			{"id": "a", "name": "Aria", "entity_type": "npc"},
			{"id": "b", "name": "Borin", "entity_type": "npc"},
		},
	})
	require.Equal(t, http.StatusInternalServerError, rec.Code, rec.Body.String())

	_, err := env.mem.GetEntity(context.Background(), "c1", "a")
	require.NoError(t, err)
	_, ok := cache.Get("c1:stale")
	assert.False(t, ok)
	_, ok = cache.Get("c2:other")
	assert.True(t, ok)
}

func TestRelationshipValidation(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/campaigns/c1/relationships", map[string]any{"fromEntityId": "a"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/campaigns/c1/relationships", map[string]any{
		"fromEntityId": "a", "toEntityId": "a", "relationshipType": "knows",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodDelete, "/campaigns/c1/relationships?from=a&to=b&type=knows", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestChangelogQueuesRebuild(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/campaigns/c1/changelog", map[string]any{
		"impactScore": 25,
		"payload": map[string]any{
			"entity_updates": []map[string]any{{"entity_id": "e1", "status": "dead"}},
		},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var resp struct {
		CumulativeImpact float64                `json:"cumulativeImpact"`
		Decision         common.RebuildDecision `json:"decision"`
		Job              *common.RebuildJob     `json:"job"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 25.0, resp.CumulativeImpact)
	assert.Equal(t, common.RebuildFull, resp.Decision.RebuildType)
	require.NotNil(t, resp.Job)

	select {
	case msg := <-env.queue.Messages():
		var job common.RebuildJob
		require.NoError(t, json.Unmarshal(msg, &job))
		assert.Equal(t, resp.Job.RebuildID, job.RebuildID)
	default:
		t.Fatal("expected a queued rebuild job")
	}

	rec = env.do(t, http.MethodPost, "/campaigns/c1/changelog", map[string]any{"impactScore": -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDedupeRoutes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/campaigns/c1/entities/missing/dedupe", map[string]any{})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodGet, "/campaigns/c1/dedupe?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/campaigns/c1/dedupe", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodPatch, "/dedupe/nope", map[string]any{"status": "pending"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPatch, "/dedupe/nope", map[string]any{"status": "merged"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestContextRoutes(t *testing.T) {
	env := newTestEnv(t)

	rec := env.do(t, http.MethodPost, "/campaigns/c1/context", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/campaigns/c1/context", map[string]any{"query": "who guards the gate"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var out assembly.ContextAssembly
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "c1", out.Metadata.CampaignID)

	rec = env.do(t, http.MethodDelete, "/campaigns/c1/context-cache", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestCandidateSchema(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/schema/candidates", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "entities")
}

func TestWithHandlerMountsPrefix(t *testing.T) {
	env := newTestEnv(t)
	mounted := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	e := New(env.app, config.ServerConfig{}, WithHandler("/mcp", mounted))

	for _, path := range []string{"/mcp", "/mcp/session"} {
		req := httptest.NewRequest(http.MethodPost, path, nil)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusTeapot, rec.Code, path)
	}
}
