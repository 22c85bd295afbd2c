package pgx

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ofisk/loresmith-ai/backend/internal/config"
	"github.com/ofisk/loresmith-ai/backend/internal/database"
	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/store"
)

var (
	dbOnce    sync.Once
	sharedDSN string
	dbInitErr error
)

// setupTestDB starts one pgvector container per test run, applies the
// migrations and returns a pool that is closed with the test.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("integration test skipped in -short mode")
	}

	dbOnce.Do(func() {
		sharedDSN, dbInitErr = startContainerAndMigrate()
	})
	if dbInitErr != nil {
		t.Skipf("postgres container unavailable: %v", dbInitErr)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	pool, err := database.NewPool(ctx, config.DatabaseConfig{DSN: sharedDSN, MaxConns: 4})
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func startContainerAndMigrate() (string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 120*time.Second)
	defer cancel()

	req := testcontainers.ContainerRequest{
		Image:        "pgvector/pgvector:pg17",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "testuser",
			"POSTGRES_PASSWORD": "testpass",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		return "", fmt.Errorf("start container: %w", err)
	}
	host, err := container.Host(ctx)
	if err != nil {
		return "", fmt.Errorf("get container host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432")
	if err != nil {
		return "", fmt.Errorf("get mapped port: %w", err)
	}
	dsn := fmt.Sprintf("postgres://testuser:testpass@%s:%s/testdb?sslmode=disable", host, port.Port())
	if err := database.Migrate(dsn); err != nil {
		return "", err
	}
	return dsn, nil
}

func TestIntegrationEntitiesAndSimilarity(t *testing.T) {
	pool := setupTestDB(t)
	s := New(pool)
	ctx := context.Background()
	campaign := "camp_" + t.Name()

	mira, err := s.CreateEntity(ctx, common.Entity{CampaignID: campaign, Name: "Mira", EntityType: "npc"})
	require.NoError(t, err)
	_, err = s.CreateEntity(ctx, common.Entity{ID: mira.ID, CampaignID: campaign, Name: "Mira", EntityType: "npc"})
	require.ErrorIs(t, err, common.ErrAlreadyExists)
	_, err = s.CreateEntity(ctx, common.Entity{CampaignID: campaign, Name: "mira", EntityType: "NPC"})
	require.ErrorIs(t, err, common.ErrAlreadyExists)

	found, err := s.FindEntityByNameAndType(ctx, campaign, "MIRA", "NPC")
	require.NoError(t, err)
	assert.Equal(t, mira.ID, found.ID)

	_, err = s.UpsertEmbedding(ctx, campaign, mira.ID, "npc", []float32{1, 0, 0})
	require.NoError(t, err)
	_, err = s.UpsertEmbedding(ctx, campaign, "other", "npc", []float32{0, 1, 0})
	require.NoError(t, err)

	matches, err := s.FindSimilar(ctx, []float32{1, 0, 0}, store.SimilarityQuery{CampaignID: campaign, EntityType: "npc", TopK: 5, MinScore: 0.5})
	require.NoError(t, err)
	require.Len(t, matches, 1)
	assert.Equal(t, mira.ID, matches[0].ID)
	assert.InDelta(t, 1.0, matches[0].Score, 1e-6)

	vec, err := s.GetEmbedding(ctx, campaign, mira.ID)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0, 0}, vec)
}

func TestIntegrationNeighborhoodAndImpact(t *testing.T) {
	pool := setupTestDB(t)
	s := New(pool)
	ctx := context.Background()
	campaign := "camp_" + t.Name()

	for _, e := range [][2]string{{"a", "A"}, {"b", "B"}, {"c", "C"}} {
		_, err := s.CreateEntity(ctx, common.Entity{ID: e[0], CampaignID: campaign, Name: e[1], EntityType: "npc"})
		require.NoError(t, err)
	}
	_, err := s.UpsertRelationship(ctx, common.EntityRelationship{CampaignID: campaign, FromEntityID: "a", ToEntityID: "b", RelationshipType: "allied_with"})
	require.NoError(t, err)
	_, err = s.UpsertRelationship(ctx, common.EntityRelationship{CampaignID: campaign, FromEntityID: "c", ToEntityID: "b", RelationshipType: "enemy_of"})
	require.NoError(t, err)

	got, err := s.GetRelationshipNeighborhood(ctx, campaign, "a", common.NeighborhoodQuery{MaxDepth: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, common.Neighbor{EntityID: "b", Depth: 1, RelationshipType: "allied_with", Name: "B", EntityType: "npc"}, got[0])
	assert.Equal(t, common.Neighbor{EntityID: "c", Depth: 2, RelationshipType: "enemy_of", Name: "C", EntityType: "npc"}, got[1])

	total, err := s.AddImpact(ctx, campaign, 30)
	require.NoError(t, err)
	assert.Equal(t, 30.0, total)
	total, err = s.AddImpact(ctx, campaign, 25)
	require.NoError(t, err)
	assert.Equal(t, 55.0, total)

	require.NoError(t, s.ResetImpact(ctx, campaign, time.Now()))
	st, err := s.GetRebuildState(ctx, campaign)
	require.NoError(t, err)
	assert.Zero(t, st.CumulativeImpact)
	assert.NotNil(t, st.LastRebuildAt)
}
