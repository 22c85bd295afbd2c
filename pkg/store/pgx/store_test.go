package pgx

import (
	"context"
	"errors"
	"testing"
	"time"

	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/pashagolub/pgxmock/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ofisk/loresmith-ai/backend/pkg/common"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return New(mock, WithClock(func() time.Time { return now })), mock
}

func TestMapError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
	}{
		{"no rows", pgxv5.ErrNoRows, common.ErrNotFound},
		{"unique", &pgconn.PgError{Code: "23505"}, common.ErrAlreadyExists},
		{"foreign key", &pgconn.PgError{Code: "23503"}, common.ErrNotFound},
		{"check", &pgconn.PgError{Code: "23514"}, common.ErrInvalidInput},
		{"canceled", context.Canceled, context.Canceled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := mapError(tt.err, "entity", "e1")
			if !errors.Is(got, tt.want) {
				t.Fatalf("mapError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
	if mapError(nil, "entity", "e1") != nil {
		t.Fatalf("mapError(nil) should be nil")
	}
}

func TestGetEntity(t *testing.T) {
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	source := "doc_1"

	t.Run("found", func(t *testing.T) {
		s, mock := newMockStore(t)
		rows := pgxmock.NewRows(entityColumns).AddRow(
			"e1", "c1", "npc", "Mira",
			[]byte(`{"summary":"A smuggler"}`), []byte(`{"mood":"wary"}`),
			(*float64)(nil), &source, &source, (*string)(nil), created, created,
		)
		mock.ExpectQuery(`SELECT .* FROM entities WHERE campaign_id = \$1 AND id = \$2`).
			WithArgs("c1", "e1").
			WillReturnRows(rows)

		e, err := s.GetEntity(context.Background(), "c1", "e1")
		require.NoError(t, err)
		assert.Equal(t, "Mira", e.Name)
		assert.Equal(t, "doc_1", e.SourceID)
		assert.Equal(t, "", e.EmbeddingID)
		assert.Equal(t, "wary", e.Metadata.Extra["mood"])
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("not found", func(t *testing.T) {
		s, mock := newMockStore(t)
		mock.ExpectQuery(`SELECT`).
			WithArgs("c1", "missing").
			WillReturnError(pgxv5.ErrNoRows)

		_, err := s.GetEntity(context.Background(), "c1", "missing")
		require.ErrorIs(t, err, common.ErrNotFound)
	})
}

func TestCreateEntityDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`INSERT INTO entities`).
		WithArgs("e1", "c1", "npc", "Mira", pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(),
			pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	_, err := s.CreateEntity(context.Background(), common.Entity{ID: "e1", CampaignID: "c1", Name: "Mira", EntityType: "npc"})
	require.ErrorIs(t, err, common.ErrAlreadyExists)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateEntityRequiresCampaign(t *testing.T) {
	s, _ := newMockStore(t)
	_, err := s.CreateEntity(context.Background(), common.Entity{Name: "Mira"})
	require.ErrorIs(t, err, common.ErrInvalidInput)
}

func TestDeleteRelationshipMissing(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`DELETE FROM entity_relationships`).
		WithArgs("c1", "a", "allied_with", "b").
		WillReturnResult(pgxmock.NewResult("DELETE", 0))

	err := s.DeleteRelationship(context.Background(), "c1", common.EdgeKey{From: "a", To: "b", Type: "allied_with"})
	require.ErrorIs(t, err, common.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestAddImpactReturnsTotal(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`INSERT INTO campaigns`).
		WithArgs("c1", 12.5, pgxmock.AnyArg()).
		WillReturnRows(pgxmock.NewRows([]string{"float8"}).AddRow(42.5))

	total, err := s.AddImpact(context.Background(), "c1", 12.5)
	require.NoError(t, err)
	assert.Equal(t, 42.5, total)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRebuildStateWithoutCampaignRow(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectQuery(`FROM campaigns`).
		WithArgs("c1").
		WillReturnRows(pgxmock.NewRows([]string{"cumulative_impact", "last_rebuild_at"}))

	st, err := s.GetRebuildState(context.Background(), "c1")
	require.NoError(t, err)
	assert.Zero(t, st.CumulativeImpact)
	assert.Nil(t, st.LastRebuildAt)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListDeduplicationEntriesFilters(t *testing.T) {
	s, mock := newMockStore(t)
	created := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	rows := pgxmock.NewRows(dedupeColumns).AddRow(
		"dedup_1", "c1", "e9", []string{"e1", "e2"}, []float64{0.82, 0.75},
		"pending", (*string)(nil), (*time.Time)(nil), created,
	)
	mock.ExpectQuery(`FROM entity_deduplication_entries WHERE campaign_id = \$1 AND status = \$2 ORDER BY created_at DESC, id ASC LIMIT 5`).
		WithArgs("c1", "pending").
		WillReturnRows(rows)

	got, err := s.ListDeduplicationEntries(context.Background(), "c1", common.DeduplicationFilter{Status: common.DedupPending, Limit: 5})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, []string{"e1", "e2"}, got[0].PotentialDuplicateIDs)
	assert.Equal(t, common.DedupPending, got[0].Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateDeduplicationEntryMissing(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectExec(`UPDATE entity_deduplication_entries`).
		WithArgs("rejected", pgxmock.AnyArg(), pgxmock.AnyArg(), "nope").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := s.UpdateDeduplicationEntry(context.Background(), common.DeduplicationEntry{ID: "nope", Status: common.DedupRejected})
	require.ErrorIs(t, err, common.ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDeleteChangelogEntriesInBatches(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s := New(mock, WithBatchSize(2))

	mock.ExpectExec(`DELETE FROM world_state_changelog WHERE campaign_id = \$1 AND id IN \(\$2,\$3\)`).
		WithArgs("c1", "a", "b").
		WillReturnResult(pgxmock.NewResult("DELETE", 2))
	mock.ExpectExec(`DELETE FROM world_state_changelog WHERE campaign_id = \$1 AND id IN \(\$2\)`).
		WithArgs("c1", "c").
		WillReturnResult(pgxmock.NewResult("DELETE", 1))

	require.NoError(t, s.DeleteChangelogEntries(context.Background(), "c1", []string{"a", "b", "a", "c"}))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetEntitiesByIDsKeepsOrderAcrossBatches(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	s := New(mock, WithBatchSize(1))

	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	row := func(id, name string) *pgxmock.Rows {
		return pgxmock.NewRows(entityColumns).AddRow(
			id, "c1", "npc", name, []byte(`{}`), []byte(`{}`),
			(*float64)(nil), (*string)(nil), (*string)(nil), (*string)(nil), created, created,
		)
	}
	mock.ExpectQuery(`FROM entities`).WithArgs("c1", "e2").WillReturnRows(row("e2", "Tobin"))
	mock.ExpectQuery(`FROM entities`).WithArgs("c1", "e1").WillReturnRows(row("e1", "Mira"))

	got, err := s.GetEntitiesByIDs(context.Background(), "c1", []string{"e2", "e1"})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "Tobin", got[0].Name)
	assert.Equal(t, "Mira", got[1].Name)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceCommunitiesInTransaction(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM entity_communities`).
		WithArgs("c1").
		WillReturnResult(pgxmock.NewResult("DELETE", 3))
	mock.ExpectExec(`INSERT INTO entity_communities`).
		WithArgs("c1", "r1", 0, []string{"a", "b"}, pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectCommit()

	err := s.ReplaceCommunities(context.Background(), "c1", []common.Community{{
		RebuildID:  "r1",
		EntityIDs:  []string{"a", "b"},
		Importance: map[string]float64{"a": 1, "b": 0.5},
	}})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReplaceCommunitiesRollsBackOnError(t *testing.T) {
	s, mock := newMockStore(t)
	mock.ExpectBegin()
	mock.ExpectExec(`DELETE FROM entity_communities`).
		WithArgs("c1").
		WillReturnError(errors.New("boom"))
	mock.ExpectRollback()

	err := s.ReplaceCommunities(context.Background(), "c1", nil)
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSearchPlanningContextSkipsEmptyQuery(t *testing.T) {
	s, mock := newMockStore(t)
	got, err := s.SearchPlanningContext(context.Background(), "c1", "   ", 5)
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestNeighborhoodZeroDepth(t *testing.T) {
	s, mock := newMockStore(t)
	got, err := s.GetRelationshipNeighborhood(context.Background(), "c1", "a", common.NeighborhoodQuery{MaxDepth: 0})
	require.NoError(t, err)
	assert.Empty(t, got)
	require.NoError(t, mock.ExpectationsWereMet())
}
