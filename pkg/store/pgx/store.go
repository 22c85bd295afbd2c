// Package pgx implements the store interfaces on PostgreSQL with pgvector.
// Dynamic filters are built with squirrel and rows are mapped with scany.
package pgx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	pgxv5 "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ofisk/loresmith-ai/backend/pkg/common"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger"
	"github.com/ofisk/loresmith-ai/backend/pkg/store"
)

// DB is satisfied by *pgxpool.Pool, pgx.Tx and pgxmock pools.
type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, optionsAndArgs ...any) (pgxv5.Rows, error)
	QueryRow(ctx context.Context, sql string, optionsAndArgs ...any) pgxv5.Row
	Begin(ctx context.Context) (pgxv5.Tx, error)
}

type Store struct {
	db        DB
	now       func() time.Time
	batchSize int
}

// defaultBatchSize keeps IN lists well below the 65535 bind parameter limit.
const defaultBatchSize = 1000

var (
	_ store.EntityStore          = (*Store)(nil)
	_ store.RelationshipStore    = (*Store)(nil)
	_ store.SimilarityIndex      = (*Store)(nil)
	_ store.DeduplicationStore   = (*Store)(nil)
	_ store.CampaignStore        = (*Store)(nil)
	_ store.ChangelogStore       = (*Store)(nil)
	_ store.ArchiveMetadataStore = (*Store)(nil)
	_ store.SearchIndex          = (*Store)(nil)
	_ store.PlanningSearcher     = (*Store)(nil)
	_ store.CommunityStore       = (*Store)(nil)
)

type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithBatchSize bounds the number of ids sent in one IN list.
func WithBatchSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func New(db DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now, batchSize: defaultBatchSize}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

var log = logger.Named("PgStore")

var psql = squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)

// mapError converts pgx and pgconn errors to the common sentinels.
// Context errors pass through.
func mapError(err error, kind, id string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s %s: %w", kind, id, err)
	}
	if errors.Is(err, pgxv5.ErrNoRows) || pgxscan.NotFound(err) {
		return fmt.Errorf("%s %s: %w", kind, id, common.ErrNotFound)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505": // unique_violation
			return fmt.Errorf("%s %s: %w", kind, id, common.ErrAlreadyExists)
		case "23503": // foreign_key_violation
			return fmt.Errorf("%s %s: %w", kind, id, common.ErrNotFound)
		case "23514": // check_violation
			return fmt.Errorf("%s %s: %w", kind, id, common.ErrInvalidInput)
		}
	}
	return fmt.Errorf("%s %s: %w", kind, id, err)
}

func (s *Store) selectRows(ctx context.Context, dst any, q squirrel.Sqlizer) error {
	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return pgxscan.Select(ctx, s.db, dst, sql, args...)
}

func (s *Store) getRow(ctx context.Context, dst any, q squirrel.Sqlizer) error {
	sql, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return pgxscan.Get(ctx, s.db, dst, sql, args...)
}

func (s *Store) exec(ctx context.Context, q squirrel.Sqlizer) (pgconn.CommandTag, error) {
	sql, args, err := q.ToSql()
	if err != nil {
		return pgconn.CommandTag{}, fmt.Errorf("build query: %w", err)
	}
	return s.db.Exec(ctx, sql, args...)
}
