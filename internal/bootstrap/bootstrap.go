// Package bootstrap holds the setup shared by the server and worker binaries.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ofisk/loresmith-ai/backend/internal/config"
	"github.com/ofisk/loresmith-ai/backend/internal/database"
	"github.com/ofisk/loresmith-ai/backend/internal/storage"
	"github.com/ofisk/loresmith-ai/backend/pkg/ai"
	oai "github.com/ofisk/loresmith-ai/backend/pkg/ai/ollama"
	gai "github.com/ofisk/loresmith-ai/backend/pkg/ai/openai"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger/console"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger/zaplog"
	pgstore "github.com/ofisk/loresmith-ai/backend/pkg/store/pgx"
)

// InitLogger installs the configured backend: "json" selects the zap
// production encoder, anything else the console logger.
func InitLogger(cfg config.LogConfig, prefix string) error {
	if cfg.Format == "json" {
		z, err := zaplog.NewZapLogger(zaplog.Params{Production: true, Debug: cfg.Debug()})
		if err != nil {
			return fmt.Errorf("init zap logger: %w", err)
		}
		logger.Init(z)
		return nil
	}
	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug:  cfg.Debug(),
		Prefix: prefix,
	}))
	return nil
}

// OpenDatabase migrates when configured and returns the pool plus the store
// built on it.
func OpenDatabase(ctx context.Context, cfg config.DatabaseConfig) (*pgxpool.Pool, *pgstore.Store, error) {
	if cfg.MigrateOnStart {
		if err := database.Migrate(cfg.DSN); err != nil {
			return nil, nil, err
		}
	}
	pool, err := database.NewPool(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return pool, pgstore.New(pool), nil
}

// NewEmbedder builds the provider selected by cfg.Adapter.
func NewEmbedder(cfg config.AIConfig) (ai.EmbeddingProvider, error) {
	switch cfg.Adapter {
	case "ollama":
		e, err := oai.NewEmbedder(oai.NewEmbedderParams{
			Model:                 cfg.Model,
			Dimensions:            cfg.Dimensions,
			BaseURL:               cfg.URL,
			ApiKey:                cfg.Key,
			MaxConcurrentRequests: cfg.MaxConcurrent,
			Timeout:               cfg.Timeout,
		})
		if err != nil {
			return nil, fmt.Errorf("create ollama embedder: %w", err)
		}
		return e, nil
	case "openai", "":
		return gai.NewEmbedder(gai.NewEmbedderParams{
			Model:             cfg.Model,
			BaseURL:           cfg.URL,
			APIKey:            cfg.Key,
			Dimensions:        cfg.Dimensions,
			RequestDimensions: strings.HasPrefix(cfg.Model, "text-embedding-3"),
			MaxConcurrent:     cfg.MaxConcurrent,
			Timeout:           cfg.Timeout,
		}), nil
	default:
		return nil, fmt.Errorf("unknown AI adapter %q", cfg.Adapter)
	}
}

// NewTokenLimiter returns nil when no limit is configured.
func NewTokenLimiter(cfg config.AIConfig) (*ai.TokenLimiter, error) {
	if cfg.TokenLimit <= 0 {
		return nil, nil
	}
	return ai.NewTokenLimiter(cfg.Encoding, cfg.TokenLimit)
}

// NewBlobStore connects the S3 archive bucket.
func NewBlobStore(ctx context.Context, cfg config.StorageConfig) (*storage.S3Store, error) {
	client, err := storage.NewS3Client(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return storage.NewS3Store(client, cfg.Bucket), nil
}
