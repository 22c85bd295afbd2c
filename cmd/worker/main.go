package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ofisk/loresmith-ai/backend/internal/bootstrap"
	"github.com/ofisk/loresmith-ai/backend/internal/config"
	"github.com/ofisk/loresmith-ai/backend/internal/queue"
	"github.com/ofisk/loresmith-ai/backend/internal/util"
	"github.com/ofisk/loresmith-ai/backend/pkg/changelog"
	"github.com/ofisk/loresmith-ai/backend/pkg/leaselock"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger/console"
	"github.com/ofisk/loresmith-ai/backend/pkg/rebuild"

	_ "github.com/lib/pq"
)

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Init(console.NewConsoleLogger(console.ConsoleLoggerParams{}))
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Invalid configuration", "err", err)
	}
	if err := bootstrap.InitLogger(cfg.Log, "worker"); err != nil {
		logger.Fatal("Could not initialize logger", "err", err)
	}
	defer logger.Sync()

	pool, pg, err := bootstrap.OpenDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Fatal("Unable to open database", "err", err)
	}
	defer pool.Close()

	embedder, err := bootstrap.NewEmbedder(cfg.AI)
	if err != nil {
		logger.Fatal("Could not create embedding provider", "err", err)
	}
	blobs, err := bootstrap.NewBlobStore(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal("Could not create S3 client", "err", err)
	}

	// rabbitmq
	conn, err := queue.Dial(cfg.Queue)
	if err != nil {
		logger.Fatal("Failed to connect to RabbitMQ", "err", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open channel", "err", err)
	}
	defer ch.Close()
	if err := queue.SetupQueues(ch, []string{cfg.Queue.RebuildQueue}, cfg.Queue.RetryDelay); err != nil {
		logger.Fatal("Failed to set up queues", "err", err)
	}

	// Only one rebuild per campaign may run across all workers.
	locks := leaselock.New(pool).Campaigns(leaselock.Options{
		TTL:  cfg.Rebuild.LeaseTTL,
		Wait: true,
	})
	processor := rebuild.NewProcessor(
		rebuild.NewComponentPipeline(pg, pg),
		rebuild.WithRetry(cfg.Rebuild.MaxAttempts, cfg.Rebuild.BaseBackoff),
		rebuild.WithLocker(locks),
	)
	trigger := rebuild.NewTrigger(pg, rebuild.Thresholds{
		Partial: cfg.Rebuild.PartialThreshold,
		Full:    cfg.Rebuild.FullThreshold,
	})
	archive := changelog.NewService(pg, pg, pg, blobs, changelog.WithEmbedder(embedder))

	handler := queue.NewRebuildHandler(processor, trigger,
		queue.WithArchiver(archive),
		queue.WithInvalidator(queue.NewInvalidationPublisher(ch)),
	)

	msgs, err := queue.Consume(ch, cfg.Queue.RebuildQueue)
	if err != nil {
		logger.Fatal("Failed to consume rebuild queue", "err", err)
	}

	logger.Info("Listening for messages", "queue", cfg.Queue.RebuildQueue)
	queue.NewConsumer(ch, cfg.Queue.RebuildQueue, cfg.Queue.MaxRedeliveries, handler.Handle).Run(ctx, msgs)
	logger.Info("Worker stopped")
}
