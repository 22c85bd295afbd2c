package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/ofisk/loresmith-ai/backend/internal/bootstrap"
	"github.com/ofisk/loresmith-ai/backend/internal/config"
	"github.com/ofisk/loresmith-ai/backend/internal/mcp"
	"github.com/ofisk/loresmith-ai/backend/internal/queue"
	"github.com/ofisk/loresmith-ai/backend/internal/server"
	mid "github.com/ofisk/loresmith-ai/backend/internal/server/middleware"
	"github.com/ofisk/loresmith-ai/backend/internal/util"
	"github.com/ofisk/loresmith-ai/backend/pkg/assembly"
	"github.com/ofisk/loresmith-ai/backend/pkg/changelog"
	"github.com/ofisk/loresmith-ai/backend/pkg/dedupe"
	"github.com/ofisk/loresmith-ai/backend/pkg/extract"
	"github.com/ofisk/loresmith-ai/backend/pkg/graph"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger"
	"github.com/ofisk/loresmith-ai/backend/pkg/logger/console"
	"github.com/ofisk/loresmith-ai/backend/pkg/rebuild"
	neostore "github.com/ofisk/loresmith-ai/backend/pkg/store/neo4j"

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
	if err := bootstrap.InitLogger(cfg.Log, "server"); err != nil {
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
	limiter, err := bootstrap.NewTokenLimiter(cfg.AI)
	if err != nil {
		logger.Fatal("Could not create token limiter", "err", err)
	}

	blobs, err := bootstrap.NewBlobStore(ctx, cfg.Storage)
	if err != nil {
		logger.Fatal("Could not create S3 client", "err", err)
	}

	var graphOpts []graph.Option
	if cfg.Graph.Backend == "neo4j" {
		driver, err := neostore.Connect(ctx, cfg.Graph.Neo4jURI, cfg.Graph.Neo4jUser, cfg.Graph.Neo4jPassword)
		if err != nil {
			logger.Fatal("Could not connect to neo4j", "err", err)
		}
		defer driver.Close(context.Background())
		neo := neostore.New(driver, neostore.WithEntityStore(pg))
		if err := neo.EnsureSchema(ctx); err != nil {
			logger.Fatal("Could not create neo4j schema", "err", err)
		}
		graphOpts = append(graphOpts, graph.WithMirror(neo), graph.WithTraverser(neo))
	}
	graphSvc := graph.NewService(pg, graphOpts...)

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

	trigger := rebuild.NewTrigger(pg, rebuild.Thresholds{
		Partial: cfg.Rebuild.PartialThreshold,
		Full:    cfg.Rebuild.FullThreshold,
	})
	archive := changelog.NewService(pg, pg, pg, blobs, changelog.WithEmbedder(embedder))
	asm := assembly.NewService(assembly.Deps{
		Embedder: embedder,
		Index:    pg,
		Entities: pg,
		Graph:    graphSvc,
		Planning: pg,
		Overlay:  archive,
	},
		assembly.WithCache(assembly.NewCache(cfg.Assembly.CacheTTL, cfg.Assembly.SweepProbability)),
		assembly.WithDefaults(assembly.Options{
			TopK:          cfg.Assembly.TopK,
			MinSimilarity: cfg.Assembly.MinSimilarity,
			NeighborDepth: cfg.Assembly.NeighborDepth,
		}),
	)

	// cache invalidations published by workers after rebuilds
	subCh, err := conn.Channel()
	if err != nil {
		logger.Fatal("Failed to open subscription channel", "err", err)
	}
	defer subCh.Close()
	invalidations, err := queue.SubscribeInvalidations(subCh)
	if err != nil {
		logger.Fatal("Failed to subscribe to cache invalidations", "err", err)
	}
	go queue.ApplyInvalidations(ctx, invalidations, asm)

	extractOpts := []extract.Option{extract.WithStrictEmbeddingConfig()}
	if limiter != nil {
		extractOpts = append(extractOpts, extract.WithTokenLimiter(limiter))
	}

	app := &mid.App{
		Extraction: extract.NewPipeline(pg, pg, embedder, graphSvc, extractOpts...),
		Dedupe: dedupe.NewService(pg, pg, dedupe.Config{
			HighThreshold: cfg.Dedupe.HighThreshold,
			LowThreshold:  cfg.Dedupe.LowThreshold,
			TopK:          cfg.Dedupe.TopK,
		}),
		Graph:     graphSvc,
		Recorder:  changelog.NewRecorder(pg, trigger, changelog.WithLiveIndex(pg), changelog.WithInvalidator(asm)),
		Archive:   archive,
		Assembly:  asm,
		Scheduler: rebuild.NewScheduler(trigger, queue.NewPublisher(ch, cfg.Queue.RebuildQueue)),
	}

	tools := mcp.New(&mcp.Tools{Assembly: asm, Graph: graphSvc, Dedupe: app.Dedupe})
	e := server.New(app, cfg.Server, server.WithHandler("/mcp", mcp.Handler(tools)))

	if err := server.Run(ctx, e, cfg.Server); err != nil {
		logger.Fatal("Server stopped", "err", err)
	}
	logger.Info("Server stopped")
}
