// Package main wires together the crawl service binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"
	gcsclient "cloud.google.com/go/storage"
	"go.uber.org/zap"

	"github.com/phuongnt-git/truyengg-sub001/internal/api"
	"github.com/phuongnt-git/truyengg-sub001/internal/clock/system"
	"github.com/phuongnt-git/truyengg-sub001/internal/config"
	"github.com/phuongnt-git/truyengg-sub001/internal/control"
	"github.com/phuongnt-git/truyengg-sub001/internal/crawl"
	"github.com/phuongnt-git/truyengg-sub001/internal/dupe"
	eventmem "github.com/phuongnt-git/truyengg-sub001/internal/event/memory"
	eventpubsub "github.com/phuongnt-git/truyengg-sub001/internal/event/pubsub"
	"github.com/phuongnt-git/truyengg-sub001/internal/extractor"
	apiextractor "github.com/phuongnt-git/truyengg-sub001/internal/extractor/api"
	htmlextractor "github.com/phuongnt-git/truyengg-sub001/internal/extractor/html"
	"github.com/phuongnt-git/truyengg-sub001/internal/fetch"
	"github.com/phuongnt-git/truyengg-sub001/internal/handler"
	"github.com/phuongnt-git/truyengg-sub001/internal/hash/sha256"
	"github.com/phuongnt-git/truyengg-sub001/internal/id/uuid"
	"github.com/phuongnt-git/truyengg-sub001/internal/logging"
	"github.com/phuongnt-git/truyengg-sub001/internal/processor"
	"github.com/phuongnt-git/truyengg-sub001/internal/storage/gcs"
	"github.com/phuongnt-git/truyengg-sub001/internal/storage/local"
	"github.com/phuongnt-git/truyengg-sub001/internal/storage/postgres"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New("crawlerd", cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		_ = logger.Sync()
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, postgres.PoolConfig{
		DSN:      cfg.DB.DSN,
		MaxConns: cfg.DB.MaxConns,
		MinConns: cfg.DB.MinConns,
	})
	if err != nil {
		logger.Fatal("postgres init failed", zap.Error(err))
	}
	defer pool.Close()

	clock := system.New()
	jobs := postgres.NewJobStore(pool, clock)
	queue := postgres.NewQueueStore(pool, clock)
	checkpoints := postgres.NewCheckpointStore(pool, clock)
	progress := postgres.NewProgressStore(pool, clock)
	catalog := postgres.NewCatalogStore(pool, clock)

	blobs, err := newBlobStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("blob store init failed", zap.Error(err))
	}

	events, cleanup, err := newEventSink(ctx, cfg)
	if err != nil {
		logger.Fatal("event sink init failed", zap.Error(err))
	}
	defer cleanup()

	fetchClient := fetch.New(fetch.Config{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.FetchTimeout(),
	}, logger.Named("fetch"))

	registry := extractor.NewRegistry()
	for label, src := range cfg.Sources {
		switch src.Kind {
		case "api":
			registry.Register(src.Domain, apiextractor.New(fetchClient, src.Endpoints, logger.Named("extractor."+label)))
		default:
			registry.Register(src.Domain, htmlextractor.New(fetchClient, src.Selectors, logger.Named("extractor."+label)))
		}
	}

	sig := control.New(jobs, clock, cfg.SignalRevalidate())
	deps := handler.Deps{
		Jobs:        jobs,
		Settings:    jobs,
		Queue:       queue,
		Checkpoints: checkpoints,
		Progress:    progress,
		Catalog:     catalog,
		Extractors:  registry,
		Fetch:       fetchClient,
		Blobs:       blobs,
		Events:      events,
		Signal:      sig,
		Hasher:      sha256.New(),
		IDs:         uuid.New(),
		Clock:       clock,
		Detector:    dupe.New(jobs, catalog, logger.Named("dupe")),
		Logger:      logger.Named("handler"),
		MaxRetries:  cfg.Dispatch.MaxRetries,
	}

	proc := processor.New(processor.Config{
		ClaimBatch:      cfg.Dispatch.ClaimBatch,
		SystemCeiling:   cfg.Dispatch.SystemCeiling,
		OperatorCeiling: cfg.Dispatch.OperatorCeiling,
		DrainInterval:   cfg.DrainInterval(),
	}, deps, processor.NewRetryPolicy(cfg.RetryBase(), cfg.RetryMax()))

	apiServer := api.NewServer(api.Deps{
		Jobs:        jobs,
		Settings:    jobs,
		Queue:       queue,
		Checkpoints: checkpoints,
		Progress:    progress,
		Detector:    deps.Detector,
		Signal:      sig,
		Dispatcher:  proc,
		IDs:         deps.IDs,
		Clock:       clock,
		Logger:      logger.Named("api"),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("queue processor started",
			zap.Duration("drain_interval", cfg.DrainInterval()),
		)
		if err := proc.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("processor stopped", zap.Error(err))
		}
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	logger.Info("shutdown complete")
}

func newBlobStore(ctx context.Context, cfg config.Config, logger *zap.Logger) (crawl.ObjectStore, error) {
	switch cfg.Storage.Backend {
	case "gcs":
		client, err := gcsclient.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("gcs client: %w", err)
		}
		return gcs.New(client, gcs.Config{Bucket: cfg.Storage.GCSBucket})
	default:
		logger.Info("using local image storage", zap.String("base_dir", cfg.Storage.BaseDir))
		return local.New(local.Config{BaseDir: cfg.Storage.BaseDir})
	}
}

// newEventSink returns a Pub/Sub publisher when configured, falling back to
// the in-process sink so handlers always have somewhere to publish.
func newEventSink(ctx context.Context, cfg config.Config) (crawl.EventSink, func(), error) {
	if cfg.PubSub.ProjectID == "" || cfg.PubSub.TopicName == "" {
		return eventmem.New(), func() {}, nil
	}
	client, err := pubsub.NewClient(ctx, cfg.PubSub.ProjectID)
	if err != nil {
		return nil, nil, fmt.Errorf("pubsub client: %w", err)
	}
	topic := client.Topic(cfg.PubSub.TopicName)
	cleanup := func() {
		topic.Stop()
		_ = client.Close()
	}
	return eventpubsub.New(topic), cleanup, nil
}
