// Package main wires together the crawl engine service binary.
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

	gcppubsub "cloud.google.com/go/pubsub"
	gcpstorage "cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Moze54/smartSpider/internal/api"
	"github.com/Moze54/smartSpider/internal/clock/system"
	"github.com/Moze54/smartSpider/internal/config"
	"github.com/Moze54/smartSpider/internal/credential"
	"github.com/Moze54/smartSpider/internal/extract"
	collyfetcher "github.com/Moze54/smartSpider/internal/fetch/colly"
	"github.com/Moze54/smartSpider/internal/id/uuid"
	"github.com/Moze54/smartSpider/internal/limiter"
	"github.com/Moze54/smartSpider/internal/logging"
	"github.com/Moze54/smartSpider/internal/progress"
	"github.com/Moze54/smartSpider/internal/progress/sinks"
	"github.com/Moze54/smartSpider/internal/proxy"
	pubsubpublisher "github.com/Moze54/smartSpider/internal/publisher/pubsub"
	"github.com/Moze54/smartSpider/internal/run"
	"github.com/Moze54/smartSpider/internal/spider"
	gcsstorage "github.com/Moze54/smartSpider/internal/storage/gcs"
	localstorage "github.com/Moze54/smartSpider/internal/storage/local"
	memorystorage "github.com/Moze54/smartSpider/internal/storage/memory"
	postgresstorage "github.com/Moze54/smartSpider/internal/storage/postgres"
	redisstorage "github.com/Moze54/smartSpider/internal/storage/redis"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
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

	if err := serve(ctx, cfg, logger); err != nil {
		logger.Error("service failed", zap.Error(err))
		os.Exit(1)
	}
	logger.Info("shutdown complete")
}

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	clock := system.New()
	ids := uuid.New()

	var (
		checkpoints spider.CheckpointStore
		items       spider.ItemSink
		itemLister  api.ItemLister
		seen        run.SeenStore
		credStore   spider.CredentialStore
	)

	switch cfg.Storage.Backend {
	case "postgres":
		pool, err := postgresstorage.NewPool(ctx, postgresstorage.Config{
			DSN:      cfg.Storage.Postgres.DSN,
			MaxConns: int32(cfg.Storage.Postgres.MaxConns),
			MinConns: int32(cfg.Storage.Postgres.MinConns),
		})
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		cpStore, err := postgresstorage.NewCheckpointStore(pool)
		if err != nil {
			return fmt.Errorf("checkpoint store: %w", err)
		}
		itemStore, err := postgresstorage.NewItemStore(pool)
		if err != nil {
			return fmt.Errorf("item store: %w", err)
		}
		pgCreds, err := postgresstorage.NewCredentialStore(pool)
		if err != nil {
			return fmt.Errorf("credential store: %w", err)
		}
		checkpoints = cpStore
		items = itemStore
		itemLister = itemStore
		// The dedup seen-set is rebuilt from each checkpoint, so an
		// in-process set is sufficient alongside durable checkpoints.
		seen = memorystorage.NewSeenStore()
		credStore = pgCreds

	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr,
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		defer func() {
			_ = client.Close()
		}()
		ttl := time.Duration(cfg.Storage.Redis.TTLSeconds) * time.Second
		checkpoints = redisstorage.NewCheckpointStore(client, "spider:checkpoint:", ttl)
		seen = redisstorage.NewSeenStore(client, "spider:seen:", ttl)
		memItems := memorystorage.NewItemStore()
		items = memItems
		itemLister = memItems
		credStore = memorystorage.NewCredentialStore(nil)

	default: // memory
		checkpoints = memorystorage.NewCheckpointStore()
		memItems := memorystorage.NewItemStore()
		items = memItems
		itemLister = memItems
		seen = memorystorage.NewSeenStore()
		credStore = memorystorage.NewCredentialStore(nil)
	}

	var blobs spider.BlobStore
	switch cfg.Storage.BlobBackend {
	case "local":
		store, err := localstorage.New(localstorage.Config{BaseDir: cfg.Storage.LocalDir})
		if err != nil {
			return fmt.Errorf("local blob store: %w", err)
		}
		blobs = store
	case "gcs":
		client, err := gcpstorage.NewClient(ctx)
		if err != nil {
			return fmt.Errorf("gcs client: %w", err)
		}
		defer func() {
			_ = client.Close()
		}()
		store, err := gcsstorage.New(client, gcsstorage.Config{Bucket: cfg.Storage.GCSBucket})
		if err != nil {
			return fmt.Errorf("gcs blob store: %w", err)
		}
		blobs = store
	}

	credentials := credential.NewManager(credStore, credential.Config{
		LeaseTTL:      time.Duration(cfg.Credentials.LeaseTTLSeconds) * time.Second,
		SweepInterval: time.Duration(cfg.Credentials.SweepIntervalSeconds) * time.Second,
		Clock:         clock,
		Logger:        logger.Named("credential"),
	})
	go credentials.Run(ctx)

	limits := limiter.New(limiter.Config{
		GlobalConcurrency: cfg.Limiter.GlobalConcurrency,
		PerDomainRPS:      cfg.Limiter.PerDomainRPS,
		PerDomainBurst:    cfg.Limiter.PerDomainBurst,
		MaxWait:           cfg.LimiterMaxWait(),
	})

	var proxies *proxy.Pool
	if len(cfg.Proxy.URLs) > 0 {
		pool, err := proxy.New(proxy.Config{
			URLs:        cfg.Proxy.URLs,
			MaxFailures: cfg.Proxy.MaxFailures,
			Cooldown:    time.Duration(cfg.Proxy.CooldownSeconds) * time.Second,
			Clock:       clock,
			Logger:      logger.Named("proxy"),
		})
		if err != nil {
			return fmt.Errorf("proxy pool: %w", err)
		}
		proxies = pool
	}

	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:    cfg.Fetch.UserAgent,
		Timeout:      cfg.FetchTimeout(),
		MaxBodyBytes: cfg.Fetch.MaxBodyBytes,
		IgnoreRobots: cfg.Fetch.IgnoreRobots,
		Proxies:      proxies,
	}, logger.Named("fetch"))

	promSink, err := sinks.NewPrometheusSink(prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("prometheus sink: %w", err)
	}
	hubSinks := []progress.Sink{
		sinks.NewLogSink(logger.Named("progress")),
		promSink,
	}
	if cfg.PubSub.Enabled {
		client, err := gcppubsub.NewClient(ctx, cfg.PubSub.ProjectID)
		if err != nil {
			return fmt.Errorf("pubsub client: %w", err)
		}
		defer func() {
			_ = client.Close()
		}()
		pub := pubsubpublisher.New(client)
		defer pub.Close()
		hubSinks = append(hubSinks,
			sinks.NewPublisherSink(pub, cfg.PubSub.TopicName, logger.Named("publish")))
	}
	hub := progress.NewHub(progress.Config{
		BufferSize:     cfg.Progress.BufferSize,
		MaxBatchEvents: cfg.Progress.MaxBatchEvents,
		MaxBatchWait:   time.Duration(cfg.Progress.MaxBatchWaitMs) * time.Millisecond,
		Logger:         logger.Named("progress"),
	}, hubSinks...)

	runs := run.NewService(run.Deps{
		Fetcher:     fetcher,
		Extractor:   extract.NewCSSExtractor(logger.Named("extract")),
		Checkpoints: checkpoints,
		Items:       items,
		Seen:        seen,
		Credentials: credentials,
		Limiter:     limits,
		Blobs:       blobs,
		Emitter:     hub,
		Logger:      logger.Named("run"),
		Clock:       clock,
	}, run.Options{
		CheckpointInterval: time.Duration(cfg.Run.CheckpointIntervalSeconds) * time.Second,
		ReclaimInterval:    time.Duration(cfg.Run.ReclaimIntervalSeconds) * time.Second,
		FrontierLeaseTTL:   time.Duration(cfg.Run.LeaseTTLSeconds) * time.Second,
	}, ids)

	apiServer := api.NewServer(runs, api.Options{
		Items:       itemLister,
		Credentials: credentials,
		AuthEnabled: cfg.Auth.Enabled,
		APIKey:      cfg.Auth.APIKey,
		Logger:      logger.Named("api"),
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	select {
	case err := <-serverErr:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}
	logger.Info("shutdown initiated")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}
	if err := runs.Shutdown(shutdownCtx); err != nil {
		logger.Error("run shutdown error", zap.Error(err))
	}
	if err := hub.Close(shutdownCtx); err != nil {
		logger.Error("progress hub close error", zap.Error(err))
	}
	return nil
}
