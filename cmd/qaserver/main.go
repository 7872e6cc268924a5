package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kangjinkui/katokbot/internal/analytics"
	"github.com/kangjinkui/katokbot/internal/audit"
	"github.com/kangjinkui/katokbot/internal/auth/apikey"
	"github.com/kangjinkui/katokbot/internal/auth/ratelimit"
	"github.com/kangjinkui/katokbot/internal/corpus"
	"github.com/kangjinkui/katokbot/internal/encoder"
	gwmiddleware "github.com/kangjinkui/katokbot/internal/gateway/middleware"
	"github.com/kangjinkui/katokbot/internal/indexer"
	"github.com/kangjinkui/katokbot/internal/searcher/cache"
	"github.com/kangjinkui/katokbot/internal/searcher/handler"
	"github.com/kangjinkui/katokbot/internal/searcher/ranker"
	"github.com/kangjinkui/katokbot/pkg/config"
	"github.com/kangjinkui/katokbot/pkg/health"
	"github.com/kangjinkui/katokbot/pkg/kafka"
	"github.com/kangjinkui/katokbot/pkg/logger"
	"github.com/kangjinkui/katokbot/pkg/metrics"
	"github.com/kangjinkui/katokbot/pkg/middleware"
	"github.com/kangjinkui/katokbot/pkg/objectstore"
	"github.com/kangjinkui/katokbot/pkg/postgres"
	pkgredis "github.com/kangjinkui/katokbot/pkg/redis"
)

func main() {
	configPath := flag.String("config", "configs/qaserver.yaml", "path to config file")
	flag.Parse()

	// Registered first so it runs after every other deferred close.
	failed := false
	defer func() {
		if failed {
			os.Exit(1)
		}
	}()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting qa service",
		"port", cfg.Server.Port,
		"corpus_source", cfg.Corpus.Source,
		"encoder", cfg.Encoder.Provider,
		"threshold", cfg.Retrieval.Threshold,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
		shutdownMetrics, err := metrics.StartServer(cfg.Metrics.Port, m)
		if err != nil {
			slog.Error("failed to start metrics server", "error", err)
			os.Exit(1)
		}
		defer shutdownMetrics(context.Background())
	}
	checker := health.NewChecker()

	var objects *objectstore.Client
	if cfg.Corpus.Source == "object" {
		objects, err = objectstore.New(cfg.ObjectStore)
		if err != nil {
			slog.Error("failed to create object store client", "error", err)
			os.Exit(1)
		}
		checker.Register("object_store", func(ctx context.Context) health.ComponentHealth {
			if err := objects.Ping(ctx, cfg.Corpus.Bucket); err != nil {
				return health.ComponentHealth{Status: health.StatusDegraded, Message: err.Error()}
			}
			return health.ComponentHealth{Status: health.StatusUp}
		})
	}
	var opener corpus.ObjectOpener
	if objects != nil {
		opener = objects
	}
	source, err := corpus.SourceFromConfig(cfg.Corpus, opener)
	if err != nil {
		slog.Error("invalid corpus source", "error", err)
		os.Exit(1)
	}

	stack, err := encoder.New(cfg.Encoder)
	if err != nil {
		slog.Error("failed to create encoder", "error", err)
		os.Exit(1)
	}
	defer stack.Close()
	if stack.Enabled() {
		breakerName := "encoder-" + cfg.Encoder.Provider
		checker.Register("encoder", func(ctx context.Context) health.ComponentHealth {
			state := stack.BreakerState()
			m.SetBreakerState(breakerName, state)
			if state == "open" {
				return health.ComponentHealth{Status: health.StatusDegraded, Message: "circuit open, answering lexically"}
			}
			msg := stack.Encoder.Model()
			if stack.Guard != nil {
				msg = fmt.Sprintf("%s, %d retries", msg, stack.Guard.Retries())
			}
			return health.ComponentHealth{Status: health.StatusUp, Message: msg}
		})
	} else {
		slog.Warn("encoder disabled, serving lexical results only")
	}

	coordOpts := indexer.OptionsFromConfig(cfg, stack.Encoder, m)
	coordOpts.Logger = slog.Default()
	coord := indexer.NewCoordinator(coordOpts)

	rankOpts := ranker.Options{
		Threshold:     cfg.Retrieval.Threshold,
		Overfetch:     cfg.Retrieval.OverfetchFactor,
		MaxQueryRunes: cfg.Retrieval.MaxQueryRunes,
		QueryTimeout:  cfg.Retrieval.QueryTimeout,
	}
	rank := ranker.New(coord, rankOpts)

	var queryCache *cache.QueryCache
	if cfg.Redis.Enabled {
		redisClient, err := pkgredis.NewClient(ctx, cfg.Redis)
		if err != nil {
			slog.Warn("redis unavailable, using in-process cache", "error", err)
		} else {
			defer redisClient.Close()
			queryCache = cache.New(cache.NewRedisStore(redisClient, cfg.Redis.CacheTTL))
			checker.Register("redis", health.PingCheck(redisClient))
			slog.Info("search cache enabled", "backend", "redis", "addr", cfg.Redis.Addr, "ttl", cfg.Redis.CacheTTL)
		}
	}
	if queryCache == nil {
		queryCache = cache.New(cache.NewMemoryStore(4096, cfg.Redis.CacheTTL))
	}

	var auditStore *audit.Store
	if cfg.Postgres.Enabled {
		db, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			slog.Warn("postgres unavailable, reload audit disabled", "error", err)
		} else {
			defer db.Close()
			auditStore = audit.NewStore(db)
			if err := auditStore.EnsureSchema(ctx); err != nil {
				slog.Error("failed to prepare audit schema", "error", err)
				os.Exit(1)
			}
			checker.Register("postgres", health.PingCheck(db))
		}
	}

	aggregator := analytics.NewAggregator()
	var publisher analytics.Publisher
	if cfg.Kafka.Enabled {
		producer := kafka.NewProducer(cfg.Kafka)
		defer producer.Close()
		publisher = producer
		slog.Info("analytics events enabled", "brokers", cfg.Kafka.Brokers)
	}
	collector := analytics.NewCollector(aggregator, publisher, cfg.Kafka.Topics, 10000)
	collector.Start(ctx)
	defer collector.Close()

	coord.OnPublish(func(ctx context.Context, _ *indexer.Snapshot, _ indexer.ReloadResult) error {
		_, err := queryCache.Invalidate(ctx)
		return err
	})
	coord.OnPublish(func(_ context.Context, _ *indexer.Snapshot, res indexer.ReloadResult) error {
		collector.TrackReload(analytics.ReloadEvent{
			ReloadID:   res.ID,
			Status:     "success",
			Version:    res.Version,
			Records:    res.Records,
			Checksum:   res.Checksum,
			Source:     res.Source,
			DurationMs: res.Duration.Milliseconds(),
			Timestamp:  time.Now().UTC(),
		})
		return nil
	})
	coord.OnFailure(func(_ context.Context, f indexer.ReloadFailure) {
		collector.TrackReload(analytics.ReloadEvent{
			ReloadID:   f.ID,
			Status:     f.Status(),
			Records:    f.Records,
			Source:     f.Source,
			Stage:      f.Stage,
			Error:      f.Err.Error(),
			DurationMs: f.Duration.Milliseconds(),
			Timestamp:  time.Now().UTC(),
		})
	})
	if auditStore != nil {
		coord.OnPublish(auditStore.OnPublish)
		coord.OnFailure(auditStore.OnFailure)
	}

	reload := func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, cfg.Retrieval.ReloadTimeout)
		defer cancel()
		if res, err := coord.Reload(ctx, source); err == nil {
			slog.Info(res.String())
		}
	}
	reload(ctx)

	checker.Register("index", func(ctx context.Context) health.ComponentHealth {
		snap := coord.Snapshot()
		if snap == nil {
			msg := "no snapshot published"
			if f := coord.LastFailure(); f != nil {
				msg = f.Err.Error()
			}
			return health.ComponentHealth{Status: health.StatusDown, Message: msg}
		}
		msg := fmt.Sprintf("version %d, %d records", snap.Corpus.Number, snap.Corpus.Len())
		if f := coord.LastFailure(); f != nil {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: msg + ", last reload failed: " + f.Err.Error()}
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: msg}
	})

	watcherDone := make(chan struct{})
	if cfg.Corpus.Watch {
		files := []string{cfg.Corpus.SynonymsPath}
		if fs, ok := source.(corpus.FileSource); ok {
			files = append(files, fs.Path)
		}
		watcher, err := indexer.NewWatcher(files, cfg.Corpus.WatchDebounce, reload)
		if err != nil {
			slog.Warn("corpus watcher disabled", "error", err)
			close(watcherDone)
		} else {
			go func() {
				defer close(watcherDone)
				if err := watcher.Run(ctx); err != nil {
					slog.Error("corpus watcher stopped", "error", err)
				}
			}()
		}
	} else {
		close(watcherDone)
	}

	h := handler.New(handler.Deps{
		Ranker:    rank,
		Index:     coord,
		Source:    func() corpus.Source { return source },
		Cache:     queryCache,
		Collector: collector,
		Audit:     auditLister(auditStore),
		Metrics:   m,
	}, handler.Options{
		DefaultTopK:   cfg.Retrieval.DefaultTopK,
		MaxTopK:       cfg.Retrieval.MaxTopK,
		MaxQueryChars: cfg.Retrieval.MaxQueryRunes,
		ReloadTimeout: cfg.Retrieval.ReloadTimeout,
	})

	mux := http.NewServeMux()
	h.Register(mux, gwmiddleware.AdminKey(apikey.NewValidator(cfg.Admin.APIKeys)))
	mux.HandleFunc("GET /api/v1/analytics/stats", analytics.NewHandler(aggregator).Stats)
	mux.HandleFunc("GET /health", checker.Handler())
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	mws := []func(http.Handler) http.Handler{
		middleware.RequestID,
		middleware.Metrics(m),
		gwmiddleware.CORS(gwmiddleware.DefaultCORSConfig(cfg.CORS.AllowedOrigins)),
	}
	if cfg.RateLimit.Enabled {
		limiter := ratelimit.New(cfg.RateLimit.PerMinute, cfg.RateLimit.Burst)
		defer limiter.Stop()
		mws = append(mws, gwmiddleware.RateLimit(limiter))
	}
	mws = append(mws, middleware.Timeout(cfg.Server.RequestTimeout))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      middleware.Chain(mux, mws...),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("qa service listening", "addr", server.Addr, "ready", coord.Ready())
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		failed = true
		stop()
	}
	// In-flight handlers and a running watcher reload still call the collector
	// and the stores; the deferred closes run only after both have finished.
	<-shutdownDone
	<-watcherDone
	slog.Info("qa service stopped")
}

// auditLister keeps a nil *audit.Store from becoming a non-nil interface.
func auditLister(s *audit.Store) handler.ReloadLister {
	if s == nil {
		return nil
	}
	return s
}
