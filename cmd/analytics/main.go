// Command analytics consumes query and reload events from Kafka and serves
// the aggregate at GET /api/v1/analytics/stats. The unmatched-query list is
// the input for tuning the acceptance threshold and the synonym table.
//
// Usage:
//
//	go run ./cmd/analytics [-config configs/qaserver.yaml] [-port 8081]
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
	"github.com/kangjinkui/katokbot/pkg/config"
	"github.com/kangjinkui/katokbot/pkg/health"
	"github.com/kangjinkui/katokbot/pkg/kafka"
	"github.com/kangjinkui/katokbot/pkg/logger"
	"github.com/kangjinkui/katokbot/pkg/middleware"
	"github.com/kangjinkui/katokbot/pkg/postgres"
)

func main() {
	configPath := flag.String("config", "configs/qaserver.yaml", "path to config file")
	port := flag.Int("port", 8081, "HTTP port")
	snapshotEvery := flag.Duration("snapshot-interval", time.Minute, "how often to persist stats when postgres is enabled")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	if !cfg.Kafka.Enabled {
		slog.Error("kafka is disabled in config; nothing to consume")
		os.Exit(1)
	}
	slog.Info("starting analytics service", "port", *port)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	aggregator := analytics.NewAggregator()
	topics := []string{cfg.Kafka.Topics.QueryEvents, cfg.Kafka.Topics.ReloadEvents}
	consumer := kafka.NewConsumer(cfg.Kafka, topics, analytics.HandleMessage(aggregator))
	defer consumer.Close()
	go func() {
		if err := consumer.Start(ctx); err != nil {
			slog.Error("analytics consumer error", "error", err)
		}
	}()
	slog.Info("analytics consumer started", "topics", topics, "group", cfg.Kafka.ConsumerGroup)

	checker := health.NewChecker()
	checker.Register("kafka", func(ctx context.Context) health.ComponentHealth {
		s := consumer.Stats()
		msg := fmt.Sprintf("processed %d, failed %d", s.Processed, s.Failed)
		if s.FetchErrors > 0 && s.LastMessage.IsZero() {
			return health.ComponentHealth{Status: health.StatusDegraded, Message: fmt.Sprintf("%s, %d fetch errors", msg, s.FetchErrors)}
		}
		return health.ComponentHealth{Status: health.StatusUp, Message: msg}
	})

	if cfg.Postgres.Enabled {
		db, err := postgres.New(ctx, cfg.Postgres)
		if err != nil {
			slog.Warn("postgres unavailable, stats will not be persisted", "error", err)
		} else {
			defer db.Close()
			snapshots := analytics.NewSnapshotStore(db)
			if err := snapshots.EnsureSchema(ctx); err != nil {
				slog.Error("failed to prepare snapshot schema", "error", err)
				os.Exit(1)
			}
			if last, err := snapshots.Latest(ctx); err != nil {
				slog.Warn("could not read last snapshot", "error", err)
			} else if last != nil {
				slog.Info("previous stats snapshot",
					"total_queries", last.TotalQueries,
					"no_match_rate", last.NoMatchRate,
					"unmatched", len(last.UnmatchedQueries),
				)
			}
			checker.Register("postgres", health.PingCheck(db))
			go snapshots.Run(ctx, aggregator, *snapshotEvery)
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/v1/analytics/stats", analytics.NewHandler(aggregator).Stats)
	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", *port),
		Handler:      middleware.Chain(mux, middleware.RequestID),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		<-ctx.Done()
		slog.Info("shutdown signal received")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("server shutdown error", "error", err)
		}
	}()

	slog.Info("analytics service listening", "addr", server.Addr)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
	slog.Info("analytics service stopped")
}
