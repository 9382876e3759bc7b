// Command kestrel runs a standalone demo host process around the
// embeddable engine: load config, open the engine at its configured data
// directory, optionally wire Postgres/Redis/Kafka, periodically persist
// derived state to disk, and serve a Prometheus scrape endpoint. This is a
// demonstration harness, not a required part of embedding the engine --
// a real embedder links internal/engine directly and owns its own process
// lifecycle.
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

	"github.com/kestrel-db/kestrel/internal/docstore"
	"github.com/kestrel-db/kestrel/internal/docstore/filelog"
	"github.com/kestrel-db/kestrel/internal/docstore/pgbackend"
	"github.com/kestrel-db/kestrel/internal/engine"
	"github.com/kestrel-db/kestrel/internal/eventlog"
	"github.com/kestrel-db/kestrel/internal/resultcache"
	"github.com/kestrel-db/kestrel/pkg/config"
	"github.com/kestrel-db/kestrel/pkg/kafka"
	"github.com/kestrel-db/kestrel/pkg/logger"
	"github.com/kestrel-db/kestrel/pkg/metrics"
	"github.com/kestrel-db/kestrel/pkg/postgres"
	pkgredis "github.com/kestrel-db/kestrel/pkg/redis"
	"github.com/kestrel-db/kestrel/pkg/vfs"
)

const persistInterval = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "path to config file (YAML)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("starting kestrel engine host", "data_dir", cfg.Store.DataDir)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := engine.Options{
		BaseDir:         cfg.Store.DataDir,
		IndexMergeSize:  cfg.Store.IndexMergeSize,
		MaxTokenLength:  cfg.Store.MaxTokenLength,
		MaxTokensPerDoc: cfg.Store.MaxTokensPerDoc,
		FS:              vfs.OS{},
	}

	if cfg.Metrics.Enabled {
		opts.Metrics = metrics.New()
		go serveMetrics()
	}

	if cfg.Store.UseEventLog {
		producer := kafka.NewProducer(cfg.Kafka)
		opts.EventLog = eventlog.NewCollector(producer, 10000)
		opts.EventLog.Start(ctx)
	}

	if cfg.Store.UseRedisCache {
		redisClient, err := pkgredis.NewClient(cfg.Redis)
		if err != nil {
			slog.Error("failed to connect to redis, falling back to no secondary cache", "error", err)
		} else {
			defer redisClient.Close()
			opts.QueryCache = resultcache.NewQueryCache(redisClient, cfg.Redis.CacheTTL, nil)
		}
	}

	if cfg.Store.UsePostgres {
		pgClient, err := postgres.New(cfg.Postgres)
		if err != nil {
			slog.Error("failed to connect to postgres, falling back to file-backed document store", "error", err)
		} else {
			defer pgClient.Close()
			opts.DocumentBackendOpener = func(string, vfs.FS) (docstore.Backend, error) {
				return pgbackend.Open(pgClient)
			}
		}
	}
	if opts.DocumentBackendOpener == nil {
		opts.DocumentBackendOpener = func(dir string, fs vfs.FS) (docstore.Backend, error) {
			return filelog.Open(dir, fs)
		}
	}

	eng := engine.New(opts)
	initRes := eng.Initialize(ctx)
	if !initRes.Status.Ok() {
		slog.Error("engine initialization failed", "status", initRes.Status.Error())
		os.Exit(1)
	}
	slog.Info("engine ready",
		"document_count", initRes.DocumentCount,
		"schema_type_count", initRes.SchemaTypeCount,
		"recovery_causes", initRes.RecoveryCauses,
	)

	go persistLoop(ctx, eng)

	<-ctx.Done()
	slog.Info("shutting down, persisting state")
	if status := eng.PersistToDisk(); !status.Ok() {
		slog.Error("final persist failed", "status", status.Error())
	}
	if err := eng.Close(); err != nil {
		slog.Error("error closing engine", "error", err)
	}
	slog.Info("kestrel engine host stopped")
}

// persistLoop persists the Term Index (merging its Lite tier into Main)
// and the combined header checksum on a fixed interval, bounding how much work a future crash can
// discard without requiring every Put to pay persistence latency.
func persistLoop(ctx context.Context, eng *engine.Coordinator) {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if status := eng.PersistToDisk(); !status.Ok() {
				slog.Warn("periodic persist failed", "status", status.Error())
			}
		}
	}
}

func serveMetrics() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	addr := ":9090"
	slog.Info("serving prometheus metrics", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		slog.Error("metrics server stopped", "error", err)
	}
}
