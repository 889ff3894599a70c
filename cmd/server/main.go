// server is the document ingestion and retrieval service binary: it wires
// the relational and vector stores, the embedding provider, the sync
// state machine and the HTTP surface together, recovers interrupted sync
// jobs, and serves until signalled.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"docucore/internal/api"
	"docucore/internal/cascade"
	"docucore/internal/chunking"
	"docucore/internal/config"
	"docucore/internal/embeddings"
	"docucore/internal/events"
	"docucore/internal/ingest"
	"docucore/internal/logging"
	"docucore/internal/migration"
	"docucore/internal/ratelimit"
	"docucore/internal/scheduler"
	"docucore/internal/search"
	"docucore/internal/storage"
	"docucore/internal/syncjob"
	"docucore/internal/txn"
	"docucore/internal/types"
)

// shutdownTimeout bounds the graceful drain of in-flight requests.
const shutdownTimeout = 30 * time.Second

func main() {
	os.Exit(run())
}

func run() int {
	logger := logging.ServerLogger

	cfg, err := config.LoadConfig()
	if err != nil {
		logger.Error("failed to load configuration", "error", err.Error())
		return 1
	}
	logging.SetDefaultLogger(logging.NewLogger(logging.ParseLogLevel(cfg.Logging.Level)))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Relational store: open, migrate, wrap.
	db, err := storage.OpenDatabase(&cfg.Database)
	if err != nil {
		logger.Error("failed to open database", "error", err.Error())
		return 1
	}
	defer func() { _ = db.Close() }()

	migrator := migration.NewMigrator(db, filepath.Join(cfg.Database.MigrationsPath, cfg.Database.Type), cfg.Database.Type)
	applied, err := migrator.Up(ctx)
	if err != nil {
		logger.Error("failed to apply migrations", "error", err.Error())
		return 1
	}
	if applied > 0 {
		logger.Info("applied migrations", "count", applied)
	}

	store := storage.NewSQLRelationalStore(db, cfg.Database.Type)

	// Vector store: qdrant behind retry then circuit breaker. Initialize
	// creates the collection or fails fast on a vector-size mismatch.
	var vectors storage.VectorStore = storage.NewQdrantStore(&cfg.Qdrant)
	vectors = storage.NewRetryableVectorStore(vectors, nil)
	vectors = storage.NewCircuitBreakerVectorStore(vectors, nil)
	if err := vectors.Initialize(ctx); err != nil {
		logger.Error("failed to initialize vector store", "error", err.Error())
		return 1
	}
	defer func() { _ = vectors.Close() }()

	embedder, err := embeddings.NewService(&cfg.OpenAI, slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	if err != nil {
		logger.Error("failed to build embedding service", "error", err.Error())
		return 1
	}

	limiter := buildLimiter(&cfg.RateLimit)
	defer func() { _ = limiter.Close() }()

	source, err := ingest.NewFileSource(cfg.Server.ContentDir)
	if err != nil {
		logger.Error("failed to prepare content directory", "error", err.Error())
		return 1
	}

	txns := txn.NewManager(db)
	txns.StartReaper(ctx, 5*time.Minute)

	sched := scheduler.New(nil)
	sched.StartSweeper(ctx, time.Hour)

	strategy := retryStrategy(&cfg.Retry)
	machine := syncjob.NewMachine(store, sched, strategy)
	deleter := cascade.NewDeleter(store, vectors, txns, limiter)
	coordinator := ingest.NewCoordinator(ingest.Config{
		Store:          store,
		Vectors:        vectors,
		Embedder:       embedder,
		Splitter:       chunking.NewService(nil),
		Limiter:        limiter,
		Machine:        machine,
		Deleter:        deleter,
		Source:         source,
		EmbedBatchSize: cfg.OpenAI.BatchSize,
	})
	searcher := search.NewOrchestrator(store, vectors, embedder, limiter)

	broadcaster := events.NewBroadcaster()
	defer broadcaster.Close()
	machine.SetSink(broadcaster)
	deleter.SetSink(broadcaster)

	// Resume jobs a previous process left non-terminal.
	if err := machine.Initialize(ctx); err != nil {
		logger.Error("failed to recover sync jobs", "error", err.Error())
		return 1
	}

	startJobGC(ctx, store, time.Duration(cfg.GC.IntervalHours)*time.Hour, logger)

	server := api.NewServer(api.Config{
		Store:       store,
		Vectors:     vectors,
		Coordinator: coordinator,
		Deleter:     deleter,
		Searcher:    searcher,
		Machine:     machine,
		Broadcaster: broadcaster,
	})

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		logger.Error("http server failed", "error", err.Error())
		return 1
	case <-ctx.Done():
	}

	logger.Info("shutting down, draining in-flight work")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown incomplete", "error", err.Error())
	}
	return 0
}

// buildLimiter picks the in-memory token buckets or, when a Redis address
// is configured, the shared Redis-backed ones.
func buildLimiter(cfg *config.RateLimitConfig) ratelimit.Limiter {
	buckets := make(map[string]ratelimit.BucketConfig, len(cfg.Buckets))
	for key, b := range cfg.Buckets {
		buckets[key] = ratelimit.BucketConfig{
			MaxTokens:    b.MaxTokens,
			RefillPerSec: b.RefillPerSec,
			Enabled:      b.Enabled,
		}
	}
	if cfg.RedisAddr != "" {
		return ratelimit.NewRedisBucket(redis.NewClient(&redis.Options{Addr: cfg.RedisAddr}), buckets)
	}
	return ratelimit.NewTokenBucket(buckets)
}

// retryStrategy maps the configured backoff parameters onto the retry
// scheduler's strategy. Jitter is a fraction of the base delay.
func retryStrategy(cfg *config.RetryConfig) scheduler.Strategy {
	base := time.Duration(cfg.BaseDelayMs) * time.Millisecond
	return scheduler.Strategy{
		MaxRetries:    cfg.MaxRetries,
		BaseDelay:     base,
		BackoffFactor: cfg.BackoffFactor,
		MaxDelay:      time.Duration(cfg.MaxDelayMs) * time.Millisecond,
		Jitter:        time.Duration(cfg.Jitter * float64(base)),
	}
}

// startJobGC periodically removes sync-job rows for documents that
// finished long ago, so the table tracks live work rather than history.
func startJobGC(ctx context.Context, store storage.RelationalStore, interval time.Duration, logger *logging.EnhancedLogger) {
	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				sweepCompletedJobs(ctx, store, interval, logger)
			}
		}
	}()
}

func sweepCompletedJobs(ctx context.Context, store storage.RelationalStore, minAge time.Duration, logger *logging.EnhancedLogger) {
	jobs, err := store.ListSyncJobsByStatus(ctx, types.SyncStatusSynced)
	if err != nil {
		logger.Warn("job gc list failed", "error", err.Error())
		return
	}
	cutoff := time.Now().Add(-minAge).UnixMilli()
	removed := 0
	for _, job := range jobs {
		if job.UpdatedAt < cutoff {
			if err := store.DeleteSyncJob(ctx, job.DocID); err != nil {
				logger.Warn("job gc delete failed", "doc_id", string(job.DocID), "error", err.Error())
				continue
			}
			removed++
		}
	}
	if removed > 0 {
		logger.Info("swept completed sync jobs", "removed", removed)
	}
}
