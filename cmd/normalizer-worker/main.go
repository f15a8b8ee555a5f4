// Package main provides the normalizer worker entry point.
// Consumes raw extractions, normalizes them and stores the results.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxintake/internal/config"
	"github.com/drfirst/go-rxintake/internal/domain/extraction"
	"github.com/drfirst/go-rxintake/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxintake/internal/infrastructure/redpanda"
	"github.com/drfirst/go-rxintake/internal/observability/metrics"
	"github.com/drfirst/go-rxintake/internal/observability/tracing"
	"github.com/drfirst/go-rxintake/internal/worker"
	"github.com/drfirst/go-rxintake/pkg/idempotency"
	"github.com/drfirst/go-rxintake/pkg/workerpool"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	if err := cfg.Validate(); err != nil {
		logger.Fatal("invalid configuration", zap.Error(err))
	}

	ctx := context.Background()

	tp, err := tracing.Init(ctx, tracing.Config{
		ServiceName:    "normalizer-worker",
		ServiceVersion: "1.0.0",
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TraceSampleRate,
	})
	if err != nil {
		logger.Fatal("tracing init failed", zap.Error(err))
	}
	if !tp.Enabled() {
		logger.Info("span export disabled, OTLP_ENDPOINT not set")
	}

	// Connect to database
	pool, err := postgres.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal("database connection failed", zap.Error(err))
	}
	defer pool.Close()
	logger.Info("connected to database")

	m := metrics.New(nil)
	repo := extraction.NewRepository(pool, logger)

	inbox := idempotency.NewInbox(pool, idempotency.DefaultInboxConfig(), logger)
	inbox.StartCleanup()
	defer inbox.Stop()

	// Dead letters go straight to the broker
	producerCfg := redpanda.DefaultProducerConfig()
	producerCfg.Brokers = cfg.Brokers()
	producer, err := redpanda.NewProducer(producerCfg, logger)
	if err != nil {
		logger.Fatal("producer creation failed", zap.Error(err))
	}
	defer producer.Close()

	normalizer := worker.NewNormalizer(repo, inbox, producer, m, logger)

	poolCfg := workerpool.DefaultConfig()
	poolCfg.Workers = cfg.WorkerCount
	workerPool, err := workerpool.New(poolCfg, normalizer.WorkerFunc(), logger)
	if err != nil {
		logger.Fatal("worker pool creation failed", zap.Error(err))
	}
	workerPool.Start()

	consumerCfg := redpanda.DefaultConsumerConfig()
	consumerCfg.Brokers = cfg.Brokers()
	consumerCfg.GroupID = cfg.ConsumerGroup
	consumerCfg.Topics = []string{redpanda.TopicExtractionRaw}

	consumer, err := redpanda.NewConsumer(consumerCfg, normalizer.HandleMessage(workerPool), logger)
	if err != nil {
		logger.Fatal("consumer creation failed", zap.Error(err))
	}
	consumer.Start()

	// Health and metrics
	r := chi.NewRouter()
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if !workerPool.IsHealthy() {
			http.Error(w, `{"status":"unhealthy"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"healthy","service":"normalizer-worker"}`))
	})
	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if err := pool.Ping(r.Context()); err != nil {
			http.Error(w, `{"status":"not_ready","database":"down"}`, http.StatusServiceUnavailable)
			return
		}
		if err := redpanda.HealthCheck(r.Context(), cfg.Brokers()); err != nil {
			http.Error(w, `{"status":"not_ready","broker":"down"}`, http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ready"}`))
	})
	r.Get("/stats", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"consumer": consumer.Stats(),
			"producer": producer.Stats(),
			"pool":     workerPool.Stats(),
		})
	})
	r.Method(http.MethodGet, "/metrics", metrics.Handler())
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
	}()

	logger.Info("normalizer worker started",
		zap.Strings("brokers", cfg.Brokers()),
		zap.String("group", cfg.ConsumerGroup),
		zap.Int("workers", cfg.WorkerCount))

	// Wait for shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	consumer.Stop()
	if err := workerPool.Stop(); err != nil {
		logger.Warn("worker pool stop", zap.Error(err))
	}
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("metrics server shutdown", zap.Error(err))
	}
	if err := tp.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown", zap.Error(err))
	}
	logger.Info("normalizer worker stopped")
}
