// Package main provides the ingestion API service entry point.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxintake/internal/api"
	"github.com/drfirst/go-rxintake/internal/config"
	"github.com/drfirst/go-rxintake/internal/domain/extraction"
	"github.com/drfirst/go-rxintake/internal/infrastructure/postgres"
	"github.com/drfirst/go-rxintake/internal/observability/metrics"
	"github.com/drfirst/go-rxintake/internal/observability/tracing"
	"github.com/drfirst/go-rxintake/internal/ocr"
	"github.com/drfirst/go-rxintake/pkg/circuitbreaker"
)

const (
	serviceName    = "ingestion-api"
	serviceVersion = "1.0.0"
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
		ServiceName:    serviceName,
		ServiceVersion: serviceVersion,
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
	if cfg.IsDev() {
		if err := postgres.EnsureSchema(ctx, pool); err != nil {
			logger.Fatal("schema setup failed", zap.Error(err))
		}
	}
	logger.Info("connected to database")

	m := metrics.New(nil)
	breakers := circuitbreaker.NewManager(logger)
	repo := extraction.NewRepository(pool, logger)

	ocrClient, err := ocr.NewClient(ocr.Config{
		BaseURL:       cfg.OCRServiceURL,
		Timeout:       cfg.OCRTimeout,
		MaxImageBytes: cfg.MaxUploadBytes,
	}, breakers, logger)
	if err != nil {
		logger.Fatal("ocr client creation failed", zap.Error(err))
	}

	// Image uploads fail until the extraction service is up; JSON intake does not.
	probeCtx, cancelProbe := context.WithTimeout(ctx, 5*time.Second)
	if h, err := ocrClient.Health(probeCtx); err != nil {
		logger.Warn("ocr service not healthy", zap.String("url", cfg.OCRServiceURL), zap.Error(err))
	} else {
		logger.Info("ocr service healthy", zap.String("model", h.Model))
	}
	cancelProbe()

	r := api.NewRouter(api.Deps{
		ServiceName:  serviceName,
		Version:      serviceVersion,
		Store:        repo,
		Extractor:    ocrClient,
		DB:           pool,
		Breakers:     breakers,
		Metrics:      m,
		APIKeys:      cfg.APIKeyMap(),
		MaxBodyBytes: cfg.MaxUploadBytes + 1<<20,
		Logger:       logger,
	})

	// Start server. Writes wait on the extraction service.
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.OCRTimeout + 15*time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Graceful shutdown
	done := make(chan struct{})
	go func() {
		defer close(done)
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		logger.Info("shutting down server")
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := server.Shutdown(ctx); err != nil {
			logger.Error("shutdown error", zap.Error(err))
		}
		if err := tp.Shutdown(ctx); err != nil {
			logger.Warn("tracer shutdown", zap.Error(err))
		}
	}()

	logger.Info("starting ingestion API",
		zap.String("port", cfg.Port),
		zap.String("ocr_service", cfg.OCRServiceURL))
	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		logger.Fatal("server error", zap.Error(err))
	}

	<-done
	logger.Info("server stopped")
}
