package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/checkpoint"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/provider"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.AppName, cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Question Provider ─────────────────────────────────────────────
	// Without an API key every exam is generated by the local fallback.
	var questions provider.Provider = provider.Local{}
	if cfg.GeminiAPIKey != "" {
		gemini, err := provider.NewGemini(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiConcurrency, log)
		if err != nil {
			log.Warn().Err(err).Msg("Gemini unavailable, using local question generator")
		} else {
			defer gemini.Close()
			questions = provider.NewFailover(gemini, provider.Local{}, log)
		}
	}

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	catalog := service.NewExamCatalog(rdb, questions, authService, log)
	registry := service.NewSessionRegistry()
	checkpoints := checkpoint.NewRedisStore(rdb, cfg.CheckpointTTL)
	results := service.NewRedisResultSink(rdb)
	healthChecks := []handler.HealthCheck{handler.PostgresCheck(pool), handler.RedisCheck(rdb)}

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Exam: handler.NewExamHandler(catalog, log),
		WS: handler.NewWSHandler(cfg, catalog, authService, registry, handler.SessionDeps{
			Checkpoints: checkpoints,
			Orders:      checkpoints,
			Sink:        results,
			Results:     results,
			NewObserver: func(examID, testTakerID string) handler.SessionObserver {
				return service.NewMonitorPublisher(rdb, examID, testTakerID, log)
			},
		}, log),
		Monitor: handler.NewMonitorHandler(handler.NewRedisMonitorFeed(rdb), catalog, registry, log),
		System:  handler.NewSystemHandler(healthChecks, handler.RedisQueueDepth(rdb), registry, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	workerDone := make(chan struct{})

	resultWorker := worker.NewResultWorker(pool, rdb, log)
	go func() {
		defer close(workerDone)
		resultWorker.Start(workerCtx)
	}()

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().
		Str("signal", sig.String()).
		Int("live_sessions", registry.LiveCount()).
		Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout). Live sessions keep
	// their timer checkpoints and resume when the test-taker reconnects.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Stop the result worker and wait for its final flush.
	workerCancel()
	select {
	case <-workerDone:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("Result worker did not finish flushing in time")
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
