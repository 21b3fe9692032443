package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	api "image-generation-gateway/internal/api"
	"image-generation-gateway/internal/callback"
	"image-generation-gateway/internal/config"
	"image-generation-gateway/internal/engine"
	"image-generation-gateway/internal/logging"
	"image-generation-gateway/internal/orchestrator"
	"image-generation-gateway/internal/ratelimit"
	"image-generation-gateway/internal/safety"
	"image-generation-gateway/internal/store"
	"image-generation-gateway/internal/tracker"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.Env, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := engine.NewClient(engine.Options{
		BaseURL:        cfg.EngineURL,
		RequestTimeout: cfg.SubmitTimeout,
		MaxImageBytes:  cfg.ArtifactMaxBytes,
		Logger:         &logger,
	})

	local, err := store.NewLocalStore(cfg.OutputDir)
	if err != nil {
		logger.Fatal().Err(err).Msg("output store")
	}
	var objects store.ObjectStore = local
	if cfg.OutputS3Bucket != "" {
		mirror, err := store.NewS3Store(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("s3 mirror")
		}
		objects = store.NewMirroredStore(local, logger, mirror)
	}

	sinks := store.MultiSink{store.NewFileSink(cfg.AuditLogPath), store.NewLogSink(logger)}
	if cfg.AuditPostgresDSN != "" {
		pg, err := store.NewPostgresSink(ctx, cfg.AuditPostgresDSN)
		if err != nil {
			logger.Fatal().Err(err).Msg("postgres audit sink")
		}
		sinks = append(sinks, pg)
	}
	defer func() {
		if err := sinks.Close(); err != nil {
			logger.Error().Err(err).Msg("close audit sinks")
		}
	}()

	deps := orchestrator.Deps{
		Safety:    safety.NewFilter(cfg.EnableSafety),
		Tracker:   tracker.New(client, tracker.Options{PollInterval: cfg.PollInterval, Timeout: cfg.JobTimeout, Logger: logger}),
		Persister: store.NewPersister(objects, sinks, logger),
		Callbacks: callback.NewDispatcher(cfg.CallbackTimeout, logger),
	}
	if cfg.RateLimitCapacity > 0 {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		deps.Limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill)
	}
	orch := orchestrator.New(deps, cfg, logger)

	server := api.New(cfg, orch, local, client, logger)
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info().
		Str("port", cfg.HTTPPort).
		Str("engine", cfg.EngineURL).
		Str("model", cfg.ModelName).
		Bool("safety", cfg.EnableSafety).
		Msg("gateway listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("listen")
		}
	}()

	<-ctx.Done()
	shutdown(httpServer, orch, cfg.ShutdownTimeout, logger)
}

// shutdown stops accepting requests, then waits for in-flight sync requests
// and detached async generations to finish.
func shutdown(srv *http.Server, orch *orchestrator.Orchestrator, timeout time.Duration, logger zerolog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	logger.Info().Dur("timeout", timeout).Msg("shutting down")
	if err := srv.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("http shutdown")
	}
	if err := orch.Drain(ctx); err != nil {
		logger.Warn().Err(err).Msg("async generations still running at exit")
	}
}
