package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"

	"voiceforge/internal/api"
	"voiceforge/internal/audio"
	"voiceforge/internal/blob"
	"voiceforge/internal/config"
	"voiceforge/internal/jobs"
	"voiceforge/internal/models"
	"voiceforge/internal/ratelimit"
	"voiceforge/internal/store"
	"voiceforge/internal/telemetry"
	"voiceforge/internal/voices"
	"voiceforge/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config", "error", err)
		os.Exit(1)
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("voiceforge exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telemetry.Register()

	blobs, closeBlobs, err := openBlobs(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeBlobs()

	var journal jobs.Journal = store.NewLog(logger)
	var events api.EventSource
	if cfg.PostgresDSN != "" {
		pg, err := store.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return err
		}
		defer pg.Close()
		if err := pg.RunMigrations(ctx); err != nil {
			return fmt.Errorf("migrations: %w", err)
		}
		journal, events = pg, pg
		logger.Info("job journal on postgres")
	}

	var limiter *ratelimit.TokenBucket
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		defer rdb.Close()
		limiter = ratelimit.NewTokenBucket(rdb, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
		logger.Info("rate limiting enabled", "capacity", cfg.RateLimitCapacity, "refill_per_sec", cfg.RateLimitRefill)
	}

	jobStore := jobs.NewStore()
	registry := voices.NewRegistry(voices.Presets())
	runner := jobs.NewRunner(jobStore, journal, logger)
	runner.Register(models.KindTraining, worker.NewTrainingHandler(registry, blobs, cfg.TrainingStep))
	runner.Register(models.KindSynthesis, worker.NewSynthesisHandler(
		audio.NewMaterializer(blobs, audio.Tone{SampleRate: cfg.SampleRate, Frequency: cfg.ToneFrequency}),
		cfg.SynthesisStep,
	))

	server := api.New(api.Deps{
		Config:  cfg,
		Jobs:    jobStore,
		Runner:  runner,
		Voices:  registry,
		Blobs:   blobs,
		Limiter: limiter,
		Events:  events,
		Log:     logger,
	})
	httpServer := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api listening", "addr", httpServer.Addr, "env", cfg.Env, "blob_backend", cfg.BlobBackend)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("listen: %w", err)
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	if err := runner.Shutdown(shutdownCtx); err != nil {
		logger.Warn("runner shutdown", "error", err)
	}
	return nil
}

func openBlobs(ctx context.Context, cfg config.Config, logger *slog.Logger) (blob.Store, func(), error) {
	noop := func() {}
	switch cfg.BlobBackend {
	case "s3":
		s, err := blob.NewS3(ctx, blob.S3Options{
			Bucket:    cfg.S3Bucket,
			Region:    cfg.S3Region,
			Endpoint:  cfg.S3Endpoint,
			PathStyle: cfg.S3PathStyle,
		})
		if err != nil {
			return nil, noop, err
		}
		logger.Info("blob store on s3", "bucket", cfg.S3Bucket)
		return s, noop, nil
	case "nats":
		nc, err := nats.Connect(cfg.NATSURL, nats.Name("voiceforge-api"))
		if err != nil {
			return nil, noop, fmt.Errorf("connect nats: %w", err)
		}
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, noop, fmt.Errorf("jetstream: %w", err)
		}
		s, err := blob.NewNATS(js, cfg.NATSBucket)
		if err != nil {
			nc.Close()
			return nil, noop, err
		}
		logger.Info("blob store on nats object store", "bucket", cfg.NATSBucket)
		return s, func() { _ = nc.Drain() }, nil
	default:
		s, err := blob.NewLocal(cfg.DataDir)
		if err != nil {
			return nil, noop, err
		}
		logger.Info("blob store on local disk", "dir", cfg.DataDir)
		return s, noop, nil
	}
}
