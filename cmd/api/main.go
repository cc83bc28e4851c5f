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

	"packaging-coordinator/internal/api"
	"packaging-coordinator/internal/artifact"
	"packaging-coordinator/internal/config"
	"packaging-coordinator/internal/lease"
	"packaging-coordinator/internal/lifecycle"
	"packaging-coordinator/internal/queue"
	"packaging-coordinator/internal/ratelimit"
	"packaging-coordinator/internal/store"
	"packaging-coordinator/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		telemetry.NewLogger("", "info").WithError(err).Fatal("load config")
	}
	log := telemetry.NewLogger(cfg.Env, cfg.LogLevel)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	tp, shutdownTracing, err := telemetry.NewTracerProvider(ctx, "packaging-api", cfg.OTLPEndpoint)
	if err != nil {
		log.WithError(err).Fatal("init tracing")
	}
	defer func() { _ = shutdownTracing(context.Background()) }()

	st, err := store.Open(ctx, store.Options{
		Backend:     cfg.StoreBackend,
		SQLitePath:  cfg.SQLitePath,
		PostgresDSN: cfg.PostgresDSN,
		Tracer:      tp.Tracer("store"),
	})
	if err != nil {
		log.WithError(err).Fatal("open store")
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()

	leases := lease.New(st, st, log)
	defer leases.Wait()

	deps := api.Deps{
		Store:          st,
		Leases:         leases,
		Lifecycle:      lifecycle.New(st, st, st, log),
		Hints:          queue.NewHintQueue(rdb, cfg.HintQueueKey),
		Limiter:        ratelimit.NewTokenBucket(rdb, "ratelimit:jobs:", cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour),
		CallbackSecret: cfg.CallbackSecret,
		Log:            log,
	}
	if cfg.ArtifactBucket != "" {
		presigner, err := artifact.NewPresigner(ctx, artifact.Config{
			Bucket:    cfg.ArtifactBucket,
			Region:    cfg.ArtifactRegion,
			Endpoint:  cfg.ArtifactEndpoint,
			AccessKey: cfg.ArtifactAccessKey,
			SecretKey: cfg.ArtifactSecretKey,
			Expires:   cfg.ArtifactURLExpires,
		})
		if err != nil {
			log.WithError(err).Fatal("init artifact presigner")
		}
		deps.Artifacts = presigner
	}
	if cfg.CallbackSecret == "" {
		log.Warn("CALLBACK_SECRET is empty; callbacks will be rejected")
	}

	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.New(deps).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.WithField("addr", cfg.HTTPAddr).WithField("store", cfg.StoreBackend).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
