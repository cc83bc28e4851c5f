package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"packaging-coordinator/internal/config"
	"packaging-coordinator/internal/lease"
	"packaging-coordinator/internal/queue"
	"packaging-coordinator/internal/reaper"
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

	tp, shutdownTracing, err := telemetry.NewTracerProvider(ctx, "packaging-reaper", cfg.OTLPEndpoint)
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

	r := reaper.New(leases, st, queue.NewHintQueue(rdb, cfg.HintQueueKey), reaper.Config{
		Interval:    cfg.ReaperInterval,
		StaleAfter:  cfg.LeaseStaleAfter,
		MaxRequeues: cfg.ReaperMaxRequeues,
	}, log)

	go func() {
		if err := http.ListenAndServe(cfg.ReaperMetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).WithField("addr", cfg.ReaperMetricsAddr).Warn("metrics server stopped")
		}
	}()

	log.WithField("interval", cfg.ReaperInterval.String()).WithField("stale_after", cfg.LeaseStaleAfter.String()).Info("reaper started")
	if err := r.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("reaper stopped")
	}
}
