package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"packaging-coordinator/internal/config"
	"packaging-coordinator/internal/lease"
	"packaging-coordinator/internal/lifecycle"
	"packaging-coordinator/internal/queue"
	"packaging-coordinator/internal/store"
	"packaging-coordinator/internal/telemetry"
	workerproc "packaging-coordinator/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		telemetry.NewLogger("", "info").WithError(err).Fatal("load config")
	}
	log := telemetry.NewLogger(cfg.Env, cfg.LogLevel)
	if cfg.CITriggerURL == "" {
		log.Fatal("CI_TRIGGER_URL is required")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	tp, shutdownTracing, err := telemetry.NewTracerProvider(ctx, "packaging-worker", cfg.OTLPEndpoint)
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

	// Packager identity from env, else hostname.
	packagerID := cfg.PackagerID
	if packagerID == "" {
		hostname, _ := os.Hostname()
		if hostname != "" {
			packagerID = hostname
		} else {
			packagerID = fmt.Sprintf("packager-%d", os.Getpid())
		}
	}

	leases := lease.New(st, st, log)
	defer leases.Wait()

	trigger := workerproc.NewCITrigger(cfg.CITriggerURL, cfg.CITriggerToken, cfg.CallbackURL, nil)
	processor := workerproc.NewProcessor(workerproc.Config{
		PackagerID:        packagerID,
		PollInterval:      cfg.WorkerPollInterval,
		HeartbeatInterval: cfg.HeartbeatInterval,
		HandoffTimeout:    cfg.HandoffTimeout,
		ClaimBatchSize:    cfg.ClaimBatchSize,
		BackoffInitial:    cfg.BackoffInitial,
		BackoffMax:        cfg.BackoffMax,
	}, leases, lifecycle.New(st, st, st, log), queue.NewHintQueue(rdb, cfg.HintQueueKey), trigger.Handle, log)

	go func() {
		if err := http.ListenAndServe(cfg.WorkerMetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).WithField("addr", cfg.WorkerMetricsAddr).Warn("metrics server stopped")
		}
	}()

	log.WithField("packager_id", packagerID).WithField("heartbeat", cfg.HeartbeatInterval.String()).Info("worker started")
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.WithError(err).Error("worker stopped")
	}
}
