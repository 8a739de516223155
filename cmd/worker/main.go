package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"aigc-platform/internal/assets"
	"aigc-platform/internal/backend"
	"aigc-platform/internal/catalog"
	"aigc-platform/internal/config"
	"aigc-platform/internal/dispatcher"
	"aigc-platform/internal/ledger"
	"aigc-platform/internal/postgres"
	"aigc-platform/internal/queue"
	"aigc-platform/internal/sweeper"
	"aigc-platform/internal/taskstore"
	"aigc-platform/internal/telemetry"
)

func main() {
	cfg := config.Load()
	if cfg.StoreBackend != "postgres" {
		log.Fatalf("worker requires STORE_BACKEND=postgres; the memory backend runs dispatch embedded in the api process")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()
	if err := postgres.RunMigrations(ctx, pool); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.New(redisClient, cfg.LeaseTimeout)

	cat := catalog.NewStatic()
	catalog.Seed(cat, cfg.AgeTransformCost, cfg.HairStyleCost)

	led := ledger.NewPostgres(pool)
	store := taskstore.New(taskstore.NewPostgresRepo(pool), led, cat, q)

	var assetStore assets.Store
	if cfg.AssetS3Bucket != "" {
		assetStore, err = assets.NewS3(ctx, assets.S3Options{
			Bucket:    cfg.AssetS3Bucket,
			Region:    cfg.AssetS3Region,
			Endpoint:  cfg.AssetS3Endpoint,
			PathStyle: cfg.AssetS3PathStyle,
		})
		if err != nil {
			log.Fatalf("init s3 assets: %v", err)
		}
	} else {
		assetStore = assets.NewLocal(cfg.AssetDir)
	}

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()

	go func() {
		sw := sweeper.New(store, cfg.StaleThreshold, cfg.SweepInterval, cfg.SweepBatchSize)
		if err := sw.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("sweeper stopped: %v", err)
		}
	}()

	exec := backend.NewHTTP(cfg.BackendURL, cfg.BackendTimeout)
	disp := dispatcher.New(dispatcher.Options{
		Workers:        cfg.WorkerCount,
		PollInterval:   cfg.WorkerPollInterval,
		MaxAttempts:    cfg.MaxAttempts,
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		ExecTimeout:    cfg.BackendTimeout,
	}, q, store, exec, assetStore)

	log.Printf("worker started with %d workers, lease=%s, stale_threshold=%s", cfg.WorkerCount, cfg.LeaseTimeout, cfg.StaleThreshold)
	if err := disp.Run(ctx); err != nil && err != context.Canceled {
		log.Printf("worker stopped: %v", err)
	}
}
