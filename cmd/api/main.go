package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"aigc-platform/internal/api"
	"aigc-platform/internal/assets"
	"aigc-platform/internal/backend"
	"aigc-platform/internal/catalog"
	"aigc-platform/internal/config"
	"aigc-platform/internal/dispatcher"
	"aigc-platform/internal/ledger"
	"aigc-platform/internal/postgres"
	"aigc-platform/internal/query"
	"aigc-platform/internal/queue"
	"aigc-platform/internal/ratelimit"
	"aigc-platform/internal/sweeper"
	"aigc-platform/internal/taskstore"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	q := queue.New(redisClient, cfg.LeaseTimeout)

	cat := catalog.NewStatic()
	catalog.Seed(cat, cfg.AgeTransformCost, cfg.HairStyleCost)

	led, repo, err := buildStores(ctx, cfg)
	if err != nil {
		log.Fatalf("init store backend: %v", err)
	}

	store := taskstore.New(repo, led, cat, q)
	gw := query.New(led, store)
	limiter := ratelimit.NewAccountLimiter(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	assetStore, err := buildAssets(ctx, cfg)
	if err != nil {
		log.Fatalf("init asset store: %v", err)
	}

	// The memory backend lives in this process only, so dispatch and the
	// sweeper run embedded instead of in cmd/worker.
	if cfg.StoreBackend == "memory" {
		exec := backend.NewHTTP(cfg.BackendURL, cfg.BackendTimeout)
		disp := dispatcher.New(dispatcher.Options{
			Workers:        cfg.WorkerCount,
			PollInterval:   cfg.WorkerPollInterval,
			MaxAttempts:    cfg.MaxAttempts,
			BackoffInitial: cfg.BackoffInitial,
			BackoffMax:     cfg.BackoffMax,
			ExecTimeout:    cfg.BackendTimeout,
		}, q, store, exec, assetStore)
		go func() {
			if err := disp.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("dispatcher stopped: %v", err)
			}
		}()
		go func() {
			sw := sweeper.New(store, cfg.StaleThreshold, cfg.SweepInterval, cfg.SweepBatchSize)
			if err := sw.Run(ctx); err != nil && err != context.Canceled {
				log.Printf("sweeper stopped: %v", err)
			}
		}()
	}

	server := api.New(cfg, store, gw, led, cat, limiter, assetStore)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.Printf("api listening on :%s (store=%s)", cfg.HTTPPort, cfg.StoreBackend)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}

func buildStores(ctx context.Context, cfg config.Config) (ledger.Ledger, taskstore.Repo, error) {
	if cfg.StoreBackend == "postgres" {
		pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		if err := postgres.RunMigrations(ctx, pool); err != nil {
			return nil, nil, err
		}
		return ledger.NewPostgres(pool), taskstore.NewPostgresRepo(pool), nil
	}
	return ledger.NewMemory(), taskstore.NewMemoryRepo(), nil
}

func buildAssets(ctx context.Context, cfg config.Config) (assets.Store, error) {
	if cfg.AssetS3Bucket != "" {
		return assets.NewS3(ctx, assets.S3Options{
			Bucket:    cfg.AssetS3Bucket,
			Region:    cfg.AssetS3Region,
			Endpoint:  cfg.AssetS3Endpoint,
			PathStyle: cfg.AssetS3PathStyle,
		})
	}
	return assets.NewLocal(cfg.AssetDir), nil
}
