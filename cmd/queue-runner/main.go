// Command queue-runner runs the queue monitor: it watches Postgres for
// newly queued builds, expands them into the step graph, and publishes
// runnable steps to the external builder pool.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/buildqueue/queuerunner/internal/api"
	"github.com/buildqueue/queuerunner/internal/cachedfailure"
	"github.com/buildqueue/queuerunner/internal/config"
	"github.com/buildqueue/queuerunner/internal/db"
	"github.com/buildqueue/queuerunner/internal/graph"
	"github.com/buildqueue/queuerunner/internal/jobset"
	"github.com/buildqueue/queuerunner/internal/loader"
	"github.com/buildqueue/queuerunner/internal/machines"
	"github.com/buildqueue/queuerunner/internal/monitor"
	"github.com/buildqueue/queuerunner/internal/nixstore"
	"github.com/buildqueue/queuerunner/internal/nixstore/localstore"
	"github.com/buildqueue/queuerunner/internal/nixstore/s3store"
	"github.com/buildqueue/queuerunner/internal/registry"
	"github.com/buildqueue/queuerunner/internal/runnable"
	"github.com/buildqueue/queuerunner/internal/telemetry"
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	gw, err := db.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer gw.Close()

	if err := gw.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		log.Fatalf("init store: %v", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	jobsetCache := jobset.NewCache(redisClient)
	jobsetRegistry := jobset.NewRegistry(gw, jobsetCache)

	localPlatforms := map[string]struct{}{}
	for _, p := range cfg.LocalPlatforms {
		localPlatforms[p] = struct{}{}
	}
	stepGraph := graph.New(localPlatforms)
	buildRegistry := registry.New()
	// Stub machines registry: a real deployment populates this from the
	// builder pool's own registration traffic, which is outside this
	// module's scope. Seeding one no-features SimpleMachine per configured
	// local platform keeps steps with no requiredSystemFeatures runnable.
	machineRegistry := machines.New()
	for _, p := range cfg.LocalPlatforms {
		machineRegistry.Register(p, machines.SimpleMachine{Platform: p})
	}
	failureChecker := cachedfailure.NewMemChecker(cfg.CachedFailureTTL)

	sink := runnable.NewRateLimitedSink(
		runnable.NewLogSink(slog.Default()),
		redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.RateLimitTTL,
	)

	metrics := telemetry.NewCollector()
	stepGraph.SetLockWaitObserver(metrics.ObserveStepGraphLockWait)
	ld := loader.New(store, gw, stepGraph, buildRegistry, jobsetRegistry, machineRegistry, failureChecker, metrics, sink, cfg.LoaderConcurrency)

	var onlyID *int64
	if cfg.BuildOnlyID != 0 {
		onlyID = &cfg.BuildOnlyID
	}
	mon := monitor.New(gw, ld, buildRegistry, metrics, onlyID, slog.Default())

	server := api.New(buildRegistry, stepGraph)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		log.Printf("queue-runner api listening on :%s", cfg.HTTPPort)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	g.Go(func() error {
		err := mon.Run(gctx)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil {
		log.Printf("queue-runner exited with error: %v", err)
	}
}

func buildStore(ctx context.Context, cfg config.Config) (nixstore.Store, error) {
	switch cfg.StoreBackend {
	case "s3":
		return s3store.New(ctx, s3store.Config{
			Bucket:   cfg.S3Bucket,
			Region:   cfg.S3Region,
			Endpoint: cfg.S3Endpoint,
		})
	default:
		return localstore.New(cfg.StoreRoot), nil
	}
}
