package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/leadwall/bidgate/internal/breaker"
	"github.com/leadwall/bidgate/internal/config"
	"github.com/leadwall/bidgate/internal/handler"
	"github.com/leadwall/bidgate/internal/partner"
	"github.com/leadwall/bidgate/internal/pkg/logger"
	"github.com/leadwall/bidgate/internal/repository"
	"github.com/leadwall/bidgate/internal/service"
	"github.com/redis/go-redis/v9"
)

func main() {
	// 1. Load Configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	logger.Init(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// 2. Initialize Persistence
	// Shared state (Redis > Memory)
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = repository.NewRedisClient(cfg)
		if err == nil {
			logger.Info("connected to redis", "addr", cfg.Redis.Addr)
		} else {
			logger.Error("failed to connect to redis, falling back to memory", "error", err)
			rdb = nil
		}
	}

	var bidCache service.BidCache
	if cfg.Cache.Backend == "redis" && rdb != nil {
		bidCache = repository.NewRedisBidCache(rdb, cfg.Cache.KeyPrefix)
	} else {
		if cfg.Cache.Backend == "redis" {
			logger.Warn("redis bid cache unavailable, using in-memory cache")
		}
		bidCache = service.NewMemoryBidCache(cfg.Cache.TTL(), cfg.Cache.CleanupInterval())
	}

	var deduper service.ClickDeduper
	if rdb != nil {
		deduper = repository.NewRedisClickDeduper(rdb, cfg.Cache.KeyPrefix)
	} else {
		deduper = service.NewMemoryClickDeduper(cfg.Cache.CleanupInterval())
	}

	// Outcome persistence (Postgres > Redis > log only)
	var outcomeRepo service.OutcomeRepo
	var pgRepo *repository.PostgresOutcomeRepo
	checks := map[string]handler.Pinger{}
	if cfg.Database.DSN != "" {
		db, err := repository.NewDB(ctx, cfg)
		if err == nil {
			pgRepo = repository.NewPostgresOutcomeRepo(db)
			if err := pgRepo.Migrate(ctx); err != nil {
				logger.Error("outcome schema migration failed", "error", err)
				pgRepo = nil
			} else {
				outcomeRepo = pgRepo
				if sqlDB, err := db.DB(); err == nil {
					checks["postgres"] = sqlDB.PingContext
				}
			}
		} else {
			logger.Error("failed to connect to postgres, outcomes will not be stored durably", "error", err)
		}
	}
	if outcomeRepo == nil && rdb != nil {
		outcomeRepo = repository.NewRedisOutcomeRepo(rdb, cfg.Cache.KeyPrefix, cfg.Recorder.RecentMax)
	}
	if rdb != nil {
		checks["redis"] = func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	}

	// 3. Initialize Core Services
	br := breaker.New(breaker.SettingsFromConfig(cfg.Breaker))
	registry, err := partner.NewRegistryFromConfig(cfg, &http.Client{
		Transport: &http.Transport{
			MaxIdleConns:        200,
			MaxIdleConnsPerHost: 50,
			IdleConnTimeout:     90 * time.Second,
		},
	})
	if err != nil {
		log.Fatalf("Failed to load partners: %v", err)
	}
	for _, p := range registry.List() {
		br.Register(p.ID)
	}

	recorder := service.NewRecorder(cfg.Recorder.BufferSize, cfg.Recorder.RecentMax, outcomeRepo)
	normalizer := service.NewNormalizer(cfg.Auction.FloorPriceMin, cfg.Auction.MaxBidPrice, cfg.Auction.DefaultBidTTL())
	orch := service.NewOrchestrator(registry, br, normalizer, bidCache, recorder, service.AuctionSettingsFromConfig(cfg))
	tracker := service.NewTracker(bidCache, deduper, br, recorder, service.TrackerSettingsFromConfig(cfg.Click))
	stream := handler.NewHealthStream(br)

	if pgRepo != nil {
		retention := time.Duration(cfg.Database.RetentionDays) * 24 * time.Hour
		interval := time.Duration(cfg.Database.CleanupIntervalMinutes) * time.Minute
		go pgRepo.RunRetention(ctx, interval, retention)
	}

	// 4. Setup Router
	r := handler.NewRouter(cfg, handler.Handlers{
		Bids:     handler.NewBidHandler(orch),
		Clicks:   handler.NewClickHandler(tracker, recorder),
		Partners: handler.NewPartnerHandler(registry, br),
		Stream:   stream,
		Health:   handler.NewHealthHandler(checks),
	})

	// 5. Start Server with Graceful Shutdown
	srv := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		logger.Info("bidgate started", "port", cfg.Server.Port, "partners", len(registry.List()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server listen failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream.Close()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", "error", err)
	}
	stop()
	recorder.Close()
	if rdb != nil {
		_ = rdb.Close()
	}

	logger.Info("server exiting")
}
