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
	"github.com/sirupsen/logrus"

	"github.com/cloudlearn/corelms/internal/availability"
	"github.com/cloudlearn/corelms/internal/cache"
	"github.com/cloudlearn/corelms/internal/cleanup"
	"github.com/cloudlearn/corelms/internal/config"
	"github.com/cloudlearn/corelms/internal/materialguard"
	"github.com/cloudlearn/corelms/internal/oracle"
	"github.com/cloudlearn/corelms/internal/progress"
	"github.com/cloudlearn/corelms/internal/store"
	"github.com/cloudlearn/corelms/internal/testengine"
	"github.com/cloudlearn/corelms/internal/tracking"
	httptransport "github.com/cloudlearn/corelms/internal/transport/http"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := logrus.New()
	if cfg.Debug {
		logger.SetLevel(logrus.DebugLevel)
	}

	st, err := store.NewPostgresStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	defer st.Close()

	redisCache := cache.NewRedisCache(cfg.RedisURL)
	defer redisCache.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisURL})
	defer rdb.Close()
	notifier := oracle.NewRedisNotificationSink(rdb, logger)

	media, err := oracle.NewMinioMediaService(cfg.MinioEndpoint, cfg.MinioAccessKey, cfg.MinioSecretKey, cfg.MinioBucket, cfg.MinioSecure)
	if err != nil {
		log.Fatalf("failed to construct media service: %v", err)
	}

	// The external account-management system is a Non-goal (spec.md §1); this
	// in-memory stand-in (internal/oracle.MemoryIdentityOracle) is what
	// cmd/server wires for identity/authorship in absence of that system.
	identity := oracle.NewMemoryIdentityOracle()

	agg := progress.NewAggregator(st, redisCache, cfg, notifier, logger)
	tracker := tracking.NewTracker(st, redisCache, agg, cfg, logger)
	resolver := availability.NewResolver(st, redisCache, agg, identity, cfg)
	engine := testengine.NewEngine(st, redisCache, cfg, resolver, agg, identity, notifier, logger)
	guard := materialguard.NewGuard(st)

	scheduler := cleanup.NewScheduler(st, cfg, logger)
	cleanupCtx, cancelCleanup := context.WithCancel(context.Background())
	go scheduler.Run(cleanupCtx)
	defer cancelCleanup()

	router := httptransport.NewRouter(&httptransport.Services{
		Store:      st,
		Cfg:        cfg,
		Aggregator: agg,
		Tracker:    tracker,
		Resolver:   resolver,
		Engine:     engine,
		Guard:      guard,
		Media:      media,
	})

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("listen: %s", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("shutting down server...")

	cancelCleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logger.Fatalf("server shutdown: %v", err)
	}

	logger.Info("server exiting")
}
