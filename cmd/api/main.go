package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/docflow/keygate/internal/archive"
	"github.com/docflow/keygate/internal/cache"
	"github.com/docflow/keygate/internal/config"
	"github.com/docflow/keygate/internal/database"
	"github.com/docflow/keygate/internal/keypool"
	"github.com/docflow/keygate/internal/ledger"
	"github.com/docflow/keygate/internal/logging"
	"github.com/docflow/keygate/internal/metrics"
	"github.com/docflow/keygate/internal/middleware"
	"github.com/docflow/keygate/internal/queue"
	"github.com/docflow/keygate/internal/scheduler"
	"github.com/docflow/keygate/internal/tracing"
	"github.com/docflow/keygate/internal/userquota"
)

type API struct {
	cfg     *config.Config
	repo    *database.Repository
	cache   *cache.Cache
	pool    *keypool.Service
	tracker *userquota.Tracker
	archive *archive.Archive
	queue   *queue.Queue
	sweeper *scheduler.Sweeper
	logger  *logging.Logger
}

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := logging.NewDefaultLogger()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}

	middleware.SetJWTSecret(cfg.Auth.JWTSecret)

	if cfg.Tracing.Enabled {
		_, closer, err := tracing.InitTracer(cfg.Tracing.ServiceName, cfg.Tracing.JaegerEndpoint)
		if err != nil {
			logger.ErrorWithErr("tracing init failed, continuing without", err)
		} else {
			defer closer.Close()
		}
	}

	// Database
	db, err := database.New(cfg.Database)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.EnsureSchema(ctx); err != nil {
		logger.Fatalf("Failed to ensure schema: %v", err)
	}

	repo := database.NewRepository(db)

	// Redis
	redisCache, err := cache.NewCache(cfg.Redis.Host, cfg.Redis.Port, cfg.Redis.Password, cfg.Redis.DB)
	if err != nil {
		logger.Fatalf("Failed to connect to redis: %v", err)
	}
	defer redisCache.Close()

	// Alert queue
	alerts, err := queue.New(cfg.Queue)
	if err != nil {
		logger.Fatalf("Failed to connect to queue: %v", err)
	}
	defer alerts.Close()

	// Ledger archive
	archiveStore, err := archive.New(cfg.Storage, repo, logger)
	if err != nil {
		logger.Fatalf("Failed to initialize archive storage: %v", err)
	}

	// Domain services
	usageLedger := ledger.New(repo, alerts, logger)
	pool := keypool.NewService(repo, redisCache, usageLedger, alerts, logger, cfg.Quota.SelectionCandidates)
	tracker := userquota.NewTracker(repo, logger)

	sweeper := scheduler.NewSweeper(repo, redisCache, logger, cfg.Quota.SweepInterval)
	sweeper.Start()
	defer sweeper.Stop()

	api := &API{
		cfg:     cfg,
		repo:    repo,
		cache:   redisCache,
		pool:    pool,
		tracker: tracker,
		archive: archiveStore,
		queue:   alerts,
		sweeper: sweeper,
		logger:  logger,
	}

	// Metrics server on its own port
	var metricsSrv *metrics.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Port)
		go func() {
			if err := metricsSrv.Start(); err != nil && err != http.ErrServerClosed {
				logger.ErrorWithErr("metrics server failed", err)
			}
		}()
	}

	router := setupRouter(api)

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Infof("Starting API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Fatalf("Server forced to shutdown: %v", err)
	}
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}

	logger.Info("Server stopped")
}

func setupRouter(api *API) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestLogger(api.logger))

	limiter := middleware.NewRateLimiter(api.cfg.Server.RateLimitRPS, api.cfg.Server.RateLimitBurst)
	go limiter.Cleanup()
	router.Use(middleware.RateLimit(limiter))

	router.GET("/health", api.healthCheck)

	gate := middleware.NewPremiumGate(api.tracker, api.cfg.Quota.PremiumOperations)

	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/token", api.issueToken)

		// User surface, API-key authenticated
		user := v1.Group("", middleware.APIKeyAuth(api.repo))
		{
			user.GET("/quota", api.getQuota)

			// Premium operations: the gate consumes the monthly allowance
			// before any key is leased.
			ops := user.Group("/operations")
			ops.POST("/ocr", gate.Guard("ocr.process"), api.authorizeOperation("ocr.process"))
			ops.POST("/convert/pdf", gate.Guard("convert.pdf"), api.authorizeOperation("convert.pdf"))
			ops.POST("/convert/word", gate.Guard("convert.word"), api.authorizeOperation("convert.word"))
			ops.POST("/summarize", gate.Guard("ai.summarize"), api.authorizeOperation("ai.summarize"))

			user.POST("/outcomes", api.reportOutcome)
		}

		// Admin surface, JWT authenticated
		admin := v1.Group("/admin", middleware.JWTAuth(), middleware.RequireAdmin())
		{
			admin.POST("/users", api.createUser)
			admin.POST("/users/:id/tier", api.changeTier)
			admin.GET("/users/:id/quota", api.getUserQuota)

			admin.GET("/keys", api.listKeys)
			admin.POST("/keys", api.createKey)
			admin.POST("/keys/:id/rotate", api.rotateKey)
			admin.POST("/keys/:id/revoke", api.revokeKey)
			admin.POST("/keys/:id/activate", api.activateKey)

			admin.GET("/rotations", api.listRotations)
			admin.GET("/usage", api.listUsage)
			admin.GET("/usage/stats", api.usageStats)
			admin.GET("/usage/stats/keys", api.keyUsageStats)
			admin.GET("/usage/stats/models", api.modelUsageStats)

			admin.GET("/archives", api.listArchives)
			admin.POST("/archives/export", api.exportArchive)

			admin.POST("/sweep", api.runSweep)
		}
	}

	return router
}

// Health check endpoint
func (api *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := gin.H{"database": "ok", "redis": "ok"}

	if err := api.repo.Health(ctx); err != nil {
		checks["database"] = err.Error()
		status = http.StatusServiceUnavailable
	}
	if err := api.cache.Ping(ctx); err != nil {
		checks["redis"] = err.Error()
		status = http.StatusServiceUnavailable
	}

	c.JSON(status, gin.H{"status": http.StatusText(status), "checks": checks})
}
