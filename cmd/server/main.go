package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"dexflow/internal/cache"
	"dexflow/internal/config"
	cronrunner "dexflow/internal/cron"
	"dexflow/internal/db"
	"dexflow/internal/fanout"
	"dexflow/internal/handler"
	"dexflow/internal/logger"
	"dexflow/internal/queue"
	gormrepository "dexflow/internal/repository/gorm"
	"dexflow/internal/router"
	"dexflow/internal/service"
	"dexflow/internal/venue"
)

func main() {
	cfgPath := os.Getenv("DF_CONFIG")
	if cfgPath == "" {
		cfgPath = "config/config.yaml"
	}

	envOnly := false
	if envOnlyRaw := os.Getenv("DF_ENV_ONLY"); envOnlyRaw != "" {
		envOnly = strings.EqualFold(envOnlyRaw, "true") || envOnlyRaw == "1"
	}

	cfg, err := config.Load(cfgPath, envOnly)
	if err != nil {
		panic(err)
	}

	logger, err := logger.New(cfg.Log)
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	dbConn, err := db.Open(cfg.DB)
	if err != nil {
		logger.Fatal("db open failed", zap.Error(err))
	}
	defer db.Close(dbConn)

	if err := db.AutoMigrate(dbConn); err != nil {
		logger.Fatal("auto-migrate failed", zap.Error(err))
	}

	store := gormrepository.New(dbConn.Gorm)

	var orderCache cache.OrderCache
	var memCache *cache.MemoryCache
	if cfg.Redis.Addr != "" {
		redisCache := cache.NewRedisCache(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		}, cfg.Cache.TTL)
		defer redisCache.Close()
		orderCache = redisCache
		logger.Info("active-order cache backed by redis", zap.String("addr", cfg.Redis.Addr))
	} else {
		memCache = cache.NewMemoryCache(cfg.Cache.TTL)
		orderCache = memCache
		logger.Info("active-order cache held in memory")
	}

	hub := fanout.NewHub(logger)

	engine := router.NewEngine(logger)
	for _, vc := range cfg.Venues {
		engine.Register(venue.NewSimSource(venue.SimConfig{
			Name:        vc.Name,
			Fee:         vc.Fee,
			MinLatency:  vc.MinLatency,
			MaxLatency:  vc.MaxLatency,
			FailureRate: vc.FailureRate,
			Seed:        vc.Seed,
		}))
	}
	logger.Info("liquidity sources registered", zap.Strings("sources", engine.Sources()))

	pool := queue.NewPool(queue.Config{
		Concurrency:   cfg.Queue.Concurrency,
		MaxAttempts:   cfg.Queue.MaxAttempts,
		BackoffBase:   cfg.Queue.BackoffBase,
		StallTimeout:  cfg.Queue.StallTimeout,
		StallInterval: cfg.Queue.StallInterval,
	}, logger)
	pool.RegisterProcessor(&service.Executor{
		Repo:   store,
		Cache:  orderCache,
		Hub:    hub,
		Router: engine,
		Logger: logger,
		Config: cfg.Pipeline,
	})

	orderService := &service.OrderService{
		Repo:   store,
		Cache:  orderCache,
		Queue:  pool,
		Hub:    hub,
		Logger: logger,
	}

	if strings.EqualFold(cfg.App.Env, "dev") {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	ginEngine := gin.New()
	ginEngine.Use(gin.Recovery())
	ginEngine.Use(corsMiddleware())

	healthHandler := &handler.HealthHandler{DB: dbConn.Gorm}
	healthHandler.Register(ginEngine)
	orderHandler := &handler.OrderHandler{Service: orderService}
	orderHandler.Register(ginEngine)
	wsHandler := &handler.WSHandler{Service: orderService, Hub: hub, Logger: logger}
	wsHandler.Register(ginEngine)

	srv := &http.Server{
		Addr:    cfg.Server.HTTPAddr,
		Handler: ginEngine,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cronRunner := cronrunner.New(logger, ctx)
	_, err = cronRunner.Add(cfg.Fanout.CleanupSchedule, func(ctx context.Context) {
		if n := hub.Cleanup(); n > 0 {
			logger.Info("evicted dead status observers", zap.Int("count", n))
		}
	})
	if err != nil {
		logger.Warn("cron register fanout cleanup failed", zap.Error(err))
	}
	if memCache != nil {
		_, err = cronRunner.Add(cfg.Cache.SweepSchedule, func(ctx context.Context) {
			if n := memCache.Sweep(); n > 0 {
				logger.Info("swept expired cache entries", zap.Int("count", n))
			}
		})
		if err != nil {
			logger.Warn("cron register cache sweep failed", zap.Error(err))
		}
	}
	cronRunner.Start()
	defer cronRunner.Stop()

	errCh := make(chan error, 2)

	go func() {
		logger.Info("http server starting", zap.String("addr", cfg.Server.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown requested")
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := pool.Shutdown(shutdownCtx); err != nil {
		logger.Warn("queue drain incomplete", zap.Error(err))
	}
}

func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type,Authorization")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
