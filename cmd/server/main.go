package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "forum_hierarchy/internal/domain/common"
	_ "forum_hierarchy/internal/domain/forum"
	"forum_hierarchy/internal/pkg/config"
	"forum_hierarchy/internal/pkg/middleware"
	"forum_hierarchy/internal/pkg/registry"
	"forum_hierarchy/pkg/database"
	"forum_hierarchy/pkg/logger"
	"forum_hierarchy/pkg/metrics"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	config.LoadConfig()
	cfg := &config.GlobalConfig

	log := logger.InitLogger(cfg.App.Env, cfg.App.Debug)
	defer logger.Sync()

	db, err := database.NewPostgres(cfg.Database, cfg.App.Debug, log)
	if err != nil {
		log.Fatal("database connection failed", zap.Error(err))
	}

	poolMonitor, err := database.NewPoolMonitor(db, database.DefaultPoolMonitorConfig(), log)
	if err != nil {
		log.Fatal("pool monitor init failed", zap.Error(err))
	}
	if err := poolMonitor.Register(prometheus.DefaultRegisterer, cfg.Database.DBName); err != nil {
		log.Warn("register pool metrics failed", zap.Error(err))
	}
	poolMonitor.Start()
	defer poolMonitor.Stop()

	// Redis 只在需要分布式锁或共享防灌水时间时必须可用
	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb, err = database.NewRedis(context.Background(), cfg.Redis)
		if err != nil {
			if cfg.Forum.LockBackend == "redis" {
				log.Fatal("redis connection failed", zap.Error(err))
			}
			log.Warn("redis unavailable, falling back to in-process cache", zap.Error(err))
			rdb = nil
		} else {
			defer rdb.Close()
		}
	}

	gin.SetMode(cfg.Server.Mode)
	collector := metrics.NewMetricsCollector(prometheus.DefaultRegisterer)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.CORSOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "X-Trace-ID"},
		ExposeHeaders:    []string{"X-Trace-ID", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(middleware.TraceMiddleware(), middleware.LoggerMiddleware(), middleware.MetricsMiddleware(collector))

	mctx := &registry.ModuleContext{
		DB:      db,
		Redis:   rdb,
		Router:  r,
		Config:  cfg,
		Logger:  log,
		Metrics: collector,
	}
	if err := registry.InitModules(mctx); err != nil {
		log.Fatal("module init failed", zap.Error(err))
	}
	defer mctx.Shutdown()

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("server listening", zap.String("addr", server.Addr), zap.String("env", cfg.App.Env))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
	}
	log.Info("server stopped")
}
