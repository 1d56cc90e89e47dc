package forum

import (
	"context"

	"forum_hierarchy/internal/domain/forum/handler"
	"forum_hierarchy/internal/domain/forum/repository"
	"forum_hierarchy/internal/domain/forum/service"
	"forum_hierarchy/internal/pkg/config"
	"forum_hierarchy/internal/pkg/lock"
	"forum_hierarchy/internal/pkg/middleware"
	"forum_hierarchy/internal/pkg/registry"
	"forum_hierarchy/internal/pkg/worker"
	"forum_hierarchy/pkg/cache"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ForumModule 论坛层级聚合模块
type ForumModule struct{}

func init() {
	registry.Register(&ForumModule{})
}

func (m *ForumModule) Name() string {
	return "forum"
}

func (m *ForumModule) Priority() int {
	return 10
}

// Components 模块内组装好的服务，供 CLI 等调用方复用
type Components struct {
	Repo  repository.HierarchyRepository
	Forum service.ForumService
}

// Build 按上下文组装服务；没有数据库时使用内存存储，没有 Redis 时使用进程内锁与缓存
func Build(ctx *registry.ModuleContext) *Components {
	cfg := config.DefaultForumConfig()
	if ctx.Config != nil {
		cfg = ctx.Config.Forum
	}
	log := ctx.Logger
	if log == nil {
		log = zap.NewNop()
	}

	var repo repository.HierarchyRepository
	if ctx.DB != nil {
		repo = repository.NewHierarchyRepository(ctx.DB, cfg.MaxDepth)
	} else {
		repo = repository.NewMemoryRepository()
	}

	var locker lock.KeyedLocker = lock.NewMemoryLocker()
	var cacheService cache.CacheService = cache.NewMemoryCache()
	if ctx.Redis != nil {
		cacheService = cache.NewRedisCache(ctx.Redis, "forum:")
		if cfg.LockBackend == "redis" {
			locker = lock.NewRedisLocker(ctx.Redis, cfg.LockTTL, log.Named("lock"))
		}
	}

	aggregates := service.NewAggregateService(repo, locker, ctx.Metrics, log.Named("aggregate"))
	statuses := service.NewStatusService(repo, locker, ctx.Metrics, log.Named("status"))
	revisions := service.NewRevisionService(repo, log.Named("revision"))
	guard := service.NewGuardService(repo, cache.NewMonitoredCache(cacheService, ctx.Metrics, log.Named("cache")), cfg, ctx.Metrics, log.Named("guard"))
	forum := service.NewForumService(repo, aggregates, statuses, revisions, guard, nil, cfg, log.Named("forum"))

	return &Components{Repo: repo, Forum: forum}
}

func (m *ForumModule) Init(ctx *registry.ModuleContext) error {
	// 1. 依赖注入
	comp := Build(ctx)
	cfg := config.DefaultForumConfig()
	var secret string
	var limiter *middleware.ActorRateLimiter
	if ctx.Config != nil {
		cfg = ctx.Config.Forum
		secret = ctx.Config.JWT.Secret
		if ctx.Config.Server.RateLimit > 0 {
			limiter = middleware.NewActorRateLimiter(rate.Limit(ctx.Config.Server.RateLimit), ctx.Config.Server.RateBurst)
		}
	}

	refresher := worker.RefresherFunc(func(c context.Context, id string) error {
		_, err := comp.Forum.Refresh(c, id)
		return err
	})
	pool := worker.NewReconcilePool(refresher, cfg.ReconcileWorkers, cfg.ReconcileBuffer, cfg.ReconcileMaxRetry, ctx.Metrics, ctx.Logger)
	pool.Start()
	ctx.OnShutdown(pool.Stop)

	h := handler.NewForumHandler(comp.Forum, pool)

	// 2. 路由注册
	setupRoutes(ctx.Router, h, secret, cfg.ModerateCapability, limiter)
	return nil
}

func setupRoutes(r *gin.Engine, h *handler.ForumHandler, secret, moderate string, limiter *middleware.ActorRateLimiter) {
	g := r.Group("/forum")
	g.Use(middleware.ActorMiddleware(secret), middleware.RateLimitMiddleware(limiter))
	{
		// 匿名用户也可以发帖
		g.POST("/topics", h.CreateTopic)
		g.POST("/topics/:id/replies", h.CreateReply)

		g.GET("/nodes/:id/aggregate", h.Aggregate)
		g.GET("/nodes/:id/revisions", h.Revisions)
	}

	authorized := g.Group("")
	authorized.Use(middleware.AuthMiddleware())
	{
		// 作者本人或版主
		authorized.PUT("/nodes/:id", h.Edit)

		mod := authorized.Group("")
		mod.Use(middleware.RequireCapability(moderate))
		{
			mod.POST("/forums", h.CreateForum)
			mod.PUT("/nodes/:id/spam", h.Spam)
			mod.DELETE("/nodes/:id/spam", h.Unspam)
			mod.PUT("/nodes/:id/trash", h.Trash)
			mod.DELETE("/nodes/:id/trash", h.Untrash)
			mod.DELETE("/nodes/:id", h.Delete)
			mod.POST("/nodes/:id/refresh", h.Refresh)
			mod.POST("/reconcile", h.Reconcile)
		}
	}
}
