package cache

import (
	"context"
	"errors"
	"time"

	"forum_hierarchy/pkg/metrics"

	"go.uber.org/zap"
)

// MonitoredCache 为任意 CacheService 记录命中率与耗时
type MonitoredCache struct {
	cache   CacheService
	metrics *metrics.MetricsCollector
	log     *zap.Logger
}

// NewMonitoredCache 包装缓存服务，metrics 为 nil 时只记录错误日志
func NewMonitoredCache(cache CacheService, m *metrics.MetricsCollector, log *zap.Logger) *MonitoredCache {
	if log == nil {
		log = zap.NewNop()
	}
	return &MonitoredCache{cache: cache, metrics: m, log: log}
}

func (c *MonitoredCache) Get(ctx context.Context, key string, dest interface{}) error {
	start := time.Now()
	err := c.cache.Get(ctx, key, dest)
	switch {
	case err == nil:
		c.record("get", "hit", start)
	case errors.Is(err, ErrCacheMiss):
		c.record("get", "miss", start)
	default:
		c.fail("get", key, err, start)
	}
	return err
}

func (c *MonitoredCache) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) error {
	start := time.Now()
	err := c.cache.Set(ctx, key, value, expiration)
	if err != nil {
		c.fail("set", key, err, start)
		return err
	}
	c.record("set", "ok", start)
	return nil
}

func (c *MonitoredCache) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := c.cache.Delete(ctx, key)
	if err != nil {
		c.fail("delete", key, err, start)
		return err
	}
	c.record("delete", "ok", start)
	return nil
}

func (c *MonitoredCache) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	ok, err := c.cache.Exists(ctx, key)
	switch {
	case err != nil:
		c.fail("exists", key, err, start)
	case ok:
		c.record("exists", "hit", start)
	default:
		c.record("exists", "miss", start)
	}
	return ok, err
}

func (c *MonitoredCache) record(op, result string, start time.Time) {
	c.metrics.RecordCacheOp(op, result, time.Since(start))
}

func (c *MonitoredCache) fail(op, key string, err error, start time.Time) {
	c.record(op, "error", start)
	c.log.Warn("cache operation failed", zap.String("op", op), zap.String("key", key), zap.Error(err))
}
