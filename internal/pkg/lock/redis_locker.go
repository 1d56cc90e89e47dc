package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// 仅当 value 仍是自己的 token 时才删除
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`)

// RedisLocker 多实例部署时使用的分布式锁 (SET NX PX)
type RedisLocker struct {
	client     *redis.Client
	prefix     string
	ttl        time.Duration
	retryDelay time.Duration
	log        *zap.Logger
}

// NewRedisLocker 创建 Redis 锁；ttl 为锁的最长持有时间，log 可为 nil
func NewRedisLocker(client *redis.Client, ttl time.Duration, log *zap.Logger) *RedisLocker {
	if ttl <= 0 {
		ttl = 10 * time.Second
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisLocker{
		client:     client,
		prefix:     "forum:lock:",
		ttl:        ttl,
		retryDelay: 20 * time.Millisecond,
		log:        log,
	}
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	fullKey := l.prefix + key
	token := uuid.New().String()

	for {
		ok, err := l.client.SetNX(ctx, fullKey, token, l.ttl).Result()
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil, err
			}
			return nil, fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(l.retryDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// 使用独立 context，调用方 ctx 取消后仍需释放
		releaseCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		deleted, err := releaseScript.Run(releaseCtx, l.client, []string{fullKey}, token).Int64()
		switch {
		case err != nil:
			// 释放失败的键会阻塞该节点直到 TTL 过期
			l.log.Warn("release lock failed", zap.String("key", key), zap.Duration("ttl", l.ttl), zap.Error(err))
		case deleted == 0:
			l.log.Warn("lock expired before release", zap.String("key", key), zap.Duration("ttl", l.ttl))
		}
	}, nil
}
