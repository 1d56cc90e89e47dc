package middleware

import (
	"net/http"
	"sync"
	"time"

	"forum_hierarchy/pkg/response"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// limiterIdle 超过该时长未使用的限流器会被回收
const limiterIdle = 10 * time.Minute

type actorLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// ActorRateLimiter 按发帖人限流：登录用户按用户 ID，匿名用户按客户端地址
type ActorRateLimiter struct {
	mu       sync.Mutex
	actors   map[string]*actorLimiter
	r        rate.Limit
	b        int
	lastScan time.Time
	now      func() time.Time
}

// NewActorRateLimiter r 为每秒请求数，b 为突发容量
func NewActorRateLimiter(r rate.Limit, b int) *ActorRateLimiter {
	return &ActorRateLimiter{
		actors: make(map[string]*actorLimiter),
		r:      r,
		b:      b,
		now:    time.Now,
	}
}

// Allow 消耗 key 对应的一个令牌
func (l *ActorRateLimiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if now.Sub(l.lastScan) > limiterIdle {
		for k, a := range l.actors {
			if now.Sub(a.lastSeen) > limiterIdle {
				delete(l.actors, k)
			}
		}
		l.lastScan = now
	}

	a, ok := l.actors[key]
	if !ok {
		a = &actorLimiter{limiter: rate.NewLimiter(l.r, l.b)}
		l.actors[key] = a
	}
	a.lastSeen = now
	return a.limiter.AllowN(now, 1)
}

// Len 当前跟踪的发帖人数
func (l *ActorRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.actors)
}

func actorKey(c *gin.Context) string {
	if uid := c.GetString(ContextUserID); uid != "" {
		return "user:" + uid
	}
	return "addr:" + c.ClientIP()
}

// RateLimitMiddleware 需放在 ActorMiddleware 之后；limiter 为 nil 时不限流
func RateLimitMiddleware(limiter *ActorRateLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		if !limiter.Allow(actorKey(c)) {
			response.Error(c, http.StatusTooManyRequests, response.ErrTooManyRequests, "Too many requests")
			c.Abort()
			return
		}
		c.Next()
	}
}
