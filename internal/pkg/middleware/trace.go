package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// ContextTraceID 追踪 ID 的上下文键
const ContextTraceID = "traceID"

// TraceMiddleware 沿用上游的 X-Trace-ID，没有则生成
func TraceMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader("X-Trace-ID")
		if traceID == "" {
			traceID = uuid.New().String()
		}

		c.Set(ContextTraceID, traceID)
		c.Header("X-Trace-ID", traceID)
		c.Header("X-Request-ID", traceID)

		c.Next()
	}
}
