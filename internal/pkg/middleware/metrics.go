package middleware

import (
	"time"

	"forum_hierarchy/pkg/metrics"

	"github.com/gin-gonic/gin"
)

// MetricsMiddleware 记录请求次数与耗时，按路由模板聚合
func MetricsMiddleware(collector *metrics.MetricsCollector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		endpoint := c.FullPath()
		if endpoint == "" {
			endpoint = "unmatched"
		}
		collector.RecordHTTPRequest(c.Request.Method, endpoint, c.Writer.Status(), time.Since(start))
	}
}
