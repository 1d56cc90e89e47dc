package middleware

import (
	"net/http"
	"strings"

	"forum_hierarchy/pkg/response"
	"forum_hierarchy/pkg/utils"

	"github.com/gin-gonic/gin"
)

// 上下文键
const (
	ContextUserID       = "userID"
	ContextCapabilities = "capabilities"
)

// ActorMiddleware 解析可选的 JWT；没有 Authorization 头时按匿名用户处理
func ActorMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			c.Next()
			return
		}

		// 检查格式 "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			response.Error(c, http.StatusUnauthorized, response.ErrTokenInvalid, "Invalid authorization header format")
			c.Abort()
			return
		}

		claims, err := utils.ParseToken(secret, parts[1])
		if err != nil {
			response.Error(c, http.StatusUnauthorized, response.ErrTokenInvalid, "Invalid or expired token")
			c.Abort()
			return
		}

		c.Set(ContextUserID, claims.UserID)
		c.Set(ContextCapabilities, claims.Capabilities)
		c.Next()
	}
}

// AuthMiddleware 要求已登录
func AuthMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(ContextUserID) == "" {
			response.Error(c, http.StatusUnauthorized, response.ErrAuthFailed, "Authentication required")
			c.Abort()
			return
		}
		c.Next()
	}
}

// RequireCapability 要求 token 中带有指定能力
func RequireCapability(capability string) gin.HandlerFunc {
	return func(c *gin.Context) {
		for _, have := range c.GetStringSlice(ContextCapabilities) {
			if have == capability {
				c.Next()
				return
			}
		}
		response.Error(c, http.StatusForbidden, response.ErrNoPermission, capability+" permission required")
		c.Abort()
	}
}
