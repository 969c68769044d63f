// Package middleware 网关 HTTP 公共中间件与按路由挂鉴权的 Router。
package middleware

import (
	"time"

	"PSync/tools/safe"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// AccessLog 每个请求一行
func AccessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		log.Info("http",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("cost", time.Since(start)))
	}
}

// Recovery panic 转 500，不拖垮进程
func Recovery() gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				safe.LogPanic("http", r)
				c.AbortWithStatus(500)
			}
		}()
		c.Next()
	}
}
