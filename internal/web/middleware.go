package web

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
)

// requestLogger 记录管理接口的访问日志
func requestLogger(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		logger.Debug(fmt.Sprintf("🌐 [管理接口] %s %s -> %d (%s)",
			c.Request.Method, path, c.Writer.Status(), time.Since(start).Round(time.Millisecond)))
	}
}
