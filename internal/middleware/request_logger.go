package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/megamelange/melange-backend/internal/logger"
)

// RequestLogger logs one structured line per request. Static file routes
// poll frequently, so anything under /api/screenshot-file logs at debug.
func RequestLogger(log *logger.Logger) gin.HandlerFunc {
	reqLog := log.With("service", "HTTP")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []any{
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"client", c.ClientIP(),
		}
		switch {
		case c.Writer.Status() >= 500:
			reqLog.Error("Request failed", fields...)
		case c.Writer.Status() >= 400:
			reqLog.Warn("Request rejected", fields...)
		case isChattyPath(c.Request.URL.Path):
			reqLog.Debug("Request", fields...)
		default:
			reqLog.Info("Request", fields...)
		}
	}
}

func isChattyPath(path string) bool {
	chatty := []string{"/api/screenshot-file/", "/api/roblox-status/", "/health"}
	for _, prefix := range chatty {
		if len(path) >= len(prefix) && path[:len(prefix)] == prefix {
			return true
		}
	}
	return false
}
