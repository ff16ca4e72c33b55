package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequestLogger emits one access log line per request after the handler
// chain ran.
func RequestLogger(log *zap.Logger) gin.HandlerFunc {
	log = log.Named("http.access")
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", c.Writer.Status()),
			zap.Int64("elapsed_ms", time.Since(start).Milliseconds()),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("error", c.Errors.Last().Error()))
			log.Warn("request failed", fields...)
			return
		}
		log.Info("request", fields...)
	}
}
