package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/docflow/keygate/internal/logging"
	"github.com/docflow/keygate/internal/metrics"
)

// RequestLogger logs each request and feeds the HTTP metrics.
func RequestLogger(logger *logging.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		c.Next()

		duration := time.Since(start)
		status := c.Writer.Status()

		logger.LogHTTPRequest(c.Request.Method, path, c.ClientIP(), status, duration)
		metrics.RecordHTTPRequest(c.Request.Method, c.FullPath(), strconv.Itoa(status), duration.Seconds())
	}
}
