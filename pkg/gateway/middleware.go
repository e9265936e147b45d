package gateway

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/harun/resumable/internal/tracing"
)

const traceHeader = "X-Trace-Id"

// requestLogger attaches a trace id to the request context and logs the
// request once it finishes
func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		traceID := c.GetHeader(traceHeader)
		if traceID == "" {
			traceID = tracing.NewTraceID()
		}
		ctx := tracing.WithTraceID(c.Request.Context(), traceID)
		c.Request = c.Request.WithContext(ctx)
		c.Header(traceHeader, traceID)

		start := time.Now()
		c.Next()

		logger := tracing.LoggerFromContext(ctx, s.logger)
		event := logger.Debug()
		if c.Writer.Status() >= http.StatusInternalServerError {
			event = logger.Warn()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Str("client_ip", c.ClientIP()).
			Dur("latency", time.Since(start)).
			Msg("Request handled")
	}
}

// shutdownGate rejects new work once Stop has begun
func (s *Server) shutdownGate() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.shuttingDown() {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "server is shutting down"})
			return
		}
		c.Next()
	}
}
