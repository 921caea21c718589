package middleware

import (
	"context"
	"time"

	"wiregate/pkg/logger"
	"wiregate/pkg/utils"

	"github.com/gin-gonic/gin"
)

// RequestLoggingMiddleware writes one access-log line per request. Each
// request gets a request id in its context so downstream log lines can be
// correlated; the acting user is attached once the session middleware has
// resolved it.
func RequestLoggingMiddleware(cl *logger.ContextLogger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		ctx := context.WithValue(c.Request.Context(), "request_id", utils.GenerateRequestID()) //nolint:staticcheck
		c.Request = c.Request.WithContext(ctx)

		c.Next()

		if session, ok := SessionFromContext(c); ok {
			ctx = context.WithValue(ctx, "user", string(session.User)) //nolint:staticcheck
		}
		cl.LogRequest(ctx, c.Request.Method, c.Request.URL.Path,
			c.Writer.Status(), time.Since(start).Milliseconds())
	}
}
