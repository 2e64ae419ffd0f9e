package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	logx "penny/pkg/logx"
)

const requestIDHeader = "X-Request-Id"

// requestLog tags each request with an id and stores a request-scoped
// logger on its context for handlers to pick up via logx.FromContext.
func requestLog(log logx.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 64 {
			id = uuid.NewString()
		}
		c.Header(requestIDHeader, id)
		rlog := log.With(logx.String("req", id))
		c.Request = c.Request.WithContext(logx.WithContext(c.Request.Context(), rlog))

		c.Next()

		status := c.Writer.Status()
		fields := []logx.Field{
			logx.String("method", c.Request.Method),
			logx.String("path", c.FullPath()),
			logx.Int("status", status),
			logx.Duration("took", time.Since(start)),
		}
		switch {
		case status >= 500:
			rlog.Warn("request failed", fields...)
		case c.Request.Method != "GET":
			rlog.Info("request", fields...)
		default:
			rlog.Debug("request", fields...)
		}
	}
}
