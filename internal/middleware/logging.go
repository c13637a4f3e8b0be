package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalith-99/partyhub/internal/observ"
)

const HeaderRequestID = "X-Request-ID"

// RequestLogger tags each request with an ID, stores a logger carrying it on
// the request context and writes one access line when the handler returns.
// An incoming X-Request-ID is kept so IDs follow a request across services.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestID := c.GetHeader(HeaderRequestID)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(HeaderRequestID, requestID)

		reqLogger := logger.With(zap.String("request_id", requestID))
		c.Request = c.Request.WithContext(observ.WithLogger(c.Request.Context(), reqLogger))

		c.Next()

		status := c.Writer.Status()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", status),
			zap.Duration("latency", time.Since(start)),
		}
		if userID := GetUserID(c); userID != uuid.Nil {
			fields = append(fields, zap.Stringer("user_id", userID))
		}

		switch {
		case status >= 500:
			reqLogger.Error("request", fields...)
		case status >= 400:
			reqLogger.Info("request", fields...)
		default:
			reqLogger.Debug("request", fields...)
		}
	}
}
