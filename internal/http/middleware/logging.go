// README: Request logging with correlation id and trace id.
package middleware

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"

	"ridecore/internal/infra"
	"ridecore/internal/logging"
)

// Logging binds a request-scoped logger and the correlation id to the
// request context and logs each completed request.
func Logging(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		corrID := c.GetHeader(infra.CorrelationHeader)
		if corrID == "" {
			corrID = logging.NewCorrelationID()
		}
		c.Header(infra.CorrelationHeader, corrID)

		log := base.With(
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
		)
		if sc := trace.SpanFromContext(c.Request.Context()).SpanContext(); sc.IsValid() {
			log = log.With(slog.String("trace_id", sc.TraceID().String()))
		}
		ctx := logging.WithCorrelationID(c.Request.Context(), corrID)
		c.Request = c.Request.WithContext(logging.WithLogger(ctx, log))

		c.Next()

		level := slog.LevelInfo
		if c.Writer.Status() >= 500 {
			level = slog.LevelError
		}
		logging.FromContext(c.Request.Context()).Log(c.Request.Context(), level, "request completed",
			slog.Int("status", c.Writer.Status()),
			slog.Duration("duration", time.Since(start)),
			slog.Int("size", c.Writer.Size()),
		)
	}
}
