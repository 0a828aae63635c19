package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/kbukum/flowkit/observability"
)

// GinTelemetry traces every request and feeds the request instruments. The
// operation context rides the request context so handlers can attach further
// span attributes. Health-check paths are skipped, matching the request
// logger. A nil metrics bundle disables recording but keeps the span.
func GinTelemetry(service string, metrics *observability.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if isHealthEndpoint(c.Request.URL.Path) {
			c.Next()
			return
		}

		operation := c.FullPath()
		if operation == "" {
			operation = c.Request.URL.Path
		}
		requestID := c.GetString("request_id")

		oc := observability.NewOperationContext(service, c.Request.Method+" "+operation, requestID, c.Param("dag"), metrics)
		ctx, span := oc.StartSpanForOperation(c.Request.Context(), observability.SpanHTTPRequest)
		c.Request = c.Request.WithContext(observability.WithOperationContext(ctx, oc))

		c.Next()

		status := "success"
		if c.Writer.Status() >= 400 {
			status = "error"
		}
		var cause error
		if last := c.Errors.Last(); last != nil {
			cause = last.Err
		}
		oc.EndOperation(ctx, span, status, cause)
	}
}
