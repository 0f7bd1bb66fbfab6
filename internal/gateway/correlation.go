package gateway

import (
	"context"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/signalhub/signalhub/internal/logging"
)

// CorrelationID is a Gin middleware that stamps every request with a
// correlation id, reused from the X-Correlation-ID header when the
// caller already supplied one, so every log line for a request (and,
// for the upgrade endpoint, every log line for the connection it
// spawns) can be tied together.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Correlation-ID")
		if id == "" {
			id = uuid.NewString()
		}
		c.Header("X-Correlation-ID", id)

		ctx := context.WithValue(c.Request.Context(), logging.CorrelationIDKey, id)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
