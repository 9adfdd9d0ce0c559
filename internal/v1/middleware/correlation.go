// Package middleware holds the gin middleware shared by the ops plane and the
// proxy's WebSocket front-end.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/cinesync/cinesync/internal/v1/logging"
)

// CorrelationHeader names the header that carries a request's correlation ID.
const CorrelationHeader = "X-Correlation-ID"

// CorrelationID tags each request with a correlation ID, minting one when the
// caller sent none. The ID is echoed in the response header and stored in the
// gin context under the logging key so log lines for the request carry it.
func CorrelationID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(CorrelationHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(CorrelationHeader, id)
		c.Set(string(logging.CorrelationIDKey), id)
		c.Next()
	}
}
