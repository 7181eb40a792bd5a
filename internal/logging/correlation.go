package logging

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const requestIDContextKey = "request_id"

// RequestIDHeader is the inbound header a caller can set to propagate its
// own request id instead of having one minted here.
const RequestIDHeader = "X-Request-ID"

// RequestIDFromGin returns the request id for c, generating and caching one
// on the context if neither a prior call nor the inbound header supplied
// one. Safe to call more than once per request; the id is stable.
func RequestIDFromGin(c *gin.Context) string {
	if val, ok := c.Get(requestIDContextKey); ok {
		if id, ok := val.(string); ok && id != "" {
			return id
		}
	}

	requestID := c.GetHeader(RequestIDHeader)
	if requestID == "" {
		requestID = uuid.NewString()
	}
	c.Set(requestIDContextKey, requestID)
	return requestID
}

// Gin returns a Printf-style function correlated to c's request id, the
// gin-aware counterpart to WithCorrelation for handlers that only have a
// *gin.Context on hand.
func (l *Logger) Gin(c *gin.Context) func(format string, args ...any) {
	return l.WithCorrelation(RequestIDFromGin(c))
}
