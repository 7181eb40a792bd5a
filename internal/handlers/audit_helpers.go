package handlers

import (
	"strconv"

	"github.com/gin-gonic/gin"
)

// userIDFromContext resolves a user id for an audit log line, preferring
// the id auth.Middleware already attached to the gin context over a raw
// X-User-ID header a caller sent directly — the fallback matters on
// routes that fail before auth.Middleware runs, where the context key was
// never set. This is a logging-only lookup; route handlers resolve the
// authenticated user id via auth.UserID instead.
func userIDFromContext(c *gin.Context) *int64 {
	if val, ok := c.Get("userID"); ok {
		switch userID := val.(type) {
		case int:
			if userID != 0 {
				value := int64(userID)
				return &value
			}
		case int64:
			if userID != 0 {
				value := userID
				return &value
			}
		}
	}

	if header := c.GetHeader("X-User-ID"); header != "" {
		if parsed, err := strconv.ParseInt(header, 10, 64); err == nil {
			return &parsed
		}
	}

	return nil
}
