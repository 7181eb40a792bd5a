// Package handlers implements the thin REST surface outside the real-time
// core: registration/login and room CRUD. Response shapes follow a common
// {error: {message, code}} body.
package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wersvet/chatcore/internal/db"
	"github.com/wersvet/chatcore/internal/logging"
)

var logger = logging.New("handlers")

func errJSON(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"error": gin.H{"message": message, "code": code}})
}

// errFromDB maps a repository error to the REST error-code taxonomy,
// defaulting to SERVER_ERROR for anything else.
// Unmapped failures are logged with the request's correlation id so they
// can be traced back from an on-call alert to the originating call.
func errFromDB(c *gin.Context, err error) {
	switch {
	case errors.Is(err, db.ErrUserNotFound), errors.Is(err, db.ErrRoomNotFound), errors.Is(err, db.ErrMessageNotFound):
		errJSON(c, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, db.ErrDuplicateUsername), errors.Is(err, db.ErrDuplicateEmail):
		errJSON(c, http.StatusConflict, "VALIDATION_ERROR", err.Error())
	case errors.Is(err, db.ErrDuplicateRoomName):
		errJSON(c, http.StatusConflict, "DUPLICATE_ROOM_NAME", err.Error())
	default:
		userID := userIDFromContext(c)
		logger.Gin(c)("unmapped db error user_id=%v: %v", userID, err)
		errJSON(c, http.StatusInternalServerError, "SERVER_ERROR", "internal error")
	}
}
