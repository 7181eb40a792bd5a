package handlers

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/wersvet/chatcore/internal/auth"
	"github.com/wersvet/chatcore/internal/db"
	"github.com/wersvet/chatcore/internal/models"
)

// RoomHandler implements room CRUD and the join/leave REST flow that backs
// the router's join_room handling.
type RoomHandler struct {
	rooms       db.RoomRepository
	memberships db.MembershipRepository
}

// NewRoomHandler builds a RoomHandler.
func NewRoomHandler(rooms db.RoomRepository, memberships db.MembershipRepository) *RoomHandler {
	return &RoomHandler{rooms: rooms, memberships: memberships}
}

type roomResponse struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	IsPrivate   bool   `json:"is_private"`
	CreatorID   int64  `json:"creator_id"`
}

func toRoomResponse(r models.Room) roomResponse {
	return roomResponse{ID: r.ID, Name: r.Name, Description: r.Description, IsPrivate: r.IsPrivate, CreatorID: r.CreatorID}
}

// ListPublic returns every non-private room.
func (h *RoomHandler) ListPublic(c *gin.Context) {
	rooms, err := h.rooms.ListPublic(c.Request.Context())
	if err != nil {
		errFromDB(c, err)
		return
	}
	resp := make([]roomResponse, 0, len(rooms))
	for _, r := range rooms {
		resp = append(resp, toRoomResponse(r))
	}
	c.JSON(http.StatusOK, gin.H{"rooms": resp})
}

// ListMyRooms returns rooms the caller has an active membership in.
func (h *RoomHandler) ListMyRooms(c *gin.Context) {
	userID := auth.UserID(c)
	rooms, err := h.rooms.ListForUser(c.Request.Context(), userID)
	if err != nil {
		errFromDB(c, err)
		return
	}
	resp := make([]roomResponse, 0, len(rooms))
	for _, r := range rooms {
		resp = append(resp, toRoomResponse(r))
	}
	c.JSON(http.StatusOK, gin.H{"rooms": resp})
}

type createRoomRequest struct {
	Name        string `json:"name" binding:"required"`
	Description string `json:"description"`
	IsPrivate   bool   `json:"is_private"`
	Passcode    string `json:"passcode"`
}

// Create makes a new room. Private rooms must carry a passcode, which is
// hashed before storage — never the plaintext.
func (h *RoomHandler) Create(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errJSON(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}
	if req.IsPrivate && req.Passcode == "" {
		errJSON(c, http.StatusBadRequest, "PASSCODE_REQUIRED", "private rooms require a passcode")
		return
	}

	var hash *string
	if req.IsPrivate {
		h, err := auth.HashPassword(req.Passcode)
		if err != nil {
			errJSON(c, http.StatusInternalServerError, "SERVER_ERROR", "could not hash passcode")
			return
		}
		hash = &h
	}

	userID := auth.UserID(c)
	room, err := h.rooms.Create(c.Request.Context(), req.Name, req.Description, req.IsPrivate, hash, userID)
	if err != nil {
		errFromDB(c, err)
		return
	}

	if _, err := h.memberships.Join(c.Request.Context(), userID, room.ID); err != nil {
		errFromDB(c, err)
		return
	}

	c.JSON(http.StatusCreated, toRoomResponse(room))
}

type joinRoomRequest struct {
	RoomID   int64  `json:"room_id" binding:"required"`
	Passcode string `json:"passcode"`
}

// Join validates a room's passcode (if private) and creates/reactivates
// the caller's membership. The actual room_joined/system-message flow
// happens when the client follows up with a join_room socket event.
func (h *RoomHandler) Join(c *gin.Context) {
	var req joinRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errJSON(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	room, err := h.rooms.GetByID(c.Request.Context(), req.RoomID)
	if err != nil {
		errFromDB(c, err)
		return
	}

	if room.IsPrivate {
		if req.Passcode == "" {
			errJSON(c, http.StatusBadRequest, "PASSCODE_REQUIRED", "this room requires a passcode")
			return
		}
		if room.PasswordHash == nil || !auth.VerifyPassword(*room.PasswordHash, req.Passcode) {
			errJSON(c, http.StatusForbidden, "INVALID_PASSCODE", "incorrect passcode")
			return
		}
	}

	userID := auth.UserID(c)
	if _, err := h.memberships.Join(c.Request.Context(), userID, room.ID); err != nil {
		errFromDB(c, err)
		return
	}

	c.JSON(http.StatusOK, toRoomResponse(room))
}

// Leave soft-deletes the caller's membership.
func (h *RoomHandler) Leave(c *gin.Context) {
	roomID, err := strconv.ParseInt(c.Param("room_id"), 10, 64)
	if err != nil {
		errJSON(c, http.StatusBadRequest, "VALIDATION_ERROR", "invalid room id")
		return
	}

	userID := auth.UserID(c)
	if err := h.memberships.Leave(c.Request.Context(), userID, roomID); err != nil {
		errFromDB(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
