package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/wersvet/chatcore/internal/auth"
	"github.com/wersvet/chatcore/internal/db"
)

// AuthHandler implements POST /auth/register and /auth/login.
type AuthHandler struct {
	users  db.UserRepository
	issuer *auth.Issuer
}

// NewAuthHandler builds an AuthHandler.
func NewAuthHandler(users db.UserRepository, issuer *auth.Issuer) *AuthHandler {
	return &AuthHandler{users: users, issuer: issuer}
}

type registerRequest struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required,min=8"`
}

type authResponse struct {
	User  userResponse `json:"user"`
	Token string       `json:"token"`
}

type userResponse struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

// Register creates a user and returns a signed token for it.
func (h *AuthHandler) Register(c *gin.Context) {
	var req registerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errJSON(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		errJSON(c, http.StatusInternalServerError, "SERVER_ERROR", "could not hash password")
		return
	}

	user, err := h.users.Create(c.Request.Context(), req.Username, req.Email, hash)
	if err != nil {
		errFromDB(c, err)
		return
	}

	token, err := h.issuer.Issue(user.ID, user.Username)
	if err != nil {
		errJSON(c, http.StatusInternalServerError, "SERVER_ERROR", "could not issue token")
		return
	}

	c.JSON(http.StatusCreated, authResponse{
		User:  userResponse{ID: user.ID, Username: user.Username, Email: user.Email},
		Token: token,
	})
}

type loginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Login verifies credentials and returns a signed token.
func (h *AuthHandler) Login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		errJSON(c, http.StatusBadRequest, "VALIDATION_ERROR", err.Error())
		return
	}

	user, err := h.users.GetByUsername(c.Request.Context(), req.Username)
	if err != nil {
		errJSON(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid username or password")
		return
	}
	if !auth.VerifyPassword(user.PasswordHash, req.Password) {
		errJSON(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid username or password")
		return
	}

	token, err := h.issuer.Issue(user.ID, user.Username)
	if err != nil {
		errJSON(c, http.StatusInternalServerError, "SERVER_ERROR", "could not issue token")
		return
	}

	c.JSON(http.StatusOK, authResponse{
		User:  userResponse{ID: user.ID, Username: user.Username, Email: user.Email},
		Token: token,
	})
}
