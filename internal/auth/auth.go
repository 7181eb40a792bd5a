// Package auth handles password hashing and JWT issuance/verification,
// plus the gin middleware that resolves a token to a user and attaches it
// to the request/socket.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/wersvet/chatcore/internal/db"
)

// ErrInvalidToken covers every way a bearer token can fail verification.
var ErrInvalidToken = errors.New("invalid token")

// Claims is the JWT payload: subject is the user id as a string per the
// registered-claims convention.
type Claims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies tokens and hashes passwords.
type Issuer struct {
	secret   []byte
	lifetime time.Duration
}

// New builds an Issuer bound to a signing secret and token lifetime.
func New(secret string, lifetime time.Duration) *Issuer {
	return &Issuer{secret: []byte(secret), lifetime: lifetime}
}

// HashPassword bcrypt-hashes a plaintext password at the default cost.
func HashPassword(password string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(b), err
}

// VerifyPassword reports whether password matches hash.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// Issue signs a token for a user.
func (i *Issuer) Issue(userID int64, username string) (string, error) {
	now := time.Now()
	claims := Claims{
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatInt(userID, 10),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.lifetime)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(i.secret)
}

// Verify parses and validates a token, returning the user id it carries.
func (i *Issuer) Verify(tokenStr string) (int64, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		return i.secret, nil
	})
	if err != nil || !token.Valid {
		return 0, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok {
		return 0, ErrInvalidToken
	}
	userID, err := strconv.ParseInt(claims.Subject, 10, 64)
	if err != nil {
		return 0, ErrInvalidToken
	}
	return userID, nil
}

// bearerToken extracts the token from an Authorization header, tolerating a
// bare token (used by the websocket query-string fallback).
func bearerToken(header string) string {
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[len("Bearer "):])
	}
	return strings.TrimSpace(header)
}

// Middleware resolves the bearer token to a user and attaches userID/
// username to the gin context. Auth errors are surfaced with the standard
// error body and abort the request.
func Middleware(issuer *Issuer, users db.UserRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if header == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "missing bearer token", "code": "UNAUTHORIZED"}})
			return
		}
		userID, err := issuer.Verify(bearerToken(header))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "invalid token", "code": "UNAUTHORIZED"}})
			return
		}
		user, err := users.GetByID(c.Request.Context(), userID)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "user not found", "code": "UNAUTHORIZED"}})
			return
		}
		c.Set("userID", user.ID)
		c.Set("username", user.Username)
		c.Next()
	}
}

// ResolveSocketToken verifies a token presented on the websocket handshake
// (Authorization header or a ?token= query param) and loads the user it
// belongs to.
func ResolveSocketToken(ctx context.Context, issuer *Issuer, users db.UserRepository, header, queryToken string) (int64, string, error) {
	raw := header
	if raw == "" && queryToken != "" {
		raw = queryToken
	}
	if raw == "" {
		return 0, "", ErrInvalidToken
	}
	userID, err := issuer.Verify(bearerToken(raw))
	if err != nil {
		return 0, "", err
	}
	user, err := users.GetByID(ctx, userID)
	if err != nil {
		return 0, "", ErrInvalidToken
	}
	return user.ID, user.Username, nil
}

// UserID reads the authenticated user id set by Middleware.
func UserID(c *gin.Context) int64 {
	if v, ok := c.Get("userID"); ok {
		if id, ok2 := v.(int64); ok2 {
			return id
		}
	}
	return 0
}

// Username reads the authenticated username set by Middleware.
func Username(c *gin.Context) string {
	if v, ok := c.Get("username"); ok {
		if s, ok2 := v.(string); ok2 {
			return s
		}
	}
	return ""
}
