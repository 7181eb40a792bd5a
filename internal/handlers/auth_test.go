package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/wersvet/chatcore/internal/auth"
	"github.com/wersvet/chatcore/internal/mocks"
	"github.com/wersvet/chatcore/internal/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func postJSON(t *testing.T, handlerFunc gin.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	raw, err := json.Marshal(body)
	require.NoError(t, err)

	engine := gin.New()
	engine.POST(path, handlerFunc)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(raw))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, req)
	return rec
}

func TestAuthRegister_CreatesUserAndReturnsToken(t *testing.T) {
	users := &mocks.UserRepository{}
	issuer := auth.New("test-secret", time.Hour)
	h := NewAuthHandler(users, issuer)

	users.On("Create", mock.Anything, "alice", "alice@example.com", mock.AnythingOfType("string")).
		Return(models.User{ID: 1, Username: "alice", Email: "alice@example.com"}, nil)

	rec := postJSON(t, h.Register, "/auth/register", map[string]string{
		"username": "alice",
		"email":    "alice@example.com",
		"password": "password123",
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	var resp authResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "alice", resp.User.Username)
	assert.NotEmpty(t, resp.Token)
}

func TestAuthRegister_RejectsShortPassword(t *testing.T) {
	users := &mocks.UserRepository{}
	issuer := auth.New("test-secret", time.Hour)
	h := NewAuthHandler(users, issuer)

	rec := postJSON(t, h.Register, "/auth/register", map[string]string{
		"username": "alice",
		"email":    "alice@example.com",
		"password": "short",
	})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	users.AssertNotCalled(t, "Create")
}

func TestAuthLogin_WrongPasswordIsUnauthorized(t *testing.T) {
	users := &mocks.UserRepository{}
	issuer := auth.New("test-secret", time.Hour)
	h := NewAuthHandler(users, issuer)

	hash, err := auth.HashPassword("correct-password")
	require.NoError(t, err)
	users.On("GetByUsername", mock.Anything, "alice").
		Return(models.User{ID: 1, Username: "alice", PasswordHash: hash}, nil)

	rec := postJSON(t, h.Login, "/auth/login", map[string]string{
		"username": "alice",
		"password": "wrong-password",
	})

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestAuthLogin_CorrectPasswordReturnsToken(t *testing.T) {
	users := &mocks.UserRepository{}
	issuer := auth.New("test-secret", time.Hour)
	h := NewAuthHandler(users, issuer)

	hash, err := auth.HashPassword("correct-password")
	require.NoError(t, err)
	users.On("GetByUsername", mock.Anything, "alice").
		Return(models.User{ID: 1, Username: "alice", PasswordHash: hash}, nil)

	rec := postJSON(t, h.Login, "/auth/login", map[string]string{
		"username": "alice",
		"password": "correct-password",
	})

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp authResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.NotEmpty(t, resp.Token)
}
