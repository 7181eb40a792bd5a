// Package server wires the gin engine: REST routes, the websocket upgrade
// route, and the middleware stack.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/wersvet/chatcore/internal/auth"
	"github.com/wersvet/chatcore/internal/db"
	"github.com/wersvet/chatcore/internal/handlers"
	"github.com/wersvet/chatcore/internal/observability"
	"github.com/wersvet/chatcore/internal/ws"
)

// requestTimeout bounds every handler's DB/KV calls the same way the
// per-event dispatch timeout bounds websocket handling.
const requestTimeout = 5 * time.Second

// requestTimeoutMiddleware replaces the request context with one that
// cancels after requestTimeout, so a slow repository call surfaces as a
// cancelled context instead of hanging the connection indefinitely.
func requestTimeoutMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), requestTimeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// Server wraps the gin engine and the underlying http.Server so the caller
// can drive a graceful shutdown.
type Server struct {
	engine *gin.Engine
	http   *http.Server
}

// New builds the full route table.
func New(addr string, issuer *auth.Issuer, users db.UserRepository, rooms db.RoomRepository, memberships db.MembershipRepository, wsHandler *ws.Handler, debugEnabled bool) *Server {
	engine := gin.New()
	engine.Use(gin.Recovery(), otelgin.Middleware("chatcore"), observability.HTTPMetricsMiddleware(), requestTimeoutMiddleware())

	authHandler := handlers.NewAuthHandler(users, issuer)
	roomHandler := handlers.NewRoomHandler(rooms, memberships)
	authMiddleware := auth.Middleware(issuer, users)

	engine.POST("/auth/register", authHandler.Register)
	engine.POST("/auth/login", authHandler.Login)

	engine.GET("/rooms/public", authMiddleware, roomHandler.ListPublic)
	engine.GET("/rooms/my-rooms", authMiddleware, roomHandler.ListMyRooms)
	engine.POST("/rooms/create", authMiddleware, roomHandler.Create)
	engine.POST("/rooms/join", authMiddleware, roomHandler.Join)
	engine.POST("/rooms/:room_id/leave", authMiddleware, roomHandler.Leave)

	engine.GET("/ws", wsHandler.Handle)

	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))
	engine.GET("/healthz", func(c *gin.Context) { c.Status(http.StatusOK) })

	if debugEnabled {
		engine.GET("/debug/routes", func(c *gin.Context) { c.JSON(http.StatusOK, engine.Routes()) })
	}

	return &Server{
		engine: engine,
		http:   &http.Server{Addr: addr, Handler: engine},
	}
}

// Run starts serving until the process is asked to stop. It never returns
// nil; http.ErrServerClosed from a graceful Shutdown is swallowed.
func (s *Server) Run() error {
	if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown stops accepting new connections and drains in-flight requests
// within the grace period.
func (s *Server) Shutdown(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	return s.http.Shutdown(ctx)
}
