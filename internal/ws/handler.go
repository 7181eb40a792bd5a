package ws

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"github.com/wersvet/chatcore/internal/auth"
	"github.com/wersvet/chatcore/internal/db"
	"github.com/wersvet/chatcore/internal/models"
	"github.com/wersvet/chatcore/internal/observability"
)

// Dispatcher is the Fan-out Router's socket-facing contract. ws depends on
// it rather than the router package directly so the two packages don't
// import each other.
type Dispatcher interface {
	HandleConnect(ctx context.Context, conn *websocket.Conn, info ConnInfo)
	HandleEvent(ctx context.Context, conn *websocket.Conn, info ConnInfo, event models.ClientEvent)
	HandleDisconnect(ctx context.Context, conn *websocket.Conn, info ConnInfo)
}

// Handler upgrades authenticated HTTP requests to websocket connections and
// runs each connection's read loop.
type Handler struct {
	hub        *Hub
	issuer     *auth.Issuer
	users      db.UserRepository
	dispatcher Dispatcher
}

// NewHandler builds a socket Handler.
func NewHandler(hub *Hub, issuer *auth.Issuer, users db.UserRepository, dispatcher Dispatcher) *Handler {
	return &Handler{hub: hub, issuer: issuer, users: users, dispatcher: dispatcher}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handle is the gin route handler for the single websocket endpoint. Room
// membership is negotiated entirely over the socket via join_room/
// leave_room events.
func (h *Handler) Handle(c *gin.Context) {
	ctx, span := otel.Tracer("chatcore/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()

	header := c.GetHeader("Authorization")
	queryToken := c.Query("token")
	userID, username, err := auth.ResolveSocketToken(ctx, h.issuer, h.users, header, queryToken)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": gin.H{"message": "invalid token", "code": "UNAUTHORIZED"}})
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}

	traceID := span.SpanContext().TraceID().String()
	requestID := observability.RequestIDFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		Username:    username,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
	h.hub.Register(conn, info)
	observability.IncWSActive("chat")
	observability.IncWSEvent("chat", "ws_connect")

	connCtx := context.Background()
	h.dispatcher.HandleConnect(connCtx, conn, info)

	go h.readLoop(connCtx, conn, info)
}

// readLoop serializes every inbound frame for a connection onto a single
// goroutine, satisfying the socket library's one-handler-at-a-time
// contract, and decodes+dispatches each one with a bounded deadline.
func (h *Handler) readLoop(ctx context.Context, conn *websocket.Conn, info ConnInfo) {
	defer func() {
		info, _ := h.hub.Info(conn)
		h.hub.Unregister(conn)
		observability.DecWSActive("chat")
		observability.IncWSEvent("chat", "ws_disconnect")
		h.dispatcher.HandleDisconnect(ctx, conn, info)
		conn.Close()
	}()

	for {
		_, body, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("chat", "ws_error")
			}
			return
		}

		var event models.ClientEvent
		if err := decodeEvent(body, &event); err != nil {
			h.hub.Send(conn, models.ServerEvent{
				Event: models.EventError,
				Data:  models.ErrorPayload{Message: "malformed event", Code: "VALIDATION_ERROR"},
			})
			continue
		}

		eventCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		h.dispatchSafely(eventCtx, conn, info, event)
		cancel()
	}
}

// dispatchSafely recovers a panic from a single event's dispatch, the way
// gin.Recovery() scopes a panic to one HTTP request instead of crashing the
// process. The connection's read loop keeps running and the client gets a
// wire error reply instead of silently losing the connection.
func (h *Handler) dispatchSafely(ctx context.Context, conn *websocket.Conn, info ConnInfo, event models.ClientEvent) {
	defer func() {
		if r := recover(); r != nil {
			observability.IncWSEvent("chat", "ws_panic")
			h.hub.Send(conn, models.ServerEvent{
				Event: models.EventError,
				Data:  models.ErrorPayload{Message: "internal error", Code: "SERVER_ERROR"},
			})
		}
	}()
	h.dispatcher.HandleEvent(ctx, conn, info, event)
}
