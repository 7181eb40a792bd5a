// Package router is the fan-out router: it owns per-connection dispatch of
// the wire protocol, turning socket events into presence updates,
// message-pipeline calls, and room-scoped broadcasts.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/wersvet/chatcore/internal/bus"
	"github.com/wersvet/chatcore/internal/config"
	"github.com/wersvet/chatcore/internal/db"
	"github.com/wersvet/chatcore/internal/logging"
	"github.com/wersvet/chatcore/internal/models"
	"github.com/wersvet/chatcore/internal/pipeline"
	"github.com/wersvet/chatcore/internal/presence"
	"github.com/wersvet/chatcore/internal/ws"
)

// defaultRecentLimit is the page size for the initial page served on join.
const defaultRecentLimit = 50

var logger = logging.New("router")

// Router implements ws.Dispatcher and presence.Emitter; it is the single
// place that turns socket events into KV/DB/bus calls and back.
type Router struct {
	hub         *ws.Hub
	presence    *presence.Engine
	pipeline    *pipeline.Pipeline
	rooms       db.RoomRepository
	memberships db.MembershipRepository
	userRepo    db.UserRepository
	bus         bus.Bus
	cfg         config.Config
}

// New builds a Router.
func New(hub *ws.Hub, presenceEngine *presence.Engine, pipe *pipeline.Pipeline, rooms db.RoomRepository, memberships db.MembershipRepository, users db.UserRepository, busAdapter bus.Bus, cfg config.Config) *Router {
	return &Router{
		hub:         hub,
		presence:    presenceEngine,
		pipeline:    pipe,
		rooms:       rooms,
		memberships: memberships,
		userRepo:    users,
		bus:         busAdapter,
		cfg:         cfg,
	}
}

// Run starts the cluster-wide delivery loop: every event published to the
// bus, by any node, is delivered to this node's locally-joined sockets.
// It blocks until ctx is cancelled.
func (r *Router) Run(ctx context.Context) error {
	deliveries, err := r.bus.Consume(ctx)
	if err != nil {
		return err
	}
	go func() {
		for d := range deliveries {
			r.hub.BroadcastRaw(d.RoomID, d.Body, d.ExcludeConnID)
		}
	}()
	return nil
}

// emit publishes a room-scoped event cluster-wide. Failures are logged and
// swallowed: the router never retries a broadcast.
func (r *Router) emit(ctx context.Context, roomID int64, event models.ServerEvent) {
	if err := r.bus.Publish(ctx, roomID, event, ""); err != nil {
		logger.Printf("publish room=%d event=%s: %v", roomID, event.Event, err)
	}
}

// emitExcluding is emit, but the named connection is skipped when the
// event loops back to this node (used for typing indicators).
func (r *Router) emitExcluding(ctx context.Context, roomID int64, event models.ServerEvent, excludeConnID string) {
	if err := r.bus.Publish(ctx, roomID, event, excludeConnID); err != nil {
		logger.Printf("publish room=%d event=%s: %v", roomID, event.Event, err)
	}
}

// EmitUserDisconnected implements presence.Emitter for the reaper.
func (r *Router) EmitUserDisconnected(ctx context.Context, roomID int64, snapshot []models.Presence) {
	r.emit(ctx, roomID, models.ServerEvent{
		Event: models.EventRoomUpdate,
		Data: models.RoomUpdatePayload{
			Type:      models.RoomUpdateUserDisconnected,
			RoomID:    roomID,
			Presences: snapshot,
		},
	})
}

// --- ws.Dispatcher ---------------------------------------------------------

// HandleConnect marks the user online using their DB-authoritative active
// rooms and notifies each such room.
func (r *Router) HandleConnect(ctx context.Context, conn *websocket.Conn, info ws.ConnInfo) {
	rooms, err := r.memberships.ActiveRoomIDs(ctx, info.UserID)
	if err != nil {
		logger.Printf("connect active rooms user=%d conn=%s: %v", info.UserID, info.ConnID, err)
		return
	}
	if err := r.presence.MarkOnline(ctx, info.UserID, info.Username, rooms); err != nil {
		logger.Printf("connect mark online user=%d conn=%s: %v", info.UserID, info.ConnID, err)
		return
	}
	if err := r.presence.SetSession(ctx, info.UserID, info.ConnID); err != nil {
		logger.Printf("connect set session user=%d conn=%s: %v", info.UserID, info.ConnID, err)
	}
	for _, roomID := range rooms {
		snapshot, err := r.presence.Snapshot(ctx, roomID)
		if err != nil {
			logger.Printf("connect snapshot room=%d: %v", roomID, err)
			continue
		}
		r.emit(ctx, roomID, models.ServerEvent{
			Event: models.EventRoomUpdate,
			Data: models.RoomUpdatePayload{
				Type:      models.RoomUpdateUserConnected,
				RoomID:    roomID,
				Presences: snapshot,
			},
		})
	}
}

// HandleDisconnect marks the user offline and notifies their previous
// rooms. It only emits if this call actually performed the online-set
// removal, so a socket dropping at the same moment the reaper reaps it
// produces at most one broadcast.
func (r *Router) HandleDisconnect(ctx context.Context, conn *websocket.Conn, info ws.ConnInfo) {
	if info.UserID == 0 {
		return
	}
	if err := r.presence.ClearSession(ctx, info.UserID); err != nil {
		logger.Printf("disconnect clear session user=%d conn=%s: %v", info.UserID, info.ConnID, err)
	}
	removed, prevRooms, err := r.presence.MarkOffline(ctx, info.UserID)
	if err != nil {
		logger.Printf("disconnect mark offline user=%d conn=%s: %v", info.UserID, info.ConnID, err)
		return
	}
	if !removed {
		return
	}
	for _, roomID := range prevRooms {
		snapshot, err := r.presence.Snapshot(ctx, roomID)
		if err != nil {
			logger.Printf("disconnect snapshot room=%d: %v", roomID, err)
			continue
		}
		r.emit(ctx, roomID, models.ServerEvent{
			Event: models.EventRoomUpdate,
			Data: models.RoomUpdatePayload{
				Type:      models.RoomUpdateUserDisconnected,
				RoomID:    roomID,
				Presences: snapshot,
			},
		})
	}
}

// HandleEvent decodes and dispatches one client event. Any error is caught
// here, logged with correlation ids, and surfaced as a single error reply
// to the originating socket; it never cascades into a broadcast.
func (r *Router) HandleEvent(ctx context.Context, conn *websocket.Conn, info ws.ConnInfo, event models.ClientEvent) {
	ctx, span := otel.Tracer("chatcore/router").Start(ctx, "ws.dispatch."+event.Event,
		trace.WithAttributes(
			attribute.String("ws.event", event.Event),
			attribute.Int64("ws.conn.user_id", info.UserID),
		))
	defer span.End()

	var err error
	switch event.Event {
	case models.EventJoinRoom:
		err = r.joinRoom(ctx, conn, info, event.Data)
	case models.EventLeaveRoom:
		err = r.leaveRoom(ctx, conn, info, event.Data)
	case models.EventSendMessage:
		err = r.sendMessage(ctx, conn, info, event.Data)
	case models.EventLoadMoreMessages:
		err = r.loadMoreMessages(ctx, conn, info, event.Data)
	case models.EventTypingStart:
		err = r.typing(ctx, conn, info, event.Data, true)
	case models.EventTypingStop:
		err = r.typing(ctx, conn, info, event.Data, false)
	case models.EventHeartbeat:
		err = r.heartbeat(ctx, conn, info)
	case models.EventGetRoomPresences:
		err = r.getRoomPresences(ctx, conn, info, event.Data)
	case models.EventGetMyRooms:
		err = r.getMyRooms(ctx, conn, info)
	default:
		err = errValidation("unknown event: " + event.Event)
	}

	if err != nil {
		span.RecordError(err)
		logger.WithCorrelation(info.RequestID)("handler error conn=%s user=%d event=%s: %v", info.ConnID, info.UserID, event.Event, err)
		r.hub.Send(conn, models.ServerEvent{
			Event: models.EventError,
			Data:  errorPayload(err),
		})
	}
}

// --- typed handlers ---------------------------------------------------------

func (r *Router) joinRoom(ctx context.Context, conn *websocket.Conn, info ws.ConnInfo, raw json.RawMessage) error {
	var payload models.JoinRoomPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errValidation("malformed join_room payload")
	}

	room, err := r.rooms.GetByID(ctx, payload.RoomID)
	if err != nil {
		return mapDBError(err)
	}

	if !payload.AlreadyJoined {
		active, err := r.memberships.IsActiveMember(ctx, info.UserID, payload.RoomID)
		if err != nil {
			return err
		}
		if !active {
			if room.IsPrivate {
				return errCode("PASSCODE_REQUIRED", "room requires a passcode; join via the REST join endpoint first")
			}
			if _, err := r.memberships.Join(ctx, info.UserID, payload.RoomID); err != nil {
				return err
			}
		}
	}

	r.hub.Join(conn, payload.RoomID)

	activeRooms, err := r.memberships.ActiveRoomIDs(ctx, info.UserID)
	if err != nil {
		return err
	}
	if err := r.presence.JoinRoom(ctx, info.UserID, info.Username, payload.RoomID, activeRooms); err != nil {
		return err
	}

	go r.pipeline.Preload(context.Background(), payload.RoomID)

	if !payload.AlreadyJoined {
		systemContent := info.Username + " joined the room"
		if _, err := r.pipeline.Create(ctx, payload.RoomID, nil, systemContent, models.MessageKindSystem); err != nil {
			logger.Printf("join system message room=%d: %v", payload.RoomID, err)
		}
	}

	snapshot, err := r.presence.Snapshot(ctx, payload.RoomID)
	if err != nil {
		return err
	}

	r.hub.Send(conn, models.ServerEvent{
		Event: models.EventRoomJoined,
		Data:  models.RoomJoinedPayload{RoomID: payload.RoomID, Presences: snapshot},
	})

	messages, err := r.pipeline.Recent(ctx, payload.RoomID, defaultRecentLimit)
	if err != nil {
		return err
	}
	hasMore := len(messages) >= defaultRecentLimit
	var nextCursor *int64
	if hasMore && len(messages) > 0 {
		cursor := messages[0].ID
		nextCursor = &cursor
	}
	r.hub.Send(conn, models.ServerEvent{
		Event: models.EventRecentMessages,
		Data: models.RecentMessagesPayload{
			RoomID:     payload.RoomID,
			Messages:   messages,
			HasMore:    hasMore,
			NextCursor: nextCursor,
		},
	})

	if !payload.AlreadyJoined {
		r.emit(ctx, payload.RoomID, models.ServerEvent{
			Event: models.EventRoomUpdate,
			Data: models.RoomUpdatePayload{
				Type:      models.RoomUpdateUserJoined,
				RoomID:    payload.RoomID,
				Presences: snapshot,
			},
		})
	}
	return nil
}

func (r *Router) leaveRoom(ctx context.Context, conn *websocket.Conn, info ws.ConnInfo, raw json.RawMessage) error {
	var payload models.LeaveRoomPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errValidation("malformed leave_room payload")
	}

	r.hub.Leave(conn, payload.RoomID)

	if err := r.memberships.Leave(ctx, info.UserID, payload.RoomID); err != nil {
		return err
	}

	activeRooms, err := r.memberships.ActiveRoomIDs(ctx, info.UserID)
	if err != nil {
		return err
	}
	if err := r.presence.LeaveRoom(ctx, info.UserID, info.Username, payload.RoomID, activeRooms); err != nil {
		return err
	}

	if r.cfg.CachePurgeOnLeave {
		if err := r.pipeline.PurgeAuthor(ctx, payload.RoomID, info.UserID); err != nil {
			logger.Printf("purge author cache room=%d user=%d: %v", payload.RoomID, info.UserID, err)
		}
	}

	systemContent := info.Username + " left the room"
	if _, err := r.pipeline.Create(ctx, payload.RoomID, nil, systemContent, models.MessageKindSystem); err != nil {
		logger.Printf("leave system message room=%d: %v", payload.RoomID, err)
	}

	r.hub.Send(conn, models.ServerEvent{
		Event: models.EventRoomLeft,
		Data:  models.RoomLeftPayload{RoomID: payload.RoomID},
	})

	snapshot, err := r.presence.Snapshot(ctx, payload.RoomID)
	if err != nil {
		return err
	}
	r.emit(ctx, payload.RoomID, models.ServerEvent{
		Event: models.EventRoomUpdate,
		Data: models.RoomUpdatePayload{
			Type:      models.RoomUpdateUserLeft,
			RoomID:    payload.RoomID,
			Presences: snapshot,
		},
	})
	return nil
}

func (r *Router) sendMessage(ctx context.Context, conn *websocket.Conn, info ws.ConnInfo, raw json.RawMessage) error {
	var payload models.SendMessagePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errValidation("malformed send_message payload")
	}
	if strings.TrimSpace(payload.Content) == "" {
		return errValidation("message content cannot be empty")
	}

	wasOffline, activeRooms, err := r.presence.BumpActivity(ctx, info.UserID, info.Username)
	if err != nil {
		return err
	}
	if wasOffline {
		r.notifyRehydration(ctx, activeRooms)
	}

	userID := info.UserID
	if _, err := r.pipeline.Create(ctx, payload.RoomID, &userID, payload.Content, models.MessageKindText); err != nil {
		return err
	}
	return nil
}

func (r *Router) loadMoreMessages(ctx context.Context, conn *websocket.Conn, info ws.ConnInfo, raw json.RawMessage) error {
	var payload models.LoadMoreMessagesPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errValidation("malformed load_more_messages payload")
	}
	if payload.Before == nil {
		return errValidation("before is required")
	}
	limit := payload.Limit
	if limit <= 0 {
		limit = defaultRecentLimit
	}

	messages, hasMore, nextCursor, err := r.pipeline.Older(ctx, payload.RoomID, limit, *payload.Before)
	if err != nil {
		return err
	}
	r.hub.Send(conn, models.ServerEvent{
		Event: models.EventMoreMessagesLoad,
		Data: models.MoreMessagesLoadedPayload{
			RoomID:     payload.RoomID,
			Messages:   messages,
			HasMore:    hasMore,
			NextCursor: nextCursor,
		},
	})
	return nil
}

func (r *Router) typing(ctx context.Context, conn *websocket.Conn, info ws.ConnInfo, raw json.RawMessage, isTyping bool) error {
	var payload models.TypingPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errValidation("malformed typing payload")
	}

	if isTyping {
		wasOffline, activeRooms, err := r.presence.BumpActivity(ctx, info.UserID, info.Username)
		if err != nil {
			return err
		}
		if wasOffline {
			r.notifyRehydration(ctx, activeRooms)
		}
	}

	r.emitExcluding(ctx, payload.RoomID, models.ServerEvent{
		Event: models.EventUserTyping,
		Data: models.UserTypingPayload{
			UserID:   info.UserID,
			Username: info.Username,
			RoomID:   payload.RoomID,
			IsTyping: isTyping,
		},
	}, info.ConnID)
	return nil
}

func (r *Router) heartbeat(ctx context.Context, conn *websocket.Conn, info ws.ConnInfo) error {
	wasOffline, activeRooms, err := r.presence.BumpActivity(ctx, info.UserID, info.Username)
	if err != nil {
		return err
	}
	if wasOffline {
		r.notifyRehydration(ctx, activeRooms)
	}
	r.hub.Send(conn, models.ServerEvent{
		Event: models.EventHeartbeatAck,
		Data:  models.HeartbeatAckPayload{},
	})
	return nil
}

func (r *Router) getRoomPresences(ctx context.Context, conn *websocket.Conn, info ws.ConnInfo, raw json.RawMessage) error {
	var payload models.GetRoomPresencesPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return errValidation("malformed get_room_presences payload")
	}
	snapshot, err := r.presence.Snapshot(ctx, payload.RoomID)
	if err != nil {
		return err
	}
	r.hub.Send(conn, models.ServerEvent{
		Event: models.EventRoomPresences,
		Data:  models.RoomPresencesPayload{RoomID: payload.RoomID, Presences: snapshot},
	})
	return nil
}

func (r *Router) getMyRooms(ctx context.Context, conn *websocket.Conn, info ws.ConnInfo) error {
	rooms, err := r.rooms.ListForUser(ctx, info.UserID)
	if err != nil {
		return err
	}
	r.hub.Send(conn, models.ServerEvent{
		Event: models.EventMyRooms,
		Data:  models.MyRoomsPayload{Rooms: rooms},
	})
	return nil
}

// notifyRehydration emits user_connected for every room a user was just
// rehydrated into on the idle->active path.
func (r *Router) notifyRehydration(ctx context.Context, rooms []int64) {
	for _, roomID := range rooms {
		snapshot, err := r.presence.Snapshot(ctx, roomID)
		if err != nil {
			logger.Printf("rehydration snapshot room=%d: %v", roomID, err)
			continue
		}
		r.emit(ctx, roomID, models.ServerEvent{
			Event: models.EventRoomUpdate,
			Data: models.RoomUpdatePayload{
				Type:      models.RoomUpdateUserConnected,
				RoomID:    roomID,
				Presences: snapshot,
			},
		})
	}
}

// --- error taxonomy ---------------------------------------------------------

type codedError struct {
	code    string
	message string
}

func (e *codedError) Error() string { return e.message }

func errValidation(message string) error { return &codedError{code: "VALIDATION_ERROR", message: message} }
func errCode(code, message string) error { return &codedError{code: code, message: message} }

func errorPayload(err error) models.ErrorPayload {
	var ce *codedError
	if errors.As(err, &ce) {
		return models.ErrorPayload{Message: ce.message, Code: ce.code}
	}
	return models.ErrorPayload{Message: "internal error", Code: "SERVER_ERROR"}
}

func mapDBError(err error) error {
	switch {
	case errors.Is(err, db.ErrRoomNotFound):
		return errCode("NOT_FOUND", "room not found")
	case errors.Is(err, db.ErrUserNotFound):
		return errCode("NOT_FOUND", "user not found")
	case errors.Is(err, db.ErrMessageNotFound):
		return errCode("NOT_FOUND", "message not found")
	default:
		return err
	}
}
