// Package ws owns the local, per-node side of the socket layer: the set of
// live connections, which rooms each one has joined, and writing frames to
// them. Cross-node fan-out is the Bus Adapter's job (internal/bus); the Hub
// only ever delivers to sockets attached to this process.
package ws

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/wersvet/chatcore/internal/logging"
	"github.com/wersvet/chatcore/internal/models"
)

var logger = logging.New("ws")

// Hub tracks, per room, the set of local connections that have joined it.
// A connection does not join a room bucket on connect, only when the
// client sends join_room for that room; presence reflects membership
// regardless of socket-level join.
type Hub struct {
	mu    sync.RWMutex
	rooms map[int64]map[*websocket.Conn]struct{}
	conns map[*websocket.Conn]map[int64]struct{}
	info  map[*websocket.Conn]ConnInfo
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		rooms: make(map[int64]map[*websocket.Conn]struct{}),
		conns: make(map[*websocket.Conn]map[int64]struct{}),
		info:  make(map[*websocket.Conn]ConnInfo),
	}
}

// Register records a newly-upgraded connection before it joins any room.
func (h *Hub) Register(conn *websocket.Conn, info ConnInfo) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[conn] = make(map[int64]struct{})
	h.info[conn] = info
}

// Unregister removes a connection from every room it had joined and drops
// its bookkeeping, returning the room ids it was in.
func (h *Hub) Unregister(conn *websocket.Conn) []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	rooms := h.conns[conn]
	roomIDs := make([]int64, 0, len(rooms))
	for roomID := range rooms {
		roomIDs = append(roomIDs, roomID)
		if conns, ok := h.rooms[roomID]; ok {
			delete(conns, conn)
			if len(conns) == 0 {
				delete(h.rooms, roomID)
			}
		}
	}
	delete(h.conns, conn)
	delete(h.info, conn)
	return roomIDs
}

// Join adds a connection to a room's local bucket.
func (h *Hub) Join(conn *websocket.Conn, roomID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[roomID]; !ok {
		h.rooms[roomID] = make(map[*websocket.Conn]struct{})
	}
	h.rooms[roomID][conn] = struct{}{}
	if rooms, ok := h.conns[conn]; ok {
		rooms[roomID] = struct{}{}
	}
}

// Leave removes a connection from a room's local bucket.
func (h *Hub) Leave(conn *websocket.Conn, roomID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if conns, ok := h.rooms[roomID]; ok {
		delete(conns, conn)
		if len(conns) == 0 {
			delete(h.rooms, roomID)
		}
	}
	if rooms, ok := h.conns[conn]; ok {
		delete(rooms, roomID)
	}
}

// HasJoined reports whether a connection has already joined a room.
func (h *Hub) HasJoined(conn *websocket.Conn, roomID int64) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	rooms, ok := h.conns[conn]
	if !ok {
		return false
	}
	_, joined := rooms[roomID]
	return joined
}

// Info returns the ConnInfo registered for a connection.
func (h *Hub) Info(conn *websocket.Conn) (ConnInfo, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	info, ok := h.info[conn]
	return info, ok
}

// Send writes a single server event to one connection.
func (h *Hub) Send(conn *websocket.Conn, event models.ServerEvent) {
	body, err := json.Marshal(event)
	if err != nil {
		logger.Printf("marshal event=%s: %v", event.Event, err)
		return
	}
	if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
		logger.Printf("write to conn failed: %v", err)
	}
}

// Broadcast writes a server event to every connection locally joined to a
// room, excluding any connection ids in skip. A write failure drops that
// connection from the room but does not fail the rest of the fan-out.
func (h *Hub) Broadcast(roomID int64, event models.ServerEvent, skip ...*websocket.Conn) {
	body, err := json.Marshal(event)
	if err != nil {
		logger.Printf("marshal event=%s: %v", event.Event, err)
		return
	}

	h.mu.RLock()
	targets := make([]*websocket.Conn, 0, len(h.rooms[roomID]))
	for conn := range h.rooms[roomID] {
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	skipSet := make(map[*websocket.Conn]struct{}, len(skip))
	for _, s := range skip {
		skipSet[s] = struct{}{}
	}

	var failed []*websocket.Conn
	for _, conn := range targets {
		if _, excluded := skipSet[conn]; excluded {
			continue
		}
		if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
			logger.Printf("broadcast write room=%d failed: %v", roomID, err)
			failed = append(failed, conn)
		}
	}
	for _, conn := range failed {
		h.Leave(conn, roomID)
	}
}

// BroadcastRaw delivers an already-serialized event (as received off the
// bus) to every local connection joined to a room, skipping the connection
// whose ConnID equals excludeConnID, if any.
func (h *Hub) BroadcastRaw(roomID int64, body []byte, excludeConnID string) {
	h.mu.RLock()
	targets := make([]*websocket.Conn, 0, len(h.rooms[roomID]))
	for conn := range h.rooms[roomID] {
		if excludeConnID != "" {
			if info, ok := h.info[conn]; ok && info.ConnID == excludeConnID {
				continue
			}
		}
		targets = append(targets, conn)
	}
	h.mu.RUnlock()

	var failed []*websocket.Conn
	for _, conn := range targets {
		if err := conn.WriteMessage(websocket.TextMessage, body); err != nil {
			logger.Printf("broadcast raw write room=%d failed: %v", roomID, err)
			failed = append(failed, conn)
		}
	}
	for _, conn := range failed {
		h.Leave(conn, roomID)
	}
}
