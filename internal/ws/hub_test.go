package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wersvet/chatcore/internal/models"
)

// newConnPair upgrades a real httptest server connection so Hub methods can
// exercise conn.WriteMessage the same way they do in production.
func newConnPair(t *testing.T) (server *websocket.Conn, client *websocket.Conn) {
	t.Helper()
	upgrader := websocket.Upgrader{}
	serverConnCh := make(chan *websocket.Conn, 1)

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		serverConnCh <- c
	}))
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http")
	clientConn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { clientConn.Close() })

	serverConn := <-serverConnCh
	t.Cleanup(func() { serverConn.Close() })
	return serverConn, clientConn
}

func readEvent(t *testing.T, conn *websocket.Conn) models.ServerEvent {
	t.Helper()
	_, body, err := conn.ReadMessage()
	require.NoError(t, err)
	var event models.ServerEvent
	require.NoError(t, json.Unmarshal(body, &event))
	return event
}

func TestHub_RegisterJoinSend(t *testing.T) {
	server, client := newConnPair(t)
	hub := NewHub()

	info := ConnInfo{ConnID: "c1", UserID: 1, Username: "alice"}
	hub.Register(server, info)
	hub.Join(server, 100)

	assert.True(t, hub.HasJoined(server, 100))
	got, ok := hub.Info(server)
	require.True(t, ok)
	assert.Equal(t, info, got)

	hub.Send(server, models.ServerEvent{Event: models.EventHeartbeatAck, Data: models.HeartbeatAckPayload{}})
	event := readEvent(t, client)
	assert.Equal(t, models.EventHeartbeatAck, event.Event)
}

func TestHub_LeaveRemovesFromRoomBucket(t *testing.T) {
	server, _ := newConnPair(t)
	hub := NewHub()

	hub.Register(server, ConnInfo{ConnID: "c1", UserID: 1})
	hub.Join(server, 100)
	require.True(t, hub.HasJoined(server, 100))

	hub.Leave(server, 100)
	assert.False(t, hub.HasJoined(server, 100))
}

func TestHub_UnregisterReturnsJoinedRoomsAndClearsState(t *testing.T) {
	server, _ := newConnPair(t)
	hub := NewHub()

	hub.Register(server, ConnInfo{ConnID: "c1", UserID: 1})
	hub.Join(server, 100)
	hub.Join(server, 200)

	rooms := hub.Unregister(server)
	assert.ElementsMatch(t, []int64{100, 200}, rooms)

	_, ok := hub.Info(server)
	assert.False(t, ok)
	assert.False(t, hub.HasJoined(server, 100))
}

func TestHub_BroadcastReachesAllJoinedExceptSkipped(t *testing.T) {
	serverA, clientA := newConnPair(t)
	serverB, clientB := newConnPair(t)
	hub := NewHub()

	hub.Register(serverA, ConnInfo{ConnID: "a", UserID: 1})
	hub.Register(serverB, ConnInfo{ConnID: "b", UserID: 2})
	hub.Join(serverA, 100)
	hub.Join(serverB, 100)

	hub.Broadcast(100, models.ServerEvent{Event: models.EventRoomJoined, Data: models.RoomJoinedPayload{RoomID: 100}}, serverA)

	event := readEvent(t, clientB)
	assert.Equal(t, models.EventRoomJoined, event.Event)

	require.NoError(t, clientA.SetReadDeadline(time.Now().Add(-time.Second)))
	_, _, err := clientA.ReadMessage()
	assert.Error(t, err)
}

func TestHub_BroadcastRawSkipsExcludedConnID(t *testing.T) {
	serverA, clientA := newConnPair(t)
	serverB, clientB := newConnPair(t)
	hub := NewHub()

	hub.Register(serverA, ConnInfo{ConnID: "sender-conn", UserID: 1})
	hub.Register(serverB, ConnInfo{ConnID: "other-conn", UserID: 2})
	hub.Join(serverA, 100)
	hub.Join(serverB, 100)

	body, err := json.Marshal(models.ServerEvent{Event: models.EventUserTyping, Data: models.UserTypingPayload{RoomID: 100, UserID: 1, IsTyping: true}})
	require.NoError(t, err)

	hub.BroadcastRaw(100, body, "sender-conn")

	event := readEvent(t, clientB)
	assert.Equal(t, models.EventUserTyping, event.Event)

	require.NoError(t, clientA.SetReadDeadline(time.Now().Add(-time.Second)))
	_, _, err = clientA.ReadMessage()
	assert.Error(t, err)
}
