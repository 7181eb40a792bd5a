package ws

import "time"

// ConnInfo is the per-connection metadata attached at handshake time; it is
// local to the connection's goroutine and needs no locking of its own.
type ConnInfo struct {
	ConnID      string
	UserID      int64
	Username    string
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}
