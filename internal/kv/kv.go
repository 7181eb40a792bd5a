// Package kv wraps the fast store (Redis) operations the core needs:
// a bounded per-room message list, membership/online-user sets, a presence
// hash per user, and TTL keys for heartbeat and session tracking.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// SessionTTL bounds an idle session's socket-id mapping.
	SessionTTL = time.Hour
	// OnlineUsersKey is the single set of currently-online user ids.
	OnlineUsersKey = "online_users"
)

// Store is the fast-store surface the presence engine and message pipeline
// depend on. Depending on an interface rather than *Adapter lets tests
// substitute an in-memory fake instead of a real Redis connection.
type Store interface {
	PushFrontTrim(ctx context.Context, roomID int64, serialized string, limit int) error
	Range(ctx context.Context, roomID int64, n int) ([]string, error)
	ListLength(ctx context.Context, roomID int64) (int64, error)
	ListExists(ctx context.Context, roomID int64) (bool, error)
	DeleteList(ctx context.Context, roomID int64) error

	AddMember(ctx context.Context, roomID, userID int64) error
	RemoveMember(ctx context.Context, roomID, userID int64) error
	Members(ctx context.Context, roomID int64) ([]int64, error)
	IsMember(ctx context.Context, roomID, userID int64) (bool, error)
	AddOnline(ctx context.Context, userID int64) error
	RemoveOnline(ctx context.Context, userID int64) (bool, error)
	OnlineUsers(ctx context.Context) ([]int64, error)
	IsOnline(ctx context.Context, userID int64) (bool, error)

	SetPresence(ctx context.Context, rec PresenceRecord) error
	GetPresence(ctx context.Context, userID int64) (PresenceRecord, bool, error)

	Touch(ctx context.Context, userID int64, at time.Time) error
	Heartbeat(ctx context.Context, userID int64) (time.Time, bool, error)
	DeleteHeartbeat(ctx context.Context, userID int64) error
	SetSession(ctx context.Context, userID int64, socketID string) error
	Session(ctx context.Context, userID int64) (string, bool, error)
	DeleteSession(ctx context.Context, userID int64) error
}

// Adapter is a thin, idempotent-where-possible wrapper over a redis client.
// It holds no Redis-backed state of its own, only the TTL tunables every
// write uses.
type Adapter struct {
	rdb           *redis.Client
	heartbeatTTL  time.Duration
	recentListTTL time.Duration
}

var _ Store = (*Adapter)(nil)

// New wraps an already-connected redis client. heartbeatTTL bounds how long
// a heartbeat key survives without a touch; recentListTTL bounds how long
// an unused room cache list survives.
func New(rdb *redis.Client, heartbeatTTL, recentListTTL time.Duration) *Adapter {
	return &Adapter{rdb: rdb, heartbeatTTL: heartbeatTTL, recentListTTL: recentListTTL}
}

// Connect dials Redis from a URL (e.g. redis://host:6379/0).
func Connect(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return rdb, nil
}

func recentKey(roomID int64) string    { return "room:" + strconv.FormatInt(roomID, 10) + ":recent" }
func membersKey(roomID int64) string   { return "room:" + strconv.FormatInt(roomID, 10) + ":members" }
func presenceKey(userID int64) string  { return "presence:" + strconv.FormatInt(userID, 10) }
func heartbeatKey(userID int64) string { return "heartbeat:" + strconv.FormatInt(userID, 10) }
func sessionKey(userID int64) string   { return "session:" + strconv.FormatInt(userID, 10) }

// --- Recent-message list ----------------------------------------------

// PushFrontTrim pushes a serialized message to the front of a room's list
// and trims/refreshes its TTL in one pipeline, preserving length<=limit
// under concurrent writers.
func (a *Adapter) PushFrontTrim(ctx context.Context, roomID int64, serialized string, limit int) error {
	_, err := a.rdb.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, recentKey(roomID), serialized)
		p.LTrim(ctx, recentKey(roomID), 0, int64(limit-1))
		p.Expire(ctx, recentKey(roomID), a.recentListTTL)
		return nil
	})
	return err
}

// Range returns up to n newest-first entries from a room's cache list.
func (a *Adapter) Range(ctx context.Context, roomID int64, n int) ([]string, error) {
	if n <= 0 {
		return nil, nil
	}
	return a.rdb.LRange(ctx, recentKey(roomID), 0, int64(n-1)).Result()
}

// ListLength returns the current length of a room's cache list.
func (a *Adapter) ListLength(ctx context.Context, roomID int64) (int64, error) {
	return a.rdb.LLen(ctx, recentKey(roomID)).Result()
}

// ListExists reports whether a room has a cache key at all, distinguishing
// "never seeded" from "seeded but empty".
func (a *Adapter) ListExists(ctx context.Context, roomID int64) (bool, error) {
	n, err := a.rdb.Exists(ctx, recentKey(roomID)).Result()
	return n > 0, err
}

// DeleteList drops a room's cache list entirely.
func (a *Adapter) DeleteList(ctx context.Context, roomID int64) error {
	return a.rdb.Del(ctx, recentKey(roomID)).Err()
}

// --- Room-members / online-users sets ----------------------------------

// AddMember adds a user to a room's denormalized member set.
func (a *Adapter) AddMember(ctx context.Context, roomID, userID int64) error {
	return a.rdb.SAdd(ctx, membersKey(roomID), userID).Err()
}

// RemoveMember removes a user from a room's member set.
func (a *Adapter) RemoveMember(ctx context.Context, roomID, userID int64) error {
	return a.rdb.SRem(ctx, membersKey(roomID), userID).Err()
}

// Members lists the user ids currently in a room's member set.
func (a *Adapter) Members(ctx context.Context, roomID int64) ([]int64, error) {
	strs, err := a.rdb.SMembers(ctx, membersKey(roomID)).Result()
	if err != nil {
		return nil, err
	}
	return parseInt64s(strs)
}

// IsMember reports whether a user is currently in a room's member set.
func (a *Adapter) IsMember(ctx context.Context, roomID, userID int64) (bool, error) {
	return a.rdb.SIsMember(ctx, membersKey(roomID), userID).Result()
}

// AddOnline marks a user online in the global online-users set.
func (a *Adapter) AddOnline(ctx context.Context, userID int64) error {
	return a.rdb.SAdd(ctx, OnlineUsersKey, userID).Err()
}

// RemoveOnline removes a user from the online-users set and reports whether
// this call actually performed the removal. SREM's return count is the
// atomic commit point the reaper uses to deduplicate races between nodes.
func (a *Adapter) RemoveOnline(ctx context.Context, userID int64) (bool, error) {
	n, err := a.rdb.SRem(ctx, OnlineUsersKey, userID).Result()
	return n > 0, err
}

// OnlineUsers lists every user id currently marked online.
func (a *Adapter) OnlineUsers(ctx context.Context) ([]int64, error) {
	strs, err := a.rdb.SMembers(ctx, OnlineUsersKey).Result()
	if err != nil {
		return nil, err
	}
	return parseInt64s(strs)
}

// IsOnline reports whether a user is currently in the online-users set.
func (a *Adapter) IsOnline(ctx context.Context, userID int64) (bool, error) {
	return a.rdb.SIsMember(ctx, OnlineUsersKey, userID).Result()
}

func parseInt64s(strs []string) ([]int64, error) {
	out := make([]int64, 0, len(strs))
	for _, s := range strs {
		id, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}

// --- Presence hash -------------------------------------------------------

// PresenceRecord is the wire shape stored in the presence hash; active rooms
// are serialized as a JSON sequence within a single hash field.
type PresenceRecord struct {
	UserID     int64
	Username   string
	Status     string
	LastSeen   time.Time
	ActiveRoom []int64
}

// SetPresence writes the full presence record for a user.
func (a *Adapter) SetPresence(ctx context.Context, rec PresenceRecord) error {
	rooms, err := json.Marshal(rec.ActiveRoom)
	if err != nil {
		return err
	}
	return a.rdb.HSet(ctx, presenceKey(rec.UserID), map[string]any{
		"user_id":      rec.UserID,
		"username":     rec.Username,
		"status":       rec.Status,
		"last_seen":    rec.LastSeen.Format(time.RFC3339Nano),
		"active_rooms": string(rooms),
	}).Err()
}

// GetPresence reads a user's full presence record. ok is false if the user
// has never had a presence record written.
func (a *Adapter) GetPresence(ctx context.Context, userID int64) (PresenceRecord, bool, error) {
	m, err := a.rdb.HGetAll(ctx, presenceKey(userID)).Result()
	if err != nil {
		return PresenceRecord{}, false, err
	}
	if len(m) == 0 {
		return PresenceRecord{}, false, nil
	}
	rec := PresenceRecord{Username: m["username"], Status: m["status"]}
	rec.UserID, _ = strconv.ParseInt(m["user_id"], 10, 64)
	rec.LastSeen, _ = time.Parse(time.RFC3339Nano, m["last_seen"])
	if rooms, ok := m["active_rooms"]; ok {
		_ = json.Unmarshal([]byte(rooms), &rec.ActiveRoom)
	}
	return rec, true, nil
}

// --- Heartbeat / session TTL keys ----------------------------------------

// ErrKeyNotFound is returned by Get-style TTL key lookups on a miss.
var ErrKeyNotFound = errors.New("kv: key not found")

// Touch writes the heartbeat key for a user with a fresh TTL.
func (a *Adapter) Touch(ctx context.Context, userID int64, at time.Time) error {
	return a.rdb.Set(ctx, heartbeatKey(userID), at.Format(time.RFC3339Nano), a.heartbeatTTL).Err()
}

// Heartbeat reads a user's last heartbeat time. ok is false if the key is
// absent (never touched, or expired past the stale threshold).
func (a *Adapter) Heartbeat(ctx context.Context, userID int64) (time.Time, bool, error) {
	s, err := a.rdb.Get(ctx, heartbeatKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	return t, true, err
}

// DeleteHeartbeat removes a user's heartbeat key.
func (a *Adapter) DeleteHeartbeat(ctx context.Context, userID int64) error {
	return a.rdb.Del(ctx, heartbeatKey(userID)).Err()
}

// SetSession maps a user to their current socket id with a refreshed TTL.
func (a *Adapter) SetSession(ctx context.Context, userID int64, socketID string) error {
	return a.rdb.Set(ctx, sessionKey(userID), socketID, SessionTTL).Err()
}

// Session reads a user's current socket id.
func (a *Adapter) Session(ctx context.Context, userID int64) (string, bool, error) {
	s, err := a.rdb.Get(ctx, sessionKey(userID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	return s, err == nil, err
}

// DeleteSession removes a user's session key.
func (a *Adapter) DeleteSession(ctx context.Context, userID int64) error {
	return a.rdb.Del(ctx, sessionKey(userID)).Err()
}
