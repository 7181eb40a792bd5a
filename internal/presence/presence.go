// Package presence maintains the online/offline state machine for every
// known user and exposes room-scoped presence snapshots.
package presence

import (
	"context"
	"time"

	"github.com/wersvet/chatcore/internal/db"
	"github.com/wersvet/chatcore/internal/kv"
	"github.com/wersvet/chatcore/internal/models"
	"github.com/wersvet/chatcore/internal/observability"
)

// Engine implements the Presence Engine core operations. All state lives in
// the kv store; Engine itself holds no per-user state.
type Engine struct {
	kv          kv.Store
	memberships db.MembershipRepository
}

// New builds a presence Engine.
func New(kvStore kv.Store, memberships db.MembershipRepository) *Engine {
	return &Engine{kv: kvStore, memberships: memberships}
}

// MarkOnline writes {online, now, activeRooms} and adds the user to the
// online-users set. Re-marking online while already online is idempotent:
// it refreshes last_seen and the active-rooms set without side effects.
func (e *Engine) MarkOnline(ctx context.Context, userID int64, username string, activeRooms []int64) error {
	if err := e.kv.SetPresence(ctx, kv.PresenceRecord{
		UserID:     userID,
		Username:   username,
		Status:     string(models.PresenceOnline),
		LastSeen:   time.Now(),
		ActiveRoom: activeRooms,
	}); err != nil {
		return err
	}
	if err := e.kv.AddOnline(ctx, userID); err != nil {
		return err
	}
	observability.IncPresenceTransition("online")
	return nil
}

// MarkOffline read-modify-writes the presence record to offline, preserving
// the active-rooms set, then removes the user from the online-users set.
// removed reports whether this call actually performed that removal — the
// atomic commit point callers use to deduplicate racing reapers. prevRooms
// is the active-rooms set the record carried before this call, used by
// callers to know which rooms to notify.
func (e *Engine) MarkOffline(ctx context.Context, userID int64) (removed bool, prevRooms []int64, err error) {
	rec, ok, err := e.kv.GetPresence(ctx, userID)
	if err != nil {
		return false, nil, err
	}
	if !ok {
		rec = kv.PresenceRecord{UserID: userID}
	}
	prevRooms = rec.ActiveRoom
	rec.Status = string(models.PresenceOffline)
	rec.LastSeen = time.Now()
	if err := e.kv.SetPresence(ctx, rec); err != nil {
		return false, prevRooms, err
	}
	removed, err = e.kv.RemoveOnline(ctx, userID)
	if err == nil && removed {
		observability.IncPresenceTransition("offline")
	}
	return removed, prevRooms, err
}

// Touch refreshes a user's heartbeat key. O(1) hot path.
func (e *Engine) Touch(ctx context.Context, userID int64) error {
	return e.kv.Touch(ctx, userID, time.Now())
}

// BumpActivity touches the heartbeat and, if the user isn't currently
// online, rehydrates them using the DB-authoritative active-rooms list.
// wasOffline reports whether rehydration happened — callers use it to
// decide whether to emit user_connected per room.
func (e *Engine) BumpActivity(ctx context.Context, userID int64, username string) (wasOffline bool, activeRooms []int64, err error) {
	if err := e.Touch(ctx, userID); err != nil {
		return false, nil, err
	}

	rec, ok, err := e.kv.GetPresence(ctx, userID)
	if err != nil {
		return false, nil, err
	}
	if ok && rec.Status == string(models.PresenceOnline) {
		return false, rec.ActiveRoom, nil
	}

	rooms, err := e.memberships.ActiveRoomIDs(ctx, userID)
	if err != nil {
		return false, nil, err
	}
	if err := e.MarkOnline(ctx, userID, username, rooms); err != nil {
		return false, nil, err
	}
	return true, rooms, nil
}

// Snapshot returns the presence record for every member of a room, in no
// particular order, skipping members with no presence record yet.
func (e *Engine) Snapshot(ctx context.Context, roomID int64) ([]models.Presence, error) {
	members, err := e.kv.Members(ctx, roomID)
	if err != nil {
		return nil, err
	}
	out := make([]models.Presence, 0, len(members))
	for _, userID := range members {
		rec, ok, err := e.kv.GetPresence(ctx, userID)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		out = append(out, models.Presence{
			UserID:     rec.UserID,
			Username:   rec.Username,
			Status:     models.PresenceStatus(rec.Status),
			LastSeen:   rec.LastSeen,
			ActiveRoom: rec.ActiveRoom,
		})
	}
	return out, nil
}

// JoinRoom records that a user is now a room member for fan-out lookups and
// refreshes their presence active-rooms set.
func (e *Engine) JoinRoom(ctx context.Context, userID int64, username string, roomID int64, activeRooms []int64) error {
	if err := e.kv.AddMember(ctx, roomID, userID); err != nil {
		return err
	}
	return e.MarkOnline(ctx, userID, username, activeRooms)
}

// MarkAllOffline reaps every currently-online user unconditionally, for use
// during a deliberate shutdown when the operator has opted into announcing
// disconnects immediately rather than waiting on the reaper. Emission
// still goes through the same removed-gate as the reaper and the
// disconnect handler, so a shutdown racing the reaper never double-emits.
func (e *Engine) MarkAllOffline(ctx context.Context, emitter Emitter) {
	userIDs, err := e.kv.OnlineUsers(ctx)
	if err != nil {
		return
	}
	for _, userID := range userIDs {
		removed, prevRooms, err := e.MarkOffline(ctx, userID)
		if err != nil || !removed {
			continue
		}
		for _, roomID := range prevRooms {
			snapshot, err := e.Snapshot(ctx, roomID)
			if err != nil {
				continue
			}
			emitter.EmitUserDisconnected(ctx, roomID, snapshot)
		}
	}
}

// SetSession records which socket a user is currently connected through.
func (e *Engine) SetSession(ctx context.Context, userID int64, socketID string) error {
	return e.kv.SetSession(ctx, userID, socketID)
}

// ClearSession drops a user's current socket mapping.
func (e *Engine) ClearSession(ctx context.Context, userID int64) error {
	return e.kv.DeleteSession(ctx, userID)
}

// LeaveRoom drops a user from a room's member set and refreshes presence.
func (e *Engine) LeaveRoom(ctx context.Context, userID int64, username string, roomID int64, activeRooms []int64) error {
	if err := e.kv.RemoveMember(ctx, roomID, userID); err != nil {
		return err
	}
	return e.MarkOnline(ctx, userID, username, activeRooms)
}
