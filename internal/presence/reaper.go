package presence

import (
	"context"
	"time"

	"github.com/wersvet/chatcore/internal/logging"
	"github.com/wersvet/chatcore/internal/models"
	"github.com/wersvet/chatcore/internal/observability"
)

var logger = logging.New("presence")

// Emitter lets the reaper push room-scoped events without depending on the
// router package directly.
type Emitter interface {
	EmitUserDisconnected(ctx context.Context, roomID int64, snapshot []models.Presence)
}

// Reaper runs as a single long-lived task per node, transitioning stale
// users to offline and notifying their rooms.
type Reaper struct {
	engine         *Engine
	emitter        Emitter
	reapInterval   time.Duration
	staleThreshold time.Duration
}

// NewReaper builds a Reaper bound to an Engine and an Emitter. reapInterval
// is how often the online-users set is scanned; staleThreshold is how long
// a missing/old heartbeat marks a user stale.
func NewReaper(engine *Engine, emitter Emitter, reapInterval, staleThreshold time.Duration) *Reaper {
	return &Reaper{engine: engine, emitter: emitter, reapInterval: reapInterval, staleThreshold: staleThreshold}
}

// Run blocks, ticking every reapInterval, until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.reapInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// tick enumerates online users and reaps anyone whose heartbeat is absent
// or stale. The iteration is bounded and holds no long-lived transaction.
func (r *Reaper) tick(ctx context.Context) {
	userIDs, err := r.engine.kv.OnlineUsers(ctx)
	if err != nil {
		logger.Printf("list online users: %v", err)
		return
	}

	for _, userID := range userIDs {
		hb, ok, err := r.engine.kv.Heartbeat(ctx, userID)
		if err != nil {
			logger.Printf("heartbeat lookup user=%d: %v", userID, err)
			continue
		}
		stale := !ok || time.Since(hb) > r.staleThreshold
		if !stale {
			continue
		}

		removed, prevRooms, err := r.engine.MarkOffline(ctx, userID)
		if err != nil {
			logger.Printf("mark offline user=%d: %v", userID, err)
			continue
		}
		if !removed {
			// Another node already reaped this user; its removal was the
			// commit point, so this node must not emit a duplicate event.
			observability.IncReaperSweep("raced")
			continue
		}
		observability.IncReaperSweep("reaped")

		for _, roomID := range prevRooms {
			snapshot, err := r.engine.Snapshot(ctx, roomID)
			if err != nil {
				logger.Printf("snapshot room=%d: %v", roomID, err)
				continue
			}
			r.emitter.EmitUserDisconnected(ctx, roomID, snapshot)
		}
	}
}
