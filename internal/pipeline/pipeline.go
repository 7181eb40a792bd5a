// Package pipeline is the Message Pipeline: the hybrid write/read path that
// keeps Postgres authoritative while serving hot reads from a bounded Redis
// cache per room.
package pipeline

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/wersvet/chatcore/internal/bus"
	"github.com/wersvet/chatcore/internal/db"
	"github.com/wersvet/chatcore/internal/kv"
	"github.com/wersvet/chatcore/internal/logging"
	"github.com/wersvet/chatcore/internal/models"
)

// CacheLimit is K, the bounded size of a room's recent-message cache list.
const CacheLimit = 100

var logger = logging.New("pipeline")

// Pipeline owns message persistence, caching, and fan-out.
type Pipeline struct {
	messages db.MessageRepository
	kv       kv.Store
	bus      bus.Bus

	cacheLimit      int
	strictMonotonic bool
	tsMu            sync.Mutex
	lastTimestamp   map[int64]time.Time
}

// New builds a Pipeline. cacheLimit is K, the bounded size of a room's
// recent-message cache list. strictMonotonic opts into a stricter policy:
// server timestamps are forced strictly increasing within a room instead of
// relying on the messages table's now() default, which only guarantees
// non-decreasing order.
func New(messages db.MessageRepository, kvStore kv.Store, busAdapter bus.Bus, cacheLimit int, strictMonotonic bool) *Pipeline {
	return &Pipeline{
		messages:        messages,
		kv:              kvStore,
		bus:             busAdapter,
		cacheLimit:      cacheLimit,
		strictMonotonic: strictMonotonic,
		lastTimestamp:   make(map[int64]time.Time),
	}
}

// Create appends a message, mirrors it into the room's cache (best-effort),
// and emits new_message on the bus. The DB append must succeed before
// either of the other two steps; their failures are logged and swallowed
// because the DB remains the source of truth.
func (p *Pipeline) Create(ctx context.Context, roomID int64, authorID *int64, content string, kind models.MessageKind) (models.Message, error) {
	msg, err := p.create(ctx, roomID, authorID, content, kind)
	if err != nil {
		return models.Message{}, err
	}

	if err := p.pushCache(ctx, roomID, msg); err != nil {
		logger.Printf("cache mirror room=%d msg=%d: %v", roomID, msg.ID, err)
	}

	event := models.ServerEvent{
		Event: models.EventRoomUpdate,
		Data: models.RoomUpdatePayload{
			Type:    models.RoomUpdateNewMessage,
			RoomID:  roomID,
			Message: &msg,
		},
	}
	if err := p.bus.Publish(ctx, roomID, event, ""); err != nil {
		logger.Printf("publish new_message room=%d msg=%d: %v", roomID, msg.ID, err)
	}

	return msg, nil
}

// create picks the DB insert path: the table's now() default in the common
// case, or a caller-assigned strictly-increasing timestamp when the
// deployment opted into strict monotonic ordering.
func (p *Pipeline) create(ctx context.Context, roomID int64, authorID *int64, content string, kind models.MessageKind) (models.Message, error) {
	if !p.strictMonotonic {
		return p.messages.Create(ctx, roomID, authorID, content, kind)
	}

	p.tsMu.Lock()
	at := time.Now()
	if last, ok := p.lastTimestamp[roomID]; ok && !at.After(last) {
		at = last.Add(time.Nanosecond)
	}
	p.lastTimestamp[roomID] = at
	p.tsMu.Unlock()

	return p.messages.CreateAt(ctx, roomID, authorID, content, kind, at)
}

// PurgeAuthor drops every cached message authored by userID from a room's
// recent-message cache, for deployments configured so that a membership
// leave purges that user's prior messages from the hot cache. The DB rows
// are never touched; only the cache's contiguous prefix is rewritten.
func (p *Pipeline) PurgeAuthor(ctx context.Context, roomID, userID int64) error {
	length, err := p.kv.ListLength(ctx, roomID)
	if err != nil {
		return err
	}
	if length == 0 {
		return nil
	}

	cachedNewestFirst, err := p.cachedMessages(ctx, roomID, int(length))
	if err != nil {
		return err
	}

	kept := make([]models.Message, 0, len(cachedNewestFirst))
	for _, m := range cachedNewestFirst {
		if m.AuthorID != nil && *m.AuthorID == userID {
			continue
		}
		kept = append(kept, m)
	}
	if len(kept) == len(cachedNewestFirst) {
		return nil
	}

	if err := p.kv.DeleteList(ctx, roomID); err != nil {
		return err
	}
	// kept is newest-first; push oldest-to-newest so push_front leaves the
	// list newest-first again.
	for i := len(kept) - 1; i >= 0; i-- {
		if err := p.pushCache(ctx, roomID, kept[i]); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pipeline) pushCache(ctx context.Context, roomID int64, msg models.Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return p.kv.PushFrontTrim(ctx, roomID, string(body), p.cacheLimit)
}

// Recent returns up to limit newest messages for a room, chronological
// order (oldest first), stitching the cache with the DB as needed.
func (p *Pipeline) Recent(ctx context.Context, roomID int64, limit int) ([]models.Message, error) {
	cachedNewestFirst, err := p.cachedMessages(ctx, roomID, limit)
	if err != nil {
		logger.Printf("read cache room=%d: %v", roomID, err)
		cachedNewestFirst = nil
	}

	if len(cachedNewestFirst) >= limit {
		return reversed(cachedNewestFirst[:limit]), nil
	}

	if len(cachedNewestFirst) > 0 {
		oldestCached := cachedNewestFirst[len(cachedNewestFirst)-1]
		older, err := p.messages.OlderThan(ctx, roomID, oldestCached.ID, limit-len(cachedNewestFirst))
		if err != nil {
			return nil, err
		}
		if len(older) > limit-len(cachedNewestFirst) {
			older = older[:limit-len(cachedNewestFirst)]
		}
		combined := append(append([]models.Message{}, cachedNewestFirst...), older...)
		return reversed(combined), nil
	}

	newest, err := p.messages.Newest(ctx, roomID, limit)
	if err != nil {
		return nil, err
	}
	if err := p.seedCache(ctx, roomID, newest); err != nil {
		logger.Printf("seed cache room=%d: %v", roomID, err)
	}
	return reversed(newest), nil
}

func (p *Pipeline) cachedMessages(ctx context.Context, roomID int64, limit int) ([]models.Message, error) {
	raw, err := p.kv.Range(ctx, roomID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]models.Message, 0, len(raw))
	for _, s := range raw {
		var m models.Message
		if err := json.Unmarshal([]byte(s), &m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}

// seedCache pushes newest-first DB rows into the cache in chronological
// order so push_front leaves the list newest-first.
func (p *Pipeline) seedCache(ctx context.Context, roomID int64, newestFirst []models.Message) error {
	chronological := reversed(newestFirst)
	for _, m := range chronological {
		if err := p.pushCache(ctx, roomID, m); err != nil {
			return err
		}
	}
	return nil
}

// Older bypasses the cache and returns a cursor page: up to limit messages
// strictly older than beforeID, chronological order, plus pagination state.
func (p *Pipeline) Older(ctx context.Context, roomID int64, limit int, beforeID int64) (messages []models.Message, hasMore bool, nextCursor *int64, err error) {
	fetched, err := p.messages.OlderThan(ctx, roomID, beforeID, limit)
	if err != nil {
		return nil, false, nil, err
	}

	hasMore = len(fetched) > limit
	if hasMore {
		fetched = fetched[:limit]
	}
	if hasMore && len(fetched) > 0 {
		cursor := fetched[len(fetched)-1].ID
		nextCursor = &cursor
	}
	return reversed(fetched), hasMore, nextCursor, nil
}

// Preload seeds a room's cache from the DB if it has never been seeded.
// It is best-effort and meant to be called without blocking a join reply.
func (p *Pipeline) Preload(ctx context.Context, roomID int64) {
	exists, err := p.kv.ListExists(ctx, roomID)
	if err != nil {
		logger.Printf("preload check room=%d: %v", roomID, err)
		return
	}
	if exists {
		return
	}

	newest, err := p.messages.Newest(ctx, roomID, p.cacheLimit)
	if err != nil {
		logger.Printf("preload fetch room=%d: %v", roomID, err)
		return
	}
	if err := p.seedCache(ctx, roomID, newest); err != nil {
		logger.Printf("preload seed room=%d: %v", roomID, err)
	}
}

func reversed(msgs []models.Message) []models.Message {
	out := make([]models.Message, len(msgs))
	for i, m := range msgs {
		out[len(msgs)-1-i] = m
	}
	return out
}
