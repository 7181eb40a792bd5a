// Package kvtest provides an in-memory kv.Store fake for unit tests that
// exercise the presence engine and message pipeline without a real Redis
// connection.
package kvtest

import (
	"context"
	"sync"
	"time"

	"github.com/wersvet/chatcore/internal/kv"
)

// Store is a single-process, mutex-guarded stand-in for kv.Adapter.
type Store struct {
	mu sync.Mutex

	lists     map[int64][]string
	sets      map[int64]map[int64]struct{}
	online    map[int64]struct{}
	presences map[int64]kv.PresenceRecord
	hb        map[int64]time.Time
	sessions  map[int64]string
}

// New builds an empty fake store.
func New() *Store {
	return &Store{
		lists:     make(map[int64][]string),
		sets:      make(map[int64]map[int64]struct{}),
		online:    make(map[int64]struct{}),
		presences: make(map[int64]kv.PresenceRecord),
		hb:        make(map[int64]time.Time),
		sessions:  make(map[int64]string),
	}
}

func (s *Store) PushFrontTrim(ctx context.Context, roomID int64, serialized string, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := append([]string{serialized}, s.lists[roomID]...)
	if len(list) > limit {
		list = list[:limit]
	}
	s.lists[roomID] = list
	return nil
}

func (s *Store) Range(ctx context.Context, roomID int64, n int) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.lists[roomID]
	if n > len(list) {
		n = len(list)
	}
	out := make([]string, n)
	copy(out, list[:n])
	return out, nil
}

func (s *Store) ListLength(ctx context.Context, roomID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.lists[roomID])), nil
}

func (s *Store) ListExists(ctx context.Context, roomID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.lists[roomID]
	return ok, nil
}

func (s *Store) DeleteList(ctx context.Context, roomID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.lists, roomID)
	return nil
}

func (s *Store) AddMember(ctx context.Context, roomID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sets[roomID] == nil {
		s.sets[roomID] = make(map[int64]struct{})
	}
	s.sets[roomID][userID] = struct{}{}
	return nil
}

func (s *Store) RemoveMember(ctx context.Context, roomID, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sets[roomID], userID)
	return nil
}

func (s *Store) Members(ctx context.Context, roomID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.sets[roomID]))
	for id := range s.sets[roomID] {
		out = append(out, id)
	}
	return out, nil
}

func (s *Store) IsMember(ctx context.Context, roomID, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sets[roomID][userID]
	return ok, nil
}

func (s *Store) AddOnline(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.online[userID] = struct{}{}
	return nil
}

func (s *Store) RemoveOnline(ctx context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, existed := s.online[userID]
	delete(s.online, userID)
	return existed, nil
}

func (s *Store) OnlineUsers(ctx context.Context) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, 0, len(s.online))
	for id := range s.online {
		out = append(out, id)
	}
	return out, nil
}

func (s *Store) IsOnline(ctx context.Context, userID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.online[userID]
	return ok, nil
}

func (s *Store) SetPresence(ctx context.Context, rec kv.PresenceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.presences[rec.UserID] = rec
	return nil
}

func (s *Store) GetPresence(ctx context.Context, userID int64) (kv.PresenceRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.presences[userID]
	return rec, ok, nil
}

func (s *Store) Touch(ctx context.Context, userID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hb[userID] = at
	return nil
}

func (s *Store) Heartbeat(ctx context.Context, userID int64) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.hb[userID]
	return t, ok, nil
}

func (s *Store) DeleteHeartbeat(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.hb, userID)
	return nil
}

func (s *Store) SetSession(ctx context.Context, userID int64, socketID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[userID] = socketID
	return nil
}

func (s *Store) Session(ctx context.Context, userID int64) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.sessions[userID]
	return id, ok, nil
}

func (s *Store) DeleteSession(ctx context.Context, userID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, userID)
	return nil
}

var _ kv.Store = (*Store)(nil)
