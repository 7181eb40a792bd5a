// Package mocks provides testify/mock doubles for the repository and
// adapter interfaces.
package mocks

import (
	"context"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/wersvet/chatcore/internal/models"
)

// UserRepository mocks db.UserRepository.
type UserRepository struct{ mock.Mock }

func (m *UserRepository) Create(ctx context.Context, username, email, passwordHash string) (models.User, error) {
	args := m.Called(ctx, username, email, passwordHash)
	return args.Get(0).(models.User), args.Error(1)
}

func (m *UserRepository) GetByID(ctx context.Context, id int64) (models.User, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(models.User), args.Error(1)
}

func (m *UserRepository) GetByUsername(ctx context.Context, username string) (models.User, error) {
	args := m.Called(ctx, username)
	return args.Get(0).(models.User), args.Error(1)
}

func (m *UserRepository) BulkByIDs(ctx context.Context, ids []int64) ([]models.User, error) {
	args := m.Called(ctx, ids)
	return args.Get(0).([]models.User), args.Error(1)
}

// RoomRepository mocks db.RoomRepository.
type RoomRepository struct{ mock.Mock }

func (m *RoomRepository) Create(ctx context.Context, name, description string, isPrivate bool, passwordHash *string, creatorID int64) (models.Room, error) {
	args := m.Called(ctx, name, description, isPrivate, passwordHash, creatorID)
	return args.Get(0).(models.Room), args.Error(1)
}

func (m *RoomRepository) GetByID(ctx context.Context, id int64) (models.Room, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(models.Room), args.Error(1)
}

func (m *RoomRepository) GetByName(ctx context.Context, name string) (models.Room, error) {
	args := m.Called(ctx, name)
	return args.Get(0).(models.Room), args.Error(1)
}

func (m *RoomRepository) ListPublic(ctx context.Context) ([]models.Room, error) {
	args := m.Called(ctx)
	return args.Get(0).([]models.Room), args.Error(1)
}

func (m *RoomRepository) ListForUser(ctx context.Context, userID int64) ([]models.Room, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]models.Room), args.Error(1)
}

// MembershipRepository mocks db.MembershipRepository.
type MembershipRepository struct{ mock.Mock }

func (m *MembershipRepository) Join(ctx context.Context, userID, roomID int64) (models.Membership, error) {
	args := m.Called(ctx, userID, roomID)
	return args.Get(0).(models.Membership), args.Error(1)
}

func (m *MembershipRepository) Leave(ctx context.Context, userID, roomID int64) error {
	args := m.Called(ctx, userID, roomID)
	return args.Error(0)
}

func (m *MembershipRepository) IsActiveMember(ctx context.Context, userID, roomID int64) (bool, error) {
	args := m.Called(ctx, userID, roomID)
	return args.Bool(0), args.Error(1)
}

func (m *MembershipRepository) ActiveRoomIDs(ctx context.Context, userID int64) ([]int64, error) {
	args := m.Called(ctx, userID)
	return args.Get(0).([]int64), args.Error(1)
}

// MessageRepository mocks db.MessageRepository.
type MessageRepository struct{ mock.Mock }

func (m *MessageRepository) Create(ctx context.Context, roomID int64, authorID *int64, content string, kind models.MessageKind) (models.Message, error) {
	args := m.Called(ctx, roomID, authorID, content, kind)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *MessageRepository) CreateAt(ctx context.Context, roomID int64, authorID *int64, content string, kind models.MessageKind, at time.Time) (models.Message, error) {
	args := m.Called(ctx, roomID, authorID, content, kind, at)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *MessageRepository) GetByID(ctx context.Context, id int64) (models.Message, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(models.Message), args.Error(1)
}

func (m *MessageRepository) Newest(ctx context.Context, roomID int64, limit int) ([]models.Message, error) {
	args := m.Called(ctx, roomID, limit)
	return args.Get(0).([]models.Message), args.Error(1)
}

func (m *MessageRepository) OlderThan(ctx context.Context, roomID int64, beforeID int64, limit int) ([]models.Message, error) {
	args := m.Called(ctx, roomID, beforeID, limit)
	return args.Get(0).([]models.Message), args.Error(1)
}
