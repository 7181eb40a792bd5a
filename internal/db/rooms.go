package db

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/wersvet/chatcore/internal/models"
)

// RoomRepository abstracts room persistence.
type RoomRepository interface {
	Create(ctx context.Context, name, description string, isPrivate bool, passwordHash *string, creatorID int64) (models.Room, error)
	GetByID(ctx context.Context, id int64) (models.Room, error)
	GetByName(ctx context.Context, name string) (models.Room, error)
	ListPublic(ctx context.Context) ([]models.Room, error)
	ListForUser(ctx context.Context, userID int64) ([]models.Room, error)
}

// RoomRepo is the sqlx-backed implementation.
type RoomRepo struct {
	db *sqlx.DB
}

// NewRoomRepo constructs a RoomRepo.
func NewRoomRepo(db *sqlx.DB) *RoomRepo {
	return &RoomRepo{db: db}
}

// Create inserts a room. private ⇒ passwordHash != nil is enforced by callers.
func (r *RoomRepo) Create(ctx context.Context, name, description string, isPrivate bool, passwordHash *string, creatorID int64) (models.Room, error) {
	var room models.Room
	err := r.db.QueryRowxContext(ctx, `INSERT INTO rooms (name, description, is_private, password_hash, creator_id)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING id, name, description, is_private, password_hash, creator_id, created_at`,
		name, description, isPrivate, passwordHash, creatorID).
		Scan(&room.ID, &room.Name, &room.Description, &room.IsPrivate, &room.PasswordHash, &room.CreatorID, &room.CreatedAt)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == "23505" {
			return models.Room{}, ErrDuplicateRoomName
		}
		return models.Room{}, err
	}
	return room, nil
}

// GetByID fetches a room by id.
func (r *RoomRepo) GetByID(ctx context.Context, id int64) (models.Room, error) {
	var room models.Room
	err := r.db.GetContext(ctx, &room, `SELECT id, name, description, is_private, password_hash, creator_id, created_at FROM rooms WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Room{}, ErrRoomNotFound
	}
	return room, err
}

// GetByName fetches a room by its unique display name.
func (r *RoomRepo) GetByName(ctx context.Context, name string) (models.Room, error) {
	var room models.Room
	err := r.db.GetContext(ctx, &room, `SELECT id, name, description, is_private, password_hash, creator_id, created_at FROM rooms WHERE name=$1`, name)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Room{}, ErrRoomNotFound
	}
	return room, err
}

// ListPublic returns non-private rooms, newest first.
func (r *RoomRepo) ListPublic(ctx context.Context) ([]models.Room, error) {
	var rooms []models.Room
	err := r.db.SelectContext(ctx, &rooms, `SELECT id, name, description, is_private, password_hash, creator_id, created_at
        FROM rooms WHERE is_private = FALSE ORDER BY created_at DESC`)
	return rooms, err
}

// ListForUser returns rooms the user has an active membership in.
func (r *RoomRepo) ListForUser(ctx context.Context, userID int64) ([]models.Room, error) {
	var rooms []models.Room
	err := r.db.SelectContext(ctx, &rooms, `SELECT r.id, r.name, r.description, r.is_private, r.password_hash, r.creator_id, r.created_at
        FROM rooms r
        INNER JOIN room_memberships m ON m.room_id = r.id
        WHERE m.user_id = $1 AND m.is_active
        ORDER BY m.joined_at DESC`, userID)
	return rooms, err
}
