package db

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/wersvet/chatcore/internal/models"
)

// MessageRepository abstracts message persistence and cursor pagination.
type MessageRepository interface {
	Create(ctx context.Context, roomID int64, authorID *int64, content string, kind models.MessageKind) (models.Message, error)
	CreateAt(ctx context.Context, roomID int64, authorID *int64, content string, kind models.MessageKind, at time.Time) (models.Message, error)
	GetByID(ctx context.Context, id int64) (models.Message, error)
	Newest(ctx context.Context, roomID int64, limit int) ([]models.Message, error)
	OlderThan(ctx context.Context, roomID int64, beforeID int64, limit int) ([]models.Message, error)
}

// MessageRepo is the sqlx-backed implementation.
type MessageRepo struct {
	db *sqlx.DB
}

// NewMessageRepo constructs a MessageRepo.
func NewMessageRepo(db *sqlx.DB) *MessageRepo {
	return &MessageRepo{db: db}
}

const messageColumns = `id, room_id, user_id, content, message_type, created_at, deleted_at`

// Create appends a message and lets the DB assign id and server timestamp.
// The persisted row is the canonical message.
func (r *MessageRepo) Create(ctx context.Context, roomID int64, authorID *int64, content string, kind models.MessageKind) (models.Message, error) {
	var msg models.Message
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (room_id, user_id, content, message_type)
        VALUES ($1, $2, $3, $4)
        RETURNING `+messageColumns, roomID, authorID, content, string(kind)).
		Scan(&msg.ID, &msg.RoomID, &msg.AuthorID, &msg.Content, &msg.Kind, &msg.CreatedAt, &msg.DeletedAt)
	return msg, err
}

// CreateAt appends a message with a caller-assigned server timestamp,
// bypassing the table's now() default. Used only when the deployment has
// opted into strictly-monotonic per-room timestamps; Create remains the
// default path otherwise.
func (r *MessageRepo) CreateAt(ctx context.Context, roomID int64, authorID *int64, content string, kind models.MessageKind, at time.Time) (models.Message, error) {
	var msg models.Message
	err := r.db.QueryRowxContext(ctx, `INSERT INTO messages (room_id, user_id, content, message_type, created_at)
        VALUES ($1, $2, $3, $4, $5)
        RETURNING `+messageColumns, roomID, authorID, content, string(kind), at).
		Scan(&msg.ID, &msg.RoomID, &msg.AuthorID, &msg.Content, &msg.Kind, &msg.CreatedAt, &msg.DeletedAt)
	return msg, err
}

// GetByID fetches a single message, used to resolve a pagination cursor to
// its server timestamp.
func (r *MessageRepo) GetByID(ctx context.Context, id int64) (models.Message, error) {
	var msg models.Message
	err := r.db.GetContext(ctx, &msg, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Message{}, ErrMessageNotFound
	}
	return msg, err
}

// Newest returns up to limit newest messages in a room, newest-first.
func (r *MessageRepo) Newest(ctx context.Context, roomID int64, limit int) ([]models.Message, error) {
	var msgs []models.Message
	err := r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE room_id=$1 ORDER BY created_at DESC, id DESC LIMIT $2`, roomID, limit)
	return msgs, err
}

// OlderThan resolves beforeID to its server timestamp and returns up to
// limit+1 messages strictly older than it, newest-first; the caller uses
// the extra row to compute has_more via the standard fetch-N+1 trick.
func (r *MessageRepo) OlderThan(ctx context.Context, roomID int64, beforeID int64, limit int) ([]models.Message, error) {
	cursor, err := r.GetByID(ctx, beforeID)
	if err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			return nil, nil
		}
		return nil, err
	}

	var msgs []models.Message
	err = r.db.SelectContext(ctx, &msgs, `SELECT `+messageColumns+` FROM messages
        WHERE room_id=$1 AND (created_at, id) < ($2, $3)
        ORDER BY created_at DESC, id DESC LIMIT $4`, roomID, cursor.CreatedAt, cursor.ID, limit+1)
	return msgs, err
}
