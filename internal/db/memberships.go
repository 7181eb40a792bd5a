package db

import (
	"context"

	"github.com/jmoiron/sqlx"

	"github.com/wersvet/chatcore/internal/models"
)

// MembershipRepository abstracts room membership persistence.
type MembershipRepository interface {
	Join(ctx context.Context, userID, roomID int64) (models.Membership, error)
	Leave(ctx context.Context, userID, roomID int64) error
	IsActiveMember(ctx context.Context, userID, roomID int64) (bool, error)
	ActiveRoomIDs(ctx context.Context, userID int64) ([]int64, error)
}

// MembershipRepo is the sqlx-backed implementation.
type MembershipRepo struct {
	db *sqlx.DB
}

// NewMembershipRepo constructs a MembershipRepo.
func NewMembershipRepo(db *sqlx.DB) *MembershipRepo {
	return &MembershipRepo{db: db}
}

// Join creates or reactivates a membership. Re-join flips active=true and
// refreshes joined_at.
func (r *MembershipRepo) Join(ctx context.Context, userID, roomID int64) (models.Membership, error) {
	var m models.Membership
	err := r.db.QueryRowxContext(ctx, `INSERT INTO room_memberships (user_id, room_id, joined_at, is_active)
        VALUES ($1, $2, NOW(), TRUE)
        ON CONFLICT (user_id, room_id) DO UPDATE SET joined_at = NOW(), is_active = TRUE
        RETURNING user_id, room_id, joined_at, is_active`, userID, roomID).
		Scan(&m.UserID, &m.RoomID, &m.JoinedAt, &m.Active)
	return m, err
}

// Leave soft-deletes a membership, preserving history.
func (r *MembershipRepo) Leave(ctx context.Context, userID, roomID int64) error {
	_, err := r.db.ExecContext(ctx, `UPDATE room_memberships SET is_active = FALSE WHERE user_id=$1 AND room_id=$2`, userID, roomID)
	return err
}

// IsActiveMember checks current membership.
func (r *MembershipRepo) IsActiveMember(ctx context.Context, userID, roomID int64) (bool, error) {
	var exists bool
	err := r.db.GetContext(ctx, &exists, `SELECT EXISTS(SELECT 1 FROM room_memberships WHERE user_id=$1 AND room_id=$2 AND is_active)`, userID, roomID)
	return exists, err
}

// ActiveRoomIDs returns the rooms a user currently belongs to. This is the
// DB-authoritative source the presence engine re-derives from on every
// mark_online.
func (r *MembershipRepo) ActiveRoomIDs(ctx context.Context, userID int64) ([]int64, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, `SELECT room_id FROM room_memberships WHERE user_id=$1 AND is_active`, userID)
	return ids, err
}
