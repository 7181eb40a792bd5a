package models

import "time"

// MessageKind enumerates the persisted message types.
type MessageKind string

const (
	MessageKindText   MessageKind = "text"
	MessageKindSystem MessageKind = "system"
)

// Message is a single entry in a room's log. AuthorID is nil for system
// messages. Ordering within a room is (CreatedAt, ID).
//
// DeletedAt exists in the schema for parity with the source system but has
// no behavior wired to it (spec Non-goals: message edit/delete semantics).
type Message struct {
	ID        int64       `db:"id" json:"id"`
	RoomID    int64       `db:"room_id" json:"room_id"`
	AuthorID  *int64      `db:"user_id" json:"author_id,omitempty"`
	Content   string      `db:"content" json:"content"`
	Kind      MessageKind `db:"message_type" json:"kind"`
	CreatedAt time.Time   `db:"created_at" json:"created_at"`
	DeletedAt *time.Time  `db:"deleted_at" json:"-"`
}
