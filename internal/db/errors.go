package db

import "errors"

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrRoomNotFound       = errors.New("room not found")
	ErrMessageNotFound    = errors.New("message not found")
	ErrDuplicateUsername  = errors.New("username already taken")
	ErrDuplicateEmail     = errors.New("email already registered")
	ErrDuplicateRoomName  = errors.New("room name already taken")
)
