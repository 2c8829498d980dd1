package domain

import "errors"

var (
	ErrRoomNotFound         = errors.New("room not found")
	ErrDuplicateRoom        = errors.New("room already exists")
	ErrRoomPasswordMismatch = errors.New("room password mismatch")
	ErrRoomFull             = errors.New("room is full")
	ErrRoomIDInvalid        = errors.New("room id empty or too long")

	ErrUnknownSignalType = errors.New("unknown signal type")

	ErrSignalingUnavailable = errors.New("signaling unavailable")
	ErrMediaUnavailable     = errors.New("media unavailable")
)
