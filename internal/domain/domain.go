// Package domain contains entities without logic, just meta-data.
package domain

import (
	"maps"
	"time"
)

type (
	RoomID    string
	SessionID string
)

const MaxRoomIDLen = 64

// Metadata is an opaque key-value bag supplied at join time.
// Immutable after the session is created.
type Metadata map[string]string

// Session is one participant's presence in one room.
type Session struct {
	ID       SessionID
	Room     RoomID
	JoinedAt time.Time
	Metadata Metadata
}

// NewSession copies the metadata so later mutation by the caller
// cannot leak into the registry.
func NewSession(id SessionID, room RoomID, md Metadata) *Session {
	return &Session{
		ID:       id,
		Room:     room,
		JoinedAt: time.Now(),
		Metadata: maps.Clone(md),
	}
}

// RoomConfig is fixed at room creation.
type RoomConfig struct {
	Password string `json:"password,omitempty"`
	// MaxPeers caps membership; zero means unlimited.
	MaxPeers int `json:"maxPeers,omitempty"`
}

type Room struct {
	ID        RoomID
	Config    RoomConfig
	CreatedAt time.Time
}
