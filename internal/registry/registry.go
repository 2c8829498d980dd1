// Package registry is the in-memory directory of rooms and sessions
// plus the signal relay. It performs no I/O of its own: all delivery
// happens through callbacks injected by the transport adapter.
package registry

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/avolkov/meshcall/internal/domain"
)

type roomState struct {
	cfg       domain.RoomConfig
	createdAt time.Time
	sessions  map[domain.SessionID]*domain.Session
}

// Registry tracks room membership. All mutating operations are
// serialized behind one lock; it is safe under a concurrent transport
// but makes no lock-free claims.
type Registry struct {
	mu    sync.RWMutex
	rooms map[domain.RoomID]*roomState
}

func New() *Registry {
	return &Registry{rooms: make(map[domain.RoomID]*roomState)}
}

// CreateRoom registers an empty room. The registry is policy-free:
// hosts that want auto-create call CreateRoom then Join and ignore
// ErrDuplicateRoom; hosts that require pre-existing rooms just Join.
func (r *Registry) CreateRoom(id domain.RoomID, cfg domain.RoomConfig) error {
	if id == "" || len(id) > domain.MaxRoomIDLen {
		return domain.ErrRoomIDInvalid
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.rooms[id]; ok {
		return domain.ErrDuplicateRoom
	}
	r.rooms[id] = &roomState{
		cfg:       cfg,
		createdAt: time.Now(),
		sessions:  make(map[domain.SessionID]*domain.Session),
	}
	log.Info().Str("module", "registry").Str("room", string(id)).Msg("room created")
	return nil
}

// Join adds a session to an existing room and returns the ids of the
// peers that were already present. Joining again with the same session
// id replaces the previous session (fresh joinedAt and metadata)
// without duplicating membership; the transport adapter is expected to
// swap its connection handle at the same time.
func (r *Registry) Join(room domain.RoomID, sid domain.SessionID, md domain.Metadata, password string) ([]domain.SessionID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.rooms[room]
	if !ok {
		return nil, domain.ErrRoomNotFound
	}
	if st.cfg.Password != "" && st.cfg.Password != password {
		return nil, domain.ErrRoomPasswordMismatch
	}
	_, rejoin := st.sessions[sid]
	if !rejoin && st.cfg.MaxPeers > 0 && len(st.sessions) >= st.cfg.MaxPeers {
		return nil, domain.ErrRoomFull
	}

	peers := make([]domain.SessionID, 0, len(st.sessions))
	for id := range st.sessions {
		if id != sid {
			peers = append(peers, id)
		}
	}
	st.sessions[sid] = domain.NewSession(sid, room, md)
	log.Info().Str("module", "registry").Str("room", string(room)).Str("sid", string(sid)).
		Bool("rejoin", rejoin).Int("peers", len(peers)).Msg("session joined")
	return peers, nil
}

// Leave removes the session and deletes the room once it is empty.
// Idempotent: unknown rooms and sessions are not errors.
func (r *Registry) Leave(room domain.RoomID, sid domain.SessionID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.rooms[room]
	if !ok {
		return
	}
	if _, ok := st.sessions[sid]; !ok {
		return
	}
	delete(st.sessions, sid)
	log.Info().Str("module", "registry").Str("room", string(room)).Str("sid", string(sid)).Msg("session left")
	if len(st.sessions) == 0 {
		delete(r.rooms, room)
		log.Info().Str("module", "registry").Str("room", string(room)).Msg("empty room deleted")
	}
}

// PeersExcluding lists current members except the given session.
func (r *Registry) PeersExcluding(room domain.RoomID, sid domain.SessionID) []domain.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.rooms[room]
	if !ok {
		return nil
	}
	out := make([]domain.SessionID, 0, len(st.sessions))
	for id := range st.sessions {
		if id != sid {
			out = append(out, id)
		}
	}
	return out
}

func (r *Registry) RoomExists(room domain.RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.rooms[room]
	return ok
}

func (r *Registry) RoomSize(room domain.RoomID) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.rooms[room]
	if !ok {
		return 0
	}
	return len(st.sessions)
}

// TotalSessions counts sessions across all rooms.
func (r *Registry) TotalSessions() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, st := range r.rooms {
		n += len(st.sessions)
	}
	return n
}

// Session returns a copy-safe pointer to the stored session, if any.
func (r *Registry) Session(room domain.RoomID, sid domain.SessionID) (*domain.Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.rooms[room]
	if !ok {
		return nil, false
	}
	s, ok := st.sessions[sid]
	return s, ok
}

// RoomInfo is a read-only room view for the HTTP API.
type RoomInfo struct {
	ID          domain.RoomID `json:"id"`
	MemberCount int           `json:"memberCount"`
	MaxPeers    int           `json:"maxPeers,omitempty"`
	Protected   bool          `json:"protected"`
	CreatedAt   time.Time     `json:"createdAt"`
}

func (r *Registry) Rooms() []RoomInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]RoomInfo, 0, len(r.rooms))
	for id, st := range r.rooms {
		out = append(out, RoomInfo{
			ID:          id,
			MemberCount: len(st.sessions),
			MaxPeers:    st.cfg.MaxPeers,
			Protected:   st.cfg.Password != "",
			CreatedAt:   st.createdAt,
		})
	}
	return out
}
