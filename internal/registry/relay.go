package registry

import (
	"github.com/rs/zerolog/log"

	"github.com/avolkov/meshcall/internal/domain"
	"github.com/avolkov/meshcall/internal/signal"
)

// SendFunc delivers one signal to one peer. Injected by the transport
// adapter; the relay itself never touches a socket.
type SendFunc func(peer domain.SessionID, sig signal.Signal)

// NoticeFunc delivers a membership notice to one peer.
type NoticeFunc func(peer domain.SessionID, notice any)

// Relay routes a signal by room membership. A targeted signal goes to
// its target exactly once, and only if the target is currently a
// member; anything else is broadcast to every member except the
// sender. Missing rooms and missing targets are silent no-ops. The
// payload is never inspected beyond the routing fields.
func (r *Registry) Relay(room domain.RoomID, sig signal.Signal, send SendFunc) {
	recipients := r.recipients(room, sig)
	for _, peer := range recipients {
		send(peer, sig)
	}
	log.Debug().Str("module", "registry.relay").Str("room", string(room)).
		Str("kind", string(sig.Kind)).Str("from", string(sig.Sender)).
		Str("target", string(sig.Target)).Int("sent", len(recipients)).Msg("relayed")
}

// recipients snapshots the membership under the read lock; the send
// callbacks run outside it so they may re-enter the registry.
func (r *Registry) recipients(room domain.RoomID, sig signal.Signal) []domain.SessionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.rooms[room]
	if !ok {
		return nil
	}
	if sig.Targeted() {
		if _, ok := st.sessions[sig.Target]; !ok || sig.Target == sig.Sender {
			return nil
		}
		return []domain.SessionID{sig.Target}
	}
	out := make([]domain.SessionID, 0, len(st.sessions))
	for id := range st.sessions {
		if id != sig.Sender {
			out = append(out, id)
		}
	}
	return out
}

// NotifyJoined tells every other member that sid has joined, carrying
// the updated peer list. Called by the transport right after Join so
// clients can refresh their peer sets before any offers flow.
func (r *Registry) NotifyJoined(room domain.RoomID, sid domain.SessionID, send NoticeFunc) {
	for _, peer := range r.PeersExcluding(room, sid) {
		// Each recipient gets its own view of the peer set, which now
		// includes the joiner.
		send(peer, signal.NewPeerJoined(sid, r.PeersExcluding(room, peer)))
	}
}

// NotifyLeft tells every remaining member that sid has gone.
func (r *Registry) NotifyLeft(room domain.RoomID, sid domain.SessionID, send NoticeFunc) {
	for _, peer := range r.PeersExcluding(room, sid) {
		send(peer, signal.NewPeerLeft(sid))
	}
}
