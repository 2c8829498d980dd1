package signal

import "github.com/avolkov/meshcall/internal/domain"

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickMember
)

// Policy decides what happens to a member that cannot keep up with the
// relay fan-out.
type Policy interface {
	OnBackpressure(room domain.RoomID, sid domain.SessionID) BackpressureAction
}

// KickPolicy drops slow members: a signaling client that cannot drain
// a few dozen small frames is effectively gone anyway.
type KickPolicy struct{}

func (KickPolicy) OnBackpressure(domain.RoomID, domain.SessionID) BackpressureAction {
	return KickMember
}
