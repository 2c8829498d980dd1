package orch

import (
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/meshcall/internal/domain"
)

// Role is fixed for the lifetime of a link, decided by who initiated.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// LinkState is the per-peer handshake state.
type LinkState int

const (
	LinkIdle LinkState = iota
	LinkOfferSent
	LinkAnswerPending
	LinkConnecting
	LinkConnected
	LinkFailed
	LinkClosed
)

func (s LinkState) String() string {
	switch s {
	case LinkIdle:
		return "idle"
	case LinkOfferSent:
		return "offer_sent"
	case LinkAnswerPending:
		return "answer_pending"
	case LinkConnecting:
		return "connecting"
	case LinkConnected:
		return "connected"
	case LinkFailed:
		return "failed"
	case LinkClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// CallState is the session-level summary exposed to the host.
type CallState string

const (
	CallDisconnected CallState = "disconnected"
	CallConnecting   CallState = "connecting"
	CallConnected    CallState = "connected"
	CallFailed       CallState = "failed"
)

// peerLink is one remote peer's connection attempt. State, conn and
// the pending queue are guarded by the orchestrator's mutex; handshake
// operations run only on the link's mailbox goroutine, which keeps
// them FIFO per peer while different peers proceed concurrently.
type peerLink struct {
	peer      domain.SessionID
	role      Role
	conn      MediaConnection // nil until the first handshake op runs
	state     LinkState
	connected bool // reached CONNECTED at least once

	// pending holds remote candidates that arrived before the remote
	// description (or before the connection object existed). Bounded;
	// the oldest entry is dropped on overflow.
	pending    []webrtc.ICECandidateInit
	pendingCap int

	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once
}

const linkMailboxDepth = 64

func newPeerLink(peer domain.SessionID, role Role, pendingCap int) *peerLink {
	return &peerLink{
		peer:       peer,
		role:       role,
		state:      LinkIdle,
		pendingCap: pendingCap,
		tasks:      make(chan func(), linkMailboxDepth),
		done:       make(chan struct{}),
	}
}

// stop ends the mailbox goroutine; queued tasks are discarded.
func (l *peerLink) stop() {
	l.closeOnce.Do(func() { close(l.done) })
}

// run drains the mailbox until the link closes.
func (l *peerLink) run() {
	for {
		select {
		case <-l.done:
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}

// post enqueues a handshake task. Returns false once the link is
// closed or its mailbox is saturated; a peer that floods its own
// mailbox loses messages rather than stalling other peers.
func (l *peerLink) post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	default:
		log.Warn().Str("module", "orch.link").Str("peer", string(l.peer)).Msg("mailbox full, dropping event")
		return false
	}
}

// enqueueCandidate buffers a candidate, evicting the oldest when full.
// The cap keeps a peer from growing the queue without bound; losing an
// evicted candidate costs at most that one ICE path. Caller holds the
// orchestrator mutex.
func (l *peerLink) enqueueCandidate(c webrtc.ICECandidateInit) {
	if l.pendingCap > 0 && len(l.pending) >= l.pendingCap {
		l.pending = l.pending[1:]
		log.Warn().Str("module", "orch.link").Str("peer", string(l.peer)).Msg("pending candidate queue full, dropped oldest")
	}
	l.pending = append(l.pending, c)
}

// takePending empties the queue and returns its contents. Caller holds
// the orchestrator mutex and applies the candidates outside it.
func (l *peerLink) takePending() []webrtc.ICECandidateInit {
	out := l.pending
	l.pending = nil
	return out
}
