// Package signal defines the unit of cross-peer communication and its
// wire encoding. Signals are decoded once at the transport boundary;
// nothing downstream re-inspects raw JSON.
package signal

import "github.com/avolkov/meshcall/internal/domain"

type Kind string

const (
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindICECandidate Kind = "ice_candidate"
	KindLeave        Kind = "leave"
)

// Description is a proposed session description (SDP) for one side of a
// handshake. Type is "offer" or "answer".
type Description struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate mirrors the browser ICECandidateInit shape.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// Signal is one signaling message between peers. Exactly one of
// Description/Candidate is set, matching Kind. Immutable once built.
type Signal struct {
	Kind        Kind
	Sender      domain.SessionID
	Target      domain.SessionID // empty means broadcast to the room
	Description *Description
	Candidate   *Candidate
}

// Targeted reports whether the signal is addressed to a single peer.
func (s Signal) Targeted() bool { return s.Target != "" }

func NewOffer(sender, target domain.SessionID, sdp string) Signal {
	return Signal{
		Kind:        KindOffer,
		Sender:      sender,
		Target:      target,
		Description: &Description{Type: "offer", SDP: sdp},
	}
}

func NewAnswer(sender, target domain.SessionID, sdp string) Signal {
	return Signal{
		Kind:        KindAnswer,
		Sender:      sender,
		Target:      target,
		Description: &Description{Type: "answer", SDP: sdp},
	}
}

func NewCandidate(sender, target domain.SessionID, c Candidate) Signal {
	return Signal{
		Kind:      KindICECandidate,
		Sender:    sender,
		Target:    target,
		Candidate: &c,
	}
}

// NewLeave is always a broadcast; there is no targeted goodbye.
func NewLeave(sender domain.SessionID) Signal {
	return Signal{Kind: KindLeave, Sender: sender}
}
