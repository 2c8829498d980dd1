package signal

import (
	"encoding/json"
	"fmt"

	"github.com/avolkov/meshcall/internal/domain"
)

// Wire envelope types. The payload of the webrtc_* envelopes is a
// string-encoded JSON document carrying the SDP or candidate plus an
// optional targetPeerId used only for routing.
const (
	WireOffer     = "webrtc_offer"
	WireAnswer    = "webrtc_answer"
	WireCandidate = "webrtc_ice_candidate"
	WireLeave     = "leave_room"

	WirePeersList  = "peers_list"
	WirePeerJoined = "peer_joined"
	WirePeerLeft   = "peer_left"

	ActionJoin = "join"
)

// Envelope is the transport-level frame. Either Action or Type is set.
type Envelope struct {
	Action    string            `json:"action,omitempty"`
	RoomID    domain.RoomID     `json:"roomId,omitempty"`
	SessionID domain.SessionID  `json:"sessionId,omitempty"`
	Password  string            `json:"password,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`

	Type            string           `json:"type,omitempty"`
	Payload         string           `json:"payload,omitempty"`
	SenderSessionID domain.SessionID `json:"senderSessionId,omitempty"`
}

// descriptionPayload and candidatePayload are the inner documents of
// the string-encoded payload field.
type descriptionPayload struct {
	Type         string           `json:"type"`
	SDP          string           `json:"sdp"`
	TargetPeerID domain.SessionID `json:"targetPeerId,omitempty"`
}

type candidatePayload struct {
	Candidate     string           `json:"candidate"`
	SDPMid        *string          `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16          `json:"sdpMLineIndex,omitempty"`
	TargetPeerID  domain.SessionID `json:"targetPeerId,omitempty"`
}

// Encode renders a signal as a wire frame.
func Encode(sig Signal) ([]byte, error) {
	env := Envelope{SenderSessionID: sig.Sender}

	switch sig.Kind {
	case KindOffer, KindAnswer:
		if sig.Kind == KindOffer {
			env.Type = WireOffer
		} else {
			env.Type = WireAnswer
		}
		inner, err := json.Marshal(descriptionPayload{
			Type:         sig.Description.Type,
			SDP:          sig.Description.SDP,
			TargetPeerID: sig.Target,
		})
		if err != nil {
			return nil, fmt.Errorf("encode %s payload: %w", sig.Kind, err)
		}
		env.Payload = string(inner)
	case KindICECandidate:
		env.Type = WireCandidate
		inner, err := json.Marshal(candidatePayload{
			Candidate:     sig.Candidate.Candidate,
			SDPMid:        sig.Candidate.SDPMid,
			SDPMLineIndex: sig.Candidate.SDPMLineIndex,
			TargetPeerID:  sig.Target,
		})
		if err != nil {
			return nil, fmt.Errorf("encode candidate payload: %w", err)
		}
		env.Payload = string(inner)
	case KindLeave:
		env.Type = WireLeave
	default:
		return nil, fmt.Errorf("%w: %q", domain.ErrUnknownSignalType, sig.Kind)
	}

	return json.Marshal(env)
}

// Decode parses a signal frame into the tagged union. sender overrides
// the frame's senderSessionId when non-empty, so a relay bound to an
// authenticated connection cannot be spoofed by the frame contents.
func Decode(data []byte, sender domain.SessionID) (Signal, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Signal{}, fmt.Errorf("decode envelope: %w", err)
	}
	if sender == "" {
		sender = env.SenderSessionID
	}

	switch env.Type {
	case WireOffer, WireAnswer:
		var p descriptionPayload
		if err := json.Unmarshal([]byte(env.Payload), &p); err != nil {
			return Signal{}, fmt.Errorf("decode %s payload: %w", env.Type, err)
		}
		if env.Type == WireOffer {
			return NewOffer(sender, p.TargetPeerID, p.SDP), nil
		}
		return NewAnswer(sender, p.TargetPeerID, p.SDP), nil
	case WireCandidate:
		var p candidatePayload
		if err := json.Unmarshal([]byte(env.Payload), &p); err != nil {
			return Signal{}, fmt.Errorf("decode candidate payload: %w", err)
		}
		return NewCandidate(sender, p.TargetPeerID, Candidate{
			Candidate:     p.Candidate,
			SDPMid:        p.SDPMid,
			SDPMLineIndex: p.SDPMLineIndex,
		}), nil
	case WireLeave:
		return NewLeave(sender), nil
	default:
		return Signal{}, fmt.Errorf("%w: %q", domain.ErrUnknownSignalType, env.Type)
	}
}

// Notices are relay-to-client membership messages.

type PeersList struct {
	Type      string             `json:"type"`
	Peers     []domain.SessionID `json:"peers"`
	RoomID    domain.RoomID      `json:"roomId"`
	SessionID domain.SessionID   `json:"sessionId"`
}

type PeerJoined struct {
	Type   string             `json:"type"`
	PeerID domain.SessionID   `json:"peerId"`
	Peers  []domain.SessionID `json:"peers"`
}

type PeerLeft struct {
	Type   string           `json:"type"`
	PeerID domain.SessionID `json:"peerId"`
}

func NewPeersList(room domain.RoomID, sid domain.SessionID, peers []domain.SessionID) PeersList {
	return PeersList{Type: WirePeersList, Peers: peers, RoomID: room, SessionID: sid}
}

func NewPeerJoined(peer domain.SessionID, peers []domain.SessionID) PeerJoined {
	return PeerJoined{Type: WirePeerJoined, PeerID: peer, Peers: peers}
}

func NewPeerLeft(peer domain.SessionID) PeerLeft {
	return PeerLeft{Type: WirePeerLeft, PeerID: peer}
}
