package orch

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/avolkov/meshcall/internal/domain"
	"github.com/avolkov/meshcall/internal/signal"
)

// MediaConnection is the orchestrator's view of one underlying media
// connection. Implemented on pion in internal/adapters/rtc; tests use
// a scripted fake.
type MediaConnection interface {
	// Start wires internal callbacks and binds the connection lifetime
	// to ctx. Must be called after the On* callbacks are registered.
	Start(ctx context.Context) error
	// CreateOffer produces and applies the local offer description.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// CreateAnswer applies the remote offer, then produces and applies
	// the local answer.
	CreateAnswer(ctx context.Context, remote webrtc.SessionDescription) (webrtc.SessionDescription, error)
	// ApplyAnswer applies the remote answer on the offerer side.
	ApplyAnswer(remote webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	// HasRemoteDescription reports whether candidates can be applied
	// directly instead of being queued.
	HasRemoteDescription() bool
	OnICECandidate(func(webrtc.ICECandidateInit))
	OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	Close() error
}

// Engine creates media connections and owns local capture resources.
type Engine interface {
	// AcquireMedia prepares local media (tracks, capture). Failure maps
	// to ErrMediaUnavailable at Initialize.
	AcquireMedia(ctx context.Context) error
	ReleaseMedia()
	NewConnection(peer domain.SessionID) (MediaConnection, error)
}

// Transport is the orchestrator's signaling channel: Join connects and
// enters the room, Send emits one signal, Close tears the channel
// down. Inbound signals are pushed by the host into HandleSignal.
type Transport interface {
	Join(ctx context.Context, room domain.RoomID, sid domain.SessionID, md domain.Metadata) ([]domain.SessionID, error)
	Send(sig signal.Signal) error
	Close() error
}
