package signal

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/avolkov/meshcall/internal/domain"
)

func TestEncodeDecode_TargetedOffer(t *testing.T) {
	in := NewOffer("a", "b", "v=0 fake sdp")
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	// The envelope payload must be a string-encoded JSON document.
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("envelope: %v", err)
	}
	if env.Type != WireOffer {
		t.Fatalf("wire type = %q, want %q", env.Type, WireOffer)
	}
	if env.Payload == "" {
		t.Fatalf("payload should be a non-empty string")
	}

	out, err := Decode(data, "")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Kind != KindOffer || out.Sender != "a" || out.Target != "b" {
		t.Fatalf("round trip mangled routing fields: %+v", out)
	}
	if out.Description == nil || out.Description.SDP != "v=0 fake sdp" {
		t.Fatalf("round trip mangled SDP: %+v", out.Description)
	}
}

func TestDecode_SenderOverridePreventsSpoofing(t *testing.T) {
	data, err := Encode(NewAnswer("mallory", "b", "sdp"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(data, "alice")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Sender != "alice" {
		t.Fatalf("sender = %q, want the connection-bound identity", out.Sender)
	}
}

func TestEncodeDecode_Candidate(t *testing.T) {
	mid := "0"
	idx := uint16(0)
	in := NewCandidate("a", "", Candidate{
		Candidate:     "candidate:1 1 udp 2122260223 192.0.2.1 54400 typ host",
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
	data, err := Encode(in)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(data, "a")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Kind != KindICECandidate || out.Targeted() {
		t.Fatalf("candidate routing wrong: %+v", out)
	}
	if out.Candidate.SDPMid == nil || *out.Candidate.SDPMid != "0" {
		t.Fatalf("sdpMid lost: %+v", out.Candidate)
	}
	if out.Candidate.SDPMLineIndex == nil || *out.Candidate.SDPMLineIndex != 0 {
		t.Fatalf("sdpMLineIndex lost: %+v", out.Candidate)
	}
}

func TestEncodeDecode_Leave(t *testing.T) {
	data, err := Encode(NewLeave("a"))
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	out, err := Decode(data, "")
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if out.Kind != KindLeave || out.Sender != "a" || out.Targeted() {
		t.Fatalf("leave round trip wrong: %+v", out)
	}
}

func TestDecode_UnknownType(t *testing.T) {
	_, err := Decode([]byte(`{"type":"hologram_transfer","payload":"{}"}`), "a")
	if !errors.Is(err, domain.ErrUnknownSignalType) {
		t.Fatalf("expected ErrUnknownSignalType, got %v", err)
	}
}

func TestDecode_BadPayload(t *testing.T) {
	_, err := Decode([]byte(`{"type":"webrtc_offer","payload":"not json"}`), "a")
	if err == nil {
		t.Fatalf("expected error for unparsable payload")
	}
}
