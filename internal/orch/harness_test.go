package orch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/avolkov/meshcall/internal/domain"
	"github.com/avolkov/meshcall/internal/registry"
	"github.com/avolkov/meshcall/internal/signal"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

// fakeConn is a scripted media connection. With autoConnect set it
// reports CONNECTED as soon as both descriptions are in place, which
// stands in for ICE completing.
type fakeConn struct {
	peer domain.SessionID

	mu          sync.Mutex
	started     bool
	closed      bool
	localSet    bool
	remoteSet   bool
	applied     []webrtc.ICECandidateInit
	failOffer   bool
	failAnswer  bool
	autoConnect bool

	onICE   func(webrtc.ICECandidateInit)
	onTrack func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	onState func(webrtc.PeerConnectionState)
}

func (c *fakeConn) Start(ctx context.Context) error {
	c.mu.Lock()
	c.started = true
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failOffer {
		return webrtc.SessionDescription{}, errors.New("scripted offer failure")
	}
	c.localSet = true
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "sdp-offer-for-" + string(c.peer)}, nil
}

func (c *fakeConn) CreateAnswer(ctx context.Context, remote webrtc.SessionDescription) (webrtc.SessionDescription, error) {
	c.mu.Lock()
	if c.failAnswer {
		c.mu.Unlock()
		return webrtc.SessionDescription{}, errors.New("scripted answer failure")
	}
	c.remoteSet = true
	c.localSet = true
	fire := c.maybeConnectLocked()
	c.mu.Unlock()
	if fire != nil {
		fire(webrtc.PeerConnectionStateConnected)
	}
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "sdp-answer-for-" + string(c.peer)}, nil
}

func (c *fakeConn) ApplyAnswer(remote webrtc.SessionDescription) error {
	c.mu.Lock()
	c.remoteSet = true
	fire := c.maybeConnectLocked()
	c.mu.Unlock()
	if fire != nil {
		fire(webrtc.PeerConnectionStateConnected)
	}
	return nil
}

func (c *fakeConn) maybeConnectLocked() func(webrtc.PeerConnectionState) {
	if c.autoConnect && c.localSet && c.remoteSet && !c.closed {
		return c.onState
	}
	return nil
}

func (c *fakeConn) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.applied = append(c.applied, ci)
	return nil
}

func (c *fakeConn) HasRemoteDescription() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remoteSet
}

func (c *fakeConn) OnICECandidate(fn func(webrtc.ICECandidateInit)) { c.onICE = fn }

func (c *fakeConn) OnTrack(fn func(*webrtc.TrackRemote, *webrtc.RTPReceiver)) { c.onTrack = fn }

func (c *fakeConn) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) { c.onState = fn }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// fireState injects a transport-level state change, e.g. a failure.
func (c *fakeConn) fireState(s webrtc.PeerConnectionState) {
	c.mu.Lock()
	fn := c.onState
	c.mu.Unlock()
	if fn != nil {
		fn(s)
	}
}

// fireICE injects a locally gathered candidate.
func (c *fakeConn) fireICE(ci webrtc.ICECandidateInit) {
	c.mu.Lock()
	fn := c.onICE
	c.mu.Unlock()
	if fn != nil {
		fn(ci)
	}
}

func (c *fakeConn) appliedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.applied)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeEngine struct {
	mu          sync.Mutex
	acquired    bool
	released    int
	failAcquire bool
	connErr     error
	failOffers  bool
	conns       map[domain.SessionID]*fakeConn

	// acquireHook and connHook let tests block inside engine calls to
	// pin down interleavings.
	acquireHook func()
	connHook    func(domain.SessionID)
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{conns: make(map[domain.SessionID]*fakeConn)}
}

func (e *fakeEngine) AcquireMedia(ctx context.Context) error {
	if e.acquireHook != nil {
		e.acquireHook()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.failAcquire {
		return errors.New("no microphone")
	}
	e.acquired = true
	return nil
}

func (e *fakeEngine) ReleaseMedia() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.acquired = false
	e.released++
}

func (e *fakeEngine) NewConnection(peer domain.SessionID) (MediaConnection, error) {
	e.mu.Lock()
	if e.connErr != nil {
		e.mu.Unlock()
		return nil, e.connErr
	}
	c := &fakeConn{peer: peer, autoConnect: true, failOffer: e.failOffers}
	e.conns[peer] = c
	hook := e.connHook
	e.mu.Unlock()
	if hook != nil {
		hook(peer)
	}
	return c, nil
}

func (e *fakeEngine) conn(peer domain.SessionID) *fakeConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[peer]
}

func (e *fakeEngine) releasedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.released
}

// stubTransport records outbound signals for single-orchestrator tests.
type stubTransport struct {
	mu        sync.Mutex
	sent      []signal.Signal
	joinPeers []domain.SessionID
	joinErr   error
	sendErr   error
	closed    int
}

func (s *stubTransport) Join(ctx context.Context, room domain.RoomID, sid domain.SessionID, md domain.Metadata) ([]domain.SessionID, error) {
	if s.joinErr != nil {
		return nil, s.joinErr
	}
	return s.joinPeers, nil
}

func (s *stubTransport) Send(sig signal.Signal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, sig)
	return nil
}

func (s *stubTransport) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return nil
}

func (s *stubTransport) snapshot() []signal.Signal {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]signal.Signal{}, s.sent...)
}

func (s *stubTransport) countKind(k signal.Kind) int {
	n := 0
	for _, sig := range s.snapshot() {
		if sig.Kind == k {
			n++
		}
	}
	return n
}

func (s *stubTransport) closedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// meshNet wires several orchestrators through a real registry so the
// relay routing under test is the production one.
type meshNet struct {
	reg *registry.Registry

	mu      sync.Mutex
	clients map[domain.SessionID]*Orchestrator
	offers  int
	answers int
}

func newMeshNet() *meshNet {
	return &meshNet{
		reg:     registry.New(),
		clients: make(map[domain.SessionID]*Orchestrator),
	}
}

func (n *meshNet) counts() (offers, answers int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.offers, n.answers
}

type meshTransport struct {
	net  *meshNet
	sid  domain.SessionID
	room domain.RoomID
}

func (m *meshTransport) Join(ctx context.Context, room domain.RoomID, sid domain.SessionID, md domain.Metadata) ([]domain.SessionID, error) {
	if !m.net.reg.RoomExists(room) {
		if err := m.net.reg.CreateRoom(room, domain.RoomConfig{}); err != nil && !errors.Is(err, domain.ErrDuplicateRoom) {
			return nil, err
		}
	}
	peers, err := m.net.reg.Join(room, sid, md, "")
	if err != nil {
		return nil, err
	}
	m.room = room
	return peers, nil
}

func (m *meshTransport) Send(sig signal.Signal) error {
	m.net.mu.Lock()
	switch sig.Kind {
	case signal.KindOffer:
		m.net.offers++
	case signal.KindAnswer:
		m.net.answers++
	}
	m.net.mu.Unlock()

	m.net.reg.Relay(m.room, sig, func(peer domain.SessionID, s signal.Signal) {
		m.net.mu.Lock()
		dst := m.net.clients[peer]
		m.net.mu.Unlock()
		if dst != nil {
			dst.HandleSignal(s)
		}
	})
	return nil
}

func (m *meshTransport) Close() error {
	m.net.reg.Leave(m.room, m.sid)
	m.net.mu.Lock()
	delete(m.net.clients, m.sid)
	m.net.mu.Unlock()
	return nil
}

type meshClient struct {
	o   *Orchestrator
	eng *fakeEngine
	tr  *meshTransport
}

func (n *meshNet) newClient(t *testing.T, sid domain.SessionID) *meshClient {
	t.Helper()
	eng := newFakeEngine()
	tr := &meshTransport{net: n, sid: sid}
	o := New(sid, eng, tr, Config{})
	n.mu.Lock()
	n.clients[sid] = o
	n.mu.Unlock()
	t.Cleanup(func() { _ = o.Close() })
	return &meshClient{o: o, eng: eng, tr: tr}
}

func (c *meshClient) join(t *testing.T, room domain.RoomID) []domain.SessionID {
	t.Helper()
	peers, err := c.o.Initialize(context.Background(), room, nil)
	if err != nil {
		t.Fatalf("%s Initialize: %v", c.o.Self(), err)
	}
	return peers
}

func connectedSet(o *Orchestrator) map[domain.SessionID]bool {
	out := make(map[domain.SessionID]bool)
	for _, p := range o.ConnectedPeers() {
		out[p] = true
	}
	return out
}
