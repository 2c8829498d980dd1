// Package orch reconciles inbound signals and local intents into a set
// of live per-peer media connections: one connection object per remote
// peer, driven by an offer/answer/candidate state machine per peer.
package orch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/meshcall/internal/domain"
	"github.com/avolkov/meshcall/internal/signal"
)

var (
	ErrNotInRoom     = errors.New("orchestrator not in a room")
	ErrAlreadyInRoom = errors.New("orchestrator already in a room")
)

// errLinkClosed reports that a handshake task lost a race with cleanup;
// the task just stops, nothing failed.
var errLinkClosed = errors.New("peer link closed")

type Config struct {
	// PendingCandidateCap bounds the per-peer queue of candidates that
	// arrive before the remote description.
	PendingCandidateCap int
	// HandshakeTimeout bounds each offer/answer engine operation.
	HandshakeTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.PendingCandidateCap <= 0 {
		c.PendingCandidateCap = 32
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 15 * time.Second
	}
	return c
}

// Orchestrator runs the client side of one session: it joins a room
// over the transport, keeps one peerLink per remote peer, and feeds
// every engine callback back through the owning link's mailbox so that
// signal handling stays ordered per peer.
type Orchestrator struct {
	self      domain.SessionID
	engine    Engine
	transport Transport
	cfg       Config
	events    Events

	mu           sync.Mutex
	initialized  bool
	initializing bool
	room         domain.RoomID
	ctx          context.Context
	cancel       context.CancelFunc
	links        map[domain.SessionID]*peerLink
	state        CallState

	wg sync.WaitGroup
}

func New(self domain.SessionID, engine Engine, transport Transport, cfg Config) *Orchestrator {
	return &Orchestrator{
		self:      self,
		engine:    engine,
		transport: transport,
		cfg:       cfg.withDefaults(),
		links:     make(map[domain.SessionID]*peerLink),
		state:     CallDisconnected,
	}
}

func (o *Orchestrator) Events() *Events { return &o.events }

func (o *Orchestrator) Self() domain.SessionID { return o.self }

// State returns the session-level connection summary.
func (o *Orchestrator) State() CallState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// ConnectedPeers lists peers whose links are currently CONNECTED.
func (o *Orchestrator) ConnectedPeers() []domain.SessionID {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.SessionID, 0, len(o.links))
	for id, l := range o.links {
		if l.state == LinkConnected {
			out = append(out, id)
		}
	}
	return out
}

// Initialize acquires local media and joins the room over the
// transport. Returns the peers already present so the host can decide
// whom to call.
func (o *Orchestrator) Initialize(ctx context.Context, room domain.RoomID, md domain.Metadata) ([]domain.SessionID, error) {
	o.mu.Lock()
	if o.initialized || o.initializing {
		o.mu.Unlock()
		return nil, ErrAlreadyInRoom
	}
	o.initializing = true
	o.mu.Unlock()

	if err := o.engine.AcquireMedia(ctx); err != nil {
		o.clearInitializing()
		return nil, fmt.Errorf("%w: %v", domain.ErrMediaUnavailable, err)
	}
	peers, err := o.transport.Join(ctx, room, o.self, md)
	if err != nil {
		o.engine.ReleaseMedia()
		o.clearInitializing()
		return nil, fmt.Errorf("%w: %v", domain.ErrSignalingUnavailable, err)
	}

	sctx, cancel := context.WithCancel(context.Background())
	o.mu.Lock()
	o.initializing = false
	o.initialized = true
	o.room = room
	o.ctx = sctx
	o.cancel = cancel
	o.links = make(map[domain.SessionID]*peerLink)
	o.state = CallDisconnected
	o.mu.Unlock()

	log.Info().Str("module", "orch").Str("sid", string(o.self)).Str("room", string(room)).
		Int("peers", len(peers)).Msg("initialized")
	return peers, nil
}

func (o *Orchestrator) clearInitializing() {
	o.mu.Lock()
	o.initializing = false
	o.mu.Unlock()
}

// CreateOffersForPeers starts an offerer handshake toward every listed
// peer that does not already have a live link. Peers already being
// called or connected are skipped, so it is safe to pass the full room
// peer list.
func (o *Orchestrator) CreateOffersForPeers(peers []domain.SessionID) error {
	o.mu.Lock()
	if !o.initialized {
		o.mu.Unlock()
		return ErrNotInRoom
	}
	started := make([]*peerLink, 0, len(peers))
	for _, peer := range peers {
		if peer == o.self {
			continue
		}
		if _, ok := o.links[peer]; ok {
			continue
		}
		l := o.spawnLinkLocked(peer, RoleOfferer)
		started = append(started, l)
	}
	o.mu.Unlock()

	for _, l := range started {
		l.post(func() { o.runOffer(l) })
	}
	return nil
}

// HandleSignal consumes one inbound signal. It never returns an error:
// a bad message from one peer must not take down handling of other
// peers' messages, so failures are logged and reported on the error
// feed instead.
func (o *Orchestrator) HandleSignal(sig signal.Signal) {
	if sig.Sender == o.self {
		return // loopback suppression
	}
	if sig.Targeted() && sig.Target != o.self {
		return // an over-broadcasting relay must not corrupt our state
	}
	o.mu.Lock()
	initialized := o.initialized
	o.mu.Unlock()
	if !initialized {
		return
	}

	switch sig.Kind {
	case signal.KindOffer:
		o.handleOffer(sig)
	case signal.KindAnswer:
		o.handleAnswer(sig)
	case signal.KindICECandidate:
		o.handleCandidate(sig)
	case signal.KindLeave:
		o.CleanupPeer(sig.Sender)
	default:
		log.Warn().Str("module", "orch").Str("kind", string(sig.Kind)).Msg("unknown signal kind dropped")
	}
}

// HandlePeerLeft is the membership-notice twin of a leave signal.
func (o *Orchestrator) HandlePeerLeft(peer domain.SessionID) {
	o.CleanupPeer(peer)
}

// CleanupPeer closes the peer's connection, discards its pending
// candidates and removes the link. Safe to call twice: the second call
// finds no link and does nothing.
func (o *Orchestrator) CleanupPeer(peer domain.SessionID) {
	o.mu.Lock()
	l, ok := o.links[peer]
	if ok {
		delete(o.links, peer)
	}
	o.mu.Unlock()
	if ok {
		o.closeLink(l, true)
	}
}

// LeaveRoom emits a best-effort leave signal, tears down every link,
// releases local media and resets to the pre-Initialize state. It
// completes even when handshakes are in flight; their late results
// land on closed links and become no-ops.
func (o *Orchestrator) LeaveRoom() error {
	o.mu.Lock()
	if !o.initialized {
		o.mu.Unlock()
		return nil
	}
	room := o.room
	links := make([]*peerLink, 0, len(o.links))
	for _, l := range o.links {
		links = append(links, l)
	}
	o.initialized = false
	o.room = ""
	o.links = make(map[domain.SessionID]*peerLink)
	cancel := o.cancel
	o.cancel = nil
	o.ctx = nil
	prev := o.state
	o.state = CallDisconnected
	o.mu.Unlock()

	if err := o.transport.Send(signal.NewLeave(o.self)); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("sid", string(o.self)).Msg("leave signal send failed")
	}
	for _, l := range links {
		o.closeLink(l, true)
	}
	if cancel != nil {
		cancel()
	}
	o.engine.ReleaseMedia()
	if err := o.transport.Close(); err != nil {
		log.Warn().Err(err).Str("module", "orch").Msg("transport close")
	}
	if prev != CallDisconnected {
		o.events.state.publish(CallDisconnected)
	}
	log.Info().Str("module", "orch").Str("sid", string(o.self)).Str("room", string(room)).Msg("left room")
	return nil
}

// Close leaves the room (if joined) and waits for link mailboxes to
// drain.
func (o *Orchestrator) Close() error {
	err := o.LeaveRoom()
	o.wg.Wait()
	return err
}

// --- per-signal handling ---

func (o *Orchestrator) handleOffer(sig signal.Signal) {
	peer := sig.Sender
	sdp := sig.Description.SDP

	o.mu.Lock()
	l, ok := o.links[peer]
	if ok && l.role == RoleOfferer && l.state == LinkOfferSent {
		// Glare: both sides offered at once. The lexicographically
		// smaller session id keeps the offerer role.
		if o.self < peer {
			o.mu.Unlock()
			log.Info().Str("module", "orch").Str("peer", string(peer)).Msg("glare: keeping offerer role, remote offer dropped")
			return
		}
		delete(o.links, peer)
		o.mu.Unlock()
		log.Info().Str("module", "orch").Str("peer", string(peer)).Msg("glare: yielding offerer role")
		o.closeLink(l, false)
		o.mu.Lock()
		l, ok = nil, false
	}
	if ok && !(l.state == LinkIdle && l.conn == nil) {
		// Duplicate or out-of-order offer for a live handshake.
		o.mu.Unlock()
		log.Debug().Str("module", "orch").Str("peer", string(peer)).Str("state", l.state.String()).Msg("offer for live link ignored")
		return
	}
	if !ok {
		l = o.spawnLinkLocked(peer, RoleAnswerer)
	}
	o.mu.Unlock()

	l.post(func() { o.runAnswer(l, sdp) })
}

func (o *Orchestrator) handleAnswer(sig signal.Signal) {
	o.mu.Lock()
	l, ok := o.links[sig.Sender]
	o.mu.Unlock()
	if !ok || l.role != RoleOfferer {
		// Stale or duplicate answer; not an error.
		log.Debug().Str("module", "orch").Str("peer", string(sig.Sender)).Msg("answer without matching offer ignored")
		return
	}
	sdp := sig.Description.SDP
	l.post(func() { o.runApplyAnswer(l, sdp) })
}

func (o *Orchestrator) handleCandidate(sig signal.Signal) {
	peer := sig.Sender
	o.mu.Lock()
	l, ok := o.links[peer]
	if !ok {
		// Candidate raced ahead of its offer. Park it on a provisional
		// answerer link with no connection yet; runAnswer will flush it.
		l = o.spawnLinkLocked(peer, RoleAnswerer)
	}
	o.mu.Unlock()

	ci := toICEInit(*sig.Candidate)
	l.post(func() { o.runCandidate(l, ci) })
}

// --- mailbox tasks ---

func (o *Orchestrator) runOffer(l *peerLink) {
	conn, err := o.engine.NewConnection(l.peer)
	if err != nil {
		o.failLink(l, fmt.Errorf("new connection: %w", err))
		return
	}
	if err := o.bindConnection(l, conn); err != nil {
		if !errors.Is(err, errLinkClosed) {
			o.failLink(l, fmt.Errorf("start connection: %w", err))
		}
		return
	}

	ctx, cancelTimeout := o.handshakeCtx()
	defer cancelTimeout()
	offer, err := conn.CreateOffer(ctx)
	if err != nil {
		o.failLink(l, fmt.Errorf("create offer: %w", err))
		return
	}

	o.setLinkState(l, LinkOfferSent)
	if err := o.transport.Send(signal.NewOffer(o.self, l.peer, offer.SDP)); err != nil {
		// Best-effort: the host may retry CreateOffersForPeers.
		log.Warn().Err(err).Str("module", "orch").Str("peer", string(l.peer)).Msg("offer send failed")
	}
}

func (o *Orchestrator) runAnswer(l *peerLink, offerSDP string) {
	o.mu.Lock()
	if l.state == LinkClosed {
		o.mu.Unlock()
		return
	}
	if l.conn != nil {
		// Already answering or answered; duplicate offer delivery.
		o.mu.Unlock()
		return
	}
	o.mu.Unlock()

	conn, err := o.engine.NewConnection(l.peer)
	if err != nil {
		o.failLink(l, fmt.Errorf("new connection: %w", err))
		return
	}
	if err := o.bindConnection(l, conn); err != nil {
		if !errors.Is(err, errLinkClosed) {
			o.failLink(l, fmt.Errorf("start connection: %w", err))
		}
		return
	}
	o.setLinkState(l, LinkAnswerPending)

	ctx, cancelTimeout := o.handshakeCtx()
	defer cancelTimeout()
	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: offerSDP}
	answer, err := conn.CreateAnswer(ctx, remote)
	if err != nil {
		o.failLink(l, fmt.Errorf("create answer: %w", err))
		return
	}

	// The remote description is set now; queued candidates apply.
	o.flushPending(l)

	if err := o.transport.Send(signal.NewAnswer(o.self, l.peer, answer.SDP)); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("peer", string(l.peer)).Msg("answer send failed")
	}
	o.setLinkState(l, LinkConnecting)
}

func (o *Orchestrator) runApplyAnswer(l *peerLink, answerSDP string) {
	o.mu.Lock()
	if l.state != LinkOfferSent {
		o.mu.Unlock()
		log.Debug().Str("module", "orch").Str("peer", string(l.peer)).Str("state", l.state.String()).Msg("stale answer ignored")
		return
	}
	conn := l.conn
	o.mu.Unlock()

	remote := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: answerSDP}
	if err := conn.ApplyAnswer(remote); err != nil {
		o.failLink(l, fmt.Errorf("apply answer: %w", err))
		return
	}
	o.flushPending(l)
	o.setLinkState(l, LinkConnecting)
}

func (o *Orchestrator) runCandidate(l *peerLink, ci webrtc.ICECandidateInit) {
	o.mu.Lock()
	if l.state == LinkClosed {
		o.mu.Unlock()
		return
	}
	if l.conn == nil || !l.conn.HasRemoteDescription() {
		l.enqueueCandidate(ci)
		o.mu.Unlock()
		return
	}
	conn := l.conn
	o.mu.Unlock()

	if err := conn.AddICECandidate(ci); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("peer", string(l.peer)).Msg("apply candidate")
	}
}

// --- engine plumbing ---

// bindConnection registers the engine callbacks, routes each of them
// back through the link's mailbox, and starts the connection. Callback
// registration happens before Start so no early candidate or track can
// be missed. If the link was closed while the connection was being
// built (the peer left mid-handshake), the connection is discarded
// instead of attached: an orphan would never be reachable from the
// link set again.
func (o *Orchestrator) bindConnection(l *peerLink, conn MediaConnection) error {
	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		l.post(func() { o.emitCandidate(l, ci) })
	})
	conn.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		l.post(func() {
			o.events.track.publish(TrackEvent{Peer: l.peer, Track: track, Receiver: receiver})
		})
	})
	conn.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		l.post(func() { o.onConnectionState(l, s) })
	})

	o.mu.Lock()
	if l.state == LinkClosed {
		o.mu.Unlock()
		if err := conn.Close(); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("peer", string(l.peer)).Msg("discard connection for closed link")
		}
		return errLinkClosed
	}
	ctx := o.ctx
	l.conn = conn
	o.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}
	return conn.Start(ctx)
}

func (o *Orchestrator) emitCandidate(l *peerLink, ci webrtc.ICECandidateInit) {
	sig := signal.NewCandidate(o.self, l.peer, toSignalCandidate(ci))
	if err := o.transport.Send(sig); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("peer", string(l.peer)).Msg("candidate send failed")
	}
}

func (o *Orchestrator) onConnectionState(l *peerLink, s webrtc.PeerConnectionState) {
	log.Debug().Str("module", "orch").Str("peer", string(l.peer)).Str("pc_state", s.String()).Msg("connection state")
	switch s {
	case webrtc.PeerConnectionStateConnected:
		o.mu.Lock()
		if l.state != LinkConnecting {
			o.mu.Unlock()
			return
		}
		l.state = LinkConnected
		first := !l.connected
		l.connected = true
		st, changed := o.recomputeLocked()
		o.mu.Unlock()
		if first {
			o.events.peerConnected.publish(l.peer)
		}
		if changed {
			o.events.state.publish(st)
		}
	case webrtc.PeerConnectionStateFailed:
		o.failLink(l, errors.New("connection transport failed"))
	case webrtc.PeerConnectionStateClosed:
		o.cleanupLink(l)
	default:
		// "disconnected" can be transient in ICE; wait for failed.
	}
}

// failLink transitions one link to FAILED, reports the error on the
// side channel and schedules its cleanup. Other peers' links are
// untouched.
func (o *Orchestrator) failLink(l *peerLink, err error) {
	o.mu.Lock()
	if l.state == LinkClosed {
		o.mu.Unlock()
		return
	}
	l.state = LinkFailed
	st, changed := o.recomputeLocked()
	o.mu.Unlock()

	log.Error().Err(err).Str("module", "orch").Str("peer", string(l.peer)).Msg("peer link failed")
	o.events.errors.publish(PeerError{Peer: l.peer, Err: err})
	if changed {
		o.events.state.publish(st)
	}
	o.cleanupLink(l)
}

// cleanupLink removes exactly this link. Unlike CleanupPeer it cannot
// tear down a newer link that replaced l under the same peer id.
func (o *Orchestrator) cleanupLink(l *peerLink) {
	o.mu.Lock()
	if cur, ok := o.links[l.peer]; ok && cur == l {
		delete(o.links, l.peer)
	}
	o.mu.Unlock()
	o.closeLink(l, true)
}

// closeLink is the single teardown path. Idempotent; notify controls
// whether a peer-disconnected event is published for a link that had
// reached CONNECTED (glare replacement passes false).
func (o *Orchestrator) closeLink(l *peerLink, notify bool) {
	o.mu.Lock()
	already := l.state == LinkClosed
	wasConnected := l.connected
	l.state = LinkClosed
	l.pending = nil
	conn := l.conn
	l.conn = nil
	st, changed := o.recomputeLocked()
	o.mu.Unlock()

	l.stop()
	if conn != nil {
		if err := conn.Close(); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("peer", string(l.peer)).Msg("close connection")
		}
	}
	if already {
		return
	}
	log.Info().Str("module", "orch").Str("peer", string(l.peer)).Msg("peer link closed")
	if notify && wasConnected {
		o.events.peerDisconnected.publish(l.peer)
	}
	if changed {
		o.events.state.publish(st)
	}
}

// --- helpers ---

// spawnLinkLocked creates a link, registers it and starts its mailbox.
// Caller holds o.mu.
func (o *Orchestrator) spawnLinkLocked(peer domain.SessionID, role Role) *peerLink {
	l := newPeerLink(peer, role, o.cfg.PendingCandidateCap)
	o.links[peer] = l
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		l.run()
	}()
	log.Info().Str("module", "orch").Str("peer", string(peer)).Str("role", string(role)).Msg("peer link created")
	return l
}

func (o *Orchestrator) setLinkState(l *peerLink, s LinkState) {
	o.mu.Lock()
	if l.state == LinkClosed {
		o.mu.Unlock()
		return
	}
	l.state = s
	st, changed := o.recomputeLocked()
	o.mu.Unlock()
	if changed {
		o.events.state.publish(st)
	}
}

func (o *Orchestrator) flushPending(l *peerLink) {
	o.mu.Lock()
	queued := l.takePending()
	conn := l.conn
	o.mu.Unlock()
	if conn == nil {
		return
	}
	for _, c := range queued {
		if err := conn.AddICECandidate(c); err != nil {
			log.Warn().Err(err).Str("module", "orch").Str("peer", string(l.peer)).Msg("apply queued candidate")
		}
	}
}

// recomputeLocked derives the summary state from the link set. Caller
// holds o.mu.
func (o *Orchestrator) recomputeLocked() (CallState, bool) {
	var anyConnected, anyPending, anyFailed bool
	for _, l := range o.links {
		switch l.state {
		case LinkConnected:
			anyConnected = true
		case LinkFailed:
			anyFailed = true
		case LinkClosed:
		default:
			anyPending = true
		}
	}
	st := CallDisconnected
	switch {
	case anyConnected:
		st = CallConnected
	case anyPending:
		st = CallConnecting
	case anyFailed:
		st = CallFailed
	}
	changed := st != o.state
	o.state = st
	return st, changed
}

func (o *Orchestrator) handshakeCtx() (context.Context, context.CancelFunc) {
	o.mu.Lock()
	base := o.ctx
	o.mu.Unlock()
	if base == nil {
		base = context.Background()
	}
	return context.WithTimeout(base, o.cfg.HandshakeTimeout)
}

func toSignalCandidate(ci webrtc.ICECandidateInit) signal.Candidate {
	return signal.Candidate{
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	}
}

func toICEInit(c signal.Candidate) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     c.Candidate,
		SDPMid:        c.SDPMid,
		SDPMLineIndex: c.SDPMLineIndex,
	}
}
