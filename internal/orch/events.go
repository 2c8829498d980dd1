package orch

import (
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/avolkov/meshcall/internal/domain"
)

// Token identifies one subscription so it can be removed again.
type Token uint64

// feed is one event kind's subscriber set. Publish runs callbacks
// synchronously in subscription order; subscribers that need to block
// should hand off to their own goroutine.
type feed[T any] struct {
	mu   sync.Mutex
	subs map[Token]func(T)
	ord  []Token
}

func (f *feed[T]) subscribe(tok Token, fn func(T)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[Token]func(T))
	}
	f.subs[tok] = fn
	f.ord = append(f.ord, tok)
}

func (f *feed[T]) unsubscribe(tok Token) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, tok)
}

func (f *feed[T]) publish(v T) {
	f.mu.Lock()
	fns := make([]func(T), 0, len(f.subs))
	for _, tok := range f.ord {
		if fn, ok := f.subs[tok]; ok {
			fns = append(fns, fn)
		}
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

// TrackEvent carries a remote media track surfaced by a peer link.
type TrackEvent struct {
	Peer     domain.SessionID
	Track    *webrtc.TrackRemote
	Receiver *webrtc.RTPReceiver
}

// PeerError is a per-peer connection failure, reported on a side
// channel because it happens on no caller's stack.
type PeerError struct {
	Peer domain.SessionID
	Err  error
}

// Events is the orchestrator's outward notification surface: one feed
// per event kind, each subscription returning an explicit token.
// Tokens come from one shared counter, so they are unique across
// feeds and Unsubscribe can try them all.
type Events struct {
	next atomic.Uint64

	peerConnected    feed[domain.SessionID]
	peerDisconnected feed[domain.SessionID]
	track            feed[TrackEvent]
	errors           feed[PeerError]
	state            feed[CallState]
}

func (e *Events) token() Token { return Token(e.next.Add(1)) }

func (e *Events) OnPeerConnected(fn func(domain.SessionID)) Token {
	tok := e.token()
	e.peerConnected.subscribe(tok, fn)
	return tok
}

func (e *Events) OnPeerDisconnected(fn func(domain.SessionID)) Token {
	tok := e.token()
	e.peerDisconnected.subscribe(tok, fn)
	return tok
}

func (e *Events) OnTrack(fn func(TrackEvent)) Token {
	tok := e.token()
	e.track.subscribe(tok, fn)
	return tok
}

func (e *Events) OnError(fn func(PeerError)) Token {
	tok := e.token()
	e.errors.subscribe(tok, fn)
	return tok
}

func (e *Events) OnStateChange(fn func(CallState)) Token {
	tok := e.token()
	e.state.subscribe(tok, fn)
	return tok
}

// Unsubscribe removes the token from every feed; tokens are unique
// across feeds so a stray id removes nothing.
func (e *Events) Unsubscribe(tok Token) {
	e.peerConnected.unsubscribe(tok)
	e.peerDisconnected.unsubscribe(tok)
	e.track.unsubscribe(tok)
	e.errors.unsubscribe(tok)
	e.state.unsubscribe(tok)
}
