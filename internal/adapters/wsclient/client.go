// Package wsclient is the thin transport adapter between an
// orchestrator and the relay: it dials the signaling endpoint, pushes
// inbound frames into the orchestrator and sends outbound signals.
package wsclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/meshcall/internal/domain"
	"github.com/avolkov/meshcall/internal/signal"
)

// Handler consumes the inbound stream. *orch.Orchestrator satisfies it.
type Handler interface {
	HandleSignal(signal.Signal)
	HandlePeerLeft(peer domain.SessionID)
}

type Client struct {
	url      string
	password string
	handler  Handler

	onPeerJoined func(peer domain.SessionID, peers []domain.SessionID)

	mu     sync.Mutex
	conn   *websocket.Conn
	cancel context.CancelFunc
}

func New(url string, handler Handler) *Client {
	return &Client{url: url, handler: handler}
}

// WithPassword sets the room password sent on join.
func (c *Client) WithPassword(pw string) *Client {
	c.password = pw
	return c
}

// OnPeerJoined registers the membership callback the host uses to
// decide when to call CreateOffersForPeers for a newcomer.
func (c *Client) OnPeerJoined(fn func(peer domain.SessionID, peers []domain.SessionID)) {
	c.onPeerJoined = fn
}

// frame is the minimal probe for routing inbound messages.
type frame struct {
	Type   string             `json:"type"`
	Error  string             `json:"error"`
	Peers  []domain.SessionID `json:"peers"`
	PeerID domain.SessionID   `json:"peerId"`
}

// Join dials the relay, performs the join handshake and starts the
// read loop. Returns the peers already in the room.
func (c *Client) Join(ctx context.Context, room domain.RoomID, sid domain.SessionID, md domain.Metadata) ([]domain.SessionID, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.url, err)
	}

	join := signal.Envelope{
		Action:    signal.ActionJoin,
		RoomID:    room,
		SessionID: sid,
		Password:  c.password,
		Metadata:  md,
	}
	if err := conn.WriteJSON(join); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send join: %w", err)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("read join reply: %w", err)
	}
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("decode join reply: %w", err)
	}
	switch f.Type {
	case signal.WirePeersList:
	case "error":
		_ = conn.Close()
		return nil, fmt.Errorf("join rejected: %s", f.Error)
	default:
		_ = conn.Close()
		return nil, fmt.Errorf("unexpected join reply type %q", f.Type)
	}
	_ = conn.SetReadDeadline(time.Time{})

	loopCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	c.conn = conn
	c.cancel = cancel
	c.mu.Unlock()
	go c.readLoop(loopCtx, conn)

	return f.Peers, nil
}

// Send emits one signal frame. Callers treat failures as best-effort.
func (c *Client) Send(sig signal.Signal) error {
	data, err := signal.Encode(sig)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errors.New("not connected")
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) Close() error {
	c.mu.Lock()
	conn := c.conn
	cancel := c.cancel
	c.conn = nil
	c.cancel = nil
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if conn != nil {
		return conn.Close()
	}
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("module", "wsclient").Msg("read loop ended")
			return
		}

		var f frame
		if err := json.Unmarshal(data, &f); err != nil {
			log.Warn().Err(err).Str("module", "wsclient").Msg("bad frame")
			continue
		}

		switch f.Type {
		case signal.WirePeerJoined:
			if c.onPeerJoined != nil {
				c.onPeerJoined(f.PeerID, f.Peers)
			}
		case signal.WirePeerLeft:
			c.handler.HandlePeerLeft(f.PeerID)
		case signal.WireOffer, signal.WireAnswer, signal.WireCandidate, signal.WireLeave:
			sig, err := signal.Decode(data, "")
			if err != nil {
				log.Warn().Err(err).Str("module", "wsclient").Msg("undecodable signal")
				continue
			}
			c.handler.HandleSignal(sig)
		case "pong", signal.WirePeersList:
		case "error":
			log.Warn().Str("module", "wsclient").Str("error", f.Error).Msg("relay error")
		default:
			log.Debug().Str("module", "wsclient").Str("type", f.Type).Msg("unknown frame type")
		}
	}
}
