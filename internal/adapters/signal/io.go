package signal

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/meshcall/internal/domain"
	"github.com/avolkov/meshcall/internal/signal"
)

const writeDeadline = 5 * time.Second

func (ctl *WSController) writePump(ctx context.Context, c *wsConn) {
	pingPeriod := ctl.Cfg.PingPeriod
	if pingPeriod <= 0 {
		pingPeriod = 54 * time.Second
	}
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().Err(err).Str("module", "signal").Msg("writePump ping")
				return
			}
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump write error")
				return
			}
		}
	}
}

// readPump drives one connection's whole lifecycle: join handshake
// first, then relayed frames until disconnect.
func (ctl *WSController) readPump(ctx context.Context, c *wsConn) {
	var (
		key    connKey
		joined bool
	)
	defer func() {
		if joined {
			ctl.disconnect(key, c)
		}
		c.close()
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Debug().Err(err).Str("module", "signal").Str("sid", string(key.sid)).Msg("readPump read error")
			return
		}

		var env signal.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("bad json")
			continue
		}

		if !joined {
			if env.Action != signal.ActionJoin {
				ctl.sendError(c, "join required")
				continue
			}
			k, ok := ctl.handleJoin(c, env)
			if !ok {
				continue
			}
			key, joined = k, true
			continue
		}

		switch env.Type {
		case signal.WireOffer, signal.WireAnswer, signal.WireCandidate:
			ctl.relayFrame(key, env, data)
		case signal.WireLeave:
			ctl.handleLeave(key, env, data, c)
			joined = false
		case "ping":
			ctl.sendJSON(c, map[string]string{"type": "pong"})
		default:
			// Forward compatibility: never fail on unrecognized types.
			log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal type dropped")
		}
	}
}

func (ctl *WSController) sendError(c *wsConn, msg string) {
	ctl.sendJSON(c, map[string]string{"type": "error", "error": msg})
}

func (ctl *WSController) handleJoin(c *wsConn, env signal.Envelope) (connKey, bool) {
	room, sid := env.RoomID, env.SessionID
	if room == "" || sid == "" {
		ctl.sendError(c, "roomId and sessionId required")
		return connKey{}, false
	}
	if ctl.JoinLimiter != nil && !ctl.JoinLimiter.Allow(string(sid)) {
		log.Warn().Str("module", "signal").Str("sid", string(sid)).Msg("join rate limited")
		ctl.sendError(c, "too many join attempts")
		return connKey{}, false
	}

	if ctl.Cfg.RoomAutoCreate && !ctl.Registry.RoomExists(room) {
		if err := ctl.Registry.CreateRoom(room, domain.RoomConfig{}); err != nil &&
			!errors.Is(err, domain.ErrDuplicateRoom) {
			ctl.sendError(c, err.Error())
			return connKey{}, false
		}
	}

	peers, err := ctl.Registry.Join(room, sid, env.Metadata, env.Password)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("room", string(room)).Str("sid", string(sid)).Msg("join rejected")
		ctl.sendError(c, err.Error())
		return connKey{}, false
	}

	key := connKey{room: room, sid: sid}
	ctl.bind(key, c)
	ctl.sendJSON(c, signal.NewPeersList(room, sid, peers))
	ctl.Registry.NotifyJoined(room, sid, ctl.noticeSender(room))
	return key, true
}

// relayFrame routes one signal frame. The original payload travels
// verbatim; only a spoofed sender field is rewritten before fan-out.
func (ctl *WSController) relayFrame(key connKey, env signal.Envelope, raw []byte) {
	sig, err := signal.Decode(raw, key.sid)
	if err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("sid", string(key.sid)).Msg("undecodable signal dropped")
		return
	}
	out := raw
	if env.SenderSessionID != key.sid {
		env.SenderSessionID = key.sid
		if out, err = json.Marshal(env); err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("re-stamp sender")
			return
		}
	}
	ctl.Registry.Relay(key.room, sig, func(peer domain.SessionID, _ signal.Signal) {
		ctl.deliver(key.room, peer, out)
	})
}

func (ctl *WSController) handleLeave(key connKey, env signal.Envelope, raw []byte, c *wsConn) {
	// Broadcast the goodbye while membership still exists, then drop
	// the session and notify the others.
	ctl.relayFrame(key, env, raw)
	ctl.Registry.Leave(key.room, key.sid)
	ctl.unbind(key, c)
	ctl.Registry.NotifyLeft(key.room, key.sid, ctl.noticeSender(key.room))
}

// disconnect handles a transport drop: the peer never said goodbye, so
// the relay says it for them.
func (ctl *WSController) disconnect(key connKey, c *wsConn) {
	if !ctl.unbind(key, c) {
		// A rejoin already replaced this handle; membership stays.
		return
	}
	leave := signal.NewLeave(key.sid)
	ctl.Registry.Relay(key.room, leave, func(peer domain.SessionID, s signal.Signal) {
		ctl.deliverSignal(key.room, peer, s)
	})
	ctl.Registry.Leave(key.room, key.sid)
	ctl.Registry.NotifyLeft(key.room, key.sid, ctl.noticeSender(key.room))
	log.Info().Str("module", "signal").Str("room", string(key.room)).Str("sid", string(key.sid)).Msg("disconnected")
}

func (ctl *WSController) deliver(room domain.RoomID, peer domain.SessionID, data []byte) {
	c, ok := ctl.lookup(room, peer)
	if !ok {
		return
	}
	if err := c.trySend(data); err != nil {
		ctl.onSendFailure(room, peer, c, err)
	}
}

func (ctl *WSController) deliverSignal(room domain.RoomID, peer domain.SessionID, sig signal.Signal) {
	data, err := signal.Encode(sig)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("encode signal")
		return
	}
	ctl.deliver(room, peer, data)
}

func (ctl *WSController) noticeSender(room domain.RoomID) func(domain.SessionID, any) {
	return func(peer domain.SessionID, notice any) {
		c, ok := ctl.lookup(room, peer)
		if !ok {
			return
		}
		data, err := json.Marshal(notice)
		if err != nil {
			log.Error().Err(err).Str("module", "signal").Msg("encode notice")
			return
		}
		if err := c.trySend(data); err != nil {
			ctl.onSendFailure(room, peer, c, err)
		}
	}
}

// onSendFailure applies the backpressure policy to a member whose
// outbound queue overflowed or whose socket died.
func (ctl *WSController) onSendFailure(room domain.RoomID, peer domain.SessionID, c *wsConn, err error) {
	log.Warn().Err(err).Str("module", "signal").Str("room", string(room)).Str("sid", string(peer)).Msg("deliver failed")
	if ctl.Policy == nil {
		return
	}
	switch ctl.Policy.OnBackpressure(room, peer) {
	case KickMember:
		c.close()
	case NoAction, DropFrame:
	}
}
