// Package signal binds the wire protocol to the registry and relay
// over websocket connections. The registry itself never sees a socket;
// this package owns every connection handle.
package signal

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/avolkov/meshcall/internal/config"
	"github.com/avolkov/meshcall/internal/domain"
	"github.com/avolkov/meshcall/internal/registry"
)

var ErrBackpressure = errors.New("backpressure")

type connKey struct {
	room domain.RoomID
	sid  domain.SessionID
}

type WSController struct {
	Registry *registry.Registry
	Cfg      *config.Config
	Policy   Policy
	// JoinLimiter bounds join attempts per session id; nil disables it.
	JoinLimiter *RateLimiter

	mu    sync.RWMutex
	conns map[connKey]*wsConn
}

func NewWSController(reg *registry.Registry, cfg *config.Config) *WSController {
	ctl := &WSController{
		Registry: reg,
		Cfg:      cfg,
		Policy:   KickPolicy{},
		conns:    make(map[connKey]*wsConn),
	}
	if cfg.RateLimit > 0 && cfg.RateInterval > 0 {
		ctl.JoinLimiter = NewRateLimiter(cfg.RateLimit, cfg.RateInterval)
	}
	return ctl
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) trySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return errors.New("connection closed")
	}
	select {
	case c.send <- data:
	default:
		return ErrBackpressure
	}
	return nil
}

func (c *wsConn) close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.send)
	_ = c.conn.Close()
	c.mu.Unlock()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleSignal upgrades the connection and runs its pumps. The first
// frame must be a join action; everything after that is relayed or a
// control message.
func (ctl *WSController) HandleSignal(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	if ctl.Cfg.ReadLimit > 0 {
		ws.SetReadLimit(ctl.Cfg.ReadLimit)
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan []byte, ctl.sendBuffer()),
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go func() {
		defer cancel()
		ctl.readPump(ctx, conn)
	}()
}

func (ctl *WSController) sendBuffer() int {
	if ctl.Cfg.SendBuffer > 0 {
		return ctl.Cfg.SendBuffer
	}
	return 32
}

func (ctl *WSController) sendJSON(c *wsConn, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	_ = c.trySend(b)
}

// bind registers the connection as the session's transport handle. A
// rejoin with the same session id replaces (and closes) the previous
// handle instead of duplicating membership.
func (ctl *WSController) bind(key connKey, c *wsConn) {
	ctl.mu.Lock()
	old, ok := ctl.conns[key]
	ctl.conns[key] = c
	ctl.mu.Unlock()
	if ok && old != c {
		old.close()
	}
}

// unbind removes the handle only if it still belongs to this conn, so
// a stale disconnect cannot drop a replacement's registration.
func (ctl *WSController) unbind(key connKey, c *wsConn) bool {
	ctl.mu.Lock()
	defer ctl.mu.Unlock()
	if cur, ok := ctl.conns[key]; ok && cur == c {
		delete(ctl.conns, key)
		return true
	}
	return false
}

func (ctl *WSController) lookup(room domain.RoomID, sid domain.SessionID) (*wsConn, bool) {
	ctl.mu.RLock()
	defer ctl.mu.RUnlock()
	c, ok := ctl.conns[connKey{room: room, sid: sid}]
	return c, ok
}
