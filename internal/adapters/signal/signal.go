// Package signal carries call signaling between users: an in-process Hub
// with one topic per user id, a WS controller that bridges browser peers
// onto it, and a WS client for headless Go endpoints.
package signal

import (
	"context"
	"errors"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/carelink/televisit/internal/core"
	"github.com/carelink/televisit/internal/domain"
)

var ErrConnClosed = errors.New("connection closed")

// Controller terminates the websocket leg of the signaling channel. The
// socket is a dumb pipe: envelopes read from it go to the Hub, envelopes
// from the user's topic go back out. Call state lives with the endpoints,
// not here.
type Controller struct {
	Hub     *Hub
	Limiter *CallRateLimiter
}

func NewController(hub *Hub, limiter *CallRateLimiter) *Controller {
	return &Controller{Hub: hub, Limiter: limiter}
}

type wsConn struct {
	conn *websocket.Conn
	send chan []byte

	mu     sync.RWMutex
	closed bool
}

func (c *wsConn) TrySend(data []byte) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrConnClosed
	}
	select {
	case c.send <- data:
	default:
		return core.ErrBackpressure
	}
	return nil
}

func (c *wsConn) Close() {
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

// HandleSignal upgrades the request and binds the socket to the caller's
// signaling topic for as long as it lives.
func (ctl *Controller) HandleSignal(ctx context.Context, c *gin.Context) {
	uid := domain.UserID(c.GetString("client_token"))
	if uid == "" {
		c.Status(http.StatusUnauthorized)
		return
	}
	log.Info().Str("module", "signal").Str("user", string(uid)).Msg("new WS connection")

	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}

	conn := &wsConn{
		conn: ws,
		send: make(chan []byte, 32),
	}

	unsub, err := ctl.Hub.Subscribe(uid, func(env domain.Envelope) {
		ctl.deliver(conn, env)
	})
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("hub subscribe")
		conn.Close()
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	go ctl.writePump(ctx, conn)
	go func() {
		ctl.readPump(ctx, uid, conn)
		cancel()
		unsub()
	}()
}
