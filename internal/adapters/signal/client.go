package signal

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/carelink/televisit/internal/core"
	"github.com/carelink/televisit/internal/domain"
)

// Client is the websocket-side core.SignalChannel for headless endpoints:
// it dials the relay's /api/ws/signal endpoint and maps the socket onto
// the Subscribe/Send contract. One Client serves one local user, so
// Subscribe only accepts that user's topic.
//
// There is no reconnect: when the transport drops, in-flight calls end
// through their timers, which is the behavior the core expects anyway.
type Client struct {
	conn *websocket.Conn
	user domain.UserID

	mu      sync.Mutex
	handler func(domain.Envelope)
	closed  bool
}

// Dial connects to the relay. The header carries the session cookie the
// relay's token middleware issued (or any auth the deployment uses).
func Dial(url string, user domain.UserID, header http.Header) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		return nil, fmt.Errorf("dial signal relay: %w", err)
	}
	c := &Client{conn: conn, user: user}
	go c.readLoop()
	log.Info().Str("module", "signal.client").Str("user", string(user)).Str("url", url).Msg("connected to relay")
	return c, nil
}

func (c *Client) Subscribe(user domain.UserID, handler func(domain.Envelope)) (func(), error) {
	if user != c.user {
		return nil, fmt.Errorf("client is bound to user %s", c.user)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, core.ErrChannelClosed
	}
	c.handler = handler
	cancel := func() {
		c.mu.Lock()
		c.handler = nil
		c.mu.Unlock()
	}
	return cancel, nil
}

func (c *Client) Send(env domain.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return core.ErrChannelClosed
	}
	if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

func (c *Client) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()
	_ = c.conn.Close()
}

func (c *Client) readLoop() {
	defer c.Close()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Info().Err(err).Str("module", "signal.client").Str("user", string(c.user)).Msg("read loop done")
			return
		}
		var env domain.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Error().Err(err).Str("module", "signal.client").Msg("bad envelope")
			continue
		}
		c.mu.Lock()
		handler := c.handler
		c.mu.Unlock()
		if handler != nil {
			handler(env)
		}
	}
}
