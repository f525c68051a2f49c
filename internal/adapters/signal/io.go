package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/carelink/televisit/internal/domain"
)

func (ctl *Controller) writePump(ctx context.Context, c *wsConn) {
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Warn().Str("module", "signal").Msg("writePump channel closed")
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(5 * time.Second)); err != nil {
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

func (ctl *Controller) readPump(ctx context.Context, uid domain.UserID, c *wsConn) {
	defer func() {
		log.Info().Str("module", "signal").Str("user", string(uid)).Msg("readPump closing")
		c.Close()
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info().Str("module", "signal").Str("user", string(uid)).Msg("readPump ctx done")
			return
		default:
			_, data, err := c.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Str("user", string(uid)).Msg("readPump read error")
				return
			}
			ctl.relay(uid, data)
		}
	}
}

// relay validates one inbound frame and publishes it on the receiver's
// topic. The sender id is stamped from the authenticated connection, never
// trusted from the body.
func (ctl *Controller) relay(uid domain.UserID, data []byte) {
	var env domain.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("bad envelope")
		return
	}
	switch env.Kind {
	case domain.KindOffer, domain.KindAnswer, domain.KindTerminate:
	default:
		log.Warn().Str("module", "signal").Str("kind", string(env.Kind)).Msg("unknown signal kind")
		return
	}
	if env.ReceiverID == "" || env.ReceiverID == uid {
		return
	}
	env.SenderID = uid

	if env.Kind == domain.KindOffer && ctl.Limiter != nil && !ctl.Limiter.Allow(uid) {
		log.Warn().Str("module", "signal").Str("user", string(uid)).Msg("call attempt rate limited")
		return
	}

	if err := ctl.Hub.Send(env); err != nil {
		log.Error().Err(err).Str("module", "signal").Str("user", string(uid)).Msg("hub send")
	}
}

func (ctl *Controller) deliver(c *wsConn, env domain.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("deliver marshal")
		return
	}
	if err := c.TrySend(data); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("user", string(env.ReceiverID)).Msg("deliver dropped")
	}
}
