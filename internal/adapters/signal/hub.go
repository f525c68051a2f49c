package signal

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/carelink/televisit/internal/core"
	"github.com/carelink/televisit/internal/domain"
)

// Hub is the in-process pub/sub fabric: one topic per recipient user id.
// It implements core.SignalChannel for everything running inside the
// server process; the WS controller bridges remote sockets onto it.
//
// Delivery is in send order per subscriber. Send never blocks: a
// subscriber that cannot keep up gets the envelope dropped on its queue
// and the at-least-once contract is left to the peer's timers.
type Hub struct {
	mu     sync.RWMutex
	topics map[domain.UserID]map[int]*subscriber
	nextID int
	closed bool
}

type subscriber struct {
	queue chan domain.Envelope
	quit  chan struct{}
	stop  sync.Once
}

// shutdown closes quit exactly once; both an unsubscribe and a hub Close
// may race to call it.
func (s *subscriber) shutdown() {
	s.stop.Do(func() { close(s.quit) })
}

const subscriberQueueSize = 32

func NewHub() *Hub {
	return &Hub{topics: make(map[domain.UserID]map[int]*subscriber)}
}

// Subscribe registers handler for every envelope addressed to user. Each
// subscriber gets its own delivery goroutine so one slow handler cannot
// stall the others.
func (h *Hub) Subscribe(user domain.UserID, handler func(domain.Envelope)) (func(), error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, core.ErrChannelClosed
	}

	sub := &subscriber{
		queue: make(chan domain.Envelope, subscriberQueueSize),
		quit:  make(chan struct{}),
	}
	if _, ok := h.topics[user]; !ok {
		h.topics[user] = make(map[int]*subscriber)
	}
	h.nextID++
	id := h.nextID
	h.topics[user][id] = sub

	go sub.pump(handler)

	log.Debug().Str("module", "signal.hub").Str("user", string(user)).Int("sub", id).Msg("subscribed")

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			if subs, ok := h.topics[user]; ok {
				delete(subs, id)
				if len(subs) == 0 {
					delete(h.topics, user)
				}
			}
			h.mu.Unlock()
			sub.shutdown()
		})
	}
	return cancel, nil
}

// Send fans the envelope out to every subscriber of the receiver's topic.
func (h *Hub) Send(env domain.Envelope) error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return core.ErrChannelClosed
	}
	subs := h.topics[env.ReceiverID]
	if len(subs) == 0 {
		// Nobody listening; best-effort transport, not an error the
		// core should act on.
		log.Debug().Str("module", "signal.hub").Str("user", string(env.ReceiverID)).Msg("send to empty topic")
		return nil
	}
	for _, sub := range subs {
		select {
		case sub.queue <- env:
		default:
			log.Warn().Str("module", "signal.hub").
				Str("user", string(env.ReceiverID)).
				Str("kind", string(env.Kind)).
				Msg("subscriber queue full, dropping envelope")
		}
	}
	return nil
}

// Online reports the user ids that currently have at least one subscriber.
func (h *Hub) Online() []domain.UserID {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]domain.UserID, 0, len(h.topics))
	for user := range h.topics {
		out = append(out, user)
	}
	return out
}

// Close drops all topics. Subscriber goroutines drain and exit.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for _, subs := range h.topics {
		for _, sub := range subs {
			sub.shutdown()
		}
	}
	h.topics = make(map[domain.UserID]map[int]*subscriber)
}

func (s *subscriber) pump(handler func(domain.Envelope)) {
	for {
		select {
		case env := <-s.queue:
			handler(env)
		case <-s.quit:
			// Drain what was queued before the unsubscribe.
			for {
				select {
				case env := <-s.queue:
					handler(env)
				default:
					return
				}
			}
		}
	}
}
