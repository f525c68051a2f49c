// Package app hosts the call session core: the per-user Manager and the
// Session state machine it arbitrates. The package is transport-agnostic;
// everything it touches comes in through the core interfaces.
package app

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carelink/televisit/internal/core"
	"github.com/carelink/televisit/internal/domain"
)

// Options carries the policy knobs; windows are policy, not mechanism.
type Options struct {
	// RingWindow bounds how long a call may ring (callee) or dial
	// unanswered (caller) before it auto-terminates.
	RingWindow time.Duration
	// ConnectWindow bounds negotiation: Connecting must reach Active
	// within it or the call fails.
	ConnectWindow time.Duration
}

func (o Options) withDefaults() Options {
	if o.RingWindow <= 0 {
		o.RingWindow = 30 * time.Second
	}
	if o.ConnectWindow <= 0 {
		o.ConnectWindow = 20 * time.Second
	}
	return o
}

// Manager arbitrates at most one live call session for one local user.
// It listens on the signaling channel independent of any open UI, routes
// inbound envelopes to the live session and exposes the start/accept/
// reject/end surface.
//
// All state transitions are serialized on one mutex: every entry point
// (UI call, inbound envelope, timer fire, async resumption) runs to
// completion before the next one is admitted. Observer and journal
// notifications are flushed after the locked section, so their
// implementations may safely call back in.
type Manager struct {
	localID  domain.UserID
	channel  core.SignalChannel
	media    core.MediaSource
	links    core.LinkFactory
	observer core.CallObserver
	journal  core.CallJournal
	opts     Options

	mu      sync.Mutex
	current *Session
	notes   []func()
	unsub   func()
	closed  bool
}

func NewManager(
	local domain.UserID,
	channel core.SignalChannel,
	media core.MediaSource,
	links core.LinkFactory,
	observer core.CallObserver,
	journal core.CallJournal,
	opts Options,
) *Manager {
	if observer == nil {
		observer = core.NopObserver{}
	}
	if journal == nil {
		journal = core.NopJournal{}
	}
	return &Manager{
		localID:  local,
		channel:  channel,
		media:    media,
		links:    links,
		observer: observer,
		journal:  journal,
		opts:     opts.withDefaults(),
	}
}

// Run subscribes the manager to its user's signaling topic. It must be
// called once before any call can be placed or received.
func (m *Manager) Run() error {
	unsub, err := m.channel.Subscribe(m.localID, m.onEnvelope)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.unsub = unsub
	m.mu.Unlock()
	log.Info().Str("module", "app.manager").Str("user", string(m.localID)).Msg("listening for calls")
	return nil
}

// Close detaches from the signaling topic and cancels any live session.
func (m *Manager) Close() {
	m.dispatch(func() {
		if m.closed {
			return
		}
		m.closed = true
		if m.unsub != nil {
			m.unsub()
		}
		if m.current != nil {
			m.current.end()
		}
	})
}

// Start places an outgoing call to peer. It fails synchronously with
// ErrAlreadyInCall while any session is still live.
func (m *Manager) Start(peer domain.UserID) (domain.CallID, error) {
	var id domain.CallID
	var err error
	m.dispatch(func() {
		if peer == m.localID {
			err = ErrSelfCall
			return
		}
		if m.current != nil {
			err = ErrAlreadyInCall
			return
		}
		s := newSession(m, domain.NewCallID(), peer, domain.RoleCaller)
		m.current = s
		id = s.id
		log.Info().Str("module", "app.manager").
			Str("user", string(m.localID)).
			Str("peer", string(peer)).
			Str("call", string(id)).
			Msg("starting call")
		s.startOutbound()
	})
	return id, err
}

func (m *Manager) Accept(id domain.CallID) error {
	var err error
	m.dispatch(func() {
		s := m.live(id)
		if s == nil || s.state != domain.StateRinging {
			err = ErrUnknownSession
			return
		}
		s.accept()
	})
	return err
}

func (m *Manager) Reject(id domain.CallID) error {
	var err error
	m.dispatch(func() {
		s := m.live(id)
		if s == nil || s.state != domain.StateRinging {
			err = ErrUnknownSession
			return
		}
		s.reject()
	})
	return err
}

func (m *Manager) End(id domain.CallID) error {
	var err error
	m.dispatch(func() {
		s := m.live(id)
		if s == nil {
			err = ErrUnknownSession
			return
		}
		s.end()
	})
	return err
}

// live returns the current session when it matches id and is not ended.
func (m *Manager) live(id domain.CallID) *Session {
	if m.current == nil || m.current.id != id || m.current.done() {
		return nil
	}
	return m.current
}

// onEnvelope demultiplexes one inbound signaling message. Runs on the
// channel's delivery goroutine.
func (m *Manager) onEnvelope(env domain.Envelope) {
	if env.ReceiverID != m.localID || env.SenderID == m.localID {
		return
	}
	m.dispatch(func() {
		if m.closed {
			return
		}
		switch env.Kind {
		case domain.KindOffer:
			m.routeOffer(env)
		case domain.KindAnswer:
			if s := m.sessionFor(env); s != nil {
				s.handleAnswer(env.Payload)
			}
		case domain.KindTerminate:
			// Tolerates duplicates and reordering: a miss here is a no-op.
			if s := m.sessionFor(env); s != nil {
				s.handleTerminate(env.Reason)
			}
		default:
			log.Warn().Str("module", "app.manager").Str("kind", string(env.Kind)).Msg("unknown signal kind")
		}
	})
}

// sessionFor matches an envelope to the live session by peer pair, and by
// call id when the envelope carries one.
func (m *Manager) sessionFor(env domain.Envelope) *Session {
	s := m.current
	if s == nil || s.done() || s.remote != env.SenderID {
		return nil
	}
	if env.CallID != "" && env.CallID != s.id {
		return nil
	}
	return s
}

func (m *Manager) routeOffer(env domain.Envelope) {
	s := m.current
	switch {
	case s == nil || s.done():
		m.ringInbound(env, false)

	case s.remote != env.SenderID:
		// Busy with someone else: refuse the third party outright so
		// their side ends as rejected instead of ringing out.
		m.sendBusy(env)

	case s.state == domain.StateDialing:
		m.resolveCollision(s, env)

	default:
		// Duplicate offer for a session already past Ringing.
	}
}

// ringInbound creates the callee-role session from an unsolicited offer.
func (m *Manager) ringInbound(env domain.Envelope, autoAccept bool) {
	id := env.CallID
	if id == "" {
		id = domain.NewCallID()
	}
	s := newSession(m, id, env.SenderID, domain.RoleCallee)
	m.current = s
	log.Info().Str("module", "app.manager").
		Str("user", string(m.localID)).
		Str("peer", string(env.SenderID)).
		Str("call", string(id)).
		Msg("incoming call")
	s.handleOffer(env.Payload)
	if autoAccept && s.state == domain.StateRinging {
		s.accept()
	}
}

// resolveCollision handles simultaneous offers: both sides dialed each
// other before either offer was processed. The lexicographically smaller
// user id keeps its caller role; the other side abandons its own attempt
// and implicitly answers the winning offer.
func (m *Manager) resolveCollision(s *Session, env domain.Envelope) {
	if m.localID < env.SenderID {
		// Our offer wins; the peer will drop theirs and answer ours.
		log.Info().Str("module", "app.manager").
			Str("user", string(m.localID)).
			Str("peer", string(env.SenderID)).
			Msg("offer collision, keeping caller role")
		return
	}
	log.Info().Str("module", "app.manager").
		Str("user", string(m.localID)).
		Str("peer", string(env.SenderID)).
		Msg("offer collision, yielding to peer")
	// No terminate is sent: the peer discards our offer by the same rule.
	s.finish(domain.OutcomeCancelled, "")
	m.ringInbound(env, true)
}

func (m *Manager) sendBusy(env domain.Envelope) {
	err := m.channel.Send(domain.Envelope{
		Kind:       domain.KindTerminate,
		CallID:     env.CallID,
		SenderID:   m.localID,
		ReceiverID: env.SenderID,
		Reason:     domain.ReasonBusy,
	})
	if err != nil {
		log.Warn().Err(err).Str("module", "app.manager").Str("peer", string(env.SenderID)).Msg("busy reply failed")
	}
}

// detach garbage-collects an ended session from the registry. Called by
// the session itself on the way into Ended.
func (m *Manager) detach(s *Session) {
	if m.current == s {
		m.current = nil
	}
}

// dispatch runs fn with the manager lock held, then flushes the
// notifications fn queued. Every mutation of manager or session state goes
// through here, which is what gives the core its single-logical-thread
// processing model.
func (m *Manager) dispatch(fn func()) {
	m.mu.Lock()
	fn()
	notes := m.notes
	m.notes = nil
	m.mu.Unlock()
	for _, note := range notes {
		note()
	}
}

// notify queues a callback to run after the current locked section.
func (m *Manager) notify(fn func()) {
	m.notes = append(m.notes, fn)
}
