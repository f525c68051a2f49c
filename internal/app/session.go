package app

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/carelink/televisit/internal/core"
	"github.com/carelink/televisit/internal/domain"
)

// Session owns one call attempt end to end: role, state, timers, the local
// media stream and the single live peer link. Every method below runs with
// the owning manager's mutex held; async resumptions re-enter through
// Manager.dispatch and re-check state first.
type Session struct {
	id     domain.CallID
	local  domain.UserID
	remote domain.UserID
	role   domain.Role

	state   domain.CallState
	outcome domain.CallOutcome

	stream core.MediaStream
	link   core.PeerLink

	// pendingRemoteSignal buffers the remote offer between Ringing and
	// accept, when local media does not exist yet.
	pendingRemoteSignal json.RawMessage

	startedAt   time.Time
	connectedAt time.Time
	endedAt     time.Time

	timer *time.Timer

	ctx    context.Context
	cancel context.CancelFunc

	m *Manager
}

func newSession(m *Manager, id domain.CallID, remote domain.UserID, role domain.Role) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:        id,
		local:     m.localID,
		remote:    remote,
		role:      role,
		state:     domain.StateIdle,
		startedAt: time.Now().UTC(),
		ctx:       ctx,
		cancel:    cancel,
		m:         m,
	}
}

func (s *Session) ID() domain.CallID { return s.id }

func (s *Session) done() bool { return s.state == domain.StateEnded }

func (s *Session) setState(st domain.CallState) {
	s.state = st
	id := s.id
	s.m.notify(func() { s.m.observer.StateChanged(id, st) })
	log.Debug().Str("module", "app.call").Str("call", string(s.id)).Str("state", st.String()).Msg("state changed")
}

// startOutbound moves Idle → Dialing and kicks off the async media/offer
// chain. The dial window doubles as the caller-side ring timeout.
func (s *Session) startOutbound() {
	s.setState(domain.StateDialing)
	s.armTimer(s.m.opts.RingWindow, domain.StateDialing)

	go s.acquireThen(domain.StateDialing, s.sendOffer)
}

func (s *Session) sendOffer() {
	link, err := s.m.links.New()
	if err != nil {
		s.fail(err)
		return
	}
	s.link = link
	s.bindLink(link)

	stream, ctx := s.stream, s.ctx
	go func() {
		payload, err := link.CreateOffer(ctx, stream)
		s.m.dispatch(func() {
			if s.done() || s.state != domain.StateDialing {
				return
			}
			if err != nil {
				s.fail(err)
				return
			}
			s.send(domain.Envelope{
				Kind:       domain.KindOffer,
				CallID:     s.id,
				SenderID:   s.local,
				ReceiverID: s.remote,
				Payload:    payload,
			})
		})
	}()
}

func (s *Session) handleAnswer(payload json.RawMessage) {
	if s.state != domain.StateDialing || s.link == nil {
		return
	}
	s.setState(domain.StateConnecting)
	s.armTimer(s.m.opts.ConnectWindow, domain.StateConnecting)
	if err := s.link.ApplyAnswer(payload); err != nil {
		s.fail(err)
	}
}

// handleOffer moves Idle → Ringing. Media is deliberately not acquired
// here; the offer is buffered until the user accepts.
func (s *Session) handleOffer(payload json.RawMessage) {
	s.pendingRemoteSignal = payload
	s.setState(domain.StateRinging)
	s.armTimer(s.m.opts.RingWindow, domain.StateRinging)

	id, from := s.id, s.remote
	s.m.notify(func() { s.m.observer.IncomingCall(id, from) })
}

func (s *Session) accept() {
	s.setState(domain.StateConnecting)
	s.armTimer(s.m.opts.ConnectWindow, domain.StateConnecting)

	go s.acquireThen(domain.StateConnecting, s.sendAnswer)
}

func (s *Session) sendAnswer() {
	link, err := s.m.links.New()
	if err != nil {
		s.fail(err)
		return
	}
	s.link = link
	s.bindLink(link)

	stream, ctx, remote := s.stream, s.ctx, s.pendingRemoteSignal
	go func() {
		payload, err := link.AcceptOffer(ctx, stream, remote)
		s.m.dispatch(func() {
			if s.done() || s.state != domain.StateConnecting {
				return
			}
			if err != nil {
				s.fail(err)
				return
			}
			s.send(domain.Envelope{
				Kind:       domain.KindAnswer,
				CallID:     s.id,
				SenderID:   s.local,
				ReceiverID: s.remote,
				Payload:    payload,
			})
		})
	}()
}

func (s *Session) reject() {
	s.finish(domain.OutcomeRejected, domain.ReasonDeclined)
}

// acquireThen runs media acquisition off the lock, then re-enters and
// continues with next if the session is still in the state it left.
func (s *Session) acquireThen(want domain.CallState, next func()) {
	stream, err := s.m.media.Acquire(s.ctx)
	s.m.dispatch(func() {
		if s.done() || s.state != want {
			// A terminate won the race against acquisition; the stream
			// was never adopted, release it here.
			if stream != nil {
				s.m.media.Release(stream)
			}
			return
		}
		if err != nil {
			s.fail(err)
			return
		}
		s.stream = stream
		next()
	})
}

func (s *Session) bindLink(link core.PeerLink) {
	link.OnRemoteStream(func() {
		s.m.dispatch(func() { s.onRemoteStream() })
	})
	link.OnFault(func(err error) {
		s.m.dispatch(func() {
			if !s.done() {
				s.fail(err)
			}
		})
	})
}

func (s *Session) onRemoteStream() {
	if s.state != domain.StateConnecting {
		return
	}
	s.connectedAt = time.Now().UTC()
	s.disarmTimer()
	s.setState(domain.StateActive)
}

// end handles a local hang-up request in any live state.
func (s *Session) end() {
	switch s.state {
	case domain.StateDialing, domain.StateConnecting:
		s.finish(domain.OutcomeCancelled, domain.ReasonCancel)
	case domain.StateRinging:
		s.reject()
	case domain.StateActive:
		s.finish(domain.OutcomeHungUp, domain.ReasonHangUp)
	}
}

// handleTerminate maps an inbound terminate onto the outcome for the
// current state. Duplicates and stragglers land on an Ended session and
// are absorbed silently.
func (s *Session) handleTerminate(reason domain.TerminateReason) {
	switch s.state {
	case domain.StateDialing:
		if reason.Rejection() {
			s.finish(domain.OutcomeRejected, "")
		} else {
			s.finish(domain.OutcomeCancelled, "")
		}
	case domain.StateRinging:
		s.finish(domain.OutcomeMissed, "")
	case domain.StateConnecting:
		s.finish(domain.OutcomeCancelled, "")
	case domain.StateActive:
		s.finish(domain.OutcomeHungUp, "")
	}
}

func (s *Session) armTimer(d time.Duration, armed domain.CallState) {
	s.disarmTimer()
	s.timer = time.AfterFunc(d, func() {
		s.m.dispatch(func() { s.onTimeout(armed) })
	})
}

func (s *Session) disarmTimer() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// onTimeout only acts if the session is still in the state the timer was
// armed for; a stale fire after a legitimate exit is inert.
func (s *Session) onTimeout(armed domain.CallState) {
	if s.state != armed {
		return
	}
	switch armed {
	case domain.StateDialing:
		s.finish(domain.OutcomeCancelled, domain.ReasonCancel)
	case domain.StateRinging:
		s.finish(domain.OutcomeMissed, domain.ReasonNoAnswer)
	case domain.StateConnecting:
		s.finish(domain.OutcomeFailed, domain.ReasonFailed)
	}
}

func (s *Session) fail(err error) {
	log.Warn().Err(err).Str("module", "app.call").Str("call", string(s.id)).Msg("call failed")
	s.finish(domain.OutcomeFailed, domain.ReasonFailed)
}

// finish drives the session into Ended exactly once: it releases media,
// destroys the peer link, sends a terminate when sendReason is non-empty,
// and emits the terminal notifications. Safe to call at any point of the
// lifecycle, including with resources that were never created.
func (s *Session) finish(outcome domain.CallOutcome, sendReason domain.TerminateReason) {
	if s.done() {
		return
	}
	s.state = domain.StateEnding
	s.disarmTimer()
	s.cancel()

	if sendReason != "" {
		s.send(domain.Envelope{
			Kind:       domain.KindTerminate,
			CallID:     s.id,
			SenderID:   s.local,
			ReceiverID: s.remote,
			Reason:     sendReason,
		})
	}

	if s.link != nil {
		s.link.Destroy()
		s.link = nil
	}
	if s.stream != nil {
		s.m.media.Release(s.stream)
		s.stream = nil
	}
	s.pendingRemoteSignal = nil

	s.outcome = outcome
	s.endedAt = time.Now().UTC()
	s.setState(domain.StateEnded)

	id := s.id
	s.m.notify(func() { s.m.observer.Ended(id, outcome) })
	s.report()
	s.m.detach(s)

	log.Info().Str("module", "app.call").
		Str("call", string(s.id)).
		Str("peer", string(s.remote)).
		Str("role", s.role.String()).
		Str("outcome", string(outcome)).
		Msg("call ended")
}

// report journals the terminal outcome, plus the one-time missed-call
// entry for the conversation log when the callee never answered.
func (s *Session) report() {
	rec := domain.CallRecord{
		CallID:      s.id,
		Outcome:     s.outcome,
		StartedAt:   s.startedAt,
		ConnectedAt: s.connectedAt,
		EndedAt:     s.endedAt,
	}
	if s.role == domain.RoleCaller {
		rec.CallerID, rec.CalleeID = s.local, s.remote
	} else {
		rec.CallerID, rec.CalleeID = s.remote, s.local
	}

	missed := s.outcome == domain.OutcomeMissed && s.role == domain.RoleCallee
	journal := s.m.journal
	s.m.notify(func() {
		if err := journal.RecordOutcome(context.Background(), rec); err != nil {
			log.Error().Err(err).Str("module", "app.call").Str("call", string(rec.CallID)).Msg("record outcome")
		}
		if missed {
			report := domain.NewMissedCall(rec.CallerID, rec.CalleeID)
			if err := journal.ReportMissed(context.Background(), report); err != nil {
				log.Error().Err(err).Str("module", "app.call").Str("call", string(rec.CallID)).Msg("report missed call")
			}
		}
	})
}

func (s *Session) send(env domain.Envelope) {
	if err := s.m.channel.Send(env); err != nil {
		log.Warn().Err(err).Str("module", "app.call").
			Str("call", string(s.id)).
			Str("kind", string(env.Kind)).
			Msg("signal send failed")
	}
}
