package domain

import (
	"time"

	"github.com/google/uuid"
)

type CallID string

func NewCallID() CallID {
	return CallID(uuid.NewString())
}

// Role is fixed at session creation and never changes afterwards.
type Role int

const (
	RoleCaller Role = iota
	RoleCallee
)

func (r Role) String() string {
	if r == RoleCaller {
		return "caller"
	}
	return "callee"
}

// CallState is the lifecycle state of a call session.
type CallState int

const (
	StateIdle CallState = iota
	StateDialing
	StateRinging
	StateConnecting
	StateActive
	StateEnding
	StateEnded
)

func (s CallState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateDialing:
		return "dialing"
	case StateRinging:
		return "ringing"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

func (s CallState) Terminal() bool { return s == StateEnded }

// CallOutcome is set once, on the transition into StateEnded.
type CallOutcome string

const (
	OutcomeCompleted CallOutcome = "completed"
	OutcomeRejected  CallOutcome = "rejected"
	OutcomeCancelled CallOutcome = "cancelled"
	OutcomeMissed    CallOutcome = "missed"
	OutcomeFailed    CallOutcome = "failed"
	OutcomeHungUp    CallOutcome = "hung-up"
)

// MissedCall is the one-time report sent to the conversation log when a
// ringing call ends without being answered or rejected.
type MissedCall struct {
	FromUserID UserID    `json:"from_user_id"`
	ToUserID   UserID    `json:"to_user_id"`
	Kind       string    `json:"kind"`
	Timestamp  time.Time `json:"timestamp"`
}

func NewMissedCall(from, to UserID) MissedCall {
	return MissedCall{
		FromUserID: from,
		ToUserID:   to,
		Kind:       "missed-call",
		Timestamp:  time.Now().UTC(),
	}
}

// CallRecord is the journaled terminal state of a session, kept for the
// portal's call history screen.
type CallRecord struct {
	CallID      CallID      `json:"call_id"`
	CallerID    UserID      `json:"caller_id"`
	CalleeID    UserID      `json:"callee_id"`
	Outcome     CallOutcome `json:"outcome"`
	StartedAt   time.Time   `json:"started_at"`
	ConnectedAt time.Time   `json:"connected_at,omitempty"`
	EndedAt     time.Time   `json:"ended_at"`
}

// Completed reports whether the record describes a call that actually
// carried media before it ended.
func (r CallRecord) Completed() bool {
	return r.Outcome == OutcomeHungUp && !r.ConnectedAt.IsZero()
}
