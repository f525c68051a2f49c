package core

import (
	"context"

	"github.com/carelink/televisit/internal/domain"
)

// CallObserver is the UI-facing event surface. Implementations may call
// back into the manager from these hooks; events are delivered outside the
// manager's lock.
type CallObserver interface {
	IncomingCall(id domain.CallID, from domain.UserID)
	StateChanged(id domain.CallID, state domain.CallState)
	Ended(id domain.CallID, outcome domain.CallOutcome)
}

// NopObserver is for endpoints that do not render call state.
type NopObserver struct{}

func (NopObserver) IncomingCall(domain.CallID, domain.UserID)    {}
func (NopObserver) StateChanged(domain.CallID, domain.CallState) {}
func (NopObserver) Ended(domain.CallID, domain.CallOutcome)      {}

// CallJournal is the external conversation/message log collaborator.
// ReportMissed fires exactly once per session that ends missed.
type CallJournal interface {
	ReportMissed(ctx context.Context, report domain.MissedCall) error
	RecordOutcome(ctx context.Context, record domain.CallRecord) error
}

// NopJournal discards reports; used where no log backend is configured.
type NopJournal struct{}

func (NopJournal) ReportMissed(context.Context, domain.MissedCall) error  { return nil }
func (NopJournal) RecordOutcome(context.Context, domain.CallRecord) error { return nil }
