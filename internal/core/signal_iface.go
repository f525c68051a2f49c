// Package core defines the interfaces the call session machinery consumes.
// Adapters own the resources behind them; core only drives the contracts.
package core

import (
	"errors"

	"github.com/carelink/televisit/internal/domain"
)

var (
	ErrBackpressure  = errors.New("backpressure")
	ErrChannelClosed = errors.New("signal channel closed")
)

// SignalChannel abstracts the per-user pub/sub signaling transport.
// Delivery is in send order and at-least-once per subscriber; Send is
// best-effort and the core never relies on it succeeding.
type SignalChannel interface {
	// Subscribe registers a handler for every envelope addressed to user.
	// The returned cancel function detaches the handler; calling it more
	// than once is safe.
	Subscribe(user domain.UserID, handler func(domain.Envelope)) (cancel func(), err error)
	Send(env domain.Envelope) error
}
