package core

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/pion/webrtc/v4"
)

var ErrDeviceUnavailable = errors.New("media device unavailable")

// MediaStream is the local media owned by exactly one call session for its
// lifetime. The session releases it on every exit path.
type MediaStream interface {
	Tracks() []webrtc.TrackLocal
}

// MediaSource acquires and releases local audio/video media.
type MediaSource interface {
	// Acquire may be slow; callers must re-check session state when it
	// resolves. A failure maps to ErrDeviceUnavailable.
	Acquire(ctx context.Context) (MediaStream, error)
	// Release is safe to call multiple times and with streams that were
	// never fully acquired.
	Release(stream MediaStream)
}

// PeerLink is the one-to-one media negotiation primitive. The core drives
// it through opaque payloads and never looks inside them.
//
// Negotiation calls involve the remote party and may be slow or never
// resolve; the session guards them with its connect window.
type PeerLink interface {
	// CreateOffer attaches the local stream and returns the offer blob
	// to send to the callee.
	CreateOffer(ctx context.Context, stream MediaStream) (json.RawMessage, error)
	// AcceptOffer applies a remote offer, attaches the local stream and
	// returns the answer blob.
	AcceptOffer(ctx context.Context, stream MediaStream, remote json.RawMessage) (json.RawMessage, error)
	// ApplyAnswer completes caller-side negotiation.
	ApplyAnswer(remote json.RawMessage) error
	// OnRemoteStream fires once remote media actually arrives. This, not
	// answer receipt, is what marks the call connected.
	OnRemoteStream(fn func())
	// OnFault reports an unrecoverable negotiation failure.
	OnFault(fn func(error))
	// Destroy tears down all underlying resources; idempotent.
	Destroy()
}

// LinkFactory mints one PeerLink per session attempt.
type LinkFactory interface {
	New() (PeerLink, error)
}
