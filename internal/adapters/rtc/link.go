// Package rtc implements the peer link and local media over pion/webrtc.
package rtc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/carelink/televisit/internal/core"
)

// Link drives one pion PeerConnection through the core.PeerLink contract.
// The negotiation blob is a complete SessionDescription with ICE gathered
// and inlined, so one offer and one answer are all the wire ever carries.
type Link struct {
	pc *webrtc.PeerConnection

	mu       sync.Mutex
	onRemote func()
	onFault  func(error)
	local    []webrtc.TrackLocal

	remoteOnce sync.Once
	closeOnce  sync.Once

	echo *Echo
}

func newLink(pc *webrtc.PeerConnection, echo *Echo) *Link {
	l := &Link{pc: pc, echo: echo}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "rtc").Str("peer_connection_state", s.String()).Msg("peer state")
		if s == webrtc.PeerConnectionStateFailed {
			l.fault(fmt.Errorf("peer connection %s", s))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().Str("module", "rtc").
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("remote track received")
		l.remoteOnce.Do(func() {
			l.mu.Lock()
			fn := l.onRemote
			l.mu.Unlock()
			if fn != nil {
				fn()
			}
		})
		if l.echo != nil {
			if out := l.outTrack(track.Kind()); out != nil {
				go l.echo.Run(track, out)
			}
		}
	})

	return l
}

func (l *Link) OnRemoteStream(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onRemote = fn
}

func (l *Link) OnFault(fn func(error)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onFault = fn
}

func (l *Link) fault(err error) {
	l.mu.Lock()
	fn := l.onFault
	l.mu.Unlock()
	if fn != nil {
		fn(err)
	}
}

func (l *Link) CreateOffer(ctx context.Context, stream core.MediaStream) (json.RawMessage, error) {
	if err := l.attach(stream); err != nil {
		return nil, err
	}
	offer, err := l.pc.CreateOffer(nil)
	if err != nil {
		return nil, fmt.Errorf("create offer: %w", err)
	}
	return l.seal(ctx, offer)
}

func (l *Link) AcceptOffer(ctx context.Context, stream core.MediaStream, remote json.RawMessage) (json.RawMessage, error) {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(remote, &desc); err != nil {
		return nil, fmt.Errorf("decode remote offer: %w", err)
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return nil, fmt.Errorf("apply remote offer: %w", err)
	}
	if err := l.attach(stream); err != nil {
		return nil, err
	}
	answer, err := l.pc.CreateAnswer(nil)
	if err != nil {
		return nil, fmt.Errorf("create answer: %w", err)
	}
	return l.seal(ctx, answer)
}

func (l *Link) ApplyAnswer(remote json.RawMessage) error {
	var desc webrtc.SessionDescription
	if err := json.Unmarshal(remote, &desc); err != nil {
		return fmt.Errorf("decode remote answer: %w", err)
	}
	if err := l.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("apply remote answer: %w", err)
	}
	return nil
}

func (l *Link) Destroy() {
	l.closeOnce.Do(func() {
		if err := l.pc.Close(); err != nil {
			log.Error().Err(err).Str("module", "rtc").Msg("close error")
		} else {
			log.Info().Str("module", "rtc").Msg("closed")
		}
	})
}

func (l *Link) attach(stream core.MediaStream) error {
	if stream == nil {
		return nil
	}
	for _, track := range stream.Tracks() {
		if _, err := l.pc.AddTrack(track); err != nil {
			return fmt.Errorf("add local track: %w", err)
		}
	}
	l.mu.Lock()
	l.local = stream.Tracks()
	l.mu.Unlock()
	return nil
}

// seal sets the local description, waits for ICE gathering to finish and
// returns the final description as the opaque payload.
func (l *Link) seal(ctx context.Context, desc webrtc.SessionDescription) (json.RawMessage, error) {
	gatherComplete := webrtc.GatheringCompletePromise(l.pc)
	if err := l.pc.SetLocalDescription(desc); err != nil {
		return nil, fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	payload, err := json.Marshal(l.pc.LocalDescription())
	if err != nil {
		return nil, fmt.Errorf("encode local description: %w", err)
	}
	return payload, nil
}

func (l *Link) outTrack(kind webrtc.RTPCodecType) *webrtc.TrackLocalStaticRTP {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, t := range l.local {
		if out, ok := t.(*webrtc.TrackLocalStaticRTP); ok && out.Kind() == kind {
			return out
		}
	}
	return nil
}

// Factory mints links with the configured ICE servers. With an Echo set,
// every link loops inbound media back to the remote side (device-test
// mode).
type Factory struct {
	cfg  webrtc.Configuration
	echo *Echo
}

func NewFactory(stunServers []string) *Factory {
	if len(stunServers) == 0 {
		stunServers = []string{"stun:stun.l.google.com:19302"}
	}
	return &Factory{
		cfg: webrtc.Configuration{
			ICEServers: []webrtc.ICEServer{{URLs: stunServers}},
		},
	}
}

func (f *Factory) WithEcho(echo *Echo) *Factory {
	f.echo = echo
	return f
}

func (f *Factory) New() (core.PeerLink, error) {
	pc, err := webrtc.NewPeerConnection(f.cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	return newLink(pc, f.echo), nil
}
