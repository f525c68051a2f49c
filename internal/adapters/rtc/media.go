package rtc

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/carelink/televisit/internal/core"
)

type localStream struct {
	tracks []webrtc.TrackLocal
}

func (s *localStream) Tracks() []webrtc.TrackLocal { return s.tracks }

// TrackSource is the core.MediaSource for headless endpoints: it mints
// static RTP tracks the endpoint writes into (the echo loop, a prompt
// player, ...). There is no device to hold, so Release is a no-op and
// trivially idempotent.
type TrackSource struct {
	video bool
}

func NewTrackSource(video bool) *TrackSource {
	return &TrackSource{video: video}
}

func (ts *TrackSource) Acquire(ctx context.Context) (core.MediaStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	streamID := "televisit-" + uuid.NewString()

	audio, err := webrtc.NewTrackLocalStaticRTP(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
		"audio", streamID,
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrDeviceUnavailable, err)
	}
	tracks := []webrtc.TrackLocal{audio}

	if ts.video {
		video, err := webrtc.NewTrackLocalStaticRTP(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8},
			"video", streamID,
		)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", core.ErrDeviceUnavailable, err)
		}
		tracks = append(tracks, video)
	}

	return &localStream{tracks: tracks}, nil
}

func (ts *TrackSource) Release(stream core.MediaStream) {}
