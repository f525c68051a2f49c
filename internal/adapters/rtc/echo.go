package rtc

import (
	"io"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Echo loops a remote track straight back onto a local out track. It is
// what the device-test agent answers calls with: the caller hears their
// own microphone and knows capture and the network path both work.
type Echo struct{}

func NewEcho() *Echo {
	return &Echo{}
}

// Run forwards RTP until the remote track closes. Payload types differ
// between the legs, so the payload header is rewritten from the out
// track's codec on the way through.
func (e *Echo) Run(src *webrtc.TrackRemote, dst *webrtc.TrackLocalStaticRTP) {
	logger := log.With().
		Str("module", "rtc.echo").
		Str("kind", src.Kind().String()).
		Logger()
	logger.Info().Msg("echo loop started")

	for {
		pkt, _, err := src.ReadRTP()
		if err != nil {
			if err != io.EOF {
				logger.Info().Err(err).Msg("echo read done")
			}
			return
		}
		if err := e.forward(pkt, dst); err != nil {
			logger.Error().Err(err).Msg("echo write error, stopping")
			return
		}
	}
}

func (e *Echo) forward(pkt *rtp.Packet, dst *webrtc.TrackLocalStaticRTP) error {
	if err := dst.WriteRTP(pkt); err != nil && err != io.ErrClosedPipe {
		return err
	}
	return nil
}
