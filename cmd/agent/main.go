// The agent is a headless call endpoint for device tests: it connects to
// the relay as a regular user, auto-accepts every incoming call and echoes
// the caller's media back. Patients use it to check their microphone and
// network before a visit.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/carelink/televisit/internal/adapters/journal"
	"github.com/carelink/televisit/internal/adapters/rtc"
	sig "github.com/carelink/televisit/internal/adapters/signal"
	"github.com/carelink/televisit/internal/app"
	"github.com/carelink/televisit/internal/config"
	"github.com/carelink/televisit/internal/core"
	"github.com/carelink/televisit/internal/domain"
)

type autoAccept struct {
	core.NopObserver
	manager *app.Manager
}

func (a *autoAccept) IncomingCall(id domain.CallID, from domain.UserID) {
	log.Info().Str("call", string(id)).Str("from", string(from)).Msg("incoming call, accepting")
	if err := a.manager.Accept(id); err != nil {
		log.Error().Err(err).Str("call", string(id)).Msg("accept failed")
	}
}

func (a *autoAccept) StateChanged(id domain.CallID, state domain.CallState) {
	log.Info().Str("call", string(id)).Str("state", state.String()).Msg("call state")
}

func (a *autoAccept) Ended(id domain.CallID, outcome domain.CallOutcome) {
	log.Info().Str("call", string(id)).Str("outcome", string(outcome)).Msg("call ended")
}

func main() {
	server := flag.String("server", "http://localhost:8080", "relay base URL")
	user := flag.String("user", "device-test", "user id to register as")
	video := flag.Bool("video", false, "offer a video track alongside audio")
	stun := flag.String("stun", "", "comma-separated STUN server URLs (overrides config)")
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	uid := domain.UserID(*user)
	wsURL := strings.Replace(*server, "http", "ws", 1) + "/api/ws/signal"

	// The relay reads the user id from the ct cookie its token middleware
	// normally issues; the agent brings its own.
	header := http.Header{}
	header.Set("Cookie", "ct="+*user)

	channel, err := sig.Dial(wsURL, uid, header)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to reach relay")
	}
	defer channel.Close()

	stunServers := cfg.StunServers
	if *stun != "" {
		stunServers = strings.Split(*stun, ",")
	}
	links := rtc.NewFactory(stunServers).WithEcho(rtc.NewEcho())
	media := rtc.NewTrackSource(*video)
	reports := journal.NewHTTPClient(*server)

	opts := app.Options{RingWindow: cfg.RingWindow, ConnectWindow: cfg.ConnectWindow}
	observer := &autoAccept{}
	manager := app.NewManager(uid, channel, media, links, observer, reports, opts)
	observer.manager = manager

	if err := manager.Run(); err != nil {
		log.Fatal().Err(err).Msg("failed to subscribe")
	}
	defer manager.Close()

	log.Info().Str("user", *user).Str("server", *server).Msg("device-test agent ready")
	<-ctx.Done()
	log.Info().Msg("agent exiting")
}
