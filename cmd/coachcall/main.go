package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yosoyebj/betrora-coach-sub000/internal/api"
	"github.com/yosoyebj/betrora-coach-sub000/internal/auth"
	"github.com/yosoyebj/betrora-coach-sub000/internal/call"
	"github.com/yosoyebj/betrora-coach-sub000/internal/config"
	"github.com/yosoyebj/betrora-coach-sub000/internal/domain"
	"github.com/yosoyebj/betrora-coach-sub000/internal/media"
	"github.com/yosoyebj/betrora-coach-sub000/internal/relay"
	"github.com/yosoyebj/betrora-coach-sub000/internal/session"
	"github.com/yosoyebj/betrora-coach-sub000/internal/webrtc"
)

const helpText = `coachcall - Two-party coaching call over WebRTC

Joins the relay channel for a coaching session, negotiates a peer
connection with the other participant and streams audio/video until
interrupted.

Environment Variables (required):
  BETRORA_TOKEN       Bearer token for the session
  BETRORA_SESSION_ID  Coaching session id

Environment Variables (optional):
  BETRORA_API_BASE_URL  API base URL
  BETRORA_RELAY_URL     Relay websocket URL
  BETRORA_VIEWER_ONLY   Join without local media (true/false)
  BETRORA_LOG_LEVEL     trace|debug|info|warn|error

Options:
  -h, --help  Show this help message
`

func main() {
	if len(os.Args) > 1 && (os.Args[1] == "-h" || os.Args[1] == "--help") {
		fmt.Print(helpText)
		os.Exit(0)
	}

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("load config")
	}
	if level, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(level)
	}

	localID, err := auth.ParticipantID(cfg.Token)
	if err != nil {
		log.Fatal().Err(err).Msg("read participant id from token")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	client := api.NewClient(cfg.APIBaseURL, cfg.Token)
	controller := call.New(call.Deps{
		Identity: &domain.Identity{SessionID: cfg.SessionID, LocalID: localID},
		Token:    cfg.Token,
		Resolver: client,
		ICE:      client,
		Bus:      relay.NewBus(cfg.RelayURL),
		TransportFactory: func(servers []domain.ICEServer) (domain.Transport, error) {
			return webrtc.NewPeer(servers)
		},
		Capture:        media.DeviceCapture,
		ViewerOnly:     cfg.ViewerOnly,
		DedupWindow:    cfg.DedupWindow,
		Tunables:       session.Tunables{RestartCooldown: cfg.RestartCooldown, StaleOfferAfter: cfg.StaleOfferAfter},
		HealthInterval: cfg.HealthInterval,
		RetryDelay:     cfg.RetryDelay,
	})

	log.Info().Str("session", cfg.SessionID).Str("participant", localID).
		Bool("viewer_only", cfg.ViewerOnly).Msg("starting call")
	if err := controller.Setup(ctx); err != nil {
		log.Fatal().Err(err).Msg("call setup failed")
	}

	<-ctx.Done()
	log.Info().Msg("shutting down")
	controller.EndCall()
}
