package main

import (
	"bufio"
	"context"
	"os"
	"os/signal"
	"syscall"

	pion "github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/telsiz/telsiz/client/audio"
	"github.com/telsiz/telsiz/client/bridge"
	"github.com/telsiz/telsiz/client/peer"
	"github.com/telsiz/telsiz/client/signaling"
	"github.com/telsiz/telsiz/client/webrtcconn"
	"github.com/telsiz/telsiz/model"
)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		wsURL    = fs.StringP("ws-url", "w", "ws://localhost:8888/signal", "signaling websocket url")
		apiURL   = fs.StringP("api-url", "a", "http://localhost:8080", "signaling api url")
		roomID   = fs.StringP("room", "r", "", "room to join")
		name     = fs.StringP("name", "n", "", "display name")
		secret   = fs.StringP("secret", "s", "", "room secret")
		logLevel = fs.StringP("log-level", "l", "info", "log level")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}
	if *roomID == "" || *name == "" {
		logger.Fatal().Msg("--room and --name are required")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	iceServers, err := webrtcconn.FetchICEServers(*apiURL)
	if err != nil {
		logger.Warn().Err(err).Msg("falling back to default stun servers")
		iceServers = webrtcconn.DefaultICEServers()
	}

	sig := signaling.NewClient(*wsURL, &logger)
	if err = sig.Connect(); err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to signaling server")
	}
	defer sig.Close()

	connector := webrtcconn.New(webrtcconn.Config{
		ICEServers: iceServers,
		OnRemoteTrack: func(peerID string, track *pion.TrackRemote, _ *pion.RTPReceiver) {
			logger.Info().Str("peer", peerID).Str("codec", track.Codec().MimeType).Msg("receiving audio")
		},
		Logger: &logger,
	})

	mgr := peer.NewManager(peer.Config{
		Connector: connector,
		Send: func(to, kind string, payload []byte) {
			msg, mErr := model.New(model.TypeNegotiate, model.Negotiate{To: to, Kind: kind, Payload: payload})
			if mErr != nil {
				logger.Error().Err(mErr).Msg("failed to build negotiate message")
				return
			}
			sig.Send(msg)
		},
		Degraded: func(peerID string) {
			logger.Warn().Str("peer", peerID).Msg("mesh degraded, peer keeps failing")
		},
		Logger: &logger,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	br := bridge.New(&logger)
	mgr.Attach(br)
	br.OnMemberJoined(func(ev model.MemberInfo) {
		logger.Info().Str("identity", ev.Identity).Str("name", ev.DisplayName).Msg("member joined")
	})
	br.OnMemberLeft(func(ev model.MemberLeft) {
		logger.Info().Str("identity", ev.Identity).Msg("member left")
	})
	br.OnFloorClaimed(func(ev model.Floor) {
		logger.Info().Str("identity", ev.Identity).Msg("floor claimed")
	})
	br.OnFloorReleased(func(ev model.Floor) {
		logger.Info().Str("identity", ev.Identity).Msg("floor released")
	})
	br.OnServerError(func(ev model.ErrorInfo) {
		logger.Error().Str("code", ev.Code).Str("message", ev.Message).Msg("server error")
	})
	br.OnClosed(cancel)

	go mgr.Run(ctx)
	go br.Run(ctx, sig.Incoming())

	join, _ := model.New(model.TypeJoinRoom, model.JoinRoom{
		RoomID:      *roomID,
		DisplayName: *name,
		Secret:      *secret,
	})
	sig.Send(join)

	source, err := audio.NewSource()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create audio source")
	}

	logger.Info().Str("room", *roomID).Msg("joined; 't' toggles transmit, 'q' quits")
	go readKeys(ctx, cancel, sig, mgr, source, &logger)

	<-ctx.Done()
	leave, _ := model.New(model.TypeLeaveRoom, nil)
	sig.Send(leave)
}

func readKeys(
	ctx context.Context,
	cancel context.CancelFunc,
	sig *signaling.Client,
	mgr *peer.Manager,
	source *audio.Source,
	logger *zerolog.Logger,
) {
	var transmitting bool
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		switch scanner.Text() {
		case "t":
			if !transmitting {
				source.Start(ctx)
				mgr.SetTrack(source.Track())
				claim, _ := model.New(model.TypeFloorClaim, nil)
				sig.Send(claim)
				logger.Info().Msg("transmitting")
			} else {
				release, _ := model.New(model.TypeFloorRelease, nil)
				sig.Send(release)
				mgr.ClearTrack()
				source.Stop()
				logger.Info().Msg("transmit stopped")
			}
			transmitting = !transmitting
		case "q":
			cancel()
			return
		}
	}
}
