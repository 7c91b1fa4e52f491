package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/telsiz/telsiz/directory"
	"github.com/telsiz/telsiz/metrics"
	"github.com/telsiz/telsiz/relay"
	httpServer "github.com/telsiz/telsiz/server/http"
	websocketServer "github.com/telsiz/telsiz/server/websocket"
	"github.com/telsiz/telsiz/service"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr  = fs.StringP("ws-listen-addr", "w", ":8888", "websocket signaling listen address")
		logLevel      = fs.StringP("log-level", "l", "debug", "log level")
		implicitRooms = fs.Bool("implicit-rooms", true, "create unknown rooms on first join")
		stunURLs      = fs.StringSlice("stun-urls", []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		}, "stun servers advertised to clients")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	dir := directory.New(directory.Config{ImplicitCreate: *implicitRooms})
	registry := prometheus.NewRegistry()
	mtr := metrics.New(registry, dir.Stats)

	svc := service.NewService(service.Config{
		Directory: dir,
		Relay:     relay.New(&logger),
		Metrics:   mtr,
		Logger:    &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:     &logger,
		Rooms:      dir,
		Registry:   registry,
		STUNURLs:   *stunURLs,
		ListenAddr: *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       *wsListenAddr,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
