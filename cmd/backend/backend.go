package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetcam/camsync/alert"
	"github.com/fleetcam/camsync/config"
	"github.com/fleetcam/camsync/server"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

var configPath = flag.String("config", "", "YAML configuration file")
var listenaddr = flag.String("addr", "", "WebSocket and RESTful Service bind address")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log.Logger = cfg.Log.Logger(os.Stderr)
	if *listenaddr != "" {
		cfg.HTTP.Addr = *listenaddr
	}

	var alerts alert.Publisher = alert.NewLogPublisher(log.Logger)
	if cfg.Alerts.NATS {
		np, err := alert.NewNATSPublisher(cfg.Alerts.Server)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to NATS")
		}
		alerts = np
	}
	defer alerts.Close()

	s := server.NewServer(cfg.Viewer.ServerConfig(),
		server.WithAlerts(alerts),
		server.WithLogger(log.Logger))

	mux := server.NewRestMux(s)
	mux.HandleFunc("/ws", server.GetWSHandleFunc(s))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go s.Run(ctx)

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           cors.Default().Handler(mux),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	log.Info().Bool("nats", cfg.Alerts.NATS).Int("max_channels", s.Config().MaxChannels).Msg("camsync backend starting")
	if err := server.Serve(ctx, srv, cfg.HTTP.ShutdownTimeout); err != nil {
		log.Error().Err(err).Msg("camsync backend")
	}
}
