package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetcam/camsync/config"
	"github.com/fleetcam/camsync/schedule"
	"github.com/fleetcam/camsync/server"
	"github.com/go-redis/redis"
	"github.com/rs/zerolog/log"
)

var configPath = flag.String("config", "", "YAML configuration file")
var wsaddr = flag.String("ws", "", "WebSocket Service bind address")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log.Logger = cfg.Log.Logger(os.Stderr)
	if *wsaddr != "" {
		cfg.HTTP.Addr = *wsaddr
	}

	var rc *redis.Client
	if cfg.Schedule.UsesRedis() {
		if rc, err = cfg.Redis.Client(); err != nil {
			log.Fatal().Err(err).Msg("failed to create redis client")
		}
		defer rc.Close()
	}
	store, err := cfg.Schedule.OpenStorage(rc)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open viewer registry")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           schedule.NewLoadBalancedReverseProxy(store),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	if err := server.Serve(ctx, srv, cfg.HTTP.ShutdownTimeout); err != nil {
		log.Error().Err(err).Msg("camsync revproxy")
	}
}
