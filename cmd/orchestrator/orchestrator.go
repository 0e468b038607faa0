package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/fleetcam/camsync/config"
	"github.com/fleetcam/camsync/schedule"
	"github.com/rs/zerolog/log"
)

var configPath = flag.String("config", "", "YAML configuration file")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log.Logger = cfg.Log.Logger(os.Stderr)
	if len(cfg.Schedule.Backends) == 0 {
		log.Fatal().Msg("schedule.backends is empty")
	}

	rc, err := cfg.Redis.Client()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create redis client")
	}
	defer rc.Close()
	store, err := cfg.Schedule.OpenStorage(rc)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open viewer registry")
	}
	strategy, _ := cfg.Schedule.SchedulingStrategy()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	o := schedule.NewOrchestrator(rc, store, cfg.Schedule.Backends, schedule.WithStrategy(strategy))
	log.Info().Strs("backends", cfg.Schedule.Backends).Msg("camsync orchestrator starting")
	o.Run(ctx)
}
