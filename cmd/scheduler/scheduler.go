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
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

var configPath = flag.String("config", "", "YAML configuration file")
var restaddr = flag.String("addr", "", "RESTful Service bind address")

func main() {
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log.Logger = cfg.Log.Logger(os.Stderr)
	if *restaddr != "" {
		cfg.HTTP.Addr = *restaddr
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

	sch := schedule.NewScheduler(rc, store)
	if rc == nil {
		// no orchestrator without redis, schedule the configured backends
		strategy, _ := cfg.Schedule.SchedulingStrategy()
		info := &schedule.ScheduleInfo{Backends: make(map[schedule.Backend]schedule.ServerLoad), Strategy: strategy}
		for _, b := range cfg.Schedule.Backends {
			info.Backends[schedule.Backend(b)] = 0
		}
		sch.UpdateSchedule(info)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go sch.RunScheduler(ctx)

	mux := schedule.NewSchedulerMux(sch)
	mux.Handle("/ws", schedule.NewLoadBalancedReverseProxy(store))

	srv := &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           cors.Default().Handler(mux),
		ReadHeaderTimeout: cfg.HTTP.ReadHeaderTimeout,
	}
	log.Info().Str("storage", store.BackendType().String()).Msg("camsync scheduler starting")
	if err := server.Serve(ctx, srv, cfg.HTTP.ShutdownTimeout); err != nil {
		log.Error().Err(err).Msg("camsync scheduler")
	}
}
