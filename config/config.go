package config

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/fleetcam/camsync/alert"
	"github.com/fleetcam/camsync/schedule"
	"github.com/fleetcam/camsync/server"
	"github.com/go-redis/redis"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override, e.g.
// CAMSYNC_VIEWER_TIMEOUT_SECONDS
const EnvPrefix = "CAMSYNC"

type Config struct {
	Log      Log      `yaml:"log"`
	HTTP     HTTP     `yaml:"http"`
	Viewer   Viewer   `yaml:"viewer"`
	Redis    Redis    `yaml:"redis"`
	Schedule Schedule `yaml:"schedule"`
	Alerts   Alerts   `yaml:"alerts"`
}

type Log struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type HTTP struct {
	Addr              string        `yaml:"addr"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout" split_words:"true"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout" split_words:"true"`
}

type Viewer struct {
	// TimeoutSeconds is the staleness timeout, unset uses the built-in
	// default and zero or negative disables the check
	TimeoutSeconds *int          `yaml:"timeout_seconds" split_words:"true"`
	IdleTimeout    time.Duration `yaml:"idle_timeout" split_words:"true"`
	TickInterval   time.Duration `yaml:"tick_interval" split_words:"true"`
	PlayTimeout    time.Duration `yaml:"play_timeout" split_words:"true"`
	MaxChannels    int           `yaml:"max_channels" split_words:"true"`
}

type Redis struct {
	// Kind is simple or sentinel
	Kind       string   `yaml:"kind"`
	Addrs      []string `yaml:"addrs"`
	MasterName string   `yaml:"master_name" split_words:"true"`
}

type Schedule struct {
	// Storage is mem or redis
	Storage  string   `yaml:"storage"`
	Strategy string   `yaml:"strategy"`
	Backends []string `yaml:"backends"`
}

type Alerts struct {
	// NATS enables the NATS publisher, alerts are only logged otherwise
	NATS   bool             `yaml:"nats" envconfig:"NATS_ENABLED"`
	Server alert.NATSConfig `yaml:"nats_server" envconfig:"NATS"`
}

// Default returns the configuration used for everything a file or the
// environment leaves out
func Default() Config {
	def := server.DefaultConfig()
	return Config{
		Log: Log{Level: "info", Pretty: true},
		HTTP: HTTP{
			Addr:              ":8080",
			ReadHeaderTimeout: 10 * time.Second,
			ShutdownTimeout:   10 * time.Second,
		},
		Viewer: Viewer{
			IdleTimeout:  def.IdleTimeout,
			TickInterval: def.TickInterval,
			PlayTimeout:  def.PlayTimeout,
			MaxChannels:  def.MaxChannels,
		},
		Redis: Redis{
			Kind:       schedule.RedisClientSentinel,
			Addrs:      []string{"redis-sentinel:26379"},
			MasterName: schedule.RedisMasterName,
		},
		Schedule: Schedule{
			Storage:  schedule.StorageBackendRedis.String(),
			Strategy: "balance",
		},
		Alerts: Alerts{Server: alert.DefaultNATSConfig()},
	}
}

// Load reads the YAML file at path (skipped when empty), then a .env file in
// the working directory if there is one, then CAMSYNC_* variables
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		defer f.Close()
		if err := decode(f, &cfg); err != nil {
			return nil, err
		}
	}
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(); err != nil {
			return nil, fmt.Errorf("failed to load .env: %w", err)
		}
	}
	if err := envconfig.Process(EnvPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

// Validate rejects values the services cannot start with
func (c *Config) Validate() error {
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	if c.Viewer.MaxChannels < 0 {
		return fmt.Errorf("viewer.max_channels must not be negative")
	}
	if _, err := schedule.ParseStorageBackendType(c.Schedule.Storage); err != nil {
		return fmt.Errorf("schedule.storage: %w", err)
	}
	if _, err := c.Schedule.SchedulingStrategy(); err != nil {
		return fmt.Errorf("schedule.strategy: %w", err)
	}
	return nil
}

// Logger builds the process logger
func (l Log) Logger(out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(l.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	if l.Pretty {
		out = zerolog.ConsoleWriter{Out: out}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}

// ServerConfig maps the viewer settings onto the backend configuration
func (v Viewer) ServerConfig() server.Config {
	return server.Config{
		IdleTimeout:    v.IdleTimeout,
		TickInterval:   v.TickInterval,
		PlayTimeout:    v.PlayTimeout,
		TimeoutSeconds: v.TimeoutSeconds,
		MaxChannels:    v.MaxChannels,
	}
}

// SchedulingStrategy parses the configured strategy name
func (s Schedule) SchedulingStrategy() (schedule.SchedulingStrategy, error) {
	switch strings.ToLower(s.Strategy) {
	case "", "balance":
		return schedule.SchedulingStrategyBalance, nil
	case "adaptive":
		return schedule.SchedulingStrategyAdaptive, nil
	default:
		return 0, fmt.Errorf("unsupported strategy %q", s.Strategy)
	}
}

// Client connects to the configured Redis
func (r Redis) Client() (*redis.Client, error) {
	if r.MasterName != "" {
		schedule.RedisMasterName = r.MasterName
	}
	return schedule.NewRedisClient(r.Kind, r.Addrs...)
}

// OpenStorage opens the viewer registry, rc is only used by the redis backend
func (s Schedule) OpenStorage(rc *redis.Client) (schedule.Storage, error) {
	typ, err := schedule.ParseStorageBackendType(s.Storage)
	if err != nil {
		return nil, err
	}
	if typ == schedule.StorageBackendRedis {
		if rc == nil {
			return nil, fmt.Errorf("redis storage needs a redis client")
		}
		return schedule.NewRedisStorage(rc), nil
	}
	return schedule.NewStorageBackend(typ)
}

// UsesRedis reports whether the registry lives in Redis
func (s Schedule) UsesRedis() bool {
	typ, err := schedule.ParseStorageBackendType(s.Storage)
	return err == nil && typ == schedule.StorageBackendRedis
}
