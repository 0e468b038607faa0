package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig configures the NATS alert publisher
type NATSConfig struct {
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix" split_words:"true"`
	MaxReconnects int           `yaml:"max_reconnects" split_words:"true"`
	ReconnectWait time.Duration `yaml:"reconnect_wait" split_words:"true"`
}

// DefaultNATSConfig returns the defaults used for omitted fields
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		SubjectPrefix: "camsync.alerts",
		MaxReconnects: -1, // forever
		ReconnectWait: 2 * time.Second,
	}
}

// Subject returns the subject alerts of kind are published on
func (c NATSConfig) Subject(kind Kind) string {
	return fmt.Sprintf("%s.%s", c.SubjectPrefix, kind)
}

// NATSPublisher publishes alerts as JSON on <prefix>.<kind>
type NATSPublisher struct {
	nc  *nats.Conn
	cfg NATSConfig
}

// NewNATSPublisher connects to the configured NATS server
func NewNATSPublisher(cfg NATSConfig) (*NATSPublisher, error) {
	def := DefaultNATSConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}

	opts := []nats.Option{
		nats.Name("camsync"),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSPublisher{nc: nc, cfg: cfg}, nil
}

func (p *NATSPublisher) Publish(ctx context.Context, a Alert) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}
	msg := &nats.Msg{
		Subject: p.cfg.Subject(a.Kind),
		Data:    data,
		Header: nats.Header{
			"Alert-ID":  []string{a.ID.String()},
			"Viewer-ID": []string{a.ViewerID},
		},
	}
	if err := p.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish alert %s: %w", a.ID, err)
	}
	return nil
}

// Close flushes pending alerts and closes the connection
func (p *NATSPublisher) Close() error {
	if err := p.nc.Drain(); err != nil {
		p.nc.Close()
		return fmt.Errorf("drain NATS connection: %w", err)
	}
	return nil
}
