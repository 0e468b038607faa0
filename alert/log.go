package alert

import (
	"context"

	"github.com/rs/zerolog"
)

// LogPublisher writes alerts to a logger. It is used when no NATS server is
// configured.
type LogPublisher struct {
	log zerolog.Logger
}

// NewLogPublisher creates a publisher writing to l
func NewLogPublisher(l zerolog.Logger) *LogPublisher {
	return &LogPublisher{log: l}
}

func (p *LogPublisher) Publish(_ context.Context, a Alert) error {
	p.log.Warn().
		Str("alert_id", a.ID.String()).
		Str("kind", string(a.Kind)).
		Str("viewer_id", a.ViewerID).
		Time("at", a.At).
		Msg("viewer alert")
	return nil
}

func (p *LogPublisher) Close() error { return nil }
