package schedule

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/fleetcam/camsync/server"
	"github.com/go-redis/redis"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const backendInfoTimeout = 5 * time.Second

// SchedulePublisher publishes schedule updates, satisfied by *redis.Client
type SchedulePublisher interface {
	Publish(channel string, message interface{}) *redis.IntCmd
}

// Orchestrator polls the configured backends, refreshes the viewer registry
// and publishes the live backends to the schedulers
type Orchestrator struct {
	store     Storage
	publisher SchedulePublisher
	backends  []string
	strategy  SchedulingStrategy
	http      *http.Client
	clock     clockwork.Clock
	log       zerolog.Logger
}

// OrchestratorOption configures an Orchestrator
type OrchestratorOption func(*Orchestrator)

// WithOrchestratorClock sets the clock driving the periodic poll
func WithOrchestratorClock(c clockwork.Clock) OrchestratorOption {
	return func(o *Orchestrator) { o.clock = c }
}

// WithHTTPClient sets the client used to poll backends
func WithHTTPClient(c *http.Client) OrchestratorOption {
	return func(o *Orchestrator) { o.http = c }
}

// WithStrategy sets the strategy published with every schedule
func WithStrategy(s SchedulingStrategy) OrchestratorOption {
	return func(o *Orchestrator) { o.strategy = s }
}

// NewOrchestrator creates an orchestrator over a static backend list
func NewOrchestrator(p SchedulePublisher, s Storage, backends []string, opts ...OrchestratorOption) *Orchestrator {
	o := &Orchestrator{
		store:     s,
		publisher: p,
		backends:  backends,
		http:      &http.Client{Timeout: backendInfoTimeout},
		clock:     clockwork.NewRealClock(),
		log:       log.With().Str("component", "orchestrator").Logger(),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Orchestrator) fetchInfo(ctx context.Context, host string) (*server.ServerInfoMsg, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+host+"/server", nil)
	if err != nil {
		return nil, err
	}
	rsp, err := o.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer rsp.Body.Close()
	if rsp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("backend %s: unexpected status %d", host, rsp.StatusCode)
	}
	var m server.ServerInfoMsg
	if err := json.NewDecoder(rsp.Body).Decode(&m); err != nil {
		return nil, fmt.Errorf("backend %s: %w", host, err)
	}
	return &m, nil
}

// UpdateBackendInfo polls every backend once and publishes the schedule of
// those that answered
func (o *Orchestrator) UpdateBackendInfo(ctx context.Context) (*ScheduleInfo, error) {
	info := &ScheduleInfo{Backends: make(map[Backend]ServerLoad), Strategy: o.strategy}
	for _, host := range o.backends {
		m, err := o.fetchInfo(ctx, host)
		if err != nil {
			o.log.Warn().Err(err).Str("backend", host).Msg("backend info request failed")
			continue
		}
		for _, vid := range m.Viewers {
			if err := o.store.Set(vid, host); err != nil {
				o.log.Error().Err(err).Str("viewer_id", vid).Msg("failed to register viewer")
			}
		}
		info.Backends[Backend(host)] = ServerLoad(m.NViewer)
	}

	msg, err := json.Marshal(info)
	if err != nil {
		return nil, err
	}
	if err := o.publisher.Publish(SchedulePubSubChannel, string(msg)).Err(); err != nil {
		return nil, fmt.Errorf("publish schedule: %w", err)
	}
	o.log.Debug().Int("live", len(info.Backends)).Int("configured", len(o.backends)).Msg("schedule published")
	return info, nil
}

// Run polls the backends every SchedulingUpdatePeriod until ctx is done
func (o *Orchestrator) Run(ctx context.Context) {
	ticker := o.clock.NewTicker(SchedulingUpdatePeriod)
	defer ticker.Stop()

	if _, err := o.UpdateBackendInfo(ctx); err != nil {
		o.log.Error().Err(err).Msg("schedule update failed")
	}
	for {
		select {
		case <-ticker.Chan():
			if _, err := o.UpdateBackendInfo(ctx); err != nil {
				o.log.Error().Err(err).Msg("schedule update failed")
			}
		case <-ctx.Done():
			return
		}
	}
}
